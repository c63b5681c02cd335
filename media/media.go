// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package media turns persisted moment content into the bounded wire
// payload sent to the partner.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/blinklabs-io/duet/database"
)

const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"

	DefaultMaxBytes = 4 << 20
	// DefaultMaxDecodedBytes bounds the content a received payload may
	// expand to
	DefaultMaxDecodedBytes = 64 << 20
)

var (
	ErrPayloadTooLarge  = errors.New("payload does not fit the size limit")
	ErrUnknownEncoding  = errors.New("unknown payload encoding")
	defaultEncoderSteps = []zstd.EncoderLevel{
		zstd.SpeedFastest,
		zstd.SpeedDefault,
		zstd.SpeedBetterCompression,
		zstd.SpeedBestCompression,
	}
)

// Encoded is a payload ready for the wire
type Encoded struct {
	Data     []byte
	Size     int
	Encoding string
}

// Transformer produces the wire payload for persisted content
type Transformer interface {
	Transform(ctx context.Context, ref string) (Encoded, error)
}

// ZstdTransformer compresses content with zstd, trying stronger levels until
// the result fits MaxBytes
type ZstdTransformer struct {
	store    database.Store
	maxBytes int
	steps    []zstd.EncoderLevel
}

type ZstdOptionFunc func(*ZstdTransformer)

func WithMaxBytes(maxBytes int) ZstdOptionFunc {
	return func(t *ZstdTransformer) {
		t.maxBytes = maxBytes
	}
}

func WithEncoderLevels(levels ...zstd.EncoderLevel) ZstdOptionFunc {
	return func(t *ZstdTransformer) {
		t.steps = levels
	}
}

func NewZstdTransformer(store database.Store, opts ...ZstdOptionFunc) *ZstdTransformer {
	t := &ZstdTransformer{
		store:    store,
		maxBytes: DefaultMaxBytes,
		steps:    defaultEncoderSteps,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ZstdTransformer) Transform(ctx context.Context, ref string) (Encoded, error) {
	data, err := t.store.Load(ref)
	if err != nil {
		return Encoded{}, fmt.Errorf("load %s: %w", ref, err)
	}
	if len(data) == 0 {
		// A note without a photo travels as its caption alone
		return Encoded{Encoding: EncodingIdentity}, nil
	}
	smallest := -1
	for _, level := range t.steps {
		if err := ctx.Err(); err != nil {
			return Encoded{}, err
		}
		out, err := encode(data, level)
		if err != nil {
			return Encoded{}, err
		}
		if len(out) <= t.maxBytes {
			return Encoded{Data: out, Size: len(out), Encoding: EncodingZstd}, nil
		}
		if smallest < 0 || len(out) < smallest {
			smallest = len(out)
		}
	}
	return Encoded{}, fmt.Errorf(
		"%w: %d bytes after compression, limit %d",
		ErrPayloadTooLarge,
		smallest,
		t.maxBytes,
	)
}

func encode(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decode reverses the wire encoding of a received payload, refusing content
// larger than DefaultMaxDecodedBytes
func Decode(encoding string, data []byte) ([]byte, error) {
	return DecodeLimit(encoding, data, DefaultMaxDecodedBytes)
}

// DecodeLimit is Decode with an explicit bound on the decoded size
func DecodeLimit(encoding string, data []byte, maxBytes int) ([]byte, error) {
	switch encoding {
	case "", EncodingIdentity:
		if len(data) > maxBytes {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), maxBytes)
		}
		return data, nil
	case EncodingZstd:
		dec, err := zstd.NewReader(
			nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(maxBytes)),
		)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) ||
				errors.Is(err, zstd.ErrWindowSizeExceeded) {
				return nil, fmt.Errorf("%w: decoded content exceeds %d bytes", ErrPayloadTooLarge, maxBytes)
			}
			return nil, fmt.Errorf("decode zstd payload: %w", err)
		}
		if len(out) > maxBytes {
			return nil, fmt.Errorf("%w: decoded content exceeds %d bytes", ErrPayloadTooLarge, maxBytes)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, encoding)
	}
}

// IdentityTransformer sends persisted content unchanged
type IdentityTransformer struct {
	store database.Store
}

func NewIdentityTransformer(store database.Store) *IdentityTransformer {
	return &IdentityTransformer{store: store}
}

func (t *IdentityTransformer) Transform(_ context.Context, ref string) (Encoded, error) {
	data, err := t.store.Load(ref)
	if err != nil {
		return Encoded{}, fmt.Errorf("load %s: %w", ref, err)
	}
	return Encoded{Data: data, Size: len(data), Encoding: EncodingIdentity}, nil
}
