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

package transport

import (
	"context"

	"github.com/blinklabs-io/duet/protocol"
)

// Conn is a bidirectional frame stream to the delivery server. ReadFrame is
// called from a single goroutine, WriteFrame may be called concurrently.
type Conn interface {
	ReadFrame() (protocol.Frame, error)
	WriteFrame(protocol.Frame) error
	Close() error
}

// Dialer opens a Conn authenticated with a bearer token
type Dialer interface {
	Dial(ctx context.Context, url string, token string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, url string, token string) (Conn, error)

func (f DialerFunc) Dial(
	ctx context.Context,
	url string,
	token string,
) (Conn, error) {
	return f(ctx, url, token)
}
