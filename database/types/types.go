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

package types

import (
	"errors"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrStoreClosed      = errors.New("store is closed")
	ErrDataDirLocked    = errors.New("data directory is locked by another process")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store is the local durable key/value store. Every write is durable by the
// time it returns.
type Store interface {
	Save(key string, value []byte) error
	// Load returns ErrKeyNotFound for a missing key
	Load(key string) ([]byte, error)
	// Remove is a no-op for a missing key
	Remove(key string) error
	// ListKeys returns all keys with the given prefix in lexical order
	ListKeys(prefix string) ([]string, error)
	Close() error
}
