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

package connmanager

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrAckTimeout     = errors.New("timed out waiting for acknowledgment")
	ErrConnectionLost = errors.New("connection lost")
	ErrStopped        = errors.New("connection manager stopped")
	ErrConnectionDead = errors.New("server stopped responding")
)

// AuthError is returned when the server rejects the bearer token. It is
// never retried automatically.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed: " + e.Code
	}
	return fmt.Sprintf("authentication failed: %s: %s", e.Code, e.Message)
}

// TransportError wraps a network level failure. The connection manager
// retries these while a session is active.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is or wraps an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransportError reports whether err is or wraps a TransportError
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
