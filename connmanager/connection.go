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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/transport"
)

// connection is one physical transport connection and the requests waiting
// on replies over it
type connection struct {
	conn     transport.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	pending  map[string]chan protocol.Message
	mu       sync.Mutex
	closed   bool
	lastRead atomic.Int64 // unix nanos of the last frame read
}

func newConnection(parent context.Context, conn transport.Conn) *connection {
	ctx, cancel := context.WithCancel(parent)
	c := &connection{
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan protocol.Message),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

// idle returns how long ago the last frame arrived
func (c *connection) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastRead.Load()))
}

func (c *connection) addPending(requestID string) (chan protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	ch := make(chan protocol.Message, 1)
	c.pending[requestID] = ch
	return ch, true
}

func (c *connection) removePending(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// resolve hands a reply to the request waiting on it. It returns false when
// nobody is waiting, for example after a local timeout.
func (c *connection) resolve(requestID string, msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[requestID]
	if !ok {
		return false
	}
	delete(c.pending, requestID)
	ch <- msg
	return true
}

// close tears down the transport. Waiting requests see their reply channel
// closed.
func (c *connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close()
}

func (c *connection) write(requestID string, msg protocol.Message) error {
	frame, err := protocol.Encode(requestID, msg)
	if err != nil {
		return err
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		return &TransportError{Op: "write " + string(msg.EventName()), Err: err}
	}
	return nil
}
