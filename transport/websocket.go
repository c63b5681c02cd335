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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/blinklabs-io/duet/protocol"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	// Frames larger than this are rejected by the reader
	DefaultMaxFrameSize = 32 << 20
)

// WebsocketDialer dials the delivery server over a websocket. The bearer
// token travels in the Authorization header of the upgrade request.
type WebsocketDialer struct {
	// Origin sent with the upgrade request. Derived from the URL when empty.
	Origin       string
	WriteTimeout time.Duration
	// ReadTimeout bounds the wait for each inbound frame. Zero waits forever.
	ReadTimeout  time.Duration
	MaxFrameSize int
}

func (d *WebsocketDialer) Dial(
	ctx context.Context,
	serverURL string,
	token string,
) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		var err error
		origin, err = originFor(serverURL)
		if err != nil {
			return nil, err
		}
	}
	cfg, err := websocket.NewConfig(serverURL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Header = make(http.Header)
	if token != "" {
		cfg.Header.Set("Authorization", "Bearer "+token)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", serverURL, err)
	}
	maxFrame := d.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	ws.MaxPayloadBytes = maxFrame
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	conn := NewWebsocketConn(ws, writeTimeout)
	conn.SetReadTimeout(d.ReadTimeout)
	return conn, nil
}

// WebsocketConn carries one JSON frame per websocket message
type WebsocketConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
}

// NewWebsocketConn wraps an established websocket. It is also used on the
// server side of tests.
func NewWebsocketConn(
	ws *websocket.Conn,
	writeTimeout time.Duration,
) *WebsocketConn {
	return &WebsocketConn{
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// SetReadTimeout makes ReadFrame fail when no frame arrives within d. The
// deadline is refreshed before every read.
func (c *WebsocketConn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

func (c *WebsocketConn) ReadFrame() (protocol.Frame, error) {
	if c.readTimeout > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return protocol.Frame{}, err
		}
	}
	var frame protocol.Frame
	if err := websocket.JSON.Receive(c.ws, &frame); err != nil {
		return protocol.Frame{}, err
	}
	return frame, nil
}

func (c *WebsocketConn) WriteFrame(frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return websocket.JSON.Send(c.ws, frame)
}

func (c *WebsocketConn) Close() error {
	return c.ws.Close()
}

// BearerToken extracts the token from an Authorization header
func BearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func originFor(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.Scheme + "://" + u.Host, nil
}
