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

package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/transport"
)

func TestWebsocketRoundTrip(t *testing.T) {
	gotToken := make(chan string, 1)
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		gotToken <- transport.BearerToken(ws.Request())
		conn := transport.NewWebsocketConn(ws, time.Second)
		defer conn.Close()
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		// Echo the request id back on a different event
		reply, _ := protocol.Encode(frame.RequestID, &protocol.RoomJoined{UserID: "alice"})
		_ = conn.WriteFrame(reply)
	}))
	defer srv.Close()

	dialer := &transport.WebsocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "tok-123")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "tok-123", <-gotToken)
	out, err := protocol.Encode("1", &protocol.JoinRoom{UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(out))

	in, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.EventRoomJoined, in.Type)
	assert.Equal(t, "1", in.RequestID)
	msg, err := protocol.Decode(in)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.(*protocol.RoomJoined).UserID)
}

func TestWebsocketDialRejectsBadScheme(t *testing.T) {
	dialer := &transport.WebsocketDialer{}
	_, err := dialer.Dial(context.Background(), "ftp://example.invalid/ws", "")
	require.Error(t, err)
}

func TestWebsocketDialUnreachable(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(*websocket.Conn) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	dialer := &transport.WebsocketDialer{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := dialer.Dial(ctx, url, "")
	require.Error(t, err)
}

func TestWebsocketReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(websocket.Handler(func(*websocket.Conn) {
		// Accept and then never write
		<-release
	}))
	defer srv.Close()
	defer close(release)

	dialer := &transport.WebsocketDialer{ReadTimeout: 50 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialer.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "")
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadFrame()
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not time out on a silent connection")
	}
}
