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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blinklabs-io/duet/internal/test/fakeserver"
	"github.com/blinklabs-io/duet/internal/test/testutil"
	"github.com/blinklabs-io/duet/protocol"
)

const testUser = "user-a"

func newTestManager(srv *fakeserver.Server) *ConnectionManager {
	return NewConnectionManager(ConnectionManagerConfig{
		Logger:               slog.New(slog.NewJSONHandler(io.Discard, nil)),
		PromRegistry:         prometheus.NewRegistry(),
		Dialer:               srv.Dialer(),
		ServerURL:            "ws://fake/socket",
		HandshakeTimeout:     time.Second,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour,
	})
}

func collect(cm *ConnectionManager, name protocol.EventName) <-chan protocol.Message {
	ch := make(chan protocol.Message, 16)
	cm.OnEvent(name, func(msg protocol.Message) {
		ch <- msg
	})
	return ch
}

func TestConnectJoinsRoom(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	connected := collect(cm, protocol.EventConnect)

	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	assert.True(t, cm.IsConnected())
	assert.Equal(t, StateConnected, cm.State())
	testutil.RequireReceive(t, connected, testutil.DefaultWait, "connect event")

	joins := srv.Received(protocol.EventJoinRoom)
	require.Len(t, joins, 1)
	assert.Equal(t, testUser, joins[0].Message.(*protocol.JoinRoom).UserID)
	assert.True(t, srv.Connected(testUser))

	// Connecting again while connected does nothing
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	assert.Equal(t, 1, srv.Dials())
	assert.Equal(t, 1, srv.Count(protocol.EventJoinRoom))
}

func TestConnectRequiresUserID(t *testing.T) {
	defer goleak.VerifyNone(t)
	cm := newTestManager(fakeserver.New())
	defer cm.Stop()
	require.Error(t, cm.Connect(context.Background(), "", "token"))
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestConnectAuthFailureIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.AddToken("good-token")
	cm := newTestManager(srv)
	defer cm.Stop()
	rejected := collect(cm, protocol.EventConnectError)

	err := cm.Connect(context.Background(), testUser, "bad-token")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.False(t, IsTransportError(err))
	assert.Equal(t, StateDisconnected, cm.State())

	msg := testutil.RequireReceive(t, rejected, testutil.DefaultWait, "connect_error event")
	assert.Equal(t, protocol.CodeUnauthorized, msg.(*protocol.ConnectError).Code)

	// Well past the reconnect delays, still a single dial
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.Dials())
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestJoinRoomTimeoutIsTransportError(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.WithholdRoomJoined(true)
	cm := NewConnectionManager(ConnectionManagerConfig{
		Dialer:               srv.Dialer(),
		HandshakeTimeout:     50 * time.Millisecond,
		ReconnectBaseDelay:   time.Hour,
		MaxReconnectAttempts: 1,
	})
	defer cm.Stop()

	err := cm.Connect(context.Background(), testUser, "token")
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, StateReconnecting, cm.State())
	cm.Disconnect()
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestSendWithAck(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	reply, err := cm.SendWithAck(
		context.Background(),
		&protocol.SendMoment{ID: "m1", Payload: []byte("img")},
		time.Second,
	)
	require.NoError(t, err)
	ack, ok := reply.(*protocol.MomentAck)
	require.True(t, ok)
	assert.Equal(t, "m1", ack.ID)
	assert.True(t, ack.Success)
}

func TestSendWithAckErrorReply(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	reply, err := cm.SendWithAck(
		context.Background(),
		&protocol.JoinCode{Code: "NOPE42"},
		time.Second,
	)
	assert.Nil(t, reply)
	var errReply *protocol.ErrorReply
	require.ErrorAs(t, err, &errReply)
	assert.Equal(t, protocol.CodeInvalidCode, errReply.Code)
}

func TestSendWithAckTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.SetAckMode(fakeserver.AckWithhold)
	cm := newTestManager(srv)
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	start := time.Now()
	_, err := cm.SendWithAck(
		context.Background(),
		&protocol.SendMoment{ID: "m1"},
		50*time.Millisecond,
	)
	require.ErrorIs(t, err, ErrAckTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.InDelta(t, 1, promtestutil.ToFloat64(cm.metrics.ackTimeouts), 0)
	// The connection survives a timeout
	assert.True(t, cm.IsConnected())
}

func TestSendWithAckContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.SetAckMode(fakeserver.AckWithhold)
	cm := newTestManager(srv)
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cm.SendWithAck(ctx, &protocol.SendMoment{ID: "m1"}, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUncorrelatedAckIsPublished(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	acks := collect(cm, protocol.EventMomentAck)
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	require.NoError(t, srv.Push(testUser, &protocol.MomentAck{ID: "late", Success: true}))
	msg := testutil.RequireReceive(t, acks, testutil.DefaultWait, "late ack")
	assert.Equal(t, "late", msg.(*protocol.MomentAck).ID)
}

func TestNotConnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	cm := newTestManager(fakeserver.New())
	defer cm.Stop()
	_, err := cm.SendWithAck(context.Background(), &protocol.SendMoment{ID: "m1"}, time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, cm.Send(&protocol.Heartbeat{}), ErrNotConnected)
	require.ErrorIs(t, cm.Resume(context.Background()), ErrNotConnected)
}

func TestPendingRequestFailsOnConnectionLoss(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.SetAckMode(fakeserver.AckWithhold)
	cm := newTestManager(srv)
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	errCh := make(chan error, 1)
	go func() {
		_, err := cm.SendWithAck(
			context.Background(),
			&protocol.SendMoment{ID: "m1"},
			testutil.DefaultWait,
		)
		errCh <- err
	}()
	testutil.WaitForCondition(t, func() bool {
		return srv.Count(protocol.EventSendMoment) == 1
	}, testutil.DefaultWait, "send_moment reaches server")
	srv.DropConnections()

	err := testutil.RequireReceive(t, errCh, testutil.DefaultWait, "pending request result")
	assert.True(t, IsTransportError(err))
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestReconnectRejoinsRoomOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	disconnects := collect(cm, protocol.EventDisconnect)
	connects := collect(cm, protocol.EventConnect)
	reconnects := collect(cm, protocol.EventReconnect)
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	testutil.RequireReceive(t, connects, testutil.DefaultWait, "initial connect")

	srv.DropConnections()
	testutil.RequireReceive(t, disconnects, testutil.DefaultWait, "disconnect event")
	testutil.RequireReceive(t, connects, testutil.DefaultWait, "connect after reconnect")
	msg := testutil.RequireReceive(t, reconnects, testutil.DefaultWait, "reconnect event")
	assert.Equal(t, 1, msg.(*protocol.Reconnect).Attempt)

	assert.True(t, cm.IsConnected())
	assert.Equal(t, 0, cm.ReconnectAttempt())
	assert.Equal(t, 2, srv.Count(protocol.EventJoinRoom))
	assert.True(t, srv.Connected(testUser))
	assert.InDelta(t, 1, promtestutil.ToFloat64(cm.metrics.reconnects), 0)
}

func TestReconnectGivesUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	failed := collect(cm, protocol.EventReconnectFailed)
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	srv.SetOffline(true)
	msg := testutil.RequireReceive(t, failed, testutil.DefaultWait, "reconnect_failed event")
	assert.Equal(t, 3, msg.(*protocol.ReconnectFailed).Attempts)
	assert.Equal(t, StateDisconnected, cm.State())
	assert.Equal(t, 4, srv.Dials())
	assert.InDelta(t, 1, promtestutil.ToFloat64(cm.metrics.reconnectFails), 0)

	// Parked until resumed
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, srv.Dials())
	srv.SetOffline(false)
	require.NoError(t, cm.Resume(context.Background()))
	assert.True(t, cm.IsConnected())
}

func TestInitialTransportFailureKeepsRetrying(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.SetOffline(true)
	cm := NewConnectionManager(ConnectionManagerConfig{
		Dialer:               srv.Dialer(),
		HandshakeTimeout:     time.Second,
		ReconnectBaseDelay:   50 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		MaxReconnectAttempts: 100,
	})
	defer cm.Stop()

	err := cm.Connect(context.Background(), testUser, "token")
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, StateReconnecting, cm.State())

	srv.SetOffline(false)
	testutil.WaitForCondition(t, cm.IsConnected, testutil.DefaultWait, "connected after server returns")
}

func TestDisconnectFromAnyState(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := NewConnectionManager(ConnectionManagerConfig{
		Dialer:             srv.Dialer(),
		ReconnectBaseDelay: time.Hour,
	})
	defer cm.Stop()
	disconnects := collect(cm, protocol.EventDisconnect)

	// Disconnected already: nothing happens
	cm.Disconnect()
	testutil.RequireNoReceive(t, disconnects, 50*time.Millisecond, "no disconnect while idle")

	// Connected
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	cm.Disconnect()
	assert.Equal(t, StateDisconnected, cm.State())
	msg := testutil.RequireReceive(t, disconnects, testutil.DefaultWait, "disconnect event")
	assert.Equal(t, "client disconnect", msg.(*protocol.Disconnect).Reason)

	// Reconnecting, waiting on a long delay
	srv.SetOffline(true)
	require.Error(t, cm.Connect(context.Background(), testUser, "token"))
	assert.Equal(t, StateReconnecting, cm.State())
	cm.Disconnect()
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 1)
	for i := range 3 {
		cm.OnEvent(protocol.EventPartnerConnected, func(protocol.Message) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 2 {
				done <- struct{}{}
			}
		})
	}
	removed := cm.OnEvent(protocol.EventPartnerConnected, func(protocol.Message) {
		t.Error("removed handler invoked")
	})
	cm.RemoveHandler(protocol.EventPartnerConnected, removed)

	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	require.NoError(t, srv.Push(testUser, &protocol.PartnerConnected{UserID: "user-b"}))
	testutil.RequireReceive(t, done, testutil.DefaultWait, "handlers run")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestHandlerMaySendWithAck(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()

	result := make(chan error, 1)
	cm.OnEvent(protocol.EventPartnerConnected, func(protocol.Message) {
		_, err := cm.SendWithAck(
			context.Background(),
			&protocol.SendMoment{ID: "from-handler"},
			time.Second,
		)
		result <- err
	})
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	require.NoError(t, srv.Push(testUser, &protocol.PartnerConnected{UserID: "user-b"}))
	err := testutil.RequireReceive(t, result, testutil.DefaultWait, "handler request")
	require.NoError(t, err)
}

func TestHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := NewConnectionManager(ConnectionManagerConfig{
		Dialer:            srv.Dialer(),
		HeartbeatInterval: 10 * time.Millisecond,
	})
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	testutil.WaitForCondition(t, func() bool {
		return srv.Count(protocol.EventHeartbeat) >= 2
	}, testutil.DefaultWait, "heartbeats sent")
}

func TestSilentServerIsReconnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := NewConnectionManager(ConnectionManagerConfig{
		Dialer:               srv.Dialer(),
		HandshakeTimeout:     200 * time.Millisecond,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Millisecond,
		MaxReconnectAttempts: 100,
		HeartbeatInterval:    10 * time.Millisecond,
		LivenessTimeout:      50 * time.Millisecond,
	})
	defer cm.Stop()
	disconnects := collect(cm, protocol.EventDisconnect)
	connects := collect(cm, protocol.EventConnect)
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	testutil.RequireReceive(t, connects, testutil.DefaultWait, "initial connect")

	// Echoed heartbeats keep an otherwise idle connection up
	testutil.RequireNoReceive(t, disconnects, 200*time.Millisecond, "idle connection dropped")
	assert.True(t, cm.IsConnected())

	srv.SetSilent(true)
	msg := testutil.RequireReceive(t, disconnects, testutil.DefaultWait, "silent connection kept")
	assert.Contains(t, msg.(*protocol.Disconnect).Reason, ErrConnectionDead.Error())
	assert.False(t, cm.IsConnected())

	srv.SetSilent(false)
	testutil.RequireReceive(t, connects, testutil.DefaultWait, "connect after server answers again")
	assert.True(t, cm.IsConnected())
}

func TestStateEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	cm := newTestManager(srv)
	defer cm.Stop()
	subID, ch := cm.EventBus().Subscribe(ConnectionStateEventType)
	defer cm.EventBus().Unsubscribe(ConnectionStateEventType, subID)

	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))
	evt := testutil.RequireReceive(t, ch, testutil.DefaultWait, "connecting")
	assert.Equal(t, ConnectionStateEvent{Previous: StateDisconnected, Current: StateConnecting}, evt.Data)
	evt = testutil.RequireReceive(t, ch, testutil.DefaultWait, "connected")
	assert.Equal(t, ConnectionStateEvent{Previous: StateConnecting, Current: StateConnected}, evt.Data)
}

func TestStoppedManagerRefusesConnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	cm := newTestManager(fakeserver.New())
	cm.Stop()
	require.ErrorIs(t, cm.Connect(context.Background(), testUser, "token"), ErrStopped)
	// Stop is idempotent
	cm.Stop()
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	srv := fakeserver.New()
	srv.SetAckMode(fakeserver.AckWithhold)
	cm := newTestManager(srv)
	defer cm.Stop()
	require.NoError(t, cm.Connect(context.Background(), testUser, "token"))

	errCh := make(chan error, 1)
	go func() {
		_, err := cm.SendWithAck(
			context.Background(),
			&protocol.SendMoment{ID: "m1"},
			testutil.DefaultWait,
		)
		errCh <- err
	}()
	testutil.WaitForCondition(t, func() bool {
		return srv.Count(protocol.EventSendMoment) == 1
	}, testutil.DefaultWait, "send_moment reaches server")
	cm.Disconnect()

	err := testutil.RequireReceive(t, errCh, testutil.DefaultWait, "pending request result")
	require.ErrorIs(t, err, ErrNotConnected)
}
