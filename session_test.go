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

package duet

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/duet/auth"
	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/dispatch"
	"github.com/blinklabs-io/duet/internal/test/fakeserver"
	"github.com/blinklabs-io/duet/internal/test/testutil"
	"github.com/blinklabs-io/duet/pairing"
	"github.com/blinklabs-io/duet/protocol"
)

// recordingNotifier captures every notification it is given
type recordingNotifier struct {
	mu        sync.Mutex
	delivered []string
	queued    []dispatch.Reason
	failed    []string
	received  chan dispatch.MomentRecord
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{received: make(chan dispatch.MomentRecord, 10)}
}

func (n *recordingNotifier) Delivered(record dispatch.MomentRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, record.ID)
}

func (n *recordingNotifier) Queued(_ dispatch.MomentRecord, reason dispatch.Reason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queued = append(n.queued, reason)
}

func (n *recordingNotifier) Failed(record dispatch.MomentRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, record.ID)
}

func (n *recordingNotifier) Received(record dispatch.MomentRecord) {
	n.received <- record
}

func (n *recordingNotifier) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func (n *recordingNotifier) queuedReasons() []dispatch.Reason {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dispatch.Reason(nil), n.queued...)
}

func newTestSession(t *testing.T, opts ...ConfigOptionFunc) *Session {
	t.Helper()
	base := []ConfigOptionFunc{
		WithTokenProvider(auth.NewStaticTokenProvider("token")),
		WithReconnectPolicy(10*time.Millisecond, 40*time.Millisecond, 3),
		WithAckTimeout(time.Second),
		WithDrainInterval(-1),
		WithDrainItemDelay(time.Millisecond),
	}
	s, err := New(NewConfig(append(base, opts...)...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func pairSessions(t *testing.T, inviter *Session, joiner *Session) {
	t.Helper()
	ctx := context.Background()
	code, err := inviter.GenerateCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, pairing.OriginServer, code.Origin)
	state, err := joiner.JoinCode(ctx, strings.ToLower(code.Code))
	require.NoError(t, err)
	assert.Equal(t, inviter.SelfID(), state.PartnerID)
	testutil.WaitForCondition(
		t,
		func() bool { return inviter.Pair() != nil },
		testutil.DefaultWait,
		"inviter did not see the pairing confirmation",
	)
	assert.Equal(t, joiner.SelfID(), inviter.Pair().PartnerID)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(NewConfig(WithServerURL("ws://localhost")))
	require.Error(t, err, "missing token provider")

	_, err = New(NewConfig(
		WithTokenProvider(auth.NewStaticTokenProvider("token")),
		WithSelfID("alice"),
	))
	require.Error(t, err, "missing server URL")

	_, err = New(NewConfig(
		WithTokenProvider(auth.NewStaticTokenProvider("token")),
		WithSelfID("alice"),
		WithServerURL("http://localhost"),
	))
	require.Error(t, err, "non websocket scheme")
}

func TestSelfIDFromTokenSubject(t *testing.T) {
	token, err := jwt.NewWithClaims(
		jwt.SigningMethodHS256,
		jwt.RegisteredClaims{
			Subject:   "carol",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	).SignedString([]byte("test-key"))
	require.NoError(t, err)
	srv := fakeserver.New()
	s := newTestSession(
		t,
		WithDialer(srv.Dialer()),
		WithTokenProvider(auth.NewStaticTokenProvider(token)),
	)
	assert.Equal(t, "carol", s.SelfID())

	// An opaque token has no subject to fall back on
	_, err = New(NewConfig(
		WithDialer(srv.Dialer()),
		WithTokenProvider(auth.NewStaticTokenProvider("opaque")),
	))
	require.Error(t, err)
}

func TestSignInRejectedToken(t *testing.T) {
	srv := fakeserver.New()
	srv.AddToken("good")
	s := newTestSession(
		t,
		WithDialer(srv.Dialer()),
		WithSelfID("alice"),
		WithTokenProvider(auth.NewStaticTokenProvider("bad")),
	)
	err := s.SignIn(context.Background())
	require.Error(t, err)
	assert.True(t, connmanager.IsAuthError(err))
	assert.Equal(t, connmanager.StateDisconnected, s.State())
	assert.Equal(t, 1, srv.Dials(), "auth failures are not retried")
}

// A moment captured while offline is delivered once the connection returns
func TestOfflineCaptureDeliveredOnReconnect(t *testing.T) {
	srv := fakeserver.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	serverURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	aliceNotes := newRecordingNotifier()
	bobNotes := newRecordingNotifier()
	alice := newTestSession(
		t,
		WithServerURL(serverURL),
		WithSelfID("alice"),
		WithNotifier(aliceNotes),
	)
	bob := newTestSession(
		t,
		WithServerURL(serverURL),
		WithSelfID("bob"),
		WithNotifier(bobNotes),
	)
	ctx := context.Background()
	require.NoError(t, alice.SignIn(ctx))
	require.NoError(t, bob.SignIn(ctx))
	pairSessions(t, alice, bob)

	srv.SetOffline(true)
	testutil.WaitForCondition(
		t,
		func() bool { return alice.State() != connmanager.StateConnected },
		testutil.DefaultWait,
		"alice did not notice the server going away",
	)
	res, err := alice.Send(ctx, dispatch.Moment{
		Content: []byte("sunset over the bay"),
		Caption: "look",
	})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusQueued, res.Status)
	assert.Equal(t, dispatch.ReasonOffline, res.Reason)
	require.Len(t, alice.Pending(), 1)
	assert.Equal(t, []dispatch.Reason{dispatch.ReasonOffline}, aliceNotes.queuedReasons())

	// Both sides give up reconnecting so the order they come back is fixed
	testutil.WaitForCondition(
		t,
		func() bool {
			return alice.State() == connmanager.StateDisconnected &&
				bob.State() == connmanager.StateDisconnected
		},
		testutil.DefaultWait,
		"reconnect attempts were not exhausted",
	)
	srv.SetOffline(false)
	require.NoError(t, bob.Foreground(ctx))
	testutil.WaitForCondition(
		t,
		func() bool { return srv.Connected("bob") },
		testutil.DefaultWait,
		"bob did not reconnect",
	)
	require.NoError(t, alice.Foreground(ctx))
	testutil.WaitForCondition(
		t,
		func() bool { return len(alice.Pending()) == 0 },
		testutil.DefaultWait,
		"queued moment was not drained",
	)
	record := testutil.RequireReceive(
		t,
		bobNotes.received,
		testutil.DefaultWait,
		"bob did not receive the moment",
	)
	assert.Equal(t, res.ID, record.ID)
	assert.Equal(t, "alice", record.SenderID)
	assert.Equal(t, "look", record.Caption)
	assert.Equal(t, 1, aliceNotes.deliveredCount())
	sent, err := alice.Record(res.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.RecordDelivered, sent.Status)
}

// Moments sent before pairing wait in the queue and go out once paired
func TestUnpairedCaptureDeliveredAfterPairing(t *testing.T) {
	srv := fakeserver.New()
	alice := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("alice"))
	bob := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("bob"))
	ctx := context.Background()
	require.NoError(t, alice.SignIn(ctx))
	require.NoError(t, bob.SignIn(ctx))

	for _, caption := range []string{"first", "second"} {
		res, err := alice.Send(ctx, dispatch.Moment{
			Content: []byte(caption),
			Caption: caption,
		})
		require.NoError(t, err)
		assert.Equal(t, dispatch.StatusQueued, res.Status)
		assert.Equal(t, dispatch.ReasonUnpaired, res.Reason)
	}
	assert.Equal(t, 0, srv.Count(protocol.EventSendMoment))

	pairSessions(t, bob, alice)
	testutil.WaitForCondition(
		t,
		func() bool { return len(alice.Pending()) == 0 },
		testutil.DefaultWait,
		"pairing did not drain the queue",
	)
	sent := srv.Received(protocol.EventSendMoment)
	require.Len(t, sent, 2)
	assert.Equal(t, "first", sent[0].Message.(*protocol.SendMoment).Caption)
	assert.Equal(t, "second", sent[1].Message.(*protocol.SendMoment).Caption)
}

func TestReconnectRejoinsAndDrains(t *testing.T) {
	srv := fakeserver.New()
	alice := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("alice"))
	bob := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("bob"))
	ctx := context.Background()
	require.NoError(t, alice.SignIn(ctx))
	require.NoError(t, bob.SignIn(ctx))
	pairSessions(t, alice, bob)

	srv.SetAckMode(fakeserver.AckReject)
	res, err := alice.Send(ctx, dispatch.Moment{Content: []byte("photo"), Caption: "retry me"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusQueued, res.Status)
	assert.Equal(t, dispatch.ReasonRejected, res.Reason)

	srv.SetAckMode(fakeserver.AckSuccess)
	joinsBefore := len(srv.Received(protocol.EventJoinRoom))
	srv.DropConnections()
	testutil.WaitForCondition(
		t,
		func() bool { return len(alice.Pending()) == 0 },
		testutil.DefaultWait,
		"reconnect did not drain the queue",
	)
	aliceJoins := 0
	for _, r := range srv.Received(protocol.EventJoinRoom)[joinsBefore:] {
		if r.Message.(*protocol.JoinRoom).UserID == "alice" {
			aliceJoins++
		}
	}
	assert.Equal(t, 1, aliceJoins)
}

func TestUnpairKeepsMomentsQueued(t *testing.T) {
	srv := fakeserver.New()
	alice := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("alice"))
	bob := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("bob"))
	ctx := context.Background()
	require.NoError(t, alice.SignIn(ctx))
	require.NoError(t, bob.SignIn(ctx))
	pairSessions(t, alice, bob)

	require.NoError(t, alice.Unpair())
	assert.Nil(t, alice.Pair())
	require.ErrorIs(t, alice.Unpair(), pairing.ErrNotPaired)
	res, err := alice.Send(ctx, dispatch.Moment{Content: []byte("photo"), Caption: "still safe"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.ReasonUnpaired, res.Reason)
	assert.Len(t, alice.Pending(), 1)
}

func TestSignOutClearsPairAndStaysQueued(t *testing.T) {
	srv := fakeserver.New()
	dataDir := filepath.Join(t.TempDir(), "alice")
	alice := newTestSession(
		t,
		WithDialer(srv.Dialer()),
		WithSelfID("alice"),
		WithDataDir(dataDir),
	)
	bob := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("bob"))
	ctx := context.Background()
	require.NoError(t, alice.SignIn(ctx))
	require.NoError(t, bob.SignIn(ctx))
	pairSessions(t, alice, bob)

	srv.SetAckMode(fakeserver.AckReject)
	_, err := alice.Send(ctx, dispatch.Moment{Content: []byte("photo"), Caption: "pending"})
	require.NoError(t, err)
	require.NoError(t, alice.SignOut())
	assert.Nil(t, alice.Pair())
	assert.Equal(t, connmanager.StateDisconnected, alice.State())
	require.ErrorIs(t, alice.Foreground(ctx), ErrNotSignedIn)
	require.NoError(t, alice.Stop())

	// The queue survives a restart on the same data dir
	restarted := newTestSession(
		t,
		WithDialer(srv.Dialer()),
		WithSelfID("alice"),
		WithDataDir(dataDir),
	)
	require.Len(t, restarted.Pending(), 1)
	assert.Equal(t, "pending", restarted.Pending()[0].Caption)
	assert.Nil(t, restarted.Pair())
}

func TestStopIsIdempotent(t *testing.T) {
	srv := fakeserver.New()
	s := newTestSession(t, WithDialer(srv.Dialer()), WithSelfID("alice"))
	require.NoError(t, s.SignIn(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.SignIn(context.Background()), ErrSessionStopped)
}

func TestRunResumesAfterReconnectGivesUp(t *testing.T) {
	srv := fakeserver.New()
	s := newTestSession(
		t,
		WithDialer(srv.Dialer()),
		WithSelfID("alice"),
		WithResumeDelay(20*time.Millisecond),
	)
	_, failed := s.EventBus().Subscribe(
		connmanager.EventType(protocol.EventReconnectFailed),
	)
	srv.SetOffline(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	testutil.RequireReceive(t, failed, testutil.DefaultWait, "reconnect attempts were not used up")
	srv.SetOffline(false)
	testutil.WaitForCondition(
		t,
		func() bool { return s.State() == connmanager.StateConnected },
		testutil.DefaultWait,
		"session did not reconnect after giving up",
	)
	assert.True(t, srv.Connected("alice"))

	cancel()
	err := testutil.RequireReceive(t, runErr, testutil.DefaultWait, "run did not return")
	require.NoError(t, err)
	assert.Equal(t, connmanager.StateDisconnected, s.State())
}
