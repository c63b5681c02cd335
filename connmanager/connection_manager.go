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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/transport"
)

const (
	// metricNamePrefix is the common prefix for all connection manager metrics
	metricNamePrefix = "duet_connection_"

	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	// The server echoes heartbeats, so a connection that stays silent for
	// this many intervals is treated as dead
	defaultLivenessIntervals = 3

	reconnectBackoffFactor = 2
	tracerName             = "github.com/blinklabs-io/duet/connmanager"
)

type SubscriptionID = event.EventSubscriberId

// HandlerFunc receives a decoded protocol message
type HandlerFunc func(protocol.Message)

type ConnectionManagerConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Dialer       transport.Dialer
	ServerURL    string
	// HandshakeTimeout bounds dialing, the server greeting and joining the room
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	// LivenessTimeout is how long the connection may go without any inbound
	// frame before it is dropped and reconnected
	LivenessTimeout time.Duration
}

type connectionManagerMetrics struct {
	state          prometheus.Gauge
	reconnects     prometheus.Counter
	reconnectFails prometheus.Counter
	ackTimeouts    prometheus.Counter
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
}

// ConnectionManager owns the single persistent connection to the delivery
// server for the signed in user
type ConnectionManager struct {
	config     ConnectionManagerConfig
	logger     *slog.Logger
	eventBus   *event.EventBus
	dispatcher *eventDispatcher
	metrics    *connectionManagerMetrics
	// Guards all fields below
	mu               sync.Mutex
	state            ConnectionState
	current          *connection
	selfID           string
	token            string
	active           bool
	stopped          bool
	loopCtx          context.Context
	loopCancel       context.CancelFunc
	reconnectAttempt int
	nextRequestID    atomic.Uint64
	wg               sync.WaitGroup
}

func NewConnectionManager(cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "connmanager")
	if cfg.EventBus == nil {
		cfg.EventBus = event.NewEventBus(nil, cfg.Logger)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLivenessIntervals * cfg.HeartbeatInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.WebsocketDialer{
			// Backstop for a read that blocks past the liveness check
			ReadTimeout: cfg.LivenessTimeout + cfg.HeartbeatInterval,
		}
	}
	c := &ConnectionManager{
		config:     cfg,
		logger:     cfg.Logger,
		eventBus:   cfg.EventBus,
		dispatcher: newEventDispatcher(cfg.EventBus),
	}
	if cfg.PromRegistry != nil {
		c.initMetrics()
	}
	return c
}

func (c *ConnectionManager) initMetrics() {
	promautoFactory := promauto.With(c.config.PromRegistry)
	c.metrics = &connectionManagerMetrics{}
	c.metrics.state = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: metricNamePrefix + "state",
		Help: "connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
	})
	c.metrics.reconnects = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: metricNamePrefix + "reconnects_total",
		Help: "total successful reconnections",
	})
	c.metrics.reconnectFails = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: metricNamePrefix + "reconnect_failures_total",
			Help: "total reconnect cycles that gave up",
		},
	)
	c.metrics.ackTimeouts = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: metricNamePrefix + "ack_timeouts_total",
		Help: "total requests that timed out waiting for a reply",
	})
	c.metrics.framesSent = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: metricNamePrefix + "frames_sent_total",
		Help: "total frames written to the server",
	})
	c.metrics.framesReceived = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: metricNamePrefix + "frames_received_total",
			Help: "total frames read from the server",
		},
	)
}

// EventBus returns the bus that protocol and lifecycle events are published on
func (c *ConnectionManager) EventBus() *event.EventBus {
	return c.eventBus
}

// State returns the current connection state
func (c *ConnectionManager) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is established and the room
// has been joined
func (c *ConnectionManager) IsConnected() bool {
	return c.State() == StateConnected
}

// ReconnectAttempt returns the attempt number of the reconnect cycle in
// progress, or zero
func (c *ConnectionManager) ReconnectAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempt
}

// OnEvent registers a handler for a protocol or lifecycle event. Handlers
// for the same event run in registration order on a dedicated goroutine.
func (c *ConnectionManager) OnEvent(
	name protocol.EventName,
	handler HandlerFunc,
) SubscriptionID {
	return c.eventBus.SubscribeFunc(
		EventType(name),
		func(evt event.Event) {
			msg, ok := evt.Data.(protocol.Message)
			if !ok {
				return
			}
			handler(msg)
		},
	)
}

// RemoveHandler unregisters a handler added with OnEvent
func (c *ConnectionManager) RemoveHandler(
	name protocol.EventName,
	id SubscriptionID,
) {
	c.eventBus.Unsubscribe(EventType(name), id)
}

// Connect establishes the connection for a user and joins their room. It is
// a no-op unless the manager is disconnected. An AuthError leaves the manager
// disconnected. A TransportError on the first attempt leaves a reconnect
// cycle running in the background.
func (c *ConnectionManager) Connect(
	ctx context.Context,
	selfID string,
	token string,
) error {
	if selfID == "" {
		return errors.New("connect requires a user id")
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.selfID = selfID
	c.token = token
	c.active = true
	c.loopCtx, c.loopCancel = context.WithCancel(context.Background())
	loopCtx := c.loopCtx
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "connmanager.connect")
	defer span.End()
	// Abandon the attempt if either the caller or Disconnect cancels
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(loopCtx, cancel)
	defer stop()

	err := c.establish(attemptCtx, loopCtx, selfID, token)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var authErr *AuthError
	if errors.As(err, &authErr) || loopCtx.Err() != nil || ctx.Err() != nil {
		c.park(loopCtx)
		if authErr != nil {
			c.publish(&protocol.ConnectError{Code: authErr.Code, Message: authErr.Message})
		}
		return err
	}
	c.logger.Warn(
		"initial connection failed, retrying in background",
		"error", err,
	)
	c.startReconnect(loopCtx, err)
	return err
}

// Resume restarts the connect cycle with the last credentials when the
// manager has parked after giving up or after a transport loss was not
// recoverable. It does nothing while connected or reconnecting.
func (c *ConnectionManager) Resume(ctx context.Context) error {
	c.mu.Lock()
	selfID, token := c.selfID, c.token
	c.mu.Unlock()
	if selfID == "" {
		return ErrNotConnected
	}
	return c.Connect(ctx, selfID, token)
}

// Disconnect tears down the connection and any reconnect cycle. Requests
// waiting on replies fail with a TransportError.
func (c *ConnectionManager) Disconnect() {
	c.mu.Lock()
	prev := c.state
	c.active = false
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	cur := c.current
	c.current = nil
	c.reconnectAttempt = 0
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	if cur != nil {
		cur.close()
	}
	c.wg.Wait()
	if prev != StateDisconnected {
		c.logger.Info("disconnected")
		c.publish(&protocol.Disconnect{Reason: "client disconnect"})
	}
}

// Stop disconnects and stops event delivery. The manager cannot be reused.
func (c *ConnectionManager) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.Disconnect()
	c.dispatcher.stop()
}

// SendWithAck sends a request and waits for the reply correlated with it.
// Exactly one of the returned message and error is non-nil. A negative
// reply from the server is returned as a *protocol.ErrorReply error.
func (c *ConnectionManager) SendWithAck(
	ctx context.Context,
	msg protocol.Message,
	timeout time.Duration,
) (protocol.Message, error) {
	c.mu.Lock()
	cur := c.current
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || cur == nil {
		return nil, ErrNotConnected
	}
	return c.request(ctx, cur, msg, timeout)
}

// Send writes a message without waiting for a reply
func (c *ConnectionManager) Send(msg protocol.Message) error {
	c.mu.Lock()
	cur := c.current
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || cur == nil {
		return ErrNotConnected
	}
	if err := cur.write("", msg); err != nil {
		return err
	}
	c.countSent()
	return nil
}

func (c *ConnectionManager) request(
	ctx context.Context,
	cur *connection,
	msg protocol.Message,
	timeout time.Duration,
) (protocol.Message, error) {
	requestID := strconv.FormatUint(c.nextRequestID.Add(1), 10)
	replyCh, ok := cur.addPending(requestID)
	if !ok {
		return nil, &TransportError{Op: "send", Err: ErrConnectionLost}
	}
	defer cur.removePending(requestID)
	if err := cur.write(requestID, msg); err != nil {
		return nil, err
	}
	c.countSent()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replyCh:
		if !ok {
			// Closed by Disconnect or by the transport dropping
			c.mu.Lock()
			cause := ErrConnectionLost
			if !c.active {
				cause = ErrNotConnected
			}
			c.mu.Unlock()
			return nil, &TransportError{
				Op:  "await " + string(msg.EventName()),
				Err: cause,
			}
		}
		if errReply, isErr := reply.(*protocol.ErrorReply); isErr {
			return nil, errReply
		}
		return reply, nil
	case <-timer.C:
		if c.metrics != nil {
			c.metrics.ackTimeouts.Inc()
		}
		c.logger.Debug(
			"request timed out",
			"event", msg.EventName(),
			"request_id", requestID,
			"timeout", timeout,
		)
		return nil, fmt.Errorf("%s: %w", msg.EventName(), ErrAckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// establish dials, waits for the server greeting and joins the user's room.
// On success the new connection becomes current and the state Connected.
func (c *ConnectionManager) establish(
	ctx context.Context,
	loopCtx context.Context,
	selfID string,
	token string,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()
	conn, err := c.config.Dialer.Dial(ctx, c.config.ServerURL, token)
	if err != nil {
		if ctx.Err() != nil {
			return &TransportError{Op: "dial", Err: ctx.Err()}
		}
		return &TransportError{Op: "dial", Err: err}
	}
	if err := c.awaitGreeting(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}
	cn := newConnection(loopCtx, conn)
	c.wg.Add(1)
	go c.readLoop(cn)
	reply, err := c.request(
		ctx,
		cn,
		&protocol.JoinRoom{UserID: selfID},
		c.config.HandshakeTimeout,
	)
	if err != nil {
		cn.close()
		if ctx.Err() != nil {
			return &TransportError{Op: "join room", Err: ctx.Err()}
		}
		var errReply *protocol.ErrorReply
		if errors.As(err, &errReply) && isAuthCode(errReply.Code) {
			return &AuthError{Code: errReply.Code, Message: errReply.Message}
		}
		if !IsTransportError(err) {
			err = &TransportError{Op: "join room", Err: err}
		}
		return err
	}
	if _, ok := reply.(*protocol.RoomJoined); !ok {
		cn.close()
		return &TransportError{
			Op:  "join room",
			Err: fmt.Errorf("unexpected reply %s", reply.EventName()),
		}
	}
	c.mu.Lock()
	if !c.active || loopCtx.Err() != nil {
		c.mu.Unlock()
		cn.close()
		return &TransportError{Op: "connect", Err: context.Canceled}
	}
	c.current = cn
	c.reconnectAttempt = 0
	c.setStateLocked(StateConnected)
	c.wg.Add(1)
	go c.heartbeat(cn)
	c.mu.Unlock()
	c.logger.Info("connected", "room", selfID)
	c.publish(&protocol.Connect{})
	return nil
}

func (c *ConnectionManager) awaitGreeting(
	ctx context.Context,
	conn transport.Conn,
) error {
	type result struct {
		frame protocol.Frame
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		frame, err := conn.ReadFrame()
		resultCh <- result{frame: frame, err: err}
	}()
	var res result
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		// Closing the conn unblocks the reader
		_ = conn.Close()
		<-resultCh
		return &TransportError{Op: "handshake", Err: ctx.Err()}
	}
	if res.err != nil {
		return &TransportError{Op: "handshake", Err: res.err}
	}
	c.countReceived()
	msg, err := protocol.Decode(res.frame)
	if err != nil {
		return &TransportError{Op: "handshake", Err: err}
	}
	switch m := msg.(type) {
	case *protocol.Connect:
		return nil
	case *protocol.ConnectError:
		if isAuthCode(m.Code) {
			return &AuthError{Code: m.Code, Message: m.Message}
		}
		return &TransportError{
			Op:  "handshake",
			Err: fmt.Errorf("server refused connection: %s", m.Message),
		}
	default:
		return &TransportError{
			Op:  "handshake",
			Err: fmt.Errorf("unexpected greeting %s", msg.EventName()),
		}
	}
}

func (c *ConnectionManager) readLoop(cn *connection) {
	defer c.wg.Done()
	for {
		frame, err := cn.conn.ReadFrame()
		if err != nil {
			c.connectionLost(cn, err)
			return
		}
		cn.touch()
		c.countReceived()
		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn(
				"dropping undecodable frame",
				"type", frame.Type,
				"error", err,
			)
			continue
		}
		if frame.RequestID != "" && cn.resolve(frame.RequestID, msg) {
			continue
		}
		c.publish(msg)
	}
}

func (c *ConnectionManager) heartbeat(cn *connection) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cn.ctx.Done():
			return
		case <-ticker.C:
			if idle := cn.idle(); idle > c.config.LivenessTimeout {
				c.connectionLost(
					cn,
					fmt.Errorf("%w: nothing received for %s", ErrConnectionDead, idle.Round(time.Millisecond)),
				)
				return
			}
			err := cn.write("", &protocol.Heartbeat{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				c.connectionLost(cn, err)
				return
			}
			c.countSent()
		}
	}
}

// connectionLost handles a dead connection, reported by the read loop or the
// heartbeat. Only the current connection triggers reconnection.
func (c *ConnectionManager) connectionLost(cn *connection, err error) {
	c.mu.Lock()
	if c.current != cn {
		c.mu.Unlock()
		cn.close()
		return
	}
	c.current = nil
	active := c.active
	if !active {
		c.setStateLocked(StateDisconnected)
	}
	loopCtx := c.loopCtx
	c.mu.Unlock()
	// Closing after current is cleared keeps the read loop from reporting
	// the same loss again
	cn.close()
	if !active {
		return
	}
	reason := "transport closed"
	if err != nil && !errors.Is(err, io.EOF) {
		reason = err.Error()
	}
	c.logger.Warn("connection lost", "reason", reason)
	c.publish(&protocol.Disconnect{Reason: reason})
	c.startReconnect(loopCtx, err)
}

func (c *ConnectionManager) startReconnect(loopCtx context.Context, cause error) {
	c.mu.Lock()
	if !c.active || loopCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReconnecting)
	c.wg.Add(1)
	c.mu.Unlock()
	go c.reconnectLoop(loopCtx, cause)
}

func (c *ConnectionManager) reconnectLoop(loopCtx context.Context, cause error) {
	defer c.wg.Done()
	delay := c.config.ReconnectBaseDelay
	lastErr := cause
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		c.logger.Info(
			fmt.Sprintf(
				"delaying %s (attempt %d/%d) before reconnecting",
				delay,
				attempt,
				c.config.MaxReconnectAttempts,
			),
		)
		timer := time.NewTimer(delay)
		select {
		case <-loopCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.mu.Lock()
		if !c.active || loopCtx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempt = attempt
		selfID, token := c.selfID, c.token
		c.mu.Unlock()

		ctx, span := otel.Tracer(tracerName).Start(
			loopCtx,
			"connmanager.reconnect",
		)
		span.SetAttributes(attribute.Int("attempt", attempt))
		err := c.establish(ctx, loopCtx, selfID, token)
		span.End()
		if err == nil {
			if c.metrics != nil {
				c.metrics.reconnects.Inc()
			}
			c.publish(&protocol.Reconnect{Attempt: attempt})
			return
		}
		if loopCtx.Err() != nil {
			return
		}
		lastErr = err
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.logger.Error("reconnect rejected, giving up", "error", err)
			c.park(loopCtx)
			c.publish(&protocol.ConnectError{Code: authErr.Code, Message: authErr.Message})
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		delay = min(delay*reconnectBackoffFactor, c.config.ReconnectMaxDelay)
	}
	c.logger.Error(
		"reconnect attempts exhausted",
		"attempts", c.config.MaxReconnectAttempts,
		"error", lastErr,
	)
	if c.metrics != nil {
		c.metrics.reconnectFails.Inc()
	}
	c.park(loopCtx)
	c.publish(&protocol.ReconnectFailed{Attempts: c.config.MaxReconnectAttempts})
}

// park leaves the manager disconnected while keeping the credentials for a
// later Resume
func (c *ConnectionManager) park(loopCtx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loopCtx != loopCtx {
		// A newer connect cycle owns the state
		return
	}
	c.active = false
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.reconnectAttempt = 0
	c.setStateLocked(StateDisconnected)
}

func (c *ConnectionManager) setStateLocked(state ConnectionState) {
	prev := c.state
	if prev == state {
		return
	}
	c.state = state
	if c.metrics != nil {
		c.metrics.state.Set(float64(state))
	}
	c.dispatcher.enqueue(
		event.NewEvent(
			ConnectionStateEventType,
			ConnectionStateEvent{Previous: prev, Current: state},
		),
	)
}

func (c *ConnectionManager) publish(msg protocol.Message) {
	eventType := EventType(msg.EventName())
	c.dispatcher.enqueue(event.NewEvent(eventType, msg))
}

func (c *ConnectionManager) countSent() {
	if c.metrics != nil {
		c.metrics.framesSent.Inc()
	}
}

func (c *ConnectionManager) countReceived() {
	if c.metrics != nil {
		c.metrics.framesReceived.Inc()
	}
}

func isAuthCode(code string) bool {
	return code == protocol.CodeUnauthorized || code == protocol.CodeTokenExpired
}
