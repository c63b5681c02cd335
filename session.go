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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blinklabs-io/duet/auth"
	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/dispatch"
	"github.com/blinklabs-io/duet/drainer"
	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/pairing"
	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/queue"
)

var (
	ErrSessionStopped = errors.New("session stopped")
	ErrNotSignedIn    = errors.New("not signed in")
)

// Session is one signed in user on one device. It owns the local store and
// every component that moves moments between the store and the server.
type Session struct {
	config        Config
	logger        *slog.Logger
	selfID        string
	eventBus      *event.EventBus
	db            *database.Database
	store         database.Store
	queue         *queue.DeliveryQueue
	connManager   *connmanager.ConnectionManager
	pairing       *pairing.Manager
	dispatcher    *dispatch.Dispatcher
	drainer       *drainer.QueueDrainer
	notifierSubs  map[event.EventType]event.EventSubscriberId
	shutdownFuncs []func(context.Context) error
	mu            sync.Mutex
	signedIn      bool
	stopped       bool
	shutdownOnce  sync.Once
}

// New opens local state and wires the session components. Moments queued by
// a previous run are loaded but nothing is sent until SignIn.
func New(cfg Config) (*Session, error) {
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Session{
		config: cfg,
		logger: cfg.logger,
	}
	if err := s.configValidate(); err != nil {
		return nil, err
	}
	if err := s.init(); err != nil {
		return nil, errors.Join(err, s.Stop())
	}
	return s, nil
}

func (s *Session) init() error {
	if s.config.tracing {
		if err := s.setupTracing(); err != nil {
			return err
		}
	}
	selfID, err := s.resolveSelfID()
	if err != nil {
		return err
	}
	s.selfID = selfID
	s.eventBus = event.NewEventBus(s.config.promRegistry, s.logger)
	// Local store
	if s.config.store != nil {
		s.store = s.config.store
	} else {
		db, err := database.New(database.Config{
			Logger:       s.logger,
			PromRegistry: s.config.promRegistry,
			DataDir:      s.config.dataDir,
			StorePlugin:  s.config.storePlugin,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		s.db = db
		s.store = db
	}
	s.queue, err = queue.NewDeliveryQueue(queue.DeliveryQueueConfig{
		PromRegistry: s.config.promRegistry,
		Logger:       s.logger,
		EventBus:     s.eventBus,
		Store:        s.store,
		MaxAttempts:  s.config.maxAttempts,
	})
	if err != nil {
		return fmt.Errorf("load delivery queue: %w", err)
	}
	s.connManager = connmanager.NewConnectionManager(
		connmanager.ConnectionManagerConfig{
			Logger:               s.logger,
			EventBus:             s.eventBus,
			PromRegistry:         s.config.promRegistry,
			Dialer:               s.config.dialer,
			ServerURL:            s.config.serverURL,
			ReconnectBaseDelay:   s.config.reconnectBaseDelay,
			ReconnectMaxDelay:    s.config.reconnectMaxDelay,
			MaxReconnectAttempts: s.config.maxReconnectAttempts,
			HeartbeatInterval:    s.config.heartbeatInterval,
			LivenessTimeout:      s.config.livenessTimeout,
		},
	)
	s.pairing, err = pairing.NewManager(pairing.ManagerConfig{
		Logger:       s.logger,
		PromRegistry: s.config.promRegistry,
		EventBus:     s.eventBus,
		Store:        s.store,
		Client:       s.connManager,
		SelfID:       s.selfID,
	})
	if err != nil {
		return fmt.Errorf("load pairing: %w", err)
	}
	s.dispatcher, err = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Logger:       s.logger,
		PromRegistry: s.config.promRegistry,
		EventBus:     s.eventBus,
		Store:        s.store,
		Queue:        s.queue,
		Pairing:      s.pairing,
		Conn:         s.connManager,
		Transformer:  s.config.transformer,
		AckTimeout:   s.config.ackTimeout,
	})
	if err != nil {
		return err
	}
	s.drainer, err = drainer.NewQueueDrainer(drainer.QueueDrainerConfig{
		Logger:       s.logger,
		PromRegistry: s.config.promRegistry,
		EventBus:     s.eventBus,
		Queue:        s.queue,
		Dispatcher:   s.dispatcher,
		Interval:     s.config.drainInterval,
		ItemDelay:    s.config.drainItemDelay,
	})
	if err != nil {
		return err
	}
	if s.config.notifier != nil {
		s.notifierSubs = subscribeNotifier(s.eventBus, s.config.notifier)
	}
	if err := s.drainer.Start(); err != nil {
		return err
	}
	s.logger.Info(
		fmt.Sprintf("session ready with %d pending moments", s.queue.Len()),
		"user", s.selfID,
		"paired", s.pairing.IsPaired(),
	)
	return nil
}

func (s *Session) resolveSelfID() (string, error) {
	if s.config.selfID != "" {
		return s.config.selfID, nil
	}
	token, err := s.config.tokenProvider.Token(context.Background())
	if err != nil {
		return "", fmt.Errorf("determine user id: %w", err)
	}
	subject, ok := auth.Subject(token)
	if !ok {
		return "", errors.New("no user id configured and the auth token has no subject")
	}
	return subject, nil
}

// Run signs in and blocks until the context is done, then stops the session.
// When the connection manager gives up reconnecting, Run starts it again
// after the resume delay.
func (s *Session) Run(ctx context.Context) error {
	failedType := connmanager.EventType(protocol.EventReconnectFailed)
	subID, reconnectFailed := s.eventBus.Subscribe(failedType)
	defer s.eventBus.Unsubscribe(failedType, subID)
	if err := s.SignIn(ctx); err != nil && !connmanager.IsTransportError(err) {
		return errors.Join(err, s.Stop())
	}
	for {
		select {
		case <-ctx.Done():
			return s.Stop()
		case _, ok := <-reconnectFailed:
			if !ok {
				<-ctx.Done()
				return s.Stop()
			}
			s.resume(ctx)
		}
	}
}

// resume reconnects a session whose connection was given up
func (s *Session) resume(ctx context.Context) {
	delay := defaultResumeDelay
	if s.config.resumeDelay > 0 {
		delay = s.config.resumeDelay
	}
	s.logger.Info("server unreachable, retrying later", "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.mu.Lock()
	signedIn, stopped := s.signedIn, s.stopped
	s.mu.Unlock()
	if stopped || !signedIn || s.connManager.State() != connmanager.StateDisconnected {
		return
	}
	// A transport failure here starts a new reconnect cycle, which reports
	// back through another reconnect_failed if it also gives up
	if err := s.connect(ctx); err != nil && !connmanager.IsTransportError(err) {
		s.logger.Error("failed to resume connection", "error", err)
	}
}

// SignIn fetches a token and connects. A TransportError means the server
// could not be reached yet. The session keeps reconnecting in the background
// and sends keep landing in the queue meanwhile.
func (s *Session) SignIn(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.signedIn = true
	s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	token, err := s.config.tokenProvider.Token(ctx)
	if err != nil {
		return fmt.Errorf("get auth token: %w", err)
	}
	return s.connManager.Connect(ctx, s.selfID, token)
}

// Foreground is called when the app comes back to the foreground or the user
// asks for a retry. It reconnects if the connection was given up and starts
// a queue drain.
func (s *Session) Foreground(ctx context.Context) error {
	s.mu.Lock()
	signedIn, stopped := s.signedIn, s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrSessionStopped
	}
	if !signedIn {
		return ErrNotSignedIn
	}
	var err error
	if s.connManager.State() == connmanager.StateDisconnected {
		err = s.connect(ctx)
	}
	s.drainer.Trigger(drainer.TriggerForeground)
	return err
}

// SignOut disconnects and forgets the partner. Queued moments stay on disk.
func (s *Session) SignOut() error {
	s.mu.Lock()
	s.signedIn = false
	s.mu.Unlock()
	s.drainer.Cancel()
	s.connManager.Disconnect()
	if err := s.pairing.Clear(); err != nil {
		return fmt.Errorf("clear pair state: %w", err)
	}
	s.logger.Info("signed out", "user", s.selfID)
	return nil
}

// Send persists a moment and tries to deliver it. An error is returned only
// when the moment could not be saved locally.
func (s *Session) Send(ctx context.Context, m dispatch.Moment) (dispatch.Result, error) {
	return s.dispatcher.Send(ctx, m)
}

// Resend re-queues a moment that permanently failed and tries it again
func (s *Session) Resend(ctx context.Context, id string) (dispatch.Result, error) {
	return s.dispatcher.Resend(ctx, id)
}

// Record returns the local history entry for a moment
func (s *Session) Record(id string) (dispatch.MomentRecord, error) {
	return s.dispatcher.Record(id)
}

func (s *Session) GenerateCode(ctx context.Context) (pairing.InviteCode, error) {
	return s.pairing.GenerateCode(ctx)
}

func (s *Session) JoinCode(ctx context.Context, code string) (pairing.PairState, error) {
	return s.pairing.JoinCode(ctx, code)
}

// Unpair stops any drain after its current moment and ends the pair
func (s *Session) Unpair() error {
	s.drainer.Cancel()
	return s.pairing.Unpair()
}

// Pair returns the current pair, or nil when unpaired
func (s *Session) Pair() *pairing.PairState {
	return s.pairing.Current()
}

// Invite returns the unexpired invite code this device generated, if any
func (s *Session) Invite() *pairing.InviteCode {
	return s.pairing.Invite()
}

// Pending returns the queued moments, oldest first
func (s *Session) Pending() []queue.Entry {
	return s.queue.ListPending()
}

// ClearQueue drops every queued moment without sending it
func (s *Session) ClearQueue() error {
	s.drainer.Cancel()
	return s.queue.Clear()
}

// Drain runs one queue pass in the caller's goroutine
func (s *Session) Drain(ctx context.Context) (drainer.Stats, error) {
	return s.drainer.Drain(ctx)
}

func (s *Session) SelfID() string {
	return s.selfID
}

func (s *Session) State() connmanager.ConnectionState {
	return s.connManager.State()
}

// EventBus returns the bus carrying connection, pairing and moment events
func (s *Session) EventBus() *event.EventBus {
	return s.eventBus
}

// Stop shuts the session down. It is safe to call more than once.
func (s *Session) Stop() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Session) shutdown() error {
	shutdownTimeout := defaultShutdownTimeout
	if s.config.shutdownTimeout > 0 {
		shutdownTimeout = s.config.shutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.stopped = true
	s.signedIn = false
	s.mu.Unlock()

	var err error

	s.logger.Debug("starting graceful shutdown")

	// Phase 1: Stop accepting new work
	s.logger.Debug("shutdown phase 1: stopping new work")

	if s.drainer != nil {
		s.drainer.Stop()
	}
	for eventType, subID := range s.notifierSubs {
		s.eventBus.Unsubscribe(eventType, subID)
	}
	s.notifierSubs = nil

	// Phase 2: Close the connection
	s.logger.Debug("shutdown phase 2: closing connection")

	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.pairing != nil {
		s.pairing.Close()
	}
	if s.connManager != nil {
		s.connManager.Stop()
	}

	// Phase 3: Close the local store
	s.logger.Debug("shutdown phase 3: closing store")

	if s.db != nil {
		if closeErr := s.db.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("database close: %w", closeErr))
		}
	}

	// Phase 4: Cleanup resources
	s.logger.Debug("shutdown phase 4: cleanup resources")

	for _, fn := range s.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	s.shutdownFuncs = nil

	if s.eventBus != nil {
		s.eventBus.Stop()
	}

	s.logger.Debug("graceful shutdown complete")
	return err
}
