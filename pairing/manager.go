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

package pairing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/database/types"
	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/protocol"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 2 * time.Second
)

// Client is the part of the connection manager pairing depends on
type Client interface {
	IsConnected() bool
	SendWithAck(context.Context, protocol.Message, time.Duration) (protocol.Message, error)
	Send(protocol.Message) error
	OnEvent(protocol.EventName, connmanager.HandlerFunc) connmanager.SubscriptionID
	RemoveHandler(protocol.EventName, connmanager.SubscriptionID)
}

type ManagerConfig struct {
	Logger         *slog.Logger
	PromRegistry   prometheus.Registerer
	EventBus       *event.EventBus
	Store          database.Store
	Client         Client
	SelfID         string
	Now            func() time.Time
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// Manager owns the pair state and the current invite code
type Manager struct {
	config     ManagerConfig
	logger     *slog.Logger
	paired     prometheus.Gauge
	mu         sync.Mutex
	pair       *PairState
	invite     *InviteCode
	confirmSub connmanager.SubscriptionID
	connectSub connmanager.SubscriptionID
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("pairing manager requires a store")
	}
	if cfg.Client == nil {
		return nil, errors.New("pairing manager requires a client")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.EventBus == nil {
		cfg.EventBus = event.NewEventBus(nil, cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	m := &Manager{
		config: cfg,
		logger: cfg.Logger.With("component", "pairing"),
		paired: promauto.With(cfg.PromRegistry).NewGauge(prometheus.GaugeOpts{
			Name: "duet_pairing_paired",
			Help: "1 when a partner is paired, otherwise 0",
		}),
	}
	var pair PairState
	switch err := database.LoadJSON(cfg.Store, types.PairKey, &pair); {
	case err == nil:
		m.pair = &pair
		m.paired.Set(1)
	case !errors.Is(err, types.ErrKeyNotFound):
		return nil, fmt.Errorf("load pair state: %w", err)
	}
	var invite InviteCode
	switch err := database.LoadJSON(cfg.Store, types.InviteKey, &invite); {
	case err == nil:
		m.invite = &invite
	case !errors.Is(err, types.ErrKeyNotFound):
		return nil, fmt.Errorf("load invite code: %w", err)
	}
	m.confirmSub = cfg.Client.OnEvent(
		protocol.EventPairingConfirmed,
		m.handlePairingConfirmed,
	)
	m.connectSub = cfg.Client.OnEvent(
		protocol.EventConnect,
		m.handleConnect,
	)
	return m, nil
}

// Close unregisters the manager's event handlers
func (m *Manager) Close() {
	m.config.Client.RemoveHandler(protocol.EventPairingConfirmed, m.confirmSub)
	m.config.Client.RemoveHandler(protocol.EventConnect, m.connectSub)
}

// Current returns a copy of the pair state, or nil when unpaired
func (m *Manager) Current() *PairState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair == nil {
		return nil
	}
	ret := *m.pair
	return &ret
}

func (m *Manager) IsPaired() bool {
	return m.Current() != nil
}

// PartnerID returns the current partner, or an empty string
func (m *Manager) PartnerID() string {
	if p := m.Current(); p != nil {
		return p.PartnerID
	}
	return ""
}

// Invite returns the current unexpired invite code. Expired codes are
// discarded.
func (m *Manager) Invite() *InviteCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invite == nil {
		return nil
	}
	if m.invite.Expired(m.config.Now()) {
		if err := m.config.Store.Remove(types.InviteKey); err != nil {
			m.logger.Warn("failed to remove expired invite code", "error", err)
		}
		m.invite = nil
		return nil
	}
	ret := *m.invite
	return &ret
}

// GenerateCode asks the server for an invite code. When the server cannot be
// reached an offline placeholder code is returned instead, and replaced by a
// server code on the next connection.
func (m *Manager) GenerateCode(ctx context.Context) (InviteCode, error) {
	if m.IsPaired() {
		return InviteCode{}, &ValidationError{Reason: ReasonAlreadyPaired}
	}
	code, err := m.requestCode(ctx, m.config.RetryAttempts)
	if err == nil {
		return code, nil
	}
	if ctx.Err() != nil || IsValidationError(err) {
		return InviteCode{}, err
	}
	var errReply *protocol.ErrorReply
	if errors.As(err, &errReply) {
		return InviteCode{}, err
	}
	m.logger.Warn("server unavailable, using offline invite code", "error", err)
	code = newOfflineCode(m.config.Now())
	if err := m.setInvite(&code); err != nil {
		return InviteCode{}, err
	}
	return code, nil
}

func (m *Manager) requestCode(ctx context.Context, attempts int) (InviteCode, error) {
	if !m.config.Client.IsConnected() {
		return InviteCode{}, ErrOffline
	}
	reply, err := m.withRetry(ctx, attempts, &protocol.GenerateCode{})
	if err != nil {
		return InviteCode{}, err
	}
	generated, ok := reply.(*protocol.CodeGenerated)
	if !ok {
		return InviteCode{}, fmt.Errorf("unexpected reply %s", reply.EventName())
	}
	now := m.config.Now()
	code := InviteCode{
		Code:      generated.Code,
		IssuedAt:  now,
		ExpiresAt: generated.ExpiresAt,
		Origin:    OriginServer,
	}
	if code.ExpiresAt.IsZero() {
		code.ExpiresAt = now.Add(CodeTTL)
	}
	if err := m.setInvite(&code); err != nil {
		return InviteCode{}, err
	}
	m.logger.Info("invite code generated", "expires_at", code.ExpiresAt)
	return code, nil
}

// JoinCode pairs with the owner of an invite code
func (m *Manager) JoinCode(ctx context.Context, code string) (PairState, error) {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return PairState{}, err
	}
	if m.IsPaired() {
		return PairState{}, &ValidationError{Reason: ReasonAlreadyPaired}
	}
	m.mu.Lock()
	own := m.invite
	m.mu.Unlock()
	if own != nil && own.Code == normalized {
		if own.Expired(m.config.Now()) {
			return PairState{}, &ValidationError{
				Reason:  ReasonExpired,
				Message: "code has expired",
			}
		}
		return PairState{}, &ValidationError{
			Reason:  ReasonOwnCode,
			Message: "cannot use your own code",
		}
	}
	if !m.config.Client.IsConnected() {
		return PairState{}, ErrOffline
	}
	reply, err := m.withRetry(
		ctx,
		m.config.RetryAttempts,
		&protocol.JoinCode{Code: normalized},
	)
	if err != nil {
		return PairState{}, err
	}
	confirmed, ok := reply.(*protocol.PairingConfirmed)
	if !ok {
		return PairState{}, fmt.Errorf("unexpected reply %s", reply.EventName())
	}
	state := m.stateFrom(confirmed)
	if err := m.setPair(&state); err != nil {
		return PairState{}, err
	}
	return state, nil
}

// Unpair removes the local pair state and notifies the server when
// connected
func (m *Manager) Unpair() error {
	cur := m.Current()
	if cur == nil {
		return ErrNotPaired
	}
	if m.config.Client.IsConnected() {
		if err := m.config.Client.Send(&protocol.Unpair{PairID: cur.PairID}); err != nil {
			m.logger.Warn("failed to notify server of unpair", "error", err)
		}
	}
	return m.setPair(nil)
}

// Clear forgets the pair state and invite code without notifying the
// server. It is used on sign-out.
func (m *Manager) Clear() error {
	if err := m.setInvite(nil); err != nil {
		return err
	}
	if m.IsPaired() {
		return m.setPair(nil)
	}
	return nil
}

// withRetry issues a request, retrying transport failures only
func (m *Manager) withRetry(
	ctx context.Context,
	attempts int,
	msg protocol.Message,
) (protocol.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(m.config.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		reply, err := m.config.Client.SendWithAck(ctx, msg, m.config.RequestTimeout)
		if err == nil {
			return reply, nil
		}
		var errReply *protocol.ErrorReply
		if errors.As(err, &errReply) {
			return nil, validationFromReply(errReply)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		m.logger.Debug(
			"pairing request failed",
			"event", msg.EventName(),
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf(
		"%s failed after %d attempts: %w",
		msg.EventName(),
		attempts,
		lastErr,
	)
}

func (m *Manager) handlePairingConfirmed(msg protocol.Message) {
	confirmed, ok := msg.(*protocol.PairingConfirmed)
	if !ok {
		return
	}
	if cur := m.Current(); cur != nil && cur.PairID == confirmed.PairID {
		return
	}
	state := m.stateFrom(confirmed)
	if err := m.setPair(&state); err != nil {
		m.logger.Error("failed to store pair state", "error", err)
	}
}

// handleConnect swaps an offline placeholder for a joinable code
func (m *Manager) handleConnect(protocol.Message) {
	invite := m.Invite()
	if invite == nil || invite.Joinable() || m.IsPaired() {
		return
	}
	ctx, cancel := context.WithTimeout(
		context.Background(),
		m.config.RequestTimeout,
	)
	defer cancel()
	code, err := m.requestCode(ctx, 1)
	if err != nil {
		m.logger.Warn("failed to replace offline invite code", "error", err)
		return
	}
	m.logger.Info("replaced offline invite code", "code", code.Code)
}

func (m *Manager) stateFrom(confirmed *protocol.PairingConfirmed) PairState {
	pairedAt := confirmed.PairedAt
	if pairedAt.IsZero() {
		pairedAt = m.config.Now()
	}
	return PairState{
		PairID:             confirmed.PairID,
		SelfID:             m.config.SelfID,
		PartnerID:          confirmed.Partner.ID,
		PartnerDisplayName: confirmed.Partner.DisplayName,
		PairedAt:           pairedAt,
	}
}

// setPair replaces the pair state. Pairing also consumes the invite code.
func (m *Manager) setPair(state *PairState) error {
	m.mu.Lock()
	prev := m.pair
	if state == nil {
		if err := m.config.Store.Remove(types.PairKey); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("remove pair state: %w", err)
		}
		m.pair = nil
		m.paired.Set(0)
	} else {
		if err := database.SaveJSON(m.config.Store, types.PairKey, state); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("save pair state: %w", err)
		}
		if err := m.config.Store.Remove(types.InviteKey); err != nil {
			m.logger.Warn("failed to remove invite code", "error", err)
		}
		m.invite = nil
		ret := *state
		m.pair = &ret
		m.paired.Set(1)
	}
	m.mu.Unlock()
	if state != nil {
		m.logger.Info("paired", "pair_id", state.PairID, "partner", state.PartnerID)
	} else {
		m.logger.Info("unpaired")
	}
	m.config.EventBus.Publish(
		ChangedEventType,
		event.NewEvent(ChangedEventType, ChangedEvent{Previous: prev, Current: state}),
	)
	return nil
}

func (m *Manager) setInvite(code *InviteCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == nil {
		if err := m.config.Store.Remove(types.InviteKey); err != nil {
			return fmt.Errorf("remove invite code: %w", err)
		}
		m.invite = nil
		return nil
	}
	if err := database.SaveJSON(m.config.Store, types.InviteKey, code); err != nil {
		return fmt.Errorf("save invite code: %w", err)
	}
	ret := *code
	m.invite = &ret
	return nil
}
