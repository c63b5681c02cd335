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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/database/types"
	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/media"
	"github.com/blinklabs-io/duet/pairing"
	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/queue"
)

const (
	DefaultAckTimeout = 5 * time.Second

	tracerName = "github.com/blinklabs-io/duet/dispatch"
)

// PairSource reports the current pair state
type PairSource interface {
	Current() *pairing.PairState
}

// Connection is the part of the connection manager the dispatcher uses
type Connection interface {
	IsConnected() bool
	SendWithAck(context.Context, protocol.Message, time.Duration) (protocol.Message, error)
	OnEvent(protocol.EventName, connmanager.HandlerFunc) connmanager.SubscriptionID
	RemoveHandler(protocol.EventName, connmanager.SubscriptionID)
}

type DispatcherConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// EventBus must be the bus the queue publishes permanent failures on
	EventBus    *event.EventBus
	Store       database.Store
	Queue       *queue.DeliveryQueue
	Pairing     PairSource
	Conn        Connection
	Transformer media.Transformer
	AckTimeout  time.Duration
	Now         func() time.Time
}

// Dispatcher drives each moment from local persistence to an acknowledged
// delivery, falling back to the delivery queue at every step
type Dispatcher struct {
	config  DispatcherConfig
	logger  *slog.Logger
	locks   *keyedMutex
	metrics struct {
		results      *prometheus.CounterVec
		sendDuration prometheus.Histogram
		received     prometheus.Counter
	}
	ackSub      connmanager.SubscriptionID
	receiveSub  connmanager.SubscriptionID
	failureSub  event.EventSubscriberId
	wg          sync.WaitGroup
	closeMu     sync.Mutex
	closed      bool
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("dispatcher requires a store")
	case cfg.Queue == nil:
		return nil, errors.New("dispatcher requires a delivery queue")
	case cfg.Pairing == nil:
		return nil, errors.New("dispatcher requires a pair source")
	case cfg.Conn == nil:
		return nil, errors.New("dispatcher requires a connection")
	case cfg.EventBus == nil:
		return nil, errors.New("dispatcher requires an event bus")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Transformer == nil {
		cfg.Transformer = media.NewZstdTransformer(cfg.Store)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Dispatcher{
		config: cfg,
		logger: cfg.Logger.With("component", "dispatch"),
		locks:  newKeyedMutex(),
	}
	d.closeCtx, d.closeCancel = context.WithCancel(context.Background())
	promautoFactory := promauto.With(cfg.PromRegistry)
	d.metrics.results = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_dispatch_results_total",
			Help: "send outcomes, by status and reason",
		},
		[]string{"status", "reason"},
	)
	d.metrics.sendDuration = promautoFactory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duet_dispatch_ack_duration_seconds",
			Help:    "time from send_moment to its acknowledgment",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)
	d.metrics.received = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "duet_dispatch_received_total",
		Help: "total moments received from the partner",
	})
	d.failureSub = cfg.EventBus.SubscribeFunc(
		queue.PermanentFailureEventType,
		d.handlePermanentFailure,
	)
	d.ackSub = cfg.Conn.OnEvent(protocol.EventMomentAck, d.handleAck)
	d.receiveSub = cfg.Conn.OnEvent(protocol.EventReceiveMoment, d.handleReceive)
	return d, nil
}

// Close unregisters handlers and waits for late acks being processed
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()
	d.config.Conn.RemoveHandler(protocol.EventMomentAck, d.ackSub)
	d.config.Conn.RemoveHandler(protocol.EventReceiveMoment, d.receiveSub)
	d.config.EventBus.Unsubscribe(queue.PermanentFailureEventType, d.failureSub)
	d.closeCancel()
	d.wg.Wait()
}

// Send persists a moment and tries to deliver it. Apart from rejecting an
// empty moment or an id taken by a received one, the returned error is
// always a *PersistError; every other outcome is described by the Result.
func (d *Dispatcher) Send(ctx context.Context, m Moment) (Result, error) {
	if len(m.Content) == 0 && m.Caption == "" {
		return Result{}, ErrEmptyMoment
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.config.Now()
	}
	ctx, span := otel.Tracer(tracerName).Start(
		ctx,
		"dispatch.send",
		trace.WithAttributes(attribute.String("moment.id", m.ID)),
	)
	defer span.End()
	unlock := d.locks.Lock(m.ID)
	defer unlock()

	record, err := d.loadRecord(m.ID)
	switch {
	case err == nil && record.Direction != DirectionOutbound:
		return Result{}, fmt.Errorf("%w: %s", ErrIDInUse, m.ID)
	case err == nil && record.Status == RecordDelivered:
		return Result{ID: m.ID, Status: StatusDelivered}, nil
	case err != nil && !errors.Is(err, types.ErrKeyNotFound):
		return d.persistFailed(span, &PersistError{Op: "load record", Err: err})
	}
	payloadRef := types.MediaKey(m.ID)
	if err := d.config.Store.Save(payloadRef, m.Content); err != nil {
		return d.persistFailed(span, &PersistError{Op: "save content", Err: err})
	}
	now := d.config.Now()
	record = MomentRecord{
		ID:         m.ID,
		PayloadRef: payloadRef,
		Caption:    m.Caption,
		CreatedAt:  m.CreatedAt,
		Direction:  DirectionOutbound,
		Status:     RecordPending,
		UpdatedAt:  now,
	}
	if err := d.saveRecord(record); err != nil {
		return d.persistFailed(span, &PersistError{Op: "save record", Err: err})
	}
	entry, queued := d.config.Queue.Get(m.ID)
	if !queued {
		entry = queue.Entry{
			ID:         m.ID,
			PayloadRef: payloadRef,
			Caption:    m.Caption,
			CreatedAt:  m.CreatedAt,
		}
	}
	res, err := d.route(ctx, entry, true)
	if err != nil {
		return d.persistFailed(span, err)
	}
	d.traceResult(span, res)
	return res, nil
}

// Redeliver retries a queued entry. It returns ErrUnpaired or ErrOffline
// without charging an attempt when delivery is impossible right now.
func (d *Dispatcher) Redeliver(ctx context.Context, entry queue.Entry) error {
	ctx, span := otel.Tracer(tracerName).Start(
		ctx,
		"dispatch.redeliver",
		trace.WithAttributes(attribute.String("moment.id", entry.ID)),
	)
	defer span.End()
	unlock := d.locks.Lock(entry.ID)
	defer unlock()
	// The snapshot may be stale, the queue is authoritative
	current, ok := d.config.Queue.Get(entry.ID)
	if !ok {
		return nil
	}
	res, err := d.route(ctx, current, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	d.traceResult(span, res)
	if res.Status == StatusDelivered {
		return nil
	}
	return res.Err
}

// Resend queues a permanently failed moment again with a fresh attempt
// budget and tries to deliver it
func (d *Dispatcher) Resend(ctx context.Context, id string) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(
		ctx,
		"dispatch.resend",
		trace.WithAttributes(attribute.String("moment.id", id)),
	)
	defer span.End()
	unlock := d.locks.Lock(id)
	defer unlock()
	record, err := d.loadRecord(id)
	if err != nil {
		if errors.Is(err, types.ErrKeyNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrMomentNotFound, id)
		}
		return Result{}, err
	}
	if record.Direction != DirectionOutbound {
		return Result{}, fmt.Errorf("%w: %s is not an outbound moment", ErrMomentNotFound, id)
	}
	if record.Status == RecordDelivered {
		return Result{ID: id, Status: StatusDelivered}, nil
	}
	record.Status = RecordPending
	record.LastError = ""
	record.UpdatedAt = d.config.Now()
	if err := d.saveRecord(record); err != nil {
		return Result{}, &PersistError{Op: "save record", Err: err}
	}
	entry := queue.Entry{
		ID:         id,
		PayloadRef: record.PayloadRef,
		Caption:    record.Caption,
		CreatedAt:  record.CreatedAt,
	}
	if _, ok := d.config.Queue.Get(id); ok {
		// Reset the budget in place
		if err := d.config.Queue.Enqueue(entry); err != nil {
			return Result{}, &PersistError{Op: "enqueue", Err: err}
		}
	}
	res, err := d.route(ctx, entry, true)
	if err != nil {
		return d.persistFailed(span, err)
	}
	d.traceResult(span, res)
	return res, nil
}

// Receive stores a moment pushed by the server when it comes from the
// current partner
func (d *Dispatcher) Receive(ctx context.Context, msg *protocol.ReceiveMoment) error {
	_, span := otel.Tracer(tracerName).Start(
		ctx,
		"dispatch.receive",
		trace.WithAttributes(attribute.String("moment.id", msg.ID)),
	)
	defer span.End()
	pair := d.config.Pairing.Current()
	if pair == nil || msg.SenderID != pair.PartnerID {
		d.logger.Warn(
			"ignoring moment from unknown sender",
			"id", msg.ID,
			"sender", msg.SenderID,
		)
		return ErrNotFromPartner
	}
	content, err := media.Decode(msg.Encoding, msg.Payload)
	if err != nil {
		return err
	}
	unlock := d.locks.Lock(msg.ID)
	defer unlock()
	if _, err := d.loadRecord(msg.ID); err == nil {
		// Redelivered duplicate
		return nil
	}
	payloadRef := types.MediaKey(msg.ID)
	if err := d.config.Store.Save(payloadRef, content); err != nil {
		return &PersistError{Op: "save content", Err: err}
	}
	createdAt := msg.SentAt
	if createdAt.IsZero() {
		createdAt = d.config.Now()
	}
	record := MomentRecord{
		ID:         msg.ID,
		PayloadRef: payloadRef,
		Caption:    msg.Caption,
		CreatedAt:  createdAt,
		Direction:  DirectionInbound,
		SenderID:   msg.SenderID,
		PartnerID:  msg.SenderID,
		Status:     RecordReceived,
		UpdatedAt:  d.config.Now(),
	}
	if err := d.saveRecord(record); err != nil {
		return &PersistError{Op: "save record", Err: err}
	}
	d.metrics.received.Inc()
	d.logger.Info("received moment", "id", msg.ID)
	d.publish(ReceivedEventType, record, ReasonNone)
	return nil
}

// Record returns the local record of a moment
func (d *Dispatcher) Record(id string) (MomentRecord, error) {
	record, err := d.loadRecord(id)
	if errors.Is(err, types.ErrKeyNotFound) {
		return MomentRecord{}, fmt.Errorf("%w: %s", ErrMomentNotFound, id)
	}
	return record, err
}

// route runs the pairing and connectivity checks and then delivers. With
// enqueue set a blocked moment is queued, otherwise it is left untouched.
// The error is a *PersistError when the queue could not record the outcome.
func (d *Dispatcher) route(ctx context.Context, entry queue.Entry, enqueue bool) (Result, error) {
	pair := d.config.Pairing.Current()
	if pair == nil {
		return d.blocked(entry, enqueue, ReasonUnpaired, ErrUnpaired)
	}
	if entry.PartnerIDAtEnqueue == "" {
		entry.PartnerIDAtEnqueue = pair.PartnerID
	}
	if !d.config.Conn.IsConnected() {
		return d.blocked(entry, enqueue, ReasonOffline, ErrOffline)
	}
	if entry.PartnerIDAtEnqueue != pair.PartnerID {
		return d.partnerChanged(entry)
	}
	return d.deliver(ctx, entry, pair)
}

func (d *Dispatcher) blocked(
	entry queue.Entry,
	enqueue bool,
	reason Reason,
	cause error,
) (Result, error) {
	res := Result{ID: entry.ID, Status: StatusQueued, Reason: reason, Err: cause}
	if !enqueue {
		return res, nil
	}
	if err := d.config.Queue.Enqueue(entry); err != nil {
		return Result{}, &PersistError{Op: "enqueue", Err: err}
	}
	d.countResult(res)
	d.publishRecord(entry.ID, QueuedEventType, reason)
	return res, nil
}

func (d *Dispatcher) partnerChanged(entry queue.Entry) (Result, error) {
	if _, ok := d.config.Queue.Get(entry.ID); !ok {
		if err := d.config.Queue.Enqueue(entry); err != nil {
			return Result{}, &PersistError{Op: "enqueue", Err: err}
		}
	}
	if err := d.config.Queue.Fail(entry.ID, ErrPartnerChanged); err != nil {
		return Result{}, &PersistError{Op: "fail entry", Err: err}
	}
	res := Result{
		ID:     entry.ID,
		Status: StatusFailed,
		Reason: ReasonPermanentFailure,
		Err:    fmt.Errorf("%w: %w", ErrPermanentFailure, ErrPartnerChanged),
	}
	d.countResult(res)
	return res, nil
}

func (d *Dispatcher) deliver(
	ctx context.Context,
	entry queue.Entry,
	pair *pairing.PairState,
) (Result, error) {
	// Re-derived from the persisted copy on every attempt
	encoded, err := d.config.Transformer.Transform(ctx, entry.PayloadRef)
	if err != nil {
		if ctx.Err() != nil {
			return d.interrupted(entry, ctx.Err())
		}
		return d.attemptFailed(
			entry,
			ReasonTransformFailed,
			fmt.Errorf("%w: %w", ErrTransformFailed, err),
		)
	}
	start := time.Now()
	reply, err := d.config.Conn.SendWithAck(
		ctx,
		&protocol.SendMoment{
			ID:        entry.ID,
			PartnerID: pair.PartnerID,
			Payload:   encoded.Data,
			Encoding:  encoded.Encoding,
			Caption:   entry.Caption,
			CreatedAt: entry.CreatedAt,
		},
		d.config.AckTimeout,
	)
	if err != nil {
		if ctx.Err() != nil {
			return d.interrupted(entry, ctx.Err())
		}
		reason, cause := classifySendError(err)
		return d.attemptFailed(entry, reason, cause)
	}
	ack, ok := reply.(*protocol.MomentAck)
	if !ok {
		return d.attemptFailed(
			entry,
			ReasonTransport,
			fmt.Errorf("%w: unexpected reply %s", ErrTransport, reply.EventName()),
		)
	}
	if !ack.Success {
		return d.attemptFailed(
			entry,
			ReasonRejected,
			fmt.Errorf("%w: %s", ErrRejected, ack.Error),
		)
	}
	d.metrics.sendDuration.Observe(time.Since(start).Seconds())
	d.complete(entry.ID, pair.PartnerID)
	res := Result{ID: entry.ID, Status: StatusDelivered}
	d.countResult(res)
	return res, nil
}

func classifySendError(err error) (Reason, error) {
	var errReply *protocol.ErrorReply
	switch {
	case errors.Is(err, connmanager.ErrAckTimeout):
		return ReasonTimeout, fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.As(err, &errReply):
		return ReasonRejected, fmt.Errorf("%w: %w", ErrRejected, err)
	default:
		return ReasonTransport, fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

// interrupted queues the entry without charging an attempt
func (d *Dispatcher) interrupted(entry queue.Entry, cause error) (Result, error) {
	if err := d.config.Queue.Enqueue(entry); err != nil {
		return Result{}, &PersistError{Op: "enqueue", Err: err}
	}
	return Result{ID: entry.ID, Status: StatusQueued, Reason: ReasonTransport, Err: cause}, nil
}

// attemptFailed charges one attempt against the entry's budget
func (d *Dispatcher) attemptFailed(
	entry queue.Entry,
	reason Reason,
	cause error,
) (Result, error) {
	d.logger.Debug(
		"delivery attempt failed",
		"id", entry.ID,
		"reason", reason,
		"error", cause,
	)
	if err := d.config.Queue.Enqueue(entry); err != nil {
		return Result{}, &PersistError{Op: "enqueue", Err: err}
	}
	exhausted, err := d.config.Queue.MarkAttempt(entry.ID, cause)
	if err != nil {
		// The entry stays queued, only the attempt count is lost
		d.logger.Error("failed to record attempt", "id", entry.ID, "error", err)
	}
	if exhausted {
		res := Result{
			ID:     entry.ID,
			Status: StatusFailed,
			Reason: ReasonPermanentFailure,
			Err:    fmt.Errorf("%w: %w", ErrPermanentFailure, cause),
		}
		d.countResult(res)
		return res, nil
	}
	d.updateRecord(entry.ID, func(r *MomentRecord) {
		r.LastError = cause.Error()
	})
	res := Result{ID: entry.ID, Status: StatusQueued, Reason: reason, Err: cause}
	d.countResult(res)
	d.publishRecord(entry.ID, QueuedEventType, reason)
	return res, nil
}

// complete records a confirmed delivery. It is safe to call more than once.
func (d *Dispatcher) complete(id string, partnerID string) {
	record, err := d.loadRecord(id)
	if err == nil && record.Direction != DirectionOutbound {
		d.logger.Warn("ignoring acknowledgment for a received moment", "id", id)
		return
	}
	if err := d.config.Queue.Remove(id); err != nil {
		d.logger.Error("failed to remove delivered moment", "id", id, "error", err)
	}
	if err != nil {
		d.logger.Warn("delivered moment has no record", "id", id, "error", err)
		return
	}
	if record.Status == RecordDelivered {
		return
	}
	record.Status = RecordDelivered
	record.LastError = ""
	if partnerID != "" {
		record.PartnerID = partnerID
	}
	record.UpdatedAt = d.config.Now()
	if err := d.saveRecord(record); err != nil {
		d.logger.Error("failed to update moment record", "id", id, "error", err)
	}
	d.logger.Info("moment delivered", "id", id)
	d.publish(DeliveredEventType, record, ReasonNone)
}

// handleAck handles acks that arrive after their request stopped waiting
func (d *Dispatcher) handleAck(msg protocol.Message) {
	ack, ok := msg.(*protocol.MomentAck)
	if !ok || !ack.Success || ack.ID == "" {
		return
	}
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		unlock := d.locks.Lock(ack.ID)
		defer unlock()
		if d.closeCtx.Err() != nil {
			return
		}
		d.logger.Debug("late acknowledgment", "id", ack.ID)
		d.complete(ack.ID, "")
	}()
}

func (d *Dispatcher) handleReceive(msg protocol.Message) {
	received, ok := msg.(*protocol.ReceiveMoment)
	if !ok {
		return
	}
	if err := d.Receive(d.closeCtx, received); err != nil && !errors.Is(err, ErrNotFromPartner) {
		d.logger.Error("failed to store received moment", "id", received.ID, "error", err)
	}
}

func (d *Dispatcher) handlePermanentFailure(evt event.Event) {
	failure, ok := evt.Data.(queue.PermanentFailureEvent)
	if !ok {
		return
	}
	var record MomentRecord
	d.updateRecord(failure.Entry.ID, func(r *MomentRecord) {
		r.Status = RecordFailed
		r.LastError = failure.Entry.LastError
		record = *r
	})
	if record.ID == "" {
		return
	}
	d.publish(FailedEventType, record, ReasonPermanentFailure)
}

func (d *Dispatcher) persistFailed(span trace.Span, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Error("failed to persist moment", "error", err)
	return Result{}, err
}

func (d *Dispatcher) traceResult(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("moment.status", string(res.Status)),
		attribute.String("moment.reason", string(res.Reason)),
	)
	if res.Status == StatusFailed && res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
}

func (d *Dispatcher) countResult(res Result) {
	d.metrics.results.WithLabelValues(string(res.Status), string(res.Reason)).Inc()
}

func (d *Dispatcher) loadRecord(id string) (MomentRecord, error) {
	var record MomentRecord
	err := database.LoadJSON(d.config.Store, types.MomentKey(id), &record)
	return record, err
}

func (d *Dispatcher) saveRecord(record MomentRecord) error {
	return database.SaveJSON(d.config.Store, types.MomentKey(record.ID), record)
}

func (d *Dispatcher) updateRecord(id string, update func(*MomentRecord)) {
	record, err := d.loadRecord(id)
	if err != nil {
		d.logger.Warn("moment record unavailable", "id", id, "error", err)
		return
	}
	update(&record)
	record.UpdatedAt = d.config.Now()
	if err := d.saveRecord(record); err != nil {
		d.logger.Error("failed to update moment record", "id", id, "error", err)
	}
}

func (d *Dispatcher) publishRecord(id string, eventType event.EventType, reason Reason) {
	record, err := d.loadRecord(id)
	if err != nil {
		return
	}
	d.publish(eventType, record, reason)
}

func (d *Dispatcher) publish(eventType event.EventType, record MomentRecord, reason Reason) {
	d.config.EventBus.Publish(
		eventType,
		event.NewEvent(eventType, MomentEvent{Record: record, Reason: reason}),
	)
}
