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

package queue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/database/types"
	"github.com/blinklabs-io/duet/event"
)

const (
	DefaultMaxAttempts = 3

	PermanentFailureEventType event.EventType = "queue.permanent_failure"
)

var ErrEntryNotFound = errors.New("queue entry not found")

// PermanentFailureEvent is published once for each entry that leaves the
// queue without being delivered
type PermanentFailureEvent struct {
	Entry Entry
}

// Entry is an outbound moment waiting for delivery. The content itself lives
// in the store under PayloadRef.
type Entry struct {
	ID                 string    `json:"id"`
	PayloadRef         string    `json:"payloadRef"`
	Caption            string    `json:"caption,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	PartnerIDAtEnqueue string    `json:"partnerIdAtEnqueue,omitempty"`
	AttemptCount       int       `json:"attemptCount"`
	MaxAttempts        int       `json:"maxAttempts"`
	LastError          string    `json:"lastError,omitempty"`
	EnqueuedAt         time.Time `json:"enqueuedAt"`
	Seq                uint64    `json:"seq"`
}

type DeliveryQueueConfig struct {
	PromRegistry prometheus.Registerer
	Logger       *slog.Logger
	EventBus     *event.EventBus
	Store        database.Store
	// MaxAttempts applies to entries enqueued without their own budget
	MaxAttempts int
	// OnPermanentFailure is called once for each entry that exhausts its
	// attempts or is failed explicitly
	OnPermanentFailure func(Entry)
}

// DeliveryQueue is the durable FIFO of moments awaiting delivery. Every
// mutation is written to the store before the call returns.
type DeliveryQueue struct {
	config  DeliveryQueueConfig
	logger  *slog.Logger
	metrics struct {
		pending           prometheus.Gauge
		enqueued          prometheus.Counter
		permanentFailures prometheus.Counter
	}
	entries map[string]*Entry
	lastSeq uint64
	mu      sync.Mutex
}

// NewDeliveryQueue loads any entries persisted by a previous run
func NewDeliveryQueue(cfg DeliveryQueueConfig) (*DeliveryQueue, error) {
	if cfg.Store == nil {
		return nil, errors.New("delivery queue requires a store")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	q := &DeliveryQueue{
		config:  cfg,
		entries: make(map[string]*Entry),
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		q.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		q.logger = cfg.Logger.With("component", "queue")
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	q.metrics.pending = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "duet_queue_pending",
		Help: "current count of moments awaiting delivery",
	})
	q.metrics.enqueued = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "duet_queue_enqueued_total",
		Help: "total moments added to the delivery queue",
	})
	q.metrics.permanentFailures = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "duet_queue_permanent_failures_total",
			Help: "total moments removed from the queue undelivered",
		},
	)
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *DeliveryQueue) load() error {
	keys, err := q.config.Store.ListKeys(types.QueueKeyPrefix)
	if err != nil {
		return fmt.Errorf("list queue entries: %w", err)
	}
	for _, key := range keys {
		var entry Entry
		if err := database.LoadJSON(q.config.Store, key, &entry); err != nil {
			// A corrupt entry must not block the rest of the queue
			q.logger.Error(
				"skipping unreadable queue entry",
				"key", key,
				"error", err,
			)
			continue
		}
		if entry.ID != strings.TrimPrefix(key, types.QueueKeyPrefix) {
			q.logger.Warn("queue entry id does not match its key", "key", key)
			continue
		}
		q.entries[entry.ID] = &entry
		q.lastSeq = max(q.lastSeq, entry.Seq)
	}
	q.metrics.pending.Set(float64(len(q.entries)))
	if len(q.entries) > 0 {
		q.logger.Info(
			fmt.Sprintf("loaded %d pending moments", len(q.entries)),
		)
	}
	return nil
}

// Enqueue adds an entry. An entry with the same id is replaced in place and
// keeps its position in the queue.
func (q *DeliveryQueue) Enqueue(entry Entry) error {
	if entry.ID == "" {
		return errors.New("queue entry has no id")
	}
	if entry.MaxAttempts <= 0 {
		entry.MaxAttempts = q.config.MaxAttempts
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, replacing := q.entries[entry.ID]
	if replacing {
		entry.Seq = existing.Seq
		entry.EnqueuedAt = existing.EnqueuedAt
	} else {
		entry.Seq = q.lastSeq + 1
		if entry.EnqueuedAt.IsZero() {
			entry.EnqueuedAt = time.Now()
		}
	}
	if err := q.persist(&entry); err != nil {
		return err
	}
	if !replacing {
		q.lastSeq = entry.Seq
		q.metrics.enqueued.Inc()
	}
	q.entries[entry.ID] = &entry
	q.metrics.pending.Set(float64(len(q.entries)))
	q.logger.Debug(
		"enqueued moment",
		"id", entry.ID,
		"replaced", replacing,
		"attempts", entry.AttemptCount,
	)
	return nil
}

// ListPending returns a snapshot of all entries, oldest first
func (q *DeliveryQueue) ListPending() []Entry {
	q.mu.Lock()
	ret := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		ret = append(ret, *entry)
	}
	q.mu.Unlock()
	slices.SortFunc(ret, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return ret
}

// Get returns a copy of the entry with the given id
func (q *DeliveryQueue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of pending entries
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// MarkAttempt records a failed delivery attempt. When the entry reaches its
// attempt budget it leaves the queue and exhausted is true.
func (q *DeliveryQueue) MarkAttempt(
	id string,
	cause error,
) (exhausted bool, err error) {
	q.mu.Lock()
	existing, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry := *existing
	entry.AttemptCount++
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if entry.AttemptCount < entry.MaxAttempts {
		if err := q.persist(&entry); err != nil {
			q.mu.Unlock()
			return false, err
		}
		q.entries[id] = &entry
		q.mu.Unlock()
		q.logger.Debug(
			"recorded delivery attempt",
			"id", id,
			"attempts", entry.AttemptCount,
			"max_attempts", entry.MaxAttempts,
		)
		return false, nil
	}
	if err := q.removeLocked(id); err != nil {
		q.mu.Unlock()
		return false, err
	}
	q.mu.Unlock()
	q.permanentFailure(entry)
	return true, nil
}

// Fail removes an entry as permanently failed regardless of its remaining
// attempts
func (q *DeliveryQueue) Fail(id string, cause error) error {
	q.mu.Lock()
	existing, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	entry := *existing
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if err := q.removeLocked(id); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()
	q.permanentFailure(entry)
	return nil
}

// Remove deletes an entry. Removing an unknown id is a no-op.
func (q *DeliveryQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return nil
	}
	return q.removeLocked(id)
}

// Clear removes every pending entry without signalling failures
func (q *DeliveryQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	for id := range q.entries {
		err = errors.Join(err, q.removeLocked(id))
	}
	return err
}

func (q *DeliveryQueue) removeLocked(id string) error {
	if err := q.config.Store.Remove(types.QueueKey(id)); err != nil {
		return fmt.Errorf("remove queue entry %s: %w", id, err)
	}
	delete(q.entries, id)
	q.metrics.pending.Set(float64(len(q.entries)))
	return nil
}

func (q *DeliveryQueue) persist(entry *Entry) error {
	if err := database.SaveJSON(q.config.Store, types.QueueKey(entry.ID), entry); err != nil {
		return fmt.Errorf("persist queue entry %s: %w", entry.ID, err)
	}
	return nil
}

func (q *DeliveryQueue) permanentFailure(entry Entry) {
	q.metrics.permanentFailures.Inc()
	q.logger.Warn(
		"moment permanently failed",
		"id", entry.ID,
		"attempts", entry.AttemptCount,
		"last_error", entry.LastError,
	)
	if q.config.EventBus != nil {
		q.config.EventBus.Publish(
			PermanentFailureEventType,
			event.NewEvent(
				PermanentFailureEventType,
				PermanentFailureEvent{Entry: entry},
			),
		)
	}
	if q.config.OnPermanentFailure != nil {
		q.config.OnPermanentFailure(entry)
	}
}
