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

package drainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/blinklabs-io/duet/connmanager"
	"github.com/blinklabs-io/duet/dispatch"
	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/pairing"
	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/queue"
)

const (
	DefaultInterval  = 3 * time.Minute
	DefaultItemDelay = 500 * time.Millisecond

	TriggerConnect    = "connect"
	TriggerPairing    = "pairing"
	TriggerForeground = "foreground"
	TriggerTimer      = "timer"
)

var ErrDrainInProgress = errors.New("drain already in progress")

// PendingSource lists queued entries, oldest first
type PendingSource interface {
	ListPending() []queue.Entry
}

// Redeliverer retries one queued entry
type Redeliverer interface {
	Redeliver(context.Context, queue.Entry) error
}

type QueueDrainerConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	// EventBus carries the connection and pairing events that start a drain
	EventBus   *event.EventBus
	Queue      PendingSource
	Dispatcher Redeliverer
	// Interval is the period of the safety net drain. Negative disables it.
	Interval  time.Duration
	ItemDelay time.Duration
}

// Stats summarizes one drain pass
type Stats struct {
	Attempted int
	Delivered int
	Retrying  int
	Failed    int
	// Remaining entries were not attempted because the pass ended early
	Remaining int
}

// QueueDrainer walks the delivery queue and redelivers entries in order.
// Only one pass runs at a time.
type QueueDrainer struct {
	config  QueueDrainerConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	running atomic.Bool
	metrics struct {
		runs    *prometheus.CounterVec
		items   *prometheus.CounterVec
		running prometheus.Gauge
	}
	mu         sync.Mutex
	passCancel context.CancelFunc
	bgCtx      context.Context
	bgCancel   context.CancelFunc
	wg         sync.WaitGroup
	subs       map[event.EventType]event.EventSubscriberId
	started    bool
}

func NewQueueDrainer(cfg QueueDrainerConfig) (*QueueDrainer, error) {
	if cfg.Queue == nil || cfg.Dispatcher == nil {
		return nil, errors.New("queue drainer requires a queue and a dispatcher")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ItemDelay <= 0 {
		cfg.ItemDelay = DefaultItemDelay
	}
	d := &QueueDrainer{
		config:  cfg,
		logger:  cfg.Logger.With("component", "drainer"),
		limiter: rate.NewLimiter(rate.Every(cfg.ItemDelay), 1),
		subs:    make(map[event.EventType]event.EventSubscriberId),
	}
	d.bgCtx, d.bgCancel = context.WithCancel(context.Background())
	promautoFactory := promauto.With(cfg.PromRegistry)
	d.metrics.runs = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_drainer_runs_total",
			Help: "drain passes started, by trigger",
		},
		[]string{"trigger"},
	)
	d.metrics.items = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_drainer_items_total",
			Help: "queue entries attempted by drain passes, by outcome",
		},
		[]string{"outcome"},
	)
	d.metrics.running = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "duet_drainer_running",
		Help: "1 while a drain pass is running",
	})
	return d, nil
}

// Start subscribes to the drain triggers and starts the periodic timer
func (d *QueueDrainer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bgCtx.Err() != nil {
		return errors.New("queue drainer stopped")
	}
	if d.started {
		return nil
	}
	d.started = true
	if bus := d.config.EventBus; bus != nil {
		connectType := connmanager.EventType(protocol.EventConnect)
		d.subs[connectType] = bus.SubscribeFunc(
			connectType,
			func(event.Event) { d.Trigger(TriggerConnect) },
		)
		d.subs[pairing.ChangedEventType] = bus.SubscribeFunc(
			pairing.ChangedEventType,
			func(evt event.Event) {
				change, ok := evt.Data.(pairing.ChangedEvent)
				if ok && change.Current != nil {
					d.Trigger(TriggerPairing)
				}
			},
		)
	}
	if d.config.Interval > 0 {
		d.wg.Add(1)
		go d.timerLoop()
	}
	return nil
}

// Stop unsubscribes, cancels a running pass after its current item and
// waits for background passes to finish
func (d *QueueDrainer) Stop() {
	d.mu.Lock()
	for eventType, subID := range d.subs {
		d.config.EventBus.Unsubscribe(eventType, subID)
	}
	clear(d.subs)
	d.bgCancel()
	d.mu.Unlock()
	d.Cancel()
	d.wg.Wait()
}

// Trigger starts a drain in the background. It is a no-op while a pass is
// already running.
func (d *QueueDrainer) Trigger(trigger string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bgCtx.Err() != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		stats, err := d.drain(d.bgCtx, trigger)
		switch {
		case errors.Is(err, ErrDrainInProgress):
		case err != nil:
			d.logger.Debug("drain ended early", "trigger", trigger, "error", err)
		case stats.Attempted > 0:
			d.logger.Info(
				fmt.Sprintf(
					"drained queue: %d delivered, %d retrying, %d failed",
					stats.Delivered,
					stats.Retrying,
					stats.Failed,
				),
				"trigger", trigger,
			)
		}
	}()
}

// Running reports whether a drain pass is in progress
func (d *QueueDrainer) Running() bool {
	return d.running.Load()
}

// Cancel stops a running pass once its current item completes
func (d *QueueDrainer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.passCancel != nil {
		d.passCancel()
	}
}

// Drain runs one pass over the queue. It returns ErrDrainInProgress at once
// if another pass is running, and dispatch.ErrUnpaired or
// dispatch.ErrOffline when the pass had to stop early.
func (d *QueueDrainer) Drain(ctx context.Context) (Stats, error) {
	return d.drain(ctx, "manual")
}

func (d *QueueDrainer) drain(ctx context.Context, trigger string) (Stats, error) {
	if !d.running.CompareAndSwap(false, true) {
		return Stats{}, ErrDrainInProgress
	}
	defer d.running.Store(false)
	d.metrics.running.Set(1)
	defer d.metrics.running.Set(0)
	d.metrics.runs.WithLabelValues(trigger).Inc()

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.passCancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.passCancel = nil
		d.mu.Unlock()
		cancel()
	}()

	var stats Stats
	pending := d.config.Queue.ListPending()
	for i, entry := range pending {
		if err := d.limiter.Wait(ctx); err != nil {
			stats.Remaining = len(pending) - i
			return stats, ctx.Err()
		}
		stats.Attempted++
		// The current item runs to completion even when the pass is canceled
		err := d.config.Dispatcher.Redeliver(context.WithoutCancel(ctx), entry)
		switch {
		case err == nil:
			stats.Delivered++
			d.metrics.items.WithLabelValues("delivered").Inc()
		case errors.Is(err, dispatch.ErrUnpaired), errors.Is(err, dispatch.ErrOffline):
			stats.Attempted--
			stats.Remaining = len(pending) - i
			return stats, err
		case errors.Is(err, dispatch.ErrPermanentFailure):
			stats.Failed++
			d.metrics.items.WithLabelValues("failed").Inc()
		default:
			stats.Retrying++
			d.metrics.items.WithLabelValues("retrying").Inc()
			d.logger.Debug("redelivery failed", "id", entry.ID, "error", err)
		}
		if ctx.Err() != nil {
			stats.Remaining = len(pending) - i - 1
			return stats, ctx.Err()
		}
	}
	return stats, nil
}

func (d *QueueDrainer) timerLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.bgCtx.Done():
			return
		case <-ticker.C:
			d.Trigger(TriggerTimer)
		}
	}
}
