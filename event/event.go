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

package event

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const EventQueueSize = 20

var ErrSubscriberFull = errors.New("subscriber channel full")

type EventType string

type EventSubscriberId int

type EventHandlerFunc func(Event)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      eventData,
	}
}

// EventBus fans events out to subscribers. Subscribers of a given event type
// are delivered to in the order they subscribed.
type EventBus struct {
	subscribers map[EventType]map[EventSubscriberId]Subscriber
	metrics     *eventMetrics
	lastSubId   EventSubscriberId
	mu          sync.RWMutex
	Logger      *slog.Logger
}

// NewEventBus creates a new EventBus
func NewEventBus(
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *EventBus {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	e := &EventBus{
		subscribers: make(map[EventType]map[EventSubscriberId]Subscriber),
		Logger:      logger,
	}
	if promRegistry != nil {
		e.initMetrics(promRegistry)
	}
	return e
}

// Subscriber is a delivery abstraction that allows the EventBus to deliver
// events to in-memory channels and to callbacks via the same interface.
// Implementations must ensure Close() is idempotent.
type Subscriber interface {
	Deliver(Event) error
	Close()
}

// channelSubscriber delivers events onto a buffered channel. Deliver never
// blocks: an event for a full channel is reported as a delivery error.
type channelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int) *channelSubscriber {
	return &channelSubscriber{
		ch: make(chan Event, buffer),
	}
}

func (c *channelSubscriber) Deliver(evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- evt:
		return nil
	default:
		return ErrSubscriberFull
	}
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// funcSubscriber invokes its handler on the publishing goroutine
type funcSubscriber struct {
	handler EventHandlerFunc
	mu      sync.RWMutex
	closed  bool
}

func (f *funcSubscriber) Deliver(evt Event) error {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil
	}
	f.handler(evt)
	return nil
}

func (f *funcSubscriber) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Subscribe allows a consumer to receive events of a particular type via a channel
func (e *EventBus) Subscribe(
	eventType EventType,
) (EventSubscriberId, <-chan Event) {
	chSub := newChannelSubscriber(EventQueueSize)
	subId := e.register(eventType, chSub)
	return subId, chSub.ch
}

// SubscribeFunc registers a callback for a particular event type. The
// callback runs synchronously within Publish, so handlers for one event are
// invoked in registration order and must not block for long.
func (e *EventBus) SubscribeFunc(
	eventType EventType,
	handlerFunc EventHandlerFunc,
) EventSubscriberId {
	return e.register(eventType, &funcSubscriber{handler: handlerFunc})
}

// RegisterSubscriber allows external adapters to register with the EventBus.
// It returns the assigned subscriber id.
func (e *EventBus) RegisterSubscriber(
	eventType EventType,
	sub Subscriber,
) EventSubscriberId {
	return e.register(eventType, sub)
}

func (e *EventBus) register(
	eventType EventType,
	sub Subscriber,
) EventSubscriberId {
	e.mu.Lock()
	defer e.mu.Unlock()
	subId := e.lastSubId + 1
	e.lastSubId = subId
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[EventSubscriberId]Subscriber)
	}
	e.subscribers[eventType][subId] = sub
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).
			Inc()
	}
	return subId
}

// Unsubscribe stops delivery of events for a particular type for an existing subscriber
func (e *EventBus) Unsubscribe(eventType EventType, subId EventSubscriberId) {
	e.mu.Lock()
	var subToClose Subscriber
	if evtTypeSubs, ok := e.subscribers[eventType]; ok {
		if sub, ok2 := evtTypeSubs[subId]; ok2 {
			subToClose = sub
			delete(evtTypeSubs, subId)
			if len(evtTypeSubs) == 0 {
				delete(e.subscribers, eventType)
			}
			if e.metrics != nil {
				e.metrics.subscribers.WithLabelValues(string(eventType), subscriberKind(sub)).
					Dec()
			}
		}
	}
	e.mu.Unlock()

	if subToClose != nil {
		subToClose.Close()
	}
}

// Publish sends an event of a particular type to all subscribers in
// subscription order
func (e *EventBus) Publish(eventType EventType, evt Event) {
	type subItem struct {
		id  EventSubscriberId
		sub Subscriber
	}
	e.mu.RLock()
	subs := e.subscribers[eventType]
	subList := make([]subItem, 0, len(subs))
	for id, sub := range subs {
		subList = append(subList, subItem{id: id, sub: sub})
	}
	e.mu.RUnlock()
	slices.SortFunc(subList, func(a, b subItem) int {
		return int(a.id - b.id)
	})
	for _, item := range subList {
		var deliverErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					deliverErr = fmt.Errorf("subscriber deliver panic: %v", r)
				}
			}()
			deliverErr = item.sub.Deliver(evt)
		}()
		if deliverErr == nil {
			continue
		}
		if e.metrics != nil {
			e.metrics.deliveryErrors.WithLabelValues(string(eventType), subscriberKind(item.sub)).
				Inc()
		}
		// A full channel only loses this event, other failures unregister
		if errors.Is(deliverErr, ErrSubscriberFull) {
			e.Logger.Warn(
				"subscriber channel full, dropping event",
				"type", eventType,
				"subscriber", item.id,
			)
			continue
		}
		e.Logger.Debug(
			"event delivery error",
			"type", eventType,
			"err", deliverErr,
		)
		if _, ok := item.sub.(*funcSubscriber); ok {
			// Handlers stay registered after a panic
			continue
		}
		e.Unsubscribe(eventType, item.id)
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

// Stop closes all subscribers and clears the subscribers map. The EventBus
// can still be used after Stop() is called.
func (e *EventBus) Stop() {
	e.mu.Lock()
	subsCopy := e.subscribers
	e.subscribers = make(map[EventType]map[EventSubscriberId]Subscriber)
	e.mu.Unlock()
	for _, evtTypeSubs := range subsCopy {
		for _, sub := range evtTypeSubs {
			sub.Close()
		}
	}
	if e.metrics != nil {
		e.metrics.subscribers.Reset()
	}
}

func subscriberKind(sub Subscriber) string {
	switch sub.(type) {
	case *channelSubscriber:
		return "channel"
	case *funcSubscriber:
		return "func"
	default:
		return "external"
	}
}

type eventMetrics struct {
	eventsTotal    *prometheus.CounterVec
	subscribers    *prometheus.GaugeVec
	deliveryErrors *prometheus.CounterVec
}

func (e *EventBus) initMetrics(promRegistry prometheus.Registerer) {
	e.metrics = &eventMetrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duet_event_published_total",
				Help: "total events published, by type",
			},
			[]string{"type"},
		),
		subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "duet_event_subscribers",
				Help: "current subscribers, by event type and kind",
			},
			[]string{"type", "kind"},
		),
		deliveryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duet_event_delivery_errors_total",
				Help: "event deliveries that failed, by event type and kind",
			},
			[]string{"type", "kind"},
		),
	}
	promRegistry.MustRegister(
		e.metrics.eventsTotal,
		e.metrics.subscribers,
		e.metrics.deliveryErrors,
	)
}
