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

package event_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/duet/event"
)

func TestEventBusSingleSubscriber(t *testing.T) {
	testEvtData := 999
	var testEvtType event.EventType = "test.event"
	eb := event.NewEventBus(nil, nil)
	_, subCh := eb.Subscribe(testEvtType)
	eb.Publish(testEvtType, event.NewEvent(testEvtType, testEvtData))
	select {
	case evt, ok := <-subCh:
		require.True(t, ok, "event channel closed unexpectedly")
		v, ok := evt.Data.(int)
		require.True(t, ok, "event data was not of expected type, got %T", evt.Data)
		assert.Equal(t, testEvtData, v)
		assert.Equal(t, testEvtType, evt.Type)
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
}

func TestEventBusHandlersRunInRegistrationOrder(t *testing.T) {
	var testEvtType event.EventType = "test.order"
	eb := event.NewEventBus(nil, nil)
	var (
		mu    sync.Mutex
		order []int
	)
	for i := range 10 {
		eb.SubscribeFunc(testEvtType, func(event.Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	for range 5 {
		eb.Publish(testEvtType, event.NewEvent(testEvtType, nil))
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 50)
	for pass := range 5 {
		for i := range 10 {
			assert.Equal(t, i, order[pass*10+i])
		}
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	var testEvtType event.EventType = "test.event"
	eb := event.NewEventBus(nil, nil)
	subId, subCh := eb.Subscribe(testEvtType)
	var calls atomic.Int32
	funcId := eb.SubscribeFunc(testEvtType, func(event.Event) {
		calls.Add(1)
	})
	eb.Unsubscribe(testEvtType, subId)
	eb.Unsubscribe(testEvtType, funcId)
	eb.Publish(testEvtType, event.NewEvent(testEvtType, 1))
	_, ok := <-subCh
	assert.False(t, ok, "subscriber channel should be closed after Unsubscribe")
	assert.Equal(t, int32(0), calls.Load())
	// Unknown ids are ignored
	eb.Unsubscribe(testEvtType, 12345)
}

func TestEventBusStop(t *testing.T) {
	var testEvtType event.EventType = "test.event"
	eb := event.NewEventBus(nil, nil)
	_, subCh := eb.Subscribe(testEvtType)
	var calls atomic.Int32
	eb.SubscribeFunc(testEvtType, func(event.Event) {
		calls.Add(1)
	})
	eb.Publish(testEvtType, event.NewEvent(testEvtType, "before"))
	require.Equal(t, int32(1), calls.Load())
	eb.Stop()
	<-subCh
	_, ok := <-subCh
	assert.False(t, ok, "subscriber channel should be closed after Stop")
	eb.Publish(testEvtType, event.NewEvent(testEvtType, "after"))
	assert.Equal(t, int32(1), calls.Load())
	// The bus remains usable
	_, newCh := eb.Subscribe(testEvtType)
	eb.Publish(testEvtType, event.NewEvent(testEvtType, "new"))
	evt := <-newCh
	assert.Equal(t, "new", evt.Data)
	eb.Stop()
}

func TestSubscribeFuncPanicRecovery(t *testing.T) {
	var testEvtType event.EventType = "test.panic"
	eb := event.NewEventBus(nil, nil)
	defer eb.Stop()
	var received atomic.Int32
	eb.SubscribeFunc(testEvtType, func(event.Event) {
		panic("boom")
	})
	eb.SubscribeFunc(testEvtType, func(event.Event) {
		received.Add(1)
	})
	eb.Publish(testEvtType, event.NewEvent(testEvtType, nil))
	eb.Publish(testEvtType, event.NewEvent(testEvtType, nil))
	// The panicking handler does not stop later handlers and stays registered
	assert.Equal(t, int32(2), received.Load())
}

func TestPublishDoesNotBlockOnFullChannel(t *testing.T) {
	var testEvtType event.EventType = "test.full"
	reg := prometheus.NewRegistry()
	eb := event.NewEventBus(reg, nil)
	defer eb.Stop()
	_, subCh := eb.Subscribe(testEvtType)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range event.EventQueueSize + 5 {
			eb.Publish(testEvtType, event.NewEvent(testEvtType, i))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
	assert.Len(t, subCh, event.EventQueueSize)
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "duet_event_delivery_errors_total"))
}

type failingSubscriber struct {
	closed atomic.Bool
}

func (f *failingSubscriber) Deliver(event.Event) error {
	return assert.AnError
}

func (f *failingSubscriber) Close() {
	f.closed.Store(true)
}

func TestDeliverFailureUnregisters(t *testing.T) {
	var testEvtType event.EventType = "test.fail"
	eb := event.NewEventBus(nil, nil)
	sub := &failingSubscriber{}
	subId := eb.RegisterSubscriber(testEvtType, sub)
	require.NotZero(t, subId)
	eb.Publish(testEvtType, event.NewEvent(testEvtType, "x"))
	assert.True(t, sub.closed.Load(), "expected Close() after deliver failure")
}
