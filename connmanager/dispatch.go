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
	"sync"

	"github.com/blinklabs-io/duet/event"
)

// eventDispatcher publishes events on the bus from a single goroutine, in
// the order they were queued. Handlers therefore never run on the read loop
// and may issue requests of their own.
type eventDispatcher struct {
	bus     *event.EventBus
	queue   []event.Event
	mu      sync.Mutex
	wakeCh  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

func newEventDispatcher(bus *event.EventBus) *eventDispatcher {
	d := &eventDispatcher{
		bus:    bus,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *eventDispatcher) enqueue(evt event.Event) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, evt)
	d.mu.Unlock()
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *eventDispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.wakeCh:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			evt := d.queue[0]
			d.queue[0] = event.Event{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.bus.Publish(evt.Type, evt)
		}
	}
}

// stop discards undelivered events and waits for the current handler to
// return
func (d *eventDispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.doneCh
		return
	}
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()
	close(d.stopCh)
	<-d.doneCh
}
