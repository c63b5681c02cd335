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
	"log/slog"

	"github.com/blinklabs-io/duet/dispatch"
	"github.com/blinklabs-io/duet/event"
)

// Notifier is told about user-visible delivery outcomes. Methods are called
// synchronously from the session's event bus and must not block for long.
type Notifier interface {
	// Delivered is called when the partner's server acknowledged a moment
	Delivered(dispatch.MomentRecord)
	// Queued is called when a moment is safe locally but not yet delivered
	Queued(dispatch.MomentRecord, dispatch.Reason)
	// Failed is called once when a moment exhausted its delivery attempts
	Failed(dispatch.MomentRecord)
	// Received is called for each moment accepted from the partner
	Received(dispatch.MomentRecord)
}

// NotifierFuncs adapts optional callbacks to a Notifier
type NotifierFuncs struct {
	OnDelivered func(dispatch.MomentRecord)
	OnQueued    func(dispatch.MomentRecord, dispatch.Reason)
	OnFailed    func(dispatch.MomentRecord)
	OnReceived  func(dispatch.MomentRecord)
}

func (n NotifierFuncs) Delivered(record dispatch.MomentRecord) {
	if n.OnDelivered != nil {
		n.OnDelivered(record)
	}
}

func (n NotifierFuncs) Queued(record dispatch.MomentRecord, reason dispatch.Reason) {
	if n.OnQueued != nil {
		n.OnQueued(record, reason)
	}
}

func (n NotifierFuncs) Failed(record dispatch.MomentRecord) {
	if n.OnFailed != nil {
		n.OnFailed(record)
	}
}

func (n NotifierFuncs) Received(record dispatch.MomentRecord) {
	if n.OnReceived != nil {
		n.OnReceived(record)
	}
}

// LogNotifier writes delivery outcomes to a logger
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Delivered(record dispatch.MomentRecord) {
	n.Logger.Info("moment delivered", "id", record.ID, "partner", record.PartnerID)
}

func (n LogNotifier) Queued(record dispatch.MomentRecord, reason dispatch.Reason) {
	n.Logger.Info("moment queued", "id", record.ID, "reason", string(reason))
}

func (n LogNotifier) Failed(record dispatch.MomentRecord) {
	n.Logger.Warn(
		"moment failed",
		"id", record.ID,
		"error", record.LastError,
	)
}

func (n LogNotifier) Received(record dispatch.MomentRecord) {
	n.Logger.Info(
		"moment received",
		"id", record.ID,
		"sender", record.SenderID,
		"caption", record.Caption,
	)
}

// subscribeNotifier forwards moment events from the bus to the notifier
func subscribeNotifier(
	bus *event.EventBus,
	notifier Notifier,
) map[event.EventType]event.EventSubscriberId {
	handlers := map[event.EventType]func(dispatch.MomentEvent){
		dispatch.DeliveredEventType: func(evt dispatch.MomentEvent) {
			notifier.Delivered(evt.Record)
		},
		dispatch.QueuedEventType: func(evt dispatch.MomentEvent) {
			notifier.Queued(evt.Record, evt.Reason)
		},
		dispatch.FailedEventType: func(evt dispatch.MomentEvent) {
			notifier.Failed(evt.Record)
		},
		dispatch.ReceivedEventType: func(evt dispatch.MomentEvent) {
			notifier.Received(evt.Record)
		},
	}
	subs := make(map[event.EventType]event.EventSubscriberId, len(handlers))
	for eventType, handler := range handlers {
		subs[eventType] = bus.SubscribeFunc(
			eventType,
			func(evt event.Event) {
				if data, ok := evt.Data.(dispatch.MomentEvent); ok {
					handler(data)
				}
			},
		)
	}
	return subs
}
