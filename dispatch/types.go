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
	"errors"
	"fmt"
	"time"

	"github.com/blinklabs-io/duet/event"
)

const (
	DeliveredEventType event.EventType = "moment.delivered"
	QueuedEventType    event.EventType = "moment.queued"
	FailedEventType    event.EventType = "moment.failed"
	ReceivedEventType  event.EventType = "moment.received"
)

var (
	ErrUnpaired         = errors.New("no partner paired")
	ErrOffline          = errors.New("not connected")
	ErrTimeout          = errors.New("acknowledgment timed out")
	ErrRejected         = errors.New("rejected by server")
	ErrTransport        = errors.New("transport failure")
	ErrTransformFailed  = errors.New("payload transform failed")
	ErrPermanentFailure = errors.New("delivery permanently failed")
	ErrPartnerChanged   = errors.New("partner changed since the moment was queued")
	ErrNotFromPartner   = errors.New("moment sender is not the current partner")
	ErrMomentNotFound   = errors.New("moment not found")
	ErrEmptyMoment      = errors.New("moment has no content")
	ErrIDInUse          = errors.New("moment id belongs to a received moment")
)

// Moment is user content handed to Send
type Moment struct {
	// ID is assigned when empty. Reusing an ID resends the same moment.
	ID        string
	Content   []byte
	Caption   string
	CreatedAt time.Time
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonUnpaired         Reason = "unpaired"
	ReasonOffline          Reason = "offline"
	ReasonTimeout          Reason = "timeout"
	ReasonRejected         Reason = "rejected"
	ReasonTransport        Reason = "transport"
	ReasonTransformFailed  Reason = "transform_failed"
	ReasonPermanentFailure Reason = "permanent_failure"
)

// Result is the outcome of one send. Anything but StatusFailed means the
// content is safe and delivery continues in the background.
type Result struct {
	ID     string
	Status Status
	Reason Reason
	// Err is the cause of a queued or failed result
	Err error
}

func (r Result) Message() string {
	switch {
	case r.Status == StatusDelivered:
		return "delivered"
	case r.Reason == ReasonUnpaired:
		return "saved locally, will send once paired"
	case r.Reason == ReasonOffline:
		return "queued, offline"
	case r.Status == StatusQueued:
		return "queued, will retry"
	default:
		return "failed"
	}
}

// PersistError means the moment or its place in the delivery queue could not
// be saved locally. Nothing will retry it.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist moment: %s: %s", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordDelivered RecordStatus = "delivered"
	RecordFailed    RecordStatus = "failed"
	RecordReceived  RecordStatus = "received"
)

// MomentRecord is the local history entry for a sent or received moment.
// The content is stored separately under PayloadRef.
type MomentRecord struct {
	ID         string       `json:"id"`
	PayloadRef string       `json:"payloadRef"`
	Caption    string       `json:"caption,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	Direction  Direction    `json:"direction"`
	SenderID   string       `json:"senderId,omitempty"`
	PartnerID  string       `json:"partnerId,omitempty"`
	Status     RecordStatus `json:"status"`
	LastError  string       `json:"lastError,omitempty"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// MomentEvent is the data of every moment.* event
type MomentEvent struct {
	Record MomentRecord
	Reason Reason
}
