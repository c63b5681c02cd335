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

// Package protocol defines the wire format spoken with the delivery server.
// Every frame is a JSON object carrying an event name, an optional request id
// used to correlate replies, and an event-specific payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("unknown event")

// Frame is the envelope for every message on the wire
type Frame struct {
	Type      EventName       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a message in a frame
func Encode(requestID string, msg Message) (Frame, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", msg.EventName(), err)
	}
	return Frame{
		Type:      msg.EventName(),
		RequestID: requestID,
		Payload:   payload,
	}, nil
}

// Decode converts a frame into its typed message. Frames with an unrecognized
// event name return ErrUnknownEvent.
func Decode(frame Frame) (Message, error) {
	var msg Message
	switch frame.Type {
	case EventConnect:
		msg = &Connect{}
	case EventConnectError:
		msg = &ConnectError{}
	case EventRoomJoined:
		msg = &RoomJoined{}
	case EventPartnerConnected:
		msg = &PartnerConnected{}
	case EventPartnerDisconnected:
		msg = &PartnerDisconnected{}
	case EventReceiveMoment:
		msg = &ReceiveMoment{}
	case EventMomentAck:
		msg = &MomentAck{}
	case EventPairingConfirmed:
		msg = &PairingConfirmed{}
	case EventCodeGenerated:
		msg = &CodeGenerated{}
	case EventError:
		msg = &ErrorReply{}
	case EventJoinRoom:
		msg = &JoinRoom{}
	case EventSendMoment:
		msg = &SendMoment{}
	case EventGenerateCode:
		msg = &GenerateCode{}
	case EventJoinCode:
		msg = &JoinCode{}
	case EventUnpair:
		msg = &Unpair{}
	case EventHeartbeat:
		msg = &Heartbeat{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
	if len(frame.Payload) > 0 && string(frame.Payload) != "null" {
		if err := json.Unmarshal(frame.Payload, msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", frame.Type, err)
		}
	}
	return msg, nil
}
