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

package protocol

import (
	"time"
)

type EventName string

// Server to client events
const (
	EventConnect             EventName = "connect"
	EventConnectError        EventName = "connect_error"
	EventRoomJoined          EventName = "room_joined"
	EventPartnerConnected    EventName = "partner_connected"
	EventPartnerDisconnected EventName = "partner_disconnected"
	EventReceiveMoment       EventName = "receive_moment"
	EventMomentAck           EventName = "moment_ack"
	EventPairingConfirmed    EventName = "pairing_confirmed"
	EventCodeGenerated       EventName = "code_generated"
	EventError               EventName = "error"
)

// Client to server events
const (
	EventJoinRoom     EventName = "join_room"
	EventSendMoment   EventName = "send_moment"
	EventGenerateCode EventName = "generate_code"
	EventJoinCode     EventName = "join_code"
	EventUnpair       EventName = "unpair"
	EventHeartbeat    EventName = "heartbeat"
)

// Connection lifecycle events. These never appear on the wire; they are
// raised locally by the connection manager.
const (
	EventDisconnect      EventName = "disconnect"
	EventReconnect       EventName = "reconnect"
	EventReconnectFailed EventName = "reconnect_failed"
)

// Message is implemented by every payload type in this package. The set is
// closed: callers switch on the concrete type.
type Message interface {
	EventName() EventName
	isMessage()
}

// Error codes carried by ConnectError and ErrorReply
const (
	CodeUnauthorized  = "unauthorized"
	CodeTokenExpired  = "token_expired"
	CodeInvalidCode   = "invalid"
	CodeExpiredCode   = "expired"
	CodeAlreadyPaired = "already_paired"
	CodeOwnCode       = "own_code"
	CodeNotPaired     = "not_paired"
)

type Connect struct {
	SessionID string `json:"sid,omitempty"`
}

type ConnectError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type RoomJoined struct {
	UserID string `json:"userId"`
}

type PartnerConnected struct {
	UserID string `json:"userId"`
}

type PartnerDisconnected struct {
	UserID string `json:"userId"`
}

type ReceiveMoment struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId"`
	Payload  []byte    `json:"payload"`
	Encoding string    `json:"encoding,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	SentAt   time.Time `json:"sentAt"`
}

type MomentAck struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type Partner struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type PairingConfirmed struct {
	PairID   string    `json:"pairId"`
	Partner  Partner   `json:"partner"`
	PairedAt time.Time `json:"pairedAt"`
}

type CodeGenerated struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ErrorReply is the negative reply to a request
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorReply) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type JoinRoom struct {
	UserID string `json:"userId"`
}

type SendMoment struct {
	ID        string    `json:"id"`
	PartnerID string    `json:"partnerId"`
	Payload   []byte    `json:"payload"`
	Encoding  string    `json:"encoding,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type GenerateCode struct{}

type JoinCode struct {
	Code string `json:"code"`
}

type Unpair struct {
	PairID string `json:"pairId"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Local lifecycle payloads

type Disconnect struct {
	Reason string `json:"reason"`
}

type Reconnect struct {
	Attempt int `json:"attempt"`
}

type ReconnectFailed struct {
	Attempts int `json:"attempts"`
}

func (*Connect) EventName() EventName             { return EventConnect }
func (*ConnectError) EventName() EventName        { return EventConnectError }
func (*RoomJoined) EventName() EventName          { return EventRoomJoined }
func (*PartnerConnected) EventName() EventName    { return EventPartnerConnected }
func (*PartnerDisconnected) EventName() EventName { return EventPartnerDisconnected }
func (*ReceiveMoment) EventName() EventName       { return EventReceiveMoment }
func (*MomentAck) EventName() EventName           { return EventMomentAck }
func (*PairingConfirmed) EventName() EventName    { return EventPairingConfirmed }
func (*CodeGenerated) EventName() EventName       { return EventCodeGenerated }
func (*ErrorReply) EventName() EventName          { return EventError }
func (*JoinRoom) EventName() EventName            { return EventJoinRoom }
func (*SendMoment) EventName() EventName          { return EventSendMoment }
func (*GenerateCode) EventName() EventName        { return EventGenerateCode }
func (*JoinCode) EventName() EventName            { return EventJoinCode }
func (*Unpair) EventName() EventName              { return EventUnpair }
func (*Heartbeat) EventName() EventName           { return EventHeartbeat }
func (*Disconnect) EventName() EventName          { return EventDisconnect }
func (*Reconnect) EventName() EventName           { return EventReconnect }
func (*ReconnectFailed) EventName() EventName     { return EventReconnectFailed }

func (*Connect) isMessage()             {}
func (*ConnectError) isMessage()        {}
func (*RoomJoined) isMessage()          {}
func (*PartnerConnected) isMessage()    {}
func (*PartnerDisconnected) isMessage() {}
func (*ReceiveMoment) isMessage()       {}
func (*MomentAck) isMessage()           {}
func (*PairingConfirmed) isMessage()    {}
func (*CodeGenerated) isMessage()       {}
func (*ErrorReply) isMessage()          {}
func (*JoinRoom) isMessage()            {}
func (*SendMoment) isMessage()          {}
func (*GenerateCode) isMessage()        {}
func (*JoinCode) isMessage()            {}
func (*Unpair) isMessage()              {}
func (*Heartbeat) isMessage()           {}
func (*Disconnect) isMessage()          {}
func (*Reconnect) isMessage()           {}
func (*ReconnectFailed) isMessage()     {}
