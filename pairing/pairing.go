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

package pairing

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/blinklabs-io/duet/event"
	"github.com/blinklabs-io/duet/protocol"
)

const (
	CodeLength   = 6
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeTTL      = 15 * time.Minute

	ChangedEventType event.EventType = "pairing.changed"
)

// Validation codes. Server codes are passed through unchanged.
const (
	ReasonMalformed     = "malformed"
	ReasonExpired       = protocol.CodeExpiredCode
	ReasonInvalid       = protocol.CodeInvalidCode
	ReasonOwnCode       = protocol.CodeOwnCode
	ReasonAlreadyPaired = protocol.CodeAlreadyPaired
)

var (
	ErrNotPaired = errors.New("not paired")
	ErrOffline   = errors.New("not connected to the delivery server")
)

type Origin string

const (
	OriginServer  Origin = "server"
	OriginOffline Origin = "offline"
)

// PairState is the link to the current partner. It is replaced wholesale,
// never modified.
type PairState struct {
	PairID             string    `json:"pairId"`
	SelfID             string    `json:"selfId"`
	PartnerID          string    `json:"partnerId"`
	PartnerDisplayName string    `json:"partnerDisplayName,omitempty"`
	PairedAt           time.Time `json:"pairedAt"`
}

// InviteCode is a code the partner enters to pair with this user. Offline
// codes are placeholders generated without the server and cannot be joined.
type InviteCode struct {
	Code      string    `json:"code"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Origin    Origin    `json:"origin"`
}

func (c InviteCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c InviteCode) Joinable() bool {
	return c.Origin == OriginServer
}

// ChangedEvent is published whenever the pair state is created or removed
type ChangedEvent struct {
	Previous *PairState
	Current  *PairState
}

// ValidationError is a pairing request the caller must correct. It is never
// retried.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return "invalid invite code: " + e.Reason
	}
	return fmt.Sprintf("invalid invite code: %s: %s", e.Reason, e.Message)
}

func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// NormalizeCode trims and upper-cases a code, rejecting anything that is not
// six letters or digits
func NormalizeCode(code string) (string, error) {
	ret := strings.ToUpper(strings.TrimSpace(code))
	if len(ret) != CodeLength {
		return "", &ValidationError{
			Reason:  ReasonMalformed,
			Message: fmt.Sprintf("code must be %d characters", CodeLength),
		}
	}
	for _, r := range ret {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", &ValidationError{
				Reason:  ReasonMalformed,
				Message: "code must be letters and digits",
			}
		}
	}
	return ret, nil
}

func newOfflineCode(now time.Time) InviteCode {
	var sb strings.Builder
	for range CodeLength {
		sb.WriteByte(CodeAlphabet[rand.IntN(len(CodeAlphabet))])
	}
	return InviteCode{
		Code:      sb.String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(CodeTTL),
		Origin:    OriginOffline,
	}
}

func validationFromReply(reply *protocol.ErrorReply) error {
	switch reply.Code {
	case protocol.CodeInvalidCode,
		protocol.CodeExpiredCode,
		protocol.CodeOwnCode,
		protocol.CodeAlreadyPaired:
		return &ValidationError{Reason: reply.Code, Message: reply.Message}
	default:
		return reply
	}
}
