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

// Package fakeserver is a scriptable in-process delivery server for tests.
// Clients reach it either through the in-memory Dialer or over a real
// websocket via Handler.
package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/blinklabs-io/duet/protocol"
	"github.com/blinklabs-io/duet/transport"
)

type AckMode int

const (
	AckSuccess AckMode = iota
	AckWithhold
	AckReject
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeTTL      = 15 * time.Minute
)

var ErrOffline = errors.New("fake server offline")

// Received is a message the server read from a client
type Received struct {
	UserID  string
	Message protocol.Message
}

type codeEntry struct {
	owner     string
	expiresAt time.Time
}

type serverConn struct {
	userID string
	push   func(protocol.Frame) error
	close  func() error
}

type outgoing struct {
	sc    *serverConn
	frame protocol.Frame
}

type Server struct {
	mu             sync.Mutex
	tokens         map[string]struct{}
	conns          map[*serverConn]struct{}
	rooms          map[string]*serverConn
	pairs          map[string]string
	codes          map[string]codeEntry
	received       []Received
	withheld       []outgoing
	ackFunc        func(*protocol.SendMoment) AckMode
	now            func() time.Time
	codeSeq        int
	pairSeq        int
	dials          int
	offline        bool
	silent         bool
	withholdJoined bool
}

func New() *Server {
	return &Server{
		tokens: make(map[string]struct{}),
		conns:  make(map[*serverConn]struct{}),
		rooms:  make(map[string]*serverConn),
		pairs:  make(map[string]string),
		codes:  make(map[string]codeEntry),
		now:    time.Now,
	}
}

// AddToken restricts connections to the registered tokens. With no tokens
// registered every token is accepted.
func (s *Server) AddToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = struct{}{}
}

// SetOffline makes new dials fail. Going offline also drops every open
// connection.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
	if offline {
		s.DropConnections()
	}
}

// DropConnections closes every open connection from the server side
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	clear(s.conns)
	clear(s.rooms)
	s.mu.Unlock()
	for _, sc := range conns {
		_ = sc.close()
	}
}

// SetAckMode sets how send_moment requests are answered
func (s *Server) SetAckMode(mode AckMode) {
	s.SetAckFunc(func(*protocol.SendMoment) AckMode { return mode })
}

// SetAckFunc decides per moment how send_moment requests are answered
func (s *Server) SetAckFunc(f func(*protocol.SendMoment) AckMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackFunc = f
}

// SetSilent keeps connections open but stops the server writing anything,
// like a peer behind a half-open TCP connection
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// WithholdRoomJoined stops the server confirming join_room requests
func (s *Server) WithholdRoomJoined(withhold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withholdJoined = withhold
}

// SetNow overrides the server clock
func (s *Server) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Pair links two users as partners
func (s *Server) Pair(a, b string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairLocked(a, b)
}

func (s *Server) pairLocked(a, b string) string {
	s.pairs[a] = b
	s.pairs[b] = a
	s.pairSeq++
	return fmt.Sprintf("pair-%d", s.pairSeq)
}

// Push sends a server initiated message to a user's room
func (s *Server) Push(userID string, msg protocol.Message) error {
	s.mu.Lock()
	sc, ok := s.rooms[userID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("user %s is not connected", userID)
	}
	frame, err := protocol.Encode("", msg)
	if err != nil {
		return err
	}
	return sc.push(frame)
}

// ReleaseAcks sends the positive acks withheld so far, with their original
// request ids. It returns how many were sent.
func (s *Server) ReleaseAcks() int {
	s.mu.Lock()
	withheld := s.withheld
	s.withheld = nil
	s.mu.Unlock()
	sent := 0
	for _, o := range withheld {
		if o.sc.push(o.frame) == nil {
			sent++
		}
	}
	return sent
}

// Received returns the messages of one event type read from clients
func (s *Server) Received(name protocol.EventName) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []Received
	for _, r := range s.received {
		if r.Message.EventName() == name {
			ret = append(ret, r)
		}
	}
	return ret
}

// Count returns how many messages of one event type were read
func (s *Server) Count(name protocol.EventName) int {
	return len(s.Received(name))
}

// Dials returns the number of connection attempts seen
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connected reports whether a user has joined their room
func (s *Server) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[userID]
	return ok
}

// Dialer returns an in-memory transport.Dialer connected to this server
func (s *Server) Dialer() transport.Dialer {
	return transport.DialerFunc(
		func(ctx context.Context, _ string, token string) (transport.Conn, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			mc := &memConn{
				in:   make(chan protocol.Frame, 1024),
				done: make(chan struct{}),
			}
			mc.sc = &serverConn{
				push:  mc.deliver,
				close: mc.Close,
			}
			mc.srv = s
			if err := s.accept(mc.sc, token); err != nil {
				return nil, err
			}
			return mc, nil
		},
	)
}

// Handler serves the delivery protocol over websocket
func (s *Server) Handler() http.Handler {
	wsHandler := websocket.Handler(func(ws *websocket.Conn) {
		conn := transport.NewWebsocketConn(ws, time.Second)
		sc := &serverConn{
			push:  conn.WriteFrame,
			close: conn.Close,
		}
		if err := s.accept(sc, transport.BearerToken(ws.Request())); err != nil {
			_ = conn.Close()
			return
		}
		defer s.removeConn(sc)
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			s.handle(sc, frame)
		}
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		offline := s.offline
		s.mu.Unlock()
		if offline {
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
}

// accept registers a new connection and sends the greeting
func (s *Server) accept(sc *serverConn, token string) error {
	s.mu.Lock()
	s.dials++
	if s.offline {
		s.mu.Unlock()
		return ErrOffline
	}
	_, known := s.tokens[token]
	authorized := len(s.tokens) == 0 || known
	if authorized {
		s.conns[sc] = struct{}{}
	}
	s.mu.Unlock()
	var greeting protocol.Message = &protocol.Connect{SessionID: "sid"}
	if !authorized {
		greeting = &protocol.ConnectError{
			Code:    protocol.CodeUnauthorized,
			Message: "invalid token",
		}
	}
	frame, err := protocol.Encode("", greeting)
	if err != nil {
		return err
	}
	return sc.push(frame)
}

func (s *Server) removeConn(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc)
	if s.rooms[sc.userID] == sc {
		delete(s.rooms, sc.userID)
	}
}

func (s *Server) handle(sc *serverConn, frame protocol.Frame) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return
	}
	var out []outgoing
	reply := func(to *serverConn, requestID string, m protocol.Message) {
		f, err := protocol.Encode(requestID, m)
		if err != nil {
			return
		}
		out = append(out, outgoing{sc: to, frame: f})
	}
	s.mu.Lock()
	s.received = append(s.received, Received{UserID: sc.userID, Message: msg})
	if s.silent {
		s.mu.Unlock()
		return
	}
	switch m := msg.(type) {
	case *protocol.Heartbeat:
		reply(sc, frame.RequestID, &protocol.Heartbeat{Timestamp: m.Timestamp})
	case *protocol.JoinRoom:
		sc.userID = m.UserID
		s.rooms[m.UserID] = sc
		if !s.withholdJoined {
			reply(sc, frame.RequestID, &protocol.RoomJoined{UserID: m.UserID})
		}
	case *protocol.SendMoment:
		mode := AckSuccess
		if s.ackFunc != nil {
			mode = s.ackFunc(m)
		}
		switch mode {
		case AckSuccess:
			reply(sc, frame.RequestID, &protocol.MomentAck{ID: m.ID, Success: true})
			if partner, ok := s.rooms[s.pairs[sc.userID]]; ok {
				reply(partner, "", &protocol.ReceiveMoment{
					ID:       m.ID,
					SenderID: sc.userID,
					Payload:  m.Payload,
					Encoding: m.Encoding,
					Caption:  m.Caption,
					SentAt:   s.now(),
				})
			}
		case AckReject:
			reply(sc, frame.RequestID, &protocol.MomentAck{
				ID:    m.ID,
				Error: "rejected by server",
			})
		case AckWithhold:
			// Kept so ReleaseAcks can answer late
			if f, err := protocol.Encode(
				frame.RequestID,
				&protocol.MomentAck{ID: m.ID, Success: true},
			); err == nil {
				s.withheld = append(s.withheld, outgoing{sc: sc, frame: f})
			}
		}
	case *protocol.GenerateCode:
		s.codeSeq++
		code := makeCode(s.codeSeq)
		expiresAt := s.now().Add(codeTTL)
		s.codes[code] = codeEntry{owner: sc.userID, expiresAt: expiresAt}
		reply(sc, frame.RequestID, &protocol.CodeGenerated{
			Code:      code,
			ExpiresAt: expiresAt,
		})
	case *protocol.JoinCode:
		code := strings.ToUpper(strings.TrimSpace(m.Code))
		entry, ok := s.codes[code]
		switch {
		case !ok:
			reply(sc, frame.RequestID, &protocol.ErrorReply{Code: protocol.CodeInvalidCode})
		case s.now().After(entry.expiresAt):
			reply(sc, frame.RequestID, &protocol.ErrorReply{Code: protocol.CodeExpiredCode})
		case entry.owner == sc.userID:
			reply(sc, frame.RequestID, &protocol.ErrorReply{Code: protocol.CodeOwnCode})
		case s.pairs[sc.userID] != "" || s.pairs[entry.owner] != "":
			reply(sc, frame.RequestID, &protocol.ErrorReply{Code: protocol.CodeAlreadyPaired})
		default:
			delete(s.codes, code)
			pairID := s.pairLocked(sc.userID, entry.owner)
			pairedAt := s.now()
			reply(sc, frame.RequestID, &protocol.PairingConfirmed{
				PairID:   pairID,
				Partner:  protocol.Partner{ID: entry.owner},
				PairedAt: pairedAt,
			})
			if owner, ok := s.rooms[entry.owner]; ok {
				reply(owner, "", &protocol.PairingConfirmed{
					PairID:   pairID,
					Partner:  protocol.Partner{ID: sc.userID},
					PairedAt: pairedAt,
				})
			}
		}
	case *protocol.Unpair:
		partner := s.pairs[sc.userID]
		delete(s.pairs, sc.userID)
		if partner != "" {
			delete(s.pairs, partner)
		}
	}
	s.mu.Unlock()
	for _, o := range out {
		_ = o.sc.push(o.frame)
	}
}

func makeCode(seq int) string {
	var sb strings.Builder
	for i := range 6 {
		sb.WriteByte(codeAlphabet[(seq*7+i*13)%len(codeAlphabet)])
	}
	return sb.String()
}

// memConn is the client side of an in-memory connection
type memConn struct {
	in        chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
	sc        *serverConn
	srv       *Server
}

func (m *memConn) ReadFrame() (protocol.Frame, error) {
	select {
	case f := <-m.in:
		return f, nil
	case <-m.done:
		return protocol.Frame{}, io.EOF
	}
}

func (m *memConn) WriteFrame(frame protocol.Frame) error {
	select {
	case <-m.done:
		return io.ErrClosedPipe
	default:
	}
	m.srv.handle(m.sc, frame)
	return nil
}

func (m *memConn) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.srv != nil {
			m.srv.removeConn(m.sc)
		}
	})
	return nil
}

// deliver queues a frame from the server to the client
func (m *memConn) deliver(frame protocol.Frame) error {
	select {
	case <-m.done:
		return io.ErrClosedPipe
	case m.in <- frame:
		return nil
	}
}
