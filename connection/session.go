// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/dispatch"
	"github.com/emberchat/ember/protocol"
)

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// session is one authenticated WebSocket connection. It implements
// registry.Session; the registry and bridge reference it, the manager
// owns it.
type session struct {
	id     string
	user   protocol.UserID
	format protocol.Format
	conn   *websocket.Conn
	queue  *dispatch.Queue

	// lastBeat is the unix-nano timestamp of the last frame received.
	// The watchdog goroutine compares it against the heartbeat window.
	lastBeat atomic.Int64

	// outSeq numbers event frames on this connection, monotone across
	// all scopes.
	outSeq atomic.Uint64

	// writeMu serializes all frame writes: the queue writer owns the
	// event stream, but Pong and Error frames are written from the read
	// loop.
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	cancel    func()

	// subs is the session's live subscriptions, mirrored into the
	// registry. Guarded by subMu; teardown walks it to release every
	// registry and bridge reference.
	subMu sync.Mutex
	subs  map[protocol.Scope]struct{}
}

func (s *session) ID() string            { return s.id }
func (s *session) User() protocol.UserID { return s.user }

// Enqueue hands an envelope to the outbound queue. Called by the
// bridge's fan-out; never blocks.
func (s *session) Enqueue(envelope protocol.Envelope) {
	s.queue.Enqueue(envelope)
}

// writeFrame marshals v in the session's wire format and writes it as
// one WebSocket message.
func (s *session) writeFrame(v any) error {
	data, err := s.format.Marshal(v)
	if err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if s.format.Binary() {
		messageType = websocket.BinaryMessage
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// writeEnvelope frames one envelope as an event frame. Called only
// from the queue's writer goroutine.
func (s *session) writeEnvelope(envelope protocol.Envelope) error {
	frame := protocol.NewEventFrame(s.outSeq.Add(1), envelope)
	return s.writeFrame(frame)
}

// track records a new subscription. Reports false if the scope was
// already subscribed.
func (s *session) track(scope protocol.Scope) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[scope]; ok {
		return false
	}
	s.subs[scope] = struct{}{}
	return true
}

// untrack removes a subscription. Reports false if the scope was not
// subscribed.
func (s *session) untrack(scope protocol.Scope) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[scope]; !ok {
		return false
	}
	delete(s.subs, scope)
	return true
}

// drainSubs empties and returns the subscription set. Teardown calls
// it exactly once.
func (s *session) drainSubs() []protocol.Scope {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	scopes := make([]protocol.Scope, 0, len(s.subs))
	for scope := range s.subs {
		scopes = append(scopes, scope)
	}
	s.subs = make(map[protocol.Scope]struct{})
	return scopes
}
