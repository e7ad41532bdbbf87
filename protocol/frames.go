// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
)

// FrameType is the "type" discriminator carried by every frame.
type FrameType string

// Client→server frame types.
const (
	FrameAuthenticate FrameType = "authenticate"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameSubscribe    FrameType = "subscribe"
	FrameUnsubscribe  FrameType = "unsubscribe"
	FrameBeginTyping  FrameType = "begin_typing"
	FrameEndTyping    FrameType = "end_typing"
	FrameSetStatus    FrameType = "set_status"
)

// Server→client frame types.
const (
	FrameReady FrameType = "ready"
	FrameEvent FrameType = "event"
	FrameError FrameType = "error"
	FramePong  FrameType = "pong"
)

// ClientFrame is implemented by all frames a client may send.
type ClientFrame interface {
	clientFrame() FrameType
}

// Authenticate must be the first frame on a new connection. Token is
// the session token issued by the auth service; Version is the client
// protocol version (currently always 1).
type Authenticate struct {
	Type    FrameType `json:"type"`
	Token   string    `json:"token"`
	Version int       `json:"version,omitempty"`
}

func (Authenticate) clientFrame() FrameType { return FrameAuthenticate }

// Heartbeat is the client's liveness signal. The gateway answers with
// Pong and refreshes the session's presence TTL.
type Heartbeat struct {
	Type FrameType `json:"type"`
}

func (Heartbeat) clientFrame() FrameType { return FrameHeartbeat }

// Subscribe asks to receive events for a scope, given in "kind:id"
// form. Subscribing to a scope the user cannot see is rejected with an
// error frame; the subscription is not recorded.
type Subscribe struct {
	Type  FrameType `json:"type"`
	Scope string    `json:"scope"`
}

func (Subscribe) clientFrame() FrameType { return FrameSubscribe }

// Unsubscribe removes a previously recorded subscription. Unknown
// scopes are ignored.
type Unsubscribe struct {
	Type  FrameType `json:"type"`
	Scope string    `json:"scope"`
}

func (Unsubscribe) clientFrame() FrameType { return FrameUnsubscribe }

// BeginTyping publishes a typing indicator to a channel the user can
// see. Indicators are non-critical events: they may be shed under
// backpressure and carry no delivery guarantee.
type BeginTyping struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel"`
}

func (BeginTyping) clientFrame() FrameType { return FrameBeginTyping }

// EndTyping clears a typing indicator.
type EndTyping struct {
	Type    FrameType `json:"type"`
	Channel string    `json:"channel"`
}

func (EndTyping) clientFrame() FrameType { return FrameEndTyping }

// SetStatus requests a presence status change for the user. Only
// "online" and "idle" are accepted; offline is derived from session
// lifecycle, never requested.
type SetStatus struct {
	Type   FrameType `json:"type"`
	Status string    `json:"status"`
}

func (SetStatus) clientFrame() FrameType { return FrameSetStatus }

// PresenceEntry is one user's status in the Ready snapshot.
type PresenceEntry struct {
	User     UserID `json:"user"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// Ready is the first server frame after successful authentication. It
// carries everything the client needs to start rendering: the session
// identity, the scopes the gateway auto-subscribed, a best-effort
// presence snapshot, and the heartbeat interval the client must honor.
type Ready struct {
	Type              FrameType       `json:"type"`
	SessionID         string          `json:"session_id"`
	User              UserID          `json:"user"`
	Scopes            []string        `json:"scopes"`
	Presence          []PresenceEntry `json:"presence,omitempty"`
	HeartbeatInterval int64           `json:"heartbeat_interval_ms"`
}

// NewReady builds a Ready frame with the type discriminator set.
func NewReady(sessionID string, user UserID, scopes []Scope, presence []PresenceEntry, heartbeatMillis int64) Ready {
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = s.String()
	}
	return Ready{
		Type:              FrameReady,
		SessionID:         sessionID,
		User:              user,
		Scopes:            names,
		Presence:          presence,
		HeartbeatInterval: heartbeatMillis,
	}
}

// EventFrame delivers one envelope. Seq is the per-session outbound
// counter (monotone across all scopes on this connection); the
// envelope's own Seq remains the per-scope counter.
type EventFrame struct {
	Type     FrameType `json:"type"`
	Seq      uint64    `json:"seq"`
	Envelope Envelope  `json:"envelope"`
}

// NewEventFrame builds an EventFrame with the type discriminator set.
func NewEventFrame(seq uint64, envelope Envelope) EventFrame {
	return EventFrame{Type: FrameEvent, Seq: seq, Envelope: envelope}
}

// ErrorFrame reports a non-fatal, session-local error to the client
// (for example a rejected Subscribe). Fatal errors close the
// connection with a close code instead.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Error codes used in ErrorFrame.Code.
const (
	ErrCodeForbidden    = "forbidden"
	ErrCodeInvalidScope = "invalid_scope"
	ErrCodeInvalidFrame = "invalid_frame"
)

// NewErrorFrame builds an ErrorFrame with the type discriminator set.
func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Message: message}
}

// Pong answers a Heartbeat.
type Pong struct {
	Type FrameType `json:"type"`
}

// NewPong builds a Pong frame.
func NewPong() Pong { return Pong{Type: FramePong} }

// UnknownFrameError reports a frame whose type discriminator is not a
// known client frame type.
type UnknownFrameError struct {
	Type FrameType
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("protocol: unknown frame type %q", e.Type)
}

// DecodeClientFrame decodes a raw frame in the connection's negotiated
// format and routes it to the concrete client frame type. Malformed
// data and unknown types are errors; the caller closes the connection
// with CloseProtocolError.
func DecodeClientFrame(format Format, data []byte) (ClientFrame, error) {
	var head struct {
		Type FrameType `json:"type"`
	}
	if err := format.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding frame header: %w", err)
	}

	var (
		frame ClientFrame
		err   error
	)
	switch head.Type {
	case FrameAuthenticate:
		var f Authenticate
		err = format.Unmarshal(data, &f)
		frame = f
	case FrameHeartbeat:
		var f Heartbeat
		err = format.Unmarshal(data, &f)
		frame = f
	case FrameSubscribe:
		var f Subscribe
		err = format.Unmarshal(data, &f)
		frame = f
	case FrameUnsubscribe:
		var f Unsubscribe
		err = format.Unmarshal(data, &f)
		frame = f
	case FrameBeginTyping:
		var f BeginTyping
		err = format.Unmarshal(data, &f)
		frame = f
	case FrameEndTyping:
		var f EndTyping
		err = format.Unmarshal(data, &f)
		frame = f
	case FrameSetStatus:
		var f SetStatus
		err = format.Unmarshal(data, &f)
		frame = f
	default:
		return nil, &UnknownFrameError{Type: head.Type}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", head.Type, err)
	}
	return frame, nil
}
