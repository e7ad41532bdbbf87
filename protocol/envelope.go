// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"strings"

	"github.com/emberchat/ember/lib/wire"
)

// UserID is the opaque stable identifier of a platform user. A user may
// have zero, one, or many concurrent sessions across the cluster.
type UserID string

// IsZero reports whether the user ID is empty.
func (u UserID) IsZero() bool { return u == "" }

// ScopeKind identifies the entity class a scope refers to.
type ScopeKind string

const (
	// ScopeUser addresses events private to a single user: direct
	// messages, relationship updates, presence changes.
	ScopeUser ScopeKind = "user"

	// ScopeChannel addresses events within one channel: messages,
	// typing indicators.
	ScopeChannel ScopeKind = "channel"

	// ScopeServer addresses community-wide events: membership and
	// role changes.
	ScopeServer ScopeKind = "server"
)

// Scope is an entity (user, channel, or server) to which events and
// subscriptions are keyed. The zero Scope is invalid.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// UserScope returns the private scope of the given user.
func UserScope(user UserID) Scope {
	return Scope{Kind: ScopeUser, ID: string(user)}
}

// ChannelScope returns the scope of a channel.
func ChannelScope(id string) Scope {
	return Scope{Kind: ScopeChannel, ID: id}
}

// ServerScope returns the scope of a server (community).
func ServerScope(id string) Scope {
	return Scope{Kind: ScopeServer, ID: id}
}

// IsZero reports whether the scope is the zero value.
func (s Scope) IsZero() bool { return s.Kind == "" && s.ID == "" }

// Validate checks that the scope has a known kind and a non-empty ID.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeUser, ScopeChannel, ScopeServer:
	default:
		return fmt.Errorf("protocol: unknown scope kind %q", s.Kind)
	}
	if s.ID == "" {
		return fmt.Errorf("protocol: scope of kind %q has empty ID", s.Kind)
	}
	return nil
}

// Topic returns the broker topic name for this scope. Topic names use
// dots as separators (the broker's subject hierarchy); scope IDs never
// contain dots, so the mapping is injective.
func (s Scope) Topic() string {
	return "ember.events." + string(s.Kind) + "." + s.ID
}

// String returns "kind:id", the form used in logs and registry keys.
func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseScope parses the "kind:id" form produced by Scope.String and
// accepted in client Subscribe frames.
func ParseScope(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("protocol: scope %q is not of the form kind:id", raw)
	}
	scope := Scope{Kind: ScopeKind(kind), ID: id}
	if err := scope.Validate(); err != nil {
		return Scope{}, err
	}
	return scope, nil
}

// EventKind discriminates the payload of an envelope.
type EventKind string

const (
	// KindMessage is a chat message posted to a channel.
	KindMessage EventKind = "message"

	// KindMessageUpdate is an edit or deletion of an existing message.
	KindMessageUpdate EventKind = "message_update"

	// KindTyping is a typing indicator (begin or end) in a channel.
	KindTyping EventKind = "typing"

	// KindPresence is a presence status transition for a user.
	KindPresence EventKind = "presence"

	// KindMembership is a membership or role change within a server
	// or channel.
	KindMembership EventKind = "membership"
)

// Critical reports whether an event of this kind must never be silently
// dropped. When a session's outbound queue overflows, non-critical
// events (typing, presence) are shed first; a critical event that still
// cannot be queued disconnects the session instead.
func (k EventKind) Critical() bool {
	switch k {
	case KindMessage, KindMessageUpdate, KindMembership:
		return true
	}
	return false
}

// Envelope is the unit of fan-out: one domain event addressed to one
// scope. Seq increases monotonically per scope; subscribers observe
// envelopes for a scope in non-decreasing Seq order.
type Envelope struct {
	Kind    EventKind       `json:"kind"`
	Scope   Scope           `json:"scope"`
	Seq     uint64          `json:"seq"`
	Payload wire.RawMessage `json:"payload,omitempty"`
}

// TypingPayload is the payload of a KindTyping envelope.
type TypingPayload struct {
	User    UserID `json:"user"`
	Channel string `json:"channel"`
	Active  bool   `json:"active"`
}

// PresencePayload is the payload of a KindPresence envelope.
type PresencePayload struct {
	User   UserID `json:"user"`
	Status string `json:"status"`
}

// MembershipPayload is the payload of a KindMembership envelope. When
// Removed is true the user left (or was removed from) the server;
// otherwise the user's roles changed and cached permissions for the
// affected scopes must be recomputed.
type MembershipPayload struct {
	User    UserID `json:"user"`
	Server  string `json:"server"`
	Removed bool   `json:"removed,omitempty"`
}
