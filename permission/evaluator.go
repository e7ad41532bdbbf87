// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/emberchat/ember/protocol"
)

// cacheKey identifies one (user, scope) visibility entry.
type cacheKey struct {
	user  protocol.UserID
	scope string
}

// entry is a precomputed effective mask. The owning server travels
// with it so membership-change invalidation can find every entry a
// server snapshot produced.
type entry struct {
	bits   Bits
	server string
}

// Evaluator answers visibility questions from a bounded cache of
// precomputed effective bits. Safe for concurrent use; Visible and
// CanSubscribe never perform I/O.
type Evaluator struct {
	cache  *lru.Cache[cacheKey, entry]
	logger *slog.Logger
}

// NewEvaluator creates an evaluator with a bounded cache. Size bounds
// the number of (user, scope) entries; eviction of a live entry is
// safe — the entry fails closed until re-primed.
func NewEvaluator(size int, logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[cacheKey, entry](size)
	if err != nil {
		return nil, fmt.Errorf("creating permission cache: %w", err)
	}
	return &Evaluator{cache: cache, logger: logger}, nil
}

// Prime installs the effective bits derived from one server snapshot:
// the server scope itself and every channel the snapshot lists.
func (e *Evaluator) Prime(snap Snapshot) {
	e.cache.Add(
		cacheKey{user: snap.User, scope: protocol.ServerScope(snap.Server).String()},
		entry{bits: snap.ServerBits(), server: snap.Server},
	)
	for channelID := range snap.Channels {
		e.cache.Add(
			cacheKey{user: snap.User, scope: protocol.ChannelScope(channelID).String()},
			entry{bits: snap.ChannelBits(channelID), server: snap.Server},
		)
	}
}

// Forget drops every cached entry the given user holds for the given
// server (the server scope and all its channels). Until a fresh
// snapshot is primed, affected scopes fail closed.
func (e *Evaluator) Forget(user protocol.UserID, server string) {
	for _, key := range e.cache.Keys() {
		if key.user != user {
			continue
		}
		if value, ok := e.cache.Peek(key); ok && value.server == server {
			e.cache.Remove(key)
		}
	}
}

// Lookup returns the cached effective bits for a (user, scope) pair.
func (e *Evaluator) Lookup(user protocol.UserID, scope protocol.Scope) (Bits, bool) {
	value, ok := e.cache.Get(cacheKey{user: user, scope: scope.String()})
	if !ok {
		return 0, false
	}
	return value.bits, true
}

// requiredBits maps an envelope to the capability needed to see it.
func requiredBits(kind protocol.EventKind, scopeKind protocol.ScopeKind) Bits {
	if scopeKind == protocol.ScopeServer {
		return ViewServer
	}
	// Channel scope: every kind (messages, edits, typing, membership
	// surfacing in the channel) is gated on ViewChannel alone.
	_ = kind
	return ViewChannel
}

// Visible reports whether the user may receive the envelope. User-scope
// envelopes are visible only to the user they address; everything else
// requires the cached effective bits for the envelope's scope. Unknown
// (user, scope) pairs are not visible.
func (e *Evaluator) Visible(user protocol.UserID, envelope protocol.Envelope) bool {
	if envelope.Scope.Kind == protocol.ScopeUser {
		return envelope.Scope.ID == string(user)
	}
	bits, ok := e.Lookup(user, envelope.Scope)
	if !ok {
		return false
	}
	return bits.Has(requiredBits(envelope.Kind, envelope.Scope.Kind))
}

// CanSubscribe reports whether the user may hold a subscription to the
// scope: their own user scope, a server they can see, or a channel
// they can view. Fails closed on unknown scopes.
func (e *Evaluator) CanSubscribe(user protocol.UserID, scope protocol.Scope) bool {
	switch scope.Kind {
	case protocol.ScopeUser:
		return scope.ID == string(user)
	case protocol.ScopeServer:
		bits, ok := e.Lookup(user, scope)
		return ok && bits.Has(ViewServer)
	case protocol.ScopeChannel:
		bits, ok := e.Lookup(user, scope)
		return ok && bits.Has(ViewChannel)
	}
	return false
}

// CanPublish reports whether the user may publish the given event kind
// into the scope (typing indicators need SendMessage in the channel).
func (e *Evaluator) CanPublish(user protocol.UserID, kind protocol.EventKind, scope protocol.Scope) bool {
	if scope.Kind != protocol.ScopeChannel {
		return false
	}
	bits, ok := e.Lookup(user, scope)
	if !ok {
		return false
	}
	return bits.Has(ViewChannel | SendMessage)
}
