// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry indexes the sessions live on this gateway node: by
// owning user (multi-device) and by subscribed scope (fan-out lookup).
//
// Both indexes are sharded by key hash so that event delivery (reads)
// and connect/disconnect churn (writes) on unrelated users and scopes
// never contend on the same lock. There is no global lock.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/emberchat/ember/protocol"
)

// Session is the registry's view of a live connection. Implemented by
// the connection manager's session type; the registry references
// sessions, it never owns them.
type Session interface {
	// ID is the unique connection identifier.
	ID() string

	// User is the authenticated owner of the connection.
	User() protocol.UserID

	// Enqueue hands an envelope to the session's outbound queue. It
	// never blocks; overflow policy is the dispatcher's concern.
	Enqueue(envelope protocol.Envelope)
}

// shardCount is the number of independent lock domains per index.
// Power of two so the hash mixes into a cheap mask.
const shardCount = 32

type shard struct {
	mu sync.RWMutex
	// byKey maps the index key (user ID or scope string) to the set of
	// sessions, keyed by session ID for idempotent add/remove.
	byKey map[string]map[string]Session
}

// Registry is the process-local session and subscription index. Safe
// for concurrent use. The zero value is not usable; construct with New.
type Registry struct {
	users  [shardCount]shard
	scopes [shardCount]shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.users {
		r.users[i].byKey = make(map[string]map[string]Session)
		r.scopes[i].byKey = make(map[string]map[string]Session)
	}
	return r
}

func bucket(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & (shardCount - 1))
}

// add inserts the session under key. Reports whether this was the
// first session for the key. Adding a session already present is a
// no-op reporting false, even when it is the key's only session.
func (s *shard) add(key string, session Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byKey[key]
	if !ok {
		set = make(map[string]Session)
		s.byKey[key] = set
	}
	if _, present := set[session.ID()]; present {
		return false
	}
	set[session.ID()] = session
	return len(set) == 1
}

// remove deletes the session from key's set. Reports whether the set
// became empty. Removing an absent session is a no-op reporting false.
func (s *shard) remove(key string, session Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byKey[key]
	if !ok {
		return false
	}
	if _, present := set[session.ID()]; !present {
		return false
	}
	delete(set, session.ID())
	if len(set) == 0 {
		delete(s.byKey, key)
		return true
	}
	return false
}

// snapshot copies the session set for key. The copy is safe to iterate
// while other goroutines mutate the registry.
func (s *shard) snapshot(key string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byKey[key]
	if len(set) == 0 {
		return nil
	}
	sessions := make([]Session, 0, len(set))
	for _, session := range set {
		sessions = append(sessions, session)
	}
	return sessions
}

// Register adds a session to the user index. Idempotent.
func (r *Registry) Register(session Session) {
	key := string(session.User())
	r.users[bucket(key)].add(key, session)
}

// Deregister removes a session from the user index. Idempotent:
// deregistering an unknown or already-removed session is a no-op, so
// concurrent teardown triggers (heartbeat timeout racing a client
// close) are safe.
func (r *Registry) Deregister(session Session) {
	key := string(session.User())
	r.users[bucket(key)].remove(key, session)
}

// Subscribe records that the session wants events for the scope.
// Reports whether this is the first local subscription for the scope
// (the caller then acquires the broker topic). Duplicate subscribes
// are no-ops reporting false.
func (r *Registry) Subscribe(session Session, scope protocol.Scope) bool {
	key := scope.String()
	return r.scopes[bucket(key)].add(key, session)
}

// Unsubscribe removes the session's subscription to the scope.
// Reports whether the scope now has no local subscribers (the caller
// then releases the broker topic). Idempotent.
func (r *Registry) Unsubscribe(session Session, scope protocol.Scope) bool {
	key := scope.String()
	return r.scopes[bucket(key)].remove(key, session)
}

// Subscribers returns a snapshot of the sessions subscribed to the
// scope on this node. Order is unspecified.
func (r *Registry) Subscribers(scope protocol.Scope) []Session {
	key := scope.String()
	return r.scopes[bucket(key)].snapshot(key)
}

// SessionsOf returns a snapshot of the user's live sessions on this
// node.
func (r *Registry) SessionsOf(user protocol.UserID) []Session {
	key := string(user)
	return r.users[bucket(key)].snapshot(key)
}
