// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"sync"

	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/protocol"
)

// Static is an in-memory Directory for tests and development runs.
// Mutate it through AddSnapshot/SetVisible; safe for concurrent use.
type Static struct {
	mu        sync.Mutex
	snapshots map[protocol.UserID]map[string]permission.Snapshot
	visible   map[protocol.UserID][]protocol.UserID
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{
		snapshots: make(map[protocol.UserID]map[string]permission.Snapshot),
		visible:   make(map[protocol.UserID][]protocol.UserID),
	}
}

// AddSnapshot records (or replaces) one user's snapshot for a server.
func (s *Static) AddSnapshot(snap permission.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byServer, ok := s.snapshots[snap.User]
	if !ok {
		byServer = make(map[string]permission.Snapshot)
		s.snapshots[snap.User] = byServer
	}
	byServer[snap.Server] = snap
}

// RemoveSnapshot deletes one user's snapshot for a server.
func (s *Static) RemoveSnapshot(user protocol.UserID, server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots[user], server)
}

// SetVisible sets the users visible to the given user.
func (s *Static) SetVisible(user protocol.UserID, visible ...protocol.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible[user] = append([]protocol.UserID(nil), visible...)
}

func (s *Static) Snapshots(_ context.Context, user protocol.UserID) ([]permission.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make([]permission.Snapshot, 0, len(s.snapshots[user]))
	for _, snap := range s.snapshots[user] {
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *Static) Snapshot(_ context.Context, user protocol.UserID, server string) (permission.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[user][server]
	if !ok {
		return permission.Snapshot{}, ErrNotMember
	}
	return snap, nil
}

func (s *Static) VisibleUsers(_ context.Context, user protocol.UserID) ([]protocol.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.UserID(nil), s.visible[user]...), nil
}

// StaticAuthenticator validates tokens against a fixed map.
type StaticAuthenticator struct {
	mu     sync.Mutex
	tokens map[string]protocol.UserID
}

// NewStaticAuthenticator creates an authenticator accepting the given
// token-to-user mapping.
func NewStaticAuthenticator(tokens map[string]protocol.UserID) *StaticAuthenticator {
	copied := make(map[string]protocol.UserID, len(tokens))
	for token, user := range tokens {
		copied[token] = user
	}
	return &StaticAuthenticator{tokens: copied}
}

// Revoke removes a token.
func (a *StaticAuthenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (protocol.UserID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return user, nil
}
