// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/emberchat/ember/protocol"
)

// MemoryStore is an in-process Store with real TTL semantics driven by
// an injected clock. It backs tests and single-node development runs;
// it is not a cluster store.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[protocol.UserID]expiringRecord
	markers map[protocol.UserID]map[string]time.Time
	seqs    map[protocol.Scope]uint64
}

type expiringRecord struct {
	record    Record
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store. Pass clock.New()
// outside of tests.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clk,
		records: make(map[protocol.UserID]expiringRecord),
		markers: make(map[protocol.UserID]map[string]time.Time),
		seqs:    make(map[protocol.Scope]uint64),
	}
}

// live returns the record if present and unexpired, pruning it
// otherwise. Caller holds mu.
func (s *MemoryStore) live(user protocol.UserID) (Record, bool) {
	entry, ok := s.records[user]
	if !ok {
		return Record{}, false
	}
	if !s.clock.Now().Before(entry.expiresAt) {
		delete(s.records, user)
		return Record{}, false
	}
	return entry.record, true
}

func (s *MemoryStore) SetStatus(_ context.Context, user protocol.UserID, record Record, ttl time.Duration) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := StatusOffline
	if existing, ok := s.live(user); ok {
		previous = existing.Status
	}
	s.records[user] = expiringRecord{record: record, expiresAt: s.clock.Now().Add(ttl)}
	return previous, nil
}

func (s *MemoryStore) Get(_ context.Context, user protocol.UserID) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.live(user)
	return record, ok, nil
}

func (s *MemoryStore) GetMulti(_ context.Context, users []protocol.UserID) (map[protocol.UserID]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[protocol.UserID]Record, len(users))
	for _, user := range users {
		if record, ok := s.live(user); ok {
			result[user] = record
		}
	}
	return result, nil
}

func (s *MemoryStore) Refresh(_ context.Context, user protocol.UserID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.live(user)
	if !ok {
		return false, nil
	}
	s.records[user] = expiringRecord{record: record, expiresAt: s.clock.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) SetSessionMarker(_ context.Context, user protocol.UserID, connID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.markers[user]
	if !ok {
		set = make(map[string]time.Time)
		s.markers[user] = set
	}
	set[connID] = s.clock.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) RemoveSessionMarker(_ context.Context, user protocol.UserID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.markers[user]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.markers, user)
		}
	}
	return nil
}

func (s *MemoryStore) CountSessions(_ context.Context, user protocol.UserID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	count := 0
	for connID, expiresAt := range s.markers[user] {
		if now.Before(expiresAt) {
			count++
		} else {
			delete(s.markers[user], connID)
		}
	}
	return count, nil
}

func (s *MemoryStore) NextSeq(_ context.Context, scope protocol.Scope) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[scope]++
	return s.seqs[scope], nil
}
