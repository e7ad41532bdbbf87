// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"time"

	"github.com/emberchat/ember/protocol"
)

// Status is a user's presence state.
type Status string

const (
	// StatusOnline means at least one session is live and active.
	StatusOnline Status = "online"

	// StatusIdle means sessions are live but the user asked to appear
	// idle (or the client detected inactivity).
	StatusIdle Status = "idle"

	// StatusOffline means no session is live anywhere in the cluster.
	// An absent or expired record reads as offline.
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusOffline:
		return true
	}
	return false
}

// Record is one user's presence entry in the shared store.
type Record struct {
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	// Node identifies the gateway node that last wrote the record.
	// Diagnostic only; ties between nodes resolve last-write-wins.
	Node string `json:"node"`
}

// Store is the shared presence store consumed by the Tracker. Every
// write carries a TTL: entries that stop being refreshed expire on
// their own. Implementations: [NewRedisStore] for production,
// [NewMemoryStore] for tests and single-node development.
type Store interface {
	// SetStatus writes the user's record with the given TTL and
	// returns the previous status (StatusOffline when no live record
	// existed). The read-modify-write is not atomic across nodes;
	// concurrent writers resolve last-write-wins.
	SetStatus(ctx context.Context, user protocol.UserID, record Record, ttl time.Duration) (Status, error)

	// Get reads the user's record. ok is false when no live record
	// exists.
	Get(ctx context.Context, user protocol.UserID) (record Record, ok bool, err error)

	// GetMulti reads records for several users in one round trip.
	// Users without a live record are absent from the result.
	GetMulti(ctx context.Context, users []protocol.UserID) (map[protocol.UserID]Record, error)

	// Refresh extends the TTL of an existing record without touching
	// its contents. Reports false when no live record exists.
	Refresh(ctx context.Context, user protocol.UserID, ttl time.Duration) (bool, error)

	// SetSessionMarker records (or refreshes) a live-session marker
	// for one connection, with a TTL.
	SetSessionMarker(ctx context.Context, user protocol.UserID, connID string, ttl time.Duration) error

	// RemoveSessionMarker deletes a session marker. Idempotent.
	RemoveSessionMarker(ctx context.Context, user protocol.UserID, connID string) error

	// CountSessions counts the user's live session markers across the
	// whole cluster.
	CountSessions(ctx context.Context, user protocol.UserID) (int, error)

	// NextSeq atomically increments and returns the sequence counter
	// for a scope. Presence envelopes draw their per-scope sequence
	// numbers from here so that envelopes for one user's scope are
	// monotone even when several nodes emit them.
	NextSeq(ctx context.Context, scope protocol.Scope) (uint64, error)
}
