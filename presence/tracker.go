// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/emberchat/ember/lib/wire"
	"github.com/emberchat/ember/protocol"
)

// Default policy values, overridable through Config.
const (
	// DefaultHeartbeatInterval is how often clients must signal
	// liveness. The trusted-record TTL is twice this.
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultDebounceWindow is how long a user must stay at zero
	// cluster-wide sessions before the offline transition commits.
	// Long enough to absorb a page refresh, short enough that a
	// closed laptop reads offline promptly.
	DefaultDebounceWindow = 10 * time.Second
)

// maxStoreRetries bounds retry attempts for a failed store operation
// before the operation is abandoned with an error log.
const maxStoreRetries = 5

// PublishFunc sends a presence envelope into the event bus.
type PublishFunc func(ctx context.Context, envelope protocol.Envelope) error

// Config configures a Tracker.
type Config struct {
	// Store is the shared presence store. Required.
	Store Store

	// Publish emits presence-change envelopes. Required.
	Publish PublishFunc

	// Node identifies this gateway node in store records.
	Node string

	// HeartbeatInterval is the client liveness interval. Zero means
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// DebounceWindow delays the offline transition after the last
	// session disconnects. Zero means DefaultDebounceWindow.
	DebounceWindow time.Duration

	// Clock abstracts time for tests. Nil means the real clock.
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

type opKind int

const (
	opConnect opKind = iota
	opHeartbeat
	opDisconnect
	opSetStatus
	opOfflineCheck
)

type op struct {
	kind    opKind
	user    protocol.UserID
	connID  string
	status  Status
	attempt int
}

// Tracker owns all presence store I/O for this node. Connection
// goroutines post operations; a single worker goroutine (Run) applies
// them, so store latency never blocks the connection or delivery hot
// paths and per-user state needs no locking.
type Tracker struct {
	store          Store
	publish        PublishFunc
	node           string
	heartbeat      time.Duration
	recordTTL      time.Duration
	debounceWindow time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	ops  chan op
	done chan struct{}

	// offlineTimers holds the pending debounce timer per user. Only
	// the Run goroutine touches it.
	offlineTimers map[protocol.UserID]*clock.Timer

	// lastChosen remembers the most recent online/idle status applied
	// per user, so a record recreated after expiry keeps the user's
	// choice instead of reverting to online. Only the Run goroutine
	// touches it.
	lastChosen map[protocol.UserID]Status

	// applied, when non-nil, receives the kind of each completed
	// operation. Tests use it to sequence against the worker.
	applied chan opKind
}

// New creates a Tracker. Call Run on its own goroutine before posting
// operations.
func New(cfg Config) *Tracker {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:          cfg.Store,
		publish:        cfg.Publish,
		node:           cfg.Node,
		heartbeat:      heartbeat,
		recordTTL:      2 * heartbeat,
		debounceWindow: debounce,
		clock:          clk,
		logger:         logger,
		ops:            make(chan op, 512),
		done:           make(chan struct{}),
		offlineTimers:  make(map[protocol.UserID]*clock.Timer),
		lastChosen:     make(map[protocol.UserID]Status),
	}
}

// RecordTTL returns the TTL applied to presence records and session
// markers: twice the heartbeat interval, so no record older than two
// missed heartbeats is ever trusted as online.
func (t *Tracker) RecordTTL() time.Duration { return t.recordTTL }

// Connect records a new live session for the user. Safe to call from
// connection goroutines.
func (t *Tracker) Connect(user protocol.UserID, connID string) {
	t.post(op{kind: opConnect, user: user, connID: connID})
}

// Heartbeat refreshes the user's record and session marker TTLs. Never
// blocks: if the tracker is saturated the refresh is skipped — the
// next heartbeat covers it well inside the 2× TTL window.
func (t *Tracker) Heartbeat(user protocol.UserID, connID string) {
	select {
	case t.ops <- op{kind: opHeartbeat, user: user, connID: connID}:
	default:
	}
}

// Disconnect records that a session ended. If this was the user's last
// session anywhere in the cluster, the offline transition is scheduled
// after the debounce window.
func (t *Tracker) Disconnect(user protocol.UserID, connID string) {
	t.post(op{kind: opDisconnect, user: user, connID: connID})
}

// SetStatus applies a client-requested status (online or idle).
func (t *Tracker) SetStatus(user protocol.UserID, status Status) {
	if status != StatusOnline && status != StatusIdle {
		return
	}
	t.post(op{kind: opSetStatus, user: user, status: status})
}

// post delivers an operation to the worker, giving up if the tracker
// has stopped.
func (t *Tracker) post(o op) {
	select {
	case t.ops <- o:
	case <-t.done:
	}
}

// Snapshot reads the presence of the given users directly from the
// store (one round trip). Users without a live record read as offline.
// Called during session setup, never on the delivery hot path.
func (t *Tracker) Snapshot(ctx context.Context, users []protocol.UserID) ([]protocol.PresenceEntry, error) {
	records, err := t.store.GetMulti(ctx, users)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.PresenceEntry, 0, len(users))
	for _, user := range users {
		entry := protocol.PresenceEntry{User: user, Status: string(StatusOffline)}
		if record, ok := records[user]; ok {
			entry.Status = string(record.Status)
			entry.LastSeen = record.LastSeen.UnixMilli()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Run processes operations until ctx ends. Store failures are retried
// with exponential backoff per operation; they never propagate to
// callers and never block event delivery.
func (t *Tracker) Run(ctx context.Context) error {
	defer close(t.done)
	defer func() {
		for user, timer := range t.offlineTimers {
			timer.Stop()
			delete(t.offlineTimers, user)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-t.ops:
			if err := t.apply(ctx, o); err != nil {
				t.retry(ctx, o, err)
			}
			if t.applied != nil {
				t.applied <- o.kind
			}
		}
	}
}

// retry reschedules a failed operation with capped exponential delay,
// abandoning it after maxStoreRetries attempts.
func (t *Tracker) retry(ctx context.Context, o op, err error) {
	if o.attempt >= maxStoreRetries {
		t.logger.Error("presence operation abandoned after retries",
			"user", o.user,
			"attempts", o.attempt,
			"error", err,
		)
		return
	}
	delay := 250 * time.Millisecond << o.attempt
	const maxDelay = 5 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	o.attempt++
	t.logger.Warn("presence store operation failed, retrying",
		"user", o.user,
		"attempt", o.attempt,
		"delay", delay,
		"error", err,
	)
	t.clock.AfterFunc(delay, func() {
		select {
		case t.ops <- o:
		case <-t.done:
		case <-ctx.Done():
		}
	})
}

func (t *Tracker) apply(ctx context.Context, o op) error {
	switch o.kind {
	case opConnect:
		return t.applyConnect(ctx, o)
	case opHeartbeat:
		return t.applyHeartbeat(ctx, o)
	case opDisconnect:
		return t.applyDisconnect(ctx, o)
	case opSetStatus:
		return t.applyStatus(ctx, o.user, o.status)
	case opOfflineCheck:
		return t.applyOfflineCheck(ctx, o)
	}
	return nil
}

func (t *Tracker) applyConnect(ctx context.Context, o op) error {
	// A reconnect inside the debounce window cancels the pending
	// offline transition before it can fire.
	if timer, ok := t.offlineTimers[o.user]; ok {
		timer.Stop()
		delete(t.offlineTimers, o.user)
	}
	if err := t.store.SetSessionMarker(ctx, o.user, o.connID, t.recordTTL); err != nil {
		return err
	}
	return t.applyStatus(ctx, o.user, StatusOnline)
}

func (t *Tracker) applyHeartbeat(ctx context.Context, o op) error {
	if err := t.store.SetSessionMarker(ctx, o.user, o.connID, t.recordTTL); err != nil {
		return err
	}
	refreshed, err := t.store.Refresh(ctx, o.user, t.recordTTL)
	if err != nil {
		return err
	}
	if !refreshed {
		// The record expired (missed heartbeats, store restart).
		// Recreate it with the user's last chosen status; this may
		// legitimately emit an offline transition back.
		status := StatusOnline
		if chosen, ok := t.lastChosen[o.user]; ok {
			status = chosen
		}
		return t.applyStatus(ctx, o.user, status)
	}
	return nil
}

func (t *Tracker) applyDisconnect(ctx context.Context, o op) error {
	if err := t.store.RemoveSessionMarker(ctx, o.user, o.connID); err != nil {
		return err
	}
	count, err := t.store.CountSessions(ctx, o.user)
	if err != nil {
		return err
	}
	if count > 0 {
		// Other sessions remain somewhere in the cluster; presence is
		// untouched.
		return nil
	}
	if timer, ok := t.offlineTimers[o.user]; ok {
		timer.Stop()
	}
	user := o.user
	t.offlineTimers[user] = t.clock.AfterFunc(t.debounceWindow, func() {
		select {
		case t.ops <- op{kind: opOfflineCheck, user: user}:
		case <-t.done:
		}
	})
	return nil
}

func (t *Tracker) applyOfflineCheck(ctx context.Context, o op) error {
	delete(t.offlineTimers, o.user)
	count, err := t.store.CountSessions(ctx, o.user)
	if err != nil {
		return err
	}
	if count > 0 {
		// Reconnected during the debounce window.
		return nil
	}
	return t.applyStatus(ctx, o.user, StatusOffline)
}

// applyStatus writes the status and publishes a presence envelope when
// (and only when) the observed status changed.
func (t *Tracker) applyStatus(ctx context.Context, user protocol.UserID, status Status) error {
	record := Record{Status: status, LastSeen: t.clock.Now(), Node: t.node}
	previous, err := t.store.SetStatus(ctx, user, record, t.recordTTL)
	if err != nil {
		return err
	}
	if status == StatusOffline {
		delete(t.lastChosen, user)
	} else {
		t.lastChosen[user] = status
	}
	if previous == status {
		return nil
	}
	t.emit(ctx, user, status)
	return nil
}

// emit publishes one presence-change envelope. Publish failures are
// logged, not retried: presence converges on the next transition, and
// stale presence is recoverable by clients at resync.
func (t *Tracker) emit(ctx context.Context, user protocol.UserID, status Status) {
	scope := protocol.UserScope(user)
	seq, err := t.store.NextSeq(ctx, scope)
	if err != nil {
		t.logger.Error("allocating presence sequence", "user", user, "error", err)
		return
	}
	payload, err := wire.JSON(protocol.PresencePayload{User: user, Status: string(status)})
	if err != nil {
		t.logger.Error("encoding presence payload", "user", user, "error", err)
		return
	}
	envelope := protocol.Envelope{
		Kind:    protocol.KindPresence,
		Scope:   scope,
		Seq:     seq,
		Payload: payload,
	}
	if err := t.publish(ctx, envelope); err != nil {
		t.logger.Error("publishing presence change",
			"user", user,
			"status", status,
			"error", err,
		)
	}
}
