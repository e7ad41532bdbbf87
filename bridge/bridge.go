// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/emberchat/ember/lib/backoff"
	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/protocol"
	"github.com/emberchat/ember/registry"
)

// SnapshotSource re-resolves one user's permission snapshot for a
// server. The bridge uses it to re-prime the evaluator after a
// membership change that did not remove the user. Satisfied by the
// directory client.
type SnapshotSource interface {
	Snapshot(ctx context.Context, user protocol.UserID, server string) (permission.Snapshot, error)
}

// Config configures a Bridge.
type Config struct {
	// Broker is the event bus connection. Required.
	Broker Broker

	// Registry locates the local subscribers of a scope. Required.
	Registry *registry.Registry

	// Evaluator filters delivery per recipient. Required.
	Evaluator *permission.Evaluator

	// Snapshots re-resolves permissions after a membership change. If
	// nil, changed (not removed) users simply fail closed until their
	// next resubscribe.
	Snapshots SnapshotSource

	// RetryBase and RetryMax bound the delay between resubscription
	// attempts after a broker failure. Zero values mean 250ms and 30s.
	RetryBase time.Duration
	RetryMax  time.Duration

	// Clock abstracts time for tests. Nil means the real clock.
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger

	// OnDelivered, if non-nil, is called once per envelope enqueued to
	// a session.
	OnDelivered func(kind protocol.EventKind)

	// OnStale, if non-nil, is called for each envelope dropped as a
	// stale redelivery.
	OnStale func()

	// OnResubscribed, if non-nil, is called after a reconnect once all
	// live scopes are subscribed again.
	OnResubscribed func(scopes int)
}

// scopeState tracks one scope's broker subscription and its ordering
// cursor. refs and sub are guarded by the bridge mutex; seqMu guards
// the cursor, which the broker handler touches on every envelope.
type scopeState struct {
	refs int
	sub  Subscription

	seqMu   sync.Mutex
	lastSeq uint64
	hasSeq  bool
}

// Bridge fans envelopes between the broker and local sessions. Safe
// for concurrent use. Construct with New; run Run on its own goroutine
// for resubscription to function.
type Bridge struct {
	broker    Broker
	registry  *registry.Registry
	evaluator *permission.Evaluator
	snapshots SnapshotSource
	retryBase time.Duration
	retryMax  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	onDelivered    func(protocol.EventKind)
	onStale        func()
	onResubscribed func(int)

	mu     sync.Mutex
	scopes map[protocol.Scope]*scopeState
	down   bool

	// retryWake nudges the Run loop; capacity one so notifications
	// coalesce instead of blocking the broker's callback.
	retryWake chan struct{}
}

// New creates a Bridge and registers its connection-state callbacks on
// the broker.
func New(cfg Config) *Bridge {
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 30 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		broker:         cfg.Broker,
		registry:       cfg.Registry,
		evaluator:      cfg.Evaluator,
		snapshots:      cfg.Snapshots,
		retryBase:      retryBase,
		retryMax:       retryMax,
		clock:          clk,
		logger:         logger,
		onDelivered:    cfg.OnDelivered,
		onStale:        cfg.OnStale,
		onResubscribed: cfg.OnResubscribed,
		scopes:         make(map[protocol.Scope]*scopeState),
		retryWake:      make(chan struct{}, 1),
	}
	b.broker.NotifyDisconnect(b.handleDisconnect)
	b.broker.NotifyReconnect(b.handleReconnect)
	return b
}

// Publish encodes the envelope and sends it on the scope's topic.
func (b *Bridge) Publish(ctx context.Context, envelope protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding envelope for %s: %w", envelope.Scope, err)
	}
	if err := b.broker.Publish(ctx, envelope.Scope.Topic(), data); err != nil {
		return fmt.Errorf("publishing to %s: %w", envelope.Scope, err)
	}
	return nil
}

// Acquire records one local subscriber for the scope. The first
// acquisition subscribes the broker topic; if the broker is down (or
// the subscribe fails) the intent is kept and the Run loop establishes
// the subscription once the connection returns. Callers pair every
// Acquire with exactly one Release.
func (b *Bridge) Acquire(scope protocol.Scope) {
	b.mu.Lock()
	state, ok := b.scopes[scope]
	if !ok {
		state = &scopeState{}
		b.scopes[scope] = state
	}
	state.refs++
	if state.refs > 1 || b.down {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := b.subscribeScope(scope, state); err != nil {
		b.logger.Warn("broker subscribe failed, deferring to retry loop",
			"scope", scope.String(),
			"error", err,
		)
		b.wake()
	}
}

// Release drops one local subscriber for the scope. The last release
// unsubscribes the broker topic and forgets the ordering cursor.
func (b *Bridge) Release(scope protocol.Scope) {
	b.mu.Lock()
	state, ok := b.scopes[scope]
	if !ok {
		b.mu.Unlock()
		return
	}
	state.refs--
	if state.refs > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.scopes, scope)
	sub := state.sub
	state.sub = nil
	b.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("broker unsubscribe failed", "scope", scope.String(), "error", err)
		}
	}
}

// LiveScopes returns the scopes currently holding at least one local
// subscriber, in unspecified order.
func (b *Bridge) LiveScopes() []protocol.Scope {
	b.mu.Lock()
	defer b.mu.Unlock()
	scopes := make([]protocol.Scope, 0, len(b.scopes))
	for scope := range b.scopes {
		scopes = append(scopes, scope)
	}
	return scopes
}

// subscribeScope establishes the broker subscription for one scope and
// installs it, unless the scope was released (or already subscribed by
// a racing attempt) in the meantime.
func (b *Bridge) subscribeScope(scope protocol.Scope, state *scopeState) error {
	sub, err := b.broker.Subscribe(scope.Topic(), func(data []byte) {
		b.handleEnvelope(scope, state, data)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.scopes[scope] != state || state.sub != nil {
		b.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	state.sub = sub
	b.mu.Unlock()
	return nil
}

// handleEnvelope is the broker handler for one scope. The broker calls
// it sequentially per subscription, so per-scope ordering is preserved
// into the session queues without further synchronization.
func (b *Bridge) handleEnvelope(scope protocol.Scope, state *scopeState, data []byte) {
	var envelope protocol.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Warn("discarding undecodable envelope", "scope", scope.String(), "error", err)
		return
	}
	if envelope.Scope != scope {
		b.logger.Warn("discarding envelope with mismatched scope",
			"topic_scope", scope.String(),
			"envelope_scope", envelope.Scope.String(),
		)
		return
	}

	// At-least-once delivery: a redelivered envelope with a sequence
	// number below the cursor has already been fanned out.
	state.seqMu.Lock()
	if state.hasSeq && envelope.Seq < state.lastSeq {
		state.seqMu.Unlock()
		if b.onStale != nil {
			b.onStale()
		}
		return
	}
	if envelope.Seq > state.lastSeq {
		state.lastSeq = envelope.Seq
	}
	state.hasSeq = true
	state.seqMu.Unlock()

	if envelope.Kind == protocol.KindMembership {
		b.applyMembership(envelope)
	}

	for _, session := range b.registry.Subscribers(scope) {
		if !b.evaluator.Visible(session.User(), envelope) {
			continue
		}
		session.Enqueue(envelope)
		if b.onDelivered != nil {
			b.onDelivered(envelope.Kind)
		}
	}
}

// applyMembership invalidates the affected user's cached permissions
// before the envelope fans out, so the visibility filter already sees
// the revocation. For a change that kept the user in the server, a
// fresh snapshot is resolved off the delivery path.
func (b *Bridge) applyMembership(envelope protocol.Envelope) {
	var payload protocol.MembershipPayload
	if err := envelope.Payload.Decode(&payload); err != nil {
		b.logger.Warn("discarding undecodable membership payload",
			"scope", envelope.Scope.String(),
			"error", err,
		)
		return
	}
	b.evaluator.Forget(payload.User, payload.Server)
	if payload.Removed || b.snapshots == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := b.snapshots.Snapshot(ctx, payload.User, payload.Server)
		if err != nil {
			// The user fails closed until the next resolve; log and
			// move on.
			b.logger.Warn("re-resolving permissions after membership change",
				"user", payload.User,
				"server", payload.Server,
				"error", err,
			)
			return
		}
		b.evaluator.Prime(snap)
	}()
}

// handleDisconnect tears down the now-dead subscriptions but keeps
// every scope's refcount: the intents survive the outage.
func (b *Bridge) handleDisconnect(err error) {
	b.mu.Lock()
	b.down = true
	stale := make([]Subscription, 0, len(b.scopes))
	for _, state := range b.scopes {
		if state.sub != nil {
			stale = append(stale, state.sub)
			state.sub = nil
		}
	}
	scopes := len(b.scopes)
	b.mu.Unlock()

	for _, sub := range stale {
		sub.Unsubscribe()
	}
	b.logger.Warn("broker connection lost", "live_scopes", scopes, "error", err)
}

func (b *Bridge) handleReconnect() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
	b.logger.Info("broker connection restored")
	b.wake()
}

func (b *Bridge) wake() {
	select {
	case b.retryWake <- struct{}{}:
	default:
	}
}

// pendingScopes returns the scopes that need a broker subscription.
// Empty while the broker is down: there is no point attempting before
// the reconnect notification.
func (b *Bridge) pendingScopes() []protocol.Scope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil
	}
	var pending []protocol.Scope
	for scope, state := range b.scopes {
		if state.sub == nil {
			pending = append(pending, scope)
		}
	}
	return pending
}

// Run drives resubscription until ctx ends. After each wake it retries
// the pending scopes with exponential backoff until all are
// subscribed, then goes back to sleep.
func (b *Bridge) Run(ctx context.Context) error {
	retry := backoff.New(b.retryBase, b.retryMax, 0.2)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.retryWake:
		}
		retry.Reset()
		for {
			pending := b.pendingScopes()
			if len(pending) == 0 {
				break
			}
			failed := 0
			for _, scope := range pending {
				b.mu.Lock()
				state, ok := b.scopes[scope]
				b.mu.Unlock()
				if !ok {
					continue // released while pending
				}
				if err := b.subscribeScope(scope, state); err != nil {
					failed++
					b.logger.Warn("resubscribe failed", "scope", scope.String(), "error", err)
				}
			}
			if failed == 0 {
				b.mu.Lock()
				live := len(b.scopes)
				b.mu.Unlock()
				b.logger.Info("resubscribed live scopes", "scopes", live)
				if b.onResubscribed != nil {
					b.onResubscribed(live)
				}
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.clock.After(retry.Next()):
			}
		}
	}
}
