// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge connects the gateway node to the cluster event bus.
//
// The bridge maintains exactly one broker subscription per scope with
// at least one local subscriber, refcounted by Acquire/Release calls
// driven from the registry's first/last signals. Incoming envelopes are
// decoded, deduplicated against the scope's last observed sequence
// number, filtered per recipient by the permission evaluator, and
// enqueued on every matching session.
//
// Membership-change envelopes additionally invalidate the affected
// user's cached permissions before fan-out, so a revoked user stops
// receiving events from the scope within the same delivery step.
//
// When the broker connection drops, the bridge keeps its subscription
// intents and re-establishes the live scopes (exactly those, no more)
// once the connection returns, backing off between failed attempts.
package bridge
