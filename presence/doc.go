// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence maintains the cluster-wide online/idle/offline
// status of users in a shared expiring store.
//
// Each gateway node refreshes a per-user record with a TTL of twice
// the heartbeat interval, so a record that stops being refreshed
// expires on its own — no record older than two heartbeat windows is
// ever trusted as online. Per-session marker keys (also expiring) let
// any node count a user's live sessions across the whole cluster
// without node-to-node coordination.
//
// The [Tracker] serializes all store I/O on its own worker goroutine:
// connection goroutines only post operations to a queue, so a slow or
// unreachable store can never stall message delivery. Status
// transitions are published as presence envelopes through the event
// bus exactly once per observed transition — redundant refreshes emit
// nothing, and an offline transition is committed only after a
// debounce window in which the user's cluster-wide session count
// stayed at zero. Cross-node races resolve last-write-wins at the
// store; this is a documented weak-consistency tradeoff, not a bug.
package presence
