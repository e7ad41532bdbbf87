// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission decides event visibility on the delivery hot path.
//
// Capabilities are a fixed-width bitmask ([Bits]). A user's effective
// capabilities in a scope combine two levels: the server-level bits
// resolved from their roles, and an optional per-channel [Override].
// Channel overrides take precedence over server-level grants on a
// per-bit basis, and within a level explicit deny bits always win over
// allow bits. The combination is a pure function over the two masks —
// see [Override.Apply] and [Snapshot].
//
// The [Evaluator] answers "may this user see this envelope?" with no
// I/O: it consults only a bounded cache of precomputed effective bits,
// primed from directory snapshots when a session is set up and
// refreshed when membership-change events arrive. A cache miss is
// never visible — an unknown (user, scope) pair fails closed, even if
// the session somehow holds a subscription for the scope.
package permission
