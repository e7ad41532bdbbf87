// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection owns the WebSocket edge of the gateway: accepting
// upgrades, running the authentication handshake, and driving each
// session's read loop, writer, and heartbeat watchdog.
//
// A session's lifecycle: upgrade, one Authenticate frame inside the
// handshake window, permission priming and auto-subscription, a Ready
// frame, then steady state. Steady state is three goroutines per
// session: the read loop (client frames), the writer (draining the
// dispatch queue), and the heartbeat watchdog. Teardown is idempotent
// and releases every registry and bridge reference the session holds,
// whichever of the three paths triggers it first.
package connection
