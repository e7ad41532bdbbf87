// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory is the gateway's client to the platform's backing
// services: session-token authentication and membership/permission
// resolution. The gateway consumes these at session setup and after
// membership changes; it is never on the per-event delivery path.
//
// Production deployments use [NewNATSDirectory] (request/reply against
// the platform API over the event bus) and [NewRedisAuthenticator]
// (session tokens materialized in the shared Redis by the auth
// service). [Static] and [StaticAuthenticator] serve tests and
// development runs.
package directory
