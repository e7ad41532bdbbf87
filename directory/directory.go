// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"

	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/protocol"
)

// ErrInvalidToken reports a session token the auth service does not
// recognize (expired, revoked, or never issued).
var ErrInvalidToken = errors.New("directory: invalid session token")

// ErrNotMember reports a permission snapshot request for a server the
// user does not belong to.
var ErrNotMember = errors.New("directory: user is not a member of the server")

// Authenticator validates session tokens.
type Authenticator interface {
	// Authenticate resolves a session token to its user. Returns
	// ErrInvalidToken (possibly wrapped) for tokens that are not valid.
	Authenticate(ctx context.Context, token string) (protocol.UserID, error)
}

// Directory resolves memberships and permissions for session setup.
type Directory interface {
	// Snapshots returns one permission snapshot per server the user
	// belongs to.
	Snapshots(ctx context.Context, user protocol.UserID) ([]permission.Snapshot, error)

	// Snapshot returns the user's permission snapshot for one server.
	// Returns ErrNotMember (possibly wrapped) if the user does not
	// belong to it.
	Snapshot(ctx context.Context, user protocol.UserID, server string) (permission.Snapshot, error)

	// VisibleUsers returns the users whose presence the given user may
	// observe (shared servers plus direct-message contacts). Feeds the
	// Ready presence snapshot.
	VisibleUsers(ctx context.Context, user protocol.UserID) ([]protocol.UserID, error)
}
