// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import "github.com/emberchat/ember/protocol"

// Snapshot is one user's resolved membership in one server: the
// server-level allow/deny masks already folded across their roles by
// the directory, plus the per-channel overrides that apply to them.
// Snapshots are immutable once built; refreshing means replacing the
// whole snapshot.
type Snapshot struct {
	User   protocol.UserID `json:"user"`
	Server string          `json:"server"`

	// ServerAllow and ServerDeny are the role-resolved server-level
	// masks. Deny wins over allow at this level.
	ServerAllow Bits `json:"allow"`
	ServerDeny  Bits `json:"deny,omitempty"`

	// Channels maps channel IDs in this server to their overrides.
	// Channels without an entry inherit the server-level bits
	// unchanged. A channel listed with a zero override is still
	// meaningful: it declares the channel exists and is inheriting.
	Channels map[string]Override `json:"channels,omitempty"`
}

// ServerBits returns the effective server-level capabilities.
func (s Snapshot) ServerBits() Bits {
	return s.ServerAllow &^ s.ServerDeny
}

// ChannelBits returns the effective capabilities in the given channel:
// the server-level bits with the channel's override applied. Channels
// not present in the snapshot inherit the server-level bits.
func (s Snapshot) ChannelBits(channelID string) Bits {
	base := s.ServerBits()
	override, ok := s.Channels[channelID]
	if !ok {
		return base
	}
	return override.Apply(base)
}

// Scopes lists the scopes this snapshot makes visible: the server
// scope when the user holds ViewServer, and each listed channel where
// the effective bits include ViewChannel.
func (s Snapshot) Scopes() []protocol.Scope {
	var scopes []protocol.Scope
	if s.ServerBits().Has(ViewServer) {
		scopes = append(scopes, protocol.ServerScope(s.Server))
	}
	for channelID := range s.Channels {
		if s.ChannelBits(channelID).Has(ViewChannel) {
			scopes = append(scopes, protocol.ChannelScope(channelID))
		}
	}
	return scopes
}
