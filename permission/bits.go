// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import "strings"

// Bits is a fixed-width capability bitmask. The zero value grants
// nothing.
type Bits uint64

// Capability bits. The low bits cover channel-scoped capabilities; the
// high bits cover server-scoped ones. The wire representation is the
// raw integer, so bit positions are part of the platform contract and
// must never be reordered.
const (
	// ViewChannel gates all event delivery for a channel. Without it
	// no event from the channel is visible, whatever other bits say.
	ViewChannel Bits = 1 << iota

	// ReadHistory allows fetching past messages (enforced by the REST
	// surface; carried here so snapshots round-trip complete masks).
	ReadHistory

	// SendMessage allows posting messages and typing indicators.
	SendMessage

	// ManageMessages allows deleting or pinning others' messages.
	ManageMessages

	// ManageChannel allows editing channel settings.
	ManageChannel

	// InviteOthers allows creating invites to the channel or server.
	InviteOthers

	// ViewServer gates server-scoped event delivery (membership and
	// role changes). Every member of a server holds it; losing it
	// means the user left or was removed.
	ViewServer

	// ManageRoles allows editing role definitions and assignments.
	ManageRoles

	// ManagePermissions allows editing permission overrides.
	ManagePermissions

	// KickMembers allows removing members from the server.
	KickMembers

	// BanMembers allows banning members from the server.
	BanMembers
)

// Has reports whether every bit in want is set.
func (b Bits) Has(want Bits) bool { return b&want == want }

// names maps single bits to their wire names, in bit order.
var names = []struct {
	bit  Bits
	name string
}{
	{ViewChannel, "view_channel"},
	{ReadHistory, "read_history"},
	{SendMessage, "send_message"},
	{ManageMessages, "manage_messages"},
	{ManageChannel, "manage_channel"},
	{InviteOthers, "invite_others"},
	{ViewServer, "view_server"},
	{ManageRoles, "manage_roles"},
	{ManagePermissions, "manage_permissions"},
	{KickMembers, "kick_members"},
	{BanMembers, "ban_members"},
}

// String returns the set bits as a "+"-joined list, or "none".
func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if b.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "+")
}

// Override is a per-channel adjustment layered over server-level bits.
// Allow grants bits the server level did not; Deny removes bits
// regardless of the server level. Deny wins over Allow for bits set in
// both.
type Override struct {
	Allow Bits `json:"allow,omitempty"`
	Deny  Bits `json:"deny,omitempty"`
}

// IsZero reports whether the override adjusts nothing.
func (o Override) IsZero() bool { return o.Allow == 0 && o.Deny == 0 }

// Apply combines server-level bits with this override. Channel-level
// bits take precedence per-bit, and Deny beats Allow at the channel
// level.
func (o Override) Apply(server Bits) Bits {
	return (server | o.Allow) &^ o.Deny
}
