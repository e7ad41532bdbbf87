// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"testing"

	"github.com/emberchat/ember/protocol"
)

func TestOverridePrecedence(t *testing.T) {
	server := ViewChannel | SendMessage

	// Channel allow grants a bit the server level did not.
	got := Override{Allow: ManageMessages}.Apply(server)
	if !got.Has(ViewChannel | SendMessage | ManageMessages) {
		t.Errorf("allow override: got %v", got)
	}

	// Channel deny removes a server-level grant.
	got = Override{Deny: SendMessage}.Apply(server)
	if got.Has(SendMessage) {
		t.Errorf("deny override kept SendMessage: %v", got)
	}
	if !got.Has(ViewChannel) {
		t.Errorf("deny override dropped unrelated bit: %v", got)
	}

	// Deny wins over allow for the same bit at the same level.
	got = Override{Allow: SendMessage, Deny: SendMessage}.Apply(0)
	if got.Has(SendMessage) {
		t.Errorf("deny did not win over allow: %v", got)
	}
}

func TestSnapshotServerDenyWins(t *testing.T) {
	snap := Snapshot{
		User:        "u1",
		Server:      "s1",
		ServerAllow: ViewServer | ViewChannel | SendMessage,
		ServerDeny:  SendMessage,
	}
	if snap.ServerBits().Has(SendMessage) {
		t.Errorf("server deny ignored: %v", snap.ServerBits())
	}
}

func TestSnapshotChannelBits(t *testing.T) {
	snap := Snapshot{
		User:        "u1",
		Server:      "s1",
		ServerAllow: ViewServer | ViewChannel,
		Channels: map[string]Override{
			"general": {},                         // inherits
			"secret":  {Deny: ViewChannel},        // hidden
			"mod":     {Allow: ManageMessages},    // extra grant
		},
	}
	if !snap.ChannelBits("general").Has(ViewChannel) {
		t.Error("inheriting channel lost ViewChannel")
	}
	if snap.ChannelBits("secret").Has(ViewChannel) {
		t.Error("denied channel still viewable")
	}
	if !snap.ChannelBits("mod").Has(ManageMessages) {
		t.Error("channel allow not applied")
	}
	// Channel absent from the snapshot inherits server bits.
	if !snap.ChannelBits("unlisted").Has(ViewChannel) {
		t.Error("unlisted channel did not inherit")
	}
}

func TestSnapshotScopes(t *testing.T) {
	snap := Snapshot{
		User:        "u1",
		Server:      "s1",
		ServerAllow: ViewServer | ViewChannel,
		Channels: map[string]Override{
			"visible": {},
			"hidden":  {Deny: ViewChannel},
		},
	}
	scopes := snap.Scopes()
	want := map[string]bool{"server:s1": true, "channel:visible": true}
	if len(scopes) != len(want) {
		t.Fatalf("Scopes() = %v, want %v", scopes, want)
	}
	for _, scope := range scopes {
		if !want[scope.String()] {
			t.Errorf("unexpected scope %s", scope)
		}
	}
}

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	evaluator, err := NewEvaluator(128, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return evaluator
}

func TestEvaluatorFailsClosedOnMiss(t *testing.T) {
	evaluator := newTestEvaluator(t)

	envelope := protocol.Envelope{Kind: protocol.KindMessage, Scope: protocol.ChannelScope("c1"), Seq: 1}
	if evaluator.Visible("stranger", envelope) {
		t.Error("cache miss was visible; must fail closed")
	}
	if evaluator.CanSubscribe("stranger", protocol.ChannelScope("c1")) {
		t.Error("cache miss allowed subscribe")
	}
}

func TestEvaluatorVisible(t *testing.T) {
	evaluator := newTestEvaluator(t)
	evaluator.Prime(Snapshot{
		User:        "u1",
		Server:      "s1",
		ServerAllow: ViewServer | ViewChannel,
		Channels: map[string]Override{
			"general": {},
			"secret":  {Deny: ViewChannel},
		},
	})

	channelMsg := protocol.Envelope{Kind: protocol.KindMessage, Scope: protocol.ChannelScope("general")}
	if !evaluator.Visible("u1", channelMsg) {
		t.Error("member cannot see channel message")
	}

	secretMsg := protocol.Envelope{Kind: protocol.KindMessage, Scope: protocol.ChannelScope("secret")}
	if evaluator.Visible("u1", secretMsg) {
		t.Error("denied channel visible")
	}

	serverEvent := protocol.Envelope{Kind: protocol.KindMembership, Scope: protocol.ServerScope("s1")}
	if !evaluator.Visible("u1", serverEvent) {
		t.Error("member cannot see server event")
	}

	// User-scope envelopes are visible only to their addressee.
	own := protocol.Envelope{Kind: protocol.KindPresence, Scope: protocol.UserScope("u1")}
	if !evaluator.Visible("u1", own) {
		t.Error("user cannot see own user-scope event")
	}
	if evaluator.Visible("u2", own) {
		t.Error("foreign user-scope event visible")
	}
}

func TestEvaluatorForget(t *testing.T) {
	evaluator := newTestEvaluator(t)
	evaluator.Prime(Snapshot{
		User:        "u1",
		Server:      "s1",
		ServerAllow: ViewServer | ViewChannel,
		Channels:    map[string]Override{"general": {}},
	})
	evaluator.Prime(Snapshot{
		User:        "u1",
		Server:      "s2",
		ServerAllow: ViewServer | ViewChannel,
		Channels:    map[string]Override{"other": {}},
	})

	evaluator.Forget("u1", "s1")

	if _, ok := evaluator.Lookup("u1", protocol.ChannelScope("general")); ok {
		t.Error("forgotten server's channel still cached")
	}
	if _, ok := evaluator.Lookup("u1", protocol.ServerScope("s1")); ok {
		t.Error("forgotten server scope still cached")
	}
	// Entries for other servers survive.
	if _, ok := evaluator.Lookup("u1", protocol.ChannelScope("other")); !ok {
		t.Error("unrelated server's channel was dropped")
	}
}

func TestEvaluatorCanPublish(t *testing.T) {
	evaluator := newTestEvaluator(t)
	evaluator.Prime(Snapshot{
		User:        "u1",
		Server:      "s1",
		ServerAllow: ViewServer | ViewChannel | SendMessage,
		Channels: map[string]Override{
			"general":  {},
			"readonly": {Deny: SendMessage},
		},
	})

	if !evaluator.CanPublish("u1", protocol.KindTyping, protocol.ChannelScope("general")) {
		t.Error("cannot publish typing to writable channel")
	}
	if evaluator.CanPublish("u1", protocol.KindTyping, protocol.ChannelScope("readonly")) {
		t.Error("can publish typing to read-only channel")
	}
	if evaluator.CanPublish("u1", protocol.KindTyping, protocol.ServerScope("s1")) {
		t.Error("can publish typing to a server scope")
	}
}
