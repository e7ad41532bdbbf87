// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberchat/ember/lib/testutil"
	"github.com/emberchat/ember/lib/wire"
	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/protocol"
	"github.com/emberchat/ember/registry"
)

// fakeSession implements registry.Session, collecting enqueued
// envelopes on a buffered channel.
type fakeSession struct {
	id       string
	user     protocol.UserID
	received chan protocol.Envelope
}

func newFakeSession(id string, user protocol.UserID) *fakeSession {
	return &fakeSession{id: id, user: user, received: make(chan protocol.Envelope, 64)}
}

func (s *fakeSession) ID() string                         { return s.id }
func (s *fakeSession) User() protocol.UserID              { return s.user }
func (s *fakeSession) Enqueue(envelope protocol.Envelope) { s.received <- envelope }

// staticSnapshots serves canned permission snapshots.
type staticSnapshots struct {
	mu        sync.Mutex
	snapshots map[protocol.UserID]permission.Snapshot
}

func (s *staticSnapshots) Snapshot(_ context.Context, user protocol.UserID, server string) (permission.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[user]
	if !ok || snap.Server != server {
		return permission.Snapshot{}, errors.New("no snapshot for user")
	}
	return snap, nil
}

type bridgeHarness struct {
	bridge    *Bridge
	broker    *MemoryBroker
	registry  *registry.Registry
	evaluator *permission.Evaluator
	snapshots *staticSnapshots
	stale     chan struct{}
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	evaluator, err := permission.NewEvaluator(128, nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	h := &bridgeHarness{
		broker:    NewMemoryBroker(),
		registry:  registry.New(),
		evaluator: evaluator,
		snapshots: &staticSnapshots{snapshots: map[protocol.UserID]permission.Snapshot{}},
		stale:     make(chan struct{}, 16),
	}
	h.bridge = New(Config{
		Broker:    h.broker,
		Registry:  h.registry,
		Evaluator: evaluator,
		Snapshots: h.snapshots,
		RetryBase: time.Millisecond,
		RetryMax:  5 * time.Millisecond,
		OnStale:   func() { h.stale <- struct{}{} },
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.bridge.Run(ctx)
	return h
}

// subscribe wires a session into both the registry and the bridge the
// way the connection manager does.
func (h *bridgeHarness) subscribe(session *fakeSession, scope protocol.Scope) {
	h.registry.Register(session)
	if h.registry.Subscribe(session, scope) {
		h.bridge.Acquire(scope)
	}
}

func (h *bridgeHarness) publish(t *testing.T, envelope protocol.Envelope) {
	t.Helper()
	if err := h.bridge.Publish(context.Background(), envelope); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func messageEnvelope(t *testing.T, scope protocol.Scope, seq uint64) protocol.Envelope {
	t.Helper()
	payload, err := wire.JSON(map[string]string{"content": "hello"})
	if err != nil {
		t.Fatalf("wire.JSON: %v", err)
	}
	return protocol.Envelope{Kind: protocol.KindMessage, Scope: scope, Seq: seq, Payload: payload}
}

// viewerSnapshot grants ViewChannel on the given channels of a server.
func viewerSnapshot(user protocol.UserID, server string, channels ...string) permission.Snapshot {
	snap := permission.Snapshot{
		User:        user,
		Server:      server,
		ServerAllow: permission.ViewServer | permission.ViewChannel,
		Channels:    map[string]permission.Override{},
	}
	for _, ch := range channels {
		snap.Channels[ch] = permission.Override{}
	}
	return snap
}

func TestFanOutFiltersByPermission(t *testing.T) {
	h := newBridgeHarness(t)
	scope := protocol.ChannelScope("c1")

	alice := newFakeSession("s-alice", "alice")
	bob := newFakeSession("s-bob", "bob")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "c1"))
	// Bob has no primed snapshot: he fails closed even though his
	// session sits in the scope's subscriber set.
	h.subscribe(alice, scope)
	h.subscribe(bob, scope)

	h.publish(t, messageEnvelope(t, scope, 1))

	got := testutil.Receive(t, alice.received, time.Second, "alice's message")
	if got.Seq != 1 || got.Kind != protocol.KindMessage {
		t.Fatalf("envelope = %+v", got)
	}
	testutil.NoReceive(t, bob.received, 100*time.Millisecond, "bob must not receive without permission")
}

func TestPerScopeOrderingPreserved(t *testing.T) {
	h := newBridgeHarness(t)
	scope := protocol.ChannelScope("c1")
	alice := newFakeSession("s-alice", "alice")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "c1"))
	h.subscribe(alice, scope)

	for seq := uint64(1); seq <= 5; seq++ {
		h.publish(t, messageEnvelope(t, scope, seq))
	}
	for seq := uint64(1); seq <= 5; seq++ {
		got := testutil.Receive(t, alice.received, time.Second, "message %d", seq)
		if got.Seq != seq {
			t.Fatalf("out of order: got seq %d, want %d", got.Seq, seq)
		}
	}
}

func TestStaleRedeliveryDropped(t *testing.T) {
	h := newBridgeHarness(t)
	scope := protocol.ChannelScope("c1")
	alice := newFakeSession("s-alice", "alice")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "c1"))
	h.subscribe(alice, scope)

	h.publish(t, messageEnvelope(t, scope, 5))
	h.publish(t, messageEnvelope(t, scope, 3)) // redelivery from before the cursor

	got := testutil.Receive(t, alice.received, time.Second, "first message")
	if got.Seq != 5 {
		t.Fatalf("seq = %d", got.Seq)
	}
	testutil.Receive(t, h.stale, time.Second, "stale drop recorded")
	testutil.NoReceive(t, alice.received, 100*time.Millisecond, "stale envelope delivered")
}

func TestUserScopeVisibleOnlyToAddressedUser(t *testing.T) {
	h := newBridgeHarness(t)
	scope := protocol.UserScope("alice")
	alice := newFakeSession("s-alice", "alice")
	intruder := newFakeSession("s-bob", "bob")
	h.subscribe(alice, scope)
	// An intruder session in the subscriber set (which CanSubscribe
	// would normally prevent) still gets nothing at delivery time.
	h.subscribe(intruder, scope)

	payload, err := wire.JSON(protocol.PresencePayload{User: "alice", Status: "online"})
	if err != nil {
		t.Fatalf("wire.JSON: %v", err)
	}
	h.publish(t, protocol.Envelope{Kind: protocol.KindPresence, Scope: scope, Seq: 1, Payload: payload})

	testutil.Receive(t, alice.received, time.Second, "alice's presence event")
	testutil.NoReceive(t, intruder.received, 100*time.Millisecond, "user-scope event leaked")
}

func TestMembershipRemovalRevokesMidStream(t *testing.T) {
	h := newBridgeHarness(t)
	channelScope := protocol.ChannelScope("c1")
	serverScope := protocol.ServerScope("srv")

	alice := newFakeSession("s-alice", "alice")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "c1"))
	h.subscribe(alice, channelScope)
	h.subscribe(alice, serverScope)

	h.publish(t, messageEnvelope(t, channelScope, 1))
	testutil.Receive(t, alice.received, time.Second, "message before revocation")

	payload, err := wire.JSON(protocol.MembershipPayload{User: "alice", Server: "srv", Removed: true})
	if err != nil {
		t.Fatalf("wire.JSON: %v", err)
	}
	h.publish(t, protocol.Envelope{Kind: protocol.KindMembership, Scope: serverScope, Seq: 1, Payload: payload})

	// The revocation applies before fan-out: neither the membership
	// event itself nor later channel traffic reaches alice.
	h.publish(t, messageEnvelope(t, channelScope, 2))
	testutil.NoReceive(t, alice.received, 150*time.Millisecond, "delivery after revocation")
}

func TestMembershipChangeRePrimesFromDirectory(t *testing.T) {
	h := newBridgeHarness(t)
	channelScope := protocol.ChannelScope("c1")
	serverScope := protocol.ServerScope("srv")

	alice := newFakeSession("s-alice", "alice")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "c1"))
	h.snapshots.snapshots["alice"] = viewerSnapshot("alice", "srv", "c1")
	h.subscribe(alice, channelScope)
	h.subscribe(alice, serverScope)

	payload, err := wire.JSON(protocol.MembershipPayload{User: "alice", Server: "srv"})
	if err != nil {
		t.Fatalf("wire.JSON: %v", err)
	}
	h.publish(t, protocol.Envelope{Kind: protocol.KindMembership, Scope: serverScope, Seq: 1, Payload: payload})

	// The forget is synchronous, the re-prime asynchronous: alice
	// regains visibility once the fresh snapshot lands.
	testutil.Eventually(t, time.Second, func() bool {
		bits, ok := h.evaluator.Lookup("alice", channelScope)
		return ok && bits.Has(permission.ViewChannel)
	}, "fresh snapshot primed after membership change")

	h.publish(t, messageEnvelope(t, channelScope, 2))
	testutil.Receive(t, alice.received, time.Second, "message after re-prime")
}

func TestReconnectResubscribesExactlyLiveScopes(t *testing.T) {
	h := newBridgeHarness(t)
	kept := protocol.ChannelScope("kept")
	dropped := protocol.ChannelScope("dropped")

	alice := newFakeSession("s-alice", "alice")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "kept", "dropped"))
	h.subscribe(alice, kept)
	h.subscribe(alice, dropped)

	// The client walks away from one scope before the outage.
	if h.registry.Unsubscribe(alice, dropped) {
		h.bridge.Release(dropped)
	}

	h.broker.Drop(errors.New("connection reset"))
	if topics := h.broker.Topics(); len(topics) != 0 {
		t.Fatalf("topics after drop = %v", topics)
	}

	h.broker.Restore()
	testutil.Eventually(t, time.Second, func() bool {
		topics := h.broker.Topics()
		return len(topics) == 1 && topics[0] == kept.Topic()
	}, "exactly the live scope resubscribed, got %v", h.broker.Topics())

	h.publish(t, messageEnvelope(t, kept, 1))
	testutil.Receive(t, alice.received, time.Second, "delivery after reconnect")
}

func TestAcquireWhileDownActivatesAfterReconnect(t *testing.T) {
	h := newBridgeHarness(t)
	scope := protocol.ChannelScope("c1")
	alice := newFakeSession("s-alice", "alice")
	h.evaluator.Prime(viewerSnapshot("alice", "srv", "c1"))

	h.broker.Drop(errors.New("connection reset"))
	h.subscribe(alice, scope) // intent recorded, nothing subscribed yet
	if topics := h.broker.Topics(); len(topics) != 0 {
		t.Fatalf("subscribed while down: %v", topics)
	}

	h.broker.Restore()
	testutil.Eventually(t, time.Second, func() bool {
		return len(h.broker.Topics()) == 1
	}, "deferred subscription activated")

	h.publish(t, messageEnvelope(t, scope, 1))
	testutil.Receive(t, alice.received, time.Second, "delivery after deferred subscribe")
}

func TestReleaseIsRefcounted(t *testing.T) {
	h := newBridgeHarness(t)
	scope := protocol.ChannelScope("c1")

	h.bridge.Acquire(scope)
	h.bridge.Acquire(scope)
	if len(h.broker.Topics()) != 1 {
		t.Fatalf("topics = %v", h.broker.Topics())
	}

	h.bridge.Release(scope)
	if len(h.broker.Topics()) != 1 {
		t.Fatal("unsubscribed while a subscriber remained")
	}
	h.bridge.Release(scope)
	if len(h.broker.Topics()) != 0 {
		t.Fatalf("topics after last release = %v", h.broker.Topics())
	}
}
