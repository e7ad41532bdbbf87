// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/emberchat/ember/protocol"
)

// stubSession implements Session with a recording queue.
type stubSession struct {
	id   string
	user protocol.UserID

	mu     sync.Mutex
	queued []protocol.Envelope
}

func (s *stubSession) ID() string            { return s.id }
func (s *stubSession) User() protocol.UserID { return s.user }
func (s *stubSession) Enqueue(e protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, e)
}

func TestRegisterAndSessionsOf(t *testing.T) {
	r := New()
	a := &stubSession{id: "conn-a", user: "u1"}
	b := &stubSession{id: "conn-b", user: "u1"}

	r.Register(a)
	r.Register(b)
	r.Register(b) // duplicate register is a no-op

	if got := len(r.SessionsOf("u1")); got != 2 {
		t.Fatalf("SessionsOf(u1) = %d sessions, want 2", got)
	}
	if got := r.SessionsOf("u2"); got != nil {
		t.Fatalf("SessionsOf(u2) = %v, want nil", got)
	}
}

func TestDeregisterIdempotent(t *testing.T) {
	r := New()
	s := &stubSession{id: "conn-a", user: "u1"}
	r.Register(s)
	r.Deregister(s)
	r.Deregister(s) // double deregister is a no-op, not an error

	if got := r.SessionsOf("u1"); got != nil {
		t.Fatalf("sessions after deregister = %v", got)
	}
}

func TestSubscribeRefcountSignals(t *testing.T) {
	r := New()
	a := &stubSession{id: "conn-a", user: "u1"}
	b := &stubSession{id: "conn-b", user: "u2"}
	scope := protocol.ChannelScope("c1")

	if first := r.Subscribe(a, scope); !first {
		t.Error("first subscribe did not report first")
	}
	if first := r.Subscribe(b, scope); first {
		t.Error("second subscribe reported first")
	}
	if first := r.Subscribe(b, scope); first {
		t.Error("duplicate subscribe reported first")
	}

	if last := r.Unsubscribe(a, scope); last {
		t.Error("unsubscribe with remaining subscriber reported last")
	}
	if last := r.Unsubscribe(b, scope); !last {
		t.Error("final unsubscribe did not report last")
	}
	if last := r.Unsubscribe(b, scope); last {
		t.Error("repeat unsubscribe reported last")
	}
}

// The first-subscription signal drives broker topic refcounts: a
// duplicate subscribe by the scope's only subscriber must not report
// first again, or the caller acquires the topic twice and never fully
// releases it.
func TestDuplicateSubscribeBySoleSubscriber(t *testing.T) {
	r := New()
	s := &stubSession{id: "conn-a", user: "u1"}
	scope := protocol.ChannelScope("c1")

	if first := r.Subscribe(s, scope); !first {
		t.Fatal("first subscribe did not report first")
	}
	if first := r.Subscribe(s, scope); first {
		t.Error("duplicate subscribe by sole subscriber reported first")
	}
	if last := r.Unsubscribe(s, scope); !last {
		t.Error("single unsubscribe did not report last")
	}
}

func TestSubscribersSnapshot(t *testing.T) {
	r := New()
	scope := protocol.ChannelScope("c1")
	a := &stubSession{id: "conn-a", user: "u1"}
	r.Subscribe(a, scope)

	snapshot := r.Subscribers(scope)
	r.Unsubscribe(a, scope)

	// The snapshot is a copy; mutation after the fact does not affect it.
	if len(snapshot) != 1 || snapshot[0].ID() != "conn-a" {
		t.Fatalf("snapshot = %v", snapshot)
	}
	if got := r.Subscribers(scope); got != nil {
		t.Fatalf("Subscribers after unsubscribe = %v", got)
	}
}

// Concurrent churn across many users and scopes must not race or lose
// updates. Run with -race.
func TestConcurrentChurn(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s := &stubSession{
					id:   fmt.Sprintf("conn-%d-%d", worker, i),
					user: protocol.UserID(fmt.Sprintf("u%d", i%17)),
				}
				scope := protocol.ChannelScope(fmt.Sprintf("c%d", i%13))
				r.Register(s)
				r.Subscribe(s, scope)
				r.Subscribers(scope)
				r.Unsubscribe(s, scope)
				r.Deregister(s)
			}
		}(worker)
	}
	wg.Wait()

	for i := 0; i < 13; i++ {
		scope := protocol.ChannelScope(fmt.Sprintf("c%d", i))
		if got := r.Subscribers(scope); got != nil {
			t.Errorf("scope %s retains subscribers after churn: %v", scope, got)
		}
	}
}
