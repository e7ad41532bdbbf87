// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package backoff

import (
	"testing"
	"time"
)

func TestDeterministicSequence(t *testing.T) {
	b := New(250*time.Millisecond, 2*time.Second, 0)

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		2 * time.Second, // saturated
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Errorf("Next() #%d = %v, want %v", i, got, expected)
		}
	}
}

func TestReset(t *testing.T) {
	b := New(100*time.Millisecond, time.Second, 0)
	b.Next()
	b.Next()
	if b.Attempt() != 2 {
		t.Fatalf("Attempt() = %d, want 2", b.Attempt())
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 100ms", got)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	b := New(time.Second, 8*time.Second, 0.2)
	for i := 0; i < 50; i++ {
		delay := b.Next()
		if delay > 8*time.Second {
			t.Fatalf("delay %v exceeds cap", delay)
		}
		if delay <= 0 {
			t.Fatalf("delay %v is not positive", delay)
		}
	}
}
