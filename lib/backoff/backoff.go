// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package backoff implements capped exponential backoff with jitter,
// used for broker reconnects and presence-store write retries.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff produces a capped exponential delay sequence. The zero value
// is not usable; construct with New. Backoff is not safe for concurrent
// use — each retry loop owns its own instance.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

// New returns a Backoff starting at base and doubling up to max.
// jitter is the fraction of random spread applied to each delay
// (0.2 means ±20%); pass 0 for a deterministic sequence.
func New(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, jitter: jitter}
}

// Next returns the delay before the next attempt and advances the
// sequence. The first call returns roughly base; each subsequent call
// doubles the delay until it saturates at max.
func (b *Backoff) Next() time.Duration {
	delay := b.base << b.attempt
	if delay > b.max || delay < b.base { // overflow guard on the shift
		delay = b.max
	} else {
		b.attempt++
	}
	if b.jitter > 0 {
		spread := 1 + b.jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Reset returns the sequence to its starting delay. Call after a
// successful attempt.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns how many times Next has advanced the sequence since
// the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }
