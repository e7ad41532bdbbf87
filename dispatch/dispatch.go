// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch owns the outbound path of a session: a bounded
// queue fed by the fan-out pipeline and drained by a single writer
// goroutine in strict enqueue order.
//
// Overflow policy: when the queue is full, the oldest non-critical
// event (typing, presence) is shed to make room. If no room can be
// made and the incoming event is critical (message, membership
// change), the session is disconnected with a backpressure error — a
// slow consumer must never silently miss a message. A non-critical
// incoming event that finds no room is dropped and counted.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emberchat/ember/protocol"
)

// DefaultCapacity is the queue bound used when Config.Capacity is
// zero. Sized for a burst of roughly one screenful of events; anything
// slower than that for a sustained period is a consumer problem, not a
// buffering problem.
const DefaultCapacity = 64

// Config configures a Queue. Write, OnBackpressure, and OnWriteError
// are supplied by the owning session.
type Config struct {
	// Capacity bounds the queue length. Zero means DefaultCapacity.
	Capacity int

	// Write frames and writes one envelope to the client. Called only
	// from the writer goroutine, strictly in enqueue order.
	Write func(envelope protocol.Envelope) error

	// OnBackpressure is called (once) when a critical event cannot be
	// queued. The owner disconnects the session with a backpressure
	// close code. Called without internal locks held.
	OnBackpressure func()

	// OnWriteError is called when Write fails; the owner tears the
	// session down as if the client disconnected.
	OnWriteError func(error)

	// OnDrop, if set, observes each shed non-critical event.
	OnDrop func(kind protocol.EventKind)

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Queue is one session's bounded outbound queue. Enqueue never blocks;
// Run drains until the context ends or the queue is closed.
type Queue struct {
	capacity       int
	write          func(protocol.Envelope) error
	onBackpressure func()
	onWriteError   func(error)
	onDrop         func(protocol.EventKind)
	logger         *slog.Logger

	mu     sync.Mutex
	items  []protocol.Envelope
	closed bool

	// wake signals the writer that items (or closure) await. Capacity
	// one: a pending signal covers any number of enqueues.
	wake chan struct{}
}

// New creates a queue. The writer does not run until Run is called.
func New(cfg Config) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		capacity:       capacity,
		write:          cfg.Write,
		onBackpressure: cfg.OnBackpressure,
		onWriteError:   cfg.OnWriteError,
		onDrop:         cfg.OnDrop,
		logger:         logger,
		wake:           make(chan struct{}, 1),
	}
}

// Enqueue adds an envelope, applying the overflow policy. Never
// blocks. Enqueue after Close (or after a backpressure trigger) is a
// silent no-op: the session is already going away.
func (q *Queue) Enqueue(envelope protocol.Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if len(q.items) < q.capacity {
		q.items = append(q.items, envelope)
		q.mu.Unlock()
		q.signal()
		return
	}

	// Full: shed the oldest non-critical entry to make room.
	for i, pending := range q.items {
		if !pending.Kind.Critical() {
			dropped := pending.Kind
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, envelope)
			q.mu.Unlock()
			if q.onDrop != nil {
				q.onDrop(dropped)
			}
			q.signal()
			return
		}
	}

	// Every queued entry is critical. A critical incoming event means
	// the consumer cannot keep up with events it must not miss:
	// disconnect rather than drop. A non-critical incoming event is
	// itself the safest thing to shed.
	if envelope.Kind.Critical() {
		q.closed = true
		q.mu.Unlock()
		q.signal()
		if q.onBackpressure != nil {
			q.onBackpressure()
		}
		return
	}

	q.mu.Unlock()
	if q.onDrop != nil {
		q.onDrop(envelope.Kind)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Pending envelopes are discarded; the session
// is being torn down and the client will resync. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

// pop removes and returns the head envelope.
func (q *Queue) pop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.Envelope{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Run is the writer loop: it drains the queue strictly in enqueue
// order, calling Write for each envelope. Returns when ctx ends, the
// queue is closed, or a write fails (after reporting via
// OnWriteError). Run must be called exactly once, from the session's
// writer goroutine.
func (q *Queue) Run(ctx context.Context) {
	for {
		for {
			envelope, ok := q.pop()
			if !ok {
				break
			}
			if err := q.write(envelope); err != nil {
				if q.onWriteError != nil {
					q.onWriteError(err)
				}
				return
			}
		}

		if q.isClosed() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}
