// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
)

// ErrBrokerDown reports that the broker connection is currently
// unavailable. Subscribe attempts made while down are queued by the
// Bridge and retried after reconnection.
var ErrBrokerDown = errors.New("bridge: broker connection is down")

// Handler receives the raw bytes of one broker message. For a given
// subscription, the broker invokes its handler sequentially, in
// arrival order — that sequencing is what carries per-scope ordering
// end to end.
type Handler func(data []byte)

// Subscription is one active topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Broker is the cluster publish/subscribe transport consumed by the
// Bridge. Delivery is at-least-once; ordering is guaranteed only
// within one topic. Implementations: [NewNATSBroker] for production,
// [NewMemoryBroker] for tests.
type Broker interface {
	// Publish sends data on the topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe registers a handler for the topic.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// NotifyDisconnect registers a callback invoked when the broker
	// connection is lost.
	NotifyDisconnect(fn func(error))

	// NotifyReconnect registers a callback invoked when the broker
	// connection is re-established.
	NotifyReconnect(fn func())
}
