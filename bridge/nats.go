// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSBroker adapts a NATS connection to the Broker interface. Scope
// topics map directly to NATS subjects; NATS guarantees per-subject,
// per-subscription ordering, which the bridge relies on.
type NATSBroker struct {
	conn *nats.Conn
}

// NewNATSBroker wraps an already-established NATS connection. The
// connection should be created with reconnection enabled; the broker
// surfaces the connection-state transitions through the Notify hooks.
func NewNATSBroker(conn *nats.Conn) *NATSBroker {
	return &NATSBroker{conn: conn}
}

func (n *NATSBroker) Publish(_ context.Context, topic string, data []byte) error {
	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publishing to subject %s: %w", topic, err)
	}
	return nil
}

func (n *NATSBroker) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to subject %s: %w", topic, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (n *NATSBroker) NotifyDisconnect(fn func(error)) {
	n.conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		fn(err)
	})
}

func (n *NATSBroker) NotifyReconnect(fn func()) {
	n.conn.SetReconnectHandler(func(_ *nats.Conn) {
		fn()
	})
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}
