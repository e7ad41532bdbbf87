// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"sort"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-node
// development runs. Publish delivers synchronously, in call order, to
// the handlers subscribed at publish time; Drop and Restore simulate a
// connection outage, invalidating every live subscription the way a
// real broker connection loss does.
type MemoryBroker struct {
	mu         sync.Mutex
	subs       map[string][]*memorySubscription
	down       bool
	disconnect []func(error)
	reconnect  []func()
}

type memorySubscription struct {
	broker  *MemoryBroker
	topic   string
	handler Handler
	dead    bool
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySubscription)}
}

func (m *MemoryBroker) Publish(_ context.Context, topic string, data []byte) error {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return ErrBrokerDown
	}
	handlers := make([]Handler, 0, len(m.subs[topic]))
	for _, sub := range m.subs[topic] {
		if !sub.dead {
			handlers = append(handlers, sub.handler)
		}
	}
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(data)
	}
	return nil
}

func (m *MemoryBroker) Subscribe(topic string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrBrokerDown
	}
	sub := &memorySubscription{broker: m, topic: topic, handler: handler}
	m.subs[topic] = append(m.subs[topic], sub)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.dead = true
	live := s.broker.subs[s.topic][:0]
	for _, sub := range s.broker.subs[s.topic] {
		if !sub.dead {
			live = append(live, sub)
		}
	}
	if len(live) == 0 {
		delete(s.broker.subs, s.topic)
	} else {
		s.broker.subs[s.topic] = live
	}
	return nil
}

func (m *MemoryBroker) NotifyDisconnect(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnect = append(m.disconnect, fn)
}

func (m *MemoryBroker) NotifyReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnect = append(m.reconnect, fn)
}

// Drop simulates losing the broker connection: every subscription dies
// and further Publish/Subscribe calls fail until Restore.
func (m *MemoryBroker) Drop(err error) {
	m.mu.Lock()
	m.down = true
	for topic, subs := range m.subs {
		for _, sub := range subs {
			sub.dead = true
		}
		delete(m.subs, topic)
	}
	callbacks := append([]func(error){}, m.disconnect...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

// Restore simulates the connection coming back.
func (m *MemoryBroker) Restore() {
	m.mu.Lock()
	m.down = false
	callbacks := append([]func(){}, m.reconnect...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Topics returns the currently subscribed topics, sorted.
func (m *MemoryBroker) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
