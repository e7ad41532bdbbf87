// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the gateway's Prometheus instrumentation.
// Components take an optional *Metrics and guard every use against
// nil, so tests and development runs pay nothing for it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	// Sessions is the number of live authenticated sessions.
	Sessions prometheus.Gauge

	// Subscriptions is the number of live (session, scope) pairs.
	Subscriptions prometheus.Gauge

	// Delivered counts envelopes enqueued to sessions, by event kind.
	Delivered *prometheus.CounterVec

	// Dropped counts envelopes that never reached a client, by reason
	// ("shed" for backpressure sheds, "stale" for redelivery drops).
	Dropped *prometheus.CounterVec

	// Disconnects counts session teardowns by reason.
	Disconnects *prometheus.CounterVec

	// BrokerResubscribes counts completed resubscription passes after a
	// broker reconnect.
	BrokerResubscribes prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember",
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Live authenticated sessions on this node.",
		}),
		Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ember",
			Subsystem: "gateway",
			Name:      "subscriptions",
			Help:      "Live session subscriptions on this node.",
		}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "gateway",
			Name:      "events_delivered_total",
			Help:      "Envelopes enqueued to session queues.",
		}, []string{"kind"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "gateway",
			Name:      "events_dropped_total",
			Help:      "Envelopes dropped before reaching a client.",
		}, []string{"reason"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "gateway",
			Name:      "disconnects_total",
			Help:      "Session teardowns by reason.",
		}, []string{"reason"}),
		BrokerResubscribes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ember",
			Subsystem: "gateway",
			Name:      "broker_resubscribes_total",
			Help:      "Completed resubscription passes after broker reconnects.",
		}),
	}
}
