// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package observability holds the Prometheus instrumentation of the engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus instruments. Instruments are
// registered on the given registerer at construction, so tests can use an
// isolated registry instead of the process-global one.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	EventsBroadcast    prometheus.Counter
	EventsDelivered    prometheus.Counter
	ConnectionsDropped prometheus.Counter

	// Transitions counts task state transitions by target state and
	// outcome ("applied" or "rejected").
	Transitions *prometheus.CounterVec

	BridgeTimeouts prometheus.Counter
}

// NewMetrics registers the engine instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "events",
			Name:      "active_connections",
			Help:      "Number of live event stream connections.",
		}),
		EventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "events",
			Name:      "broadcasts_total",
			Help:      "Number of events broadcast to subscriber scopes.",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "events",
			Name:      "deliveries_total",
			Help:      "Number of per-connection event deliveries.",
		}),
		ConnectionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "events",
			Name:      "connections_dropped_total",
			Help:      "Number of connections dropped for backpressure or send failure.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Number of task state transitions by target state and outcome.",
		}, []string{"to", "outcome"}),
		BridgeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "bridge",
			Name:      "subscription_timeouts_total",
			Help:      "Number of tool result subscriptions that timed out.",
		}),
	}
}

// ObserveTransition records one attempted task state transition.
func (m *Metrics) ObserveTransition(to string, applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "rejected"
	}
	m.Transitions.WithLabelValues(to, outcome).Inc()
}
