// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmesh/server/task"
)

// Option represents an option for configuring the [Server].
type Option func(*Server)

// WithLogger sets the [*slog.Logger] for the [Server].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHeartbeatInterval sets the interval between SSE heartbeat comments.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

// WithQueueSize sets the per-connection outbound event queue size.
func WithQueueSize(size int) Option {
	return func(s *Server) {
		s.queueSize = size
	}
}

// WithStore sets the task store backing the lifecycle engine.
func WithStore(store task.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithPersister sets the durable persistence backend.
func WithPersister(p task.Persister) Option {
	return func(s *Server) {
		s.persister = p
	}
}

// WithExecutor sets the agent executor that drives submitted tasks.
func WithExecutor(e AgentExecutor) Option {
	return func(s *Server) {
		s.executor = e
	}
}

// WithMetricsRegistry sets the Prometheus registry instruments are
// registered on and /metrics is served from.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.promRegistry = reg
	}
}

// WithSubscriptionTimeout sets how long tool-result subscriptions wait
// before giving up.
func WithSubscriptionTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.subscriptionTimeout = timeout
	}
}
