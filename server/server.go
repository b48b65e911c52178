// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the TaskMesh HTTP surface: the JSON-RPC method
// endpoint, the SSE event streams, the MCP tool-result ingress and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskmesh"
	"github.com/taskmesh/taskmesh/auth"
	"github.com/taskmesh/taskmesh/server/bridge"
	"github.com/taskmesh/taskmesh/server/event"
	"github.com/taskmesh/taskmesh/server/observability"
	"github.com/taskmesh/taskmesh/server/task"
)

// DefaultHeartbeatInterval is the default gap between SSE heartbeats.
const DefaultHeartbeatInterval = 15 * time.Second

// Server is the TaskMesh engine behind one HTTP listener. It owns the
// lifecycle engine, the connection registry and the tool bridge; the HTTP
// layer is a thin translation on top of them.
type Server struct {
	logger *slog.Logger

	store     task.Store
	persister task.Persister
	tasks     *task.Lifecycle
	registry  *event.Registry
	bridge    *bridge.Bridge
	executor  AgentExecutor

	metrics      *observability.Metrics
	promRegistry *prometheus.Registry

	heartbeat           time.Duration
	queueSize           int
	subscriptionTimeout time.Duration

	router *chi.Mux
	http   *http.Server
}

// New creates a Server with the given options. When a persister is
// configured, previously persisted contexts and tasks are loaded into the
// store before the server accepts traffic.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger:              slog.Default(),
		heartbeat:           DefaultHeartbeatInterval,
		queueSize:           event.DefaultQueueSize,
		subscriptionTimeout: bridge.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		s.store = task.NewInMemoryStore()
	}
	if s.executor == nil {
		s.executor = &EchoExecutor{}
	}
	if s.promRegistry == nil {
		s.promRegistry = prometheus.NewRegistry()
	}
	s.metrics = observability.NewMetrics(s.promRegistry)

	s.registry = event.NewRegistry(s.logger, event.WithObserver(&registryMetrics{metrics: s.metrics}))
	s.bridge = bridge.New(s.logger)

	lifecycleOpts := []task.LifecycleOption{
		task.WithLogger(s.logger),
		task.WithPublisher(task.PublisherFunc(func(contextID string, env *taskmesh.EventEnvelope) {
			s.registry.Broadcast(event.ContextScope(contextID), env)
		})),
		task.WithObserver(func(from, to taskmesh.TaskState, ok bool) {
			s.metrics.ObserveTransition(string(to), ok)
		}),
	}
	if s.persister != nil {
		lifecycleOpts = append(lifecycleOpts, task.WithPersister(s.persister))
		if err := s.restore(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to restore persisted state: %w", err)
		}
	}
	s.tasks = task.NewLifecycle(s.store, lifecycleOpts...)

	s.router = chi.NewRouter()
	s.registerRoutes()
	return s, nil
}

// Tasks exposes the lifecycle engine, for embedding callers that drive
// tasks outside the HTTP surface.
func (s *Server) Tasks() *task.Lifecycle {
	return s.tasks
}

// Bridge exposes the tool execution bridge.
func (s *Server) Bridge() *bridge.Bridge {
	return s.bridge
}

// AwaitToolResult blocks until the tool execution identified by executionID
// publishes its result, using the server's configured subscription timeout.
func (s *Server) AwaitToolResult(ctx context.Context, executionID string) (*taskmesh.Artifact, error) {
	artifact, err := s.bridge.Subscribe(ctx, executionID, s.subscriptionTimeout)
	var timeoutErr *taskmesh.SubscriptionTimeoutError
	if errors.As(err, &timeoutErr) {
		s.metrics.BridgeTimeouts.Inc()
	}
	return artifact, err
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Post("/rpc", s.handleRPC)
		r.Get("/stream", s.handleUserStream)
		r.Get("/stream/contexts/{contextID}", s.handleContextStream)
	})

	s.router.Post("/tools/results", s.handleToolResult)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
}

// restore loads persisted contexts and their tasks into the store.
func (s *Server) restore(ctx context.Context) error {
	contexts, err := s.persister.LoadContexts(ctx)
	if err != nil {
		return err
	}
	for _, c := range contexts {
		if err := s.store.SaveContext(ctx, c); err != nil {
			return err
		}
		tasks, err := s.persister.LoadTasksByContext(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := s.store.SaveTask(ctx, t); err != nil {
				return err
			}
		}
		s.logger.Info("restored context",
			slog.String("context_id", c.ID),
			slog.Int("tasks", len(tasks)))
	}
	return nil
}

// Start runs the HTTP listener until ctx is canceled, then drains
// connections gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown notifies every subscriber, tears down the registry and stops the
// HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	s.registry.BroadcastAll(taskmesh.NewSystemEnvelope(&taskmesh.SystemEvent{
		Type:    taskmesh.SystemEventShutdown,
		Message: "server shutting down",
	}))
	s.registry.Close()

	if s.http != nil {
		return s.http.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// registryMetrics adapts the metrics bundle to the registry observer.
type registryMetrics struct {
	metrics *observability.Metrics
}

var _ event.Observer = (*registryMetrics)(nil)

func (m *registryMetrics) ConnectionRegistered() { m.metrics.ActiveConnections.Inc() }
func (m *registryMetrics) ConnectionReleased()   { m.metrics.ActiveConnections.Dec() }
func (m *registryMetrics) ConnectionDropped()    { m.metrics.ConnectionsDropped.Inc() }
func (m *registryMetrics) EventBroadcast()       { m.metrics.EventsBroadcast.Inc() }
func (m *registryMetrics) EventDelivered()       { m.metrics.EventsDelivered.Inc() }
