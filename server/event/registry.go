// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package event implements the connection registry and event broadcaster of
// the TaskMesh engine: the shared, mutation-guarded set of live subscribers
// and the fan-out path that pushes task events to them.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh"
)

// ScopeKind selects the granularity of a subscription scope.
type ScopeKind string

const (
	// ScopeKindUser subscribes to every event visible to one user.
	ScopeKindUser ScopeKind = "user"

	// ScopeKindContext subscribes to one context's events.
	ScopeKindContext ScopeKind = "context"
)

// Scope identifies one subscription bucket in the registry.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// UserScope builds a user-level scope.
func UserScope(userID string) Scope {
	return Scope{Kind: ScopeKindUser, ID: userID}
}

// ContextScope builds a context-level scope.
func ContextScope(contextID string) Scope {
	return Scope{Kind: ScopeKindContext, ID: contextID}
}

// Sender is the outbound handle of one live connection. Send must be safe
// for concurrent use, must preserve per-connection FIFO order, and must not
// block: a sender that cannot accept the envelope returns
// *taskmesh.BackpressureError instead.
type Sender interface {
	Send(env *taskmesh.EventEnvelope) error
	Close()
}

// Registration records one live subscriber.
type Registration struct {
	ConnectionID string
	UserID       string
	Scope        Scope
	RegisteredAt time.Time

	sender Sender
}

// Observer is notified of registry activity, typically to feed metrics.
// All methods must be safe for concurrent use and non-blocking.
type Observer interface {
	ConnectionRegistered()
	ConnectionReleased()
	ConnectionDropped()
	EventBroadcast()
	EventDelivered()
}

// Registry is the process-wide connection registry. One instance is created
// at server startup and shared by reference with every component that emits
// or delivers events; its lifecycle is tied to the server, not to any
// request.
type Registry struct {
	logger   *slog.Logger
	observer Observer

	mu     sync.RWMutex
	scopes map[Scope]map[string]*Registration
	closed bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithObserver attaches an activity observer to the registry.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger,
		scopes: make(map[Scope]map[string]*Registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a connection into the scope's subscriber set and returns
// the guard that owns the registration.
//
// Find-or-create of the subscriber set and the insert happen inside one
// critical section: releasing the lock in between would let a concurrent
// unregister delete the just-found set and silently drop this registration.
func (r *Registry) Register(userID, connectionID string, scope Scope, sender Sender) *Guard {
	reg := &Registration{
		ConnectionID: connectionID,
		UserID:       userID,
		Scope:        scope,
		RegisteredAt: time.Now(),
		sender:       sender,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sender.Close()
		return &Guard{} // released-from-birth guard for a closed registry
	}
	set, ok := r.scopes[scope]
	if !ok {
		set = make(map[string]*Registration)
		r.scopes[scope] = set
	}
	if prev, ok := set[connectionID]; ok {
		// A reconnect reusing the id replaces the stale registration.
		prev.sender.Close()
	}
	set[connectionID] = reg
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ConnectionRegistered()
	}
	r.logger.Debug("connection registered",
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
		slog.String("scope", string(scope.Kind)+":"+scope.ID))

	return &Guard{registry: r, reg: reg}
}

// unregister removes owner's registration and closes its sender. Removing
// an already-removed connection is a no-op, and a registration that was
// replaced under the same connection id is left alone: only the map's
// current occupant is removed. That keeps guard release safe to race with
// registry-initiated drops and with reconnects reusing the id.
func (r *Registry) unregister(owner *Registration) {
	scope, connectionID := owner.Scope, owner.ConnectionID

	r.mu.Lock()
	set, ok := r.scopes[scope]
	var reg *Registration
	if ok && set[connectionID] == owner {
		reg = owner
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.scopes, scope)
		}
	}
	r.mu.Unlock()

	if reg != nil {
		reg.sender.Close()
		if r.observer != nil {
			r.observer.ConnectionReleased()
		}
		r.logger.Debug("connection unregistered",
			slog.String("connection_id", connectionID),
			slog.String("scope", string(scope.Kind)+":"+scope.ID))
	}
}

// Count returns the number of live connections in a scope.
func (r *Registry) Count(scope Scope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes[scope])
}

// Close tears down every registration. Register calls after Close return
// inert guards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	regs := make([]*Registration, 0)
	for _, set := range r.scopes {
		for _, reg := range set {
			regs = append(regs, reg)
		}
	}
	r.scopes = make(map[Scope]map[string]*Registration)
	r.mu.Unlock()

	for _, reg := range regs {
		reg.sender.Close()
	}
}

// Guard is the scoped handle for one registration. The registration is
// released exactly once, no matter how many times Release is called or on
// which exit path; callers typically defer it immediately after Register.
// The guard holds its own *Registration, so releasing a guard whose
// connection id was since taken over by a newer registration does not
// unregister the newcomer.
type Guard struct {
	registry *Registry
	reg      *Registration
	once     sync.Once
}

// Release removes the connection from the registry. Safe to call more than
// once and safe to race with registry-initiated drops.
func (g *Guard) Release() {
	g.once.Do(func() {
		if g.registry != nil {
			g.registry.unregister(g.reg)
		}
	})
}

// ConnectionID returns the guarded connection's id, or an empty string for
// an inert guard.
func (g *Guard) ConnectionID() string {
	if g.reg == nil {
		return ""
	}
	return g.reg.ConnectionID
}
