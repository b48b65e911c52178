// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"errors"
	"log/slog"

	"github.com/taskmesh/taskmesh"
)

// Broadcast delivers env to every connection registered in scope. It
// snapshots the subscriber set under the read lock, releases the lock, and
// only then calls Send on each connection: delivery never holds the registry
// lock, so a slow subscriber cannot stall registration or other broadcasts.
//
// A connection whose Send fails is dropped from the registry. Failures are
// isolated per connection and never abort the broadcast.
//
// Events published while a connection is mid-registration may or may not
// reach it; clients recover through the snapshot-then-subscribe handshake.
func (r *Registry) Broadcast(scope Scope, env *taskmesh.EventEnvelope) {
	r.mu.RLock()
	set := r.scopes[scope]
	regs := make([]*Registration, 0, len(set))
	for _, reg := range set {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	if r.observer != nil {
		r.observer.EventBroadcast()
	}
	for _, reg := range regs {
		if err := reg.sender.Send(env); err != nil {
			var bpErr *taskmesh.BackpressureError
			if errors.As(err, &bpErr) {
				r.logger.Warn("dropping connection on backpressure",
					slog.String("connection_id", reg.ConnectionID),
					slog.String("scope", string(scope.Kind)+":"+scope.ID))
			} else {
				r.logger.Warn("dropping connection on send failure",
					slog.String("connection_id", reg.ConnectionID),
					slog.Any("error", err))
			}
			if r.observer != nil {
				r.observer.ConnectionDropped()
			}
			r.unregister(reg)
			continue
		}
		if r.observer != nil {
			r.observer.EventDelivered()
		}
	}
}

// BroadcastAll delivers env to every live connection regardless of scope.
// Used for process-wide system events such as shutdown notices.
func (r *Registry) BroadcastAll(env *taskmesh.EventEnvelope) {
	r.mu.RLock()
	scopes := make([]Scope, 0, len(r.scopes))
	for scope := range r.scopes {
		scopes = append(scopes, scope)
	}
	r.mu.RUnlock()

	for _, scope := range scopes {
		r.Broadcast(scope, env)
	}
}

// BroadcastSystem delivers a system event to a user-level scope.
func (r *Registry) BroadcastSystem(userID string, ev *taskmesh.SystemEvent) {
	r.Broadcast(UserScope(userID), taskmesh.NewSystemEnvelope(ev))
}
