// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/taskmesh/taskmesh"
)

// ErrDisconnected is returned when the reconnection loop exhausts its
// attempts. The local task view stays readable but receives no further
// updates.
var ErrDisconnected = errors.New("client: disconnected after exhausting reconnect attempts")

// DefaultMaxReconnectTries bounds the attempts of one reconnection cycle.
const DefaultMaxReconnectTries = 5

// Reconnector maintains a live view of one context across connection
// losses. On every (re)connect it first fetches the task snapshot, merges
// it into the local view, and only then resubscribes; events duplicated
// between the snapshot and the stream are absorbed by the idempotent
// monotonic merge.
type Reconnector struct {
	client    *Client
	contextID string
	logger    *slog.Logger
	maxTries  uint

	mu    sync.RWMutex
	tasks map[string]*taskmesh.Task

	envelopes chan *taskmesh.EventEnvelope
}

// ReconnectorOption configures a Reconnector.
type ReconnectorOption func(*Reconnector)

// WithMaxReconnectTries bounds the attempts of one reconnection cycle.
func WithMaxReconnectTries(n uint) ReconnectorOption {
	return func(r *Reconnector) { r.maxTries = n }
}

// WithReconnectLogger sets the logger used by the reconnection loop.
func WithReconnectLogger(logger *slog.Logger) ReconnectorOption {
	return func(r *Reconnector) { r.logger = logger }
}

// NewReconnector creates a reconnector for one context.
func NewReconnector(c *Client, contextID string, opts ...ReconnectorOption) *Reconnector {
	r := &Reconnector{
		client:    c,
		contextID: contextID,
		logger:    c.logger,
		maxTries:  DefaultMaxReconnectTries,
		tasks:     make(map[string]*taskmesh.Task),
		envelopes: make(chan *taskmesh.EventEnvelope, 16),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events returns the merged event feed. Events already reflected in the
// local view by the time they arrive are still forwarded; consumers needing
// state should read it from Task or Tasks instead.
func (r *Reconnector) Events() <-chan *taskmesh.EventEnvelope {
	return r.envelopes
}

// Task returns the local view of one task, or nil if unknown.
func (r *Reconnector) Task(taskID string) *taskmesh.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[taskID].Clone()
}

// Tasks returns the local view of every known task.
func (r *Reconnector) Tasks() []*taskmesh.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*taskmesh.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Run blocks, keeping the subscription alive until ctx is canceled, the
// context is deleted server-side, or reconnection attempts are exhausted.
// The Events channel closes when Run returns.
func (r *Reconnector) Run(ctx context.Context) error {
	defer close(r.envelopes)

	for {
		stream, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}

		deleted := r.consume(ctx, stream)
		stream.Close()
		if deleted {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("event stream lost, reconnecting",
			slog.String("context_id", r.contextID))
	}
}

// connect performs one snapshot-then-resubscribe cycle under bounded
// exponential backoff.
func (r *Reconnector) connect(ctx context.Context) (*Stream, error) {
	op := func() (*Stream, error) {
		snapshot, err := r.client.ListTasks(ctx, r.contextID)
		if err != nil {
			var rpcErr *taskmesh.JSONRPCError
			if errors.As(err, &rpcErr) && rpcErr.Code == taskmesh.ErrorCodeContextNotFound {
				// The context is gone; retrying cannot help.
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		r.merge(snapshot)

		return r.client.OpenContextStream(ctx, r.contextID)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.maxTries))
}

// consume applies stream events to the local view until the stream ends.
// It reports whether the context was deleted server-side.
func (r *Reconnector) consume(ctx context.Context, stream *Stream) bool {
	for env := range stream.Events() {
		r.apply(env)
		select {
		case r.envelopes <- env:
		case <-ctx.Done():
			return false
		}
		if env.System != nil && env.System.Type == taskmesh.SystemEventContextDeleted {
			return true
		}
	}
	return false
}

// merge folds a task snapshot into the local view, keeping whichever status
// is further along for tasks present in both.
func (r *Reconnector) merge(snapshot []*taskmesh.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range snapshot {
		r.tasks[t.ID] = taskmesh.MergeTaskSnapshot(r.tasks[t.ID], t)
	}
}

// apply folds one live event into the local view. Stale or duplicate
// events are dropped by the monotonic update rules.
func (r *Reconnector) apply(env *taskmesh.EventEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case env.StatusUpdate != nil:
		ev := env.StatusUpdate
		t, ok := r.tasks[ev.TaskID]
		if !ok {
			// First sight of a task created after the snapshot.
			r.tasks[ev.TaskID] = &taskmesh.Task{
				ID:        ev.TaskID,
				ContextID: ev.ContextID,
				Kind:      taskmesh.KindTask,
				Status:    ev.Status,
			}
			return
		}
		taskmesh.ApplyStatusUpdate(t, ev)
	case env.ArtifactUpdate != nil:
		t, ok := r.tasks[env.ArtifactUpdate.TaskID]
		if !ok {
			return
		}
		if err := taskmesh.ApplyArtifactUpdate(t, env.ArtifactUpdate); err != nil {
			r.logger.Warn("failed to apply artifact update",
				slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
}
