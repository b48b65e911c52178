// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge connects MCP tool executions to the requesters waiting on
// their results. Tool results arrive asynchronously as ephemeral artifacts;
// the bridge matches each one to the waiter that subscribed with the same
// execution ID.
package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh"
)

// DefaultTimeout bounds how long a subscriber waits for a tool result.
const DefaultTimeout = 30 * time.Second

// Bridge is the execution-to-waiter rendezvous. Each execution ID has at
// most one waiter; results for unknown executions are dropped.
type Bridge struct {
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan *taskmesh.Artifact
}

// New creates an empty bridge.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:  logger,
		waiters: make(map[string]chan *taskmesh.Artifact),
	}
}

// Subscribe blocks until the tool result for executionID arrives, the
// timeout elapses, or ctx is done. The waiter registration is one-shot and
// self-cleaning: whatever the outcome, no trace of the subscription remains
// afterwards. A non-positive timeout falls back to DefaultTimeout.
//
// On timeout the error is *taskmesh.SubscriptionTimeoutError; a late result
// for that execution is then dropped like any other unmatched result.
func (b *Bridge) Subscribe(ctx context.Context, executionID string, timeout time.Duration) (*taskmesh.Artifact, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Buffer of 1 so Publish never blocks on a waiter that is gone.
	ch := make(chan *taskmesh.Artifact, 1)

	b.mu.Lock()
	if prev, ok := b.waiters[executionID]; ok {
		// A replaced waiter wakes with a nil result rather than hanging
		// until its own timeout.
		close(prev)
	}
	b.waiters[executionID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.waiters[executionID] == ch {
			delete(b.waiters, executionID)
		}
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case artifact, ok := <-ch:
		if !ok {
			return nil, &taskmesh.SubscriptionTimeoutError{ExecutionID: executionID, Timeout: timeout}
		}
		return artifact, nil
	case <-timer.C:
		b.logger.Warn("tool result subscription timed out",
			slog.String("execution_id", executionID),
			slog.Duration("timeout", timeout))
		return nil, &taskmesh.SubscriptionTimeoutError{ExecutionID: executionID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish routes a tool result to the waiter subscribed on its execution
// ID. Results nobody is waiting for are logged and dropped; Publish never
// blocks. Returns true when a waiter consumed the result.
func (b *Bridge) Publish(result *taskmesh.ToolResult) (bool, error) {
	if err := result.Validate(); err != nil {
		return false, err
	}
	artifact := result.Artifact.Clone()
	if artifact.ArtifactID == "" {
		artifact.ArtifactID = result.ArtifactID
	}
	if err := artifact.Validate(); err != nil {
		return false, err
	}

	b.mu.Lock()
	ch, ok := b.waiters[result.ExecutionID]
	if ok {
		delete(b.waiters, result.ExecutionID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("dropping tool result with no waiter",
			slog.String("execution_id", result.ExecutionID))
		return false, nil
	}

	ch <- artifact
	close(ch)
	return true, nil
}

// Waiting returns the number of pending subscriptions. Useful for tests and
// metrics.
func (b *Bridge) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
