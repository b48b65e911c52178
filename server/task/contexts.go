// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh"
)

// CreateContext creates a new conversation context.
func (l *Lifecycle) CreateContext(ctx context.Context, name, agentName string) (*taskmesh.Context, error) {
	c := taskmesh.NewContext(name, agentName)
	if err := l.store.SaveContext(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save context: %w", err)
	}
	l.persistContext(c)
	l.logger.Info("context created",
		slog.String("context_id", c.ID),
		slog.String("name", c.Name))
	return c, nil
}

// GetContext retrieves a live context by ID.
func (l *Lifecycle) GetContext(ctx context.Context, contextID string) (*taskmesh.Context, error) {
	return l.store.GetContext(ctx, contextID)
}

// ListContexts retrieves every live context in creation order.
func (l *Lifecycle) ListContexts(ctx context.Context) ([]*taskmesh.Context, error) {
	return l.store.ListContexts(ctx)
}

// DeleteContext soft-deletes a context. Every open task in the context is
// first canceled through the normal state machine path, so subscribers see
// an ordinary final status-update for each before the context disappears.
// Deleting an already-deleted or unknown context returns
// *taskmesh.NotFoundError.
func (l *Lifecycle) DeleteContext(ctx context.Context, contextID string) (*taskmesh.Context, error) {
	l.ctxMu.Lock()
	c, err := l.store.GetContext(ctx, contextID)
	if err != nil {
		l.ctxMu.Unlock()
		return nil, err
	}
	c.Deleted = true
	c.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveContext(ctx, c); err != nil {
		l.ctxMu.Unlock()
		return nil, fmt.Errorf("failed to save context: %w", err)
	}
	l.ctxMu.Unlock()
	l.persistContext(c)

	// Cancel after the soft-delete is visible, so no new task can slip into
	// the context between the cascade and the delete.
	tasks, err := l.store.ListTasksByContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status.State.IsTerminal() {
			continue
		}
		if _, err := l.Cancel(ctx, t.ID); err != nil {
			l.logger.Warn("failed to cancel task during context delete",
				slog.String("task_id", t.ID),
				slog.String("context_id", contextID),
				slog.Any("error", err))
		}
	}

	l.logger.Info("context deleted",
		slog.String("context_id", contextID),
		slog.Int("tasks_canceled", len(tasks)))
	return c, nil
}
