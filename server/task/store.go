// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package task implements the task lifecycle engine of TaskMesh: the
// authoritative state machine for tasks and contexts, the stores that hold
// them, and the single-writer serialization that keeps concurrent
// transitions consistent.
package task

import (
	"context"

	"github.com/taskmesh/taskmesh"
)

// Store defines the interface for task and context persistence. It abstracts
// the storage mechanism so in-memory and database-backed implementations
// share one API.
type Store interface {
	// SaveTask persists a task. If the task already exists it is updated.
	SaveTask(ctx context.Context, task *taskmesh.Task) error

	// GetTask retrieves a task by its ID.
	// Returns *taskmesh.NotFoundError if the task doesn't exist.
	GetTask(ctx context.Context, taskID string) (*taskmesh.Task, error)

	// ListTasksByContext retrieves every task belonging to a context,
	// ordered by creation time ascending.
	ListTasksByContext(ctx context.Context, contextID string) ([]*taskmesh.Task, error)

	// SaveContext persists a context. If the context already exists it is
	// updated.
	SaveContext(ctx context.Context, c *taskmesh.Context) error

	// GetContext retrieves a context by its ID.
	// Returns *taskmesh.NotFoundError if the context doesn't exist or has
	// been deleted.
	GetContext(ctx context.Context, contextID string) (*taskmesh.Context, error)

	// ListContexts retrieves every live (non-deleted) context, ordered by
	// creation time ascending.
	ListContexts(ctx context.Context) ([]*taskmesh.Context, error)
}
