// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/taskmesh/taskmesh"
)

// Persister is the durable persistence boundary behind the in-memory hot
// path. The lifecycle engine writes to it asynchronously; the server reads
// from it at startup to warm the in-memory store.
type Persister interface {
	// Persist writes the task's current state. Upserts by task ID.
	Persist(ctx context.Context, task *taskmesh.Task) error

	// PersistContext writes the context's current state. Upserts by ID.
	PersistContext(ctx context.Context, c *taskmesh.Context) error

	// LoadTasksByContext reads back every persisted task of a context,
	// ordered by creation time ascending.
	LoadTasksByContext(ctx context.Context, contextID string) ([]*taskmesh.Task, error)

	// LoadContexts reads back every persisted context.
	LoadContexts(ctx context.Context) ([]*taskmesh.Context, error)
}

// DatabaseStore is a GORM-backed Persister. The caller owns the *gorm.DB
// and its driver; DatabaseStore never opens or closes connections.
type DatabaseStore struct {
	db *gorm.DB
}

var _ Persister = (*DatabaseStore)(nil)

// DatabaseStoreConfig holds configuration for DatabaseStore.
type DatabaseStoreConfig struct {
	DB *gorm.DB

	// Migrate runs GORM auto-migration for the task and context tables.
	Migrate bool
}

// NewDatabaseStore creates a DatabaseStore on an existing GORM connection.
func NewDatabaseStore(config DatabaseStoreConfig) (*DatabaseStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if config.Migrate {
		if err := config.DB.AutoMigrate(&TaskModel{}, &ContextModel{}); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return &DatabaseStore{db: config.DB}, nil
}

// Persist upserts a task row.
func (s *DatabaseStore) Persist(ctx context.Context, task *taskmesh.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := s.db.WithContext(ctx).Save(NewTaskModel(task)).Error; err != nil {
		return fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	return nil
}

// PersistContext upserts a context row.
func (s *DatabaseStore) PersistContext(ctx context.Context, c *taskmesh.Context) error {
	if c == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if err := s.db.WithContext(ctx).Save(NewContextModel(c)).Error; err != nil {
		return fmt.Errorf("failed to persist context %s: %w", c.ID, err)
	}
	return nil
}

// LoadTasksByContext reads back a context's tasks in creation order.
func (s *DatabaseStore) LoadTasksByContext(ctx context.Context, contextID string) ([]*taskmesh.Task, error) {
	var models []TaskModel
	err := s.db.WithContext(ctx).
		Where("context_id = ?", contextID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load tasks for context %s: %w", contextID, err)
	}

	tasks := make([]*taskmesh.Task, len(models))
	for i := range models {
		tasks[i] = models[i].ToTask()
	}
	return tasks, nil
}

// LoadContexts reads back every persisted context in creation order.
func (s *DatabaseStore) LoadContexts(ctx context.Context) ([]*taskmesh.Context, error) {
	var models []ContextModel
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load contexts: %w", err)
	}

	contexts := make([]*taskmesh.Context, len(models))
	for i := range models {
		contexts[i] = models[i].ToContext()
	}
	return contexts, nil
}
