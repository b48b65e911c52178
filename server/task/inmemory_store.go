// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh"
)

// InMemoryStore is an in-memory implementation of Store. Data is lost when
// the server process stops. All operations are thread-safe using
// sync.RWMutex, and every task crossing the store boundary is deep-copied
// so callers can never mutate shared state.
type InMemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*taskmesh.Task
	contexts map[string]*taskmesh.Context

	// byContext indexes task IDs per context in insertion order.
	byContext map[string][]string
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:     make(map[string]*taskmesh.Task),
		contexts:  make(map[string]*taskmesh.Context),
		byContext: make(map[string][]string),
	}
}

// SaveTask persists a task to the in-memory storage.
func (s *InMemoryStore) SaveTask(ctx context.Context, task *taskmesh.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task %s: %w", task.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		s.byContext[task.ContextID] = append(s.byContext[task.ContextID], task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a task by its ID from the in-memory storage.
func (s *InMemoryStore) GetTask(ctx context.Context, taskID string) (*taskmesh.Task, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, taskmesh.NewTaskNotFoundError(taskID)
	}
	return task.Clone(), nil
}

// ListTasksByContext retrieves the tasks of a context in creation order.
func (s *InMemoryStore) ListTasksByContext(ctx context.Context, contextID string) ([]*taskmesh.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byContext[contextID]
	tasks := make([]*taskmesh.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasks[id]; ok {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// SaveContext persists a context to the in-memory storage.
func (s *InMemoryStore) SaveContext(ctx context.Context, c *taskmesh.Context) error {
	if c == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if c.ID == "" {
		return fmt.Errorf("context ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cc := *c
	s.contexts[c.ID] = &cc
	return nil
}

// GetContext retrieves a live context by its ID.
func (s *InMemoryStore) GetContext(ctx context.Context, contextID string) (*taskmesh.Context, error) {
	if contextID == "" {
		return nil, fmt.Errorf("context ID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.contexts[contextID]
	if !exists || c.Deleted {
		return nil, taskmesh.NewContextNotFoundError(contextID)
	}
	cc := *c
	return &cc, nil
}

// ListContexts retrieves every live context in creation order.
func (s *InMemoryStore) ListContexts(ctx context.Context) ([]*taskmesh.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contexts := make([]*taskmesh.Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		if c.Deleted {
			continue
		}
		cc := *c
		contexts = append(contexts, &cc)
	}
	sort.SliceStable(contexts, func(i, j int) bool {
		return contexts[i].CreatedAt.Before(contexts[j].CreatedAt)
	})
	return contexts, nil
}

// Size returns the current number of stored tasks. Useful for tests.
func (s *InMemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
