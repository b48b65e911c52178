// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh"
)

// Publisher delivers lifecycle events to a context's subscribers.
type Publisher interface {
	Publish(contextID string, env *taskmesh.EventEnvelope)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(contextID string, env *taskmesh.EventEnvelope)

// Publish implements Publisher.
func (f PublisherFunc) Publish(contextID string, env *taskmesh.EventEnvelope) {
	f(contextID, env)
}

// TransitionObserver is notified after every attempted state transition.
type TransitionObserver func(from, to taskmesh.TaskState, ok bool)

// keyedMutex serializes writers per key. Entries are reference-counted so
// the map does not grow with the total number of tasks ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// lock acquires the per-key mutex and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Lifecycle is the authoritative task state machine. Every mutation of a
// task flows through it: transitions are serialized per task, validated
// against the legal edge set, written to the store, and only then published
// to subscribers. The event for a transition is emitted after the task lock
// is released, so subscribers can immediately read the state they were told
// about.
type Lifecycle struct {
	store     Store
	logger    *slog.Logger
	publisher Publisher
	persister Persister
	observer  TransitionObserver

	locks *keyedMutex

	// ctxMu serializes context-level mutations (message counters, cascade
	// deletes) coarsely; context writes are far rarer than task writes.
	ctxMu sync.Mutex
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLogger sets the logger used by the lifecycle engine.
func WithLogger(logger *slog.Logger) LifecycleOption {
	return func(l *Lifecycle) { l.logger = logger }
}

// WithPublisher sets the event publisher. Without one, transitions still
// apply but no events leave the engine.
func WithPublisher(p Publisher) LifecycleOption {
	return func(l *Lifecycle) { l.publisher = p }
}

// WithPersister sets the durable persistence backend. Writes to it are
// fire-and-forget and never block or fail a transition.
func WithPersister(p Persister) LifecycleOption {
	return func(l *Lifecycle) { l.persister = p }
}

// WithObserver sets the transition observer, typically a metrics hook.
func WithObserver(o TransitionObserver) LifecycleOption {
	return func(l *Lifecycle) { l.observer = o }
}

// NewLifecycle creates a lifecycle engine on top of store.
func NewLifecycle(store Store, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		store:  store,
		logger: slog.Default(),
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateTask creates a new task in the given context. The task starts in
// the pending state; no event is published until it is submitted.
func (l *Lifecycle) CreateTask(ctx context.Context, contextID, agentName string) (*taskmesh.Task, error) {
	c, err := l.store.GetContext(ctx, contextID)
	if err != nil {
		return nil, err
	}

	t := taskmesh.NewTask(c.ID, agentName)
	if agentName == "" {
		t.AgentName = c.AgentName
	}
	if err := l.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	l.persist(t)

	l.logger.Info("task created",
		slog.String("task_id", t.ID),
		slog.String("context_id", t.ContextID))
	return t, nil
}

// GetTask retrieves a task by ID.
func (l *Lifecycle) GetTask(ctx context.Context, taskID string) (*taskmesh.Task, error) {
	return l.store.GetTask(ctx, taskID)
}

// ListTasks retrieves every task of a context in creation order.
func (l *Lifecycle) ListTasks(ctx context.Context, contextID string) ([]*taskmesh.Task, error) {
	if _, err := l.store.GetContext(ctx, contextID); err != nil {
		return nil, err
	}
	return l.store.ListTasksByContext(ctx, contextID)
}

// Submit moves a pending task into the submitted state.
func (l *Lifecycle) Submit(ctx context.Context, taskID string) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateSubmitted, nil)
}

// StartWorking moves a task into the working state, either from submitted
// or back from an input-required or auth-required pause.
func (l *Lifecycle) StartWorking(ctx context.Context, taskID string) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateWorking, nil)
}

// RequestInput pauses a working task until the user supplies more input.
// The message tells the client what is needed.
func (l *Lifecycle) RequestInput(ctx context.Context, taskID string, msg *taskmesh.Message) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateInputRequired, msg)
}

// RequireAuth pauses a working task until an out-of-band authorization
// completes.
func (l *Lifecycle) RequireAuth(ctx context.Context, taskID string, msg *taskmesh.Message) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateAuthRequired, msg)
}

// Complete moves a working task into the terminal completed state.
func (l *Lifecycle) Complete(ctx context.Context, taskID string, msg *taskmesh.Message) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateCompleted, msg)
}

// Fail moves a working task into the terminal failed state.
func (l *Lifecycle) Fail(ctx context.Context, taskID string, msg *taskmesh.Message) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateFailed, msg)
}

// Reject moves a working task into the terminal rejected state.
func (l *Lifecycle) Reject(ctx context.Context, taskID string, msg *taskmesh.Message) (*taskmesh.Task, error) {
	return l.transition(ctx, taskID, taskmesh.TaskStateRejected, msg)
}

// Cancel moves a task into the terminal canceled state. Canceling a task
// that is already in a terminal state is a no-op that returns the task
// unchanged, so cancellation is idempotent from the client's point of view.
func (l *Lifecycle) Cancel(ctx context.Context, taskID string) (*taskmesh.Task, error) {
	unlock := l.locks.lock(taskID)
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		unlock()
		return nil, err
	}
	if task.Status.State.IsTerminal() {
		unlock()
		return task, nil
	}
	task, env, err := l.applyTransition(ctx, task, taskmesh.TaskStateCanceled, nil)
	unlock()
	if err != nil {
		return nil, err
	}
	l.emit(task.ContextID, env)
	return task, nil
}

// AddMessage appends a message to the task history and bumps the owning
// context's message counter. The history is append-only; messages are never
// reordered or replaced.
func (l *Lifecycle) AddMessage(ctx context.Context, taskID string, msg *taskmesh.Message) (*taskmesh.Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	unlock := l.locks.lock(taskID)
	defer unlock()

	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	msg.TaskID = task.ID
	msg.ContextID = task.ContextID
	task.History = append(task.History, msg)
	task.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	l.persist(task)

	l.ctxMu.Lock()
	if c, err := l.store.GetContext(ctx, task.ContextID); err == nil {
		c.MessageCount++
		c.UpdatedAt = time.Now().UTC()
		if err := l.store.SaveContext(ctx, c); err != nil {
			l.logger.Warn("failed to update context message count",
				slog.String("context_id", c.ID), slog.Any("error", err))
		} else {
			l.persistContext(c)
		}
	}
	l.ctxMu.Unlock()

	return task, nil
}

// AddArtifact attaches a durable artifact to the task and publishes an
// artifact-update event. When append is true and an artifact with the same
// ID already exists, the new parts extend it.
func (l *Lifecycle) AddArtifact(ctx context.Context, taskID string, artifact *taskmesh.Artifact, appendParts, lastChunk bool) (*taskmesh.Task, error) {
	if err := artifact.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	if artifact.IsEphemeral() {
		return nil, fmt.Errorf("ephemeral artifact %s cannot be attached to a task", artifact.ArtifactID)
	}

	unlock := l.locks.lock(taskID)
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		unlock()
		return nil, err
	}

	artifact.TaskID = task.ID
	artifact.ContextID = task.ContextID

	merged := false
	if appendParts {
		for _, existing := range task.Artifacts {
			if existing.ArtifactID == artifact.ArtifactID {
				existing.Parts = append(existing.Parts, artifact.Parts...)
				merged = true
				break
			}
		}
	}
	if !merged {
		task.Artifacts = append(task.Artifacts, artifact)
	}
	task.UpdatedAt = time.Now().UTC()

	if err := l.store.SaveTask(ctx, task); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	l.persist(task)
	unlock()

	l.emit(task.ContextID, taskmesh.NewArtifactEnvelope(&taskmesh.TaskArtifactUpdateEvent{
		Kind:      taskmesh.KindArtifactUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Artifact:  artifact,
		Append:    appendParts && merged,
		LastChunk: lastChunk,
	}))
	return task, nil
}

// transition applies one state-machine edge under the task's lock and
// publishes the resulting status-update event after the lock is released.
func (l *Lifecycle) transition(ctx context.Context, taskID string, to taskmesh.TaskState, msg *taskmesh.Message) (*taskmesh.Task, error) {
	unlock := l.locks.lock(taskID)
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		unlock()
		return nil, err
	}
	task, env, err := l.applyTransition(ctx, task, to, msg)
	unlock()
	if err != nil {
		return nil, err
	}
	l.emit(task.ContextID, env)
	return task, nil
}

// applyTransition validates and writes one edge. The caller holds the task
// lock. On an illegal edge the task is left untouched and a
// *taskmesh.TransitionError is returned.
func (l *Lifecycle) applyTransition(ctx context.Context, task *taskmesh.Task, to taskmesh.TaskState, msg *taskmesh.Message) (*taskmesh.Task, *taskmesh.EventEnvelope, error) {
	from := task.Status.State
	if !from.CanTransitionTo(to) {
		if l.observer != nil {
			l.observer(from, to, false)
		}
		l.logger.Warn("rejected task transition",
			slog.String("task_id", task.ID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return nil, nil, &taskmesh.TransitionError{TaskID: task.ID, From: from, To: to}
	}

	now := time.Now().UTC()
	if msg != nil {
		msg.TaskID = task.ID
		msg.ContextID = task.ContextID
		task.History = append(task.History, msg)
	}
	task.Status = taskmesh.TaskStatus{
		State:     to,
		Message:   msg,
		Timestamp: now.Format(time.RFC3339),
	}
	task.UpdatedAt = now

	if err := l.store.SaveTask(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("failed to save task: %w", err)
	}
	l.persist(task)

	if l.observer != nil {
		l.observer(from, to, true)
	}
	l.logger.Info("task transitioned",
		slog.String("task_id", task.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	env := taskmesh.NewStatusEnvelope(&taskmesh.TaskStatusUpdateEvent{
		Kind:      taskmesh.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     to.IsTerminal(),
	})
	return task, env, nil
}

func (l *Lifecycle) emit(contextID string, env *taskmesh.EventEnvelope) {
	if l.publisher == nil || env == nil {
		return
	}
	l.publisher.Publish(contextID, env)
}

// persist hands the task to the durable backend without blocking the caller.
func (l *Lifecycle) persist(task *taskmesh.Task) {
	if l.persister == nil {
		return
	}
	clone := task.Clone()
	go func() {
		if err := l.persister.Persist(context.Background(), clone); err != nil {
			l.logger.Warn("failed to persist task",
				slog.String("task_id", clone.ID), slog.Any("error", err))
		}
	}()
}

// persistContext hands the context to the durable backend without blocking.
func (l *Lifecycle) persistContext(c *taskmesh.Context) {
	if l.persister == nil {
		return
	}
	cc := *c
	go func() {
		if err := l.persister.PersistContext(context.Background(), &cc); err != nil {
			l.logger.Warn("failed to persist context",
				slog.String("context_id", cc.ID), slog.Any("error", err))
		}
	}()
}
