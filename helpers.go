// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// NewTask creates a task in the Pending state for the given context.
func NewTask(contextID, agentName string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Kind:      KindTask,
		AgentName: agentName,
		Status: TaskStatus{
			State:     TaskStatePending,
			Timestamp: now.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewContext creates a context with a generated id.
func NewContext(name, agentName string) *Context {
	now := time.Now().UTC()
	return &Context{
		ID:        uuid.NewString(),
		Name:      name,
		AgentName: agentName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewUserMessage creates a user message with a generated message id.
func NewUserMessage(contextID, text string) *Message {
	return &Message{
		Kind:      KindMessage,
		MessageID: uuid.NewString(),
		ContextID: contextID,
		Role:      MessageRoleUser,
		Parts:     []Part{NewTextPart(text)},
	}
}

// NewAgentMessage creates an agent message with a generated message id.
func NewAgentMessage(contextID, text string) *Message {
	return &Message{
		Kind:      KindMessage,
		MessageID: uuid.NewString(),
		ContextID: contextID,
		Role:      MessageRoleAgent,
		Parts:     []Part{NewTextPart(text)},
	}
}

// ApplyStatusUpdate merges a status update event into a task snapshot.
//
// The merge is idempotent and monotonic: an update whose edge is not legal
// from the snapshot's current state is dropped, so replaying a stale delta
// after a fresh snapshot (or the same delta twice) cannot move the task
// backwards. Terminal states therefore never regress regardless of the
// order in which deltas arrive.
func ApplyStatusUpdate(task *Task, ev *TaskStatusUpdateEvent) bool {
	if task == nil || ev == nil || ev.TaskID != task.ID {
		return false
	}
	if task.Status.State == ev.Status.State {
		return false
	}
	if !task.Status.State.CanTransitionTo(ev.Status.State) {
		return false
	}
	task.Status = ev.Status
	task.UpdatedAt = time.Now().UTC()
	return true
}

// ApplyArtifactUpdate merges an artifact update event into a task snapshot.
//
// A new artifact ID is appended; an existing ID is replaced, or extended
// when the event's Append flag is set. An append chunk for an unknown
// artifact is dropped, matching server-side semantics.
func ApplyArtifactUpdate(task *Task, ev *TaskArtifactUpdateEvent) error {
	if task == nil || ev == nil {
		return fmt.Errorf("task and event cannot be nil")
	}
	if ev.Artifact == nil {
		return fmt.Errorf("artifact update event carries no artifact")
	}
	if ev.TaskID != task.ID {
		return fmt.Errorf("artifact update for task %s applied to task %s", ev.TaskID, task.ID)
	}

	existing := -1
	for i, a := range task.Artifacts {
		if a.ArtifactID == ev.Artifact.ArtifactID {
			existing = i
			break
		}
	}

	switch {
	case !ev.Append && existing == -1:
		task.Artifacts = append(task.Artifacts, ev.Artifact)
	case !ev.Append:
		task.Artifacts[existing] = ev.Artifact
	case existing != -1:
		task.Artifacts[existing].Parts = append(task.Artifacts[existing].Parts, ev.Artifact.Parts...)
	default:
		// Append chunk for an artifact we never saw; nothing to extend.
		slog.Default().Warn("ignoring append chunk for unknown artifact",
			slog.String("artifact_id", ev.Artifact.ArtifactID),
			slog.String("task_id", task.ID))
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// MergeTaskSnapshot reconciles a freshly fetched snapshot with a locally
// held task, keeping whichever status is further along the state machine.
// It returns the task to keep.
//
// Reconnecting clients fetch a snapshot first and then resubscribe; a delta
// emitted between the two can arrive before or after the snapshot without
// changing the converged result.
func MergeTaskSnapshot(local, snapshot *Task) *Task {
	if snapshot == nil {
		return local
	}
	if local == nil || local.ID != snapshot.ID {
		return snapshot
	}
	// A local terminal state can only be more recent than a non-terminal
	// snapshot; same for any state the snapshot can still reach.
	if local.Status.State != snapshot.Status.State &&
		snapshot.Status.State.CanTransitionTo(local.Status.State) {
		merged := snapshot.Clone()
		merged.Status = local.Status
		return merged
	}
	return snapshot
}

// TrimHistory returns the task with history limited to the most recent n
// messages. Zero or negative n leaves the history untouched.
func TrimHistory(task *Task, n int) *Task {
	if task == nil || n <= 0 || len(task.History) <= n {
		return task
	}
	trimmed := task.Clone()
	trimmed.History = trimmed.History[len(trimmed.History)-n:]
	return trimmed
}
