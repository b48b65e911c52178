// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"math/rand"
	"testing"
)

func statusEvent(taskID string, state TaskState) *TaskStatusUpdateEvent {
	return &TaskStatusUpdateEvent{
		Kind:   KindStatusUpdate,
		TaskID: taskID,
		Status: TaskStatus{State: state},
		Final:  state.IsTerminal(),
	}
}

func TestApplyStatusUpdateMonotonic(t *testing.T) {
	task := NewTask("ctx-1", "agent-x")

	if !ApplyStatusUpdate(task, statusEvent(task.ID, TaskStateSubmitted)) {
		t.Fatal("submit update not applied")
	}
	if !ApplyStatusUpdate(task, statusEvent(task.ID, TaskStateWorking)) {
		t.Fatal("working update not applied")
	}
	if !ApplyStatusUpdate(task, statusEvent(task.ID, TaskStateCompleted)) {
		t.Fatal("completed update not applied")
	}

	// Stale deltas after a terminal state must be dropped.
	for _, stale := range []TaskState{TaskStateWorking, TaskStateSubmitted, TaskStateCanceled} {
		if ApplyStatusUpdate(task, statusEvent(task.ID, stale)) {
			t.Errorf("stale %s delta applied after completion", stale)
		}
	}
	if task.Status.State != TaskStateCompleted {
		t.Errorf("state = %s, want %s", task.Status.State, TaskStateCompleted)
	}

	// Duplicate delivery of the terminal delta is a no-op.
	if ApplyStatusUpdate(task, statusEvent(task.ID, TaskStateCompleted)) {
		t.Error("duplicate terminal delta reported as applied")
	}
}

func TestApplyStatusUpdateIgnoresOtherTasks(t *testing.T) {
	task := NewTask("ctx-1", "agent-x")
	if ApplyStatusUpdate(task, statusEvent("someone-else", TaskStateSubmitted)) {
		t.Error("update for a different task id was applied")
	}
}

// Deltas buffered during a reconnect may be applied in any order after the
// snapshot; every order must converge to the same final state.
func TestDeltaReplayConvergesRegardlessOfOrder(t *testing.T) {
	deltas := []TaskState{
		TaskStateSubmitted,
		TaskStateWorking,
		TaskStateCompleted,
	}

	for trial := 0; trial < 20; trial++ {
		task := NewTask("ctx-1", "agent-x")
		shuffled := append([]TaskState(nil), deltas...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		// Two passes: in a second pass every still-applicable delta
		// lands, mirroring a client draining its reorder buffer.
		for pass := 0; pass < 2; pass++ {
			for _, s := range shuffled {
				ApplyStatusUpdate(task, statusEvent(task.ID, s))
			}
		}

		if task.Status.State != TaskStateCompleted {
			t.Fatalf("order %v converged to %s, want %s", shuffled, task.Status.State, TaskStateCompleted)
		}
	}
}

func TestApplyArtifactUpdate(t *testing.T) {
	task := NewTask("ctx-1", "agent-x")

	first := &Artifact{ArtifactID: "a1", Parts: []Part{NewTextPart("chunk-1")}}
	err := ApplyArtifactUpdate(task, &TaskArtifactUpdateEvent{
		Kind: KindArtifactUpdate, TaskID: task.ID, Artifact: first,
	})
	if err != nil {
		t.Fatalf("ApplyArtifactUpdate: %v", err)
	}
	if len(task.Artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(task.Artifacts))
	}

	// Append extends the existing artifact's parts.
	err = ApplyArtifactUpdate(task, &TaskArtifactUpdateEvent{
		Kind: KindArtifactUpdate, TaskID: task.ID, Append: true,
		Artifact: &Artifact{ArtifactID: "a1", Parts: []Part{NewTextPart("chunk-2")}},
	})
	if err != nil {
		t.Fatalf("ApplyArtifactUpdate append: %v", err)
	}
	if got := len(task.Artifacts[0].Parts); got != 2 {
		t.Errorf("parts after append = %d, want 2", got)
	}

	// Replace swaps the artifact wholesale.
	err = ApplyArtifactUpdate(task, &TaskArtifactUpdateEvent{
		Kind: KindArtifactUpdate, TaskID: task.ID,
		Artifact: &Artifact{ArtifactID: "a1", Parts: []Part{NewTextPart("final")}},
	})
	if err != nil {
		t.Fatalf("ApplyArtifactUpdate replace: %v", err)
	}
	if got := len(task.Artifacts[0].Parts); got != 1 {
		t.Errorf("parts after replace = %d, want 1", got)
	}

	// Append for an unknown artifact id is dropped without error.
	err = ApplyArtifactUpdate(task, &TaskArtifactUpdateEvent{
		Kind: KindArtifactUpdate, TaskID: task.ID, Append: true,
		Artifact: &Artifact{ArtifactID: "ghost", Parts: []Part{NewTextPart("x")}},
	})
	if err != nil {
		t.Fatalf("ApplyArtifactUpdate unknown append: %v", err)
	}
	if len(task.Artifacts) != 1 {
		t.Errorf("artifacts after dropped chunk = %d, want 1", len(task.Artifacts))
	}
}

func TestMergeTaskSnapshot(t *testing.T) {
	local := NewTask("ctx-1", "agent-x")
	local.Status.State = TaskStateCompleted

	snapshot := local.Clone()
	snapshot.Status.State = TaskStateWorking

	// The local terminal state wins over a stale snapshot.
	merged := MergeTaskSnapshot(local, snapshot)
	if merged.Status.State != TaskStateCompleted {
		t.Errorf("merged state = %s, want %s", merged.Status.State, TaskStateCompleted)
	}

	// A fresher snapshot wins over the stale local copy.
	local.Status.State = TaskStateSubmitted
	snapshot.Status.State = TaskStateFailed
	merged = MergeTaskSnapshot(local, snapshot)
	if merged.Status.State != TaskStateFailed {
		t.Errorf("merged state = %s, want %s", merged.Status.State, TaskStateFailed)
	}

	// No local copy: take the snapshot.
	if merged := MergeTaskSnapshot(nil, snapshot); merged != snapshot {
		t.Error("MergeTaskSnapshot(nil, snapshot) did not return snapshot")
	}
}

func TestTrimHistory(t *testing.T) {
	task := NewTask("ctx-1", "agent-x")
	for i := 0; i < 5; i++ {
		task.History = append(task.History, NewUserMessage("ctx-1", "msg"))
	}

	trimmed := TrimHistory(task, 2)
	if got := len(trimmed.History); got != 2 {
		t.Errorf("trimmed history = %d messages, want 2", got)
	}
	if got := len(task.History); got != 5 {
		t.Errorf("original history mutated: %d messages, want 5", got)
	}
	if TrimHistory(task, 0) != task {
		t.Error("TrimHistory with n=0 should return the task unchanged")
	}
}
