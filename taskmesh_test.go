// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"testing"
)

func TestTaskStateIsTerminal(t *testing.T) {
	tests := []struct {
		state TaskState
		want  bool
	}{
		{TaskStatePending, false},
		{TaskStateSubmitted, false},
		{TaskStateWorking, false},
		{TaskStateInputRequired, false},
		{TaskStateAuthRequired, false},
		{TaskStateCompleted, true},
		{TaskStateFailed, true},
		{TaskStateCanceled, true},
		{TaskStateRejected, true},
	}

	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTaskStateCanTransitionTo(t *testing.T) {
	legal := []struct {
		from, to TaskState
	}{
		{TaskStatePending, TaskStateSubmitted},
		{TaskStateSubmitted, TaskStateWorking},
		{TaskStateWorking, TaskStateCompleted},
		{TaskStateWorking, TaskStateFailed},
		{TaskStateWorking, TaskStateCanceled},
		{TaskStateWorking, TaskStateRejected},
		{TaskStateWorking, TaskStateInputRequired},
		{TaskStateWorking, TaskStateAuthRequired},
		{TaskStateInputRequired, TaskStateWorking},
		{TaskStateAuthRequired, TaskStateWorking},
		{TaskStatePending, TaskStateCanceled},
		{TaskStateSubmitted, TaskStateCanceled},
		{TaskStateInputRequired, TaskStateCanceled},
		{TaskStateAuthRequired, TaskStateCanceled},
	}
	for _, tt := range legal {
		if !tt.from.CanTransitionTo(tt.to) {
			t.Errorf("CanTransitionTo(%s -> %s) = false, want true", tt.from, tt.to)
		}
	}

	illegal := []struct {
		from, to TaskState
	}{
		{TaskStatePending, TaskStateWorking},
		{TaskStatePending, TaskStateCompleted},
		{TaskStateSubmitted, TaskStateCompleted},
		{TaskStateWorking, TaskStateSubmitted},
		{TaskStateWorking, TaskStateWorking},
		{TaskStateInputRequired, TaskStateCompleted},
		{TaskStateCompleted, TaskStateWorking},
		{TaskStateCompleted, TaskStateCanceled},
		{TaskStateFailed, TaskStateWorking},
		{TaskStateCanceled, TaskStateSubmitted},
		{TaskStateRejected, TaskStateWorking},
	}
	for _, tt := range illegal {
		if tt.from.CanTransitionTo(tt.to) {
			t.Errorf("CanTransitionTo(%s -> %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []TaskState{
		TaskStatePending, TaskStateSubmitted, TaskStateWorking,
		TaskStateCompleted, TaskStateFailed, TaskStateCanceled,
		TaskStateRejected, TaskStateInputRequired, TaskStateAuthRequired,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal state %s has outgoing edge to %s", from, to)
			}
		}
	}
}

func TestMessageValidate(t *testing.T) {
	valid := NewUserMessage("ctx-1", "hello")
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() on valid message: %v", err)
	}

	tests := []struct {
		name string
		msg  *Message
	}{
		{"nil message", nil},
		{"missing id", &Message{Kind: KindMessage, Role: MessageRoleUser, Parts: []Part{NewTextPart("x")}}},
		{"bad role", &Message{Kind: KindMessage, MessageID: "m1", Role: "robot", Parts: []Part{NewTextPart("x")}}},
		{"no parts", &Message{Kind: KindMessage, MessageID: "m1", Role: MessageRoleUser}},
		{"bad part kind", &Message{Kind: KindMessage, MessageID: "m1", Role: MessageRoleUser, Parts: []Part{{Kind: "hologram"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestArtifactValidateEphemeralPairing(t *testing.T) {
	durable := NewTextArtifact("a1", "result", "done")
	durable.ContextID = "ctx-1"
	if err := durable.Validate(); err != nil {
		t.Errorf("Validate() on durable artifact: %v", err)
	}

	ephemeral := NewTextArtifact("a2", "tool-result", "42")
	ephemeral.Metadata[MetadataEphemeral] = true
	ephemeral.Metadata[MetadataExecutionID] = "exec-1"
	if err := ephemeral.Validate(); err != nil {
		t.Errorf("Validate() on ephemeral artifact: %v", err)
	}
	if !ephemeral.IsEphemeral() {
		t.Error("IsEphemeral() = false, want true")
	}
	if got := ephemeral.ExecutionID(); got != "exec-1" {
		t.Errorf("ExecutionID() = %q, want %q", got, "exec-1")
	}

	// Ephemeral artifacts must not belong to a context.
	bad := ephemeral.Clone()
	bad.ContextID = "ctx-1"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() on ephemeral artifact with context ID = nil, want error")
	}

	// Ephemeral artifacts must carry an execution ID.
	bad = NewTextArtifact("a3", "tool-result", "42")
	bad.Metadata[MetadataEphemeral] = true
	if err := bad.Validate(); err == nil {
		t.Error("Validate() on ephemeral artifact without execution ID = nil, want error")
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	task := NewTask("ctx-1", "agent-x")
	task.History = append(task.History, NewUserMessage("ctx-1", "hi"))
	art := NewTextArtifact("a1", "result", "done")
	art.ContextID = "ctx-1"
	task.Artifacts = append(task.Artifacts, art)

	clone := task.Clone()
	clone.History[0].Parts[0] = NewTextPart("mutated")
	clone.Artifacts[0].Name = "mutated"
	clone.Status.State = TaskStateCompleted

	if task.History[0].Parts[0].Text != "hi" {
		t.Error("Clone() shares history with original")
	}
	if task.Artifacts[0].Name != "result" {
		t.Error("Clone() shares artifacts with original")
	}
	if task.Status.State != TaskStatePending {
		t.Error("Clone() shares status with original")
	}
}
