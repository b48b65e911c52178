// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskmesh provides the wire-level data model for the TaskMesh
// agent orchestration protocol: tasks, contexts, messages, artifacts, and
// the streaming event envelope exchanged between servers and clients.
package taskmesh

import (
	"fmt"
	"time"
)

// Version is the current version of the TaskMesh protocol.
const Version = "0.1.0"

// Kind discriminators carried by protocol objects.
const (
	KindTask           = "task"
	KindMessage        = "message"
	KindStatusUpdate   = "status-update"
	KindArtifactUpdate = "artifact-update"
)

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	// TaskStatePending indicates the task has been created but not yet
	// handed to the protocol; it is the initial state of every task.
	TaskStatePending TaskState = "pending"

	// TaskStateSubmitted indicates the task has been submitted to an agent.
	TaskStateSubmitted TaskState = "submitted"

	// TaskStateWorking indicates the agent is actively working on the task.
	TaskStateWorking TaskState = "working"

	// TaskStateCompleted indicates the task finished successfully.
	TaskStateCompleted TaskState = "completed"

	// TaskStateFailed indicates the task finished with an error.
	TaskStateFailed TaskState = "failed"

	// TaskStateCanceled indicates the task was canceled before finishing.
	TaskStateCanceled TaskState = "canceled"

	// TaskStateRejected indicates the agent refused the task.
	TaskStateRejected TaskState = "rejected"

	// TaskStateInputRequired indicates the agent is waiting for user input.
	TaskStateInputRequired TaskState = "input-required"

	// TaskStateAuthRequired indicates the agent is waiting for credentials.
	TaskStateAuthRequired TaskState = "auth-required"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// legalTransitions is the edge table of the task state machine. Cancellation
// is reachable from every non-terminal state so that context deletion and
// client-issued tasks/cancel go through the same path as any other edge.
var legalTransitions = map[TaskState][]TaskState{
	TaskStatePending:       {TaskStateSubmitted, TaskStateCanceled},
	TaskStateSubmitted:     {TaskStateWorking, TaskStateCanceled},
	TaskStateWorking:       {TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected, TaskStateInputRequired, TaskStateAuthRequired},
	TaskStateInputRequired: {TaskStateWorking, TaskStateCanceled},
	TaskStateAuthRequired:  {TaskStateWorking, TaskStateCanceled},
}

// CanTransitionTo reports whether the edge s -> next is legal.
// Every edge leaving a terminal state is illegal, including self-edges.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	// MessageRoleUser identifies a message authored by the calling user.
	MessageRoleUser MessageRole = "user"

	// MessageRoleAgent identifies a message authored by an agent.
	MessageRoleAgent MessageRole = "agent"
)

// Part kinds.
const (
	PartKindText = "text"
	PartKindData = "data"
	PartKindFile = "file"
)

// FileContent describes the file carried by a file part. Exactly one of
// URI or Bytes is set.
type FileContent struct {
	Name     string `json:"name,omitzero"`
	MIMEType string `json:"mimeType,omitzero"`
	URI      string `json:"uri,omitzero"`
	Bytes    []byte `json:"bytes,omitzero"`
}

// Part is one segment of a message or artifact. The Kind field selects
// which payload field is meaningful.
type Part struct {
	// Kind is one of "text", "data" or "file".
	Kind string `json:"kind"`

	// Text content, set when Kind is "text".
	Text string `json:"text,omitzero"`

	// Data is structured content, set when Kind is "data".
	Data map[string]any `json:"data,omitzero"`

	// File content, set when Kind is "file".
	File *FileContent `json:"file,omitzero"`

	// Metadata carries optional extension metadata for this part.
	Metadata map[string]any `json:"metadata,omitzero"`
}

// NewTextPart creates a text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// NewDataPart creates a structured data part.
func NewDataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Validate ensures the part has a known kind and a matching payload.
func (p Part) Validate() error {
	switch p.Kind {
	case PartKindText:
		return nil
	case PartKindData:
		if p.Data == nil {
			return fmt.Errorf("data part requires data payload")
		}
		return nil
	case PartKindFile:
		if p.File == nil {
			return fmt.Errorf("file part requires file payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown part kind: %q", p.Kind)
	}
}

// Message represents a single message exchanged between a user and an agent.
// A message is immutable once appended to a task's history.
type Message struct {
	// Kind is always "message".
	Kind string `json:"kind"`

	// MessageID is the identifier created by the message author.
	MessageID string `json:"messageId"`

	// ContextID is the context the message belongs to.
	ContextID string `json:"contextId,omitzero"`

	// TaskID is the task the message relates to, if any.
	TaskID string `json:"taskId,omitzero"`

	// Role identifies the sender.
	Role MessageRole `json:"role"`

	// Parts is the ordered message content.
	Parts []Part `json:"parts"`

	// Metadata carries optional extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`
}

// Validate ensures the message is well-formed.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if m.MessageID == "" {
		return fmt.Errorf("message ID cannot be empty")
	}
	if m.Role != MessageRoleUser && m.Role != MessageRoleAgent {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message must have at least one part")
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// TaskStatus is a TaskState with its accompanying message and timestamp.
type TaskStatus struct {
	// State is the current lifecycle state.
	State TaskState `json:"state"`

	// Message is an optional status message for the client.
	Message *Message `json:"message,omitzero"`

	// Timestamp is the RFC 3339 time the status was recorded.
	Timestamp string `json:"timestamp,omitzero"`
}

// Task represents one unit of agent work tracked by the orchestration engine.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// ContextID is the conversation context the task belongs to.
	ContextID string `json:"contextId"`

	// Kind is always "task".
	Kind string `json:"kind"`

	// AgentName names the agent the task is assigned to.
	AgentName string `json:"agentName,omitzero"`

	// Status is the current task status.
	Status TaskStatus `json:"status"`

	// History is the append-only, ordered message history.
	History []*Message `json:"history,omitzero"`

	// Artifacts are the durable outputs produced by the task.
	Artifacts []*Artifact `json:"artifacts,omitzero"`

	// Metadata carries optional extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Validate ensures the task is well-formed.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if t.ContextID == "" {
		return fmt.Errorf("task context ID cannot be empty")
	}
	for i, m := range t.History {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("history message %d: %w", i, err)
		}
	}
	for i, a := range t.Artifacts {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("artifact %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the task. Store implementations hand out
// clones so that callers can never mutate shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.History != nil {
		clone.History = make([]*Message, len(t.History))
		for i, m := range t.History {
			mc := *m
			clone.History[i] = &mc
		}
	}
	if t.Artifacts != nil {
		clone.Artifacts = make([]*Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			clone.Artifacts[i] = a.Clone()
		}
	}
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Context groups zero or more tasks under one conversation thread.
type Context struct {
	// ID is the unique context identifier.
	ID string `json:"id"`

	// Name is the human-readable context name.
	Name string `json:"name"`

	// AgentName optionally pins the context to one agent.
	AgentName string `json:"agentName,omitzero"`

	// MessageCount is the number of messages appended across the
	// context's tasks.
	MessageCount int `json:"messageCount"`

	// Deleted marks the context as soft-deleted. Deleted contexts keep
	// their task history but accept no new tasks.
	Deleted bool `json:"deleted,omitzero"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Validate ensures the context is well-formed.
func (c *Context) Validate() error {
	if c == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if c.ID == "" {
		return fmt.Errorf("context ID cannot be empty")
	}
	return nil
}

// TaskStatusUpdateEvent is emitted on every successful task state transition.
type TaskStatusUpdateEvent struct {
	// Kind is always "status-update".
	Kind string `json:"kind"`

	// TaskID is the task whose status changed.
	TaskID string `json:"taskId"`

	// ContextID is the task's context.
	ContextID string `json:"contextId"`

	// Status is the new task status.
	Status TaskStatus `json:"status"`

	// Final indicates the task reached a terminal state and the stream
	// will carry no further updates for it.
	Final bool `json:"final"`

	// Metadata carries optional extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`
}

// TaskArtifactUpdateEvent is emitted when a task produces or extends an
// artifact.
type TaskArtifactUpdateEvent struct {
	// Kind is always "artifact-update".
	Kind string `json:"kind"`

	// TaskID is the task that produced the artifact.
	TaskID string `json:"taskId"`

	// ContextID is the task's context.
	ContextID string `json:"contextId"`

	// Artifact is the produced artifact.
	Artifact *Artifact `json:"artifact"`

	// Append indicates the artifact's parts extend a previously sent
	// artifact with the same ID instead of replacing it.
	Append bool `json:"append,omitzero"`

	// LastChunk indicates this is the last chunk of the artifact.
	LastChunk bool `json:"lastChunk,omitzero"`

	// Metadata carries optional extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`
}
