// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh"
	"github.com/taskmesh/taskmesh/server/task"
)

// AgentExecutor drives a submitted task to an interrupted or terminal state.
// Implementations own the work between submitted and done: they move the
// task through the lifecycle engine and attach whatever artifacts the work
// produces. The engine guarantees the task is in the submitted or working
// state when Execute is called.
type AgentExecutor interface {
	Execute(ctx context.Context, tasks *task.Lifecycle, t *taskmesh.Task, msg *taskmesh.Message) error
}

// EchoExecutor is the built-in executor used when no agent is wired in. It
// completes every task immediately with an artifact echoing the inbound
// message text. Useful for development and tests.
type EchoExecutor struct{}

var _ AgentExecutor = (*EchoExecutor)(nil)

// Execute implements AgentExecutor.
func (e *EchoExecutor) Execute(ctx context.Context, tasks *task.Lifecycle, t *taskmesh.Task, msg *taskmesh.Message) error {
	if _, err := tasks.StartWorking(ctx, t.ID); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	var texts []string
	if msg != nil {
		for _, p := range msg.Parts {
			if p.Kind == taskmesh.PartKindText {
				texts = append(texts, p.Text)
			}
		}
	}
	artifact := taskmesh.NewTextArtifact(uuid.NewString(), "echo", strings.Join(texts, "\n"))
	if _, err := tasks.AddArtifact(ctx, t.ID, artifact, false, true); err != nil {
		return fmt.Errorf("failed to attach artifact: %w", err)
	}

	reply := taskmesh.NewAgentMessage(t.ContextID, "echo: "+strings.Join(texts, "\n"))
	if _, err := tasks.Complete(ctx, t.ID, reply); err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return nil
}
