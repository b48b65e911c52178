// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRPCErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"transition", &TransitionError{TaskID: "t1", From: TaskStateCompleted, To: TaskStateWorking}, ErrorCodeInvalidTransition},
		{"task not found", NewTaskNotFoundError("t1"), ErrorCodeTaskNotFound},
		{"context not found", NewContextNotFoundError("c1"), ErrorCodeContextNotFound},
		{"backpressure", &BackpressureError{ConnectionID: "conn-1"}, ErrorCodeBackpressure},
		{"subscription timeout", &SubscriptionTimeoutError{ExecutionID: "e1", Timeout: time.Second}, ErrorCodeSubscriptionTimeout},
		{"plain error", errors.New("boom"), ErrorCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := RPCError(tt.err)
			if rpcErr.Code != tt.code {
				t.Errorf("RPCError(%v).Code = %d, want %d", tt.err, rpcErr.Code, tt.code)
			}
			if rpcErr.Message == "" {
				t.Error("RPCError message is empty")
			}
		})
	}

	if RPCError(nil) != nil {
		t.Error("RPCError(nil) should be nil")
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{TaskID: "t1", From: TaskStateCompleted, To: TaskStateWorking}
	if got := err.Error(); got != `task t1 already finished in state "completed"` {
		t.Errorf("terminal-origin message = %q", got)
	}

	err = &TransitionError{TaskID: "t1", From: TaskStatePending, To: TaskStateWorking}
	if got := err.Error(); got != `task t1 cannot transition from "pending" to "working"` {
		t.Errorf("illegal-edge message = %q", got)
	}
}

func TestErrorsAsSupport(t *testing.T) {
	var notFound *NotFoundError
	wrapped := fmt.Errorf("rpc failed: %w", NewTaskNotFoundError("t1"))
	if !errors.As(wrapped, &notFound) {
		t.Fatal("errors.As failed to unwrap NotFoundError")
	}
	if notFound.ID != "t1" {
		t.Errorf("unwrapped ID = %q, want t1", notFound.ID)
	}

	boundary := &AuthBoundaryError{Err: errors.New("token revoked")}
	if !errors.Is(boundary, boundary.Err) && errors.Unwrap(boundary) == nil {
		t.Error("AuthBoundaryError does not unwrap")
	}
}
