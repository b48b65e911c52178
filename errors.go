// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"errors"
	"fmt"
	"time"
)

// JSON-RPC error codes used on the TaskMesh protocol surface. The -32000
// range carries the engine-specific codes.
const (
	ErrorCodeJSONParse      = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603

	ErrorCodeTaskNotFound        = -32001
	ErrorCodeContextNotFound     = -32002
	ErrorCodeInvalidTransition   = -32003
	ErrorCodeBackpressure        = -32004
	ErrorCodeSubscriptionTimeout = -32005
)

// TransitionError reports an illegal task state machine edge. The task's
// state is left unchanged.
type TransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("task %s already finished in state %q", e.TaskID, e.From)
	}
	return fmt.Sprintf("task %s cannot transition from %q to %q", e.TaskID, e.From, e.To)
}

// Code returns the protocol error code.
func (e *TransitionError) Code() int {
	return ErrorCodeInvalidTransition
}

// NotFoundError reports an unknown task or context id.
type NotFoundError struct {
	// Resource is "task" or "context".
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Code returns the protocol error code.
func (e *NotFoundError) Code() int {
	if e.Resource == "context" {
		return ErrorCodeContextNotFound
	}
	return ErrorCodeTaskNotFound
}

// NewTaskNotFoundError creates a NotFoundError for a task id.
func NewTaskNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "task", ID: id}
}

// NewContextNotFoundError creates a NotFoundError for a context id.
func NewContextNotFoundError(id string) *NotFoundError {
	return &NotFoundError{Resource: "context", ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// BackpressureError reports a subscriber whose outbound queue is full. The
// connection is torn down rather than retried.
type BackpressureError struct {
	ConnectionID string
}

// Error implements the error interface.
func (e *BackpressureError) Error() string {
	return fmt.Sprintf("connection %s cannot keep up with event delivery", e.ConnectionID)
}

// Code returns the protocol error code.
func (e *BackpressureError) Code() int {
	return ErrorCodeBackpressure
}

// SubscriptionTimeoutError reports a tool execution subscription that saw no
// matching artifact within its deadline.
type SubscriptionTimeoutError struct {
	ExecutionID string
	Timeout     time.Duration
}

// Error implements the error interface.
func (e *SubscriptionTimeoutError) Error() string {
	return fmt.Sprintf("no artifact for execution %s within %s", e.ExecutionID, e.Timeout)
}

// Code returns the protocol error code.
func (e *SubscriptionTimeoutError) Code() int {
	return ErrorCodeSubscriptionTimeout
}

// AuthBoundaryError wraps an authentication failure reported by the external
// auth collaborator. It is passed through unchanged.
type AuthBoundaryError struct {
	Err error
}

// Error implements the error interface.
func (e *AuthBoundaryError) Error() string {
	return fmt.Sprintf("auth boundary: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthBoundaryError) Unwrap() error {
	return e.Err
}

// coded is implemented by errors carrying a protocol error code.
type coded interface {
	error
	Code() int
}

// RPCError converts an engine error into the JSON-RPC error object returned
// to the caller. Errors without a protocol code map to an internal error.
func RPCError(err error) *JSONRPCError {
	if err == nil {
		return nil
	}
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var c coded
	if errors.As(err, &c) {
		return &JSONRPCError{Code: c.Code(), Message: c.Error()}
	}
	return &JSONRPCError{Code: ErrorCodeInternalError, Message: err.Error()}
}
