// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"strconv"

	"github.com/go-json-experiment/json/jsontext"
)

// TaskMesh RPC method names.
const (
	// MethodMessageSend is the method name for sending a message,
	// creating or continuing a task.
	MethodMessageSend = "message/send"

	// MethodMessageStream is the method name for sending a message and
	// streaming the resulting events.
	MethodMessageStream = "message/stream"

	// MethodTasksGet is the method name for getting a task.
	MethodTasksGet = "tasks/get"

	// MethodTasksCancel is the method name for canceling a task.
	MethodTasksCancel = "tasks/cancel"

	// MethodTasksList is the method name for listing a context's tasks;
	// reconnecting clients use it as the snapshot call.
	MethodTasksList = "tasks/list"

	// MethodContextsCreate is the method name for creating a context.
	MethodContextsCreate = "contexts/create"

	// MethodContextsList is the method name for listing contexts.
	MethodContextsList = "contexts/list"

	// MethodContextsDelete is the method name for soft-deleting a context.
	MethodContextsDelete = "contexts/delete"
)

// ID represents the unique identifier for JSON-RPC messages.
type ID struct {
	value any
}

// NewID creates an ID from a string or number.
func NewID(v any) ID {
	return ID{value: v}
}

// String returns the string form of the ID.
func (id ID) String() string {
	switch v := id.value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return ""
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch v := id.value.(type) {
	case string:
		return []byte(strconv.Quote(v)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case int:
		return []byte(strconv.Itoa(v)), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		id.value = nil
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		id.value = unquoted
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	id.value = f
	return nil
}

// JSONRPCMessage is the base structure of all JSON-RPC 2.0 messages.
type JSONRPCMessage struct {
	// JSONRPC version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// ID correlates requests and responses.
	ID ID `json:"id,omitzero"`
}

// NewJSONRPCMessage creates a new JSONRPCMessage with the given id.
func NewJSONRPCMessage(id any) JSONRPCMessage {
	return JSONRPCMessage{JSONRPC: "2.0", ID: NewID(id)}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPCMessage

	// Method identifies the operation to perform.
	Method string `json:"method"`

	// Params holds the raw parameters for the method.
	Params jsontext.Value `json:"params,omitzero"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	// Code is the numeric error code.
	Code int `json:"code"`

	// Message is a short description of the error.
	Message string `json:"message"`

	// Data carries optional additional detail.
	Data any `json:"data,omitzero"`
}

// Error implements the error interface.
func (e *JSONRPCError) Error() string {
	return e.Message
}

// JSONRPCResponse represents a JSON-RPC 2.0 response. Result and Error are
// mutually exclusive.
type JSONRPCResponse struct {
	JSONRPCMessage

	// Result contains the successful result data.
	Result any `json:"result,omitzero"`

	// Error contains the error object if the request failed.
	Error *JSONRPCError `json:"error,omitzero"`
}

// MessageSendConfiguration configures a message/send request.
type MessageSendConfiguration struct {
	// Blocking asks the server to hold the response until the task
	// reaches an interrupted or terminal state.
	Blocking bool `json:"blocking,omitzero"`

	// HistoryLength limits how many recent history messages the returned
	// task carries. Zero means full history.
	HistoryLength int `json:"historyLength,omitzero"`
}

// MessageSendParams are the parameters of message/send and message/stream.
type MessageSendParams struct {
	// Message is the message to deliver. Its ContextID and TaskID select
	// the target; missing IDs are generated server-side.
	Message *Message `json:"message"`

	// AgentName selects the agent for newly created tasks.
	AgentName string `json:"agentName,omitzero"`

	// Configuration is the optional send configuration.
	Configuration *MessageSendConfiguration `json:"configuration,omitzero"`

	// Metadata carries optional extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`
}

// TaskQueryParams are the parameters of tasks/get.
type TaskQueryParams struct {
	// ID is the task id.
	ID string `json:"id"`

	// HistoryLength limits how many recent history messages the returned
	// task carries. Zero means full history.
	HistoryLength int `json:"historyLength,omitzero"`
}

// TaskIDParams are the parameters of operations addressing one task.
type TaskIDParams struct {
	// ID is the task id.
	ID string `json:"id"`

	// Metadata carries optional extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`
}

// ContextIDParams are the parameters of operations addressing one context.
type ContextIDParams struct {
	// ContextID is the context id.
	ContextID string `json:"contextId"`
}

// ContextCreateParams are the parameters of contexts/create.
type ContextCreateParams struct {
	// Name is the human-readable context name.
	Name string `json:"name"`

	// AgentName optionally pins the context to one agent.
	AgentName string `json:"agentName,omitzero"`
}

// TaskListResult is the result of tasks/list: the snapshot of one context's
// tasks ordered by creation time ascending.
type TaskListResult struct {
	Tasks []*Task `json:"tasks"`
}

// ContextListResult is the result of contexts/list.
type ContextListResult struct {
	Contexts []*Context `json:"contexts"`
}
