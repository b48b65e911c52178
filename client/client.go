// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the Go client for the TaskMesh engine: JSON-RPC calls,
// the SSE event stream reader, and the reconnection loop that reconciles
// state after a connection loss.
package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh"
)

const defaultTimeout = 30 * time.Second

// Client talks to one TaskMesh server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger

	requestID atomic.Int64
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL must be provided")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Call performs one JSON-RPC request and decodes its result into dst.
// A non-nil dst must be a pointer. Server-side failures come back as
// *taskmesh.JSONRPCError.
func (c *Client) Call(ctx context.Context, method string, params, dst any) error {
	req := &taskmesh.JSONRPCRequest{
		JSONRPCMessage: taskmesh.NewJSONRPCMessage(c.requestID.Add(1)),
		Method:         method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP request failed with status: %s", resp.Status)
	}

	var rpcResp struct {
		taskmesh.JSONRPCMessage
		Result jsontext.Value         `json:"result,omitzero"`
		Error  *taskmesh.JSONRPCError `json:"error,omitzero"`
	}
	if err := json.UnmarshalRead(resp.Body, &rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if dst != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, dst); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// SendMessage creates or continues a task with one message.
func (c *Client) SendMessage(ctx context.Context, params *taskmesh.MessageSendParams) (*taskmesh.Task, error) {
	var t taskmesh.Task
	if err := c.Call(ctx, taskmesh.MethodMessageSend, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask retrieves a task.
func (c *Client) GetTask(ctx context.Context, taskID string, historyLength int) (*taskmesh.Task, error) {
	var t taskmesh.Task
	params := taskmesh.TaskQueryParams{ID: taskID, HistoryLength: historyLength}
	if err := c.Call(ctx, taskmesh.MethodTasksGet, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask cancels a task. Canceling a finished task succeeds and returns
// it unchanged.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*taskmesh.Task, error) {
	var t taskmesh.Task
	if err := c.Call(ctx, taskmesh.MethodTasksCancel, taskmesh.TaskIDParams{ID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks retrieves the snapshot of a context's tasks in creation order.
func (c *Client) ListTasks(ctx context.Context, contextID string) ([]*taskmesh.Task, error) {
	var result taskmesh.TaskListResult
	if err := c.Call(ctx, taskmesh.MethodTasksList, taskmesh.ContextIDParams{ContextID: contextID}, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// CreateContext creates a conversation context.
func (c *Client) CreateContext(ctx context.Context, name, agentName string) (*taskmesh.Context, error) {
	var result taskmesh.Context
	params := taskmesh.ContextCreateParams{Name: name, AgentName: agentName}
	if err := c.Call(ctx, taskmesh.MethodContextsCreate, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListContexts retrieves every live context.
func (c *Client) ListContexts(ctx context.Context) ([]*taskmesh.Context, error) {
	var result taskmesh.ContextListResult
	if err := c.Call(ctx, taskmesh.MethodContextsList, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Contexts, nil
}

// DeleteContext soft-deletes a context, canceling its open tasks.
func (c *Client) DeleteContext(ctx context.Context, contextID string) (*taskmesh.Context, error) {
	var result taskmesh.Context
	if err := c.Call(ctx, taskmesh.MethodContextsDelete, taskmesh.ContextIDParams{ContextID: contextID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NewMessageID generates a client-side message identifier.
func NewMessageID() string {
	return uuid.NewString()
}
