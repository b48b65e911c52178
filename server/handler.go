// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/taskmesh/taskmesh"
	"github.com/taskmesh/taskmesh/server/event"
)

// handleRPC decodes one JSON-RPC request and routes it to the method
// handler. Transport-level failures map to the standard JSON-RPC codes;
// engine failures map through taskmesh.RPCError.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req taskmesh.JSONRPCRequest
	if err := json.UnmarshalRead(r.Body, &req); err != nil {
		s.writeError(w, taskmesh.ID{}, &taskmesh.JSONRPCError{
			Code:    taskmesh.ErrorCodeJSONParse,
			Message: "failed to parse request",
		})
		return
	}

	// message/stream turns this response into an SSE event stream; every
	// other method answers with a single JSON body.
	if req.Method == taskmesh.MethodMessageStream {
		s.handleMessageStream(w, r, &req)
		return
	}

	result, err := s.dispatch(r.Context(), &req)
	if err != nil {
		s.logger.Debug("rpc method failed",
			slog.String("method", req.Method),
			slog.Any("error", err))
		s.writeError(w, req.ID, taskmesh.RPCError(err))
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, req *taskmesh.JSONRPCRequest) (any, error) {
	switch req.Method {
	case taskmesh.MethodMessageSend:
		return s.handleMessageSend(ctx, req.Params)
	case taskmesh.MethodTasksGet:
		return s.handleTasksGet(ctx, req.Params)
	case taskmesh.MethodTasksCancel:
		return s.handleTasksCancel(ctx, req.Params)
	case taskmesh.MethodTasksList:
		return s.handleTasksList(ctx, req.Params)
	case taskmesh.MethodContextsCreate:
		return s.handleContextsCreate(ctx, req.Params)
	case taskmesh.MethodContextsList:
		return s.handleContextsList(ctx)
	case taskmesh.MethodContextsDelete:
		return s.handleContextsDelete(ctx, req.Params)
	default:
		return nil, &taskmesh.JSONRPCError{
			Code:    taskmesh.ErrorCodeMethodNotFound,
			Message: "method not found: " + req.Method,
		}
	}
}

// decodeSendParams decodes and validates message/send parameters.
func decodeSendParams(raw jsontext.Value) (*taskmesh.MessageSendParams, *taskmesh.Message, error) {
	var params taskmesh.MessageSendParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, nil, err
	}
	if params.Message == nil {
		return nil, nil, invalidParams("message is required")
	}
	msg := params.Message
	if msg.Kind == "" {
		msg.Kind = taskmesh.KindMessage
	}
	if err := msg.Validate(); err != nil {
		return nil, nil, invalidParams(err.Error())
	}
	return &params, msg, nil
}

// handleMessageSend creates or continues a task from an inbound message.
// With a blocking configuration the response holds until the executor
// finishes; otherwise it returns the submitted task and progress flows over
// the event streams.
func (s *Server) handleMessageSend(ctx context.Context, raw jsontext.Value) (any, error) {
	params, msg, err := decodeSendParams(raw)
	if err != nil {
		return nil, err
	}

	// A message addressed to an existing task continues it.
	if msg.TaskID != "" {
		return s.continueTask(ctx, msg, params)
	}

	t, err := s.prepareTask(ctx, msg, params)
	if err != nil {
		return nil, err
	}
	t, err = s.tasks.Submit(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	blocking := params.Configuration != nil && params.Configuration.Blocking
	if blocking {
		s.runExecutor(ctx, t, msg)
		t, err = s.tasks.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
	} else {
		go s.runExecutor(context.WithoutCancel(ctx), t.Clone(), msg)
	}

	if params.Configuration != nil {
		t = taskmesh.TrimHistory(t, params.Configuration.HistoryLength)
	}
	return t, nil
}

// prepareTask resolves the message to a new pending task: it creates the
// context when the message names none, creates the task, and appends the
// message to its history. Submission is the caller's move, so a streaming
// caller can subscribe first and observe every transition.
func (s *Server) prepareTask(ctx context.Context, msg *taskmesh.Message, params *taskmesh.MessageSendParams) (*taskmesh.Task, error) {
	contextID := msg.ContextID
	if contextID == "" {
		c, err := s.tasks.CreateContext(ctx, "conversation", params.AgentName)
		if err != nil {
			return nil, err
		}
		contextID = c.ID
		msg.ContextID = c.ID
	}

	t, err := s.tasks.CreateTask(ctx, contextID, params.AgentName)
	if err != nil {
		return nil, err
	}
	return s.tasks.AddMessage(ctx, t.ID, msg)
}

// appendMessage appends the message to an existing, unfinished task and
// reports whether the task is paused waiting on input or authorization.
func (s *Server) appendMessage(ctx context.Context, msg *taskmesh.Message) (*taskmesh.Task, bool, error) {
	t, err := s.tasks.GetTask(ctx, msg.TaskID)
	if err != nil {
		return nil, false, err
	}
	if t.Status.State.IsTerminal() {
		return nil, false, invalidParams("task " + t.ID + " is already finished")
	}

	t, err = s.tasks.AddMessage(ctx, t.ID, msg)
	if err != nil {
		return nil, false, err
	}
	paused := t.Status.State == taskmesh.TaskStateInputRequired ||
		t.Status.State == taskmesh.TaskStateAuthRequired
	return t, paused, nil
}

// continueTask appends the message to an existing task and, when the task
// was paused waiting on input or authorization, resumes it.
func (s *Server) continueTask(ctx context.Context, msg *taskmesh.Message, params *taskmesh.MessageSendParams) (any, error) {
	t, paused, err := s.appendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if paused {
		go s.runExecutor(context.WithoutCancel(ctx), t.Clone(), msg)
	}

	if params.Configuration != nil {
		t = taskmesh.TrimHistory(t, params.Configuration.HistoryLength)
	}
	return t, nil
}

func (s *Server) runExecutor(ctx context.Context, t *taskmesh.Task, msg *taskmesh.Message) {
	if err := s.executor.Execute(ctx, s.tasks, t, msg); err != nil {
		s.logger.Error("executor failed",
			slog.String("task_id", t.ID),
			slog.Any("error", err))
		// Best effort: surface the failure on the task itself.
		failMsg := taskmesh.NewAgentMessage(t.ContextID, err.Error())
		if _, ferr := s.tasks.Fail(ctx, t.ID, failMsg); ferr != nil {
			s.logger.Debug("could not mark task failed",
				slog.String("task_id", t.ID), slog.Any("error", ferr))
		}
	}
}

func (s *Server) handleTasksGet(ctx context.Context, raw jsontext.Value) (any, error) {
	var params taskmesh.TaskQueryParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, invalidParams("task id is required")
	}
	t, err := s.tasks.GetTask(ctx, params.ID)
	if err != nil {
		return nil, err
	}
	return taskmesh.TrimHistory(t, params.HistoryLength), nil
}

func (s *Server) handleTasksCancel(ctx context.Context, raw jsontext.Value) (any, error) {
	var params taskmesh.TaskIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, invalidParams("task id is required")
	}
	return s.tasks.Cancel(ctx, params.ID)
}

func (s *Server) handleTasksList(ctx context.Context, raw jsontext.Value) (any, error) {
	var params taskmesh.ContextIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ContextID == "" {
		return nil, invalidParams("context id is required")
	}
	tasks, err := s.tasks.ListTasks(ctx, params.ContextID)
	if err != nil {
		return nil, err
	}
	return &taskmesh.TaskListResult{Tasks: tasks}, nil
}

func (s *Server) handleContextsCreate(ctx context.Context, raw jsontext.Value) (any, error) {
	var params taskmesh.ContextCreateParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, invalidParams("context name is required")
	}
	return s.tasks.CreateContext(ctx, params.Name, params.AgentName)
}

func (s *Server) handleContextsList(ctx context.Context) (any, error) {
	contexts, err := s.tasks.ListContexts(ctx)
	if err != nil {
		return nil, err
	}
	return &taskmesh.ContextListResult{Contexts: contexts}, nil
}

// handleContextsDelete soft-deletes a context after canceling its open
// tasks, then tells the context's subscribers the context is gone.
func (s *Server) handleContextsDelete(ctx context.Context, raw jsontext.Value) (any, error) {
	var params taskmesh.ContextIDParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ContextID == "" {
		return nil, invalidParams("context id is required")
	}
	c, err := s.tasks.DeleteContext(ctx, params.ContextID)
	if err != nil {
		return nil, err
	}
	s.registry.Broadcast(event.ContextScope(c.ID), taskmesh.NewSystemEnvelope(&taskmesh.SystemEvent{
		Type:      taskmesh.SystemEventContextDeleted,
		ContextID: c.ID,
	}))
	return c, nil
}

// handleToolResult ingests one MCP tool result and hands it to the bridge.
func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var result taskmesh.ToolResult
	if err := json.UnmarshalRead(r.Body, &result); err != nil {
		http.Error(w, "failed to parse tool result", http.StatusBadRequest)
		return
	}
	delivered, err := s.bridge.Publish(&result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.MarshalWrite(w, map[string]bool{"delivered": delivered})
}

func (s *Server) writeResult(w http.ResponseWriter, id taskmesh.ID, result any) {
	w.Header().Set("Content-Type", "application/json")
	resp := &taskmesh.JSONRPCResponse{
		JSONRPCMessage: taskmesh.JSONRPCMessage{JSONRPC: "2.0", ID: id},
		Result:         result,
	}
	if err := json.MarshalWrite(w, resp); err != nil {
		s.logger.Error("failed to write rpc response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, id taskmesh.ID, rpcErr *taskmesh.JSONRPCError) {
	w.Header().Set("Content-Type", "application/json")
	resp := &taskmesh.JSONRPCResponse{
		JSONRPCMessage: taskmesh.JSONRPCMessage{JSONRPC: "2.0", ID: id},
		Error:          rpcErr,
	}
	if err := json.MarshalWrite(w, resp); err != nil {
		s.logger.Error("failed to write rpc error", slog.Any("error", err))
	}
}

func unmarshalParams(raw jsontext.Value, dst any) error {
	if len(raw) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("malformed params: " + err.Error())
	}
	return nil
}

func invalidParams(msg string) *taskmesh.JSONRPCError {
	return &taskmesh.JSONRPCError{Code: taskmesh.ErrorCodeInvalidParams, Message: msg}
}
