// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh"
	"github.com/taskmesh/taskmesh/auth"
	"github.com/taskmesh/taskmesh/server/event"
)

// handleUserStream opens an SSE stream carrying every event visible to the
// authenticated user.
func (s *Server) handleUserStream(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())
	s.streamEvents(w, r, event.UserScope(user.UserID()))
}

// handleContextStream opens an SSE stream scoped to one context.
func (s *Server) handleContextStream(w http.ResponseWriter, r *http.Request) {
	contextID := chi.URLParam(r, "contextID")
	if _, err := s.tasks.GetContext(r.Context(), contextID); err != nil {
		if taskmesh.IsNotFound(err) {
			http.Error(w, "context not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to resolve context", http.StatusInternalServerError)
		return
	}
	s.streamEvents(w, r, event.ContextScope(contextID))
}

// streamEvents registers the connection, then pumps envelopes from its
// queue onto the wire as SSE data frames until the client goes away, the
// registry drops the connection, or the server shuts down. Heartbeat
// comments keep intermediaries from reaping idle streams.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, scope event.Scope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // for nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	user := auth.FromContext(r.Context())
	connectionID := uuid.NewString()
	sender := event.NewChannelSender(connectionID, s.queueSize)
	guard := s.registry.Register(user.UserID(), connectionID, scope, sender)
	defer guard.Release()

	if err := s.writeFrame(w, flusher, taskmesh.NewSystemEnvelope(&taskmesh.SystemEvent{
		Type:      taskmesh.SystemEventConnected,
		ContextID: scopeContextID(scope),
	})); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case env, open := <-sender.C():
			if !open {
				// Dropped by the registry, typically for backpressure.
				return
			}
			if err := s.writeFrame(w, flusher, env); err != nil {
				s.logger.Debug("stream write failed",
					slog.String("connection_id", connectionID),
					slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleMessageStream answers message/stream on the same response: the
// task is created or continued exactly like message/send, then the response
// becomes an SSE stream of JSON-RPC results. The first frame carries the
// task itself; the frames after it carry the task's event envelopes until
// the terminal status update closes the stream.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request, req *taskmesh.JSONRPCRequest) {
	params, msg, err := decodeSendParams(req.Params)
	if err != nil {
		s.writeError(w, req.ID, taskmesh.RPCError(err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, req.ID, &taskmesh.JSONRPCError{
			Code:    taskmesh.ErrorCodeInternalError,
			Message: "streaming unsupported",
		})
		return
	}

	var (
		t      *taskmesh.Task
		paused bool
	)
	fresh := msg.TaskID == ""
	if fresh {
		t, err = s.prepareTask(r.Context(), msg, params)
	} else {
		t, paused, err = s.appendMessage(r.Context(), msg)
	}
	if err != nil {
		s.writeError(w, req.ID, taskmesh.RPCError(err))
		return
	}

	// Subscribe to the task's context before submitting, so the stream
	// carries every transition from submitted onward.
	user := auth.FromContext(r.Context())
	connectionID := uuid.NewString()
	sender := event.NewChannelSender(connectionID, s.queueSize)
	guard := s.registry.Register(user.UserID(), connectionID, event.ContextScope(t.ContextID), sender)
	defer guard.Release()

	if fresh {
		if t, err = s.tasks.Submit(r.Context(), t.ID); err != nil {
			s.writeError(w, req.ID, taskmesh.RPCError(err))
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // for nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	first := t
	if params.Configuration != nil {
		first = taskmesh.TrimHistory(t, params.Configuration.HistoryLength)
	}
	if err := s.writeStreamFrame(w, flusher, req.ID, first); err != nil {
		return
	}

	if fresh || paused {
		go s.runExecutor(context.WithoutCancel(r.Context()), t.Clone(), msg)
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case env, open := <-sender.C():
			if !open {
				return
			}
			send, done := taskStreamEvent(env, t.ID)
			if !send {
				continue
			}
			if err := s.writeStreamFrame(w, flusher, req.ID, env); err != nil {
				s.logger.Debug("stream write failed",
					slog.String("connection_id", connectionID),
					slog.Any("error", err))
				return
			}
			if done {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// taskStreamEvent reports whether env belongs on a stream scoped to one
// task, and whether it is the frame that ends the stream.
func taskStreamEvent(env *taskmesh.EventEnvelope, taskID string) (send, done bool) {
	switch {
	case env.StatusUpdate != nil:
		if env.StatusUpdate.TaskID != taskID {
			return false, false
		}
		return true, env.StatusUpdate.Final
	case env.ArtifactUpdate != nil:
		return env.ArtifactUpdate.TaskID == taskID, false
	case env.Delta != nil:
		return env.Delta.TaskID == taskID, false
	case env.System != nil:
		// The context going away ends every stream scoped under it.
		return env.System.Type == taskmesh.SystemEventContextDeleted,
			env.System.Type == taskmesh.SystemEventContextDeleted
	default:
		return false, false
	}
}

// writeStreamFrame writes one JSON-RPC result as an SSE data frame.
func (s *Server) writeStreamFrame(w http.ResponseWriter, flusher http.Flusher, id taskmesh.ID, result any) error {
	resp := &taskmesh.JSONRPCResponse{
		JSONRPCMessage: taskmesh.JSONRPCMessage{JSONRPC: "2.0", ID: id},
		Result:         result,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal stream frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, env *taskmesh.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func scopeContextID(scope event.Scope) string {
	if scope.Kind == event.ScopeKindContext {
		return scope.ID
	}
	return ""
}
