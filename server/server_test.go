// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/taskmesh/taskmesh"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Subject(subject).Build()
	if err != nil {
		t.Fatalf("failed to build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithInsecureNoSignature())
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return "Bearer " + string(signed)
}

func rpcCall(t *testing.T, ts *httptest.Server, method string, params any) *taskmesh.JSONRPCResponse {
	t.Helper()
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", bearerToken(t, "user-1"))

	resp, err := ts.Client().Do(httpReq)
	if err != nil {
		t.Fatalf("rpc call failed: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp taskmesh.JSONRPCResponse
	if err := json.UnmarshalRead(resp.Body, &rpcResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &rpcResp
}

// resultAs re-marshals the any-typed result into a concrete type.
func resultAs(t *testing.T, resp *taskmesh.JSONRPCResponse, dst any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
}

func TestServerTaskRoundTrip(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	var c taskmesh.Context
	resultAs(t, rpcCall(t, ts, taskmesh.MethodContextsCreate, taskmesh.ContextCreateParams{Name: "research"}), &c)
	if c.ID == "" {
		t.Fatal("contexts/create returned empty id")
	}

	msg := taskmesh.NewUserMessage(c.ID, "find the answer")
	var created taskmesh.Task
	resultAs(t, rpcCall(t, ts, taskmesh.MethodMessageSend, taskmesh.MessageSendParams{
		Message:       msg,
		Configuration: &taskmesh.MessageSendConfiguration{Blocking: true},
	}), &created)
	if created.Status.State != taskmesh.TaskStateCompleted {
		t.Fatalf("blocking send final state = %q, want completed", created.Status.State)
	}
	if len(created.Artifacts) == 0 {
		t.Error("completed task has no artifacts")
	}

	var fetched taskmesh.Task
	resultAs(t, rpcCall(t, ts, taskmesh.MethodTasksGet, taskmesh.TaskQueryParams{ID: created.ID}), &fetched)
	if fetched.ID != created.ID {
		t.Errorf("tasks/get returned %q, want %q", fetched.ID, created.ID)
	}

	var list taskmesh.TaskListResult
	resultAs(t, rpcCall(t, ts, taskmesh.MethodTasksList, taskmesh.ContextIDParams{ContextID: c.ID}), &list)
	if len(list.Tasks) != 1 {
		t.Errorf("tasks/list returned %d tasks, want 1", len(list.Tasks))
	}

	// Canceling a finished task is a no-op.
	var canceled taskmesh.Task
	resultAs(t, rpcCall(t, ts, taskmesh.MethodTasksCancel, taskmesh.TaskIDParams{ID: created.ID}), &canceled)
	if canceled.Status.State != taskmesh.TaskStateCompleted {
		t.Errorf("cancel of completed task state = %q, want completed", canceled.Status.State)
	}

	var deleted taskmesh.Context
	resultAs(t, rpcCall(t, ts, taskmesh.MethodContextsDelete, taskmesh.ContextIDParams{ContextID: c.ID}), &deleted)
	if !deleted.Deleted {
		t.Error("contexts/delete did not mark the context deleted")
	}

	var contexts taskmesh.ContextListResult
	resultAs(t, rpcCall(t, ts, taskmesh.MethodContextsList, nil), &contexts)
	for _, got := range contexts.Contexts {
		if got.ID == c.ID {
			t.Error("deleted context still listed")
		}
	}
}

func TestServerRPCErrors(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp := rpcCall(t, ts, "no/such/method", nil)
	if resp.Error == nil || resp.Error.Code != taskmesh.ErrorCodeMethodNotFound {
		t.Errorf("unknown method error = %+v, want code %d", resp.Error, taskmesh.ErrorCodeMethodNotFound)
	}

	resp = rpcCall(t, ts, taskmesh.MethodTasksGet, taskmesh.TaskQueryParams{ID: "missing"})
	if resp.Error == nil || resp.Error.Code != taskmesh.ErrorCodeTaskNotFound {
		t.Errorf("missing task error = %+v, want code %d", resp.Error, taskmesh.ErrorCodeTaskNotFound)
	}

	resp = rpcCall(t, ts, taskmesh.MethodMessageSend, taskmesh.MessageSendParams{})
	if resp.Error == nil || resp.Error.Code != taskmesh.ErrorCodeInvalidParams {
		t.Errorf("missing message error = %+v, want code %d", resp.Error, taskmesh.ErrorCodeInvalidParams)
	}
}

func TestServerRequiresAuth(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	resp, err := ts.Client().Post(ts.URL+"/rpc", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"contexts/list"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

// readSSE consumes data frames from an SSE body and forwards the decoded
// envelopes until the stream ends.
func readSSE(t *testing.T, body *bufio.Scanner, envelopes chan<- *taskmesh.EventEnvelope) {
	t.Helper()
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env taskmesh.EventEnvelope
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
			t.Errorf("failed to decode envelope %q: %v", line, err)
			continue
		}
		envelopes <- &env
	}
	close(envelopes)
}

func TestServerContextStreamDeliversTaskEvents(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, WithHeartbeatInterval(50*time.Millisecond))

	var c taskmesh.Context
	resultAs(t, rpcCall(t, ts, taskmesh.MethodContextsCreate, taskmesh.ContextCreateParams{Name: "stream"}), &c)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream/contexts/"+c.ID, nil)
	req.Header.Set("Authorization", bearerToken(t, "user-1"))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("stream content type = %q, want text/event-stream", got)
	}

	envelopes := make(chan *taskmesh.EventEnvelope, 32)
	go readSSE(t, bufio.NewScanner(resp.Body), envelopes)

	// The stream opens with a connected system event.
	select {
	case env := <-envelopes:
		if env.System == nil || env.System.Type != taskmesh.SystemEventConnected {
			t.Fatalf("first envelope = %+v, want connected system event", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connected event")
	}

	rpcCall(t, ts, taskmesh.MethodMessageSend, taskmesh.MessageSendParams{
		Message: taskmesh.NewUserMessage(c.ID, "go"),
	})

	var states []taskmesh.TaskState
	sawArtifact := false
	deadline := time.After(5 * time.Second)
	for {
		var env *taskmesh.EventEnvelope
		select {
		case env = <-envelopes:
		case <-deadline:
			t.Fatalf("timed out, states so far: %v", states)
		}
		switch {
		case env.StatusUpdate != nil:
			states = append(states, env.StatusUpdate.Status.State)
			if env.StatusUpdate.Final {
				if states[len(states)-1] != taskmesh.TaskStateCompleted {
					t.Errorf("final state = %q, want completed", states[len(states)-1])
				}
				if !sawArtifact {
					t.Error("no artifact-update event before completion")
				}
				return
			}
		case env.ArtifactUpdate != nil:
			sawArtifact = true
		}
	}
}

// TestServerMessageStreamSameResponse exercises message/stream: the POST
// /rpc response itself becomes an SSE stream whose first frame is the
// submitted task and whose later frames are that task's events through the
// terminal status update.
func TestServerStreamHeartbeatIsComment(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, WithHeartbeatInterval(20*time.Millisecond))

	var c taskmesh.Context
	resultAs(t, rpcCall(t, ts, taskmesh.MethodContextsCreate, taskmesh.ContextCreateParams{Name: "heartbeat"}), &c)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream/contexts/"+c.ID, nil)
	req.Header.Set("Authorization", bearerToken(t, "user-1"))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	stop := time.AfterFunc(time.Second, func() { resp.Body.Close() })
	defer stop.Stop()
	defer resp.Body.Close()

	heartbeats := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && heartbeats < 3 {
		line := scanner.Text()
		switch {
		case line == "":
		case strings.HasPrefix(line, ": "):
			// Comment lines carry the heartbeat and nothing else.
			if line != ": heartbeat" {
				t.Errorf("unexpected comment line %q", line)
			}
			heartbeats++
		case strings.HasPrefix(line, "data: "):
			var env taskmesh.EventEnvelope
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env); err != nil {
				t.Errorf("data frame %q is not an envelope: %v", line, err)
			}
		default:
			t.Errorf("unexpected stream line %q", line)
		}
	}
	if heartbeats < 3 {
		t.Fatalf("saw %d heartbeat comments, want at least 3", heartbeats)
	}
}

func TestServerMessageStreamSameResponse(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	var c taskmesh.Context
	resultAs(t, rpcCall(t, ts, taskmesh.MethodContextsCreate, taskmesh.ContextCreateParams{Name: "inline"}), &c)

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  taskmesh.MethodMessageStream,
		"params":  taskmesh.MessageSendParams{Message: taskmesh.NewUserMessage(c.ID, "go")},
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerToken(t, "user-1"))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("message/stream content type = %q, want text/event-stream", got)
	}

	type frame struct {
		taskmesh.JSONRPCMessage
		Result jsontext.Value         `json:"result,omitzero"`
		Error  *taskmesh.JSONRPCError `json:"error,omitzero"`
	}
	var frames []frame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("failed to decode frame %q: %v", line, err)
		}
		if f.Error != nil {
			t.Fatalf("stream frame carries error: %+v", f.Error)
		}
		frames = append(frames, f)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("stream carried %d frames, want task plus events", len(frames))
	}

	var task taskmesh.Task
	if err := json.Unmarshal(frames[0].Result, &task); err != nil {
		t.Fatalf("first frame is not a task: %v", err)
	}
	if task.Kind != taskmesh.KindTask || task.Status.State != taskmesh.TaskStateSubmitted {
		t.Errorf("first frame = kind %q state %q, want task/submitted", task.Kind, task.Status.State)
	}

	var states []taskmesh.TaskState
	for _, f := range frames[1:] {
		var env taskmesh.EventEnvelope
		if err := json.Unmarshal(f.Result, &env); err != nil {
			t.Fatalf("event frame is not an envelope: %v", err)
		}
		if env.StatusUpdate != nil {
			if env.StatusUpdate.TaskID != task.ID {
				t.Errorf("status update for task %q on a stream for %q", env.StatusUpdate.TaskID, task.ID)
			}
			states = append(states, env.StatusUpdate.Status.State)
		}
	}
	if len(states) == 0 || states[len(states)-1] != taskmesh.TaskStateCompleted {
		t.Errorf("streamed states = %v, want trailing completed", states)
	}
}

func TestServerStreamUnknownContext(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream/contexts/no-such", nil)
	req.Header.Set("Authorization", bearerToken(t, "user-1"))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServerToolResultDelivery(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t)

	var wg sync.WaitGroup
	wg.Add(1)
	var artifact *taskmesh.Artifact
	var subErr error
	go func() {
		defer wg.Done()
		artifact, subErr = s.Bridge().Subscribe(context.Background(), "exec-7", 5*time.Second)
	}()
	for i := 0; s.Bridge().Waiting() == 0 && i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	payload := `{
		"artifact_id": "art-7",
		"mcp_execution_id": "exec-7",
		"artifact": {
			"artifactId": "art-7",
			"parts": [{"kind": "text", "text": "tool says hi"}],
			"metadata": {"ephemeral": true, "mcp_execution_id": "exec-7"}
		}
	}`
	resp, err := ts.Client().Post(ts.URL+"/tools/results", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("tool result post failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tool result status = %d, want 200", resp.StatusCode)
	}

	wg.Wait()
	if subErr != nil {
		t.Fatalf("Subscribe() error = %v", subErr)
	}
	if artifact.ExecutionID() != "exec-7" {
		t.Errorf("artifact execution ID = %q, want exec-7", artifact.ExecutionID())
	}
}
