// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/taskmesh/taskmesh"
)

// Stream is one live SSE subscription. Envelopes arrive on Events in the
// order the server sent them; after the channel closes, Err reports why the
// stream ended (nil on a clean close).
type Stream struct {
	envelopes chan *taskmesh.EventEnvelope
	cancel    context.CancelFunc

	// decode turns one data frame into an envelope. Plain event streams
	// carry bare envelopes; RPC streams wrap them in JSON-RPC results.
	decode func([]byte) (*taskmesh.EventEnvelope, error)

	mu  sync.Mutex
	err error
}

// Events returns the envelope channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan *taskmesh.EventEnvelope {
	return s.envelopes
}

// Err returns the terminal stream error, if any. Valid after Events closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. The Events channel closes shortly after.
func (s *Stream) Close() {
	s.cancel()
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// rpcFrame is one message/stream SSE frame: a JSON-RPC response whose
// result is the task (first frame) or an event envelope (every frame after).
type rpcFrame struct {
	taskmesh.JSONRPCMessage
	Result jsontext.Value         `json:"result,omitzero"`
	Error  *taskmesh.JSONRPCError `json:"error,omitzero"`
}

// SendMessageStreaming submits a message over message/stream. The server
// answers on the same response with SSE: the accepted task arrives first and
// is returned directly; the task's event envelopes follow on the stream
// until the terminal status update closes it.
func (c *Client) SendMessageStreaming(ctx context.Context, params *taskmesh.MessageSendParams) (*taskmesh.Task, *Stream, error) {
	req := &taskmesh.JSONRPCRequest{
		JSONRPCMessage: taskmesh.NewJSONRPCMessage(c.requestID.Add(1)),
		Method:         taskmesh.MethodMessageStream,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	req.Params = raw
	data, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(data))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Streams outlive the default request timeout; rely on ctx instead.
	httpClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}

	// A request rejected before streaming starts comes back as one plain
	// JSON-RPC body.
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		defer resp.Body.Close()
		defer cancel()
		var frame rpcFrame
		if err := json.UnmarshalRead(resp.Body, &frame); err != nil {
			return nil, nil, fmt.Errorf("stream request failed with status: %s", resp.Status)
		}
		if frame.Error != nil {
			return nil, nil, frame.Error
		}
		return nil, nil, fmt.Errorf("stream request failed with status: %s", resp.Status)
	}

	scanner := newFrameScanner(resp.Body)
	task, err := readTaskFrame(scanner)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, nil, err
	}

	s := &Stream{
		envelopes: make(chan *taskmesh.EventEnvelope, 16),
		cancel:    cancel,
		decode:    decodeRPCFrame,
	}
	go s.read(ctx, resp.Body, scanner)
	return task, s, nil
}

// readTaskFrame consumes frames until the first data frame and decodes the
// task it carries.
func readTaskFrame(scanner *bufio.Scanner) (*taskmesh.Task, error) {
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame rpcFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			return nil, fmt.Errorf("failed to decode stream frame: %w", err)
		}
		if frame.Error != nil {
			return nil, frame.Error
		}
		var t taskmesh.Task
		if err := json.Unmarshal(frame.Result, &t); err != nil {
			return nil, fmt.Errorf("failed to decode streamed task: %w", err)
		}
		return &t, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream ended before the task frame")
}

func decodeRPCFrame(frame []byte) (*taskmesh.EventEnvelope, error) {
	var f rpcFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("failed to decode stream frame: %w", err)
	}
	if f.Error != nil {
		return nil, f.Error
	}
	return decodeEnvelopeFrame(f.Result)
}

// OpenContextStream subscribes to one context's events.
func (c *Client) OpenContextStream(ctx context.Context, contextID string) (*Stream, error) {
	return c.openStream(ctx, c.baseURL+"/stream/contexts/"+contextID)
}

// OpenUserStream subscribes to every event visible to the authenticated
// user.
func (c *Client) OpenUserStream(ctx context.Context) (*Stream, error) {
	return c.openStream(ctx, c.baseURL+"/stream")
}

func (c *Client) openStream(ctx context.Context, url string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// Streams outlive the default request timeout; rely on ctx instead.
	httpClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream request failed with status: %s", resp.Status)
	}

	s := &Stream{
		envelopes: make(chan *taskmesh.EventEnvelope, 16),
		cancel:    cancel,
		decode:    decodeEnvelopeFrame,
	}
	scanner := newFrameScanner(resp.Body)
	go s.read(ctx, resp.Body, scanner)
	return s, nil
}

func newFrameScanner(body io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

func decodeEnvelopeFrame(frame []byte) (*taskmesh.EventEnvelope, error) {
	var env taskmesh.EventEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// read consumes SSE frames until the body ends. Comment lines (heartbeats)
// are skipped; only data frames carry envelopes.
func (s *Stream) read(ctx context.Context, body io.ReadCloser, scanner *bufio.Scanner) {
	defer body.Close()
	defer close(s.envelopes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		env, err := s.decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			s.setErr(err)
			return
		}
		select {
		case s.envelopes <- env:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.setErr(err)
	}
}
