// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"sync"

	"github.com/taskmesh/taskmesh"
)

// DefaultQueueSize is the per-connection buffer used when no size is given.
const DefaultQueueSize = 64

// ChannelSender is a Sender backed by a buffered channel. The channel
// preserves FIFO order per connection; when the buffer is full Send fails
// immediately with *taskmesh.BackpressureError rather than blocking the
// broadcaster on one slow consumer.
type ChannelSender struct {
	connectionID string
	ch           chan *taskmesh.EventEnvelope

	mu     sync.Mutex
	closed bool
}

var _ Sender = (*ChannelSender)(nil)

// NewChannelSender creates a sender whose queue holds up to size envelopes.
// A non-positive size falls back to DefaultQueueSize.
func NewChannelSender(connectionID string, size int) *ChannelSender {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &ChannelSender{
		connectionID: connectionID,
		ch:           make(chan *taskmesh.EventEnvelope, size),
	}
}

// Send enqueues env. It returns *taskmesh.BackpressureError when the queue
// is full and taskmesh's backpressure contract applies: the caller drops the
// whole connection instead of dropping individual events.
func (s *ChannelSender) Send(env *taskmesh.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &taskmesh.BackpressureError{ConnectionID: s.connectionID}
	}
	select {
	case s.ch <- env:
		return nil
	default:
		return &taskmesh.BackpressureError{ConnectionID: s.connectionID}
	}
}

// Close closes the outbound channel. Idempotent.
func (s *ChannelSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// C exposes the receive side of the queue. The channel is closed when the
// sender is closed, so consumers can range over it.
func (s *ChannelSender) C() <-chan *taskmesh.EventEnvelope {
	return s.ch
}
