// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Protocol tags the source protocol of a streamed event. The set is closed:
// adding a variant requires coordinated server and client changes.
type Protocol string

const (
	// ProtocolAGUI tags agent-UI streaming events (incremental output).
	ProtocolAGUI Protocol = "agui"

	// ProtocolA2A tags task lifecycle events (status and artifact updates).
	ProtocolA2A Protocol = "a2a"

	// ProtocolSystem tags engine-generated events (connection lifecycle,
	// context administration).
	ProtocolSystem Protocol = "system"
)

// StreamDeltaEvent is an AGUI event carrying a chunk of incremental agent
// output for a task.
type StreamDeltaEvent struct {
	// Type is the AGUI event type (e.g. "text-delta", "run-finished").
	Type string `json:"type"`

	// TaskID is the task producing the output.
	TaskID string `json:"taskId,omitzero"`

	// ContextID is the task's context.
	ContextID string `json:"contextId,omitzero"`

	// Delta is the incremental text content, if any.
	Delta string `json:"delta,omitzero"`

	// Data is arbitrary structured payload, if any.
	Data map[string]any `json:"data,omitzero"`
}

// System event types.
const (
	SystemEventConnected      = "connected"
	SystemEventContextDeleted = "context-deleted"
	SystemEventShutdown       = "shutdown"
)

// SystemEvent is an engine-generated event.
type SystemEvent struct {
	// Type is one of the system event types above.
	Type string `json:"type"`

	// ContextID scopes the event to a context, if applicable.
	ContextID string `json:"contextId,omitzero"`

	// Message is an optional human-readable description.
	Message string `json:"message,omitzero"`
}

// EventEnvelope is the tagged union delivered over exactly one transport
// frame. Exactly one variant field is set; the protocol tag on the wire is
// derived from which one.
type EventEnvelope struct {
	StatusUpdate   *TaskStatusUpdateEvent
	ArtifactUpdate *TaskArtifactUpdateEvent
	Delta          *StreamDeltaEvent
	System         *SystemEvent
}

// NewStatusEnvelope wraps a status update event.
func NewStatusEnvelope(ev *TaskStatusUpdateEvent) *EventEnvelope {
	return &EventEnvelope{StatusUpdate: ev}
}

// NewArtifactEnvelope wraps an artifact update event.
func NewArtifactEnvelope(ev *TaskArtifactUpdateEvent) *EventEnvelope {
	return &EventEnvelope{ArtifactUpdate: ev}
}

// NewDeltaEnvelope wraps an AGUI stream delta event.
func NewDeltaEnvelope(ev *StreamDeltaEvent) *EventEnvelope {
	return &EventEnvelope{Delta: ev}
}

// NewSystemEnvelope wraps a system event.
func NewSystemEnvelope(ev *SystemEvent) *EventEnvelope {
	return &EventEnvelope{System: ev}
}

// Protocol returns the protocol tag of the set variant.
func (e *EventEnvelope) Protocol() Protocol {
	switch {
	case e.StatusUpdate != nil, e.ArtifactUpdate != nil:
		return ProtocolA2A
	case e.Delta != nil:
		return ProtocolAGUI
	case e.System != nil:
		return ProtocolSystem
	default:
		return ""
	}
}

// event returns the set variant as an any, or nil when empty.
func (e *EventEnvelope) event() any {
	switch {
	case e.StatusUpdate != nil:
		return e.StatusUpdate
	case e.ArtifactUpdate != nil:
		return e.ArtifactUpdate
	case e.Delta != nil:
		return e.Delta
	case e.System != nil:
		return e.System
	default:
		return nil
	}
}

// wireEnvelope is the on-the-wire shape of an envelope.
type wireEnvelope struct {
	Protocol Protocol       `json:"protocol"`
	Event    jsontext.Value `json:"event"`
}

// MarshalJSON implements json.Marshaler.
func (e *EventEnvelope) MarshalJSON() ([]byte, error) {
	ev := e.event()
	if ev == nil {
		return nil, fmt.Errorf("event envelope has no variant set")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Protocol(), err)
	}
	return json.Marshal(wireEnvelope{Protocol: e.Protocol(), Event: data})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown protocol tags and,
// within the a2a protocol, unknown kinds are rejected.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*e = EventEnvelope{}
	switch wire.Protocol {
	case ProtocolA2A:
		var kind struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(wire.Event, &kind); err != nil {
			return err
		}
		switch kind.Kind {
		case KindStatusUpdate:
			ev := new(TaskStatusUpdateEvent)
			if err := json.Unmarshal(wire.Event, ev); err != nil {
				return err
			}
			e.StatusUpdate = ev
		case KindArtifactUpdate:
			ev := new(TaskArtifactUpdateEvent)
			if err := json.Unmarshal(wire.Event, ev); err != nil {
				return err
			}
			e.ArtifactUpdate = ev
		default:
			return fmt.Errorf("unknown a2a event kind: %q", kind.Kind)
		}
	case ProtocolAGUI:
		ev := new(StreamDeltaEvent)
		if err := json.Unmarshal(wire.Event, ev); err != nil {
			return err
		}
		e.Delta = ev
	case ProtocolSystem:
		ev := new(SystemEvent)
		if err := json.Unmarshal(wire.Event, ev); err != nil {
			return err
		}
		e.System = ev
	default:
		return fmt.Errorf("unknown event protocol: %q", wire.Protocol)
	}
	return nil
}
