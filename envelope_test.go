// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"strings"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/google/go-cmp/cmp"
)

func TestEventEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		envelope *EventEnvelope
		protocol Protocol
	}{
		{
			name: "status update",
			envelope: NewStatusEnvelope(&TaskStatusUpdateEvent{
				Kind:      KindStatusUpdate,
				TaskID:    "task-1",
				ContextID: "ctx-1",
				Status:    TaskStatus{State: TaskStateWorking, Timestamp: "2025-01-02T03:04:05Z"},
			}),
			protocol: ProtocolA2A,
		},
		{
			name: "artifact update",
			envelope: NewArtifactEnvelope(&TaskArtifactUpdateEvent{
				Kind:      KindArtifactUpdate,
				TaskID:    "task-1",
				ContextID: "ctx-1",
				Artifact:  &Artifact{ArtifactID: "a1", ContextID: "ctx-1", Parts: []Part{NewTextPart("done")}},
				LastChunk: true,
			}),
			protocol: ProtocolA2A,
		},
		{
			name: "stream delta",
			envelope: NewDeltaEnvelope(&StreamDeltaEvent{
				Type:   "text-delta",
				TaskID: "task-1",
				Delta:  "hel",
			}),
			protocol: ProtocolAGUI,
		},
		{
			name: "system",
			envelope: NewSystemEnvelope(&SystemEvent{
				Type:      SystemEventContextDeleted,
				ContextID: "ctx-1",
			}),
			protocol: ProtocolSystem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.envelope.Protocol(); got != tt.protocol {
				t.Fatalf("Protocol() = %q, want %q", got, tt.protocol)
			}

			data, err := json.Marshal(tt.envelope)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if !strings.Contains(string(data), `"protocol":"`+string(tt.protocol)+`"`) {
				t.Errorf("wire frame missing protocol tag: %s", data)
			}

			var got EventEnvelope
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if diff := cmp.Diff(tt.envelope, &got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEventEnvelopeRejectsUnknownProtocol(t *testing.T) {
	var env EventEnvelope
	err := json.Unmarshal([]byte(`{"protocol":"carrier-pigeon","event":{}}`), &env)
	if err == nil {
		t.Fatal("Unmarshal with unknown protocol tag succeeded, want error")
	}
}

func TestEventEnvelopeRejectsUnknownA2AKind(t *testing.T) {
	var env EventEnvelope
	err := json.Unmarshal([]byte(`{"protocol":"a2a","event":{"kind":"telepathy"}}`), &env)
	if err == nil {
		t.Fatal("Unmarshal with unknown a2a kind succeeded, want error")
	}
}

func TestEventEnvelopeEmptyMarshalFails(t *testing.T) {
	if _, err := json.Marshal(&EventEnvelope{}); err == nil {
		t.Fatal("Marshal of empty envelope succeeded, want error")
	}
}
