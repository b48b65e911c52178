// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package taskmesh

import (
	"fmt"
	"time"

	"github.com/go-json-experiment/json/jsontext"
)

// Well-known artifact metadata keys.
const (
	// MetadataArtifactType classifies the artifact (e.g. "text", "report").
	MetadataArtifactType = "artifact_type"

	// MetadataCreatedAt is the RFC 3339 creation time of the artifact.
	MetadataCreatedAt = "created_at"

	// MetadataEphemeral marks an artifact as session-scoped. Ephemeral
	// artifacts carry no context ID and are addressed only through their
	// MCP execution ID.
	MetadataEphemeral = "ephemeral"

	// MetadataSource names the producer of the artifact.
	MetadataSource = "source"

	// MetadataToolName names the MCP tool that produced the artifact.
	MetadataToolName = "tool_name"

	// MetadataExecutionID correlates an ephemeral artifact with the tool
	// call that produced it.
	MetadataExecutionID = "mcp_execution_id"
)

// Artifact is an output produced by a task or a tool call.
//
// Durable artifacts belong to a task and its context. Ephemeral artifacts
// belong to nothing: they have no context ID, carry an MCP execution ID in
// their metadata, and are visible only to the requester that issued the
// matching tool call.
type Artifact struct {
	// ArtifactID is the unique artifact identifier.
	ArtifactID string `json:"artifactId"`

	// TaskID is the owning task.
	TaskID string `json:"taskId,omitzero"`

	// ContextID is the owning context. Absent for ephemeral artifacts.
	ContextID string `json:"contextId,omitzero"`

	// Name is an optional human-readable name.
	Name string `json:"name,omitzero"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitzero"`

	// Parts is the ordered artifact content.
	Parts []Part `json:"parts"`

	// Metadata carries the artifact metadata keys defined above plus any
	// extension metadata.
	Metadata map[string]any `json:"metadata,omitzero"`
}

// NewTextArtifact creates a durable artifact with a single text part.
func NewTextArtifact(artifactID, name, text string) *Artifact {
	return &Artifact{
		ArtifactID: artifactID,
		Name:       name,
		Parts:      []Part{NewTextPart(text)},
		Metadata: map[string]any{
			MetadataArtifactType: PartKindText,
			MetadataCreatedAt:    time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// IsEphemeral reports whether the artifact is session-scoped.
func (a *Artifact) IsEphemeral() bool {
	if a == nil || a.Metadata == nil {
		return false
	}
	v, ok := a.Metadata[MetadataEphemeral].(bool)
	return ok && v
}

// ExecutionID returns the MCP execution ID for ephemeral artifacts, or the
// empty string when absent.
func (a *Artifact) ExecutionID() string {
	if a == nil || a.Metadata == nil {
		return ""
	}
	v, _ := a.Metadata[MetadataExecutionID].(string)
	return v
}

// Validate ensures the artifact is well-formed, including the ephemeral
// pairing invariant: ephemeral artifacts carry an execution ID and no
// context ID, durable artifacts carry a context ID.
func (a *Artifact) Validate() error {
	if a == nil {
		return fmt.Errorf("artifact cannot be nil")
	}
	if a.ArtifactID == "" {
		return fmt.Errorf("artifact ID cannot be empty")
	}
	for i, p := range a.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	if a.IsEphemeral() {
		if a.ContextID != "" {
			return fmt.Errorf("ephemeral artifact %s must not carry a context ID", a.ArtifactID)
		}
		if a.ExecutionID() == "" {
			return fmt.Errorf("ephemeral artifact %s must carry an execution ID", a.ArtifactID)
		}
	}
	return nil
}

// Clone returns a deep copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Parts != nil {
		clone.Parts = make([]Part, len(a.Parts))
		copy(clone.Parts, a.Parts)
	}
	if a.Metadata != nil {
		clone.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// ToolResult is the opaque wrapper in which MCP tool results arrive. The
// engine reads only the correlation fields and forwards the rest untouched.
type ToolResult struct {
	// ArtifactID is the identifier assigned by the tool layer.
	ArtifactID string `json:"artifact_id"`

	// ExecutionID correlates the result with the originating tool call.
	ExecutionID string `json:"mcp_execution_id"`

	// Artifact is the produced artifact.
	Artifact *Artifact `json:"artifact"`

	// Meta is tool-layer metadata, passed through unparsed.
	Meta jsontext.Value `json:"_metadata,omitzero"`
}

// Validate ensures the wrapper carries its correlation fields.
func (r *ToolResult) Validate() error {
	if r == nil {
		return fmt.Errorf("tool result cannot be nil")
	}
	if r.ExecutionID == "" {
		return fmt.Errorf("tool result execution ID cannot be empty")
	}
	if r.Artifact == nil {
		return fmt.Errorf("tool result artifact cannot be nil")
	}
	return nil
}
