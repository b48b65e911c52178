// Copyright 2025 The TaskMesh Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh"
)

// statusColumn stores a TaskStatus as a JSON database column.
type statusColumn struct {
	taskmesh.TaskStatus
}

// Value implements driver.Valuer.
func (c statusColumn) Value() (driver.Value, error) {
	return json.Marshal(c.TaskStatus)
}

// Scan implements sql.Scanner.
func (c *statusColumn) Scan(value any) error {
	return scanJSON(value, &c.TaskStatus)
}

// messagesColumn stores a message history as a JSON database column.
type messagesColumn struct {
	Messages []*taskmesh.Message
}

// Value implements driver.Valuer.
func (c messagesColumn) Value() (driver.Value, error) {
	if c.Messages == nil {
		return nil, nil
	}
	return json.Marshal(c.Messages)
}

// Scan implements sql.Scanner.
func (c *messagesColumn) Scan(value any) error {
	if value == nil {
		c.Messages = nil
		return nil
	}
	return scanJSON(value, &c.Messages)
}

// artifactsColumn stores an artifact list as a JSON database column.
type artifactsColumn struct {
	Artifacts []*taskmesh.Artifact
}

// Value implements driver.Valuer.
func (c artifactsColumn) Value() (driver.Value, error) {
	if c.Artifacts == nil {
		return nil, nil
	}
	return json.Marshal(c.Artifacts)
}

// Scan implements sql.Scanner.
func (c *artifactsColumn) Scan(value any) error {
	if value == nil {
		c.Artifacts = nil
		return nil
	}
	return scanJSON(value, &c.Artifacts)
}

// metadataColumn stores a metadata map as a JSON database column.
type metadataColumn struct {
	Metadata map[string]any
}

// Value implements driver.Valuer.
func (c metadataColumn) Value() (driver.Value, error) {
	if c.Metadata == nil {
		return nil, nil
	}
	return json.Marshal(c.Metadata)
}

// Scan implements sql.Scanner.
func (c *metadataColumn) Scan(value any) error {
	if value == nil {
		c.Metadata = nil
		return nil
	}
	return scanJSON(value, &c.Metadata)
}

func scanJSON(value, dst any) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T as JSON column", value)
	}
	return json.Unmarshal(data, dst)
}

// TaskModel is the GORM model for durable task rows.
type TaskModel struct {
	ID        string          `gorm:"primaryKey;size:36"`
	ContextID string          `gorm:"index;size:36;column:context_id"`
	AgentName string          `gorm:"size:255;column:agent_name"`
	State     string          `gorm:"size:32;index"`
	Status    statusColumn    `gorm:"type:json"`
	History   messagesColumn  `gorm:"type:json"`
	Artifacts artifactsColumn `gorm:"type:json"`
	Metadata  metadataColumn  `gorm:"type:json"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

// TableName implements the GORM table name convention.
func (TaskModel) TableName() string { return "tasks" }

// NewTaskModel converts a task into its database row.
func NewTaskModel(t *taskmesh.Task) *TaskModel {
	return &TaskModel{
		ID:        t.ID,
		ContextID: t.ContextID,
		AgentName: t.AgentName,
		State:     string(t.Status.State),
		Status:    statusColumn{TaskStatus: t.Status},
		History:   messagesColumn{Messages: t.History},
		Artifacts: artifactsColumn{Artifacts: t.Artifacts},
		Metadata:  metadataColumn{Metadata: t.Metadata},
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// ToTask converts the database row back into a task.
func (m *TaskModel) ToTask() *taskmesh.Task {
	return &taskmesh.Task{
		ID:        m.ID,
		ContextID: m.ContextID,
		Kind:      taskmesh.KindTask,
		AgentName: m.AgentName,
		Status:    m.Status.TaskStatus,
		History:   m.History.Messages,
		Artifacts: m.Artifacts.Artifacts,
		Metadata:  m.Metadata.Metadata,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// ContextModel is the GORM model for durable context rows.
type ContextModel struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Name         string    `gorm:"size:255"`
	AgentName    string    `gorm:"size:255;column:agent_name"`
	MessageCount int       `gorm:"column:message_count"`
	Deleted      bool      `gorm:"index"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName implements the GORM table name convention.
func (ContextModel) TableName() string { return "contexts" }

// NewContextModel converts a context into its database row.
func NewContextModel(c *taskmesh.Context) *ContextModel {
	return &ContextModel{
		ID:           c.ID,
		Name:         c.Name,
		AgentName:    c.AgentName,
		MessageCount: c.MessageCount,
		Deleted:      c.Deleted,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// ToContext converts the database row back into a context.
func (m *ContextModel) ToContext() *taskmesh.Context {
	return &taskmesh.Context{
		ID:           m.ID,
		Name:         m.Name,
		AgentName:    m.AgentName,
		MessageCount: m.MessageCount,
		Deleted:      m.Deleted,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
