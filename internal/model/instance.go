package model

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus represents the lifecycle state of a deployed agent instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusStopped   InstanceStatus = "stopped"
)

// ValidInstanceStatus reports whether s is one of the known statuses.
func ValidInstanceStatus(s InstanceStatus) bool {
	switch s {
	case InstanceStatusRunning, InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusStopped:
		return true
	}
	return false
}

// MediaStorage selects where generated media for an instance is persisted.
type MediaStorage string

const (
	MediaStorageDB       MediaStorage = "db"
	MediaStorageLocal    MediaStorage = "local"
	MediaStorageCloud    MediaStorage = "cloud"
	MediaStorageDisabled MediaStorage = "disabled"
)

// PersistenceConfig is the per-instance journaling policy.
//
// System-category events are never gated by this config; see
// journal.Writer.Record.
type PersistenceConfig struct {
	SaveChat           bool         `json:"save_chat"`
	SaveErrors         bool         `json:"save_errors"`
	SaveHistorySummary bool         `json:"save_history_summary"`
	SaveLinks          bool         `json:"save_links"`
	SaveTasks          bool         `json:"save_tasks"`
	MediaStorage       MediaStorage `json:"media_storage"`
}

// MediaEnabled reports whether media entries may be journaled. The zero
// value behaves as "db": media is on unless explicitly disabled.
func (c PersistenceConfig) MediaEnabled() bool {
	return c.MediaStorage != MediaStorageDisabled
}

// InstanceMetrics holds monotonically non-decreasing counters for one
// instance. Counters are only ever incremented, in the same transaction as
// the content append they account for.
type InstanceMetrics struct {
	TokensUsed     int64 `json:"tokens_used"`
	ErrorCount     int64 `json:"error_count"`
	MediaGenerated int64 `json:"media_generated"`
	CallCount      int64 `json:"call_count"`
}

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AgentInstance is one deployed node on the canvas: an independent, mutable
// snapshot of an AgentPrototype. PrototypeID is provenance only; edits to a
// prototype never retroactively affect existing instances.
type AgentInstance struct {
	ID          uuid.UUID  `json:"id"`
	WorkflowID  uuid.UUID  `json:"workflow_id"`
	PrototypeID *uuid.UUID `json:"prototype_id,omitempty"`

	Name         string         `json:"name"`
	Role         string         `json:"role"`
	SystemPrompt string         `json:"system_prompt"`
	LLMProvider  string         `json:"llm_provider"`
	LLMModel     string         `json:"llm_model"`
	Position     Position       `json:"position"`
	Status       InstanceStatus `json:"status"`

	Metrics     InstanceMetrics   `json:"metrics"`
	Persistence PersistenceConfig `json:"persistence_config"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// AgentPrototype is a reusable agent configuration. Instantiating a
// prototype onto a canvas copies its configuration by value.
type AgentPrototype struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	SystemPrompt string            `json:"system_prompt"`
	LLMProvider  string            `json:"llm_provider"`
	LLMModel     string            `json:"llm_model"`
	Persistence  PersistenceConfig `json:"persistence_config"`
}

// Instantiate deep-copies the prototype's configuration into a fresh
// AgentInstance placed at pos. The instance owns its configuration outright
// from this point; only the provenance id links back to the prototype.
func (p AgentPrototype) Instantiate(workflowID uuid.UUID, pos Position) AgentInstance {
	protoID := p.ID
	now := time.Now().UTC()
	return AgentInstance{
		ID:           uuid.New(),
		WorkflowID:   workflowID,
		PrototypeID:  &protoID,
		Name:         p.Name,
		Role:         p.Role,
		SystemPrompt: p.SystemPrompt,
		LLMProvider:  p.LLMProvider,
		LLMModel:     p.LLMModel,
		Position:     pos,
		Status:       InstanceStatusStopped,
		Persistence:  p.Persistence,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
