package trellis

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CanvasState is the viewport of a workflow's canvas.
type CanvasState struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
}

// Workflow mirrors the server's workflow resource.
type Workflow struct {
	ID          uuid.UUID   `json:"id"`
	OwnerID     uuid.UUID   `json:"owner_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	IsActive    bool        `json:"is_active"`
	IsDefault   bool        `json:"is_default"`
	IsDirty     bool        `json:"is_dirty"`
	Canvas      CanvasState `json:"canvas"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	LastSavedAt *time.Time  `json:"last_saved_at,omitempty"`
}

// WorkflowPatch is a field-scoped partial update. Nil fields are left
// untouched by the server.
type WorkflowPatch struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	IsActive    *bool        `json:"is_active,omitempty"`
	IsDefault   *bool        `json:"is_default,omitempty"`
	IsDirty     *bool        `json:"is_dirty,omitempty"`
	Canvas      *CanvasState `json:"canvas,omitempty"`
}

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PersistenceConfig is the per-instance journaling policy.
type PersistenceConfig struct {
	SaveChat           bool   `json:"save_chat"`
	SaveErrors         bool   `json:"save_errors"`
	SaveHistorySummary bool   `json:"save_history_summary"`
	SaveLinks          bool   `json:"save_links"`
	SaveTasks          bool   `json:"save_tasks"`
	MediaStorage       string `json:"media_storage"`
}

// InstanceMetrics holds an instance's usage counters.
type InstanceMetrics struct {
	TokensUsed     int64 `json:"tokens_used"`
	ErrorCount     int64 `json:"error_count"`
	MediaGenerated int64 `json:"media_generated"`
	CallCount      int64 `json:"call_count"`
}

// AgentPrototype is a reusable agent configuration.
type AgentPrototype struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	SystemPrompt string            `json:"system_prompt"`
	LLMProvider  string            `json:"llm_provider"`
	LLMModel     string            `json:"llm_model"`
	Persistence  PersistenceConfig `json:"persistence_config"`
}

// AgentInstance is one deployed node on the canvas.
type AgentInstance struct {
	ID           uuid.UUID         `json:"id"`
	WorkflowID   uuid.UUID         `json:"workflow_id"`
	PrototypeID  *uuid.UUID        `json:"prototype_id,omitempty"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	SystemPrompt string            `json:"system_prompt"`
	LLMProvider  string            `json:"llm_provider"`
	LLMModel     string            `json:"llm_model"`
	Position     Position          `json:"position"`
	Status       string            `json:"status"`
	Metrics      InstanceMetrics   `json:"metrics"`
	Persistence  PersistenceConfig `json:"persistence_config"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastActiveAt *time.Time        `json:"last_active_at,omitempty"`
}

// WorkflowEdge is a directed connection between two instances.
type WorkflowEdge struct {
	ID               uuid.UUID `json:"id"`
	WorkflowID       uuid.UUID `json:"workflow_id"`
	SourceInstanceID uuid.UUID `json:"source_instance_id"`
	TargetInstanceID uuid.UUID `json:"target_instance_id"`
	SourceHandle     string    `json:"source_handle,omitempty"`
	TargetHandle     string    `json:"target_handle,omitempty"`
	EdgeType         string    `json:"edge_type,omitempty"`
	Animated         bool      `json:"animated"`
	Label            string    `json:"label,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ContentEntry is one element of an instance's content log, in envelope
// form. Payload is the kind-specific object, left raw for the caller.
type ContentEntry struct {
	ID         uuid.UUID       `json:"id"`
	InstanceID uuid.UUID       `json:"instance_id"`
	Kind       string          `json:"kind"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
	Payload    json.RawMessage `json:"payload"`
}

// GraphNode is the normalized node form for SyncGraph.
type GraphNode struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Position Position  `json:"position"`
}

// GraphEdge is the normalized edge form for SyncGraph.
type GraphEdge struct {
	ID     uuid.UUID `json:"id"`
	Source uuid.UUID `json:"source"`
	Target uuid.UUID `json:"target"`
	Type   string    `json:"type,omitempty"`
}

// ResolveDefaultResponse is the result of resolving the default workflow.
type ResolveDefaultResponse struct {
	Workflow   Workflow `json:"workflow"`
	WasCreated bool     `json:"was_created"`
	Actions    []string `json:"actions"`
}

// WorkflowDetail is a workflow with its full graph.
type WorkflowDetail struct {
	Workflow  Workflow        `json:"workflow"`
	Instances []AgentInstance `json:"instances"`
	Edges     []WorkflowEdge  `json:"edges"`
}

// PatchWorkflowResponse reports the version after a successful write.
type PatchWorkflowResponse struct {
	Version     int64     `json:"version"`
	LastSavedAt time.Time `json:"last_saved_at"`
}

// DeleteWorkflowResponse reports a deletion and, when the default was
// deleted, the re-resolved replacement.
type DeleteWorkflowResponse struct {
	Deleted    bool                    `json:"deleted"`
	Resolution *ResolveDefaultResponse `json:"resolution,omitempty"`
}

// AppendContentResponse reports the journaling decision for one entry.
type AppendContentResponse struct {
	Accepted bool       `json:"accepted"`
	Reason   string     `json:"reason,omitempty"`
	EntryID  *uuid.UUID `json:"entry_id,omitempty"`
	Seq      *int64     `json:"seq,omitempty"`
}

// SaveStatus is the save-indicator snapshot for a workflow.
type SaveStatus struct {
	Status       string     `json:"status"`
	IsDirty      bool       `json:"is_dirty"`
	Version      int64      `json:"version"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// HealthResponse is the server health report.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Backend       string `json:"backend"`
	BufferedItems int    `json:"buffered_items"`
	Uptime        int64  `json:"uptime_seconds"`
}
