package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowEdge is a directed connection between two AgentInstances within
// the same workflow. Edges are deleted automatically when either endpoint
// instance is deleted.
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
