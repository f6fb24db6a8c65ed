// Package model defines the core domain types for Trellis.
//
// All types correspond directly to storage tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits for workflow metadata. Enforced at the API boundary
// and mirrored by validator tags on the request types.
const (
	MinWorkflowNameLen = 1
	MaxWorkflowNameLen = 100
	MaxDescriptionLen  = 500
)

// CanvasState is the viewport of a workflow's canvas.
type CanvasState struct {
	Zoom float64 `json:"zoom"`
	PanX float64 `json:"pan_x"`
	PanY float64 `json:"pan_y"`
}

// Workflow is the unit of durable graph state owned by one user.
//
// At most one workflow per owner has IsActive=true, and at most one has
// IsDefault=true. Both invariants are enforced by demoting siblings inside
// the same transaction that promotes a workflow, never by a unique index
// alone.
type Workflow struct {
	ID          uuid.UUID   `json:"id"`
	OwnerID     uuid.UUID   `json:"owner_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	IsActive    bool        `json:"is_active"`
	IsDefault   bool        `json:"is_default"`
	IsDirty     bool        `json:"is_dirty"`
	Canvas      CanvasState `json:"canvas"`

	// Version is the optimistic-concurrency token. Starts at 0 and is
	// incremented exactly once per successful conditional write.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastSavedAt *time.Time `json:"last_saved_at,omitempty"`
}

// WorkflowPatch is a field-scoped partial update. Nil fields are left
// untouched, so write payloads stay proportional to the change, not to the
// whole graph.
type WorkflowPatch struct {
	Name        *string      `json:"name,omitempty"`
	Description *string      `json:"description,omitempty"`
	IsActive    *bool        `json:"is_active,omitempty"`
	IsDefault   *bool        `json:"is_default,omitempty"`
	IsDirty     *bool        `json:"is_dirty,omitempty"`
	Canvas      *CanvasState `json:"canvas,omitempty"`
	LastSavedAt *time.Time   `json:"last_saved_at,omitempty"`
}

// Merge overlays newer onto p and returns the result. Fields set in newer
// win; fields only set in p survive. Neither input is modified.
func (p WorkflowPatch) Merge(newer WorkflowPatch) WorkflowPatch {
	out := p
	if newer.Name != nil {
		out.Name = newer.Name
	}
	if newer.Description != nil {
		out.Description = newer.Description
	}
	if newer.IsActive != nil {
		out.IsActive = newer.IsActive
	}
	if newer.IsDefault != nil {
		out.IsDefault = newer.IsDefault
	}
	if newer.IsDirty != nil {
		out.IsDirty = newer.IsDirty
	}
	if newer.Canvas != nil {
		out.Canvas = newer.Canvas
	}
	if newer.LastSavedAt != nil {
		out.LastSavedAt = newer.LastSavedAt
	}
	return out
}

// IsEmpty reports whether the patch carries no field changes.
func (p WorkflowPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.IsActive == nil &&
		p.IsDefault == nil && p.IsDirty == nil && p.Canvas == nil &&
		p.LastSavedAt == nil
}
