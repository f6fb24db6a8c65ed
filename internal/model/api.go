package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
//
// VERSION_CONFLICT is deliberately distinct from NOT_FOUND: a conflict means
// the record exists, the caller's view is stale, and a reload-then-retry is
// the correct recovery, never a data-loss signal.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeInvalidID       = "INVALID_ID"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeNotOwner        = "NOT_OWNER"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeTransient       = "TRANSIENT"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ResolveDefaultResponse is the response for GET /v1/workflows/default.
type ResolveDefaultResponse struct {
	Workflow   Workflow `json:"workflow"`
	WasCreated bool     `json:"was_created"`
	// Actions lists, in order, the human-readable self-healing steps taken
	// (promotions and creation). Empty when the default resolved directly.
	Actions []string `json:"actions"`
}

// WorkflowDetailResponse is the response for GET /v1/workflows/{workflow_id}:
// the workflow plus its full graph.
type WorkflowDetailResponse struct {
	Workflow  Workflow        `json:"workflow"`
	Instances []AgentInstance `json:"instances"`
	Edges     []WorkflowEdge  `json:"edges"`
}

// DeleteWorkflowResponse reports a workflow deletion. When the deleted
// workflow was the owner's default, Resolution carries the re-resolved
// replacement so the client is never left without a workflow.
type DeleteWorkflowResponse struct {
	Deleted    bool                    `json:"deleted"`
	Resolution *ResolveDefaultResponse `json:"resolution,omitempty"`
}

// PatchWorkflowRequest is the request body for PATCH /v1/workflows/{workflow_id}.
// Set carries only the fields to change; ExpectedVersion is the version the
// caller last observed.
type PatchWorkflowRequest struct {
	Set             WorkflowPatch `json:"set"`
	ExpectedVersion int64         `json:"expected_version" validate:"gte=0"`
}

// PatchWorkflowResponse returns the version after a successful patch.
type PatchWorkflowResponse struct {
	Version     int64     `json:"version"`
	LastSavedAt time.Time `json:"last_saved_at"`
}

// CreateWorkflowRequest is the request body for POST /v1/workflows.
type CreateWorkflowRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100"`
	Description string `json:"description,omitempty" validate:"max=500"`
}

// CreateInstanceRequest is the request body for
// POST /v1/workflows/{workflow_id}/instances. Either PrototypeID references
// a stored prototype to snapshot, or Prototype carries an inline
// configuration to copy.
type CreateInstanceRequest struct {
	PrototypeID *uuid.UUID      `json:"prototype_id,omitempty"`
	Prototype   *AgentPrototype `json:"prototype,omitempty"`
	Position    Position        `json:"position"`
}

// UpdateInstanceStatusRequest is the request body for
// POST /v1/instances/{instance_id}/status.
type UpdateInstanceStatusRequest struct {
	Status InstanceStatus `json:"status" validate:"required"`
}

// AppendContentRequest is the request body for
// POST /v1/instances/{instance_id}/content. One polymorphic entry per call.
type AppendContentRequest struct {
	Kind    ContentKind     `json:"kind" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// AppendContentResponse reports the journaling decision. Accepted=false with
// a reason is a normal, expected outcome (policy declined), not an error.
type AppendContentResponse struct {
	Accepted bool       `json:"accepted"`
	Reason   string     `json:"reason,omitempty"`
	EntryID  *uuid.UUID `json:"entry_id,omitempty"`
	Seq      *int64     `json:"seq,omitempty"`
}

// GraphNode is the normalized node form handed over by the canvas
// collaborator on every edit.
type GraphNode struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Position Position  `json:"position"`
}

// GraphEdge is the normalized edge form handed over by the canvas collaborator.
type GraphEdge struct {
	ID     uuid.UUID `json:"id"`
	Source uuid.UUID `json:"source"`
	Target uuid.UUID `json:"target"`
	Type   string    `json:"type,omitempty"`
}

// SyncGraphRequest is the request body for PUT /v1/workflows/{workflow_id}/graph.
type SyncGraphRequest struct {
	Nodes           []GraphNode `json:"nodes"`
	Edges           []GraphEdge `json:"edges"`
	Canvas          CanvasState `json:"canvas"`
	ExpectedVersion int64       `json:"expected_version" validate:"gte=0"`
}

// SaveStatus is the save-indicator snapshot exposed to the UI collaborator.
type SaveStatus struct {
	Status       string     `json:"status"` // idle | dirty | saving | saved | error
	IsDirty      bool       `json:"is_dirty"`
	Version      int64      `json:"version"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Backend       string `json:"backend"`
	BufferedItems int    `json:"buffered_items"`
	Uptime        int64  `json:"uptime_seconds"`
}
