// Package storage defines the persistence abstraction for Trellis.
//
// Two implementations exist: postgres (the remote, networked store used when
// the user is authenticated) and sqlite (the local, single-device store used
// in guest mode). Both share the Backend contract, including the atomic
// conditional update that makes lost-update races impossible.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
)

// Backend is the full set of durable operations. Every method takes a
// context and scopes workflow mutations by owner.
type Backend interface {
	// Name identifies the backend in logs and health responses
	// ("postgres" or "sqlite").
	Name() string

	// Workflows.
	CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID uuid.UUID) ([]model.Workflow, error)
	GetDefaultWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error)
	GetActiveWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error)
	MostRecentWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error)

	// PatchWorkflow applies a field-scoped patch as a single atomic
	// conditional update: match on (id, owner, version=expectedVersion),
	// set the changed fields and increment version in the same statement.
	// Returns the new version. Zero rows matched is disambiguated into
	// ErrNotFound, ErrNotOwner, or ErrVersionConflict.
	PatchWorkflow(ctx context.Context, id, ownerID uuid.UUID, patch model.WorkflowPatch, expectedVersion int64) (int64, error)

	// PromoteWorkflow sets is_default (and optionally is_active) on the
	// given workflow and demotes all sibling workflows of the same owner in
	// the same transaction, preserving the at-most-one invariants.
	PromoteWorkflow(ctx context.Context, id, ownerID uuid.UUID, alsoActive bool) error

	// DeleteWorkflow removes a workflow and cascades its instances, their
	// content, and all edges.
	DeleteWorkflow(ctx context.Context, id, ownerID uuid.UUID) error

	// Agent instances.
	CreateInstance(ctx context.Context, inst model.AgentInstance) (model.AgentInstance, error)
	GetInstance(ctx context.Context, id uuid.UUID) (model.AgentInstance, error)
	ListInstances(ctx context.Context, workflowID uuid.UUID) ([]model.AgentInstance, error)
	UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status model.InstanceStatus) error
	// DeleteInstance cascades the instance's content log and every edge
	// touching it.
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	// TouchInstanceActivity refreshes last_active_at to now. Callers use it
	// fire-and-forget; failures are logged, never surfaced.
	TouchInstanceActivity(ctx context.Context, id uuid.UUID) error

	// Content log. AppendContent assigns the next per-instance sequence
	// number, inserts the entry, and applies the metrics delta in the same
	// transaction. The log is append-only.
	AppendContent(ctx context.Context, entry model.ContentEntry, delta model.InstanceMetrics) (model.ContentEntry, error)
	ListContent(ctx context.Context, instanceID uuid.UUID, limit, offset int) ([]model.ContentEntry, error)

	// Edges.
	CreateEdge(ctx context.Context, edge model.WorkflowEdge) (model.WorkflowEdge, error)
	ListEdges(ctx context.Context, workflowID uuid.UUID) ([]model.WorkflowEdge, error)
	DeleteEdge(ctx context.Context, id uuid.UUID) error

	// SyncGraph ingests the canvas collaborator's normalized node/edge
	// lists: node positions are updated, the edge set is replaced, and the
	// canvas viewport is patched, all behind one version check in one
	// transaction.
	SyncGraph(ctx context.Context, workflowID, ownerID uuid.UUID, nodes []model.GraphNode, edges []model.GraphEdge, canvas model.CanvasState, expectedVersion int64) (int64, error)

	// Prototypes.
	CreatePrototype(ctx context.Context, p model.AgentPrototype) (model.AgentPrototype, error)
	GetPrototype(ctx context.Context, id uuid.UUID) (model.AgentPrototype, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
