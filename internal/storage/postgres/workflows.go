package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

const workflowColumns = `id, owner_id, name, description, is_active, is_default, is_dirty,
	 canvas_zoom, canvas_pan_x, canvas_pan_y, version, created_at, updated_at, last_saved_at`

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	err := row.Scan(
		&wf.ID, &wf.OwnerID, &wf.Name, &wf.Description, &wf.IsActive, &wf.IsDefault, &wf.IsDirty,
		&wf.Canvas.Zoom, &wf.Canvas.PanX, &wf.Canvas.PanY, &wf.Version,
		&wf.CreatedAt, &wf.UpdatedAt, &wf.LastSavedAt,
	)
	return wf, err
}

// CreateWorkflow inserts a new workflow. Version always starts at 0.
func (db *DB) CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf.Version = 0

	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflows (id, owner_id, name, description, is_active, is_default, is_dirty,
		 canvas_zoom, canvas_pan_x, canvas_pan_y, version, created_at, updated_at, last_saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		wf.ID, wf.OwnerID, wf.Name, wf.Description, wf.IsActive, wf.IsDefault, wf.IsDirty,
		wf.Canvas.Zoom, wf.Canvas.PanX, wf.Canvas.PanY, wf.Version, wf.CreatedAt, wf.UpdatedAt, wf.LastSavedAt,
	)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("postgres: create workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by id. Ownership is checked by callers
// (resolver.ValidateAccess) so NOT_OWNER can be reported distinctly from
// NOT_FOUND.
func (db *DB) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	wf, err := scanWorkflow(db.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("postgres: workflow %s: %w", id, storage.ErrNotFound)
		}
		return model.Workflow{}, fmt.Errorf("postgres: get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns all workflows for an owner, most recently updated first.
func (db *DB) ListWorkflows(ctx context.Context, ownerID uuid.UUID) ([]model.Workflow, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var wfs []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan workflow: %w", err)
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

func (db *DB) getWorkflowWhere(ctx context.Context, cond string, args ...any) (model.Workflow, error) {
	wf, err := scanWorkflow(db.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE `+cond, args...,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Workflow{}, storage.ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("postgres: get workflow: %w", err)
	}
	return wf, nil
}

// GetDefaultWorkflow returns the owner's workflow with is_default=true.
func (db *DB) GetDefaultWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error) {
	return db.getWorkflowWhere(ctx, `owner_id = $1 AND is_default`, ownerID)
}

// GetActiveWorkflow returns the owner's workflow with is_active=true.
func (db *DB) GetActiveWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error) {
	return db.getWorkflowWhere(ctx, `owner_id = $1 AND is_active`, ownerID)
}

// MostRecentWorkflow returns the owner's most recently updated workflow.
func (db *DB) MostRecentWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error) {
	return db.getWorkflowWhere(ctx, `owner_id = $1 ORDER BY updated_at DESC LIMIT 1`, ownerID)
}

// PatchWorkflow applies a field-scoped partial update as a single atomic
// conditional statement (COALESCE pattern): match on (id, owner,
// version=expectedVersion), set changed fields and increment version
// together. Zero rows matched triggers a re-read to distinguish a stale
// version from a missing or foreign record.
func (db *DB) PatchWorkflow(ctx context.Context, id, ownerID uuid.UUID, patch model.WorkflowPatch, expectedVersion int64) (int64, error) {
	var zoom, panX, panY *float64
	if patch.Canvas != nil {
		zoom, panX, panY = &patch.Canvas.Zoom, &patch.Canvas.PanX, &patch.Canvas.PanY
	}

	var newVersion int64
	err := db.pool.QueryRow(ctx,
		`UPDATE workflows
		 SET name = COALESCE($1, name),
		     description = COALESCE($2, description),
		     is_active = COALESCE($3, is_active),
		     is_default = COALESCE($4, is_default),
		     is_dirty = COALESCE($5, is_dirty),
		     canvas_zoom = COALESCE($6, canvas_zoom),
		     canvas_pan_x = COALESCE($7, canvas_pan_x),
		     canvas_pan_y = COALESCE($8, canvas_pan_y),
		     last_saved_at = COALESCE($9, last_saved_at),
		     version = version + 1,
		     updated_at = now()
		 WHERE id = $10 AND owner_id = $11 AND version = $12
		 RETURNING version`,
		patch.Name, patch.Description, patch.IsActive, patch.IsDefault, patch.IsDirty,
		zoom, panX, panY, patch.LastSavedAt,
		id, ownerID, expectedVersion,
	).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: patch workflow: %w", err)
	}

	return 0, db.classifyConditionalMiss(ctx, id, ownerID, expectedVersion)
}

// classifyConditionalMiss re-reads the record after a conditional update
// matched zero rows, and reports which precondition failed.
func (db *DB) classifyConditionalMiss(ctx context.Context, id, ownerID uuid.UUID, expectedVersion int64) error {
	var actualOwner uuid.UUID
	var actualVersion int64
	err := db.pool.QueryRow(ctx,
		`SELECT owner_id, version FROM workflows WHERE id = $1`, id,
	).Scan(&actualOwner, &actualVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: workflow %s: %w", id, storage.ErrNotFound)
		}
		return fmt.Errorf("postgres: classify conditional miss: %w", err)
	}
	if actualOwner != ownerID {
		return fmt.Errorf("postgres: workflow %s: %w", id, storage.ErrNotOwner)
	}
	return fmt.Errorf("postgres: workflow %s: expected version %d, stored version %d: %w",
		id, expectedVersion, actualVersion, storage.ErrVersionConflict)
}

// PromoteWorkflow marks the workflow as the owner's default (and optionally
// active) and demotes every sibling in the same transaction, preserving the
// at-most-one-default and at-most-one-active invariants. Each touched row's
// version is incremented exactly once. The multi-row update can deadlock
// against a concurrent promote, so it retries on serialization errors.
func (db *DB) PromoteWorkflow(ctx context.Context, id, ownerID uuid.UUID, alsoActive bool) error {
	return WithRetry(ctx, txMaxRetries, txRetryBaseDelay, func() error {
		return db.promoteWorkflow(ctx, id, ownerID, alsoActive)
	})
}

func (db *DB) promoteWorkflow(ctx context.Context, id, ownerID uuid.UUID, alsoActive bool) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin promote tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE workflows SET is_default = false, version = version + 1, updated_at = now()
		 WHERE owner_id = $1 AND id <> $2 AND is_default`, ownerID, id,
	); err != nil {
		return fmt.Errorf("postgres: demote default siblings: %w", err)
	}

	if alsoActive {
		if _, err := tx.Exec(ctx,
			`UPDATE workflows SET is_active = false, version = version + 1, updated_at = now()
			 WHERE owner_id = $1 AND id <> $2 AND is_active`, ownerID, id,
		); err != nil {
			return fmt.Errorf("postgres: demote active siblings: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE workflows SET is_default = true, is_active = is_active OR $3,
		 version = version + 1, updated_at = now()
		 WHERE id = $1 AND owner_id = $2`, id, ownerID, alsoActive,
	)
	if err != nil {
		return fmt.Errorf("postgres: promote workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: workflow %s: %w", id, storage.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit promote tx: %w", err)
	}
	return nil
}

// DeleteWorkflow removes a workflow. Instances, their content, and edges
// cascade via foreign keys.
func (db *DB) DeleteWorkflow(ctx context.Context, id, ownerID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM workflows WHERE id = $1 AND owner_id = $2`, id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("postgres: delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: workflow %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SyncGraph applies the canvas collaborator's normalized state in one
// transaction: the viewport patch rides the version check, then node
// positions are updated and the edge set is replaced. Sibling-field writers
// (content appends, metrics) never touch the version column, so they cannot
// spuriously conflict with graph syncs. Deadlocks against concurrent edge
// writers retry; version conflicts surface to the caller unchanged.
func (db *DB) SyncGraph(ctx context.Context, workflowID, ownerID uuid.UUID, nodes []model.GraphNode, edges []model.GraphEdge, canvas model.CanvasState, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := WithRetry(ctx, txMaxRetries, txRetryBaseDelay, func() error {
		var err error
		newVersion, err = db.syncGraph(ctx, workflowID, ownerID, nodes, edges, canvas, expectedVersion)
		return err
	})
	return newVersion, err
}

func (db *DB) syncGraph(ctx context.Context, workflowID, ownerID uuid.UUID, nodes []model.GraphNode, edges []model.GraphEdge, canvas model.CanvasState, expectedVersion int64) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin sync tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var newVersion int64
	now := time.Now().UTC()
	err = tx.QueryRow(ctx,
		`UPDATE workflows
		 SET canvas_zoom = $1, canvas_pan_x = $2, canvas_pan_y = $3,
		     is_dirty = false, last_saved_at = $4, version = version + 1, updated_at = now()
		 WHERE id = $5 AND owner_id = $6 AND version = $7
		 RETURNING version`,
		canvas.Zoom, canvas.PanX, canvas.PanY, now, workflowID, ownerID, expectedVersion,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, db.classifyConditionalMiss(ctx, workflowID, ownerID, expectedVersion)
		}
		return 0, fmt.Errorf("postgres: sync graph version check: %w", err)
	}

	for _, n := range nodes {
		if _, err := tx.Exec(ctx,
			`UPDATE agent_instances SET position_x = $1, position_y = $2, updated_at = now()
			 WHERE id = $3 AND workflow_id = $4`,
			n.Position.X, n.Position.Y, n.ID, workflowID,
		); err != nil {
			return 0, fmt.Errorf("postgres: sync node %s: %w", n.ID, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM workflow_edges WHERE workflow_id = $1`, workflowID,
	); err != nil {
		return 0, fmt.Errorf("postgres: clear edges: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_edges (id, workflow_id, source_instance_id, target_instance_id, edge_type, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, workflowID, e.Source, e.Target, e.Type, now,
		); err != nil {
			return 0, fmt.Errorf("postgres: sync edge %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit sync tx: %w", err)
	}
	return newVersion, nil
}
