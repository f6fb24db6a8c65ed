package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

const workflowColumns = `id, owner_id, name, description, is_active, is_default, is_dirty,
	 canvas_zoom, canvas_pan_x, canvas_pan_y, version, created_at, updated_at, last_saved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (model.Workflow, error) {
	var wf model.Workflow
	var createdAt, updatedAt string
	var lastSavedAt sql.NullString
	err := row.Scan(
		&wf.ID, &wf.OwnerID, &wf.Name, &wf.Description, &wf.IsActive, &wf.IsDefault, &wf.IsDirty,
		&wf.Canvas.Zoom, &wf.Canvas.PanX, &wf.Canvas.PanY, &wf.Version,
		&createdAt, &updatedAt, &lastSavedAt,
	)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.CreatedAt, err = parseTs(createdAt); err != nil {
		return model.Workflow{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = parseTs(updatedAt); err != nil {
		return model.Workflow{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}
	if wf.LastSavedAt, err = scanNullTs(lastSavedAt); err != nil {
		return model.Workflow{}, fmt.Errorf("sqlite: parse last_saved_at: %w", err)
	}
	return wf, nil
}

// CreateWorkflow inserts a new workflow. Version always starts at 0.
func (s *Store) CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error) {
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf.Version = 0

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, owner_id, name, description, is_active, is_default, is_dirty,
		 canvas_zoom, canvas_pan_x, canvas_pan_y, version, created_at, updated_at, last_saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OwnerID, wf.Name, wf.Description, wf.IsActive, wf.IsDefault, wf.IsDirty,
		wf.Canvas.Zoom, wf.Canvas.PanX, wf.Canvas.PanY, wf.Version,
		ts(wf.CreatedAt), ts(wf.UpdatedAt), nullTs(wf.LastSavedAt),
	)
	if err != nil {
		return model.Workflow{}, mapWriteErr("create workflow", err)
	}
	return wf, nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (model.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Workflow{}, fmt.Errorf("sqlite: workflow %s: %w", id, storage.ErrNotFound)
		}
		return model.Workflow{}, fmt.Errorf("sqlite: get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns all workflows for an owner, most recently updated first.
func (s *Store) ListWorkflows(ctx context.Context, ownerID uuid.UUID) ([]model.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workflows: %w", err)
	}
	defer rows.Close()

	var wfs []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan workflow: %w", err)
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

func (s *Store) getWorkflowWhere(ctx context.Context, cond string, args ...any) (model.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE `+cond, args...,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Workflow{}, storage.ErrNotFound
		}
		return model.Workflow{}, fmt.Errorf("sqlite: get workflow: %w", err)
	}
	return wf, nil
}

// GetDefaultWorkflow returns the owner's workflow with is_default=true.
func (s *Store) GetDefaultWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error) {
	return s.getWorkflowWhere(ctx, `owner_id = ? AND is_default = 1`, ownerID)
}

// GetActiveWorkflow returns the owner's workflow with is_active=true.
func (s *Store) GetActiveWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error) {
	return s.getWorkflowWhere(ctx, `owner_id = ? AND is_active = 1`, ownerID)
}

// MostRecentWorkflow returns the owner's most recently updated workflow.
func (s *Store) MostRecentWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, error) {
	return s.getWorkflowWhere(ctx, `owner_id = ? ORDER BY updated_at DESC LIMIT 1`, ownerID)
}

// PatchWorkflow applies a field-scoped partial update behind the version
// check, mirroring the postgres adapter's single conditional statement.
func (s *Store) PatchWorkflow(ctx context.Context, id, ownerID uuid.UUID, patch model.WorkflowPatch, expectedVersion int64) (int64, error) {
	var zoom, panX, panY *float64
	if patch.Canvas != nil {
		zoom, panX, panY = &patch.Canvas.Zoom, &patch.Canvas.PanX, &patch.Canvas.PanY
	}
	var lastSaved any
	if patch.LastSavedAt != nil {
		lastSaved = ts(*patch.LastSavedAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows
		 SET name = COALESCE(?, name),
		     description = COALESCE(?, description),
		     is_active = COALESCE(?, is_active),
		     is_default = COALESCE(?, is_default),
		     is_dirty = COALESCE(?, is_dirty),
		     canvas_zoom = COALESCE(?, canvas_zoom),
		     canvas_pan_x = COALESCE(?, canvas_pan_x),
		     canvas_pan_y = COALESCE(?, canvas_pan_y),
		     last_saved_at = COALESCE(?, last_saved_at),
		     version = version + 1,
		     updated_at = ?
		 WHERE id = ? AND owner_id = ? AND version = ?`,
		patch.Name, patch.Description, patch.IsActive, patch.IsDefault, patch.IsDirty,
		zoom, panX, panY, lastSaved, ts(time.Now()),
		id, ownerID, expectedVersion,
	)
	if err != nil {
		return 0, mapWriteErr("patch workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: patch workflow rows affected: %w", err)
	}
	if n == 0 {
		return 0, s.classifyConditionalMiss(ctx, id, ownerID, expectedVersion)
	}
	return expectedVersion + 1, nil
}

func (s *Store) classifyConditionalMiss(ctx context.Context, id, ownerID uuid.UUID, expectedVersion int64) error {
	var actualOwner uuid.UUID
	var actualVersion int64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, version FROM workflows WHERE id = ?`, id,
	).Scan(&actualOwner, &actualVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: workflow %s: %w", id, storage.ErrNotFound)
		}
		return fmt.Errorf("sqlite: classify conditional miss: %w", err)
	}
	if actualOwner != ownerID {
		return fmt.Errorf("sqlite: workflow %s: %w", id, storage.ErrNotOwner)
	}
	return fmt.Errorf("sqlite: workflow %s: expected version %d, stored version %d: %w",
		id, expectedVersion, actualVersion, storage.ErrVersionConflict)
}

// PromoteWorkflow marks the workflow as default (and optionally active) and
// demotes siblings in one transaction.
func (s *Store) PromoteWorkflow(ctx context.Context, id, ownerID uuid.UUID, alsoActive bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin promote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := ts(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET is_default = 0, version = version + 1, updated_at = ?
		 WHERE owner_id = ? AND id <> ? AND is_default = 1`, now, ownerID, id,
	); err != nil {
		return mapWriteErr("demote default siblings", err)
	}

	if alsoActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflows SET is_active = 0, version = version + 1, updated_at = ?
			 WHERE owner_id = ? AND id <> ? AND is_active = 1`, now, ownerID, id,
		); err != nil {
			return mapWriteErr("demote active siblings", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET is_default = 1, is_active = CASE WHEN ? THEN 1 ELSE is_active END,
		 version = version + 1, updated_at = ?
		 WHERE id = ? AND owner_id = ?`, alsoActive, now, id, ownerID,
	)
	if err != nil {
		return mapWriteErr("promote workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: workflow %s: %w", id, storage.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return mapWriteErr("commit promote tx", err)
	}
	return nil
}

// DeleteWorkflow removes a workflow; instances, content, and edges cascade.
func (s *Store) DeleteWorkflow(ctx context.Context, id, ownerID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE id = ? AND owner_id = ?`, id, ownerID,
	)
	if err != nil {
		return mapWriteErr("delete workflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: workflow %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SyncGraph applies the canvas state in one transaction behind the version
// check, mirroring the postgres adapter.
func (s *Store) SyncGraph(ctx context.Context, workflowID, ownerID uuid.UUID, nodes []model.GraphNode, edges []model.GraphEdge, canvas model.CanvasState, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin sync tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE workflows
		 SET canvas_zoom = ?, canvas_pan_x = ?, canvas_pan_y = ?,
		     is_dirty = 0, last_saved_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND version = ?`,
		canvas.Zoom, canvas.PanX, canvas.PanY, ts(now), ts(now),
		workflowID, ownerID, expectedVersion,
	)
	if err != nil {
		return 0, mapWriteErr("sync graph version check", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Release the tx before re-reading; the store runs on a single
		// connection and the classifier needs it.
		_ = tx.Rollback()
		return 0, s.classifyConditionalMiss(ctx, workflowID, ownerID, expectedVersion)
	}

	for _, nd := range nodes {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_instances SET position_x = ?, position_y = ?, updated_at = ?
			 WHERE id = ? AND workflow_id = ?`,
			nd.Position.X, nd.Position.Y, ts(now), nd.ID, workflowID,
		); err != nil {
			return 0, mapWriteErr("sync node", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_edges WHERE workflow_id = ?`, workflowID,
	); err != nil {
		return 0, mapWriteErr("clear edges", err)
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_edges (id, workflow_id, source_instance_id, target_instance_id, edge_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, workflowID, e.Source, e.Target, e.Type, ts(now),
		); err != nil {
			return 0, mapWriteErr("sync edge", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, mapWriteErr("commit sync tx", err)
	}
	return expectedVersion + 1, nil
}
