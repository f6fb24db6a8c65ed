package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// CreateEdge inserts a connection between two instances on the canvas.
func (s *Store) CreateEdge(ctx context.Context, edge model.WorkflowEdge) (model.WorkflowEdge, error) {
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_edges (id, workflow_id, source_instance_id, target_instance_id,
		 source_handle, target_handle, edge_type, animated, label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		edge.ID, edge.WorkflowID, edge.SourceInstanceID, edge.TargetInstanceID,
		edge.SourceHandle, edge.TargetHandle, edge.EdgeType, edge.Animated, edge.Label, ts(edge.CreatedAt),
	)
	if err != nil {
		return model.WorkflowEdge{}, mapWriteErr("create edge", err)
	}
	return edge, nil
}

// ListEdges returns all edges of a workflow.
func (s *Store) ListEdges(ctx context.Context, workflowID uuid.UUID) ([]model.WorkflowEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, source_instance_id, target_instance_id,
		 source_handle, target_handle, edge_type, animated, label, created_at
		 FROM workflow_edges WHERE workflow_id = ? ORDER BY created_at ASC`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list edges: %w", err)
	}
	defer rows.Close()

	var edges []model.WorkflowEdge
	for rows.Next() {
		var e model.WorkflowEdge
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.WorkflowID, &e.SourceInstanceID, &e.TargetInstanceID,
			&e.SourceHandle, &e.TargetHandle, &e.EdgeType, &e.Animated, &e.Label, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan edge: %w", err)
		}
		if e.CreatedAt, err = parseTs(createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// DeleteEdge removes a single edge.
func (s *Store) DeleteEdge(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_edges WHERE id = ?`, id)
	if err != nil {
		return mapWriteErr("delete edge", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: edge %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
