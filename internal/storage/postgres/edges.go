package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// CreateEdge inserts a directed connection between two instances.
func (db *DB) CreateEdge(ctx context.Context, edge model.WorkflowEdge) (model.WorkflowEdge, error) {
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_edges (id, workflow_id, source_instance_id, target_instance_id,
		 source_handle, target_handle, edge_type, animated, label, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		edge.ID, edge.WorkflowID, edge.SourceInstanceID, edge.TargetInstanceID,
		edge.SourceHandle, edge.TargetHandle, edge.EdgeType, edge.Animated, edge.Label, edge.CreatedAt,
	)
	if err != nil {
		return model.WorkflowEdge{}, fmt.Errorf("postgres: create edge: %w", err)
	}
	return edge, nil
}

// ListEdges returns all edges of a workflow.
func (db *DB) ListEdges(ctx context.Context, workflowID uuid.UUID) ([]model.WorkflowEdge, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow_id, source_instance_id, target_instance_id,
		 source_handle, target_handle, edge_type, animated, label, created_at
		 FROM workflow_edges WHERE workflow_id = $1 ORDER BY created_at ASC`, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list edges: %w", err)
	}
	defer rows.Close()

	var edges []model.WorkflowEdge
	for rows.Next() {
		var e model.WorkflowEdge
		if err := rows.Scan(
			&e.ID, &e.WorkflowID, &e.SourceInstanceID, &e.TargetInstanceID,
			&e.SourceHandle, &e.TargetHandle, &e.EdgeType, &e.Animated, &e.Label, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// DeleteEdge removes a single edge by id.
func (db *DB) DeleteEdge(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM workflow_edges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: edge %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
