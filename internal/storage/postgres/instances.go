package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

const instanceColumns = `id, workflow_id, prototype_id, name, role, system_prompt,
	 llm_provider, llm_model, position_x, position_y, status,
	 tokens_used, error_count, media_generated, call_count,
	 persistence_config, created_at, updated_at, last_active_at`

func scanInstance(row pgx.Row) (model.AgentInstance, error) {
	var inst model.AgentInstance
	var cfg []byte
	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.PrototypeID, &inst.Name, &inst.Role, &inst.SystemPrompt,
		&inst.LLMProvider, &inst.LLMModel, &inst.Position.X, &inst.Position.Y, &inst.Status,
		&inst.Metrics.TokensUsed, &inst.Metrics.ErrorCount, &inst.Metrics.MediaGenerated, &inst.Metrics.CallCount,
		&cfg, &inst.CreatedAt, &inst.UpdatedAt, &inst.LastActiveAt,
	)
	if err != nil {
		return model.AgentInstance{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &inst.Persistence); err != nil {
			return model.AgentInstance{}, fmt.Errorf("postgres: decode persistence config: %w", err)
		}
	}
	return inst, nil
}

// CreateInstance inserts a deployed agent instance.
func (db *DB) CreateInstance(ctx context.Context, inst model.AgentInstance) (model.AgentInstance, error) {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if inst.Status == "" {
		inst.Status = model.InstanceStatusStopped
	}

	cfg, err := json.Marshal(inst.Persistence)
	if err != nil {
		return model.AgentInstance{}, fmt.Errorf("postgres: encode persistence config: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO agent_instances (id, workflow_id, prototype_id, name, role, system_prompt,
		 llm_provider, llm_model, position_x, position_y, status, persistence_config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inst.ID, inst.WorkflowID, inst.PrototypeID, inst.Name, inst.Role, inst.SystemPrompt,
		inst.LLMProvider, inst.LLMModel, inst.Position.X, inst.Position.Y, string(inst.Status),
		cfg, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return model.AgentInstance{}, fmt.Errorf("postgres: create instance: %w", err)
	}
	return inst, nil
}

// GetInstance retrieves an instance by id.
func (db *DB) GetInstance(ctx context.Context, id uuid.UUID) (model.AgentInstance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM agent_instances WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentInstance{}, fmt.Errorf("postgres: instance %s: %w", id, storage.ErrNotFound)
		}
		return model.AgentInstance{}, fmt.Errorf("postgres: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns all instances of a workflow in creation order.
func (db *DB) ListInstances(ctx context.Context, workflowID uuid.UUID) ([]model.AgentInstance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM agent_instances WHERE workflow_id = $1 ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instances: %w", err)
	}
	defer rows.Close()

	var insts []model.AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan instance: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// UpdateInstanceStatus transitions an instance's lifecycle status.
func (db *DB) UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status model.InstanceStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_instances SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return fmt.Errorf("postgres: update instance status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: instance %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteInstance removes an instance. Its content log and every edge
// touching it cascade via foreign keys.
func (db *DB) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: instance %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// TouchInstanceActivity refreshes last_active_at to now(). Callers use a
// fire-and-forget pattern and should not block on the result.
func (db *DB) TouchInstanceActivity(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agent_instances SET last_active_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: touch instance activity: %w", err)
	}
	return nil
}

// CreatePrototype stores a reusable agent configuration.
func (db *DB) CreatePrototype(ctx context.Context, p model.AgentPrototype) (model.AgentPrototype, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cfg, err := json.Marshal(p.Persistence)
	if err != nil {
		return model.AgentPrototype{}, fmt.Errorf("postgres: encode prototype config: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO agent_prototypes (id, name, role, system_prompt, llm_provider, llm_model, persistence_config)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.Role, p.SystemPrompt, p.LLMProvider, p.LLMModel, cfg,
	)
	if err != nil {
		return model.AgentPrototype{}, fmt.Errorf("postgres: create prototype: %w", err)
	}
	return p, nil
}

// GetPrototype retrieves a prototype by id.
func (db *DB) GetPrototype(ctx context.Context, id uuid.UUID) (model.AgentPrototype, error) {
	var p model.AgentPrototype
	var cfg []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, system_prompt, llm_provider, llm_model, persistence_config
		 FROM agent_prototypes WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Role, &p.SystemPrompt, &p.LLMProvider, &p.LLMModel, &cfg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentPrototype{}, fmt.Errorf("postgres: prototype %s: %w", id, storage.ErrNotFound)
		}
		return model.AgentPrototype{}, fmt.Errorf("postgres: get prototype: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &p.Persistence); err != nil {
			return model.AgentPrototype{}, fmt.Errorf("postgres: decode prototype config: %w", err)
		}
	}
	return p, nil
}
