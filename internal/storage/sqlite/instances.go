package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

const instanceColumns = `id, workflow_id, prototype_id, name, role, system_prompt,
	 llm_provider, llm_model, position_x, position_y, status,
	 tokens_used, error_count, media_generated, call_count,
	 persistence_config, created_at, updated_at, last_active_at`

func scanInstance(row rowScanner) (model.AgentInstance, error) {
	var inst model.AgentInstance
	var cfg []byte
	var createdAt, updatedAt string
	var lastActiveAt sql.NullString
	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.PrototypeID, &inst.Name, &inst.Role, &inst.SystemPrompt,
		&inst.LLMProvider, &inst.LLMModel, &inst.Position.X, &inst.Position.Y, &inst.Status,
		&inst.Metrics.TokensUsed, &inst.Metrics.ErrorCount, &inst.Metrics.MediaGenerated, &inst.Metrics.CallCount,
		&cfg, &createdAt, &updatedAt, &lastActiveAt,
	)
	if err != nil {
		return model.AgentInstance{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &inst.Persistence); err != nil {
			return model.AgentInstance{}, fmt.Errorf("sqlite: decode persistence config: %w", err)
		}
	}
	if inst.CreatedAt, err = parseTs(createdAt); err != nil {
		return model.AgentInstance{}, fmt.Errorf("sqlite: parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = parseTs(updatedAt); err != nil {
		return model.AgentInstance{}, fmt.Errorf("sqlite: parse updated_at: %w", err)
	}
	if inst.LastActiveAt, err = scanNullTs(lastActiveAt); err != nil {
		return model.AgentInstance{}, fmt.Errorf("sqlite: parse last_active_at: %w", err)
	}
	return inst, nil
}

// CreateInstance inserts a deployed agent instance.
func (s *Store) CreateInstance(ctx context.Context, inst model.AgentInstance) (model.AgentInstance, error) {
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
		return model.AgentInstance{}, fmt.Errorf("sqlite: encode persistence config: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_instances (id, workflow_id, prototype_id, name, role, system_prompt,
		 llm_provider, llm_model, position_x, position_y, status, persistence_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.WorkflowID, inst.PrototypeID, inst.Name, inst.Role, inst.SystemPrompt,
		inst.LLMProvider, inst.LLMModel, inst.Position.X, inst.Position.Y, string(inst.Status),
		cfg, ts(inst.CreatedAt), ts(inst.UpdatedAt),
	)
	if err != nil {
		return model.AgentInstance{}, mapWriteErr("create instance", err)
	}
	return inst, nil
}

// GetInstance retrieves an instance by id.
func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (model.AgentInstance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM agent_instances WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentInstance{}, fmt.Errorf("sqlite: instance %s: %w", id, storage.ErrNotFound)
		}
		return model.AgentInstance{}, fmt.Errorf("sqlite: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances returns all instances of a workflow in creation order.
func (s *Store) ListInstances(ctx context.Context, workflowID uuid.UUID) ([]model.AgentInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM agent_instances WHERE workflow_id = ? ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list instances: %w", err)
	}
	defer rows.Close()

	var insts []model.AgentInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan instance: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// UpdateInstanceStatus transitions an instance's lifecycle status.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status model.InstanceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_instances SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), ts(time.Now()), id,
	)
	if err != nil {
		return mapWriteErr("update instance status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: instance %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteInstance removes an instance. Its content log and every edge
// touching it cascade via foreign keys.
func (s *Store) DeleteInstance(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_instances WHERE id = ?`, id)
	if err != nil {
		return mapWriteErr("delete instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: instance %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// TouchInstanceActivity refreshes last_active_at. Callers use a
// fire-and-forget pattern and should not block on the result.
func (s *Store) TouchInstanceActivity(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_instances SET last_active_at = ? WHERE id = ?`, ts(time.Now()), id,
	)
	if err != nil {
		return mapWriteErr("touch instance activity", err)
	}
	return nil
}

// CreatePrototype stores a reusable agent configuration.
func (s *Store) CreatePrototype(ctx context.Context, p model.AgentPrototype) (model.AgentPrototype, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cfg, err := json.Marshal(p.Persistence)
	if err != nil {
		return model.AgentPrototype{}, fmt.Errorf("sqlite: encode prototype config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_prototypes (id, name, role, system_prompt, llm_provider, llm_model, persistence_config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Role, p.SystemPrompt, p.LLMProvider, p.LLMModel, cfg,
	)
	if err != nil {
		return model.AgentPrototype{}, mapWriteErr("create prototype", err)
	}
	return p, nil
}

// GetPrototype retrieves a prototype by id.
func (s *Store) GetPrototype(ctx context.Context, id uuid.UUID) (model.AgentPrototype, error) {
	var p model.AgentPrototype
	var cfg []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, system_prompt, llm_provider, llm_model, persistence_config
		 FROM agent_prototypes WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Role, &p.SystemPrompt, &p.LLMProvider, &p.LLMModel, &cfg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AgentPrototype{}, fmt.Errorf("sqlite: prototype %s: %w", id, storage.ErrNotFound)
		}
		return model.AgentPrototype{}, fmt.Errorf("sqlite: get prototype: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &p.Persistence); err != nil {
			return model.AgentPrototype{}, fmt.Errorf("sqlite: decode prototype config: %w", err)
		}
	}
	return p, nil
}
