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

// AppendContent appends one entry to an instance's content log and applies
// the metrics delta in the same transaction. The per-instance sequence
// number is taken from the instance row's content_seq counter, so the same
// UPDATE that bumps the metrics counters also serializes appends. A missing
// instance fails fast with ErrNotFound before anything is written.
func (db *DB) AppendContent(ctx context.Context, entry model.ContentEntry, delta model.InstanceMetrics) (model.ContentEntry, error) {
	if err := entry.Validate(); err != nil {
		return model.ContentEntry{}, err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(entry.Payload())
	if err != nil {
		return model.ContentEntry{}, fmt.Errorf("postgres: encode %s payload: %w", entry.Kind, err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ContentEntry{}, fmt.Errorf("postgres: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE agent_instances
		 SET content_seq = content_seq + 1,
		     tokens_used = tokens_used + $1,
		     error_count = error_count + $2,
		     media_generated = media_generated + $3,
		     call_count = call_count + $4,
		     updated_at = now()
		 WHERE id = $5
		 RETURNING content_seq - 1`,
		delta.TokensUsed, delta.ErrorCount, delta.MediaGenerated, delta.CallCount,
		entry.InstanceID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContentEntry{}, fmt.Errorf("postgres: instance %s: %w", entry.InstanceID, storage.ErrNotFound)
		}
		return model.ContentEntry{}, fmt.Errorf("postgres: reserve content seq: %w", err)
	}
	entry.Seq = seq

	if _, err := tx.Exec(ctx,
		`INSERT INTO content_entries (id, instance_id, kind, seq, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.InstanceID, string(entry.Kind), entry.Seq, payload, entry.CreatedAt,
	); err != nil {
		return model.ContentEntry{}, fmt.Errorf("postgres: insert content entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ContentEntry{}, fmt.Errorf("postgres: commit append tx: %w", err)
	}
	return entry, nil
}

// ListContent returns an instance's content log in insertion order.
// limit is clamped to [1, 1000] with a default of 200.
func (db *DB) ListContent(ctx context.Context, instanceID uuid.UUID, limit, offset int) ([]model.ContentEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, instance_id, kind, seq, payload, created_at
		 FROM content_entries WHERE instance_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		instanceID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list content: %w", err)
	}
	defer rows.Close()

	var entries []model.ContentEntry
	for rows.Next() {
		var e model.ContentEntry
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.InstanceID, &kind, &e.Seq, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan content entry: %w", err)
		}
		e.Kind = model.ContentKind(kind)
		if err := e.DecodePayload(payload); err != nil {
			return nil, fmt.Errorf("postgres: decode %s payload: %w", e.Kind, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
