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

// AppendContent appends one entry to an instance's content log and applies
// the metrics delta in the same transaction. The per-instance sequence
// number is taken from the instance row's content_seq counter, so the same
// UPDATE that bumps the metrics counters also serializes appends. A missing
// instance fails fast with ErrNotFound before anything is written.
func (s *Store) AppendContent(ctx context.Context, entry model.ContentEntry, delta model.InstanceMetrics) (model.ContentEntry, error) {
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
		return model.ContentEntry{}, fmt.Errorf("sqlite: encode %s payload: %w", entry.Kind, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ContentEntry{}, fmt.Errorf("sqlite: begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE agent_instances
		 SET content_seq = content_seq + 1,
		     tokens_used = tokens_used + ?,
		     error_count = error_count + ?,
		     media_generated = media_generated + ?,
		     call_count = call_count + ?,
		     updated_at = ?
		 WHERE id = ?
		 RETURNING content_seq - 1`,
		delta.TokensUsed, delta.ErrorCount, delta.MediaGenerated, delta.CallCount,
		ts(time.Now()), entry.InstanceID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ContentEntry{}, fmt.Errorf("sqlite: instance %s: %w", entry.InstanceID, storage.ErrNotFound)
		}
		return model.ContentEntry{}, mapWriteErr("reserve content seq", err)
	}
	entry.Seq = seq

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO content_entries (id, instance_id, kind, seq, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, string(entry.Kind), entry.Seq, payload, ts(entry.CreatedAt),
	); err != nil {
		return model.ContentEntry{}, mapWriteErr("insert content entry", err)
	}

	if err := tx.Commit(); err != nil {
		return model.ContentEntry{}, mapWriteErr("commit append tx", err)
	}
	return entry, nil
}

// ListContent returns an instance's content log in insertion order.
// limit is clamped to [1, 1000] with a default of 200.
func (s *Store) ListContent(ctx context.Context, instanceID uuid.UUID, limit, offset int) ([]model.ContentEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, kind, seq, payload, created_at
		 FROM content_entries WHERE instance_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		instanceID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list content: %w", err)
	}
	defer rows.Close()

	var entries []model.ContentEntry
	for rows.Next() {
		var e model.ContentEntry
		var kind, createdAt string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.InstanceID, &kind, &e.Seq, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan content entry: %w", err)
		}
		e.Kind = model.ContentKind(kind)
		if err := e.DecodePayload(payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode %s payload: %w", e.Kind, err)
		}
		if e.CreatedAt, err = parseTs(createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
