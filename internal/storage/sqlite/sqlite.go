// Package sqlite implements storage.Backend on a single-file SQLite
// database via the pure-Go modernc.org/sqlite driver.
//
// It is the Local Store Adapter used in guest mode: identical in shape to
// the remote store, minus cross-device identity guarantees. The conditional
// version-checked update works the same way, so the engine above it cannot
// tell the backends apart.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trellis-ai/trellis/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    is_active     INTEGER NOT NULL DEFAULT 0,
    is_default    INTEGER NOT NULL DEFAULT 0,
    is_dirty      INTEGER NOT NULL DEFAULT 0,
    canvas_zoom   REAL NOT NULL DEFAULT 1,
    canvas_pan_x  REAL NOT NULL DEFAULT 0,
    canvas_pan_y  REAL NOT NULL DEFAULT 0,
    version       INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    last_saved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflows_owner ON workflows (owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS agent_prototypes (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    role                TEXT NOT NULL DEFAULT '',
    system_prompt       TEXT NOT NULL DEFAULT '',
    llm_provider        TEXT NOT NULL DEFAULT '',
    llm_model           TEXT NOT NULL DEFAULT '',
    persistence_config  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS agent_instances (
    id                  TEXT PRIMARY KEY,
    workflow_id         TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    prototype_id        TEXT,
    name                TEXT NOT NULL,
    role                TEXT NOT NULL DEFAULT '',
    system_prompt       TEXT NOT NULL DEFAULT '',
    llm_provider        TEXT NOT NULL DEFAULT '',
    llm_model           TEXT NOT NULL DEFAULT '',
    position_x          REAL NOT NULL DEFAULT 0,
    position_y          REAL NOT NULL DEFAULT 0,
    status              TEXT NOT NULL DEFAULT 'stopped',
    content_seq         INTEGER NOT NULL DEFAULT 0,
    tokens_used         INTEGER NOT NULL DEFAULT 0,
    error_count         INTEGER NOT NULL DEFAULT 0,
    media_generated     INTEGER NOT NULL DEFAULT 0,
    call_count          INTEGER NOT NULL DEFAULT 0,
    persistence_config  TEXT NOT NULL DEFAULT '{}',
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    last_active_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_instances_workflow ON agent_instances (workflow_id, created_at);

CREATE TABLE IF NOT EXISTS content_entries (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL REFERENCES agent_instances(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    UNIQUE (instance_id, seq)
);

CREATE TABLE IF NOT EXISTS workflow_edges (
    id                  TEXT PRIMARY KEY,
    workflow_id         TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    source_instance_id  TEXT NOT NULL REFERENCES agent_instances(id) ON DELETE CASCADE,
    target_instance_id  TEXT NOT NULL REFERENCES agent_instances(id) ON DELETE CASCADE,
    source_handle       TEXT NOT NULL DEFAULT '',
    target_handle       TEXT NOT NULL DEFAULT '',
    edge_type           TEXT NOT NULL DEFAULT '',
    animated            INTEGER NOT NULL DEFAULT 0,
    label               TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_workflow ON workflow_edges (workflow_id);
`

// Store is the local, single-device Backend.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY between the pool's connections on :memory: databases.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Name identifies this backend in logs and health output.
func (s *Store) Name() string { return "sqlite" }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

// ts formats a timestamp for storage. SQLite has no native timestamp type;
// RFC 3339 keeps values readable and sortable.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTs(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func scanNullTs(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTs(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// mapWriteErr classifies local-storage write failures. Disk/quota
// exhaustion is surfaced as transient to the UI, but callers know not to
// auto-retry it; a full device will not self-resolve.
func mapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database or disk is full") {
		return fmt.Errorf("sqlite: %s: %v: %w", op, err, storage.ErrQuotaExhausted)
	}
	if strings.Contains(msg, "disk I/O error") {
		return fmt.Errorf("sqlite: %s: %v: %w", op, err, storage.ErrTransient)
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}
