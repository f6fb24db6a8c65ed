// Package postgres implements storage.Backend against PostgreSQL.
//
// It is the Remote Store Adapter: the shared, networked store used when the
// user is authenticated. It manages connection pooling via pgxpool, runs
// embedded migrations, and provides the atomic conditional-update primitive
// the optimistic-concurrency design relies on.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/telemetry"
)

// DB wraps a pgxpool.Pool and implements storage.Backend.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Name identifies this backend in logs and health output.
func (db *DB) Name() string { return "postgres" }

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics exposes pool utilization as OTEL observable gauges.
// Call after telemetry.Init so the instruments land on the real provider.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("trellis/postgres")

	total, err1 := meter.Int64ObservableGauge("trellis.db.pool.total_conns",
		metric.WithDescription("Total connections in the pool"))
	idle, err2 := meter.Int64ObservableGauge("trellis.db.pool.idle_conns",
		metric.WithDescription("Idle connections in the pool"))
	if err1 != nil || err2 != nil {
		db.logger.Warn("postgres: pool metrics not registered")
		return
	}

	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		return nil
	}, total, idle)
	if err != nil {
		db.logger.Warn("postgres: pool metrics callback not registered", "error", err)
	}
}

// Close shuts down the connection pool.
func (db *DB) Close(_ context.Context) error {
	db.pool.Close()
	return nil
}
