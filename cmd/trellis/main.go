package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/trellis-ai/trellis/internal/auth"
	"github.com/trellis-ai/trellis/internal/config"
	"github.com/trellis-ai/trellis/internal/journal"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/ratelimit"
	"github.com/trellis-ai/trellis/internal/resolver"
	"github.com/trellis-ai/trellis/internal/scheduler"
	"github.com/trellis-ai/trellis/internal/server"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/storage/postgres"
	"github.com/trellis-ai/trellis/internal/storage/sqlite"
	"github.com/trellis-ai/trellis/internal/telemetry"
	"github.com/trellis-ai/trellis/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TRELLIS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("trellis starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Local store is always available; it serves guest mode and is the sole
	// backend in local-only deployments.
	local, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer func() { _ = local.Close(ctx) }()

	// Remote store only with DATABASE_URL.
	var remote *postgres.DB
	var users server.UserStore
	if cfg.DatabaseURL != "" {
		remote, err = postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer func() { _ = remote.Close(ctx) }()
		remote.RegisterPoolMetrics()

		if err := remote.RunMigrations(ctx, migrations.FS); err != nil {
			slog.Warn("migrations failed", "error", err)
		}
		users = remote
	} else {
		logger.Info("remote store: disabled (no DATABASE_URL), running local-only")
	}

	var remoteBackend storage.Backend
	if remote != nil {
		remoteBackend = remote
	}
	sel := storage.NewSelector(local, remoteBackend)

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Seed the bootstrap admin user (remote only, non-fatal).
	if remote != nil && cfg.AdminAPIKey != "" {
		if err := seedAdminUser(ctx, remote, cfg.AdminAPIKey); err != nil {
			slog.Warn("admin seed failed", "error", err)
		}
	}

	// Resolver, scheduler registry, journal writer, and streaming buffer.
	res := resolver.New(sel, logger)
	registry := scheduler.NewRegistry(scheduler.Config{
		Debounce:    cfg.SaveDebounce,
		MinInterval: cfg.MinFlushInterval,
		ErrorWindow: cfg.ErrorWindow,
	}, logger)
	writer := journal.NewWriter(sel, logger)
	buf := journal.NewBuffer(writer, logger, cfg.BufferInactivity)
	buf.Start(ctx)

	// Create rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
			Rate:  cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		})
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Selector:            sel,
		JWTMgr:              jwtMgr,
		Resolver:            res,
		Registry:            registry,
		Writer:              writer,
		Buffer:              buf,
		Limiter:             limiter,
		Users:               users,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight ones, (2) flush every workflow
	// scheduler so pending edits become durable, (3) drain the streaming
	// buffer into the journal.
	slog.Info("trellis shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	registry.Close(schedCtx)
	schedCancel()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
	buf.Drain(bufCtx)
	bufCancel()

	slog.Info("trellis stopped")
	return nil
}

// seedAdminUser ensures a bootstrap user exists so the token exchange works
// out of the box. Idempotent: an existing admin user is left untouched.
func seedAdminUser(ctx context.Context, db *postgres.DB, apiKey string) error {
	if _, err := db.GetUserByUserID(ctx, "admin"); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("hash admin key: %w", err)
	}
	_, err = db.CreateUser(ctx, model.User{
		ID:         uuid.New(),
		UserID:     "admin",
		APIKeyHash: hash,
	})
	return err
}
