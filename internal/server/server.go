package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/trellis-ai/trellis/internal/auth"
	"github.com/trellis-ai/trellis/internal/journal"
	"github.com/trellis-ai/trellis/internal/ratelimit"
	"github.com/trellis-ai/trellis/internal/resolver"
	"github.com/trellis-ai/trellis/internal/scheduler"
	"github.com/trellis-ai/trellis/internal/storage"
)

// Server is the Trellis HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Buffer.
type ServerConfig struct {
	// Required dependencies.
	Selector *storage.Selector
	JWTMgr   *auth.JWTManager
	Resolver *resolver.Service
	Registry *scheduler.Registry
	Writer   *journal.Writer
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Buffer  *journal.Buffer
	Limiter ratelimit.Limiter
	Users   UserStore // nil in local-only deployments; /auth/token returns 401

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Selector:            cfg.Selector,
		JWTMgr:              cfg.JWTMgr,
		Resolver:            cfg.Resolver,
		Registry:            cfg.Registry,
		Writer:              cfg.Writer,
		Buffer:              cfg.Buffer,
		Users:               cfg.Users,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules: token exchange is keyed by client IP, content
	// ingestion by owner so one chatty workflow cannot starve the rest.
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	ingestRL := ratelimit.Middleware(cfg.Limiter, ownerKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Workflows.
	mux.HandleFunc("GET /v1/workflows/default", h.HandleResolveDefault)
	mux.HandleFunc("GET /v1/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}", h.HandleGetWorkflow)
	mux.HandleFunc("PATCH /v1/workflows/{workflow_id}", h.HandlePatchWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{workflow_id}", h.HandleDeleteWorkflow)
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/status", h.HandleSaveStatus)
	mux.HandleFunc("PUT /v1/workflows/{workflow_id}/graph", h.HandleSyncGraph)

	// Agent instances.
	mux.HandleFunc("POST /v1/workflows/{workflow_id}/instances", h.HandleCreateInstance)
	mux.HandleFunc("POST /v1/instances/{instance_id}/status", h.HandleUpdateInstanceStatus)
	mux.HandleFunc("DELETE /v1/instances/{instance_id}", h.HandleDeleteInstance)

	// Content journal (rate limited).
	mux.Handle("POST /v1/instances/{instance_id}/content", ingestRL(http.HandlerFunc(h.HandleAppendContent)))
	mux.HandleFunc("GET /v1/instances/{instance_id}/content", h.HandleListContent)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// ownerKeyFunc extracts the owner identity for per-owner rate limiting.
// Guest requests share the guest owner's bucket.
func ownerKeyFunc(r *http.Request) string {
	return OwnerFromContext(r.Context()).String()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
