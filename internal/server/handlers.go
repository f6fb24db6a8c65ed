package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/trellis-ai/trellis/internal/auth"
	"github.com/trellis-ai/trellis/internal/journal"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/resolver"
	"github.com/trellis-ai/trellis/internal/scheduler"
	"github.com/trellis-ai/trellis/internal/storage"
)

// UserStore is the credential lookup used by the token exchange. Only the
// remote store implements it; guest mode never issues tokens.
type UserStore interface {
	GetUserByUserID(ctx context.Context, userID string) (model.User, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	sel                 *storage.Selector
	jwtMgr              *auth.JWTManager
	resolver            *resolver.Service
	registry            *scheduler.Registry
	writer              *journal.Writer
	buffer              *journal.Buffer
	users               UserStore
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Buffer, Users.
type HandlersDeps struct {
	Selector            *storage.Selector
	JWTMgr              *auth.JWTManager
	Resolver            *resolver.Service
	Registry            *scheduler.Registry
	Writer              *journal.Writer
	Buffer              *journal.Buffer
	Users               UserStore
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		sel:                 d.Selector,
		jwtMgr:              d.JWTMgr,
		resolver:            d.Resolver,
		registry:            d.Registry,
		writer:              d.Writer,
		buffer:              d.Buffer,
		users:               d.Users,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: API key in, short-lived Ed25519
// JWT out. Verification always burns one Argon2 comparison so response
// timing does not reveal whether the user id exists.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and api_key are required")
		return
	}

	if h.users == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	user, err := h.users.GetUserByUserID(r.Context(), req.UserID)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	be := h.sel.For(r.Context())

	status := "ok"
	if err := be.Ping(r.Context()); err != nil {
		status = "degraded"
		h.logger.Warn("health: backend ping failed", "backend", be.Name(), "error", err)
	}

	buffered := 0
	if h.buffer != nil {
		buffered = h.buffer.Len()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		Backend:       be.Name(),
		BufferedItems: buffered,
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
