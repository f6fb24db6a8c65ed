package trellis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeData(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func writeAPIError(t *testing.T, w http.ResponseWriter, status int, code, msg string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": msg},
	}))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost:8080", UserID: "only-user"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
	assert.Nil(t, c.tokenMgr)
}

func TestGuestModeSendsNoAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/workflows/default", r.URL.Path)
		writeData(t, w, http.StatusOK, ResolveDefaultResponse{
			WasCreated: true,
			Actions:    []string{"created_workflow"},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.ResolveDefault(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.WasCreated)
	assert.Equal(t, []string{"created_workflow"}, resp.Actions)
}

func TestTokenIsFetchedOnceAndReused(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/token":
			tokenCalls.Add(1)
			var req struct {
				UserID string `json:"user_id"`
				APIKey string `json:"api_key"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "alice", req.UserID)
			assert.Equal(t, "sk-secret", req.APIKey)
			writeData(t, w, http.StatusOK, map[string]any{
				"token":      "issued-token",
				"expires_at": time.Now().Add(time.Hour).UTC(),
			})
		default:
			assert.Equal(t, "Bearer issued-token", r.Header.Get("Authorization"))
			writeData(t, w, http.StatusOK, []Workflow{})
		}
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, UserID: "alice", APIKey: "sk-secret"})
	require.NoError(t, err)

	_, err = c.ListWorkflows(context.Background())
	require.NoError(t, err)
	_, err = c.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestPatchWorkflowSendsVersionedPatch(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/workflows/"+id.String(), r.URL.Path)

		var body struct {
			Set             WorkflowPatch `json:"set"`
			ExpectedVersion int64         `json:"expected_version"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.Set.Name)
		assert.Equal(t, "renamed", *body.Set.Name)
		assert.Equal(t, int64(4), body.ExpectedVersion)

		writeData(t, w, http.StatusOK, PatchWorkflowResponse{Version: 5, LastSavedAt: time.Now().UTC()})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	name := "renamed"
	resp, err := c.PatchWorkflow(context.Background(), id, WorkflowPatch{Name: &name}, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Version)
}

func TestVersionConflictSurfacesAsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(t, w, http.StatusConflict, "VERSION_CONFLICT", "expected version 3, stored version 5")
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.PatchWorkflow(context.Background(), uuid.New(), WorkflowPatch{}, 3)
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))
	assert.False(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "VERSION_CONFLICT", apiErr.Code)
	assert.Contains(t, apiErr.Message, "expected version 3")
}

func TestNotFoundAndRateLimitedPredicates(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(t, w, status, "NOT_FOUND", "no such workflow")
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GetWorkflow(context.Background(), uuid.New())
	assert.True(t, IsNotFound(err))

	status = http.StatusTooManyRequests
	_, err = c.GetWorkflow(context.Background(), uuid.New())
	assert.True(t, IsRateLimited(err))
}

func TestHandleResponseFallsBackToFlatBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No envelope; the body is the object itself.
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Backend: "sqlite"}))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "sqlite", resp.Backend)
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	var tokenCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/token" {
			tokenCalls.Add(1)
			// Already inside the refresh skew, so the next request fetches
			// a fresh token.
			writeData(t, w, http.StatusOK, map[string]any{
				"token":      "short-lived",
				"expires_at": time.Now().Add(time.Second).UTC(),
			})
			return
		}
		writeData(t, w, http.StatusOK, []Workflow{})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, UserID: "alice", APIKey: "sk-secret"})
	require.NoError(t, err)

	_, err = c.ListWorkflows(context.Background())
	require.NoError(t, err)
	_, err = c.ListWorkflows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), tokenCalls.Load())
}
