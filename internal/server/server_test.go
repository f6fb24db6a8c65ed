package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/auth"
	"github.com/trellis-ai/trellis/internal/journal"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/resolver"
	"github.com/trellis-ai/trellis/internal/scheduler"
	"github.com/trellis-ai/trellis/internal/server"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/storage/sqlite"
)

// newTestHandler wires a full server over an in-memory sqlite backend.
// Requests carry no Authorization header, so everything runs as the guest
// owner against the local store, the same path the desktop app exercises.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	h, _ := newTestServer(t)
	return h
}

// newTestServer additionally exposes the JWT manager so tests can mint
// tokens for non-guest owners.
func newTestServer(t *testing.T) (http.Handler, *auth.JWTManager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	sel := storage.NewSelector(store, nil)
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	writer := journal.NewWriter(sel, logger)
	buf := journal.NewBuffer(writer, logger, time.Minute)

	srv := server.New(server.ServerConfig{
		Selector: sel,
		JWTMgr:   jwtMgr,
		Resolver: resolver.New(sel, logger),
		Registry: scheduler.NewRegistry(scheduler.Config{
			Debounce:    20 * time.Millisecond,
			MinInterval: time.Millisecond,
			ErrorWindow: 50 * time.Millisecond,
		}, logger),
		Writer:              writer,
		Buffer:              buf,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return srv.Handler(), jwtMgr
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doAs(t, h, "", method, path, body)
}

// doAs sends a request with a bearer token; an empty token means guest.
func doAs(t *testing.T, h http.Handler, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// data unwraps the response envelope into dest.
func data(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dest))
}

func apiErr(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return env.Error
}

func resolveDefault(t *testing.T, h http.Handler) model.Workflow {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/v1/workflows/default", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.ResolveDefaultResponse
	data(t, rec, &resp)
	return resp.Workflow
}

func createInlineInstance(t *testing.T, h http.Handler, workflowID uuid.UUID, cfg model.PersistenceConfig) model.AgentInstance {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/workflows/"+workflowID.String()+"/instances",
		map[string]any{
			"prototype": model.AgentPrototype{
				Name:        "researcher",
				Role:        "research",
				LLMProvider: "openai",
				LLMModel:    "gpt-4o",
				Persistence: cfg,
			},
			"position": model.Position{X: 100, Y: 50},
		})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst model.AgentInstance
	data(t, rec, &inst)
	return inst
}

func TestResolveDefaultCreatesAndReuses(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/v1/workflows/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var first model.ResolveDefaultResponse
	data(t, rec, &first)
	assert.True(t, first.WasCreated)
	assert.Equal(t, []string{resolver.ActionCreatedWorkflow}, first.Actions)
	assert.True(t, first.Workflow.IsDefault)
	assert.Equal(t, int64(0), first.Workflow.Version)

	rec = do(t, h, http.MethodGet, "/v1/workflows/default", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second model.ResolveDefaultResponse
	data(t, rec, &second)
	assert.False(t, second.WasCreated)
	assert.Empty(t, second.Actions)
	assert.Equal(t, first.Workflow.ID, second.Workflow.ID)
}

func TestPatchWorkflowVersionProtocol(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	rec := do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "renamed"},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var patched model.PatchWorkflowResponse
	data(t, rec, &patched)
	assert.Equal(t, int64(1), patched.Version)
	assert.False(t, patched.LastSavedAt.IsZero())

	// Replaying the same expected version is a conflict, not an overwrite.
	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "stale rename"},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	e := apiErr(t, rec)
	assert.Equal(t, model.ErrCodeVersionConflict, e.Code)
	assert.Contains(t, e.Message, "expected version 0")

	// Retrying at the current version succeeds.
	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"description": "second edit"},
		"expected_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data(t, rec, &patched)
	assert.Equal(t, int64(2), patched.Version)
}

func TestRejectedPatchIsNotCommittedLater(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	rec := do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "first"},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "stale"},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// An unrelated edit at the current version must not smuggle the
	// rejected name through the shared scheduler.
	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"description": "later"},
		"expected_version": 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail model.WorkflowDetailResponse
	data(t, rec, &detail)
	assert.Equal(t, "first", detail.Workflow.Name)
	assert.Equal(t, "later", detail.Workflow.Description)
	assert.Equal(t, int64(2), detail.Workflow.Version)
}

func TestPatchWorkflowRejectsEmptyAndUnknownFields(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	rec := do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr(t, rec).Code)

	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"version": 99},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestPlaceholderWorkflowIDIsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	resolveDefault(t, h)

	for _, path := range []string{
		"/v1/workflows/default-workflow",
		"/v1/workflows/new-workflow",
		"/v1/workflows/not-a-uuid",
	} {
		rec := do(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, model.ErrCodeInvalidID, apiErr(t, rec).Code, path)
	}

	rec := do(t, h, http.MethodGet, "/v1/workflows/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, apiErr(t, rec).Code)
}

func TestGraphSyncRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	a := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: true})
	b := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: true})

	rec := do(t, h, http.MethodPut, "/v1/workflows/"+wf.ID.String()+"/graph", model.SyncGraphRequest{
		Nodes: []model.GraphNode{
			{ID: a.ID, Type: "agent", Position: model.Position{X: 10, Y: 20}},
			{ID: b.ID, Type: "agent", Position: model.Position{X: 200, Y: 20}},
		},
		Edges: []model.GraphEdge{
			{ID: uuid.New(), Source: a.ID, Target: b.ID, Type: "data"},
		},
		Canvas:          model.CanvasState{Zoom: 1.5, PanX: -40, PanY: 12},
		ExpectedVersion: 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var synced model.PatchWorkflowResponse
	data(t, rec, &synced)
	assert.Equal(t, int64(1), synced.Version)

	rec = do(t, h, http.MethodGet, "/v1/workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail model.WorkflowDetailResponse
	data(t, rec, &detail)
	assert.Equal(t, 1.5, detail.Workflow.Canvas.Zoom)
	require.Len(t, detail.Edges, 1)
	assert.Equal(t, a.ID, detail.Edges[0].SourceInstanceID)
	assert.Equal(t, b.ID, detail.Edges[0].TargetInstanceID)
	require.Len(t, detail.Instances, 2)

	// A stale canvas handover is rejected outright.
	rec = do(t, h, http.MethodPut, "/v1/workflows/"+wf.ID.String()+"/graph", model.SyncGraphRequest{
		Canvas:          model.CanvasState{Zoom: 2},
		ExpectedVersion: 0,
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestGraphSyncResyncsLiveScheduler(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	// A patch first, so the workflow has a live scheduler at version 1.
	rec := do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "canvas"},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/v1/workflows/"+wf.ID.String()+"/graph", model.SyncGraphRequest{
		Canvas:          model.CanvasState{Zoom: 0.8},
		ExpectedVersion: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The scheduler picked up version 2 from the sync; a follow-up patch at
	// that version must not false-conflict.
	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "after sync"},
		"expected_version": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var patched model.PatchWorkflowResponse
	data(t, rec, &patched)
	assert.Equal(t, int64(3), patched.Version)
}

func TestSaveStatusEndpoint(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	rec := do(t, h, http.MethodGet, "/v1/workflows/"+wf.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st model.SaveStatus
	data(t, rec, &st)
	assert.Equal(t, scheduler.StatusIdle, st.Status)
	assert.Equal(t, int64(0), st.Version)

	rec = do(t, h, http.MethodPatch, "/v1/workflows/"+wf.ID.String(), map[string]any{
		"set":              map[string]any{"name": "saved"},
		"expected_version": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/workflows/"+wf.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data(t, rec, &st)
	assert.Equal(t, scheduler.StatusSaved, st.Status)
	assert.Equal(t, int64(1), st.Version)
	assert.NotNil(t, st.LastSyncedAt)
}

func TestDeleteDefaultWorkflowReResolves(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	rec := do(t, h, http.MethodDelete, "/v1/workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp model.DeleteWorkflowResponse
	data(t, rec, &resp)
	assert.True(t, resp.Deleted)
	require.NotNil(t, resp.Resolution)
	assert.True(t, resp.Resolution.WasCreated)
	assert.NotEqual(t, wf.ID, resp.Resolution.Workflow.ID)

	rec = do(t, h, http.MethodGet, "/v1/workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateInstanceRequiresExactlyOneSource(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)
	path := "/v1/workflows/" + wf.ID.String() + "/instances"

	rec := do(t, h, http.MethodPost, path, map[string]any{
		"position": model.Position{},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr(t, rec).Code)

	rec = do(t, h, http.MethodPost, path, map[string]any{
		"prototype_id": uuid.New(),
		"prototype":    model.AgentPrototype{Name: "x"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, path, map[string]any{
		"prototype_id": uuid.New(),
	})
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestCreateInstanceSnapshotsInlinePrototype(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)

	inst := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: true, SaveErrors: true})
	assert.Equal(t, wf.ID, inst.WorkflowID)
	assert.Nil(t, inst.PrototypeID)
	assert.Equal(t, "researcher", inst.Name)
	assert.Equal(t, model.InstanceStatusStopped, inst.Status)
	assert.Equal(t, model.Position{X: 100, Y: 50}, inst.Position)
	assert.True(t, inst.Persistence.SaveChat)
}

func TestUpdateInstanceStatus(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)
	inst := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{})

	rec := do(t, h, http.MethodPost, "/v1/instances/"+inst.ID.String()+"/status",
		map[string]any{"status": "running"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated model.AgentInstance
	data(t, rec, &updated)
	assert.Equal(t, model.InstanceStatusRunning, updated.Status)

	rec = do(t, h, http.MethodPost, "/v1/instances/"+inst.ID.String()+"/status",
		map[string]any{"status": "daydreaming"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The lifecycle transitions are journaled as system entries.
	rec = do(t, h, http.MethodGet, "/v1/instances/"+inst.ID.String()+"/content", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []model.ContentEntry
	data(t, rec, &entries)
	var events []string
	for _, e := range entries {
		if e.Kind == model.ContentKindSystem {
			events = append(events, e.System.Event)
		}
	}
	assert.Equal(t, []string{"instance_created", "status_changed"}, events)
}

func TestAppendContentJournaling(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)
	saved := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: true})
	unsaved := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: false})

	rec := do(t, h, http.MethodPost, "/v1/instances/"+saved.ID.String()+"/content", map[string]any{
		"kind":    "chat",
		"payload": model.ChatPayload{Role: "assistant", Text: "done", Tokens: 3},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp model.AppendContentResponse
	data(t, rec, &resp)
	assert.True(t, resp.Accepted)
	require.NotNil(t, resp.Seq)
	require.NotNil(t, resp.EntryID)

	rec = do(t, h, http.MethodPost, "/v1/instances/"+unsaved.ID.String()+"/content", map[string]any{
		"kind":    "chat",
		"payload": model.ChatPayload{Role: "assistant", Text: "ephemeral"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = model.AppendContentResponse{}
	data(t, rec, &resp)
	assert.False(t, resp.Accepted)
	assert.Equal(t, journal.ReasonChatDisabled, resp.Reason)
	assert.Nil(t, resp.EntryID)

	rec = do(t, h, http.MethodPost, "/v1/instances/not-an-id/content", map[string]any{
		"kind":    "chat",
		"payload": model.ChatPayload{Text: "x"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidID, apiErr(t, rec).Code)
}

func TestAppendContentRejectsForeignInstance(t *testing.T) {
	h, jwtMgr := newTestServer(t)
	wf := resolveDefault(t, h)
	inst := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: true})

	token, _, err := jwtMgr.IssueToken(model.User{ID: uuid.New(), UserID: "intruder"})
	require.NoError(t, err)

	var before []model.ContentEntry
	rec := do(t, h, http.MethodGet, "/v1/instances/"+inst.ID.String()+"/content", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data(t, rec, &before)

	// Another owner cannot write into the guest's journal, neither the
	// direct path nor the streaming one.
	rec = doAs(t, h, token, http.MethodPost, "/v1/instances/"+inst.ID.String()+"/content", map[string]any{
		"kind":    "system",
		"payload": model.SystemPayload{Event: "status_changed", ToStatus: "running"},
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, model.ErrCodeNotOwner, apiErr(t, rec).Code)

	rec = doAs(t, h, token, http.MethodPost, "/v1/instances/"+inst.ID.String()+"/content", map[string]any{
		"kind":    "chat",
		"payload": model.ChatPayload{Role: "assistant", Text: "sneaky", Partial: true},
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	var after []model.ContentEntry
	rec = do(t, h, http.MethodGet, "/v1/instances/"+inst.ID.String()+"/content", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data(t, rec, &after)
	assert.Len(t, after, len(before), "foreign append reached the journal")
}

func TestAppendContentPartialChunksAreBuffered(t *testing.T) {
	h := newTestHandler(t)
	wf := resolveDefault(t, h)
	inst := createInlineInstance(t, h, wf.ID, model.PersistenceConfig{SaveChat: true})

	for _, text := range []string{"stream", "ing ", "output"} {
		rec := do(t, h, http.MethodPost, "/v1/instances/"+inst.ID.String()+"/content", map[string]any{
			"kind":    "chat",
			"payload": model.ChatPayload{Role: "assistant", Text: text, Partial: true},
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var resp model.AppendContentResponse
		data(t, rec, &resp)
		assert.True(t, resp.Accepted)
		assert.Equal(t, "buffered", resp.Reason)
	}

	// Nothing durable yet; deleting the instance flushes the burst first and
	// then removes everything with the node.
	rec := do(t, h, http.MethodDelete, "/v1/instances/"+inst.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/instances/"+inst.ID.String()+"/content", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthTokenWithoutUserStore(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodPost, "/auth/token", map[string]any{
		"user_id": "admin", "api_key": "whatever",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr(t, rec).Code)

	rec = do(t, h, http.MethodPost, "/auth/token", map[string]any{"user_id": "admin"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidBearerTokenIsRejected(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/workflows/default", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr(t, rec).Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.HealthResponse
	data(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "sqlite", resp.Backend)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
