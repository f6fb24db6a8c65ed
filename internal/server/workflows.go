package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/scheduler"
	"github.com/trellis-ai/trellis/internal/storage"
)

// HandleResolveDefault handles GET /v1/workflows/default. Always returns a
// usable workflow, creating or promoting one if needed.
func (h *Handlers) HandleResolveDefault(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	wf, wasCreated, actions, err := h.resolver.ResolveDefaultWorkflow(r.Context(), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	if actions == nil {
		actions = []string{}
	}
	writeJSON(w, r, http.StatusOK, model.ResolveDefaultResponse{
		Workflow:   wf,
		WasCreated: wasCreated,
		Actions:    actions,
	})
}

// HandleListWorkflows handles GET /v1/workflows.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	wfs, err := h.sel.For(r.Context()).ListWorkflows(r.Context(), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, wfs)
}

// HandleGetWorkflow handles GET /v1/workflows/{workflow_id}: the workflow
// plus its instances and edges, fetched concurrently.
func (h *Handlers) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	wf, err := h.resolver.ValidateAccess(r.Context(), r.PathValue("workflow_id"), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	be := h.sel.For(r.Context())
	var (
		instances []model.AgentInstance
		edges     []model.WorkflowEdge
	)
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		instances, err = be.ListInstances(gctx, wf.ID)
		return err
	})
	g.Go(func() error {
		var err error
		edges, err = be.ListEdges(gctx, wf.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.WorkflowDetailResponse{
		Workflow:  wf,
		Instances: instances,
		Edges:     edges,
	})
}

// HandlePatchWorkflow handles PATCH /v1/workflows/{workflow_id}. The patch
// goes through the workflow's scheduler, so manual saves share the same
// throttle and conditional-commit path as debounced ones.
func (h *Handlers) HandlePatchWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.PatchWorkflowRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Set.IsEmpty() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "patch has no fields")
		return
	}
	if err := model.ValidateWorkflowPatch(req.Set); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	wf, err := h.resolver.ValidateAccess(r.Context(), r.PathValue("workflow_id"), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	be := h.sel.For(r.Context())
	sched := h.registry.Get(wf.ID, wf.Version, flushFunc(be, wf.ID, owner))
	// The caller's version token drives the conditional write; a stale one
	// surfaces as a conflict rather than silently overwriting.
	sched.SetVersion(req.ExpectedVersion)
	sched.Apply(req.Set)

	newVersion, err := sched.FlushNow(r.Context())
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	lastSaved := time.Now().UTC()
	if st := sched.Status(); st.LastSyncedAt != nil {
		lastSaved = *st.LastSyncedAt
	}
	writeJSON(w, r, http.StatusOK, model.PatchWorkflowResponse{
		Version:     newVersion,
		LastSavedAt: lastSaved,
	})
}

// HandleDeleteWorkflow handles DELETE /v1/workflows/{workflow_id}. Deleting
// the default workflow immediately re-resolves a replacement so the owner
// always has somewhere to land.
func (h *Handlers) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	wf, err := h.resolver.ValidateAccess(r.Context(), r.PathValue("workflow_id"), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	if err := h.sel.For(r.Context()).DeleteWorkflow(r.Context(), wf.ID, owner); err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	h.registry.Remove(wf.ID)

	resp := model.DeleteWorkflowResponse{Deleted: true}
	if wf.IsDefault {
		newWf, wasCreated, actions, err := h.resolver.ResolveDefaultWorkflow(r.Context(), owner)
		if err != nil {
			h.logger.Warn("re-resolution after default delete failed",
				"owner_id", owner, "error", err)
		} else {
			if actions == nil {
				actions = []string{}
			}
			resp.Resolution = &model.ResolveDefaultResponse{
				Workflow:   newWf,
				WasCreated: wasCreated,
				Actions:    actions,
			}
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSaveStatus handles GET /v1/workflows/{workflow_id}/status: the
// save-indicator snapshot for the UI.
func (h *Handlers) HandleSaveStatus(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	wf, err := h.resolver.ValidateAccess(r.Context(), r.PathValue("workflow_id"), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	if sched, ok := h.registry.Lookup(wf.ID); ok {
		writeJSON(w, r, http.StatusOK, sched.Status())
		return
	}

	// No scheduler yet for this workflow in this process; derive from the
	// stored row.
	st := model.SaveStatus{
		Status:       scheduler.StatusIdle,
		IsDirty:      wf.IsDirty,
		Version:      wf.Version,
		LastSyncedAt: wf.LastSavedAt,
	}
	if wf.IsDirty {
		st.Status = scheduler.StatusDirty
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleSyncGraph handles PUT /v1/workflows/{workflow_id}/graph: the
// normalized node/edge handover from the canvas.
func (h *Handlers) HandleSyncGraph(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.SyncGraphRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	wf, err := h.resolver.ValidateAccess(r.Context(), r.PathValue("workflow_id"), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	newVersion, err := h.sel.For(r.Context()).SyncGraph(
		r.Context(), wf.ID, owner, req.Nodes, req.Edges, req.Canvas, req.ExpectedVersion)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	// Keep any live scheduler's version token in step with the out-of-band
	// write so its next flush does not false-conflict.
	if sched, ok := h.registry.Lookup(wf.ID); ok {
		sched.SetVersion(newVersion)
	}

	writeJSON(w, r, http.StatusOK, model.PatchWorkflowResponse{
		Version:     newVersion,
		LastSavedAt: time.Now().UTC(),
	})
}

// flushFunc binds a backend, workflow, and owner into the scheduler's commit
// callback.
func flushFunc(be storage.Backend, workflowID, ownerID uuid.UUID) scheduler.FlushFunc {
	return func(ctx context.Context, patch model.WorkflowPatch, expectedVersion int64) (int64, error) {
		return be.PatchWorkflow(ctx, workflowID, ownerID, patch, expectedVersion)
	}
}
