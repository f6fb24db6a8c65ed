package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/trellis-ai/trellis/internal/journal"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// HandleCreateInstance handles POST /v1/workflows/{workflow_id}/instances.
// The new instance is an independent snapshot of the prototype; later
// prototype edits never reach it.
func (h *Handlers) HandleCreateInstance(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFromContext(r.Context())

	var req model.CreateInstanceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if (req.PrototypeID == nil) == (req.Prototype == nil) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"exactly one of prototype_id or prototype is required")
		return
	}

	wf, err := h.resolver.ValidateAccess(r.Context(), r.PathValue("workflow_id"), owner)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	be := h.sel.For(r.Context())
	var proto model.AgentPrototype
	if req.PrototypeID != nil {
		proto, err = be.GetPrototype(r.Context(), *req.PrototypeID)
		if err != nil {
			writeStorageError(w, r, h.logger, err)
			return
		}
	} else {
		proto = *req.Prototype
	}

	inst := proto.Instantiate(wf.ID, req.Position)
	if proto.ID == uuid.Nil {
		// Inline prototype with no stored identity; no provenance to keep.
		inst.PrototypeID = nil
	}

	inst, err = be.CreateInstance(r.Context(), inst)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	h.recordSystemEvent(r.Context(), inst.ID, model.SystemPayload{
		Event:    "instance_created",
		ToStatus: inst.Status,
	})

	writeJSON(w, r, http.StatusCreated, inst)
}

// HandleUpdateInstanceStatus handles POST /v1/instances/{instance_id}/status.
// The lifecycle transition is journaled as a system entry regardless of the
// instance's persistence policy.
func (h *Handlers) HandleUpdateInstanceStatus(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateInstanceStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !model.ValidInstanceStatus(req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	inst, err := h.instanceForOwner(r.Context(), r.PathValue("instance_id"))
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	if err := h.sel.For(r.Context()).UpdateInstanceStatus(r.Context(), inst.ID, req.Status); err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	h.recordSystemEvent(r.Context(), inst.ID, model.SystemPayload{
		Event:      "status_changed",
		FromStatus: inst.Status,
		ToStatus:   req.Status,
	})

	inst.Status = req.Status
	writeJSON(w, r, http.StatusOK, inst)
}

// HandleDeleteInstance handles DELETE /v1/instances/{instance_id}. Buffered
// chat is flushed first so an agent's last burst is not lost with the node.
func (h *Handlers) HandleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instanceForOwner(r.Context(), r.PathValue("instance_id"))
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	if h.buffer != nil {
		h.buffer.FlushInstance(r.Context(), inst.ID)
	}

	if err := h.sel.For(r.Context()).DeleteInstance(r.Context(), inst.ID); err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	writeJSON(w, r, http.StatusOK, struct {
		Deleted bool `json:"deleted"`
	}{true})
}

// HandleAppendContent handles POST /v1/instances/{instance_id}/content.
// Partial chat chunks go through the streaming buffer; everything else is a
// direct journal write. A policy decline is a 200 with accepted=false.
func (h *Handlers) HandleAppendContent(w http.ResponseWriter, r *http.Request) {
	var req model.AppendContentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateStruct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	inst, err := h.instanceForOwner(r.Context(), r.PathValue("instance_id"))
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	entry := model.ContentEntry{
		ID:         uuid.New(),
		InstanceID: inst.ID,
		Kind:       req.Kind,
		CreatedAt:  time.Now().UTC(),
	}
	if err := entry.DecodePayload(req.Payload); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if entry.Kind == model.ContentKindChat && entry.Chat.Partial && h.buffer != nil {
		if err := h.buffer.Append(inst.ID, journal.Chunk{
			Role:   entry.Chat.Role,
			Text:   entry.Chat.Text,
			Model:  entry.Chat.Model,
			Tokens: entry.Chat.Tokens,
		}); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTransient, "stream buffer at capacity")
			return
		}
		writeJSON(w, r, http.StatusAccepted, model.AppendContentResponse{
			Accepted: true,
			Reason:   "buffered",
		})
		return
	}

	res, err := h.writer.Record(r.Context(), entry)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	resp := model.AppendContentResponse{Accepted: res.Accepted, Reason: res.Reason}
	status := http.StatusOK
	if res.Accepted {
		resp.EntryID = &res.Entry.ID
		seq := res.Entry.Seq
		resp.Seq = &seq
		status = http.StatusCreated
	}
	writeJSON(w, r, status, resp)
}

// HandleListContent handles GET /v1/instances/{instance_id}/content.
func (h *Handlers) HandleListContent(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instanceForOwner(r.Context(), r.PathValue("instance_id"))
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.sel.For(r.Context()).ListContent(r.Context(), inst.ID, limit, offset)
	if err != nil {
		writeStorageError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// instanceForOwner loads an instance and checks that its workflow belongs to
// the calling owner. Errors use the storage sentinels so callers can map
// them uniformly.
func (h *Handlers) instanceForOwner(ctx context.Context, rawID string) (model.AgentInstance, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return model.AgentInstance{}, fmt.Errorf("server: parse instance id: %w", storage.ErrInvalidIdentifier)
	}

	be := h.sel.For(ctx)
	inst, err := be.GetInstance(ctx, id)
	if err != nil {
		return model.AgentInstance{}, err
	}
	wf, err := be.GetWorkflow(ctx, inst.WorkflowID)
	if err != nil {
		return model.AgentInstance{}, err
	}
	if wf.OwnerID != OwnerFromContext(ctx) {
		return model.AgentInstance{}, fmt.Errorf("server: instance %s: %w", id, storage.ErrNotOwner)
	}
	return inst, nil
}

// recordSystemEvent journals a system entry best-effort. System events are
// never policy-gated, but a failure to record one must not fail the request
// that triggered it.
func (h *Handlers) recordSystemEvent(ctx context.Context, instanceID uuid.UUID, p model.SystemPayload) {
	if _, err := h.writer.Record(ctx, model.NewSystemEntry(instanceID, p)); err != nil {
		h.logger.Warn("journal: system event not recorded",
			"instance_id", instanceID, "event", p.Event, "error", err)
	}
}
