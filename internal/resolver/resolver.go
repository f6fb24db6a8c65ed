// Package resolver provides the self-healing workflow resolution logic.
//
// The canvas client always asks for "the default workflow". The resolver
// guarantees that question has an answer: it repairs a missing default flag
// by promoting an existing workflow before it ever creates a new one, so a
// user who lost their flags through a partial write still lands on their own
// canvas instead of an empty one.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/telemetry"
)

// Action strings reported to the client describing what the resolver did.
const (
	ActionFoundDefault    = "found_default"
	ActionPromotedActive  = "promoted_active"
	ActionPromotedRecent  = "promoted_most_recent"
	ActionCreatedWorkflow = "created_workflow"
)

// placeholderIDs are client-side sentinel identifiers that must never reach
// a storage lookup. They come from UI states where no real workflow exists
// yet (fresh canvas, unsaved draft).
var placeholderIDs = map[string]struct{}{
	"":                 {},
	"default-workflow": {},
	"new-workflow":     {},
	"temp-workflow":    {},
	"placeholder":      {},
}

// DefaultWorkflowName is the name given to workflows the resolver creates.
const DefaultWorkflowName = "My Workflow"

// Service resolves and validates workflow access for both storage backends.
type Service struct {
	sel    *storage.Selector
	logger *slog.Logger

	resolutions metric.Int64Counter
}

// New creates a resolver Service over the backend selector.
func New(sel *storage.Selector, logger *slog.Logger) *Service {
	meter := telemetry.Meter("trellis/resolver")
	resolutions, _ := meter.Int64Counter("trellis.resolver.resolutions",
		metric.WithDescription("Default-workflow resolutions by outcome"),
	)
	return &Service{sel: sel, logger: logger, resolutions: resolutions}
}

// IsPlaceholderID reports whether raw is a client-side sentinel that must be
// rejected before any storage lookup.
func IsPlaceholderID(raw string) bool {
	_, ok := placeholderIDs[raw]
	return ok
}

// ParseWorkflowID validates raw as a real workflow identifier: not a
// placeholder, and syntactically a UUID. Both failure modes map to
// ErrInvalidIdentifier so callers respond 400, never 404.
func ParseWorkflowID(raw string) (uuid.UUID, error) {
	if IsPlaceholderID(raw) {
		return uuid.Nil, fmt.Errorf("resolver: placeholder id %q: %w", raw, storage.ErrInvalidIdentifier)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolver: malformed id %q: %w", raw, storage.ErrInvalidIdentifier)
	}
	return id, nil
}

// ResolveDefaultWorkflow returns the owner's default workflow, repairing or
// creating one if needed. The promotion order is fixed: an existing default
// wins, then the active workflow is promoted to default, then the most
// recently updated workflow is promoted to both, and only when the owner has
// no workflows at all is a fresh one created. Safe to call repeatedly; a
// second call finds the default the first call established.
func (s *Service) ResolveDefaultWorkflow(ctx context.Context, ownerID uuid.UUID) (model.Workflow, bool, []string, error) {
	store := s.sel.For(ctx)

	// An existing default is the common case and takes no actions, which is
	// what makes repeated resolution idempotent.
	wf, err := store.GetDefaultWorkflow(ctx, ownerID)
	if err == nil {
		s.record(ctx, ActionFoundDefault)
		return wf, false, nil, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Workflow{}, false, nil, fmt.Errorf("resolver: lookup default: %w", err)
	}

	if wf, err = store.GetActiveWorkflow(ctx, ownerID); err == nil {
		if err := store.PromoteWorkflow(ctx, wf.ID, ownerID, false); err != nil {
			return model.Workflow{}, false, nil, fmt.Errorf("resolver: promote active: %w", err)
		}
		s.logger.Info("promoted active workflow to default",
			"workflow_id", wf.ID, "owner_id", ownerID)
		s.record(ctx, ActionPromotedActive)
		wf, err = store.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return model.Workflow{}, false, nil, fmt.Errorf("resolver: reload promoted: %w", err)
		}
		return wf, false, []string{ActionPromotedActive}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Workflow{}, false, nil, fmt.Errorf("resolver: lookup active: %w", err)
	}

	if wf, err = store.MostRecentWorkflow(ctx, ownerID); err == nil {
		if err := store.PromoteWorkflow(ctx, wf.ID, ownerID, true); err != nil {
			return model.Workflow{}, false, nil, fmt.Errorf("resolver: promote most recent: %w", err)
		}
		s.logger.Info("promoted most recent workflow to default and active",
			"workflow_id", wf.ID, "owner_id", ownerID)
		s.record(ctx, ActionPromotedRecent)
		wf, err = store.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return model.Workflow{}, false, nil, fmt.Errorf("resolver: reload promoted: %w", err)
		}
		return wf, false, []string{ActionPromotedRecent}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Workflow{}, false, nil, fmt.Errorf("resolver: lookup most recent: %w", err)
	}

	wf, err = store.CreateWorkflow(ctx, model.Workflow{
		OwnerID:   ownerID,
		Name:      DefaultWorkflowName,
		IsDefault: true,
		IsActive:  true,
		Canvas:    model.CanvasState{Zoom: 1},
	})
	if err != nil {
		return model.Workflow{}, false, nil, fmt.Errorf("resolver: create default: %w", err)
	}
	s.logger.Info("created default workflow", "workflow_id", wf.ID, "owner_id", ownerID)
	s.record(ctx, ActionCreatedWorkflow)
	return wf, true, []string{ActionCreatedWorkflow}, nil
}

// ValidateAccess checks that a raw workflow id names a real workflow owned
// by ownerID. Checks run in a fixed order so each failure maps to exactly
// one error: placeholder or malformed id, then existence, then ownership.
func (s *Service) ValidateAccess(ctx context.Context, rawID string, ownerID uuid.UUID) (model.Workflow, error) {
	id, err := ParseWorkflowID(rawID)
	if err != nil {
		return model.Workflow{}, err
	}
	wf, err := s.sel.For(ctx).GetWorkflow(ctx, id)
	if err != nil {
		return model.Workflow{}, err
	}
	if wf.OwnerID != ownerID {
		return model.Workflow{}, fmt.Errorf("resolver: workflow %s: %w", id, storage.ErrNotOwner)
	}
	return wf, nil
}

func (s *Service) record(ctx context.Context, action string) {
	s.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
