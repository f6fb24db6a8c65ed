// Package journal implements policy-gated persistence of agent runtime
// output.
//
// Every entry headed for an instance's content log passes through the
// Writer, which consults the instance's persistence policy before anything
// touches storage. A declined write is a normal outcome, not an error. High
// frequency streamed output goes through the Buffer instead, which coalesces
// chunks before handing them to the Writer.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/telemetry"
)

// Decline reasons returned to callers when a policy gate rejects an entry.
const (
	ReasonChatDisabled   = "chat persistence disabled for this instance"
	ReasonErrorsDisabled = "error persistence disabled for this instance"
	ReasonMediaDisabled  = "media storage disabled for this instance"
)

// Result is the outcome of a Record call. Accepted=false with a Reason is
// the policy-declined case; the entry was deliberately not written.
type Result struct {
	Accepted bool               `json:"accepted"`
	Reason   string             `json:"reason,omitempty"`
	Entry    model.ContentEntry `json:"entry,omitzero"`
}

// Writer applies per-instance persistence policy and performs accepted
// appends.
type Writer struct {
	sel    *storage.Selector
	logger *slog.Logger

	appends metric.Int64Counter
}

// NewWriter creates a journal writer over the backend selector.
func NewWriter(sel *storage.Selector, logger *slog.Logger) *Writer {
	meter := telemetry.Meter("trellis/journal")
	appends, _ := meter.Int64Counter("trellis.journal.appends",
		metric.WithDescription("Journal append attempts by kind and outcome"),
	)
	return &Writer{sel: sel, logger: logger, appends: appends}
}

// Record decides whether entry is durably recorded and, when allowed,
// appends it to the instance's content log with the matching metrics delta.
// A missing instance fails fast with ErrNotFound and writes nothing. A
// policy decline returns Accepted=false with a reason and writes nothing.
// The instance's last-activity timestamp is refreshed asynchronously after
// an accepted write.
func (w *Writer) Record(ctx context.Context, entry model.ContentEntry) (Result, error) {
	if err := entry.Validate(); err != nil {
		return Result{}, err
	}

	store := w.sel.For(ctx)
	inst, err := store.GetInstance(ctx, entry.InstanceID)
	if err != nil {
		outcome := "error"
		if errors.Is(err, storage.ErrNotFound) {
			outcome = "not_found"
		}
		w.count(ctx, entry.Kind, outcome)
		return Result{}, fmt.Errorf("journal: lookup instance: %w", err)
	}

	if reason, ok := gate(entry.Kind, inst.Persistence); !ok {
		w.logger.Info("journal: entry declined by policy",
			"instance_id", entry.InstanceID, "kind", entry.Kind, "reason", reason)
		w.count(ctx, entry.Kind, "declined")
		return Result{Accepted: false, Reason: reason}, nil
	}

	written, err := store.AppendContent(ctx, entry, metricsDelta(entry))
	if err != nil {
		w.count(ctx, entry.Kind, "error")
		return Result{}, fmt.Errorf("journal: append: %w", err)
	}
	w.count(ctx, entry.Kind, "accepted")

	// Best-effort; never blocks or fails the caller.
	go func() {
		touchCtx := context.WithoutCancel(ctx)
		if err := store.TouchInstanceActivity(touchCtx, written.InstanceID); err != nil {
			w.logger.Debug("journal: touch activity", "instance_id", written.InstanceID, "error", err)
		}
	}()

	return Result{Accepted: true, Entry: written}, nil
}

// gate evaluates the persistence policy for one entry kind. System entries
// record lifecycle transitions and are never gated.
func gate(kind model.ContentKind, cfg model.PersistenceConfig) (string, bool) {
	switch kind {
	case model.ContentKindChat:
		if !cfg.SaveChat {
			return ReasonChatDisabled, false
		}
	case model.ContentKindError:
		if !cfg.SaveErrors {
			return ReasonErrorsDisabled, false
		}
	case model.ContentKindImage, model.ContentKindVideo:
		if !cfg.MediaEnabled() {
			return ReasonMediaDisabled, false
		}
	case model.ContentKindSystem:
	}
	return "", true
}

// metricsDelta maps an accepted entry to the counter increments applied in
// the same transaction as the append.
func metricsDelta(entry model.ContentEntry) model.InstanceMetrics {
	var d model.InstanceMetrics
	switch entry.Kind {
	case model.ContentKindChat:
		d.CallCount = 1
		if entry.Chat != nil {
			d.TokensUsed = entry.Chat.Tokens
		}
	case model.ContentKindError:
		d.ErrorCount = 1
	case model.ContentKindImage, model.ContentKindVideo:
		d.MediaGenerated = 1
	}
	return d
}

func (w *Writer) count(ctx context.Context, kind model.ContentKind, outcome string) {
	w.appends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}
