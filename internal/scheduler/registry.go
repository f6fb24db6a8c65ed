package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/telemetry"
)

// Registry hands out one Scheduler per workflow and shares a single set of
// OTEL instruments across them.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	flushes  metric.Int64Counter
	flushDur metric.Float64Histogram

	mu     sync.Mutex
	scheds map[uuid.UUID]*Scheduler
}

// NewRegistry creates a registry with a shared flush cadence config.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	meter := telemetry.Meter("trellis/scheduler")
	flushes, _ := meter.Int64Counter("trellis.scheduler.flushes",
		metric.WithDescription("Workflow flush attempts by outcome"),
	)
	flushDur, _ := meter.Float64Histogram("trellis.scheduler.flush_duration",
		metric.WithDescription("Time to commit a workflow flush (ms)"),
		metric.WithUnit("ms"),
	)
	return &Registry{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		flushes:  flushes,
		flushDur: flushDur,
		scheds:   make(map[uuid.UUID]*Scheduler),
	}
}

// Get returns the scheduler for a workflow, creating it on first use.
// version seeds a newly created scheduler and is ignored afterwards; use
// Scheduler.SetVersion to resynchronize after a reload.
func (r *Registry) Get(workflowID uuid.UUID, version int64, flush FlushFunc) *Scheduler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scheds[workflowID]; ok {
		return s
	}
	s := New(flush, version, r.cfg, r.logger)
	s.instruments(r.flushes, r.flushDur)
	r.scheds[workflowID] = s
	return s
}

// Lookup returns a workflow's scheduler if one exists. Unlike Get it never
// creates one; callers that only need to resynchronize version state after
// an out-of-band write use this.
func (r *Registry) Lookup(workflowID uuid.UUID) (*Scheduler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scheds[workflowID]
	return s, ok
}

// Remove drops a workflow's scheduler without flushing. Called when the
// workflow is deleted, so pending edits have nowhere to go.
func (r *Registry) Remove(workflowID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.scheds[workflowID]
	delete(r.scheds, workflowID)
	r.mu.Unlock()
	if ok {
		s.Discard()
	}
}

// Close flushes and stops every scheduler. Part of graceful shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	scheds := make(map[uuid.UUID]*Scheduler, len(r.scheds))
	for id, s := range r.scheds {
		scheds[id] = s
	}
	r.scheds = make(map[uuid.UUID]*Scheduler)
	r.mu.Unlock()

	for id, s := range scheds {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn("scheduler: close on shutdown", "workflow_id", id, "error", err)
		}
	}
}
