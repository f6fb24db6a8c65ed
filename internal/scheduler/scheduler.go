// Package scheduler owns the debounced write path for workflow state.
//
// Edits accumulate in a field-scoped patch; a debounce timer coalesces rapid
// edits into one conditional write, and a minimum inter-flush interval
// throttles manual saves so drag-style input cannot produce a write storm.
// Every flush carries the last known version, so a stale scheduler can never
// clobber a concurrent writer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
)

// Save-indicator states exposed through Status.
const (
	StatusIdle   = "idle"
	StatusDirty  = "dirty"
	StatusSaving = "saving"
	StatusSaved  = "saved"
	StatusError  = "error"
)

// Defaults for the flush cadence.
const (
	DefaultDebounce    = 2 * time.Second
	DefaultMinInterval = 1 * time.Second
	DefaultErrorWindow = 5 * time.Second
)

// FlushFunc commits the accumulated patch conditionally on expectedVersion
// and returns the new version. Implementations wrap Backend.PatchWorkflow.
type FlushFunc func(ctx context.Context, patch model.WorkflowPatch, expectedVersion int64) (int64, error)

// Config tunes the flush cadence. Zero values fall back to the defaults;
// tests shrink them to keep runs fast.
type Config struct {
	Debounce    time.Duration
	MinInterval time.Duration
	ErrorWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = DefaultErrorWindow
	}
	return c
}

// Scheduler manages the dirty flag, debounce timer, and optimistic commit
// protocol for a single workflow.
type Scheduler struct {
	flush  FlushFunc
	cfg    Config
	logger *slog.Logger

	flushes  metric.Int64Counter
	flushDur metric.Float64Histogram

	mu           sync.Mutex
	status       string
	dirty        bool
	inFlight     bool
	followUp     bool
	pending      model.WorkflowPatch
	version      int64
	lastFlushAt  time.Time
	lastSyncedAt *time.Time
	lastError    string
	timer        *time.Timer
	errTimer     *time.Timer
	flightDone   chan struct{}

	baseCtx context.Context
}

// New creates a scheduler for one workflow. version is the workflow's
// current version as last read by the caller.
func New(flush FlushFunc, version int64, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		flush:   flush,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		status:  StatusIdle,
		version: version,
		baseCtx: context.Background(),
	}
}

// Start sets the context used by timer-driven flushes. Optional; without it
// timer flushes run against context.Background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *Scheduler) instruments(flushes metric.Int64Counter, flushDur metric.Float64Histogram) {
	s.flushes = flushes
	s.flushDur = flushDur
}

// Apply merges a field-scoped patch into the pending set and marks the
// workflow dirty. Later values for the same field win.
func (s *Scheduler) Apply(patch model.WorkflowPatch) {
	if patch.IsEmpty() {
		return
	}
	s.mu.Lock()
	s.pending = s.pending.Merge(patch)
	s.mu.Unlock()
	s.MarkDirty()
}

// MarkDirty transitions the workflow to dirty and (re)arms the debounce
// timer. Calls within one debounce window coalesce into a single flush. A
// call while a flush is in flight schedules a follow-up flush instead of
// being dropped.
func (s *Scheduler) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty = true
	if s.inFlight {
		s.followUp = true
		return
	}
	s.status = StatusDirty
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.Debounce, s.timerFire)
}

func (s *Scheduler) timerFire() {
	s.mu.Lock()
	if !s.dirty || s.inFlight {
		s.mu.Unlock()
		return
	}
	ctx := s.baseCtx
	s.mu.Unlock()

	if _, err := s.doFlush(ctx); err != nil {
		s.logger.Warn("scheduler: debounced flush failed", "error", err)
	}
}

// FlushNow commits pending changes immediately, subject to the minimum
// inter-flush interval. A call inside the throttle window waits out the
// remainder; a call during an in-flight flush waits for it to resolve and
// then issues its own (queued, not interrupted). Returns the version after
// the flush.
func (s *Scheduler) FlushNow(ctx context.Context) (int64, error) {
	for {
		s.mu.Lock()
		if s.inFlight {
			done := s.flightDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		if !s.dirty {
			v := s.version
			s.mu.Unlock()
			return v, nil
		}
		wait := s.cfg.MinInterval - time.Since(s.lastFlushAt)
		s.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return 0, ctx.Err()
			}
			continue
		}
		return s.doFlush(ctx)
	}
}

// doFlush runs the optimistic commit protocol: snapshot the pending patch,
// apply it remotely, and on failure restore the snapshot underneath any
// edits made while the flush was in flight.
func (s *Scheduler) doFlush(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return 0, errors.New("scheduler: flush already in flight")
	}
	snapshot := s.pending
	expected := s.version
	s.pending = model.WorkflowPatch{}
	s.dirty = false
	s.inFlight = true
	s.status = StatusSaving
	s.flightDone = make(chan struct{})
	s.mu.Unlock()

	now := time.Now().UTC()
	patch := snapshot
	patch.LastSavedAt = &now
	dirty := false
	patch.IsDirty = &dirty

	start := time.Now()
	newVersion, err := s.flush(ctx, patch, expected)
	dur := time.Since(start)

	s.mu.Lock()
	defer func() {
		close(s.flightDone)
		s.mu.Unlock()
	}()
	s.inFlight = false
	s.lastFlushAt = time.Now()

	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// The store rejected the snapshot against a newer version. The
			// snapshot is stale and must not ride along with a later commit;
			// the caller reloads and re-applies. Mid-flight edits survive.
			s.dirty = !s.pending.IsEmpty()
		} else {
			// Edits made mid-flight are newer than the snapshot and win.
			s.pending = snapshot.Merge(s.pending)
			s.dirty = true
		}
		s.status = StatusError
		s.lastError = err.Error()
		s.armErrorRevert()
		// Retry on the normal debounce cadence, except for version
		// conflicts (need a reload first) and exhausted local storage
		// (will not self-resolve).
		if !errors.Is(err, storage.ErrVersionConflict) && !errors.Is(err, storage.ErrQuotaExhausted) {
			if s.timer != nil {
				s.timer.Stop()
			}
			s.timer = time.AfterFunc(s.cfg.Debounce, s.timerFire)
		}
		s.observe(ctx, outcomeOf(err), dur)
		return 0, fmt.Errorf("scheduler: flush: %w", err)
	}

	s.version = newVersion
	s.lastSyncedAt = &now
	s.lastError = ""
	if s.followUp {
		s.followUp = false
		s.dirty = true
		s.status = StatusDirty
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timer = time.AfterFunc(s.cfg.Debounce, s.timerFire)
	} else if s.dirty {
		s.status = StatusDirty
	} else {
		s.status = StatusSaved
	}
	s.observe(ctx, "success", dur)
	return newVersion, nil
}

// armErrorRevert schedules the transition from error back to dirty after
// the display window, so a retry is still owed.
func (s *Scheduler) armErrorRevert() {
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.errTimer = time.AfterFunc(s.cfg.ErrorWindow, func() {
		s.mu.Lock()
		if s.status == StatusError {
			if s.dirty {
				s.status = StatusDirty
			} else {
				s.status = StatusIdle
			}
		}
		s.mu.Unlock()
	})
}

// SetVersion resets the scheduler's version token after the caller reloads
// the workflow, typically in response to a version conflict.
func (s *Scheduler) SetVersion(v int64) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// Version returns the last known version.
func (s *Scheduler) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Status returns the save-indicator snapshot for the UI.
func (s *Scheduler) Status() model.SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SaveStatus{
		Status:       s.status,
		IsDirty:      s.dirty,
		Version:      s.version,
		LastSyncedAt: s.lastSyncedAt,
		LastError:    s.lastError,
	}
}

// Discard stops the timers and drops pending changes without flushing.
// Used when the workflow itself is deleted.
func (s *Scheduler) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.pending = model.WorkflowPatch{}
	s.dirty = false
	s.followUp = false
	s.status = StatusIdle
}

// Close stops the timers and makes a best-effort final flush of any pending
// changes so teardown never silently drops edits.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	dirty := s.dirty
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	_, err := s.FlushNow(ctx)
	return err
}

func (s *Scheduler) observe(ctx context.Context, outcome string, dur time.Duration) {
	if s.flushes != nil {
		s.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if s.flushDur != nil {
		s.flushDur.Record(ctx, float64(dur.Milliseconds()))
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		return "conflict"
	case errors.Is(err, storage.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
