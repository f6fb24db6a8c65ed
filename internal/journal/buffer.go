package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/telemetry"
)

// maxBufferedChunks is the hard upper limit on chunks held across all
// instances. When reached, Append applies backpressure by returning an
// error.
const maxBufferedChunks = 100_000

// DefaultInactivity is the per-instance quiet period after which buffered
// chunks are flushed.
const DefaultInactivity = 10 * time.Second

// Chunk is one piece of streamed agent output.
type Chunk struct {
	Role   string
	Text   string
	Model  string
	Tokens int64
}

type instanceBuffer struct {
	chunks     []Chunk
	lastAppend time.Time
}

// Buffer accumulates streamed output per instance and flushes it through
// the Writer after an inactivity window, turning token-by-token streams
// into one durable write per burst instead of one per chunk.
type Buffer struct {
	writer     *Writer
	logger     *slog.Logger
	inactivity time.Duration

	mu        sync.Mutex
	total     int
	instances map[uuid.UUID]*instanceBuffer

	droppedChunks atomic.Int64 // chunks dropped after repeated flush failure

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a result buffer. inactivity <= 0 uses the default.
func NewBuffer(writer *Writer, logger *slog.Logger, inactivity time.Duration) *Buffer {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	return &Buffer{
		writer:     writer,
		logger:     logger,
		inactivity: inactivity,
		instances:  make(map[uuid.UUID]*instanceBuffer),
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append buffers one chunk for an instance and resets its inactivity
// window. Returns an error when the buffer is at capacity (backpressure).
func (b *Buffer) Append(instanceID uuid.UUID, chunk Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.total+1 > maxBufferedChunks {
		return fmt.Errorf("journal: buffer at capacity (%d chunks), try again later", b.total)
	}

	ib, ok := b.instances[instanceID]
	if !ok {
		ib = &instanceBuffer{}
		b.instances[instanceID] = ib
	}
	ib.chunks = append(ib.chunks, chunk)
	ib.lastAppend = time.Now()
	b.total++
	return nil
}

// FlushInstance immediately flushes whatever is buffered for one instance.
func (b *Buffer) FlushInstance(ctx context.Context, instanceID uuid.UUID) {
	b.mu.Lock()
	ib, ok := b.instances[instanceID]
	if !ok || len(ib.chunks) == 0 {
		b.mu.Unlock()
		return
	}
	chunks := ib.chunks
	ib.chunks = nil
	b.total -= len(chunks)
	b.mu.Unlock()

	b.submit(ctx, instanceID, chunks)
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.inactivity / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush of everything using the drain context so
			// buffered output is never silently dropped on teardown.
			flushCtx := b.drainCtx
			if flushCtx == nil {
				var cancel context.CancelFunc
				flushCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			b.flushIdle(flushCtx, 0)
			close(b.done)
			return
		case <-ticker.C:
			b.flushIdle(ctx, b.inactivity)
		case <-b.flushCh:
			b.flushIdle(ctx, 0)
		}
	}
}

// flushIdle flushes every instance whose last append is at least minIdle
// ago. minIdle 0 flushes everything.
func (b *Buffer) flushIdle(ctx context.Context, minIdle time.Duration) {
	now := time.Now()

	b.mu.Lock()
	batches := make(map[uuid.UUID][]Chunk)
	for id, ib := range b.instances {
		if len(ib.chunks) == 0 {
			delete(b.instances, id)
			continue
		}
		if now.Sub(ib.lastAppend) < minIdle {
			continue
		}
		batches[id] = ib.chunks
		ib.chunks = nil
		b.total -= len(batches[id])
		delete(b.instances, id)
	}
	b.mu.Unlock()

	for id, chunks := range batches {
		b.submit(ctx, id, chunks)
	}
}

// submit coalesces a burst of chunks into a single chat entry and records
// it. One burst, one durable write. On failure the chunks are re-queued,
// bounded by capacity.
func (b *Buffer) submit(ctx context.Context, instanceID uuid.UUID, chunks []Chunk) {
	payload := coalesce(chunks)
	res, err := b.writer.Record(ctx, model.NewChatEntry(instanceID, payload))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Instance deleted with chunks still buffered; nothing to retry.
			b.droppedChunks.Add(int64(len(chunks)))
			b.logger.Info("journal: dropping chunks for deleted instance",
				"instance_id", instanceID, "chunks", len(chunks))
			return
		}
		b.logger.Error("journal: buffered flush failed",
			"instance_id", instanceID, "chunks", len(chunks), "error", err)
		b.requeue(instanceID, chunks)
		return
	}
	if !res.Accepted {
		// Policy decline drops the burst; this is configuration, not loss.
		b.logger.Info("journal: buffered flush declined",
			"instance_id", instanceID, "chunks", len(chunks), "reason", res.Reason)
		return
	}
	b.logger.Debug("journal: burst flushed",
		"instance_id", instanceID, "chunks", len(chunks), "seq", res.Entry.Seq)
}

func (b *Buffer) requeue(instanceID uuid.UUID, chunks []Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total+len(chunks) > maxBufferedChunks {
		b.droppedChunks.Add(int64(len(chunks)))
		b.logger.Error("journal: dropping chunks, buffer at capacity after flush failure",
			"instance_id", instanceID, "dropped", len(chunks))
		return
	}
	ib, ok := b.instances[instanceID]
	if !ok {
		ib = &instanceBuffer{lastAppend: time.Now()}
		b.instances[instanceID] = ib
	}
	ib.chunks = append(chunks, ib.chunks...)
	b.total += len(chunks)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and is passed to the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("journal: drain timed out waiting for flush loop")
	}
}

// Len returns the total number of buffered chunks across all instances.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// DroppedChunks returns the number of chunks dropped after flush failures
// filled the buffer. Non-zero means data loss.
func (b *Buffer) DroppedChunks() int64 {
	return b.droppedChunks.Load()
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("trellis/journal")

	_, _ = meter.Int64ObservableGauge("trellis.buffer.depth",
		metric.WithDescription("Current number of chunks in the result buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("trellis.buffer.dropped_total",
		metric.WithDescription("Total chunks dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedChunks())
			return nil
		}),
	)
}

// coalesce folds a burst of streamed chunks into one chat payload. Text
// concatenates in arrival order, tokens sum, and the last non-empty role
// and model win.
func coalesce(chunks []Chunk) model.ChatPayload {
	var sb strings.Builder
	p := model.ChatPayload{}
	for _, c := range chunks {
		sb.WriteString(c.Text)
		p.Tokens += c.Tokens
		if c.Role != "" {
			p.Role = c.Role
		}
		if c.Model != "" {
			p.Model = c.Model
		}
	}
	p.Text = sb.String()
	if p.Role == "" {
		p.Role = "assistant"
	}
	return p
}
