package journal_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-ai/trellis/internal/journal"
	"github.com/trellis-ai/trellis/internal/model"
	"github.com/trellis-ai/trellis/internal/storage"
	"github.com/trellis-ai/trellis/internal/storage/sqlite"
)

func newTestWriter(t *testing.T) (*journal.Writer, *sqlite.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := sqlite.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return journal.NewWriter(storage.NewSelector(store, nil), logger), store
}

func createInstance(t *testing.T, store *sqlite.Store, cfg model.PersistenceConfig) model.AgentInstance {
	t.Helper()
	ctx := context.Background()
	wf, err := store.CreateWorkflow(ctx, model.Workflow{OwnerID: uuid.New(), Name: "wf"})
	require.NoError(t, err)

	inst, err := store.CreateInstance(ctx, model.AgentInstance{
		ID:          uuid.New(),
		WorkflowID:  wf.ID,
		Name:        "agent",
		Status:      model.InstanceStatusRunning,
		Persistence: cfg,
	})
	require.NoError(t, err)
	return inst
}

func allContent(t *testing.T, store *sqlite.Store, instanceID uuid.UUID) []model.ContentEntry {
	t.Helper()
	entries, err := store.ListContent(context.Background(), instanceID, 100, 0)
	require.NoError(t, err)
	return entries
}

func TestRecordAppendsAndAccountsMetrics(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: true, SaveErrors: true})

	res, err := w.Record(ctx, model.NewChatEntry(inst.ID, model.ChatPayload{
		Role: "assistant", Text: "hello", Tokens: 12,
	}))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(0), res.Entry.Seq)
	assert.NotEqual(t, uuid.Nil, res.Entry.ID)

	res, err = w.Record(ctx, model.NewErrorEntry(inst.ID, model.ErrorPayload{
		Message: "boom", Retryable: true,
	}))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, int64(1), res.Entry.Seq)

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metrics.CallCount)
	assert.Equal(t, int64(12), got.Metrics.TokensUsed)
	assert.Equal(t, int64(1), got.Metrics.ErrorCount)

	assert.Len(t, allContent(t, store, inst.ID), 2)
}

func TestRecordPolicyGates(t *testing.T) {
	w, store := newTestWriter(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		cfg    model.PersistenceConfig
		entry  func(id uuid.UUID) model.ContentEntry
		reason string
	}{
		{
			name: "chat disabled",
			cfg:  model.PersistenceConfig{SaveErrors: true},
			entry: func(id uuid.UUID) model.ContentEntry {
				return model.NewChatEntry(id, model.ChatPayload{Role: "user", Text: "hi"})
			},
			reason: journal.ReasonChatDisabled,
		},
		{
			name: "errors disabled",
			cfg:  model.PersistenceConfig{SaveChat: true},
			entry: func(id uuid.UUID) model.ContentEntry {
				return model.NewErrorEntry(id, model.ErrorPayload{Message: "boom"})
			},
			reason: journal.ReasonErrorsDisabled,
		},
		{
			name: "media disabled",
			cfg:  model.PersistenceConfig{MediaStorage: model.MediaStorageDisabled},
			entry: func(id uuid.UUID) model.ContentEntry {
				e := model.ContentEntry{InstanceID: id, Kind: model.ContentKindImage}
				e.Image = &model.ImagePayload{URL: "https://example.com/x.png"}
				return e
			},
			reason: journal.ReasonMediaDisabled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := createInstance(t, store, tt.cfg)
			res, err := w.Record(ctx, tt.entry(inst.ID))
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.reason, res.Reason)

			// Declined means nothing reached storage.
			assert.Empty(t, allContent(t, store, inst.ID))
			got, err := store.GetInstance(ctx, inst.ID)
			require.NoError(t, err)
			assert.Zero(t, got.Metrics)
		})
	}
}

func TestRecordSystemEntriesAreNeverGated(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{
		MediaStorage: model.MediaStorageDisabled,
	})

	res, err := w.Record(context.Background(), model.NewSystemEntry(inst.ID, model.SystemPayload{
		Event:      "status_changed",
		FromStatus: model.InstanceStatusRunning,
		ToStatus:   model.InstanceStatusCompleted,
	}))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Len(t, allContent(t, store, inst.ID), 1)
}

func TestRecordUnknownInstance(t *testing.T) {
	w, _ := newTestWriter(t)

	_, err := w.Record(context.Background(), model.NewChatEntry(uuid.New(), model.ChatPayload{
		Role: "user", Text: "to nowhere",
	}))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordRejectsMalformedEntry(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: true})

	_, err := w.Record(context.Background(), model.ContentEntry{
		InstanceID: inst.ID,
		Kind:       model.ContentKindChat, // no payload
	})
	assert.Error(t, err)

	_, err = w.Record(context.Background(), model.ContentEntry{
		InstanceID: inst.ID,
		Kind:       model.ContentKind("telemetry"),
	})
	assert.Error(t, err)
}

func newTestBuffer(t *testing.T, w *journal.Writer, inactivity time.Duration) *journal.Buffer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return journal.NewBuffer(w, logger, inactivity)
}

func TestBufferCoalescesBurstIntoOneEntry(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: true})

	buf := newTestBuffer(t, w, 20*time.Millisecond)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	chunks := []journal.Chunk{
		{Role: "assistant", Text: "The ", Model: "gpt-4o", Tokens: 1},
		{Text: "answer ", Tokens: 1},
		{Text: "is 42.", Tokens: 2},
	}
	for _, c := range chunks {
		require.NoError(t, buf.Append(inst.ID, c))
	}
	assert.Equal(t, len(chunks), buf.Len())

	require.Eventually(t, func() bool {
		entries, err := store.ListContent(context.Background(), inst.ID, 10, 0)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	entry := allContent(t, store, inst.ID)[0]
	require.NotNil(t, entry.Chat)
	assert.Equal(t, "The answer is 42.", entry.Chat.Text)
	assert.Equal(t, "assistant", entry.Chat.Role)
	assert.Equal(t, "gpt-4o", entry.Chat.Model)
	assert.Equal(t, int64(4), entry.Chat.Tokens)
	assert.Equal(t, 0, buf.Len())

	// One burst, one metrics increment.
	got, err := store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Metrics.CallCount)
	assert.Equal(t, int64(4), got.Metrics.TokensUsed)
}

func TestBufferFlushInstance(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: true})

	// No Start: only the explicit flush moves chunks to storage.
	buf := newTestBuffer(t, w, time.Minute)
	require.NoError(t, buf.Append(inst.ID, journal.Chunk{Role: "assistant", Text: "partial"}))

	buf.FlushInstance(context.Background(), inst.ID)
	assert.Equal(t, 0, buf.Len())
	assert.Len(t, allContent(t, store, inst.ID), 1)

	// Flushing an instance with nothing buffered is a no-op.
	buf.FlushInstance(context.Background(), inst.ID)
	assert.Len(t, allContent(t, store, inst.ID), 1)
}

func TestBufferDropsChunksForDeletedInstance(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: true})

	buf := newTestBuffer(t, w, time.Minute)
	require.NoError(t, buf.Append(inst.ID, journal.Chunk{Text: "a"}))
	require.NoError(t, buf.Append(inst.ID, journal.Chunk{Text: "b"}))

	require.NoError(t, store.DeleteInstance(context.Background(), inst.ID))

	buf.FlushInstance(context.Background(), inst.ID)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int64(2), buf.DroppedChunks())
}

func TestBufferPolicyDeclineDropsBurst(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: false})

	buf := newTestBuffer(t, w, time.Minute)
	require.NoError(t, buf.Append(inst.ID, journal.Chunk{Text: "ephemeral"}))

	buf.FlushInstance(context.Background(), inst.ID)
	assert.Empty(t, allContent(t, store, inst.ID))
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int64(0), buf.DroppedChunks())
}

func TestBufferDrainFlushesRemaining(t *testing.T) {
	w, store := newTestWriter(t)
	inst := createInstance(t, store, model.PersistenceConfig{SaveChat: true})

	buf := newTestBuffer(t, w, time.Minute)
	buf.Start(context.Background())
	require.NoError(t, buf.Append(inst.ID, journal.Chunk{Role: "assistant", Text: "tail"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	buf.Drain(ctx)

	entries := allContent(t, store, inst.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "tail", entries[0].Chat.Text)
}
