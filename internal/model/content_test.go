package model

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentEntryValidate(t *testing.T) {
	entry := NewChatEntry(uuid.New(), ChatPayload{Role: "assistant", Text: "hello"})
	require.NoError(t, entry.Validate())

	entry.Kind = ContentKindImage
	err := entry.Validate()
	require.Error(t, err, "kind changed without matching payload")

	entry.Kind = "bogus"
	assert.Error(t, entry.Validate())
}

func TestContentEntryEnvelopeRoundTrip(t *testing.T) {
	orig := NewErrorEntry(uuid.New(), ErrorPayload{
		Message:   "rate limited by provider",
		ErrorType: "rate_limit",
		Retryable: true,
	})
	orig.Seq = 7

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	// The wire form nests the payload under a single "payload" key.
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	require.Contains(t, wire, "payload")

	var back ContentEntry
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, orig.ID, back.ID)
	assert.Equal(t, int64(7), back.Seq)
	require.NotNil(t, back.Error)
	assert.Equal(t, "rate limited by provider", back.Error.Message)
	assert.True(t, back.Error.Retryable)
	assert.Nil(t, back.Chat)
}

func TestContentEntryUnmarshalUnknownKind(t *testing.T) {
	raw := []byte(`{"id":"` + uuid.NewString() + `","instance_id":"` + uuid.NewString() +
		`","kind":"hologram","seq":0,"created_at":"2026-01-01T00:00:00Z","payload":{}}`)
	var entry ContentEntry
	err := json.Unmarshal(raw, &entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown content kind")
}

func TestDecodePayloadDispatchesOnKind(t *testing.T) {
	entry := ContentEntry{Kind: ContentKindSystem}
	require.NoError(t, entry.DecodePayload([]byte(`{"event":"status_changed","from_status":"stopped","to_status":"running"}`)))
	require.NotNil(t, entry.System)
	assert.Equal(t, InstanceStatusRunning, entry.System.ToStatus)
}
