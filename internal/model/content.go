package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentKind is the discriminant of the polymorphic content log.
type ContentKind string

const (
	ContentKindChat   ContentKind = "chat"
	ContentKindImage  ContentKind = "image"
	ContentKindVideo  ContentKind = "video"
	ContentKindError  ContentKind = "error"
	ContentKindSystem ContentKind = "system"
)

// ValidContentKind reports whether k is one of the known kinds.
func ValidContentKind(k ContentKind) bool {
	switch k {
	case ContentKindChat, ContentKindImage, ContentKindVideo, ContentKindError, ContentKindSystem:
		return true
	}
	return false
}

// ChatPayload is one chat turn.
type ChatPayload struct {
	Role    string `json:"role"` // "user" | "assistant" | "tool"
	Text    string `json:"text"`
	Model   string `json:"model,omitempty"`
	Tokens  int64  `json:"tokens,omitempty"`
	Partial bool   `json:"partial,omitempty"` // true for buffered streaming chunks
}

// ImagePayload describes a generated image.
type ImagePayload struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// VideoPayload describes a generated video.
type VideoPayload struct {
	URL        string  `json:"url"`
	MimeType   string  `json:"mime_type,omitempty"`
	Prompt     string  `json:"prompt,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
}

// ErrorPayload records a runtime failure.
type ErrorPayload struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type,omitempty"`
	Retryable bool   `json:"retryable"`
}

// SystemPayload records an instance lifecycle transition or other
// system-category notice. Always journaled, regardless of policy.
type SystemPayload struct {
	Event      string         `json:"event"`
	FromStatus InstanceStatus `json:"from_status,omitempty"`
	ToStatus   InstanceStatus `json:"to_status,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

// ContentEntry is one element of an instance's append-only content log.
// Exactly one payload field is set, matching Kind. Entries are never
// mutated or reordered after insertion.
type ContentEntry struct {
	ID         uuid.UUID   `json:"id"`
	InstanceID uuid.UUID   `json:"instance_id"`
	Kind       ContentKind `json:"kind"`
	Seq        int64       `json:"seq"`
	CreatedAt  time.Time   `json:"created_at"`

	Chat   *ChatPayload   `json:"-"`
	Image  *ImagePayload  `json:"-"`
	Video  *VideoPayload  `json:"-"`
	Error  *ErrorPayload  `json:"-"`
	System *SystemPayload `json:"-"`
}

// contentEnvelope is the wire/storage form of a ContentEntry: fixed header
// fields plus a raw payload keyed by kind.
type contentEnvelope struct {
	ID         uuid.UUID       `json:"id"`
	InstanceID uuid.UUID       `json:"instance_id"`
	Kind       ContentKind     `json:"kind"`
	Seq        int64           `json:"seq"`
	CreatedAt  time.Time       `json:"created_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Payload returns the active payload as any, for callers that only need to
// re-serialize it.
func (e ContentEntry) Payload() any {
	switch e.Kind {
	case ContentKindChat:
		return e.Chat
	case ContentKindImage:
		return e.Image
	case ContentKindVideo:
		return e.Video
	case ContentKindError:
		return e.Error
	case ContentKindSystem:
		return e.System
	}
	return nil
}

// Validate checks that Kind is known and that exactly the matching payload
// is present.
func (e ContentEntry) Validate() error {
	if !ValidContentKind(e.Kind) {
		return fmt.Errorf("model: unknown content kind %q", e.Kind)
	}
	if e.Payload() == nil {
		return fmt.Errorf("model: content entry of kind %q has no payload", e.Kind)
	}
	return nil
}

// MarshalJSON encodes the entry as an envelope with a single payload object.
func (e ContentEntry) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(e.Payload())
	if err != nil {
		return nil, fmt.Errorf("model: marshal %s payload: %w", e.Kind, err)
	}
	return json.Marshal(contentEnvelope{
		ID:         e.ID,
		InstanceID: e.InstanceID,
		Kind:       e.Kind,
		Seq:        e.Seq,
		CreatedAt:  e.CreatedAt,
		Payload:    raw,
	})
}

// UnmarshalJSON decodes an envelope, dispatching the payload on Kind.
func (e *ContentEntry) UnmarshalJSON(data []byte) error {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	entry := ContentEntry{
		ID:         env.ID,
		InstanceID: env.InstanceID,
		Kind:       env.Kind,
		Seq:        env.Seq,
		CreatedAt:  env.CreatedAt,
	}
	if err := entry.decodePayload(env.Payload); err != nil {
		return err
	}
	*e = entry
	return nil
}

// DecodePayload fills the payload field matching e.Kind from raw JSON.
// Used by storage backends that keep the payload in a separate column.
func (e *ContentEntry) DecodePayload(raw json.RawMessage) error {
	return e.decodePayload(raw)
}

func (e *ContentEntry) decodePayload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("model: content entry of kind %q has no payload", e.Kind)
	}
	switch e.Kind {
	case ContentKindChat:
		e.Chat = &ChatPayload{}
		return json.Unmarshal(raw, e.Chat)
	case ContentKindImage:
		e.Image = &ImagePayload{}
		return json.Unmarshal(raw, e.Image)
	case ContentKindVideo:
		e.Video = &VideoPayload{}
		return json.Unmarshal(raw, e.Video)
	case ContentKindError:
		e.Error = &ErrorPayload{}
		return json.Unmarshal(raw, e.Error)
	case ContentKindSystem:
		e.System = &SystemPayload{}
		return json.Unmarshal(raw, e.System)
	default:
		return fmt.Errorf("model: unknown content kind %q", e.Kind)
	}
}

// NewChatEntry builds an unsequenced chat entry for instanceID. Seq is
// assigned by the storage backend at append time.
func NewChatEntry(instanceID uuid.UUID, p ChatPayload) ContentEntry {
	return ContentEntry{ID: uuid.New(), InstanceID: instanceID, Kind: ContentKindChat, CreatedAt: time.Now().UTC(), Chat: &p}
}

// NewErrorEntry builds an unsequenced error entry for instanceID.
func NewErrorEntry(instanceID uuid.UUID, p ErrorPayload) ContentEntry {
	return ContentEntry{ID: uuid.New(), InstanceID: instanceID, Kind: ContentKindError, CreatedAt: time.Now().UTC(), Error: &p}
}

// NewSystemEntry builds an unsequenced system entry for instanceID.
func NewSystemEntry(instanceID uuid.UUID, p SystemPayload) ContentEntry {
	return ContentEntry{ID: uuid.New(), InstanceID: instanceID, Kind: ContentKindSystem, CreatedAt: time.Now().UTC(), System: &p}
}
