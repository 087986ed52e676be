package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message lifecycle states. A message only ever advances through this
// order; no observer may witness a regression.
const (
	StatePending   = "pending"
	StatePersisted = "persisted"
	StateDelivered = "delivered"
	StateRead      = "read"
	StateFailed    = "failed"
)

// Content type tags accepted at ingress. Unknown tags are rejected.
const (
	ContentTypeText     = "text"
	ContentTypeImage    = "image"
	ContentTypeFile     = "file"
	ContentTypeAudio    = "audio"
	ContentTypeVideo    = "video"
	ContentTypeLocation = "location"
)

// Envelope is the complete message record flowing through the pipeline:
// assigned at ingress, appended to the stream, persisted by a consumer,
// copied to the replay cache, and emitted to sockets. It is msgpack-encoded
// between instances and JSON-encoded at the client edge.
type Envelope struct {
	MessageID       string    `json:"message_id" msgpack:"message_id"`
	ConversationID  string    `json:"conversation_id" msgpack:"conversation_id"`
	SenderID        string    `json:"sender_id" msgpack:"sender_id"`
	Content         string    `json:"content" msgpack:"content"`
	ContentType     string    `json:"content_type" msgpack:"content_type"`
	ReplyToID       *string   `json:"reply_to_id,omitempty" msgpack:"reply_to_id,omitempty"`
	ThreadID        *string   `json:"thread_id,omitempty" msgpack:"thread_id,omitempty"`
	AttachmentIDs   []string  `json:"attachment_ids,omitempty" msgpack:"attachment_ids,omitempty"`
	RecipientIDs    []string  `json:"recipient_ids,omitempty" msgpack:"recipient_ids,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty" msgpack:"client_message_id,omitempty"`
	CorrelationID   string    `json:"correlation_id" msgpack:"correlation_id"`
	IdempotencyKey  string    `json:"idempotency_key" msgpack:"idempotency_key"`
	AcceptedAt      time.Time `json:"accepted_at" msgpack:"accepted_at"`
	State           string    `json:"state" msgpack:"state"`
}

// ValidContentType reports whether tag is one of the accepted content types.
func ValidContentType(tag string) bool {
	switch tag {
	case ContentTypeText, ContentTypeImage, ContentTypeFile,
		ContentTypeAudio, ContentTypeVideo, ContentTypeLocation:
		return true
	default:
		return false
	}
}

// ValidReceiptState reports whether s is a state a receipt row may carry.
func ValidReceiptState(s string) bool {
	switch s {
	case StatePersisted, StateDelivered, StateRead:
		return true
	default:
		return false
	}
}

// StateRank orders lifecycle states for monotonicity checks and aggregate
// computation. Unknown states rank below pending.
func StateRank(s string) int {
	switch s {
	case StatePending:
		return 1
	case StatePersisted:
		return 2
	case StateDelivered:
		return 3
	case StateRead:
		return 4
	default:
		return 0
	}
}

// NewMessageID returns a fresh server-assigned message id. UUIDv7 keeps ids
// roughly time-ordered, which keeps the PK index append-friendly; on the
// rare entropy failure it falls back to v4.
func NewMessageID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// NewCorrelationID returns a fresh correlation id for tracing a submission
// through logs and events.
func NewCorrelationID() string { return uuid.NewString() }
