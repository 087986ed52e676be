package stream

import (
	"testing"
	"time"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

func TestEnvelopeCodec_RoundTripThroughStringField(t *testing.T) {
	reply := "m-parent"
	env := &domain.Envelope{
		MessageID:       "m1",
		ConversationID:  "c1",
		SenderID:        "u1",
		Content:         "héllo",
		ContentType:     domain.ContentTypeText,
		ReplyToID:       &reply,
		RecipientIDs:    []string{"u2", "u3"},
		ClientMessageID: "client-1",
		CorrelationID:   "corr-1",
		IdempotencyKey:  "k1",
		AcceptedAt:      time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		State:           domain.StatePending,
	}

	b, err := marshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// go-redis hands stream fields back as strings.
	got, err := unmarshalEnvelope(string(b))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MessageID != env.MessageID || got.ConversationID != env.ConversationID {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.Content != env.Content || got.ContentType != env.ContentType {
		t.Fatalf("content fields lost: %+v", got)
	}
	if got.ReplyToID == nil || *got.ReplyToID != reply {
		t.Fatalf("reply_to lost: %v", got.ReplyToID)
	}
	if len(got.RecipientIDs) != 2 || got.RecipientIDs[0] != "u2" {
		t.Fatalf("recipients lost: %v", got.RecipientIDs)
	}
	if !got.AcceptedAt.Equal(env.AcceptedAt) {
		t.Fatalf("accepted_at lost: %v", got.AcceptedAt)
	}
}

func TestUnmarshalEnvelope_RejectsUnknownFieldType(t *testing.T) {
	if _, err := unmarshalEnvelope(42); err == nil {
		t.Fatalf("expected error for non-string field value")
	}
	if _, err := unmarshalEnvelope("not msgpack"); err == nil {
		t.Fatalf("expected error for garbage payload")
	}
}
