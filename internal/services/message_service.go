// Package services – MessageService
//
// This file implements conversation history reads, bounded message search,
// and sender-side message deletion. History is cursor-paginated newest-first:
// the cursor is either a message id (resolved to that message's creation
// instant) or an RFC 3339 timestamp, and each page reports the cursor for
// the next older page. Replay-cache recovery on reconnect is a socket
// concern; this service is the database fallback those paths converge on.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation identifiers and pagination parameters.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/repo"
	"github.com/chatwire/go-chat-transport/internal/search"
)

// HistoryPage is one descending page of conversation history. NextBefore is
// the message id to pass as the cursor for the next older page; it is empty
// when this page exhausted the history.
type HistoryPage struct {
	Items      []domain.Message `json:"items"`
	NextBefore string           `json:"next_before,omitempty"`
}

// MessageService serves message history, search, and deletion.
type MessageService struct {
	DB *gorm.DB

	// Page size bounds; zero values fall back to 50 and 200.
	DefaultPageSize int
	MaxPageSize     int

	// SearchWindow bounds how many recent messages Search ranks; zero falls
	// back to 500.
	SearchWindow int
}

// SearchHit is one ranked match from Search.
type SearchHit struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// History returns messages of a conversation older than the cursor, newest
// first. Soft-deleted messages are excluded; each item carries the aggregate
// receipt state in its State column.
//
// before may be empty (start from now), a message id, or an RFC 3339
// timestamp. A cursor that resolves to nothing yields ErrInvalidSchema so
// callers can distinguish a bad cursor from an empty page.
func (s *MessageService) History(ctx context.Context, requesterID, conversationID, before string, limit int) (*HistoryPage, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if err := s.checkReader(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	cursor, err := s.resolveCursor(ctx, conversationID, before)
	if err != nil {
		return nil, err
	}
	limit = s.clampLimit(limit)

	items, err := repo.ListMessagesBefore(ctx, s.DB, conversationID, cursor, limit)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Items: items}
	if len(items) == limit {
		page.NextBefore = items[len(items)-1].ID
	}
	return page, nil
}

// Delete soft-deletes a message on behalf of its sender. Non-senders get
// ErrMessageNotFound, the same answer as for a missing message.
func (s *MessageService) Delete(ctx context.Context, senderID, messageID string) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("message.id", messageID)),
	)
	defer span.End()

	err := repo.SoftDeleteMessage(ctx, s.DB, messageID, senderID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}

// ConversationStats returns the live message count and the latest update
// instant of a conversation, for cache validators on history responses.
func (s *MessageService) ConversationStats(ctx context.Context, conversationID string) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.DB, conversationID)
}

// Search ranks the most recent SearchWindow messages of a conversation
// against query and returns the top k matches. The index is built per call
// and discarded; this is a convenience over recent history, not a full-text
// engine, so older messages are reachable only through pagination.
func (s *MessageService) Search(ctx context.Context, requesterID, conversationID, query string, k int) ([]SearchHit, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("k", k),
		),
	)
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, fieldErr(ErrMissingRequiredField, "q")
	}
	if err := s.checkReader(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}

	window := s.SearchWindow
	if window <= 0 {
		window = 500
	}
	if k <= 0 {
		k = 10
	}
	if k > 50 {
		k = 50
	}

	msgs, err := repo.ListMessagesBefore(ctx, s.DB, conversationID, time.Now().UTC(), window)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return []SearchHit{}, nil
	}

	byID := make(map[string]domain.Message, len(msgs))
	docs := make([]search.Document, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		docs = append(docs, search.Document{ID: m.ID, Text: m.Content})
	}

	hits := search.New(docs).TopK(query, k)
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		m := byID[h.ID]
		out = append(out, SearchHit{
			MessageID: h.ID,
			SenderID:  m.SenderID,
			Snippet:   search.Snippet(h.Snippet, 160),
			Score:     h.Score,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// Authorize reports whether requesterID may read conversationID. Socket
// sessions consult it before subscribing to a conversation subject; it is
// the same gate History applies.
func (s *MessageService) Authorize(ctx context.Context, requesterID, conversationID string) error {
	return s.checkReader(ctx, conversationID, requesterID)
}

// checkReader verifies the conversation exists and the requester may read
// it. Inactive conversations stay readable; only sends are rejected.
func (s *MessageService) checkReader(ctx context.Context, conversationID, requesterID string) error {
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	role, err := repo.MemberRole(ctx, s.DB, conversationID, requesterID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	if role == "blocked" {
		return ErrUserBlocked
	}
	return nil
}

// resolveCursor turns the cursor reference into an exclusive upper bound on
// creation time.
func (s *MessageService) resolveCursor(ctx context.Context, conversationID, before string) (time.Time, error) {
	if before == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, before); err == nil {
		return t.UTC(), nil
	}
	msg, err := repo.GetMessage(ctx, s.DB, before)
	if err != nil || msg.ConversationID != conversationID {
		return time.Time{}, fieldErr(ErrInvalidSchema, "before")
	}
	return msg.CreatedAt, nil
}

func (s *MessageService) clampLimit(limit int) int {
	def, max := s.DefaultPageSize, s.MaxPageSize
	if def <= 0 {
		def = 50
	}
	if max <= 0 {
		max = 200
	}
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
