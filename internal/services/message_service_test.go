package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/repo"
	"gorm.io/gorm"
)

// seedHistory inserts n messages from alice into convID, one second apart,
// oldest first. IDs are h-1 .. h-n, so h-n is the newest.
func seedHistory(t *testing.T, db *gorm.DB, convID string, n int) time.Time {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(n+1) * time.Second)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("h-%d", i)
		env := &domain.Envelope{
			MessageID:      id,
			ConversationID: convID,
			SenderID:       "alice",
			Content:        fmt.Sprintf("message %d", i),
			ContentType:    domain.ContentTypeText,
			IdempotencyKey: deriveIdempotencyKey("alice", id),
			CorrelationID:  "corr-" + id,
			AcceptedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if _, err := repo.InsertMessage(context.Background(), db, env); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return base
}

func historyIDs(page *HistoryPage) []string {
	ids := make([]string, len(page.Items))
	for i, m := range page.Items {
		ids[i] = m.ID
	}
	return ids
}

func TestHistory_PagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member", "bob": "member"})
	seedHistory(t, db, "conv-1", 5)
	svc := &MessageService{DB: db}

	page, err := svc.History(ctx, "bob", "conv-1", "", 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if got := historyIDs(page); len(got) != 2 || got[0] != "h-5" || got[1] != "h-4" {
		t.Fatalf("page 1 = %v, want [h-5 h-4]", got)
	}
	if page.NextBefore != "h-4" {
		t.Fatalf("next_before = %q, want h-4", page.NextBefore)
	}

	page, err = svc.History(ctx, "bob", "conv-1", page.NextBefore, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if got := historyIDs(page); len(got) != 2 || got[0] != "h-3" || got[1] != "h-2" {
		t.Fatalf("page 2 = %v, want [h-3 h-2]", got)
	}

	page, err = svc.History(ctx, "bob", "conv-1", page.NextBefore, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if got := historyIDs(page); len(got) != 1 || got[0] != "h-1" {
		t.Fatalf("page 3 = %v, want [h-1]", got)
	}
	if page.NextBefore != "" {
		t.Fatalf("next_before = %q, want empty on the last page", page.NextBefore)
	}
}

func TestHistory_TimestampCursor(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	seedHistory(t, db, "conv-1", 4)
	svc := &MessageService{DB: db}

	anchor, err := repo.GetMessage(ctx, db, "h-3")
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}

	page, err := svc.History(ctx, "alice", "conv-1", anchor.CreatedAt.Format(time.RFC3339Nano), 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := historyIDs(page); len(got) != 2 || got[0] != "h-2" || got[1] != "h-1" {
		t.Fatalf("items = %v, want [h-2 h-1]", got)
	}
}

func TestHistory_CursorValidation(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	seedMembers(t, db, "conv-2", "active", map[string]string{"alice": "member"})
	seedHistory(t, db, "conv-1", 2)
	svc := &MessageService{DB: db}

	for _, cursor := range []string{"no-such-message", "h-1"} {
		// h-1 exists but lives in conv-1; as a cursor for conv-2 it must be
		// rejected rather than silently resolved.
		_, err := svc.History(ctx, "alice", "conv-2", cursor, 0)
		if !errors.Is(err, ErrInvalidSchema) {
			t.Fatalf("cursor %q: err = %v, want ErrInvalidSchema", cursor, err)
		}
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != "before" {
			t.Fatalf("cursor %q: field = %+v, want before", cursor, err)
		}
	}
}

func TestHistory_MembershipGates(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member", "mallory": "blocked"})
	seedMembers(t, db, "conv-closed", "archived", map[string]string{"alice": "member"})
	seedHistory(t, db, "conv-1", 1)
	svc := &MessageService{DB: db}

	cases := []struct {
		name      string
		requester string
		convID    string
		want      error
	}{
		{"unknown conversation", "alice", "conv-missing", ErrConversationNotFound},
		{"not a member", "eve", "conv-1", ErrNotMember},
		{"blocked member", "mallory", "conv-1", ErrUserBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.History(ctx, tc.requester, tc.convID, "", 0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	// An archived conversation rejects sends but stays readable.
	if _, err := svc.History(ctx, "alice", "conv-closed", "", 0); err != nil {
		t.Fatalf("archived conversation read: %v", err)
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	seedHistory(t, db, "conv-1", 6)
	svc := &MessageService{DB: db, DefaultPageSize: 3, MaxPageSize: 4}

	page, err := svc.History(ctx, "alice", "conv-1", "", 0)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("default page = %d items, want 3", len(page.Items))
	}

	page, err = svc.History(ctx, "alice", "conv-1", "", 99)
	if err != nil {
		t.Fatalf("clamped: %v", err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("clamped page = %d items, want 4", len(page.Items))
	}
}

func TestDelete_SenderOnly(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member", "bob": "member"})
	seedHistory(t, db, "conv-1", 3)
	svc := &MessageService{DB: db}

	if err := svc.Delete(ctx, "bob", "h-2"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("non-sender delete: err = %v, want ErrMessageNotFound", err)
	}
	if err := svc.Delete(ctx, "alice", "h-2"); err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	if err := svc.Delete(ctx, "alice", "h-2"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("repeat delete: err = %v, want ErrMessageNotFound", err)
	}

	page, err := svc.History(ctx, "bob", "conv-1", "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := historyIDs(page); len(got) != 2 || got[0] != "h-3" || got[1] != "h-1" {
		t.Fatalf("items = %v, want [h-3 h-1] after delete", got)
	}
}

// seedContent inserts one message with explicit content, n seconds in the
// past so insertion order matches creation order.
func seedContent(t *testing.T, db *gorm.DB, convID, id, sender, content string, n int) {
	t.Helper()
	env := &domain.Envelope{
		MessageID:      id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		ContentType:    domain.ContentTypeText,
		IdempotencyKey: deriveIdempotencyKey(sender, id),
		CorrelationID:  "corr-" + id,
		AcceptedAt:     time.Now().UTC().Add(-time.Duration(n) * time.Second),
	}
	if _, err := repo.InsertMessage(context.Background(), db, env); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSearch_RanksByOverlap(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member", "bob": "member"})
	seedContent(t, db, "conv-1", "s-1", "alice", "deploy the payment service on friday", 30)
	seedContent(t, db, "conv-1", "s-2", "bob", "friday standup moved to noon", 20)
	seedContent(t, db, "conv-1", "s-3", "alice", "lunch anyone", 10)
	svc := &MessageService{DB: db}

	hits, err := svc.Search(ctx, "bob", "conv-1", "deploy friday", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].MessageID != "s-1" || hits[1].MessageID != "s-2" {
		t.Fatalf("order = [%s %s], want [s-1 s-2]", hits[0].MessageID, hits[1].MessageID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %v vs %v", hits[0].Score, hits[1].Score)
	}
	if hits[0].SenderID != "alice" || hits[0].Snippet == "" || hits[0].CreatedAt.IsZero() {
		t.Fatalf("hit metadata incomplete: %+v", hits[0])
	}
}

func TestSearch_GatesAndValidation(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	seedContent(t, db, "conv-1", "s-1", "alice", "hello world", 10)
	svc := &MessageService{DB: db}

	if _, err := svc.Search(ctx, "eve", "conv-1", "hello", 5); !errors.Is(err, ErrNotMember) {
		t.Fatalf("outsider: err = %v, want ErrNotMember", err)
	}
	if _, err := svc.Search(ctx, "alice", "conv-missing", "hello", 5); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation: err = %v, want ErrConversationNotFound", err)
	}

	_, err := svc.Search(ctx, "alice", "conv-1", "   ", 5)
	if !errors.Is(err, ErrMissingRequiredField) {
		t.Fatalf("blank query: err = %v, want ErrMissingRequiredField", err)
	}
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Field != "q" {
		t.Fatalf("blank query field = %+v, want q", err)
	}
}

func TestSearch_WindowAndDeletesBoundResults(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	seedContent(t, db, "conv-1", "s-old", "alice", "release notes draft", 30)
	seedContent(t, db, "conv-1", "s-new", "alice", "release is shipped", 10)
	svc := &MessageService{DB: db, SearchWindow: 1}

	// Window of 1 only ranks the newest message.
	hits, err := svc.Search(ctx, "alice", "conv-1", "release", 10)
	if err != nil {
		t.Fatalf("windowed search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "s-new" {
		t.Fatalf("windowed hits = %+v, want only s-new", hits)
	}

	// Soft-deleted messages disappear from results.
	full := &MessageService{DB: db}
	if err := full.Delete(ctx, "alice", "s-new"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	hits, err = full.Search(ctx, "alice", "conv-1", "release", 10)
	if err != nil {
		t.Fatalf("post-delete search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != "s-old" {
		t.Fatalf("post-delete hits = %+v, want only s-old", hits)
	}
}

func TestSearch_EmptyConversation(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	svc := &MessageService{DB: db}

	hits, err := svc.Search(ctx, "alice", "conv-1", "anything", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("hits = %+v, want none", hits)
	}
}

func TestConversationStats_TracksLiveRows(t *testing.T) {
	ctx := context.Background()
	db := newServiceDB(t)
	seedMembers(t, db, "conv-1", "active", map[string]string{"alice": "member"})
	seedHistory(t, db, "conv-1", 2)
	svc := &MessageService{DB: db}

	count, updated, err := svc.ConversationStats(ctx, "conv-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if count != 2 || updated == nil {
		t.Fatalf("stats = (%d, %v), want 2 rows and a timestamp", count, updated)
	}

	count, updated, err = svc.ConversationStats(ctx, "conv-empty")
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if count != 0 || updated != nil {
		t.Fatalf("empty stats = (%d, %v), want (0, nil)", count, updated)
	}
}
