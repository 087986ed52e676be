// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation and ConversationMember models.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation or membership is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound for
//     convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - CreateConversation(ctx, db, id, typ) -> *domain.Conversation, error
//     Inserts a new active Conversation row with UTC timestamps.
//
//   - GetConversation(ctx, db, id) -> *domain.Conversation, error
//     Fetches a conversation by ID, or ErrNotFound if missing.
//
//   - AddMember(ctx, db, conversationID, userID, role) -> error
//     Inserts a membership row. The (conversation_id,user_id) pair is unique.
//
//   - MemberRole(ctx, db, conversationID, userID) -> (string, error)
//     Returns the member's role, or ErrNotFound when not a member.
//
//   - ListMemberIDs(ctx, db, conversationID) -> []string, error
//     Returns the user IDs of all non-blocked members.
//
//   - BlockedMemberIDs(ctx, db, conversationID) -> []string, error
//     Returns the user IDs of blocked members.
//
//   - TouchConversation(ctx, db, id, at) -> error
//     Bumps last_activity_at, enforcing existence via ErrNotFound.
//
// Usage:
//
//	// Within a service layer
//	role, err := repo.MemberRole(ctx, db, convID, userID)
//	if errors.Is(err, repo.ErrNotFound) {
//	    // handle non-member
//	} else if err != nil {
//	    // handle DB failure
//	}
//
// This repository is designed to be wrapped by a higher-level service
// (see services.IngressService) which enforces business rules such as
// membership and conversation-state checks.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a new Conversation row of the given type
// ("direct" or "group") in the active state. Timestamps are set to UTC.
//
// On success, it returns the persisted Conversation. On failure, it returns
// a DB error.
func CreateConversation(ctx context.Context, db *gorm.DB, id, typ string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:             id,
		Type:           typ,
		Status:         "active",
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by its ID. If the record does not
// exist, it returns ErrNotFound. On other DB errors, the raw error is
// returned.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// AddMember inserts a membership row linking userID to conversationID with
// the given role. The (conversation_id,user_id) unique index rejects
// duplicate memberships as a raw DB error.
func AddMember(ctx context.Context, db *gorm.DB, conversationID, userID, role string) error {
	m := &domain.ConversationMember{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(m).Error
}

// MemberRole returns the role of userID within conversationID. If the user
// is not a member, it returns ErrNotFound.
func MemberRole(ctx context.Context, db *gorm.DB, conversationID, userID string) (string, error) {
	var m domain.ConversationMember
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&m).Error
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// ListMemberIDs returns the user IDs of every non-blocked member of the
// conversation. It returns an empty slice when the conversation has no
// members.
func ListMemberIDs(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.ConversationMember{}).
		Where("conversation_id = ? AND role <> ?", conversationID, "blocked").
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// BlockedMemberIDs returns the user IDs of blocked members of the
// conversation.
func BlockedMemberIDs(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.ConversationMember{}).
		Where("conversation_id = ? AND role = ?", conversationID, "blocked").
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// TouchConversation bumps last_activity_at to the given instant. Returns
// ErrNotFound when the conversation does not exist.
func TouchConversation(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_activity_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
