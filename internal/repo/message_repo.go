// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
//
// The repository follows a "thin" approach: it performs persistence and simple
// query composition, leaving business rules to the services and consumer
// packages.
//
// Error semantics:
//   - InsertMessage uses insert-or-ignore on the message id, so a consumer
//     reprocessing the same envelope observes created=false instead of an
//     error. The idempotency-key unique index remains a hard constraint: a
//     different id carrying an already-used key is a bug and surfaces as a
//     raw DB error.
//   - When a message is not found, functions return ErrNotFound
//     (gorm.ErrRecordNotFound).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// InsertMessage persists an accepted envelope as a message row. The insert
// ignores conflicts on the primary key, which makes redelivery from the
// stream a database no-op. It reports whether a new row was created.
func InsertMessage(ctx context.Context, db *gorm.DB, env *domain.Envelope) (bool, error) {
	m := &domain.Message{
		ID:             env.MessageID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Content:        env.Content,
		ContentType:    env.ContentType,
		ReplyToID:      env.ReplyToID,
		ThreadID:       env.ThreadID,
		IdempotencyKey: env.IdempotencyKey,
		CorrelationID:  env.CorrelationID,
		State:          domain.StatePersisted,
		CreatedAt:      env.AcceptedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetMessage fetches a message by ID, excluding soft-deleted rows.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageExists reports whether a row with the given id exists. It is used
// by ingress to decide whether an idempotent hit still needs a re-append.
func MessageExists(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Count(&total).Error
	return total > 0, err
}

// ListMessagesBefore returns up to limit messages of a conversation strictly
// older than the given instant, newest first. It drives the history
// pagination endpoint; the (conversation_id, created_at DESC) index keeps it
// a range scan.
func ListMessagesBefore(ctx context.Context, db *gorm.DB, conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND created_at < ?", conversationID, before).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error (as tests expect).
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted_at IS NULL", conversationID).
		Scan(&total).Error
	return total, err
}

// SoftDeleteMessage marks a message deleted without removing the row. Only
// the original sender may mark it. Returns ErrNotFound when no live row
// matches.
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, id, senderID string) error {
	res := db.WithContext(ctx).
		Where("id = ? AND sender_id = ?", id, senderID).
		Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AdvanceMessageState moves the aggregate lifecycle column forward. The
// rank guard in the WHERE clause makes the advance monotonic under
// concurrent writers: a slower observer can never regress a faster one.
// It reports whether the row changed.
func AdvanceMessageState(ctx context.Context, db *gorm.DB, id, state string) (bool, error) {
	rank := domain.StateRank(state)
	if rank == 0 {
		return false, gorm.ErrInvalidValue
	}
	res := db.WithContext(ctx).Exec(`
		UPDATE messages SET state = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND
		      CASE state
		           WHEN 'pending'   THEN 1
		           WHEN 'persisted' THEN 2
		           WHEN 'delivered' THEN 3
		           WHEN 'read'      THEN 4
		           ELSE 0
		      END < ?`,
		state, time.Now().UTC(), id, rank)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
