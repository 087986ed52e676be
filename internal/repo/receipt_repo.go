// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Receipt
// model.
//
// The repository follows a "thin" approach: it performs persistence and simple
// query composition, leaving business rules to the services package.
//
// Error semantics:
//   - Duplicate receipts (same message_id,recipient_id,state) are absorbed by
//     insert-or-ignore on the unique index; CreateReceipt reports created=false
//     instead of an error, which keeps receipt recording idempotent.
//   - On other DB errors (connectivity, constraints, etc.), the raw gorm
//     error is propagated.
//
// Functions:
//
//   - CreateReceipt(ctx, db, messageID, recipientID, state, at) -> (bool, error)
//     Inserts a receipt row; reports whether a new row was created.
//
//   - ListReceipts(ctx, db, messageID) -> []domain.Receipt, error
//     Returns all receipts of a message, oldest first.
//
//   - AggregateState(ctx, db, messageID) -> (string, error)
//     Computes the message's aggregate delivery state across recipients.
//
// Usage:
//
//	// In the service layer
//	created, err := repo.CreateReceipt(ctx, db, msgID, userID, domain.StateRead, time.Now())
//	if err == nil && created {
//	    // first observation of this (message,recipient,state); fan out an update
//	}
package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// CreateReceipt inserts a receipt marking that recipientID observed messageID
// in the given state. Replays of the same (message,recipient,state) triple are
// ignored by the unique index; the boolean result distinguishes a first
// insert from a replay so callers publish each receipt update exactly once.
func CreateReceipt(ctx context.Context, db *gorm.DB, messageID, recipientID, state string, at time.Time) (bool, error) {
	r := &domain.Receipt{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		RecipientID: recipientID,
		State:       state,
		At:          at.UTC(),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "recipient_id"}, {Name: "state"}},
			DoNothing: true,
		}).
		Create(r)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListReceipts returns every receipt recorded for messageID, oldest first.
func ListReceipts(ctx context.Context, db *gorm.DB, messageID string) ([]domain.Receipt, error) {
	var out []domain.Receipt
	err := db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("at asc").
		Find(&out).Error
	return out, err
}

// AggregateState computes the aggregate delivery state of a message: the
// minimum, across recipients, of each recipient's most advanced receipt.
// A group message is "read" only once every recipient has read it.
//
// When no receipts exist yet (for example a message with no explicit
// recipients), the message's own state column is returned. Returns
// ErrNotFound when the message does not exist.
func AggregateState(ctx context.Context, db *gorm.DB, messageID string) (string, error) {
	var rank sql.NullInt64
	err := db.WithContext(ctx).Raw(`
		SELECT MIN(per.top) FROM (
			SELECT recipient_id,
			       MAX(CASE state
			                WHEN 'persisted' THEN 2
			                WHEN 'delivered' THEN 3
			                WHEN 'read'      THEN 4
			                ELSE 0
			           END) AS top
			FROM receipts
			WHERE message_id = ?
			GROUP BY recipient_id
		) per`, messageID).Scan(&rank).Error
	if err != nil {
		return "", err
	}
	if !rank.Valid {
		m, err := GetMessage(ctx, db, messageID)
		if err != nil {
			return "", err
		}
		return m.State, nil
	}
	switch rank.Int64 {
	case 2:
		return domain.StatePersisted, nil
	case 3:
		return domain.StateDelivered, nil
	case 4:
		return domain.StateRead, nil
	default:
		return domain.StatePersisted, nil
	}
}
