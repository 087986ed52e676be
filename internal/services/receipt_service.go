// Package services – ReceiptService
//
// This file implements receipt recording: a recipient observed a message in
// some state (delivered when the socket acked it, read when the client
// reported it). Rows are insert-only on the unique (message, recipient,
// state) triple, so recording is idempotent and a state can never be
// un-observed. The message row's aggregate state column (the floor every
// recipient has reached) is recomputed after each new row and only ever
// advanced.
//
// On each first-time insert that raises the recipient's own top state, the
// sender is notified with a receipt.update event on their user subject.
// Duplicate and regressed inserts stay silent.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatwire/go-chat-transport/internal/bus"
	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/repo"
)

// ReceiptService records delivery receipts and notifies senders of
// progression.
type ReceiptService struct {
	DB  *gorm.DB
	Bus bus.Bus
}

// Record stores one observed state for one recipient of one message.
//
// Semantics:
//   - state must be one of persisted, delivered, read; otherwise
//     ErrInvalidReceiptState.
//   - messageID must exist; otherwise ErrMessageNotFound.
//   - A receipt from the message's own sender is ignored (no row, no event).
//   - Replays of an already-recorded (message, recipient, state) triple are
//     no-ops.
//   - The message's aggregate state column is recomputed and advanced under
//     the same transaction; the monotonic guard makes regressions no-ops.
//
// The sender is notified on chat.user.{sender} when the insert raised the
// recipient's top state. A publish failure is returned to the caller but
// the receipt row stands; the sender recovers the progression from history.
func (s *ReceiptService) Record(ctx context.Context, messageID, recipientID, state string) error {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "Record",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("receipt.state", state),
		),
	)
	defer span.End()

	if !domain.ValidReceiptState(state) {
		return ErrInvalidReceiptState
	}
	if recipientID == "" {
		return fieldErr(ErrMissingRequiredField, "recipient_id")
	}

	var (
		msg      *domain.Message
		created  bool
		advanced bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		msg, err = repo.GetMessage(ctx, tx, messageID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrMessageNotFound
			}
			return err
		}
		if recipientID == msg.SenderID {
			return nil
		}

		created, err = repo.CreateReceipt(ctx, tx, messageID, recipientID, state, time.Now().UTC())
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		top, err := recipientTopState(ctx, tx, messageID, recipientID)
		if err != nil {
			return err
		}
		advanced = domain.StateRank(state) >= top

		agg, err := repo.AggregateState(ctx, tx, messageID)
		if err != nil {
			return err
		}
		_, err = repo.AdvanceMessageState(ctx, tx, messageID, agg)
		return err
	})
	if err != nil {
		return err
	}
	if !created || !advanced {
		return nil
	}

	ev := &bus.Event{
		Type:           bus.EventReceiptUpdate,
		ConversationID: msg.ConversationID,
		UserID:         recipientID,
		MessageID:      messageID,
		State:          state,
		At:             time.Now().UTC(),
	}
	return s.Bus.Publish(ctx, bus.SubjectUser(msg.SenderID), ev)
}

// Aggregate returns the state every recipient of the message has reached.
func (s *ReceiptService) Aggregate(ctx context.Context, messageID string) (string, error) {
	state, err := repo.AggregateState(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrMessageNotFound
		}
		return "", err
	}
	return state, nil
}

// recipientTopState returns the highest state rank this recipient has
// recorded for the message, including the row just inserted.
func recipientTopState(ctx context.Context, db *gorm.DB, messageID, recipientID string) (int, error) {
	var states []string
	err := db.WithContext(ctx).
		Model(&domain.Receipt{}).
		Where("message_id = ? AND recipient_id = ?", messageID, recipientID).
		Pluck("state", &states).Error
	if err != nil {
		return 0, err
	}
	top := 0
	for _, st := range states {
		if r := domain.StateRank(st); r > top {
			top = r
		}
	}
	return top, nil
}
