// Package domain defines the message envelope that flows through the
// delivery pipeline and the persistence models for conversations, messages,
// and delivery receipts. These types are mapped with GORM and form the core
// data layer of the transport backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Conversation represents a routing scope for messages. Membership is
// mutated by administrative operations outside the hot path; the pipeline
// only reads it to resolve fan-out targets and to authorize senders.
//
// Fields:
//   - ID: opaque conversation identifier supplied by the upstream gateway.
//   - Type: "direct" or "group".
//   - Status: "active" or "inactive"; inactive conversations reject sends.
//   - LastActivityAt: touched after each accepted message.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID             string         `json:"id"               gorm:"type:varchar(64);primaryKey"`
	Type           string         `json:"type"             gorm:"type:varchar(16);not null;default:'group';check:type IN ('direct','group')"`
	Status         string         `json:"status"           gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','inactive')"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	DeletedAt      gorm.DeletedAt `json:"-"                gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// ConversationMember links a user to a conversation with a role. A "blocked"
// member fails ingress checks and is excluded from receipt seeding.
type ConversationMember struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(64);not null;index;uniqueIndex:ux_member_conv_user"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);not null;index;uniqueIndex:ux_member_conv_user"`
	Role           string    `json:"role"            gorm:"type:varchar(16);not null;default:'member';check:role IN ('member','admin','blocked')"`
	CreatedAt      time.Time `json:"created_at"`

	// Conversation is the parent scope. Members are cascade-deleted if
	// their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConversationMember.
func (ConversationMember) TableName() string { return "conversation_members" }

// Message is the durable record of an accepted envelope. The primary key is
// the server-assigned message id, which makes consumer re-processing a
// database no-op (insert-or-ignore on the key).
//
// Fields:
//   - ID: server-assigned message id (UUIDv7, immutable once issued).
//   - ConversationID / CreatedAt: composite descending index for history
//     pagination.
//   - IdempotencyKey: hash of (sender, client-message-id); unique so that a
//     duplicate that slips past the idempotency store still cannot produce
//     a second row.
//   - State: aggregate lifecycle floor (pending|persisted|delivered|read|failed),
//     only ever advanced.
//   - DeletedAt: soft deletion marker; history queries exclude marked rows.
type Message struct {
	ID             string         `json:"id"               gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id"  gorm:"type:varchar(64);not null;index:idx_messages_conv_created,priority:1"`
	SenderID       string         `json:"sender_id"        gorm:"type:varchar(64);not null;index"`
	Content        string         `json:"content"          gorm:"type:text;not null"`
	ContentType    string         `json:"content_type"     gorm:"type:varchar(16);not null;check:content_type IN ('text','image','file','audio','video','location')"`
	ReplyToID      *string        `json:"reply_to_id,omitempty"   gorm:"type:char(36)"`
	ThreadID       *string        `json:"thread_id,omitempty"     gorm:"type:char(36)"`
	IdempotencyKey string         `json:"idempotency_key"  gorm:"type:char(64);not null;uniqueIndex:ux_messages_idem_key"`
	CorrelationID  string         `json:"correlation_id"   gorm:"type:char(36);not null"`
	State          string         `json:"state"            gorm:"type:varchar(16);not null;default:'persisted';check:state IN ('pending','persisted','delivered','read','failed')"`
	CreatedAt      time.Time      `json:"created_at"       gorm:"index:idx_messages_conv_created,priority:2,sort:desc"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"                gorm:"index"`

	// Conversation is the parent scope; messages are cascade-deleted with it.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Receipt records one observed delivery state for one recipient of one
// message. Rows are insert-only; the unique triple makes recording a state
// idempotent and makes regressions structurally impossible.
type Receipt struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	MessageID   string    `json:"message_id"   gorm:"type:char(36);not null;index;uniqueIndex:ux_receipts_msg_recipient_state"`
	RecipientID string    `json:"recipient_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_receipts_msg_recipient_state"`
	State       string    `json:"state"        gorm:"type:varchar(16);not null;uniqueIndex:ux_receipts_msg_recipient_state;check:state IN ('persisted','delivered','read')"`
	At          time.Time `json:"at"           gorm:"not null"`

	// Message is the subject row; receipts are cascade-deleted with it.
	Message Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Receipt.
func (Receipt) TableName() string { return "receipts" }
