// Package bus provides the non-durable fan-out layer between persistence
// consumers and socket sessions.
//
// Consumers publish one event per persisted message, receipt progression, or
// presence transition; every instance subscribes on behalf of its local
// sockets and drops events nobody listens to. The bus carries no replay
// state: a subscriber that was offline when an event fired recovers through
// the replay cache, not the bus.
//
// Subjects form a small hierarchy under "chat." so a subscriber can use NATS
// wildcards ("chat.conv.*" for all conversations). The in-process Memory
// implementation honors the same wildcard grammar.
package bus

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// Event types carried on the bus.
const (
	EventMessageReceive  = "message.receive"
	EventReceiptUpdate   = "receipt.update"
	EventTyping          = "typing"
	EventPresenceOnline  = "presence.online"
	EventPresenceOffline = "presence.offline"
)

// Event is the fan-out payload. Type selects which optional fields are
// meaningful: message.receive carries the Envelope, receipt.update carries
// MessageID/State, typing carries Typing, and the presence pair carries only
// UserID.
type Event struct {
	Type           string           `json:"type"                      msgpack:"type"`
	ConversationID string           `json:"conversation_id,omitempty" msgpack:"conversation_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"         msgpack:"user_id,omitempty"`
	MessageID      string           `json:"message_id,omitempty"      msgpack:"message_id,omitempty"`
	State          string           `json:"state,omitempty"           msgpack:"state,omitempty"`
	Typing         bool             `json:"typing,omitempty"          msgpack:"typing,omitempty"`
	Envelope       *domain.Envelope `json:"envelope,omitempty"        msgpack:"envelope,omitempty"`
	At             time.Time        `json:"at"                        msgpack:"at"`
}

// Handler consumes one delivered event. Handlers must be quick hand-offs
// (enqueue and return); they run on the bus's delivery goroutine.
type Handler func(subject string, ev *Event)

// Subscription is a live subject binding. *nats.Subscription satisfies it.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub port shared by the NATS and in-process implementations.
type Bus interface {
	Publish(ctx context.Context, subject string, ev *Event) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close()
}

// SubjectConversation is the subject carrying all events of one conversation.
func SubjectConversation(conversationID string) string {
	return "chat.conv." + conversationID
}

// SubjectUser is the subject carrying events addressed to one user, such as
// receipt progression for messages they sent.
func SubjectUser(userID string) string {
	return "chat.user." + userID
}

// SubjectPresence is the subject carrying online/offline transitions of one
// user.
func SubjectPresence(userID string) string {
	return "chat.presence." + userID
}

func marshalEvent(ev *Event) ([]byte, error) {
	return msgpack.Marshal(ev)
}

func unmarshalEvent(b []byte) (*Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
