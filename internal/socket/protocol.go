package socket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// Frame types a client may send.
const (
	FrameAuth          = "auth"
	FrameJoin          = "join"
	FrameLeave         = "leave"
	FrameSend          = "message.send"
	FrameHeartbeat     = "heartbeat"
	FrameReplay        = "replay"
	FrameRead          = "message.read"
	FrameReceived      = "received"
	FramePresenceSub   = "presence.subscribe"
	FramePresenceUnsub = "presence.unsubscribe"
	FrameTyping        = "typing" // both directions
)

// Frame types the server emits.
const (
	FrameAck             = "ack"
	FrameError           = "error"
	FrameMessageReceive  = "message.receive"
	FrameReceiptUpdate   = "receipt.update"
	FramePresenceOnline  = "presence.online"
	FramePresenceOffline = "presence.offline"
)

// Frame is the unit of the socket protocol: a type tag, an optional
// client-chosen correlation id, and a type-specific payload. Server replies
// (acks and errors) echo the inbound id in ReplyTo.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var errNoPayload = errors.New("frame has no payload")

// decode unmarshals the frame payload into v.
func (f *Frame) decode(v interface{}) error {
	if len(f.Data) == 0 {
		return errNoPayload
	}
	return json.Unmarshal(f.Data, v)
}

func decodeFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &f, nil
}

// encodeFrame builds the wire bytes for one outbound frame.
func encodeFrame(typ, replyTo string, data interface{}) ([]byte, error) {
	f := Frame{Type: typ, ReplyTo: replyTo}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = b
	}
	return json.Marshal(&f)
}

// AuthPayload identifies the user when the handshake query carried no id.
type AuthPayload struct {
	UserID string `json:"user_id"`
}

// JoinPayload addresses one conversation; Leave reuses it.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendPayload is a message submission over the socket. The sender identity
// comes from the session, never from the payload.
type SendPayload struct {
	ConversationID  string   `json:"conversation_id"`
	Content         string   `json:"content"`
	ContentType     string   `json:"content_type,omitempty"`
	ClientMessageID string   `json:"client_message_id,omitempty"`
	RecipientIDs    []string `json:"recipient_ids,omitempty"`
	ReplyToID       string   `json:"reply_to_id,omitempty"`
	ThreadID        string   `json:"thread_id,omitempty"`
	AttachmentIDs   []string `json:"attachment_ids,omitempty"`
}

// ReplayPayload requests the recent window of a conversation. An empty
// AfterMessageID asks for the whole window.
type ReplayPayload struct {
	ConversationID string `json:"conversation_id"`
	AfterMessageID string `json:"after_message_id,omitempty"`
}

// TypingPayload carries a typing indicator in either direction.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Typing         bool   `json:"typing"`
}

// ReadPayload reports that the session's user read a message.
type ReadPayload struct {
	MessageID string `json:"message_id"`
}

// ReceivedPayload acknowledges a delivered message.
type ReceivedPayload struct {
	MessageID string `json:"message_id"`
}

// PresencePayload targets another user's presence subject.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// Op acks.
type (
	JoinAck struct {
		Joined bool `json:"joined"`
	}
	LeaveAck struct {
		Left bool `json:"left"`
	}
	SubscribeAck struct {
		Subscribed bool `json:"subscribed"`
	}
	UnsubscribeAck struct {
		Unsubscribed bool `json:"unsubscribed"`
	}
)

// ReplayResult answers a replay request. Fallback is set to "history" when
// the cursor has been evicted from the window and the client must page the
// HTTP history endpoint instead.
type ReplayResult struct {
	Items    []*domain.Envelope `json:"items"`
	Fallback string             `json:"fallback,omitempty"`
}

// MessageEvent is the outbound message.receive payload.
type MessageEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	ContentType    string    `json:"content_type"`
	State          string    `json:"state"`
	ReplyToID      *string   `json:"reply_to_id,omitempty"`
	ThreadID       *string   `json:"thread_id,omitempty"`
	AcceptedAt     time.Time `json:"accepted_at"`
	TS             time.Time `json:"ts"`
}

// ReceiptEvent is the outbound receipt.update payload.
type ReceiptEvent struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	State          string    `json:"state"`
	TS             time.Time `json:"ts"`
}

// PresenceEvent is the outbound presence.online / presence.offline payload.
type PresenceEvent struct {
	UserID string    `json:"user_id"`
	TS     time.Time `json:"ts"`
}

// ErrorBody is the structured error payload; codes are the same strings the
// HTTP surface uses.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func messageEvent(env *domain.Envelope, at time.Time) MessageEvent {
	return MessageEvent{
		ConversationID: env.ConversationID,
		MessageID:      env.MessageID,
		SenderID:       env.SenderID,
		Content:        env.Content,
		ContentType:    env.ContentType,
		State:          env.State,
		ReplyToID:      env.ReplyToID,
		ThreadID:       env.ThreadID,
		AcceptedAt:     env.AcceptedAt,
		TS:             at,
	}
}
