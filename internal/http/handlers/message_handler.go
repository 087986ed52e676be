// Message HTTP handlers.
//
// This file exposes REST endpoints for messages:
//   - POST   /messages                      (submit; acknowledged before persistence)
//   - GET    /conversations/{id}/messages   (cursor-paginated history, newest first)
//   - DELETE /messages/{id}                 (sender-side soft delete)
//
// Handlers are transport-thin:
//   - bind and lightly shape inputs
//   - delegate to application services (ingress, message history)
//   - translate service errors into the shared protocol codes
//
// Identity: the edge in front of this service authenticates callers and
// injects the opaque user id (X-User-ID). Handlers trust it as-is; requests
// without it are refused, never defaulted.
//
// Idempotency: clients supply client_message_id in the submission body; the
// ingress service resolves retries to the originally assigned message id and
// marks the response with idempotent_hit.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatwire/go-chat-transport/internal/services"
	"github.com/chatwire/go-chat-transport/internal/utils"
)

//
// Service contracts (context-aware)
//

// IngressService validates and accepts message submissions.
//
// Implementations must be safe for concurrent use and must honor the provided
// context for cancellation and timeouts.
type IngressService interface {
	// Submit runs the full acceptance pipeline and returns the
	// acknowledgement, including idempotent replays of earlier submissions.
	Submit(ctx context.Context, req services.SubmitRequest) (*services.SubmitResult, error)
}

// MessageService serves reads over persisted messages and sender-side
// deletion.
//
// Implementations must be safe for concurrent use and must honor the provided
// context for cancellation and timeouts.
type MessageService interface {
	// History returns one descending page of conversation history.
	History(ctx context.Context, requesterID, conversationID, before string, limit int) (*services.HistoryPage, error)
	// Delete soft-deletes a message on behalf of its sender.
	Delete(ctx context.Context, senderID, messageID string) error
	// Search ranks recent messages of a conversation against a query.
	Search(ctx context.Context, requesterID, conversationID, query string, k int) ([]services.SearchHit, error)
	// ConversationStats reports live row count and newest activity.
	ConversationStats(ctx context.Context, conversationID string) (int64, *time.Time, error)
	// Authorize gates conversation reads for the requester.
	Authorize(ctx context.Context, requesterID, conversationID string) error
}

// ReceiptService records delivery observations reported by recipients.
//
// Implementations must be safe for concurrent use and must honor the provided
// context for cancellation and timeouts.
type ReceiptService interface {
	// Record stores one (message, recipient, state) observation.
	Record(ctx context.Context, messageID, recipientID, state string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for messages, receipts, conversations,
// and health. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	ingress  IngressService
	messages MessageService
	receipts ReceiptService
	limiter  *services.SenderLimiter
}

// New constructs a Handlers instance bound to the given services. limiter may
// be nil; it only feeds the Retry-After hint on throttled submissions.
func New(ingress IngressService, messages MessageService, receipts ReceiptService, limiter *services.SenderLimiter) *Handlers {
	return &Handlers{ingress: ingress, messages: messages, receipts: receipts, limiter: limiter}
}

// userID extracts the trusted user id from the Gin context (set by upstream
// middleware) or the X-User-ID header. It returns "" when absent.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return ""
}

// requireUser resolves the caller identity or fails the request with 401.
// Identity is injected by the gateway; a request without one never reached
// the gateway and is refused rather than defaulted.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity", nil)
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// SubmitMessageRequest is the JSON payload for submitting a message.
//
// Field-level validation (required fields, content ceiling, recipient list
// bounds, content type tags) is owned by the ingress service so that the REST
// and socket surfaces enforce identical rules and emit identical codes.
type SubmitMessageRequest struct {
	// ConversationID addresses an existing conversation.
	ConversationID string `json:"conversation_id" example:"conv-team-42"`
	// Content is the message body; at most MAX_CONTENT_LENGTH bytes after
	// NFC normalization.
	Content string `json:"content" example:"ship it"`
	// ContentType defaults to "text" when empty.
	ContentType string `json:"content_type,omitempty" example:"text"`
	// ClientMessageID makes retries idempotent: same sender + same id
	// converge on one message.
	ClientMessageID string `json:"client_message_id,omitempty" example:"c0a1f2e3"`
	// RecipientIDs optionally narrows delivery within the conversation.
	RecipientIDs []string `json:"recipient_ids,omitempty"`
	// ReplyToID references the message being answered.
	ReplyToID string `json:"reply_to_id,omitempty"`
	// ThreadID groups the message into a thread.
	ThreadID string `json:"thread_id,omitempty"`
	// AttachmentIDs reference previously uploaded attachments.
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

//
// Handlers
//

// SubmitMessage godoc
// @ID          submitMessage
// @Summary     Submit a message
// @Description Validates and accepts a message for asynchronous persistence and fan-out.
// @Description The 202 acknowledgement carries the assigned message id; delivery progress
// @Description arrives through receipts. Retries with the same client_message_id return
// @Description the original acknowledgement with idempotent_hit set.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Trusted sender id"  example(alice)
// @Param       body       body    handlers.SubmitMessageRequest  true  "Message payload"
//
// @Success     202  {object}  services.SubmitResult          "Accepted for processing"
// @Failure     400  {object}  handlers.ErrorResponse         "Validation failed"
// @Failure     401  {object}  handlers.ErrorResponse         "Missing identity"
// @Failure     403  {object}  handlers.ErrorResponse         "Not a member / blocked"
// @Failure     404  {object}  handlers.ErrorResponse         "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse         "Conversation inactive"
// @Failure     429  {object}  handlers.ErrorResponse         "Rate limit exceeded"
// @Failure     503  {object}  handlers.ErrorResponse         "Enqueue failed, retry"
// @Router      /messages [post]
func (h *Handlers) SubmitMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}

	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidSchema, "malformed JSON body", nil)
		return
	}

	res, err := h.ingress.Submit(c.Request.Context(), services.SubmitRequest{
		ConversationID:  req.ConversationID,
		SenderID:        uid,
		Content:         req.Content,
		ContentType:     req.ContentType,
		ClientMessageID: req.ClientMessageID,
		RecipientIDs:    req.RecipientIDs,
		ReplyToID:       req.ReplyToID,
		ThreadID:        req.ThreadID,
		AttachmentIDs:   req.AttachmentIDs,
	})
	if err != nil {
		if errors.Is(err, services.ErrRateLimited) && h.limiter != nil {
			secs := int(h.limiter.RetryAfter().Seconds())
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
		}
		failErr(c, err)
		return
	}

	accepted(c, res)
}

// ListConversationMessages godoc
// @ID          listConversationMessages
// @Summary     Page conversation history
// @Description Returns messages older than the cursor, newest first. The cursor is a
// @Description message id or an RFC 3339 timestamp; next_before carries the cursor for
// @Description the next older page and is empty once history is exhausted.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "Trusted requester id"  example(alice)
// @Param       id         path    string  true   "Conversation ID"       example(conv-team-42)
// @Param       before     query   string  false  "Cursor: message id or RFC 3339 timestamp"
// @Param       limit      query   int     false  "Page size"  minimum(1) maximum(200) default(50)
//
// @Success     200  {object}  services.HistoryPage
// @Failure     400  {object}  handlers.ErrorResponse  "Bad cursor"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member / blocked"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListConversationMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}

	conversationID := c.Param("id")
	before := c.Query("before")
	limit := utils.AtoiDefault(c.Query("limit"), 0)

	page, err := h.messages.History(c.Request.Context(), uid, conversationID, before, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete a message
// @Description Soft-deletes a message. Only the sender may delete; for anyone else the
// @Description message does not exist. Deleted messages disappear from history but are
// @Description never edited in place.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Trusted sender id"  example(alice)
// @Param       id         path    string  true  "Message ID"         format(uuid)
//
// @Success     204  {string}  string                  "No Content"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /messages/{id} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}

	if err := h.messages.Delete(c.Request.Context(), uid, c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
