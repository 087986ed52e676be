// Conversation HTTP handlers.
//
// This file exposes conversation-scoped read endpoints:
//   - GET /conversations/{id}/stats   (live message count and newest activity)
//   - GET /conversations/{id}/search  (rank recent messages against a query)
//
// Conversations themselves are provisioned out of band; this service only
// transports messages through them, so there is no create/update surface
// here. Both endpoints apply the same read gate as history: the requester
// must be a non-blocked member, and inactive conversations stay readable.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatwire/go-chat-transport/internal/utils"
)

//
// DTOs
//

// ConversationStatsResponse summarizes the live contents of a conversation.
type ConversationStatsResponse struct {
	// ConversationID echoes the path parameter.
	ConversationID string `json:"conversation_id" example:"conv-team-42"`
	// MessageCount counts live (non-deleted) messages.
	MessageCount int64 `json:"message_count" example:"1042"`
	// LastMessageAt is the newest live message's creation time; null when
	// the conversation has no live messages.
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// SearchMessagesResponse is a ranked set of matches for a query.
type SearchMessagesResponse struct {
	// Query echoes the normalized query string.
	Query string `json:"query" example:"deploy friday"`
	// Items are matches in descending score order.
	Items []SearchHitView `json:"items"`
}

// SearchHitView is one ranked match.
type SearchHitView struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Snippet   string    `json:"snippet"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

//
// Handlers
//

// GetConversationStats godoc
// @ID          getConversationStats
// @Summary     Conversation statistics
// @Description Returns the live message count and the newest message timestamp.
// @Description Soft-deleted messages are excluded from both.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Trusted requester id"  example(alice)
// @Param       id         path    string  true  "Conversation ID"       example(conv-team-42)
//
// @Success     200  {object}  handlers.ConversationStatsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member / blocked"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/stats [get]
func (h *Handlers) GetConversationStats(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	conversationID := c.Param("id")

	if err := h.messages.Authorize(c.Request.Context(), uid, conversationID); err != nil {
		failErr(c, err)
		return
	}

	count, last, err := h.messages.ConversationStats(c.Request.Context(), conversationID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ConversationStatsResponse{
		ConversationID: conversationID,
		MessageCount:   count,
		LastMessageAt:  last,
	})
}

// SearchConversationMessages godoc
// @ID          searchConversationMessages
// @Summary     Search recent messages
// @Description Ranks the most recent messages of a conversation against the query and
// @Description returns the top matches. The window is bounded; older history is served
// @Description by pagination, not search.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  true   "Trusted requester id"  example(alice)
// @Param       id         path    string  true   "Conversation ID"       example(conv-team-42)
// @Param       q          query   string  true   "Query text"
// @Param       k          query   int     false  "Maximum results"  minimum(1) maximum(50) default(10)
//
// @Success     200  {object}  handlers.SearchMessagesResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Missing query"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a member / blocked"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/search [get]
func (h *Handlers) SearchConversationMessages(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	conversationID := c.Param("id")

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		fail(c, http.StatusBadRequest, "MISSING_REQUIRED_FIELD", "q is required",
			map[string]string{"field": "q"})
		return
	}
	k := utils.AtoiDefault(c.Query("k"), 10)

	hits, err := h.messages.Search(c.Request.Context(), uid, conversationID, query, k)
	if err != nil {
		failErr(c, err)
		return
	}

	items := make([]SearchHitView, 0, len(hits))
	for _, hit := range hits {
		items = append(items, SearchHitView{
			MessageID: hit.MessageID,
			SenderID:  hit.SenderID,
			Snippet:   hit.Snippet,
			Score:     hit.Score,
			CreatedAt: hit.CreatedAt,
		})
	}
	ok(c, http.StatusOK, SearchMessagesResponse{Query: query, Items: items})
}
