// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all endpoints,
// including the structured error envelope, consistent JSON serialization, and
// helpers for common HTTP patterns. The goal is to guarantee uniform responses
// for both success and failure cases, making the API predictable and
// machine-friendly.
//
// Conventions:
//   - All error responses return an ErrorResponse whose `error.code` is one of
//     the stable protocol codes (see errors.go); the same codes travel over
//     the socket surface.
//   - `fail()` centralizes error logging and formatting, ensuring 5xx
//     responses are logged with request context for observability.
//   - `ok()`, `accepted()` and `noContent()` keep success responses uniform.
//
// Example error response:
//
//	HTTP/1.1 403 Forbidden
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "error": {
//	    "code": "NOT_CONVERSATION_MEMBER",
//	    "message": "sender is not a conversation member"
//	  }
//	}
//
// Example success response:
//
//	HTTP/1.1 202 Accepted
//	{ "message_id": "0198c...", "state": "pending", ... }
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatwire/go-chat-transport/internal/http/middleware"
)

// ErrorBody is the machine-readable error payload nested in every error
// envelope. Details carries structured context such as the offending field.
type ErrorBody struct {
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"FIELD_TOO_LONG"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"field too long: content"`
	// Optional structured context, e.g. {"field": "content"}
	Details map[string]string `json:"details,omitempty"`
}

// ErrorResponse is the standard error envelope returned by all endpoints.
//
// RequestID is the correlation id echoed from (or assigned to) the
// X-Request-ID header so clients can quote it when reporting problems.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// The error itself
	Error ErrorBody `json:"error"`
}

// fail aborts the request with a structured error and logs server-side errors.
//
// It constructs an ErrorResponse, writes it as JSON with the given HTTP
// status, and calls gin.Context.AbortWithStatusJSON to stop further
// processing. Server errors (>=500) are logged using the request-scoped
// logger from middleware.
func fail(c *gin.Context, status int, code, msg string, details map[string]string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Error:     ErrorBody{Code: code, Message: msg, Details: details},
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() without structured details.
//
// External packages (e.g., router setup) call Fail to return consistent
// error envelopes without depending on unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg, nil) }

// ok writes a success JSON response with the given status code.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// accepted writes an HTTP 202 Accepted response. Used by ingress, which
// acknowledges before the message is persisted.
func accepted(c *gin.Context, body any) {
	c.JSON(http.StatusAccepted, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
