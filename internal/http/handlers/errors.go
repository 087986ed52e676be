// Package handlers defines the HTTP status selection for protocol error codes.
//
// The codes themselves are produced by services.CodeOf so that the REST and
// socket surfaces emit an identical taxonomy; this file only decides which
// HTTP status each code rides on, plus the handful of transport-level codes
// (unknown route, method, identity) that never originate in a service.
//
// Conventions:
//   - Codes are UPPER_SNAKE and stable; clients branch on them, not on the
//     message text.
//   - Validation codes map to 400, lookup misses to 404, membership refusals
//     to 403, state conflicts to 409, throttling to 429.
//   - ENQUEUE_FAILED maps to 503: the pipeline refused the write and the
//     client should retry, relying on idempotency to deduplicate.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "error": { "code": "CONVERSATION_INACTIVE", "message": "conversation is inactive" }
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatwire/go-chat-transport/internal/services"
)

// Transport-level codes. Service-level codes come from services.CodeOf.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidSchema    = "INVALID_SCHEMA"
	ErrCodeInternal         = "INTERNAL"
)

// statusOf selects the HTTP status for a protocol error code.
func statusOf(code string) int {
	switch code {
	case "INVALID_SCHEMA", "MISSING_REQUIRED_FIELD", "INVALID_FIELD_TYPE",
		"FIELD_TOO_LONG", "INVALID_RECIPIENT", "INVALID_RECEIPT_STATE":
		return http.StatusBadRequest
	case "CONVERSATION_NOT_FOUND", "MESSAGE_NOT_FOUND", ErrCodeNotFound:
		return http.StatusNotFound
	case "NOT_CONVERSATION_MEMBER", "USER_BLOCKED":
		return http.StatusForbidden
	case "CONVERSATION_INACTIVE":
		return http.StatusConflict
	case "RATE_LIMIT_EXCEEDED":
		return http.StatusTooManyRequests
	case "ENQUEUE_FAILED":
		return http.StatusServiceUnavailable
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// failErr translates a service error into the envelope: code via
// services.CodeOf, status via statusOf, and the offending field (when the
// error is a FieldError) as structured detail.
func failErr(c *gin.Context, err error) {
	code := services.CodeOf(err)
	var details map[string]string
	var fe *services.FieldError
	if errors.As(err, &fe) {
		details = map[string]string{"field": fe.Field}
	}
	fail(c, statusOf(code), code, err.Error(), details)
}
