// Package services implements the ingress, receipt, and history use-cases on
// top of the repo layer. This file centralizes the service-level error values
// so that they can be consistently returned by service methods and checked by
// callers.
//
// CodeOf maps these errors to the wire protocol codes shared by the HTTP and
// socket surfaces; HTTP status selection stays with the handlers.
package services

import "errors"

// Schema validation errors. Most are returned wrapped in a FieldError naming
// the offending field.
var (
	// ErrInvalidSchema is returned when a payload field is structurally
	// malformed in a way the more specific sentinels do not cover.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrMissingRequiredField is returned when a required field is absent
	// or empty.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidFieldType is returned when a field carries a value outside
	// its allowed set, such as an unknown content type tag.
	ErrInvalidFieldType = errors.New("invalid field type")

	// ErrFieldTooLong is returned when a field exceeds its configured
	// ceiling. Content length is measured in bytes after NFC normalization.
	ErrFieldTooLong = errors.New("field too long")

	// ErrInvalidRecipient is returned when the explicit recipient list is
	// malformed or exceeds the recipient ceiling.
	ErrInvalidRecipient = errors.New("invalid recipient")
)

// Throttling and membership errors.
var (
	// ErrRateLimited is returned when the sender exhausted their
	// submission budget for the current window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrConversationNotFound indicates the addressed conversation does
	// not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotMember is returned when the sender is not a member of the
	// addressed conversation.
	ErrNotMember = errors.New("sender is not a conversation member")

	// ErrConversationInactive is returned when the conversation exists but
	// no longer accepts messages.
	ErrConversationInactive = errors.New("conversation is inactive")

	// ErrUserBlocked is returned when the sender is blocked in the
	// addressed conversation.
	ErrUserBlocked = errors.New("user is blocked in this conversation")
)

// Pipeline and lookup errors.
var (
	// ErrEnqueueFailed is returned when the stream append fails after the
	// idempotency record was written. The record is retained so that a
	// retry with the same client message id converges on the same message.
	ErrEnqueueFailed = errors.New("failed to enqueue message")

	// ErrMessageNotFound indicates that the requested message does not
	// exist or is not accessible to the caller.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidReceiptState is returned when a receipt carries a state
	// outside {persisted, delivered, read}.
	ErrInvalidReceiptState = errors.New("invalid receipt state")
)

// FieldError attaches the offending field name to one of the schema
// validation sentinels. Callers match the sentinel with errors.Is and
// recover the field with errors.As.
type FieldError struct {
	Err   error
	Field string
}

// Error implements the error interface.
func (e *FieldError) Error() string { return e.Err.Error() + ": " + e.Field }

// Unwrap exposes the underlying sentinel for errors.Is checks.
func (e *FieldError) Unwrap() error { return e.Err }

func fieldErr(sentinel error, field string) error {
	return &FieldError{Err: sentinel, Field: field}
}

// CodeOf maps a service error to its wire protocol code. Unknown errors map
// to INTERNAL.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrMissingRequiredField):
		return "MISSING_REQUIRED_FIELD"
	case errors.Is(err, ErrInvalidFieldType):
		return "INVALID_FIELD_TYPE"
	case errors.Is(err, ErrFieldTooLong):
		return "FIELD_TOO_LONG"
	case errors.Is(err, ErrInvalidRecipient):
		return "INVALID_RECIPIENT"
	case errors.Is(err, ErrInvalidSchema):
		return "INVALID_SCHEMA"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, ErrConversationNotFound):
		return "CONVERSATION_NOT_FOUND"
	case errors.Is(err, ErrNotMember):
		return "NOT_CONVERSATION_MEMBER"
	case errors.Is(err, ErrConversationInactive):
		return "CONVERSATION_INACTIVE"
	case errors.Is(err, ErrUserBlocked):
		return "USER_BLOCKED"
	case errors.Is(err, ErrEnqueueFailed):
		return "ENQUEUE_FAILED"
	case errors.Is(err, ErrMessageNotFound):
		return "MESSAGE_NOT_FOUND"
	case errors.Is(err, ErrInvalidReceiptState):
		return "INVALID_RECEIPT_STATE"
	default:
		return "INTERNAL"
	}
}
