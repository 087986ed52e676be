// Package services – IngressService
//
// This file implements the message submission pipeline: synchronous schema
// validation, per-sender rate limiting, conversation membership checks,
// idempotency resolution, envelope construction, and the append onto the
// partitioned stream. Submissions are acknowledged as accepted ("pending"),
// not as delivered; persistence and fan-out happen asynchronously in the
// consumer pool.
//
// Idempotency: the key is derived from (sender id, client message id) and
// resolved through the idempotency store before anything is enqueued. The
// winner writes the key → message-id mapping first and appends second, so a
// crash between the two leaves a record whose envelope never reached the
// stream. A later retry detects that case (mapping present, no message row,
// no dead-letter entry, mapping older than the grace window) and re-appends
// the reconstructed envelope under the original message id.
//
// Observability: Submit is OpenTelemetry-instrumented; spans carry the
// conversation and sender identifiers. Counters track accepted and
// deduplicated submissions.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"

	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/idempotency"
	"github.com/chatwire/go-chat-transport/internal/repo"
	"github.com/chatwire/go-chat-transport/internal/stream"
)

// Identifier ceilings shared by the schema checks.
const (
	maxIDLen              = 64
	maxClientMessageIDLen = 255
	deadLetterScanMax     = 1024
)

var (
	// ingressAccepted counts submissions accepted as new messages.
	ingressAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingress_accepted_total",
			Help: "Total number of submissions accepted and enqueued as new messages.",
		},
	)

	// ingressDeduplicated counts submissions answered from an existing
	// idempotency record.
	ingressDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingress_deduplicated_total",
			Help: "Total number of submissions deduplicated against an existing idempotency record.",
		},
	)
)

func init() {
	prometheus.MustRegister(ingressAccepted, ingressDeduplicated)
}

// StreamPort is the slice of the stream broker the ingress pipeline uses:
// appending accepted envelopes and checking the dead-letter stream when
// resolving stale idempotency records.
type StreamPort interface {
	Append(ctx context.Context, env *domain.Envelope) (partition int, id string, err error)
	DeadLetters(ctx context.Context, max int64) ([]stream.Entry, error)
}

// IdempotencyStore is the get-or-set mapping from idempotency key to
// message id.
type IdempotencyStore interface {
	GetOrSet(ctx context.Context, key, messageID string) (id string, created bool, err error)
}

// SubmitRequest is one inbound message submission. SenderID comes from the
// trusted edge, the rest from the client payload.
type SubmitRequest struct {
	ConversationID  string
	SenderID        string
	Content         string
	ContentType     string
	ClientMessageID string
	ReplyToID       string
	ThreadID        string
	AttachmentIDs   []string
	RecipientIDs    []string
	CorrelationID   string
}

// SubmitResult is the acknowledgment returned for an accepted submission.
// State is "pending" for fresh accepts; on an idempotent hit it reflects how
// far the original submission has progressed.
type SubmitResult struct {
	MessageID      string    `json:"message_id"`
	CorrelationID  string    `json:"correlation_id"`
	State          string    `json:"state"`
	AcceptedAt     time.Time `json:"accepted_at"`
	IdempotencyKey string    `json:"idempotency_key"`
	IdempotentHit  bool      `json:"idempotent_hit,omitempty"`
}

// IngressService validates and accepts message submissions.
type IngressService struct {
	DB      *gorm.DB
	Idem    IdempotencyStore
	Stream  StreamPort
	Limiter *SenderLimiter

	// Ceilings
	MaxContentBytes int // post-normalization, bytes
	MaxRecipients   int

	// Grace is how old an idempotency record must be before a hit without
	// a message row or dead-letter entry is treated as a lost append and
	// re-enqueued.
	Grace time.Duration
}

// Submit runs the full ingress sequence and returns the acknowledgment.
//
// Sequence:
//  1. schema validation (fail fast, no state created),
//  2. per-sender rate limit,
//  3. conversation existence, status, and sender membership,
//  4. idempotency key derivation and get-or-set,
//  5. winner: build envelope, append to the conversation's partition;
//     loser: return the cached acknowledgment with IdempotentHit set.
//
// Errors are the service sentinels; callers map them to protocol codes.
func (s *IngressService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	tr := otel.Tracer("services/IngressService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("conversation.id", req.ConversationID),
			attribute.String("sender.id", req.SenderID),
		),
	)
	defer span.End()

	content, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	if s.Limiter != nil && !s.Limiter.Allow(req.SenderID) {
		return nil, ErrRateLimited
	}

	if err := s.checkMembership(ctx, req.ConversationID, req.SenderID); err != nil {
		return nil, err
	}

	key := deriveIdempotencyKey(req.SenderID, req.ClientMessageID)
	candidate := domain.NewMessageID()

	assigned, created, err := s.Idem.GetOrSet(ctx, key, candidate)
	if err != nil {
		return nil, err
	}
	if !created {
		ingressDeduplicated.Inc()
		return s.resolveHit(ctx, &req, key, assigned, content)
	}

	env := s.buildEnvelope(&req, candidate, key, content)
	if _, _, err := s.Stream.Append(ctx, env); err != nil {
		// The idempotency record stays; a retry converges on this id and
		// re-appends once the grace window passes.
		return nil, ErrEnqueueFailed
	}
	ingressAccepted.Inc()

	return &SubmitResult{
		MessageID:      env.MessageID,
		CorrelationID:  env.CorrelationID,
		State:          domain.StatePending,
		AcceptedAt:     env.AcceptedAt,
		IdempotencyKey: key,
	}, nil
}

// validate applies the schema checks and returns the NFC-normalized content.
func (s *IngressService) validate(req *SubmitRequest) (string, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return "", fieldErr(ErrMissingRequiredField, "conversation_id")
	}
	if len(req.ConversationID) > maxIDLen {
		return "", fieldErr(ErrFieldTooLong, "conversation_id")
	}
	if strings.TrimSpace(req.SenderID) == "" {
		return "", fieldErr(ErrMissingRequiredField, "sender_id")
	}
	if len(req.SenderID) > maxIDLen {
		return "", fieldErr(ErrFieldTooLong, "sender_id")
	}

	if req.ContentType == "" {
		req.ContentType = domain.ContentTypeText
	}
	if !domain.ValidContentType(req.ContentType) {
		return "", fieldErr(ErrInvalidFieldType, "content_type")
	}

	// Normalize before measuring so equivalent compositions share one
	// byte length.
	content := norm.NFC.String(req.Content)
	if strings.TrimSpace(content) == "" {
		return "", fieldErr(ErrMissingRequiredField, "content")
	}
	max := s.MaxContentBytes
	if max <= 0 {
		max = 10000
	}
	if len(content) > max {
		return "", fieldErr(ErrFieldTooLong, "content")
	}

	if len(req.ClientMessageID) > maxClientMessageIDLen {
		return "", fieldErr(ErrFieldTooLong, "client_message_id")
	}
	if len(req.ReplyToID) > maxIDLen {
		return "", fieldErr(ErrFieldTooLong, "reply_to_id")
	}
	if len(req.ThreadID) > maxIDLen {
		return "", fieldErr(ErrFieldTooLong, "thread_id")
	}
	for _, id := range req.AttachmentIDs {
		if strings.TrimSpace(id) == "" || len(id) > maxIDLen {
			return "", fieldErr(ErrInvalidSchema, "attachment_ids")
		}
	}

	maxRcpt := s.MaxRecipients
	if maxRcpt <= 0 {
		maxRcpt = 1000
	}
	if len(req.RecipientIDs) > maxRcpt {
		return "", fieldErr(ErrInvalidRecipient, "recipient_ids")
	}
	for _, id := range req.RecipientIDs {
		if strings.TrimSpace(id) == "" || len(id) > maxIDLen {
			return "", fieldErr(ErrInvalidRecipient, "recipient_ids")
		}
	}
	return content, nil
}

// checkMembership verifies the conversation accepts messages from this
// sender.
func (s *IngressService) checkMembership(ctx context.Context, conversationID, senderID string) error {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	if conv.Status != "active" {
		return ErrConversationInactive
	}

	role, err := repo.MemberRole(ctx, s.DB, conversationID, senderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	if role == "blocked" {
		return ErrUserBlocked
	}
	return nil
}

// resolveHit answers a submission whose idempotency key already maps to a
// message id. The state reported depends on how far the original got:
// a persisted row answers with its current state, a dead-letter entry
// answers failed, and a mapping with neither, once past the grace window,
// is a lost append that gets re-enqueued under the original id.
func (s *IngressService) resolveHit(ctx context.Context, req *SubmitRequest, key, messageID, content string) (*SubmitResult, error) {
	res := &SubmitResult{
		MessageID:      messageID,
		CorrelationID:  correlationID(req.CorrelationID),
		State:          domain.StatePending,
		AcceptedAt:     time.Now().UTC(),
		IdempotencyKey: key,
		IdempotentHit:  true,
	}

	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if err == nil {
		res.State = msg.State
		res.AcceptedAt = msg.CreatedAt
		return res, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	dead, err := s.deadLettered(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if dead {
		res.State = domain.StateFailed
		return res, nil
	}

	// No row and no dead letter: the original is either still in flight or
	// its append was lost. Only re-enqueue once the record is old enough
	// that in-flight is no longer plausible.
	if age, ok := messageIDAge(messageID); ok && age >= s.grace() {
		env := s.buildEnvelope(req, messageID, key, content)
		if _, _, err := s.Stream.Append(ctx, env); err != nil {
			return nil, ErrEnqueueFailed
		}
		res.AcceptedAt = env.AcceptedAt
	}
	return res, nil
}

// deadLettered reports whether messageID sits on the dead-letter stream.
func (s *IngressService) deadLettered(ctx context.Context, messageID string) (bool, error) {
	entries, err := s.Stream.DeadLetters(ctx, deadLetterScanMax)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Envelope != nil && e.Envelope.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *IngressService) buildEnvelope(req *SubmitRequest, messageID, key, content string) *domain.Envelope {
	env := &domain.Envelope{
		MessageID:       messageID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         content,
		ContentType:     req.ContentType,
		AttachmentIDs:   req.AttachmentIDs,
		RecipientIDs:    req.RecipientIDs,
		ClientMessageID: req.ClientMessageID,
		CorrelationID:   correlationID(req.CorrelationID),
		IdempotencyKey:  key,
		AcceptedAt:      time.Now().UTC(),
		State:           domain.StatePending,
	}
	if req.ReplyToID != "" {
		v := req.ReplyToID
		env.ReplyToID = &v
	}
	if req.ThreadID != "" {
		v := req.ThreadID
		env.ThreadID = &v
	}
	return env
}

func (s *IngressService) grace() time.Duration {
	if s.Grace > 0 {
		return s.Grace
	}
	return 30 * time.Second
}

func correlationID(fromRequest string) string {
	if fromRequest != "" {
		return fromRequest
	}
	return domain.NewCorrelationID()
}

// deriveIdempotencyKey hashes (sender, client message id) into the dedupe
// key. A submission without a client message id gets a synthesized one, so
// it can never collide with a retry.
func deriveIdempotencyKey(senderID, clientMessageID string) string {
	if clientMessageID == "" {
		clientMessageID = uuid.NewString()
	}
	return idempotency.DeriveKey(senderID, clientMessageID)
}

// messageIDAge extracts the issue time embedded in a UUIDv7 message id and
// returns how long ago that was. Non-v7 ids report no age, which keeps them
// on the conservative in-flight path.
func messageIDAge(messageID string) (time.Duration, bool) {
	u, err := uuid.Parse(messageID)
	if err != nil || u.Version() != 7 {
		return 0, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Since(time.Unix(sec, nsec)), true
}
