// Package stream provides the partitioned, at-least-once delivery queue that
// decouples ingress from persistence.
//
// Accepted envelopes are appended to one of a fixed set of partitions chosen
// by hashing the conversation id, so all messages of a conversation share a
// partition and keep their append order. A consumer group delivers each entry
// to exactly one consumer at a time; entries that are read but not
// acknowledged within the visibility timeout become claimable by other
// consumers, and entries that keep failing are moved to a dead-letter stream
// for inspection.
//
// Two implementations exist: Redis (Redis Streams, shared across instances)
// and Memory (single process, used by tests and local development). Both
// satisfy Broker and both honor the same ordering, redelivery, and
// dead-letter semantics.
package stream

import (
	"context"
	"time"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// DeadLetterStream is the logical name of the stream holding entries that
// exhausted their delivery attempts.
const DeadLetterStream = "stream:dead"

// Entry is one delivered element of a partition. ID is the broker-assigned
// entry id and doubles as the acknowledgment handle. DeliveryCount includes
// the delivery that produced this Entry, so a first read reports 1.
type Entry struct {
	ID            string
	Partition     int
	DeliveryCount int64
	Envelope      *domain.Envelope
	Reason        string // set on dead-letter entries only
}

// Broker is the partitioned stream port.
//
// Append places an envelope on the partition derived from its conversation
// id and returns the partition and entry id. ReadGroup blocks up to block for
// new entries of one partition on behalf of a named consumer. Claim takes
// over entries another consumer read but failed to acknowledge within
// minIdle. Ack removes entries from the pending set; an unacknowledged entry
// is redelivered. DeadLetter moves an entry to the dead-letter stream and
// acknowledges the original in one step.
type Broker interface {
	Append(ctx context.Context, env *domain.Envelope) (partition int, id string, err error)
	ReadGroup(ctx context.Context, partition int, consumer string, max int64, block time.Duration) ([]Entry, error)
	Claim(ctx context.Context, partition int, consumer string, minIdle time.Duration, max int64) ([]Entry, error)
	Ack(ctx context.Context, partition int, ids ...string) error
	DeadLetter(ctx context.Context, e Entry, reason string) error
	DeadLetters(ctx context.Context, max int64) ([]Entry, error)
	EnsureGroups(ctx context.Context) error
	Partitions() int
	Len(ctx context.Context, partition int) (int64, error)
}
