package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

// Stream entry field names.
const (
	fieldEnvelope      = "envelope"
	fieldMessageID     = "message_id"
	fieldReason        = "reason"
	fieldPartition     = "partition"
	fieldDeliveryCount = "delivery_count"
)

var (
	// streamAppends counts envelopes appended, by partition.
	streamAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_appends_total",
			Help: "Total number of envelopes appended to partition streams.",
		},
		[]string{"partition"},
	)

	// streamAcks counts entries acknowledged, by partition.
	streamAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_acks_total",
			Help: "Total number of stream entries acknowledged.",
		},
		[]string{"partition"},
	)

	// streamClaims counts pending entries reclaimed from stalled consumers,
	// by partition.
	streamClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_claims_total",
			Help: "Total number of pending stream entries claimed from stalled consumers.",
		},
		[]string{"partition"},
	)
)

func init() {
	prometheus.MustRegister(streamAppends, streamAcks, streamClaims)
}

// Redis is the Redis Streams implementation of Broker. One stream backs each
// partition and a single consumer group spans all of them, so any instance's
// workers can read, claim, and acknowledge entries.
type Redis struct {
	rdb        *redis.Client
	partitions int
	group      string
}

// NewRedis returns a Broker over rdb with the given partition count and
// consumer group name. Call EnsureGroups once before consuming.
func NewRedis(rdb *redis.Client, partitions int, group string) *Redis {
	return &Redis{rdb: rdb, partitions: partitions, group: group}
}

// Partitions returns the fixed partition count.
func (r *Redis) Partitions() int { return r.partitions }

// EnsureGroups creates every partition stream and its consumer group if they
// do not exist yet. Safe to call on every startup.
func (r *Redis) EnsureGroups(ctx context.Context) error {
	for p := 0; p < r.partitions; p++ {
		err := r.rdb.XGroupCreateMkStream(ctx, partitionKey(p), r.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on partition %d: %w", p, err)
		}
	}
	return nil
}

// Append routes env to its conversation's partition and appends it.
func (r *Redis) Append(ctx context.Context, env *domain.Envelope) (int, string, error) {
	b, err := marshalEnvelope(env)
	if err != nil {
		return 0, "", err
	}
	partition := PartitionFor(env.ConversationID, r.partitions)
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: partitionKey(partition),
		Values: map[string]interface{}{
			fieldEnvelope:  b,
			fieldMessageID: env.MessageID,
		},
	}).Result()
	if err != nil {
		return 0, "", err
	}
	streamAppends.WithLabelValues(strconv.Itoa(partition)).Inc()
	return partition, id, nil
}

// ReadGroup blocks up to block waiting for entries of one partition that no
// group member has seen yet. A timeout returns (nil, nil).
func (r *Redis) ReadGroup(ctx context.Context, partition int, consumer string, max int64, block time.Duration) ([]Entry, error) {
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.group,
		Consumer: consumer,
		Streams:  []string{partitionKey(partition), ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			env, err := unmarshalEnvelope(m.Values[fieldEnvelope])
			if err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", m.ID, err)
			}
			out = append(out, Entry{ID: m.ID, Partition: partition, DeliveryCount: 1, Envelope: env})
		}
	}
	return out, nil
}

// Claim transfers entries that have been pending longer than minIdle to the
// given consumer. DeliveryCount on the returned entries includes the claim
// itself, so the caller can compare it against the retry ceiling directly.
func (r *Redis) Claim(ctx context.Context, partition int, consumer string, minIdle time.Duration, max int64) ([]Entry, error) {
	key := partitionKey(partition)

	pend, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: key,
		Group:  r.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  max,
	}).Result()
	if err == redis.Nil || len(pend) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(pend))
	counts := make(map[string]int64, len(pend))
	for _, p := range pend {
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}

	msgs, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   key,
		Group:    r.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, m := range msgs {
		if len(m.Values) == 0 {
			// Entry was trimmed from the stream while pending; nothing left
			// to process, clear it.
			_ = r.rdb.XAck(ctx, key, r.group, m.ID).Err()
			continue
		}
		env, err := unmarshalEnvelope(m.Values[fieldEnvelope])
		if err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", m.ID, err)
		}
		out = append(out, Entry{ID: m.ID, Partition: partition, DeliveryCount: counts[m.ID] + 1, Envelope: env})
	}
	if len(out) > 0 {
		streamClaims.WithLabelValues(strconv.Itoa(partition)).Add(float64(len(out)))
	}
	return out, nil
}

// Ack removes entries from the partition's pending set.
func (r *Redis) Ack(ctx context.Context, partition int, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.rdb.XAck(ctx, partitionKey(partition), r.group, ids...).Err(); err != nil {
		return err
	}
	streamAcks.WithLabelValues(strconv.Itoa(partition)).Add(float64(len(ids)))
	return nil
}

// DeadLetter appends the entry to the dead-letter stream and acknowledges the
// original in one transaction, so the entry cannot be both redelivered and
// dead-lettered.
func (r *Redis) DeadLetter(ctx context.Context, e Entry, reason string) error {
	b, err := marshalEnvelope(e.Envelope)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream,
		Values: map[string]interface{}{
			fieldEnvelope:      b,
			fieldMessageID:     e.Envelope.MessageID,
			fieldReason:        reason,
			fieldPartition:     strconv.Itoa(e.Partition),
			fieldDeliveryCount: strconv.FormatInt(e.DeliveryCount, 10),
		},
	})
	pipe.XAck(ctx, partitionKey(e.Partition), r.group, e.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetters returns up to max dead-lettered entries, oldest first.
func (r *Redis) DeadLetters(ctx context.Context, max int64) ([]Entry, error) {
	msgs, err := r.rdb.XRangeN(ctx, DeadLetterStream, "-", "+", max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, m := range msgs {
		env, err := unmarshalEnvelope(m.Values[fieldEnvelope])
		if err != nil {
			return nil, fmt.Errorf("decode dead entry %s: %w", m.ID, err)
		}
		e := Entry{ID: m.ID, Envelope: env, Reason: asString(m.Values[fieldReason])}
		if v := asString(m.Values[fieldPartition]); v != "" {
			e.Partition, _ = strconv.Atoi(v)
		}
		if v := asString(m.Values[fieldDeliveryCount]); v != "" {
			e.DeliveryCount, _ = strconv.ParseInt(v, 10, 64)
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of entries currently stored in a partition,
// including already-acknowledged ones not yet trimmed.
func (r *Redis) Len(ctx context.Context, partition int) (int64, error) {
	return r.rdb.XLen(ctx, partitionKey(partition)).Result()
}

func marshalEnvelope(env *domain.Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

// unmarshalEnvelope accepts the raw stream field value, which go-redis
// surfaces as a string.
func unmarshalEnvelope(v interface{}) (*domain.Envelope, error) {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = t
	default:
		return nil, fmt.Errorf("unexpected envelope field type %T", v)
	}
	var env domain.Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
