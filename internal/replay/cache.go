// Package replay implements the per-conversation tail cache consulted by
// reconnecting sockets.
//
// Persistence consumers write every message through here after the database
// commit. A bounded window survives per conversation: entries are evicted by
// TTL or once the conversation exceeds its count cap, whichever comes first.
// The cache never claims completeness; a reconnect whose cursor fell out of
// the window falls back to database pagination.
//
// Layout: one string key per message holding the msgpack envelope, plus one
// sorted set per conversation ordering message ids by store time. Store is
// idempotent by message id and never reorders an id that is already in the
// window.
package replay

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chatwire/go-chat-transport/internal/domain"
)

var (
	// replayHits counts reconnect cursors resolved inside the window.
	replayHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_hits_total",
			Help: "Total number of replay cursors found inside a conversation window.",
		},
	)

	// replayMisses counts cursors that had already been evicted.
	replayMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replay_misses_total",
			Help: "Total number of replay cursors already evicted from the window.",
		},
	)
)

func init() {
	prometheus.MustRegister(replayHits, replayMisses)
}

// Cache is the Redis-backed replay window. Safe for concurrent use.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	cap int64
}

// NewCache returns a Cache evicting entries after ttl or beyond cap entries
// per conversation.
func NewCache(rdb *redis.Client, ttl time.Duration, cap int64) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, cap: cap}
}

func msgKey(messageID string) string       { return "replay:msg:" + messageID }
func convKey(conversationID string) string { return "replay:conv:" + conversationID }

// Store writes the envelope into its conversation's window. Re-storing the
// same message id refreshes the payload TTL but keeps the original position.
func (c *Cache) Store(ctx context.Context, env *domain.Envelope) error {
	b, err := msgpack.Marshal(env)
	if err != nil {
		return err
	}
	score := float64(time.Now().UnixMicro())

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, msgKey(env.MessageID), b, c.ttl)
	pipe.ZAddNX(ctx, convKey(env.ConversationID), redis.Z{Score: score, Member: env.MessageID})
	// Trim from the oldest end so at most cap ids stay in the window.
	pipe.ZRemRangeByRank(ctx, convKey(env.ConversationID), 0, -(c.cap + 1))
	pipe.Expire(ctx, convKey(env.ConversationID), c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Fetch returns the cached envelope for a message id, or nil when the id is
// not in the window.
func (c *Cache) Fetch(ctx context.Context, messageID string) (*domain.Envelope, error) {
	b, err := c.rdb.Get(ctx, msgKey(messageID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env domain.Envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// FetchSince returns the window of a conversation after afterMessageID in
// ascending store order. An empty afterMessageID returns the whole window.
// complete is false when the cursor has been evicted; the caller must then
// page from the database instead, because the gap between the cursor and the
// window start is unknown.
func (c *Cache) FetchSince(ctx context.Context, conversationID, afterMessageID string) (envs []*domain.Envelope, complete bool, err error) {
	key := convKey(conversationID)

	start := int64(0)
	if afterMessageID != "" {
		rank, err := c.rdb.ZRank(ctx, key, afterMessageID).Result()
		if err == redis.Nil {
			replayMisses.Inc()
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		replayHits.Inc()
		start = rank + 1
	}

	ids, err := c.rdb.ZRange(ctx, key, start, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		return nil, true, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = msgKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false, err
	}

	envs, stale, err := decodeWindow(ids, vals)
	if err != nil {
		return nil, false, err
	}
	if len(stale) > 0 {
		_ = c.rdb.ZRem(ctx, key, stale...).Err()
	}
	return envs, true, nil
}

// decodeWindow pairs window ids with their fetched payloads. Ids whose
// payload TTL fired before the set entry come back as stale and must be
// removed from the window; they are not errors.
func decodeWindow(ids []string, vals []interface{}) (envs []*domain.Envelope, stale []interface{}, err error) {
	envs = make([]*domain.Envelope, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var env domain.Envelope
		if err := msgpack.Unmarshal([]byte(s), &env); err != nil {
			return nil, nil, err
		}
		envs = append(envs, &env)
	}
	return envs, stale, nil
}

// Len returns the number of ids currently in a conversation's window.
func (c *Cache) Len(ctx context.Context, conversationID string) (int64, error) {
	return c.rdb.ZCard(ctx, convKey(conversationID)).Result()
}
