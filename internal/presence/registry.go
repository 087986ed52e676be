// Package presence tracks which users currently hold live sockets, across
// all instances.
//
// Each user maps to one Redis hash keyed by socket id; the values carry the
// owning instance, the client agent, and a per-socket expiry that register
// and heartbeat keep pushing forward. A socket that stops heartbeating simply
// lapses: reads filter expired records lazily and prune them as seen, and a
// periodic sweep catches users nobody happens to read.
//
// The registry emits presence.online on the user's presence subject exactly
// when a write finds zero live sockets, and presence.offline when the last
// live socket is removed or found expired. The store is best-effort by
// contract: failures are logged and counted but never propagate into socket
// handling.
package presence

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chatwire/go-chat-transport/internal/bus"
)

var (
	// presenceEvents counts emitted online/offline transitions.
	presenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_events_total",
			Help: "Total number of presence transitions emitted.",
		},
		[]string{"type"},
	)

	// presenceStoreFailures counts failed registry writes by operation.
	presenceStoreFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_store_failures_total",
			Help: "Total number of failed presence store operations.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(presenceEvents, presenceStoreFailures)
}

// Meta describes the socket being registered.
type Meta struct {
	Agent    string
	Instance string
}

// Socket is one live (non-expired) socket of a user.
type Socket struct {
	ID        string
	Agent     string
	Instance  string
	ExpiresAt time.Time
}

// Snapshot is the answer to a presence query.
type Snapshot struct {
	UserID  string
	Online  bool
	Sockets []Socket
}

// socketRecord is the stored hash field value.
type socketRecord struct {
	Instance  string    `msgpack:"instance"`
	Agent     string    `msgpack:"agent"`
	ExpiresAt time.Time `msgpack:"expires_at"`
}

func presenceKey(userID string) string { return "presence:" + userID }

// Registry is the Redis-backed presence store. Safe for concurrent use.
type Registry struct {
	rdb *redis.Client
	bus bus.Bus
	ttl time.Duration
	log zerolog.Logger
}

// NewRegistry returns a Registry whose sockets expire ttl after their last
// register or heartbeat.
func NewRegistry(rdb *redis.Client, b bus.Bus, ttl time.Duration, log zerolog.Logger) *Registry {
	return &Registry{rdb: rdb, bus: b, ttl: ttl, log: log}
}

// Register records a socket for userID and refreshes its expiry. It emits
// presence.online exactly when the user had no live sockets before this
// write.
func (r *Registry) Register(ctx context.Context, userID, socketID string, meta Meta) error {
	now := time.Now().UTC()
	rec, err := msgpack.Marshal(&socketRecord{Instance: meta.Instance, Agent: meta.Agent, ExpiresAt: now.Add(r.ttl)})
	if err != nil {
		return err
	}

	key := presenceKey(userID)
	pipe := r.rdb.TxPipeline()
	prior := pipe.HGetAll(ctx, key)
	pipe.HSet(ctx, key, socketID, rec)
	// The key outlives its newest record so the sweep can observe the
	// all-expired state and emit offline before the key vanishes.
	pipe.Expire(ctx, key, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		presenceStoreFailures.WithLabelValues("register").Inc()
		r.log.Warn().Err(err).Str("user_id", userID).Msg("presence register failed")
		return err
	}

	live, expired := filterLive(prior.Val(), now)
	r.prune(ctx, key, expired)
	if len(live) == 0 {
		r.emit(ctx, userID, bus.EventPresenceOnline, now)
	}
	return nil
}

// Heartbeat pushes a socket's expiry forward, preserving its metadata. A
// heartbeat that finds the registry empty (state loss, or every record
// lapsed) behaves like a fresh register and re-emits presence.online.
func (r *Registry) Heartbeat(ctx context.Context, userID, socketID string) error {
	now := time.Now().UTC()
	key := presenceKey(userID)

	all, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		presenceStoreFailures.WithLabelValues("heartbeat").Inc()
		r.log.Warn().Err(err).Str("user_id", userID).Msg("presence heartbeat read failed")
		return err
	}
	live, expired := filterLive(all, now)

	var meta Meta
	for _, s := range live {
		if s.ID == socketID {
			meta = Meta{Agent: s.Agent, Instance: s.Instance}
			break
		}
	}

	rec, err := msgpack.Marshal(&socketRecord{Instance: meta.Instance, Agent: meta.Agent, ExpiresAt: now.Add(r.ttl)})
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, socketID, rec)
	pipe.Expire(ctx, key, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		presenceStoreFailures.WithLabelValues("heartbeat").Inc()
		r.log.Warn().Err(err).Str("user_id", userID).Msg("presence heartbeat write failed")
		return err
	}

	r.prune(ctx, key, expired)
	if len(live) == 0 {
		r.emit(ctx, userID, bus.EventPresenceOnline, now)
	}
	return nil
}

// Unregister removes a socket. When the last live socket goes, the user's
// key is deleted and presence.offline is emitted.
func (r *Registry) Unregister(ctx context.Context, userID, socketID string) error {
	now := time.Now().UTC()
	key := presenceKey(userID)

	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, key, socketID)
	remaining := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		presenceStoreFailures.WithLabelValues("unregister").Inc()
		r.log.Warn().Err(err).Str("user_id", userID).Msg("presence unregister failed")
		return err
	}

	live, expired := filterLive(remaining.Val(), now)
	r.prune(ctx, key, expired)
	if len(live) == 0 {
		_ = r.rdb.Del(ctx, key).Err()
		r.emit(ctx, userID, bus.EventPresenceOffline, now)
	}
	return nil
}

// WhoIs reports a user's live sockets, pruning expired records as it reads.
// Discovering that the last socket lapsed emits the deferred
// presence.offline.
func (r *Registry) WhoIs(ctx context.Context, userID string) (*Snapshot, error) {
	live, _, err := r.gc(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{UserID: userID, Online: len(live) > 0, Sockets: live}, nil
}

// IsOnline reports whether the user has at least one live socket.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	snap, err := r.WhoIs(ctx, userID)
	if err != nil {
		return false, err
	}
	return snap.Online, nil
}

// SocketsOf returns the ids of a user's live sockets.
func (r *Registry) SocketsOf(ctx context.Context, userID string) ([]string, error) {
	snap, err := r.WhoIs(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(snap.Sockets))
	for i, s := range snap.Sockets {
		ids[i] = s.ID
	}
	return ids, nil
}

// Sweep makes one pass over all presence keys, pruning expired records and
// emitting the deferred offline for users whose sockets all lapsed. It
// returns the number of users taken offline.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		offline int
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, "presence:*", 100).Result()
		if err != nil {
			presenceStoreFailures.WithLabelValues("sweep").Inc()
			return offline, err
		}
		for _, key := range keys {
			userID := strings.TrimPrefix(key, "presence:")
			_, wentOffline, err := r.gc(ctx, userID)
			if err != nil {
				continue
			}
			if wentOffline {
				offline++
			}
		}
		cursor = next
		if cursor == 0 {
			return offline, nil
		}
	}
}

// RunSweeper calls Sweep every interval until ctx is canceled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.log.Warn().Err(err).Msg("presence sweep failed")
				continue
			}
			if n > 0 {
				r.log.Debug().Int("offline", n).Msg("presence sweep")
			}
		}
	}
}

// gc reads a user's hash, prunes expired records, and emits offline when the
// key existed but no live socket remains.
func (r *Registry) gc(ctx context.Context, userID string) (live []Socket, wentOffline bool, err error) {
	now := time.Now().UTC()
	key := presenceKey(userID)

	all, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		presenceStoreFailures.WithLabelValues("read").Inc()
		return nil, false, err
	}
	var expired []string
	live, expired = filterLive(all, now)
	r.prune(ctx, key, expired)
	if len(all) > 0 && len(live) == 0 {
		_ = r.rdb.Del(ctx, key).Err()
		r.emit(ctx, userID, bus.EventPresenceOffline, now)
		wentOffline = true
	}
	return live, wentOffline, nil
}

func (r *Registry) prune(ctx context.Context, key string, expired []string) {
	if len(expired) == 0 {
		return
	}
	if err := r.rdb.HDel(ctx, key, expired...).Err(); err != nil {
		r.log.Debug().Err(err).Str("key", key).Msg("presence prune failed")
	}
}

func (r *Registry) emit(ctx context.Context, userID, eventType string, at time.Time) {
	ev := &bus.Event{Type: eventType, UserID: userID, At: at}
	if err := r.bus.Publish(ctx, bus.SubjectPresence(userID), ev); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Str("type", eventType).Msg("presence emit failed")
		return
	}
	presenceEvents.WithLabelValues(eventType).Inc()
}

// filterLive decodes hash fields into sockets and splits them into live and
// expired by the per-record expiry. Records that fail to decode count as
// expired so they get pruned rather than wedged.
func filterLive(fields map[string]string, now time.Time) (live []Socket, expired []string) {
	for id, raw := range fields {
		var rec socketRecord
		if err := msgpack.Unmarshal([]byte(raw), &rec); err != nil || !rec.ExpiresAt.After(now) {
			expired = append(expired, id)
			continue
		}
		live = append(live, Socket{ID: id, Agent: rec.Agent, Instance: rec.Instance, ExpiresAt: rec.ExpiresAt})
	}
	return live, expired
}
