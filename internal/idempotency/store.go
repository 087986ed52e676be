// Package idempotency implements the shared deduplication store consulted by
// ingress before a message enters the pipeline.
//
// Every submission carries a (sender, client-message-id) pair. The store maps
// a digest of that pair to the server-assigned message id, using a single
// atomic set-if-absent per lookup so that concurrent duplicates race exactly
// one winner. Entries expire after a configurable TTL; the unique index on
// messages.idempotency_key backstops anything that outlives it.
//
// The store is backed by Redis so deduplication holds across instances; any
// instance that accepts a retry observes the assignment made by the first.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "idem:"

// DeriveKey computes the deduplication digest for a submission. The sender id
// and client message id are joined with a 0x1f separator before hashing so
// that ("ab","c") and ("a","bc") cannot collide.
func DeriveKey(senderID, clientMessageID string) string {
	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write([]byte{0x1f})
	h.Write([]byte(clientMessageID))
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the Redis-backed idempotency map. Safe for concurrent use.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore returns a Store writing entries with the given TTL.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// GetOrSet atomically assigns messageID to key if no assignment exists yet.
// It returns the winning message id and whether this call made the
// assignment. When created is false the caller must discard its candidate id
// and answer with the returned one.
func (s *Store) GetOrSet(ctx context.Context, key, messageID string) (id string, created bool, err error) {
	old, err := s.rdb.SetArgs(ctx, keyPrefix+key, messageID, redis.SetArgs{
		Mode: "NX",
		TTL:  s.ttl,
		Get:  true,
	}).Result()
	if err == redis.Nil {
		// No previous value: our SET won.
		return messageID, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return old, false, nil
}

// Get returns the message id assigned to key, if any.
func (s *Store) Get(ctx context.Context, key string) (id string, found bool, err error) {
	v, err := s.rdb.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Delete drops the assignment for key. Used when an accepted submission
// could not be appended to the stream, so the sender's retry is not answered
// with an id that never entered the pipeline.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, keyPrefix+key).Err()
}
