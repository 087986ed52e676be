// Package services – SenderLimiter
//
// This file implements the per-sender token-bucket limiter consulted by the
// ingress pipeline. It lives in the service layer rather than HTTP middleware
// because submissions arrive over two transports (REST and socket frames) and
// both must drain the same budget.
//
// Buckets are created on demand and stored in an internal map guarded by a
// mutex, with opportunistic eviction of idle buckets to bound memory. The
// limiter is process-local; a horizontally scaled deployment enforcing a
// global budget would move this to a shared store.
package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// senderBucket holds a single rate limiter and the last time it was used,
// so idle buckets can be evicted.
type senderBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter enforces a per-sender submission budget of max tokens per
// window. Safe for concurrent use.
type SenderLimiter struct {
	limit  rate.Limit
	burst  int
	window time.Duration

	mu       sync.Mutex
	buckets  map[string]*senderBucket
	idleTTL  time.Duration
	lookups  uint64
	sweepLen uint64
}

// NewSenderLimiter constructs a limiter allowing max submissions per window
// for each sender, with bursts up to max.
func NewSenderLimiter(max int, window time.Duration) *SenderLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SenderLimiter{
		limit:    rate.Limit(float64(max) / window.Seconds()),
		burst:    max,
		window:   window,
		buckets:  make(map[string]*senderBucket),
		idleTTL:  10 * time.Minute,
		sweepLen: 5000,
	}
}

// Allow reports whether senderID may submit now, consuming one token when it
// may.
func (l *SenderLimiter) Allow(senderID string) bool {
	return l.bucketFor(senderID).Allow()
}

// RetryAfter returns the hint callers attach to a rejected submission.
func (l *SenderLimiter) RetryAfter() time.Duration {
	d := time.Duration(float64(l.window) / float64(l.burst))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// bucketFor returns (and refreshes) the bucket for key, creating it if
// absent. Idle buckets are swept after a threshold of lookups; the sweep
// runs before the refresh so a stale entry for the requested key is evicted
// rather than revived.
func (l *SenderLimiter) bucketFor(key string) *rate.Limiter {
	now := time.Now()

	l.mu.Lock()
	l.lookups++
	if l.lookups >= l.sweepLen {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lookups = 0
	}

	if b, ok := l.buckets[key]; ok {
		b.lastSeen = now
		lim := b.limiter
		l.mu.Unlock()
		return lim
	}

	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets[key] = &senderBucket{limiter: lim, lastSeen: now}
	l.mu.Unlock()
	return lim
}
