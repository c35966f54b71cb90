package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// TokenBucketLimiter is the single-node fallback used when no Redis is
// configured. Each key gets its own bucket of capacity tokens refilled evenly
// over interval.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

func NewTokenBucketLimiter(capacity int, interval time.Duration) *TokenBucketLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TokenBucketLimiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		rate:     float64(capacity) / interval.Seconds(),
		idleTTL:  2 * interval,
		lastGC:   time.Now(),
		now:      time.Now,
	}
}

// Allow ignores ctx; buckets live in process memory.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.gc(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastCheck: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// gc drops buckets that have been idle long enough to be full again.
func (l *TokenBucketLimiter) gc(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	l.lastGC = now
	for key, b := range l.buckets {
		if now.Sub(b.lastCheck) >= l.idleTTL {
			delete(l.buckets, key)
		}
	}
}
