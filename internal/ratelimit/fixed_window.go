package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow bumps the counter for one window and arms its expiry on first use.
// It returns the count and the remaining ttl in milliseconds.
var incrWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

const redisTimeout = 2 * time.Second

// Usage reports where a key stands inside its current window.
type Usage struct {
	Count     int64
	Remaining int64
	ResetIn   time.Duration
}

// FixedWindowLimiter counts hits per key in fixed windows kept in Redis, so
// every chat node shares one quota per user or client address.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("fixed window limiter: redis client is required")
	}
	if limit <= 0 || window < time.Millisecond {
		return nil, fmt.Errorf("fixed window limiter: invalid limit %d per %s", limit, window)
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "echo:ratelimit"
	}
	return &FixedWindowLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}, nil
}

// Take records one hit for key and returns the window usage.
func (l *FixedWindowLimiter) Take(ctx context.Context, key string) (Usage, error) {
	windowMs := l.window.Milliseconds()
	slot := l.now().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, normalizeKey(key), slot)

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	vals, err := incrWindow.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("fixed window limiter: %w", err)
	}
	if len(vals) != 2 {
		return Usage{}, fmt.Errorf("fixed window limiter: unexpected reply %v", vals)
	}
	u := Usage{Count: vals[0], Remaining: l.limit - vals[0]}
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	if vals[1] > 0 {
		u.ResetIn = time.Duration(vals[1]) * time.Millisecond
	}
	return u, nil
}

// Allow fails closed when Redis cannot be reached.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	u, err := l.Take(ctx, key)
	if err != nil {
		return false
	}
	return u.Count <= l.limit
}

// normalizeKey keeps caller keys from colliding with the slot suffix.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return strings.ReplaceAll(key, " ", "_")
}
