package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker remembers handshake tokens that were revoked before their
// natural expiry. Only a digest of each token is kept.
type TokenRevoker interface {
	Revoke(token string, ttl time.Duration) error
	IsRevoked(token string) (bool, error)
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemoryTokenRevoker serves a single chat node.
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{expires: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryTokenRevoker) Revoke(token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.purge(now)
	r.expires[tokenDigest(token)] = now.Add(ttl)
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.expires[tokenDigest(token)]
	if !ok {
		return false, nil
	}
	return r.now().Before(until), nil
}

// Len reports how many revocations are still tracked.
func (r *MemoryTokenRevoker) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purge(r.now())
	return len(r.expires)
}

func (r *MemoryTokenRevoker) purge(now time.Time) {
	for digest, until := range r.expires {
		if !now.Before(until) {
			delete(r.expires, digest)
		}
	}
}

// RedisTokenRevoker shares revocations between chat nodes. Keys expire with
// the revocation ttl.
type RedisTokenRevoker struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisTokenRevoker(client *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client, prefix: "echo:revoked:", timeout: 3 * time.Second}
}

func (r *RedisTokenRevoker) Revoke(token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+tokenDigest(token), 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *RedisTokenRevoker) IsRevoked(token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, r.prefix+tokenDigest(token)).Result()
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return n == 1, nil
}
