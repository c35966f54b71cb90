package ratelimit

import "context"

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Unlimited allows everything. It is used when a limit is configured as zero.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) bool { return true }
