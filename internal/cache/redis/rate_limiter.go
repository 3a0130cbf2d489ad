package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// waitPollInterval is how often Wait re-checks a saturated limit.
const waitPollInterval = 50 * time.Millisecond

// RateLimiter implements domain.RateLimiter as a sliding window over a Redis
// sorted set, evaluated atomically by a Lua script. Every bot process on the
// same Redis shares the budget, which is what keeps a multi-preset deployment
// inside the exchange's API limits.
type RateLimiter struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:           c.DB(),
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

func rateLimitKey(bucket string) string {
	return namespaced("ratelimit:" + bucket)
}

// Allow reports whether a request in the bucket fits under limit requests per
// window, counting it when it does.
func (rl *RateLimiter) Allow(ctx context.Context, bucket string, limit int, window time.Duration) (bool, error) {
	result, err := rl.slidingWindow.Run(
		ctx,
		rl.rdb,
		[]string{rateLimitKey(bucket)},
		time.Now().UnixMicro(),
		window.Microseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", bucket, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected result length %d", bucket, len(result))
	}
	return result[0] == 1, nil
}

// Wait blocks until a request in the bucket is allowed under a 1-per-second
// budget, or the context ends. Callers with their own budget loop over Allow
// instead.
func (rl *RateLimiter) Wait(ctx context.Context, bucket string) error {
	for {
		allowed, err := rl.Allow(ctx, bucket, 1, time.Second)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", bucket, ctx.Err())
		case <-time.After(waitPollInterval):
		}
	}
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
