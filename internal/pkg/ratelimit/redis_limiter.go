// internal/pkg/ratelimit/redis_limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis.
type RateLimiter struct {
	client redis.Cmdable
}

func NewRateLimiter(client redis.Cmdable) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow counts one request for (scope, key) and reports whether it is within
// maxRequests for the current window, plus how many requests remain.
func (r *RateLimiter) Allow(ctx context.Context, scope, key string, maxRequests int64, window time.Duration) (bool, int64, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", scope, key)

	// INCR and the TTL go out together so a counter can never outlive its window.
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to increment %s counter: %w", scope, err)
	}
	count := incr.Val()

	remaining := maxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return count <= maxRequests, remaining, nil
}
