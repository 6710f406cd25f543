package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "ratelimit:"

// Quota describes the remaining request budget inside the current window.
type Quota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FixedWindowLimiter counts requests per credential in fixed windows backed
// by Redis. INCR is atomic, so two concurrent requests can never both consume
// the same final unit of quota.
type FixedWindowLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewFixedWindowLimiter(client *redis.Client) *FixedWindowLimiter {
	return &FixedWindowLimiter{client: client, now: time.Now}
}

// Allow consumes one unit of quota for key under the given policy. When the
// window budget is exhausted it returns a *RateLimitError carrying retry
// metadata.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Quota, error) {
	if !policy.Enabled {
		return Quota{Limit: policy.Max, Remaining: policy.Max}, nil
	}
	if policy.Window <= 0 || policy.Max <= 0 {
		policy = DefaultRateLimitPolicy
	}

	now := l.now()
	windowStart := now.Truncate(policy.Window)
	resetAt := windowStart.Add(policy.Window)
	redisKey := fmt.Sprintf("%s%s:%d", rateLimitKeyPrefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// Expire a little past the window end so a reset never races the counter.
	pipe.Expire(ctx, redisKey, policy.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Quota{}, fmt.Errorf("rate limit incr: %w", err)
	}

	count := int(incr.Val())
	remaining := policy.Max - count
	if remaining < 0 {
		remaining = 0
	}
	quota := Quota{Limit: policy.Max, Remaining: remaining, ResetAt: resetAt}
	if count > policy.Max {
		retryAfter := resetAt.Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return quota, &RateLimitError{
			Limit:      policy.Max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}
	return quota, nil
}
