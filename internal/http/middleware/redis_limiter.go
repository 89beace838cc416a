package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLimiter counts hits in fixed windows keyed by the window start, so
// all instances sharing the redis see the same counter.
type redisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient) Limiter {
	return &redisLimiter{client: client, prefix: "ratelimit"}
}

func (l *redisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := time.Now()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowStart.Unix())

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	n := int(count.Val())
	if n > limit {
		return Decision{Allowed: false, RetryAfter: time.Until(resetAt), ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: limit - n, ResetAt: resetAt}, nil
}
