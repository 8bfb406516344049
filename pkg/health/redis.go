package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChecker pings the Redis server behind the stream substrate or the
// idempotency guard
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a checker on an existing client
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// Check sends PING
func (r *RedisChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("ping failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   "PONG",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (r *RedisChecker) Type() CheckType {
	return CheckTypeRedis
}
