package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAcquireScript takes a slot atomically if the occupancy is below the
// bound. The key self-expires so a crashed holder cannot wedge the cluster.
// KEYS[1] = slot key
// ARGV[1] = max concurrent slots
// ARGV[2] = key TTL in seconds
var redisAcquireScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current >= max then
    return 0
end
redis.call("INCR", key)
redis.call("EXPIRE", key, ttl)
return 1
`)

var redisReleaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call("GET", key) or "0")
if current > 0 then
    redis.call("DECR", key)
end
return current
`)

// RedisSlotLimiter coordinates execution slots across kernel replicas that
// share one audit store. It polls rather than blocks; Acquire honors the
// caller's context deadline.
type RedisSlotLimiter struct {
	client        *redis.Client
	key           string
	maxConcurrent int
	ttl           time.Duration
	pollInterval  time.Duration
}

// NewRedisSlotLimiter creates a distributed slot limiter. The key is
// namespaced per kernel deployment.
func NewRedisSlotLimiter(client *redis.Client, deployment string, maxConcurrent int) *RedisSlotLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &RedisSlotLimiter{
		client:        client,
		key:           fmt.Sprintf("autonomy:slots:%s", deployment),
		maxConcurrent: maxConcurrent,
		ttl:           60 * time.Second,
		pollInterval:  50 * time.Millisecond,
	}
}

// Acquire polls for a free slot until the context is done.
func (l *RedisSlotLimiter) Acquire(ctx context.Context) (func(), error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		got, err := redisAcquireScript.Run(ctx, l.client, []string{l.key},
			l.maxConcurrent, int(l.ttl.Seconds())).Int()
		if err != nil {
			return nil, fmt.Errorf("kernel: redis slot acquire failed: %w", err)
		}
		if got == 1 {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = redisReleaseScript.Run(releaseCtx, l.client, []string{l.key}).Err()
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("kernel: slot acquisition cancelled: %w", ctx.Err())
		}
	}
}
