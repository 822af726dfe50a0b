package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCounterTimeout bounds each counter round-trip. It is kept
// sub-second so an unreachable backend degrades to the local fallback
// quickly instead of stalling request handling.
const DefaultCounterTimeout = 500 * time.Millisecond

// incrScript atomically increments the fixed-window counter and returns
// {count, remaining window in ms}. The expiry is set only when the key is
// created, so the window boundary is fixed from the first request.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter implements the distributed fixed-window counter on top of
// Redis. All callers across all replicas observe the same linearizable
// count because the increment-and-check runs as one Lua script.
type RedisCounter struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCounter wraps client with the per-call timeout applied to each
// increment. A zero timeout uses DefaultCounterTimeout.
func NewRedisCounter(client *redis.Client, timeout time.Duration) *RedisCounter {
	if timeout <= 0 {
		timeout = DefaultCounterTimeout
	}
	return &RedisCounter{client: client, timeout: timeout}
}

// Incr counts one request against key in the current window. It returns
// the updated count and the time remaining until the window resets.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("counter incr: %w", err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("counter incr: unexpected reply of %d values", len(res))
	}

	count, ok := res[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter incr: unexpected count type %T", res[0])
	}
	ttlMs, ok := res[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("counter incr: unexpected ttl type %T", res[1])
	}

	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Close closes the underlying Redis client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
