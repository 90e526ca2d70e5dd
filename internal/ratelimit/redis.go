package ratelimit

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
)

// consumeScript atomically refills, checks and decrements a bucket stored
// as a Redis hash {tokens, last_refill}, then refreshes its expiry so idle
// buckets don't accumulate forever. Mirrors the memory backend's refill
// math exactly so behavior doesn't drift between backends.
const consumeScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local tokens = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local current_tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if not current_tokens then
    current_tokens = capacity
    last_refill = now
end
local delta = now - last_refill
if delta > 0 then
    current_tokens = math.min(capacity, current_tokens + delta * refill_rate)
    last_refill = now
end
if current_tokens >= tokens then
    current_tokens = current_tokens - tokens
    redis.call('HMSET', key, 'tokens', current_tokens, 'last_refill', last_refill)
    redis.call('EXPIRE', key, math.ceil(capacity / refill_rate) * 2)
    return {1, current_tokens}
else
    redis.call('HMSET', key, 'tokens', current_tokens, 'last_refill', last_refill)
    redis.call('EXPIRE', key, math.ceil(capacity / refill_rate) * 2)
    return {0, current_tokens}
end
`

// RedisLimiter is a shared token bucket limiter backed by Redis, suitable
// when more than one proxy process must share the same quota. All
// refill+check+decrement work happens inside a single server-side Lua
// script, so concurrent callers across processes never race.
type RedisLimiter struct {
	client     redis.Cmdable
	capacity   int
	refillRate float64
	now        TimeFunc
	script     *redis.Script
}

// NewRedisLimiter builds a RedisLimiter against an already-connected client.
func NewRedisLimiter(client redis.Cmdable, capacity int, refillRate float64, nowFunc TimeFunc) *RedisLimiter {
	if nowFunc == nil {
		nowFunc = unixNow
	}
	return &RedisLimiter{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		now:        nowFunc,
		script:     redis.NewScript(consumeScript),
	}
}

// Consume runs the atomic Lua script; a transport error fails closed
// (treated as deny, never silently falls back to the memory backend).
func (l *RedisLimiter) Consume(ctx context.Context, identity, tool string, tokens int) (bool, error) {
	if tokens <= 0 {
		return true, nil
	}
	key := bucketKey(identity, tool)
	now := l.now()

	res, err := l.script.Run(ctx, l.client, []string{key}, l.capacity, l.refillRate, tokens, now).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return false, fmt.Errorf("rate limit script: unexpected result shape %T", res)
	}
	allowed, ok := pair[0].(int64)
	if !ok {
		return false, fmt.Errorf("rate limit script: unexpected allowed type %T", pair[0])
	}
	return allowed == 1, nil
}

// Remaining reads back the bucket's current token count without consuming,
// applying the same refill math the consume script uses.
func (l *RedisLimiter) Remaining(ctx context.Context, identity, tool string) (int, error) {
	key := bucketKey(identity, tool)
	vals, err := l.client.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit read: %w", err)
	}
	if vals[0] == nil {
		return l.capacity, nil
	}
	tokens, err := parseFloat(vals[0])
	if err != nil {
		return 0, err
	}
	lastRefill, err := parseFloat(vals[1])
	if err != nil {
		return 0, err
	}
	now := l.now()
	delta := now - lastRefill
	if delta > 0 {
		tokens = math.Min(float64(l.capacity), tokens+delta*l.refillRate)
	}
	return int(tokens), nil
}

func parseFloat(v any) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("rate limit read: unexpected value type %T", v)
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, fmt.Errorf("rate limit read: parsing %q: %w", s, err)
	}
	return f, nil
}
