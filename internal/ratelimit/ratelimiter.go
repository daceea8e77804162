package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces the per-customer buckets in Redis
const KeyPrefix = "ratelimit:"

// bucketTTL bounds storage for idle customers. A bucket idle this long has
// refilled to capacity anyway, so expiry is equivalent to a full bucket.
const bucketTTL = 10

// Limiter decides whether one more request may proceed for key
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// tokenBucketScript refills, clamps and consumes in one atomic step.
// KEYS[1] bucket key; ARGV: capacity, now (float seconds), refill rate per second, ttl.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed * rate)

if tokens < 1 then
  return 0
end

tokens = tokens - 1
redis.call("HMSET", key, "tokens", tostring(tokens), "last", tostring(now))
redis.call("EXPIRE", key, ttl)
return 1
`)

// TokenBucketLimiter is a Redis-backed token bucket shared by every proxy instance.
// Capacity and refill rate are both the configured requests per second.
type TokenBucketLimiter struct {
	client *redis.Client
	rps    int
	now    func() time.Time
}

// NewTokenBucketLimiter creates a limiter allowing rps requests per second per key
func NewTokenBucketLimiter(client *redis.Client, rps int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		client: client,
		rps:    rps,
		now:    time.Now,
	}
}

// RPS returns the configured requests per second
func (l *TokenBucketLimiter) RPS() int {
	return l.rps
}

// Allow consumes one token from the bucket of key
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.rps <= 0 {
		return true, nil
	}

	now := float64(l.now().UnixNano()) / float64(time.Second)
	result, err := tokenBucketScript.Run(ctx, l.client, []string{KeyPrefix + key},
		l.rps,
		strconv.FormatFloat(now, 'f', 6, 64),
		l.rps,
		bucketTTL,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// NoopLimiter allows everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}
