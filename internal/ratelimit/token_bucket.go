// Package ratelimit holds the Redis-backed limits shared by every API and
// worker process: trigger throttling per organization and platform cooldowns.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Keys
// are namespaced under "ratelimit:trigger:".
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:trigger:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for orgID if available.
// Returns allowed flag and the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, orgID string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + orgID}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", orgID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", orgID, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Tokens are returned as a string so fractional refills survive the
// Lua-to-Redis integer reply conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
