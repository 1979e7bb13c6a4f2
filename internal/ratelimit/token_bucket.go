package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket throttles dispatches per tenant. State lives in Redis so every
// correlator process shares one budget; the bot on the other side of the
// channel rate limits per account, not per process.
type TokenBucket struct {
	client   redis.Cmdable
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Cmdable, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "correlator:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Take consumes one token from the tenant's bucket if available.
func (b *TokenBucket) Take(ctx context.Context, tenant string) (Decision, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + tenant},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	// Lua numbers come back truncated to integers; the script sends
	// milli-tokens to keep the fraction.
	milli, _ := res[1].(int64)
	d := Decision{Allowed: allowed == 1, Remaining: float64(milli) / 1000}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
