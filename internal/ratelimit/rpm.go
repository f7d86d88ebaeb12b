// Package ratelimit implements per-provider rate limiting using Redis
// sliding window counters with an atomic Lua script, so a proactive
// requests-per-minute cap can reject a request before it ever reaches an
// upstream, distinct from the reactive 429 handling gatewayerr.RateLimit
// covers once a provider has already said no.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])
		
		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		
		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end
		
		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "aurorarelay:ratelimit:"

// RPMLimiter enforces a per-provider requests-per-minute ceiling using a
// Redis sliding window, keyed by provider name so each upstream's quota is
// tracked independently.
type RPMLimiter struct {
	rdb *redis.Client

	mu     sync.RWMutex
	limits map[string]int // provider -> requests per minute; 0 or absent = unlimited
}

// NewRPMLimiter creates a limiter with no per-provider limits configured;
// call SetLimit to enable enforcement for a provider.
func NewRPMLimiter(rdb *redis.Client) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, limits: make(map[string]int)}
}

// SetLimit configures provider's requests-per-minute ceiling. limit <= 0
// disables enforcement for that provider (always allowed).
func (r *RPMLimiter) SetLimit(provider string, limit int) {
	r.mu.Lock()
	r.limits[provider] = limit
	r.mu.Unlock()
}

// Allow reports whether provider is within its configured RPM limit. A
// provider with no configured limit (or a Redis error) is always allowed —
// rate limiting degrades open rather than blocking traffic on an outage.
func (r *RPMLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	r.mu.RLock()
	limit := r.limits[provider]
	r.mu.RUnlock()

	if limit <= 0 {
		return true, nil
	}
	return r.check(ctx, keyPrefix+provider, limit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
