// Package ratelimit implements per-client request rate limiting using Redis
// sliding window counters with atomic Lua scripts.
//
// The limiter sits ahead of the completion endpoint and is deliberately
// permissive at the edges: a nil limiter, a zero limit, or an unreachable
// Redis all allow the request through. Shedding load at the gateway must
// never become the outage itself.
package ratelimit

import (
	"context"
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

const keyPrefix = "ratelimit:client:"

// RPMLimiter enforces a per-client requests-per-minute limit using a Redis
// sliding window. One sorted set per client keeps clients isolated: a noisy
// client exhausts its own window, nobody else's.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates an RPMLimiter with the given per-client RPM limit.
// A limit ≤ 0 disables the limiter.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow reports whether the client's current request is within its limit.
// Safe on a nil receiver; limiting disabled means everything is allowed.
func (r *RPMLimiter) Allow(ctx context.Context, client string) (bool, error) {
	if r == nil || r.rdb == nil || r.rpmLimit <= 0 {
		return true, nil
	}
	if client == "" {
		client = "anonymous"
	}
	return r.check(ctx, keyPrefix+client+":rpm", r.rpmLimit)
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
