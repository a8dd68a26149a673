// Package ratelimit implements the optional requests-per-minute limit in
// front of the generate endpoint, using a Redis sliding window counter kept
// by an atomic Lua script. Limits are shared by every gateway replica that
// points at the same Redis.
package ratelimit

import (
	"context"
	"log/slog"
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

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:generate:rpm"

// RPMLimiter checks a requests-per-minute limit per client.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	now      func() time.Time
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per client per
// minute. rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, now: time.Now}
}

// Allow reports whether client may issue another request. An empty client
// shares one global bucket.
func (r *RPMLimiter) Allow(ctx context.Context, client string) (bool, error) {
	key := keyPrefix
	if client != "" {
		key += ":" + client
	}
	return r.check(ctx, key, r.rpmLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := r.now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable - allow request (graceful degradation).
		slog.WarnContext(ctx, "ratelimit_unavailable", slog.String("error", err.Error()))
		return true, nil
	}

	return result == 1, nil
}
