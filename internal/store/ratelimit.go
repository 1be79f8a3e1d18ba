// ratelimit.go -- Fixed-window attempt counting with lockout, on Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimitExceeded is returned by Allow while a key is over its policy or locked out.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimit is the policy for one kind of attempt.
// MaxAttempts are allowed per Window; the next attempt locks the key for LockoutTTL.
type RateLimit struct {
	MaxAttempts int
	Window      time.Duration
	LockoutTTL  time.Duration
}

// rateLimitScript counts an attempt and applies lockout atomically.
// Returns 1 if allowed, 0 if locked out.
// KEYS[1] = counter, KEYS[2] = lock, ARGV = max attempts, window ms, lockout ms.
var rateLimitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('DEL', KEYS[1])
    redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
    return 0
end
return 1
`)

// RedisRateLimiter tracks attempts per key in Redis, so limits hold across instances.
type RedisRateLimiter struct {
	rdb redis.Scripter
}

// NewRedisRateLimiter returns a limiter backed by rdb.
func NewRedisRateLimiter(rdb redis.Scripter) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// Allow records an attempt for key and reports whether it is within policy.
// Returns ErrRateLimitExceeded when it is not; any other error means Redis failed.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	keys := []string{"pupil:ratelimit:count:" + key, "pupil:ratelimit:lock:" + key}
	ok, err := rateLimitScript.Run(ctx, l.rdb, keys,
		policy.MaxAttempts, policy.Window.Milliseconds(), policy.LockoutTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("checking rate limit for %s: %w", key, err)
	}
	if ok == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}
