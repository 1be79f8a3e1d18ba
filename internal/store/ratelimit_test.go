package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRateLimiter(rdb), mr
}

func TestRedisRateLimiter_Allow(t *testing.T) {
	policy := RateLimit{MaxAttempts: 3, Window: time.Minute, LockoutTTL: 10 * time.Minute}
	ctx := context.Background()

	t.Run("locks out after max attempts", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, l.Allow(ctx, "login:user:ada", policy), "attempt %d", i+1)
		}
		assert.ErrorIs(t, l.Allow(ctx, "login:user:ada", policy), ErrRateLimitExceeded)

		// Still locked after the window, until the lockout expires.
		mr.FastForward(2 * time.Minute)
		assert.ErrorIs(t, l.Allow(ctx, "login:user:ada", policy), ErrRateLimitExceeded)
		mr.FastForward(10 * time.Minute)
		assert.NoError(t, l.Allow(ctx, "login:user:ada", policy))
	})

	t.Run("window expiry resets the count", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, l.Allow(ctx, "reset:email:a@example.com", policy))
		}
		mr.FastForward(time.Minute + time.Second)
		assert.NoError(t, l.Allow(ctx, "reset:email:a@example.com", policy))
	})

	t.Run("keys are independent", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		for i := 0; i < 4; i++ {
			_ = l.Allow(ctx, "login:user:ada", policy)
		}
		assert.NoError(t, l.Allow(ctx, "login:user:bob", policy))
	})

	t.Run("redis failure is not a limit", func(t *testing.T) {
		rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		t.Cleanup(func() { rdb.Close() })
		l := NewRedisRateLimiter(rdb)
		err := l.Allow(ctx, "login:user:ada", policy)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRateLimitExceeded)
	})
}
