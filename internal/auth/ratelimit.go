// ratelimit.go -- Per-identifier attempt limits on the guessable and mail-sending endpoints.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cgm616/pupil/internal/store"
)

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter -- defined here per Go convention.
type RateLimiter interface {
	// Allow checks whether the action is within policy and records the attempt.
	// Returns store.ErrRateLimitExceeded when locked out; other errors mean the limiter failed.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// LoginPolicy is applied per username before any password hashing,
// so rejected attempts never reach Argon2.
var LoginPolicy = store.RateLimit{
	MaxAttempts: 10,
	Window:      10 * time.Minute,
	LockoutTTL:  15 * time.Minute,
}

// MailPolicy is applied per email address on password reset and confirmation
// resend requests. Keyed before user lookup, so a limited response reveals
// nothing about whether the address has an account.
var MailPolicy = store.RateLimit{
	MaxAttempts: 3,
	Window:      time.Hour,
	LockoutTTL:  time.Hour,
}

// allow consults the limiter for key and writes a 429 when it refuses.
// Returns true if the handler should continue. Without a limiter everything
// is allowed; a limiter outage is logged and fails open.
func (h *AuthHandler) allow(w http.ResponseWriter, r *http.Request, key string, policy store.RateLimit) bool {
	if h.RL == nil {
		return true
	}
	err := h.RL.Allow(r.Context(), key, policy)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrRateLimitExceeded):
		e := FromRateLimit(err)
		h.Svc.Metrics().classified(e)
		WriteError(w, r, e)
		return false
	default:
		logWarn(r, "rate limiter unavailable", "key", key, "error", err)
		return true
	}
}

// limitKey builds a limiter key from a kind prefix and a case-folded identifier.
func limitKey(prefix, id string) string {
	return prefix + ":" + strings.ToLower(strings.TrimSpace(id))
}
