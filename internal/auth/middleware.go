// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"errors"
	"net/http"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const claimsKey contextKey = "session_claims"

// ClaimsFromContext retrieves the validated session claims.
// Returns nil and false if RequireSession hasn't run.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// session validates the jwt cookie and returns its claims. A missing cookie
// and a bad token look the same to the caller; the log line says which it was.
// Once less than half the lifetime remains the cookie is re-issued with
// fresh claims.
func (h *AuthHandler) session(w http.ResponseWriter, r *http.Request) (*Claims, error) {
	var token string
	if ck, err := r.Cookie(SessionCookieName); err == nil {
		token = ck.Value
	}

	claims, err := h.Svc.Authenticate(token)
	if err != nil {
		return nil, err
	}
	if !h.Svc.Codec().NeedsRefresh(claims) {
		return claims, nil
	}

	fresh, refreshed, err := h.Svc.Refresh(r.Context(), claims)
	switch {
	case err == nil:
		SetSessionCookie(w, fresh, refreshed.ExpiresAt.Time, h.CookieSecure)
		logDebug(r, "session refreshed", "user_id", refreshed.ID)
		return refreshed, nil
	case AsError(err).Kind() == KindBadSessionToken:
		// Account is gone; the token must not outlive it.
		ClearSessionCookie(w, h.CookieSecure)
		return nil, err
	default:
		// Still valid; try again on the next request.
		var e *Error
		if errors.As(err, &e) {
			logWarn(r, "session refresh failed", "code", e.Code(), "cause", e.Unwrap())
		}
		return claims, nil
	}
}

// RequireSession injects the session claims into the request context and
// returns 401 when there is no valid session. Used for JSON endpoints.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.session(w, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RedirectWithoutSession is RequireSession for pages: without a valid
// session the browser is sent to the home page instead of getting a 401.
func (h *AuthHandler) RedirectWithoutSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.session(w, r)
		if err != nil {
			logDebug(r, "no session, redirecting home", "code", AsError(err).Code())
			SeeOther(w, r, HomePath)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
