// session.go

// Signed session tokens and cookie management.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cgm616/pupil/internal/store"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "jwt"

// SessionIssuer is the issuer written into and required of every session token.
const SessionIssuer = "pupil"

// DefaultSessionTTL is the lifetime of a freshly issued session token.
const DefaultSessionTTL = 24 * time.Hour

// Claims is the payload of a session token.
type Claims struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	Confirmed bool   `json:"conf"`
	jwt.RegisteredClaims
}

// NewClaims builds claims for u, issued at issuedAt (truncated to whole
// seconds) and expiring ttl later.
func NewClaims(u store.User, issuedAt time.Time, ttl time.Duration) Claims {
	iat := time.Unix(issuedAt.Unix(), 0)
	return Claims{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Username:  u.Username,
		Confirmed: u.Confirmed,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SessionIssuer,
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
		},
	}
}

// TokenError is the single error Validate returns. Its message never says
// why a token was rejected; the reason is only visible to structured logging.
type TokenError struct {
	cause error
}

func (e *TokenError) Error() string { return "invalid session token" }

// LogValue exposes the rejection reason to slog.
func (e *TokenError) LogValue() slog.Value {
	if e.cause == nil {
		return slog.StringValue("invalid session token")
	}
	return slog.StringValue(e.cause.Error())
}

// SessionCodec issues and validates HS256 session tokens.
// Safe for concurrent use; all fields are read-only after construction.
type SessionCodec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionCodec returns a codec signing with secret.
func NewSessionCodec(secret []byte, issuer string, ttl time.Duration) (*SessionCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret is empty")
	}
	if issuer == "" {
		return nil, errors.New("session issuer is empty")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionCodec{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the lifetime given to newly issued tokens.
func (c *SessionCodec) TTL() time.Duration { return c.ttl }

// Issue signs claims as a compact header.payload.signature token.
func (c *SessionCodec) Issue(claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return token, nil
}

// IssueFor builds claims for u at the current time and signs them.
func (c *SessionCodec) IssueFor(u store.User) (string, *Claims, error) {
	claims := NewClaims(u, c.now(), c.ttl)
	token, err := c.Issue(claims)
	if err != nil {
		return "", nil, err
	}
	return token, &claims, nil
}

// Validate verifies the signature, algorithm, issuer, and expiry of token.
// Every failure is returned as *TokenError.
func (c *SessionCodec) Validate(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, &TokenError{cause: err}
	}
	return &claims, nil
}

// NeedsRefresh reports whether less than half of the token lifetime remains.
func (c *SessionCodec) NeedsRefresh(claims *Claims) bool {
	if claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Sub(c.now()) < c.ttl/2
}

// SetSessionCookie writes the jwt cookie with HttpOnly and SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
		MaxAge:   max(1, int(time.Until(expiresAt).Seconds())),
	})
}

// ClearSessionCookie overwrites the jwt cookie with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
