// handler.go -- HTTP handlers for the authentication endpoints.
package auth

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// Redirect targets after login, registration, and logout.
const (
	DashboardPath = "/dash"
	ConfirmPath   = "/confirm"
	HomePath      = "/"
)

// AuthHandler holds dependencies for the HTTP handlers and middleware.
type AuthHandler struct {
	Svc *Service
	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool
	// Health lists the dependencies CheckHealth pings.
	Health []HealthCheck
	// RL limits login, reset, and resend attempts. Nil disables limiting.
	RL RateLimiter
}

// decodeJSON reads a bounded JSON body into v. Failures are KindBadJSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *Error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return FromDecode(err)
	}
	return nil
}

// Login handles POST /login.
// Correct credentials on a confirmed account set the session cookie and
// redirect to the dashboard; on an unconfirmed account they redirect to the
// confirmation page without a cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if e := decodeJSON(w, r, &in); e != nil {
		WriteError(w, r, e)
		return
	}
	if !h.allow(w, r, limitKey("login:user", in.Username), LoginPolicy) {
		return
	}

	res, err := h.Svc.Login(r.Context(), in.Username, in.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	if res.Outcome == OutcomePendingConfirmation {
		logInfo(r, "login pending confirmation", "user_id", res.User.ID)
		SeeOther(w, r, ConfirmPath)
		return
	}

	SetSessionCookie(w, res.Token, res.Claims.ExpiresAt.Time, h.CookieSecure)
	logInfo(r, "user logged in", "user_id", res.User.ID)
	SeeOther(w, r, DashboardPath)
}

// Register handles POST /register.
// Creates an unconfirmed account, mails a confirmation link, and redirects
// to the confirmation page.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if e := decodeJSON(w, r, &in); e != nil {
		WriteError(w, r, e)
		return
	}

	u, err := h.Svc.Register(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logInfo(r, "registration complete", "user_id", u.ID)
	SeeOther(w, r, ConfirmPath)
}

// Confirm handles GET /confirm/{key}.
func (h *AuthHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	u, err := h.Svc.Confirm(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "email confirmed", "user_id", u.ID)
	OK(w, "Your email has been confirmed. You can now log in.")
}

// ResendConfirmation handles POST /confirm/resend.
// Always responds the same way for unknown, confirmed, and unconfirmed addresses.
func (h *AuthHandler) ResendConfirmation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if e := decodeJSON(w, r, &in); e != nil {
		WriteError(w, r, e)
		return
	}
	if !h.allow(w, r, limitKey("resend:email", in.Email), MailPolicy) {
		return
	}
	if err := h.Svc.ResendConfirmation(r.Context(), in.Email); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "If that email belongs to an unconfirmed account, a new confirmation link has been sent.")
}

// PasswordReset handles POST /password/reset.
// Always responds the same way whether or not the address has an account.
func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if e := decodeJSON(w, r, &in); e != nil {
		WriteError(w, r, e)
		return
	}
	if !h.allow(w, r, limitKey("reset:email", in.Email), MailPolicy) {
		return
	}
	if err := h.Svc.RequestPasswordReset(r.Context(), in.Email); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "If that email belongs to an account, a password reset link has been sent.")
}

// PasswordConfirm handles POST /password/confirm.
// Redeems a reset link and sets the new password.
func (h *AuthHandler) PasswordConfirm(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Link     string `json:"link"`
		Password string `json:"password"`
	}
	if e := decodeJSON(w, r, &in); e != nil {
		WriteError(w, r, e)
		return
	}
	if err := h.Svc.ResetPassword(r.Context(), in.Link, in.Password); err != nil {
		WriteError(w, r, err)
		return
	}
	OK(w, "Your password has been reset. You can now log in.")
}

// Logout handles GET /logout. Sessions are stateless, so this only clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ClearSessionCookie(w, h.CookieSecure)
	logDebug(r, "session cookie cleared")
	SeeOther(w, r, HomePath)
}

// sessionView is the user data exposed to the browser. No hash, no secrets.
type sessionView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	Confirmed bool   `json:"confirmed"`
	ExpiresAt int64  `json:"expires_at"`
}

// Session handles GET /session. Requires RequireSession.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, r, FromToken(&TokenError{}))
		return
	}
	view := sessionView{
		ID:        claims.ID,
		Name:      claims.Name,
		Email:     claims.Email,
		Username:  claims.Username,
		Confirmed: claims.Confirmed,
	}
	if claims.ExpiresAt != nil {
		view.ExpiresAt = claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, view)
}
