package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgm616/pupil/internal/store"
)

func TestError_Messages(t *testing.T) {
	cases := []struct {
		name    string
		err     *Error
		message string
		status  int
		code    string
	}{
		{"username taken", TakenInput(UniqueUser),
			"That username is already taken.", http.StatusBadRequest, "auth_input.user.taken"},
		{"email taken", TakenInput(UniqueEmail),
			"That email is already assigned to another account. If that is your account, please login instead of creating a new account.",
			http.StatusBadRequest, "auth_input.email.taken"},
		{"username invalid", InvalidInput(FieldUser),
			"That username is invalid. Usernames can only include alphanumeric characters and underscores and must be between 3 and 32 characters.",
			http.StatusBadRequest, "auth_input.user.invalid"},
		{"password invalid", InvalidInput(FieldPass),
			"Passwords must be between 8 and 128 characters.", http.StatusBadRequest, "auth_input.pass.invalid"},
		{"name invalid", InvalidInput(FieldName),
			"Names must be between 4 and 128 characters.", http.StatusBadRequest, "auth_input.name.invalid"},
		{"email invalid", InvalidInput(FieldEmail),
			"That email is not a valid email.", http.StatusBadRequest, "auth_input.email.invalid"},
		{"credentials", InvalidInput(FieldUsernameOrPassword),
			"Either the username or password is invalid. Please try again.", http.StatusBadRequest, "auth_input.username_or_password.invalid"},
		{"bad json", FromDecode(errors.New("eof")),
			"The request JSON was invalid.", http.StatusBadRequest, "bad_json"},
		{"bad session", FromToken(&TokenError{}),
			"Your authentication cookie has expired.", http.StatusUnauthorized, "bad_session_token"},
		{"bad link", badLink(store.ErrNotFound),
			"That link is invalid or has expired. Please request a new one.", http.StatusBadRequest, "bad_confirmation_link"},
		{"rate limited", FromRateLimit(store.ErrRateLimitExceeded),
			"Too many attempts. Please try again later.", http.StatusTooManyRequests, "rate_limited"},
		{"database", newError(KindDatabase, errors.New("boom")),
			serverErrorMessage, http.StatusInternalServerError, "database"},
		{"pool", newError(KindPool, errors.New("boom")),
			serverErrorMessage, http.StatusInternalServerError, "pool"},
		{"email", FromMail(errors.New("smtp down")),
			serverErrorMessage, http.StatusInternalServerError, "email"},
		{"configuration", FromConfig(errors.New("no secret")),
			serverErrorMessage, http.StatusInternalServerError, "configuration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.message, tc.err.Message())
			assert.Equal(t, tc.status, tc.err.Status())
			assert.Equal(t, tc.code, tc.err.Code())
			assert.Equal(t, tc.status < 500, tc.err.IsClient())
		})
	}
}

func TestError_CauseNeverInMessage(t *testing.T) {
	cause := errors.New(`duplicate key value violates unique constraint "users_email_key"`)
	e := FromStore(&store.UniqueViolationError{Constraint: store.ConstraintUsersEmail, Err: cause})

	assert.NotContains(t, e.Message(), "users_email_key")
	assert.Contains(t, e.Error(), "users_email_key", "cause stays visible to logs")
	assert.ErrorIs(t, e, cause)
}

func TestFromStore(t *testing.T) {
	t.Run("email constraint", func(t *testing.T) {
		e := FromStore(&store.UniqueViolationError{Constraint: store.ConstraintUsersEmail})
		assert.Equal(t, KindAuthInput, e.Kind())
		assert.Equal(t, FieldEmail, e.Field())
		assert.Equal(t, ProblemTaken, e.Problem())
	})

	t.Run("username constraint", func(t *testing.T) {
		e := FromStore(&store.UniqueViolationError{Constraint: store.ConstraintUsersUsername})
		assert.Equal(t, KindAuthInput, e.Kind())
		assert.Equal(t, FieldUser, e.Field())
		assert.Equal(t, ProblemTaken, e.Problem())
	})

	t.Run("wrapped violation", func(t *testing.T) {
		err := fmt.Errorf("create user: %w", &store.UniqueViolationError{Constraint: store.ConstraintUsersUsername})
		assert.Equal(t, FieldUser, FromStore(err).Field())
	})

	t.Run("other constraint is a database error", func(t *testing.T) {
		e := FromStore(&store.UniqueViolationError{Constraint: "confirmations_link_hash_key"})
		assert.Equal(t, KindDatabase, e.Kind())
	})

	t.Run("pool", func(t *testing.T) {
		e := FromStore(&store.PoolError{Err: errors.New("timeout")})
		assert.Equal(t, KindPool, e.Kind())
	})

	t.Run("anything else", func(t *testing.T) {
		assert.Equal(t, KindDatabase, FromStore(errors.New("syntax error")).Kind())
	})
}

func TestAsError(t *testing.T) {
	orig := InvalidInput(FieldPass)
	got := AsError(fmt.Errorf("wrapped: %w", orig))
	require.NotNil(t, got)
	assert.Same(t, orig, got)

	plain := AsError(errors.New("unclassified"))
	assert.Equal(t, KindDatabase, plain.Kind())
	assert.False(t, plain.IsClient())
}

func TestTakenInput_OnlyUniqueFields(t *testing.T) {
	// Taken is only constructible for the fields storage enforces uniqueness on.
	for _, u := range []UniqueField{UniqueUser, UniqueEmail} {
		e := TakenInput(u)
		assert.NotEqual(t, serverErrorMessage, e.Message(), "taken %v needs a message", u)
	}
}
