package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgm616/pupil/internal/store"
	mocks "github.com/cgm616/pupil/internal/testutil"
)

type serviceFixture struct {
	svc    *Service
	store  *mocks.MockStore
	mailer *mocks.MockMailer
	hasher *Hasher
	now    time.Time
}

func newServiceFixture(t *testing.T, users ...*store.User) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:  mocks.NewMockStore(users...),
		mailer: &mocks.MockMailer{},
		hasher: newTestHasher(t),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.Now = func() time.Time { return f.now }
	codec := newTestCodec(t, time.Now())
	svc, err := NewService(ServiceDeps{
		Store:           f.store,
		Mailer:          f.mailer,
		Hasher:          f.hasher,
		Codec:           codec,
		Metrics:         NewMetrics(prometheus.NewRegistry()),
		ConfirmationTTL: 24 * time.Hour,
		ResetTTL:        time.Hour,
		Now:             func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// seedUser adds a user whose password is "correcthorse".
func (f *serviceFixture) seedUser(t *testing.T, username string, confirmed bool) *store.User {
	t.Helper()
	hash, err := f.hasher.Hash(username, "correcthorse")
	require.NoError(t, err)
	u, err := f.store.CreateUser(context.Background(), store.NewUser{
		Name:         "User " + username,
		Email:        username + "@example.com",
		Username:     username,
		PasswordHash: hash,
	})
	require.NoError(t, err)
	f.store.Users[u.ID].Confirmed = confirmed
	u.Confirmed = confirmed
	return u
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *Error, got %T: %v", err, err)
	require.Equal(t, kind, e.Kind(), "code %s", e.Code())
	return e
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(ServiceDeps{})
	assert.Error(t, err)
}

// --- Login ---

func TestService_Login(t *testing.T) {
	t.Run("confirmed user gets a token", func(t *testing.T) {
		f := newServiceFixture(t)
		u := f.seedUser(t, "ada", true)

		res, err := f.svc.Login(context.Background(), "ada", "correcthorse")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAuthenticated, res.Outcome)
		require.NotEmpty(t, res.Token)
		assert.Equal(t, u.ID, res.Claims.ID)

		claims, err := f.svc.Authenticate(res.Token)
		require.NoError(t, err)
		assert.Equal(t, "ada", claims.Username)
		assert.True(t, claims.Confirmed)
	})

	t.Run("unconfirmed user gets no token", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", false)

		res, err := f.svc.Login(context.Background(), "ada", "correcthorse")
		require.NoError(t, err)
		assert.Equal(t, OutcomePendingConfirmation, res.Outcome)
		assert.Empty(t, res.Token)
		assert.Nil(t, res.Claims)
	})

	t.Run("unknown user and wrong password are indistinguishable", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", true)

		_, errUnknown := f.svc.Login(context.Background(), "nobody", "correcthorse")
		_, errWrong := f.svc.Login(context.Background(), "ada", "wrong-password")

		e1 := requireKind(t, errUnknown, KindAuthInput)
		e2 := requireKind(t, errWrong, KindAuthInput)
		assert.Equal(t, FieldUsernameOrPassword, e1.Field())
		assert.Equal(t, e1.Code(), e2.Code())
		assert.Equal(t, e1.Message(), e2.Message())
	})

	t.Run("pool failure", func(t *testing.T) {
		f := newServiceFixture(t)
		f.store.GetUserErr = &store.PoolError{Err: context.DeadlineExceeded}

		_, err := f.svc.Login(context.Background(), "ada", "correcthorse")
		requireKind(t, err, KindPool)
	})

	t.Run("query failure", func(t *testing.T) {
		f := newServiceFixture(t)
		f.store.GetUserErr = errors.New("connection reset")

		_, err := f.svc.Login(context.Background(), "ada", "correcthorse")
		requireKind(t, err, KindDatabase)
	})

	t.Run("outcomes counted", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", true)
		_, _ = f.svc.Login(context.Background(), "ada", "correcthorse")
		_, _ = f.svc.Login(context.Background(), "ada", "nope-nope")

		m := f.svc.Metrics()
		assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("authenticated")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("invalid_credentials")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("auth_input.username_or_password.invalid")))
	})
}

// --- Register ---

func TestService_Register(t *testing.T) {
	in := RegisterInput{Name: "Ada Lovelace", Email: "ada@example.com", Username: "ada", Password: "correcthorse"}

	t.Run("creates unconfirmed user and mails a link", func(t *testing.T) {
		f := newServiceFixture(t)

		u, err := f.svc.Register(context.Background(), in)
		require.NoError(t, err)
		assert.False(t, u.Confirmed)
		assert.True(t, f.hasher.Verify(f.store.User(u.ID).PasswordHash, "correcthorse"))

		sent, ok := f.mailer.Last()
		require.True(t, ok)
		assert.Equal(t, "confirmation", sent.Kind)
		assert.Equal(t, "ada@example.com", sent.ToEmail)
		assert.Equal(t, "Ada Lovelace", sent.Name)
		assert.Equal(t, 24*time.Hour, sent.ExpiresIn)
		_, canonical := NormalizeLinkToken(sent.Link)
		assert.True(t, canonical)

		require.Len(t, f.store.Confirmations, 1)
		for k := range f.store.Confirmations {
			assert.Equal(t, string(HashLinkToken(sent.Link)), k, "only the link hash is stored")
			assert.NotContains(t, k, sent.Link)
		}
	})

	t.Run("validation failure stops before storage", func(t *testing.T) {
		f := newServiceFixture(t)
		bad := in
		bad.Name = "Bob"

		_, err := f.svc.Register(context.Background(), bad)
		e := requireKind(t, err, KindAuthInput)
		assert.Equal(t, FieldName, e.Field())
		assert.Empty(t, f.store.Users)
		assert.Zero(t, f.mailer.Count())
	})

	t.Run("username taken", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", true)
		dup := in
		dup.Email = "other@example.com"

		_, err := f.svc.Register(context.Background(), dup)
		e := requireKind(t, err, KindAuthInput)
		assert.Equal(t, "That username is already taken.", e.Message())
	})

	t.Run("email taken", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", true)
		dup := in
		dup.Username = "ada2"

		_, err := f.svc.Register(context.Background(), dup)
		e := requireKind(t, err, KindAuthInput)
		assert.Equal(t, FieldEmail, e.Field())
		assert.Equal(t, ProblemTaken, e.Problem())
	})

	t.Run("mail failure", func(t *testing.T) {
		f := newServiceFixture(t)
		f.mailer.SendErr = errors.New("smtp: 421 service not available")

		_, err := f.svc.Register(context.Background(), in)
		requireKind(t, err, KindEmail)
		// The account stays; the link can be requested again.
		assert.Len(t, f.store.Users, 1)
	})

	t.Run("confirmation insert failure", func(t *testing.T) {
		f := newServiceFixture(t)
		f.store.CreateConfirmationErr = &store.PoolError{Err: errors.New("exhausted")}

		_, err := f.svc.Register(context.Background(), in)
		requireKind(t, err, KindPool)
		assert.Zero(t, f.mailer.Count())
	})
}

// --- Confirm ---

func TestService_Confirm(t *testing.T) {
	register := func(t *testing.T, f *serviceFixture) string {
		t.Helper()
		_, err := f.svc.Register(context.Background(), RegisterInput{
			Name: "Ada Lovelace", Email: "ada@example.com", Username: "ada", Password: "correcthorse",
		})
		require.NoError(t, err)
		sent, ok := f.mailer.Last()
		require.True(t, ok)
		return sent.Link
	}

	t.Run("confirms and allows login", func(t *testing.T) {
		f := newServiceFixture(t)
		link := register(t, f)

		u, err := f.svc.Confirm(context.Background(), strings.ToLower(link))
		require.NoError(t, err)
		assert.True(t, u.Confirmed)

		res, err := f.svc.Login(context.Background(), "ada", "correcthorse")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAuthenticated, res.Outcome)
	})

	t.Run("link is single use", func(t *testing.T) {
		f := newServiceFixture(t)
		link := register(t, f)

		_, err := f.svc.Confirm(context.Background(), link)
		require.NoError(t, err)
		_, err = f.svc.Confirm(context.Background(), link)
		requireKind(t, err, KindBadConfirmationLink)
	})

	t.Run("expired link", func(t *testing.T) {
		f := newServiceFixture(t)
		link := register(t, f)
		f.now = f.now.Add(25 * time.Hour)

		_, err := f.svc.Confirm(context.Background(), link)
		requireKind(t, err, KindBadConfirmationLink)
	})

	t.Run("malformed link never reaches storage", func(t *testing.T) {
		f := newServiceFixture(t)
		f.store.ConfirmUserErr = errors.New("should not be called")

		_, err := f.svc.Confirm(context.Background(), "not a link")
		requireKind(t, err, KindBadConfirmationLink)
	})

	t.Run("reset link cannot confirm", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", false)
		require.NoError(t, f.svc.RequestPasswordReset(context.Background(), "ada@example.com"))
		sent, _ := f.mailer.Last()

		_, err := f.svc.Confirm(context.Background(), sent.Link)
		requireKind(t, err, KindBadConfirmationLink)
	})
}

// --- ResendConfirmation ---

func TestService_ResendConfirmation(t *testing.T) {
	t.Run("replaces the outstanding link", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.svc.Register(context.Background(), RegisterInput{
			Name: "Ada Lovelace", Email: "ada@example.com", Username: "ada", Password: "correcthorse",
		})
		require.NoError(t, err)
		first, _ := f.mailer.Last()

		require.NoError(t, f.svc.ResendConfirmation(context.Background(), "ada@example.com"))
		second, _ := f.mailer.Last()
		assert.NotEqual(t, first.Link, second.Link)
		assert.Len(t, f.store.Confirmations, 1)

		_, err = f.svc.Confirm(context.Background(), first.Link)
		requireKind(t, err, KindBadConfirmationLink)
		_, err = f.svc.Confirm(context.Background(), second.Link)
		assert.NoError(t, err)
	})

	t.Run("silent for unknown email", func(t *testing.T) {
		f := newServiceFixture(t)
		assert.NoError(t, f.svc.ResendConfirmation(context.Background(), "nobody@example.com"))
		assert.Zero(t, f.mailer.Count())
	})

	t.Run("silent for confirmed account", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", true)
		assert.NoError(t, f.svc.ResendConfirmation(context.Background(), "ada@example.com"))
		assert.Zero(t, f.mailer.Count())
	})
}

// --- Password reset ---

func TestService_PasswordReset(t *testing.T) {
	t.Run("full flow", func(t *testing.T) {
		f := newServiceFixture(t)
		u := f.seedUser(t, "ada", false)

		require.NoError(t, f.svc.RequestPasswordReset(context.Background(), "ada@example.com"))
		sent, ok := f.mailer.Last()
		require.True(t, ok)
		assert.Equal(t, "password_reset", sent.Kind)
		assert.Equal(t, time.Hour, sent.ExpiresIn)

		require.NoError(t, f.svc.ResetPassword(context.Background(), sent.Link, "a-brand-new-password"))

		stored := f.store.User(u.ID)
		assert.True(t, stored.Confirmed, "redeeming a reset link proves mailbox control")
		assert.True(t, f.hasher.Verify(stored.PasswordHash, "a-brand-new-password"))
		assert.False(t, f.hasher.Verify(stored.PasswordHash, "correcthorse"))

		err := f.svc.ResetPassword(context.Background(), sent.Link, "yet-another-password")
		requireKind(t, err, KindBadConfirmationLink)
	})

	t.Run("silent for unknown email", func(t *testing.T) {
		f := newServiceFixture(t)
		assert.NoError(t, f.svc.RequestPasswordReset(context.Background(), "nobody@example.com"))
		assert.Zero(t, f.mailer.Count())
	})

	t.Run("short password rejected first", func(t *testing.T) {
		f := newServiceFixture(t)
		err := f.svc.ResetPassword(context.Background(), "garbage", "short")
		e := requireKind(t, err, KindAuthInput)
		assert.Equal(t, FieldPass, e.Field())
	})

	t.Run("expired link", func(t *testing.T) {
		f := newServiceFixture(t)
		f.seedUser(t, "ada", true)
		require.NoError(t, f.svc.RequestPasswordReset(context.Background(), "ada@example.com"))
		sent, _ := f.mailer.Last()
		f.now = f.now.Add(2 * time.Hour)

		err := f.svc.ResetPassword(context.Background(), sent.Link, "a-brand-new-password")
		requireKind(t, err, KindBadConfirmationLink)
	})

	t.Run("confirmation link cannot reset", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.svc.Register(context.Background(), RegisterInput{
			Name: "Ada Lovelace", Email: "ada@example.com", Username: "ada", Password: "correcthorse",
		})
		require.NoError(t, err)
		sent, _ := f.mailer.Last()

		err = f.svc.ResetPassword(context.Background(), sent.Link, "a-brand-new-password")
		requireKind(t, err, KindBadConfirmationLink)
	})
}

// --- Authenticate / Refresh ---

func TestService_Authenticate(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Authenticate("")
	e := requireKind(t, err, KindBadSessionToken)
	assert.Equal(t, "Your authentication cookie has expired.", e.Message())

	_, err = f.svc.Authenticate("a.b.c")
	requireKind(t, err, KindBadSessionToken)
}

func TestService_Refresh(t *testing.T) {
	t.Run("picks up account changes", func(t *testing.T) {
		f := newServiceFixture(t)
		u := f.seedUser(t, "ada", true)
		_, claims, err := f.svc.Codec().IssueFor(*u)
		require.NoError(t, err)

		f.store.Users[u.ID].Name = "Ada King"
		token, fresh, err := f.svc.Refresh(context.Background(), claims)
		require.NoError(t, err)
		assert.NotEmpty(t, token)
		assert.Equal(t, "Ada King", fresh.Name)
	})

	t.Run("deleted account", func(t *testing.T) {
		f := newServiceFixture(t)
		_, _, err := f.svc.Refresh(context.Background(), &Claims{ID: 999})
		requireKind(t, err, KindBadSessionToken)
	})
}
