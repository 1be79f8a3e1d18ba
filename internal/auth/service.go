// service.go -- Authentication flows.
//
// Service is transport-agnostic: handlers decode requests, call one method,
// and render the returned *Error. Every error a Service method returns is
// already classified.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cgm616/pupil/internal/mail"
	"github.com/cgm616/pupil/internal/store"
)

// Store defines the persistence operations the flows need.
// Satisfied by *store.PostgresStore; defined here at the consumer.
type Store interface {
	// GetUserByUsername returns store.ErrNotFound when no account has username.
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)

	// GetUserByEmail returns store.ErrNotFound when no account has email.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)

	// GetUserByID returns store.ErrNotFound when the account no longer exists.
	GetUserByID(ctx context.Context, id int64) (*store.User, error)

	// CreateUser inserts an unconfirmed account. Duplicate username or email
	// yields *store.UniqueViolationError.
	CreateUser(ctx context.Context, nu store.NewUser) (*store.User, error)

	// CreateConfirmation stores a link hash, replacing any outstanding link of
	// the same purpose for the user.
	CreateConfirmation(ctx context.Context, c store.Confirmation) error

	// ConfirmUser consumes a confirmation link created no earlier than
	// notBefore and marks its user confirmed.
	ConfirmUser(ctx context.Context, linkHash []byte, notBefore time.Time) (*store.User, error)

	// ResetPassword consumes a reset link created no earlier than notBefore
	// and stores the hash returned by hashFor.
	ResetPassword(ctx context.Context, linkHash []byte, notBefore time.Time, hashFor func(u *store.User) (string, error)) (*store.User, error)
}

var tracer = otel.Tracer("github.com/cgm616/pupil/internal/auth")

// Link purposes, used as metric labels.
const (
	purposeConfirm = "confirm"
	purposeReset   = "reset"
)

// ServiceDeps wires a Service. Store, Mailer, Hasher, and Codec are required.
type ServiceDeps struct {
	Store   Store
	Mailer  mail.Mailer
	Hasher  *Hasher
	Codec   *SessionCodec
	Logger  *slog.Logger
	Metrics *Metrics

	// ConfirmationTTL and ResetTTL bound how long emailed links stay redeemable.
	ConfirmationTTL time.Duration
	ResetTTL        time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service runs the login, registration, confirmation, and reset flows.
type Service struct {
	store           Store
	mailer          mail.Mailer
	hasher          *Hasher
	codec           *SessionCodec
	log             *slog.Logger
	metrics         *Metrics
	confirmationTTL time.Duration
	resetTTL        time.Duration
	now             func() time.Time
}

// NewService validates deps and returns a Service.
func NewService(deps ServiceDeps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("auth service: store is required")
	case deps.Mailer == nil:
		return nil, errors.New("auth service: mailer is required")
	case deps.Hasher == nil:
		return nil, errors.New("auth service: hasher is required")
	case deps.Codec == nil:
		return nil, errors.New("auth service: session codec is required")
	}
	s := &Service{
		store:           deps.Store,
		mailer:          deps.Mailer,
		hasher:          deps.Hasher,
		codec:           deps.Codec,
		log:             deps.Logger,
		metrics:         deps.Metrics,
		confirmationTTL: deps.ConfirmationTTL,
		resetTTL:        deps.ResetTTL,
		now:             deps.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.confirmationTTL <= 0 {
		s.confirmationTTL = 24 * time.Hour
	}
	if s.resetTTL <= 0 {
		s.resetTTL = time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Codec returns the session codec the service issues tokens with.
func (s *Service) Codec() *SessionCodec { return s.codec }

// Metrics returns the metrics sink, possibly nil.
func (s *Service) Metrics() *Metrics { return s.metrics }

// finish records err on span, counts it, and ends the span.
func (s *Service) finish(span trace.Span, err error) {
	if err != nil {
		e := AsError(err)
		s.metrics.classified(e)
		span.SetAttributes(attribute.String("pupil.error_code", e.Code()))
		if !e.IsClient() {
			span.RecordError(err)
			span.SetStatus(codes.Error, e.Code())
		}
	}
	span.End()
}

// Outcome is the result of a successful credential check.
type Outcome int

const (
	// OutcomeAuthenticated means a session token was issued.
	OutcomeAuthenticated Outcome = iota + 1
	// OutcomePendingConfirmation means the credentials were right but the
	// email address is unconfirmed; no token is issued.
	OutcomePendingConfirmation
)

func (o Outcome) String() string {
	if o == OutcomePendingConfirmation {
		return "pending_confirmation"
	}
	return "authenticated"
}

// LoginResult is returned by Login on correct credentials.
type LoginResult struct {
	Outcome Outcome
	User    *store.User
	// Token and Claims are set only for OutcomeAuthenticated.
	Token  string
	Claims *Claims
}

// Login checks username and password. An unknown username and a wrong
// password produce the same error after the same amount of hashing work.
func (s *Service) Login(ctx context.Context, username, password string) (res *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.Login")
	defer func() { s.finish(span, err) }()

	u, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		s.hasher.VerifyDummy(password)
		s.metrics.login("invalid_credentials")
		return nil, InvalidInput(FieldUsernameOrPassword)
	}
	if err != nil {
		s.metrics.login("error")
		return nil, FromStore(err)
	}
	span.SetAttributes(attribute.Int64("pupil.user_id", u.ID))

	if !s.hasher.Verify(u.PasswordHash, password) {
		s.metrics.login("invalid_credentials")
		return nil, InvalidInput(FieldUsernameOrPassword)
	}

	if !u.Confirmed {
		s.metrics.login(OutcomePendingConfirmation.String())
		return &LoginResult{Outcome: OutcomePendingConfirmation, User: u}, nil
	}

	token, claims, err := s.codec.IssueFor(*u)
	if err != nil {
		s.metrics.login("error")
		return nil, FromConfig(err)
	}
	s.metrics.login(OutcomeAuthenticated.String())
	return &LoginResult{Outcome: OutcomeAuthenticated, User: u, Token: token, Claims: claims}, nil
}

// Register validates in, creates an unconfirmed account, and emails a
// confirmation link. Field checks run in order name, email, username,
// password and the first failure is returned.
func (s *Service) Register(ctx context.Context, in RegisterInput) (u *store.User, err error) {
	ctx, span := tracer.Start(ctx, "auth.Register")
	defer func() { s.finish(span, err) }()

	if verr := in.Validate(); verr != nil {
		s.metrics.registration("invalid")
		return nil, verr
	}

	hash, err := s.hasher.Hash(in.Username, in.Password)
	if err != nil {
		s.metrics.registration("error")
		return nil, FromConfig(err)
	}

	u, err = s.store.CreateUser(ctx, store.NewUser{
		Name:         in.Name,
		Email:        in.Email,
		Username:     in.Username,
		PasswordHash: hash,
	})
	if err != nil {
		e := FromStore(err)
		if e.Kind() == KindAuthInput {
			s.metrics.registration("taken")
		} else {
			s.metrics.registration("error")
		}
		return nil, e
	}
	span.SetAttributes(attribute.Int64("pupil.user_id", u.ID))
	s.log.InfoContext(ctx, "user registered", "user_id", u.ID)

	if err := s.sendLink(ctx, u, false); err != nil {
		// The account exists; the user can ask for the link again.
		s.metrics.registration("mail_failed")
		return nil, err
	}
	s.metrics.registration("ok")
	return u, nil
}

// sendLink creates a fresh link for u and mails it. A new link replaces any
// outstanding link of the same purpose.
func (s *Service) sendLink(ctx context.Context, u *store.User, reset bool) error {
	link, err := GenerateLinkToken()
	if err != nil {
		return FromConfig(err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return FromConfig(err)
	}
	err = s.store.CreateConfirmation(ctx, store.Confirmation{
		ID:       id,
		UserID:   u.ID,
		Username: u.Username,
		LinkHash: HashLinkToken(link),
		Reset:    reset,
	})
	if err != nil {
		return FromStore(err)
	}

	if reset {
		err = s.mailer.SendPasswordReset(ctx, u.Email, u.Name, link, s.resetTTL)
	} else {
		err = s.mailer.SendConfirmation(ctx, u.Email, u.Name, link, s.confirmationTTL)
	}
	if err != nil {
		return FromMail(err)
	}
	return nil
}

// Confirm redeems a confirmation link and marks its account confirmed.
// Unknown, expired, and already-used links are indistinguishable.
func (s *Service) Confirm(ctx context.Context, link string) (u *store.User, err error) {
	ctx, span := tracer.Start(ctx, "auth.Confirm")
	defer func() { s.finish(span, err) }()

	canon, ok := NormalizeLinkToken(link)
	if !ok {
		s.metrics.link(purposeConfirm, "bad_link")
		return nil, badLink(errors.New("malformed confirmation link"))
	}
	u, err = s.store.ConfirmUser(ctx, HashLinkToken(canon), s.now().Add(-s.confirmationTTL))
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.link(purposeConfirm, "bad_link")
		return nil, badLink(err)
	}
	if err != nil {
		s.metrics.link(purposeConfirm, "error")
		return nil, FromStore(err)
	}
	s.metrics.link(purposeConfirm, "ok")
	s.log.InfoContext(ctx, "email confirmed", "user_id", u.ID)
	return u, nil
}

// ResendConfirmation mails a new confirmation link to an unconfirmed account.
// It succeeds silently when email is unknown or already confirmed.
func (s *Service) ResendConfirmation(ctx context.Context, email string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.ResendConfirmation")
	defer func() { s.finish(span, err) }()

	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.log.DebugContext(ctx, "confirmation resend for unknown email")
		return nil
	}
	if err != nil {
		return FromStore(err)
	}
	if u.Confirmed {
		s.log.DebugContext(ctx, "confirmation resend for confirmed account", "user_id", u.ID)
		return nil
	}
	return s.sendLink(ctx, u, false)
}

// RequestPasswordReset mails a reset link. It succeeds silently when email is unknown.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.RequestPasswordReset")
	defer func() { s.finish(span, err) }()

	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.log.DebugContext(ctx, "password reset for unknown email")
		return nil
	}
	if err != nil {
		return FromStore(err)
	}
	return s.sendLink(ctx, u, true)
}

// ResetPassword redeems a reset link and replaces the account password.
// Redeeming a reset link also confirms the email address.
func (s *Service) ResetPassword(ctx context.Context, link, newPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.ResetPassword")
	defer func() { s.finish(span, err) }()

	if !ValidPassword(newPassword) {
		return InvalidInput(FieldPass)
	}
	canon, ok := NormalizeLinkToken(link)
	if !ok {
		s.metrics.link(purposeReset, "bad_link")
		return badLink(errors.New("malformed reset link"))
	}

	u, err := s.store.ResetPassword(ctx, HashLinkToken(canon), s.now().Add(-s.resetTTL),
		func(u *store.User) (string, error) {
			return s.hasher.Hash(u.Username, newPassword)
		})
	if errors.Is(err, store.ErrNotFound) {
		s.metrics.link(purposeReset, "bad_link")
		return badLink(err)
	}
	if err != nil {
		s.metrics.link(purposeReset, "error")
		return FromStore(err)
	}
	s.metrics.link(purposeReset, "ok")
	s.log.InfoContext(ctx, "password reset", "user_id", u.ID)
	return nil
}

// Authenticate validates a session token. Failures are KindBadSessionToken
// and carry the rejection reason for logs only.
func (s *Service) Authenticate(token string) (*Claims, error) {
	if token == "" {
		return nil, FromToken(&TokenError{cause: errors.New("missing session token")})
	}
	claims, err := s.codec.Validate(token)
	if err != nil {
		return nil, FromToken(err)
	}
	return claims, nil
}

// Refresh issues a new token for the account behind claims, picking up any
// change to its name, email, or confirmation state.
func (s *Service) Refresh(ctx context.Context, claims *Claims) (token string, fresh *Claims, err error) {
	ctx, span := tracer.Start(ctx, "auth.Refresh")
	defer func() { s.finish(span, err) }()

	u, err := s.store.GetUserByID(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, FromToken(&TokenError{cause: errors.New("session subject no longer exists")})
	}
	if err != nil {
		return "", nil, FromStore(err)
	}
	token, fresh, err = s.codec.IssueFor(*u)
	if err != nil {
		return "", nil, FromConfig(err)
	}
	return token, fresh, nil
}
