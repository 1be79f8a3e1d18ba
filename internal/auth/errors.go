// errors.go -- Classified authentication failures.
//
// Every failure that reaches the HTTP boundary is an *Error of one Kind.
// Each kind maps to one fixed user-facing message and one status class;
// the underlying cause is kept for logging and never rendered.
package auth

import (
	"errors"
	"net/http"

	"github.com/cgm616/pupil/internal/store"
)

// Kind is the closed set of failure classes.
type Kind int

const (
	KindDatabase Kind = iota + 1
	KindPool
	KindEmail
	KindConfiguration
	KindAuthInput
	KindBadJSON
	KindBadSessionToken
	KindBadConfirmationLink
	KindRateLimited
)

var kindCodes = map[Kind]string{
	KindDatabase:            "database",
	KindPool:                "pool",
	KindEmail:               "email",
	KindConfiguration:       "configuration",
	KindAuthInput:           "auth_input",
	KindBadJSON:             "bad_json",
	KindBadSessionToken:     "bad_session_token",
	KindBadConfirmationLink: "bad_confirmation_link",
	KindRateLimited:         "rate_limited",
}

func (k Kind) String() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "unknown"
}

// Field names the input an AuthInput error is about.
type Field int

const (
	FieldUser Field = iota + 1
	FieldPass
	FieldName
	FieldEmail
	FieldUsernameOrPassword
)

func (f Field) String() string {
	switch f {
	case FieldUser:
		return "user"
	case FieldPass:
		return "pass"
	case FieldName:
		return "name"
	case FieldEmail:
		return "email"
	case FieldUsernameOrPassword:
		return "username_or_password"
	}
	return "unknown"
}

// UniqueField is the subset of fields storage enforces uniqueness on.
// Only these can be reported as taken.
type UniqueField int

const (
	UniqueUser UniqueField = iota + 1
	UniqueEmail
)

func (u UniqueField) field() Field {
	if u == UniqueEmail {
		return FieldEmail
	}
	return FieldUser
}

// Problem says what is wrong with a Field.
type Problem int

const (
	ProblemInvalid Problem = iota + 1
	ProblemTaken
)

func (p Problem) String() string {
	if p == ProblemTaken {
		return "taken"
	}
	return "invalid"
}

const serverErrorMessage = "The request failed. Please try again."

var inputMessages = map[Field]map[Problem]string{
	FieldUser: {
		ProblemTaken:   "That username is already taken.",
		ProblemInvalid: "That username is invalid. Usernames can only include alphanumeric characters and underscores and must be between 3 and 32 characters.",
	},
	FieldPass: {
		ProblemInvalid: "Passwords must be between 8 and 128 characters.",
	},
	FieldName: {
		ProblemInvalid: "Names must be between 4 and 128 characters.",
	},
	FieldEmail: {
		ProblemTaken:   "That email is already assigned to another account. If that is your account, please login instead of creating a new account.",
		ProblemInvalid: "That email is not a valid email.",
	},
	FieldUsernameOrPassword: {
		ProblemInvalid: "Either the username or password is invalid. Please try again.",
	},
}

// Error is a classified failure.
type Error struct {
	kind    Kind
	field   Field
	problem Problem
	cause   error
}

func newError(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

// InvalidInput reports a field that failed validation or a credential mismatch.
func InvalidInput(f Field) *Error {
	return &Error{kind: KindAuthInput, field: f, problem: ProblemInvalid}
}

// TakenInput reports a registration field already held by another account.
func TakenInput(u UniqueField) *Error {
	return &Error{kind: KindAuthInput, field: u.field(), problem: ProblemTaken}
}

// Kind returns the failure class.
func (e *Error) Kind() Kind { return e.kind }

// Field returns the offending field for KindAuthInput, zero otherwise.
func (e *Error) Field() Field { return e.field }

// Problem returns what is wrong with Field for KindAuthInput, zero otherwise.
func (e *Error) Problem() Problem { return e.problem }

// Message returns the fixed user-facing text for the error.
func (e *Error) Message() string {
	switch e.kind {
	case KindAuthInput:
		if m, ok := inputMessages[e.field][e.problem]; ok {
			return m
		}
		return serverErrorMessage
	case KindBadJSON:
		return "The request JSON was invalid."
	case KindBadSessionToken:
		return "Your authentication cookie has expired."
	case KindBadConfirmationLink:
		return "That link is invalid or has expired. Please request a new one."
	case KindRateLimited:
		return "Too many attempts. Please try again later."
	}
	return serverErrorMessage
}

// Status returns the HTTP status class for the error.
func (e *Error) Status() int {
	switch e.kind {
	case KindAuthInput, KindBadJSON, KindBadConfirmationLink:
		return http.StatusBadRequest
	case KindBadSessionToken:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// IsClient reports whether the error was caused by the request rather than the server.
func (e *Error) IsClient() bool { return e.Status() < http.StatusInternalServerError }

// Code returns a stable machine-readable identifier, e.g. "auth_input.email.taken".
func (e *Error) Code() string {
	if e.kind == KindAuthInput {
		return e.kind.String() + "." + e.field.String() + "." + e.problem.String()
	}
	return e.kind.String()
}

// Error implements error. It returns the code, not the message, so log lines
// stay greppable; the cause is appended when present.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code() + ": " + e.cause.Error()
	}
	return e.Code()
}

// Unwrap returns the internal cause.
func (e *Error) Unwrap() error { return e.cause }

// AsError returns err as *Error, classifying anything unrecognised as a database failure.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindDatabase, err)
}

// FromStore classifies a storage error. Unique violations are told apart by
// constraint name and pool acquisition failures stay distinct from query
// failures. Everything else, store.ErrNotFound included, is a database error;
// callers that expect a missing row must check for it before converting.
func FromStore(err error) *Error {
	var uv *store.UniqueViolationError
	if errors.As(err, &uv) {
		switch uv.Constraint {
		case store.ConstraintUsersEmail:
			return &Error{kind: KindAuthInput, field: FieldEmail, problem: ProblemTaken, cause: err}
		case store.ConstraintUsersUsername:
			return &Error{kind: KindAuthInput, field: FieldUser, problem: ProblemTaken, cause: err}
		}
		return newError(KindDatabase, err)
	}
	var pe *store.PoolError
	if errors.As(err, &pe) {
		return newError(KindPool, err)
	}
	return newError(KindDatabase, err)
}

// FromDecode classifies a request body that could not be decoded.
func FromDecode(err error) *Error { return newError(KindBadJSON, err) }

// FromMail classifies an outbound email failure.
func FromMail(err error) *Error { return newError(KindEmail, err) }

// FromConfig classifies a missing or unusable setting.
func FromConfig(err error) *Error { return newError(KindConfiguration, err) }

// FromToken classifies a session token rejection.
func FromToken(err error) *Error { return newError(KindBadSessionToken, err) }

// FromRateLimit classifies an attempt rejected by a rate limit policy.
func FromRateLimit(err error) *Error { return newError(KindRateLimited, err) }

// badLink classifies an unknown, expired, or already-used emailed link.
func badLink(err error) *Error { return newError(KindBadConfirmationLink, err) }
