// errors.go -- Error values the store hands back to its callers.
//
// Callers never see raw pgx errors for the cases they must branch on:
// a missing row, a uniqueness conflict (with the constraint that fired),
// and a failure to obtain a pooled connection.
package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Constraint names declared in migrations/001_create_users.sql.
const (
	ConstraintUsersEmail    = "users_email_key"
	ConstraintUsersUsername = "users_username_key"
)

// ErrNotFound is returned when a lookup or consume matches no row.
var ErrNotFound = errors.New("not found")

// UniqueViolationError reports an insert or update rejected by a unique constraint.
// Constraint holds the name of the constraint that fired.
type UniqueViolationError struct {
	Constraint string
	Err        error
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on %s: %v", e.Constraint, e.Err)
}

func (e *UniqueViolationError) Unwrap() error { return e.Err }

// PoolError reports that no pooled connection could be acquired in time.
// It is kept apart from query failures so operators can tell exhaustion from outages.
type PoolError struct {
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("acquiring connection: %v", e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// classify turns driver errors callers need to branch on into store errors.
// Anything else is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return &UniqueViolationError{Constraint: pgErr.ConstraintName, Err: err}
	}
	return err
}
