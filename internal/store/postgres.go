// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and credential queries.
// Creates a connection pool at startup, shared across all handlers.
// Every operation acquires its own connection under a bounded wait so pool
// exhaustion surfaces as *PoolError rather than as a generic query failure.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DefaultAcquireTimeout bounds how long an operation waits for a pooled connection.
const DefaultAcquireTimeout = 5 * time.Second

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var userColumns = []string{"id", "name", "email", "username", "pass", "conf", "created_at"}

// querier is the subset of a pooled connection the store issues statements on.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// conn is a querier checked out of the pool; Release hands it back.
type conn interface {
	querier
	Release()
}

type acquireFunc func(ctx context.Context) (conn, error)

// PostgresStore is the durable credential store.
type PostgresStore struct {
	pool           *pgxpool.Pool
	acquire        acquireFunc
	acquireTimeout time.Duration
}

// NewPostgresStore creates a pool for databaseURL and waits for the database
// to answer, retrying with backoff until ctx is done.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string, acquireTimeout time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(250*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := newStore(func(ctx context.Context) (conn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, acquireTimeout)
	s.pool = pool
	return s, nil
}

func newStore(acquire acquireFunc, acquireTimeout time.Duration) *PostgresStore {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &PostgresStore{acquire: acquire, acquireTimeout: acquireTimeout}
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// withConn runs fn on a freshly acquired connection.
// Acquisition failures are reported as *PoolError unless the caller's ctx
// ended first, in which case the plain acquire error is returned.
// fn's errors pass through.
func (s *PostgresStore) withConn(ctx context.Context, fn func(q querier) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	c, err := s.acquire(acquireCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("acquiring connection: %w", err)
		}
		return &PoolError{Err: err}
	}
	defer c.Release()
	return fn(c)
}

// withTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.withConn(ctx, func(q querier) error {
		tx, err := q.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

// fail classifies err and attaches operation context.
// ErrNotFound is returned bare so callers can compare it directly.
func fail(code, operation string, err error) error {
	err = classify(err)
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return oops.Code(code).With("operation", operation).Wrap(err)
}

// Ping checks that a connection can be acquired and the server answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(q querier) error {
		return q.Ping(ctx)
	})
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Username, &u.PasswordHash, &u.Confirmed, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) getUser(ctx context.Context, operation string, where sq.Sqlizer) (*User, error) {
	query, args, err := psql.Select(userColumns...).From("users").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", operation, err)
	}
	var u *User
	err = s.withConn(ctx, func(q querier) error {
		var err error
		u, err = scanUser(q.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, fail("USER_LOOKUP_FAILED", operation, err)
	}
	return u, nil
}

// GetUserByUsername returns the user with the exact username, or ErrNotFound.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "get user by username", sq.Eq{"username": username})
}

// GetUserByEmail returns the user with the exact email, or ErrNotFound.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "get user by email", sq.Eq{"email": email})
}

// GetUserByID returns the user with the given id, or ErrNotFound.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, "get user by id", sq.Eq{"id": id})
}

// CreateUser inserts an unconfirmed user and returns the stored row.
// A duplicate email or username yields *UniqueViolationError naming the constraint.
func (s *PostgresStore) CreateUser(ctx context.Context, nu NewUser) (*User, error) {
	query, args, err := psql.Insert("users").
		Columns("name", "email", "username", "pass").
		Values(nu.Name, nu.Email, nu.Username, nu.PasswordHash).
		Suffix("RETURNING id, conf, created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building create user: %w", err)
	}

	u := User{Name: nu.Name, Email: nu.Email, Username: nu.Username, PasswordHash: nu.PasswordHash}
	err = s.withConn(ctx, func(q querier) error {
		return q.QueryRow(ctx, query, args...).Scan(&u.ID, &u.Confirmed, &u.CreatedAt)
	})
	if err != nil {
		return nil, fail("USER_CREATE_FAILED", "insert user", err)
	}
	return &u, nil
}

// CreateConfirmation stores a link record, superseding any outstanding link
// of the same kind for the same user.
func (s *PostgresStore) CreateConfirmation(ctx context.Context, c Confirmation) error {
	delQuery, delArgs, err := psql.Delete("confirmations").
		Where(sq.And{sq.Eq{"userid": c.UserID}, sq.Eq{"reset": c.Reset}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building confirmation delete: %w", err)
	}
	insQuery, insArgs, err := psql.Insert("confirmations").
		Columns("id", "userid", "username", "link_hash", "reset").
		Values(c.ID, c.UserID, c.Username, c.LinkHash, c.Reset).
		ToSql()
	if err != nil {
		return fmt.Errorf("building confirmation insert: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, delQuery, delArgs...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insQuery, insArgs...)
		return err
	})
	return fail("CONFIRMATION_CREATE_FAILED", "insert confirmation", err)
}

// consume deletes the live link matching linkHash and returns its owner's id.
func consume(ctx context.Context, tx pgx.Tx, linkHash []byte, reset bool, notBefore time.Time) (int64, error) {
	query, args, err := psql.Delete("confirmations").
		Where(sq.And{
			sq.Expr("link_hash = ?", linkHash),
			sq.Eq{"reset": reset},
			sq.GtOrEq{"created": notBefore},
		}).
		Suffix("RETURNING userid").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building consume: %w", err)
	}
	var userID int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&userID); err != nil {
		return 0, err
	}
	return userID, nil
}

// ConfirmUser consumes an account-confirmation link created at or after
// notBefore and marks its owner confirmed. The link cannot be used twice.
// Returns ErrNotFound for unknown, expired, or already-used links.
func (s *PostgresStore) ConfirmUser(ctx context.Context, linkHash []byte, notBefore time.Time) (*User, error) {
	var u *User
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		userID, err := consume(ctx, tx, linkHash, false, notBefore)
		if err != nil {
			return err
		}
		query, args, err := psql.Update("users").
			Set("conf", true).
			Where(sq.Eq{"id": userID}).
			Suffix("RETURNING id, name, email, username, pass, conf, created_at").
			ToSql()
		if err != nil {
			return fmt.Errorf("building confirm update: %w", err)
		}
		u, err = scanUser(tx.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, fail("CONFIRMATION_CONSUME_FAILED", "confirm user", err)
	}
	return u, nil
}

// ResetPassword consumes a password-reset link created at or after notBefore
// and replaces its owner's credential with the hash returned by hashFor.
// hashFor runs between two short database round trips, with no connection
// checked out and no row locked. The link is consumed only after hashing,
// so a failed hash leaves it usable and a concurrent redemption wins once.
// A successful reset also confirms the account.
// Returns ErrNotFound for unknown, expired, or already-used links.
func (s *PostgresStore) ResetPassword(ctx context.Context, linkHash []byte, notBefore time.Time, hashFor func(u *User) (string, error)) (*User, error) {
	cols := make([]string, len(userColumns))
	for i, c := range userColumns {
		cols[i] = "u." + c
	}
	query, args, err := psql.Select(cols...).
		From("confirmations c").
		Join("users u ON u.id = c.userid").
		Where(sq.And{
			sq.Expr("c.link_hash = ?", linkHash),
			sq.Eq{"c.reset": true},
			sq.GtOrEq{"c.created": notBefore},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building reset lookup: %w", err)
	}
	var u *User
	err = s.withConn(ctx, func(q querier) error {
		var err error
		u, err = scanUser(q.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		return nil, fail("PASSWORD_RESET_FAILED", "look up reset link", err)
	}

	hash, err := hashFor(u)
	if err != nil {
		return nil, fail("PASSWORD_RESET_FAILED", "hash password", err)
	}

	update, updateArgs, err := psql.Update("users").
		Set("pass", hash).
		Set("conf", true).
		Where(sq.Eq{"id": u.ID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building reset update: %w", err)
	}
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		userID, err := consume(ctx, tx, linkHash, true, notBefore)
		if err != nil {
			return err
		}
		if userID != u.ID {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, update, updateArgs...)
		return err
	})
	if err != nil {
		return nil, fail("PASSWORD_RESET_FAILED", "reset password", err)
	}
	u.PasswordHash = hash
	u.Confirmed = true
	return u, nil
}

// CleanupExpiredConfirmations deletes confirmation links created before
// confirmBefore and reset links created before resetBefore.
// Returns the number of rows removed.
func (s *PostgresStore) CleanupExpiredConfirmations(ctx context.Context, confirmBefore, resetBefore time.Time) (int64, error) {
	query, args, err := psql.Delete("confirmations").
		Where(sq.Or{
			sq.And{sq.Eq{"reset": false}, sq.Lt{"created": confirmBefore}},
			sq.And{sq.Eq{"reset": true}, sq.Lt{"created": resetBefore}},
		}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building cleanup: %w", err)
	}

	var n int64
	err = s.withConn(ctx, func(q querier) error {
		tag, err := q.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fail("CONFIRMATION_CLEANUP_FAILED", "cleanup confirmations", err)
	}
	return n, nil
}
