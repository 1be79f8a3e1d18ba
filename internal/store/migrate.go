package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

// Migrate applies all pending SQL migrations from the given filesystem.
// Each migration runs in its own transaction; if any statement fails,
// that migration is rolled back entirely. Already-applied migrations are skipped.
// All work happens on one acquired connection.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	entries, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(entries)

	return s.withConn(ctx, func(q querier) error {
		_, err := q.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)
		`)
		if err != nil {
			return fmt.Errorf("creating schema_migrations table: %w", err)
		}

		for _, filename := range entries {
			if err := applyMigration(ctx, q, migrationsFS, filename); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyMigration(ctx context.Context, q querier, migrationsFS fs.FS, filename string) error {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
		filename,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking migration %s: %w", filename, err)
	}
	if exists {
		slog.Debug("migration already applied, skipping", "version", filename)
		return nil
	}

	sql, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", filename, err)
	}

	tx, err := q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction for %s: %w", filename, err)
	}

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("executing migration %s: %w", filename, err)
	}

	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", filename); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("recording migration %s: %w", filename, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %s: %w", filename, err)
	}

	slog.Info("migration applied", "version", filename)
	return nil
}
