// Package repository provides PostgreSQL persistence for tasks, classification
// results, parameter sets and the sales data the classifier reads.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"
	"github.com/nadmax/noos/internal/config"
	"github.com/nadmax/noos/internal/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func OpenPostgres(cfg config.PostgresConfig, lg *logger.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			orNop(lg).Warn("failed to close PostgreSQL handle", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// Migrate applies the embedded schema files in lexical order. Every statement is
// idempotent, so running it on each start is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}

	return nil
}

func orNop(lg *logger.Logger) *logger.Logger {
	if lg == nil {
		return logger.Nop()
	}
	return lg.With("component", "Repository")
}

func closeRows(lg *logger.Logger, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		lg.Warn("failed to close rows", "error", err)
	}
}

// rollback is deferred after BeginTx. It is a no-op once the transaction committed.
func rollback(lg *logger.Logger, tx *sql.Tx, msg string, keysAndValues ...any) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		lg.Warn(msg, append(keysAndValues, "error", err)...)
	}
}
