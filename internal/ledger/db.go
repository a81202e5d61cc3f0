// Package ledger implements a supplementary, non-authoritative SQLite audit
// trail for uploads: one row per upload attempt recording its lifecycle,
// plus bookkeeping for authorized client keys (labels and add times; the
// authoritative authorization check stays with the on-disk keys directory
// transport.AuthStore reads from disk).
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

// DB wraps a single-writer SQLite connection holding the upload audit
// ledger and authorized-keys bookkeeping tables.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path, applies
// pending migrations, and returns a ready DB. Like the rest of this
// codebase's SQLite use, the connection pool is capped at one connection:
// the server's event loop is the sole writer.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(ctx, sqlDB, logger); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sql: sqlDB, logger: logger}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}
