// Package sqlite is the embedded order store used for local development and
// tests. It runs on modernc.org/sqlite (pure Go) with a single connection, so
// transactions are serialized by construction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ariefcatur/go-shop-orders/internal/migrate"
	_ "modernc.org/sqlite"
)

const DriverName = "sqlite"

// Open opens path (":memory:" for an in-memory database) and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, err
	}

	// single writer; an in-memory database also lives on exactly one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := migrate.Apply(ctx, db, migrate.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for migrations and test fixtures.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }
