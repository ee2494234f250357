// Package migrate applies versioned schema and data migrations to the order
// database. Versions are semver strings; each migration carries one script
// per SQL dialect and is recorded in schema_version once applied.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// Migration represents a database schema migration
type Migration struct {
	Version string
	Name    string
	Up      map[Dialect]string
}

// All contains every migration in order.
var All = []Migration{
	{Version: "1.0.0", Name: "schema", Up: map[Dialect]string{Postgres: schemaPostgres, SQLite: schemaSQLite}},
	{Version: "1.1.0", Name: "normalize legacy order status", Up: map[Dialect]string{Postgres: normalizeStatus, SQLite: normalizeStatus}},
	{Version: "1.2.0", Name: "order item line numbers", Up: map[Dialect]string{Postgres: itemLineNo, SQLite: itemLineNo}},
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// Current returns the highest applied version, or 0.0.0.
func Current(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	if _, err := db.ExecContext(ctx, schemaVersionTable); err != nil {
		return nil, fmt.Errorf("create schema_version: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("read schema_version: %w", err)
	}
	defer rows.Close()

	current := semver.MustParse("0.0.0")
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schema version %s: %w", s, err)
		}
		if v.GreaterThan(current) {
			current = v
		}
	}
	return current, rows.Err()
}

// Apply runs all pending migrations, each in its own transaction, and
// returns the versions it applied.
func Apply(ctx context.Context, db *sql.DB, d Dialect) ([]string, error) {
	current, err := Current(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range All {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return applied, fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if !current.LessThan(v) {
			continue
		}
		script, ok := m.Up[d]
		if !ok {
			return applied, fmt.Errorf("migration %s has no %s script", m.Version, d)
		}
		if err := run(ctx, db, d, m.Version, script); err != nil {
			return applied, fmt.Errorf("apply migration %s (%s): %w", m.Version, m.Name, err)
		}
		applied = append(applied, m.Version)
		current = v
	}
	return applied, nil
}

func run(ctx context.Context, db *sql.DB, d Dialect, version, script string) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()
	if _, err = tx.ExecContext(ctx, script); err != nil {
		return err
	}
	insert := `INSERT INTO schema_version (version) VALUES ($1)`
	if d == SQLite {
		insert = `INSERT INTO schema_version (version) VALUES (?)`
	}
	if _, err = tx.ExecContext(ctx, insert, version); err != nil {
		return err
	}
	return tx.Commit()
}
