package postgres

import (
	"context"
	"time"

	"github.com/ariefcatur/go-shop-orders/internal/migrate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate applies pending migrations through a database/sql view of the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	// the pool owns the connections; the *sql.DB is not closed here
	db := stdlib.OpenDBFromPool(pool)
	return migrate.Apply(ctx, db, migrate.Postgres)
}
