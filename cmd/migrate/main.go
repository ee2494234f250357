package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ariefcatur/go-shop-orders/internal/config"
	"github.com/ariefcatur/go-shop-orders/internal/logx"
	"github.com/ariefcatur/go-shop-orders/internal/orders"
	"github.com/ariefcatur/go-shop-orders/internal/postgres"
	"github.com/ariefcatur/go-shop-orders/internal/sqlite"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

// seedProduct is one entry of the --seed file. Prices are decimal strings, e.g. "10.00".
type seedProduct struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

func main() {
	seed := flag.StringP("seed", "s", "", "optional JSON file with products to upsert")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log, err := logx.New(cfg.LogLevel, cfg.ServiceName+"-migrate")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	var store orders.Store
	if path, ok := cfg.SQLitePath(); ok {
		s, err := sqlite.Open(ctx, path) // migrates on open
		if err != nil {
			log.Fatal("sqlite", zap.Error(err))
		}
		defer s.Close()
		store = s
	} else {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
		log.Info("migrations applied", zap.Strings("versions", applied))
		store = &postgres.Store{DB: pool}
	}

	if *seed == "" {
		return
	}
	n, err := seedProducts(ctx, store, *seed)
	if err != nil {
		log.Fatal("seed", zap.Error(err))
	}
	log.Info("products seeded", zap.Int("count", n), zap.String("file", *seed))
}

func seedProducts(ctx context.Context, store orders.Store, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var items []seedProduct
	if err := json.Unmarshal(b, &items); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, it := range items {
		if it.ID == "" || it.Price.IsNegative() || it.Stock < 0 {
			return 0, fmt.Errorf("invalid product %q", it.ID)
		}
		p := orders.Product{
			ID:         it.ID,
			Name:       it.Name,
			PriceCents: orders.CentsFromDecimal(it.Price),
			Stock:      it.Stock,
		}
		if err := store.UpsertProduct(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}
