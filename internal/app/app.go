// Package app wires configuration into the store, price sources and
// ledger shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-trader/internal/config"
	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/price"
	"github.com/atmx/paper-trader/internal/store"
)

// App holds the long-lived components built from a Config.
type App struct {
	Config *config.Config
	Store  store.Store
	Ledger *ledger.Ledger
	Prices price.Source

	// PriceCache is nil when Redis is not configured.
	PriceCache *price.RedisCache

	cleanup []func()
}

// New opens storage and price sources and initializes the ledger.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
	}

	st, err := a.openStore(ctx, rdb)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st
	a.cleanup = append(a.cleanup, func() { st.Close() })

	a.Prices = a.priceSource(rdb)

	a.Ledger = ledger.New(st, ledger.WithAccount(cfg.AccountName, cfg.StartingCash))
	acct, err := a.Ledger.Init(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	slog.Info("ledger ready", "account", acct.Name, "cash", acct.Cash.String())
	return a, nil
}

func (a *App) openStore(ctx context.Context, rdb *redis.Client) (store.Store, error) {
	cfg := a.Config
	var st store.Store

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = lite
		slog.Info("using SQLite", "path", lite.Path())

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis snapshot cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, nil
}

// priceSource builds online provider -> Redis cache, falling back to the
// local CSV files.
func (a *App) priceSource(rdb *redis.Client) price.Source {
	cfg := a.Config
	var chain price.Chain

	var online price.Source
	switch cfg.PriceProvider {
	case config.ProviderYFinance:
		online = price.NewYFinanceSource(cfg.PriceTimeout)
	case config.ProviderChart:
		online = price.NewHTTPSource(cfg.PriceAPIURL, cfg.PriceTimeout)
	}
	if online != nil {
		if rdb != nil {
			a.PriceCache = price.NewRedisCache(online, rdb, cfg.CacheTTL)
			online = a.PriceCache
		}
		chain = append(chain, online)
	}

	if _, err := os.Stat(cfg.PriceDataDir); err != nil {
		slog.Warn("price data directory not found", "dir", cfg.PriceDataDir)
	}
	chain = append(chain, price.NewCSVSource(cfg.PriceDataDir))
	return chain
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
