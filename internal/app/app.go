// Package app wires the store, providers and services from configuration.
// Both the HTTP server and the operator CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nahueldlsl/financial-os/internal/clients/dolarapi"
	"github.com/nahueldlsl/financial-os/internal/clients/eodhd"
	"github.com/nahueldlsl/financial-os/internal/config"
	"github.com/nahueldlsl/financial-os/internal/drip"
	"github.com/nahueldlsl/financial-os/internal/fx"
	"github.com/nahueldlsl/financial-os/internal/position"
	"github.com/nahueldlsl/financial-os/internal/pricecache"
	"github.com/nahueldlsl/financial-os/internal/store"
	"github.com/nahueldlsl/financial-os/internal/trade"
	"github.com/nahueldlsl/financial-os/internal/valuation"
)

// App holds the wired services.
type App struct {
	Store     store.Store
	Engine    *position.Engine
	Locks     *position.Locks
	Hub       *trade.WSHub
	Trades    *trade.Service
	Drip      *drip.Processor
	Valuation *valuation.Aggregator
	Rates     *fx.Service

	cleanup []func()
}

// New opens the configured store and wires every service. A nil hub runs
// the services without event broadcasting.
func New(ctx context.Context, cfg *config.Config, hub *trade.WSHub) (*App, error) {
	a := &App{Hub: hub}

	st, err := a.openStore(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	marketOpts := []eodhd.ClientOption{
		eodhd.WithBaseURL(cfg.Clients.EODHD.BaseURL),
		eodhd.WithExchange(cfg.Clients.EODHD.Exchange),
		eodhd.WithTimeout(cfg.Clients.EODHD.GetTimeout()),
	}
	if cfg.Clients.EODHD.RateLimit > 0 {
		marketOpts = append(marketOpts, eodhd.WithRateLimit(cfg.Clients.EODHD.RateLimit))
	}
	market := eodhd.NewClient(cfg.Clients.EODHD.APIKey, marketOpts...)
	if cfg.Clients.EODHD.APIKey == "" {
		slog.Warn("EODHD_API_KEY not set, prices will fall back to cached values")
	}
	prices := pricecache.New(st, market,
		pricecache.WithTTL(cfg.Prices.GetTTL()),
		pricecache.WithTimeout(cfg.Clients.EODHD.GetTimeout()),
	)

	a.Rates = fx.NewService(
		dolarapi.NewClient(
			dolarapi.WithBaseURL(cfg.Clients.FX.BaseURL),
			dolarapi.WithTimeout(cfg.Clients.FX.GetTimeout()),
		),
		fx.Config{Timeout: cfg.Clients.FX.GetTimeout(), CacheTTL: cfg.Clients.FX.GetCacheTTL()},
	)

	a.Engine = position.NewEngine(position.Fold{Epsilon: cfg.Position.GetEpsilon()})
	a.Locks = position.NewLocks()
	a.Trades = trade.NewService(st, a.Engine, a.Locks, hub)

	policy := drip.Policy{
		WithholdingRate: cfg.Drip.GetWithholdingRate(),
		LookaheadDays:   cfg.Drip.LookaheadDays,
		Concurrency:     cfg.Drip.Concurrency,
	}
	var opts []drip.Option
	if hub != nil {
		opts = append(opts, drip.WithPublisher(hub))
	}
	a.Drip = drip.NewProcessor(st, a.Engine, a.Locks, market, policy, opts...)
	a.Valuation = valuation.NewAggregator(st, prices, a.Rates)
	return a, nil
}

// openStore selects Postgres (optionally behind a Redis quote cache), then
// SQLite, then memory.
func (a *App) openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if err := store.MigratePostgres(pool); err != nil {
			return nil, err
		}
		var st store.Store = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			a.cleanup = append(a.cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.GetQuoteCacheTTL())
			slog.Info("Redis quote cache enabled")
		}
		return st, nil

	case cfg.SQLitePath != "":
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { db.Close() })
		if err := store.MigrateSQLite(db); err != nil {
			return nil, err
		}
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		return store.NewSQLiteStore(db), nil

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
}

// Close releases the store connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
