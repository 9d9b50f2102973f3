// Package app wires configuration into the store, remote clients and
// services shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/atmx/roundup-engine/internal/aggregator"
	"github.com/atmx/roundup-engine/internal/brokerage"
	"github.com/atmx/roundup-engine/internal/cashback"
	"github.com/atmx/roundup-engine/internal/config"
	"github.com/atmx/roundup-engine/internal/deposit"
	"github.com/atmx/roundup-engine/internal/events"
	"github.com/atmx/roundup-engine/internal/interval"
	"github.com/atmx/roundup-engine/internal/invest"
	"github.com/atmx/roundup-engine/internal/jobs"
	"github.com/atmx/roundup-engine/internal/limits"
	"github.com/atmx/roundup-engine/internal/pricing"
	"github.com/atmx/roundup-engine/internal/secrets"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/userlock"
	"github.com/atmx/roundup-engine/internal/valuation"
)

// App holds the wired components.
type App struct {
	Store     store.Store
	Cashback  *cashback.Service
	Deposits  *deposit.Service
	Invest    *invest.Service
	Prices    *pricing.Refresher
	Valuation *valuation.Engine
	Hub       *events.Hub

	cleanup []func()
}

// New builds every component from cfg. With no database URL the engine
// runs on the in-memory store; with no Redis URL the per-user lock is
// in-process only.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{}

	st, err := a.openStore(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker userlock.Locker = userlock.NewMemoryLocker(cfg.Redis.LockWait)
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		locker = userlock.NewRedisLocker(rdb, cfg.Redis.LockTTL, cfg.Redis.LockWait, log)
		log.Info().Msg("redis cache and lock enabled")
	} else {
		log.Warn().Msg("redis not configured, user lock is per-process")
	}
	a.Store = st

	agg := aggregator.NewHTTPClient(cfg.Aggregator.BaseURL, cfg.Aggregator.ClientID, cfg.Aggregator.Secret, cfg.Aggregator.Timeout)
	bk := brokerage.NewHTTPClient(cfg.Brokerage.BaseURL, cfg.Brokerage.Timeout)

	a.Hub = events.NewHub(log)

	a.Cashback = cashback.NewService(st, agg, cfg.Cashback.Keywords, log)
	a.Cashback.SetPublisher(a.Hub)

	limiter := limits.NewDepositLimiter(cfg.Deposit.Limit(), cfg.Deposit.LimitWindow)
	a.Deposits = deposit.NewService(st, agg, bk, locker, limiter, deposit.Config{
		DuplicateWindow: cfg.Deposit.DuplicateWindow,
		RecoveryWindow:  cfg.Deposit.RecoveryWindow,
	}, log)
	a.Deposits.SetPublisher(a.Hub)

	a.Invest = invest.NewService(st, bk, locker, invest.Config{
		DuplicateWindow:      cfg.Invest.DuplicateWindow,
		RecoveryWindow:       cfg.Invest.RecoveryWindow,
		DefaultSymbol:        cfg.Invest.DefaultSymbol,
		DefaultScalingFactor: cfg.Invest.ScalingFactor(),
	}, log)
	a.Invest.SetPublisher(a.Hub)

	if cfg.Prices.BaseURL != "" {
		src := pricing.NewHTTPSource(cfg.Prices.BaseURL, cfg.Prices.APIKey, cfg.Prices.Timeout)
		a.Prices = pricing.NewRefresher(src, st, log)
	} else {
		log.Warn().Msg("prices.base_url not set, price refresh disabled")
	}

	a.Valuation = valuation.NewEngine(st, valuation.Config{
		Interval:    cfg.Valuation.SnapshotInterval(),
		MaxLookback: interval.Span{Years: cfg.Valuation.MaxLookbackYears},
	}, log)
	a.Valuation.SetPublisher(a.Hub)

	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.DB.URL == "" {
		log.Warn().Msg("db.url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	var sec secrets.Store
	if cfg.Vault.Enabled {
		vs, err := secrets.NewVaultStore(secrets.Config{
			Address: cfg.Vault.Address,
			Token:   cfg.Vault.Token,
			Mount:   cfg.Vault.Mount,
		})
		if err != nil {
			return nil, err
		}
		sec = vs
	}

	pg, err := store.Connect(ctx, store.PostgresOptions{
		DSN:        cfg.DB.URL,
		Secrets:    sec,
		SecretName: cfg.DB.SecretName,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Bool("vault", sec != nil).Msg("connected to PostgreSQL")
	return pg, nil
}

// Jobs returns the periodic jobs over the app's services.
func (a *App) Jobs(cfg config.Config, log zerolog.Logger) *jobs.Jobs {
	return &jobs.Jobs{
		Store:     a.Store,
		Cashback:  a.Cashback,
		Deposits:  a.Deposits,
		Invest:    a.Invest,
		Prices:    a.Prices,
		Valuation: a.Valuation,
		Symbols:   cfg.Prices.Symbols,
		Intervals: cfg.Prices.PriceIntervals(),
		Log:       log.With().Str("component", "jobs").Logger(),
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
