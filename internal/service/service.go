// Package service assembles the trading components shared by the binaries.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"papertrade/internal/config"
	"papertrade/internal/database"
	"papertrade/internal/market"
	"papertrade/internal/oracle"
	"papertrade/internal/trading"
)

type Services struct {
	Pool      *pgxpool.Pool
	Store     *database.LedgerStore
	Clock     *market.Clock
	Oracle    *oracle.YahooClient
	Executor  *trading.Executor
	Prices    *trading.PriceCache
	Portfolio *trading.Portfolio
}

// Build connects to Postgres and wires the trading core on top of it. The
// caller owns the pool and must Close the Services.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Services, error) {
	clock, err := market.NewClock(cfg.Market.Timezone, time.Now)
	if err != nil {
		return nil, err
	}

	db := &database.PostgreSQL{Config: cfg.PG}
	pool, err := db.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store, err := database.NewLedgerStore(pool, log.Named("ledger"))
	if err != nil {
		pool.Close()
		return nil, err
	}

	yahoo := oracle.NewYahooClient(oracle.YahooConfig{
		BaseURL:         cfg.Oracle.BaseURL,
		Timeout:         cfg.Oracle.Timeout,
		RateLimitPerMin: cfg.Oracle.RatePerMin,
		Logger:          log,
	})

	validator := trading.NewValidator(yahoo, clock, log.Named("validator"))
	prices := trading.NewPriceCache(store, validator, clock, cfg.Price.TTL, log.Named("prices"))

	return &Services{
		Pool:      pool,
		Store:     store,
		Clock:     clock,
		Oracle:    yahoo,
		Executor:  trading.NewExecutor(store, validator, clock, log.Named("executor")),
		Prices:    prices,
		Portfolio: trading.NewPortfolio(store, prices, log.Named("portfolio")),
	}, nil
}

// Ping checks the database connection.
func (s *Services) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Services) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}
