package trading

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
)

// DefaultPriceTTL is how long a cached stock price stays fresh.
const DefaultPriceTTL = 5 * time.Minute

// CachedQuote is a stock row served from the price cache.
type CachedQuote struct {
	Stock domain.Stock
	// Stale is set when the row is past its TTL and the refresh failed.
	Stale bool
}

// PriceCache keeps the Stock table's last_price fresh. Trade execution does
// not go through it; it serves quotes and portfolio valuation.
type PriceCache struct {
	store     ledger.Store
	validator *Validator
	clock     Clock
	ttl       time.Duration
	logger    *zap.Logger
}

// NewPriceCache creates a PriceCache. A zero ttl uses DefaultPriceTTL.
func NewPriceCache(store ledger.Store, validator *Validator, clock Clock, ttl time.Duration, logger *zap.Logger) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceCache{store: store, validator: validator, clock: clock, ttl: ttl, logger: logger}
}

// TTL returns the staleness threshold.
func (c *PriceCache) TTL() time.Duration {
	return c.ttl
}

// Quote returns the cached stock row for symbol, creating it on first
// reference and refreshing it once it is older than the TTL. When a refresh
// fails the stale row is returned with Stale set.
func (c *PriceCache) Quote(ctx context.Context, symbol string) (CachedQuote, error) {
	sym, err := domain.NormalizeSymbol(symbol)
	if err != nil {
		return CachedQuote{}, err
	}

	var cached domain.Stock
	found := true
	err = c.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		cached, err = tx.GetStock(ctx, sym)
		return err
	})
	if errors.Is(err, domain.ErrStockNotFound) {
		found = false
	} else if err != nil {
		return CachedQuote{}, storeError(err)
	}

	if found && !cached.IsStale(c.clock.Now(), c.ttl) {
		return CachedQuote{Stock: cached}, nil
	}

	q, err := c.validator.FetchPrice(ctx, sym)
	if err != nil {
		if found {
			return CachedQuote{Stock: cached, Stale: true}, nil
		}
		return CachedQuote{}, err
	}

	var fresh domain.Stock
	err = c.store.WithTx(ctx, func(tx ledger.Tx) error {
		now := c.clock.Now()
		s, err := tx.GetOrCreateStock(ctx, sym, q.CompanyName, q.Price, now)
		if err != nil {
			return err
		}
		if found || !s.LastPrice.Equal(q.Price) {
			if err := tx.UpdateStockPrice(ctx, s.ID, q.Price, now); err != nil {
				return err
			}
			s.LastPrice = q.Price
			s.LastUpdated = now
		}
		fresh = s
		return nil
	})
	if err != nil {
		return CachedQuote{}, storeError(err)
	}
	return CachedQuote{Stock: fresh}, nil
}

// Refresh brings stale positions up to date in place. Failures are logged
// and leave the position marked stale.
func (c *PriceCache) Refresh(ctx context.Context, positions []domain.Position) {
	now := c.clock.Now()
	for i := range positions {
		p := &positions[i]
		if !p.Stock.IsStale(now, c.ttl) {
			continue
		}
		q, err := c.validator.FetchPrice(ctx, p.Stock.Symbol)
		if err != nil {
			p.Stale = true
			continue
		}
		err = c.store.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.UpdateStockPrice(ctx, p.Stock.ID, q.Price, now)
		})
		if err != nil {
			c.logger.Warn("stock price update failed", zap.String("symbol", p.Stock.Symbol), zap.Error(err))
			p.Stale = true
			continue
		}
		p.Stock.LastPrice = q.Price
		p.Stock.LastUpdated = now
	}
}
