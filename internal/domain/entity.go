package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is an account holding cash.
type User struct {
	ID        int64
	Username  string
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// Stock caches the last known price for a symbol.
type Stock struct {
	ID          int64
	Symbol      string
	CompanyName string
	LastPrice   decimal.Decimal
	LastUpdated time.Time
}

// IsStale reports whether the cached price is older than ttl at now.
func (s Stock) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastUpdated) > ttl
}

// Holding is a user's position in one stock. A persisted holding always has
// a positive quantity.
type Holding struct {
	UserID   int64
	StockID  int64
	Quantity decimal.Decimal
}

// Position is a holding joined with its stock row for display.
type Position struct {
	Stock    Stock
	Quantity decimal.Decimal
	Stale    bool
}

// MarketValue values the position at the stock's last price.
func (p Position) MarketValue() decimal.Decimal {
	return Notional(p.Stock.LastPrice, p.Quantity)
}

// Transaction is an append-only record of an executed trade.
type Transaction struct {
	ID         int64
	UserID     int64
	StockID    int64
	Symbol     string
	Type       TradeType
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ExecutedAt time.Time
}

// Total returns the cash flow magnitude of the transaction.
func (t Transaction) Total() decimal.Decimal {
	return Notional(t.Price, t.Quantity)
}
