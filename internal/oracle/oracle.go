// Package oracle fetches current stock prices from an external provider.
package oracle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a price observation for one symbol.
type Quote struct {
	Symbol      string
	CompanyName string
	Price       decimal.Decimal
	Timestamp   time.Time
}

// PriceOracle returns the current price of a symbol. Every call is a
// network operation and may fail; callers must not hold a store
// transaction open across it.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, symbol string) (Quote, error)
}

// Func adapts a plain function to PriceOracle.
type Func func(ctx context.Context, symbol string) (Quote, error)

// CurrentPrice calls f.
func (f Func) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}
