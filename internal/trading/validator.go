package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
	"papertrade/internal/oracle"
)

// Validation is the outcome of an admissible trade check. User and Holding
// are read under row locks held by the enclosing unit of work.
type Validation struct {
	Stock   domain.Stock
	User    domain.User
	Holding domain.Holding
	Price   decimal.Decimal
	Total   decimal.Decimal
}

// Validator decides whether a trade is admissible against the current price
// and account state.
type Validator struct {
	oracle oracle.PriceOracle
	clock  Clock
	logger *zap.Logger
}

// NewValidator creates a Validator.
func NewValidator(o oracle.PriceOracle, clock Clock, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{oracle: o, clock: clock, logger: logger}
}

// FetchPrice asks the oracle for a price. Any failure, and any price that is
// not positive at money scale, is reported as domain.ErrPriceUnavailable.
func (v *Validator) FetchPrice(ctx context.Context, symbol string) (oracle.Quote, error) {
	q, err := v.oracle.CurrentPrice(ctx, symbol)
	if err != nil {
		v.logger.Warn("price oracle failed", zap.String("symbol", symbol), zap.Error(err))
		return oracle.Quote{}, fmt.Errorf("%w: %s: %v", domain.ErrPriceUnavailable, symbol, err)
	}
	// Prices are stored at money scale.
	q.Price = q.Price.Round(domain.MoneyScale)
	if !q.Price.IsPositive() {
		return oracle.Quote{}, fmt.Errorf("%w: %s: non-positive price %s", domain.ErrPriceUnavailable, symbol, q.Price)
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}

// Validate resolves the stock row and checks funds or shares for req at the
// quoted price. It must run inside the unit of work that applies the trade.
// An existing stock row keeps its cached price. A trade whose notional
// rounds to zero cash is rejected.
func (v *Validator) Validate(ctx context.Context, tx ledger.Tx, req domain.TradeRequest, q oracle.Quote) (Validation, error) {
	total := domain.Notional(q.Price, req.Quantity)
	if !total.IsPositive() {
		return Validation{}, fmt.Errorf("%w: %s %s at %s is worth less than %s",
			domain.ErrInvalidQuantity, req.Quantity, req.Symbol, q.Price, decimal.New(1, -domain.MoneyScale))
	}

	stock, err := tx.GetOrCreateStock(ctx, req.Symbol, q.CompanyName, q.Price, v.clock.Now())
	if err != nil {
		return Validation{}, fmt.Errorf("resolve stock %s: %w", req.Symbol, err)
	}

	user, err := tx.GetUser(ctx, req.UserID)
	if err != nil {
		return Validation{}, err
	}

	res := Validation{
		Stock: stock,
		User:  user,
		Price: q.Price,
		Total: total,
	}

	switch req.TradeType {
	case domain.TradeBuy:
		if res.Total.GreaterThan(user.Balance) {
			return Validation{}, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, res.Total, user.Balance)
		}
	case domain.TradeSell:
		h, err := tx.GetHolding(ctx, req.UserID, stock.ID)
		if errors.Is(err, domain.ErrHoldingNotFound) {
			return Validation{}, fmt.Errorf("%w: no %s position", domain.ErrInsufficientShares, req.Symbol)
		}
		if err != nil {
			return Validation{}, err
		}
		if h.Quantity.LessThan(req.Quantity) {
			return Validation{}, fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientShares, req.Quantity, h.Quantity)
		}
		res.Holding = h
	default:
		return Validation{}, fmt.Errorf("%w: %q", domain.ErrInvalidTradeType, req.TradeType)
	}

	return res, nil
}
