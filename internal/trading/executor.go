// Package trading is the order execution core: trade validation, immediate
// execution, the deferred order queue and its replay sweep.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
)

// Clock is the market clock the executor consults.
type Clock interface {
	Now() time.Time
	IsOpen(t time.Time) bool
}

// TradeResult describes an accepted trade.
type TradeResult struct {
	Pending       bool
	OrderID       int64
	TransactionID int64
	UserID        int64
	Symbol        string
	TradeType     domain.TradeType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Total         decimal.Decimal
	Balance       decimal.Decimal
}

// Status is "pending" for a queued order and "executed" otherwise.
func (r TradeResult) Status() string {
	if r.Pending {
		return "pending"
	}
	return "executed"
}

// Executor applies trades to the ledger. It keeps no entity state between
// calls; every operation re-reads and mutates inside one unit of work.
type Executor struct {
	store     ledger.Store
	validator *Validator
	clock     Clock
	logger    *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(store ledger.Store, validator *Validator, clock Clock, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:     store,
		validator: validator,
		clock:     clock,
		logger:    logger,
	}
}

// SubmitTrade validates req and either executes it now (market open) or
// queues it as a pending order (market closed). Rejections leave no trace
// in the store.
func (e *Executor) SubmitTrade(ctx context.Context, req domain.TradeRequest) (TradeResult, error) {
	req, err := normalize(req)
	if err != nil {
		return TradeResult{}, err
	}

	open := e.clock.IsOpen(e.clock.Now())

	// The oracle call happens before the unit of work opens so no row lock
	// is held across the network round trip.
	quote, err := e.validator.FetchPrice(ctx, req.Symbol)
	if err != nil {
		return TradeResult{}, err
	}

	var res TradeResult
	err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
		v, err := e.validator.Validate(ctx, tx, req, quote)
		if err != nil {
			return err
		}
		if open {
			res, err = e.executeImmediate(ctx, tx, req, v)
		} else {
			res, err = e.enqueue(ctx, tx, req, v)
		}
		return err
	})
	if err != nil {
		if !domain.IsRejection(err) {
			e.logger.Error("trade failed",
				zap.Int64("user_id", req.UserID),
				zap.String("symbol", req.Symbol),
				zap.String("trade_type", string(req.TradeType)),
				zap.Error(err))
		}
		return TradeResult{}, storeError(err)
	}

	e.logger.Info("trade accepted",
		zap.String("status", res.Status()),
		zap.Int64("user_id", res.UserID),
		zap.Int64("order_id", res.OrderID),
		zap.String("symbol", res.Symbol),
		zap.String("trade_type", string(res.TradeType)),
		zap.String("quantity", res.Quantity.String()),
		zap.String("price", res.Price.String()))
	return res, nil
}

func normalize(req domain.TradeRequest) (domain.TradeRequest, error) {
	sym, err := domain.NormalizeSymbol(req.Symbol)
	if err != nil {
		return req, err
	}
	tt, err := domain.ParseTradeType(string(req.TradeType))
	if err != nil {
		return req, err
	}
	req.Symbol = sym
	req.TradeType = tt
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func (e *Executor) executeImmediate(ctx context.Context, tx ledger.Tx, req domain.TradeRequest, v Validation) (TradeResult, error) {
	var balance decimal.Decimal
	switch req.TradeType {
	case domain.TradeBuy:
		balance = v.User.Balance.Sub(v.Total)
		if err := tx.UpdateBalance(ctx, req.UserID, balance); err != nil {
			return TradeResult{}, fmt.Errorf("debit balance: %w", err)
		}
		if _, err := tx.UpsertHolding(ctx, req.UserID, v.Stock.ID, req.Quantity); err != nil {
			return TradeResult{}, fmt.Errorf("add holding: %w", err)
		}
	case domain.TradeSell:
		balance = v.User.Balance.Add(v.Total)
		if err := tx.UpdateBalance(ctx, req.UserID, balance); err != nil {
			return TradeResult{}, fmt.Errorf("credit balance: %w", err)
		}
		if err := reduceHolding(ctx, tx, v.Holding, req.Quantity); err != nil {
			return TradeResult{}, err
		}
	}

	t := &domain.Transaction{
		UserID:     req.UserID,
		StockID:    v.Stock.ID,
		Symbol:     v.Stock.Symbol,
		Type:       req.TradeType,
		Quantity:   req.Quantity,
		Price:      v.Price,
		ExecutedAt: e.clock.Now(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return TradeResult{}, fmt.Errorf("record transaction: %w", err)
	}

	return TradeResult{
		TransactionID: t.ID,
		UserID:        req.UserID,
		Symbol:        v.Stock.Symbol,
		TradeType:     req.TradeType,
		Quantity:      req.Quantity,
		Price:         v.Price,
		Total:         v.Total,
		Balance:       balance,
	}, nil
}

// enqueue stores a PENDING order. BUY orders reserve their cash now; SELL
// orders reserve nothing and are re-checked at sweep time.
func (e *Executor) enqueue(ctx context.Context, tx ledger.Tx, req domain.TradeRequest, v Validation) (TradeResult, error) {
	o := &domain.PendingOrder{
		UserID:          req.UserID,
		StockID:         v.Stock.ID,
		Symbol:          v.Stock.Symbol,
		Type:            req.TradeType,
		Quantity:        req.Quantity,
		PriceAtCreation: v.Price,
	}
	if err := tx.InsertPendingOrder(ctx, o); err != nil {
		return TradeResult{}, fmt.Errorf("queue order: %w", err)
	}

	balance := v.User.Balance
	if req.TradeType == domain.TradeBuy {
		balance = balance.Sub(o.Reservation())
		if err := tx.UpdateBalance(ctx, req.UserID, balance); err != nil {
			return TradeResult{}, fmt.Errorf("reserve funds: %w", err)
		}
	}

	return TradeResult{
		Pending:   true,
		OrderID:   o.ID,
		UserID:    req.UserID,
		Symbol:    v.Stock.Symbol,
		TradeType: req.TradeType,
		Quantity:  req.Quantity,
		Price:     v.Price,
		Total:     v.Total,
		Balance:   balance,
	}, nil
}

// reduceHolding subtracts qty from h, deleting the row instead of leaving a
// zero or negative quantity.
func reduceHolding(ctx context.Context, tx ledger.Tx, h domain.Holding, qty decimal.Decimal) error {
	if h.Quantity.Sub(qty).IsPositive() {
		if _, err := tx.UpsertHolding(ctx, h.UserID, h.StockID, qty.Neg()); err != nil {
			return fmt.Errorf("reduce holding: %w", err)
		}
		return nil
	}
	if err := tx.DeleteHolding(ctx, h.UserID, h.StockID); err != nil {
		return fmt.Errorf("delete holding: %w", err)
	}
	return nil
}

// storeError tags infrastructure failures with domain.ErrStoreUnavailable
// and passes rejections through untouched.
func storeError(err error) error {
	if err == nil || domain.IsRejection(err) || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
