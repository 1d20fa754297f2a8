package trading

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
)

// Limits for list reads.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// PortfolioView is a user's cash plus valued positions.
type PortfolioView struct {
	User      domain.User
	Positions []domain.Position
	Holdings  decimal.Decimal
	Equity    decimal.Decimal
}

// Portfolio serves read-only account views.
type Portfolio struct {
	store  ledger.Store
	prices *PriceCache
	logger *zap.Logger
}

// NewPortfolio creates a Portfolio.
func NewPortfolio(store ledger.Store, prices *PriceCache, logger *zap.Logger) *Portfolio {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portfolio{store: store, prices: prices, logger: logger}
}

// Holdings returns the user's positions with stale prices refreshed.
func (p *Portfolio) Holdings(ctx context.Context, userID int64) (PortfolioView, error) {
	var view PortfolioView
	err := p.store.WithTx(ctx, func(tx ledger.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		positions, err := tx.ListPositions(ctx, userID)
		if err != nil {
			return err
		}
		view.User = u
		view.Positions = positions
		return nil
	})
	if err != nil {
		return PortfolioView{}, storeError(err)
	}

	p.prices.Refresh(ctx, view.Positions)

	view.Holdings = decimal.Zero
	for _, pos := range view.Positions {
		view.Holdings = view.Holdings.Add(pos.MarketValue())
	}
	view.Equity = view.User.Balance.Add(view.Holdings)
	return view, nil
}

// Balance returns the user's cash balance.
func (p *Portfolio) Balance(ctx context.Context, userID int64) (domain.User, error) {
	var u domain.User
	err := p.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		u, err = tx.GetUser(ctx, userID)
		return err
	})
	return u, storeError(err)
}

// RecentTransactions returns the user's executed trades, newest first.
func (p *Portfolio) RecentTransactions(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error) {
	limit = clampLimit(limit)
	var out []domain.Transaction
	err := p.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListTransactions(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return out, nil
}

// Leaderboard returns users ordered by cash balance.
func (p *Portfolio) Leaderboard(ctx context.Context, limit int) ([]domain.User, error) {
	limit = clampLimit(limit)
	var out []domain.User
	err := p.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.ListUsersByBalance(ctx, limit)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return out, nil
}

// CreateUser opens an account with a starting balance.
func (p *Portfolio) CreateUser(ctx context.Context, username string, balance decimal.Decimal) (domain.User, error) {
	var u domain.User
	err := p.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		u, err = tx.CreateUser(ctx, username, balance)
		return err
	})
	return u, storeError(err)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
