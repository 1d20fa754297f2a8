// Package ledger defines the transactional store the trading core runs
// against. Every operation is scoped to a Tx so that validation and
// mutation share one unit of work.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// Store opens units of work. If fn returns an error the unit is rolled
// back, otherwise it is committed.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// OrderFilter narrows ListPendingOrders. Zero values mean "any".
type OrderFilter struct {
	UserID int64
	Status domain.OrderStatus
	Limit  int
}

// Tx is the set of operations available inside one unit of work.
//
// GetUser and GetHolding lock the returned row until the unit of work ends,
// so read-modify-write on balance and quantity is serialized per row.
//
// Units of work that touch several rows take them in one order: pending
// order, stock, user, holding. A holding is never locked before its user.
type Tx interface {
	CreateUser(ctx context.Context, username string, balance decimal.Decimal) (domain.User, error)
	GetUser(ctx context.Context, userID int64) (domain.User, error)
	UpdateBalance(ctx context.Context, userID int64, balance decimal.Decimal) error
	ListUsersByBalance(ctx context.Context, limit int) ([]domain.User, error)

	GetStock(ctx context.Context, symbol string) (domain.Stock, error)
	GetOrCreateStock(ctx context.Context, symbol, companyName string, price decimal.Decimal, at time.Time) (domain.Stock, error)
	UpdateStockPrice(ctx context.Context, stockID int64, price decimal.Decimal, at time.Time) error

	GetHolding(ctx context.Context, userID, stockID int64) (domain.Holding, error)
	UpsertHolding(ctx context.Context, userID, stockID int64, delta decimal.Decimal) (domain.Holding, error)
	DeleteHolding(ctx context.Context, userID, stockID int64) error
	ListPositions(ctx context.Context, userID int64) ([]domain.Position, error)

	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error)

	InsertPendingOrder(ctx context.Context, o *domain.PendingOrder) error
	GetPendingOrder(ctx context.Context, orderID int64) (domain.PendingOrder, error)
	// ClaimPendingOrder applies update to an order only while it is still
	// PENDING and returns the updated order. It fails with
	// domain.ErrOrderNotFound or domain.ErrAlreadyProcessing.
	ClaimPendingOrder(ctx context.Context, orderID int64, update domain.OrderUpdate) (domain.PendingOrder, error)
	ListPendingOrders(ctx context.Context, filter OrderFilter) ([]domain.PendingOrder, error)
	UpdatePendingOrderStatus(ctx context.Context, orderID int64, update domain.OrderUpdate) error
}
