package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a pending order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusExecuted   OrderStatus = "EXECUTED"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusFailed, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusProcessing || next == OrderStatusCancelled || next == OrderStatusFailed
	case OrderStatusProcessing:
		return next == OrderStatusExecuted || next == OrderStatusFailed
	}
	return false
}

// PendingOrder is a trade accepted while the market was closed.
type PendingOrder struct {
	ID              int64
	UserID          int64
	StockID         int64
	Symbol          string
	Type            TradeType
	Quantity        decimal.Decimal
	PriceAtCreation decimal.Decimal
	Status          OrderStatus
	ExecutedPrice   *decimal.Decimal
	ExecutedAt      *time.Time
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reservation is the cash debited at submission for a BUY order.
func (o PendingOrder) Reservation() decimal.Decimal {
	if o.Type != TradeBuy {
		return decimal.Zero
	}
	return Notional(o.PriceAtCreation, o.Quantity)
}

// OrderUpdate carries the fields written on a status change.
type OrderUpdate struct {
	Status        OrderStatus
	ExecutedPrice *decimal.Decimal
	ExecutedAt    *time.Time
	Notes         string
}
