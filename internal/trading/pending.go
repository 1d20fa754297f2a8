package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
)

// Notes written on terminal pending orders.
const (
	NoteCancelled          = "Cancelled by user"
	NoteInsufficientShares = "Insufficient shares"
)

// SweepResult summarizes one RunPendingSweep call.
type SweepResult struct {
	RunID     string
	Processed int // orders moved to EXECUTED or FAILED by this sweep
	Executed  int
	Failed    int
	Skipped   int // orders claimed elsewhere or left PENDING by a store error
}

type sweepOutcome int

const (
	outcomeExecuted sweepOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// ListPendingOrders returns a user's queued orders, oldest first. An empty
// status returns orders in every state.
func (e *Executor) ListPendingOrders(ctx context.Context, userID int64, status domain.OrderStatus) ([]domain.PendingOrder, error) {
	var orders []domain.PendingOrder
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		orders, err = tx.ListPendingOrders(ctx, ledger.OrderFilter{UserID: userID, Status: status})
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}
	return orders, nil
}

// CancelOrder cancels a still PENDING order and refunds a BUY reservation
// at its creation price. ownerID, when non-zero, must match the order's
// user. No transaction row is written.
func (e *Executor) CancelOrder(ctx context.Context, orderID, ownerID int64) (domain.PendingOrder, error) {
	var cancelled domain.PendingOrder
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		if ownerID != 0 {
			o, err := tx.GetPendingOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if o.UserID != ownerID {
				return fmt.Errorf("%w: %d", domain.ErrOrderNotFound, orderID)
			}
		}

		o, err := tx.ClaimPendingOrder(ctx, orderID, domain.OrderUpdate{
			Status: domain.OrderStatusCancelled,
			Notes:  NoteCancelled,
		})
		if err != nil {
			return err
		}
		if err := refundReservation(ctx, tx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return domain.PendingOrder{}, storeError(err)
	}

	logOrder(e.logger, cancelled).Info("pending order cancelled",
		zap.String("refund", cancelled.Reservation().String()))
	return cancelled, nil
}

// RunPendingSweep replays every PENDING order in creation order. It does
// nothing while the market is closed. Each order runs in its own unit of
// work; a failing order is marked FAILED and the sweep moves on.
func (e *Executor) RunPendingSweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{RunID: uuid.NewString()}
	if !e.clock.IsOpen(e.clock.Now()) {
		return res, nil
	}

	var orders []domain.PendingOrder
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		orders, err = tx.ListPendingOrders(ctx, ledger.OrderFilter{Status: domain.OrderStatusPending})
		return err
	})
	if err != nil {
		return res, storeError(err)
	}
	if len(orders) == 0 {
		return res, nil
	}

	log := e.logger.With(zap.String("sweep_id", res.RunID))
	log.Info("pending sweep started", zap.Int("orders", len(orders)))

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			log.Warn("pending sweep interrupted", zap.Error(err), zap.Int("processed", res.Processed))
			return res, fmt.Errorf("sweep interrupted: %w", err)
		}
		switch e.processOrder(ctx, log, o) {
		case outcomeExecuted:
			res.Executed++
			res.Processed++
		case outcomeFailed:
			res.Failed++
			res.Processed++
		default:
			res.Skipped++
		}
	}

	log.Info("pending sweep finished",
		zap.Int("processed", res.Processed),
		zap.Int("executed", res.Executed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (e *Executor) processOrder(ctx context.Context, log *zap.Logger, o domain.PendingOrder) sweepOutcome {
	quote, err := e.validator.FetchPrice(ctx, o.Symbol)
	if err != nil {
		return e.failOrder(ctx, log, o, fmt.Sprintf("Price unavailable: %v", err))
	}

	outcome := outcomeExecuted
	err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
		claimed, err := tx.ClaimPendingOrder(ctx, o.ID, domain.OrderUpdate{Status: domain.OrderStatusProcessing})
		if err != nil {
			return err
		}
		now := e.clock.Now()

		// Locks follow the ledger order: stock, user, holding.
		if err := tx.UpdateStockPrice(ctx, claimed.StockID, quote.Price, now); err != nil {
			return fmt.Errorf("update stock price: %w", err)
		}

		switch claimed.Type {
		case domain.TradeBuy:
			// Cash was reserved at submission.
			if _, err := tx.UpsertHolding(ctx, claimed.UserID, claimed.StockID, claimed.Quantity); err != nil {
				return fmt.Errorf("add holding: %w", err)
			}
		case domain.TradeSell:
			user, err := tx.GetUser(ctx, claimed.UserID)
			if err != nil {
				return err
			}
			h, err := tx.GetHolding(ctx, claimed.UserID, claimed.StockID)
			if err != nil && !errors.Is(err, domain.ErrHoldingNotFound) {
				return err
			}
			if err != nil || h.Quantity.LessThan(claimed.Quantity) {
				outcome = outcomeFailed
				return tx.UpdatePendingOrderStatus(ctx, claimed.ID, domain.OrderUpdate{
					Status: domain.OrderStatusFailed,
					Notes:  NoteInsufficientShares,
				})
			}
			proceeds := domain.Notional(quote.Price, claimed.Quantity)
			if err := tx.UpdateBalance(ctx, claimed.UserID, user.Balance.Add(proceeds)); err != nil {
				return fmt.Errorf("credit balance: %w", err)
			}
			if err := reduceHolding(ctx, tx, h, claimed.Quantity); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", domain.ErrInvalidTradeType, claimed.Type)
		}

		if err := tx.InsertTransaction(ctx, &domain.Transaction{
			UserID:     claimed.UserID,
			StockID:    claimed.StockID,
			Symbol:     claimed.Symbol,
			Type:       claimed.Type,
			Quantity:   claimed.Quantity,
			Price:      quote.Price,
			ExecutedAt: now,
		}); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}

		price := quote.Price
		return tx.UpdatePendingOrderStatus(ctx, claimed.ID, domain.OrderUpdate{
			Status:        domain.OrderStatusExecuted,
			ExecutedPrice: &price,
			ExecutedAt:    &now,
		})
	})

	switch {
	case errors.Is(err, domain.ErrAlreadyProcessing), errors.Is(err, domain.ErrOrderNotFound):
		logOrder(log, o).Info("pending order claimed elsewhere, skipping", zap.Error(err))
		return outcomeSkipped
	case err != nil:
		return e.failOrder(ctx, log, o, err.Error())
	}

	if outcome == outcomeFailed {
		logOrder(log, o).Warn("pending order failed", zap.String("notes", NoteInsufficientShares))
		return outcomeFailed
	}
	logOrder(log, o).Info("pending order executed", zap.String("price", quote.Price.String()))
	return outcomeExecuted
}

// failOrder marks a still PENDING order FAILED with notes in a fresh unit of
// work and returns any BUY reservation.
func (e *Executor) failOrder(ctx context.Context, log *zap.Logger, o domain.PendingOrder, notes string) sweepOutcome {
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		claimed, err := tx.ClaimPendingOrder(ctx, o.ID, domain.OrderUpdate{
			Status: domain.OrderStatusFailed,
			Notes:  notes,
		})
		if err != nil {
			return err
		}
		return refundReservation(ctx, tx, claimed)
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyProcessing), errors.Is(err, domain.ErrOrderNotFound):
		logOrder(log, o).Info("pending order claimed elsewhere, skipping", zap.Error(err))
		return outcomeSkipped
	case err != nil:
		logOrder(log, o).Error("could not mark pending order failed", zap.String("notes", notes), zap.Error(err))
		return outcomeSkipped
	}
	logOrder(log, o).Warn("pending order failed", zap.String("notes", notes))
	return outcomeFailed
}

func refundReservation(ctx context.Context, tx ledger.Tx, o domain.PendingOrder) error {
	refund := o.Reservation()
	if !refund.IsPositive() {
		return nil
	}
	user, err := tx.GetUser(ctx, o.UserID)
	if err != nil {
		return err
	}
	if err := tx.UpdateBalance(ctx, o.UserID, user.Balance.Add(refund)); err != nil {
		return fmt.Errorf("refund reservation: %w", err)
	}
	return nil
}

func logOrder(l *zap.Logger, o domain.PendingOrder) *zap.Logger {
	return l.With(
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.String("symbol", o.Symbol),
		zap.String("trade_type", string(o.Type)))
}
