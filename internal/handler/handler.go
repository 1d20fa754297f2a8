// Package handler is the fiber route layer over the trading core.
package handler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/tasks"
	"papertrade/internal/trading"
)

// SweepEnqueuer hands a sweep to the background worker.
type SweepEnqueuer interface {
	EnqueueSweep(ctx context.Context, source string) (bool, error)
}

// Deps are the services the routes call. Sweeps and Ping are optional.
type Deps struct {
	Executor  *trading.Executor
	Portfolio *trading.Portfolio
	Prices    *trading.PriceCache
	Clock     trading.Clock
	Sweeps    SweepEnqueuer
	Ping      func(ctx context.Context) error
}

type Handler struct {
	deps Deps
}

func New(d Deps) *Handler {
	return &Handler{deps: d}
}

// NewApp builds a fiber app with the error handler and middleware installed
// but no routes.
func NewApp(name string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               name,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(RequestLogger())
	app.Use(recover.New())
	return app
}

// Register mounts the API routes on r.
func (h *Handler) Register(r fiber.Router) {
	r.Get("/healthz", h.health)

	api := r.Group("/api/v1")
	api.Get("/market-status", h.marketStatus)

	api.Post("/trades", h.submitTrade)

	api.Get("/users/:id/pending-orders", h.listPendingOrders)
	api.Delete("/pending-orders/:id", h.cancelOrder)
	api.Post("/pending-orders/sweep", h.sweep)

	api.Get("/users/:id/holdings", h.holdings)
	api.Get("/users/:id/balance", h.balance)
	api.Get("/users/:id/transactions", h.transactions)

	api.Get("/stocks/:symbol", h.stock)
	api.Get("/leaderboard", h.leaderboard)
}

func (h *Handler) health(c *fiber.Ctx) error {
	if h.deps.Ping != nil {
		if err := h.deps.Ping(c.UserContext()); err != nil {
			requestLogger(c).Warn("health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) marketStatus(c *fiber.Ctx) error {
	now := h.deps.Clock.Now()
	open := h.deps.Clock.IsOpen(now)
	msg := "Market is closed"
	if open {
		msg = "Market is open"
	}
	return c.JSON(fiber.Map{
		"is_open": open,
		"message": msg,
		"now":     now.Format(time.RFC3339),
	})
}

func (h *Handler) submitTrade(c *fiber.Ctx) error {
	var body tradeRequest
	if err := c.BodyParser(&body); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidRequest)
	}
	req, err := body.toDomain()
	if err != nil {
		return err
	}

	res, err := h.deps.Executor.SubmitTrade(c.UserContext(), req)
	if err != nil {
		if domain.IsRejection(err) {
			requestLogger(c).Info("trade rejected",
				zap.Int64("user_id", req.UserID),
				zap.String("symbol", req.Symbol),
				zap.String("trade_type", string(req.TradeType)),
				zap.Error(err))
		}
		return err
	}

	status := fiber.StatusCreated
	if res.Pending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(newTradeResponse(res))
}

func (h *Handler) listPendingOrders(c *fiber.Ctx) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	status, err := parseStatus(c.Query("status"))
	if err != nil {
		return err
	}
	orders, err := h.deps.Executor.ListPendingOrders(c.UserContext(), userID, status)
	if err != nil {
		return err
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o))
	}
	return c.JSON(fiber.Map{"user_id": userID, "orders": out})
}

func (h *Handler) cancelOrder(c *fiber.Ctx) error {
	orderID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var owner int64
	if raw := c.Query("user_id"); raw != "" {
		owner, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || owner <= 0 {
			return fmt.Errorf("%w: user_id must be a positive integer", domain.ErrInvalidRequest)
		}
	}

	o, err := h.deps.Executor.CancelOrder(c.UserContext(), orderID, owner)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"order":    newOrderResponse(o),
		"refunded": o.Reservation(),
	})
}

// sweep runs the pending sweep inline, or queues it on the worker when
// called with ?async=true.
func (h *Handler) sweep(c *fiber.Ctx) error {
	if c.QueryBool("async") {
		if h.deps.Sweeps == nil {
			return fiber.NewError(fiber.StatusNotImplemented, "background sweeps are not configured")
		}
		queued, err := h.deps.Sweeps.EnqueueSweep(c.UserContext(), tasks.SourceAPI)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": queued})
	}

	res, err := h.deps.Executor.RunPendingSweep(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"sweep_id":  res.RunID,
		"processed": res.Processed,
		"executed":  res.Executed,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	})
}

func (h *Handler) holdings(c *fiber.Ctx) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.deps.Portfolio.Holdings(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(newPortfolioResponse(view))
}

func (h *Handler) balance(c *fiber.Ctx) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	u, err := h.deps.Portfolio.Balance(c.UserContext(), userID)
	if err != nil {
		return err
	}
	return c.JSON(newUserResponse(u))
}

func (h *Handler) transactions(c *fiber.Ctx) error {
	userID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	txs, err := h.deps.Portfolio.RecentTransactions(c.UserContext(), userID, limit)
	if err != nil {
		return err
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, newTransactionResponse(t))
	}
	return c.JSON(fiber.Map{"user_id": userID, "transactions": out})
}

func (h *Handler) stock(c *fiber.Ctx) error {
	q, err := h.deps.Prices.Quote(c.UserContext(), c.Params("symbol"))
	if err != nil {
		return err
	}
	return c.JSON(newStockResponse(q.Stock, q.Stale))
}

func (h *Handler) leaderboard(c *fiber.Ctx) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	users, err := h.deps.Portfolio.Leaderboard(c.UserContext(), limit)
	if err != nil {
		return err
	}
	out := make([]leaderboardEntry, 0, len(users))
	for i, u := range users {
		out = append(out, leaderboardEntry{Rank: i + 1, userResponse: newUserResponse(u)})
	}
	return c.JSON(fiber.Map{"leaderboard": out})
}

func pathID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", domain.ErrInvalidRequest, name)
	}
	return id, nil
}

func queryLimit(c *fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidRequest)
	}
	return n, nil
}

func parseStatus(raw string) (domain.OrderStatus, error) {
	if raw == "" {
		return "", nil
	}
	s := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusExecuted,
		domain.OrderStatusFailed, domain.OrderStatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, raw)
}
