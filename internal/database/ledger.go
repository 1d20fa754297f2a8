package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
)

var _ ledger.Store = (*LedgerStore)(nil)

const pgUniqueViolation = "23505"

// LedgerStore is the PostgreSQL ledger. Each unit of work is one
// READ COMMITTED transaction; GetUser and GetHolding take row locks with
// SELECT ... FOR UPDATE.
type LedgerStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewLedgerStore creates a LedgerStore on pool.
func NewLedgerStore(pool *pgxpool.Pool, logger *zap.Logger) (*LedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerStore{pool: pool, logger: logger}, nil
}

// WithTx runs fn in a transaction, committing only if fn returns nil. A
// panic in fn rolls back and is re-raised.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storeErr("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Error("failed to rollback transaction after panic", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Error("failed to rollback transaction", zap.Error(rbErr), zap.NamedError("original", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

type pgTx struct {
	tx pgx.Tx
}

// Users

func (t *pgTx) CreateUser(ctx context.Context, username string, balance decimal.Decimal) (domain.User, error) {
	if balance.IsNegative() {
		return domain.User{}, fmt.Errorf("%w: balance must not be negative", domain.ErrInvalidRequest)
	}
	u := domain.User{Username: username}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO users (username, balance) VALUES ($1, $2)
		 RETURNING id, balance, created_at`,
		username, balance,
	).Scan(&u.ID, &u.Balance, &u.CreatedAt)
	if pgCode(err) == pgUniqueViolation {
		return domain.User{}, fmt.Errorf("%w: username %q taken", domain.ErrInvalidRequest, username)
	}
	if err != nil {
		return domain.User{}, storeErr("CreateUser", err)
	}
	return u, nil
}

func (t *pgTx) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	var u domain.User
	err := t.tx.QueryRow(ctx,
		`SELECT id, username, balance, created_at FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&u.ID, &u.Username, &u.Balance, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, storeErr("GetUser", err)
	}
	return u, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET balance = $2 WHERE id = $1`, userID, balance)
	if err != nil {
		return storeErr("UpdateBalance", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (t *pgTx) ListUsersByBalance(ctx context.Context, limit int) ([]domain.User, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, username, balance, created_at FROM users
		 ORDER BY balance DESC, id ASC
		 LIMIT NULLIF($1::int, 0)`,
		limit,
	)
	if err != nil {
		return nil, storeErr("ListUsersByBalance", err)
	}
	defer rows.Close()

	out := make([]domain.User, 0)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Balance, &u.CreatedAt); err != nil {
			return nil, storeErr("ListUsersByBalance", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListUsersByBalance", err)
	}
	return out, nil
}

// Stocks

const stockColumns = `id, symbol, company_name, last_price, last_updated`

func scanStock(row pgx.Row) (domain.Stock, error) {
	var s domain.Stock
	err := row.Scan(&s.ID, &s.Symbol, &s.CompanyName, &s.LastPrice, &s.LastUpdated)
	return s, err
}

func (t *pgTx) GetStock(ctx context.Context, symbol string) (domain.Stock, error) {
	s, err := scanStock(t.tx.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Stock{}, domain.ErrStockNotFound
	}
	if err != nil {
		return domain.Stock{}, storeErr("GetStock", err)
	}
	return s, nil
}

func (t *pgTx) GetOrCreateStock(ctx context.Context, symbol, companyName string, price decimal.Decimal, at time.Time) (domain.Stock, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stocks (symbol, company_name, last_price, last_updated)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (symbol) DO NOTHING`,
		symbol, companyName, price, at,
	)
	if err != nil {
		return domain.Stock{}, storeErr("GetOrCreateStock", err)
	}
	s, err := scanStock(t.tx.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE symbol = $1`, symbol))
	if err != nil {
		return domain.Stock{}, storeErr("GetOrCreateStock", err)
	}
	return s, nil
}

func (t *pgTx) UpdateStockPrice(ctx context.Context, stockID int64, price decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE stocks SET last_price = $2, last_updated = $3 WHERE id = $1`,
		stockID, price, at,
	)
	if err != nil {
		return storeErr("UpdateStockPrice", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStockNotFound
	}
	return nil
}

// Holdings

func (t *pgTx) GetHolding(ctx context.Context, userID, stockID int64) (domain.Holding, error) {
	h := domain.Holding{UserID: userID, StockID: stockID}
	err := t.tx.QueryRow(ctx,
		`SELECT quantity FROM holdings WHERE user_id = $1 AND stock_id = $2 FOR UPDATE`,
		userID, stockID,
	).Scan(&h.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Holding{}, domain.ErrHoldingNotFound
	}
	if err != nil {
		return domain.Holding{}, storeErr("GetHolding", err)
	}
	return h, nil
}

// UpsertHolding adds delta to a holding. A positive delta inserts the row if
// needed; a negative one only updates an existing row. CHECK (quantity > 0)
// rejects any result that is not positive.
func (t *pgTx) UpsertHolding(ctx context.Context, userID, stockID int64, delta decimal.Decimal) (domain.Holding, error) {
	h := domain.Holding{UserID: userID, StockID: stockID}
	var err error
	if delta.IsPositive() {
		err = t.tx.QueryRow(ctx,
			`INSERT INTO holdings (user_id, stock_id, quantity) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, stock_id)
			 DO UPDATE SET quantity = holdings.quantity + EXCLUDED.quantity
			 RETURNING quantity`,
			userID, stockID, delta,
		).Scan(&h.Quantity)
	} else {
		err = t.tx.QueryRow(ctx,
			`UPDATE holdings SET quantity = quantity + $3
			 WHERE user_id = $1 AND stock_id = $2
			 RETURNING quantity`,
			userID, stockID, delta,
		).Scan(&h.Quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Holding{}, domain.ErrHoldingNotFound
		}
	}
	if err != nil {
		return domain.Holding{}, storeErr("UpsertHolding", err)
	}
	return h, nil
}

func (t *pgTx) DeleteHolding(ctx context.Context, userID, stockID int64) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM holdings WHERE user_id = $1 AND stock_id = $2`,
		userID, stockID,
	); err != nil {
		return storeErr("DeleteHolding", err)
	}
	return nil
}

func (t *pgTx) ListPositions(ctx context.Context, userID int64) ([]domain.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT s.id, s.symbol, s.company_name, s.last_price, s.last_updated, h.quantity
		 FROM holdings h
		 JOIN stocks s ON s.id = h.stock_id
		 WHERE h.user_id = $1
		 ORDER BY s.symbol`,
		userID,
	)
	if err != nil {
		return nil, storeErr("ListPositions", err)
	}
	defer rows.Close()

	out := make([]domain.Position, 0)
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Stock.ID, &p.Stock.Symbol, &p.Stock.CompanyName, &p.Stock.LastPrice, &p.Stock.LastUpdated, &p.Quantity); err != nil {
			return nil, storeErr("ListPositions", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListPositions", err)
	}
	return out, nil
}

// Transactions

func (t *pgTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transactions (user_id, stock_id, trade_type, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		tr.UserID, tr.StockID, string(tr.Type), tr.Quantity, tr.Price, tr.ExecutedAt,
	).Scan(&tr.ID)
	if err != nil {
		return storeErr("InsertTransaction", err)
	}
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT t.id, t.user_id, t.stock_id, s.symbol, t.trade_type, t.quantity, t.price, t.executed_at
		 FROM transactions t
		 JOIN stocks s ON s.id = t.stock_id
		 WHERE t.user_id = $1
		 ORDER BY t.executed_at DESC, t.id DESC
		 LIMIT NULLIF($2::int, 0)`,
		userID, limit,
	)
	if err != nil {
		return nil, storeErr("ListTransactions", err)
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		var (
			tr       domain.Transaction
			typeText string
		)
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.StockID, &tr.Symbol, &typeText, &tr.Quantity, &tr.Price, &tr.ExecutedAt); err != nil {
			return nil, storeErr("ListTransactions", err)
		}
		tr.Type = domain.TradeType(typeText)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListTransactions", err)
	}
	return out, nil
}

// Pending orders

const orderColumns = `po.id, po.user_id, po.stock_id, s.symbol, po.trade_type, po.quantity,
	po.price_at_creation, po.status, po.executed_price, po.executed_at, po.notes,
	po.created_at, po.updated_at`

func scanOrder(row pgx.Row) (domain.PendingOrder, error) {
	var (
		o          domain.PendingOrder
		typeText   string
		statusText string
		execPrice  decimal.NullDecimal
		execAt     *time.Time
	)
	err := row.Scan(&o.ID, &o.UserID, &o.StockID, &o.Symbol, &typeText, &o.Quantity,
		&o.PriceAtCreation, &statusText, &execPrice, &execAt, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	o.Type = domain.TradeType(typeText)
	o.Status = domain.OrderStatus(statusText)
	if execPrice.Valid {
		p := execPrice.Decimal
		o.ExecutedPrice = &p
	}
	o.ExecutedAt = execAt
	return o, nil
}

func nullPrice(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*p)
}

func (t *pgTx) InsertPendingOrder(ctx context.Context, o *domain.PendingOrder) error {
	var status string
	err := t.tx.QueryRow(ctx,
		`INSERT INTO pending_orders (user_id, stock_id, trade_type, quantity, price_at_creation)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, status, created_at, updated_at`,
		o.UserID, o.StockID, string(o.Type), o.Quantity, o.PriceAtCreation,
	).Scan(&o.ID, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return storeErr("InsertPendingOrder", err)
	}
	o.Status = domain.OrderStatus(status)
	if o.Symbol == "" {
		if err := t.tx.QueryRow(ctx, `SELECT symbol FROM stocks WHERE id = $1`, o.StockID).Scan(&o.Symbol); err != nil {
			return storeErr("InsertPendingOrder", err)
		}
	}
	return nil
}

func (t *pgTx) GetPendingOrder(ctx context.Context, orderID int64) (domain.PendingOrder, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+`
		 FROM pending_orders po
		 JOIN stocks s ON s.id = po.stock_id
		 WHERE po.id = $1`,
		orderID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PendingOrder{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.PendingOrder{}, storeErr("GetPendingOrder", err)
	}
	return o, nil
}

// ClaimPendingOrder is a conditional update on status = 'PENDING'. A
// concurrent claimer blocks on the row lock and then sees zero rows.
func (t *pgTx) ClaimPendingOrder(ctx context.Context, orderID int64, u domain.OrderUpdate) (domain.PendingOrder, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		`WITH po AS (
			UPDATE pending_orders
			SET status = $2, executed_price = $3, executed_at = $4, notes = $5, updated_at = now()
			WHERE id = $1 AND status = 'PENDING'
			RETURNING *
		 )
		 SELECT `+orderColumns+`
		 FROM po
		 JOIN stocks s ON s.id = po.stock_id`,
		orderID, string(u.Status), nullPrice(u.ExecutedPrice), u.ExecutedAt, u.Notes,
	))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.PendingOrder{}, storeErr("ClaimPendingOrder", err)
	}

	var status string
	err = t.tx.QueryRow(ctx, `SELECT status FROM pending_orders WHERE id = $1`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PendingOrder{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.PendingOrder{}, storeErr("ClaimPendingOrder", err)
	}
	return domain.PendingOrder{}, fmt.Errorf("%w: order %d is %s", domain.ErrAlreadyProcessing, orderID, status)
}

func (t *pgTx) ListPendingOrders(ctx context.Context, f ledger.OrderFilter) ([]domain.PendingOrder, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM pending_orders po
		 JOIN stocks s ON s.id = po.stock_id
		 WHERE ($1::bigint = 0 OR po.user_id = $1)
		   AND ($2::text = '' OR po.status = $2)
		 ORDER BY po.created_at, po.id
		 LIMIT NULLIF($3::int, 0)`,
		f.UserID, string(f.Status), f.Limit,
	)
	if err != nil {
		return nil, storeErr("ListPendingOrders", err)
	}
	defer rows.Close()

	out := make([]domain.PendingOrder, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, storeErr("ListPendingOrders", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("ListPendingOrders", err)
	}
	return out, nil
}

func (t *pgTx) UpdatePendingOrderStatus(ctx context.Context, orderID int64, u domain.OrderUpdate) error {
	var current string
	err := t.tx.QueryRow(ctx,
		`SELECT status FROM pending_orders WHERE id = $1 FOR UPDATE`, orderID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		return storeErr("UpdatePendingOrderStatus", err)
	}
	if !domain.OrderStatus(current).CanTransition(u.Status) {
		return fmt.Errorf("%w: order %d cannot move from %s to %s", domain.ErrAlreadyProcessing, orderID, current, u.Status)
	}

	_, err = t.tx.Exec(ctx,
		`UPDATE pending_orders
		 SET status = $2, executed_price = $3, executed_at = $4, notes = $5, updated_at = now()
		 WHERE id = $1`,
		orderID, string(u.Status), nullPrice(u.ExecutedPrice), u.ExecutedAt, u.Notes,
	)
	if err != nil {
		return storeErr("UpdatePendingOrderStatus", err)
	}
	return nil
}
