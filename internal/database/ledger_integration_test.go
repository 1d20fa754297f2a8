//go:build integration

package database_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"papertrade/internal/config"
	"papertrade/internal/database"
	"papertrade/internal/domain"
	"papertrade/internal/ledger"
	"papertrade/internal/market"
	"papertrade/internal/migration"
	"papertrade/internal/oracle"
	"papertrade/internal/trading"
)

// setupLedger starts a PostgreSQL container, applies the migrations and
// returns a LedgerStore on it.
func setupLedger(t *testing.T) (*database.LedgerStore, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "papertrade",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	pg := &database.PostgreSQL{Config: config.PostgresConfig{
		Host: host, Port: port.Port(), User: "test", Pass: "test",
		DB: "papertrade", SSLMode: "disable", MaxConns: 20,
	}}
	if err := (&migration.Migrate{Db: pg}).MigrateUp(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	pool, err := pg.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pg.Close(pool) })

	store, err := database.NewLedgerStore(pool, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLedgerStore: %v", err)
	}
	return store, pool
}

func createUser(t *testing.T, store ledger.Store, name, balance string) domain.User {
	t.Helper()
	var u domain.User
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		u, err = tx.CreateUser(context.Background(), name, decimal.RequireFromString(balance))
		return err
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

type fixedPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fixedPrices) set(sym, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[sym] = decimal.RequireFromString(price)
}

func (f *fixedPrices) oracle() oracle.PriceOracle {
	return oracle.Func(func(ctx context.Context, sym string) (oracle.Quote, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		p, ok := f.prices[sym]
		if !ok {
			return oracle.Quote{}, oracle.ErrSymbolNotFound
		}
		return oracle.Quote{Symbol: sym, CompanyName: sym, Price: p}, nil
	})
}

func newExecutor(t *testing.T, store ledger.Store, prices *fixedPrices, now *atomic.Value) *trading.Executor {
	t.Helper()
	clock, err := market.NewClock(market.DefaultTimezone, func() time.Time { return now.Load().(time.Time) })
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	v := trading.NewValidator(prices.oracle(), clock, zap.NewNop())
	return trading.NewExecutor(store, v, clock, zap.NewNop())
}

var (
	nyc, _   = time.LoadLocation(market.DefaultTimezone)
	openTime = time.Date(2025, 1, 15, 10, 0, 0, 0, nyc)
	shutTime = time.Date(2025, 1, 18, 10, 0, 0, 0, nyc)
)

func TestLedgerStore_TradeLifecycle(t *testing.T) {
	store, pool := setupLedger(t)
	ctx := context.Background()
	prices := &fixedPrices{prices: map[string]decimal.Decimal{}}
	prices.set("AAPL", "150")
	prices.set("MSFT", "300")
	var now atomic.Value
	now.Store(openTime)
	exec := newExecutor(t, store, prices, &now)

	u := createUser(t, store, "alice", "10000")

	res, err := exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: decimal.NewFromInt(10), TradeType: domain.TradeBuy})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Balance.Equal(decimal.NewFromInt(8500)) {
		t.Errorf("balance = %s, want 8500", res.Balance)
	}

	_, err = exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: decimal.NewFromInt(15), TradeType: domain.TradeSell})
	if !errors.Is(err, domain.ErrInsufficientShares) {
		t.Fatalf("oversell: expected ErrInsufficientShares, got %v", err)
	}

	now.Store(shutTime)
	pending, err := exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "MSFT", Quantity: decimal.NewFromInt(5), TradeType: domain.TradeBuy})
	if err != nil || !pending.Pending {
		t.Fatalf("closed-market buy: %+v %v", pending, err)
	}

	now.Store(openTime.AddDate(0, 0, 5))
	prices.set("MSFT", "310")
	sweep, err := exec.RunPendingSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Processed != 1 || sweep.Executed != 1 {
		t.Fatalf("unexpected sweep %+v", sweep)
	}

	var balance decimal.Decimal
	if err := pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, u.ID).Scan(&balance); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(7000)) {
		t.Errorf("balance = %s, want 7000", balance)
	}

	var (
		status    string
		execPrice decimal.NullDecimal
	)
	if err := pool.QueryRow(ctx, `SELECT status, executed_price FROM pending_orders WHERE id = $1`, pending.OrderID).Scan(&status, &execPrice); err != nil {
		t.Fatalf("read order: %v", err)
	}
	if status != "EXECUTED" || !execPrice.Valid || !execPrice.Decimal.Equal(decimal.NewFromInt(310)) {
		t.Errorf("order status=%s price=%v", status, execPrice)
	}

	var txCount int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE user_id = $1`, u.ID).Scan(&txCount); err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 2 {
		t.Errorf("transactions = %d, want 2", txCount)
	}

	// Selling the whole position removes the row.
	if _, err := exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: decimal.NewFromInt(10), TradeType: domain.TradeSell}); err != nil {
		t.Fatalf("sell all: %v", err)
	}
	var holdings int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM holdings h JOIN stocks s ON s.id = h.stock_id WHERE h.user_id = $1 AND s.symbol = 'AAPL'`, u.ID).Scan(&holdings); err != nil {
		t.Fatalf("count holdings: %v", err)
	}
	if holdings != 0 {
		t.Errorf("AAPL holding rows = %d, want 0", holdings)
	}
}

func TestLedgerStore_ConcurrentBuysNeverOverspend(t *testing.T) {
	store, _ := setupLedger(t)
	prices := &fixedPrices{prices: map[string]decimal.Decimal{}}
	prices.set("AAPL", "100")
	var now atomic.Value
	now.Store(openTime)
	exec := newExecutor(t, store, prices, &now)
	u := createUser(t, store, "alice", "1000")

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.SubmitTrade(context.Background(), domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: decimal.NewFromInt(1), TradeType: domain.TradeBuy})
			switch {
			case err == nil:
				ok.Add(1)
			case !errors.Is(err, domain.ErrInsufficientFunds):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Errorf("succeeded = %d, want 10", ok.Load())
	}
	err := store.WithTx(context.Background(), func(tx ledger.Tx) error {
		got, err := tx.GetUser(context.Background(), u.ID)
		if err != nil {
			return err
		}
		if !got.Balance.IsZero() {
			t.Errorf("balance = %s, want 0", got.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read user: %v", err)
	}
}

func TestLedgerStore_SweepSellRacesImmediateSell(t *testing.T) {
	store, pool := setupLedger(t)
	ctx := context.Background()
	prices := &fixedPrices{prices: map[string]decimal.Decimal{}}
	prices.set("AAPL", "100")
	var now atomic.Value
	now.Store(openTime)
	exec := newExecutor(t, store, prices, &now)
	u := createUser(t, store, "alice", "100000")

	one := decimal.NewFromInt(1)
	if _, err := exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: decimal.NewFromInt(100), TradeType: domain.TradeBuy}); err != nil {
		t.Fatalf("seed buy: %v", err)
	}

	const rounds = 10
	for i := 0; i < rounds; i++ {
		now.Store(shutTime)
		pending, err := exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: one, TradeType: domain.TradeSell})
		if err != nil || !pending.Pending {
			t.Fatalf("round %d: closed-market sell: %+v %v", i, pending, err)
		}
		now.Store(openTime)

		var (
			wg       sync.WaitGroup
			sweep    trading.SweepResult
			sweepErr error
			sellErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			sweep, sweepErr = exec.RunPendingSweep(ctx)
		}()
		go func() {
			defer wg.Done()
			_, sellErr = exec.SubmitTrade(ctx, domain.TradeRequest{UserID: u.ID, Symbol: "AAPL", Quantity: one, TradeType: domain.TradeSell})
		}()
		wg.Wait()

		if sweepErr != nil {
			t.Fatalf("round %d: sweep: %v", i, sweepErr)
		}
		if sellErr != nil {
			t.Fatalf("round %d: immediate sell: %v", i, sellErr)
		}
		if sweep.Executed != 1 || sweep.Failed != 0 {
			t.Fatalf("round %d: unexpected sweep %+v", i, sweep)
		}

		var status string
		if err := pool.QueryRow(ctx, `SELECT status FROM pending_orders WHERE id = $1`, pending.OrderID).Scan(&status); err != nil {
			t.Fatalf("round %d: read order: %v", i, err)
		}
		if status != "EXECUTED" {
			t.Fatalf("round %d: order status = %s, want EXECUTED", i, status)
		}
	}

	var (
		qty     decimal.Decimal
		balance decimal.Decimal
		txCount int
	)
	if err := pool.QueryRow(ctx, `SELECT h.quantity FROM holdings h JOIN stocks s ON s.id = h.stock_id WHERE h.user_id = $1 AND s.symbol = 'AAPL'`, u.ID).Scan(&qty); err != nil {
		t.Fatalf("read holding: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(100 - 2*rounds)) {
		t.Errorf("holding = %s, want %d", qty, 100-2*rounds)
	}
	if err := pool.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, u.ID).Scan(&balance); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(90000 + 2*rounds*100)) {
		t.Errorf("balance = %s, want %d", balance, 90000+2*rounds*100)
	}
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM transactions WHERE user_id = $1`, u.ID).Scan(&txCount); err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 1+2*rounds {
		t.Errorf("transactions = %d, want %d", txCount, 1+2*rounds)
	}
}

func TestLedgerStore_ClaimIsExclusive(t *testing.T) {
	store, _ := setupLedger(t)
	ctx := context.Background()
	u := createUser(t, store, "alice", "1000")

	var orderID int64
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		s, err := tx.GetOrCreateStock(ctx, "AAPL", "Apple", decimal.NewFromInt(100), time.Now())
		if err != nil {
			return err
		}
		o := &domain.PendingOrder{UserID: u.ID, StockID: s.ID, Type: domain.TradeBuy, Quantity: decimal.NewFromInt(1), PriceAtCreation: decimal.NewFromInt(100)}
		if err := tx.InsertPendingOrder(ctx, o); err != nil {
			return err
		}
		if o.Status != domain.OrderStatusPending || o.Symbol != "AAPL" {
			t.Errorf("unexpected inserted order %+v", o)
		}
		orderID = o.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		already atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(tx ledger.Tx) error {
				_, err := tx.ClaimPendingOrder(ctx, orderID, domain.OrderUpdate{Status: domain.OrderStatusCancelled, Notes: "Cancelled by user"})
				return err
			})
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, domain.ErrAlreadyProcessing):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 || already.Load() != 7 {
		t.Errorf("won=%d already=%d, want 1/7", won.Load(), already.Load())
	}

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.GetPendingOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusCancelled || o.ExecutedPrice != nil || o.ExecutedAt != nil {
			t.Errorf("unexpected order %+v", o)
		}
		_, err = tx.ClaimPendingOrder(ctx, 987654, domain.OrderUpdate{Status: domain.OrderStatusCancelled})
		if !errors.Is(err, domain.ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLedgerStore_Constraints(t *testing.T) {
	store, _ := setupLedger(t)
	ctx := context.Background()
	createUser(t, store, "alice", "10")

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.CreateUser(ctx, "alice", decimal.NewFromInt(1))
		return err
	})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("duplicate username: expected ErrInvalidRequest, got %v", err)
	}

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		u, err := tx.CreateUser(ctx, "bob", decimal.NewFromInt(10))
		if err != nil {
			return err
		}
		return tx.UpdateBalance(ctx, u.ID, decimal.NewFromInt(-1))
	})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("negative balance: expected ErrStoreUnavailable, got %v", err)
	}

	// The failed unit of work left no bob behind.
	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		users, err := tx.ListUsersByBalance(ctx, 0)
		if err != nil {
			return err
		}
		if len(users) != 1 || users[0].Username != "alice" {
			t.Errorf("unexpected users %+v", users)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
}
