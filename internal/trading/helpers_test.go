package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
	"papertrade/internal/ledger/memory"
	"papertrade/internal/market"
	"papertrade/internal/oracle"
)

var errOracleDown = errors.New("oracle down")

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// fakeOracle serves settable prices.
type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fail   map[string]error
	calls  int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		prices: make(map[string]decimal.Decimal),
		fail:   make(map[string]error),
	}
}

func (f *fakeOracle) set(symbol string, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.RequireFromString(price)
	delete(f.fail, symbol)
}

func (f *fakeOracle) failWith(symbol string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[symbol] = err
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeOracle) CurrentPrice(ctx context.Context, symbol string) (oracle.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[symbol]; ok {
		return oracle.Quote{}, err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return oracle.Quote{}, oracle.ErrSymbolNotFound
	}
	return oracle.Quote{Symbol: symbol, CompanyName: symbol + " Inc.", Price: p}, nil
}

// testClock is a settable time source behind a real market clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) get() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var newYork = func() *time.Location {
	loc, err := time.LoadLocation(market.DefaultTimezone)
	if err != nil {
		panic(err)
	}
	return loc
}()

// Wednesday 10:00 and Saturday 10:00, New York time.
var (
	marketOpenAt   = time.Date(2025, 1, 15, 10, 0, 0, 0, newYork)
	marketClosedAt = time.Date(2025, 1, 18, 10, 0, 0, 0, newYork)
)

type testEnv struct {
	store     *memory.Store
	oracle    *fakeOracle
	clock     *testClock
	validator *Validator
	executor  *Executor
	prices    *PriceCache
	portfolio *Portfolio
}

func newTestEnv(t tb) *testEnv {
	t.Helper()
	tc := &testClock{now: marketOpenAt}
	clock, err := market.NewClock(market.DefaultTimezone, tc.get)
	if err != nil {
		t.Fatalf("NewClock: %v", err)
	}
	store := memory.NewStore()
	store.SetClock(tc.get)
	fo := newFakeOracle()
	logger := zap.NewNop()
	v := NewValidator(fo, clock, logger)
	prices := NewPriceCache(store, v, clock, DefaultPriceTTL, logger)
	return &testEnv{
		store:     store,
		oracle:    fo,
		clock:     tc,
		validator: v,
		executor:  NewExecutor(store, v, clock, logger),
		prices:    prices,
		portfolio: NewPortfolio(store, prices, logger),
	}
}

func (env *testEnv) createUser(t tb, name, balance string) domain.User {
	t.Helper()
	var u domain.User
	err := env.store.WithTx(context.Background(), func(tx ledger.Tx) error {
		var err error
		u, err = tx.CreateUser(context.Background(), name, decimal.RequireFromString(balance))
		return err
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func (env *testEnv) submit(t tb, userID int64, symbol, qty string, tt domain.TradeType) (TradeResult, error) {
	t.Helper()
	return env.executor.SubmitTrade(context.Background(), domain.TradeRequest{
		UserID:    userID,
		Symbol:    symbol,
		Quantity:  decimal.RequireFromString(qty),
		TradeType: tt,
	})
}

func (env *testEnv) mustSubmit(t tb, userID int64, symbol, qty string, tt domain.TradeType) TradeResult {
	t.Helper()
	res, err := env.submit(t, userID, symbol, qty, tt)
	if err != nil {
		t.Fatalf("submit %s %s %s: %v", tt, qty, symbol, err)
	}
	return res
}

func assertBalance(t tb, env *testEnv, userID int64, want string) {
	t.Helper()
	if got := env.store.Balance(userID); !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

func assertHolding(t tb, env *testEnv, userID int64, symbol, want string) {
	t.Helper()
	got, ok := env.store.HoldingQuantity(userID, symbol)
	if want == "" {
		if ok {
			t.Errorf("expected no %s holding, got %s", symbol, got)
		}
		return
	}
	if !ok {
		t.Fatalf("expected %s holding of %s, got none", symbol, want)
	}
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s holding = %s, want %s", symbol, got, want)
	}
}

func assertNoNonPositiveHoldings(t tb, env *testEnv) {
	t.Helper()
	for _, h := range env.store.Holdings() {
		if !h.Quantity.IsPositive() {
			t.Fatalf("holding user=%d stock=%d has quantity %s", h.UserID, h.StockID, h.Quantity)
		}
	}
}
