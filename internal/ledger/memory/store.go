// Package memory is an in-process ledger.Store. Units of work run one at a
// time against a copy of the state, which gives serializable isolation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

type holdingKey struct {
	userID  int64
	stockID int64
}

type state struct {
	users         map[int64]domain.User
	usernames     map[string]int64
	stocks        map[int64]domain.Stock
	stockBySymbol map[string]int64
	holdings      map[holdingKey]decimal.Decimal
	transactions  []domain.Transaction
	orders        map[int64]domain.PendingOrder
	seq           int64
}

func newState() *state {
	return &state{
		users:         make(map[int64]domain.User),
		usernames:     make(map[string]int64),
		stocks:        make(map[int64]domain.Stock),
		stockBySymbol: make(map[string]int64),
		holdings:      make(map[holdingKey]decimal.Decimal),
		orders:        make(map[int64]domain.PendingOrder),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:         make(map[int64]domain.User, len(s.users)),
		usernames:     make(map[string]int64, len(s.usernames)),
		stocks:        make(map[int64]domain.Stock, len(s.stocks)),
		stockBySymbol: make(map[string]int64, len(s.stockBySymbol)),
		holdings:      make(map[holdingKey]decimal.Decimal, len(s.holdings)),
		transactions:  make([]domain.Transaction, len(s.transactions)),
		orders:        make(map[int64]domain.PendingOrder, len(s.orders)),
		seq:           s.seq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.usernames {
		c.usernames[k] = v
	}
	for k, v := range s.stocks {
		c.stocks[k] = v
	}
	for k, v := range s.stockBySymbol {
		c.stockBySymbol[k] = v
	}
	for k, v := range s.holdings {
		c.holdings[k] = v
	}
	copy(c.transactions, s.transactions)
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store is a thread-safe in-memory ledger.
type Store struct {
	mu     sync.Mutex
	state  *state
	now    func() time.Time
	writes int
	faults map[string]error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		state:  newState(),
		now:    time.Now,
		faults: make(map[string]error),
	}
}

// SetClock overrides the clock used for created_at/updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call of the named Tx method return err. The
// failure is wrapped with domain.ErrStoreUnavailable.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Writes returns the number of committed units of work that changed state.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.dirty {
		s.state = tx.st
		s.writes++
	}
	return nil
}

// Snapshot helpers for tests.

// Balance returns the stored balance of a user.
func (s *Store) Balance(userID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.users[userID].Balance
}

// HoldingQuantity returns the stored quantity and whether a row exists.
func (s *Store) HoldingQuantity(userID int64, symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.state.holdings[holdingKey{userID, s.state.stockBySymbol[symbol]}]
	return q, ok
}

// Holdings returns a copy of every stored holding quantity.
func (s *Store) Holdings() []domain.Holding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Holding, 0, len(s.state.holdings))
	for k, q := range s.state.holdings {
		out = append(out, domain.Holding{UserID: k.userID, StockID: k.stockID, Quantity: q})
	}
	return out
}

// Transactions returns a copy of the transaction ledger in insert order.
func (s *Store) Transactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, len(s.state.transactions))
	copy(out, s.state.transactions)
	return out
}

// Order returns a stored pending order.
func (s *Store) Order(orderID int64) (domain.PendingOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[orderID]
	return o, ok
}

type memTx struct {
	store *Store
	st    *state
	dirty bool
}

func (t *memTx) fault(op string) error {
	err, ok := t.store.faults[op]
	if !ok {
		return nil
	}
	delete(t.store.faults, op)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (t *memTx) CreateUser(ctx context.Context, username string, balance decimal.Decimal) (domain.User, error) {
	if err := t.fault("CreateUser"); err != nil {
		return domain.User{}, err
	}
	if _, ok := t.st.usernames[username]; ok {
		return domain.User{}, fmt.Errorf("%w: username %q taken", domain.ErrInvalidRequest, username)
	}
	if balance.IsNegative() {
		return domain.User{}, fmt.Errorf("%w: balance must not be negative", domain.ErrInvalidRequest)
	}
	u := domain.User{
		ID:        t.st.nextID(),
		Username:  username,
		Balance:   balance,
		CreatedAt: t.store.now(),
	}
	t.st.users[u.ID] = u
	t.st.usernames[username] = u.ID
	t.dirty = true
	return u, nil
}

func (t *memTx) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	if err := t.fault("GetUser"); err != nil {
		return domain.User{}, err
	}
	u, ok := t.st.users[userID]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (t *memTx) UpdateBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	if err := t.fault("UpdateBalance"); err != nil {
		return err
	}
	u, ok := t.st.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	if balance.IsNegative() {
		return fmt.Errorf("UpdateBalance: %w: balance would go negative", domain.ErrStoreUnavailable)
	}
	u.Balance = balance
	t.st.users[userID] = u
	t.dirty = true
	return nil
}

func (t *memTx) ListUsersByBalance(ctx context.Context, limit int) ([]domain.User, error) {
	out := make([]domain.User, 0, len(t.st.users))
	for _, u := range t.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Balance.Cmp(out[j].Balance); c != 0 {
			return c > 0
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) GetStock(ctx context.Context, symbol string) (domain.Stock, error) {
	if err := t.fault("GetStock"); err != nil {
		return domain.Stock{}, err
	}
	id, ok := t.st.stockBySymbol[symbol]
	if !ok {
		return domain.Stock{}, domain.ErrStockNotFound
	}
	return t.st.stocks[id], nil
}

func (t *memTx) GetOrCreateStock(ctx context.Context, symbol, companyName string, price decimal.Decimal, at time.Time) (domain.Stock, error) {
	if err := t.fault("GetOrCreateStock"); err != nil {
		return domain.Stock{}, err
	}
	if id, ok := t.st.stockBySymbol[symbol]; ok {
		return t.st.stocks[id], nil
	}
	s := domain.Stock{
		ID:          t.st.nextID(),
		Symbol:      symbol,
		CompanyName: companyName,
		LastPrice:   price,
		LastUpdated: at,
	}
	t.st.stocks[s.ID] = s
	t.st.stockBySymbol[symbol] = s.ID
	t.dirty = true
	return s, nil
}

func (t *memTx) UpdateStockPrice(ctx context.Context, stockID int64, price decimal.Decimal, at time.Time) error {
	if err := t.fault("UpdateStockPrice"); err != nil {
		return err
	}
	s, ok := t.st.stocks[stockID]
	if !ok {
		return domain.ErrStockNotFound
	}
	s.LastPrice = price
	s.LastUpdated = at
	t.st.stocks[stockID] = s
	t.dirty = true
	return nil
}

func (t *memTx) GetHolding(ctx context.Context, userID, stockID int64) (domain.Holding, error) {
	if err := t.fault("GetHolding"); err != nil {
		return domain.Holding{}, err
	}
	q, ok := t.st.holdings[holdingKey{userID, stockID}]
	if !ok {
		return domain.Holding{}, domain.ErrHoldingNotFound
	}
	return domain.Holding{UserID: userID, StockID: stockID, Quantity: q}, nil
}

func (t *memTx) UpsertHolding(ctx context.Context, userID, stockID int64, delta decimal.Decimal) (domain.Holding, error) {
	if err := t.fault("UpsertHolding"); err != nil {
		return domain.Holding{}, err
	}
	k := holdingKey{userID, stockID}
	q := t.st.holdings[k].Add(delta)
	if !q.IsPositive() {
		return domain.Holding{}, fmt.Errorf("UpsertHolding: %w: quantity must stay positive, got %s", domain.ErrStoreUnavailable, q)
	}
	t.st.holdings[k] = q
	t.dirty = true
	return domain.Holding{UserID: userID, StockID: stockID, Quantity: q}, nil
}

func (t *memTx) DeleteHolding(ctx context.Context, userID, stockID int64) error {
	if err := t.fault("DeleteHolding"); err != nil {
		return err
	}
	k := holdingKey{userID, stockID}
	if _, ok := t.st.holdings[k]; ok {
		delete(t.st.holdings, k)
		t.dirty = true
	}
	return nil
}

func (t *memTx) ListPositions(ctx context.Context, userID int64) ([]domain.Position, error) {
	out := make([]domain.Position, 0)
	for k, q := range t.st.holdings {
		if k.userID != userID {
			continue
		}
		out = append(out, domain.Position{Stock: t.st.stocks[k.stockID], Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stock.Symbol < out[j].Stock.Symbol })
	return out, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	if err := t.fault("InsertTransaction"); err != nil {
		return err
	}
	tr.ID = t.st.nextID()
	if tr.Symbol == "" {
		tr.Symbol = t.st.stocks[tr.StockID].Symbol
	}
	t.st.transactions = append(t.st.transactions, *tr)
	t.dirty = true
	return nil
}

func (t *memTx) ListTransactions(ctx context.Context, userID int64, limit int) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0)
	for i := len(t.st.transactions) - 1; i >= 0; i-- {
		if tr := t.st.transactions[i]; tr.UserID == userID {
			out = append(out, tr)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) InsertPendingOrder(ctx context.Context, o *domain.PendingOrder) error {
	if err := t.fault("InsertPendingOrder"); err != nil {
		return err
	}
	now := t.store.now()
	o.ID = t.st.nextID()
	o.Status = domain.OrderStatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Symbol == "" {
		o.Symbol = t.st.stocks[o.StockID].Symbol
	}
	t.st.orders[o.ID] = *o
	t.dirty = true
	return nil
}

func (t *memTx) GetPendingOrder(ctx context.Context, orderID int64) (domain.PendingOrder, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return domain.PendingOrder{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (t *memTx) ClaimPendingOrder(ctx context.Context, orderID int64, u domain.OrderUpdate) (domain.PendingOrder, error) {
	if err := t.fault("ClaimPendingOrder"); err != nil {
		return domain.PendingOrder{}, err
	}
	o, ok := t.st.orders[orderID]
	if !ok {
		return domain.PendingOrder{}, domain.ErrOrderNotFound
	}
	if o.Status != domain.OrderStatusPending {
		return domain.PendingOrder{}, fmt.Errorf("%w: order %d is %s", domain.ErrAlreadyProcessing, orderID, o.Status)
	}
	o.Status = u.Status
	o.ExecutedPrice = u.ExecutedPrice
	o.ExecutedAt = u.ExecutedAt
	o.Notes = u.Notes
	o.UpdatedAt = t.store.now()
	t.st.orders[orderID] = o
	t.dirty = true
	return o, nil
}

func (t *memTx) ListPendingOrders(ctx context.Context, filter ledger.OrderFilter) ([]domain.PendingOrder, error) {
	if err := t.fault("ListPendingOrders"); err != nil {
		return nil, err
	}
	out := make([]domain.PendingOrder, 0)
	for _, o := range t.st.orders {
		if filter.UserID != 0 && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *memTx) UpdatePendingOrderStatus(ctx context.Context, orderID int64, u domain.OrderUpdate) error {
	if err := t.fault("UpdatePendingOrderStatus"); err != nil {
		return err
	}
	o, ok := t.st.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if !o.Status.CanTransition(u.Status) {
		return fmt.Errorf("%w: order %d cannot move from %s to %s", domain.ErrAlreadyProcessing, orderID, o.Status, u.Status)
	}
	o.Status = u.Status
	o.ExecutedPrice = u.ExecutedPrice
	o.ExecutedAt = u.ExecutedAt
	o.Notes = u.Notes
	o.UpdatedAt = t.store.now()
	t.st.orders[orderID] = o
	t.dirty = true
	return nil
}
