package trading

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"papertrade/internal/domain"
)

var (
	propSymbols    = []string{"AAPL", "MSFT"}
	propQuantities = []string{"0.5", "1", "2", "3", "7.25"}
)

// propModel tracks what the ledger cannot tell apart on its own.
type propModel struct {
	userID       int64
	initial      decimal.Decimal
	immediateBuy decimal.Decimal
	immediate    int
	orders       []int64
}

// TestProperty_LedgerInvariants runs random interleavings of trades, cancels
// and sweeps across market open and close, and checks after every step that
// cash and shares are conserved, no holding goes non-positive and no order
// executes more than once.
func TestProperty_LedgerInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv(t)
		m := &propModel{initial: decimal.NewFromInt(5000), immediateBuy: decimal.Zero}
		m.userID = env.createUser(t, "prop", m.initial.String()).ID
		for _, sym := range propSymbols {
			env.oracle.set(sym, "100")
		}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("op-%d", i)) {
			case 0, 1:
				propTrade(t, env, m, i)
			case 2:
				if len(m.orders) > 0 {
					id := rapid.SampledFrom(m.orders).Draw(t, fmt.Sprintf("cancel-%d", i))
					_, _ = env.executor.CancelOrder(context.Background(), id, m.userID)
				}
			case 3:
				if _, err := env.executor.RunPendingSweep(context.Background()); err != nil {
					t.Fatalf("RunPendingSweep: %v", err)
				}
			case 4:
				if rapid.Bool().Draw(t, fmt.Sprintf("open-%d", i)) {
					env.clock.set(marketOpenAt)
				} else {
					env.clock.set(marketClosedAt)
				}
			case 5:
				sym := rapid.SampledFrom(propSymbols).Draw(t, fmt.Sprintf("repriceSym-%d", i))
				cents := rapid.Int64Range(1, 50000).Draw(t, fmt.Sprintf("repriceCents-%d", i))
				env.oracle.set(sym, decimal.New(cents, -2).String())
			}
			checkLedgerInvariants(t, env, m)
		}
	})
}

func propTrade(t *rapid.T, env *testEnv, m *propModel, i int) {
	sym := rapid.SampledFrom(propSymbols).Draw(t, fmt.Sprintf("sym-%d", i))
	qty := rapid.SampledFrom(propQuantities).Draw(t, fmt.Sprintf("qty-%d", i))
	tt := domain.TradeBuy
	if rapid.Bool().Draw(t, fmt.Sprintf("sell-%d", i)) {
		tt = domain.TradeSell
	}

	res, err := env.submit(t, m.userID, sym, qty, tt)
	if err != nil {
		if !domain.IsRejection(err) {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	if res.Pending {
		m.orders = append(m.orders, res.OrderID)
		return
	}
	m.immediate++
	if tt == domain.TradeBuy {
		m.immediateBuy = m.immediateBuy.Add(res.Total)
	}
}

func checkLedgerInvariants(t *rapid.T, env *testEnv, m *propModel) {
	t.Helper()

	balance := env.store.Balance(m.userID)
	if balance.IsNegative() {
		t.Fatalf("balance went negative: %s", balance)
	}
	assertNoNonPositiveHoldings(t, env)

	sells := decimal.Zero
	shares := make(map[string]decimal.Decimal)
	txs := env.store.Transactions()
	for _, tr := range txs {
		switch tr.Type {
		case domain.TradeBuy:
			shares[tr.Symbol] = shares[tr.Symbol].Add(tr.Quantity)
		case domain.TradeSell:
			shares[tr.Symbol] = shares[tr.Symbol].Sub(tr.Quantity)
			sells = sells.Add(tr.Total())
		}
	}

	reserved := decimal.Zero
	executed := 0
	for _, id := range m.orders {
		o, ok := env.store.Order(id)
		if !ok {
			t.Fatalf("order %d vanished", id)
		}
		switch o.Status {
		case domain.OrderStatusPending:
			reserved = reserved.Add(o.Reservation())
		case domain.OrderStatusExecuted:
			executed++
			reserved = reserved.Add(o.Reservation())
			if o.ExecutedPrice == nil || o.ExecutedAt == nil {
				t.Fatalf("executed order %d has no execution price/time", id)
			}
		case domain.OrderStatusProcessing:
			t.Fatalf("order %d left in PROCESSING", id)
		}
	}

	if len(txs) != m.immediate+executed {
		t.Fatalf("transactions = %d, want %d immediate + %d executed orders", len(txs), m.immediate, executed)
	}

	want := m.initial.Sub(m.immediateBuy).Add(sells).Sub(reserved)
	if !balance.Equal(want) {
		t.Fatalf("balance = %s, want %s", balance, want)
	}

	for _, sym := range propSymbols {
		got, ok := env.store.HoldingQuantity(m.userID, sym)
		if !ok {
			got = decimal.Zero
		}
		if !got.Equal(shares[sym]) {
			t.Fatalf("%s holding = %s, ledger says %s", sym, got, shares[sym])
		}
	}
}

func TestProperty_NotionalScale(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		price := decimal.New(rapid.Int64Range(1, 10_000_000).Draw(t, "price"), -4)
		qty := decimal.New(rapid.Int64Range(1, 10_000_000).Draw(t, "qty"), -6)
		n := domain.Notional(price, qty)
		if n.Exponent() < -domain.MoneyScale {
			t.Fatalf("notional %s has more than %d decimals", n, domain.MoneyScale)
		}
		if diff := n.Sub(price.Mul(qty)).Abs(); diff.GreaterThan(decimal.New(5, -5)) {
			t.Fatalf("notional %s too far from %s", n, price.Mul(qty))
		}
	})
}
