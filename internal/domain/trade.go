package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeType is the side of a trade.
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,14}$`)

// ParseTradeType normalizes s to upper case and accepts only BUY or SELL.
func ParseTradeType(s string) (TradeType, error) {
	switch t := TradeType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TradeBuy, TradeSell:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q, must be BUY or SELL", ErrInvalidTradeType, s)
}

// NormalizeSymbol upper-cases a ticker and checks its shape.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}

// ValidateQuantity rejects zero and negative quantities and quantities
// finer than QuantityScale.
func ValidateQuantity(q decimal.Decimal) error {
	if !q.IsPositive() {
		return fmt.Errorf("%w: must be greater than 0, got %s", ErrInvalidQuantity, q)
	}
	if !q.Equal(q.Truncate(QuantityScale)) {
		return fmt.Errorf("%w: at most %d decimal places, got %s", ErrInvalidQuantity, QuantityScale, q)
	}
	return nil
}

// ParseQuantity accepts a JSON number or a numeric JSON string and returns
// a positive decimal.
func ParseQuantity(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Zero, fmt.Errorf("%w: quantity is required", ErrInvalidQuantity)
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidQuantity, s)
		}
		s = strings.TrimSpace(str)
	}
	q, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidQuantity, s)
	}
	if err := ValidateQuantity(q); err != nil {
		return decimal.Zero, err
	}
	return q, nil
}

// TradeRequest is an intended trade after request-level parsing.
type TradeRequest struct {
	UserID    int64
	Symbol    string
	Quantity  decimal.Decimal
	TradeType TradeType
}

// Validate checks the request-level rules that run before any price or
// account lookup.
func (r TradeRequest) Validate() error {
	if r.UserID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", ErrInvalidRequest)
	}
	if _, err := NormalizeSymbol(r.Symbol); err != nil {
		return err
	}
	if err := ValidateQuantity(r.Quantity); err != nil {
		return err
	}
	if _, err := ParseTradeType(string(r.TradeType)); err != nil {
		return err
	}
	return nil
}

// Scales of the stored NUMERIC columns.
const (
	MoneyScale    = 4 // cash amounts and prices
	QuantityScale = 6 // share quantities
)

// Notional returns price * quantity rounded to MoneyScale.
func Notional(price, quantity decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity).Round(MoneyScale)
}
