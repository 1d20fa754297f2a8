package domain

import "errors"

// Sentinel errors for trade handling. The handler layer maps these to
// HTTP status codes.
var (
	ErrPriceUnavailable   = errors.New("price_unavailable")
	ErrUserNotFound       = errors.New("user_not_found")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrInvalidTradeType   = errors.New("invalid_trade_type")
	ErrInvalidSymbol      = errors.New("invalid_symbol")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrAlreadyProcessing  = errors.New("already_processing")
	ErrOrderNotFound      = errors.New("order_not_found")
	ErrStockNotFound      = errors.New("stock_not_found")
	ErrHoldingNotFound    = errors.New("holding_not_found")
	ErrStoreUnavailable   = errors.New("store_unavailable")
)

var rejections = []error{
	ErrPriceUnavailable,
	ErrUserNotFound,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrInvalidQuantity,
	ErrInvalidTradeType,
	ErrInvalidSymbol,
	ErrInvalidRequest,
	ErrAlreadyProcessing,
	ErrOrderNotFound,
	ErrStockNotFound,
}

// IsRejection reports whether err is a business rejection rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
