package handler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/trading"
)

type tradeRequest struct {
	UserID    *int64          `json:"user_id"`
	Symbol    *string         `json:"symbol"`
	Quantity  json.RawMessage `json:"quantity"`
	TradeType *string         `json:"trade_type"`
}

func (r tradeRequest) toDomain() (domain.TradeRequest, error) {
	switch {
	case r.UserID == nil:
		return domain.TradeRequest{}, fmt.Errorf("%w: user_id is required", domain.ErrInvalidRequest)
	case r.Symbol == nil || *r.Symbol == "":
		return domain.TradeRequest{}, fmt.Errorf("%w: symbol is required", domain.ErrInvalidRequest)
	case r.TradeType == nil || *r.TradeType == "":
		return domain.TradeRequest{}, fmt.Errorf("%w: trade_type is required", domain.ErrInvalidRequest)
	}

	qty, err := domain.ParseQuantity(r.Quantity)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	tt, err := domain.ParseTradeType(*r.TradeType)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	return domain.TradeRequest{
		UserID:    *r.UserID,
		Symbol:    *r.Symbol,
		Quantity:  qty,
		TradeType: tt,
	}, nil
}

type tradeResponse struct {
	Status        string           `json:"status"`
	Pending       bool             `json:"pending"`
	OrderID       int64            `json:"order_id,omitempty"`
	TransactionID int64            `json:"transaction_id,omitempty"`
	UserID        int64            `json:"user_id"`
	Symbol        string           `json:"symbol"`
	TradeType     domain.TradeType `json:"trade_type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Total         decimal.Decimal  `json:"total"`
	Balance       decimal.Decimal  `json:"balance"`
}

func newTradeResponse(r trading.TradeResult) tradeResponse {
	return tradeResponse{
		Status:        r.Status(),
		Pending:       r.Pending,
		OrderID:       r.OrderID,
		TransactionID: r.TransactionID,
		UserID:        r.UserID,
		Symbol:        r.Symbol,
		TradeType:     r.TradeType,
		Quantity:      r.Quantity,
		Price:         r.Price,
		Total:         r.Total,
		Balance:       r.Balance,
	}
}

type orderResponse struct {
	ID              int64              `json:"id"`
	UserID          int64              `json:"user_id"`
	Symbol          string             `json:"symbol"`
	TradeType       domain.TradeType   `json:"trade_type"`
	Quantity        decimal.Decimal    `json:"quantity"`
	PriceAtCreation decimal.Decimal    `json:"price_at_creation"`
	Status          domain.OrderStatus `json:"status"`
	ExecutedPrice   *decimal.Decimal   `json:"executed_price,omitempty"`
	ExecutedAt      *time.Time         `json:"executed_at,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func newOrderResponse(o domain.PendingOrder) orderResponse {
	return orderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		Symbol:          o.Symbol,
		TradeType:       o.Type,
		Quantity:        o.Quantity,
		PriceAtCreation: o.PriceAtCreation,
		Status:          o.Status,
		ExecutedPrice:   o.ExecutedPrice,
		ExecutedAt:      o.ExecutedAt,
		Notes:           o.Notes,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

type userResponse struct {
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

func newUserResponse(u domain.User) userResponse {
	return userResponse{UserID: u.ID, Username: u.Username, Balance: u.Balance}
}

type leaderboardEntry struct {
	Rank int `json:"rank"`
	userResponse
}

type stockResponse struct {
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"company_name"`
	LastPrice   decimal.Decimal `json:"last_price"`
	LastUpdated time.Time       `json:"last_updated"`
	Stale       bool            `json:"stale"`
}

func newStockResponse(s domain.Stock, stale bool) stockResponse {
	return stockResponse{
		Symbol:      s.Symbol,
		CompanyName: s.CompanyName,
		LastPrice:   s.LastPrice,
		LastUpdated: s.LastUpdated,
		Stale:       stale,
	}
}

type positionResponse struct {
	stockResponse
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
}

type portfolioResponse struct {
	UserID        int64              `json:"user_id"`
	Balance       decimal.Decimal    `json:"balance"`
	HoldingsValue decimal.Decimal    `json:"holdings_value"`
	Equity        decimal.Decimal    `json:"equity"`
	Positions     []positionResponse `json:"positions"`
}

func newPortfolioResponse(v trading.PortfolioView) portfolioResponse {
	out := portfolioResponse{
		UserID:        v.User.ID,
		Balance:       v.User.Balance,
		HoldingsValue: v.Holdings,
		Equity:        v.Equity,
		Positions:     make([]positionResponse, 0, len(v.Positions)),
	}
	for _, p := range v.Positions {
		out.Positions = append(out.Positions, positionResponse{
			stockResponse: newStockResponse(p.Stock, p.Stale),
			Quantity:      p.Quantity,
			MarketValue:   p.MarketValue(),
		})
	}
	return out
}

type transactionResponse struct {
	ID         int64            `json:"id"`
	Symbol     string           `json:"symbol"`
	TradeType  domain.TradeType `json:"trade_type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Total      decimal.Decimal  `json:"total"`
	ExecutedAt time.Time        `json:"executed_at"`
}

func newTransactionResponse(t domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:         t.ID,
		Symbol:     t.Symbol,
		TradeType:  t.Type,
		Quantity:   t.Quantity,
		Price:      t.Price,
		Total:      t.Total(),
		ExecutedAt: t.ExecutedAt,
	}
}
