package models

import "github.com/shopspring/decimal"

// TradeSide is the side a venue reports for a trade: Ask where the venue
// marks the trade as a sell (or ask), Bid otherwise.
type TradeSide string

const (
	TradeSideBid TradeSide = "bid"
	TradeSideAsk TradeSide = "ask"
)

// Trade is a single normalized execution.
type Trade struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Side      TradeSide       `json:"side"`
	OrderType string          `json:"order_type,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"` // price * quantity in quote units
}

// TradeBatch groups the trades one venue frame produced, delivered in wire
// order.
type TradeBatch struct {
	Venue     string  `json:"venue"`
	Symbol    string  `json:"symbol"`
	Trades    []Trade `json:"trades"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}
