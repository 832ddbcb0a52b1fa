package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookAction tags what a delta row did to a price level.
type BookAction string

const (
	BookActionInsert BookAction = "insert"
	BookActionUpdate BookAction = "update"
	BookActionDelete BookAction = "delete"
)

// BookLevel is a single price level. Quantity zero is the delete sentinel on
// the wire; the book engine never retains such levels. Count and OrderID are
// populated only for venues that publish them.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Count    int             `json:"count,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Action   BookAction      `json:"action,omitempty"`
}

// OrderBook is the normalized ladder for one symbol on one venue. Bids are
// strictly non-increasing by price, asks strictly non-decreasing, and no two
// levels on a side share a price.
type OrderBook struct {
	Venue     string      `json:"venue"`
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

// BestBid returns the highest bid, or nil when the side is empty.
func (b *OrderBook) BestBid() *BookLevel {
	if len(b.Bids) == 0 {
		return nil
	}
	return &b.Bids[0]
}

// BestAsk returns the lowest ask, or nil when the side is empty.
func (b *OrderBook) BestAsk() *BookLevel {
	if len(b.Asks) == 0 {
		return nil
	}
	return &b.Asks[0]
}

// Spread returns best ask minus best bid. The second return is false when
// either side is empty.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == nil || ask == nil {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// RawMessage carries one transport frame from a venue before parsing.
type RawMessage struct {
	Venue     string    `json:"venue"`
	Data      []byte    `json:"data"`
	Private   bool      `json:"private"`
	Timestamp time.Time `json:"timestamp"`
}
