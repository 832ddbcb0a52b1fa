package models

import "github.com/shopspring/decimal"

// Ticker is the normalized best-bid/ask and 24h statistics record.
type Ticker struct {
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	BestBid      decimal.Decimal `json:"best_bid"`
	BestBidSize  decimal.Decimal `json:"best_bid_size"`
	BestAsk      decimal.Decimal `json:"best_ask"`
	BestAskSize  decimal.Decimal `json:"best_ask_size"`
	LastPrice    decimal.Decimal `json:"last_price"`
	High24h      decimal.Decimal `json:"high_24h"`
	Low24h       decimal.Decimal `json:"low_24h"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	Change24hPct decimal.Decimal `json:"change_24h_pct"`
	Timestamp    int64           `json:"timestamp"` // unix milliseconds
}
