package models

import "github.com/shopspring/decimal"

// Candle is one normalized OHLCV bar.
type Candle struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"` // canonical form, e.g. "1m", "1h", "1M"
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"` // bar open time, unix milliseconds
}
