package models

import (
	"fmt"
	"time"
)

// Channel names the logical stream kinds a venue can deliver.
type Channel string

const (
	ChannelTicker    Channel = "ticker"
	ChannelOrderbook Channel = "orderbook"
	ChannelTrades    Channel = "trades"
	ChannelCandles   Channel = "candles"
)

// Valid reports whether the channel is one of the recognized stream kinds.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTicker, ChannelOrderbook, ChannelTrades, ChannelCandles:
		return true
	}
	return false
}

// Subscription describes one negotiated stream on a venue. Uniqueness within
// a venue is the (Channel, Symbol, Extra) triple; Extra carries channel
// specific detail such as a candle interval.
type Subscription struct {
	Channel      Channel   `json:"channel"`
	Symbol       string    `json:"symbol"`
	Extra        string    `json:"extra,omitempty"`
	ID           string    `json:"id,omitempty"` // UUID assigned when the registry first records the descriptor
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	SubscribedAt time.Time `json:"subscribed_at,omitempty"`
	LastUpdateAt time.Time `json:"last_update_at,omitempty"`
}

// Key returns the registry key for the subscription.
func (s Subscription) Key() string {
	return SubscriptionKey(s.Channel, s.Symbol, s.Extra)
}

// SubscriptionKey builds the registry key for a (channel, symbol, extra)
// triple without constructing a Subscription.
func SubscriptionKey(channel Channel, symbol, extra string) string {
	if extra == "" {
		return fmt.Sprintf("%s:%s", channel, symbol)
	}
	return fmt.Sprintf("%s:%s:%s", channel, symbol, extra)
}
