// Package coinbase implements the Coinbase Exchange websocket adapter.
// Subscriptions batch into one frame grouping product ids and channels; no
// candle channel exists on this feed.
package coinbase

import (
	"encoding/json"
	"fmt"
	"time"

	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://ws-feed.exchange.coinbase.com"
	pingInterval = 30 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "coinbase" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the dashed product id, e.g. BTC-USD.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + "-" + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelTicker, models.ChannelOrderbook, models.ChannelTrades:
		return true
	}
	return false
}

func channelName(ch models.Channel) (string, error) {
	switch ch {
	case models.ChannelTicker:
		return "ticker", nil
	case models.ChannelOrderbook:
		return "level2_batch", nil
	case models.ChannelTrades:
		return "matches", nil
	}
	return "", fmt.Errorf("unsupported channel %q", ch)
}

type subChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type subscribeFrame struct {
	Type     string       `json:"type"`
	Channels []subChannel `json:"channels"`
}

// SubscribeFrames groups descriptors into a single subscribe frame, one
// channel entry per logical channel with its product id list.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	var order []string
	products := make(map[string][]string)
	for _, sub := range subs {
		name, err := channelName(sub.Channel)
		if err != nil {
			return nil, err
		}
		m, err := models.ParseMarket(sub.Symbol)
		if err != nil {
			return nil, err
		}
		if _, ok := products[name]; !ok {
			order = append(order, name)
		}
		products[name] = append(products[name], m.Base+"-"+m.Quote)
	}

	frame := subscribeFrame{Type: "subscribe"}
	for _, name := range order {
		frame.Channels = append(frame.Channels, subChannel{Name: name, ProductIDs: products[name]})
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return [][]byte{out}, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	name, err := channelName(sub.Channel)
	if err != nil {
		return nil, err
	}
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(subscribeFrame{
		Type:     "unsubscribe",
		Channels: []subChannel{{Name: name, ProductIDs: []string{m.Base + "-" + m.Quote}}},
	})
}

type message struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      string     `json:"time"`
	Message   string     `json:"message"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Changes   [][]string `json:"changes"` // [side, price, size]
	Price     string     `json:"price"`
	Size      string     `json:"size"`
	Side      string     `json:"side"`
	TradeID   int64      `json:"trade_id"`
	BestBid   string     `json:"best_bid"`
	BestAsk   string     `json:"best_ask"`
	High24h   string     `json:"high_24h"`
	Low24h    string     `json:"low_24h"`
	Volume24h string     `json:"volume_24h"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	switch msg.Type {
	case "subscriptions", "heartbeat":
		return nil
	case "error":
		emit.EmitError(fmt.Errorf("%w: coinbase error: %s", stream.ErrProtocol, msg.Message))
		return nil
	case "snapshot":
		return a.processSnapshot(msg, emit)
	case "l2update":
		return a.processL2Update(msg, emit)
	case "ticker":
		return a.processTicker(msg, emit)
	case "match", "last_match":
		return a.processMatch(msg, emit)
	}
	return nil
}

func (a *Adapter) timestamp(msg message) int64 {
	if msg.Time != "" {
		if ms, err := wire.TimeMs(msg.Time); err == nil {
			return ms
		}
	}
	return time.Now().UnixMilli()
}

func (a *Adapter) processSnapshot(msg message, emit stream.Emitter) error {
	bids, err := wire.Levels(msg.Bids)
	if err != nil {
		return err
	}
	asks, err := wire.Levels(msg.Asks)
	if err != nil {
		return err
	}
	symbol := symbols.Normalize(msg.ProductID)
	book := emit.Books().ApplySnapshot(symbol, bids, asks, a.timestamp(msg))
	emit.EmitOrderbook(book)
	return nil
}

func (a *Adapter) processL2Update(msg message, emit stream.Emitter) error {
	var bids, asks []models.BookLevel
	for _, change := range msg.Changes {
		if len(change) < 3 {
			return fmt.Errorf("l2update change needs side, price, size")
		}
		lvl, err := wire.Level(change[1:3])
		if err != nil {
			return err
		}
		if change[0] == "buy" {
			bids = append(bids, lvl)
		} else {
			asks = append(asks, lvl)
		}
	}
	symbol := symbols.Normalize(msg.ProductID)
	book := emit.Books().ApplyDelta(symbol, bids, asks, a.timestamp(msg))
	emit.EmitOrderbook(book)
	return nil
}

func (a *Adapter) processTicker(msg message, emit stream.Emitter) error {
	bid, err := wire.Decimal(msg.BestBid)
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(msg.BestAsk)
	if err != nil {
		return err
	}
	last, _ := wire.Decimal(msg.Price)
	high, _ := wire.Decimal(msg.High24h)
	low, _ := wire.Decimal(msg.Low24h)
	volume, _ := wire.Decimal(msg.Volume24h)

	emit.EmitTicker(models.Ticker{
		Venue:     "coinbase",
		Symbol:    symbols.Normalize(msg.ProductID),
		BestBid:   bid,
		BestAsk:   ask,
		LastPrice: last,
		High24h:   high,
		Low24h:    low,
		Volume24h: volume,
		Timestamp: a.timestamp(msg),
	})
	return nil
}

func (a *Adapter) processMatch(msg message, emit stream.Emitter) error {
	price, err := wire.Decimal(msg.Price)
	if err != nil {
		return err
	}
	qty, err := wire.Decimal(msg.Size)
	if err != nil {
		return err
	}
	ts := a.timestamp(msg)

	// The side field names the maker side: a "sell" maker means the taker
	// lifted the ask.
	side := models.TradeSideBid
	if msg.Side == "sell" {
		side = models.TradeSideAsk
	}

	emit.EmitTrades(models.TradeBatch{
		Venue:     "coinbase",
		Symbol:    symbols.Normalize(msg.ProductID),
		Timestamp: ts,
		Trades: []models.Trade{{
			ID:        fmt.Sprintf("%d", msg.TradeID),
			Timestamp: ts,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		}},
	})
	return nil
}
