// Package upbit implements the Upbit websocket adapter. One frame carries
// every requested type with its code list; market codes are quote-first
// (KRW-BTC). The order book arrives as full snapshots only.
package upbit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"streamflow/internal/stream"
	"streamflow/models"
)

const (
	publicURL    = "wss://api.upbit.com/websocket/v1"
	pingInterval = 30 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "upbit" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "PING" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the quote-first code, e.g. KRW-BTC.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Quote + "-" + m.Base
}

// The public stream carries ticker, orderbook and trade types.
func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelTicker, models.ChannelOrderbook, models.ChannelTrades:
		return true
	}
	return false
}

func typeName(ch models.Channel) (string, error) {
	switch ch {
	case models.ChannelTicker:
		return "ticker", nil
	case models.ChannelOrderbook:
		return "orderbook", nil
	case models.ChannelTrades:
		return "trade", nil
	}
	return "", fmt.Errorf("unsupported channel %q", ch)
}

// SubscribeFrames renders the single array frame Upbit expects:
// [{ticket}, {type, codes}, ...].
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	var order []string
	codes := make(map[string][]string)
	for _, sub := range subs {
		name, err := typeName(sub.Channel)
		if err != nil {
			return nil, err
		}
		m, err := models.ParseMarket(sub.Symbol)
		if err != nil {
			return nil, err
		}
		if _, ok := codes[name]; !ok {
			order = append(order, name)
		}
		codes[name] = append(codes[name], m.Quote+"-"+m.Base)
	}

	parts := []interface{}{map[string]string{"ticket": uuid.New().String()}}
	for _, name := range order {
		parts = append(parts, map[string]interface{}{"type": name, "codes": codes[name]})
	}
	frame, err := json.Marshal(parts)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// Upbit has no unsubscribe frame: a new subscription list replaces the old.
func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	return nil, nil
}

type push struct {
	Type  string          `json:"type"`
	Code  string          `json:"code"`
	Error json.RawMessage `json:"error"`
}

// codeToSymbol converts KRW-BTC to BTC/KRW.
func codeToSymbol(code string) string {
	for i := 0; i < len(code); i++ {
		if code[i] == '-' {
			return code[i+1:] + "/" + code[:i]
		}
	}
	return code
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var msg push
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if msg.Error != nil {
		emit.EmitError(fmt.Errorf("%w: upbit error frame: %s", stream.ErrProtocol, string(msg.Error)))
		return nil
	}

	switch msg.Type {
	case "ticker":
		return a.processTicker(data, emit)
	case "orderbook":
		return a.processOrderbook(data, emit)
	case "trade":
		return a.processTrade(data, emit)
	case "":
		// {"status":"UP"} style replies to PING.
		return nil
	}
	return nil
}

type tickerPush struct {
	Code         string  `json:"code"`
	TradePrice   float64 `json:"trade_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	AccVolume24h float64 `json:"acc_trade_volume_24h"`
	ChangeRate   float64 `json:"signed_change_rate"`
	Timestamp    int64   `json:"timestamp"`
}

func (a *Adapter) processTicker(data []byte, emit stream.Emitter) error {
	var p tickerPush
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	emit.EmitTicker(models.Ticker{
		Venue:        "upbit",
		Symbol:       codeToSymbol(p.Code),
		LastPrice:    decimalFromFloat(p.TradePrice),
		High24h:      decimalFromFloat(p.HighPrice),
		Low24h:       decimalFromFloat(p.LowPrice),
		Volume24h:    decimalFromFloat(p.AccVolume24h),
		Change24hPct: decimalFromFloat(p.ChangeRate * 100),
		Timestamp:    p.Timestamp,
	})
	return nil
}

type orderbookPush struct {
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
	Units     []struct {
		AskPrice float64 `json:"ask_price"`
		BidPrice float64 `json:"bid_price"`
		AskSize  float64 `json:"ask_size"`
		BidSize  float64 `json:"bid_size"`
	} `json:"orderbook_units"`
}

// Upbit publishes the whole visible book each time: always a snapshot.
func (a *Adapter) processOrderbook(data []byte, emit stream.Emitter) error {
	var p orderbookPush
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	bids := make([]models.BookLevel, 0, len(p.Units))
	asks := make([]models.BookLevel, 0, len(p.Units))
	for _, u := range p.Units {
		bids = append(bids, models.BookLevel{Price: decimalFromFloat(u.BidPrice), Quantity: decimalFromFloat(u.BidSize)})
		asks = append(asks, models.BookLevel{Price: decimalFromFloat(u.AskPrice), Quantity: decimalFromFloat(u.AskSize)})
	}

	symbol := codeToSymbol(p.Code)
	book := emit.Books().ApplySnapshot(symbol, bids, asks, p.Timestamp)
	emit.EmitOrderbook(book)
	return nil
}

type tradePush struct {
	Code           string  `json:"code"`
	TradePrice     float64 `json:"trade_price"`
	TradeVolume    float64 `json:"trade_volume"`
	AskBid         string  `json:"ask_bid"` // "ASK" or "BID" = taker side
	SequentialID   int64   `json:"sequential_id"`
	TradeTimestamp int64   `json:"trade_timestamp"`
}

func (a *Adapter) processTrade(data []byte, emit stream.Emitter) error {
	var p tradePush
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	price := decimalFromFloat(p.TradePrice)
	qty := decimalFromFloat(p.TradeVolume)
	side := models.TradeSideBid
	if p.AskBid == "ASK" {
		side = models.TradeSideAsk
	}

	emit.EmitTrades(models.TradeBatch{
		Venue:     "upbit",
		Symbol:    codeToSymbol(p.Code),
		Timestamp: p.TradeTimestamp,
		Trades: []models.Trade{{
			ID:        strconv.FormatInt(p.SequentialID, 10),
			Timestamp: p.TradeTimestamp,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		}},
	})
	return nil
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
