// Package kucoin implements the KuCoin spot websocket adapter. Topics go
// out one frame per subscription; the client pings with a typed ping frame.
package kucoin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://ws-api-spot.kucoin.com"
	pingInterval = 18 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                { return "kucoin" }
func (a *Adapter) PublicURL() string           { return publicURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }

func (a *Adapter) CreatePingMessage() string {
	frame, _ := json.Marshal(map[string]string{"id": uuid.New().String(), "type": "ping"})
	return string(frame)
}

func (a *Adapter) SupportsBatchSubscriptions() bool { return false }

// FormatSymbol renders the dashed form, e.g. BTC-USDT.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + "-" + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

// kucoin interval rendering: 1min, 15min, 1hour, 4hour, 1day, 1week.
func klineInterval(interval string) string {
	canonical := symbols.NormalizeInterval(interval)
	if canonical == "1M" {
		return "1month"
	}
	n := canonical[:len(canonical)-1]
	switch canonical[len(canonical)-1] {
	case 'm':
		return n + "min"
	case 'h':
		return n + "hour"
	case 'd':
		return n + "day"
	case 'w':
		return n + "week"
	}
	return canonical
}

func topic(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := m.Base + "-" + m.Quote
	switch sub.Channel {
	case models.ChannelTicker:
		return "/market/ticker:" + wireSym, nil
	case models.ChannelOrderbook:
		return "/market/level2:" + wireSym, nil
	case models.ChannelTrades:
		return "/market/match:" + wireSym, nil
	case models.ChannelCandles:
		return fmt.Sprintf("/market/candles:%s_%s", wireSym, klineInterval(sub.Extra)), nil
	}
	return "", fmt.Errorf("unknown channel %q", sub.Channel)
}

type typedFrame struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Topic    string `json:"topic,omitempty"`
	Response bool   `json:"response,omitempty"`
}

// SubscribeFrames renders one typed subscribe frame per descriptor.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		tp, err := topic(sub)
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(typedFrame{
			ID:       uuid.New().String(),
			Type:     "subscribe",
			Topic:    tp,
			Response: true,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	tp, err := topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedFrame{ID: uuid.New().String(), Type: "unsubscribe", Topic: tp})
}

type pushFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
	Code    int             `json:"code"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	switch frame.Type {
	case "welcome", "ack", "pong":
		return nil
	case "error":
		emit.EmitError(fmt.Errorf("%w: kucoin error %d: %s", stream.ErrProtocol, frame.Code, string(frame.Data)))
		return nil
	case "message":
	default:
		return nil
	}

	switch {
	case strings.HasPrefix(frame.Topic, "/market/level2:"):
		return a.processBook(frame, emit)
	case strings.HasPrefix(frame.Topic, "/market/ticker:"):
		return a.processTicker(frame, emit)
	case strings.HasPrefix(frame.Topic, "/market/match:"):
		return a.processMatch(frame, emit)
	case strings.HasPrefix(frame.Topic, "/market/candles:"):
		return a.processCandles(frame, emit)
	}
	return nil
}

func topicSymbol(topic string) string {
	i := strings.LastIndex(topic, ":")
	if i < 0 {
		return ""
	}
	return symbols.Normalize(topic[i+1:])
}

type level2Data struct {
	Changes struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
	Time int64 `json:"time"`
}

// Level2 change rows are [price, size, sequence]; a zero price marks
// market-order placeholder rows that carry no book level.
func (a *Adapter) processBook(frame pushFrame, emit stream.Emitter) error {
	var payload level2Data
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}

	convert := func(rows [][]string) ([]models.BookLevel, error) {
		out := make([]models.BookLevel, 0, len(rows))
		for _, row := range rows {
			if len(row) < 2 {
				return nil, fmt.Errorf("change row needs price and size")
			}
			if row[0] == "0" {
				continue
			}
			lvl, err := wire.Level(row[:2])
			if err != nil {
				return nil, err
			}
			out = append(out, lvl)
		}
		return out, nil
	}
	bids, err := convert(payload.Changes.Bids)
	if err != nil {
		return err
	}
	asks, err := convert(payload.Changes.Asks)
	if err != nil {
		return err
	}

	symbol := topicSymbol(frame.Topic)
	book := emit.Books().ApplyDelta(symbol, bids, asks, payload.Time)
	emit.EmitOrderbook(book)
	return nil
}

type tickerData struct {
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	Price       string `json:"price"`
	Time        int64  `json:"time"`
}

func (a *Adapter) processTicker(frame pushFrame, emit stream.Emitter) error {
	var payload tickerData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	bid, err := wire.Decimal(payload.BestBid)
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(payload.BestAsk)
	if err != nil {
		return err
	}
	bidQty, _ := wire.Decimal(payload.BestBidSize)
	askQty, _ := wire.Decimal(payload.BestAskSize)
	last, _ := wire.Decimal(payload.Price)

	emit.EmitTicker(models.Ticker{
		Venue:       "kucoin",
		Symbol:      topicSymbol(frame.Topic),
		BestBid:     bid,
		BestBidSize: bidQty,
		BestAsk:     ask,
		BestAskSize: askQty,
		LastPrice:   last,
		Timestamp:   payload.Time,
	})
	return nil
}

type matchData struct {
	TradeID string `json:"tradeId"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	Time    string `json:"time"` // nanoseconds
}

func (a *Adapter) processMatch(frame pushFrame, emit stream.Emitter) error {
	var payload matchData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	price, err := wire.Decimal(payload.Price)
	if err != nil {
		return err
	}
	qty, err := wire.Decimal(payload.Size)
	if err != nil {
		return err
	}

	ts := time.Now().UnixMilli()
	if ns, err := strconv.ParseInt(payload.Time, 10, 64); err == nil {
		ts = ns / 1_000_000
	}

	side := models.TradeSideBid
	if payload.Side == "sell" {
		side = models.TradeSideAsk
	}

	emit.EmitTrades(models.TradeBatch{
		Venue:     "kucoin",
		Symbol:    topicSymbol(frame.Topic),
		Timestamp: ts,
		Trades: []models.Trade{{
			ID:        payload.TradeID,
			Timestamp: ts,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		}},
	})
	return nil
}

type candlesData struct {
	Symbol  string   `json:"symbol"`
	Candles []string `json:"candles"` // [ts, open, close, high, low, volume, turnover]
	Time    int64    `json:"time"`
}

func (a *Adapter) processCandles(frame pushFrame, emit stream.Emitter) error {
	var payload candlesData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	if len(payload.Candles) < 6 {
		return fmt.Errorf("candle row needs 6 fields, got %d", len(payload.Candles))
	}

	// Topic: /market/candles:BTC-USDT_1hour
	interval := ""
	if i := strings.LastIndex(frame.Topic, "_"); i >= 0 {
		interval = symbols.NormalizeInterval(frame.Topic[i+1:])
	}

	ts, err := strconv.ParseInt(payload.Candles[0], 10, 64)
	if err != nil {
		return err
	}
	open, err := wire.Decimal(payload.Candles[1])
	if err != nil {
		return err
	}
	cls, _ := wire.Decimal(payload.Candles[2])
	high, _ := wire.Decimal(payload.Candles[3])
	low, _ := wire.Decimal(payload.Candles[4])
	volume, _ := wire.Decimal(payload.Candles[5])

	emit.EmitCandle(models.Candle{
		Venue:     "kucoin",
		Symbol:    symbols.Normalize(payload.Symbol),
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    volume,
		Timestamp: ts * 1000,
	})
	return nil
}
