// Package bybit implements the Bybit v5 spot websocket adapter. Topics
// batch into a single subscribe frame; the client pings with {"op":"ping"}.
package bybit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://stream.bybit.com/v5/public/spot"
	pingInterval = 20 * time.Second
	bookDepth    = 50
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "bybit" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return `{"op":"ping"}` }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

func topic(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := m.Base + m.Quote
	switch sub.Channel {
	case models.ChannelTicker:
		return "tickers." + wireSym, nil
	case models.ChannelOrderbook:
		return fmt.Sprintf("orderbook.%d.%s", bookDepth, wireSym), nil
	case models.ChannelTrades:
		return "publicTrade." + wireSym, nil
	case models.ChannelCandles:
		return fmt.Sprintf("kline.%s.%s", symbols.IntervalForVenue("bybit", sub.Extra), wireSym), nil
	}
	return "", fmt.Errorf("unknown channel %q", sub.Channel)
}

type opFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// SubscribeFrames coalesces every topic into one subscribe frame.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	args := make([]string, 0, len(subs))
	for _, sub := range subs {
		tp, err := topic(sub)
		if err != nil {
			return nil, err
		}
		args = append(args, tp)
	}
	frame, err := json.Marshal(opFrame{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	tp, err := topic(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(opFrame{Op: "unsubscribe", Args: []string{tp}})
}

type pushFrame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	if frame.Topic == "" {
		// Op acks and pong frames.
		if frame.Success != nil && !*frame.Success {
			emit.EmitError(fmt.Errorf("%w: bybit %s rejected: %s", stream.ErrProtocol, frame.Op, frame.RetMsg))
		}
		return nil
	}

	switch {
	case strings.HasPrefix(frame.Topic, "orderbook."):
		return a.processBook(frame, emit)
	case strings.HasPrefix(frame.Topic, "tickers."):
		return a.processTicker(frame, emit)
	case strings.HasPrefix(frame.Topic, "publicTrade."):
		return a.processTrades(frame, emit)
	case strings.HasPrefix(frame.Topic, "kline."):
		return a.processKline(frame, emit)
	}
	return nil
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func (a *Adapter) processBook(frame pushFrame, emit stream.Emitter) error {
	var payload bookData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	bids, err := wire.Levels(payload.Bids)
	if err != nil {
		return err
	}
	asks, err := wire.Levels(payload.Asks)
	if err != nil {
		return err
	}

	symbol := symbols.Normalize(payload.Symbol)
	var book models.OrderBook
	if frame.Type == "snapshot" {
		book = emit.Books().ApplySnapshot(symbol, bids, asks, frame.Ts)
	} else {
		book = emit.Books().ApplyDelta(symbol, bids, asks, frame.Ts)
	}
	emit.EmitOrderbook(book)
	return nil
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid1Price"`
	BidQty    string `json:"bid1Size"`
	Ask       string `json:"ask1Price"`
	AskQty    string `json:"ask1Size"`
	Last      string `json:"lastPrice"`
	High      string `json:"highPrice24h"`
	Low       string `json:"lowPrice24h"`
	Volume    string `json:"volume24h"`
	ChangePct string `json:"price24hPcnt"`
}

func (a *Adapter) processTicker(frame pushFrame, emit stream.Emitter) error {
	var payload tickerData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	bid, err := wire.Decimal(payload.Bid)
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(payload.Ask)
	if err != nil {
		return err
	}
	bidQty, _ := wire.Decimal(payload.BidQty)
	askQty, _ := wire.Decimal(payload.AskQty)
	last, _ := wire.Decimal(payload.Last)
	high, _ := wire.Decimal(payload.High)
	low, _ := wire.Decimal(payload.Low)
	volume, _ := wire.Decimal(payload.Volume)
	change, _ := wire.Decimal(payload.ChangePct)

	emit.EmitTicker(models.Ticker{
		Venue:        "bybit",
		Symbol:       symbols.Normalize(payload.Symbol),
		BestBid:      bid,
		BestBidSize:  bidQty,
		BestAsk:      ask,
		BestAskSize:  askQty,
		LastPrice:    last,
		High24h:      high,
		Low24h:       low,
		Volume24h:    volume,
		Change24hPct: change,
		Timestamp:    frame.Ts,
	})
	return nil
}

type tradeRow struct {
	ID     string `json:"i"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Qty    string `json:"v"`
	Side   string `json:"S"`
	Time   int64  `json:"T"`
}

func (a *Adapter) processTrades(frame pushFrame, emit stream.Emitter) error {
	var rows []tradeRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "bybit", Symbol: symbols.Normalize(rows[0].Symbol)}
	for _, row := range rows {
		price, err := wire.Decimal(row.Price)
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(row.Qty)
		if err != nil {
			return err
		}
		side := models.TradeSideBid
		if row.Side == "Sell" {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        row.ID,
			Timestamp: row.Time,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		})
		if row.Time > batch.Timestamp {
			batch.Timestamp = row.Time
		}
	}
	emit.EmitTrades(batch)
	return nil
}

type klineRow struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
}

func (a *Adapter) processKline(frame pushFrame, emit stream.Emitter) error {
	var rows []klineRow
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}

	// Topic: kline.{interval}.{symbol}
	parts := strings.SplitN(frame.Topic, ".", 3)
	symbol := ""
	if len(parts) == 3 {
		symbol = symbols.Normalize(parts[2])
	}

	for _, row := range rows {
		open, err := wire.Decimal(row.Open)
		if err != nil {
			return err
		}
		cls, _ := wire.Decimal(row.Close)
		high, _ := wire.Decimal(row.High)
		low, _ := wire.Decimal(row.Low)
		volume, _ := wire.Decimal(row.Volume)

		emit.EmitCandle(models.Candle{
			Venue:     "bybit",
			Symbol:    symbol,
			Interval:  canonicalInterval(row.Interval),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			Timestamp: row.Start,
		})
	}
	return nil
}

// canonicalInterval maps Bybit's numeric minute form (and D/W/M letters)
// back to the canonical interval.
func canonicalInterval(v string) string {
	switch v {
	case "D":
		return "1d"
	case "W":
		return "1w"
	case "M":
		return "1M"
	case "60":
		return "1h"
	case "120":
		return "2h"
	case "240":
		return "4h"
	case "360":
		return "6h"
	case "720":
		return "12h"
	default:
		return v + "m"
	}
}
