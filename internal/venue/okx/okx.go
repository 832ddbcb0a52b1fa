// Package okx implements the OKX v5 public websocket adapter. Subscription
// args batch into one frame; the ping is the literal "ping" string.
package okx

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
	publicURL    = "wss://ws.okx.com:8443/ws/v5/public"
	pingInterval = 25 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "okx" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "ping" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the dashed instrument id, e.g. BTC-USDT.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + "-" + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

type subArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type opFrame struct {
	Op   string   `json:"op"`
	Args []subArg `json:"args"`
}

func channelArg(sub models.Subscription) (subArg, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return subArg{}, err
	}
	instID := m.Base + "-" + m.Quote
	switch sub.Channel {
	case models.ChannelTicker:
		return subArg{Channel: "tickers", InstID: instID}, nil
	case models.ChannelOrderbook:
		return subArg{Channel: "books", InstID: instID}, nil
	case models.ChannelTrades:
		return subArg{Channel: "trades", InstID: instID}, nil
	case models.ChannelCandles:
		return subArg{Channel: "candle" + symbols.NormalizeInterval(sub.Extra), InstID: instID}, nil
	}
	return subArg{}, fmt.Errorf("unknown channel %q", sub.Channel)
}

// SubscribeFrames coalesces every arg into one subscribe frame.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	args := make([]subArg, 0, len(subs))
	for _, sub := range subs {
		arg, err := channelArg(sub)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	frame, err := json.Marshal(opFrame{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	arg, err := channelArg(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(opFrame{Op: "unsubscribe", Args: []subArg{arg}})
}

type pushFrame struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	Arg    subArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	if string(data) == "pong" {
		return nil
	}

	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	switch frame.Event {
	case "subscribe", "unsubscribe":
		return nil
	case "error":
		emit.EmitError(fmt.Errorf("%w: okx error %s: %s", stream.ErrProtocol, frame.Code, frame.Msg))
		return nil
	}
	if frame.Data == nil {
		return nil
	}

	symbol := symbols.Normalize(frame.Arg.InstID)
	switch {
	case frame.Arg.Channel == "books":
		return a.processBook(frame, symbol, emit)
	case frame.Arg.Channel == "tickers":
		return a.processTicker(frame, symbol, emit)
	case frame.Arg.Channel == "trades":
		return a.processTrades(frame, symbol, emit)
	case len(frame.Arg.Channel) > 6 && frame.Arg.Channel[:6] == "candle":
		return a.processCandles(frame, symbol, emit)
	}
	return nil
}

type bookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

// OKX book rows are [price, qty, liquidated, orders]; only the first two
// matter here.
func (a *Adapter) processBook(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payloads []bookData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}
	for _, p := range payloads {
		bids, err := wire.Levels(p.Bids)
		if err != nil {
			return err
		}
		asks, err := wire.Levels(p.Asks)
		if err != nil {
			return err
		}
		ts, _ := wire.Int64FromAny(p.Ts)

		var book models.OrderBook
		if frame.Action == "snapshot" {
			book = emit.Books().ApplySnapshot(symbol, bids, asks, ts)
		} else {
			book = emit.Books().ApplyDelta(symbol, bids, asks, ts)
		}
		emit.EmitOrderbook(book)
	}
	return nil
}

type tickerData struct {
	Last   string `json:"last"`
	Bid    string `json:"bidPx"`
	BidQty string `json:"bidSz"`
	Ask    string `json:"askPx"`
	AskQty string `json:"askSz"`
	High   string `json:"high24h"`
	Low    string `json:"low24h"`
	Volume string `json:"vol24h"`
	Ts     string `json:"ts"`
}

func (a *Adapter) processTicker(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payloads []tickerData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}
	for _, p := range payloads {
		bid, err := wire.Decimal(p.Bid)
		if err != nil {
			return err
		}
		ask, err := wire.Decimal(p.Ask)
		if err != nil {
			return err
		}
		bidQty, _ := wire.Decimal(p.BidQty)
		askQty, _ := wire.Decimal(p.AskQty)
		last, _ := wire.Decimal(p.Last)
		high, _ := wire.Decimal(p.High)
		low, _ := wire.Decimal(p.Low)
		volume, _ := wire.Decimal(p.Volume)
		ts, _ := wire.Int64FromAny(p.Ts)

		emit.EmitTicker(models.Ticker{
			Venue:       "okx",
			Symbol:      symbol,
			BestBid:     bid,
			BestBidSize: bidQty,
			BestAsk:     ask,
			BestAskSize: askQty,
			LastPrice:   last,
			High24h:     high,
			Low24h:      low,
			Volume24h:   volume,
			Timestamp:   ts,
		})
	}
	return nil
}

type tradeData struct {
	TradeID string `json:"tradeId"`
	Price   string `json:"px"`
	Qty     string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

func (a *Adapter) processTrades(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payloads []tradeData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}
	if len(payloads) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "okx", Symbol: symbol}
	for _, p := range payloads {
		price, err := wire.Decimal(p.Price)
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(p.Qty)
		if err != nil {
			return err
		}
		ts, _ := wire.Int64FromAny(p.Ts)

		side := models.TradeSideBid
		if p.Side == "sell" {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        p.TradeID,
			Timestamp: ts,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		})
		if ts > batch.Timestamp {
			batch.Timestamp = ts
		}
	}
	emit.EmitTrades(batch)
	return nil
}

// Candle rows: [ts, open, high, low, close, vol, ...].
func (a *Adapter) processCandles(frame pushFrame, symbol string, emit stream.Emitter) error {
	var rows [][]string
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	interval := symbols.NormalizeInterval(frame.Arg.Channel[6:])

	for _, row := range rows {
		if len(row) < 6 {
			return fmt.Errorf("candle row needs 6 fields, got %d", len(row))
		}
		ts, err := wire.Int64FromAny(row[0])
		if err != nil {
			return err
		}
		open, err := wire.Decimal(row[1])
		if err != nil {
			return err
		}
		high, _ := wire.Decimal(row[2])
		low, _ := wire.Decimal(row[3])
		cls, _ := wire.Decimal(row[4])
		volume, _ := wire.Decimal(row[5])

		emit.EmitCandle(models.Candle{
			Venue:     "okx",
			Symbol:    symbol,
			Interval:  interval,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			Timestamp: ts,
		})
	}
	return nil
}
