// Package bitget implements the Bitget v2 spot websocket adapter. Args
// batch into one subscribe frame; the ping is the literal "ping" string.
package bitget

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://ws.bitget.com/v2/ws/public"
	pingInterval = 30 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "bitget" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "ping" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

type subArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
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
	arg := subArg{InstType: "SPOT", InstID: m.Base + m.Quote}
	switch sub.Channel {
	case models.ChannelTicker:
		arg.Channel = "ticker"
	case models.ChannelOrderbook:
		arg.Channel = "books"
	case models.ChannelTrades:
		arg.Channel = "trade"
	case models.ChannelCandles:
		// Minutes stay lowercase (candle1m), larger units upper (candle1H).
		canonical := symbols.NormalizeInterval(sub.Extra)
		if strings.HasSuffix(canonical, "m") {
			arg.Channel = "candle" + canonical
		} else {
			arg.Channel = "candle" + strings.ToUpper(canonical)
		}
	default:
		return subArg{}, fmt.Errorf("unknown channel %q", sub.Channel)
	}
	return arg, nil
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
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Arg    subArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Ts     int64           `json:"ts"`
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
		emit.EmitError(fmt.Errorf("%w: bitget error %d: %s", stream.ErrProtocol, frame.Code, frame.Msg))
		return nil
	}
	if frame.Data == nil {
		return nil
	}

	symbol := symbols.Normalize(frame.Arg.InstID)
	switch {
	case frame.Arg.Channel == "books":
		return a.processBook(frame, symbol, emit)
	case frame.Arg.Channel == "ticker":
		return a.processTicker(frame, symbol, emit)
	case frame.Arg.Channel == "trade":
		return a.processTrades(frame, symbol, emit)
	case strings.HasPrefix(frame.Arg.Channel, "candle"):
		return a.processCandles(frame, symbol, emit)
	}
	return nil
}

type bookData struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

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
	Last      string `json:"lastPr"`
	Bid       string `json:"bidPr"`
	Ask       string `json:"askPr"`
	BidSize   string `json:"bidSz"`
	AskSize   string `json:"askSz"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Volume    string `json:"baseVolume"`
	ChangePct string `json:"change24h"`
	Ts        string `json:"ts"`
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
		bidQty, _ := wire.Decimal(p.BidSize)
		askQty, _ := wire.Decimal(p.AskSize)
		last, _ := wire.Decimal(p.Last)
		high, _ := wire.Decimal(p.High24h)
		low, _ := wire.Decimal(p.Low24h)
		volume, _ := wire.Decimal(p.Volume)
		change, _ := wire.Decimal(p.ChangePct)
		ts, _ := wire.Int64FromAny(p.Ts)

		emit.EmitTicker(models.Ticker{
			Venue:        "bitget",
			Symbol:       symbol,
			BestBid:      bid,
			BestBidSize:  bidQty,
			BestAsk:      ask,
			BestAskSize:  askQty,
			LastPrice:    last,
			High24h:      high,
			Low24h:       low,
			Volume24h:    volume,
			Change24hPct: change,
			Timestamp:    ts,
		})
	}
	return nil
}

type tradeData struct {
	Ts    string `json:"ts"`
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
	ID    string `json:"tradeId"`
}

func (a *Adapter) processTrades(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payloads []tradeData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}
	if len(payloads) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "bitget", Symbol: symbol}
	for _, p := range payloads {
		price, err := wire.Decimal(p.Price)
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(p.Size)
		if err != nil {
			return err
		}
		ts, _ := wire.Int64FromAny(p.Ts)
		side := models.TradeSideBid
		if p.Side == "sell" {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        p.ID,
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

// Candle rows: [ts, open, high, low, close, baseVol, quoteVol, usdtVol].
func (a *Adapter) processCandles(frame pushFrame, symbol string, emit stream.Emitter) error {
	var rows [][]string
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	interval := symbols.NormalizeInterval(strings.TrimPrefix(frame.Arg.Channel, "candle"))

	for _, row := range rows {
		if len(row) < 6 {
			return fmt.Errorf("candle row needs 6 fields, got %d", len(row))
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
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
			Venue:     "bitget",
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
