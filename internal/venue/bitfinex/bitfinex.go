// Package bitfinex implements the Bitfinex v2 websocket adapter. Data
// frames are arrays routed by the channel id assigned in the subscribed
// event; the book uses the signed-amount encoding.
package bitfinex

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"streamflow/internal/book"
	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://api-pub.bitfinex.com/ws/2"
	pingInterval = 30 * time.Second
)

type channelBinding struct {
	channel models.Channel
	symbol  string
	extra   string
}

type Adapter struct {
	mu       sync.Mutex
	channels map[int64]channelBinding
	// book channels deliver a snapshot as their first data frame
	snapshotPending map[int64]bool
}

func New() *Adapter {
	return &Adapter{
		channels:        make(map[int64]channelBinding),
		snapshotPending: make(map[int64]bool),
	}
}

func (a *Adapter) Name() string                     { return "bitfinex" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return `{"event":"ping"}` }
func (a *Adapter) SupportsBatchSubscriptions() bool { return false }

// FormatSymbol renders the trading-pair form, e.g. tBTCUSD. USDT pairs use
// Bitfinex's UST alias.
func (a *Adapter) FormatSymbol(m models.Market) string {
	quote := m.Quote
	if quote == "USDT" {
		quote = "UST"
	}
	return "t" + m.Base + quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

// SubscribeFrames renders one frame per descriptor; Bitfinex has no batch
// form.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		m, err := models.ParseMarket(sub.Symbol)
		if err != nil {
			return nil, err
		}
		wireSym := a.FormatSymbol(m)

		var frame []byte
		switch sub.Channel {
		case models.ChannelTicker:
			frame, err = json.Marshal(map[string]string{
				"event": "subscribe", "channel": "ticker", "symbol": wireSym,
			})
		case models.ChannelOrderbook:
			frame, err = json.Marshal(map[string]string{
				"event": "subscribe", "channel": "book", "symbol": wireSym,
				"prec": "P0", "freq": "F0", "len": "25",
			})
		case models.ChannelTrades:
			frame, err = json.Marshal(map[string]string{
				"event": "subscribe", "channel": "trades", "symbol": wireSym,
			})
		case models.ChannelCandles:
			interval := symbols.NormalizeInterval(sub.Extra)
			frame, err = json.Marshal(map[string]string{
				"event": "subscribe", "channel": "candles",
				"key": fmt.Sprintf("trade:%s:%s", interval, wireSym),
			})
		default:
			err = fmt.Errorf("unknown channel %q", sub.Channel)
		}
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	chanID, ok := a.lookupChanID(sub)
	if !ok {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}{"event": "unsubscribe", "chanId": chanID})
}

func (a *Adapter) lookupChanID(sub models.Subscription) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, b := range a.channels {
		if b.channel == sub.Channel && b.symbol == sub.Symbol && b.extra == sub.Extra {
			return id, true
		}
	}
	return 0, false
}

type eventFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Version int    `json:"version"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return a.processEvent(data, emit)
	}
	return a.processData(data, emit)
}

func (a *Adapter) processEvent(data []byte, emit stream.Emitter) error {
	var ev eventFrame
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	switch ev.Event {
	case "info":
		// Sent on every fresh connection: channel ids restart.
		if ev.Code == 20051 {
			// Server asks clients to reconnect.
			emit.RequestReconnect("bitfinex requested reconnect")
			return nil
		}
		a.mu.Lock()
		a.channels = make(map[int64]channelBinding)
		a.snapshotPending = make(map[int64]bool)
		a.mu.Unlock()
		emit.EmitInfo("bitfinex info frame")
	case "subscribed":
		a.bindChannel(ev)
	case "unsubscribed":
		a.mu.Lock()
		delete(a.channels, ev.ChanID)
		delete(a.snapshotPending, ev.ChanID)
		a.mu.Unlock()
	case "error":
		emit.EmitError(fmt.Errorf("%w: bitfinex error %d: %s", stream.ErrProtocol, ev.Code, ev.Msg))
	case "pong":
	}
	return nil
}

func (a *Adapter) bindChannel(ev eventFrame) {
	binding := channelBinding{}
	switch ev.Channel {
	case "ticker":
		binding.channel = models.ChannelTicker
		binding.symbol = normalizeWire(ev.Symbol)
	case "book":
		binding.channel = models.ChannelOrderbook
		binding.symbol = normalizeWire(ev.Symbol)
	case "trades":
		binding.channel = models.ChannelTrades
		binding.symbol = normalizeWire(ev.Symbol)
	case "candles":
		binding.channel = models.ChannelCandles
		// key: trade:1m:tBTCUSD
		parts := strings.Split(ev.Key, ":")
		if len(parts) == 3 {
			binding.extra = parts[1]
			binding.symbol = normalizeWire(parts[2])
		}
	default:
		return
	}

	a.mu.Lock()
	a.channels[ev.ChanID] = binding
	if binding.channel == models.ChannelOrderbook {
		a.snapshotPending[ev.ChanID] = true
	}
	a.mu.Unlock()
}

// normalizeWire converts tBTCUSD / tBTCUST back to canonical form.
func normalizeWire(sym string) string {
	s := strings.TrimPrefix(sym, "t")
	if strings.HasSuffix(s, "UST") {
		s = strings.TrimSuffix(s, "UST") + "USDT"
	}
	return symbols.Normalize(s)
}

func (a *Adapter) processData(data []byte, emit stream.Emitter) error {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	if len(frame) < 2 {
		return fmt.Errorf("short data frame")
	}

	var chanID int64
	if err := json.Unmarshal(frame[0], &chanID); err != nil {
		return fmt.Errorf("bad channel id: %w", err)
	}

	a.mu.Lock()
	binding, ok := a.channels[chanID]
	a.mu.Unlock()
	if !ok {
		// Frame for a channel we no longer track: drop quietly.
		return nil
	}

	// Heartbeats keep the link warm.
	var marker string
	if json.Unmarshal(frame[1], &marker) == nil && marker == "hb" {
		return nil
	}

	switch binding.channel {
	case models.ChannelOrderbook:
		return a.processBook(chanID, binding, frame, emit)
	case models.ChannelTicker:
		return a.processTicker(binding, frame[1], emit)
	case models.ChannelTrades:
		return a.processTrades(binding, frame, &marker, emit)
	case models.ChannelCandles:
		return a.processCandles(binding, frame[1], emit)
	}
	return nil
}

// processBook handles both shapes: a snapshot (array of rows) and a single
// row update.
func (a *Adapter) processBook(chanID int64, binding channelBinding, frame []json.RawMessage, emit stream.Emitter) error {
	var rows [][]json.Number
	if err := json.Unmarshal(frame[1], &rows); err != nil {
		// Single row: [price, count, amount]
		var row []json.Number
		if err := json.Unmarshal(frame[1], &row); err != nil {
			return err
		}
		rows = [][]json.Number{row}
	} else {
		// Snapshot: the cache entry restarts from a known state.
		emit.Books().Reset(binding.symbol)
		a.mu.Lock()
		delete(a.snapshotPending, chanID)
		a.mu.Unlock()
	}

	signed := make([]book.SignedRow, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return fmt.Errorf("book row needs price, count, amount")
		}
		price, err := wire.Decimal(row[0].String())
		if err != nil {
			return err
		}
		count, err := row[1].Int64()
		if err != nil {
			return err
		}
		amount, err := wire.Decimal(row[2].String())
		if err != nil {
			return err
		}
		signed = append(signed, book.SignedRow{Price: price, Count: int(count), Amount: amount})
	}

	merged := emit.Books().ApplySigned(binding.symbol, signed, time.Now().UnixMilli())
	emit.EmitOrderbook(merged)
	return nil
}

func (a *Adapter) processTicker(binding channelBinding, payload json.RawMessage, emit stream.Emitter) error {
	var fields []json.Number
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	if len(fields) < 10 {
		return fmt.Errorf("ticker frame needs 10 fields, got %d", len(fields))
	}

	bid, err := wire.Decimal(fields[0].String())
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(fields[2].String())
	if err != nil {
		return err
	}
	bidSize, _ := wire.Decimal(fields[1].String())
	askSize, _ := wire.Decimal(fields[3].String())
	changeRel, _ := wire.Decimal(fields[5].String())
	last, _ := wire.Decimal(fields[6].String())
	volume, _ := wire.Decimal(fields[7].String())
	high, _ := wire.Decimal(fields[8].String())
	low, _ := wire.Decimal(fields[9].String())

	emit.EmitTicker(models.Ticker{
		Venue:        "bitfinex",
		Symbol:       binding.symbol,
		BestBid:      bid,
		BestBidSize:  bidSize,
		BestAsk:      ask,
		BestAskSize:  askSize,
		LastPrice:    last,
		High24h:      high,
		Low24h:       low,
		Volume24h:    volume,
		Change24hPct: changeRel.Mul(decimal.NewFromInt(100)),
		Timestamp:    time.Now().UnixMilli(),
	})
	return nil
}

func (a *Adapter) processTrades(binding channelBinding, frame []json.RawMessage, marker *string, emit stream.Emitter) error {
	// Update frames carry a "te"/"tu" marker: [chanId, "te", [id, mts, amount, price]].
	payload := frame[1]
	if *marker == "te" || *marker == "tu" {
		if len(frame) < 3 {
			return fmt.Errorf("trade update frame too short")
		}
		if *marker == "tu" {
			// "tu" repeats the "te" execution with the final id; skip the duplicate.
			return nil
		}
		payload = frame[2]
	}

	var rows [][]json.Number
	if err := json.Unmarshal(payload, &rows); err != nil {
		var row []json.Number
		if err := json.Unmarshal(payload, &row); err != nil {
			return err
		}
		rows = [][]json.Number{row}
	}

	batch := models.TradeBatch{Venue: "bitfinex", Symbol: binding.symbol}
	for _, row := range rows {
		if len(row) < 4 {
			return fmt.Errorf("trade row needs id, mts, amount, price")
		}
		id, err := row[0].Int64()
		if err != nil {
			return err
		}
		ts, err := row[1].Int64()
		if err != nil {
			return err
		}
		amount, err := wire.Decimal(row[2].String())
		if err != nil {
			return err
		}
		price, err := wire.Decimal(row[3].String())
		if err != nil {
			return err
		}

		side := models.TradeSideBid
		if amount.IsNegative() {
			side = models.TradeSideAsk
		}
		qty := amount.Abs()
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        fmt.Sprintf("%d", id),
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
	if len(batch.Trades) > 0 {
		emit.EmitTrades(batch)
	}
	return nil
}

func (a *Adapter) processCandles(binding channelBinding, payload json.RawMessage, emit stream.Emitter) error {
	var rows [][]json.Number
	if err := json.Unmarshal(payload, &rows); err != nil {
		var row []json.Number
		if err := json.Unmarshal(payload, &row); err != nil {
			return err
		}
		rows = [][]json.Number{row}
	}

	for _, row := range rows {
		if len(row) < 6 {
			return fmt.Errorf("candle row needs mts, open, close, high, low, volume")
		}
		ts, err := row[0].Int64()
		if err != nil {
			return err
		}
		open, err := wire.Decimal(row[1].String())
		if err != nil {
			return err
		}
		cls, _ := wire.Decimal(row[2].String())
		high, _ := wire.Decimal(row[3].String())
		low, _ := wire.Decimal(row[4].String())
		volume, _ := wire.Decimal(row[5].String())

		emit.EmitCandle(models.Candle{
			Venue:     "bitfinex",
			Symbol:    binding.symbol,
			Interval:  binding.extra,
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
