// Package huobi implements the Huobi (HTX) spot websocket adapter. Frames
// arrive gzip-compressed; the server drives the heartbeat with {"ping":ts}
// frames the parser answers directly.
package huobi

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://api.huobi.pro/ws"
	pingInterval = 30 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "huobi" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return false }

// FormatSymbol renders the joined lowercase form, e.g. btcusdt.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return strings.ToLower(m.Base + m.Quote)
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

func topic(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := strings.ToLower(m.Base + m.Quote)
	switch sub.Channel {
	case models.ChannelTicker:
		return fmt.Sprintf("market.%s.ticker", wireSym), nil
	case models.ChannelOrderbook:
		return fmt.Sprintf("market.%s.mbp.refresh.20", wireSym), nil
	case models.ChannelTrades:
		return fmt.Sprintf("market.%s.trade.detail", wireSym), nil
	case models.ChannelCandles:
		return fmt.Sprintf("market.%s.kline.%s", wireSym, symbols.IntervalForVenue("huobi", sub.Extra)), nil
	}
	return "", fmt.Errorf("unknown channel %q", sub.Channel)
}

// SubscribeFrames renders one sub frame per descriptor.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for i, sub := range subs {
		tp, err := topic(sub)
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(map[string]string{"sub": tp, "id": strconv.Itoa(i + 1)})
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
	return json.Marshal(map[string]string{"unsub": tp})
}

// inflate transparently gunzips binary frames; text frames pass through.
func inflate(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type envelope struct {
	Ping    int64           `json:"ping"`
	Channel string          `json:"ch"`
	Ts      int64           `json:"ts"`
	Tick    json.RawMessage `json:"tick"`
	Status  string          `json:"status"`
	ErrCode string          `json:"err-code"`
	ErrMsg  string          `json:"err-msg"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	raw, err := inflate(data)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}

	// Server heartbeat: answer in place.
	if env.Ping != 0 {
		pong, _ := json.Marshal(map[string]int64{"pong": env.Ping})
		if err := emit.Send(pong); err != nil {
			emit.EmitError(err)
		}
		return nil
	}

	if env.Status != "" {
		if env.Status != "ok" {
			emit.EmitError(fmt.Errorf("%w: huobi error %s: %s", stream.ErrProtocol, env.ErrCode, env.ErrMsg))
		}
		return nil
	}
	if env.Channel == "" || env.Tick == nil {
		return nil
	}

	// Channel: market.btcusdt.<kind>...
	parts := strings.Split(env.Channel, ".")
	if len(parts) < 3 {
		return fmt.Errorf("unrecognized channel %q", env.Channel)
	}
	symbol := symbols.Normalize(parts[1])

	switch parts[2] {
	case "mbp":
		return a.processBook(env, symbol, emit)
	case "ticker":
		return a.processTicker(env, symbol, emit)
	case "trade":
		return a.processTrades(env, symbol, emit)
	case "kline":
		return a.processKline(env, symbol, parts[len(parts)-1], emit)
	}
	return nil
}

type bookTick struct {
	Bids [][]json.Number `json:"bids"`
	Asks [][]json.Number `json:"asks"`
}

func numLevels(rows [][]json.Number) ([]models.BookLevel, error) {
	out := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row needs price and quantity")
		}
		price, err := wire.Decimal(row[0].String())
		if err != nil {
			return nil, err
		}
		qty, err := wire.Decimal(row[1].String())
		if err != nil {
			return nil, err
		}
		out = append(out, models.BookLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// The mbp.refresh feed publishes the whole visible depth: snapshots.
func (a *Adapter) processBook(env envelope, symbol string, emit stream.Emitter) error {
	var tick bookTick
	if err := json.Unmarshal(env.Tick, &tick); err != nil {
		return err
	}
	bids, err := numLevels(tick.Bids)
	if err != nil {
		return err
	}
	asks, err := numLevels(tick.Asks)
	if err != nil {
		return err
	}
	book := emit.Books().ApplySnapshot(symbol, bids, asks, env.Ts)
	emit.EmitOrderbook(book)
	return nil
}

type tickerTick struct {
	Bid     json.Number `json:"bid"`
	BidSize json.Number `json:"bidSize"`
	Ask     json.Number `json:"ask"`
	AskSize json.Number `json:"askSize"`
	Close   json.Number `json:"close"`
	High    json.Number `json:"high"`
	Low     json.Number `json:"low"`
	Amount  json.Number `json:"amount"`
}

func (a *Adapter) processTicker(env envelope, symbol string, emit stream.Emitter) error {
	var tick tickerTick
	if err := json.Unmarshal(env.Tick, &tick); err != nil {
		return err
	}
	bid, err := wire.Decimal(tick.Bid.String())
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(tick.Ask.String())
	if err != nil {
		return err
	}
	bidQty, _ := wire.Decimal(tick.BidSize.String())
	askQty, _ := wire.Decimal(tick.AskSize.String())
	last, _ := wire.Decimal(tick.Close.String())
	high, _ := wire.Decimal(tick.High.String())
	low, _ := wire.Decimal(tick.Low.String())
	volume, _ := wire.Decimal(tick.Amount.String())

	emit.EmitTicker(models.Ticker{
		Venue:       "huobi",
		Symbol:      symbol,
		BestBid:     bid,
		BestBidSize: bidQty,
		BestAsk:     ask,
		BestAskSize: askQty,
		LastPrice:   last,
		High24h:     high,
		Low24h:      low,
		Volume24h:   volume,
		Timestamp:   env.Ts,
	})
	return nil
}

type tradeTick struct {
	Data []struct {
		TradeID   json.Number `json:"tradeId"`
		Price     json.Number `json:"price"`
		Amount    json.Number `json:"amount"`
		Direction string      `json:"direction"`
		Ts        int64       `json:"ts"`
	} `json:"data"`
}

func (a *Adapter) processTrades(env envelope, symbol string, emit stream.Emitter) error {
	var tick tradeTick
	if err := json.Unmarshal(env.Tick, &tick); err != nil {
		return err
	}
	if len(tick.Data) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "huobi", Symbol: symbol}
	for _, row := range tick.Data {
		price, err := wire.Decimal(row.Price.String())
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(row.Amount.String())
		if err != nil {
			return err
		}
		side := models.TradeSideBid
		if row.Direction == "sell" {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        row.TradeID.String(),
			Timestamp: row.Ts,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		})
		if row.Ts > batch.Timestamp {
			batch.Timestamp = row.Ts
		}
	}
	emit.EmitTrades(batch)
	return nil
}

type klineTick struct {
	ID     int64       `json:"id"` // bar open time in seconds
	Open   json.Number `json:"open"`
	Close  json.Number `json:"close"`
	High   json.Number `json:"high"`
	Low    json.Number `json:"low"`
	Amount json.Number `json:"amount"`
}

func (a *Adapter) processKline(env envelope, symbol, interval string, emit stream.Emitter) error {
	var tick klineTick
	if err := json.Unmarshal(env.Tick, &tick); err != nil {
		return err
	}
	open, err := wire.Decimal(tick.Open.String())
	if err != nil {
		return err
	}
	cls, _ := wire.Decimal(tick.Close.String())
	high, _ := wire.Decimal(tick.High.String())
	low, _ := wire.Decimal(tick.Low.String())
	volume, _ := wire.Decimal(tick.Amount.String())

	emit.EmitCandle(models.Candle{
		Venue:     "huobi",
		Symbol:    symbol,
		Interval:  symbols.NormalizeInterval(interval),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    volume,
		Timestamp: tick.ID * 1000,
	})
	return nil
}
