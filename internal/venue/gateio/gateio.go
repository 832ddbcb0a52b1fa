// Package gateio implements the Gate.io v4 spot websocket adapter. Each
// channel takes its own frame with a payload array; symbols use the
// underscore form (BTC_USDT).
package gateio

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
	publicURL    = "wss://api.gateio.ws/ws/v4/"
	pingInterval = 25 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                { return "gateio" }
func (a *Adapter) PublicURL() string           { return publicURL }
func (a *Adapter) PrivateURL() string          { return "" }
func (a *Adapter) PingInterval() time.Duration { return pingInterval }

func (a *Adapter) CreatePingMessage() string {
	frame, _ := json.Marshal(map[string]interface{}{"time": time.Now().Unix(), "channel": "spot.ping"})
	return string(frame)
}

func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the underscore form, e.g. BTC_USDT.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + "_" + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

func channelName(ch models.Channel) string {
	switch ch {
	case models.ChannelTicker:
		return "spot.tickers"
	case models.ChannelOrderbook:
		return "spot.order_book_update"
	case models.ChannelTrades:
		return "spot.trades"
	case models.ChannelCandles:
		return "spot.candlesticks"
	}
	return ""
}

type requestFrame struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
}

// SubscribeFrames groups descriptors per channel. Ticker and trade
// descriptors share one frame per channel with the symbol payloads combined;
// book and candle descriptors get one frame each.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	type group struct {
		channel  string
		payloads [][]string
	}
	var order []string
	groups := make(map[string]*group)

	for _, sub := range subs {
		name := channelName(sub.Channel)
		if name == "" {
			return nil, fmt.Errorf("unknown channel %q", sub.Channel)
		}
		m, err := models.ParseMarket(sub.Symbol)
		if err != nil {
			return nil, err
		}
		wireSym := m.Base + "_" + m.Quote

		var payload []string
		switch sub.Channel {
		case models.ChannelOrderbook:
			payload = []string{wireSym, "100ms"}
		case models.ChannelCandles:
			payload = []string{symbols.NormalizeInterval(sub.Extra), wireSym}
		default:
			payload = []string{wireSym}
		}

		g, ok := groups[name]
		if !ok {
			g = &group{channel: name}
			groups[name] = g
			order = append(order, name)
		}
		g.payloads = append(g.payloads, payload)
	}

	frames := make([][]byte, 0, len(order))
	for _, name := range order {
		g := groups[name]
		// Ticker and trade payloads list all symbols in one frame; book and
		// candle payloads are positional and go one frame per descriptor.
		if name == "spot.tickers" || name == "spot.trades" {
			merged := make([]string, 0, len(g.payloads))
			for _, p := range g.payloads {
				merged = append(merged, p...)
			}
			frame, err := json.Marshal(requestFrame{
				Time: time.Now().Unix(), Channel: name, Event: "subscribe", Payload: merged,
			})
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
			continue
		}
		for _, p := range g.payloads {
			frame, err := json.Marshal(requestFrame{
				Time: time.Now().Unix(), Channel: name, Event: "subscribe", Payload: p,
			})
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
		}
	}
	return frames, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	name := channelName(sub.Channel)
	if name == "" {
		return nil, fmt.Errorf("unknown channel %q", sub.Channel)
	}
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return nil, err
	}
	return json.Marshal(requestFrame{
		Time: time.Now().Unix(), Channel: name, Event: "unsubscribe",
		Payload: []string{m.Base + "_" + m.Quote},
	})
}

type pushFrame struct {
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   json.RawMessage `json:"error"`
	Result  json.RawMessage `json:"result"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	if frame.Error != nil && string(frame.Error) != "null" {
		emit.EmitError(fmt.Errorf("%w: gateio error frame: %s", stream.ErrProtocol, string(frame.Error)))
		return nil
	}
	if frame.Event != "update" {
		// subscribe acks and pongs
		return nil
	}

	switch frame.Channel {
	case "spot.order_book_update":
		return a.processBook(frame, emit)
	case "spot.tickers":
		return a.processTicker(frame, emit)
	case "spot.trades":
		return a.processTrade(frame, emit)
	case "spot.candlesticks":
		return a.processCandle(frame, emit)
	}
	return nil
}

type bookResult struct {
	Symbol string     `json:"s"`
	TimeMs int64      `json:"t"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func (a *Adapter) processBook(frame pushFrame, emit stream.Emitter) error {
	var res bookResult
	if err := json.Unmarshal(frame.Result, &res); err != nil {
		return err
	}
	bids, err := wire.Levels(res.Bids)
	if err != nil {
		return err
	}
	asks, err := wire.Levels(res.Asks)
	if err != nil {
		return err
	}
	symbol := symbols.Normalize(strings.ReplaceAll(res.Symbol, "_", "/"))
	book := emit.Books().ApplyDelta(symbol, bids, asks, res.TimeMs)
	emit.EmitOrderbook(book)
	return nil
}

type tickerResult struct {
	Symbol     string `json:"currency_pair"`
	Last       string `json:"last"`
	HighestBid string `json:"highest_bid"`
	LowestAsk  string `json:"lowest_ask"`
	High24h    string `json:"high_24h"`
	Low24h     string `json:"low_24h"`
	Volume     string `json:"base_volume"`
	ChangePct  string `json:"change_percentage"`
}

func (a *Adapter) processTicker(frame pushFrame, emit stream.Emitter) error {
	var res tickerResult
	if err := json.Unmarshal(frame.Result, &res); err != nil {
		return err
	}
	bid, err := wire.Decimal(res.HighestBid)
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(res.LowestAsk)
	if err != nil {
		return err
	}
	last, _ := wire.Decimal(res.Last)
	high, _ := wire.Decimal(res.High24h)
	low, _ := wire.Decimal(res.Low24h)
	volume, _ := wire.Decimal(res.Volume)
	change, _ := wire.Decimal(res.ChangePct)

	emit.EmitTicker(models.Ticker{
		Venue:        "gateio",
		Symbol:       symbols.Normalize(strings.ReplaceAll(res.Symbol, "_", "/")),
		BestBid:      bid,
		BestAsk:      ask,
		LastPrice:    last,
		High24h:      high,
		Low24h:       low,
		Volume24h:    volume,
		Change24hPct: change,
		Timestamp:    frame.Time * 1000,
	})
	return nil
}

type tradeResult struct {
	ID         int64  `json:"id"`
	Symbol     string `json:"currency_pair"`
	CreateTime string `json:"create_time_ms"`
	Side       string `json:"side"`
	Amount     string `json:"amount"`
	Price      string `json:"price"`
}

func (a *Adapter) processTrade(frame pushFrame, emit stream.Emitter) error {
	var res tradeResult
	if err := json.Unmarshal(frame.Result, &res); err != nil {
		return err
	}
	price, err := wire.Decimal(res.Price)
	if err != nil {
		return err
	}
	qty, err := wire.Decimal(res.Amount)
	if err != nil {
		return err
	}

	ts := frame.Time * 1000
	if ms, err := wire.Decimal(res.CreateTime); err == nil {
		ts = ms.IntPart()
	}

	side := models.TradeSideBid
	if res.Side == "sell" {
		side = models.TradeSideAsk
	}

	emit.EmitTrades(models.TradeBatch{
		Venue:     "gateio",
		Symbol:    symbols.Normalize(strings.ReplaceAll(res.Symbol, "_", "/")),
		Timestamp: ts,
		Trades: []models.Trade{{
			ID:        fmt.Sprintf("%d", res.ID),
			Timestamp: ts,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		}},
	})
	return nil
}

type candleResult struct {
	T      string `json:"t"` // bar open, seconds
	Open   string `json:"o"`
	Close  string `json:"c"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Volume string `json:"v"`
	Name   string `json:"n"` // e.g. 1m_BTC_USDT
}

func (a *Adapter) processCandle(frame pushFrame, emit stream.Emitter) error {
	var res candleResult
	if err := json.Unmarshal(frame.Result, &res); err != nil {
		return err
	}

	interval, symbol := "", ""
	if i := strings.Index(res.Name, "_"); i > 0 {
		interval = symbols.NormalizeInterval(res.Name[:i])
		symbol = symbols.Normalize(strings.ReplaceAll(res.Name[i+1:], "_", "/"))
	}

	ts, err := wire.Int64FromAny(res.T)
	if err != nil {
		return err
	}
	open, err := wire.Decimal(res.Open)
	if err != nil {
		return err
	}
	cls, _ := wire.Decimal(res.Close)
	high, _ := wire.Decimal(res.High)
	low, _ := wire.Decimal(res.Low)
	volume, _ := wire.Decimal(res.Volume)

	emit.EmitCandle(models.Candle{
		Venue:     "gateio",
		Symbol:    symbol,
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
