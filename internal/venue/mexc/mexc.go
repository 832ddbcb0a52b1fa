// Package mexc implements the MEXC spot websocket adapter. All channel
// strings ride in a single SUBSCRIPTION frame; the client pings with
// {"method":"PING"} every 20 seconds.
package mexc

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
	publicURL    = "wss://wbs.mexc.com/ws"
	pingInterval = 20 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "mexc" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return `{"method":"PING"}` }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the joined uppercase form, e.g. BTCUSDT.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

// klineInterval renders a canonical interval the way MEXC spells it
// (Min1..Min60, Hour4, Day1, Week1, Month1).
func klineInterval(interval string) string {
	canonical := symbols.NormalizeInterval(interval)
	if canonical == "1M" {
		return "Month1"
	}
	n := canonical[:len(canonical)-1]
	switch canonical[len(canonical)-1] {
	case 'm':
		return "Min" + n
	case 'h':
		if n == "1" {
			return "Min60"
		}
		return "Hour" + n
	case 'd':
		return "Day" + n
	case 'w':
		return "Week" + n
	}
	return canonical
}

func paramString(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := m.Base + m.Quote
	switch sub.Channel {
	case models.ChannelTicker:
		return "spot@public.bookTicker.v3.api@" + wireSym, nil
	case models.ChannelOrderbook:
		return "spot@public.increase.depth.v3.api@" + wireSym, nil
	case models.ChannelTrades:
		return "spot@public.deals.v3.api@" + wireSym, nil
	case models.ChannelCandles:
		return fmt.Sprintf("spot@public.kline.v3.api@%s@%s", wireSym, klineInterval(sub.Extra)), nil
	}
	return "", fmt.Errorf("unknown channel %q", sub.Channel)
}

type methodFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// SubscribeFrames coalesces every descriptor into one SUBSCRIPTION frame.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	params := make([]string, 0, len(subs))
	for _, sub := range subs {
		p, err := paramString(sub)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	frame, err := json.Marshal(methodFrame{Method: "SUBSCRIPTION", Params: params})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	p, err := paramString(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(methodFrame{Method: "UNSUBSCRIPTION", Params: []string{p}})
}

type pushFrame struct {
	Channel string          `json:"c"`
	Data    json.RawMessage `json:"d"`
	Symbol  string          `json:"s"`
	Time    int64           `json:"t"`
	Msg     string          `json:"msg"`
	Code    *int            `json:"code"`
}

type depthData struct {
	Bids    []priceVol `json:"bids"`
	Asks    []priceVol `json:"asks"`
	Version string     `json:"r"`
}

type priceVol struct {
	Price  string `json:"p"`
	Volume string `json:"v"`
}

type bookTickerData struct {
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type dealsData struct {
	Deals []struct {
		Price  string `json:"p"`
		Volume string `json:"v"`
		Side   int    `json:"S"` // 1 buy, 2 sell
		Time   int64  `json:"t"`
	} `json:"deals"`
}

type klineData struct {
	Kline struct {
		Interval string      `json:"i"`
		Open     json.Number `json:"o"`
		Close    json.Number `json:"c"`
		High     json.Number `json:"h"`
		Low      json.Number `json:"l"`
		Volume   json.Number `json:"v"`
		Start    int64       `json:"t"`
	} `json:"k"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	// Control frames: PONG and subscription acks.
	if frame.Channel == "" {
		if frame.Msg == "PONG" {
			return nil
		}
		if frame.Code != nil && *frame.Code != 0 {
			emit.EmitError(fmt.Errorf("%w: mexc rejected request: %s", stream.ErrProtocol, frame.Msg))
		}
		return nil
	}

	symbol := symbols.Normalize(frame.Symbol)

	switch {
	case strings.Contains(frame.Channel, "increase.depth"):
		return a.processDepth(frame, symbol, false, emit)
	case strings.Contains(frame.Channel, "limit.depth"):
		return a.processDepth(frame, symbol, true, emit)
	case strings.Contains(frame.Channel, "bookTicker"):
		return a.processBookTicker(frame, symbol, emit)
	case strings.Contains(frame.Channel, "deals"):
		return a.processDeals(frame, symbol, emit)
	case strings.Contains(frame.Channel, "kline"):
		return a.processKline(frame, symbol, emit)
	}
	return nil
}

func (a *Adapter) processDepth(frame pushFrame, symbol string, snapshot bool, emit stream.Emitter) error {
	var payload depthData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}

	convert := func(rows []priceVol) ([]models.BookLevel, error) {
		out := make([]models.BookLevel, 0, len(rows))
		for _, row := range rows {
			lvl, err := wire.Level([]string{row.Price, row.Volume})
			if err != nil {
				return nil, err
			}
			out = append(out, lvl)
		}
		return out, nil
	}
	bids, err := convert(payload.Bids)
	if err != nil {
		return err
	}
	asks, err := convert(payload.Asks)
	if err != nil {
		return err
	}

	ts := frame.Time
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	var merged models.OrderBook
	if snapshot {
		merged = emit.Books().ApplySnapshot(symbol, bids, asks, ts)
	} else {
		merged = emit.Books().ApplyDelta(symbol, bids, asks, ts)
	}
	emit.EmitOrderbook(merged)
	return nil
}

func (a *Adapter) processBookTicker(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payload bookTickerData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	bid, err := wire.Decimal(payload.BidPrice)
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(payload.AskPrice)
	if err != nil {
		return err
	}
	bidQty, _ := wire.Decimal(payload.BidQty)
	askQty, _ := wire.Decimal(payload.AskQty)

	ts := frame.Time
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	emit.EmitTicker(models.Ticker{
		Venue:       "mexc",
		Symbol:      symbol,
		BestBid:     bid,
		BestBidSize: bidQty,
		BestAsk:     ask,
		BestAskSize: askQty,
		Timestamp:   ts,
	})
	return nil
}

func (a *Adapter) processDeals(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payload dealsData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	if len(payload.Deals) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "mexc", Symbol: symbol}
	for i, deal := range payload.Deals {
		price, err := wire.Decimal(deal.Price)
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(deal.Volume)
		if err != nil {
			return err
		}
		side := models.TradeSideBid
		if deal.Side == 2 {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        strconv.FormatInt(deal.Time, 10) + "-" + strconv.Itoa(i),
			Timestamp: deal.Time,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		})
		if deal.Time > batch.Timestamp {
			batch.Timestamp = deal.Time
		}
	}
	emit.EmitTrades(batch)
	return nil
}

func (a *Adapter) processKline(frame pushFrame, symbol string, emit stream.Emitter) error {
	var payload klineData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	k := payload.Kline

	open, err := wire.Decimal(k.Open.String())
	if err != nil {
		return err
	}
	cls, _ := wire.Decimal(k.Close.String())
	high, _ := wire.Decimal(k.High.String())
	low, _ := wire.Decimal(k.Low.String())
	volume, _ := wire.Decimal(k.Volume.String())

	emit.EmitCandle(models.Candle{
		Venue:     "mexc",
		Symbol:    symbol,
		Interval:  canonicalInterval(k.Interval),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    volume,
		Timestamp: k.Start * 1000,
	})
	return nil
}

// canonicalInterval maps Min15 / Hour4 / Day1 / Week1 / Month1 back to the
// canonical interval form.
func canonicalInterval(v string) string {
	switch {
	case strings.HasPrefix(v, "Min"):
		n := strings.TrimPrefix(v, "Min")
		if n == "60" {
			return "1h"
		}
		return n + "m"
	case strings.HasPrefix(v, "Hour"):
		return strings.TrimPrefix(v, "Hour") + "h"
	case strings.HasPrefix(v, "Day"):
		return strings.TrimPrefix(v, "Day") + "d"
	case strings.HasPrefix(v, "Week"):
		return strings.TrimPrefix(v, "Week") + "w"
	case v == "Month1":
		return "1M"
	}
	return v
}
