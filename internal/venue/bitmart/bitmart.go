// Package bitmart implements the BitMart spot websocket adapter. Args batch
// into one subscribe frame; symbols use the underscore form (BTC_USDT).
package bitmart

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
	publicURL    = "wss://ws-manager-compress.bitmart.com/api?protocol=1.1"
	pingInterval = 20 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "bitmart" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "ping" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the underscore form, e.g. BTC_USDT.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + "_" + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelTicker, models.ChannelOrderbook, models.ChannelTrades, models.ChannelCandles:
		return true
	}
	return false
}

func topic(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := m.Base + "_" + m.Quote
	switch sub.Channel {
	case models.ChannelTicker:
		return "spot/ticker:" + wireSym, nil
	case models.ChannelOrderbook:
		return "spot/depth/increase100:" + wireSym, nil
	case models.ChannelTrades:
		return "spot/trade:" + wireSym, nil
	case models.ChannelCandles:
		ms := symbols.IntervalToMs(sub.Extra) / 60000
		return fmt.Sprintf("spot/kline%dm:%s", ms, wireSym), nil
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
	Table     string          `json:"table"`
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"errorCode"`
	ErrorMsg  string          `json:"errorMessage"`
}

func wireToSymbol(s string) string {
	return symbols.Normalize(strings.ReplaceAll(s, "_", "/"))
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	if string(data) == "pong" {
		return nil
	}

	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	if frame.ErrorCode != "" {
		emit.EmitError(fmt.Errorf("%w: bitmart error %s: %s", stream.ErrProtocol, frame.ErrorCode, frame.ErrorMsg))
		return nil
	}
	if frame.Table == "" || frame.Data == nil {
		return nil
	}

	switch {
	case strings.HasPrefix(frame.Table, "spot/depth"):
		return a.processDepth(frame, emit)
	case frame.Table == "spot/ticker":
		return a.processTicker(frame, emit)
	case frame.Table == "spot/trade":
		return a.processTrades(frame, emit)
	case strings.HasPrefix(frame.Table, "spot/kline"):
		return a.processKline(frame, emit)
	}
	return nil
}

type depthData struct {
	Symbol string     `json:"symbol"`
	MsT    int64      `json:"ms_t"`
	Type   string     `json:"type"` // "snapshot" or "update"
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
}

func (a *Adapter) processDepth(frame pushFrame, emit stream.Emitter) error {
	var payloads []depthData
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
		symbol := wireToSymbol(p.Symbol)

		var book models.OrderBook
		if p.Type == "snapshot" {
			book = emit.Books().ApplySnapshot(symbol, bids, asks, p.MsT)
		} else {
			book = emit.Books().ApplyDelta(symbol, bids, asks, p.MsT)
		}
		emit.EmitOrderbook(book)
	}
	return nil
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	Last      string `json:"last_price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	High24h   string `json:"high_24h"`
	Low24h    string `json:"low_24h"`
	Volume24h string `json:"base_volume_24h"`
	MsT       int64  `json:"ms_t"`
}

func (a *Adapter) processTicker(frame pushFrame, emit stream.Emitter) error {
	var payloads []tickerData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}
	for _, p := range payloads {
		bid, err := wire.Decimal(p.BestBid)
		if err != nil {
			return err
		}
		ask, err := wire.Decimal(p.BestAsk)
		if err != nil {
			return err
		}
		last, _ := wire.Decimal(p.Last)
		high, _ := wire.Decimal(p.High24h)
		low, _ := wire.Decimal(p.Low24h)
		volume, _ := wire.Decimal(p.Volume24h)

		emit.EmitTicker(models.Ticker{
			Venue:     "bitmart",
			Symbol:    wireToSymbol(p.Symbol),
			BestBid:   bid,
			BestAsk:   ask,
			LastPrice: last,
			High24h:   high,
			Low24h:    low,
			Volume24h: volume,
			Timestamp: p.MsT,
		})
	}
	return nil
}

type tradeData struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Side   string `json:"side"`
	ST     int64  `json:"s_t"` // seconds
}

func (a *Adapter) processTrades(frame pushFrame, emit stream.Emitter) error {
	var payloads []tradeData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}
	if len(payloads) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "bitmart", Symbol: wireToSymbol(payloads[0].Symbol)}
	for i, p := range payloads {
		price, err := wire.Decimal(p.Price)
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(p.Size)
		if err != nil {
			return err
		}
		ts := p.ST * 1000
		side := models.TradeSideBid
		if p.Side == "sell" {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        fmt.Sprintf("%d-%d", p.ST, i),
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

type klineData struct {
	Symbol string `json:"symbol"`
	Candle struct {
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
		T int64  `json:"t"` // seconds
	} `json:"candle"`
}

func (a *Adapter) processKline(frame pushFrame, emit stream.Emitter) error {
	var payloads []klineData
	if err := json.Unmarshal(frame.Data, &payloads); err != nil {
		return err
	}

	// Table: spot/kline15m
	interval := symbols.NormalizeInterval(strings.TrimPrefix(frame.Table, "spot/kline"))

	for _, p := range payloads {
		open, err := wire.Decimal(p.Candle.O)
		if err != nil {
			return err
		}
		high, _ := wire.Decimal(p.Candle.H)
		low, _ := wire.Decimal(p.Candle.L)
		cls, _ := wire.Decimal(p.Candle.C)
		volume, _ := wire.Decimal(p.Candle.V)

		emit.EmitCandle(models.Candle{
			Venue:     "bitmart",
			Symbol:    wireToSymbol(p.Symbol),
			Interval:  interval,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			Timestamp: p.Candle.T * 1000,
		})
	}
	return nil
}
