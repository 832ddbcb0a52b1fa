// Package binance implements the Binance spot websocket adapter. Stream
// names batch into a single SUBSCRIBE frame; the server drives transport
// pings, so the client ping message is empty.
package binance

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
	publicURL    = "wss://stream.binance.com:9443/ws"
	pingInterval = 30 * time.Second
)

type Adapter struct {
	nextID int64
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "binance" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

func streamName(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := strings.ToLower(m.Base + m.Quote)
	switch sub.Channel {
	case models.ChannelTicker:
		return wireSym + "@ticker", nil
	case models.ChannelOrderbook:
		return wireSym + "@depth@100ms", nil
	case models.ChannelTrades:
		return wireSym + "@trade", nil
	case models.ChannelCandles:
		return wireSym + "@kline_" + symbols.NormalizeInterval(sub.Extra), nil
	}
	return "", fmt.Errorf("unknown channel %q", sub.Channel)
}

type methodFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrames coalesces all stream names into one SUBSCRIBE frame.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	params := make([]string, 0, len(subs))
	for _, sub := range subs {
		name, err := streamName(sub)
		if err != nil {
			return nil, err
		}
		params = append(params, name)
	}
	a.nextID++
	frame, err := json.Marshal(methodFrame{Method: "SUBSCRIBE", Params: params, ID: a.nextID})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	name, err := streamName(sub)
	if err != nil {
		return nil, err
	}
	a.nextID++
	return json.Marshal(methodFrame{Method: "UNSUBSCRIBE", Params: []string{name}, ID: a.nextID})
}

// Binance frames carry both "e" (event type) and "E" (event time).
// encoding/json matches keys case-insensitively when no field has the exact
// name, so each struct that decodes a whole frame declares both keys.
type event struct {
	Type   string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	switch ev.Type {
	case "":
		// SUBSCRIBE ack: {"result":null,"id":1} or an error object.
		var ack struct {
			Error *struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &ack); err == nil && ack.Error != nil {
			emit.EmitError(fmt.Errorf("%w: binance error %d: %s", stream.ErrProtocol, ack.Error.Code, ack.Error.Msg))
		}
		return nil
	case "depthUpdate":
		return a.processDepth(data, emit)
	case "24hrTicker":
		return a.processTicker(data, emit)
	case "trade":
		return a.processTrade(data, emit)
	case "kline":
		return a.processKline(data, emit)
	}
	return nil
}

type depthEvent struct {
	Type   string     `json:"e"`
	Symbol string     `json:"s"`
	Time   int64      `json:"E"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

func (a *Adapter) processDepth(data []byte, emit stream.Emitter) error {
	var ev depthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	bids, err := wire.Levels(ev.Bids)
	if err != nil {
		return err
	}
	asks, err := wire.Levels(ev.Asks)
	if err != nil {
		return err
	}
	symbol := symbols.Normalize(ev.Symbol)
	book := emit.Books().ApplyDelta(symbol, bids, asks, ev.Time)
	emit.EmitOrderbook(book)
	return nil
}

type tickerEvent struct {
	Type      string `json:"e"`
	Symbol    string `json:"s"`
	Time      int64  `json:"E"`
	Bid       string `json:"b"`
	BidQty    string `json:"B"`
	Ask       string `json:"a"`
	AskQty    string `json:"A"`
	Last      string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	ChangePct string `json:"P"`
}

func (a *Adapter) processTicker(data []byte, emit stream.Emitter) error {
	var ev tickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	bid, err := wire.Decimal(ev.Bid)
	if err != nil {
		return err
	}
	ask, err := wire.Decimal(ev.Ask)
	if err != nil {
		return err
	}
	bidQty, _ := wire.Decimal(ev.BidQty)
	askQty, _ := wire.Decimal(ev.AskQty)
	last, _ := wire.Decimal(ev.Last)
	high, _ := wire.Decimal(ev.High)
	low, _ := wire.Decimal(ev.Low)
	volume, _ := wire.Decimal(ev.Volume)
	change, _ := wire.Decimal(ev.ChangePct)

	emit.EmitTicker(models.Ticker{
		Venue:        "binance",
		Symbol:       symbols.Normalize(ev.Symbol),
		BestBid:      bid,
		BestBidSize:  bidQty,
		BestAsk:      ask,
		BestAskSize:  askQty,
		LastPrice:    last,
		High24h:      high,
		Low24h:       low,
		Volume24h:    volume,
		Change24hPct: change,
		Timestamp:    ev.Time,
	})
	return nil
}

type tradeEvent struct {
	Symbol  string `json:"s"`
	TradeID int64  `json:"t"`
	Price   string `json:"p"`
	Qty     string `json:"q"`
	Time    int64  `json:"T"`
	IsSell  bool   `json:"m"` // buyer is market maker
}

func (a *Adapter) processTrade(data []byte, emit stream.Emitter) error {
	var ev tradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	price, err := wire.Decimal(ev.Price)
	if err != nil {
		return err
	}
	qty, err := wire.Decimal(ev.Qty)
	if err != nil {
		return err
	}

	side := models.TradeSideBid
	if ev.IsSell {
		side = models.TradeSideAsk
	}

	emit.EmitTrades(models.TradeBatch{
		Venue:     "binance",
		Symbol:    symbols.Normalize(ev.Symbol),
		Timestamp: ev.Time,
		Trades: []models.Trade{{
			ID:        strconv.FormatInt(ev.TradeID, 10),
			Timestamp: ev.Time,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		}},
	})
	return nil
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		Start    int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
	} `json:"k"`
}

func (a *Adapter) processKline(data []byte, emit stream.Emitter) error {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	open, err := wire.Decimal(ev.Kline.Open)
	if err != nil {
		return err
	}
	cls, _ := wire.Decimal(ev.Kline.Close)
	high, _ := wire.Decimal(ev.Kline.High)
	low, _ := wire.Decimal(ev.Kline.Low)
	volume, _ := wire.Decimal(ev.Kline.Volume)

	emit.EmitCandle(models.Candle{
		Venue:     "binance",
		Symbol:    symbols.Normalize(ev.Symbol),
		Interval:  ev.Kline.Interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    volume,
		Timestamp: ev.Kline.Start,
	})
	return nil
}
