// Package cryptocom implements the Crypto.com Exchange v1 websocket
// adapter. Channels batch into one subscribe request; the server drives a
// heartbeat the parser must answer with public/respond-heartbeat.
package cryptocom

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
	publicURL    = "wss://stream.crypto.com/exchange/v1/market"
	pingInterval = 30 * time.Second
)

type Adapter struct {
	nextID int64
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "cryptocom" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

// FormatSymbol renders the underscore form, e.g. BTC_USDT.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base + "_" + m.Quote
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	return ch.Valid()
}

func channelString(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := m.Base + "_" + m.Quote
	switch sub.Channel {
	case models.ChannelTicker:
		return "ticker." + wireSym, nil
	case models.ChannelOrderbook:
		return "book." + wireSym, nil
	case models.ChannelTrades:
		return "trade." + wireSym, nil
	case models.ChannelCandles:
		return fmt.Sprintf("candlestick.%s.%s", symbols.IntervalForVenue("cryptocom", sub.Extra), wireSym), nil
	}
	return "", fmt.Errorf("unknown channel %q", sub.Channel)
}

type request struct {
	ID     int64                  `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SubscribeFrames coalesces every channel into one subscribe request.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	channels := make([]string, 0, len(subs))
	for _, sub := range subs {
		ch, err := channelString(sub)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	a.nextID++
	frame, err := json.Marshal(request{
		ID:     a.nextID,
		Method: "subscribe",
		Params: map[string]interface{}{"channels": channels},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	ch, err := channelString(sub)
	if err != nil {
		return nil, err
	}
	a.nextID++
	return json.Marshal(request{
		ID:     a.nextID,
		Method: "unsubscribe",
		Params: map[string]interface{}{"channels": []string{ch}},
	})
}

type response struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Code   int    `json:"code"`
	Result *struct {
		Channel      string          `json:"channel"`
		Subscription string          `json:"subscription"`
		InstName     string          `json:"instrument_name"`
		Interval     string          `json:"interval"`
		Data         json.RawMessage `json:"data"`
	} `json:"result"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var msg response
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	if msg.Method == "public/heartbeat" {
		reply, _ := json.Marshal(request{ID: msg.ID, Method: "public/respond-heartbeat"})
		if err := emit.Send(reply); err != nil {
			emit.EmitError(err)
		}
		return nil
	}
	if msg.Code != 0 {
		emit.EmitError(fmt.Errorf("%w: cryptocom error code %d", stream.ErrProtocol, msg.Code))
		return nil
	}
	if msg.Result == nil || msg.Result.Data == nil {
		return nil
	}

	symbol := symbols.Normalize(strings.ReplaceAll(msg.Result.InstName, "_", "/"))
	switch msg.Result.Channel {
	case "book":
		return a.processBook(msg, symbol, emit)
	case "ticker":
		return a.processTicker(msg, symbol, emit)
	case "trade":
		return a.processTrades(msg, symbol, emit)
	case "candlestick":
		return a.processCandles(msg, symbol, emit)
	}
	return nil
}

type bookRow struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   int64      `json:"t"`
}

// Book frames publish the whole visible depth: snapshots.
func (a *Adapter) processBook(msg response, symbol string, emit stream.Emitter) error {
	var rows []bookRow
	if err := json.Unmarshal(msg.Result.Data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		bids, err := wire.Levels(row.Bids)
		if err != nil {
			return err
		}
		asks, err := wire.Levels(row.Asks)
		if err != nil {
			return err
		}
		book := emit.Books().ApplySnapshot(symbol, bids, asks, row.Ts)
		emit.EmitOrderbook(book)
	}
	return nil
}

type tickerRow struct {
	Bid    json.Number `json:"b"`
	Ask    json.Number `json:"k"`
	Last   json.Number `json:"a"`
	High   json.Number `json:"h"`
	Low    json.Number `json:"l"`
	Volume json.Number `json:"v"`
	Change json.Number `json:"c"`
	Ts     int64       `json:"t"`
}

func (a *Adapter) processTicker(msg response, symbol string, emit stream.Emitter) error {
	var rows []tickerRow
	if err := json.Unmarshal(msg.Result.Data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		bid, err := wire.Decimal(row.Bid.String())
		if err != nil {
			return err
		}
		ask, err := wire.Decimal(row.Ask.String())
		if err != nil {
			return err
		}
		last, _ := wire.Decimal(row.Last.String())
		high, _ := wire.Decimal(row.High.String())
		low, _ := wire.Decimal(row.Low.String())
		volume, _ := wire.Decimal(row.Volume.String())
		change, _ := wire.Decimal(row.Change.String())

		emit.EmitTicker(models.Ticker{
			Venue:        "cryptocom",
			Symbol:       symbol,
			BestBid:      bid,
			BestAsk:      ask,
			LastPrice:    last,
			High24h:      high,
			Low24h:       low,
			Volume24h:    volume,
			Change24hPct: change,
			Timestamp:    row.Ts,
		})
	}
	return nil
}

type tradeRow struct {
	ID    json.Number `json:"d"`
	Price json.Number `json:"p"`
	Qty   json.Number `json:"q"`
	Side  string      `json:"s"`
	Ts    int64       `json:"t"`
}

func (a *Adapter) processTrades(msg response, symbol string, emit stream.Emitter) error {
	var rows []tradeRow
	if err := json.Unmarshal(msg.Result.Data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "cryptocom", Symbol: symbol}
	for _, row := range rows {
		price, err := wire.Decimal(row.Price.String())
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(row.Qty.String())
		if err != nil {
			return err
		}
		side := models.TradeSideBid
		if strings.EqualFold(row.Side, "sell") {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        row.ID.String(),
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

type candleRow struct {
	Open   json.Number `json:"o"`
	Close  json.Number `json:"c"`
	High   json.Number `json:"h"`
	Low    json.Number `json:"l"`
	Volume json.Number `json:"v"`
	Ts     int64       `json:"t"`
}

func (a *Adapter) processCandles(msg response, symbol string, emit stream.Emitter) error {
	var rows []candleRow
	if err := json.Unmarshal(msg.Result.Data, &rows); err != nil {
		return err
	}
	interval := symbols.NormalizeInterval(msg.Result.Interval)

	for _, row := range rows {
		open, err := wire.Decimal(row.Open.String())
		if err != nil {
			return err
		}
		cls, _ := wire.Decimal(row.Close.String())
		high, _ := wire.Decimal(row.High.String())
		low, _ := wire.Decimal(row.Low.String())
		volume, _ := wire.Decimal(row.Volume.String())

		emit.EmitCandle(models.Candle{
			Venue:     "cryptocom",
			Symbol:    symbol,
			Interval:  interval,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    volume,
			Timestamp: row.Ts,
		})
	}
	return nil
}
