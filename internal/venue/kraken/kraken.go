// Package kraken implements the Kraken v2 websocket adapter. Symbols ride
// the wire in canonical BASE/QUOTE form; subscriptions batch per channel
// with a symbol array.
package kraken

import (
	"encoding/json"
	"fmt"
	"time"

	"streamflow/internal/stream"
	"streamflow/internal/venue/wire"
	"streamflow/models"
)

const (
	publicURL    = "wss://ws.kraken.com/v2"
	pingInterval = 30 * time.Second
	bookDepth    = 25
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "kraken" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return `{"method":"ping"}` }
func (a *Adapter) SupportsBatchSubscriptions() bool { return true }

func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.String()
}

// Kraken v2 carries no candles channel on the public stream.
func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelTicker, models.ChannelOrderbook, models.ChannelTrades:
		return true
	}
	return false
}

func channelName(ch models.Channel) string {
	switch ch {
	case models.ChannelTicker:
		return "ticker"
	case models.ChannelOrderbook:
		return "book"
	case models.ChannelTrades:
		return "trade"
	}
	return string(ch)
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Depth    int      `json:"depth,omitempty"`
	Snapshot *bool    `json:"snapshot,omitempty"`
}

type methodFrame struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

// SubscribeFrames groups descriptors per channel: one frame per channel
// carrying the symbol array.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	type group struct {
		channel models.Channel
		symbols []string
	}
	var order []string
	groups := make(map[string]*group)
	for _, sub := range subs {
		key := string(sub.Channel)
		g, ok := groups[key]
		if !ok {
			g = &group{channel: sub.Channel}
			groups[key] = g
			order = append(order, key)
		}
		g.symbols = append(g.symbols, sub.Symbol)
	}

	frames := make([][]byte, 0, len(order))
	for _, key := range order {
		g := groups[key]
		params := subscribeParams{
			Channel: channelName(g.channel),
			Symbol:  g.symbols,
		}
		if g.channel == models.ChannelOrderbook {
			params.Depth = bookDepth
			snapshot := true
			params.Snapshot = &snapshot
		}
		frame, err := json.Marshal(methodFrame{Method: "subscribe", Params: params})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	return json.Marshal(methodFrame{
		Method: "unsubscribe",
		Params: subscribeParams{
			Channel: channelName(sub.Channel),
			Symbol:  []string{sub.Symbol},
		},
	})
}

// Wire shapes for inbound frames.

type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type bookPayload struct {
	Symbol    string     `json:"symbol"`
	Bids      []priceQty `json:"bids"`
	Asks      []priceQty `json:"asks"`
	Checksum  uint32     `json:"checksum"`
	Timestamp string     `json:"timestamp"`
}

type priceQty struct {
	Price json.Number `json:"price"`
	Qty   json.Number `json:"qty"`
}

type tickerPayload struct {
	Symbol    string      `json:"symbol"`
	Bid       json.Number `json:"bid"`
	BidQty    json.Number `json:"bid_qty"`
	Ask       json.Number `json:"ask"`
	AskQty    json.Number `json:"ask_qty"`
	Last      json.Number `json:"last"`
	High      json.Number `json:"high"`
	Low       json.Number `json:"low"`
	Volume    json.Number `json:"volume"`
	ChangePct json.Number `json:"change_pct"`
}

type tradePayload struct {
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Price     json.Number `json:"price"`
	Qty       json.Number `json:"qty"`
	OrdType   string      `json:"ord_type"`
	TradeID   int64       `json:"trade_id"`
	Timestamp string      `json:"timestamp"`
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	// Method acks: subscribe/unsubscribe results and pong frames.
	if env.Method != "" {
		if env.Success != nil && !*env.Success {
			emit.EmitError(fmt.Errorf("%w: kraken %s rejected: %s", stream.ErrProtocol, env.Method, env.Error))
			return nil
		}
		return nil
	}

	switch env.Channel {
	case "heartbeat":
		return nil
	case "status":
		emit.EmitInfo("kraken status frame")
		return nil
	case "book":
		return a.processBook(env, emit)
	case "ticker":
		return a.processTicker(env, emit)
	case "trade":
		return a.processTrades(env, emit)
	case "":
		return fmt.Errorf("frame without channel")
	default:
		// Unknown channels are venue additions, not parse failures.
		return nil
	}
}

func (a *Adapter) processBook(env envelope, emit stream.Emitter) error {
	var payloads []bookPayload
	if err := json.Unmarshal(env.Data, &payloads); err != nil {
		return err
	}

	for _, p := range payloads {
		bids, err := convertSide(p.Bids)
		if err != nil {
			return err
		}
		asks, err := convertSide(p.Asks)
		if err != nil {
			return err
		}

		ts := time.Now().UnixMilli()
		if p.Timestamp != "" {
			if ms, err := wire.TimeMs(p.Timestamp); err == nil {
				ts = ms
			}
		}

		var book models.OrderBook
		if env.Type == "snapshot" {
			book = emit.Books().ApplySnapshot(p.Symbol, bids, asks, ts)
		} else {
			book = emit.Books().ApplyDelta(p.Symbol, bids, asks, ts)
		}
		emit.EmitOrderbook(book)
	}
	return nil
}

func convertSide(rows []priceQty) ([]models.BookLevel, error) {
	out := make([]models.BookLevel, 0, len(rows))
	for _, row := range rows {
		price, err := wire.Decimal(row.Price.String())
		if err != nil {
			return nil, err
		}
		qty, err := wire.Decimal(row.Qty.String())
		if err != nil {
			return nil, err
		}
		out = append(out, models.BookLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func (a *Adapter) processTicker(env envelope, emit stream.Emitter) error {
	var payloads []tickerPayload
	if err := json.Unmarshal(env.Data, &payloads); err != nil {
		return err
	}

	for _, p := range payloads {
		bid, err := wire.Decimal(p.Bid.String())
		if err != nil {
			return err
		}
		ask, err := wire.Decimal(p.Ask.String())
		if err != nil {
			return err
		}
		bidQty, _ := wire.Decimal(p.BidQty.String())
		askQty, _ := wire.Decimal(p.AskQty.String())
		last, _ := wire.Decimal(p.Last.String())
		high, _ := wire.Decimal(p.High.String())
		low, _ := wire.Decimal(p.Low.String())
		volume, _ := wire.Decimal(p.Volume.String())
		change, _ := wire.Decimal(p.ChangePct.String())

		emit.EmitTicker(models.Ticker{
			Venue:        "kraken",
			Symbol:       p.Symbol,
			BestBid:      bid,
			BestBidSize:  bidQty,
			BestAsk:      ask,
			BestAskSize:  askQty,
			LastPrice:    last,
			High24h:      high,
			Low24h:       low,
			Volume24h:    volume,
			Change24hPct: change,
			Timestamp:    time.Now().UnixMilli(),
		})
	}
	return nil
}

func (a *Adapter) processTrades(env envelope, emit stream.Emitter) error {
	var payloads []tradePayload
	if err := json.Unmarshal(env.Data, &payloads); err != nil {
		return err
	}
	if len(payloads) == 0 {
		return nil
	}

	batches := make(map[string]*models.TradeBatch)
	var order []string
	for _, p := range payloads {
		price, err := wire.Decimal(p.Price.String())
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(p.Qty.String())
		if err != nil {
			return err
		}

		ts := time.Now().UnixMilli()
		if p.Timestamp != "" {
			if ms, err := wire.TimeMs(p.Timestamp); err == nil {
				ts = ms
			}
		}

		side := models.TradeSideBid
		if p.Side == "sell" {
			side = models.TradeSideAsk
		}

		batch, ok := batches[p.Symbol]
		if !ok {
			batch = &models.TradeBatch{Venue: "kraken", Symbol: p.Symbol}
			batches[p.Symbol] = batch
			order = append(order, p.Symbol)
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        fmt.Sprintf("%d", p.TradeID),
			Timestamp: ts,
			Side:      side,
			OrderType: p.OrdType,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		})
		if ts > batch.Timestamp {
			batch.Timestamp = ts
		}
	}

	for _, sym := range order {
		emit.EmitTrades(*batches[sym])
	}
	return nil
}
