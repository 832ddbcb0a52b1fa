// Package hyperliquid implements the Hyperliquid websocket adapter.
// Subscriptions go one frame per descriptor with a typed subscription
// object; coins ride the wire bare (BTC).
package hyperliquid

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
	publicURL    = "wss://api.hyperliquid.xyz/ws"
	pingInterval = 30 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "hyperliquid" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return `{"method":"ping"}` }
func (a *Adapter) SupportsBatchSubscriptions() bool { return false }

// FormatSymbol renders the bare coin: perp markets quote in USD
// implicitly.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return m.Base
}

func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelOrderbook, models.ChannelTrades, models.ChannelCandles:
		return true
	}
	return false
}

type subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

type methodFrame struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

func subFor(sub models.Subscription) (subscription, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return subscription{}, err
	}
	switch sub.Channel {
	case models.ChannelOrderbook:
		return subscription{Type: "l2Book", Coin: m.Base}, nil
	case models.ChannelTrades:
		return subscription{Type: "trades", Coin: m.Base}, nil
	case models.ChannelCandles:
		return subscription{Type: "candle", Coin: m.Base, Interval: symbols.NormalizeInterval(sub.Extra)}, nil
	}
	return subscription{}, fmt.Errorf("unsupported channel %q", sub.Channel)
}

// SubscribeFrames renders one frame per descriptor.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		s, err := subFor(sub)
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(methodFrame{Method: "subscribe", Subscription: s})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	s, err := subFor(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(methodFrame{Method: "unsubscribe", Subscription: s})
}

type pushFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// coinSymbol renders the canonical symbol for a bare coin.
func coinSymbol(coin string) string {
	return coin + "/USD"
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	switch frame.Channel {
	case "subscriptionResponse", "pong":
		return nil
	case "error":
		emit.EmitError(fmt.Errorf("%w: hyperliquid error frame: %s", stream.ErrProtocol, string(frame.Data)))
		return nil
	case "l2Book":
		return a.processBook(frame, emit)
	case "trades":
		return a.processTrades(frame, emit)
	case "candle":
		return a.processCandle(frame, emit)
	}
	return nil
}

type bookData struct {
	Coin   string `json:"coin"`
	Time   int64  `json:"time"`
	Levels [2][]struct {
		Price string `json:"px"`
		Size  string `json:"sz"`
		N     int    `json:"n"`
	} `json:"levels"`
}

// l2Book frames carry the whole visible book: [bids, asks].
func (a *Adapter) processBook(frame pushFrame, emit stream.Emitter) error {
	var payload bookData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}

	convert := func(i int) ([]models.BookLevel, error) {
		out := make([]models.BookLevel, 0, len(payload.Levels[i]))
		for _, row := range payload.Levels[i] {
			lvl, err := wire.Level([]string{row.Price, row.Size})
			if err != nil {
				return nil, err
			}
			lvl.Count = row.N
			out = append(out, lvl)
		}
		return out, nil
	}
	bids, err := convert(0)
	if err != nil {
		return err
	}
	asks, err := convert(1)
	if err != nil {
		return err
	}

	symbol := coinSymbol(payload.Coin)
	book := emit.Books().ApplySnapshot(symbol, bids, asks, payload.Time)
	emit.EmitOrderbook(book)
	return nil
}

type tradeData struct {
	Coin  string `json:"coin"`
	Side  string `json:"side"` // "B" or "A"
	Price string `json:"px"`
	Size  string `json:"sz"`
	Time  int64  `json:"time"`
	TID   int64  `json:"tid"`
}

func (a *Adapter) processTrades(frame pushFrame, emit stream.Emitter) error {
	var rows []tradeData
	if err := json.Unmarshal(frame.Data, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := models.TradeBatch{Venue: "hyperliquid", Symbol: coinSymbol(rows[0].Coin)}
	for _, row := range rows {
		price, err := wire.Decimal(row.Price)
		if err != nil {
			return err
		}
		qty, err := wire.Decimal(row.Size)
		if err != nil {
			return err
		}
		side := models.TradeSideBid
		if row.Side == "A" {
			side = models.TradeSideAsk
		}
		batch.Trades = append(batch.Trades, models.Trade{
			ID:        fmt.Sprintf("%d", row.TID),
			Timestamp: row.Time,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		})
		if row.Time > batch.Timestamp {
			batch.Timestamp = row.Time
		}
	}
	emit.EmitTrades(batch)
	return nil
}

type candleData struct {
	Coin     string      `json:"s"`
	Interval string      `json:"i"`
	Open     json.Number `json:"o"`
	Close    json.Number `json:"c"`
	High     json.Number `json:"h"`
	Low      json.Number `json:"l"`
	Volume   json.Number `json:"v"`
	Start    int64       `json:"t"`
}

func (a *Adapter) processCandle(frame pushFrame, emit stream.Emitter) error {
	var payload candleData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	open, err := wire.Decimal(payload.Open.String())
	if err != nil {
		return err
	}
	cls, _ := wire.Decimal(payload.Close.String())
	high, _ := wire.Decimal(payload.High.String())
	low, _ := wire.Decimal(payload.Low.String())
	volume, _ := wire.Decimal(payload.Volume.String())

	emit.EmitCandle(models.Candle{
		Venue:     "hyperliquid",
		Symbol:    coinSymbol(payload.Coin),
		Interval:  symbols.NormalizeInterval(payload.Interval),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    volume,
		Timestamp: payload.Start,
	})
	return nil
}
