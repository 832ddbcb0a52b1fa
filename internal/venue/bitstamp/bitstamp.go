// Package bitstamp implements the Bitstamp websocket adapter. Channels are
// per-symbol strings (live_trades_btcusd, diff_order_book_btcusd); there is
// no client-side ping, the client falls back to transport-level pings while
// server heartbeats refresh the read deadline.
package bitstamp

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
	publicURL    = "wss://ws.bitstamp.net"
	pingInterval = 30 * time.Second
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string                     { return "bitstamp" }
func (a *Adapter) PublicURL() string                { return publicURL }
func (a *Adapter) PrivateURL() string               { return "" }
func (a *Adapter) PingInterval() time.Duration      { return pingInterval }
func (a *Adapter) CreatePingMessage() string        { return "" }
func (a *Adapter) SupportsBatchSubscriptions() bool { return false }

// FormatSymbol renders the joined lowercase form, e.g. btcusd.
func (a *Adapter) FormatSymbol(m models.Market) string {
	return strings.ToLower(m.Base + m.Quote)
}

// Bitstamp offers neither ticker nor candle channels on the stream.
func (a *Adapter) SupportsChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelOrderbook, models.ChannelTrades:
		return true
	}
	return false
}

type btsFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type btsSubscribeData struct {
	Channel string `json:"channel"`
}

func channelString(sub models.Subscription) (string, error) {
	m, err := models.ParseMarket(sub.Symbol)
	if err != nil {
		return "", err
	}
	wireSym := strings.ToLower(m.Base + m.Quote)
	switch sub.Channel {
	case models.ChannelOrderbook:
		return "diff_order_book_" + wireSym, nil
	case models.ChannelTrades:
		return "live_trades_" + wireSym, nil
	}
	return "", fmt.Errorf("unsupported channel %q", sub.Channel)
}

// SubscribeFrames renders one bts:subscribe frame per descriptor.
func (a *Adapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	frames := make([][]byte, 0, len(subs))
	for _, sub := range subs {
		channel, err := channelString(sub)
		if err != nil {
			return nil, err
		}
		frame, err := json.Marshal(struct {
			Event string           `json:"event"`
			Data  btsSubscribeData `json:"data"`
		}{Event: "bts:subscribe", Data: btsSubscribeData{Channel: channel}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (a *Adapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	channel, err := channelString(sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Event string           `json:"event"`
		Data  btsSubscribeData `json:"data"`
	}{Event: "bts:unsubscribe", Data: btsSubscribeData{Channel: channel}})
}

type bookData struct {
	Timestamp      string     `json:"timestamp"`
	Microtimestamp string     `json:"microtimestamp"`
	Bids           [][]string `json:"bids"`
	Asks           [][]string `json:"asks"`
}

type tradeData struct {
	ID             int64  `json:"id"`
	Timestamp      string `json:"timestamp"`
	Microtimestamp string `json:"microtimestamp"`
	AmountStr      string `json:"amount_str"`
	PriceStr       string `json:"price_str"`
	Type           int    `json:"type"` // 0 buy, 1 sell
}

func (a *Adapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	var frame btsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	switch frame.Event {
	case "bts:subscription_succeeded", "bts:unsubscription_succeeded", "bts:heartbeat":
		return nil
	case "bts:request_reconnect":
		emit.RequestReconnect("bitstamp requested reconnect")
		return nil
	case "bts:error":
		emit.EmitError(fmt.Errorf("%w: bitstamp error frame: %s", stream.ErrProtocol, string(frame.Data)))
		return nil
	case "data":
		return a.processBook(frame, emit)
	case "trade":
		return a.processTrade(frame, emit)
	default:
		return nil
	}
}

// symbolFromChannel recovers the canonical symbol from a per-symbol channel
// string such as diff_order_book_btcusd.
func symbolFromChannel(channel string) (kind, symbol string, err error) {
	for _, prefix := range []string{"diff_order_book_", "order_book_", "live_trades_"} {
		if strings.HasPrefix(channel, prefix) {
			joined := strings.TrimPrefix(channel, prefix)
			canonical := symbols.Normalize(joined)
			if !strings.Contains(canonical, "/") {
				return "", "", fmt.Errorf("unrecognized symbol %q", joined)
			}
			return prefix, canonical, nil
		}
	}
	return "", "", fmt.Errorf("unrecognized channel %q", channel)
}

func (a *Adapter) processBook(frame btsFrame, emit stream.Emitter) error {
	kind, symbol, err := symbolFromChannel(frame.Channel)
	if err != nil {
		return err
	}

	var payload bookData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	bids, err := wire.Levels(payload.Bids)
	if err != nil {
		return err
	}
	asks, err := wire.Levels(payload.Asks)
	if err != nil {
		return err
	}

	ts := time.Now().UnixMilli()
	if payload.Microtimestamp != "" {
		if us, err := strconv.ParseInt(payload.Microtimestamp, 10, 64); err == nil {
			ts = us / 1000
		}
	} else if payload.Timestamp != "" {
		if sec, err := strconv.ParseInt(payload.Timestamp, 10, 64); err == nil {
			ts = sec * 1000
		}
	}

	var merged models.OrderBook
	if kind == "order_book_" {
		// Full top-of-book snapshot: replaces the state.
		merged = emit.Books().ApplySnapshot(symbol, bids, asks, ts)
	} else {
		merged = emit.Books().ApplyDelta(symbol, bids, asks, ts)
	}
	emit.EmitOrderbook(merged)
	return nil
}

func (a *Adapter) processTrade(frame btsFrame, emit stream.Emitter) error {
	_, symbol, err := symbolFromChannel(frame.Channel)
	if err != nil {
		return err
	}

	var payload tradeData
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		return err
	}
	price, err := wire.Decimal(payload.PriceStr)
	if err != nil {
		return err
	}
	qty, err := wire.Decimal(payload.AmountStr)
	if err != nil {
		return err
	}

	ts := time.Now().UnixMilli()
	if payload.Microtimestamp != "" {
		if us, err := strconv.ParseInt(payload.Microtimestamp, 10, 64); err == nil {
			ts = us / 1000
		}
	}

	side := models.TradeSideBid
	if payload.Type == 1 {
		side = models.TradeSideAsk
	}

	emit.EmitTrades(models.TradeBatch{
		Venue:     "bitstamp",
		Symbol:    symbol,
		Timestamp: ts,
		Trades: []models.Trade{{
			ID:        strconv.FormatInt(payload.ID, 10),
			Timestamp: ts,
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Amount:    price.Mul(qty),
		}},
	})
	return nil
}
