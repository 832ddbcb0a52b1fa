// Package venuetest provides the capture Emitter the adapter tests feed
// recorded frames through.
package venuetest

import (
	"streamflow/internal/book"
	"streamflow/models"
)

// Emitter records everything an adapter emits while parsing.
type Emitter struct {
	Engine     *book.Engine
	Tickers    []models.Ticker
	OrderBooks []models.OrderBook
	Trades     []models.TradeBatch
	Candles    []models.Candle
	Infos      []string
	Errors     []error
	Sent       [][]byte
	Reconnects []string
}

// New builds an emitter with a fresh book engine for the venue.
func New(venue string) *Emitter {
	return &Emitter{Engine: book.NewEngine(venue)}
}

func (e *Emitter) Books() *book.Engine { return e.Engine }

func (e *Emitter) EmitTicker(t models.Ticker)       { e.Tickers = append(e.Tickers, t) }
func (e *Emitter) EmitOrderbook(b models.OrderBook) { e.OrderBooks = append(e.OrderBooks, b) }
func (e *Emitter) EmitTrades(t models.TradeBatch)   { e.Trades = append(e.Trades, t) }
func (e *Emitter) EmitCandle(c models.Candle)       { e.Candles = append(e.Candles, c) }
func (e *Emitter) EmitInfo(message string)          { e.Infos = append(e.Infos, message) }
func (e *Emitter) EmitError(err error)              { e.Errors = append(e.Errors, err) }

func (e *Emitter) Send(frame []byte) error {
	e.Sent = append(e.Sent, frame)
	return nil
}

func (e *Emitter) RequestReconnect(reason string) {
	e.Reconnects = append(e.Reconnects, reason)
}

// LastBook returns the most recently emitted order book.
func (e *Emitter) LastBook() *models.OrderBook {
	if len(e.OrderBooks) == 0 {
		return nil
	}
	return &e.OrderBooks[len(e.OrderBooks)-1]
}
