package channel

import (
	"context"
	"sync"

	"streamflow/logger"
	"streamflow/models"
)

// ChannelStats counts fan-out deliveries and drops.
type ChannelStats struct {
	TickersSent    int64
	BooksSent      int64
	TradesSent     int64
	CandlesSent    int64
	TickersDropped int64
	BooksDropped   int64
	TradesDropped  int64
	CandlesDropped int64
}

// Channels carries the buffered fan-out channels consumers read normalized
// records from. Sends never block: a full channel drops the record and
// counts the drop.
type Channels struct {
	Tickers chan models.Ticker
	Books   chan models.OrderBook
	Trades  chan models.TradeBatch
	Candles chan models.Candle

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	log := logger.GetLogger()
	c := &Channels{
		Tickers: make(chan models.Ticker, bufferSize),
		Books:   make(chan models.OrderBook, bufferSize),
		Trades:  make(chan models.TradeBatch, bufferSize),
		Candles: make(chan models.Candle, bufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("fan-out channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Tickers)
	close(c.Books)
	close(c.Trades)
	close(c.Candles)
	c.log.WithComponent("channels").Info("fan-out channels closed")
}

// SendTicker forwards a ticker, dropping when the consumer lags.
func (c *Channels) SendTicker(ctx context.Context, t models.Ticker) bool {
	select {
	case c.Tickers <- t:
		c.bump(func(s *ChannelStats) { s.TickersSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.TickersDropped++ })
		return false
	}
}

// SendBook forwards an order book, dropping when the consumer lags.
func (c *Channels) SendBook(ctx context.Context, b models.OrderBook) bool {
	select {
	case c.Books <- b:
		c.bump(func(s *ChannelStats) { s.BooksSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.BooksDropped++ })
		return false
	}
}

// SendTrades forwards a trade batch, dropping when the consumer lags.
func (c *Channels) SendTrades(ctx context.Context, t models.TradeBatch) bool {
	select {
	case c.Trades <- t:
		c.bump(func(s *ChannelStats) { s.TradesSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.TradesDropped++ })
		return false
	}
}

// SendCandle forwards a candle, dropping when the consumer lags.
func (c *Channels) SendCandle(ctx context.Context, k models.Candle) bool {
	select {
	case c.Candles <- k:
		c.bump(func(s *ChannelStats) { s.CandlesSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.CandlesDropped++ })
		return false
	}
}

func (c *Channels) bump(f func(*ChannelStats)) {
	c.statsMutex.Lock()
	f(&c.stats)
	c.statsMutex.Unlock()
}

// Stats returns a copy of the delivery counters.
func (c *Channels) Stats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
