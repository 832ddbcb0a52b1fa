package kucoin

import (
	"strings"
	"testing"

	"streamflow/internal/venue/venuetest"
	"streamflow/models"
)

func TestSubscribeFramesOnePerDescriptor(t *testing.T) {
	a := New()
	frames, err := a.SubscribeFrames([]models.Subscription{
		{Channel: models.ChannelTicker, Symbol: "BTC/USDT"},
		{Channel: models.ChannelCandles, Symbol: "BTC/USDT", Extra: "1h"},
	})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !strings.Contains(string(frames[0]), `"topic":"/market/ticker:BTC-USDT"`) {
		t.Errorf("ticker frame: %s", frames[0])
	}
	if !strings.Contains(string(frames[1]), `"topic":"/market/candles:BTC-USDT_1hour"`) {
		t.Errorf("candles frame: %s", frames[1])
	}
}

func TestLevel2Changes(t *testing.T) {
	a := New()
	emit := venuetest.New("kucoin")

	frame := `{"type":"message","topic":"/market/level2:BTC-USDT","subject":"trade.l2update","data":{"changes":{"bids":[["50000.1","1.5","123"],["0","0","124"]],"asks":[["50001.2","2","125"]]},"time":1704204000000}}`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("level2: %v", err)
	}
	book := emit.LastBook()
	if book.Symbol != "BTC/USDT" || len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Errorf("book: %+v", book)
	}
}

func TestTickerAndMatch(t *testing.T) {
	a := New()
	emit := venuetest.New("kucoin")

	ticker := `{"type":"message","topic":"/market/ticker:BTC-USDT","subject":"trade.ticker","data":{"bestBid":"50001.5","bestBidSize":"2","bestAsk":"50002.5","bestAskSize":"1","price":"50002","time":1704204000000}}`
	if err := a.ProcessMessage([]byte(ticker), false, emit); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(emit.Tickers) != 1 || emit.Tickers[0].Symbol != "BTC/USDT" {
		t.Errorf("tickers: %+v", emit.Tickers)
	}

	match := `{"type":"message","topic":"/market/match:BTC-USDT","subject":"trade.l3match","data":{"tradeId":"m1","price":"50002","size":"0.5","side":"buy","time":"1704204000123000000"}}`
	if err := a.ProcessMessage([]byte(match), false, emit); err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(emit.Trades) != 1 || emit.Trades[0].Trades[0].Timestamp != 1704204000123 {
		t.Errorf("trades: %+v", emit.Trades)
	}
}

func TestWelcomeAndPongQuiet(t *testing.T) {
	a := New()
	emit := venuetest.New("kucoin")

	for _, frame := range []string{
		`{"id":"x","type":"welcome"}`,
		`{"id":"y","type":"ack"}`,
		`{"id":"z","type":"pong"}`,
	} {
		if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
			t.Errorf("frame %s: %v", frame, err)
		}
	}
	if len(emit.Tickers)+len(emit.Errors) != 0 {
		t.Error("control frames must be quiet")
	}
}
