package okx

import (
	"strings"
	"testing"

	"streamflow/internal/venue/venuetest"
	"streamflow/models"
)

func TestSubscribeFramesAreOneBatch(t *testing.T) {
	a := New()
	frames, err := a.SubscribeFrames([]models.Subscription{
		{Channel: models.ChannelTicker, Symbol: "BTC/USDT"},
		{Channel: models.ChannelOrderbook, Symbol: "BTC/USDT"},
		{Channel: models.ChannelCandles, Symbol: "BTC/USDT", Extra: "1m"},
	})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	got := string(frames[0])
	for _, want := range []string{`"channel":"tickers"`, `"channel":"books"`, `"channel":"candle1m"`, `"instId":"BTC-USDT"`} {
		if !strings.Contains(got, want) {
			t.Errorf("frame missing %s: %s", want, got)
		}
	}
}

func TestBookSnapshotAndUpdate(t *testing.T) {
	a := New()
	emit := venuetest.New("okx")

	snapshot := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot","data":[{"bids":[["50000.1","1.5","0","2"]],"asks":[["50001.2","2","0","1"]],"ts":"1704204000000"}]}`
	if err := a.ProcessMessage([]byte(snapshot), false, emit); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	update := `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update","data":[{"bids":[["50000.1","0","0","0"]],"asks":[],"ts":"1704204001000"}]}`
	if err := a.ProcessMessage([]byte(update), false, emit); err != nil {
		t.Fatalf("update: %v", err)
	}
	book := emit.LastBook()
	if book.Symbol != "BTC/USDT" || len(book.Bids) != 0 || len(book.Asks) != 1 {
		t.Errorf("book: %+v", book)
	}
	if book.Timestamp != 1704204001000 {
		t.Errorf("timestamp = %d", book.Timestamp)
	}
}

func TestTickerTradesCandles(t *testing.T) {
	a := New()
	emit := venuetest.New("okx")

	ticker := `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"last":"50002","bidPx":"50001.5","bidSz":"2","askPx":"50002.5","askSz":"1","high24h":"51000","low24h":"49000","vol24h":"1234","ts":"1704204000000"}]}`
	if err := a.ProcessMessage([]byte(ticker), false, emit); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(emit.Tickers) != 1 || emit.Tickers[0].BestAsk.String() != "50002.5" {
		t.Errorf("tickers: %+v", emit.Tickers)
	}

	trades := `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"tradeId":"t1","px":"50002","sz":"0.5","side":"sell","ts":"1704204000123"}]}`
	if err := a.ProcessMessage([]byte(trades), false, emit); err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(emit.Trades) != 1 || emit.Trades[0].Trades[0].Side != models.TradeSideAsk {
		t.Errorf("trades: %+v", emit.Trades)
	}

	candles := `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1704204000000","50000","50100","49990","50050","12.5"]]}`
	if err := a.ProcessMessage([]byte(candles), false, emit); err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(emit.Candles) != 1 || emit.Candles[0].Interval != "1m" || emit.Candles[0].High.String() != "50100" {
		t.Errorf("candles: %+v", emit.Candles)
	}
}

func TestPongAndErrors(t *testing.T) {
	a := New()
	emit := venuetest.New("okx")

	if err := a.ProcessMessage([]byte("pong"), false, emit); err != nil {
		t.Fatalf("pong: %v", err)
	}
	frame := `{"event":"error","code":"60012","msg":"Invalid request"}`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if len(emit.Errors) != 1 {
		t.Errorf("expected error event, got %v", emit.Errors)
	}
}
