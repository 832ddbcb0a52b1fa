package bitmart

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
		{Channel: models.ChannelCandles, Symbol: "BTC/USDT", Extra: "15m"},
	})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	got := string(frames[0])
	for _, want := range []string{`"spot/ticker:BTC_USDT"`, `"spot/depth/increase100:BTC_USDT"`, `"spot/kline15m:BTC_USDT"`} {
		if !strings.Contains(got, want) {
			t.Errorf("frame missing %s: %s", want, got)
		}
	}
}

func TestDepthSnapshotAndUpdate(t *testing.T) {
	a := New()
	emit := venuetest.New("bitmart")

	snapshot := `{"table":"spot/depth/increase100","data":[{"symbol":"BTC_USDT","ms_t":1704204000000,"type":"snapshot","bids":[["50000.1","1.5"]],"asks":[["50001.2","2"]]}]}`
	if err := a.ProcessMessage([]byte(snapshot), false, emit); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	update := `{"table":"spot/depth/increase100","data":[{"symbol":"BTC_USDT","ms_t":1704204001000,"type":"update","bids":[["50000.1","0"]],"asks":[]}]}`
	if err := a.ProcessMessage([]byte(update), false, emit); err != nil {
		t.Fatalf("update: %v", err)
	}
	book := emit.LastBook()
	if book.Symbol != "BTC/USDT" || len(book.Bids) != 0 || len(book.Asks) != 1 {
		t.Errorf("book: %+v", book)
	}
}

func TestTickerAndError(t *testing.T) {
	a := New()
	emit := venuetest.New("bitmart")

	ticker := `{"table":"spot/ticker","data":[{"symbol":"BTC_USDT","last_price":"50002","best_bid":"50001.5","best_ask":"50002.5","high_24h":"51000","low_24h":"49000","base_volume_24h":"1234","ms_t":1704204000000}]}`
	if err := a.ProcessMessage([]byte(ticker), false, emit); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(emit.Tickers) != 1 || emit.Tickers[0].Symbol != "BTC/USDT" {
		t.Errorf("tickers: %+v", emit.Tickers)
	}

	if err := a.ProcessMessage([]byte(`{"errorCode":"90003","errorMessage":"channel not exist"}`), false, emit); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if len(emit.Errors) != 1 {
		t.Errorf("expected error event, got %v", emit.Errors)
	}
}
