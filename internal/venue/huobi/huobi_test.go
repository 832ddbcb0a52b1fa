package huobi

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"

	"streamflow/internal/venue/venuetest"
	"streamflow/models"
)

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

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
	if !strings.Contains(string(frames[0]), `"sub":"market.btcusdt.ticker"`) {
		t.Errorf("ticker frame: %s", frames[0])
	}
	if !strings.Contains(string(frames[1]), `"sub":"market.btcusdt.kline.60min"`) {
		t.Errorf("kline frame: %s", frames[1])
	}
}

func TestServerPingIsAnsweredInline(t *testing.T) {
	a := New()
	emit := venuetest.New("huobi")

	if err := a.ProcessMessage(gz(t, `{"ping":1704204000000}`), false, emit); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if len(emit.Sent) != 1 || !strings.Contains(string(emit.Sent[0]), `"pong":1704204000000`) {
		t.Errorf("pong reply: %v", emit.Sent)
	}
}

func TestGzippedBookSnapshot(t *testing.T) {
	a := New()
	emit := venuetest.New("huobi")

	frame := `{"ch":"market.btcusdt.mbp.refresh.20","ts":1704204000000,"tick":{"bids":[[50000.1,1.5]],"asks":[[50001.2,2]]}}`
	if err := a.ProcessMessage(gz(t, frame), false, emit); err != nil {
		t.Fatalf("book: %v", err)
	}
	book := emit.LastBook()
	if book.Symbol != "BTC/USDT" || book.BestBid().Price.String() != "50000.1" {
		t.Errorf("book: %+v", book)
	}
}

func TestTradesAndErrors(t *testing.T) {
	a := New()
	emit := venuetest.New("huobi")

	trades := `{"ch":"market.btcusdt.trade.detail","ts":1704204000000,"tick":{"data":[{"tradeId":101,"price":50000.5,"amount":0.1,"direction":"sell","ts":1704204000123}]}}`
	if err := a.ProcessMessage(gz(t, trades), false, emit); err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(emit.Trades) != 1 || emit.Trades[0].Trades[0].Side != models.TradeSideAsk {
		t.Errorf("trades: %+v", emit.Trades)
	}

	errFrame := `{"status":"error","err-code":"bad-request","err-msg":"invalid topic"}`
	if err := a.ProcessMessage(gz(t, errFrame), false, emit); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if len(emit.Errors) != 1 {
		t.Errorf("expected error event, got %v", emit.Errors)
	}
}
