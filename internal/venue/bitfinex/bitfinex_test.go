package bitfinex

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"streamflow/internal/venue/venuetest"
	"streamflow/models"
)

func subscribeBook(t *testing.T, a *Adapter, emit *venuetest.Emitter) {
	t.Helper()
	ack := `{"event":"subscribed","channel":"book","chanId":266343,"symbol":"tBTCUSD","prec":"P0","freq":"F0","len":"25"}`
	if err := a.ProcessMessage([]byte(ack), false, emit); err != nil {
		t.Fatalf("subscribed ack: %v", err)
	}
}

func TestFormatSymbol(t *testing.T) {
	a := New()
	m, _ := models.ParseMarket("BTC/USD")
	if got := a.FormatSymbol(m); got != "tBTCUSD" {
		t.Errorf("FormatSymbol = %q", got)
	}
	m2, _ := models.ParseMarket("BTC/USDT")
	if got := a.FormatSymbol(m2); got != "tBTCUST" {
		t.Errorf("USDT alias = %q", got)
	}
}

func TestSubscribeFramesOnePerDescriptor(t *testing.T) {
	a := New()
	subs := []models.Subscription{
		{Channel: models.ChannelTicker, Symbol: "BTC/USD"},
		{Channel: models.ChannelOrderbook, Symbol: "BTC/USD"},
		{Channel: models.ChannelCandles, Symbol: "BTC/USD", Extra: "1m"},
	}
	frames, err := a.SubscribeFrames(subs)
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if !strings.Contains(string(frames[1]), `"prec":"P0"`) || !strings.Contains(string(frames[1]), `"len":"25"`) {
		t.Errorf("book frame: %s", frames[1])
	}
	if !strings.Contains(string(frames[2]), `"key":"trade:1m:tBTCUSD"`) {
		t.Errorf("candles frame: %s", frames[2])
	}
}

func TestSignedAmountBook(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")
	subscribeBook(t, a, emit)

	// Snapshot: two bids, one ask.
	snapshot := `[266343,[[50000,2,1.5],[49999,1,0.5],[50004,3,-2.0]]]`
	if err := a.ProcessMessage([]byte(snapshot), false, emit); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	book := emit.LastBook()
	if book.Symbol != "BTC/USD" {
		t.Errorf("symbol = %q", book.Symbol)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("unexpected sides: %d bids, %d asks", len(book.Bids), len(book.Asks))
	}
	if !book.BestBid().Quantity.Equal(decimal.NewFromFloat(1.5)) || !book.BestAsk().Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("quantities: %+v", book)
	}

	// count=0 removes the level.
	if err := a.ProcessMessage([]byte(`[266343,[50000,0,1.5]]`), false, emit); err != nil {
		t.Fatalf("delete: %v", err)
	}
	book = emit.LastBook()
	if len(book.Bids) != 1 || book.BestBid().Price.String() != "49999" {
		t.Errorf("delete not applied: %+v", book.Bids)
	}

	// A later positive-amount row restores the bid level.
	if err := a.ProcessMessage([]byte(`[266343,[50000,1,0.7]]`), false, emit); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	book = emit.LastBook()
	if book.BestBid().Price.String() != "50000" || book.BestBid().Quantity.String() != "0.7" {
		t.Errorf("reinsert: %+v", book.Bids)
	}
}

func TestHeartbeatFramesAreQuiet(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")
	subscribeBook(t, a, emit)

	if err := a.ProcessMessage([]byte(`[266343,"hb"]`), false, emit); err != nil {
		t.Fatalf("hb: %v", err)
	}
	if len(emit.OrderBooks) != 0 {
		t.Error("hb must not emit")
	}
}

func TestTicker(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")
	ack := `{"event":"subscribed","channel":"ticker","chanId":1,"symbol":"tBTCUSD"}`
	if err := a.ProcessMessage([]byte(ack), false, emit); err != nil {
		t.Fatalf("ack: %v", err)
	}

	frame := `[1,[50001.5,31.6,50002.5,28.9,125.5,0.0025,50002,5689.2,51000,49000]]`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if len(emit.Tickers) != 1 {
		t.Fatalf("expected one ticker, got %d", len(emit.Tickers))
	}
	tick := emit.Tickers[0]
	if tick.BestBid.String() != "50001.5" || tick.BestAsk.String() != "50002.5" {
		t.Errorf("best levels: %+v", tick)
	}
	if !tick.Change24hPct.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("change pct: %s", tick.Change24hPct)
	}
}

func TestTrades(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")
	ack := `{"event":"subscribed","channel":"trades","chanId":17,"symbol":"tBTCUSD"}`
	if err := a.ProcessMessage([]byte(ack), false, emit); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Snapshot of recent trades.
	snapshot := `[17,[[401597395,1704204000000,0.21,50010],[401597396,1704204001000,-0.1,50009]]]`
	if err := a.ProcessMessage([]byte(snapshot), false, emit); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(emit.Trades) != 1 || len(emit.Trades[0].Trades) != 2 {
		t.Fatalf("unexpected batches: %+v", emit.Trades)
	}
	if emit.Trades[0].Trades[0].Side != models.TradeSideBid || emit.Trades[0].Trades[1].Side != models.TradeSideAsk {
		t.Errorf("sides: %+v", emit.Trades[0].Trades)
	}

	// "te" execution update.
	te := `[17,"te",[401597397,1704204002000,0.05,50011]]`
	if err := a.ProcessMessage([]byte(te), false, emit); err != nil {
		t.Fatalf("te: %v", err)
	}
	if len(emit.Trades) != 2 {
		t.Fatalf("te not emitted: %+v", emit.Trades)
	}

	// "tu" duplicates the execution and is skipped.
	tu := `[17,"tu",[401597397,1704204002000,0.05,50011]]`
	if err := a.ProcessMessage([]byte(tu), false, emit); err != nil {
		t.Fatalf("tu: %v", err)
	}
	if len(emit.Trades) != 2 {
		t.Error("tu must not emit a duplicate")
	}
}

func TestCandles(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")
	ack := `{"event":"subscribed","channel":"candles","chanId":343351,"key":"trade:1m:tBTCUSD"}`
	if err := a.ProcessMessage([]byte(ack), false, emit); err != nil {
		t.Fatalf("ack: %v", err)
	}

	frame := `[343351,[1704204000000,50000,50050,50100,49990,12.5]]`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("candle: %v", err)
	}
	if len(emit.Candles) != 1 {
		t.Fatalf("expected one candle, got %d", len(emit.Candles))
	}
	c := emit.Candles[0]
	if c.Interval != "1m" || c.Symbol != "BTC/USD" || c.Open.String() != "50000" || c.Close.String() != "50050" {
		t.Errorf("candle: %+v", c)
	}
}

func TestReconnectRequestFrame(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")

	frame := `{"event":"info","code":20051,"msg":"Stopping. Please try to reconnect"}`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(emit.Reconnects) != 1 {
		t.Error("expected reconnect request")
	}
}

func TestInfoFrameResetsChannelMap(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")
	subscribeBook(t, a, emit)

	if err := a.ProcessMessage([]byte(`{"event":"info","version":2}`), false, emit); err != nil {
		t.Fatalf("info: %v", err)
	}
	// Data for the stale channel id is dropped quietly.
	if err := a.ProcessMessage([]byte(`[266343,[50000,1,1.0]]`), false, emit); err != nil {
		t.Fatalf("stale frame: %v", err)
	}
	if len(emit.OrderBooks) != 0 {
		t.Error("stale channel data must be dropped")
	}
}

func TestVenueErrorFrame(t *testing.T) {
	a := New()
	emit := venuetest.New("bitfinex")

	frame := `{"event":"error","code":10300,"msg":"Subscription failed"}`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if len(emit.Errors) != 1 || !strings.Contains(emit.Errors[0].Error(), "10300") {
		t.Errorf("expected venue error, got %v", emit.Errors)
	}
}
