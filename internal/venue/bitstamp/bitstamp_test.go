package bitstamp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"streamflow/internal/venue/venuetest"
	"streamflow/models"
)

func TestFormatSymbol(t *testing.T) {
	a := New()
	m, _ := models.ParseMarket("BTC/USD")
	if got := a.FormatSymbol(m); got != "btcusd" {
		t.Errorf("FormatSymbol = %q", got)
	}
}

func TestChannelSupport(t *testing.T) {
	a := New()
	if a.SupportsChannel(models.ChannelCandles) || a.SupportsChannel(models.ChannelTicker) {
		t.Error("bitstamp must not offer candles or ticker")
	}
	if !a.SupportsChannel(models.ChannelOrderbook) || !a.SupportsChannel(models.ChannelTrades) {
		t.Error("orderbook and trades must be supported")
	}
}

func TestSubscribeFrames(t *testing.T) {
	a := New()
	frames, err := a.SubscribeFrames([]models.Subscription{
		{Channel: models.ChannelOrderbook, Symbol: "BTC/USD"},
		{Channel: models.ChannelTrades, Symbol: "BTC/USD"},
	})
	if err != nil {
		t.Fatalf("SubscribeFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected one frame per subscription, got %d", len(frames))
	}
	if !strings.Contains(string(frames[0]), `"channel":"diff_order_book_btcusd"`) {
		t.Errorf("book frame: %s", frames[0])
	}
	if !strings.Contains(string(frames[1]), `"channel":"live_trades_btcusd"`) {
		t.Errorf("trades frame: %s", frames[1])
	}
	if !strings.Contains(string(frames[0]), `"event":"bts:subscribe"`) {
		t.Errorf("event field: %s", frames[0])
	}
}

func TestDiffMergingMatchesReference(t *testing.T) {
	a := New()
	emit := venuetest.New("bitstamp")

	// One full snapshot followed by 100 diff updates; the final best levels
	// must match an independently tracked reference.
	snapshot := `{"event":"data","channel":"order_book_btcusd","data":{"microtimestamp":"1704204000000000","bids":[["50000.00","1.0"],["49999.00","2.0"]],"asks":[["50001.00","1.5"],["50002.00","2.5"]]}}`
	if err := a.ProcessMessage([]byte(snapshot), false, emit); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	type refLevel struct{ price, qty string }
	refBids := map[string]string{"50000.00": "1.0", "49999.00": "2.0"}
	refAsks := map[string]string{"50001.00": "1.5", "50002.00": "2.5"}

	state := int64(7)
	next := func(n int64) int64 {
		state = (state*1103515245 + 12345) % (1 << 31)
		return state % n
	}

	for i := 0; i < 100; i++ {
		bidPrice := fmt.Sprintf("%d.00", 49990+next(15))
		askPrice := fmt.Sprintf("%d.00", 50001+next(15))
		bidQty := fmt.Sprintf("%d.0", next(4)) // zero removes
		askQty := fmt.Sprintf("%d.0", next(4))

		diff := fmt.Sprintf(`{"event":"data","channel":"diff_order_book_btcusd","data":{"microtimestamp":"%d","bids":[["%s","%s"]],"asks":[["%s","%s"]]}}`,
			1704204000000000+int64(i)*1000, bidPrice, bidQty, askPrice, askQty)
		if err := a.ProcessMessage([]byte(diff), false, emit); err != nil {
			t.Fatalf("diff %d: %v", i, err)
		}

		if bidQty == "0.0" {
			delete(refBids, bidPrice)
		} else {
			refBids[bidPrice] = bidQty
		}
		if askQty == "0.0" {
			delete(refAsks, askPrice)
		} else {
			refAsks[askPrice] = askQty
		}
	}

	book := emit.LastBook()

	var bestBid, bestAsk refLevel
	for p, q := range refBids {
		if bestBid.price == "" || mustDec(t, p).GreaterThan(mustDec(t, bestBid.price)) {
			bestBid = refLevel{p, q}
		}
	}
	for p, q := range refAsks {
		if bestAsk.price == "" || mustDec(t, p).LessThan(mustDec(t, bestAsk.price)) {
			bestAsk = refLevel{p, q}
		}
	}

	if !book.BestBid().Price.Equal(mustDec(t, bestBid.price)) || !book.BestBid().Quantity.Equal(mustDec(t, bestBid.qty)) {
		t.Errorf("best bid %s@%s, reference %s@%s", book.BestBid().Quantity, book.BestBid().Price, bestBid.qty, bestBid.price)
	}
	if !book.BestAsk().Price.Equal(mustDec(t, bestAsk.price)) || !book.BestAsk().Quantity.Equal(mustDec(t, bestAsk.qty)) {
		t.Errorf("best ask %s@%s, reference %s@%s", book.BestAsk().Quantity, book.BestAsk().Price, bestAsk.qty, bestAsk.price)
	}
	if len(book.Bids) != len(refBids) || len(book.Asks) != len(refAsks) {
		t.Errorf("ladder sizes %d/%d, reference %d/%d", len(book.Bids), len(book.Asks), len(refBids), len(refAsks))
	}
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestTrade(t *testing.T) {
	a := New()
	emit := venuetest.New("bitstamp")

	frame := `{"event":"trade","channel":"live_trades_btcusd","data":{"id":301234567,"timestamp":"1704204000","microtimestamp":"1704204000123456","amount":0.05,"amount_str":"0.05000000","price":50000.5,"price_str":"50000.50","type":1}}`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if len(emit.Trades) != 1 || len(emit.Trades[0].Trades) != 1 {
		t.Fatalf("unexpected trades: %+v", emit.Trades)
	}
	tr := emit.Trades[0].Trades[0]
	if tr.Side != models.TradeSideAsk {
		t.Errorf("type 1 must map to ask side, got %s", tr.Side)
	}
	if tr.ID != "301234567" {
		t.Errorf("id = %s", tr.ID)
	}
	if emit.Trades[0].Symbol != "BTC/USD" {
		t.Errorf("symbol = %s", emit.Trades[0].Symbol)
	}
	if emit.Trades[0].Timestamp != 1704204000123 {
		t.Errorf("timestamp = %d", emit.Trades[0].Timestamp)
	}
}

func TestRequestReconnectFrame(t *testing.T) {
	a := New()
	emit := venuetest.New("bitstamp")

	if err := a.ProcessMessage([]byte(`{"event":"bts:request_reconnect","channel":"","data":""}`), false, emit); err != nil {
		t.Fatalf("request_reconnect: %v", err)
	}
	if len(emit.Reconnects) != 1 {
		t.Error("expected reconnect request")
	}
}

func TestSubscriptionAckQuiet(t *testing.T) {
	a := New()
	emit := venuetest.New("bitstamp")

	frame := `{"event":"bts:subscription_succeeded","channel":"diff_order_book_btcusd","data":{}}`
	if err := a.ProcessMessage([]byte(frame), false, emit); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(emit.OrderBooks)+len(emit.Trades)+len(emit.Errors) != 0 {
		t.Error("ack must be quiet")
	}
}
