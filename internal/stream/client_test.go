package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamflow/internal/observer"
	"streamflow/models"
)

// fakeConn is an in-memory Conn fed by tests.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	writes  [][]byte
	pings   int
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed network connection")
	default:
	}
	f.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func (f *fakeConn) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeDialer hands out a fresh fakeConn per dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  int // fail the first n dials
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.conns) + i
	}
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// fakeAdapter is a configurable venue for client tests.
type fakeAdapter struct {
	name     string
	batch    bool
	ping     string
	interval time.Duration
	noCandle bool
	process  func(data []byte, private bool, emit Emitter) error
}

func (a *fakeAdapter) Name() string                     { return a.name }
func (a *fakeAdapter) PublicURL() string                { return "wss://example.test/ws" }
func (a *fakeAdapter) PrivateURL() string               { return "" }
func (a *fakeAdapter) CreatePingMessage() string        { return a.ping }
func (a *fakeAdapter) SupportsBatchSubscriptions() bool { return a.batch }

func (a *fakeAdapter) PingInterval() time.Duration {
	if a.interval > 0 {
		return a.interval
	}
	return time.Hour
}

func (a *fakeAdapter) FormatSymbol(m models.Market) string {
	return m.Base + m.Quote
}

func (a *fakeAdapter) SupportsChannel(ch models.Channel) bool {
	return !(a.noCandle && ch == models.ChannelCandles)
}

func (a *fakeAdapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	if a.batch && len(subs) >= 2 {
		keys := make([]string, len(subs))
		for i, s := range subs {
			keys[i] = s.Key()
		}
		frame, _ := json.Marshal(map[string]interface{}{"op": "subscribe", "args": keys})
		return [][]byte{frame}, nil
	}
	frames := make([][]byte, len(subs))
	for i, s := range subs {
		frame, _ := json.Marshal(map[string]string{"op": "subscribe", "arg": s.Key()})
		frames[i] = frame
	}
	return frames, nil
}

func (a *fakeAdapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	frame, _ := json.Marshal(map[string]string{"op": "unsubscribe", "arg": sub.Key()})
	return frame, nil
}

func (a *fakeAdapter) ProcessMessage(data []byte, private bool, emit Emitter) error {
	if a.process != nil {
		return a.process(data, private, emit)
	}
	return nil
}

func testOptions(d *fakeDialer) Options {
	return Options{
		MaxMsgFailures: 5,
		FailureWindow:  time.Minute,
		ConnectTimeout: time.Second,
		SendTimeout:    time.Second,
		ReconnectInit:  time.Millisecond,
		ReconnectMax:   10 * time.Millisecond,
		RatePerSecond:  10000,
		RateBurst:      10000,
		Dialer:         d.dial,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if d.count() != 1 {
		t.Errorf("expected a single dial, got %d", d.count())
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s", c.State())
	}
	c.Disconnect()
}

func TestConnectAfterDisconnectFails(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Disconnect()
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := c.SubscribeTicker("BTC/USD"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from subscribe, got %v", err)
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	d := &fakeDialer{fail: 1}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s", c.State())
	}
}

func TestSubscribeArgumentErrors(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))

	if _, err := c.SubscribeTicker(""); !errors.Is(err, ErrArgument) {
		t.Errorf("empty symbol: %v", err)
	}
	if _, err := c.SubscribeTicker("BTCUSD"); !errors.Is(err, ErrArgument) {
		t.Errorf("non-canonical symbol: %v", err)
	}
	if _, err := c.SubscribeCandles("BTC/USD", ""); !errors.Is(err, ErrArgument) {
		t.Errorf("missing interval: %v", err)
	}
	if c.Registry().Len() != 0 {
		t.Errorf("argument errors must not register descriptors")
	}
}

func TestSubscribeContractError(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	var mu sync.Mutex
	var got error
	cb := Callbacks{OnError: func(err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}}
	c := NewClient(&fakeAdapter{name: "fake", noCandle: true}, obs, cb, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	ok, err := c.SubscribeCandles("BTC/USD", "1m")
	if err != nil {
		t.Fatalf("contract errors are events, got %v", err)
	}
	if ok {
		t.Fatal("expected subscribe to fail")
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(got, ErrContract) {
		t.Errorf("expected ErrContract event, got %v", got)
	}
}

func TestSubscribeWritesFrameAndMarksActive(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	ok, err := c.SubscribeOrderbook("BTC/USD")
	if err != nil || !ok {
		t.Fatalf("subscribe: ok=%v err=%v", ok, err)
	}

	writes := d.conn(0).Writes()
	if len(writes) != 1 || !strings.Contains(writes[0], "orderbook:BTC/USD") {
		t.Errorf("unexpected writes: %v", writes)
	}
	sub, found := c.Registry().Get(models.ChannelOrderbook, "BTC/USD", "")
	if !found || !sub.Active {
		t.Errorf("descriptor not active: %+v", sub)
	}
	if c.State() != StateStreaming {
		t.Errorf("state = %s", c.State())
	}
}

func TestSubscribeTransportFailureKeepsDescriptorInactive(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	errs := 0
	var mu sync.Mutex
	cb := Callbacks{OnError: func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	}}
	c := NewClient(&fakeAdapter{name: "fake"}, obs, cb, testOptions(d))
	// Never connected: the write must fail without tearing anything down.
	ok, err := c.SubscribeTicker("BTC/USD")
	if err != nil {
		t.Fatalf("transport failures are events, got %v", err)
	}
	if ok {
		t.Fatal("expected subscribe to return false")
	}

	sub, found := c.Registry().Get(models.ChannelTicker, "BTC/USD", "")
	if !found {
		t.Fatal("descriptor must be retained")
	}
	if sub.Active {
		t.Error("descriptor must stay inactive")
	}
	mu.Lock()
	defer mu.Unlock()
	if errs != 1 {
		t.Errorf("expected one error event, got %d", errs)
	}
}

func TestReconnectReplaysInInsertionOrder(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	c.SubscribeTicker("BTC/USD")
	c.SubscribeOrderbook("BTC/USD")
	c.SubscribeTrades("ETH/USD")

	// Simulate a read failure.
	d.conn(0).Close()

	waitFor(t, "reconnect", func() bool { return d.count() == 2 && c.State() == StateStreaming })

	writes := d.conn(1).Writes()
	if len(writes) != 3 {
		t.Fatalf("expected 3 replay frames, got %d: %v", len(writes), writes)
	}
	wantOrder := []string{"ticker:BTC/USD", "orderbook:BTC/USD", "trades:ETH/USD"}
	for i, want := range wantOrder {
		if !strings.Contains(writes[i], want) {
			t.Errorf("frame %d = %s, want %s", i, writes[i], want)
		}
	}
}

func TestReconnectBatchCoalesces(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake", batch: true}, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	c.SubscribeTicker("BTC/USD")
	c.SubscribeOrderbook("BTC/USD")
	c.SubscribeTrades("ETH/USD")

	d.conn(0).Close()
	waitFor(t, "reconnect", func() bool { return d.count() == 2 && c.State() == StateStreaming })

	writes := d.conn(1).Writes()
	if len(writes) != 1 {
		t.Fatalf("expected a single batched frame, got %d: %v", len(writes), writes)
	}
	for _, key := range []string{"ticker:BTC/USD", "orderbook:BTC/USD", "trades:ETH/USD"} {
		if !strings.Contains(writes[0], key) {
			t.Errorf("batched frame missing %s: %s", key, writes[0])
		}
	}
}

func TestParseQuarantineTriggersReconnect(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	adapter := &fakeAdapter{
		name: "fake",
		process: func(data []byte, private bool, emit Emitter) error {
			return fmt.Errorf("malformed frame")
		},
	}
	var mu sync.Mutex
	var statuses []observer.HealthStatus
	obs.OnHealthChanged(func(venue string, h observer.Health) {
		mu.Lock()
		statuses = append(statuses, h.Status)
		mu.Unlock()
	})

	c := NewClient(adapter, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// Threshold is 5: six failures cross it.
	for i := 0; i < 6; i++ {
		d.conn(0).inbound <- []byte("garbage")
	}

	waitFor(t, "quarantine reconnect", func() bool { return d.count() == 2 })

	// The health stream passes through unhealthy during the reconnect and
	// comes back healthy once the fresh link is up.
	waitFor(t, "healthy after recovery", func() bool {
		return obs.GetHealth("fake").Status == observer.HealthHealthy
	})
	mu.Lock()
	defer mu.Unlock()
	sawUnhealthy := false
	for _, s := range statuses {
		if s == observer.HealthUnhealthy {
			sawUnhealthy = true
		}
	}
	if !sawUnhealthy {
		t.Errorf("expected an unhealthy transition, got %v", statuses)
	}
}

func TestDegradedStateRecoversOnCleanParse(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	var fail atomic.Bool
	fail.Store(true)
	adapter := &fakeAdapter{
		name: "fake",
		process: func(data []byte, private bool, emit Emitter) error {
			if fail.Load() {
				return fmt.Errorf("malformed frame")
			}
			return nil
		},
	}
	c := NewClient(adapter, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	c.SubscribeTicker("BTC/USD") // move to streaming
	d.conn(0).inbound <- []byte("bad")
	waitFor(t, "degraded", func() bool { return c.State() == StateDegraded })

	fail.Store(false)
	d.conn(0).inbound <- []byte("good")
	waitFor(t, "recovery", func() bool { return c.State() == StateStreaming })
}

func TestAdapterRequestedReconnect(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	adapter := &fakeAdapter{name: "fake"}
	adapter.process = func(data []byte, private bool, emit Emitter) error {
		if string(data) == "please-reconnect" {
			emit.RequestReconnect("venue requested reconnect")
		}
		return nil
	}
	c := NewClient(adapter, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	d.conn(0).inbound <- []byte("please-reconnect")
	waitFor(t, "venue reconnect", func() bool { return d.count() == 2 })
}

func TestHeartbeatSendsAdapterPing(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	adapter := &fakeAdapter{name: "fake", ping: `{"method":"ping"}`, interval: 20 * time.Millisecond}
	c := NewClient(adapter, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// Keep the link alive so the heartbeat pings instead of reconnecting.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				select {
				case d.conn(0).inbound <- []byte("keepalive"):
				default:
				}
			}
		}
	}()

	waitFor(t, "adapter ping", func() bool {
		for _, w := range d.conn(0).Writes() {
			if strings.Contains(w, `"ping"`) {
				return true
			}
		}
		return false
	})
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()

	adapter := &fakeAdapter{name: "fake", interval: 15 * time.Millisecond}
	c := NewClient(adapter, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// No inbound frames: after two intervals the link is declared dead.
	waitFor(t, "heartbeat reconnect", func() bool { return d.count() >= 2 })
}

func TestUnsubscribeRemovesAndSendsFrame(t *testing.T) {
	d := &fakeDialer{}
	obs := observer.New()
	defer obs.Close()
	c := NewClient(&fakeAdapter{name: "fake"}, obs, Callbacks{}, testOptions(d))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	c.SubscribeOrderbook("BTC/USD")
	if err := c.Unsubscribe(models.ChannelOrderbook, "BTC/USD", ""); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if c.Registry().Len() != 0 {
		t.Error("descriptor not removed")
	}
	writes := d.conn(0).Writes()
	found := false
	for _, w := range writes {
		if strings.Contains(w, "unsubscribe") {
			found = true
		}
	}
	if !found {
		t.Errorf("unsubscribe frame not written: %v", writes)
	}
}

func TestFailureWindowRollsOff(t *testing.T) {
	w := newFailureWindow(2 * time.Second)
	base := time.Unix(1000, 0)
	for i := 0; i < 5; i++ {
		w.Add(base)
	}
	if got := w.Count(base); got != 5 {
		t.Errorf("count = %d", got)
	}
	if got := w.Count(base.Add(3 * time.Second)); got != 0 {
		t.Errorf("count after window = %d", got)
	}
}

func TestRegistryInsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.Add(models.ChannelTicker, "BTC/USD", "")
	b := r.Add(models.ChannelOrderbook, "BTC/USD", "")
	r.Add(models.ChannelTrades, "ETH/USD", "")

	for _, s := range []*models.Subscription{b} {
		r.MarkActive(s)
	}
	active := r.Active()
	if len(active) != 1 || active[0].Channel != models.ChannelOrderbook {
		t.Errorf("unexpected active set: %+v", active)
	}

	all := r.All()
	if all[0].Channel != models.ChannelTicker || all[1].Channel != models.ChannelOrderbook || all[2].Channel != models.ChannelTrades {
		t.Errorf("order not preserved: %+v", all)
	}

	// Duplicate add returns the existing descriptor.
	again := r.Add(models.ChannelOrderbook, "BTC/USD", "")
	if again != b {
		t.Error("duplicate add created a new descriptor")
	}
}
