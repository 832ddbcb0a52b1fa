package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"streamflow/internal/observer"
	"streamflow/internal/stream"
	"streamflow/models"
)

type stubConn struct {
	mu     sync.Mutex
	writes []string
	closed chan struct{}
	once   sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{closed: make(chan struct{})}
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errors.New("closed")
}

func (s *stubConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	s.writes = append(s.writes, string(data))
	s.mu.Unlock()
	return nil
}

func (s *stubConn) WriteControl(messageType int, data []byte, deadline time.Time) error { return nil }
func (s *stubConn) SetWriteDeadline(t time.Time) error                                  { return nil }

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *stubConn) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

type stubAdapter struct {
	name  string
	batch bool
}

func (a *stubAdapter) Name() string                     { return a.name }
func (a *stubAdapter) PublicURL() string                { return "wss://example.test/ws" }
func (a *stubAdapter) PrivateURL() string               { return "" }
func (a *stubAdapter) PingInterval() time.Duration      { return time.Hour }
func (a *stubAdapter) CreatePingMessage() string        { return "" }
func (a *stubAdapter) SupportsBatchSubscriptions() bool { return a.batch }

func (a *stubAdapter) FormatSymbol(m models.Market) string { return m.Base + m.Quote }

func (a *stubAdapter) SupportsChannel(ch models.Channel) bool { return ch.Valid() }

func (a *stubAdapter) SubscribeFrames(subs []models.Subscription) ([][]byte, error) {
	if a.batch && len(subs) >= 2 {
		keys := make([]string, len(subs))
		for i, s := range subs {
			keys[i] = s.Key()
		}
		frame, _ := json.Marshal(map[string]interface{}{"subscribe": keys})
		return [][]byte{frame}, nil
	}
	frames := make([][]byte, len(subs))
	for i, s := range subs {
		frame, _ := json.Marshal(map[string]string{"subscribe": s.Key()})
		frames[i] = frame
	}
	return frames, nil
}

func (a *stubAdapter) UnsubscribeFrame(sub models.Subscription) ([]byte, error) {
	return json.Marshal(map[string]string{"unsubscribe": sub.Key()})
}

func (a *stubAdapter) ProcessMessage(data []byte, private bool, emit stream.Emitter) error {
	return nil
}

func newTestClient(t *testing.T, obs *observer.Observer, batch bool) (*stream.Client, *stubConn) {
	t.Helper()
	conn := newStubConn()
	opts := stream.Options{
		ConnectTimeout: time.Second,
		SendTimeout:    time.Second,
		RatePerSecond:  10000,
		RateBurst:      10000,
		Dialer: func(ctx context.Context, url string) (stream.Conn, error) {
			return conn, nil
		},
	}
	client := stream.NewClient(&stubAdapter{name: "stub", batch: batch}, obs, stream.Callbacks{}, opts)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client, conn
}

func TestSubscribeSingleDispatch(t *testing.T) {
	obs := observer.New()
	defer obs.Close()
	client, conn := newTestClient(t, obs, true)
	defer client.Disconnect()

	m := NewManager()
	m.Register("stub", client)

	n, err := m.Subscribe("stub", models.ChannelTicker, []string{"btc-usdt"}, "")
	if err != nil || n != 1 {
		t.Fatalf("Subscribe: n=%d err=%v", n, err)
	}
	writes := conn.Writes()
	if len(writes) != 1 || !strings.Contains(writes[0], "ticker:BTC/USDT") {
		t.Errorf("writes: %v", writes)
	}
}

func TestSubscribeBatchDispatch(t *testing.T) {
	obs := observer.New()
	defer obs.Close()
	client, conn := newTestClient(t, obs, true)
	defer client.Disconnect()

	m := NewManager()
	m.Register("stub", client)

	n, err := m.Subscribe("stub", models.ChannelOrderbook, []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, "")
	if err != nil || n != 3 {
		t.Fatalf("Subscribe: n=%d err=%v", n, err)
	}
	writes := conn.Writes()
	if len(writes) != 1 {
		t.Fatalf("batch-capable venue must get one frame, got %d: %v", len(writes), writes)
	}
	if m.ActiveCount() != 3 {
		t.Errorf("ActiveCount = %d", m.ActiveCount())
	}
}

func TestSubscribeNonBatchVenueGetsOneFramePerSymbol(t *testing.T) {
	obs := observer.New()
	defer obs.Close()
	client, conn := newTestClient(t, obs, false)
	defer client.Disconnect()

	m := NewManager()
	m.Register("stub", client)

	n, err := m.Subscribe("stub", models.ChannelTrades, []string{"BTC/USDT", "ETH/USDT"}, "")
	if err != nil || n != 2 {
		t.Fatalf("Subscribe: n=%d err=%v", n, err)
	}
	if writes := conn.Writes(); len(writes) != 2 {
		t.Errorf("expected 2 frames, got %d: %v", len(writes), writes)
	}
}

func TestSubscribeUnknownVenue(t *testing.T) {
	m := NewManager()
	if _, err := m.Subscribe("nowhere", models.ChannelTicker, []string{"BTC/USD"}, ""); err == nil {
		t.Fatal("expected error for unregistered venue")
	}
}

func TestUnsubscribeRemovesFromRegistry(t *testing.T) {
	obs := observer.New()
	defer obs.Close()
	client, _ := newTestClient(t, obs, true)
	defer client.Disconnect()

	m := NewManager()
	m.Register("stub", client)
	m.Subscribe("stub", models.ChannelTicker, []string{"BTC/USDT"}, "")

	if err := m.Unsubscribe("stub", models.ChannelTicker, "BTC/USDT", ""); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d", m.ActiveCount())
	}
}

func TestChannelsDropWhenFull(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx := context.Background()
	if !c.SendTicker(ctx, models.Ticker{Symbol: "BTC/USD"}) {
		t.Fatal("first send must succeed")
	}
	if c.SendTicker(ctx, models.Ticker{Symbol: "BTC/USD"}) {
		t.Fatal("second send must drop")
	}
	stats := c.Stats()
	if stats.TickersSent != 1 || stats.TickersDropped != 1 {
		t.Errorf("stats: %+v", stats)
	}
}
