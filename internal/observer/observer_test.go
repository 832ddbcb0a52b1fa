package observer

import (
	"sync"
	"testing"
	"time"

	"streamflow/models"
)

func TestOnMessageReceivedAccumulates(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnMessageReceived("V", "c", "S", 100, 5.0)
	o.OnMessageReceived("V", "c", "S", 150, 3.0)

	stats, err := o.ChannelStats("V", "c", "S")
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if stats.MessageCount != 2 {
		t.Errorf("MessageCount = %d", stats.MessageCount)
	}
	if stats.BytesReceived != 250 {
		t.Errorf("BytesReceived = %d", stats.BytesReceived)
	}
	if stats.AverageLatencyMs != 4.0 {
		t.Errorf("AverageLatencyMs = %f", stats.AverageLatencyMs)
	}
	if stats.LastMessageTime.IsZero() {
		t.Error("LastMessageTime not set")
	}
}

func TestVenueStatisticsAggregation(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnConnectionStateChanged("V", true)
	o.OnMessageReceived("V", models.ChannelTicker, "BTC/USD", 100, 2.0)
	o.OnMessageReceived("V", models.ChannelTrades, "BTC/USD", 50, 4.0)

	stats, err := o.Statistics("V")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.MessageCount != 2 || stats.BytesReceived != 150 {
		t.Errorf("unexpected aggregate: %+v", stats)
	}
	if stats.AverageLatencyMs != 3.0 {
		t.Errorf("AverageLatencyMs = %f", stats.AverageLatencyMs)
	}
	if !stats.IsConnected || stats.UptimeSeconds < 0 {
		t.Errorf("connection fields: %+v", stats)
	}
	if stats.UptimeSeconds > 0 && stats.MessagesPerSecond <= 0 {
		t.Errorf("MessagesPerSecond = %f", stats.MessagesPerSecond)
	}
}

func TestMessagesPerSecondZeroWhenDisconnected(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnMessageReceived("V", "c", "S", 10, 1.0)
	stats, err := o.Statistics("V")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.UptimeSeconds != 0 || stats.MessagesPerSecond != 0 {
		t.Errorf("expected zero uptime and rate, got %+v", stats)
	}
}

func TestReconnectBookkeeping(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnConnectionStateChanged("V", true)
	o.OnConnectionStateChanged("V", false)
	o.OnConnectionStateChanged("V", true)

	stats, err := o.Statistics("V")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if !stats.IsConnected {
		t.Error("expected connected")
	}
	if stats.TotalReconnects != 1 {
		t.Errorf("TotalReconnects = %d", stats.TotalReconnects)
	}
	if stats.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d", stats.ReconnectAttempts)
	}
}

func TestHealthMapping(t *testing.T) {
	o := New()
	defer o.Close()

	// Never connected: unhealthy.
	if h := o.GetHealth("V"); h.Status != HealthUnhealthy {
		t.Errorf("disconnected status = %s", h.Status)
	}

	o.OnConnectionStateChanged("V", true)
	if h := o.GetHealth("V"); h.Status != HealthHealthy {
		t.Errorf("connected status = %s", h.Status)
	}

	// Failures beyond the threshold degrade a connected venue.
	for i := 0; i < 15; i++ {
		o.OnError("V", "parse failure")
	}
	if h := o.GetHealth("V"); h.Status != HealthDegraded {
		t.Errorf("degraded status = %s", h.Status)
	}

	// Reconnect attempts degrade as well.
	o2 := New()
	defer o2.Close()
	o2.OnConnectionStateChanged("W", true)
	for i := 0; i < 5; i++ {
		o2.OnConnectionStateChanged("W", false)
		rec := o2.venue("W")
		rec.mu.Lock()
		rec.isConnected = true // keep connected for the next falling edge
		rec.mu.Unlock()
	}
	rec := o2.venue("W")
	rec.mu.Lock()
	rec.isConnected = true
	rec.mu.Unlock()
	if h := o2.GetHealth("W"); h.Status != HealthDegraded {
		t.Errorf("reconnect-degraded status = %s, attempts %d", h.Status, h.ReconnectAttempts)
	}
}

func TestOnErrorChargesActiveChannels(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnSubscriptionChanged("V", models.ChannelTicker, "BTC/USD", true)
	o.OnSubscriptionChanged("V", models.ChannelTrades, "BTC/USD", false)
	o.OnError("V", "boom")

	active, err := o.ChannelStats("V", models.ChannelTicker, "BTC/USD")
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if active.ErrorCount != 1 {
		t.Errorf("active channel ErrorCount = %d", active.ErrorCount)
	}

	inactive, err := o.ChannelStats("V", models.ChannelTrades, "BTC/USD")
	if err != nil {
		t.Fatalf("ChannelStats: %v", err)
	}
	if inactive.ErrorCount != 0 {
		t.Errorf("inactive channel ErrorCount = %d", inactive.ErrorCount)
	}

	stats, _ := o.Statistics("V")
	if stats.LastError != "boom" || stats.LastErrorTime.IsZero() {
		t.Errorf("last error not recorded: %+v", stats)
	}
}

func TestUnsubscribeKeepsStatisticsQueryable(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnSubscriptionChanged("V", models.ChannelTicker, "BTC/USD", true)
	o.OnMessageReceived("V", models.ChannelTicker, "BTC/USD", 10, 1.0)
	o.OnSubscriptionChanged("V", models.ChannelTicker, "BTC/USD", false)

	stats, err := o.ChannelStats("V", models.ChannelTicker, "BTC/USD")
	if err != nil {
		t.Fatalf("entry deleted on unsubscribe: %v", err)
	}
	if stats.Active {
		t.Error("expected inactive")
	}
	if stats.MessageCount != 1 {
		t.Errorf("MessageCount = %d", stats.MessageCount)
	}
}

func TestResetStatistics(t *testing.T) {
	o := New()
	defer o.Close()

	o.OnConnectionStateChanged("V", true)
	o.OnSubscriptionChanged("V", models.ChannelTicker, "BTC/USD", true)
	for i := 0; i < 10; i++ {
		o.OnMessageReceived("V", models.ChannelTicker, "BTC/USD", 10, 1.0)
	}
	o.OnError("V", "one error")

	o.ResetStatistics("V")

	stats, err := o.Statistics("V")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.MessageCount != 0 || stats.BytesReceived != 0 || stats.ErrorCount != 0 {
		t.Errorf("counters not zeroed: %+v", stats)
	}
	if !stats.IsConnected {
		t.Error("reset must not touch connection state")
	}
	h := o.GetHealth("V")
	if h.LastError != "" || !h.LastErrorTime.IsZero() {
		t.Errorf("last error not cleared: %+v", h)
	}
	if h.Status != HealthHealthy {
		t.Errorf("post-reset status = %s", h.Status)
	}
}

func TestHealthChangedEventFanOut(t *testing.T) {
	o := New()
	defer o.Close()

	var mu sync.Mutex
	var got []HealthStatus
	o.OnHealthChanged(func(venue string, h Health) {
		mu.Lock()
		got = append(got, h.Status)
		mu.Unlock()
	})

	o.OnConnectionStateChanged("V", true)
	o.OnConnectionStateChanged("V", false)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != HealthHealthy || got[1] != HealthUnhealthy {
		t.Errorf("unexpected transitions: %v", got)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	o := New()
	defer o.Close()

	var mu sync.Mutex
	count := 0
	id := o.OnMetricsUpdated(func(venue string, s VenueStatistics) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	o.OnMessageReceived("V", "c", "S", 1, 0)
	time.Sleep(50 * time.Millisecond)
	o.Unregister(id)
	o.OnMessageReceived("V", "c", "S", 1, 0)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly one delivery, got %d", count)
	}
}
