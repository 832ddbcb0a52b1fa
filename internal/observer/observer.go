package observer

import (
	"fmt"
	"sync"
	"time"

	"streamflow/logger"
	"streamflow/models"
)

// ChannelMetrics accumulates per (channel, symbol) counters for one venue.
type ChannelMetrics struct {
	Channel         models.Channel `json:"channel"`
	Symbol          string         `json:"symbol"`
	MessageCount    int64          `json:"message_count"`
	BytesReceived   int64          `json:"bytes_received"`
	LastMessageTime time.Time      `json:"last_message_time"`
	TotalLatencyMs  float64        `json:"total_latency_ms"`
	ErrorCount      int64          `json:"error_count"`
	Active          bool           `json:"active"`
}

// venueRecord is the mutable per-venue state. Channel entries are never
// deleted so post-unsubscribe statistics stay queryable.
type venueRecord struct {
	mu sync.RWMutex

	connectedSince    time.Time
	isConnected       bool
	isAuthenticated   bool
	reconnectAttempts int64
	totalReconnects   int64
	messageFailures   int64
	lastError         string
	lastErrorTime     time.Time
	channels          map[string]*ChannelMetrics
}

// Observer is the concurrent metrics table shared by every venue client.
// Mutations lock only the owning venue record; readers of one venue never
// block writers of another.
type Observer struct {
	mu     sync.RWMutex
	venues map[string]*venueRecord

	events *dispatcher
	mirror *PromMirror
	log    *logger.Log
}

// Option tweaks observer construction.
type Option func(*Observer)

// WithPromMirror mirrors counters into a Prometheus registry.
func WithPromMirror(m *PromMirror) Option {
	return func(o *Observer) { o.mirror = m }
}

// WithEventQueueSize bounds the fan-out queue (default 1024).
func WithEventQueueSize(n int) Option {
	return func(o *Observer) { o.events.resize(n) }
}

// New creates an Observer and starts its event dispatcher.
func New(opts ...Option) *Observer {
	o := &Observer{
		venues: make(map[string]*venueRecord),
		events: newDispatcher(1024),
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.events.start()
	return o
}

// Close stops the event dispatcher. Pending events are dropped.
func (o *Observer) Close() {
	o.events.stop()
}

func (o *Observer) venue(name string) *venueRecord {
	o.mu.RLock()
	rec, ok := o.venues[name]
	o.mu.RUnlock()
	if ok {
		return rec
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok = o.venues[name]; ok {
		return rec
	}
	rec = &venueRecord{channels: make(map[string]*ChannelMetrics)}
	o.venues[name] = rec
	return rec
}

func channelKey(channel models.Channel, symbol string) string {
	return fmt.Sprintf("%s:%s", channel, symbol)
}

func (r *venueRecord) channel(channel models.Channel, symbol string) *ChannelMetrics {
	key := channelKey(channel, symbol)
	cm, ok := r.channels[key]
	if !ok {
		cm = &ChannelMetrics{Channel: channel, Symbol: symbol}
		r.channels[key] = cm
	}
	return cm
}

// OnMessageReceived records one decoded frame for a (channel, symbol).
func (o *Observer) OnMessageReceived(venue string, channel models.Channel, symbol string, size int, latencyMs float64) {
	rec := o.venue(venue)

	rec.mu.Lock()
	cm := rec.channel(channel, symbol)
	cm.MessageCount++
	cm.BytesReceived += int64(size)
	cm.LastMessageTime = time.Now()
	cm.TotalLatencyMs += latencyMs
	rec.mu.Unlock()

	if o.mirror != nil {
		o.mirror.Message(venue, string(channel), size)
	}

	stats, err := o.Statistics(venue)
	if err == nil {
		o.events.metricsUpdated(venue, stats)
	}
}

// OnConnectionStateChanged tracks the connect/disconnect edges. A rising edge
// stamps ConnectedSince and folds prior attempts into TotalReconnects; a
// falling edge increments the attempt counter. Health is re-emitted on every
// edge.
func (o *Observer) OnConnectionStateChanged(venue string, connected bool) {
	rec := o.venue(venue)

	rec.mu.Lock()
	if connected && !rec.isConnected {
		rec.connectedSince = time.Now()
		if rec.reconnectAttempts > 0 {
			rec.totalReconnects++
			rec.reconnectAttempts = 0
		}
		// A fresh link starts with a clean failure slate so recovery can
		// report healthy again.
		rec.messageFailures = 0
	} else if !connected && rec.isConnected {
		rec.reconnectAttempts++
	}
	rec.isConnected = connected
	rec.mu.Unlock()

	if o.mirror != nil {
		o.mirror.Connected(venue, connected)
	}

	o.events.healthChanged(venue, o.GetHealth(venue))
}

// OnAuthenticationChanged records private-transport authentication state.
func (o *Observer) OnAuthenticationChanged(venue string, authenticated bool) {
	rec := o.venue(venue)
	rec.mu.Lock()
	rec.isAuthenticated = authenticated
	rec.mu.Unlock()
}

// OnError records a venue error and charges it to every active channel.
func (o *Observer) OnError(venue, message string) {
	rec := o.venue(venue)

	rec.mu.Lock()
	rec.lastError = message
	rec.lastErrorTime = time.Now()
	rec.messageFailures++
	for _, cm := range rec.channels {
		if cm.Active {
			cm.ErrorCount++
		}
	}
	rec.mu.Unlock()

	if o.mirror != nil {
		o.mirror.Error(venue)
	}

	o.events.healthChanged(venue, o.GetHealth(venue))
}

// OnSubscriptionChanged inserts or flips the active flag on the channel
// entry. Entries are never deleted.
func (o *Observer) OnSubscriptionChanged(venue string, channel models.Channel, symbol string, active bool) {
	rec := o.venue(venue)
	rec.mu.Lock()
	rec.channel(channel, symbol).Active = active
	rec.mu.Unlock()
}

// ResetStatistics zeroes the per-channel counters, reconnect counters and
// last-error fields for a venue. Connection state is untouched.
func (o *Observer) ResetStatistics(venue string) {
	rec := o.venue(venue)
	rec.mu.Lock()
	rec.reconnectAttempts = 0
	rec.totalReconnects = 0
	rec.messageFailures = 0
	rec.lastError = ""
	rec.lastErrorTime = time.Time{}
	for _, cm := range rec.channels {
		cm.MessageCount = 0
		cm.BytesReceived = 0
		cm.TotalLatencyMs = 0
		cm.ErrorCount = 0
		cm.LastMessageTime = time.Time{}
	}
	rec.mu.Unlock()

	o.log.WithComponent("observer").WithFields(logger.Fields{"venue": venue}).Info("statistics reset")
}

// VenueStatistics is the aggregated snapshot returned for a whole venue.
type VenueStatistics struct {
	Venue             string    `json:"venue"`
	MessageCount      int64     `json:"message_count"`
	BytesReceived     int64     `json:"bytes_received"`
	AverageLatencyMs  float64   `json:"average_latency_ms"`
	LastMessageTime   time.Time `json:"last_message_time"`
	ErrorCount        int64     `json:"error_count"`
	IsConnected       bool      `json:"is_connected"`
	IsAuthenticated   bool      `json:"is_authenticated"`
	ConnectedSince    time.Time `json:"connected_since"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	MessagesPerSecond float64   `json:"messages_per_second"`
	ReconnectAttempts int64     `json:"reconnect_attempts"`
	TotalReconnects   int64     `json:"total_reconnects"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
}

// ChannelStatistics is the per (channel, symbol) snapshot.
type ChannelStatistics struct {
	Venue            string         `json:"venue"`
	Channel          models.Channel `json:"channel"`
	Symbol           string         `json:"symbol"`
	MessageCount     int64          `json:"message_count"`
	BytesReceived    int64          `json:"bytes_received"`
	AverageLatencyMs float64        `json:"average_latency_ms"`
	LastMessageTime  time.Time      `json:"last_message_time"`
	ErrorCount       int64          `json:"error_count"`
	Active           bool           `json:"active"`
}

// Statistics aggregates every channel of the venue: counts and bytes summed,
// latency averaged over total messages, LastMessageTime the maximum.
func (o *Observer) Statistics(venue string) (VenueStatistics, error) {
	o.mu.RLock()
	rec, ok := o.venues[venue]
	o.mu.RUnlock()
	if !ok {
		return VenueStatistics{}, fmt.Errorf("unknown venue %q", venue)
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	out := VenueStatistics{
		Venue:             venue,
		IsConnected:       rec.isConnected,
		IsAuthenticated:   rec.isAuthenticated,
		ConnectedSince:    rec.connectedSince,
		ReconnectAttempts: rec.reconnectAttempts,
		TotalReconnects:   rec.totalReconnects,
		LastError:         rec.lastError,
		LastErrorTime:     rec.lastErrorTime,
	}

	var totalLatency float64
	for _, cm := range rec.channels {
		out.MessageCount += cm.MessageCount
		out.BytesReceived += cm.BytesReceived
		out.ErrorCount += cm.ErrorCount
		totalLatency += cm.TotalLatencyMs
		if cm.LastMessageTime.After(out.LastMessageTime) {
			out.LastMessageTime = cm.LastMessageTime
		}
	}
	if out.MessageCount > 0 {
		out.AverageLatencyMs = totalLatency / float64(out.MessageCount)
	}
	if rec.isConnected && !rec.connectedSince.IsZero() {
		out.UptimeSeconds = time.Since(rec.connectedSince).Seconds()
	}
	if out.UptimeSeconds > 0 {
		out.MessagesPerSecond = float64(out.MessageCount) / out.UptimeSeconds
	}
	return out, nil
}

// ChannelStats returns the single (channel, symbol) entry.
func (o *Observer) ChannelStats(venue string, channel models.Channel, symbol string) (ChannelStatistics, error) {
	o.mu.RLock()
	rec, ok := o.venues[venue]
	o.mu.RUnlock()
	if !ok {
		return ChannelStatistics{}, fmt.Errorf("unknown venue %q", venue)
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	cm, ok := rec.channels[channelKey(channel, symbol)]
	if !ok {
		return ChannelStatistics{}, fmt.Errorf("no statistics for %s %s on %q", channel, symbol, venue)
	}
	out := ChannelStatistics{
		Venue:           venue,
		Channel:         cm.Channel,
		Symbol:          cm.Symbol,
		MessageCount:    cm.MessageCount,
		BytesReceived:   cm.BytesReceived,
		LastMessageTime: cm.LastMessageTime,
		ErrorCount:      cm.ErrorCount,
		Active:          cm.Active,
	}
	if cm.MessageCount > 0 {
		out.AverageLatencyMs = cm.TotalLatencyMs / float64(cm.MessageCount)
	}
	return out, nil
}

// Venues lists every venue the observer has seen, for the dashboard.
func (o *Observer) Venues() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.venues))
	for name := range o.venues {
		names = append(names, name)
	}
	return names
}
