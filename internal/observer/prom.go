package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PromMirror mirrors observer counters into a Prometheus registry so the
// dashboard can expose them on /metrics.
type PromMirror struct {
	registry *prometheus.Registry

	messages  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	errors    *prometheus.CounterVec
	connected *prometheus.GaugeVec
}

// NewPromMirror builds the mirror with its own registry, including the
// standard Go and process collectors.
func NewPromMirror(namespace string) *PromMirror {
	if namespace == "" {
		namespace = "streamflow"
	}

	m := &PromMirror{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Decoded stream messages per venue and channel",
		}, []string{"venue", "channel"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Raw payload bytes received per venue and channel",
		}, []string{"venue", "channel"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors recorded per venue",
		}, []string{"venue"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the venue stream is connected (1) or not (0)",
		}, []string{"venue"}),
	}

	m.registry.MustRegister(m.messages, m.bytes, m.errors, m.connected)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *PromMirror) Registry() *prometheus.Registry {
	return m.registry
}

// Message records one decoded frame.
func (m *PromMirror) Message(venue, channel string, size int) {
	m.messages.WithLabelValues(venue, channel).Inc()
	m.bytes.WithLabelValues(venue, channel).Add(float64(size))
}

// Error records one venue error.
func (m *PromMirror) Error(venue string) {
	m.errors.WithLabelValues(venue).Inc()
}

// Connected flips the per-venue connection gauge.
func (m *PromMirror) Connected(venue string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.connected.WithLabelValues(venue).Set(v)
}
