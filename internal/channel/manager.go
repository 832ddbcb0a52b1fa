package channel

import (
	"fmt"
	"sync"

	"streamflow/internal/stream"
	"streamflow/internal/symbols"
	"streamflow/logger"
	"streamflow/models"
)

// Manager owns the set of venue clients and the active subscriptions across
// them. Multi-symbol requests dispatch through the client's batch path so
// batch-capable venues coalesce frames; single requests go out one frame at
// a time.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*stream.Client
	log     *logger.Log
}

func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*stream.Client),
		log:     logger.GetLogger(),
	}
}

// Register adds a venue client. Re-registering a venue replaces the client.
func (m *Manager) Register(venue string, client *stream.Client) {
	m.mu.Lock()
	m.clients[venue] = client
	m.mu.Unlock()

	m.log.WithComponent("channel_manager").WithFields(logger.Fields{"venue": venue}).Info("venue registered")
}

// Client looks a registered venue client up.
func (m *Manager) Client(venue string) (*stream.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[venue]
	return client, ok
}

// Venues lists registered venues.
func (m *Manager) Venues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.clients))
	for v := range m.clients {
		out = append(out, v)
	}
	return out
}

// Subscribe opens one channel for each symbol on a venue. Symbols are
// normalized to canonical form first. Two or more symbols dispatch as one
// batch; the venue adapter decides how many frames that becomes.
func (m *Manager) Subscribe(venue string, ch models.Channel, syms []string, extra string) (int, error) {
	client, ok := m.Client(venue)
	if !ok {
		return 0, fmt.Errorf("venue %q is not registered", venue)
	}

	if len(syms) >= 2 {
		subs := make([]models.Subscription, 0, len(syms))
		for _, s := range syms {
			subs = append(subs, models.Subscription{
				Channel: ch,
				Symbol:  symbols.Normalize(s),
				Extra:   extra,
			})
		}
		return client.SubscribeBatch(subs)
	}

	count := 0
	for _, s := range syms {
		ok, err := client.Subscribe(ch, symbols.Normalize(s), extra)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Unsubscribe removes one subscription, best effort.
func (m *Manager) Unsubscribe(venue string, ch models.Channel, symbol, extra string) error {
	client, ok := m.Client(venue)
	if !ok {
		return fmt.Errorf("venue %q is not registered", venue)
	}
	return client.Unsubscribe(ch, symbols.Normalize(symbol), extra)
}

// ActiveSubscriptions snapshots every venue's active descriptors.
func (m *Manager) ActiveSubscriptions() map[string][]models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]models.Subscription, len(m.clients))
	for venue, client := range m.clients {
		out[venue] = client.Registry().Active()
	}
	return out
}

// ActiveCount totals active subscriptions across venues.
func (m *Manager) ActiveCount() int {
	total := 0
	for _, subs := range m.ActiveSubscriptions() {
		total += len(subs)
	}
	return total
}

// Shutdown disconnects every client.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	clients := make([]*stream.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if err := c.Disconnect(); err != nil {
			m.log.WithComponent("channel_manager").WithFields(logger.Fields{
				"venue": c.Venue(),
			}).WithError(err).Warn("disconnect failed")
		}
	}
	m.log.WithComponent("channel_manager").Info("all venue clients disconnected")
}
