package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"streamflow/models"
)

// Registry is the in-memory set of subscription descriptors for one client.
// It preserves insertion order so reconnect replay is deterministic, and it
// survives reconnects: descriptors are only removed by explicit unsubscribe.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*models.Subscription
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*models.Subscription)}
}

// Add registers a descriptor and returns it. An existing descriptor for the
// same (channel, symbol, extra) is returned unchanged.
func (r *Registry) Add(channel models.Channel, symbol, extra string) *models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.SubscriptionKey(channel, symbol, extra)
	if sub, ok := r.byKey[key]; ok {
		return sub
	}
	sub := &models.Subscription{
		Channel:   channel,
		Symbol:    symbol,
		Extra:     extra,
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
	r.byKey[key] = sub
	r.order = append(r.order, key)
	return sub
}

// Get looks a descriptor up by its key triple.
func (r *Registry) Get(channel models.Channel, symbol, extra string) (*models.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byKey[models.SubscriptionKey(channel, symbol, extra)]
	return sub, ok
}

// MarkActive stamps a successful subscribe send.
func (r *Registry) MarkActive(sub *models.Subscription) {
	r.mu.Lock()
	sub.Active = true
	sub.SubscribedAt = time.Now()
	sub.LastUpdateAt = sub.SubscribedAt
	r.mu.Unlock()
}

// MarkInactive clears the active flag without removing the descriptor.
func (r *Registry) MarkInactive(sub *models.Subscription) {
	r.mu.Lock()
	sub.Active = false
	sub.LastUpdateAt = time.Now()
	r.mu.Unlock()
}

// Remove deletes the descriptor. Used by explicit unsubscribe only.
func (r *Registry) Remove(channel models.Channel, symbol, extra string) (*models.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := models.SubscriptionKey(channel, symbol, extra)
	sub, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	delete(r.byKey, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return sub, true
}

// Active returns copies of the active descriptors in insertion order, the
// list replayed after a reconnect.
func (r *Registry) Active() []models.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Subscription, 0, len(r.order))
	for _, key := range r.order {
		if sub := r.byKey[key]; sub.Active {
			out = append(out, *sub)
		}
	}
	return out
}

// All returns copies of every descriptor in insertion order.
func (r *Registry) All() []models.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Subscription, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, *r.byKey[key])
	}
	return out
}

// Len reports the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
