package observer

import (
	"sync"
	"sync/atomic"
)

// MetricsHandler receives venue statistics snapshots.
type MetricsHandler func(venue string, stats VenueStatistics)

// HealthHandler receives venue health transitions.
type HealthHandler func(venue string, health Health)

// HandlerID identifies a registered handler.
type HandlerID uint64

type event struct {
	venue  string
	stats  *VenueStatistics
	health *Health
}

// dispatcher fans immutable snapshots out to registered handlers from its
// own goroutine, so a slow consumer can never stall a reader task. When the
// queue is full the oldest event is dropped.
type dispatcher struct {
	mu             sync.RWMutex
	metricHandlers map[HandlerID]MetricsHandler
	healthHandlers map[HandlerID]HealthHandler
	nextID         HandlerID

	queue   chan event
	done    chan struct{}
	stopped sync.Once
	dropped int64
}

func newDispatcher(size int) *dispatcher {
	return &dispatcher{
		metricHandlers: make(map[HandlerID]MetricsHandler),
		healthHandlers: make(map[HandlerID]HealthHandler),
		queue:          make(chan event, size),
		done:           make(chan struct{}),
	}
}

// resize replaces the queue before start. Not safe once running.
func (d *dispatcher) resize(size int) {
	if size <= 0 {
		size = 1
	}
	d.queue = make(chan event, size)
}

func (d *dispatcher) start() {
	go d.run()
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if ev.stats != nil {
		for _, h := range d.metricHandlers {
			h(ev.venue, *ev.stats)
		}
	}
	if ev.health != nil {
		for _, h := range d.healthHandlers {
			h(ev.venue, *ev.health)
		}
	}
}

func (d *dispatcher) stop() {
	d.stopped.Do(func() { close(d.done) })
}

// enqueue never blocks: on overflow the oldest queued event is discarded.
func (d *dispatcher) enqueue(ev event) {
	for {
		select {
		case d.queue <- ev:
			return
		default:
		}
		select {
		case <-d.queue:
			atomic.AddInt64(&d.dropped, 1)
		default:
		}
	}
}

func (d *dispatcher) metricsUpdated(venue string, stats VenueStatistics) {
	d.mu.RLock()
	interested := len(d.metricHandlers) > 0
	d.mu.RUnlock()
	if !interested {
		return
	}
	d.enqueue(event{venue: venue, stats: &stats})
}

func (d *dispatcher) healthChanged(venue string, health Health) {
	d.mu.RLock()
	interested := len(d.healthHandlers) > 0
	d.mu.RUnlock()
	if !interested {
		return
	}
	d.enqueue(event{venue: venue, health: &health})
}

// OnMetricsUpdated registers a handler for statistics snapshots.
func (o *Observer) OnMetricsUpdated(h MetricsHandler) HandlerID {
	if h == nil {
		return 0
	}
	d := o.events
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.metricHandlers[d.nextID] = h
	return d.nextID
}

// OnHealthChanged registers a handler for health transitions.
func (o *Observer) OnHealthChanged(h HealthHandler) HandlerID {
	if h == nil {
		return 0
	}
	d := o.events
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.healthHandlers[d.nextID] = h
	return d.nextID
}

// Unregister removes a previously registered handler.
func (o *Observer) Unregister(id HandlerID) {
	if id == 0 {
		return
	}
	d := o.events
	d.mu.Lock()
	delete(d.metricHandlers, id)
	delete(d.healthHandlers, id)
	d.mu.Unlock()
}

// DroppedEvents reports how many events overflowed the fan-out queue.
func (o *Observer) DroppedEvents() int64 {
	return atomic.LoadInt64(&o.events.dropped)
}
