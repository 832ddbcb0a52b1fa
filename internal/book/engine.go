package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"streamflow/models"
)

// Engine maintains one sorted ladder per symbol for a single venue. Venue
// payloads arrive either as full snapshots or as incremental deltas; the
// engine merges them and hands back a copy of the resulting book. Levels are
// located by exact decimal price equality.
//
// The engine is trust-the-venue: it does not verify per-level sequence
// numbers. A crossed book (best bid >= best ask) is counted and emitted
// as-is; the next venue message is expected to correct it.
type Engine struct {
	venue string

	mu      sync.RWMutex
	books   map[string]*ladder
	crossed int64
}

type ladder struct {
	bids      []models.BookLevel // non-increasing by price
	asks      []models.BookLevel // non-decreasing by price
	timestamp int64
}

// NewEngine creates an empty engine for the named venue.
func NewEngine(venue string) *Engine {
	return &Engine{
		venue: venue,
		books: make(map[string]*ladder),
	}
}

// ApplySnapshot replaces the full state for a symbol. Levels with quantity
// <= 0 are discarded; both sides are re-sorted.
func (e *Engine) ApplySnapshot(symbol string, bids, asks []models.BookLevel, ts int64) models.OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.ladderFor(symbol)
	l.bids = l.bids[:0]
	l.asks = l.asks[:0]
	for _, lvl := range bids {
		if lvl.Quantity.IsPositive() {
			l.bids = append(l.bids, lvl)
		}
	}
	for _, lvl := range asks {
		if lvl.Quantity.IsPositive() {
			l.asks = append(l.asks, lvl)
		}
	}
	sort.Slice(l.bids, func(i, j int) bool { return l.bids[i].Price.GreaterThan(l.bids[j].Price) })
	sort.Slice(l.asks, func(i, j int) bool { return l.asks[i].Price.LessThan(l.asks[j].Price) })
	l.advance(ts)
	e.noteCrossedLocked(l)

	return e.emitLocked(symbol, l)
}

// ApplyDelta merges incremental rows into the symbol's ladder. Quantity zero
// removes the level at that exact price (a no-op when absent); otherwise the
// level is overwritten in place or inserted in sorted position.
func (e *Engine) ApplyDelta(symbol string, bids, asks []models.BookLevel, ts int64) models.OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.ladderFor(symbol)
	for _, lvl := range bids {
		l.bids = applyLevel(l.bids, lvl, descending)
	}
	for _, lvl := range asks {
		l.asks = applyLevel(l.asks, lvl, ascending)
	}
	l.advance(ts)
	e.noteCrossedLocked(l)

	return e.emitLocked(symbol, l)
}

// SignedRow is the Bitfinex-style book row: a per-row count with a signed
// amount. Count zero deletes the level; the amount's sign picks the side and
// its absolute value is the quantity.
type SignedRow struct {
	Price   decimal.Decimal
	Count   int
	Amount  decimal.Decimal
	OrderID string
}

// ApplySigned merges signed-amount rows. Used both for snapshot frames
// (callers reset the symbol first) and for single-row updates.
func (e *Engine) ApplySigned(symbol string, rows []SignedRow, ts int64) models.OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.ladderFor(symbol)
	for _, row := range rows {
		bid := row.Amount.IsPositive()
		lvl := models.BookLevel{
			Price:    row.Price,
			Quantity: row.Amount.Abs(),
			Count:    row.Count,
			OrderID:  row.OrderID,
		}
		if row.Count == 0 {
			lvl.Quantity = decimal.Zero
		}
		if bid {
			l.bids = applyLevel(l.bids, lvl, descending)
		} else {
			l.asks = applyLevel(l.asks, lvl, ascending)
		}
	}
	l.advance(ts)
	e.noteCrossedLocked(l)

	return e.emitLocked(symbol, l)
}

// Snapshot returns a copy of the current book for the symbol.
func (e *Engine) Snapshot(symbol string) (models.OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	l, ok := e.books[symbol]
	if !ok {
		return models.OrderBook{}, false
	}
	return e.emitLocked(symbol, l), true
}

// Reset drops the cached ladder for a symbol so the next snapshot arrives in
// a known state. Called when an orderbook subscription is removed and before
// a signed-row snapshot is merged; reconnect uses ResetAll.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	delete(e.books, symbol)
	e.mu.Unlock()
}

// ResetAll drops every cached ladder.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	e.books = make(map[string]*ladder)
	e.mu.Unlock()
}

// CrossedEvents reports how many applied updates left best bid >= best ask.
func (e *Engine) CrossedEvents() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.crossed
}

func (e *Engine) ladderFor(symbol string) *ladder {
	l, ok := e.books[symbol]
	if !ok {
		l = &ladder{}
		e.books[symbol] = l
	}
	return l
}

// advance moves the ladder timestamp forward, never backward.
func (l *ladder) advance(ts int64) {
	if ts > l.timestamp {
		l.timestamp = ts
	}
}

// noteCrossedLocked counts a mutation that left the book crossed. Held under
// the write lock by every mutation path.
func (e *Engine) noteCrossedLocked(l *ladder) {
	if len(l.bids) > 0 && len(l.asks) > 0 && !l.bids[0].Price.LessThan(l.asks[0].Price) {
		e.crossed++
	}
}

func (e *Engine) emitLocked(symbol string, l *ladder) models.OrderBook {
	out := models.OrderBook{
		Venue:     e.venue,
		Symbol:    symbol,
		Bids:      make([]models.BookLevel, len(l.bids)),
		Asks:      make([]models.BookLevel, len(l.asks)),
		Timestamp: l.timestamp,
	}
	copy(out.Bids, l.bids)
	copy(out.Asks, l.asks)
	return out
}

type sideOrder int

const (
	descending sideOrder = iota // bids
	ascending                   // asks
)

// applyLevel mutates one sorted side. The slice stays sorted; delete rows
// (quantity <= 0) remove the exact-price level when present.
func applyLevel(side []models.BookLevel, lvl models.BookLevel, order sideOrder) []models.BookLevel {
	idx := sort.Search(len(side), func(i int) bool {
		if order == descending {
			return !side[i].Price.GreaterThan(lvl.Price)
		}
		return !side[i].Price.LessThan(lvl.Price)
	})
	found := idx < len(side) && side[idx].Price.Equal(lvl.Price)

	if !lvl.Quantity.IsPositive() {
		if found {
			side = append(side[:idx], side[idx+1:]...)
		}
		return side
	}

	if found {
		side[idx] = lvl
		return side
	}
	side = append(side, models.BookLevel{})
	copy(side[idx+1:], side[idx:])
	side[idx] = lvl
	return side
}
