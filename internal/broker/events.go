package broker

import (
	"math"
	"sync"
	"time"

	"ibbroker/internal/domain"
)

// ---------------------------------------------------------------------------
// Ticker
// ---------------------------------------------------------------------------

// Ticker is a live market-data subscription. Backends write ticks with
// Update; readers take copies with Snapshot.
type Ticker struct {
	Contract     domain.Contract
	GenericTicks string

	mu    sync.Mutex
	snap  domain.TickSnapshot
	ready chan struct{}
	once  sync.Once

	// stop is set by the backend that owns the subscription.
	stop func()
}

// NewTicker returns an empty ticker for c.
func NewTicker(c domain.Contract, genericTicks string) *Ticker {
	return &Ticker{
		Contract:     c,
		GenericTicks: genericTicks,
		ready:        make(chan struct{}),
	}
}

// Update applies a tick. Ready is closed on the first update that carries a
// usable price.
func (t *Ticker) Update(fn func(s *domain.TickSnapshot)) {
	t.mu.Lock()
	fn(&t.snap)
	t.snap.Time = time.Now()
	priced := usable(t.snap.Bid) || usable(t.snap.Ask) || usable(t.snap.Last)
	t.mu.Unlock()

	if priced {
		t.once.Do(func() { close(t.ready) })
	}
}

// Snapshot returns a copy of the latest ticks.
func (t *Ticker) Snapshot() domain.TickSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snap
	if s.Greeks != nil {
		g := *s.Greeks
		s.Greeks = &g
	}
	return s
}

// Ready is closed once the first priced tick has arrived.
func (t *Ticker) Ready() <-chan struct{} {
	return t.ready
}

func (t *Ticker) isReady() bool {
	select {
	case <-t.ready:
		return true
	default:
		return false
	}
}

func (t *Ticker) cancel() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func usable(f float64) bool {
	return f > 0 && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ---------------------------------------------------------------------------
// Trade
// ---------------------------------------------------------------------------

// Trade is a submitted order and its latest gateway status.
type Trade struct {
	OrderID  int64
	Contract domain.Contract
	Order    domain.Order

	mu      sync.Mutex
	status  string
	changed chan struct{}
}

// NewTrade returns a trade with no reported status.
func NewTrade(orderID int64, c domain.Contract, o domain.Order) *Trade {
	return &Trade{
		OrderID:  orderID,
		Contract: c,
		Order:    o,
		changed:  make(chan struct{}),
	}
}

// Status returns the last status reported by the gateway, or "".
func (t *Trade) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus records a status report and wakes StatusChanged waiters.
// Repeating the current status is a no-op.
func (t *Trade) SetStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status == "" || status == t.status {
		return
	}
	t.status = status
	close(t.changed)
	t.changed = make(chan struct{})
}

// StatusChanged returns a channel closed on the next status change.
func (t *Trade) StatusChanged() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}
