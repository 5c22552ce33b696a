package camtest

import (
	"sync"
	"time"
)

// ManualTicker is a controllable stand-in for time.Ticker. It satisfies any
// interface shaped like { C() <-chan time.Time; Stop() } structurally, so it
// plugs directly into cmd/server/ticker_worker.go's tickerFactory seam (and
// any other periodic-worker seam built the same way) without either package
// importing the other. Tests call Fire to simulate a tick instead of
// waiting on a real timer.
type ManualTicker struct {
	mu      sync.Mutex
	c       chan time.Time
	stopped bool
}

// NewManualTicker constructs a ManualTicker ready to fire.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{c: make(chan time.Time, 1)}
}

// C returns the channel a periodic worker selects on.
func (m *ManualTicker) C() <-chan time.Time {
	return m.c
}

// Stop marks the ticker stopped. Safe to call more than once.
func (m *ManualTicker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Stopped reports whether Stop has been called, for tests asserting a
// worker released its ticker on shutdown.
func (m *ManualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Fire simulates a tick at the given time, dropping it if the channel
// already holds an unconsumed tick (matching time.Ticker's own behavior of
// never blocking the sender).
func (m *ManualTicker) Fire(at time.Time) {
	select {
	case m.c <- at:
	default:
	}
}
