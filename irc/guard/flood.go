package guard

import (
	"sync"
	"time"
)

// FloodGate limits inbound lines per connection over a sliding window
type FloodGate struct {
	maxLines int
	window   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	conns map[string][]time.Time
}

// NewFloodGate allows maxLines lines per window. maxLines <= 0 disables it.
func NewFloodGate(maxLines int, window time.Duration, opts ...FloodOption) *FloodGate {
	f := &FloodGate{
		maxLines: maxLines,
		window:   window,
		now:      time.Now,
		conns:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FloodOption configures a FloodGate
type FloodOption func(*FloodGate)

// WithFloodClock replaces the time source
func WithFloodClock(now func() time.Time) FloodOption {
	return func(f *FloodGate) { f.now = now }
}

// Allow records one line from connID and reports whether it fits in the
// window. Rejected lines are not recorded.
func (f *FloodGate) Allow(connID string) bool {
	if f.maxLines <= 0 {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	ts := prune(f.conns[connID], now.Add(-f.window))
	if len(ts) >= f.maxLines {
		f.conns[connID] = ts
		return false
	}
	f.conns[connID] = append(ts, now)
	return true
}

// Clear forgets connID
func (f *FloodGate) Clear(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, connID)
}

// Tracked returns the number of connections with state
func (f *FloodGate) Tracked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}
