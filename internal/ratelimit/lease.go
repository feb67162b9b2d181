package ratelimit

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Lease is the dispatcher's single execution slot. It is granted only when no
// dispatch is in flight and at least interval has passed since the previous
// dispatch start. Spacing is measured start-to-start.
type Lease struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	interval  time.Duration
	held      bool
	started   bool
	lastStart time.Time
}

// NewLease builds a lease enforcing interval between dispatch starts.
func NewLease(clk clock.PassiveClock, interval time.Duration) *Lease {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Lease{clock: clk, interval: interval}
}

// TryAcquire takes the slot if it is free and the interval has elapsed. The
// caller must follow up with either Start or Abandon.
func (l *Lease) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	if l.started && l.clock.Since(l.lastStart) < l.interval {
		return false
	}
	l.held = true
	return true
}

// Start records the dispatch start time and returns it. The slot stays held
// until Release.
func (l *Lease) Start() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastStart = l.clock.Now()
	l.started = true
	return l.lastStart
}

// Abandon frees an acquired slot without counting a dispatch, e.g. when the queue was empty.
func (l *Lease) Abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
}

// Release frees the slot after the dispatched work finished.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
}

// Held reports whether a dispatch is in flight.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// LastStart returns the most recent dispatch start, if any.
func (l *Lease) LastStart() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastStart, l.started
}
