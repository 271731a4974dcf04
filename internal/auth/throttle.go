package auth

import (
	"sync"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
)

// Throttle locks a source address out after repeated authentication
// failures inside a fixed window that opens at the address's first failure.
type Throttle struct {
	maxFailures int
	window      time.Duration
	clock       clock.Clock

	mu      sync.Mutex
	entries map[string]*throttleEntry
}

type throttleEntry struct {
	failures    int
	windowStart time.Time
}

// NewThrottle creates a Throttle allowing maxFailures failed attempts
// per window for each address.
func NewThrottle(maxFailures int, window time.Duration, clk clock.Clock) *Throttle {
	return &Throttle{
		maxFailures: maxFailures,
		window:      window,
		clock:       clk,
		entries:     make(map[string]*throttleEntry),
	}
}

// Allow reports whether an authentication attempt from addr may proceed.
func (t *Throttle) Allow(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[addr]
	if !ok {
		return true
	}
	if t.clock.Now().Sub(e.windowStart) >= t.window {
		delete(t.entries, addr)
		return true
	}
	return e.failures < t.maxFailures
}

// Fail records a failed attempt from addr.
func (t *Throttle) Fail(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	e, ok := t.entries[addr]
	if !ok || now.Sub(e.windowStart) >= t.window {
		t.entries[addr] = &throttleEntry{failures: 1, windowStart: now}
		return
	}
	e.failures++
}

// Reset clears the failure record for addr after a successful attempt.
func (t *Throttle) Reset(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}
