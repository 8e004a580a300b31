package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter: at most limit events in any
// window. It remembers the last limit accepted events in a ring, so Allow is O(1).
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int // oldest accepted event
	n      int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is permitted and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.ring) {
		r.ring[(r.head+r.n)%len(r.ring)] = now
		r.n++
		return true
	}
	if now.Sub(r.ring[r.head]) < r.window {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % len(r.ring)
	return true
}
