package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter paces dispatches per identity with a fixed one-minute window.
// It is a local throttle applied before the upstream call; hitting it makes
// the engine wait out the window on the chosen identity.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	windows   map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing perMinute dispatches per
// identity. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{perMinute: perMinute, windows: make(map[string]*rateWindow)}
}

// CanRequest reports whether the identity may dispatch now. When it may not,
// wait is how long until the current window rolls over.
func (r *RateLimiter) CanRequest(id string) (ok bool, wait time.Duration, reason string) {
	if r == nil || r.perMinute <= 0 {
		return true, 0, ""
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, exists := r.windows[id]
	if !exists || now.Sub(w.start) >= time.Minute {
		return true, 0, ""
	}
	if w.count < r.perMinute {
		return true, 0, ""
	}
	wait = w.start.Add(time.Minute).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return false, wait, fmt.Sprintf("identity %s reached %d requests this minute", id, r.perMinute)
}

// Record notes a dispatched request. Cancelled requests must not be recorded.
func (r *RateLimiter) Record(id string) {
	if r == nil || r.perMinute <= 0 {
		return
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w, exists := r.windows[id]
	if !exists || now.Sub(w.start) >= time.Minute {
		r.windows[id] = &rateWindow{start: now, count: 1}
		return
	}
	w.count++
}
