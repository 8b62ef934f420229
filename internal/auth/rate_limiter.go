package auth

import (
	"sync"
	"time"
)

// pruneAt is the number of tracked clients above which expired windows are
// swept on the next Allow.
const pruneAt = 1024

// DefaultFailureLimit is how many rejected keys a client may present per
// window before it is turned away without a key check.
const DefaultFailureLimit = 10

// RateLimiter caps requests per client in fixed windows. State lives in
// process memory only.
type RateLimiter struct {
	mu        sync.Mutex
	perClient map[string]*clientRate
	limit     int
	window    time.Duration
	now       func() time.Time
}

type clientRate struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter returns a limiter allowing limit requests per window. A
// non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 || window <= 0 {
		return &RateLimiter{limit: 0}
	}
	return &RateLimiter{
		perClient: map[string]*clientRate{},
		limit:     limit,
		window:    window,
		now:       time.Now,
	}
}

func (r *RateLimiter) Limit() int { return r.limit }

func (r *RateLimiter) Window() time.Duration { return r.window }

// Allow consumes one request for client. When denied it reports how long
// until the window resets.
func (r *RateLimiter) Allow(client string) (bool, time.Duration) {
	if r == nil || r.limit == 0 {
		return true, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if len(r.perClient) > pruneAt {
		r.pruneLocked(now)
	}
	state, ok := r.perClient[client]
	if !ok {
		state = &clientRate{windowStart: now}
		r.perClient[client] = state
	}
	if now.Sub(state.windowStart) >= r.window {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= r.limit {
		return false, state.windowStart.Add(r.window).Sub(now)
	}
	state.count++
	return true, 0
}

// Blocked reports whether client has used up its window, without consuming
// a request.
func (r *RateLimiter) Blocked(client string) (bool, time.Duration) {
	if r == nil || r.limit == 0 {
		return false, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.perClient[client]
	if !ok {
		return false, 0
	}
	now := r.now()
	if now.Sub(state.windowStart) >= r.window || state.count < r.limit {
		return false, 0
	}
	return true, state.windowStart.Add(r.window).Sub(now)
}

// Reset forgets client's window.
func (r *RateLimiter) Reset(client string) {
	if r == nil || r.limit == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perClient, client)
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, s := range r.perClient {
		if now.Sub(s.windowStart) >= r.window {
			delete(r.perClient, k)
		}
	}
}
