package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple fixed-window rate limiter for a single entity.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow returns true if the request is within the rate limit.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Registry keys independent fixed-window limiters by client, creating them
// on first use. Idle limiters are pruned so the map does not grow without
// bound.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     int
	window   time.Duration
}

type entry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewRegistry creates a Registry granting each client rate requests per
// window.
func NewRegistry(rate int, window time.Duration) *Registry {
	return &Registry{
		limiters: make(map[string]*entry),
		rate:     rate,
		window:   window,
	}
}

// Allow reports whether the client's request is within its limit.
func (r *Registry) Allow(client string) bool {
	r.mu.Lock()
	e, ok := r.limiters[client]
	if !ok {
		e = &entry{limiter: New(r.rate, r.window)}
		r.limiters[client] = e
	}
	e.lastSeen = time.Now()
	r.mu.Unlock()
	return e.limiter.Allow()
}

// Prune drops limiters idle for longer than age and returns the count
// removed.
func (r *Registry) Prune(age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-age)
	removed := 0
	for client, e := range r.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(r.limiters, client)
			removed++
		}
	}
	return removed
}
