// Package ratelimit throttles repeated authorization failures so
// link tokens and secrets cannot be guessed by brute force.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts failures per key over a fixed window. Keys are
// typically client addresses. Successful requests are never counted.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	count      int
	windowFrom time.Time
}

// NewLimiter allows up to limit failures per key per window.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		window:  window,
		limit:   limit,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow reports whether the key is still under its failure budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return true
	}
	if l.now().Sub(e.windowFrom) >= l.window {
		delete(l.entries, key)
		return true
	}
	return e.count < l.limit
}

// Fail records one failure for the key.
func (l *Limiter) Fail(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowFrom) >= l.window {
		l.entries[key] = &entry{count: 1, windowFrom: now}
		return
	}
	e.count++
}

// Reset clears the key's failure count, typically after a success.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Sweep drops entries whose window has closed and returns how many
// were removed. Call it periodically to bound memory.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.windowFrom) >= l.window {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
