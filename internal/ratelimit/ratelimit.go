// Package ratelimit implements per-client request throttling with
// lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limits holds the effective limits for a client key.
type Limits struct {
	RPM   int64 // sustained requests per minute; 0 = unlimited
	Burst int64 // bucket capacity; 0 = same as RPM
}

func (l Limits) burst() int64 {
	if l.Burst > 0 {
		return l.Burst
	}
	return l.RPM
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill (no background goroutine).
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limits Limits) *bucket {
	return &bucket{
		tokens:   float64(limits.burst()),
		max:      float64(limits.burst()),
		rate:     float64(limits.RPM) / 60.0,
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	return (n - b.tokens) / b.rate
}

// Limiter throttles a single client key.
type Limiter struct {
	mu       sync.Mutex
	b        *bucket // nil if unlimited
	limits   Limits
	lastUsed time.Time
}

func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.b = newBucket(limits)
	}
	return l
}

// Allow consumes one request token.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.b == nil {
		return Result{Allowed: true}
	}
	remaining, ok := l.b.tryConsume(1, now)
	if ok {
		return Result{Allowed: true, Limit: l.limits.burst(), Remaining: remaining}
	}
	return Result{
		Limit:             l.limits.burst(),
		RetryAfterSeconds: l.b.retryAfter(1),
	}
}

// Peek returns the current state without consuming.
func (l *Limiter) Peek() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.b == nil {
		return Result{Allowed: true}
	}
	l.b.refill(time.Now())
	return Result{Allowed: true, Limit: l.limits.burst(), Remaining: int64(l.b.tokens)}
}

// Registry manages per-key Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the key's limits have changed, a fresh limiter replaces it.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
