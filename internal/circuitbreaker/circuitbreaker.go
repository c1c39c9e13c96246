// Package circuitbreaker implements a per-channel circuit breaker. A run
// of consecutive failures trips the breaker and takes the channel out of
// rotation until a cooldown elapses; any success closes it again.
package circuitbreaker

import (
	"sync"
	"time"
)

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures that trip the breaker
	Cooldown         time.Duration // time after the last failure before auto-reset
}

// DefaultConfig returns the standard breaker policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// Breaker is the per-channel state machine.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
	lastUsed    time.Time // for stale eviction

	threshold int
	cooldown  time.Duration
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		lastUsed:  time.Now(),
	}
}

// RecordFailure counts one failure and reports whether this call tripped
// the breaker open.
func (b *Breaker) RecordFailure() (opened bool) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures++
	b.lastFailure = now
	if !b.open && b.failures >= b.threshold {
		b.open = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure run.
func (b *Breaker) RecordSuccess() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.failures = 0
	b.open = false
}

// IsOpen reports whether the breaker currently blocks the channel. Once
// the cooldown has elapsed since the last failure the breaker resets
// itself and reports closed.
func (b *Breaker) IsOpen() bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	if !b.open {
		return false
	}
	if now.Sub(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}
	return true
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}

// OpenUntil returns the epoch-ms instant the cooldown ends, or 0 when the
// breaker is closed.
func (b *Breaker) OpenUntil() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return 0
	}
	return b.lastFailure.Add(b.cooldown).UnixMilli()
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
