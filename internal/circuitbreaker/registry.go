package circuitbreaker

import (
	"sync"
	"time"
)

// Registry manages per-channel Breaker instances.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a circuit breaker registry with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for the given channel ID, or nil if none exists.
func (r *Registry) Get(channelID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[channelID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for channelID, creating one if needed.
// Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(channelID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[channelID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[channelID]; ok {
		return b
	}
	b = NewBreaker(r.config)
	r.breakers[channelID] = b
	return b
}

// IsOpen reports whether the channel's breaker is currently open. Unknown
// channels have no breaker and are never open.
func (r *Registry) IsOpen(channelID string) bool {
	b := r.Get(channelID)
	return b != nil && b.IsOpen()
}

// States snapshots open/closed per tracked channel for the admin API.
func (r *Registry) States() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.IsOpen()
	}
	return out
}

// EvictStale removes breakers not used since cutoff.
// Phase 1: RLock to snapshot stale keys. Phase 2: Lock to delete them.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var staleKeys []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			staleKeys = append(staleKeys, k)
		}
	}
	r.mu.RUnlock()

	if len(staleKeys) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range staleKeys {
		if b, ok := r.breakers[k]; ok {
			if b.LastUsed().Before(cutoff) {
				delete(r.breakers, k)
				evicted++
			}
		}
	}
	return evicted
}
