// Package loadbalancer picks one channel out of the enabled candidate
// set under a configurable strategy, with optional session affinity.
package loadbalancer

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	routex "github.com/dctx-team/routex/internal"
)

// SessionTTL is how long a session sticks to its selected channel.
const SessionTTL = 5 * time.Hour

const modelCacheTTL = 30 * time.Second

// Context carries the optional per-request selection hints.
type Context struct {
	SessionID string
	Model     string
}

// LoadBalancer selects channels. Safe for concurrent use.
type LoadBalancer struct {
	mu       sync.Mutex
	strategy string
	rrIndex  int
	affinity *affinityMap

	// modelCache memoizes candidate filtering per model between
	// invalidations.
	modelCache *otter.Cache[string, []*routex.Channel]

	rng *rand.Rand
	log *slog.Logger
}

// New creates a LoadBalancer with the given initial strategy.
func New(strategy string, log *slog.Logger) *LoadBalancer {
	if !routex.ValidStrategy(strategy) {
		strategy = routex.StrategyPriority
	}
	if log == nil {
		log = slog.Default()
	}
	return &LoadBalancer{
		strategy: strategy,
		affinity: newAffinityMap(SessionTTL),
		modelCache: otter.Must(&otter.Options[string, []*routex.Channel]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, []*routex.Channel](modelCacheTTL),
		}),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: log,
	}
}

// Strategy returns the active strategy name.
func (lb *LoadBalancer) Strategy() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.strategy
}

// SetStrategy switches the active strategy.
func (lb *LoadBalancer) SetStrategy(s string) error {
	if !routex.ValidStrategy(s) {
		return routex.E(routex.KindValidation, "unknown load balance strategy %q", s)
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.strategy = s
	return nil
}

// ResetRoundRobin rewinds the shared rotation index.
func (lb *LoadBalancer) ResetRoundRobin() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.rrIndex = 0
}

// InvalidateCache drops the memoized per-model candidate sets.
func (lb *LoadBalancer) InvalidateCache() {
	lb.modelCache.InvalidateAll()
}

// Select picks a channel from candidates. A session hint is honored while
// its mapped channel is still present and enabled; a model hint narrows
// candidates to channels serving that model (falling back to the full set
// if none do).
func (lb *LoadBalancer) Select(candidates []*routex.Channel, sctx Context) (*routex.Channel, error) {
	if len(candidates) == 0 {
		return nil, routex.ErrNoAvailableChannel
	}

	if sctx.Model != "" {
		candidates = lb.filterByModel(candidates, sctx.Model)
	}

	if sctx.SessionID != "" {
		if id, ok := lb.affinity.get(sctx.SessionID); ok {
			for _, c := range candidates {
				if c.ID == id && c.Status == routex.StatusEnabled {
					return c, nil
				}
			}
			// Stale binding: mapped channel left the candidate set.
			lb.affinity.delete(sctx.SessionID)
		}
	}

	selected := lb.pick(candidates)
	if selected == nil {
		return nil, routex.ErrNoAvailableChannel
	}

	if sctx.SessionID != "" {
		lb.affinity.put(sctx.SessionID, selected.ID)
	}
	return selected, nil
}

func (lb *LoadBalancer) pick(candidates []*routex.Channel) *routex.Channel {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	switch lb.strategy {
	case routex.StrategyRoundRobin:
		c := candidates[lb.rrIndex%len(candidates)]
		lb.rrIndex++
		return c
	case routex.StrategyWeighted:
		return lb.pickWeighted(candidates)
	case routex.StrategyLeastUsed:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.RequestCount < best.RequestCount {
				best = c
			}
		}
		return best
	default: // priority
		return pickPriority(candidates)
	}
}

// pickPriority takes the max priority; the Store orders ties by name asc.
func pickPriority(candidates []*routex.Channel) *routex.Channel {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority {
			best = c
		}
	}
	return best
}

func (lb *LoadBalancer) pickWeighted(candidates []*routex.Channel) *routex.Channel {
	var total float64
	for _, c := range candidates {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return pickPriority(candidates)
	}
	r := lb.rng.Float64() * total
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		r -= c.Weight
		if r <= 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// filterByModel narrows candidates to channels serving model. The result
// is memoized; identity of the cached slice is keyed by model only, so a
// candidate-set change must be followed by InvalidateCache.
func (lb *LoadBalancer) filterByModel(candidates []*routex.Channel, model string) []*routex.Channel {
	if cached, ok := lb.modelCache.GetIfPresent(model); ok && len(cached) > 0 {
		// Only reuse entries still inside the candidate set.
		valid := cached[:0:0]
		byID := make(map[string]*routex.Channel, len(candidates))
		for _, c := range candidates {
			byID[c.ID] = c
		}
		for _, c := range cached {
			if cur, ok := byID[c.ID]; ok {
				valid = append(valid, cur)
			}
		}
		if len(valid) > 0 {
			return valid
		}
	}

	var filtered []*routex.Channel
	for _, c := range candidates {
		if c.ServesModel(model) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		// No channel claims the model; let the strategy decide over all.
		return candidates
	}
	lb.modelCache.Set(model, filtered)
	return filtered
}

// SweepExpiredSessions removes expired affinity entries; the background
// worker calls this periodically. Returns the number removed.
func (lb *LoadBalancer) SweepExpiredSessions() int {
	return lb.affinity.sweep(time.Now())
}

// Sessions returns the current number of live affinity bindings.
func (lb *LoadBalancer) Sessions() int {
	return lb.affinity.len()
}
