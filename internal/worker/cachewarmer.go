package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/storage"
)

const warmInterval = 5 * time.Minute

// Balancer is the slice of the load balancer the warmer drives: it
// drops the selection cache and re-primes it with throwaway picks.
type Balancer interface {
	InvalidateCache()
	Select([]*routex.Channel, loadbalancer.Context) (*routex.Channel, error)
}

// CacheWarmer keeps the storage row cache and the balancer's selection
// cache hot by re-reading the channel, rule, and tee lists on a fixed
// cycle, so the serving path rarely pays a cold read.
type CacheWarmer struct {
	cache         *storage.Cached
	lb            Balancer
	interval      time.Duration
	warmOnStartup bool
	busy          atomic.Bool
	log           *slog.Logger
}

// NewCacheWarmer creates a warmer over the cached store. lb may be nil.
func NewCacheWarmer(cache *storage.Cached, lb Balancer, warmOnStartup bool, log *slog.Logger) *CacheWarmer {
	if log == nil {
		log = slog.Default()
	}
	return &CacheWarmer{
		cache:         cache,
		lb:            lb,
		interval:      warmInterval,
		warmOnStartup: warmOnStartup,
		log:           log,
	}
}

// Name returns the worker identifier.
func (w *CacheWarmer) Name() string { return "cache_warmer" }

// Run warms on startup when configured, then on every cycle until ctx
// is cancelled.
func (w *CacheWarmer) Run(ctx context.Context) error {
	if w.warmOnStartup {
		w.Warm(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Warm(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Warm refreshes the cached list entries. Overlapping warms are
// skipped: only one runs at a time.
func (w *CacheWarmer) Warm(ctx context.Context) {
	if !w.busy.CompareAndSwap(false, true) {
		w.log.Warn("cache warm already in progress, skipping")
		return
	}
	defer w.busy.Store(false)

	start := time.Now()
	w.cache.InvalidateAll()

	var errs int
	if _, err := w.cache.ListChannels(ctx); err != nil {
		errs++
		w.log.Error("warm channels", "error", err)
	}
	enabled, err := w.cache.ListEnabledChannels(ctx)
	if err != nil {
		errs++
		w.log.Error("warm enabled channels", "error", err)
	}
	if _, err := w.cache.ListEnabledRules(ctx); err != nil {
		errs++
		w.log.Error("warm rules", "error", err)
	}
	if _, err := w.cache.ListEnabledTees(ctx); err != nil {
		errs++
		w.log.Error("warm tees", "error", err)
	}
	if _, err := w.cache.GetAnalytics(ctx); err != nil {
		errs++
		w.log.Error("warm analytics", "error", err)
	}

	// Re-prime the selection cache with one throwaway pick per enabled
	// channel.
	if w.lb != nil {
		w.lb.InvalidateCache()
		for range enabled {
			if _, err := w.lb.Select(enabled, loadbalancer.Context{}); err != nil {
				break
			}
		}
	}

	w.log.Debug("cache warmed",
		"elapsed", time.Since(start), "errors", errs)
}

// Invalidate drops one cache scope: "channels", "rules", "tees", or
// anything else for everything. Channel scopes also drop the
// balancer's selection cache, which is keyed by the channel set.
func (w *CacheWarmer) Invalidate(scope string) {
	switch scope {
	case "channels":
		w.cache.InvalidateChannels()
	case "rules":
		w.cache.InvalidateRules()
	case "tees":
		w.cache.InvalidateTees()
	default:
		w.cache.InvalidateAll()
	}
	if w.lb != nil && scope != "rules" && scope != "tees" {
		w.lb.InvalidateCache()
	}
}

// InvalidateAndWarm drops a scope and immediately reloads the lists.
func (w *CacheWarmer) InvalidateAndWarm(ctx context.Context, scope string) {
	w.Invalidate(scope)
	w.Warm(ctx)
}
