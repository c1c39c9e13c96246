package worker

import (
	"context"
	"log/slog"
	"time"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/circuitbreaker"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/ratelimit"
	"github.com/dctx-team/routex/internal/storage"
	"github.com/dctx-team/routex/internal/telemetry"
)

const (
	maintenanceInterval = time.Minute
	breakerStaleAfter   = 24 * time.Hour
	spanRetention       = time.Hour
	limiterStaleAfter   = time.Hour
)

// Maintenance is the housekeeping worker: it sweeps expired affinity
// sessions, evicts idle circuit breakers, re-enables channels whose
// cooldown has passed, prunes old spans, and refreshes channel gauges.
type Maintenance struct {
	store    storage.Store
	lb       *loadbalancer.LoadBalancer
	breakers *circuitbreaker.Registry
	tracer   *telemetry.Tracer
	metrics  *telemetry.Registry
	limiters *ratelimit.Registry // optional
	log      *slog.Logger
}

// SetLimiters registers the rate limiter registry for stale-entry
// eviction during sweeps.
func (m *Maintenance) SetLimiters(reg *ratelimit.Registry) { m.limiters = reg }

// NewMaintenance creates the housekeeping worker.
func NewMaintenance(store storage.Store, lb *loadbalancer.LoadBalancer,
	breakers *circuitbreaker.Registry, tracer *telemetry.Tracer,
	metrics *telemetry.Registry, log *slog.Logger) *Maintenance {
	if log == nil {
		log = slog.Default()
	}
	return &Maintenance{
		store:    store,
		lb:       lb,
		breakers: breakers,
		tracer:   tracer,
		metrics:  metrics,
		log:      log,
	}
}

// Name returns the worker identifier.
func (m *Maintenance) Name() string { return "maintenance" }

// Run sweeps once per interval until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep performs one housekeeping pass.
func (m *Maintenance) Sweep(ctx context.Context) {
	if swept := m.lb.SweepExpiredSessions(); swept > 0 {
		m.log.Debug("expired affinity sessions swept", "count", swept)
	}
	if evicted := m.breakers.EvictStale(time.Now().Add(-breakerStaleAfter)); evicted > 0 {
		m.log.Debug("stale circuit breakers evicted", "count", evicted)
	}
	if removed := m.tracer.ClearOldSpans(spanRetention.Milliseconds()); removed > 0 {
		m.log.Debug("old spans cleared", "count", removed)
	}
	if m.limiters != nil {
		if evicted := m.limiters.EvictStale(time.Now().Add(-limiterStaleAfter)); evicted > 0 {
			m.log.Debug("idle rate limiters evicted", "count", evicted)
		}
	}
	m.recoverChannels(ctx)
}

// recoverChannels re-enables channels whose rate-limit or breaker
// cooldown has elapsed, and refreshes the channel gauges.
func (m *Maintenance) recoverChannels(ctx context.Context) {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		m.log.Error("list channels for recovery", "error", err)
		return
	}

	now := routex.NowMillis()
	var total, enabled int
	for _, ch := range channels {
		total++
		if ch.Status == routex.StatusEnabled {
			enabled++
			continue
		}

		until := int64(0)
		switch ch.Status {
		case routex.StatusRateLimited:
			until = ch.RateLimitedUntil
		case routex.StatusCircuitOpen:
			until = ch.CircuitBreakerUntil
		default:
			continue // disabled stays disabled
		}
		if until > now {
			continue
		}

		if err := m.store.SetChannelStatus(ctx, ch.ID, routex.StatusEnabled, 0); err != nil {
			m.log.Error("re-enable channel", "channel", ch.ID, "error", err)
			continue
		}
		enabled++
		m.lb.InvalidateCache()
		m.metrics.SetGauge(telemetry.MetricBreakerOpen, 0,
			map[string]string{"channel": ch.Name})
		m.log.Info("channel cooldown elapsed, re-enabled",
			"channel", ch.Name, "was", ch.Status)
	}

	m.metrics.SetGauge(telemetry.MetricChannels, float64(total), nil)
	m.metrics.SetGauge(telemetry.MetricChannelsEnabled, float64(enabled), nil)
}
