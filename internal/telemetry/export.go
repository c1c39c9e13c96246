package telemetry

import (
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default metric names. Components write these through the Registry.
const (
	MetricRequestsTotal      = "routex_requests_total"
	MetricRequestsSuccess    = "routex_requests_success_total"
	MetricRequestsFailure    = "routex_requests_failure_total"
	MetricInputTokens        = "routex_input_tokens_total"
	MetricOutputTokens       = "routex_output_tokens_total"
	MetricCachedTokens       = "routex_cached_tokens_total"
	MetricRequestDuration    = "routex_request_duration_ms"
	MetricRequestLatency     = "routex_request_latency_ms"
	MetricChannels           = "routex_channels"
	MetricChannelsEnabled    = "routex_channels_enabled"
	MetricBreakerOpen        = "routex_circuit_breaker_open"
	MetricBreakerOpenTotal   = "routex_circuit_breaker_open_total"
	MetricCacheHits          = "routex_cache_hits_total"
	MetricCacheMisses        = "routex_cache_misses_total"
	MetricRetryExhausted     = "routex_retry_exhausted_total"
	MetricTeeFailed          = "routex_tee_failed_total"
	MetricUptime             = "routex_uptime_seconds"
	MetricGoroutines         = "routex_goroutines"
	MetricMemHeapAlloc       = "routex_memory_heap_alloc_bytes"
	MetricMemHeapSys         = "routex_memory_heap_sys_bytes"
	MetricMemHeapInuse       = "routex_memory_heap_inuse_bytes"
	MetricMemStackInuse      = "routex_memory_stack_inuse_bytes"
	MetricMemSys             = "routex_memory_sys_bytes"
)

var durationBucketsMs = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// RegisterDefaults pre-registers the standard proxy metrics.
func RegisterDefaults(r *Registry) {
	r.RegisterCounter(MetricRequestsTotal, "Total proxied requests.")
	r.RegisterCounter(MetricRequestsSuccess, "Total successfully proxied requests.")
	r.RegisterCounter(MetricRequestsFailure, "Total failed proxied requests.")
	r.RegisterCounter(MetricInputTokens, "Total input tokens across proxied requests.")
	r.RegisterCounter(MetricOutputTokens, "Total output tokens across proxied requests.")
	r.RegisterCounter(MetricCachedTokens, "Total cached tokens across proxied requests.")
	r.RegisterHistogram(MetricRequestDuration, "End-to-end request duration in milliseconds.", durationBucketsMs)
	r.RegisterSummary(MetricRequestLatency, "Sliding-window request latency in milliseconds.", nil, 0)
	r.RegisterGauge(MetricChannels, "Number of configured channels.")
	r.RegisterGauge(MetricChannelsEnabled, "Number of enabled channels.")
	r.RegisterGauge(MetricBreakerOpen, "Whether the channel's circuit breaker is open (1) or closed (0).")
	r.RegisterCounter(MetricBreakerOpenTotal, "Total circuit breaker open transitions.")
	r.RegisterCounter(MetricCacheHits, "Total row cache hits.")
	r.RegisterCounter(MetricCacheMisses, "Total row cache misses.")
	r.RegisterCounter(MetricRetryExhausted, "Total requests that exhausted all retries.")
	r.RegisterCounter(MetricTeeFailed, "Total tee deliveries that failed after retries.")
	r.RegisterGauge(MetricUptime, "Process uptime in seconds.")
	r.RegisterGauge(MetricGoroutines, "Current goroutine count.")
	r.RegisterGauge(MetricMemHeapAlloc, "Bytes of allocated heap objects.")
	r.RegisterGauge(MetricMemHeapSys, "Bytes of heap obtained from the OS.")
	r.RegisterGauge(MetricMemHeapInuse, "Bytes of in-use heap spans.")
	r.RegisterGauge(MetricMemStackInuse, "Bytes of in-use stack spans.")
	r.RegisterGauge(MetricMemSys, "Total bytes obtained from the OS.")
}

// CacheStats adapts the Registry to the storage cache's stats interface.
type CacheStats struct{ R *Registry }

func (c CacheStats) CacheHit()  { c.R.IncCounter(MetricCacheHits, 1, nil) }
func (c CacheStats) CacheMiss() { c.R.IncCounter(MetricCacheMisses, 1, nil) }

// collector bridges the internal Registry to a Prometheus gatherer so the
// /metrics endpoint is served by promhttp with standard 0.0.4 exposition.
type collector struct {
	reg   *Registry
	start time.Time
}

// NewPromHandler wraps the registry in a Prometheus handler. Runtime
// gauges refresh on every scrape.
func NewPromHandler(r *Registry, start time.Time) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(&collector{reg: r, start: start})
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}

// Describe sends nothing, making this an unchecked collector; label sets
// vary at runtime.
func (c *collector) Describe(chan<- *prometheus.Desc) {}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.refreshRuntime()

	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()

	for _, name := range c.reg.order {
		f := c.reg.families[name]
		labelNames := familyLabelNames(f)
		for _, s := range f.series {
			values := labelValues(labelNames, s.labels)
			desc := prometheus.NewDesc(f.name, f.help, labelNames, nil)
			switch f.kind {
			case KindCounter:
				ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, s.value, values...)
			case KindGauge:
				ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, s.value, values...)
			case KindHistogram:
				buckets := make(map[float64]uint64, len(f.buckets))
				for i, bound := range f.buckets {
					buckets[bound] = s.bucketCounts[i]
				}
				ch <- prometheus.MustNewConstHistogram(desc, s.count, s.sum, buckets, values...)
			case KindSummary:
				ch <- prometheus.MustNewConstSummary(desc, s.count, s.sum, quantilesFloat(s.values, f.quantiles), values...)
			}
		}
	}
}

func (c *collector) refreshRuntime() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	c.reg.SetGauge(MetricMemHeapAlloc, float64(ms.HeapAlloc), nil)
	c.reg.SetGauge(MetricMemHeapSys, float64(ms.HeapSys), nil)
	c.reg.SetGauge(MetricMemHeapInuse, float64(ms.HeapInuse), nil)
	c.reg.SetGauge(MetricMemStackInuse, float64(ms.StackInuse), nil)
	c.reg.SetGauge(MetricMemSys, float64(ms.Sys), nil)
	c.reg.SetGauge(MetricGoroutines, float64(runtime.NumGoroutine()), nil)
	c.reg.SetGauge(MetricUptime, time.Since(c.start).Seconds(), nil)
}

// familyLabelNames returns the sorted union of label keys across series,
// so every series of a family exposes the same label dimensions.
func familyLabelNames(f *family) []string {
	seen := map[string]bool{}
	for _, s := range f.series {
		for k := range s.labels {
			seen[k] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, labels map[string]string) []string {
	if len(names) == 0 {
		return nil
	}
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}

func quantilesFloat(values, quantiles []float64) map[float64]float64 {
	out := make(map[float64]float64, len(quantiles))
	if len(values) == 0 {
		for _, q := range quantiles {
			out[q] = 0
		}
		return out
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, q := range quantiles {
		out[q] = sorted[int(q*float64(len(sorted)-1))]
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
