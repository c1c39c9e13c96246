// Package telemetry provides observability primitives for the Routex proxy:
// an internal metric registry with Prometheus exposition, and an in-memory
// request tracer.
package telemetry

import (
	"sort"
	"strings"
	"sync"
)

// Metric kinds.
type MetricKind string

const (
	KindCounter   MetricKind = "counter"
	KindGauge     MetricKind = "gauge"
	KindHistogram MetricKind = "histogram"
	KindSummary   MetricKind = "summary"
)

const defaultSummaryWindow = 1000

var defaultQuantiles = []float64{0.5, 0.9, 0.95, 0.99}

// family is one named metric with all its labeled series.
type family struct {
	name      string
	help      string
	kind      MetricKind
	buckets   []float64 // histogram upper bounds, ascending; +Inf implicit
	quantiles []float64 // summary
	window    int       // summary sliding window size
	series    map[string]*series
}

// series is one label combination of a family.
type series struct {
	labels map[string]string

	value float64 // counter, gauge

	bucketCounts []uint64 // histogram, cumulative per bound
	sum          float64
	count        uint64

	values []float64 // summary sliding window, newest last
}

// Registry holds all metrics. All methods are safe for concurrent use;
// unknown names auto-register with default settings on first write.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	order    []string
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

func (r *Registry) getOrCreate(name string, kind MetricKind) *family {
	if f, ok := r.families[name]; ok {
		return f
	}
	f := &family{name: name, kind: kind, series: make(map[string]*series)}
	if kind == KindSummary {
		f.quantiles = defaultQuantiles
		f.window = defaultSummaryWindow
	}
	r.families[name] = f
	r.order = append(r.order, name)
	return f
}

// RegisterCounter pre-registers a counter with help text.
func (r *Registry) RegisterCounter(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(name, KindCounter).help = help
}

// RegisterGauge pre-registers a gauge with help text.
func (r *Registry) RegisterGauge(name, help string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(name, KindGauge).help = help
}

// RegisterHistogram pre-registers a histogram with explicit bucket upper
// bounds. An empty bucket list exposes only the implicit +Inf bucket.
func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindHistogram)
	f.help = help
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	f.buckets = sorted
}

// RegisterSummary pre-registers a summary with quantiles and window size.
func (r *Registry) RegisterSummary(name, help string, quantiles []float64, window int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindSummary)
	f.help = help
	if len(quantiles) > 0 {
		f.quantiles = append([]float64(nil), quantiles...)
		sort.Float64s(f.quantiles)
	}
	if window > 0 {
		f.window = window
	}
}

func (f *family) getSeries(labels map[string]string) *series {
	key := labelKey(labels)
	s, ok := f.series[key]
	if !ok {
		s = &series{labels: copyLabels(labels)}
		if f.kind == KindHistogram {
			s.bucketCounts = make([]uint64, len(f.buckets))
		}
		f.series[key] = s
	}
	return s
}

// IncCounter adds delta to a counter series. Negative deltas are ignored.
func (r *Registry) IncCounter(name string, delta float64, labels map[string]string) {
	if delta < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindCounter)
	f.getSeries(labels).value += delta
}

// SetGauge sets a gauge series to value.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindGauge)
	f.getSeries(labels).value = value
}

// AddGauge adds delta (may be negative) to a gauge series.
func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindGauge)
	f.getSeries(labels).value += delta
}

// Observe records value into a histogram series: every bucket with an
// upper bound >= value is incremented, plus the running sum and count.
func (r *Registry) Observe(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindHistogram)
	s := f.getSeries(labels)
	if len(s.bucketCounts) != len(f.buckets) {
		s.bucketCounts = make([]uint64, len(f.buckets))
	}
	for i, bound := range f.buckets {
		if value <= bound {
			s.bucketCounts[i]++
		}
	}
	s.sum += value
	s.count++
}

// ObserveSummary records value into a summary's sliding window.
func (r *Registry) ObserveSummary(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.getOrCreate(name, KindSummary)
	s := f.getSeries(labels)
	s.values = append(s.values, value)
	if len(s.values) > f.window {
		s.values = s.values[len(s.values)-f.window:]
	}
	s.sum += value
	s.count++
}

// CounterValue returns the current value of a counter series, or 0.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	if !ok {
		return 0
	}
	s, ok := f.series[labelKey(labels)]
	if !ok {
		return 0
	}
	return s.value
}

// GaugeValue returns the current value of a gauge series, or 0.
func (r *Registry) GaugeValue(name string, labels map[string]string) float64 {
	return r.CounterValue(name, labels)
}

// Reset clears all recorded values but keeps registrations.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.families {
		f.series = make(map[string]*series)
	}
}

// SeriesSnapshot is one label combination in the JSON view.
type SeriesSnapshot struct {
	Labels    map[string]string  `json:"labels,omitempty"`
	Value     float64            `json:"value,omitempty"`
	Sum       float64            `json:"sum,omitempty"`
	Count     uint64             `json:"count,omitempty"`
	Buckets   map[string]uint64  `json:"buckets,omitempty"`
	Quantiles map[string]float64 `json:"quantiles,omitempty"`
}

// FamilySnapshot is one metric family in the JSON view.
type FamilySnapshot struct {
	Name   string           `json:"name"`
	Kind   MetricKind       `json:"type"`
	Help   string           `json:"help,omitempty"`
	Series []SeriesSnapshot `json:"series"`
}

// Snapshot returns the JSON view of every family, in registration order.
func (r *Registry) Snapshot() []FamilySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FamilySnapshot, 0, len(r.order))
	for _, name := range r.order {
		f := r.families[name]
		fs := FamilySnapshot{Name: f.name, Kind: f.kind, Help: f.help}
		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := f.series[k]
			ss := SeriesSnapshot{Labels: copyLabels(s.labels)}
			switch f.kind {
			case KindCounter, KindGauge:
				ss.Value = s.value
			case KindHistogram:
				ss.Sum = s.sum
				ss.Count = s.count
				ss.Buckets = make(map[string]uint64, len(f.buckets)+1)
				for i, bound := range f.buckets {
					ss.Buckets[formatFloat(bound)] = s.bucketCounts[i]
				}
				ss.Buckets["+Inf"] = s.count
			case KindSummary:
				ss.Sum = s.sum
				ss.Count = s.count
				ss.Quantiles = quantilesOf(s.values, f.quantiles)
			}
			fs.Series = append(fs.Series, ss)
		}
		out = append(out, fs)
	}
	return out
}

// quantilesOf recomputes quantiles from the window by sort + index.
func quantilesOf(values, quantiles []float64) map[string]float64 {
	out := make(map[string]float64, len(quantiles))
	if len(values) == 0 {
		return out
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, q := range quantiles {
		idx := int(q * float64(len(sorted)-1))
		out[formatFloat(q)] = sorted[idx]
	}
	return out
}

// labelKey canonicalizes a label map: keys sorted, joined as k=v pairs.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
