package telemetry

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	routex "github.com/dctx-team/routex/internal"
)

// Span statuses.
const (
	SpanPending = "pending"
	SpanSuccess = "success"
	SpanError   = "error"
)

// DefaultMaxSpans bounds the tracer's in-memory span map.
const DefaultMaxSpans = 10000

// SpanLog is one timestamped log line attached to a span.
type SpanLog struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
}

// Span is a single traced unit of work. Timestamps are epoch ms.
type Span struct {
	TraceID      string            `json:"traceId"`
	SpanID       string            `json:"spanId"`
	ParentSpanID string            `json:"parentSpanId,omitempty"`
	Name         string            `json:"name"`
	StartTime    int64             `json:"startTime"`
	EndTime      int64             `json:"endTime,omitempty"`
	DurationMs   int64             `json:"duration,omitempty"`
	Status       string            `json:"status"`
	Tags         map[string]string `json:"tags,omitempty"`
	Logs         []SpanLog         `json:"logs,omitempty"`
}

// TraceContext carries propagation state between HTTP hops.
type TraceContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// Tracer stores spans in memory, bounded by maxSpans with FIFO eviction.
// Every request is sampled.
type Tracer struct {
	mu       sync.Mutex
	spans    map[string]*Span
	order    []string // insertion order for eviction
	maxSpans int
	log      *slog.Logger
}

// NewTracer creates a tracer holding at most maxSpans spans (0 = default).
func NewTracer(maxSpans int, log *slog.Logger) *Tracer {
	if maxSpans <= 0 {
		maxSpans = DefaultMaxSpans
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracer{
		spans:    make(map[string]*Span),
		maxSpans: maxSpans,
		log:      log,
	}
}

// StartSpan records a new pending span. Empty traceID allocates a fresh
// trace. The returned span is a snapshot copy.
func (t *Tracer) StartSpan(name, traceID, parentSpanID string, tags map[string]string) Span {
	if traceID == "" {
		traceID = newHexID(16)
	}
	span := &Span{
		TraceID:      traceID,
		SpanID:       newHexID(8),
		ParentSpanID: parentSpanID,
		Name:         name,
		StartTime:    routex.NowMillis(),
		Status:       SpanPending,
		Tags:         copyLabels(tags),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) >= t.maxSpans {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.spans, oldest)
	}
	t.spans[span.SpanID] = span
	t.order = append(t.order, span.SpanID)
	return *span
}

// EndSpan closes a span with a final status and optional extra tags.
// Unknown span ids are logged and ignored.
func (t *Tracer) EndSpan(spanID, status string, tags map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, ok := t.spans[spanID]
	if !ok {
		t.log.Warn("end of unknown span", "spanId", spanID)
		return
	}
	span.EndTime = routex.NowMillis()
	span.DurationMs = span.EndTime - span.StartTime
	span.Status = status
	mergeTags(span, tags)
}

// AddTags merges tags into a live span.
func (t *Tracer) AddTags(spanID string, tags map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if span, ok := t.spans[spanID]; ok {
		mergeTags(span, tags)
	}
}

// AddLog appends a log line to a live span. Empty level means "info".
func (t *Tracer) AddLog(spanID, message, level string) {
	if level == "" {
		level = "info"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if span, ok := t.spans[spanID]; ok {
		span.Logs = append(span.Logs, SpanLog{
			Timestamp: routex.NowMillis(),
			Message:   message,
			Level:     level,
		})
	}
}

// GetSpan returns a copy of the span, or false.
func (t *Tracer) GetSpan(spanID string) (Span, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	span, ok := t.spans[spanID]
	if !ok {
		return Span{}, false
	}
	return *span, true
}

// GetTraceSpans returns copies of all spans of a trace, in insertion order.
func (t *Tracer) GetTraceSpans(traceID string) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Span
	for _, id := range t.order {
		if span := t.spans[id]; span.TraceID == traceID {
			out = append(out, *span)
		}
	}
	return out
}

// ClearOldSpans drops finished spans older than olderThanMs, returning the
// number removed.
func (t *Tracer) ClearOldSpans(olderThanMs int64) int {
	cutoff := routex.NowMillis() - olderThanMs
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.order[:0]
	removed := 0
	for _, id := range t.order {
		span := t.spans[id]
		if span.Status != SpanPending && span.StartTime < cutoff {
			delete(t.spans, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return removed
}

// Clear drops all spans.
func (t *Tracer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = make(map[string]*Span)
	t.order = nil
}

// TracerStats is the admin view of the tracer.
type TracerStats struct {
	Spans    int            `json:"spans"`
	MaxSpans int            `json:"maxSpans"`
	ByStatus map[string]int `json:"byStatus"`
	Traces   int            `json:"traces"`
}

// Stats summarizes the span map.
func (t *Tracer) Stats() TracerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := TracerStats{
		Spans:    len(t.spans),
		MaxSpans: t.maxSpans,
		ByStatus: make(map[string]int),
	}
	traces := make(map[string]bool)
	for _, span := range t.spans {
		stats.ByStatus[span.Status]++
		traces[span.TraceID] = true
	}
	stats.Traces = len(traces)
	return stats
}

// ExtractTraceContext reads propagation headers: x-trace-id and
// x-request-id name the trace directly; a W3C traceparent is split on "-"
// with field 2 as traceId and field 3 as parent span.
func ExtractTraceContext(h http.Header) TraceContext {
	var tc TraceContext
	if v := h.Get("x-trace-id"); v != "" {
		tc.TraceID = v
	} else if v := h.Get("x-request-id"); v != "" {
		tc.TraceID = v
	}
	if tp := h.Get("traceparent"); tp != "" {
		parts := strings.Split(tp, "-")
		if len(parts) >= 3 {
			if tc.TraceID == "" {
				tc.TraceID = parts[1]
			}
			tc.ParentSpanID = parts[2]
		}
	}
	return tc
}

// InjectTraceContext writes propagation headers for the outbound hop.
func InjectTraceContext(h http.Header, tc TraceContext) {
	h.Set("x-trace-id", tc.TraceID)
	h.Set("x-span-id", tc.SpanID)
	if tc.ParentSpanID != "" {
		h.Set("x-parent-span-id", tc.ParentSpanID)
	}
	h.Set("traceparent", "00-"+tc.TraceID+"-"+tc.SpanID+"-01")
}

func mergeTags(span *Span, tags map[string]string) {
	if len(tags) == 0 {
		return
	}
	if span.Tags == nil {
		span.Tags = make(map[string]string, len(tags))
	}
	for k, v := range tags {
		span.Tags[k] = v
	}
}

// newHexID returns 2n random hex characters.
func newHexID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}
