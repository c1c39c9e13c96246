package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dctx-team/routex/internal/telemetry"
)

// metricsSummary is the dashboard's at-a-glance view, aggregated over
// all label combinations.
type metricsSummary struct {
	TotalRequests   float64 `json:"totalRequests"`
	SuccessRequests float64 `json:"successRequests"`
	FailureRequests float64 `json:"failureRequests"`
	SuccessRate     float64 `json:"successRate"`
	AvgLatencyMs    float64 `json:"avgLatency"`
	InputTokens     float64 `json:"inputTokens"`
	OutputTokens    float64 `json:"outputTokens"`
	CachedTokens    float64 `json:"cachedTokens"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	Goroutines      int     `json:"goroutines"`
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	snap := s.Metrics.Snapshot()

	sum := func(name string) float64 {
		var total float64
		for _, f := range snap {
			if f.Name != name {
				continue
			}
			for _, series := range f.Series {
				total += series.Value
			}
		}
		return total
	}

	out := metricsSummary{
		TotalRequests:   sum(telemetry.MetricRequestsTotal),
		SuccessRequests: sum(telemetry.MetricRequestsSuccess),
		FailureRequests: sum(telemetry.MetricRequestsFailure),
		InputTokens:     sum(telemetry.MetricInputTokens),
		OutputTokens:    sum(telemetry.MetricOutputTokens),
		CachedTokens:    sum(telemetry.MetricCachedTokens),
		UptimeSeconds:   time.Since(s.Start).Seconds(),
		Goroutines:      runtime.NumGoroutine(),
	}
	if out.TotalRequests > 0 {
		out.SuccessRate = out.SuccessRequests / out.TotalRequests
	}

	// Latency average over every duration series.
	var durSum float64
	var durCount uint64
	for _, f := range snap {
		if f.Name != telemetry.MetricRequestDuration {
			continue
		}
		for _, series := range f.Series {
			durSum += series.Sum
			durCount += series.Count
		}
	}
	if durCount > 0 {
		out.AvgLatencyMs = durSum / float64(durCount)
	}

	respond(w, http.StatusOK, out)
}

func (s *Server) handleMetricsAll(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, _ *http.Request) {
	s.Metrics.Reset()
	respond(w, http.StatusOK, map[string]string{"status": "reset"})
}
