package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/circuitbreaker"
	"github.com/dctx-team/routex/internal/cloudauth"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/oauth"
	"github.com/dctx-team/routex/internal/provider"
	"github.com/dctx-team/routex/internal/retry"
	"github.com/dctx-team/routex/internal/router"
	"github.com/dctx-team/routex/internal/storage"
	"github.com/dctx-team/routex/internal/telemetry"
	"github.com/dctx-team/routex/internal/transformer"
)

// RequestSink receives completed request logs for asynchronous
// persistence.
type RequestSink interface {
	Enqueue(routex.RequestLog)
}

// Options wires an Engine. Store, Balancer, Breakers, Transformers,
// Tracer and Metrics are required; the rest may be nil.
type Options struct {
	Store        storage.Store
	Balancer     *loadbalancer.LoadBalancer
	Router       *router.Router
	Breakers     *circuitbreaker.Registry
	Transformers *transformer.Manager
	OAuth        *oauth.Manager
	CloudAuth    *cloudauth.Manager
	Tracer       *telemetry.Tracer
	Metrics      *telemetry.Registry
	Logs         RequestSink
	Tees         *TeePublisher
	Client       *http.Client
	Retry        retry.Config
	Log          *slog.Logger
}

// Engine is the /v1 forwarding pipeline.
type Engine struct {
	store        storage.Store
	lb           *loadbalancer.LoadBalancer
	router       *router.Router
	breakers     *circuitbreaker.Registry
	transformers *transformer.Manager
	oauth        *oauth.Manager
	cloudauth    *cloudauth.Manager
	tracer       *telemetry.Tracer
	metrics      *telemetry.Registry
	logs         RequestSink
	tees         *TeePublisher
	client       *http.Client
	retry        retry.Config
	log          *slog.Logger
}

// NewEngine builds an Engine from Options.
func NewEngine(opts Options) *Engine {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	return &Engine{
		store:        opts.Store,
		lb:           opts.Balancer,
		router:       opts.Router,
		breakers:     opts.Breakers,
		transformers: opts.Transformers,
		oauth:        opts.OAuth,
		cloudauth:    opts.CloudAuth,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		logs:         opts.Logs,
		tees:         opts.Tees,
		client:       opts.Client,
		retry:        opts.Retry,
		log:          opts.Log,
	}
}

// ServeHTTP handles one proxied request end to end.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	tc := telemetry.ExtractTraceContext(r.Header)
	span := e.tracer.StartSpan("proxy.request", tc.TraceID, tc.ParentSpanID, map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
	})

	req, err := ParseRequest(r)
	if err != nil {
		e.tracer.EndSpan(span.SpanID, telemetry.SpanError, map[string]string{"error": err.Error()})
		e.writeError(w, err)
		return
	}

	analysis := router.Analyze(req.Body)
	if req.Model == "" {
		req.Model = analysis.Model
	}

	candidates, err := e.healthyChannels(r)
	if err != nil {
		e.tracer.EndSpan(span.SpanID, telemetry.SpanError, map[string]string{"error": err.Error()})
		e.writeError(w, err)
		return
	}
	if len(candidates) == 0 {
		err := routex.E(routex.KindNoAvailableChannel, "no available channel")
		e.tracer.EndSpan(span.SpanID, telemetry.SpanError, map[string]string{"error": err.Error()})
		e.writeError(w, err)
		return
	}

	// Routing rules take precedence over the load balancer.
	chosen, model, ruleName := (*routex.Channel)(nil), req.Model, ""
	if e.router != nil {
		if m := e.router.Match(analysis, candidates); m != nil {
			chosen = m.Channel
			ruleName = m.Rule.Name
			if m.Model != "" {
				model = m.Model
			}
			e.tracer.AddTags(span.SpanID, map[string]string{"rule": ruleName})
		}
	}
	if chosen == nil {
		chosen, err = e.lb.Select(candidates, loadbalancer.Context{
			SessionID: req.SessionID,
			Model:     req.Model,
		})
		if err != nil {
			e.tracer.EndSpan(span.SpanID, telemetry.SpanError, map[string]string{"error": err.Error()})
			e.writeError(w, err)
			return
		}
	}

	// Propagate trace context to the upstream hop.
	telemetry.InjectTraceContext(req.Header, telemetry.TraceContext{
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		ParentSpanID: span.ParentSpanID,
	})

	res, chosen, ferr := e.forwardWithRetries(ctx, span.SpanID, req, chosen, candidates, model)
	streaming := ferr == nil && res.stream != nil

	// Buffered responses are fully accounted here. Streaming responses
	// are accounted after the copy, when the usage events have passed.
	if !streaming {
		latency := time.Since(start).Milliseconds()
		e.record(ctx, req, chosen, model, res, span.TraceID, latency, ferr)

		status := telemetry.SpanSuccess
		tags := map[string]string{"channel": chosen.Name, "model": model}
		if ferr != nil {
			status = telemetry.SpanError
			tags["error"] = ferr.Error()
		}
		e.tracer.EndSpan(span.SpanID, status, tags)

		if ferr != nil {
			e.writeError(w, ferr)
			return
		}
		e.writeResponseHeaders(w, res, chosen, ruleName, span, latency)
		w.WriteHeader(res.status)
		w.Write(res.body)
		return
	}

	e.writeResponseHeaders(w, res, chosen, ruleName, span, time.Since(start).Milliseconds())

	tap := &provider.UsageScanner{}
	e.streamResponse(w, res, tap)
	res.usage = tap.Usage()

	latency := time.Since(start).Milliseconds()
	e.record(ctx, req, chosen, model, res, span.TraceID, latency, nil)
	e.tracer.EndSpan(span.SpanID, telemetry.SpanSuccess,
		map[string]string{"channel": chosen.Name, "model": model})
}

// writeResponseHeaders copies upstream headers (minus hop-by-hop) and
// stamps the routing metadata headers.
func (e *Engine) writeResponseHeaders(w http.ResponseWriter, res *upstream,
	chosen *routex.Channel, ruleName string, span telemetry.Span, latency int64) {

	hdr := w.Header()
	for key, vals := range res.header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if key == "Content-Length" && res.stream == nil {
			continue // body length changed by response transformers
		}
		hdr[key] = vals
	}
	hdr.Set("X-Channel-Id", chosen.ID)
	hdr.Set("X-Channel-Name", chosen.Name)
	hdr.Set("X-Latency-Ms", strconv.FormatInt(latency, 10))
	hdr.Set("X-Trace-Id", span.TraceID)
	hdr.Set("X-Span-Id", span.SpanID)
	if ruleName != "" {
		hdr.Set("X-Routing-Rule", ruleName)
	}
}

// healthyChannels lists enabled channels with a closed breaker.
func (e *Engine) healthyChannels(r *http.Request) ([]*routex.Channel, error) {
	channels, err := e.store.ListEnabledChannels(r.Context())
	if err != nil {
		return nil, err
	}
	healthy := channels[:0:0]
	for _, ch := range channels {
		if e.breakers.IsOpen(ch.ID) {
			continue
		}
		healthy = append(healthy, ch)
	}
	return healthy, nil
}

// record updates metrics, the write-behind request log, channel usage
// counters, and the tee fan-out.
func (e *Engine) record(ctx context.Context, req *Request, ch *routex.Channel, model string,
	res *upstream, traceID string, latency int64, ferr error) {

	success := ferr == nil
	status := 0
	var body []byte
	var usage provider.Usage
	if res != nil {
		status = res.status
		body = res.body
		usage = res.usage
	} else {
		var he *provider.HTTPError
		if errors.As(ferr, &he) {
			status = he.StatusCode
		}
	}

	labels := map[string]string{"channel": ch.Name, "model": model}
	e.metrics.IncCounter(telemetry.MetricRequestsTotal, 1, labels)
	if success {
		e.metrics.IncCounter(telemetry.MetricRequestsSuccess, 1, labels)
	} else {
		e.metrics.IncCounter(telemetry.MetricRequestsFailure, 1, labels)
	}
	e.metrics.Observe(telemetry.MetricRequestDuration, float64(latency), labels)
	e.metrics.ObserveSummary(telemetry.MetricRequestLatency, float64(latency), labels)
	if usage.InputTokens > 0 {
		e.metrics.IncCounter(telemetry.MetricInputTokens, float64(usage.InputTokens), labels)
	}
	if usage.OutputTokens > 0 {
		e.metrics.IncCounter(telemetry.MetricOutputTokens, float64(usage.OutputTokens), labels)
	}
	if usage.CachedTokens > 0 {
		e.metrics.IncCounter(telemetry.MetricCachedTokens, float64(usage.CachedTokens), labels)
	}

	errMsg := ""
	if ferr != nil {
		errMsg = ferr.Error()
	}
	if e.logs != nil {
		e.logs.Enqueue(routex.RequestLog{
			ID:           uuid.Must(uuid.NewV7()).String(),
			ChannelID:    ch.ID,
			Model:        model,
			Method:       req.Method,
			Path:         req.Path,
			StatusCode:   status,
			LatencyMs:    latency,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CachedTokens: usage.CachedTokens,
			Success:      success,
			Error:        errMsg,
			Timestamp:    routex.NowMillis(),
			TraceID:      traceID,
		})
	}

	if e.tees != nil {
		e.tees.Publish(Exchange{
			RequestBody:  req.Body,
			ResponseBody: body,
			StatusCode:   status,
			ChannelID:    ch.ID,
			ChannelName:  ch.Name,
			Model:        model,
			Path:         req.Path,
			LatencyMs:    latency,
			Success:      success,
			Timestamp:    routex.NowMillis(),
		})
	}
}

// writeError renders the shared error envelope. Upstream HTTP errors
// keep their original status code so clients see rate limits and
// server errors as the provider reported them.
func (e *Engine) writeError(w http.ResponseWriter, err error) {
	kind := routex.KindOf(err)
	status := kind.HTTPStatus()
	typ, code := string(kind), kind.Code()
	msg := err.Error()
	var details any

	var derr *routex.Error
	if errors.As(err, &derr) {
		msg = derr.Message
		details = derr.Details
	}
	var he *provider.HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode
		typ, code = "upstream_error", "upstream_error"
		msg = he.Body
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]any{
			"type":    typ,
			"code":    code,
			"message": msg,
			"details": details,
		},
	})
}

// streamResponse copies a streaming upstream body with flush-on-read so
// SSE events reach the client as they arrive. Every chunk is also fed
// to tap for usage accounting.
func (e *Engine) streamResponse(w http.ResponseWriter, res *upstream, tap io.Writer) {
	defer res.stream.Body.Close()
	w.WriteHeader(res.status)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := res.stream.Body.Read(buf)
		if n > 0 {
			tap.Write(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				e.log.Warn("stream interrupted", "error", readErr)
			}
			return
		}
	}
}

// isStreamingContent reports whether the upstream response should be
// flushed through instead of buffered.
func isStreamingContent(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/x-ndjson") ||
		strings.Contains(contentType, "application/stream+json")
}
