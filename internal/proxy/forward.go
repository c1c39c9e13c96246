package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/sjson"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/circuitbreaker"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/provider"
	"github.com/dctx-team/routex/internal/retry"
	"github.com/dctx-team/routex/internal/telemetry"
)

// maxResponseBody caps buffered upstream responses.
const maxResponseBody = 32 << 20

// upstream is one forwarded response. Exactly one of body and stream is
// set: streaming responses are handed back unread for flush-through.
type upstream struct {
	status int
	header http.Header
	body   []byte
	stream *http.Response
	usage  provider.Usage
}

// forwardWithRetries attempts the request up to 1+MaxRetries times with
// exponential backoff, failing over to another healthy channel after a
// retriable error. It returns the channel that served (or last failed)
// the request.
func (e *Engine) forwardWithRetries(ctx context.Context, spanID string, req *Request,
	chosen *routex.Channel, candidates []*routex.Channel, model string) (*upstream, *routex.Channel, error) {

	var lastErr error
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, e.retry.CalculateDelay(attempt)); err != nil {
				return nil, chosen, lastErr
			}
			e.tracer.AddLog(spanID,
				fmt.Sprintf("retry %d via channel %s", attempt, chosen.Name), "warn")
		}

		res, err := e.forward(ctx, chosen, req, model)
		if err == nil {
			e.breakers.GetOrCreate(chosen.ID).RecordSuccess()
			e.bumpUsage(ctx, chosen, true)
			return res, chosen, nil
		}
		lastErr = err
		e.bumpUsage(ctx, chosen, false)

		breaker := e.breakers.GetOrCreate(chosen.ID)
		if breaker.RecordFailure() {
			e.openChannel(ctx, chosen, breaker, err)
		}
		if !retry.IsRetriable(err) {
			break
		}
		// Prefer a different healthy channel for the next attempt.
		if next := e.failover(candidates, chosen.ID); next != nil {
			chosen = next
		}
	}

	e.metrics.IncCounter(telemetry.MetricRetryExhausted, 1,
		map[string]string{"channel": chosen.Name})
	return nil, chosen, lastErr
}

// bumpUsage counts one attempt against the channel that served it.
func (e *Engine) bumpUsage(ctx context.Context, ch *routex.Channel, success bool) {
	if err := e.store.IncrementChannelUsage(ctx, ch.ID, success); err != nil {
		e.log.Warn("increment channel usage", "channel", ch.ID, "error", err)
	}
}

// openChannel persists a tripped breaker: the channel leaves rotation
// as rate_limited until the cooldown expires.
func (e *Engine) openChannel(ctx context.Context, ch *routex.Channel, b *circuitbreaker.Breaker, cause error) {
	e.metrics.IncCounter(telemetry.MetricBreakerOpenTotal, 1,
		map[string]string{"channel": ch.Name})
	e.metrics.SetGauge(telemetry.MetricBreakerOpen, 1,
		map[string]string{"channel": ch.Name})
	if err := e.store.SetChannelStatus(ctx, ch.ID, routex.StatusRateLimited, b.OpenUntil()); err != nil {
		e.log.Error("persist channel status", "channel", ch.ID, "error", err)
	}
	e.log.Warn("circuit breaker opened", "channel", ch.Name, "cause", cause)
}

// failover picks a different channel with a closed breaker, or nil.
func (e *Engine) failover(candidates []*routex.Channel, excludeID string) *routex.Channel {
	remaining := make([]*routex.Channel, 0, len(candidates))
	for _, ch := range candidates {
		if ch.ID == excludeID || e.breakers.IsOpen(ch.ID) {
			continue
		}
		remaining = append(remaining, ch)
	}
	if len(remaining) == 0 {
		return nil
	}
	next, err := e.lb.Select(remaining, loadbalancer.Context{})
	if err != nil {
		return nil
	}
	return next
}

// forward performs a single upstream attempt: dialect transform, auth,
// HTTP exchange, and reverse transform for buffered responses.
func (e *Engine) forward(ctx context.Context, ch *routex.Channel, req *Request, model string) (*upstream, error) {
	body := req.Body
	if model != "" && model != req.Model {
		if out, err := sjson.SetBytes(body, "model", model); err == nil {
			body = out
		}
	}

	uses := ch.Transformers
	prof := provider.ForType(ch.Type)
	if len(uses) == 0 && prof.Dialect != "" {
		uses = []routex.TransformerUse{{Name: prof.Dialect}}
	}
	body, extraHeaders := e.transformers.ApplyRequest(ctx, uses, body)

	endpoint := prof.Endpoint(ch, model, req.Path, req.Stream)
	out, err := http.NewRequestWithContext(ctx, req.Method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, routex.Wrap(routex.KindChannel, err, "build upstream request").NotRetriable()
	}
	for key, vals := range req.Header {
		out.Header[key] = vals
	}
	out.Header.Set("Content-Type", "application/json")
	for k, v := range extraHeaders {
		out.Header.Set(k, v)
	}

	bearer := ""
	if e.oauth != nil {
		if tok, err := e.oauth.AccessToken(ctx, ch.ID); err != nil {
			e.log.Warn("oauth token unavailable, using static key",
				"channel", ch.ID, "error", err)
		} else {
			bearer = tok
		}
	}
	for k, v := range prof.AuthHeaders(ch, bearer) {
		out.Header.Set(k, v)
	}

	client := e.client
	if e.cloudauth != nil {
		client = e.cloudauth.ClientFor(ctx, ch, e.client)
	}
	resp, err := client.Do(out)
	if err != nil {
		return nil, routex.Wrap(routex.KindChannel, err, "upstream request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, provider.ParseHTTPError(ch.Name, resp)
	}

	if isStreamingContent(resp.Header.Get("Content-Type")) {
		return &upstream{status: resp.StatusCode, header: resp.Header, stream: resp}, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
	if err != nil {
		return nil, routex.Wrap(routex.KindChannel, err, "read upstream response")
	}
	canonical := e.transformers.ApplyResponse(ctx, uses, raw)
	return &upstream{
		status: resp.StatusCode,
		header: resp.Header,
		body:   canonical,
		usage:  provider.ExtractUsage(canonical),
	}, nil
}
