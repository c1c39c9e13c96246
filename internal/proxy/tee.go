package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/retry"
	"github.com/dctx-team/routex/internal/telemetry"
)

const (
	teeQueueSize      = 256
	teeWorkers        = 4
	defaultTeeTimeout = 5 * time.Second
	maxTeeTimeout     = 30 * time.Second
	maxTeeRetries     = 5
	teeRetryBackoff   = 250 * time.Millisecond
)

// Exchange is one completed request/response pair published to tee
// destinations.
type Exchange struct {
	RequestBody  json.RawMessage `json:"request"`
	ResponseBody json.RawMessage `json:"response,omitempty"`
	StatusCode   int             `json:"statusCode"`
	ChannelID    string          `json:"channelId"`
	ChannelName  string          `json:"channelName"`
	Model        string          `json:"model"`
	Path         string          `json:"path"`
	LatencyMs    int64           `json:"latency"`
	Success      bool            `json:"success"`
	Timestamp    int64           `json:"timestamp"`
}

// TeeSource lists the active tee destinations.
type TeeSource interface {
	ListEnabledTees(ctx context.Context) ([]*routex.TeeDestination, error)
}

// CustomTeeHandler delivers an exchange for a destination of type
// "custom".
type CustomTeeHandler func(ctx context.Context, dest *routex.TeeDestination, ex Exchange) error

// TeePublisher fans completed exchanges out to observer destinations on
// a bounded queue. Delivery is best-effort: a full queue drops the
// exchange rather than delaying the serving path.
type TeePublisher struct {
	source  TeeSource
	client  *http.Client
	metrics *telemetry.Registry
	log     *slog.Logger
	queue   chan Exchange

	mu       sync.RWMutex
	handlers map[string]CustomTeeHandler

	fileMu sync.Mutex // serializes per-process file appends
}

// NewTeePublisher creates a publisher. client may be nil.
func NewTeePublisher(source TeeSource, client *http.Client, metrics *telemetry.Registry, log *slog.Logger) *TeePublisher {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &TeePublisher{
		source:   source,
		client:   client,
		metrics:  metrics,
		log:      log,
		queue:    make(chan Exchange, teeQueueSize),
		handlers: make(map[string]CustomTeeHandler),
	}
}

// RegisterHandler installs a named handler for custom destinations.
func (p *TeePublisher) RegisterHandler(name string, h CustomTeeHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// Publish enqueues an exchange without blocking. Exchanges are dropped
// when the queue is full.
func (p *TeePublisher) Publish(ex Exchange) {
	select {
	case p.queue <- ex:
	default:
		p.log.Warn("tee queue full, exchange dropped", "channel", ex.ChannelName)
		p.countFailure("queue")
	}
}

// Name returns the worker identifier.
func (p *TeePublisher) Name() string { return "tee_publisher" }

// Run consumes the queue with a small worker pool until ctx is
// cancelled.
func (p *TeePublisher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range teeWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ex := <-p.queue:
					p.deliver(ctx, ex)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// deliver sends one exchange to every matching destination.
func (p *TeePublisher) deliver(ctx context.Context, ex Exchange) {
	dests, err := p.source.ListEnabledTees(ctx)
	if err != nil {
		p.log.Error("list tee destinations", "error", err)
		return
	}
	for _, dest := range dests {
		if !teeMatches(dest.Filter, ex) {
			continue
		}
		if err := p.deliverTo(ctx, dest, ex); err != nil {
			p.log.Error("tee delivery failed",
				"destination", dest.Name, "type", dest.Type, "error", err)
			p.countFailure(dest.Name)
		}
	}
}

// deliverTo delivers with the destination's retry budget and timeout.
func (p *TeePublisher) deliverTo(ctx context.Context, dest *routex.TeeDestination, ex Exchange) error {
	retries := dest.Retries
	if retries < 0 {
		retries = 0
	} else if retries > maxTeeRetries {
		retries = maxTeeRetries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := retry.Sleep(ctx, time.Duration(attempt)*teeRetryBackoff); err != nil {
				return lastErr
			}
		}
		if lastErr = p.send(ctx, dest, ex); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (p *TeePublisher) send(ctx context.Context, dest *routex.TeeDestination, ex Exchange) error {
	timeout := defaultTeeTimeout
	if dest.TimeoutMs > 0 {
		timeout = time.Duration(dest.TimeoutMs) * time.Millisecond
		if timeout > maxTeeTimeout {
			timeout = maxTeeTimeout
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch dest.Type {
	case routex.TeeWebhook:
		return p.sendWebhook(ctx, dest, ex)
	case routex.TeeFile:
		return p.appendFile(dest, ex)
	case routex.TeeCustom:
		p.mu.RLock()
		h, ok := p.handlers[dest.CustomHandler]
		p.mu.RUnlock()
		if !ok {
			return routex.E(routex.KindConfiguration,
				"unknown custom tee handler: %s", dest.CustomHandler)
		}
		return h(ctx, dest, ex)
	default:
		return routex.E(routex.KindConfiguration, "unknown tee type: %s", dest.Type)
	}
}

func (p *TeePublisher) sendWebhook(ctx context.Context, dest *routex.TeeDestination, ex Exchange) error {
	payload, err := json.Marshal(ex)
	if err != nil {
		return err
	}
	method := dest.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, dest.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return routex.E(routex.KindChannel, "webhook %s returned %d", dest.Name, resp.StatusCode)
	}
	return nil
}

// appendFile writes the exchange as one JSON line.
func (p *TeePublisher) appendFile(dest *routex.TeeDestination, ex Exchange) error {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()

	f, err := os.OpenFile(dest.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(ex)
}

func (p *TeePublisher) countFailure(destination string) {
	if p.metrics != nil {
		p.metrics.IncCounter(telemetry.MetricTeeFailed, 1,
			map[string]string{"destination": destination})
	}
}

// teeMatches evaluates a destination filter; nil matches everything.
func teeMatches(f *routex.TeeFilter, ex Exchange) bool {
	if f == nil {
		return true
	}
	if f.SuccessOnly && !ex.Success {
		return false
	}
	if f.FailureOnly && ex.Success {
		return false
	}
	if len(f.StatusCodes) > 0 && !containsInt(f.StatusCodes, ex.StatusCode) {
		return false
	}
	if len(f.Channels) > 0 && !containsStr(f.Channels, ex.ChannelID) && !containsStr(f.Channels, ex.ChannelName) {
		return false
	}
	if len(f.Models) > 0 && !containsStr(f.Models, ex.Model) {
		return false
	}
	if f.MinLatencyMs > 0 && ex.LatencyMs < f.MinLatencyMs {
		return false
	}
	if f.MaxLatencyMs > 0 && ex.LatencyMs > f.MaxLatencyMs {
		return false
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
