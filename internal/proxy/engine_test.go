package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/circuitbreaker"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/retry"
	"github.com/dctx-team/routex/internal/router"
	"github.com/dctx-team/routex/internal/storage"
	"github.com/dctx-team/routex/internal/telemetry"
	"github.com/dctx-team/routex/internal/transformer"
)

// fakeStore serves channels from memory and records usage/status writes.
type fakeStore struct {
	storage.Store

	mu       sync.Mutex
	channels []*routex.Channel
	rules    []*routex.RoutingRule
	tees     []*routex.TeeDestination
	usage    map[string][]bool // channel id -> success flags
	statuses map[string]string
}

func newFakeStore(channels ...*routex.Channel) *fakeStore {
	return &fakeStore{
		channels: channels,
		usage:    make(map[string][]bool),
		statuses: make(map[string]string),
	}
}

func (s *fakeStore) ListEnabledChannels(context.Context) ([]*routex.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*routex.Channel
	for _, ch := range s.channels {
		if ch.Status == routex.StatusEnabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *fakeStore) ListEnabledRules(context.Context) ([]*routex.RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, nil
}

func (s *fakeStore) ListEnabledTees(context.Context) ([]*routex.TeeDestination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tees, nil
}

func (s *fakeStore) IncrementChannelUsage(_ context.Context, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id] = append(s.usage[id], success)
	return nil
}

func (s *fakeStore) SetChannelStatus(_ context.Context, id, status string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	for _, ch := range s.channels {
		if ch.ID == id {
			ch.Status = status
		}
	}
	return nil
}

type logSink struct {
	mu   sync.Mutex
	logs []routex.RequestLog
}

func (s *logSink) Enqueue(l routex.RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
}

func (s *logSink) all() []routex.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]routex.RequestLog(nil), s.logs...)
}

func customChannel(id, name, baseURL string, priority int) *routex.Channel {
	return &routex.Channel{
		ID:       id,
		Name:     name,
		Type:     routex.TypeCustom,
		BaseURL:  baseURL,
		Status:   routex.StatusEnabled,
		Priority: priority,
		Weight:   1,
	}
}

type engineFixture struct {
	engine   *Engine
	store    *fakeStore
	sink     *logSink
	metrics  *telemetry.Registry
	breakers *circuitbreaker.Registry
}

func newFixture(t *testing.T, store *fakeStore, breakerCfg circuitbreaker.Config, retryCfg retry.Config) *engineFixture {
	t.Helper()

	metrics := telemetry.NewRegistry()
	telemetry.RegisterDefaults(metrics)
	breakers := circuitbreaker.NewRegistry(breakerCfg)
	sink := &logSink{}

	rt, err := router.New(context.Background(), store, nil)
	if err != nil {
		t.Fatal("router:", err)
	}

	e := NewEngine(Options{
		Store:        store,
		Balancer:     loadbalancer.New(routex.StrategyPriority, nil),
		Router:       rt,
		Breakers:     breakers,
		Transformers: transformer.NewManager(nil),
		Tracer:       telemetry.NewTracer(100, nil),
		Metrics:      metrics,
		Logs:         sink,
		Retry:        retryCfg,
	})
	return &engineFixture{engine: e, store: store, sink: sink, metrics: metrics, breakers: breakers}
}

func fastRetry(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:      maxRetries,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
	}
}

func postMessages(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestProxySuccess(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("x-trace-id") == "" {
			t.Error("trace context not propagated")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":12,"output_tokens":4}}`))
	}))
	defer upstream.Close()

	ch := customChannel("ch-1", "primary", upstream.URL, 10)
	ch.APIKey = "sk-test"
	f := newFixture(t, newFakeStore(ch), circuitbreaker.DefaultConfig(), fastRetry(0))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Channel-Id"); got != "ch-1" {
		t.Errorf("X-Channel-Id = %q", got)
	}
	if w.Header().Get("X-Channel-Name") != "primary" {
		t.Errorf("X-Channel-Name = %q", w.Header().Get("X-Channel-Name"))
	}
	if w.Header().Get("X-Trace-Id") == "" || w.Header().Get("X-Latency-Ms") == "" {
		t.Error("response identification headers missing")
	}

	logs := f.sink.all()
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	l := logs[0]
	if !l.Success || l.ChannelID != "ch-1" || l.InputTokens != 12 || l.OutputTokens != 4 {
		t.Errorf("log = %+v", l)
	}
	if got := f.store.usage["ch-1"]; len(got) != 1 || !got[0] {
		t.Errorf("usage = %v", got)
	}
	if v := f.metrics.CounterValue(telemetry.MetricRequestsSuccess,
		map[string]string{"channel": "primary", "model": "claude-sonnet-4"}); v != 1 {
		t.Errorf("success counter = %v", v)
	}
}

func TestProxyFailover(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_2","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer good.Close()

	// Priority strategy picks "first" initially; failover lands on "second".
	store := newFakeStore(
		customChannel("ch-a", "first", bad.URL, 10),
		customChannel("ch-b", "second", good.URL, 5),
	)
	f := newFixture(t, store, circuitbreaker.DefaultConfig(), fastRetry(2))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","messages":[]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Channel-Id"); got != "ch-b" {
		t.Errorf("served by %q, want ch-b", got)
	}
	// The failed attempt is on the breaker, the success on the log.
	if f.breakers.Get("ch-a").Failures() != 1 {
		t.Errorf("ch-a failures = %d", f.breakers.Get("ch-a").Failures())
	}
	logs := f.sink.all()
	if len(logs) != 1 || !logs[0].Success || logs[0].ChannelID != "ch-b" {
		t.Errorf("logs = %+v", logs)
	}
}

// Usage counters are per attempt: two 503s and a 200 on the same
// channel leave two failures and one success.
func TestRetryCountsEachAttempt(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_3","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	store := newFakeStore(customChannel("ch-1", "flaky", upstream.URL, 1))
	f := newFixture(t, store, circuitbreaker.DefaultConfig(), fastRetry(3))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","messages":[]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	want := []bool{false, false, true}
	got := f.store.usage["ch-1"]
	if len(got) != len(want) {
		t.Fatalf("usage = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("usage = %v, want %v", got, want)
		}
	}
	// Two failures stay under the default threshold and the success
	// resets the streak.
	if n := f.breakers.Get("ch-1").Failures(); n != 0 {
		t.Errorf("failure streak after success = %d", n)
	}
	if _, tripped := f.store.statuses["ch-1"]; tripped {
		t.Error("breaker tripped below threshold")
	}
}

// Server errors trip the breaker the same way rate limits do: the
// channel is parked as rate_limited until the cooldown passes.
func TestBreakerTripOnServerErrors(t *testing.T) {
	t.Parallel()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	store := newFakeStore(customChannel("ch-1", "broken", broken.URL, 1))
	f := newFixture(t, store,
		circuitbreaker.Config{FailureThreshold: 5, Cooldown: time.Minute},
		fastRetry(4))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","messages":[]}`))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}

	if got := f.store.statuses["ch-1"]; got != routex.StatusRateLimited {
		t.Errorf("persisted status = %q, want rate_limited", got)
	}
	if !f.breakers.IsOpen("ch-1") {
		t.Error("breaker not open after five failures")
	}
	if got := f.store.usage["ch-1"]; len(got) != 5 {
		t.Errorf("attempts counted = %d, want 5", len(got))
	}
}

func TestBreakerTripPersistsStatus(t *testing.T) {
	t.Parallel()

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusTooManyRequests)
	}))
	defer limited.Close()

	store := newFakeStore(customChannel("ch-1", "only", limited.URL, 1))
	f := newFixture(t, store,
		circuitbreaker.Config{FailureThreshold: 2, Cooldown: time.Minute},
		fastRetry(1))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","messages":[]}`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}

	// Two failures tripped the breaker; the 429 marks it rate-limited.
	if got := f.store.statuses["ch-1"]; got != routex.StatusRateLimited {
		t.Errorf("persisted status = %q, want rate_limited", got)
	}
	if !f.breakers.IsOpen("ch-1") {
		t.Error("breaker not open")
	}
	if v := f.metrics.CounterValue(telemetry.MetricRetryExhausted,
		map[string]string{"channel": "only"}); v != 1 {
		t.Errorf("retry exhausted counter = %v", v)
	}

	// With the only channel open, the next request has nowhere to go.
	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","messages":[]}`))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after trip = %d", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error.code").String(); got != "no_available_channel" {
		t.Errorf("error code = %q, body %s", got, w.Body.String())
	}
}

func TestRuleOverridesBalancer(t *testing.T) {
	t.Parallel()

	var gotModel string
	var mu sync.Mutex
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotModel = gjson.GetBytes(body, "model").String()
		mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	}))
	defer target.Close()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer other.Close()

	store := newFakeStore(
		customChannel("ch-main", "main", other.URL, 100),
		customChannel("ch-heavy", "heavy", target.URL, 1),
	)
	store.rules = []*routex.RoutingRule{{
		ID:            "r1",
		Name:          "big-context",
		Condition:     routex.RuleCondition{TokenThreshold: 10},
		TargetChannel: "heavy",
		TargetModel:   "glm-4.7",
		Priority:      10,
		Enabled:       true,
	}}
	f := newFixture(t, store, circuitbreaker.DefaultConfig(), fastRetry(0))

	long := strings.Repeat("word ", 100)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"`+long+`"}]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-Channel-Id"); got != "ch-heavy" {
		t.Errorf("served by %q, want ch-heavy", got)
	}
	if w.Header().Get("X-Routing-Rule") != "big-context" {
		t.Errorf("X-Routing-Rule = %q", w.Header().Get("X-Routing-Rule"))
	}
	mu.Lock()
	defer mu.Unlock()
	if gotModel != "glm-4.7" {
		t.Errorf("upstream model = %q, want override", gotModel)
	}
}

func TestStreamingPassthrough(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\ndata: {}\n\n"))
		w.(http.Flusher).Flush()
		w.Write([]byte("event: message_stop\ndata: {}\n\n"))
	}))
	defer upstream.Close()

	store := newFakeStore(customChannel("ch-1", "sse", upstream.URL, 1))
	f := newFixture(t, store, circuitbreaker.DefaultConfig(), fastRetry(0))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","stream":true,"messages":[]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "message_start") || !strings.Contains(body, "message_stop") {
		t.Errorf("stream body = %q", body)
	}
}

// Token usage on streams arrives in SSE events, not a buffered body; the
// logged row must still carry it.
func TestStreamingUsageLogged(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\n" +
			`data: {"type":"message_start","message":{"usage":{"input_tokens":80,"output_tokens":1,"cache_read_input_tokens":16}}}` + "\n\n"))
		w.(http.Flusher).Flush()
		w.Write([]byte("event: message_delta\n" +
			`data: {"type":"message_delta","usage":{"output_tokens":25}}` + "\n\n"))
	}))
	defer upstream.Close()

	store := newFakeStore(customChannel("ch-1", "sse", upstream.URL, 1))
	f := newFixture(t, store, circuitbreaker.DefaultConfig(), fastRetry(0))

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, postMessages(`{"model":"m","stream":true,"messages":[]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	logs := f.sink.all()
	if len(logs) != 1 {
		t.Fatalf("logged %d rows, want 1", len(logs))
	}
	l := logs[0]
	if l.InputTokens != 80 || l.OutputTokens != 25 || l.CachedTokens != 16 {
		t.Errorf("logged usage = in %d out %d cached %d, want 80/25/16",
			l.InputTokens, l.OutputTokens, l.CachedTokens)
	}
	if l.StatusCode != http.StatusOK {
		t.Errorf("logged status = %d", l.StatusCode)
	}
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	r := postMessages(`{"model":"claude-sonnet-4","stream":true,"metadata":{"user_id":"u-7"}}`)
	r.Header.Set("Authorization", "Bearer caller-key")
	r.Header.Set("Accept", "application/json")

	req, err := ParseRequest(r)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "claude-sonnet-4" || !req.Stream {
		t.Errorf("parsed = %+v", req)
	}
	if req.SessionID != "u-7" {
		t.Errorf("SessionID = %q", req.SessionID)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("caller credentials leaked into forwardable headers")
	}
	if req.Header.Get("Accept") != "application/json" {
		t.Error("benign header dropped")
	}

	// Explicit session header wins over body metadata, but x-* headers
	// never travel upstream.
	r = postMessages(`{"metadata":{"user_id":"u-7"}}`)
	r.Header.Set("x-session-id", "s-1")
	r.Header.Set("X-Trace-Id", "t-1")
	r.Header.Set("X-Custom-Routing", "sticky")
	req, _ = ParseRequest(r)
	if req.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want s-1", req.SessionID)
	}
	for _, key := range []string{"x-session-id", "X-Trace-Id", "X-Custom-Routing"} {
		if req.Header.Get(key) != "" {
			t.Errorf("%s leaked into forwardable headers", key)
		}
	}

	// Non-JSON body is not an error.
	req, err = ParseRequest(postMessages("plain text"))
	if err != nil || req.Model != "" {
		t.Errorf("non-JSON parse = %+v, %v", req, err)
	}
}
