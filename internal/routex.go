// Package routex defines domain types and interfaces for the Routex proxy.
// This package has no project imports -- it is the dependency root.
package routex

import (
	"context"
	"encoding/json"
	"time"
)

// Channel status values. A channel is a single upstream credential plus
// routing hints; the load balancer only considers StatusEnabled channels,
// and the circuit breaker moves channels in and out of StatusRateLimited.
const (
	StatusEnabled     = "enabled"
	StatusDisabled    = "disabled"
	StatusCircuitOpen = "circuit_open"
	StatusRateLimited = "rate_limited"
)

// Supported channel (provider) types.
const (
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeAzure     = "azure"
	TypeGemini    = "gemini"
	TypeZhipu     = "zhipu"
	TypeCustom    = "custom"
)

// Channel is a configured upstream provider credential.
// All timestamps are epoch milliseconds; zero means unset.
type Channel struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	Type                string           `json:"type"`
	BaseURL             string           `json:"baseUrl,omitempty"`
	APIKey              string           `json:"apiKey,omitempty"`
	Models              []string         `json:"models"`
	Priority            int              `json:"priority"`
	Weight              float64          `json:"weight"`
	Status              string           `json:"status"`
	Transformers        []TransformerUse `json:"transformers,omitempty"`
	RequestCount        int64            `json:"requestCount"`
	SuccessCount        int64            `json:"successCount"`
	FailureCount        int64            `json:"failureCount"`
	ConsecutiveFailures int64            `json:"consecutiveFailures"`
	LastFailureTime     int64            `json:"lastFailureTime,omitempty"`
	CircuitBreakerUntil int64            `json:"circuitBreakerUntil,omitempty"`
	RateLimitedUntil    int64            `json:"rateLimitedUntil,omitempty"`
	LastUsedAt          int64            `json:"lastUsedAt,omitempty"`
	CreatedAt           int64            `json:"createdAt"`
	UpdatedAt           int64            `json:"updatedAt"`
}

// TransformerUse names one stage of a channel's transformer pipeline.
type TransformerUse struct {
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options,omitempty"`
}

// ServesModel reports whether the channel lists the given model.
func (c *Channel) ServesModel(model string) bool {
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

// RoutingRule maps a request predicate to a destination channel/model.
type RoutingRule struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Type          string        `json:"type,omitempty"`
	Condition     RuleCondition `json:"condition"`
	TargetChannel string        `json:"targetChannel"`
	TargetModel   string        `json:"targetModel,omitempty"`
	Priority      int           `json:"priority"`
	Enabled       bool          `json:"enabled"`
	CreatedAt     int64         `json:"createdAt"`
	UpdatedAt     int64         `json:"updatedAt"`
}

// RuleCondition holds the optional predicate fields of a routing rule.
// All set fields are conjunctive.
type RuleCondition struct {
	TokenThreshold      int      `json:"tokenThreshold,omitempty"`
	Keywords            []string `json:"keywords,omitempty"`
	UserPattern         string   `json:"userPattern,omitempty"`
	ModelPattern        string   `json:"modelPattern,omitempty"`
	HasTools            *bool    `json:"hasTools,omitempty"`
	HasImages           *bool    `json:"hasImages,omitempty"`
	ContentCategory     string   `json:"contentCategory,omitempty"`
	ComplexityLevel     string   `json:"complexityLevel,omitempty"`
	HasCode             *bool    `json:"hasCode,omitempty"`
	ProgrammingLanguage string   `json:"programmingLanguage,omitempty"`
	Intent              string   `json:"intent,omitempty"`
	MinWordCount        int      `json:"minWordCount,omitempty"`
	MaxWordCount        int      `json:"maxWordCount,omitempty"`
	CustomFunction      string   `json:"customFunction,omitempty"`
}

// IsEmpty reports whether no condition field is set. Rules with empty
// conditions are rejected on create/update.
func (c RuleCondition) IsEmpty() bool {
	return c.TokenThreshold == 0 && len(c.Keywords) == 0 &&
		c.UserPattern == "" && c.ModelPattern == "" &&
		c.HasTools == nil && c.HasImages == nil &&
		c.ContentCategory == "" && c.ComplexityLevel == "" &&
		c.HasCode == nil && c.ProgrammingLanguage == "" &&
		c.Intent == "" && c.MinWordCount == 0 && c.MaxWordCount == 0 &&
		c.CustomFunction == ""
}

// Tee destination types.
const (
	TeeWebhook = "webhook"
	TeeFile    = "file"
	TeeCustom  = "custom"
)

// TeeDestination is an observer sink for request/response pairs.
type TeeDestination struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Enabled       bool              `json:"enabled"`
	URL           string            `json:"url,omitempty"`
	Method        string            `json:"method,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	FilePath      string            `json:"filePath,omitempty"`
	CustomHandler string            `json:"customHandler,omitempty"`
	Filter        *TeeFilter        `json:"filter,omitempty"`
	Retries       int               `json:"retries"`
	TimeoutMs     int               `json:"timeout"`
	CreatedAt     int64             `json:"createdAt"`
	UpdatedAt     int64             `json:"updatedAt"`
}

// TeeFilter narrows which request/response pairs a destination receives.
type TeeFilter struct {
	StatusCodes  []int    `json:"statusCodes,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	Models       []string `json:"models,omitempty"`
	MinLatencyMs int64    `json:"minLatency,omitempty"`
	MaxLatencyMs int64    `json:"maxLatency,omitempty"`
	SuccessOnly  bool     `json:"successOnly,omitempty"`
	FailureOnly  bool     `json:"failureOnly,omitempty"`
}

// RequestLog is one row per forwarded request. Rows are inserted through
// the write batcher and are read-only thereafter.
type RequestLog struct {
	ID           string `json:"id"`
	ChannelID    string `json:"channelId"`
	Model        string `json:"model"`
	Method       string `json:"method"`
	Path         string `json:"path"`
	StatusCode   int    `json:"statusCode"`
	LatencyMs    int64  `json:"latency"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	CachedTokens int64  `json:"cachedTokens"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	TraceID      string `json:"traceId,omitempty"`
}

// Cost computes the estimated USD cost of the logged request using the
// fixed per-million-token constants.
func (r *RequestLog) Cost() float64 {
	return float64(r.InputTokens)/1e6*CostPerMInputUSD +
		float64(r.OutputTokens)/1e6*CostPerMOutputUSD +
		float64(r.CachedTokens)/1e6*CostPerMCachedUSD
}

// USD per one million tokens. Deliberately fixed in core.
const (
	CostPerMInputUSD  = 3.0
	CostPerMOutputUSD = 15.0
	CostPerMCachedUSD = 0.3
)

// RequestFilter narrows a request-log query.
type RequestFilter struct {
	Status    int
	ChannelID string
	Model     string
	Query     string // free-text match on path/model/error
	Since     int64  // epoch ms, inclusive
	Until     int64  // epoch ms, exclusive
	Limit     int    // clamped to [1, 1000]
	Offset    int    // clamped to >= 0
}

// Analytics is the aggregate statistics view over all request logs.
type Analytics struct {
	TotalRequests   int64   `json:"totalRequests"`
	SuccessRequests int64   `json:"successRequests"`
	FailureRequests int64   `json:"failureRequests"`
	AvgLatencyMs    float64 `json:"avgLatency"`
	InputTokens     int64   `json:"inputTokens"`
	OutputTokens    int64   `json:"outputTokens"`
	CachedTokens    int64   `json:"cachedTokens"`
	EstimatedCost   float64 `json:"estimatedCost"`
}

// OAuthSession holds access/refresh tokens optionally bound to a channel.
type OAuthSession struct {
	ID           string          `json:"id"`
	ChannelID    string          `json:"channelId,omitempty"`
	Provider     string          `json:"provider"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	ExpiresAt    int64           `json:"expiresAt"`
	Scopes       []string        `json:"scopes,omitempty"`
	UserInfo     json.RawMessage `json:"userInfo,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// Load balancing strategies.
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
	StrategyWeighted   = "weighted"
	StrategyLeastUsed  = "least_used"
)

// ValidStrategy reports whether s names a known load-balancing strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyWeighted, StrategyLeastUsed:
		return true
	}
	return false
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
