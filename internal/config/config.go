// Package config handles configuration loading (YAML or JSON) with
// environment variable expansion and overrides, plus first-run
// database seeding.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/dctx-team/routex/internal/oauth"
)

// Default config file names, searched in order in the working
// directory and then the data directory.
var searchNames = []string{
	"routex.config.yaml",
	"routex.config.yml",
	"routex.config.json",
}

// Config is the top-level proxy configuration.
type Config struct {
	Server       ServerConfig                    `yaml:"server" json:"server"`
	Database     DatabaseConfig                  `yaml:"database" json:"database"`
	LoadBalancer LoadBalancerConfig              `yaml:"load_balancer" json:"load_balancer"`
	Retry        RetryConfig                     `yaml:"retry" json:"retry"`
	Requests     RequestLogConfig                `yaml:"requests" json:"requests"`
	RateLimit    RateLimitConfig                 `yaml:"rate_limit" json:"rate_limit"`
	CORS         CORSConfig                      `yaml:"cors" json:"cors"`
	Cache        CacheConfig                     `yaml:"cache" json:"cache"`
	Telemetry    TelemetryConfig                 `yaml:"telemetry" json:"telemetry"`
	Dashboard    DashboardConfig                 `yaml:"dashboard" json:"dashboard"`
	Security     SecurityConfig                  `yaml:"security" json:"security"`
	Locale       string                          `yaml:"locale" json:"locale"`
	DataDir      string                          `yaml:"data_dir" json:"data_dir"`
	OAuth        map[string]oauth.ProviderConfig `yaml:"oauth" json:"oauth"`
	Channels     []ChannelSeed                   `yaml:"channels" json:"channels"`
	Rules        []RuleSeed                      `yaml:"rules" json:"rules"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings. Path is relative to the data
// directory unless absolute.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LoadBalancerConfig selects the channel selection strategy.
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy" json:"strategy"`
}

// RetryConfig tunes the forwarding retry loop.
type RetryConfig struct {
	MaxRetries  int   `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs int64 `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int64 `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// RequestLogConfig tunes the request log batcher.
type RequestLogConfig struct {
	BatchSize       int   `yaml:"batch_size" json:"batch_size"`
	FlushIntervalMs int64 `yaml:"flush_interval_ms" json:"flush_interval_ms"`
}

// RateLimitConfig throttles the /v1 surface.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	RPM     int  `yaml:"rpm" json:"rpm"`
	Burst   int  `yaml:"burst" json:"burst"`
}

// CORSConfig lists allowed dashboard origins.
type CORSConfig struct {
	Origins []string `yaml:"origins" json:"origins"`
}

// CacheConfig tunes the storage row cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	WarmOnStartup bool          `yaml:"warm_on_startup" json:"warm_on_startup"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	MaxSpans int           `yaml:"max_spans" json:"max_spans"`
	Tracing  TracingConfig `yaml:"tracing" json:"tracing"`
}

// TracingConfig controls OTLP export of spans.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DashboardConfig protects the admin surface.
type DashboardConfig struct {
	Password string `yaml:"password" json:"password"`
}

// SecurityConfig holds secrets for credential handling.
type SecurityConfig struct {
	MasterPassword string `yaml:"master_password" json:"master_password"`
	EncryptionSalt string `yaml:"encryption_salt" json:"encryption_salt"`
}

// ChannelSeed declares a channel to create on first run.
type ChannelSeed struct {
	Name         string            `yaml:"name" json:"name"`
	Type         string            `yaml:"type" json:"type"`
	BaseURL      string            `yaml:"base_url" json:"base_url"`
	APIKey       string            `yaml:"api_key" json:"api_key"`
	Models       []string          `yaml:"models" json:"models"`
	Priority     int               `yaml:"priority" json:"priority"`
	Weight       float64           `yaml:"weight" json:"weight"`
	Enabled      *bool             `yaml:"enabled" json:"enabled"`
	Transformers []TransformerSeed `yaml:"transformers" json:"transformers"`
}

// IsEnabled defaults to true when unset.
func (c ChannelSeed) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TransformerSeed names one pipeline stage with free-form options.
type TransformerSeed struct {
	Name    string         `yaml:"name" json:"name"`
	Options map[string]any `yaml:"options" json:"options"`
}

// RuleSeed declares a routing rule to create on first run.
type RuleSeed struct {
	Name          string         `yaml:"name" json:"name"`
	TargetChannel string         `yaml:"target_channel" json:"target_channel"`
	TargetModel   string         `yaml:"target_model" json:"target_model"`
	Priority      int            `yaml:"priority" json:"priority"`
	Condition     map[string]any `yaml:"condition" json:"condition"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second, // streaming responses run long
			ShutdownTimeout: 30 * time.Second,
		},
		Database:     DatabaseConfig{Path: "routex.db"},
		LoadBalancer: LoadBalancerConfig{Strategy: "priority"},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},
		Requests: RequestLogConfig{
			BatchSize:       500,
			FlushIntervalMs: 1000,
		},
		RateLimit: RateLimitConfig{RPM: 600, Burst: 100},
		Cache: CacheConfig{
			TTL:           30 * time.Second,
			WarmOnStartup: true,
		},
		Telemetry: TelemetryConfig{MaxSpans: 10000},
		Locale:    "en",
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
// Unset variables are left as-is.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads the config file at path, or searches the standard
// locations when path is empty. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default()
	cfg.DataDir = dataDir

	if path == "" {
		path = findConfig(dataDir)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if strings.HasSuffix(path, ".json") {
			err = json.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func findConfig(dataDir string) string {
	for _, dir := range []string{".", dataDir} {
		if dir == "" {
			continue
		}
		for _, name := range searchNames {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// applyEnv overlays well-known environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("LOAD_BALANCE_STRATEGY"); v != "" {
		c.LoadBalancer.Strategy = v
	}
	if v, ok := envInt("RETRY_MAX"); ok {
		c.Retry.MaxRetries = v
	}
	if v, ok := envInt("RETRY_BASE_DELAY_MS"); ok {
		c.Retry.BaseDelayMs = int64(v)
	}
	if v, ok := envInt("RETRY_MAX_DELAY_MS"); ok {
		c.Retry.MaxDelayMs = int64(v)
	}
	if v, ok := envInt("REQUEST_BATCH_SIZE"); ok {
		c.Requests.BatchSize = v
	}
	if v, ok := envInt("REQUEST_FLUSH_INTERVAL"); ok {
		c.Requests.FlushIntervalMs = int64(v)
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v, ok := envInt("RATE_LIMIT_PER_MINUTE"); ok {
		c.RateLimit.RPM = v
	}
	if v, ok := envInt("RATE_LIMIT_BURST"); ok {
		c.RateLimit.Burst = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORS.Origins = splitTrim(v)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("LOCALE"); v != "" {
		c.Locale = v
	}
	if v := os.Getenv("DASHBOARD_PASSWORD"); v != "" {
		c.Dashboard.Password = v
	}
	if v := os.Getenv("MASTER_PASSWORD"); v != "" {
		c.Security.MasterPassword = v
	}
	if v := os.Getenv("ENCRYPTION_SALT"); v != "" {
		c.Security.EncryptionSalt = v
	}
}

// DatabasePath resolves the SQLite file path against the data dir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, c.Database.Path)
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
