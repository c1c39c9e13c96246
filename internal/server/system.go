package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/telemetry"
)

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"name":          "routex",
		"version":       s.Version,
		"uptimeSeconds": time.Since(s.Start).Seconds(),
		"locale":        s.locale.Load(),
		"strategy":      s.Balancer.Strategy(),
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthReady reports 503 until the store answers and at least
// one channel can take traffic.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		respondError(w, routex.Wrap(routex.KindNoAvailableChannel, err, "store unavailable"))
		return
	}
	channels, err := s.Store.ListEnabledChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if len(channels) == 0 {
		respondError(w, routex.E(routex.KindNoAvailableChannel, "no enabled channels"))
		return
	}
	respond(w, http.StatusOK, map[string]any{"status": "ready", "channels": len(channels)})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	dbOK := s.Store.Ping(r.Context()) == nil

	var total, enabled int
	if channels, err := s.Store.ListChannels(r.Context()); err == nil {
		total = len(channels)
		for _, ch := range channels {
			if ch.Status == routex.StatusEnabled {
				enabled++
			}
		}
	}

	openBreakers := 0
	for _, open := range s.Breakers.States() {
		if open {
			openBreakers++
		}
	}

	status := "ok"
	if !dbOK || enabled == 0 {
		status = "degraded"
	}
	respond(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       s.Version,
		"uptimeSeconds": time.Since(s.Start).Seconds(),
		"database":      map[string]bool{"ok": dbOK},
		"channels": map[string]int{
			"total":   total,
			"enabled": enabled,
		},
		"breakers": map[string]int{"open": openBreakers},
		"sessions": s.Balancer.Sessions(),
		"tracing":  s.Tracer.Stats(),
	})
}

// handleGetConfig returns the running configuration with secrets
// removed.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config
	if cfg == nil {
		respondError(w, routex.E(routex.KindConfiguration, "no configuration loaded"))
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"server":       cfg.Server,
		"loadBalancer": map[string]string{"strategy": s.Balancer.Strategy()},
		"retry":        cfg.Retry,
		"requests":     cfg.Requests,
		"rateLimit":    cfg.RateLimit,
		"cache":        cfg.Cache,
		"telemetry":    cfg.Telemetry,
		"locale":       s.locale.Load(),
		"dataDir":      cfg.DataDir,
		"dashboardAuth": cfg.Dashboard.Password != "",
	})
}

var supportedLocales = map[string]bool{"en": true, "zh-CN": true}

func (s *Server) handleGetLocale(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"locale": s.locale.Load()})
}

func (s *Server) handleSetLocale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locale string `json:"locale"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !supportedLocales[req.Locale] {
		respondError(w, routex.E(routex.KindValidation, "unsupported locale %q", req.Locale))
		return
	}
	s.locale.Store(req.Locale)
	respond(w, http.StatusOK, map[string]string{"locale": req.Locale})
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, _ *http.Request) {
	if s.LogLevel == nil {
		respondError(w, routex.E(routex.KindConfiguration, "log level is not adjustable"))
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"level": strings.ToLower(s.LogLevel.Level().String()),
	})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	if s.LogLevel == nil {
		respondError(w, routex.E(routex.KindConfiguration, "log level is not adjustable"))
		return
	}
	var req struct {
		Level string `json:"level"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(req.Level)); err != nil {
		respondError(w, routex.E(routex.KindValidation, "unknown log level %q", req.Level))
		return
	}
	s.LogLevel.Set(level)
	respond(w, http.StatusOK, map[string]string{
		"level": strings.ToLower(level.String()),
	})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"strategy": s.Balancer.Strategy()})
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.Balancer.SetStrategy(req.Strategy); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"strategy": req.Strategy})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	hits := s.Metrics.CounterValue(telemetry.MetricCacheHits, nil)
	misses := s.Metrics.CounterValue(telemetry.MetricCacheMisses, nil)
	var ratio float64
	if hits+misses > 0 {
		ratio = hits / (hits + misses)
	}
	respond(w, http.StatusOK, map[string]float64{
		"hits":     hits,
		"misses":   misses,
		"hitRatio": ratio,
	})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	// Missing body means invalidate everything.
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, err)
			return
		}
	}
	if s.Warmer != nil {
		s.Warmer.Invalidate(req.Scope)
	} else {
		s.Store.InvalidateAll()
		if s.Balancer != nil {
			s.Balancer.InvalidateCache()
		}
	}
	scope := req.Scope
	if scope == "" {
		scope = "all"
	}
	respond(w, http.StatusOK, map[string]string{"invalidated": scope})
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	if s.Warmer == nil {
		respondError(w, routex.E(routex.KindConfiguration, "cache warmer not running"))
		return
	}
	s.Warmer.Warm(r.Context())
	respond(w, http.StatusOK, map[string]string{"status": "warmed"})
}
