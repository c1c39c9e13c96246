// Package server exposes the admin API and the /v1 proxy surface over
// a single chi router.
package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/circuitbreaker"
	"github.com/dctx-team/routex/internal/config"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/oauth"
	"github.com/dctx-team/routex/internal/ratelimit"
	"github.com/dctx-team/routex/internal/router"
	"github.com/dctx-team/routex/internal/storage"
	"github.com/dctx-team/routex/internal/telemetry"
	"github.com/dctx-team/routex/internal/transformer"
	"github.com/dctx-team/routex/internal/worker"
)

// Deps carries the wired components the handlers need.
type Deps struct {
	Store        *storage.Cached
	Engine       http.Handler
	Balancer     *loadbalancer.LoadBalancer
	Router       *router.Router
	Breakers     *circuitbreaker.Registry
	Transformers *transformer.Manager
	Metrics      *telemetry.Registry
	Tracer       *telemetry.Tracer
	OAuth        *oauth.Manager
	Warmer       *worker.CacheWarmer
	Limiters     *ratelimit.Registry
	Config       *config.Config
	Client       *http.Client
	LogLevel     *slog.LevelVar
	Version      string
	Start        time.Time
	Log          *slog.Logger
}

// Server routes the admin API and proxies /v1 traffic to the engine.
type Server struct {
	Deps
	locale atomic.Value // string
}

// New builds the HTTP handler.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if deps.Limiters == nil {
		deps.Limiters = ratelimit.NewRegistry()
	}
	if deps.Start.IsZero() {
		deps.Start = time.Now()
	}
	s := &Server{Deps: deps}
	loc := "en"
	if deps.Config != nil && deps.Config.Locale != "" {
		loc = deps.Config.Locale
	}
	s.locale.Store(loc)
	return s
}

// Handler assembles the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recovery(s.Log))
	r.Use(requestID)
	r.Use(logging(s.Log))

	if s.Config != nil && len(s.Config.CORS.Origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.Config.CORS.Origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Session-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "X-Channel-Id", "X-Channel-Name", "X-Trace-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealthLive)
	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Get("/health/detailed", s.handleHealthDetailed)

	r.Method(http.MethodGet, "/metrics", telemetry.NewPromHandler(s.Metrics, s.Start))

	r.Route("/api", func(r chi.Router) {
		if s.Config != nil {
			r.Use(dashboardAuth(s.Config.Dashboard.Password))
		}
		r.Get("/", s.handleIdentity)

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Post("/", s.handleCreateChannel)
			r.Get("/enabled", s.handleListEnabledChannels)
			r.Get("/export", s.handleExportChannels)
			r.Post("/import", s.handleImportChannels)
			r.Get("/{id}", s.handleGetChannel)
			r.Put("/{id}", s.handleUpdateChannel)
			r.Delete("/{id}", s.handleDeleteChannel)
			r.Post("/{id}/test", s.handleTestChannel)
			r.Post("/test/all", s.handleTestChannels(false))
			r.Post("/test/enabled", s.handleTestChannels(true))
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", s.handleListRequests)
			r.Get("/analytics", s.handleAnalytics)
		})
		r.Get("/analytics", s.handleAnalytics)

		// Rule and tee admin answer on two paths for older dashboards.
		r.Route("/routing-rules", s.ruleRoutes)
		r.Route("/routing/rules", s.ruleRoutes)

		r.Get("/strategy", s.handleGetStrategy)
		r.Put("/strategy", s.handleSetStrategy)
		r.Get("/load-balancer/strategy", s.handleGetStrategy)
		r.Put("/load-balancer/strategy", s.handleSetStrategy)

		r.Route("/tees", s.teeRoutes)
		r.Route("/tee", s.teeRoutes)

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/", s.handleMetricsSummary)
			r.Get("/all", s.handleMetricsAll)
			r.Post("/reset", s.handleMetricsReset)
		})

		r.Route("/tracing", func(r chi.Router) {
			r.Get("/stats", s.handleTracingStats)
			r.Get("/traces/{traceId}", s.handleGetTrace)
			r.Get("/spans/{spanId}", s.handleGetSpan)
			r.Post("/clear", s.handleTracingClear)
		})

		r.Get("/config", s.handleGetConfig)
		r.Get("/config/locale", s.handleGetLocale)
		r.Put("/config/locale", s.handleSetLocale)
		r.Get("/i18n/locale", s.handleGetLocale)
		r.Put("/i18n/locale", s.handleSetLocale)

		r.Get("/logging/level", s.handleGetLogLevel)
		r.Put("/logging/level", s.handleSetLogLevel)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/", s.handleCacheStats)
			r.Post("/invalidate", s.handleCacheInvalidate)
			r.Post("/warm", s.handleCacheWarm)
		})
		r.Get("/database/cache/stats", s.handleCacheStats)

		r.Route("/oauth", func(r chi.Router) {
			r.Get("/providers", s.handleOAuthProviders)
			r.Get("/{provider}/authorize", s.handleOAuthAuthorize)
			r.Post("/callback", s.handleOAuthCallback)
			r.Get("/sessions", s.handleOAuthSessions)
			r.Delete("/sessions/{id}", s.handleOAuthDeleteSession)
			r.Post("/sessions/{id}/refresh", s.handleOAuthRefreshSession)
			r.Post("/sessions/{id}/link", s.handleOAuthLinkSession)
		})
	})

	r.Group(func(r chi.Router) {
		if s.Config != nil && s.Config.RateLimit.Enabled {
			r.Use(rateLimit(s.Limiters, ratelimit.Limits{
				RPM:   int64(s.Config.RateLimit.RPM),
				Burst: int64(s.Config.RateLimit.Burst),
			}))
		}
		r.Handle("/v1/*", s.Engine)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, routex.E(routex.KindNotFound, "route not found"))
	})

	return r
}
