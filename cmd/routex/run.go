package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/dnscache"

	"github.com/dctx-team/routex/internal/circuitbreaker"
	"github.com/dctx-team/routex/internal/cloudauth"
	"github.com/dctx-team/routex/internal/config"
	"github.com/dctx-team/routex/internal/loadbalancer"
	"github.com/dctx-team/routex/internal/oauth"
	"github.com/dctx-team/routex/internal/provider"
	"github.com/dctx-team/routex/internal/proxy"
	"github.com/dctx-team/routex/internal/ratelimit"
	"github.com/dctx-team/routex/internal/retry"
	"github.com/dctx-team/routex/internal/router"
	"github.com/dctx-team/routex/internal/server"
	"github.com/dctx-team/routex/internal/storage"
	"github.com/dctx-team/routex/internal/storage/sqlite"
	"github.com/dctx-team/routex/internal/telemetry"
	"github.com/dctx-team/routex/internal/transformer"
	"github.com/dctx-team/routex/internal/worker"
)

func run(configPath string) error {
	dataDir := config.DetectDataDir()
	if err := config.EnsureDataDir(dataDir); err != nil {
		return err
	}

	cfg, err := config.Load(configPath, dataDir)
	if err != nil {
		return err
	}

	logLevel := new(slog.LevelVar)
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)
	log.Info("starting routex",
		"version", version, "addr", cfg.Server.Addr, "dataDir", cfg.DataDir)

	db, err := sqlite.New(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := telemetry.NewRegistry()
	telemetry.RegisterDefaults(metrics)
	store := storage.NewCached(db, cfg.Cache.TTL, telemetry.CacheStats{R: metrics})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Bootstrap(ctx, cfg, store, log); err != nil {
		return err
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, terr := telemetry.SetupTracing(ctx,
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if terr != nil {
			log.Warn("otlp tracing disabled", "error", terr)
		} else {
			defer shutdown(context.Background())
		}
	}

	// Core services.
	balancer := loadbalancer.New(cfg.LoadBalancer.Strategy, log)
	rt, err := router.New(ctx, store, log)
	if err != nil {
		return err
	}
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	transformers := transformer.NewManager(log)
	tracer := telemetry.NewTracer(cfg.Telemetry.MaxSpans, log)
	limiters := ratelimit.NewRegistry()

	var oauthMgr *oauth.Manager
	if len(cfg.OAuth) > 0 {
		oauthMgr = oauth.NewManager(store, cfg.OAuth, log)
	}

	// Upstream HTTP client with a shared DNS cache.
	resolver := &dnscache.Resolver{}
	client := provider.NewClient(resolver)
	go refreshDNS(ctx, resolver)

	rc := retry.DefaultConfig()
	if cfg.Retry.MaxRetries > 0 {
		rc.MaxRetries = cfg.Retry.MaxRetries
	}
	if cfg.Retry.BaseDelayMs > 0 {
		rc.BaseDelay = time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond
	}
	if cfg.Retry.MaxDelayMs > 0 {
		rc.MaxDelay = time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond
	}

	// Background workers.
	requestLogger := worker.NewRequestLogger(store, log,
		worker.WithBatchSize(cfg.Requests.BatchSize),
		worker.WithFlushInterval(time.Duration(cfg.Requests.FlushIntervalMs)*time.Millisecond))
	tees := proxy.NewTeePublisher(store, client, metrics, log)
	warmer := worker.NewCacheWarmer(store, balancer, cfg.Cache.WarmOnStartup, log)
	maintenance := worker.NewMaintenance(store, balancer, breakers, tracer, metrics, log)
	maintenance.SetLimiters(limiters)

	engine := proxy.NewEngine(proxy.Options{
		Store:        store,
		Balancer:     balancer,
		Router:       rt,
		Breakers:     breakers,
		Transformers: transformers,
		OAuth:        oauthMgr,
		CloudAuth:    cloudauth.NewManager(log),
		Tracer:       tracer,
		Metrics:      metrics,
		Logs:         requestLogger,
		Tees:         tees,
		Client:       client,
		Retry:        rc,
		Log:          log,
	})

	srv := server.New(server.Deps{
		Store:        store,
		Engine:       engine,
		Balancer:     balancer,
		Router:       rt,
		Breakers:     breakers,
		Transformers: transformers,
		Metrics:      metrics,
		Tracer:       tracer,
		OAuth:        oauthMgr,
		Warmer:       warmer,
		Limiters:     limiters,
		Config:       cfg,
		LogLevel:     logLevel,
		Version:      version,
		Start:        time.Now(),
		Log:          log,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	runner := worker.NewRunner(requestLogger, warmer, maintenance, tees)
	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("routex ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workersDone:
		return err
	}

	// Stop accepting traffic first, then let the workers drain their
	// queues, then close the store.
	shutdownCtx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer scancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	cancel()
	if err := <-workersDone; err != nil {
		log.Error("worker shutdown", "error", err)
	}

	log.Info("routex stopped")
	return nil
}

// refreshDNS re-resolves cached entries so long-lived connections keep
// following upstream DNS changes.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
