// Package main provides the entry point for the crawl worker.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/internal/browser"
	"github.com/shield4u/crawl-worker/internal/config"
	"github.com/shield4u/crawl-worker/internal/controller"
	"github.com/shield4u/crawl-worker/internal/dispatch"
	"github.com/shield4u/crawl-worker/internal/executor"
	"github.com/shield4u/crawl-worker/internal/handlers"
	"github.com/shield4u/crawl-worker/internal/health"
	"github.com/shield4u/crawl-worker/internal/metrics"
	"github.com/shield4u/crawl-worker/internal/middleware"
	"github.com/shield4u/crawl-worker/internal/policy"
	"github.com/shield4u/crawl-worker/internal/security"
	"github.com/shield4u/crawl-worker/internal/types"
	"github.com/shield4u/crawl-worker/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner()

	policies, err := policy.NewManager(cfg.PolicyPath, cfg.PolicyHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load crawl policy")
	}
	redactor := security.NewRedactor(policies)

	pool := browser.NewPool(browser.Config{
		MaxSessions:    cfg.MaxSessions,
		AcquireTimeout: cfg.AcquireTimeout,
		MaxSessionUses: cfg.SessionMaxUses,
		MaxSessionAge:  cfg.SessionMaxAge,
		LaunchRetries:  cfg.LaunchRetries,
		Headless:       cfg.Headless,
		BrowserPath:    cfg.BrowserPath,
		UserAgent:      cfg.UserAgent,
	})

	exec := executor.New(executor.NewBrowserPool(pool), redactor, policies)

	// The heartbeat snapshot closes over dsp and healthEval, which are
	// assigned below before anything starts sending.
	var dsp *dispatch.Dispatcher
	var healthEval *health.Evaluator
	startedAt := time.Now()
	statusFn := func() types.StatusResponse {
		verdict := healthEval.Current()
		return types.StatusResponse{
			Version:       version.Full(),
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
			Healthy:       verdict.Healthy,
			HealthReason:  verdict.Reason,
			Pool:          pool.Snapshot(),
			Queue:         dsp.Snapshot(),
		}
	}

	runner := dispatch.Runner(exec)
	var reporter *controller.Reporter
	if cfg.ControllerURL != "" {
		reporter = controller.New(cfg.ControllerURL, workerID(), cfg.HeartbeatInterval, statusFn)
		runner = reporter.WrapRunner(runner)
	}

	dsp = dispatch.New(runner, cfg.MaxInFlight)

	healthEval = health.New(pool, dsp, 0, 0)
	healthEval.Start()

	if reporter != nil {
		log.Info().
			Str("controller_url", cfg.ControllerURL).
			Dur("heartbeat_interval", cfg.HeartbeatInterval).
			Msg("Controller integration enabled")
		reporter.Start()
	}

	handler := handlers.New(dsp, pool, healthEval, cfg, policies, redactor)

	chain := middleware.Chain(
		middleware.Recovery,
		middleware.Logging(redactor),
		middleware.APIKey(cfg),
		middleware.Timeout(cfg.MaxTimeout+30*time.Second),
	)
	finalHandler := chain(handler.Router())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  cfg.MaxTimeout + 10*time.Second,
		WriteTimeout: cfg.MaxTimeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)
		go poolMetricsLoop(pool, dsp, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().
				Int("port", cfg.PrometheusPort).
				Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().
				Str("addr", pprofAddr).
				Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("max_sessions", cfg.MaxSessions).
			Int("max_in_flight", cfg.MaxInFlight).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Msg("Crawl worker is ready to accept jobs")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	if reporter != nil {
		reporter.Close()
	}
	healthEval.Close()
	policies.Close()

	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("Session pool close error")
	}

	log.Info().Msg("Shutdown complete")
}

// poolMetricsLoop keeps the Prometheus pool gauges in step with reality.
func poolMetricsLoop(pool *browser.Pool, dsp *dispatch.Dispatcher, stopCh <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			snap := pool.Snapshot()
			metrics.UpdatePoolMetrics(snap.MaxSessions, snap.Idle, snap.Busy, snap.Degraded)
			metrics.UpdateInFlight(dsp.InFlight())
		}
	}
}

// workerID identifies this worker instance to the controller.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return host + "-" + uuid.NewString()[:8]
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
  ___ _ __ __ ___      _| |_      _____  _ __| | _____ _ __
 / __| '__/ _' \ \ /\ / / \ \ /\ / / _ \| '__| |/ / _ \ '__|
| (__| | | (_| |\ V  V /| |\ V  V / (_) | |  |   <  __/ |
 \___|_|  \__,_| \_/\_/ |_| \_/\_/ \___/|_|  |_|\_\___|_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting crawl worker")
}
