package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/ritual/internal/adapters/http/api"
	"github.com/okian/ritual/internal/adapters/http/swagger"
	"github.com/okian/ritual/internal/adapters/notify"
	"github.com/okian/ritual/internal/adapters/repository"
	app "github.com/okian/ritual/internal/app"
	"github.com/okian/ritual/internal/config"
	"github.com/okian/ritual/internal/domain/reconcile"
	"github.com/okian/ritual/internal/generation"
	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTP server timeout constants.
const (
	writeTimeoutSlack         = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

// Store drivers and generators accepted in configuration.
const (
	driverMemory = "memory"
	driverSQLite = "sqlite"

	generatorSimulated = "simulated"
	generatorGemini    = "gemini"
	generatorOpenAI    = "openai"
)

var errUnknownSetting = errors.New("unknown setting")

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize logging
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}
	defer func() { _ = logger.Sync() }()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return
	}

	// Re-initialize with the configured format, then apply the level
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}
	loggerInstance := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		loggerInstance.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	metrics.Configure(metricsOptions(cfg)...)

	svc, err := newService(ctx, cfg, loggerInstance)
	if err != nil {
		loggerInstance.Error(ctx, "failed to build service", logger.Error(err))
		return
	}
	if err := svc.Start(ctx); err != nil {
		loggerInstance.Error(ctx, "failed to start service", logger.Error(err))
		return
	}
	defer svc.Stop()

	if cfg.AuthSecret == config.DefaultAuthSecret {
		loggerInstance.Warn(ctx, "using the development auth secret; set RITUAL_AUTH_SECRET")
	}

	// Start system metrics updater
	go startSystemMetricsUpdater(ctx)

	// Start service metrics updater
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(ctx, cfg, svc, loggerInstance),
		ReadTimeout:       cfg.ReadTimeout(),
		WriteTimeout:      cfg.GenerationWait() + writeTimeoutSlack,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// Start the HTTP server
	go func() {
		loggerInstance.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			loggerInstance.Error(ctx, "HTTP server failed", logger.Error(err))
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	loggerInstance.Info(ctx, "shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		loggerInstance.Error(ctx, "server shutdown failed", logger.Error(err))
	}

	loggerInstance.Info(ctx, "server stopped")
}

// newService wires the store, broker and provider chosen in cfg.
func newService(ctx context.Context, cfg *config.Config, log logger.Logger) (*app.Service, error) {
	rule, err := reconcile.ParsePickerRule(cfg.PickerRule)
	if err != nil {
		return nil, err
	}

	broker := notify.NewBroker(notify.WithLogger(log.Named("notify")))

	var store repository.Store
	switch cfg.StoreDriver {
	case driverMemory, "":
		store = repository.NewMemoryStore(repository.WithChangeHook(broker.OnChange))
	case driverSQLite:
		store, err = repository.OpenSQLite(ctx, cfg.SQLitePath, repository.WithChangeHook(broker.OnChange))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: store_driver %q", errUnknownSetting, cfg.StoreDriver)
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return app.New(
		app.WithLogger(log),
		app.WithStore(store),
		app.WithBroker(broker),
		app.WithProvider(provider),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithMaxAttempts(cfg.GenerationMaxAttempts),
		app.WithGenerationWait(cfg.GenerationWait()),
		app.WithGenerationTimeout(cfg.GenerationTimeout()),
		app.WithClaimStaleAfter(cfg.ClaimStaleAfter()),
		app.WithRateLimit(cfg.GenerationRatePerMinute),
		app.WithPickerRule(rule),
		app.WithLocation(cfg.Location()),
	), nil
}

// newProvider builds the generation backend named by cfg.Generator.
func newProvider(ctx context.Context, cfg *config.Config) (generation.Provider, error) {
	switch cfg.Generator {
	case generatorSimulated, "":
		return generation.NewSimulatedProvider(generation.WithLatencyRange(
			time.Duration(cfg.SimLatencyMinMS)*time.Millisecond,
			time.Duration(cfg.SimLatencyMaxMS)*time.Millisecond,
		)), nil
	case generatorGemini:
		return generation.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case generatorOpenAI:
		return generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	default:
		return nil, fmt.Errorf("%w: generator %q", errUnknownSetting, cfg.Generator)
	}
}

// newMux registers the docs and the business API.
func newMux(ctx context.Context, cfg *config.Config, svc *app.Service, log logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	// Register API docs under /api-docs
	swagger.Register(ctx, mux)

	// Register business API routes with the service dependency.
	api.NewServer(svc, svc,
		api.WithAuthSecret(cfg.AuthSecret),
		api.WithLogger(log.Named("http")),
	).Register(ctx, mux)
	return mux
}

// metricsOptions maps the metrics settings onto manager options.
func metricsOptions(cfg *config.Config) []metrics.Option {
	return []metrics.Option{
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithSubsystem(cfg.MetricsSubsystem),
		metrics.WithHistogramBuckets(cfg.MetricsLatencyBucketsMS),
	}
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater starts a background goroutine that updates service metrics.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)

	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics updates service-level metrics.
func updateServiceMetrics(svc *app.Service) {
	// GetStats refreshes the queue, subscriber and worker gauges itself.
	stats := svc.GetStats()

	if queueLen, ok := stats["queueLength"].(int); ok {
		metrics.UpdateQueueSize(queueLen)
	}
	if subscribers, ok := stats["subscribers"].(int); ok {
		metrics.UpdateSubscriberCount(subscribers)
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerCount(workerCount)
	}
}
