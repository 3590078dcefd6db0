package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/cache"
	"github.com/Rnwl/ml-pdf-splitter/internal/config"
	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/events"
	"github.com/Rnwl/ml-pdf-splitter/internal/executor"
	"github.com/Rnwl/ml-pdf-splitter/internal/handlers"
	"github.com/Rnwl/ml-pdf-splitter/internal/metrics"
	"github.com/Rnwl/ml-pdf-splitter/internal/orchestrator"
	"github.com/Rnwl/ml-pdf-splitter/internal/scheduler"
	"github.com/Rnwl/ml-pdf-splitter/internal/splitter"
	"github.com/Rnwl/ml-pdf-splitter/internal/tracing"
	"github.com/Rnwl/ml-pdf-splitter/internal/usecases"
	"github.com/Rnwl/ml-pdf-splitter/pkg/logger"
)

const (
	version             = "1.0.0"
	statsReportInterval = 30 * time.Second
)

// App holds every long-lived component and owns their start/stop order
type App struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	cache    *cache.ResultCache
	events   *events.Publisher
	usecase  *usecases.ExtractionUsecase
	server   *http.Server

	shutdownTracing func(context.Context) error

	initOnce sync.Once
	initErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewApp creates an uninitialised application
func NewApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize builds all components. It runs once; later calls return the first result.
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

func (a *App) doInitialize() error {
	configPath := os.Getenv("APP_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		if _, statErr := os.Stat(configPath); !os.IsNotExist(statErr) {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// no file: defaults and environment only
		if cfg, err = config.Load(""); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	a.config = cfg

	if err := cfg.Extractor.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	a.logger, err = logger.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger.Info("configuration loaded",
		zap.String("config_path", configPath),
		zap.String("server_host", cfg.Server.Host),
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("window", cfg.Engine.Window),
		zap.Int("limit", cfg.Engine.Limit),
	)

	a.shutdownTracing, err = tracing.Setup(a.ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	client, err := executor.NewClient(executor.Config{
		URL:          cfg.Extractor.URL,
		APIKey:       cfg.Extractor.APIKey,
		APIKeyHeader: cfg.Extractor.APIKeyHeader,
		BodyEncoding: cfg.Extractor.BodyEncoding,
		MaxConns:     cfg.Engine.Limit,
		DialTimeout:  cfg.Extractor.DialTimeout,
	}, a.logger, m)
	if err != nil {
		return fmt.Errorf("failed to create extraction client: %w", err)
	}

	engine := orchestrator.New(splitter.New(a.logger), client, orchestrator.Config{
		Window:       cfg.Engine.Window,
		SplitWorkers: cfg.Engine.SplitWorkers,
		Scheduler: scheduler.Config{
			Limit:       cfg.Engine.Limit,
			CallTimeout: cfg.Extractor.CallTimeout,
		},
	}, a.logger, m)

	var resultCache domain.ResultCache
	if cfg.Cache.Enabled {
		a.cache = cache.New(cache.Config{
			Shards:     cfg.Cache.Shards,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		})
		a.cache.StartCleanupWorker()
		resultCache = a.cache
	}

	var publisher domain.EventPublisher
	if cfg.NATS.URL != "" {
		ctx, cancel := context.WithTimeout(a.ctx, cfg.NATS.ConnectTimeout)
		a.events, err = events.Connect(ctx, events.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.ConnectTimeout,
		}, a.logger)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect event publisher: %w", err)
		}
		publisher = a.events
	}

	var sample []byte
	if cfg.Extractor.SamplePDF != "" {
		if sample, err = os.ReadFile(cfg.Extractor.SamplePDF); err != nil {
			return fmt.Errorf("failed to read sample document: %w", err)
		}
	}

	a.usecase = usecases.NewExtractionUsecase(engine, resultCache, publisher, m, a.logger, usecases.Config{
		Window:     cfg.Engine.Window,
		MaxBatches: cfg.Concurrency.MaxBatches,
		SamplePDF:  sample,
	})

	a.initializeServer()

	a.logger.Info("application initialized")
	return nil
}

func (a *App) initializeServer() {
	cfg := a.config
	handler := handlers.NewExtractionHandler(a.usecase, cfg.Server.MaxUploadMB<<20, a.logger)
	router := handlers.NewRouter(handler, a.registry, handlers.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxRequests:    cfg.Concurrency.HTTPMaxRequests,
		APIKey:         cfg.Server.APIKey,
	}, a.logger)

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// StartBackgroundJobs starts periodic reporting
func (a *App) StartBackgroundJobs() {
	if a.cache != nil {
		a.wg.Add(1)
		go a.reportCacheStats()
	}
}

// reportCacheStats logs cache occupancy and hit rate
func (a *App) reportCacheStats() {
	defer a.wg.Done()

	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			stats := a.cache.Stats()
			a.logger.Debug("result cache",
				zap.Int("entries", stats.Entries),
				zap.Int("expired", stats.Expired),
				zap.Int64("hits", stats.Hits),
				zap.Int64("misses", stats.Misses),
			)
		}
	}
}

// Start initializes the application if needed and starts serving
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("starting HTTP server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops accepting requests, lets running batches finish and releases resources
func (a *App) Shutdown() error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		if a.logger == nil {
			a.cancel()
			return
		}
		a.logger.Info("shutting down")

		timeout := a.config.Server.ShutdownTimeout
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Error("failed to stop HTTP server", zap.Error(err))
				shutdownErr = multierr.Append(shutdownErr, err)
			}
		}

		a.cancel()

		if a.usecase != nil {
			a.usecase.Shutdown()
		}
		if a.cache != nil {
			a.cache.StopCleanupWorker()
		}
		if a.events != nil {
			shutdownErr = multierr.Append(shutdownErr, a.events.Close())
		}
		if a.shutdownTracing != nil {
			shutdownErr = multierr.Append(shutdownErr, a.shutdownTracing(ctx))
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("timed out waiting for background jobs")
		}

		a.logger.Info("application stopped", zap.Error(shutdownErr))
		_ = a.logger.Sync()
	})

	return shutdownErr
}

func main() {
	app := NewApp()

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		_ = app.Shutdown()
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := app.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
}
