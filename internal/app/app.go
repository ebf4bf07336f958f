package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tiermigrate/internal/cache"
	"tiermigrate/internal/config"
	"tiermigrate/internal/ledger"
	"tiermigrate/internal/metrics"
	"tiermigrate/internal/router"
	"tiermigrate/internal/scheduler"
	"tiermigrate/internal/storage"
	"tiermigrate/internal/worker"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App wires the stores, ledger, migration worker, scheduler and read
// router into a runnable service.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	hot       *storage.SQLiteHotStore
	cold      storage.ColdStore
	ledger    *ledger.SQLiteStore
	cache     *cache.Cache
	meter     *metrics.Collector
	registry  *prometheus.Registry
	scheduler *scheduler.Scheduler
	handlers  *router.Handlers
}

// New builds the application from configuration.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	hot, err := storage.NewSQLiteHotStore(cfg.HotStore.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hot store: %w", err)
	}

	cold, err := storage.NewMinIOColdStore(storage.ColdConfig{
		Endpoint:  cfg.ColdStore.Endpoint,
		AccessKey: cfg.ColdStore.AccessKey,
		SecretKey: cfg.ColdStore.SecretKey,
		Bucket:    cfg.ColdStore.Bucket,
		Secure:    cfg.ColdStore.Secure,
	})
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("failed to create cold store client: %w", err)
	}

	led, err := ledger.NewSQLiteStore(cfg.Ledger.Path)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	meter := metrics.New()
	registry := prometheus.NewRegistry()
	meter.Register(registry)

	payloadCache := cache.New(cfg.Read.CacheCapacity, cfg.Read.CacheTTL())

	migrationWorker := worker.New(worker.Config{
		MaxRetries:   cfg.Archival.MaxRetries,
		RetryBackoff: cfg.Archival.RetryBackoff(),
	}, hot, cold, led, meter, logger)

	sched := scheduler.New(scheduler.Config{
		RetentionWindow: cfg.Archival.RetentionWindow(),
		BatchSize:       cfg.Archival.BatchSize,
		LeaseTTL:        cfg.Archival.LeaseTTL(),
	}, migrationWorker, led, led, meter, logger)

	readRouter := router.New(router.Config{
		MigratingRetryDelay: cfg.Read.MigratingRetryDelay(),
	}, hot, cold, led, payloadCache, meter, logger)

	handlers := router.NewHandlers(readRouter, hot, led, sched, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		hot:       hot,
		cold:      cold,
		ledger:    led,
		cache:     payloadCache,
		meter:     meter,
		registry:  registry,
		scheduler: sched,
		handlers:  handlers,
	}, nil
}

// RunArchivalPass runs a single migration pass with the configured
// cutoff and batch size.
func (a *App) RunArchivalPass(ctx context.Context) (*scheduler.PassResult, error) {
	return a.scheduler.RunPass(ctx, 0, 0)
}

// ListFailed returns records awaiting operator triage.
func (a *App) ListFailed(ctx context.Context) ([]*ledger.Entry, error) {
	return a.ledger.ListFailed(ctx)
}

// RetryFailed resets a Failed record so the next pass re-attempts it.
func (a *App) RetryFailed(ctx context.Context, id string) error {
	return a.ledger.RetryFailed(ctx, id)
}

// Serve runs the read-facing API, the metrics endpoint and, when a
// schedule is configured, the periodic archival trigger, until ctx is
// cancelled.
func (a *App) Serve(ctx context.Context) error {
	r := mux.NewRouter()
	a.handlers.RegisterRoutes(r)

	apiServer := &http.Server{
		Addr:         a.cfg.Server.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(a.registry))
	metricsServer := &http.Server{
		Addr:    a.cfg.Server.MetricsAddr,
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		a.logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	var scheduled *cron.Cron
	if a.cfg.Archival.Schedule != "" {
		scheduled = cron.New()
		_, err := scheduled.AddFunc(a.cfg.Archival.Schedule, func() {
			if _, err := a.RunArchivalPass(context.Background()); err != nil {
				a.logger.Error("Scheduled archival pass failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid archival schedule %q: %w", a.cfg.Archival.Schedule, err)
		}
		scheduled.Start()
		a.logger.Info("Archival schedule enabled", zap.String("schedule", a.cfg.Archival.Schedule))
	}

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case err = <-errCh:
	}

	if scheduled != nil {
		// Let an in-flight scheduled pass finish its current batch.
		<-scheduled.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("API server shutdown error", zap.Error(serr))
	}
	if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("Metrics server shutdown error", zap.Error(serr))
	}
	return err
}

// Close releases store resources.
func (a *App) Close() error {
	var errs []error
	if a.hot != nil {
		if err := a.hot.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
