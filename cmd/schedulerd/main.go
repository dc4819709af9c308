package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/studykit/scheduler/internal/config"
	"github.com/studykit/scheduler/internal/health"
	"github.com/studykit/scheduler/internal/httpapi"
	"github.com/studykit/scheduler/internal/lock"
	_ "github.com/studykit/scheduler/internal/metrics" // Import for side effects
	"github.com/studykit/scheduler/internal/resolver"
	"github.com/studykit/scheduler/internal/scheduler"
	"github.com/studykit/scheduler/internal/store"
	"github.com/studykit/scheduler/internal/tracing"
	"github.com/studykit/scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Observability.Tracing, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Persistence
	pg, err := store.NewPostgres(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize activity store", zap.Error(err))
	}
	defer pg.Close()
	reference := store.NewReference(pg)

	// Distributed locks
	locks, err := lock.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize lock coordinator", zap.Error(err))
	}
	defer locks.Close()

	// Scheduling pipeline
	res := resolver.New(reference, reference, reference, logger)
	generator := scheduler.NewGenerator(reference, res, reference, reference, logger)
	service := scheduler.NewService(generator, pg, pg, reference, &cfg.Scheduling, logger)

	// Background recompute
	recompute := worker.New(generator, pg, reference, locks, &cfg.Worker, logger)
	pool := worker.NewPool(recompute, &cfg.WorkerPool, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	// HTTP surface: API, event ingest, metrics, health
	hm := health.NewManager(logger)
	hm.Register(health.NewDatabaseChecker(pg.DB()))
	hm.Register(health.NewRedisChecker(locks.Client()))

	mux := http.NewServeMux()
	httpapi.NewActivitiesHandler(service, logger).RegisterRoutes(mux)
	httpapi.NewEventsHandler(pool, logger, os.Getenv("STUDYSCHED_EVENTS_TOKEN")).RegisterRoutes(mux)
	hm.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Observability.MetricsPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("Scheduler service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down scheduler service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down admin HTTP server", zap.Error(err))
	}
	pool.Stop()
	cancel()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
