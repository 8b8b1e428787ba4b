// Package main provides the API server entry point for the LP portfolio reader.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lp-portfolio/internal/api"
	"github.com/lp-portfolio/internal/config"
	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/querycache"
	"github.com/lp-portfolio/internal/retry"
	"github.com/lp-portfolio/internal/service"
	"github.com/lp-portfolio/internal/types"
)

func main() {
	fmt.Println("LP Portfolio API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logFormat, err := logging.ParseLogFormat(cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Invalid log format: %v", err)
	}
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Instrumentation
	monitor := metrics.NewMonitor()
	var prom *metrics.Prometheus
	var instr metrics.Instrumentation = monitor
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus(cfg.Metrics.Namespace)
		instr = metrics.Multi{monitor, prom}
	}

	// Read path: shared cache, remote endpoints, local backup
	logger.Info("Initializing read path...")
	components, err := service.Build(context.Background(), cfg, instr)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize read path")
	}
	components.Resolver.SetErrorSink(func(task string, key types.PortfolioKey, err error) {
		logger.WithError(err).WithFields(map[string]interface{}{
			"task": task,
			"key":  key.String(),
		}).Warn("Background write failed")
	})

	resolver := components.Resolver
	queries := querycache.New(querycache.ResolverFunc(func(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error) {
		return resolver.Resolve(ctx, key), nil
	}), querycache.Config{
		StaleTime:       cfg.Query.StaleTime,
		GCTime:          cfg.Query.GCTime,
		RefetchInterval: cfg.Query.RefetchInterval,
		Retry: &retry.RetryConfig{
			MaxAttempts:  cfg.Query.Retries + 1,
			InitialDelay: cfg.Query.RetryDelay,
			MaxDelay:     cfg.Query.MaxRetryDelay,
			Multiplier:   2.0,
			ShouldRetry:  apperrors.IsRecoverable,
		},
		Instrumentation: instr,
	})
	queries.Start()

	logger.Info("Services initialized")

	server := api.NewServer(&api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, api.Dependencies{
		Queries:    queries,
		Monitor:    monitor,
		Prometheus: prom,
		Breakers:   components.Fetcher,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":      cfg.Server.Host,
		"port":      cfg.Server.Port,
		"endpoints": len(cfg.Endpoints.URLs),
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := queries.Close(ctx); err != nil {
		logger.WithError(err).Warn("Query cache did not drain")
	}
	if err := components.Close(ctx); err != nil {
		logger.WithError(err).Warn("Read path did not close cleanly")
	}

	logger.Info("Server exited")
}
