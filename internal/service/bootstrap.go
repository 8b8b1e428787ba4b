package service

import (
	"context"
	"errors"

	"github.com/lp-portfolio/internal/adapter"
	"github.com/lp-portfolio/internal/circuitbreaker"
	"github.com/lp-portfolio/internal/config"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/storage"
)

// Components is the assembled read path and the resources behind it
type Components struct {
	Resolver *PortfolioResolver
	Fetcher  *adapter.FallbackFetcher
	Redis    *storage.RedisCache        // nil when disabled or unreachable
	Backup   *storage.SQLiteBackupStore // nil when it could not be opened
}

// Build assembles the resolver from configuration. An unreachable cache or
// an unopenable backup disables that tier with a warning; only an unusable
// endpoint list is fatal.
func Build(ctx context.Context, cfg *config.Config, instr metrics.Instrumentation) (*Components, error) {
	logger := logging.GetGlobalLogger().Component("bootstrap")
	c := &Components{}

	var cacheTier RemoteCache
	if cfg.Redis.Enabled {
		redis, err := storage.NewRedisCache(ctx, &cfg.Redis)
		if err != nil {
			logger.WithError(err).WithField("addr", cfg.Redis.Addr()).Warn("Redis unavailable, running without the shared cache")
		} else {
			c.Redis = redis
			cacheTier = storage.NewSnapshotCache(redis, cfg.Cache.TTL)
		}
	}

	var backupTier BackupStore
	if cfg.Backup.Path != "" {
		backup, err := storage.NewSQLiteBackupStore(cfg.Backup.Path, cfg.Backup.MaxAge)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.Backup.Path).Warn("Backup store unavailable, running without local backup")
		} else {
			c.Backup = backup
			backupTier = backup
		}
	}

	breaker := circuitbreaker.DefaultConfig("")
	if cfg.Endpoints.BreakerFailures > 0 {
		breaker.MaxFailures = cfg.Endpoints.BreakerFailures
	}
	if cfg.Endpoints.BreakerThreshold > 0 {
		breaker.FailureThreshold = cfg.Endpoints.BreakerThreshold
	}
	if cfg.Endpoints.BreakerTimeout > 0 {
		breaker.Timeout = cfg.Endpoints.BreakerTimeout
	}

	fetcher, err := adapter.NewFallbackFetcher(adapter.FetcherConfig{
		Endpoints:       cfg.Endpoints.URLs,
		Timeout:         cfg.Endpoints.Timeout,
		RatePerSecond:   cfg.Endpoints.RatePerSecond,
		Burst:           cfg.Endpoints.Burst,
		Headers:         cfg.Endpoints.Headers,
		Breakers:        circuitbreaker.NewManager(breaker),
		Instrumentation: instr,
	})
	if err != nil {
		_ = c.closeStores()
		return nil, err
	}
	c.Fetcher = fetcher

	c.Resolver = NewPortfolioResolver(cacheTier, fetcher, backupTier, instr, ResolverConfig{
		CacheGetTimeout: cfg.Cache.GetTimeout,
		CacheTTL:        cfg.Cache.TTL,
		WriteTimeout:    cfg.Cache.WriteTimeout,
	})

	logger.WithFields(map[string]interface{}{
		"endpoints": len(fetcher.Endpoints()),
		"cache":     cacheTier != nil,
		"backup":    backupTier != nil,
	}).Info("Read path assembled")

	return c, nil
}

// Close waits for background writes until ctx is done, then releases the
// cache connection and the backup database
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Resolver != nil {
		if err := c.Resolver.WaitContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Components) closeStores() error {
	var errs []error
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Backup != nil {
		errs = append(errs, c.Backup.Close())
	}
	return errors.Join(errs...)
}
