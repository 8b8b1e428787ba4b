package service

import (
	"context"
	"fmt"
	"time"

	"github.com/lp-portfolio/internal/adapter"
	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/types"
)

// Dependency interfaces for injection

// RemoteCache is the shared cache tier
type RemoteCache interface {
	Get(ctx context.Context, key types.PortfolioKey) (*types.PortfolioSnapshot, bool, error)
	Set(ctx context.Context, key types.PortfolioKey, snapshot *types.PortfolioSnapshot, ttl time.Duration) error
}

// EndpointFetcher is the ordered remote endpoint tier
type EndpointFetcher interface {
	Fetch(ctx context.Context, key types.PortfolioKey) (*adapter.FetchResult, error)
}

// BackupStore is the local tier of last resort
type BackupStore interface {
	Save(ctx context.Context, key types.PortfolioKey, snapshot *types.PortfolioSnapshot) error
	Load(ctx context.Context, key types.PortfolioKey) (*types.BackupRecord, error)
}

// ResolverConfig holds the resolver's time bounds
type ResolverConfig struct {
	CacheGetTimeout time.Duration // Client-side bound on a cache read
	CacheTTL        time.Duration // TTL for snapshots written back to the cache
	WriteTimeout    time.Duration // Bound on each background write
	BackupTimeout   time.Duration // Bound on a backup read
}

// DefaultResolverConfig returns the standard bounds
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		CacheGetTimeout: 2 * time.Second,
		CacheTTL:        5 * time.Minute,
		WriteTimeout:    5 * time.Second,
		BackupTimeout:   5 * time.Second,
	}
}

// PortfolioResolver walks cache, endpoints, backup and finally the empty
// snapshot. Resolve never fails: every tier error degrades to the next tier.
type PortfolioResolver struct {
	cache   RemoteCache
	fetcher EndpointFetcher
	backup  BackupStore
	instr   metrics.Instrumentation
	cfg     ResolverConfig
	tasks   *backgroundTasks
	now     func() time.Time
}

// NewPortfolioResolver creates a resolver. Any tier may be nil, in which
// case it is skipped.
func NewPortfolioResolver(
	cache RemoteCache,
	fetcher EndpointFetcher,
	backup BackupStore,
	instr metrics.Instrumentation,
	cfg ResolverConfig,
) *PortfolioResolver {
	defaults := DefaultResolverConfig()
	if cfg.CacheGetTimeout <= 0 {
		cfg.CacheGetTimeout = defaults.CacheGetTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.BackupTimeout <= 0 {
		cfg.BackupTimeout = defaults.BackupTimeout
	}

	r := &PortfolioResolver{
		cache:   cache,
		fetcher: fetcher,
		backup:  backup,
		instr:   metrics.Safe(instr),
		cfg:     cfg,
		now:     time.Now,
	}
	r.tasks = newBackgroundTasks(cfg.WriteTimeout, r.defaultSink)
	return r
}

// SetErrorSink replaces the handler for background write failures
func (r *PortfolioResolver) SetErrorSink(sink ErrorSink) {
	r.tasks.setSink(sink)
}

func (r *PortfolioResolver) defaultSink(task string, key types.PortfolioKey, err error) {
	r.instr.RecordMetric(metrics.BackgroundError, 1)
	logging.GetGlobalLogger().Component("resolver").WithError(err).WithFields(map[string]interface{}{
		"task": task,
		"key":  key.String(),
	}).Warn("Background write failed")
}

// Resolve returns the best available snapshot for key
func (r *PortfolioResolver) Resolve(ctx context.Context, key types.PortfolioKey) (outcome *types.ResolutionOutcome) {
	key = key.Normalize()
	logger := logging.FromContext(ctx).Component("resolver").WithField("key", key.String())

	stop := r.instr.StartTimer(metrics.TimerResolve)
	defer stop()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Resolver panicked, returning empty snapshot: %v", rec)
			outcome = types.Empty()
		}
	}()

	if !key.IsValid() {
		logger.Warn("Blank portfolio key, returning empty snapshot")
		return types.Empty()
	}

	if snapshot, ok := r.fromCache(ctx, key, logger); ok {
		return types.CacheHit(snapshot)
	}

	if result, ok := r.fromEndpoints(ctx, key, logger); ok {
		outcome = types.RemoteHit(result.Snapshot, result.Source)
		r.persist(key, outcome.Snapshot)
		return outcome
	}

	if record, ok := r.fromBackup(ctx, key, logger); ok {
		return types.BackupHit(record.Snapshot, record.Age(r.now()))
	}

	r.instr.RecordMetric(metrics.EmptyFallback, 1)
	logger.Warn("No tier produced data, returning empty snapshot")
	return types.Empty()
}

// Wait blocks until background writes have finished
func (r *PortfolioResolver) Wait() {
	r.tasks.Wait()
}

// WaitContext waits for background writes or until ctx is done
func (r *PortfolioResolver) WaitContext(ctx context.Context) error {
	return r.tasks.WaitContext(ctx)
}

// fromCache reads the shared cache under its own bound. The read runs in
// its own goroutine so a cache that ignores cancellation cannot hold the
// caller past the bound.
func (r *PortfolioResolver) fromCache(ctx context.Context, key types.PortfolioKey, logger *logging.Logger) (*types.PortfolioSnapshot, bool) {
	if r.cache == nil {
		return nil, false
	}

	stop := r.instr.StartTimer(metrics.TimerCacheGet)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CacheGetTimeout)
	defer cancel()

	type cacheResult struct {
		snapshot *types.PortfolioSnapshot
		found    bool
		err      error
	}
	ch := make(chan cacheResult, 1)

	go func() {
		var res cacheResult
		res.err = guard("cache.get", func() error {
			var err error
			res.snapshot, res.found, err = r.cache.Get(ctx, key)
			return err
		})
		ch <- res
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			r.instr.RecordMetric(metrics.CacheError, 1)
			logger.WithError(res.err).Warn("Cache read failed, treating as miss")
			return nil, false
		}
		if !res.found || res.snapshot == nil {
			r.instr.RecordMetric(metrics.CacheMiss, 1)
			return nil, false
		}
		r.instr.RecordMetric(metrics.CacheHit, 1)
		return res.snapshot, true

	case <-ctx.Done():
		r.instr.RecordMetric(metrics.CacheError, 1)
		logger.WithError(apperrors.NewTimeoutError("cache", key.String(), ctx.Err())).Warn("Cache read exceeded its bound, treating as miss")
		return nil, false
	}
}

func (r *PortfolioResolver) fromEndpoints(ctx context.Context, key types.PortfolioKey, logger *logging.Logger) (*adapter.FetchResult, bool) {
	if r.fetcher == nil {
		return nil, false
	}

	var result *adapter.FetchResult
	err := guard("endpoints", func() error {
		var err error
		result, err = r.fetcher.Fetch(ctx, key)
		return err
	})
	if err != nil || result == nil || result.Snapshot == nil {
		logger.WithError(err).Warn("All endpoints failed, falling back to local backup")
		return nil, false
	}
	return result, true
}

// persist writes a remote result to the cache and the backup without
// holding up the caller
func (r *PortfolioResolver) persist(key types.PortfolioKey, snapshot *types.PortfolioSnapshot) {
	if r.cache != nil {
		r.tasks.Go("cache.set", key, func(ctx context.Context) error {
			return r.cache.Set(ctx, key, snapshot, r.cfg.CacheTTL)
		})
	}
	if r.backup != nil {
		r.tasks.Go("backup.save", key, func(ctx context.Context) error {
			return r.backup.Save(ctx, key, snapshot)
		})
	}
}

// fromBackup reads the local backup. The read is detached from caller
// cancellation so that a caller that gave up on the remote tiers still
// gets the backup if it exists.
func (r *PortfolioResolver) fromBackup(ctx context.Context, key types.PortfolioKey, logger *logging.Logger) (*types.BackupRecord, bool) {
	if r.backup == nil {
		return nil, false
	}

	stop := r.instr.StartTimer(metrics.TimerBackupLoad)
	defer stop()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.BackupTimeout)
	defer cancel()

	var record *types.BackupRecord
	err := guard("backup.load", func() error {
		var err error
		record, err = r.backup.Load(ctx, key)
		return err
	})
	if err != nil {
		logger.WithError(err).Warn("Backup read failed")
		r.instr.RecordMetric(metrics.BackupMiss, 1)
		return nil, false
	}
	if record == nil || record.Snapshot == nil {
		r.instr.RecordMetric(metrics.BackupMiss, 1)
		return nil, false
	}

	r.instr.RecordMetric(metrics.BackupHit, 1)
	logger.WithField("age", record.Age(r.now()).String()).Info("Serving portfolio from local backup")
	return record, true
}

// guard runs fn and turns a panic into an error
func guard(tier string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("%s panicked: %v", tier, rec), nil)
		}
	}()
	return fn()
}
