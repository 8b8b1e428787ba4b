package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/retry"
	"github.com/lp-portfolio/internal/types"
)

// KeyPrefix namespaces query identities
const KeyPrefix = "lp-positions:"

// ErrClosed is returned by Get and Subscribe after Close
var ErrClosed = errors.New("query cache closed")

// Resolver produces a fresh outcome for a key
type Resolver interface {
	Resolve(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error)

// Resolve calls f(ctx, key)
func (f ResolverFunc) Resolve(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error) {
	return f(ctx, key)
}

// Status is the lifecycle state of one query
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusFailed  Status = "failed"
)

// Config holds the staleness, eviction, refresh and retry policy
type Config struct {
	StaleTime       time.Duration // Age after which data is served but refreshed
	GCTime          time.Duration // Idle time after which an unsubscribed entry is dropped
	RefetchInterval time.Duration // Refresh period while a key has subscribers
	Retry           *retry.RetryConfig
	Instrumentation metrics.Instrumentation
}

// DefaultConfig returns the standard query policy
func DefaultConfig() Config {
	return Config{
		StaleTime:       5 * time.Minute,
		GCTime:          30 * time.Minute,
		RefetchInterval: 60 * time.Second,
		Retry:           retry.DefaultRetryConfig(),
	}
}

// State is a point-in-time view of one query
type State struct {
	Key         string                   `json:"key"`
	Status      Status                   `json:"status"`
	Outcome     *types.ResolutionOutcome `json:"outcome,omitempty"`
	Err         error                    `json:"-"`
	UpdatedAt   time.Time                `json:"updatedAt"`
	Subscribers int                      `json:"subscribers"`
}

// Stats holds query cache counters
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServes int64 `json:"staleServes"`
	DedupJoins  int64 `json:"dedupJoins"`
	Resolves    int64 `json:"resolves"`
	Failures    int64 `json:"failures"`
	Entries     int   `json:"entries"`
	Subscribers int   `json:"subscribers"`
}

// flight is one resolution. done is closed once outcome and err are set,
// which releases every waiter at once. generation is the entry generation
// the flight was started for.
type flight struct {
	done       chan struct{}
	generation uint64
	outcome    *types.ResolutionOutcome
	err        error
}

type entry struct {
	key        types.PortfolioKey
	outcome    *types.ResolutionOutcome
	err        error
	updatedAt  time.Time
	lastAccess time.Time
	generation uint64
	flight     *flight // running resolution, possibly superseded
	next       *flight // queued behind a superseded flight, not yet started

	subscribers map[uint64]chan *types.ResolutionOutcome
	refreshID   cron.EntryID
}

// QueryCache deduplicates, caches and refreshes portfolio resolutions.
// All entry state is guarded by mu, which is never held across a resolve.
type QueryCache struct {
	resolver Resolver
	cfg      Config
	instr    metrics.Instrumentation
	logger   *logging.Logger
	now      func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	nextSubID uint64
	closed    bool

	cron    *cron.Cron
	gcID    cron.EntryID
	baseCtx context.Context
	cancel  context.CancelFunc
	flights sync.WaitGroup

	hits        atomic.Int64
	misses      atomic.Int64
	staleServes atomic.Int64
	dedupJoins  atomic.Int64
	resolves    atomic.Int64
	failures    atomic.Int64
}

// New creates a query cache in front of resolver. Call Start to begin
// scheduled refreshes and eviction.
func New(resolver Resolver, cfg Config) *QueryCache {
	defaults := DefaultConfig()
	if cfg.StaleTime <= 0 {
		cfg.StaleTime = defaults.StaleTime
	}
	if cfg.GCTime <= 0 {
		cfg.GCTime = defaults.GCTime
	}
	if cfg.RefetchInterval <= 0 {
		cfg.RefetchInterval = defaults.RefetchInterval
	}
	if cfg.Retry == nil {
		cfg.Retry = defaults.Retry
	}

	logger := logging.GetGlobalLogger().Component("query_cache")
	baseCtx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))

	q := &QueryCache{
		resolver: resolver,
		cfg:      cfg,
		instr:    metrics.Safe(cfg.Instrumentation),
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		cron:     cron.New(),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	gcEvery := time.Minute
	if cfg.GCTime < gcEvery {
		gcEvery = cfg.GCTime
	}
	q.gcID = q.cron.Schedule(cron.Every(gcEvery), cron.FuncJob(q.collect))
	return q
}

// QueryKey returns the identity of key's query
func QueryKey(key types.PortfolioKey) string {
	return KeyPrefix + string(key.Normalize())
}

// Start runs the refresh and eviction schedule
func (q *QueryCache) Start() {
	q.cron.Start()
	q.logger.Info("Query cache scheduler started")
}

// Get returns the cached outcome for key, resolving it if nothing usable is
// cached. Stale data is returned immediately while one refresh runs in the
// background. ctx bounds only this caller's wait; the shared resolution
// keeps running for other waiters.
func (q *QueryCache) Get(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error) {
	key = key.Normalize()
	if !key.IsValid() {
		return nil, apperrors.NewInvalidKeyError(string(key))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, apperrors.NewServiceUnavailableError("query cache", ErrClosed)
	}

	e := q.entryLocked(key)
	now := q.now()
	e.lastAccess = now

	if e.outcome != nil {
		if now.Sub(e.updatedAt) < q.cfg.StaleTime {
			q.hits.Add(1)
			outcome := e.outcome
			q.mu.Unlock()
			return outcome, nil
		}
		q.staleServes.Add(1)
		q.flightLocked(e)
		outcome := e.outcome
		q.mu.Unlock()
		return outcome, nil
	}

	f, joined := q.flightLocked(e)
	if joined {
		q.dedupJoins.Add(1)
	} else {
		q.misses.Add(1)
	}
	q.mu.Unlock()

	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the current state of key's query without triggering a
// resolution
func (q *QueryCache) Peek(key types.PortfolioKey) State {
	key = key.Normalize()
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[QueryKey(key)]
	if !ok {
		return State{Key: QueryKey(key), Status: StatusIdle}
	}
	return q.stateLocked(e)
}

// Invalidate drops cached data for key. A resolution already in flight is
// superseded: its waiters still get its result but it is not stored, and
// the next resolution for the key starts only after it finishes. Keys with
// subscribers are re-fetched as soon as possible.
func (q *QueryCache) Invalidate(key types.PortfolioKey) {
	key = key.Normalize()
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[QueryKey(key)]
	if !ok {
		return
	}
	e.generation++
	e.outcome = nil
	e.err = nil
	e.updatedAt = time.Time{}

	q.logger.WithFields(map[string]interface{}{
		"key":         key.String(),
		"subscribers": len(e.subscribers),
	}).Info("Query invalidated")

	if len(e.subscribers) > 0 && !q.closed {
		q.flightLocked(e)
	}
}

// Stats returns a snapshot of the counters
func (q *QueryCache) Stats() Stats {
	q.mu.Lock()
	entries := len(q.entries)
	subscribers := 0
	for _, e := range q.entries {
		subscribers += len(e.subscribers)
	}
	q.mu.Unlock()

	return Stats{
		Hits:        q.hits.Load(),
		Misses:      q.misses.Load(),
		StaleServes: q.staleServes.Load(),
		DedupJoins:  q.dedupJoins.Load(),
		Resolves:    q.resolves.Load(),
		Failures:    q.failures.Load(),
		Entries:     entries,
		Subscribers: subscribers,
	}
}

// Close stops the scheduler, closes every subscription and waits for
// resolutions in flight until ctx is done
func (q *QueryCache) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, e := range q.entries {
		for id, ch := range e.subscribers {
			delete(e.subscribers, id)
			close(ch)
		}
	}
	q.mu.Unlock()

	stopped := q.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		q.flights.Wait()
		close(done)
	}()

	defer q.cancel()
	select {
	case <-done:
		q.logger.Info("Query cache closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("query cache close: %w", ctx.Err())
	}
}

func (q *QueryCache) entryLocked(key types.PortfolioKey) *entry {
	id := QueryKey(key)
	e, ok := q.entries[id]
	if !ok {
		e = &entry{key: key, subscribers: make(map[uint64]chan *types.ResolutionOutcome)}
		q.entries[id] = e
	}
	return e
}

func (q *QueryCache) stateLocked(e *entry) State {
	state := State{
		Key:         QueryKey(e.key),
		Outcome:     e.outcome,
		Err:         e.err,
		UpdatedAt:   e.updatedAt,
		Subscribers: len(e.subscribers),
	}
	switch {
	case e.err != nil:
		state.Status = StatusFailed
	case e.outcome != nil && q.now().Sub(e.updatedAt) < q.cfg.StaleTime:
		state.Status = StatusFresh
	case e.outcome != nil:
		state.Status = StatusStale
	case e.flight != nil:
		state.Status = StatusLoading
	default:
		state.Status = StatusIdle
	}
	return state
}

// flightLocked returns the resolution that will produce e's current
// generation. joined is false when the caller caused it to exist. At most
// one resolution per key runs at a time: behind a superseded flight a
// follow-up is queued and started when that flight finishes.
func (q *QueryCache) flightLocked(e *entry) (f *flight, joined bool) {
	switch {
	case e.flight == nil:
		return q.startFlightLocked(e, nil), false
	case e.flight.generation == e.generation:
		return e.flight, true
	case e.next != nil:
		return e.next, true
	default:
		e.next = &flight{done: make(chan struct{})}
		return e.next, false
	}
}

// startFlightLocked runs f (or a new flight) for e on the cache's own
// context
func (q *QueryCache) startFlightLocked(e *entry, f *flight) *flight {
	if f == nil {
		f = &flight{done: make(chan struct{})}
	}
	f.generation = e.generation
	e.flight = f
	key := e.key

	q.resolves.Add(1)
	q.flights.Add(1)
	go func() {
		defer q.flights.Done()
		outcome, err := q.resolveWithRetry(key)
		q.finish(key, f, outcome, err)
	}()
	return f
}

func (q *QueryCache) resolveWithRetry(key types.PortfolioKey) (*types.ResolutionOutcome, error) {
	ctx := logging.WithLogger(q.baseCtx, q.logger.WithField("key", key.String()))

	outcome, result := retry.Do(ctx, q.cfg.Retry, func(ctx context.Context, attempt int) (*types.ResolutionOutcome, error) {
		if attempt > 1 {
			q.instr.RecordMetric(metrics.QueryRetry, 1)
		}
		return q.safeResolve(ctx, key)
	})
	if err := result.Err(); err != nil {
		return nil, err
	}
	return outcome, nil
}

// safeResolve calls the resolver and turns a panic into a recoverable error
func (q *QueryCache) safeResolve(ctx context.Context, key types.PortfolioKey) (outcome *types.ResolutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = apperrors.NewInternalError(fmt.Sprintf("resolver panicked: %v", r), nil)
		}
	}()
	outcome, err = q.resolver.Resolve(ctx, key)
	if err == nil && outcome == nil {
		outcome = types.Empty()
	}
	return outcome, err
}

// finish stores a completed resolution and releases its waiters. A result
// from a superseded flight is delivered but not stored, and an empty
// outcome never replaces good data.
func (q *QueryCache) finish(key types.PortfolioKey, f *flight, outcome *types.ResolutionOutcome, err error) {
	q.mu.Lock()
	defer func() {
		q.mu.Unlock()
		close(f.done)
	}()

	f.outcome, f.err = outcome, err
	logger := q.logger.WithField("key", key.String())

	e, ok := q.entries[QueryKey(key)]
	if !ok || e.flight != f {
		logger.Debug("Discarding result of detached resolution")
		return
	}
	e.flight = nil

	if f.generation != e.generation {
		logger.Debug("Discarding result of superseded resolution")
		if next := e.next; next != nil {
			e.next = nil
			q.startFlightLocked(e, next)
		}
		return
	}

	if err != nil {
		q.failures.Add(1)
		e.err = err
		logger.WithError(err).Warn("Query resolution failed")
		if e.outcome != nil {
			f.outcome, f.err = e.outcome, nil
		}
		return
	}

	e.err = nil
	if outcome.IsEmpty() && e.outcome != nil && !e.outcome.IsEmpty() {
		logger.Warn("Empty result ignored, keeping previous data")
		f.outcome = e.outcome
		return
	}

	e.outcome = outcome
	e.updatedAt = q.now()
	q.notifyLocked(e)
}

func (q *QueryCache) notifyLocked(e *entry) {
	for _, ch := range e.subscribers {
		offer(ch, e.outcome)
	}
}

// offer replaces any undelivered value in ch with outcome
func offer(ch chan *types.ResolutionOutcome, outcome *types.ResolutionOutcome) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- outcome:
	default:
	}
}

// refresh re-resolves a subscribed key unless a resolution is already
// running
func (q *QueryCache) refresh(key types.PortfolioKey) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[QueryKey(key)]
	if !ok || q.closed || len(e.subscribers) == 0 || e.flight != nil {
		return
	}
	q.startFlightLocked(e, nil)
}

// collect drops entries that nobody has read or subscribed to for GCTime
func (q *QueryCache) collect() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	evicted := 0
	for id, e := range q.entries {
		if len(e.subscribers) > 0 || e.flight != nil {
			continue
		}
		if now.Sub(e.lastAccess) >= q.cfg.GCTime {
			delete(q.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		q.logger.WithField("evicted", evicted).Debug("Evicted idle queries")
	}
}
