package querycache

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/retry"
	"github.com/lp-portfolio/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedResolver answers each call with the next step of its script,
// repeating the last one. A call blocks while gate is set and open.
type scriptedResolver struct {
	mu    sync.Mutex
	steps []func() (*types.ResolutionOutcome, error)
	gate  chan struct{}
	calls atomic.Int32
}

func (r *scriptedResolver) Resolve(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error) {
	n := int(r.calls.Add(1))

	r.mu.Lock()
	gate := r.gate
	step := r.steps[len(r.steps)-1]
	if n <= len(r.steps) {
		step = r.steps[n-1]
	}
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return step()
}

func (r *scriptedResolver) setGate(gate chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = gate
}

func returns(outcome *types.ResolutionOutcome) func() (*types.ResolutionOutcome, error) {
	return func() (*types.ResolutionOutcome, error) { return outcome, nil }
}

func fails(err error) func() (*types.ResolutionOutcome, error) {
	return func() (*types.ResolutionOutcome, error) { return nil, err }
}

func remote(mint string) *types.ResolutionOutcome {
	return types.RemoteHit(&types.PortfolioSnapshot{
		LPPositions: []types.Position{{Mint: mint, Protocol: "orca", Amount: "1"}},
	}, "https://a.example")
}

func fastRetry() *retry.RetryConfig {
	cfg := retry.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestCache(t *testing.T, r Resolver) (*QueryCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	q := New(r, Config{Retry: fastRetry()})
	q.now = clock.Now
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q, clock
}

func TestQueryKey(t *testing.T) {
	assert.Equal(t, "lp-positions:Wallet1", QueryKey("  Wallet1 "))
	assert.NotEqual(t, QueryKey("wallet1"), QueryKey("Wallet1"), "keys are case-sensitive")
}

func TestGet_DeduplicatesConcurrentCallers(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("M1"))}}
	gate := make(chan struct{})
	r.setGate(gate)
	q, _ := newTestCache(t, r)

	const callers = 10
	results := make([]*types.ResolutionOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := q.Get(context.Background(), "Wallet1")
			assert.NoError(t, err)
			results[i] = outcome
		}(i)
	}

	require.Eventually(t, func() bool {
		return q.Stats().DedupJoins == callers-1
	}, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load(), "one resolution for all callers")
	for _, outcome := range results {
		assert.Same(t, results[0], outcome)
	}
	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Resolves)
}

func TestGet_FreshDataIsServedFromMemory(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("M1"))}}
	q, clock := newTestCache(t, r)

	first, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	second, err := q.Get(context.Background(), " Wallet1 ")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int64(1), q.Stats().Hits)
	assert.Equal(t, StatusFresh, q.Peek("Wallet1").Status)
}

func TestGet_StaleWhileRevalidate(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){
		returns(remote("OLD")),
		returns(remote("NEW")),
	}}
	q, clock := newTestCache(t, r)

	_, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, StatusStale, q.Peek("Wallet1").Status)

	gate := make(chan struct{})
	r.setGate(gate)
	for i := 0; i < 5; i++ {
		outcome, err := q.Get(context.Background(), "Wallet1")
		require.NoError(t, err)
		assert.Equal(t, "OLD", outcome.Snapshot.LPPositions[0].Mint, "stale data is served at once")
	}
	close(gate)
	q.flights.Wait()

	assert.Equal(t, int32(2), r.calls.Load(), "exactly one background refresh")
	assert.Equal(t, int64(5), q.Stats().StaleServes)

	outcome, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)
	assert.Equal(t, "NEW", outcome.Snapshot.LPPositions[0].Mint)
}

func TestGet_EmptyRefreshKeepsGoodData(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){
		returns(remote("GOOD")),
		returns(types.Empty()),
	}}
	q, clock := newTestCache(t, r)

	_, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)
	q.flights.Wait()

	state := q.Peek("Wallet1")
	require.NotNil(t, state.Outcome)
	assert.Equal(t, types.OutcomeRemoteHit, state.Outcome.Kind)
	assert.Equal(t, "GOOD", state.Outcome.Snapshot.LPPositions[0].Mint)
}

func TestGet_EmptyIsStoredWhenNothingBetterExists(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(types.Empty())}}
	q, _ := newTestCache(t, r)

	outcome, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)
	assert.True(t, outcome.IsEmpty())
	assert.Equal(t, StatusFresh, q.Peek("Wallet1").Status)
}

func TestGet_FailedRefreshKeepsPriorData(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){
		returns(remote("GOOD")),
		fails(apperrors.NewValidationError("https://a.example", "lpPositions is not an array")),
	}}
	q, clock := newTestCache(t, r)

	_, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	_, err = q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)
	q.flights.Wait()

	state := q.Peek("Wallet1")
	assert.Equal(t, StatusFailed, state.Status)
	assert.Error(t, state.Err)
	require.NotNil(t, state.Outcome)
	assert.Equal(t, "GOOD", state.Outcome.Snapshot.LPPositions[0].Mint)
	assert.Equal(t, int64(1), q.Stats().Failures)
}

func TestGet_Retry(t *testing.T) {
	transient := apperrors.NewTransportError("https://a.example", context.DeadlineExceeded)

	tests := []struct {
		name      string
		steps     []func() (*types.ResolutionOutcome, error)
		wantCalls int32
		wantErr   bool
	}{
		{
			name:      "recovers after transient failures",
			steps:     []func() (*types.ResolutionOutcome, error){fails(transient), fails(transient), returns(remote("M1"))},
			wantCalls: 3,
		},
		{
			name:      "gives up after three attempts",
			steps:     []func() (*types.ResolutionOutcome, error){fails(transient)},
			wantCalls: 3,
			wantErr:   true,
		},
		{
			name:      "client rejection is terminal",
			steps:     []func() (*types.ResolutionOutcome, error){fails(apperrors.NewUpstreamStatusError("https://a.example", http.StatusNotFound))},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "validation failure is terminal",
			steps:     []func() (*types.ResolutionOutcome, error){fails(apperrors.NewValidationError("https://a.example", "missing lpPositions"))},
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedResolver{steps: tt.steps}
			monitor := metrics.NewMonitor()
			q := New(r, Config{Retry: fastRetry(), Instrumentation: monitor})
			defer q.Close(context.Background())

			outcome, err := q.Get(context.Background(), "Wallet1")
			assert.Equal(t, tt.wantCalls, r.calls.Load())
			assert.Equal(t, float64(tt.wantCalls-1), monitor.Counter(metrics.QueryRetry))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, outcome)
				assert.Equal(t, StatusFailed, q.Peek("Wallet1").Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "M1", outcome.Snapshot.LPPositions[0].Mint)
		})
	}
}

func TestGet_PanickingResolverIsRetried(t *testing.T) {
	var calls atomic.Int32
	q := New(ResolverFunc(func(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error) {
		calls.Add(1)
		panic("boom")
	}), Config{Retry: fastRetry()})
	defer q.Close(context.Background())

	_, err := q.Get(context.Background(), "Wallet1")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, apperrors.IsRecoverable(err))
}

func TestGet_InvalidKey(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("M1"))}}
	q, _ := newTestCache(t, r)

	_, err := q.Get(context.Background(), "  ")
	require.Error(t, err)
	assert.True(t, apperrors.IsUserError(err))
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestGet_CallerCancellationDoesNotCancelSharedResolution(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("M1"))}}
	gate := make(chan struct{})
	r.setGate(gate)
	q, _ := newTestCache(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Get(ctx, "Wallet1")
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	q.flights.Wait()
	assert.Equal(t, StatusFresh, q.Peek("Wallet1").Status, "result is stored for later callers")
}

func TestInvalidate(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){
		returns(remote("FIRST")),
		returns(remote("SECOND")),
	}}
	q, _ := newTestCache(t, r)

	_, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)

	q.Invalidate("Wallet1")
	assert.Equal(t, StatusIdle, q.Peek("Wallet1").Status)

	outcome, err := q.Get(context.Background(), "Wallet1")
	require.NoError(t, err)
	assert.Equal(t, "SECOND", outcome.Snapshot.LPPositions[0].Mint)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestInvalidate_SupersedesInFlightResolution(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("OLD"))}}
	gate := make(chan struct{})
	r.setGate(gate)
	q, _ := newTestCache(t, r)

	done := make(chan *types.ResolutionOutcome, 1)
	go func() {
		outcome, _ := q.Get(context.Background(), "Wallet1")
		done <- outcome
	}()
	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	q.Invalidate("Wallet1")
	close(gate)

	outcome := <-done
	require.NotNil(t, outcome, "the original waiter still gets its result")
	q.flights.Wait()
	assert.Nil(t, q.Peek("Wallet1").Outcome, "superseded result is not stored")
}

func TestInvalidate_NeverOverlapsResolutions(t *testing.T) {
	var (
		active, maxActive, calls atomic.Int32
		gates                    = []chan struct{}{make(chan struct{}), make(chan struct{})}
	)
	r := ResolverFunc(func(ctx context.Context, key types.PortfolioKey) (*types.ResolutionOutcome, error) {
		n := calls.Add(1)
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		if int(n) <= len(gates) {
			<-gates[n-1]
		}
		if n == 1 {
			return remote("OLD"), nil
		}
		return remote("NEW"), nil
	})
	q, _ := newTestCache(t, r)

	first := make(chan *types.ResolutionOutcome, 1)
	go func() {
		outcome, _ := q.Get(context.Background(), "K")
		first <- outcome
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	q.Invalidate("K")

	second := make(chan *types.ResolutionOutcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			outcome, _ := q.Get(context.Background(), "K")
			second <- outcome
		}()
	}
	require.Eventually(t, func() bool { return q.Stats().DedupJoins+q.Stats().Misses >= 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "follow-up waits for the superseded resolution")

	close(gates[0])
	assert.Equal(t, "OLD", (<-first).Snapshot.LPPositions[0].Mint)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	close(gates[1])
	for i := 0; i < 2; i++ {
		assert.Equal(t, "NEW", (<-second).Snapshot.LPPositions[0].Mint)
	}

	q.flights.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int32(2), calls.Load(), "callers after the invalidation share one follow-up")
	assert.Equal(t, "NEW", q.Peek("K").Outcome.Snapshot.LPPositions[0].Mint)
}

func TestCollect_EvictsIdleEntries(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("M1"))}}
	q, clock := newTestCache(t, r)

	_, err := q.Get(context.Background(), "idle")
	require.NoError(t, err)
	_, err = q.Get(context.Background(), "watched")
	require.NoError(t, err)
	sub, err := q.Subscribe("watched")
	require.NoError(t, err)
	defer sub.Close()

	clock.Advance(29 * time.Minute)
	q.collect()
	assert.Equal(t, 2, q.Stats().Entries)

	clock.Advance(2 * time.Minute)
	q.collect()
	assert.Equal(t, StatusIdle, q.Peek("idle").Status)
	assert.Equal(t, 1, q.Stats().Entries, "subscribed entries are never evicted")
}

func TestSubscribe(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){
		returns(remote("FIRST")),
		returns(remote("SECOND")),
	}}
	q, _ := newTestCache(t, r)

	sub, err := q.Subscribe("Wallet1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.ScheduledRefreshes())

	select {
	case outcome := <-sub.Updates():
		assert.Equal(t, "FIRST", outcome.Snapshot.LPPositions[0].Mint)
	case <-time.After(time.Second):
		t.Fatal("no initial update")
	}

	second, err := q.Subscribe("Wallet1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.ScheduledRefreshes(), "one schedule per key")
	second.Close()
	second.Close()

	q.refresh("Wallet1")
	select {
	case outcome := <-sub.Updates():
		assert.Equal(t, "SECOND", outcome.Snapshot.LPPositions[0].Mint)
	case <-time.After(time.Second):
		t.Fatal("no refresh update")
	}

	sub.Close()
	_, open := <-sub.Updates()
	assert.False(t, open)
	assert.Equal(t, 0, q.ScheduledRefreshes())
	assert.Equal(t, 0, q.Stats().Subscribers)
}

func TestSubscribe_InvalidateRefetches(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){
		returns(remote("FIRST")),
		returns(remote("SECOND")),
	}}
	q, _ := newTestCache(t, r)

	sub, err := q.Subscribe("Wallet1")
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Updates()

	q.Invalidate("Wallet1")
	select {
	case outcome := <-sub.Updates():
		assert.Equal(t, "SECOND", outcome.Snapshot.LPPositions[0].Mint)
	case <-time.After(time.Second):
		t.Fatal("invalidation did not refetch")
	}
}

func TestClose(t *testing.T) {
	r := &scriptedResolver{steps: []func() (*types.ResolutionOutcome, error){returns(remote("M1"))}}
	q := New(r, Config{Retry: fastRetry()})
	q.Start()

	sub, err := q.Subscribe("Wallet1")
	require.NoError(t, err)

	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	for range sub.Updates() {
	}
	sub.Close()

	_, err = q.Get(context.Background(), "Wallet1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Subscribe("Wallet1")
	assert.ErrorIs(t, err, ErrClosed)
}
