package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lp-portfolio/internal/adapter"
	"github.com/lp-portfolio/internal/types"
)

const (
	cacheHit = iota
	cacheMiss
	cacheError
	cachePanic
	cacheSlow
)

const (
	backupFresh = iota
	backupAbsent
	backupError
	backupPanic
)

// scriptedFetcher succeeds at endpoint index success, when that index is
// within the endpoint count
type scriptedFetcher struct {
	endpoints int
	success   int
}

func (f scriptedFetcher) Fetch(ctx context.Context, key types.PortfolioKey) (*adapter.FetchResult, error) {
	for i := 0; i < f.endpoints; i++ {
		if i == f.success {
			return &adapter.FetchResult{Snapshot: snapshotOf("R1"), Source: fmt.Sprintf("ep-%d", i)}, nil
		}
	}
	return nil, errors.New("all endpoints failed")
}

func TestResolveTotality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("resolve always returns a well-formed snapshot from the right tier", prop.ForAll(
		func(cacheMode, endpoints, success, backupMode int) bool {
			cache := newFakeCache()
			switch cacheMode {
			case cacheHit:
				cache.data["k"] = snapshotOf("C1")
			case cacheError:
				cache.getErr = errors.New("down")
			case cachePanic:
				cache.panics = true
			case cacheSlow:
				cache.delay = 30 * time.Millisecond
				cache.data["k"] = snapshotOf("C1")
			}

			backup := newFakeBackup()
			switch backupMode {
			case backupFresh:
				backup.records["k"] = &types.BackupRecord{Key: "k", Snapshot: snapshotOf("B1"), CapturedAt: time.Now()}
			case backupError:
				backup.loadErr = errors.New("io")
			case backupPanic:
				backup.panics = true
			}

			cfg := testConfig()
			cfg.CacheGetTimeout = 5 * time.Millisecond
			r := NewPortfolioResolver(cache, scriptedFetcher{endpoints: endpoints, success: success}, backup, nil, cfg)

			outcome := r.Resolve(context.Background(), "k")
			r.Wait()

			if outcome == nil || outcome.Snapshot == nil || outcome.Snapshot.LPPositions == nil || outcome.Snapshot.Summary == nil {
				return false
			}

			remoteOK := success >= 0 && success < endpoints
			switch {
			case cacheMode == cacheHit:
				return outcome.Kind == types.OutcomeCacheHit
			case remoteOK:
				return outcome.Kind == types.OutcomeRemoteHit && outcome.Source == fmt.Sprintf("ep-%d", success)
			case backupMode == backupFresh:
				return outcome.Kind == types.OutcomeBackupHit
			default:
				return outcome.Kind == types.OutcomeEmpty && outcome.Snapshot.Summary.TotalPositions == 0
			}
		},
		gen.IntRange(cacheHit, cacheSlow),
		gen.IntRange(0, 3),
		gen.IntRange(-1, 2),
		gen.IntRange(backupFresh, backupPanic),
	))

	properties.TestingRun(t)
}
