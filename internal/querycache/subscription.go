package querycache

import (
	"sync"

	"github.com/robfig/cron/v3"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/types"
)

// Subscription delivers every new outcome stored for a key. Only the latest
// undelivered outcome is kept, so a slow reader skips intermediate values.
type Subscription struct {
	key     types.PortfolioKey
	updates chan *types.ResolutionOutcome
	once    sync.Once
	cancel  func()
}

// Key returns the subscribed key
func (s *Subscription) Key() types.PortfolioKey {
	return s.key
}

// Updates returns the channel of outcomes. It is closed by Close or when
// the query cache shuts down.
func (s *Subscription) Updates() <-chan *types.ResolutionOutcome {
	return s.updates
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe keeps key refreshed every RefetchInterval until the returned
// subscription is closed. Data already cached is delivered at once;
// otherwise a resolution is started.
func (q *QueryCache) Subscribe(key types.PortfolioKey) (*Subscription, error) {
	key = key.Normalize()
	if !key.IsValid() {
		return nil, apperrors.NewInvalidKeyError(string(key))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, apperrors.NewServiceUnavailableError("query cache", ErrClosed)
	}

	e := q.entryLocked(key)
	e.lastAccess = q.now()

	q.nextSubID++
	id := q.nextSubID
	ch := make(chan *types.ResolutionOutcome, 1)
	e.subscribers[id] = ch

	if len(e.subscribers) == 1 {
		e.refreshID = q.cron.Schedule(cron.Every(q.cfg.RefetchInterval), cron.FuncJob(func() {
			q.refresh(key)
		}))
		q.logger.WithFields(map[string]interface{}{
			"key":      key.String(),
			"interval": q.cfg.RefetchInterval.String(),
		}).Debug("Scheduled query refresh")
	}

	if e.outcome != nil {
		offer(ch, e.outcome)
	} else {
		q.flightLocked(e)
	}

	return &Subscription{
		key:     key,
		updates: ch,
		cancel:  func() { q.unsubscribe(key, id) },
	}, nil
}

func (q *QueryCache) unsubscribe(key types.PortfolioKey, id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[QueryKey(key)]
	if !ok {
		return
	}
	ch, ok := e.subscribers[id]
	if !ok {
		return
	}
	delete(e.subscribers, id)
	close(ch)

	if len(e.subscribers) == 0 {
		q.cron.Remove(e.refreshID)
		e.refreshID = 0
		e.lastAccess = q.now()
	}
}

// ScheduledRefreshes returns the number of keys with a refresh schedule
func (q *QueryCache) ScheduledRefreshes() int {
	// The eviction job is always scheduled.
	return len(q.cron.Entries()) - 1
}
