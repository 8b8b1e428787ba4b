package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/types"
)

// ErrorSink receives failures of background writes. It must not block.
type ErrorSink func(task string, key types.PortfolioKey, err error)

// backgroundTasks runs fire-and-forget writes, each under its own timeout,
// and lets shutdown wait for the ones still running
type backgroundTasks struct {
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *logging.Logger

	mu   sync.RWMutex
	sink ErrorSink
}

func newBackgroundTasks(timeout time.Duration, sink ErrorSink) *backgroundTasks {
	return &backgroundTasks{
		timeout: timeout,
		sink:    sink,
		logger:  logging.GetGlobalLogger().Component("background"),
	}
}

func (b *backgroundTasks) setSink(sink ErrorSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Go starts fn detached from any caller context
func (b *backgroundTasks) Go(task string, key types.PortfolioKey, fn func(ctx context.Context) error) {
	id := uuid.NewString()
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.report(task, key, apperrors.NewInternalError(fmt.Sprintf("background task %s panicked: %v", task, r), nil))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			b.report(task, key, err)
			return
		}
		b.logger.WithFields(map[string]interface{}{
			"task":     task,
			"taskId":   id,
			"key":      key.String(),
			"duration": time.Since(start).String(),
		}).Debug("Background task finished")
	}()
}

func (b *backgroundTasks) report(task string, key types.PortfolioKey, err error) {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink != nil {
		sink(task, key, err)
	}
}

// Wait blocks until all started tasks have finished
func (b *backgroundTasks) Wait() {
	b.wg.Wait()
}

// WaitContext waits for all tasks or until ctx is done
func (b *backgroundTasks) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
