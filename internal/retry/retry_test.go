package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lp-portfolio/internal/errors"
)

func fastConfig() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestWithExponentialBackoff_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return apperrors.NewTransportError("https://a.example", errors.New("reset"))
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, result.Err())
}

func TestWithExponentialBackoff_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		calls++
		return apperrors.NewTimeoutError("endpoint", "https://a.example", nil)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
	assert.False(t, result.Aborted)
	assert.Error(t, result.Err())
}

func TestWithExponentialBackoff_NonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "client rejection", err: apperrors.NewUpstreamStatusError("https://a.example", http.StatusNotFound)},
		{name: "validation", err: apperrors.NewValidationError("https://a.example", "lpPositions missing")},
		{name: "4xx in message", err: errors.New("upstream returned status 429")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
				calls++
				return tt.err
			})
			assert.Equal(t, 1, calls)
			assert.True(t, result.Aborted)
			assert.Same(t, tt.err, result.LastError)
		})
	}
}

func TestWithExponentialBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return errors.New("transient")
	})

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, result.LastError, context.DeadlineExceeded)
	assert.True(t, result.Aborted)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 3*time.Second, calculateDelay(cfg, 3), "capped at max delay")
}

func TestDo(t *testing.T) {
	v, result := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.True(t, result.Success)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, result.Attempts)
}
