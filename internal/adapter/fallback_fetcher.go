package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/lp-portfolio/internal/circuitbreaker"
	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/types"
)

// Attempt records one endpoint call
type Attempt struct {
	Endpoint string        `json:"endpoint"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// FetchResult is a snapshot accepted from an endpoint
type FetchResult struct {
	Snapshot *types.PortfolioSnapshot
	Source   string
	Attempts []Attempt
}

// AllEndpointsFailedError is returned when every endpoint failed
type AllEndpointsFailedError struct {
	Attempts []Attempt
	errs     *multierror.Error
}

func (e *AllEndpointsFailedError) Error() string {
	if e.errs == nil {
		return "no endpoints attempted"
	}
	return fmt.Sprintf("all %d endpoints failed: %s", len(e.Attempts), e.errs.Error())
}

// Unwrap returns the error of the last endpoint tried
func (e *AllEndpointsFailedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Errors returns every endpoint error in the order they were tried
func (e *AllEndpointsFailedError) Errors() []error {
	if e.errs == nil {
		return nil
	}
	return e.errs.WrappedErrors()
}

// FetcherConfig configures a FallbackFetcher
type FetcherConfig struct {
	Endpoints       []string // Tried in this order
	Timeout         time.Duration
	RatePerSecond   float64 // Per endpoint; 0 disables limiting
	Burst           int
	Headers         map[string]string // Added to every request
	HTTPClient      *http.Client
	Breakers        *circuitbreaker.Manager // nil disables circuit breaking
	Instrumentation metrics.Instrumentation
}

// FallbackFetcher tries an ordered list of endpoints one at a time and
// returns the first structurally valid response
type FallbackFetcher struct {
	clients  []*EndpointClient
	breakers *circuitbreaker.Manager
	instr    metrics.Instrumentation
	logger   *logging.Logger
}

// NewFallbackFetcher creates a fetcher over a non-empty endpoint list
func NewFallbackFetcher(cfg FetcherConfig) (*FallbackFetcher, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}

	clients := make([]*EndpointClient, 0, len(cfg.Endpoints))
	for _, endpoint := range cfg.Endpoints {
		endpoint = strings.TrimSpace(endpoint)

		var limiter *rate.Limiter
		if cfg.RatePerSecond > 0 {
			burst := cfg.Burst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}

		client, err := NewEndpointClient(endpoint, cfg.HTTPClient, cfg.Timeout, limiter)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", endpoint, err)
		}
		for k, v := range cfg.Headers {
			client.AddHeader(k, v)
		}
		clients = append(clients, client)
	}

	return &FallbackFetcher{
		clients:  clients,
		breakers: cfg.Breakers,
		instr:    metrics.Safe(cfg.Instrumentation),
		logger:   logging.GetGlobalLogger().Component("fetcher"),
	}, nil
}

// Endpoints returns the configured endpoints in order
func (f *FallbackFetcher) Endpoints() []string {
	out := make([]string, len(f.clients))
	for i, c := range f.clients {
		out[i] = c.URL()
	}
	return out
}

// Fetch tries each endpoint in order until one returns a valid snapshot.
// Endpoints are never called in parallel. When all fail the error is an
// *AllEndpointsFailedError.
func (f *FallbackFetcher) Fetch(ctx context.Context, key types.PortfolioKey) (*FetchResult, error) {
	logger := logging.FromContext(ctx).Component("fetcher").WithField("key", key.String())

	var (
		attempts []Attempt
		errs     *multierror.Error
	)

	for _, client := range f.clients {
		if ctx.Err() != nil {
			break
		}

		endpoint := client.URL()
		start := time.Now()
		stop := f.instr.StartTimer(metrics.TimerEndpointFetch)
		snapshot, err := f.fetchOne(ctx, client, key)
		stop()

		attempt := Attempt{Endpoint: endpoint, Duration: time.Since(start), Err: err}
		attempts = append(attempts, attempt)

		if err == nil {
			f.instr.RecordMetric(metrics.EndpointSuccess, 1)
			logger.WithFields(map[string]interface{}{
				"endpoint":  endpoint,
				"positions": snapshot.PositionCount(),
				"duration":  attempt.Duration.String(),
			}).Debug("Endpoint returned positions")
			return &FetchResult{Snapshot: snapshot, Source: endpoint, Attempts: attempts}, nil
		}

		f.instr.RecordMetric(metrics.EndpointFailure, 1)
		logger.WithError(err).WithField("endpoint", endpoint).Warn("Endpoint failed, trying next")
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", endpoint, err))
	}

	if ctx.Err() != nil {
		attempts = append(attempts, Attempt{Err: ctx.Err()})
		errs = multierror.Append(errs, ctx.Err())
	}

	return nil, &AllEndpointsFailedError{Attempts: attempts, errs: errs}
}

func (f *FallbackFetcher) fetchOne(ctx context.Context, client *EndpointClient, key types.PortfolioKey) (*types.PortfolioSnapshot, error) {
	if f.breakers == nil {
		return client.FetchPositions(ctx, key)
	}

	// A rejection or a malformed answer is about this key, not the endpoint's
	// health, so the breaker sees it as a completed call.
	var (
		snapshot *types.PortfolioSnapshot
		fetchErr error
	)
	err := f.breakers.For(client.URL()).Execute(ctx, func(ctx context.Context) error {
		snapshot, fetchErr = client.FetchPositions(ctx, key)
		if countsAgainstEndpoint(fetchErr) {
			return fetchErr
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, apperrors.NewServiceUnavailableError(client.URL(), err)
	}
	if err != nil {
		return nil, err
	}
	return snapshot, fetchErr
}

func countsAgainstEndpoint(err error) bool {
	return err != nil && !apperrors.IsClientRejection(err) && !apperrors.IsValidation(err)
}

// BreakerStats returns the per-endpoint circuit breaker statistics
func (f *FallbackFetcher) BreakerStats() []*circuitbreaker.Stats {
	if f.breakers == nil {
		return nil
	}
	return f.breakers.GetAllStats()
}
