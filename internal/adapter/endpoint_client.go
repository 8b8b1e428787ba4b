package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/types"
)

const (
	positionsPath = "lp-positions"

	// DefaultEndpointTimeout tolerates the cold start of a dormant remote
	DefaultEndpointTimeout = 45 * time.Second

	maxResponseBytes = 16 << 20
)

// EndpointClient fetches raw snapshots from one remote base location
type EndpointClient struct {
	base    *url.URL
	raw     string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter // nil means unlimited
	header  http.Header
}

// NewEndpointClient creates a client for base. A nil httpClient uses
// http.DefaultClient and a non-positive timeout uses DefaultEndpointTimeout.
func NewEndpointClient(base string, httpClient *http.Client, timeout time.Duration, limiter *rate.Limiter) (*EndpointClient, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", base)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultEndpointTimeout
	}
	return &EndpointClient{
		base:    u,
		raw:     base,
		client:  httpClient,
		timeout: timeout,
		limiter: limiter,
	}, nil
}

// URL returns the base location as configured
func (c *EndpointClient) URL() string {
	return c.raw
}

// AddHeader adds a header sent with every request
func (c *EndpointClient) AddHeader(key, value string) {
	if c.header == nil {
		c.header = make(http.Header)
	}
	c.header.Add(key, value)
}

// positionsURL builds <base>/lp-positions?address=<key>
func (c *EndpointClient) positionsURL(key types.PortfolioKey) string {
	u := c.base.JoinPath(positionsPath)
	q := u.Query()
	q.Set("address", key.String())
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchPositions issues one request bounded by the client timeout. The
// response is accepted only if it carries an array-typed lpPositions field.
func (c *EndpointClient) FetchPositions(ctx context.Context, key types.PortfolioKey) (*types.PortfolioSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classify(ctx, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.positionsURL(key), nil)
	if err != nil {
		return nil, apperrors.NewTransportError(c.raw, err)
	}
	for k, vals := range c.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.NewUpstreamStatusError(c.raw, resp.StatusCode)
	}

	return decodeSnapshot(c.raw, body)
}

// classify maps a request failure to a timeout when this call's deadline
// fired and to a transport error otherwise
func (c *EndpointClient) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError("endpoint", c.raw, err)
	}
	return apperrors.NewTransportError(c.raw, err)
}

// decodeSnapshot validates the response body structure
func decodeSnapshot(source string, body []byte) (*types.PortfolioSnapshot, error) {
	snapshot, err := types.ParseSnapshot(body)
	if err != nil {
		return nil, apperrors.NewValidationError(source, err.Error())
	}
	return snapshot, nil
}
