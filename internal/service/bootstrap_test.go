package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lp-portfolio/internal/config"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/types"
)

func bootstrapConfig(t *testing.T, endpoint string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoints.URLs = []string{endpoint}
	cfg.Endpoints.Timeout = 2 * time.Second
	cfg.Endpoints.RatePerSecond = 0
	cfg.Backup.Path = ":memory:"
	cfg.Redis.Enabled = false
	return cfg
}

func TestBuild_FullReadPath(t *testing.T) {
	mr := miniredis.RunT(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lpPositions":[{"mint":"M1","protocol":"orca","amount":"5"}]}`))
	}))
	defer upstream.Close()

	cfg := bootstrapConfig(t, upstream.URL)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = mr.Port()

	monitor := metrics.NewMonitor()
	c, err := Build(context.Background(), cfg, monitor)
	require.NoError(t, err)
	require.NotNil(t, c.Redis)
	require.NotNil(t, c.Backup)

	key := types.PortfolioKey("Wallet1")
	outcome := c.Resolver.Resolve(context.Background(), key)
	assert.Equal(t, types.OutcomeRemoteHit, outcome.Kind)
	assert.Equal(t, upstream.URL, outcome.Source)
	c.Resolver.Wait()

	// The second read is answered by the shared cache
	outcome = c.Resolver.Resolve(context.Background(), key)
	assert.Equal(t, types.OutcomeCacheHit, outcome.Kind)

	record, err := c.Backup.Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, record)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.Close(ctx))
}

func TestBuild_DegradesWithoutRedis(t *testing.T) {
	cfg := bootstrapConfig(t, "http://127.0.0.1:1")
	cfg.Redis.Enabled = true
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = "1"

	c, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, c.Redis)
	assert.NotNil(t, c.Backup)

	outcome := c.Resolver.Resolve(context.Background(), "Wallet1")
	assert.True(t, outcome.IsEmpty())
	assert.NoError(t, c.Close(context.Background()))
}

func TestBuild_RequiresEndpoints(t *testing.T) {
	cfg := bootstrapConfig(t, "")
	cfg.Endpoints.URLs = nil

	c, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, c)
}
