package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/lp-portfolio/internal/errors"
	"github.com/lp-portfolio/internal/types"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyPortfolioLP is for LP position snapshots
	CacheKeyPortfolioLP CacheKeyType = "portfolio:lp"
)

// GenerateCacheKey generates a cache key for a given type and parameters.
// Format: <type>:<param1>:<param2>:...
// Parameters keep their case: portfolio keys are base58 and case-sensitive.
func GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, p := range params {
		parts = append(parts, strings.TrimSpace(p))
	}
	return strings.Join(parts, ":")
}

// SnapshotCache stores portfolio snapshots in the shared Redis cache
type SnapshotCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewSnapshotCache creates a snapshot cache with a default TTL
func NewSnapshotCache(redis *RedisCache, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		redis: redis,
		ttl:   ttl,
	}
}

// Get returns the cached snapshot for key, if any. An entry without an
// array-typed lpPositions is reported as a cache error, which callers treat
// as a miss.
func (c *SnapshotCache) Get(ctx context.Context, key types.PortfolioKey) (*types.PortfolioSnapshot, bool, error) {
	data, found, err := c.redis.Get(ctx, GenerateCacheKey(CacheKeyPortfolioLP, key.String()))
	if err != nil {
		return nil, false, apperrors.NewCacheError("get", err)
	}
	if !found {
		return nil, false, nil
	}

	snapshot, err := types.ParseSnapshot(data)
	if err != nil {
		return nil, false, apperrors.NewCacheError("decode", err)
	}
	return snapshot, true, nil
}

// Set stores the snapshot under key. A non-positive ttl uses the default.
func (c *SnapshotCache) Set(ctx context.Context, key types.PortfolioKey, snapshot *types.PortfolioSnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	data, err := json.Marshal(snapshot.Normalize())
	if err != nil {
		return apperrors.NewCacheError("encode", err)
	}
	if err := c.redis.Set(ctx, GenerateCacheKey(CacheKeyPortfolioLP, key.String()), data, ttl); err != nil {
		return apperrors.NewCacheError("set", err)
	}
	return nil
}

// Delete removes the cached snapshot for key
func (c *SnapshotCache) Delete(ctx context.Context, key types.PortfolioKey) error {
	if err := c.redis.Del(ctx, GenerateCacheKey(CacheKeyPortfolioLP, key.String())); err != nil {
		return apperrors.NewCacheError("delete", err)
	}
	return nil
}
