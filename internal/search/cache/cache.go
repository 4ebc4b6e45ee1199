// Package cache memoises search results per index generation. Keys combine
// the index ID with the query's normalised term set, so a rebuild makes
// every earlier entry unreachable without an explicit flush.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/chaos-browser/sitesearch/internal/search/protocol"
	"github.com/chaos-browser/sitesearch/internal/search/tokenizer"
	"github.com/chaos-browser/sitesearch/pkg/metrics"
)

const keyPrefix = "sitesearch:"

// ComputeFunc produces the results for a cache miss.
type ComputeFunc func(ctx context.Context) ([]protocol.Result, error)

type QueryCache struct {
	backend Backend
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(backend Backend, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		backend: backend,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache", "backend", backend.Name()),
	}
}

// GetOrCompute returns the cached results for query against indexID, or
// runs compute once per key no matter how many callers miss concurrently.
// An empty indexID bypasses the cache. Errors are never cached.
func (c *QueryCache) GetOrCompute(ctx context.Context, indexID, query string, compute ComputeFunc) ([]protocol.Result, bool, error) {
	if indexID == "" {
		results, err := compute(ctx)
		return results, false, err
	}
	key := Key(indexID, query)
	if results, ok := c.get(ctx, key); ok {
		return results, true, nil
	}

	val, err, shared := c.group.Do(key, func() (any, error) {
		if results, ok := c.get(ctx, key); ok {
			return results, nil
		}
		results, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, results)
		return results, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		c.logger.Debug("coalesced concurrent miss", "key", key)
	}
	return val.([]protocol.Result), false, nil
}

// Invalidate removes every entry and returns how many were dropped.
func (c *QueryCache) Invalidate(ctx context.Context) (int64, error) {
	n, err := c.backend.Flush(ctx)
	if err != nil {
		return n, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", n)
	return n, nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) Backend() string {
	return c.backend.Name()
}

func (c *QueryCache) get(ctx context.Context, key string) ([]protocol.Result, bool) {
	data, found, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
	}
	if err != nil || !found {
		c.miss()
		return nil, false
	}
	var results []protocol.Result
	if err := json.Unmarshal(data, &results); err != nil {
		c.logger.Error("cache entry corrupt", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	if results == nil {
		results = []protocol.Result{}
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.Inc()
	return results, true
}

func (c *QueryCache) set(ctx context.Context, key string, results []protocol.Result) {
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.Inc()
}

// Key builds the cache key for query against indexID. Queries with the same
// distinct terms share a key regardless of order, case or punctuation.
func Key(indexID, query string) string {
	terms := tokenizer.Distinct(query)
	slices.Sort(terms)
	raw := indexID + "|" + strings.Join(terms, ",")
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
