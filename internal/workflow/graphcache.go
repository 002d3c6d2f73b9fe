package workflow

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultGraphCacheTTL bounds how long a read-side graph snapshot is served
// before the stages are read again.
const DefaultGraphCacheTTL = 30 * time.Second

// GraphCache serves read paths with recently built graphs. Batch moves never
// use it; they always load a fresh graph.
type GraphCache struct {
	source StageSource
	cache  *ttlcache.Cache[string, *Graph]
}

// NewGraphCache creates a cache over source. A non-positive ttl uses
// DefaultGraphCacheTTL.
func NewGraphCache(source StageSource, ttl time.Duration) *GraphCache {
	if ttl <= 0 {
		ttl = DefaultGraphCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Graph](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Graph](),
	)
	go cache.Start()
	return &GraphCache{source: source, cache: cache}
}

// Graph returns the organization's graph, loading it on a miss. Load failures
// are returned to the caller and not cached.
func (c *GraphCache) Graph(ctx context.Context, organizationID string) (*Graph, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[string, *Graph](
		func(cache *ttlcache.Cache[string, *Graph], key string) *ttlcache.Item[string, *Graph] {
			g, err := LoadGraph(ctx, c.source, key)
			if err != nil {
				loadErr = err
				return nil
			}
			return cache.Set(key, g, ttlcache.DefaultTTL)
		},
	)

	item := c.cache.Get(organizationID, ttlcache.WithLoader(loader))
	if item == nil {
		return nil, loadErr
	}
	return item.Value(), nil
}

// Invalidate drops the cached graph of an organization.
func (c *GraphCache) Invalidate(organizationID string) {
	c.cache.Delete(organizationID)
}

// Metrics reports the cache's hit and miss counters.
func (c *GraphCache) Metrics() ttlcache.Metrics {
	return c.cache.Metrics()
}

// Close stops the expiry goroutine.
func (c *GraphCache) Close() {
	c.cache.Stop()
}
