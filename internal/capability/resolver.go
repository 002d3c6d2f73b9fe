// Package capability resolves and caches user capabilities and gates
// workflow operations on them.
package capability

import (
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pitabwire/stagetrack/model"
)

// CacheRecorder observes capability cache lookups.
type CacheRecorder interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

type nopCacheRecorder struct{}

func (nopCacheRecorder) RecordCapabilityCacheHit()  {}
func (nopCacheRecorder) RecordCapabilityCacheMiss() {}

// cacheKey identifies one resolved set. Roles come from the token, so they
// are part of the key.
type cacheKey struct {
	SubjectID      string
	OrganizationID string
	Roles          string
}

func keyOf(rctx *model.RequestContext) cacheKey {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return cacheKey{
		SubjectID:      rctx.SubjectID,
		OrganizationID: rctx.OrganizationID,
		Roles:          strings.Join(roles, ","),
	}
}

// Resolver implements model.CapabilityResolver with a TTL cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	cache     *ttlcache.Cache[cacheKey, model.CapabilitySet]
	recorder  CacheRecorder
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// maxEntries bounds the cache; zero means unbounded.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, maxEntries int) *Resolver {
	opts := []ttlcache.Option[cacheKey, model.CapabilitySet]{
		ttlcache.WithTTL[cacheKey, model.CapabilitySet](ttl),
		ttlcache.WithDisableTouchOnHit[cacheKey, model.CapabilitySet](),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[cacheKey, model.CapabilitySet](uint64(maxEntries)))
	}
	return &Resolver{
		evaluator: evaluator,
		cache:     ttlcache.New(opts...),
		recorder:  nopCacheRecorder{},
	}
}

// WithRecorder reports cache hits and misses to rec.
func (r *Resolver) WithRecorder(rec CacheRecorder) *Resolver {
	r.recorder = rec
	return r
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL; evaluation errors are not cached.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := keyOf(rctx)
	if item := r.cache.Get(key); item != nil {
		r.recorder.RecordCapabilityCacheHit()
		return item.Value(), nil
	}
	r.recorder.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, caps, ttlcache.DefaultTTL)
	return caps, nil
}

// Invalidate clears cached capabilities for the given user and organization.
func (r *Resolver) Invalidate(subjectID, organizationID string) {
	var stale []cacheKey
	r.cache.Range(func(item *ttlcache.Item[cacheKey, model.CapabilitySet]) bool {
		k := item.Key()
		if k.SubjectID == subjectID && k.OrganizationID == organizationID {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		r.cache.Delete(k)
	}
}

// InvalidateAll drops every cached capability set, e.g. after the role
// policy was reloaded.
func (r *Resolver) InvalidateAll() {
	r.cache.DeleteAll()
}
