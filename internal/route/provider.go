package route

import (
	"context"
	"errors"
	"time"

	"github.com/bluele/gcache"
)

// Provider looks up route geometry by name. Implementations return
// ErrRouteNotFound for unknown routes.
type Provider interface {
	Route(ctx context.Context, name string) (*Geometry, error)
}

type CacheMetrics interface {
	RouteCacheHit()
	RouteCacheMiss()
}

// CachedProvider keeps recently used routes in an LRU cache whose entries
// expire after a TTL, so external edits become visible within that window.
type CachedProvider struct {
	next    Provider
	cache   gcache.Cache
	metrics CacheMetrics
}

func NewCachedProvider(next Provider, size int, ttl time.Duration, m CacheMetrics) *CachedProvider {
	if size <= 0 {
		size = 256
	}
	return &CachedProvider{
		next: next,
		cache: gcache.New(size).
			LRU().
			Expiration(ttl).
			Build(),
		metrics: m,
	}
}

func (p *CachedProvider) Route(ctx context.Context, name string) (*Geometry, error) {
	if name == "" {
		return nil, ErrRouteNotFound
	}
	if cached, err := p.cache.Get(name); err == nil {
		if p.metrics != nil {
			p.metrics.RouteCacheHit()
		}
		return cached.(*Geometry), nil
	}
	if p.metrics != nil {
		p.metrics.RouteCacheMiss()
	}
	g, err := p.next.Route(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = p.cache.Set(name, g)
	return g, nil
}

// Lookup resolves a route, treating an empty name or a missing route as absent.
func Lookup(ctx context.Context, p Provider, name string) (*Geometry, error) {
	if name == "" || p == nil {
		return nil, nil
	}
	g, err := p.Route(ctx, name)
	if errors.Is(err, ErrRouteNotFound) {
		return nil, nil
	}
	return g, err
}
