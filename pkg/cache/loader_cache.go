// Package cache provides a loading cache for expensive computed values: LRU
// storage plus singleflight, so a burst of concurrent misses for one key runs
// a single load and shares its result.
package cache

import (
	"context"

	"github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// LoaderCache caches values by string key, computing them on miss via the
// caller's load function. Failed loads are not cached, so the next Get for
// that key loads again.
type LoaderCache[V any] struct {
	lru   *lru.Cache[string, V]
	group singleflight.Group
}

// NewLoaderCache creates a cache holding at most maxEntries values.
func NewLoaderCache[V any](maxEntries int) (*LoaderCache[V], error) {
	store, err := lru.New[string, V](maxEntries)
	if err != nil {
		return nil, err
	}

	return &LoaderCache[V]{lru: store}, nil
}

// Get returns the value for key, running load on miss. Concurrent misses for
// the same key are coalesced: one load runs, the rest wait and share its
// result. hit reports whether the value came from cache, so callers can count
// hits and misses without the cache knowing about metrics.
func (c *LoaderCache[V]) Get(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, true, nil
	}

	loaded, err, _ := c.group.Do(key, func() (any, error) {
		v, loadErr := load(ctx)
		if loadErr != nil {
			return nil, loadErr
		}

		c.lru.Add(key, v)

		return v, nil
	})
	if err != nil {
		var zero V

		return zero, false, err
	}

	return loaded.(V), false, nil
}

// Len returns the number of cached entries.
func (c *LoaderCache[V]) Len() int {
	return c.lru.Len()
}
