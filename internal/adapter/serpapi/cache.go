package serpapi

import (
	"container/list"
	"context"
	"math"
	"sync"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
)

// CachedFinder wraps a HospitalFinder with an in-memory LRU cache keyed by
// coordinates rounded to six decimal places.
type CachedFinder struct {
	inner   domain.HospitalFinder
	cache   *lruCache[coordKey, domain.Hospital]
	metrics *observability.Metrics
}

// coordKey is a position in whole microdegrees, roughly 0.1 m.
type coordKey struct {
	lat, lon int64
}

func keyFor(lat, lon float64) coordKey {
	return coordKey{lat: int64(math.Round(lat * 1e6)), lon: int64(math.Round(lon * 1e6))}
}

// NewCachedFinder creates a cache decorator around a finder.
func NewCachedFinder(inner domain.HospitalFinder, maxEntries int, metrics *observability.Metrics) *CachedFinder {
	return &CachedFinder{
		inner:   inner,
		cache:   newLRUCache[coordKey, domain.Hospital](maxEntries),
		metrics: metrics,
	}
}

func (c *CachedFinder) NearestHospital(ctx context.Context, lat, lon float64) (domain.Hospital, error) {
	key := keyFor(lat, lon)
	if h, ok := c.cache.get(key); ok {
		c.metrics.EnrichmentCache.WithLabelValues("hit").Inc()
		return h, nil
	}
	c.metrics.EnrichmentCache.WithLabelValues("miss").Inc()

	h, err := c.inner.NearestHospital(ctx, lat, lon)
	if err != nil {
		return h, err
	}
	// Only cache non-empty results so a transient empty answer can be retried.
	if h.Name != "" {
		c.cache.put(key, h)
	}
	return h, nil
}

// lruCache is a bounded, mutex-guarded map that evicts the least recently
// used key once it holds more than maxEntries.
type lruCache[K comparable, V any] struct {
	maxEntries int

	mu    sync.Mutex
	order *list.List // front is most recently used; values are *lruEntry
	index map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

func newLRUCache[K comparable, V any](maxEntries int) *lruCache[K, V] {
	return &lruCache[K, V]{
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[K]*list.Element),
	}
}

func (c *lruCache[K, V]) get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry[K, V]).value, true
}

func (c *lruCache[K, V]) put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.index[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*lruEntry[K, V]).key)
	}
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
