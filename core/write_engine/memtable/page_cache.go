// Package memtable caches clean page images read from the data and log files.
package memtable

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// DefaultCacheSize is the number of page images kept when no size is configured.
const DefaultCacheSize = 5000

type cacheKey struct {
	origin   pagemanager.FileOrigin
	position int64
}

// PageCache maps (origin, position) to the last raw image read or written
// there. Only clean, already persisted images are stored; staged pages live in
// their transaction and never enter the cache, so eviction can never lose a
// write. Returned buffers are shared and must not be modified.
type PageCache struct {
	pages  *lru.Cache[cacheKey, []byte]
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewPageCache creates a cache holding at most size page images.
func NewPageCache(size int, logger *zap.Logger) (*PageCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pages, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, err
	}
	logger.Debug("page cache initialized", zap.Int("size", size))
	return &PageCache{pages: pages, logger: logger}, nil
}

// Get returns the cached image at position.
func (c *PageCache) Get(origin pagemanager.FileOrigin, position int64) ([]byte, bool) {
	buf, ok := c.pages.Get(cacheKey{origin, position})
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return buf, ok
}

// Add stores an image. The cache takes ownership of buf.
func (c *PageCache) Add(origin pagemanager.FileOrigin, position int64, buf []byte) {
	c.pages.Add(cacheKey{origin, position}, buf)
}

// Invalidate drops a single position.
func (c *PageCache) Invalidate(origin pagemanager.FileOrigin, position int64) {
	c.pages.Remove(cacheKey{origin, position})
}

// Purge drops every image of one file, after the file was truncated or
// rewritten underneath the cache.
func (c *PageCache) Purge(origin pagemanager.FileOrigin) {
	n := 0
	for _, k := range c.pages.Keys() {
		if k.origin == origin {
			c.pages.Remove(k)
			n++
		}
	}
	c.logger.Debug("page cache purged", zap.Stringer("origin", origin), zap.Int("pages", n))
}

// PurgeAll empties the cache.
func (c *PageCache) PurgeAll() {
	c.pages.Purge()
}

// Len is the number of cached images.
func (c *PageCache) Len() int { return c.pages.Len() }

// Stats returns hit and miss counters.
func (c *PageCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
