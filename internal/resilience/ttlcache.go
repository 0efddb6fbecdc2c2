package resilience

import (
	"container/list"
	"sync"
	"time"
)

// CacheStats is a snapshot of a cache's hit/miss accounting.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns the fraction of lookups that were hits, or 0 when the
// cache has not been queried yet.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// TTLCacheConfig holds tuning knobs for a [TTLCache].
type TTLCacheConfig struct {
	// Name labels the cache in status output.
	Name string

	// MaxSize is the entry cap; the LRU entry is evicted when exceeded.
	// Default: 100.
	MaxSize int

	// TTL is the per-entry lifetime. An entry whose age has reached TTL is
	// evicted on lookup and counted as a miss. Default: 5m.
	TTL time.Duration
}

type cacheEntry struct {
	key      string
	value    any
	storedAt time.Time
}

// TTLCache is a keyed cache combining insertion-ordered LRU eviction with a
// per-entry TTL. Safe for concurrent use.
type TTLCache struct {
	name    string
	maxSize int
	ttl     time.Duration

	mu    sync.Mutex
	order *list.List // front = most recently used
	index map[string]*list.Element
	stats CacheStats
}

// NewTTLCache creates a [TTLCache] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewTTLCache(cfg TTLCacheConfig) *TTLCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &TTLCache{
		name:    cfg.Name,
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Name returns the cache's label.
func (c *TTLCache) Name() string { return c.name }

// Get returns the cached value for key. An entry whose age has reached the
// TTL is evicted and reported as a miss. On a hit the entry becomes the most
// recently used.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := el.Value.(*cacheEntry)
	if time.Since(entry.storedAt) >= c.ttl {
		c.removeLocked(el)
		c.stats.Misses++
		c.stats.Evictions++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.stats.Hits++
	return entry.value, true
}

// Set stores value under key. When the cache is full the least recently used
// entry is evicted first. Setting an existing key refreshes its value,
// timestamp, and recency.
func (c *TTLCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.storedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Back())
		c.stats.Evictions++
	}

	el := c.order.PushFront(&cacheEntry{key: key, value: value, storedAt: time.Now()})
	c.index[key] = el
}

// Invalidate removes key from the cache, reporting whether it was present.
func (c *TTLCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeLocked(el)
	return true
}

// Clear removes all entries and returns how many were removed.
func (c *TTLCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.order.Init()
	c.index = make(map[string]*list.Element)
	return n
}

// Len returns the current number of entries.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache's accounting.
func (c *TTLCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// removeLocked drops el from both the list and the index.
// Must be called with c.mu held.
func (c *TTLCache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := el.Value.(*cacheEntry)
	delete(c.index, entry.key)
	c.order.Remove(el)
}
