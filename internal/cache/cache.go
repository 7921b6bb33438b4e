// Package cache holds decoded tree nodes keyed by page id.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/alexhholmes/gendb/internal/base"
)

// Cache is an LRU of decoded nodes bounded by approximate resident bytes.
// Entries carry a pin count contributed by the write transaction operation
// that loaded them; pinned entries are never evicted regardless of recency.
// Readers drop their pin as soon as the node is loaded.
//
// Published pages are immutable, so a cached node is valid for every
// snapshot that can reach its page id. Ids are dropped with Delete when the
// freelist recycles them.
type Cache struct {
	mu       sync.Mutex
	lru      *list.List             // Doubly-linked list (front=MRU, back=LRU)
	entries  map[base.PageID]*entry // Single entry per page
	maxBytes int64
	lowWater int64 // Evict to this (80% of max)

	// Stats
	bytes     atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// entry represents a cached Node in the LRU cache
type entry struct {
	id         base.PageID
	node       *base.Node    // Parsed BTree node
	size       int64         // Accounted bytes
	pins       int           // Live transaction references (0 = evictable)
	lruElement *list.Element // Position in LRU list
}

const (
	// MinCacheBytes holds a few tree paths plus concurrent reader pins.
	MinCacheBytes = 64 * base.PageSize

	// nodeOverhead approximates the slice headers of a decoded node.
	nodeOverhead = 128
)

// NewCache creates a new Page cache bounded to maxBytes
func NewCache(maxBytes int64) *Cache {
	maxBytes = max(maxBytes, MinCacheBytes)

	return &Cache{
		maxBytes: maxBytes,
		lowWater: (maxBytes * 4) / 5, // 80%
		entries:  make(map[base.PageID]*entry),
		lru:      list.New(),
	}
}

func sizeOf(node *base.Node) int64 {
	return int64(node.Size()+len(node.Keys)*48) + nodeOverhead
}

// Put adds a node pinned once for the caller. If another loader cached the
// page first, that node is pinned and returned instead so every reader
// shares one decoded copy.
func (c *Cache) Put(pageID base.PageID, node *base.Node) *base.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.entries[pageID]; exists {
		existing.pins++
		c.lru.MoveToFront(existing.lruElement)
		return existing.node
	}

	ent := &entry{
		id:   pageID,
		node: node,
		size: sizeOf(node),
		pins: 1,
	}
	ent.lruElement = c.lru.PushFront(ent)
	c.entries[pageID] = ent
	c.bytes.Add(ent.size)

	if c.bytes.Load() > c.maxBytes {
		c.evictToWaterMark()
	}
	return node
}

// evictToWaterMark walks from the LRU end removing unpinned entries until
// resident bytes reach the low-water mark. Caller holds mu.
func (c *Cache) evictToWaterMark() {
	for elem := c.lru.Back(); elem != nil && c.bytes.Load() > c.lowWater; {
		e := elem.Value.(*entry)
		prev := elem.Prev()
		if e.pins == 0 {
			c.lru.Remove(elem)
			delete(c.entries, e.id)
			c.bytes.Add(-e.size)
			c.evictions.Add(1)
		}
		elem = prev
	}
}

// Get retrieves a node from the cache and pins it.
// Returns (Node, true) on cache hit, (nil, false) on miss.
func (c *Cache) Get(pageID base.PageID) (*base.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[pageID]
	if !exists {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	e.pins++
	c.lru.MoveToFront(e.lruElement)
	return e.node, true
}

// Unpin releases one reference taken by Get or Put.
func (c *Cache) Unpin(pageID base.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[pageID]; exists && e.pins > 0 {
		e.pins--
	}
}

// UnpinAll releases one reference per id.
func (c *Cache) UnpinAll(ids []base.PageID) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if e, exists := c.entries[id]; exists && e.pins > 0 {
			e.pins--
		}
	}
	if c.bytes.Load() > c.maxBytes {
		c.evictToWaterMark()
	}
}

// Delete removes a page from the cache.
func (c *Cache) Delete(pageID base.PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[pageID]
	if !exists {
		return
	}
	c.lru.Remove(e.lruElement)
	delete(c.entries, pageID)
	c.bytes.Add(-e.size)
}

// Pinned reports the pin count of a page, for tests and diagnostics.
func (c *Cache) Pinned(pageID base.PageID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[pageID]; exists {
		return e.pins
	}
	return 0
}

// Size returns current number of cached entries
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the accounted resident size
func (c *Cache) Bytes() int64 {
	return c.bytes.Load()
}

// MaxBytes returns the configured ceiling
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Bytes     int64
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Bytes:     c.bytes.Load(),
	}
}

// ClearStats resets the cache's positive incrementing statistics
func (c *Cache) ClearStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
