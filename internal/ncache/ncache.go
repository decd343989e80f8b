// Package ncache implements the node cache: an MRU-ordered doubly
// linked list of heavy nodes with a pinned active set and a bounded
// size, under a strict reference-counting discipline (component E of
// spec.md §4.E).
//
// Grounded on original_source/ncache.c/ncache.h for the chain shape and
// eviction policy, and on the refcount-on-cache-membership idiom of
// _examples/other_examples/372234b5_magneticflux--client__libkbfs-node_cache.go.go's
// nodeCacheStandard, which also ties cache residency to an explicit
// extra reference rather than relying on GC alone.
package ncache

import (
	"sync"

	"github.com/sivanov/nsmux/internal/hnode"
	"github.com/sivanov/nsmux/internal/lnode"
)

// Cache is the MRU/LRU chain of cached heavy nodes.
type Cache struct {
	mu sync.Mutex

	mru, lru    *hnode.Node
	sizeCurrent int
	sizeMax     int
}

// New initializes a cache bounded at sizeMax entries. sizeMax<=0 means
// the cache starts disabled (Add is then a no-op until something is
// added while sizeMax is later raised), matching spec.md §9's
// resolution that ncache.New always takes its size explicitly.
func New(sizeMax int) *Cache {
	return &Cache{sizeMax: sizeMax}
}

// Lookup returns a client-referenced, locked heavy node for ln: ln's
// existing primary node if it has one, or a freshly created Normal node
// otherwise. ln must not be locked by the caller.
func (c *Cache) Lookup(ln *lnode.LNode) *hnode.Node {
	ln.Lock()
	if primary := ln.Primary(); primary != nil {
		n := primary.(*hnode.Node)
		n.AddRef()
		n.Lock()
		ln.Unlock()
		return n
	}
	n := hnode.CreateNormal(ln)
	ln.Unlock()
	n.Lock()
	return n
}

// Add inserts node at the MRU end of the chain, pinning it with one
// extra client reference if it was not already chain-resident, then
// evicts from the LRU end while size_current exceeds size_max.
func (c *Cache) Add(node *hnode.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sizeMax <= 0 && c.sizeCurrent == 0 {
		return // cache disabled and nothing already resident
	}
	if node == c.mru {
		return // already at the MRU end
	}

	node.Lock()
	inChain := node.CachePrev != nil || node.CacheNext != nil || node == c.lru
	node.Unlock()

	if inChain {
		c.spliceOut(node)
		c.sizeCurrent-- // counted again by the prepend below
	} else {
		node.AddRef() // the cache's own pin
	}

	c.prependMRU(node)
	c.sizeCurrent++

	for c.sizeCurrent > c.sizeMax && c.lru != nil {
		victim := c.lru
		c.spliceOut(victim)
		c.sizeCurrent--
		victim.Release() // drops the cache's pin; may destroy victim
	}
}

// Reset splices every node out of the chain without dropping the
// cache's references on them, so a subsequent global policy change
// (e.g. resizing) starts from an empty chain without surprise
// destruction of still-referenced nodes.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.mru != nil {
		c.spliceOut(c.mru)
	}
	c.sizeCurrent = 0
}

// SetSizeMax changes the cache's bound for future Add calls.
func (c *Cache) SetSizeMax(n int) {
	c.mu.Lock()
	c.sizeMax = n
	c.mu.Unlock()
}

// Len reports the number of nodes currently in the chain, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeCurrent
}

// spliceOut removes node from the chain in O(1) and updates the MRU/LRU
// endpoints if node was one of them. The cache lock must be held.
func (c *Cache) spliceOut(node *hnode.Node) {
	node.Lock()
	prev, next := node.CachePrev, node.CacheNext
	node.CachePrev, node.CacheNext = nil, nil
	node.Unlock()

	if prev != nil {
		prev.Lock()
		prev.CacheNext = next
		prev.Unlock()
	} else {
		c.mru = next
	}
	if next != nil {
		next.Lock()
		next.CachePrev = prev
		next.Unlock()
	} else {
		c.lru = prev
	}
}

// prependMRU links node at the head of the chain. The cache lock must
// be held.
func (c *Cache) prependMRU(node *hnode.Node) {
	node.Lock()
	node.CacheNext = c.mru
	node.CachePrev = nil
	node.Unlock()

	if c.mru != nil {
		c.mru.Lock()
		c.mru.CachePrev = node
		c.mru.Unlock()
	}
	c.mru = node
	if c.lru == nil {
		c.lru = node
	}
}
