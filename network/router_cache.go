// Package network implements the NPDU envelope, routing decision tree,
// router discovery cache, and network-control message handling (ASHRAE
// 135 Clause 6). Envelope shape is grounded on package npdu, itself
// modeled after the teacher's encoding/gtp fixed-header-plus-extensions
// codec.
package network

import (
	"container/heap"
	"time"
)

// RouterCacheEntry maps a remote network to the local-link MAC of the
// router that advertised reaching it.
type RouterCacheEntry struct {
	Network   uint16
	RouterMAC []byte
	LastSeen  time.Time

	heapIndex int
}

// cacheHeap is a min-heap on LastSeen, used to find the oldest entry to
// evict in O(log n) when the cache is full (Invariant 9).
type cacheHeap []*RouterCacheEntry

func (h cacheHeap) Len() int            { return len(h) }
func (h cacheHeap) Less(i, j int) bool  { return h[i].LastSeen.Before(h[j].LastSeen) }
func (h cacheHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *cacheHeap) Push(x any) {
	e := x.(*RouterCacheEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *cacheHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// RouterCache is a bounded dest_network -> router_mac map with
// oldest-first eviction, required to keep memory bounded under an
// adversarial I-Am-Router-To-Network flood (Invariant 9, Scenario S4).
type RouterCache struct {
	cap     int
	entries map[uint16]*RouterCacheEntry
	heap    cacheHeap
}

// NewRouterCache constructs a cache bounded to at most capacity
// entries.
func NewRouterCache(capacity int) *RouterCache {
	return &RouterCache{cap: capacity, entries: make(map[uint16]*RouterCacheEntry)}
}

// Get looks up the router MAC last advertised for network, if any.
func (c *RouterCache) Get(network uint16) ([]byte, bool) {
	e, ok := c.entries[network]
	if !ok {
		return nil, false
	}
	return e.RouterMAC, true
}

// Put records (or refreshes) network -> routerMAC at time now, evicting
// the globally oldest entry first if the cache is at capacity and
// network is not already present.
func (c *RouterCache) Put(network uint16, routerMAC []byte, now time.Time) {
	if e, ok := c.entries[network]; ok {
		e.RouterMAC = append([]byte(nil), routerMAC...)
		e.LastSeen = now
		heap.Fix(&c.heap, e.heapIndex)
		return
	}
	if len(c.entries) >= c.cap {
		oldest := heap.Pop(&c.heap).(*RouterCacheEntry)
		delete(c.entries, oldest.Network)
	}
	e := &RouterCacheEntry{Network: network, RouterMAC: append([]byte(nil), routerMAC...), LastSeen: now}
	c.entries[network] = e
	heap.Push(&c.heap, e)
}

// Len reports the current entry count.
func (c *RouterCache) Len() int { return len(c.entries) }

// PurgeStale evicts every entry last refreshed more than ttl before
// now, independent of the size cap Put enforces on insert — spec.md
// §3's router cache is bounded "with a TTL and a hard size cap (evict
// stale first, then LRU)".
func (c *RouterCache) PurgeStale(now time.Time, ttl time.Duration) {
	for network, e := range c.entries {
		if now.Sub(e.LastSeen) > ttl {
			heap.Remove(&c.heap, e.heapIndex)
			delete(c.entries, network)
		}
	}
}
