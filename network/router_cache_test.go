package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterCacheGetPutRoundTrip(t *testing.T) {
	c := NewRouterCache(4)
	now := time.Now()
	c.Put(10, []byte{1, 2, 3, 4, 5, 6}, now)
	mac, ok := c.Get(10)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, mac)
}

func TestRouterCacheEvictsOldestOnOverflow(t *testing.T) {
	c := NewRouterCache(3)
	base := time.Now()
	c.Put(1, []byte{1}, base)
	c.Put(2, []byte{2}, base.Add(time.Second))
	c.Put(3, []byte{3}, base.Add(2*time.Second))
	assert.Equal(t, 3, c.Len())

	c.Put(4, []byte{4}, base.Add(3*time.Second))
	assert.Equal(t, 3, c.Len(), "cache must never exceed its cap regardless of insert volume")

	_, ok := c.Get(1)
	assert.False(t, ok, "the oldest entry (network 1) must be evicted")
	_, ok = c.Get(4)
	assert.True(t, ok)
}

func TestRouterCacheRefreshUpdatesLastSeenWithoutEviction(t *testing.T) {
	c := NewRouterCache(2)
	base := time.Now()
	c.Put(1, []byte{1}, base)
	c.Put(2, []byte{2}, base.Add(time.Second))
	c.Put(1, []byte{9}, base.Add(5*time.Second)) // refresh network 1, now the newest
	c.Put(3, []byte{3}, base.Add(6*time.Second))

	_, ok := c.Get(2)
	assert.False(t, ok, "network 2 is now the oldest and should be evicted")
	mac, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte{9}, mac)
}

func TestRouterCachePurgeStaleEvictsOnlyExpiredEntries(t *testing.T) {
	c := NewRouterCache(4)
	base := time.Now()
	c.Put(1, []byte{1}, base)
	c.Put(2, []byte{2}, base.Add(5*time.Minute))

	c.PurgeStale(base.Add(10*time.Minute), 8*time.Minute)
	_, ok := c.Get(1)
	assert.False(t, ok, "network 1 is older than the TTL and must be purged")
	_, ok = c.Get(2)
	assert.True(t, ok, "network 2 is within the TTL and must survive")
	assert.Equal(t, 1, c.Len())
}

func TestRouterCacheNeverExceedsCapUnderFlood(t *testing.T) {
	c := NewRouterCache(16)
	base := time.Now()
	for i := 0; i < 10000; i++ {
		c.Put(uint16(i%65000+1), []byte{byte(i)}, base.Add(time.Duration(i)*time.Millisecond))
	}
	assert.LessOrEqual(t, c.Len(), 16)
}
