package tsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeIDPoolAllocateDoesNotReissueActiveID(t *testing.T) {
	p := NewInvokeIDPool()
	seen := make(map[uint8]bool)
	for i := 0; i < 256; i++ {
		id, ok := p.Allocate()
		require.True(t, ok)
		assert.False(t, seen[id], "id %d reissued while still active", id)
		seen[id] = true
	}
	_, ok := p.Allocate()
	assert.False(t, ok, "pool of 256 ids must refuse a 257th concurrent allocation")
}

func TestInvokeIDPoolReleaseAllowsReuse(t *testing.T) {
	p := NewInvokeIDPool()
	id, ok := p.Allocate()
	require.True(t, ok)
	assert.True(t, p.IsAllocated(id))
	p.Release(id)
	assert.False(t, p.IsAllocated(id))
}
