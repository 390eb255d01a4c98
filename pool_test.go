package transportloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPool_SegmentSizing(t *testing.T) {
	assert.Equal(t, defaultSegmentSize, NewMemoryPool(0).SegmentSize())
	assert.Equal(t, 4096, NewMemoryPool(4096).SegmentSize())
	// Non-power-of-two rounds up.
	assert.Equal(t, 4096, NewMemoryPool(2049).SegmentSize())
	assert.Equal(t, 2048, NewMemoryPool(1025).SegmentSize())
}

func TestMemoryPool_RentRelease(t *testing.T) {
	p := NewMemoryPool(1024)
	h := p.Rent()
	require.False(t, h.IsEmpty())
	require.Len(t, h.Bytes(), 1024)

	h.Release()
	assert.True(t, h.IsEmpty())
	// Idempotent.
	h.Release()
}

// TestMemoryPool_Recycles verifies a released segment circulates instead of
// growing the pool.
func TestMemoryPool_Recycles(t *testing.T) {
	p := NewMemoryPool(512)
	h := p.Rent()
	require.Equal(t, 1, p.slabCount)
	h.Release()

	// A full slab's worth of churn must not allocate a second slab.
	for i := 0; i < slabSegmentCount*4; i++ {
		h := p.Rent()
		h.Release()
	}
	assert.Equal(t, 1, p.slabCount)
}

func TestMemoryPool_GrowsUnderPressure(t *testing.T) {
	p := NewMemoryPool(512)
	handles := make([]MemoryHandle, slabSegmentCount+1)
	for i := range handles {
		handles[i] = p.Rent()
		require.False(t, handles[i].IsEmpty())
	}
	assert.Equal(t, 2, p.slabCount)
	for i := range handles {
		handles[i].Release()
	}
}

func TestMemoryPool_Dispose(t *testing.T) {
	p := NewMemoryPool(512)
	h := p.Rent()
	p.Dispose()

	h2 := p.Rent()
	assert.True(t, h2.IsEmpty())
	// Outstanding handles release into the void without panicking.
	h.Release()
}

// TestMemoryPool_SegmentsDisjoint guards the slab carving: concurrent
// handles must never alias.
func TestMemoryPool_SegmentsDisjoint(t *testing.T) {
	p := NewMemoryPool(512)
	a := p.Rent()
	b := p.Rent()
	a.Bytes()[0] = 0xAA
	b.Bytes()[0] = 0xBB
	assert.EqualValues(t, 0xAA, a.Bytes()[0])
	assert.EqualValues(t, 0xBB, b.Bytes()[0])
	a.Release()
	b.Release()
}
