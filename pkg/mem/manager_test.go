package mem

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietManager(limit uint64) *Manager {
	m := NewManager(limit)
	m.Diag = io.Discard
	return m
}

func TestDataWordRoundTrip(t *testing.T) {
	m := quietManager(0)
	base, err := m.Allocate(64, true, nil, nil, "test")
	require.NoError(t, err)

	words := []Word{
		{Value: 0, IsRef: false},
		{Value: 0xDEADBEEF, IsRef: false},
		{Value: base, IsRef: true},
		{Value: ^uint64(0), IsRef: true},
	}

	for i, w := range words {
		addr := base + uint64(i)*WordSize
		require.NoError(t, m.SetDataWord(addr, w))
	}
	for i, w := range words {
		addr := base + uint64(i)*WordSize
		got, err := m.GetDataWord(addr)
		require.NoError(t, err)
		assert.Equal(t, w, got, "word %d", i)
	}

	// Clearing the tag leaves the value alone.
	require.NoError(t, m.SetDataWord(base, Word{Value: 0xDEADBEEF}))
	got, err := m.GetDataWord(base)
	require.NoError(t, err)
	assert.Equal(t, Word{Value: 0xDEADBEEF}, got)
}

func TestWordAlignment(t *testing.T) {
	m := quietManager(0)
	base, err := m.Allocate(64, true, nil, nil, "")
	require.NoError(t, err)

	_, err = m.GetWord(base + 3)
	assert.ErrorIs(t, err, ErrAlignment)
	assert.ErrorIs(t, m.SetWord(base+5, 1), ErrAlignment)
}

func TestBoundsChecks(t *testing.T) {
	m := quietManager(0)
	base, err := m.Allocate(64, true, nil, nil, "")
	require.NoError(t, err)

	// Reads must stay inside the payload; the bitfield is not addressable.
	_, err = m.Get(base+60, 8)
	assert.ErrorIs(t, err, ErrUnmapped)
	_, err = m.GetWord(base + 64)
	assert.ErrorIs(t, err, ErrUnmapped)

	_, err = m.Get(1 << 40, 1)
	assert.ErrorIs(t, err, ErrUnmapped)

	b, err := m.Get(base, 64)
	require.NoError(t, err)
	assert.Len(t, b, 64)
}

func TestSetGetBytes(t *testing.T) {
	m := quietManager(0)
	base, err := m.Allocate(32, true, nil, nil, "")
	require.NoError(t, err)

	require.NoError(t, m.Set(base+4, []byte("hello")))
	got, err := m.Get(base+4, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

// TestHeapGrowthUnderPressure allocates 16 KiB pinned blocks until the
// backing buffer must double, and checks virtual bases keep ascending.
func TestHeapGrowthUnderPressure(t *testing.T) {
	m := quietManager(0)

	const block = 16 * 1024
	var lastBase uint64
	for i := 0; i < 16; i++ {
		base, err := m.Allocate(block, false, nil, nil, "block")
		require.NoError(t, err)
		if i > 0 {
			assert.Greater(t, base, lastBase)
		}
		lastBase = base
	}

	// 16 blocks of 16 KiB cannot fit the initial 64 KiB heap.
	assert.Greater(t, m.HeapLen(), uint64(MinHeapSize))
	assert.Equal(t, uint64(0), m.HeapLen()%MinHeapSize, "heap grows by doubling")

	// Every block is still readable at its virtual base.
	for _, a := range m.Allocations() {
		_, err := m.Get(a.VirtualBase, a.DataLength)
		assert.NoError(t, err)
	}
}

func TestAllocateFailsAtMemoryLimit(t *testing.T) {
	m := quietManager(MinHeapSize)

	_, err := m.Allocate(MinHeapSize*2, false, nil, nil, "too big")
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// The failed allocation must not leak into the table.
	assert.Empty(t, m.Allocations())
}

func TestAllocationNamesAndOrder(t *testing.T) {
	m := quietManager(0)
	_, err := m.Allocate(8, false, nil, nil, "program")
	require.NoError(t, err)
	_, err = m.Allocate(8, true, nil, nil, "scratch")
	require.NoError(t, err)

	allocs := m.Allocations()
	require.Len(t, allocs, 2)
	assert.Equal(t, "program", allocs[0].Name)
	assert.False(t, allocs[0].Collectible)
	assert.Equal(t, "scratch", allocs[1].Name)
	assert.True(t, allocs[1].Collectible)
	assert.Less(t, allocs[0].ID, allocs[1].ID)
}

func TestDescribeIncludesAllocations(t *testing.T) {
	m := quietManager(0)
	_, err := m.Allocate(8, false, nil, nil, "program")
	require.NoError(t, err)

	out := m.Describe()
	assert.Contains(t, out, "program")
	assert.Contains(t, out, "free")
}
