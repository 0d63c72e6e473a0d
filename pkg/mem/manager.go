package mem

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Allocation is a logical memory object: a stable virtual address backed by a
// movable physical region, with a per-word reference bitfield and a
// collectibility flag.
type Allocation struct {
	ID          uint64
	Start       uint64 // current physical base; moves during compaction
	DataLength  uint64
	Collectible bool
	Name        string
	VirtualBase uint64
	BlockID     uint64
	RegionID    uint64
}

// Manager is the managed memory façade: word-granular reads and writes over
// virtual addresses, allocation with transparent collection and heap growth,
// and forced collection cycles.
type Manager struct {
	heap      *regionTable
	addresses *vmap
	buf       []byte

	allocs     map[uint64]*Allocation
	allocOrder []uint64
	nextID     uint64

	limit uint64

	// Diag receives the allocation-table dump printed when an allocation
	// fails for good. Defaults to standard error.
	Diag io.Writer
}

// NewManager creates a manager with an empty heap of MinHeapSize bytes.
// A non-zero limit overrides the MaxHeapSize growth cap.
func NewManager(limit uint64) *Manager {
	if limit == 0 {
		limit = MaxHeapSize
	}
	return &Manager{
		heap:      newRegionTable(MinHeapSize),
		addresses: newVmap(),
		buf:       make([]byte, MinHeapSize),
		allocs:    map[uint64]*Allocation{},
		limit:     limit,
		Diag:      os.Stderr,
	}
}

// resolve translates a virtual address and looks up its allocation.
func (m *Manager) resolve(addr uint64) (*Allocation, uint64, error) {
	id, offset, err := m.addresses.translate(addr)
	if err != nil {
		return nil, 0, err
	}
	a, ok := m.allocs[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %#016x", ErrUnmapped, addr)
	}
	return a, offset, nil
}

// Get returns the size bytes at a virtual address. The returned slice aliases
// the backing buffer and must not be held across an allocation or collection.
func (m *Manager) Get(addr, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	a, offset, err := m.resolve(addr)
	if err != nil {
		return nil, err
	}
	if offset+size > a.DataLength {
		return nil, fmt.Errorf("%w: %#016x+%d is past the end of allocation %d",
			ErrUnmapped, addr, size, a.ID)
	}
	start := a.Start + offset
	return m.buf[start : start+size], nil
}

// Set writes bytes at a virtual address.
func (m *Manager) Set(addr uint64, data []byte) error {
	dst, err := m.Get(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func ensureAligned(addr uint64) error {
	if addr%WordSize != 0 {
		return fmt.Errorf("%w: %#016x is not word-aligned", ErrAlignment, addr)
	}
	return nil
}

// GetWord reads the untagged word value at a word-aligned virtual address.
func (m *Manager) GetWord(addr uint64) (uint64, error) {
	if err := ensureAligned(addr); err != nil {
		return 0, err
	}
	b, err := m.Get(addr, WordSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// SetWord writes an untagged word value at a word-aligned virtual address.
func (m *Manager) SetWord(addr, value uint64) error {
	if err := ensureAligned(addr); err != nil {
		return err
	}
	var b [WordSize]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.Set(addr, b[:])
}

// GetDataWord reads a tagged word: the value plus its reference bit from the
// allocation's bitfield.
func (m *Manager) GetDataWord(addr uint64) (Word, error) {
	value, err := m.GetWord(addr)
	if err != nil {
		return Word{}, err
	}
	a, offset, err := m.resolve(addr)
	if err != nil {
		return Word{}, err
	}
	return Word{Value: value, IsRef: m.refBit(a, offset)}, nil
}

// SetDataWord writes a tagged word: the value and its reference bit.
func (m *Manager) SetDataWord(addr uint64, w Word) error {
	if err := m.SetWord(addr, w.Value); err != nil {
		return err
	}
	a, offset, err := m.resolve(addr)
	if err != nil {
		return err
	}
	m.setRefBit(a, offset, w.IsRef)
	return nil
}

func (m *Manager) refBit(a *Allocation, offset uint64) bool {
	wi := offset / WordSize
	b := m.buf[a.Start+a.DataLength+wi/8]
	return b&(1<<(wi%8)) != 0
}

func (m *Manager) setRefBit(a *Allocation, offset uint64, isRef bool) {
	wi := offset / WordSize
	idx := a.Start + a.DataLength + wi/8
	if isRef {
		m.buf[idx] |= 1 << (wi % 8)
	} else {
		m.buf[idx] &^= 1 << (wi % 8)
	}
}

// Allocate reserves dataSize bytes of managed memory and returns its virtual
// base address. Under pressure it first runs a collection over roots, then
// doubles the backing buffer up to the configured cap. Bootstrap allocations
// pass collectible=false and are pinned forever.
func (m *Manager) Allocate(dataSize uint64, collectible bool, roots []Word, preferredBase *uint64, name string) (uint64, error) {
	id := m.nextID + 1

	r, ok := m.heap.allocate(dataSize, id)
	if !ok {
		if err := m.ForceGC(roots); err != nil {
			return 0, err
		}
		r, ok = m.heap.allocate(dataSize, id)
	}
	if !ok {
		if err := m.grow(dataSize); err != nil {
			return 0, err
		}
		r, ok = m.heap.allocate(dataSize, id)
		if !ok {
			return 0, m.outOfMemory(dataSize)
		}
	}

	base, blockID, err := m.addresses.mapBlock(dataSize, id, preferredBase)
	if err != nil {
		m.heap.deallocate(r.id)
		return 0, err
	}

	m.nextID = id
	a := &Allocation{
		ID:          id,
		Start:       r.base,
		DataLength:  dataSize,
		Collectible: collectible,
		Name:        name,
		VirtualBase: base,
		BlockID:     blockID,
		RegionID:    r.id,
	}
	m.allocs[id] = a
	m.allocOrder = append(m.allocOrder, id)

	for i := r.base; i < r.end(); i++ {
		m.buf[i] = 0
	}

	return base, nil
}

// grow doubles the backing buffer until it can hold the current used bytes
// plus one more region of dataSize payload, capped at the memory limit.
func (m *Manager) grow(dataSize uint64) error {
	current := uint64(len(m.buf))
	target := m.heap.usedBytes() + regionSize(dataSize)

	newLen := current
	for newLen < target {
		newLen *= 2
	}
	if newLen == current {
		newLen *= 2
	}
	if newLen > m.limit {
		newLen = m.limit
	}
	if newLen < target || newLen <= current {
		return m.outOfMemory(dataSize)
	}

	m.buf = append(m.buf, make([]byte, newLen-current)...)
	return m.heap.extend(newLen)
}

func (m *Manager) outOfMemory(dataSize uint64) error {
	fmt.Fprintf(m.Diag, "allocation of %d bytes failed\n%s\n", dataSize, m.DescribeAllocations())
	return fmt.Errorf("%w: no region can hold %d bytes", ErrOutOfMemory, dataSize)
}

// Allocations returns a snapshot of the allocation table in allocation order.
func (m *Manager) Allocations() []Allocation {
	out := make([]Allocation, 0, len(m.allocs))
	for _, id := range m.allocOrder {
		if a, ok := m.allocs[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// HeapLen returns the current length of the backing buffer.
func (m *Manager) HeapLen() uint64 { return uint64(len(m.buf)) }
