package mem

import "fmt"

// block binds a range of page-aligned virtual addresses to one allocation.
type block struct {
	id      uint64
	allocID uint64
	base    uint64
	size    uint64
}

type pageEntry struct {
	blockID uint64
	offset  uint64
}

// vmap translates virtual addresses to (allocation, offset) pairs at page
// granularity. Virtual addresses are handed out monotonically and never
// reused, even after a block is unmapped.
type vmap struct {
	nextAddress uint64
	nextBlockID uint64
	blocks      map[uint64]*block
	pages       map[uint64]pageEntry
}

func newVmap() *vmap {
	return &vmap{
		blocks: map[uint64]*block{},
		pages:  map[uint64]pageEntry{},
	}
}

// mapBlock reserves virtual address space for an allocation of size bytes
// and returns its base address and block id. A preferred base must be
// page-aligned and at or above the current watermark.
//
// Pages 0 through size/PageSize inclusive are mapped, so every block carries
// one page past its payload as an end sentinel.
func (m *vmap) mapBlock(size, allocID uint64, preferredBase *uint64) (uint64, uint64, error) {
	if preferredBase != nil {
		base := *preferredBase
		if base%PageSize != 0 {
			return 0, 0, fmt.Errorf("%w: %#x is not page-aligned", ErrBadBase, base)
		}
		if base < m.nextAddress {
			return 0, 0, fmt.Errorf("%w: %#x is below the address watermark %#x",
				ErrBadBase, base, m.nextAddress)
		}
		m.nextAddress = base
	}

	m.nextBlockID++
	b := &block{
		id:      m.nextBlockID,
		allocID: allocID,
		base:    m.nextAddress,
		size:    size,
	}
	m.blocks[b.id] = b

	for p := uint64(0); p <= size/PageSize; p++ {
		m.pages[b.base+p*PageSize] = pageEntry{blockID: b.id, offset: p * PageSize}
		m.nextAddress += PageSize
	}

	return b.base, b.id, nil
}

// translate resolves a virtual address to its owning allocation id and the
// byte offset within that allocation.
func (m *vmap) translate(addr uint64) (uint64, uint64, error) {
	aligned := addr - addr%PageSize
	entry, ok := m.pages[aligned]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %#016x", ErrUnmapped, addr)
	}
	b := m.blocks[entry.blockID]
	return b.allocID, entry.offset + (addr - aligned), nil
}

// unmap removes a block and all its page entries. The freed virtual range is
// never handed out again.
func (m *vmap) unmap(blockID uint64) {
	b, ok := m.blocks[blockID]
	if !ok {
		return
	}
	for p := uint64(0); p <= b.size/PageSize; p++ {
		delete(m.pages, b.base+p*PageSize)
	}
	delete(m.blocks, blockID)
}

// blockBase returns the virtual base of a block.
func (m *vmap) blockBase(blockID uint64) (uint64, bool) {
	b, ok := m.blocks[blockID]
	if !ok {
		return 0, false
	}
	return b.base, true
}
