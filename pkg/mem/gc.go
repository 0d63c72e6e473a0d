package mem

import "encoding/binary"

// ForceGC runs one precise collection cycle: trace from the supplied roots
// and from every non-collectible allocation, deallocate whatever was not
// reached, then compact the heap. Virtual addresses of survivors are
// unchanged; their physical bases move.
func (m *Manager) ForceGC(roots []Word) error {
	collectible := map[uint64]bool{}
	for id, a := range m.allocs {
		if a.Collectible {
			collectible[id] = true
		}
	}

	var worklist []uint64
	for _, root := range roots {
		if root.IsRef {
			worklist = append(worklist, root.Value)
		}
	}
	for _, a := range m.allocs {
		if !a.Collectible {
			worklist = append(worklist, a.VirtualBase)
		}
	}

	visited := map[uint64]bool{}
	for len(worklist) > 0 {
		addr := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		// Dangling or mis-tagged references are tolerated: a root that
		// does not translate is skipped, not reported.
		id, _, err := m.addresses.translate(addr)
		if err != nil {
			continue
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		delete(collectible, id)

		a := m.allocs[id]
		for wi := uint64(0); wi < a.DataLength/WordSize; wi++ {
			if m.refBit(a, wi*WordSize) {
				start := a.Start + wi*WordSize
				worklist = append(worklist, binary.LittleEndian.Uint64(m.buf[start:start+WordSize]))
			}
		}
	}

	for id := range collectible {
		if err := m.deallocate(id); err != nil {
			return err
		}
	}

	m.heap.compact(m.buf)
	for _, a := range m.allocs {
		a.Start = m.heap.byID[a.RegionID].base
	}

	return nil
}

// deallocate removes an allocation from the table, unmaps its virtual block
// and frees its region.
func (m *Manager) deallocate(id uint64) error {
	a := m.allocs[id]
	m.addresses.unmap(a.BlockID)
	if err := m.heap.deallocate(a.RegionID); err != nil {
		return err
	}
	delete(m.allocs, id)
	for i, other := range m.allocOrder {
		if other == id {
			m.allocOrder = append(m.allocOrder[:i], m.allocOrder[i+1:]...)
			break
		}
	}
	return nil
}
