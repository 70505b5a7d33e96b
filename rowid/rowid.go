// Package rowid implements the hierarchical row-id allocator: a 1-4 level
// bitmap where leaf bits mark allocated row slots and each non-leaf bit
// summarizes "every slot below is taken". Allocation scans for the first
// clear leaf bit; a summary bit is propagated upward only when a 64-bit
// word becomes entirely set, while release unconditionally clears the whole
// ancestor path, since one free slot makes every ancestor "has space".
//
// The map lives inside the base file; this package operates on the mapped
// words and leaves section headers, locking and views to the caller. All
// operations on one Map must be serialized by a single allocator-wide lock.
package rowid

import (
	"math/bits"
	"sync"

	"github.com/hupe1980/colstore/core"
)

// HeaderSize is the fixed prefix of the on-disk row-id map section:
// signature, section length, capacity, padding.
const HeaderSize = 24

const invalid = ^uint32(0)

// NumWords returns the number of 64-bit bitmap words for a capacity.
// Intermediate levels are always full-sized; only the leaf level is sized
// to the capacity, rounded up to whole 256-bit nodes.
func NumWords(nrooms uint32) uint64 {
	leaf := uint64((nrooms + 255) &^ 255) / 64
	switch {
	case nrooms <= 1<<8:
		return 4
	case nrooms <= 1<<16:
		return 4 + leaf
	case nrooms <= 1<<24:
		return 4 + (4 << 8) + leaf
	default:
		return 4 + (4 << 8) + (4 << 16) + leaf
	}
}

// MapSize returns the on-disk size of the row-id map section, header
// included.
func MapSize(nrooms uint32) uint64 {
	return HeaderSize + 8*NumWords(nrooms)
}

// Levels returns the bitmap depth used for a capacity.
func Levels(nrooms uint32) int {
	switch {
	case nrooms <= 1<<8:
		return 1
	case nrooms <= 1<<16:
		return 2
	case nrooms <= 1<<24:
		return 3
	default:
		return 4
	}
}

// Map allocates and releases dense row-ids in [0, capacity). The words
// slice holding the bitmap is passed into each call because the backing
// mapping may be replaced by a remap; Map itself holds no pointer into it.
type Map struct {
	mu         sync.Mutex
	nrooms     uint32
	depth      int
	levelStart [4]int
}

// New creates an allocator for the given fixed capacity.
func New(nrooms uint32) *Map {
	m := &Map{nrooms: nrooms, depth: Levels(nrooms)}
	starts := [4]int{0, 4, 4 + (4 << 8), 4 + (4 << 8) + (4 << 16)}
	for d := 0; d < m.depth; d++ {
		m.levelStart[d] = starts[d]
	}
	return m
}

// Capacity returns the fixed number of row slots.
func (m *Map) Capacity() uint32 { return m.nrooms }

// Allocate finds the first free row-id at or after minRowID, marks it
// allocated and returns it. ok is false when no slot is free at or after
// minRowID; the caller may surface that as capacity exhaustion.
func (m *Map) Allocate(words []uint64, minRowID core.RowID) (core.RowID, bool) {
	if uint32(minRowID) >= m.nrooms {
		return 0, false
	}
	// Pre-shift so the top byte always carries the level-0 index bits,
	// whatever the depth.
	minID := uint32(minRowID) << (8 * (4 - m.depth))

	m.mu.Lock()
	defer m.mu.Unlock()

	id, _ := m.allocAt(words, 0, 0, minID)
	if id == invalid {
		return 0, false
	}
	return core.RowID(id), true
}

// allocAt walks one node (4 words, 256 bits) at the given depth. offset is
// the node's index within its level; the top byte of minID selects where
// the scan starts inside this node. The second return reports whether the
// node still has unused capacity below it, which the parent uses to decide
// summary-bit propagation.
func (m *Map) allocAt(words []uint64, depth int, offset, minID uint32) (uint32, bool) {
	if offset<<8 >= m.nrooms {
		return invalid, false
	}
	node := words[m.levelStart[depth]+4*int(offset):]
	leaf := depth == m.depth-1

	rowID := invalid
	mask := (uint64(1) << ((minID >> 24) & 0x3f)) - 1
	for k := minID >> 30; k < 4; k++ {
		w := node[k] | mask
		mask = 0
	retry:
		if w == ^uint64(0) {
			continue
		}
		bit := uint32(bits.TrailingZeros64(^w))
		b := uint64(1) << bit
		id := bit | offset<<8 | k<<6
		if leaf {
			// Bits past the capacity are never valid; everything after
			// this one is larger still, so stop here either way.
			if id < m.nrooms {
				node[k] |= b
				rowID = id
			}
			break
		}
		child, childUnused := m.allocAt(words, depth+1, id, minID<<8)
		if !childUnused {
			node[k] |= b
		}
		if child == invalid {
			// Subtree full or out of range; skip this bit and rescan
			// from the start of the next subtree.
			w |= b
			minID = 0
			goto retry
		}
		rowID = child
		break
	}

	hasUnused := node[0]&node[1]&node[2]&node[3] != ^uint64(0)
	return rowID, hasUnused
}

// Release clears the leaf bit for id and unconditionally clears every
// ancestor summary bit on the path. It returns false if the bit was
// already clear: a double release is reported, never corrupting.
func (m *Map) Release(words []uint64, id core.RowID) bool {
	if uint32(id) >= m.nrooms {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(words, uint32(id))
}

func (m *Map) releaseLocked(words []uint64, id uint32) bool {
	leaf := words[m.levelStart[m.depth-1]:]
	if leaf[id>>6]&(1<<(id&63)) == 0 {
		return false
	}
	for d := 0; d < m.depth; d++ {
		idx := id >> (8 * (m.depth - 1 - d))
		lvl := words[m.levelStart[d]:]
		lvl[idx>>6] &^= 1 << (idx & 63)
	}
	return true
}

// IsAllocated reports whether the leaf bit for id is set.
func (m *Map) IsAllocated(words []uint64, id core.RowID) bool {
	if uint32(id) >= m.nrooms {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf := words[m.levelStart[m.depth-1]:]
	return leaf[uint32(id)>>6]&(1<<(uint32(id)&63)) != 0
}

// Allocated counts set leaf bits.
func (m *Map) Allocated(words []uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf := words[m.levelStart[m.depth-1]:]
	n := 0
	for i := uint64(0); i < leafWords(m.nrooms); i++ {
		n += bits.OnesCount64(leaf[i])
	}
	return n
}

// Rebuild reconstructs the whole bitmap from scratch: the leaf level from
// the allocated predicate, then each summary level bottom-up. Used by
// recovery after a dirty shutdown.
func (m *Map) Rebuild(words []uint64, allocated func(core.RowID) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range words[:NumWords(m.nrooms)] {
		words[i] = 0
	}
	leaf := words[m.levelStart[m.depth-1]:]
	for id := uint32(0); id < m.nrooms; id++ {
		if allocated(core.RowID(id)) {
			leaf[id>>6] |= 1 << (id & 63)
		}
	}
	for d := m.depth - 2; d >= 0; d-- {
		lvl := words[m.levelStart[d]:]
		child := words[m.levelStart[d+1]:]
		nodes := int(leafWords(m.nrooms)+3) / 4
		if d+1 < m.depth-1 {
			nodes = levelNodes(d + 1)
		}
		for p := 0; p < nodes; p++ {
			n := child[4*p:]
			if n[0]&n[1]&n[2]&n[3] == ^uint64(0) {
				lvl[p>>6] |= 1 << (p & 63)
			}
		}
	}
}

func leafWords(nrooms uint32) uint64 {
	return uint64((nrooms+255)&^255) / 64
}

func levelNodes(d int) int {
	// Full intermediate levels: 4<<8 words at depth 1, 4<<16 at depth 2.
	switch d {
	case 1:
		return (4 << 8) / 4
	case 2:
		return (4 << 16) / 4
	default:
		return 1
	}
}
