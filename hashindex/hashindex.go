// Package hashindex implements the optional primary key index: a chained
// hash table living inside the base file. A slot array holds the head
// row-id per bucket and a next array links rows within a bucket; the end
// of a chain is marked with 0xFFFFFFFF.
//
// The index is advisory. Readers verify key equality and visibility on
// the row data itself, so a damaged chain degrades to not-found and a
// rebuild, never to wrong results.
package hashindex

import (
	"hash/fnv"
	"sync"

	"github.com/hupe1980/colstore/core"
)

// ChainEnd terminates a bucket chain.
const ChainEnd = ^uint32(0)

// numBucketLocks stripes bucket-granular locking.
const numBucketLocks = 5000

// Index drives the mapped slot and chain arrays. It holds no pointer into
// the mapping; callers pass the current arrays into each operation.
type Index struct {
	nrooms uint32
	nslots uint64
	locks  []sync.Mutex
}

// New creates an index driver for a table capacity and slot count.
func New(nrooms uint32, nslots uint64) *Index {
	return &Index{
		nrooms: nrooms,
		nslots: nslots,
		locks:  make([]sync.Mutex, numBucketLocks),
	}
}

// Hash derives the bucket hash for a canonical key image.
func Hash(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

func (ix *Index) bucket(hash uint64) uint64 { return hash % ix.nslots }

func (ix *Index) lock(bucket uint64) *sync.Mutex {
	return &ix.locks[bucket%numBucketLocks]
}

// Insert prepends a row to its bucket chain.
func (ix *Index) Insert(slots, next []uint32, hash uint64, id core.RowID) {
	b := ix.bucket(hash)
	l := ix.lock(b)
	l.Lock()
	next[id] = slots[b]
	slots[b] = uint32(id)
	l.Unlock()
}

// Collect returns the row-ids currently chained under the key's bucket,
// head first. Out-of-range links and cycles end the walk early; the
// caller treats what was collected as the complete candidate set.
func (ix *Index) Collect(slots, next []uint32, hash uint64) []core.RowID {
	b := ix.bucket(hash)
	l := ix.lock(b)
	l.Lock()
	defer l.Unlock()

	var out []core.RowID
	cur := slots[b]
	for hops := uint32(0); cur != ChainEnd && hops < ix.nrooms; hops++ {
		if cur >= ix.nrooms {
			break
		}
		out = append(out, core.RowID(cur))
		cur = next[cur]
	}
	return out
}

// Remove unlinks a row from its bucket chain. It reports whether the row
// was found; a miss after index damage is not an error.
func (ix *Index) Remove(slots, next []uint32, hash uint64, id core.RowID) bool {
	b := ix.bucket(hash)
	l := ix.lock(b)
	l.Lock()
	defer l.Unlock()

	cur := slots[b]
	if cur == uint32(id) {
		slots[b] = next[id]
		next[id] = ChainEnd
		return true
	}
	for hops := uint32(0); cur != ChainEnd && hops < ix.nrooms; hops++ {
		if cur >= ix.nrooms {
			return false
		}
		if next[cur] == uint32(id) {
			next[cur] = next[id]
			next[id] = ChainEnd
			return true
		}
		cur = next[cur]
	}
	return false
}

// Reset empties every bucket, the first step of a rebuild.
func (ix *Index) Reset(slots, next []uint32) {
	for i := range slots {
		slots[i] = ChainEnd
	}
	for i := range next {
		next[i] = ChainEnd
	}
}
