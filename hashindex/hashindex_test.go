package hashindex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/core"
)

func newArrays(nrooms uint32, nslots uint64) (slots, next []uint32) {
	slots = make([]uint32, nslots)
	next = make([]uint32, nrooms)
	for i := range slots {
		slots[i] = ChainEnd
	}
	for i := range next {
		next[i] = ChainEnd
	}
	return slots, next
}

func TestInsertCollect(t *testing.T) {
	ix := New(100, 16)
	slots, next := newArrays(100, 16)

	ix.Insert(slots, next, 5, 1)
	ix.Insert(slots, next, 5, 2)
	ix.Insert(slots, next, 21, 3) // 21 % 16 == 5, same bucket

	assert.Equal(t, []core.RowID{3, 2, 1}, ix.Collect(slots, next, 5))
	assert.Empty(t, ix.Collect(slots, next, 6))
}

func TestRemove(t *testing.T) {
	ix := New(100, 16)
	slots, next := newArrays(100, 16)
	for id := core.RowID(0); id < 5; id++ {
		ix.Insert(slots, next, 7, id)
	}

	// Head, middle and tail.
	require.True(t, ix.Remove(slots, next, 7, 4))
	require.True(t, ix.Remove(slots, next, 7, 2))
	require.True(t, ix.Remove(slots, next, 7, 0))
	assert.Equal(t, []core.RowID{3, 1}, ix.Collect(slots, next, 7))

	assert.False(t, ix.Remove(slots, next, 7, 4), "already removed")
	assert.False(t, ix.Remove(slots, next, 9, 3), "wrong bucket")
}

func TestDamagedChainDegrades(t *testing.T) {
	ix := New(100, 16)
	slots, next := newArrays(100, 16)
	ix.Insert(slots, next, 3, 10)
	ix.Insert(slots, next, 3, 11)

	// Out-of-range link: the walk stops with what it has.
	next[11] = 5000
	got := ix.Collect(slots, next, 3)
	assert.Equal(t, []core.RowID{11}, got)
	assert.False(t, ix.Remove(slots, next, 3, 10))

	// Cycle: the hop bound ends the walk.
	next[11] = 11
	got = ix.Collect(slots, next, 3)
	assert.LessOrEqual(t, len(got), 100)
}

func TestReset(t *testing.T) {
	ix := New(50, 8)
	slots, next := newArrays(50, 8)
	for id := core.RowID(0); id < 20; id++ {
		ix.Insert(slots, next, uint64(id), id)
	}
	ix.Reset(slots, next)
	for h := uint64(0); h < 8; h++ {
		assert.Empty(t, ix.Collect(slots, next, h))
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	const nrooms = 10000
	ix := New(nrooms, 64)
	slots, next := newArrays(nrooms, 64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < nrooms/8; i++ {
				id := core.RowID(w*nrooms/8 + i)
				h := uint64(id) % 7
				ix.Insert(slots, next, h, id)
				if i%2 == 0 {
					ix.Remove(slots, next, h, id)
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for h := uint64(0); h < 7; h++ {
		total += len(ix.Collect(slots, next, h))
	}
	assert.Equal(t, nrooms/2, total)
}

func TestHashStability(t *testing.T) {
	assert.Equal(t, Hash([]byte("alpha")), Hash([]byte("alpha")))
	assert.NotEqual(t, Hash([]byte("alpha")), Hash([]byte("beta")))
}
