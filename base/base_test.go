package base

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/schema"
)

func testLayout(t *testing.T, capacity uint32) *schema.Layout {
	t.Helper()
	l, err := schema.Compute(&schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeText, Nullable: true},
			{Name: "score", Type: schema.TypeFloat64, Nullable: true},
			{Name: "flag", Type: schema.TypeBool},
		},
		PrimaryKey: 1,
	}, capacity, 0)
	require.NoError(t, err)
	return l
}

func createTable(t *testing.T, capacity uint32) (*Table, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "points.base")
	tab, err := Create(path, testLayout(t, capacity), "points")
	require.NoError(t, err)
	return tab, path
}

func TestCreateOpenRoundTrip(t *testing.T) {
	tab, path := createTable(t, 1000)

	id, err := tab.AllocateRowID(0)
	require.NoError(t, err)
	require.NoError(t, tab.StoreValue(0, id, int64(42)))
	require.NoError(t, tab.StoreValue(1, id, "alpha"))
	require.NoError(t, tab.StoreValue(2, id, 3.5))
	require.NoError(t, tab.StoreValue(3, id, true))
	tab.SetSysAttr(id, core.SysAttr{Xmin: core.FrozenXID})
	require.NoError(t, tab.Close())

	tab2, dirty, err := Open(path, tab.Layout(), "points")
	require.NoError(t, err)
	defer tab2.Close()
	assert.False(t, dirty)
	assert.EqualValues(t, 1, tab2.Nitems())

	row, err := tab2.FetchRow(id, nil)
	require.NoError(t, err)
	assert.Equal(t, []Value{int64(42), "alpha", 3.5, true}, row)
	assert.Equal(t, core.SysAttr{Xmin: core.FrozenXID}, tab2.SysAttr(id))
}

func TestNullHandling(t *testing.T) {
	tab, _ := createTable(t, 100)
	defer tab.Close()

	id, err := tab.AllocateRowID(0)
	require.NoError(t, err)

	require.NoError(t, tab.StoreValue(1, id, nil))
	require.NoError(t, tab.StoreValue(2, id, nil))
	v, err := tab.FetchValue(1, id)
	require.NoError(t, err)
	assert.Nil(t, v)

	// NULL into a NOT NULL column is a configuration error.
	err = tab.StoreValue(0, id, nil)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	// Overwriting NULL with a value flips the bit back.
	require.NoError(t, tab.StoreValue(2, id, 1.25))
	v, err = tab.FetchValue(2, id)
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
}

func TestTypeMismatch(t *testing.T) {
	tab, _ := createTable(t, 100)
	defer tab.Close()

	id, err := tab.AllocateRowID(0)
	require.NoError(t, err)
	assert.ErrorIs(t, tab.StoreValue(0, id, "nope"), core.ErrConfiguration)
	assert.ErrorIs(t, tab.StoreValue(1, id, 7), core.ErrConfiguration)
}

func TestExtraRegionGrowth(t *testing.T) {
	tab, path := createTable(t, 200)

	big := strings.Repeat("x", 64<<10)
	var ids []core.RowID
	rev := tab.Revision()
	for i := 0; i < 100; i++ {
		id, err := tab.AllocateRowID(0)
		require.NoError(t, err)
		require.NoError(t, tab.StoreValue(0, id, int64(i)))
		require.NoError(t, tab.StoreValue(1, id, big))
		ids = append(ids, id)
	}
	assert.Greater(t, tab.Revision(), rev, "growth must publish a new revision")

	for _, id := range ids {
		v, err := tab.FetchValue(1, id)
		require.NoError(t, err)
		assert.Equal(t, big, v)
	}
	require.NoError(t, tab.Close())

	// Growth survives reopen through the header's extra length.
	tab2, _, err := Open(path, tab.Layout(), "points")
	require.NoError(t, err)
	defer tab2.Close()
	v, err := tab2.FetchValue(1, ids[len(ids)-1])
	require.NoError(t, err)
	assert.Equal(t, big, v)
}

func TestDirtySignature(t *testing.T) {
	tab, path := createTable(t, 100)
	require.NoError(t, tab.MarkMapped())
	require.NoError(t, tab.Close())

	tab2, dirty, err := Open(path, tab.Layout(), "points")
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, tab2.MarkClean())
	require.NoError(t, tab2.Close())

	tab3, dirty, err := Open(path, tab.Layout(), "points")
	require.NoError(t, err)
	defer tab3.Close()
	assert.False(t, dirty)
}

func TestOpenRejectsMismatchedSchema(t *testing.T) {
	tab, path := createTable(t, 100)
	require.NoError(t, tab.Close())

	other, err := schema.Compute(&schema.Schema{
		Columns: []schema.Column{{Name: "id", Type: schema.TypeInt32}},
	}, 100, 0)
	require.NoError(t, err)
	_, _, err = Open(path, other, "points")
	assert.ErrorIs(t, err, schema.ErrIncompatible)

	_, _, err = Open(path, tab.Layout(), "other")
	assert.ErrorIs(t, err, schema.ErrIncompatible)
}

func TestRowIDPersistence(t *testing.T) {
	tab, path := createTable(t, 1000)
	for i := 0; i < 10; i++ {
		_, err := tab.AllocateRowID(0)
		require.NoError(t, err)
	}
	require.True(t, tab.ReleaseRowID(core.RowID(4)))
	require.NoError(t, tab.Close())

	tab2, _, err := Open(path, tab.Layout(), "points")
	require.NoError(t, err)
	defer tab2.Close()

	assert.Equal(t, 9, tab2.AllocatedRows())
	assert.False(t, tab2.RowIDAllocated(4))
	id, err := tab2.AllocateRowID(0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, id)
}

func TestRebuildRowIDs(t *testing.T) {
	tab, _ := createTable(t, 1000)
	defer tab.Close()

	for i := 0; i < 20; i++ {
		_, err := tab.AllocateRowID(0)
		require.NoError(t, err)
	}
	tab.RebuildRowIDs(func(id core.RowID) bool { return id%2 == 0 && id < 10 })
	assert.Equal(t, 5, tab.AllocatedRows())
	assert.EqualValues(t, 9, tab.Nitems())
	assert.True(t, tab.RowIDAllocated(8))
	assert.False(t, tab.RowIDAllocated(7))
}

func TestLockRowPairSharedStripe(t *testing.T) {
	tab, _ := createTable(t, 1000)
	defer tab.Close()

	// 0 and 4000 map to the same stripe; locking the pair must take that
	// stripe once, not twice.
	tab.LockRowPair(0, numRowLocks)
	tab.UnlockRowPair(0, numRowLocks)

	// Distinct stripes, given in either order.
	tab.LockRowPair(5, 3)
	tab.UnlockRowPair(5, 3)
	tab.LockRowPair(3, 5)
	tab.UnlockRowPair(3, 5)
}

func TestXIDCursorPersistence(t *testing.T) {
	tab, path := createTable(t, 1000)
	tab.SetXIDCursor(42)
	require.NoError(t, tab.Sync())
	require.NoError(t, tab.MarkClean())
	require.NoError(t, tab.Close())

	tab2, dirty, err := Open(path, testLayout(t, 1000), "points")
	require.NoError(t, err)
	defer tab2.Close()
	assert.False(t, dirty)
	assert.EqualValues(t, 42, tab2.XIDCursor())
}

func TestWithHashGeometry(t *testing.T) {
	tab, _ := createTable(t, 500)
	defer tab.Close()

	err := tab.WithHash(func(slots, next []uint32) error {
		assert.Len(t, next, 500)
		assert.EqualValues(t, tab.Layout().HashSlots, len(slots))
		for _, s := range slots[:16] {
			assert.Equal(t, uint32(0xFFFFFFFF), s)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestViewExposesWholeImage(t *testing.T) {
	tab, _ := createTable(t, 100)
	defer tab.Close()

	err := tab.View(func(b []byte) error {
		require.GreaterOrEqual(t, uint64(len(b)), tab.Layout().FileSize())
		assert.Equal(t, schema.BaseSignature[:], b[:8])
		return nil
	})
	require.NoError(t, err)
}
