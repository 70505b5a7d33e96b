package colstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/mvcc"
	"github.com/hupe1980/colstore/schema"
)

func pointsSchema() *schema.Schema {
	return &schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeText, Nullable: true},
			{Name: "score", Type: schema.TypeFloat64, Nullable: true},
		},
		PrimaryKey: 1,
	}
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	o := DefaultOptions()
	o.Dir = t.TempDir()
	o.Capacity = 10000
	o.RedoLogLimit = "64k"
	for _, opt := range opts {
		opt(&o)
	}
	st, err := openStore("points", pointsSchema(), o)
	require.NoError(t, err)
	t.Cleanup(func() { st.close() })
	return st
}

func mustInsert(t *testing.T, st *Store, id int64, name string, score float64) core.RowID {
	t.Helper()
	tx := st.Begin()
	rid, err := st.Insert(tx, []base.Value{id, name, score})
	require.NoError(t, err)
	require.NoError(t, st.Commit(tx))
	return rid
}

func scanAll(t *testing.T, st *Store) []ScanRow {
	t.Helper()
	tx := st.Begin()
	defer st.Abort(tx)
	cur := st.Scan(st.Snapshot(tx), nil)
	defer cur.Close()

	var rows []ScanRow
	for {
		row, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func TestInsertScanCommit(t *testing.T) {
	st := newStore(t)

	rid := mustInsert(t, st, 1, "alpha", 0.5)
	mustInsert(t, st, 2, "beta", 1.5)

	rows := scanAll(t, st)
	require.Len(t, rows, 2)
	assert.Equal(t, rid, rows[0].RowID)
	assert.Equal(t, []base.Value{int64(1), "alpha", 0.5}, rows[0].Values)
	assert.Equal(t, []base.Value{int64(2), "beta", 1.5}, rows[1].Values)
}

func TestUncommittedInvisible(t *testing.T) {
	st := newStore(t)

	writer := st.Begin()
	_, err := st.Insert(writer, []base.Value{int64(1), "alpha", 0.5})
	require.NoError(t, err)

	reader := st.Begin()
	snap := st.Snapshot(reader)
	assert.Empty(t, scanSnap(t, st, snap))

	// Commit after the reader's snapshot: still invisible to it.
	require.NoError(t, st.Commit(writer))
	assert.Empty(t, scanSnap(t, st, snap))

	// A new snapshot of the same reader sees it.
	assert.Len(t, scanSnap(t, st, st.Snapshot(reader)), 1)
}

func scanSnap(t *testing.T, st *Store, snap *mvcc.Snapshot) []ScanRow {
	t.Helper()
	cur := st.Scan(snap, nil)
	defer cur.Close()

	var rows []ScanRow
	for {
		row, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func TestAbortDiscards(t *testing.T) {
	st := newStore(t)

	tx := st.Begin()
	_, err := st.Insert(tx, []base.Value{int64(9), "gone", 0.0})
	require.NoError(t, err)
	st.Abort(tx)

	assert.Empty(t, scanAll(t, st))
}

func TestUpdateCreatesNewVersion(t *testing.T) {
	st := newStore(t)
	rid := mustInsert(t, st, 1, "alpha", 0.5)

	// A reader that started before the update keeps seeing the old
	// version.
	reader := st.Begin()
	before := st.Snapshot(reader)

	tx := st.Begin()
	newID, err := st.Update(tx, rid, []int{1}, []base.Value{"alpha2"})
	require.NoError(t, err)
	require.NotEqual(t, rid, newID)
	require.NoError(t, st.Commit(tx))

	cur := st.Scan(before, nil)
	row, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rid, row.RowID)
	assert.Equal(t, "alpha", row.Values[1])
	_, ok, err = cur.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	rows := scanAll(t, st)
	require.Len(t, rows, 1)
	assert.Equal(t, newID, rows[0].RowID)
	assert.Equal(t, []base.Value{int64(1), "alpha2", 0.5}, rows[0].Values)
}

func TestDelete(t *testing.T) {
	st := newStore(t)
	rid := mustInsert(t, st, 1, "alpha", 0.5)

	tx := st.Begin()
	require.NoError(t, st.Delete(tx, rid))
	require.NoError(t, st.Commit(tx))

	assert.Empty(t, scanAll(t, st))

	// Deleting again finds no visible row.
	tx2 := st.Begin()
	err := st.Delete(tx2, rid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteConflict(t *testing.T) {
	st := newStore(t)
	rid := mustInsert(t, st, 1, "alpha", 0.5)

	tx1 := st.Begin()
	tx2 := st.Begin()
	require.NoError(t, st.Delete(tx1, rid))

	err := st.Delete(tx2, rid)
	assert.ErrorIs(t, err, ErrSerialization)
	_, err = st.Update(tx2, rid, []int{1}, []base.Value{"x"})
	assert.ErrorIs(t, err, ErrSerialization)

	// The conflict stands whether tx1 commits or not; if tx1 aborts the
	// row frees up for a fresh transaction.
	st.Abort(tx1)
	tx3 := st.Begin()
	require.NoError(t, st.Delete(tx3, rid))
	st.Abort(tx3)
}

func TestLookupPK(t *testing.T) {
	st := newStore(t)
	rid := mustInsert(t, st, 42, "alpha", 0.5)
	mustInsert(t, st, 43, "beta", 1.5)

	tx := st.Begin()
	snap := st.Snapshot(tx)

	id, row, err := st.LookupPK(snap, int64(42))
	require.NoError(t, err)
	assert.Equal(t, rid, id)
	assert.Equal(t, "alpha", row[1])

	_, _, err = st.LookupPK(snap, int64(999))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupPKAfterUpdate(t *testing.T) {
	st := newStore(t)
	rid := mustInsert(t, st, 42, "alpha", 0.5)

	tx := st.Begin()
	newID, err := st.Update(tx, rid, []int{2}, []base.Value{9.5})
	require.NoError(t, err)
	require.NoError(t, st.Commit(tx))

	reader := st.Begin()
	id, row, err := st.LookupPK(st.Snapshot(reader), int64(42))
	require.NoError(t, err)
	assert.Equal(t, newID, id)
	assert.Equal(t, 9.5, row[2])
}

func TestScanReset(t *testing.T) {
	st := newStore(t)
	mustInsert(t, st, 1, "a", 0)
	mustInsert(t, st, 2, "b", 0)

	tx := st.Begin()
	cur := st.Scan(st.Snapshot(tx), []int{0})
	n := 0
	for {
		_, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		n++
	}
	require.Equal(t, 2, n)

	cur.Reset()
	row, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []base.Value{int64(1)}, row.Values)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	o := DefaultOptions()
	o.Dir = dir
	o.Capacity = 1000
	o.RedoLogLimit = "64k"

	st, err := openStore("points", pointsSchema(), o)
	require.NoError(t, err)
	mustInsert(t, st, 7, "kept", 2.5)
	require.NoError(t, st.close())

	st2, err := openStore("points", pointsSchema(), o)
	require.NoError(t, err)
	defer st2.close()

	rows := scanAll(t, st2)
	require.Len(t, rows, 1)
	assert.Equal(t, []base.Value{int64(7), "kept", 2.5}, rows[0].Values)

	tx := st2.Begin()
	_, _, err = st2.LookupPK(st2.Snapshot(tx), int64(7))
	assert.NoError(t, err)
}

func TestReopenFreezesCommittedRows(t *testing.T) {
	dir := t.TempDir()
	o := DefaultOptions()
	o.Dir = dir
	o.Capacity = 1000
	o.RedoLogLimit = "64k"

	st, err := openStore("points", pointsSchema(), o)
	require.NoError(t, err)
	rid := mustInsert(t, st, 7, "kept", 2.5)
	require.NoError(t, st.close())

	// A fresh handle starts with a fresh transaction manager; the close
	// must have frozen the committed version so it stays visible.
	st2, err := openStore("points", pointsSchema(), o)
	require.NoError(t, err)
	defer st2.close()

	rows := scanAll(t, st2)
	require.Len(t, rows, 1)
	assert.Equal(t, []base.Value{int64(7), "kept", 2.5}, rows[0].Values)
	assert.Equal(t, core.FrozenXID, st2.tab.SysAttr(rid).Xmin)

	tx := st2.Begin()
	got, _, err := st2.LookupPK(st2.Snapshot(tx), int64(7))
	require.NoError(t, err)
	assert.Equal(t, rid, got)
	st2.Abort(tx)

	// Vacuum must not mistake the frozen row for an abandoned insert.
	n, err := st2.Vacuum(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	up := st2.Begin()
	_, err = st2.Update(up, rid, []int{1}, []base.Value{"kept2"})
	require.NoError(t, err)
	require.NoError(t, st2.Commit(up))
	rows = scanAll(t, st2)
	require.Len(t, rows, 1)
	assert.Equal(t, "kept2", rows[0].Values[1])
}

func TestUpdateSharedLockStripe(t *testing.T) {
	st := newStore(t)

	// Fill enough slots that the version written by the update lands on
	// the same lock stripe as the row it replaces.
	tx := st.Begin()
	for i := 0; i < 4000; i++ {
		_, err := st.Insert(tx, []base.Value{int64(i), "x", 0.0})
		require.NoError(t, err)
	}
	require.NoError(t, st.Commit(tx))

	done := make(chan error, 1)
	go func() {
		up := st.Begin()
		_, err := st.Update(up, 0, []int{1}, []base.Value{"y"})
		if err == nil {
			err = st.Commit(up)
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("update against a shared stripe did not return")
	}

	tx2 := st.Begin()
	got, _, err := st.LookupPK(st.Snapshot(tx2), int64(0))
	require.NoError(t, err)
	assert.EqualValues(t, 4000, got)
}

func TestSchemaMismatchOnReopen(t *testing.T) {
	dir := t.TempDir()
	o := DefaultOptions()
	o.Dir = dir
	o.Capacity = 1000
	o.RedoLogLimit = "64k"

	st, err := openStore("points", pointsSchema(), o)
	require.NoError(t, err)
	require.NoError(t, st.close())

	other := pointsSchema()
	other.Columns[1].Type = schema.TypeBytes
	_, err = openStore("points", other, o)
	assert.ErrorIs(t, err, schema.ErrIncompatible)
}

func TestCapacityExhausted(t *testing.T) {
	st := newStore(t, WithCapacity(4))

	tx := st.Begin()
	for i := 0; i < 4; i++ {
		_, err := st.Insert(tx, []base.Value{int64(i), "x", 0.0})
		require.NoError(t, err)
	}
	_, err := st.Insert(tx, []base.Value{int64(99), "x", 0.0})
	assert.ErrorIs(t, err, ErrCapacityExhausted)
}

func TestLogWatermarkAdvances(t *testing.T) {
	st := newStore(t)
	w0 := st.LogWatermark()
	mustInsert(t, st, 1, "a", 0)
	assert.Greater(t, st.LogWatermark(), w0)

	require.NoError(t, st.ViewBase(func(b []byte) error {
		assert.NotEmpty(t, b)
		return nil
	}))
	require.NoError(t, st.ViewLog(func(b []byte) error {
		assert.NotEmpty(t, b)
		return nil
	}))
}
