package redo

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/schema"
)

func testLayout(t *testing.T) *schema.Layout {
	t.Helper()
	l, err := schema.Compute(&schema.Schema{
		Columns: []schema.Column{
			{Name: "id", Type: schema.TypeInt64},
			{Name: "name", Type: schema.TypeText, Nullable: true},
			{Name: "score", Type: schema.TypeFloat64, Nullable: true},
		},
		PrimaryKey: 1,
	}, 1000, 0)
	require.NoError(t, err)
	return l
}

func newLog(t *testing.T, opts Options) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "points.redo")
	if opts.Limit == 0 {
		opts.Limit = MinLimit
	}
	lg, err := Create(path, testLayout(t), opts)
	require.NoError(t, err)
	return lg, path
}

func TestAppendReplayRoundTrip(t *testing.T) {
	lg, _ := newLog(t, Options{})
	defer lg.Close()

	recs := []*Record{
		{Type: RecInsert, RowID: 7, XID: 3, CID: 0,
			Cols: []int{0, 1, 2}, Values: []base.Value{int64(1), "alpha", nil}},
		{Type: RecUpdate, RowID: 8, OldRowID: 7, XID: 3, CID: 1,
			Cols: []int{1}, Values: []base.Value{"beta"}},
		{Type: RecDelete, RowID: 8, XID: 4, CID: 0},
		{Type: RecCommit, XID: 3},
	}
	var offsets []uint64
	for _, r := range recs {
		off, err := lg.Append(r)
		require.NoError(t, err)
		offsets = append(offsets, off)
	}
	assert.EqualValues(t, HeaderSize, offsets[0])

	var got []*Record
	require.NoError(t, lg.Replay(func(off uint64, rec *Record) error {
		assert.Equal(t, offsets[len(got)], off)
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, len(recs))

	assert.Equal(t, RecInsert, got[0].Type)
	assert.Equal(t, []int{0, 1, 2}, got[0].Cols)
	assert.Equal(t, []base.Value{int64(1), "alpha", nil}, got[0].Values)
	assert.EqualValues(t, 7, got[0].RowID)

	assert.Equal(t, RecUpdate, got[1].Type)
	assert.EqualValues(t, 7, got[1].OldRowID)
	assert.Equal(t, []base.Value{"beta"}, got[1].Values)

	assert.Equal(t, RecDelete, got[2].Type)
	assert.Equal(t, core.InvalidRowID, got[2].OldRowID)
	assert.Nil(t, got[2].Cols)

	assert.Equal(t, RecCommit, got[3].Type)
	assert.EqualValues(t, 3, got[3].XID)
}

func TestReopenFindsTail(t *testing.T) {
	lg, path := newLog(t, Options{})
	for i := 0; i < 10; i++ {
		_, err := lg.Append(&Record{Type: RecInsert, RowID: core.RowID(i), XID: 3,
			Cols: []int{0}, Values: []base.Value{int64(i)}})
		require.NoError(t, err)
	}
	tail := lg.Watermark()
	require.NoError(t, lg.Close())

	lg2, err := Open(path, testLayout(t), Options{Limit: MinLimit})
	require.NoError(t, err)
	defer lg2.Close()
	assert.Equal(t, tail, lg2.Watermark())

	// Appends continue where the last session stopped.
	off, err := lg2.Append(&Record{Type: RecCommit, XID: 3})
	require.NoError(t, err)
	assert.Equal(t, tail, off)
}

func TestCheckpointBoundsReplay(t *testing.T) {
	lg, _ := newLog(t, Options{})
	defer lg.Close()

	for i := 0; i < 5; i++ {
		_, err := lg.Append(&Record{Type: RecDelete, RowID: core.RowID(i), XID: 3})
		require.NoError(t, err)
	}
	mid := lg.Watermark()
	require.NoError(t, lg.SetCheckpoint(mid))
	for i := 5; i < 8; i++ {
		_, err := lg.Append(&Record{Type: RecDelete, RowID: core.RowID(i), XID: 3})
		require.NoError(t, err)
	}

	var seen []core.RowID
	require.NoError(t, lg.Replay(func(_ uint64, rec *Record) error {
		seen = append(seen, rec.RowID)
		return nil
	}))
	assert.Equal(t, []core.RowID{5, 6, 7}, seen)
}

func TestReplayIdempotentDecoding(t *testing.T) {
	lg, _ := newLog(t, Options{})
	defer lg.Close()

	_, err := lg.Append(&Record{Type: RecInsert, RowID: 1, XID: 3,
		Cols: []int{1}, Values: []base.Value{strings.Repeat("v", 100)}})
	require.NoError(t, err)

	for pass := 0; pass < 2; pass++ {
		n := 0
		require.NoError(t, lg.Replay(func(_ uint64, rec *Record) error {
			n++
			return nil
		}))
		assert.Equal(t, 1, n, "pass %d", pass)
	}
}

func TestRotation(t *testing.T) {
	var retired []string
	var baseSyncs atomic.Int32
	lg, path := newLog(t, Options{
		Limit: MinLimit,
		SyncBase: func() error {
			baseSyncs.Add(1)
			return nil
		},
		OnRotate: func(p string) { retired = append(retired, p) },
	})
	defer lg.Close()

	// Fill past one segment.
	payload := strings.Repeat("x", 1024)
	for i := 0; i < 80; i++ {
		_, err := lg.Append(&Record{Type: RecInsert, RowID: core.RowID(i), XID: 3,
			Cols: []int{1}, Values: []base.Value{payload}})
		require.NoError(t, err)
	}

	require.NotEmpty(t, retired)
	assert.EqualValues(t, len(retired), baseSyncs.Load(), "one base sync per rotation")
	for _, p := range retired {
		_, err := os.Stat(p)
		assert.NoError(t, err, "retired segment must survive rotation")
	}
	_, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, "none", lg.State())
}

func TestRotationExactlyOnceUnderContention(t *testing.T) {
	var rotations atomic.Int32
	lg, _ := newLog(t, Options{
		Limit:    MinLimit,
		OnRotate: func(string) { rotations.Add(1) },
	})
	defer lg.Close()

	payload := strings.Repeat("y", 512)
	var wg sync.WaitGroup
	var appended atomic.Int32
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := lg.Append(&Record{Type: RecInsert, RowID: 1, XID: 3,
					Cols: []int{1}, Values: []base.Value{payload}})
				if err == nil {
					appended.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 160, appended.Load())
	// 160 records of ~576 bytes in 64 KiB segments: one or two rotations,
	// never one per contender.
	assert.GreaterOrEqual(t, rotations.Load(), int32(1))
	assert.LessOrEqual(t, rotations.Load(), int32(3))
}

func TestOversizedRecordRejected(t *testing.T) {
	lg, _ := newLog(t, Options{Limit: MinLimit})
	defer lg.Close()

	_, err := lg.Append(&Record{Type: RecInsert, RowID: 1, XID: 3,
		Cols: []int{1}, Values: []base.Value{strings.Repeat("z", MinLimit)}})
	assert.ErrorIs(t, err, core.ErrCapacityExhausted)
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.redo")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	_, err := Open(path, testLayout(t), Options{Limit: MinLimit})
	assert.ErrorIs(t, err, core.ErrCorruption)
}
