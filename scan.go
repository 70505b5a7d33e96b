package colstore

import (
	"sync/atomic"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/mvcc"
)

// Cursor iterates the visible rows of a snapshot in row-id order. It is
// finite: rows allocated after the cursor was opened are beyond its
// bound. Safe for concurrent Next calls; each row is returned once.
type Cursor struct {
	store *Store
	snap  *mvcc.Snapshot
	cols  []int
	bound uint32
	pos   atomic.Uint32
}

// ScanRow is one row yielded by a cursor.
type ScanRow struct {
	RowID  core.RowID
	Values []base.Value
	Sys    core.SysAttr
}

// Scan opens a cursor over the snapshot. cols selects user columns by
// index; nil means all of them.
func (s *Store) Scan(snap *mvcc.Snapshot, cols []int) *Cursor {
	return &Cursor{
		store: s,
		snap:  snap,
		cols:  cols,
		bound: s.tab.Nitems(),
	}
}

// Next returns the next visible row, or ok==false at the end.
func (c *Cursor) Next() (ScanRow, bool, error) {
	for {
		id := c.pos.Add(1) - 1
		if id >= c.bound {
			return ScanRow{}, false, nil
		}
		row, attr, visible, err := c.store.fetchVisible(c.snap, core.RowID(id), c.cols)
		if err != nil {
			return ScanRow{}, false, err
		}
		if visible {
			return ScanRow{RowID: core.RowID(id), Values: row, Sys: attr}, true, nil
		}
	}
}

// Reset restarts the cursor from the first row.
func (c *Cursor) Reset() { c.pos.Store(0) }

// Close releases the cursor. It exists for symmetry with other iterators;
// a cursor holds no resources beyond its snapshot reference.
func (c *Cursor) Close() {}
