package colstore

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/hashindex"
	"github.com/hupe1980/colstore/redo"
)

// recover brings a base file whose last shutdown was unclean back to a
// consistent state: reapply redo records from the checkpoint, resolve
// transaction outcomes, rebuild the row-id allocator and the hash index,
// and recompute extra region consumption. It runs before the store serves
// any operation.
func (s *Store) recover() error {
	s.logger.Warn("unclean shutdown detected, replaying redo log",
		"checkpoint", s.log.Checkpoint(), "tail", s.log.Watermark())

	// First pass: transaction outcomes and the extra space the replayed
	// images will need, so growth happens once, up front.
	var extraNeed uint64
	touched := roaring.New()
	if err := s.log.Replay(func(_ uint64, rec *redo.Record) error {
		s.tm.Observe(rec.XID)
		if rec.Type == redo.RecCommit {
			s.tm.MarkCommitted(rec.XID)
			return nil
		}
		touched.Add(uint32(rec.RowID))
		for i, c := range rec.Cols {
			if rec.Values[i] == nil {
				continue
			}
			if s.layout.Cols[c].Type.IsVarlena() {
				b, err := base.EncodeKey(s.layout.Cols[c].Type, rec.Values[i])
				if err != nil {
					return err
				}
				extraNeed += (4 + uint64(len(b)) + 7) &^ 7
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if extraNeed > 0 {
		if err := s.tab.EnsureExtraLen(s.tab.ExtraUsage() + extraNeed); err != nil {
			return err
		}
	}

	// Second pass: apply the records in order. Visibility rules sort out
	// rows of transactions that never committed.
	if err := s.log.Replay(func(off uint64, rec *redo.Record) error {
		return s.applyRecord(off, rec)
	}); err != nil {
		return err
	}

	// The header's row count is only flushed at checkpoints, so after a
	// crash it can trail the replayed records. Liveness is settled once
	// here, bounded by the stale count and the highest replayed row.
	bound := s.tab.Nitems()
	if !touched.IsEmpty() {
		if m := touched.Maximum() + 1; m > bound {
			bound = m
		}
	}
	live := roaring.New()
	for id := uint32(0); id < bound; id++ {
		if s.tab.SysAttr(core.RowID(id)).Xmin != core.InvalidXID {
			live.Add(id)
		}
	}

	// Rebuild the derived structures in parallel; they live in disjoint
	// sections of the mapping.
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		s.tab.RebuildRowIDs(func(id core.RowID) bool {
			return live.Contains(uint32(id))
		})
		return nil
	})
	if s.hash != nil {
		g.Go(func() error { return s.rebuildHashIndex(live) })
	}
	g.Go(func() error {
		s.recomputeExtraUsage(live)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.Checkpoint(); err != nil {
		return err
	}
	s.logger.Info("recovery complete",
		"rows", s.tab.AllocatedRows(), "replayed", touched.GetCardinality())
	return nil
}

func (s *Store) applyRecord(off uint64, rec *redo.Record) error {
	if uint32(rec.RowID) >= s.layout.Capacity {
		return fmt.Errorf("%w: redo record at %d names row %d beyond capacity",
			core.ErrCorruption, off, rec.RowID)
	}
	switch rec.Type {
	case redo.RecInsert:
		return s.applyTuple(rec, core.SysAttr{Xmin: rec.XID, Cid: rec.CID})
	case redo.RecUpdate:
		if err := s.applyTuple(rec, core.SysAttr{Xmin: rec.XID, Cid: rec.CID}); err != nil {
			return err
		}
		if uint32(rec.OldRowID) < s.layout.Capacity {
			old := s.tab.SysAttr(rec.OldRowID)
			old.Xmax = rec.XID
			old.Cid = rec.CID
			s.tab.SetSysAttr(rec.OldRowID, old)
		}
		return nil
	case redo.RecDelete:
		attr := s.tab.SysAttr(rec.RowID)
		attr.Xmax = rec.XID
		attr.Cid = rec.CID
		s.tab.SetSysAttr(rec.RowID, attr)
		return nil
	}
	return nil
}

// applyTuple writes a replayed row image. Columns missing from an UPDATE
// image are taken from the superseded row, which replay order guarantees
// is still intact.
func (s *Store) applyTuple(rec *redo.Record, attr core.SysAttr) error {
	present := make(map[int]int, len(rec.Cols))
	for i, c := range rec.Cols {
		present[c] = i
	}
	for c := 0; c < s.layout.NumCols(); c++ {
		var v base.Value
		if i, ok := present[c]; ok {
			v = rec.Values[i]
		} else if rec.Type == redo.RecUpdate && uint32(rec.OldRowID) < s.layout.Capacity {
			old, err := s.tab.FetchValue(c, rec.OldRowID)
			if err != nil {
				return err
			}
			v = old
		}
		if v == nil && !s.layout.Cols[c].Nullable {
			continue
		}
		if err := s.tab.StoreValue(c, rec.RowID, v); err != nil {
			return err
		}
	}
	s.tab.SetSysAttr(rec.RowID, attr)
	return nil
}

// rebuildHashIndex recreates every bucket chain from the occupied rows.
// Key hashes are computed before the chains are touched so no table
// access happens under the hash section view.
func (s *Store) rebuildHashIndex(live *roaring.Bitmap) error {
	type entry struct {
		id   core.RowID
		hash uint64
	}
	var entries []entry
	pkType := s.layout.Cols[s.pkCol].Type
	it := live.Iterator()
	for it.HasNext() {
		id := core.RowID(it.Next())
		v, err := s.tab.FetchValue(s.pkCol, id)
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		key, err := base.EncodeKey(pkType, v)
		if err != nil {
			return err
		}
		entries = append(entries, entry{id: id, hash: hashindex.Hash(key)})
	}
	return s.tab.WithHash(func(slots, next []uint32) error {
		s.hash.Reset(slots, next)
		for _, e := range entries {
			s.hash.Insert(slots, next, e.hash, e.id)
		}
		return nil
	})
}

// recomputeExtraUsage walks every varlena slot of every occupied row and
// resets the bump cursor past the furthest value.
func (s *Store) recomputeExtraUsage(live *roaring.Bitmap) {
	if !s.layout.HasVarlena {
		return
	}
	high := uint64(0)
	it := live.Iterator()
	for it.HasNext() {
		id := core.RowID(it.Next())
		for c := 0; c < s.layout.NumCols(); c++ {
			if !s.layout.Cols[c].Type.IsVarlena() {
				continue
			}
			end, ok := s.tab.VarlenaEnd(c, id)
			if ok && end > high {
				high = end
			}
		}
	}
	s.tab.SetExtraUsage((high + 7) &^ 7)
}
