package colstore

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/mvcc"
)

// Vacuum reclaims row slots that are dead for every present and future
// snapshot: aborted inserts and rows whose delete committed below the
// freeze horizon. At most one vacuum runs at a time; a second
// call returns immediately with zero reclaimed. The scan is throttled by
// the configured row rate.
func (s *Store) Vacuum(ctx context.Context) (int, error) {
	if !s.vacuumSem.TryAcquire(1) {
		return 0, nil
	}
	defer s.vacuumSem.Release(1)

	horizon := s.tm.FreezeHorizon()
	n := s.tab.Nitems()

	// Candidate pass without row locks; each candidate is re-checked
	// under its lock before anything is reclaimed.
	candidates := roaring.New()
	for id := uint32(0); id < n; id++ {
		if err := s.vacuumRate.Wait(ctx); err != nil {
			return 0, err
		}
		if !s.tab.RowIDAllocated(core.RowID(id)) {
			continue
		}
		if mvcc.Vacuumable(s.tm, s.tab.SysAttr(core.RowID(id)), horizon) {
			candidates.Add(id)
		}
	}

	reclaimed := 0
	it := candidates.Iterator()
	for it.HasNext() {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		id := core.RowID(it.Next())
		ok, err := s.reclaimRow(id, horizon)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		s.logger.Info("vacuum reclaimed rows", "count", reclaimed)
	}
	return reclaimed, nil
}

func (s *Store) reclaimRow(id core.RowID, horizon core.XID) (bool, error) {
	s.tab.LockRow(id)
	attr := s.tab.SysAttr(id)
	if !mvcc.Vacuumable(s.tm, attr, horizon) {
		s.tab.UnlockRow(id)
		return false, nil
	}

	var pk base.Value
	if s.hash != nil {
		v, err := s.tab.FetchValue(s.pkCol, id)
		if err != nil {
			s.tab.UnlockRow(id)
			return false, err
		}
		pk = v
	}
	s.tab.SetSysAttr(id, core.SysAttr{})
	s.tab.UnlockRow(id)

	if err := s.indexRemove(id, pk); err != nil {
		return false, err
	}
	s.tab.ReleaseRowID(id)
	return true, nil
}
