package colstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/hashindex"
	"github.com/hupe1980/colstore/mvcc"
	"github.com/hupe1980/colstore/redo"
	"github.com/hupe1980/colstore/schema"
)

// Store is one open table: the mapped base file, its redo log, the
// transaction manager and the optional primary key index. Stores are
// created through Open and shared via reference counted handles; all
// methods are safe for concurrent use.
type Store struct {
	name   string
	opts   Options
	logger *slog.Logger

	layout *schema.Layout
	tab    *base.Table
	log    *redo.Log
	tm     *mvcc.TxManager

	hash  *hashindex.Index // nil without a primary key
	pkCol int              // 0-based, -1 without a primary key

	vacuumSem  *semaphore.Weighted
	vacuumRate *rate.Limiter

	archiveWG sync.WaitGroup
	closed    atomic.Bool
}

func openStore(name string, s *schema.Schema, opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	layout, err := schema.Compute(s, opts.Capacity, opts.HashSlots)
	if err != nil {
		return nil, err
	}
	logLimit, err := ParseSize(opts.RedoLogLimit)
	if err != nil {
		return nil, err
	}

	st := &Store{
		name:       name,
		opts:       opts,
		logger:     opts.Logger.With("table", name),
		layout:     layout,
		tm:         mvcc.NewTxManager(),
		pkCol:      s.PrimaryKey - 1,
		vacuumSem:  semaphore.NewWeighted(1),
		vacuumRate: rate.NewLimiter(opts.VacuumRowsPerSec, int(opts.VacuumRowsPerSec)),
	}
	if s.PrimaryKey > 0 {
		st.hash = hashindex.New(layout.Capacity, layout.HashSlots)
	}

	basePath := filepath.Join(opts.Dir, name+".base")
	redoPath := filepath.Join(opts.Dir, name+".redo")
	redoOpts := redo.Options{
		Limit:    logLimit,
		SyncBase: func() error {
			st.tab.SetXIDCursor(uint32(st.tm.NextXID()))
			return st.tab.Sync()
		},
		OnRotate: st.onRotate,
		Logger:   st.logger,
	}

	if _, statErr := os.Stat(basePath); os.IsNotExist(statErr) {
		if st.tab, err = base.Create(basePath, layout, name); err != nil {
			return nil, err
		}
		if st.log, err = redo.Create(redoPath, layout, redoOpts); err != nil {
			st.tab.Close()
			return nil, err
		}
		st.logger.Info("store created", "capacity", layout.Capacity)
	} else {
		tab, wasDirty, err := base.Open(basePath, layout, name)
		if err != nil {
			return nil, err
		}
		st.tab = tab
		// A prior session may have handed out ids up to the persisted
		// cursor; starting below it would make old row versions look
		// like they belong to transactions that have not begun yet.
		st.tm.AdvanceTo(core.XID(tab.XIDCursor()))
		if st.log, err = redo.Open(redoPath, layout, redoOpts); err != nil {
			st.tab.Close()
			return nil, err
		}
		if !wasDirty && st.log.Watermark() > st.log.Checkpoint() {
			st.logger.Warn("clean base file with redo records past the checkpoint",
				"checkpoint", st.log.Checkpoint(), "tail", st.log.Watermark())
			wasDirty = true
		}
		if wasDirty {
			if err := st.recover(); err != nil {
				st.tab.Close()
				st.log.Close()
				return nil, err
			}
		}
	}

	if err := st.tab.MarkMapped(); err != nil {
		st.tab.Close()
		st.log.Close()
		return nil, err
	}
	return st, nil
}

// Name returns the table name.
func (s *Store) Name() string { return s.name }

// Schema returns the layout the store was opened with.
func (s *Store) Schema() *schema.Schema { return s.layout.Schema }

// Begin opens a transaction.
func (s *Store) Begin() *mvcc.Tx { return s.tm.Begin() }

// Snapshot captures the visibility horizon for a transaction.
func (s *Store) Snapshot(tx *mvcc.Tx) *mvcc.Snapshot { return s.tm.Snapshot(tx) }

// Commit appends the transaction's commit record, makes it durable when
// SyncOnCommit is set, and marks the transaction committed.
func (s *Store) Commit(tx *mvcc.Tx) error {
	if _, err := s.log.Append(&redo.Record{Type: redo.RecCommit, XID: tx.XID()}); err != nil {
		return err
	}
	if s.opts.SyncOnCommit {
		if err := s.log.Sync(); err != nil {
			return err
		}
	}
	tx.Commit()
	return nil
}

// Abort marks the transaction aborted. No record is written: replay
// resolves transactions without a commit record as aborted.
func (s *Store) Abort(tx *mvcc.Tx) { tx.Abort() }

// Insert appends a new row and returns its row-id. The row becomes
// visible to later commands once the transaction commits.
func (s *Store) Insert(tx *mvcc.Tx, values []base.Value) (core.RowID, error) {
	if len(values) != s.layout.NumCols() {
		return core.InvalidRowID, fmt.Errorf("%w: %d values for %d columns",
			core.ErrConfiguration, len(values), s.layout.NumCols())
	}
	cols := make([]int, len(values))
	for i := range cols {
		cols[i] = i
	}

	id, err := s.tab.AllocateRowID(0)
	if err != nil {
		return core.InvalidRowID, err
	}
	if _, err := s.log.Append(&redo.Record{
		Type: redo.RecInsert, RowID: id, XID: tx.XID(), CID: tx.CommandID(),
		Cols: cols, Values: values,
	}); err != nil {
		s.tab.ReleaseRowID(id)
		return core.InvalidRowID, err
	}

	s.tab.LockRow(id)
	storeErr := s.storeRowLocked(id, cols, values, core.SysAttr{Xmin: tx.XID(), Cid: tx.CommandID()})
	s.tab.UnlockRow(id)
	if storeErr != nil {
		s.tab.ReleaseRowID(id)
		return core.InvalidRowID, storeErr
	}

	if s.hash != nil {
		if err := s.indexInsert(id, values[s.pkCol]); err != nil {
			return core.InvalidRowID, err
		}
	}
	tx.AdvanceCommand()
	s.logger.Debug("insert", "rowid", uint32(id), "xid", uint32(tx.XID()))
	return id, nil
}

func (s *Store) indexInsert(id core.RowID, pkValue base.Value) error {
	if s.hash == nil {
		return nil
	}
	key, err := base.EncodeKey(s.layout.Cols[s.pkCol].Type, pkValue)
	if err != nil {
		return err
	}
	h := hashindex.Hash(key)
	return s.tab.WithHash(func(slots, next []uint32) error {
		s.hash.Insert(slots, next, h, id)
		return nil
	})
}

func (s *Store) indexRemove(id core.RowID, pkValue base.Value) error {
	if s.hash == nil || pkValue == nil {
		return nil
	}
	key, err := base.EncodeKey(s.layout.Cols[s.pkCol].Type, pkValue)
	if err != nil {
		return err
	}
	h := hashindex.Hash(key)
	return s.tab.WithHash(func(slots, next []uint32) error {
		s.hash.Remove(slots, next, h, id)
		return nil
	})
}

// storeRowLocked writes the listed column values and the system attribute
// of a freshly allocated row. Caller holds the row lock.
func (s *Store) storeRowLocked(id core.RowID, cols []int, values []base.Value, attr core.SysAttr) error {
	for i, c := range cols {
		if err := s.tab.StoreValue(c, id, values[i]); err != nil {
			return err
		}
	}
	s.tab.SetSysAttr(id, attr)
	return nil
}

// Update writes a new row version carrying the changed columns and marks
// the old version deleted. cols lists the changed user columns; values is
// parallel to cols.
func (s *Store) Update(tx *mvcc.Tx, old core.RowID, cols []int, values []base.Value) (core.RowID, error) {
	if len(cols) == 0 || len(cols) != len(values) {
		return core.InvalidRowID, fmt.Errorf("%w: %d columns with %d values",
			core.ErrConfiguration, len(cols), len(values))
	}
	if uint32(old) >= s.tab.Nitems() {
		return core.InvalidRowID, &RowNotFoundError{Table: s.name, RowID: uint32(old)}
	}
	snap := s.tm.Snapshot(tx)

	// The new slot is allocated before any lock so both stripes can be
	// taken in order; old and new may share a stripe.
	newID, err := s.tab.AllocateRowID(0)
	if err != nil {
		return core.InvalidRowID, err
	}

	s.tab.LockRowPair(old, newID)
	fail := func(err error) (core.RowID, error) {
		s.tab.UnlockRowPair(old, newID)
		s.tab.ReleaseRowID(newID)
		return core.InvalidRowID, err
	}

	attr := s.tab.SysAttr(old)
	switch snap.WriteCheck(&attr) {
	case mvcc.WriteInvisible:
		return fail(&RowNotFoundError{Table: s.name, RowID: uint32(old)})
	case mvcc.WriteConflict:
		return fail(&SerializationError{Table: s.name, RowID: uint32(old)})
	}

	if _, err := s.log.Append(&redo.Record{
		Type: redo.RecUpdate, RowID: newID, OldRowID: old,
		XID: tx.XID(), CID: tx.CommandID(),
		Cols: cols, Values: values,
	}); err != nil {
		return fail(err)
	}

	// Build the new version: changed columns from the caller, the rest
	// copied from the old version.
	newValues := make([]base.Value, s.layout.NumCols())
	changed := make(map[int]int, len(cols))
	for i, c := range cols {
		changed[c] = i
	}
	for c := 0; c < s.layout.NumCols(); c++ {
		if i, ok := changed[c]; ok {
			newValues[c] = values[i]
			continue
		}
		v, err := s.tab.FetchValue(c, old)
		if err != nil {
			return fail(err)
		}
		newValues[c] = v
	}

	allCols := make([]int, len(newValues))
	for i := range allCols {
		allCols[i] = i
	}
	if err := s.storeRowLocked(newID, allCols, newValues, core.SysAttr{Xmin: tx.XID(), Cid: tx.CommandID()}); err != nil {
		return fail(err)
	}

	attr.Xmax = tx.XID()
	attr.Cid = tx.CommandID()
	s.tab.SetSysAttr(old, attr)
	s.tab.UnlockRowPair(old, newID)

	if s.hash != nil {
		if err := s.indexInsert(newID, newValues[s.pkCol]); err != nil {
			return core.InvalidRowID, err
		}
	}
	tx.AdvanceCommand()
	s.logger.Debug("update", "rowid", uint32(newID), "old", uint32(old), "xid", uint32(tx.XID()))
	return newID, nil
}

// Delete marks a row version deleted by this transaction.
func (s *Store) Delete(tx *mvcc.Tx, id core.RowID) error {
	if uint32(id) >= s.tab.Nitems() {
		return &RowNotFoundError{Table: s.name, RowID: uint32(id)}
	}
	snap := s.tm.Snapshot(tx)

	s.tab.LockRow(id)
	defer s.tab.UnlockRow(id)

	attr := s.tab.SysAttr(id)
	switch snap.WriteCheck(&attr) {
	case mvcc.WriteInvisible:
		return &RowNotFoundError{Table: s.name, RowID: uint32(id)}
	case mvcc.WriteConflict:
		return &SerializationError{Table: s.name, RowID: uint32(id)}
	}
	if _, err := s.log.Append(&redo.Record{
		Type: redo.RecDelete, RowID: id, XID: tx.XID(), CID: tx.CommandID(),
	}); err != nil {
		return err
	}
	attr.Xmax = tx.XID()
	attr.Cid = tx.CommandID()
	s.tab.SetSysAttr(id, attr)
	tx.AdvanceCommand()
	s.logger.Debug("delete", "rowid", uint32(id), "xid", uint32(tx.XID()))
	return nil
}

// fetchVisible reads a row if the snapshot sees it, caching visibility
// outcomes back into the system attribute under the row lock.
func (s *Store) fetchVisible(snap *mvcc.Snapshot, id core.RowID, cols []int) ([]base.Value, core.SysAttr, bool, error) {
	s.tab.LockRow(id)
	attr := s.tab.SysAttr(id)
	visible, dirty := snap.ReadVisible(&attr)
	if dirty {
		s.tab.SetSysAttr(id, attr)
	}
	s.tab.UnlockRow(id)

	if !visible {
		return nil, attr, false, nil
	}
	row, err := s.tab.FetchRow(id, cols)
	if err != nil {
		return nil, attr, false, err
	}
	return row, attr, true, nil
}

// LookupPK returns the visible row matching the primary key value.
func (s *Store) LookupPK(snap *mvcc.Snapshot, key base.Value) (core.RowID, []base.Value, error) {
	if s.hash == nil {
		return core.InvalidRowID, nil, fmt.Errorf("%w: table %q has no primary key",
			core.ErrConfiguration, s.name)
	}
	keyBytes, err := base.EncodeKey(s.layout.Cols[s.pkCol].Type, key)
	if err != nil {
		return core.InvalidRowID, nil, err
	}
	h := hashindex.Hash(keyBytes)

	var candidates []core.RowID
	if err := s.tab.WithHash(func(slots, next []uint32) error {
		candidates = s.hash.Collect(slots, next, h)
		return nil
	}); err != nil {
		return core.InvalidRowID, nil, err
	}

	for _, id := range candidates {
		row, _, visible, err := s.fetchVisible(snap, id, nil)
		if err != nil {
			return core.InvalidRowID, nil, err
		}
		if !visible {
			continue
		}
		got, err := base.EncodeKey(s.layout.Cols[s.pkCol].Type, row[s.pkCol])
		if err != nil || string(got) != string(keyBytes) {
			continue
		}
		return id, row, nil
	}
	return core.InvalidRowID, nil, &RowNotFoundError{Table: s.name, RowID: uint32(core.InvalidRowID)}
}

// LogWatermark returns the redo log append position for the device
// synchronizer.
func (s *Store) LogWatermark() uint64 { return s.log.Watermark() }

// ViewBase exposes the raw base image under the mapping lock.
func (s *Store) ViewBase(fn func(b []byte) error) error { return s.tab.View(fn) }

// ViewLog exposes the raw redo segment under the log's shared lock.
func (s *Store) ViewLog(fn func(b []byte) error) error { return s.log.View(fn) }

// freezeRows resolves normal transaction ids in the row headers: xids
// committed below the freeze horizon become FrozenXID, aborted ones are
// cleared. Rows referencing a transaction still in progress, or a commit
// still pinned by a snapshot, stay as they are. Reports whether every row
// came out resolved.
func (s *Store) freezeRows() bool {
	horizon := s.tm.FreezeHorizon()
	resolved := true
	n := core.RowID(s.tab.Nitems())
	for id := core.RowID(0); id < n; id++ {
		if !s.tab.RowIDAllocated(id) {
			continue
		}
		s.tab.LockRow(id)
		attr := s.tab.SysAttr(id)
		dirty := false
		if attr.Xmin.IsNormal() {
			switch s.tm.Status(attr.Xmin) {
			case mvcc.TxCommitted:
				if attr.Xmin < horizon {
					attr.Xmin = core.FrozenXID
					dirty = true
				} else {
					resolved = false
				}
			case mvcc.TxAborted:
				attr = core.SysAttr{}
				dirty = true
			default:
				resolved = false
			}
		}
		if attr.Xmin != core.InvalidXID && attr.Xmax.IsNormal() {
			switch s.tm.Status(attr.Xmax) {
			case mvcc.TxCommitted:
				if attr.Xmax < horizon {
					attr.Xmax = core.FrozenXID
					dirty = true
				} else {
					resolved = false
				}
			case mvcc.TxAborted:
				attr.Xmax = core.InvalidXID
				dirty = true
			default:
				resolved = false
			}
		}
		if dirty {
			s.tab.SetSysAttr(id, attr)
		}
		s.tab.UnlockRow(id)
	}
	return resolved
}

// Checkpoint freezes resolved row versions, flushes the base image, and
// advances the redo checkpoint to the current tail, bounding the next
// recovery. While any row still references an unresolved transaction the
// checkpoint is held back so that recovery can replay its outcome.
func (s *Store) Checkpoint() error {
	mark := s.log.Watermark()
	resolved := s.freezeRows()
	s.tab.SetXIDCursor(uint32(s.tm.NextXID()))
	if err := s.tab.Sync(); err != nil {
		return err
	}
	if !resolved {
		s.logger.Debug("checkpoint held back, unresolved transactions remain",
			"checkpoint", s.log.Checkpoint(), "tail", mark)
		return nil
	}
	return s.log.SetCheckpoint(mark)
}

// close shuts the store down cleanly: checkpoint, clean signature, unmap.
func (s *Store) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.archiveWG.Wait()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(s.Checkpoint())
	keep(s.tab.MarkClean())
	keep(s.tab.Close())
	keep(s.log.Close())
	if firstErr == nil {
		s.logger.Info("store closed")
	}
	return firstErr
}
