package mvcc

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/core"
)

// Snapshot is a point-in-time view over transaction outcomes. Transactions
// that were in progress when the snapshot was taken stay invisible even if
// they commit afterwards. A snapshot is valid only while its transaction
// is open: once the transaction commits or aborts it stops pinning the
// freeze horizon, and reads through a kept snapshot may see frozen rows
// it would have excluded.
type Snapshot struct {
	tm      *TxManager
	xid     core.XID
	cid     core.CID
	horizon core.XID
	active  *roaring.Bitmap
}

// XID returns the id of the transaction that took the snapshot.
func (s *Snapshot) XID() core.XID { return s.xid }

// sees reports whether another transaction's effects are part of this
// snapshot's view.
func (s *Snapshot) sees(xid core.XID) bool {
	if xid >= s.horizon {
		return false
	}
	if s.active.Contains(uint32(xid)) {
		return false
	}
	return s.tm.Status(xid) == TxCommitted
}

// ReadVisible decides whether the row version described by attr is part of
// this snapshot. It may rewrite attr with a cached outcome: committed ids
// below the freeze horizon freeze to FrozenXID, aborted inserts reset xmin
// to InvalidXID and aborted deletes reset xmax. The returned dirty flag
// tells the caller to store attr back under the row lock.
func (s *Snapshot) ReadVisible(attr *core.SysAttr) (visible, dirty bool) {
	switch {
	case attr.Xmin == core.InvalidXID:
		return false, false
	case attr.Xmin == core.FrozenXID:
		// Insert is visible to everyone; fall through to xmax.
	case attr.Xmin == s.xid:
		if attr.Xmax == core.InvalidXID && attr.Cid >= s.cid {
			// Inserted by a later command of this transaction.
			return false, false
		}
	default:
		if !s.sees(attr.Xmin) {
			st := s.tm.Status(attr.Xmin)
			if st == TxAborted {
				attr.Xmin = core.InvalidXID
				return false, true
			}
			return false, false
		}
		if attr.Xmin < s.tm.FreezeHorizon() {
			attr.Xmin = core.FrozenXID
			dirty = true
		}
	}

	switch {
	case attr.Xmax == core.InvalidXID:
		return true, dirty
	case attr.Xmax == core.FrozenXID:
		return false, dirty
	case attr.Xmax == s.xid:
		// Deleted by this transaction. The delete takes effect for
		// commands after the one that issued it.
		return attr.Cid >= s.cid, dirty
	default:
		if !s.sees(attr.Xmax) {
			if s.tm.Status(attr.Xmax) == TxAborted {
				attr.Xmax = core.InvalidXID
				return true, true
			}
			// Deleter still in flight or outside the snapshot.
			return true, dirty
		}
		if attr.Xmax < s.tm.FreezeHorizon() {
			attr.Xmax = core.FrozenXID
			dirty = true
		}
		return false, dirty
	}
}

// WriteDecision classifies a row version for an update or delete attempt.
type WriteDecision int

const (
	// WriteOK means the version is live and owned by no concurrent writer.
	WriteOK WriteDecision = iota
	// WriteInvisible means the version is not live for the writer and
	// should be skipped.
	WriteInvisible
	// WriteConflict means a concurrent transaction deleted the version.
	// The caller surfaces a serialization failure.
	WriteConflict
)

// WriteCheck decides whether the transaction behind this snapshot may mark
// the row version deleted. Unlike ReadVisible it treats an uncommitted
// delete by another transaction as a conflict rather than ignoring it.
func (s *Snapshot) WriteCheck(attr *core.SysAttr) WriteDecision {
	switch {
	case attr.Xmin == core.InvalidXID:
		return WriteInvisible
	case attr.Xmin == core.FrozenXID:
		// Committed insert.
	case attr.Xmin == s.xid:
		// Own insert, any command.
	default:
		if s.tm.Status(attr.Xmin) != TxCommitted {
			return WriteInvisible
		}
	}

	switch {
	case attr.Xmax == core.InvalidXID:
		return WriteOK
	case attr.Xmax == core.FrozenXID:
		return WriteInvisible
	case attr.Xmax == s.xid:
		return WriteInvisible
	default:
		switch s.tm.Status(attr.Xmax) {
		case TxAborted:
			return WriteOK
		case TxCommitted:
			if s.sees(attr.Xmax) {
				// The delete is part of our view; the row simply is
				// not there for us.
				return WriteInvisible
			}
			return WriteConflict
		default:
			return WriteConflict
		}
	}
}

// Vacuumable reports whether the row version is dead for every present and
// future snapshot and its slot may be reclaimed. horizon is the freeze
// horizon captured at the start of the vacuum pass.
func Vacuumable(tm *TxManager, attr core.SysAttr, horizon core.XID) bool {
	if attr.Xmin == core.InvalidXID {
		return true
	}
	if attr.Xmin.IsNormal() {
		switch tm.Status(attr.Xmin) {
		case TxAborted:
			return true
		case TxInProgress:
			return false
		}
	}
	// Insert committed. Dead only when the delete committed before every
	// live snapshot's horizon.
	if attr.Xmax == core.FrozenXID {
		return true
	}
	if attr.Xmax.IsNormal() && tm.Status(attr.Xmax) == TxCommitted && attr.Xmax < horizon {
		return true
	}
	return false
}
