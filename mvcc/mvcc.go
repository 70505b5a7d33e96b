// Package mvcc implements transaction bookkeeping and snapshot based
// visibility for the column store. Row versions carry a system attribute
// triple (xmin, xmax, cid); this package decides which versions a snapshot
// sees, which versions a writer may touch, and which dead versions a vacuum
// pass may reclaim.
package mvcc

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/colstore/core"
)

// TxStatus is the resolved state of a transaction id.
type TxStatus int

const (
	TxInProgress TxStatus = iota
	TxCommitted
	TxAborted
)

// TxManager allocates transaction ids and tracks their outcome. Ids are
// never reused within the lifetime of a store handle. After a crash the
// redo log replay reconstructs committed ids via MarkCommitted; any normal
// id observed during replay but never committed resolves as aborted.
type TxManager struct {
	mu        sync.Mutex
	nextXID   core.XID
	active    *roaring.Bitmap
	committed *roaring.Bitmap

	// snapMins pins, per open transaction, the smallest id any snapshot
	// it has taken may carry in its active set. Freezing stays below the
	// minimum of these pins.
	snapMins map[core.XID]core.XID
}

// NewTxManager returns a manager whose first transaction id is the first
// normal id.
func NewTxManager() *TxManager {
	return &TxManager{
		nextXID:   core.FirstNormalXID,
		active:    roaring.New(),
		committed: roaring.New(),
		snapMins:  make(map[core.XID]core.XID),
	}
}

// Tx is a single open transaction. A Tx is not safe for concurrent use;
// each goroutine runs its own transaction.
type Tx struct {
	tm   *TxManager
	xid  core.XID
	cid  core.CID
	done bool
}

// Begin opens a new transaction.
func (tm *TxManager) Begin() *Tx {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	xid := tm.nextXID
	tm.nextXID++
	tm.active.Add(uint32(xid))
	tm.snapMins[xid] = xid

	return &Tx{tm: tm, xid: xid}
}

// XID returns the transaction id.
func (tx *Tx) XID() core.XID { return tx.xid }

// CommandID returns the current command id within the transaction.
func (tx *Tx) CommandID() core.CID { return tx.cid }

// AdvanceCommand steps the command counter. The store calls it after each
// mutating operation so later commands of the same transaction see the
// earlier ones.
func (tx *Tx) AdvanceCommand() { tx.cid++ }

// Commit marks the transaction committed. Committing twice or after an
// abort is a no-op.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true

	tx.tm.mu.Lock()
	defer tx.tm.mu.Unlock()
	tx.tm.active.Remove(uint32(tx.xid))
	tx.tm.committed.Add(uint32(tx.xid))
	delete(tx.tm.snapMins, tx.xid)
}

// Abort marks the transaction aborted.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.done = true

	tx.tm.mu.Lock()
	defer tx.tm.mu.Unlock()
	tx.tm.active.Remove(uint32(tx.xid))
	delete(tx.tm.snapMins, tx.xid)
}

// Status resolves the outcome of a transaction id. Ids at or above the
// allocation cursor are reported in progress; they belong to transactions
// that have not been handed out yet only in pathological callers, and
// treating them as unresolved is the safe answer.
func (tm *TxManager) Status(xid core.XID) TxStatus {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.statusLocked(xid)
}

func (tm *TxManager) statusLocked(xid core.XID) TxStatus {
	if tm.active.Contains(uint32(xid)) {
		return TxInProgress
	}
	if tm.committed.Contains(uint32(xid)) {
		return TxCommitted
	}
	if xid >= tm.nextXID {
		return TxInProgress
	}
	return TxAborted
}

// OldestActiveXID returns the smallest transaction id still in progress,
// or the next id to be assigned when none are. Every id below the result
// has reached its final state, so visibility results for those ids may be
// cached into the row's system attributes.
func (tm *TxManager) OldestActiveXID() core.XID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.oldestActiveLocked()
}

func (tm *TxManager) oldestActiveLocked() core.XID {
	if tm.active.IsEmpty() {
		return tm.nextXID
	}
	return core.XID(tm.active.Minimum())
}

// FreezeHorizon returns the id below which transaction outcomes may be
// cached into row attributes. Every id under the horizon was resolved
// before any outstanding snapshot was taken, so no snapshot an open
// transaction holds carries it in its active set. Snapshots are valid
// only while their transaction is open; a snapshot kept past commit or
// abort no longer pins the horizon.
func (tm *TxManager) FreezeHorizon() core.XID {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	h := tm.nextXID
	for _, m := range tm.snapMins {
		if m < h {
			h = m
		}
	}
	return h
}

// NextXID returns the allocation cursor: the id the next Begin will hand
// out. It is persisted in the base header so ids never repeat across
// reopens while unresolved ids remain in the row attributes.
func (tm *TxManager) NextXID() core.XID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.nextXID
}

// AdvanceTo moves the allocation cursor to at least xid. Called at open
// with the cursor restored from the base header.
func (tm *TxManager) AdvanceTo(xid core.XID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if xid > tm.nextXID {
		tm.nextXID = xid
	}
}

// Observe tells the manager that xid occurred in a redo record. The
// allocation cursor moves past it so ids handed out after recovery never
// collide with replayed ones.
func (tm *TxManager) Observe(xid core.XID) {
	if !xid.IsNormal() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if xid >= tm.nextXID {
		tm.nextXID = xid + 1
	}
}

// MarkCommitted records a commit found in the redo log during replay.
func (tm *TxManager) MarkCommitted(xid core.XID) {
	if !xid.IsNormal() {
		return
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if xid >= tm.nextXID {
		tm.nextXID = xid + 1
	}
	tm.committed.Add(uint32(xid))
}

// Snapshot captures the manager state as seen by tx at this instant. The
// snapshot pins the freeze horizon at the oldest id it may consider in
// progress; the pin lasts until tx commits or aborts.
func (tm *TxManager) Snapshot(tx *Tx) *Snapshot {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if m := tm.oldestActiveLocked(); m < tm.snapMins[tx.xid] {
		tm.snapMins[tx.xid] = m
	}
	return &Snapshot{
		tm:      tm,
		xid:     tx.xid,
		cid:     tx.cid,
		horizon: tm.nextXID,
		active:  tm.active.Clone(),
	}
}
