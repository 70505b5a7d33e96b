// Package base implements the persistent column store file: a shared
// read-write mapping holding the table header, one array per column, the
// row-id allocator bitmap, the optional primary key hash index and a
// growable region for variable length values. Everything row-granular is
// guarded by striped row locks; the mapping itself is replaced only when
// the extra region grows, under an exclusive lock with a revision bump.
package base

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/internal/mmap"
	"github.com/hupe1980/colstore/rowid"
	"github.com/hupe1980/colstore/schema"
)

// numRowLocks stripes row-granular locking. Two rows may share a lock;
// that only costs contention, never correctness.
const numRowLocks = 4000

// Table is one open base file.
type Table struct {
	layout *schema.Layout
	name   string
	path   string

	// mu guards the mapping pointer. Extra region growth swaps the
	// mapping under the write lock; every dereference holds the read
	// lock for its duration.
	mu  sync.RWMutex
	m   *mmap.Mapping
	rev atomic.Uint64

	headerMu  sync.Mutex // serializes mutable header writes
	nitems    atomic.Uint32
	usage     atomic.Uint64
	extraLen  atomic.Uint64
	xidCursor atomic.Uint32

	allocMu sync.Mutex // extra region bump allocator
	rowids  *rowid.Map

	rowLocks [numRowLocks]sync.Mutex
}

// Create builds a fresh base file at path for the given layout. It fails
// if the file already exists.
func Create(path string, l *schema.Layout, tableName string) (*Table, error) {
	if err := checkHostByteOrder(); err != nil {
		return nil, err
	}
	hdr, err := l.EncodeHeader(tableName)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create base file: %v", core.ErrIO, err)
	}
	if err := f.Truncate(int64(l.FileSize())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: size base file: %v", core.ErrIO, err)
	}
	f.Close()

	m, err := mmap.OpenFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: map base file: %v", core.ErrIO, err)
	}
	b := m.Bytes()

	copy(b, hdr)
	initRowIDSection(b, l)
	if l.HashOff != 0 {
		initHashSection(b, l)
	}
	if err := m.Sync(); err != nil {
		m.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: sync new base file: %v", core.ErrIO, err)
	}

	t := &Table{
		layout: l,
		name:   tableName,
		path:   path,
		m:      m,
		rowids: rowid.New(l.Capacity),
	}
	t.usage.Store(extraNullSentinel)
	t.extraLen.Store(l.ExtraLen)
	return t, nil
}

func initRowIDSection(b []byte, l *schema.Layout) {
	s := b[l.RowIDMapOff:]
	copy(s, schema.RowIDMapSignature[:])
	binary.LittleEndian.PutUint64(s[8:16], l.RowIDMapLen)
	binary.LittleEndian.PutUint32(s[16:20], l.Capacity)
}

func initHashSection(b []byte, l *schema.Layout) {
	s := b[l.HashOff:]
	copy(s, schema.HashSignature[:])
	binary.LittleEndian.PutUint64(s[8:16], uint64(l.Capacity))
	binary.LittleEndian.PutUint64(s[16:24], l.HashSlots)
	// Empty chains everywhere.
	body := s[schema.HashHeaderSize : schema.HashHeaderSize+4*(l.HashSlots+uint64(l.Capacity))]
	for i := range body {
		body[i] = 0xFF
	}
}

// Open maps an existing base file and validates it against the layout
// byte-for-byte. wasDirty reports that the previous shutdown was unclean
// and the caller must run recovery before serving the table.
func Open(path string, l *schema.Layout, tableName string) (t *Table, wasDirty bool, err error) {
	if err := checkHostByteOrder(); err != nil {
		return nil, false, err
	}

	m, err := mmap.OpenFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("%w: map base file: %v", core.ErrIO, err)
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()
	b := m.Bytes()

	if uint64(len(b)) < l.HeaderSize() {
		return nil, false, fmt.Errorf("%w: base file truncated", core.ErrCorruption)
	}
	h, err := schema.DecodeHeader(b)
	if err != nil {
		return nil, false, err
	}
	if err := l.ValidateHeader(h, tableName); err != nil {
		return nil, false, err
	}
	if uint64(len(b)) < l.ExtraOff+h.ExtraLen || h.Usage > h.ExtraLen && l.HasVarlena {
		return nil, false, fmt.Errorf("%w: extra region exceeds file size", core.ErrCorruption)
	}
	if err := validateRowIDSection(b, l); err != nil {
		return nil, false, err
	}
	if l.HashOff != 0 {
		if err := validateHashSection(b, l); err != nil {
			return nil, false, err
		}
	}

	t = &Table{
		layout: l,
		name:   tableName,
		path:   path,
		m:      m,
		rowids: rowid.New(l.Capacity),
	}
	t.nitems.Store(h.Nitems)
	t.usage.Store(h.Usage)
	t.extraLen.Store(h.ExtraLen)
	t.xidCursor.Store(h.XIDCursor)
	return t, h.Signature == schema.BaseDirtySignature, nil
}

func validateRowIDSection(b []byte, l *schema.Layout) error {
	s := b[l.RowIDMapOff:]
	if [8]byte(s[:8]) != schema.RowIDMapSignature {
		return fmt.Errorf("%w: bad row-id map signature", core.ErrCorruption)
	}
	if binary.LittleEndian.Uint32(s[16:20]) != l.Capacity {
		return fmt.Errorf("%w: row-id map capacity mismatch", core.ErrCorruption)
	}
	return nil
}

func validateHashSection(b []byte, l *schema.Layout) error {
	s := b[l.HashOff:]
	if [8]byte(s[:8]) != schema.HashSignature {
		return fmt.Errorf("%w: bad hash index signature", core.ErrCorruption)
	}
	if binary.LittleEndian.Uint64(s[8:16]) != uint64(l.Capacity) ||
		binary.LittleEndian.Uint64(s[16:24]) != l.HashSlots {
		return fmt.Errorf("%w: hash index geometry mismatch", core.ErrCorruption)
	}
	return nil
}

// Layout returns the validated layout the table was opened with.
func (t *Table) Layout() *schema.Layout { return t.layout }

// Name returns the table name stored in the header.
func (t *Table) Name() string { return t.name }

// Revision counts mapping replacements. A cached pointer into the base
// image is valid only while the revision is unchanged.
func (t *Table) Revision() uint64 { return t.rev.Load() }

// Nitems is the scan bound: one past the highest row-id ever allocated.
func (t *Table) Nitems() uint32 { return t.nitems.Load() }

// LockRow takes the striped lock for a row-id.
func (t *Table) LockRow(id core.RowID) { t.rowLocks[uint32(id)%numRowLocks].Lock() }

// UnlockRow releases the striped lock for a row-id.
func (t *Table) UnlockRow(id core.RowID) { t.rowLocks[uint32(id)%numRowLocks].Unlock() }

// LockRowPair takes the stripe locks for two rows in stripe order, so
// concurrent pair holders cannot deadlock. A shared stripe is locked
// exactly once.
func (t *Table) LockRowPair(a, b core.RowID) {
	sa, sb := uint32(a)%numRowLocks, uint32(b)%numRowLocks
	if sa == sb {
		t.rowLocks[sa].Lock()
		return
	}
	if sa > sb {
		sa, sb = sb, sa
	}
	t.rowLocks[sa].Lock()
	t.rowLocks[sb].Lock()
}

// UnlockRowPair releases the stripe locks taken by LockRowPair.
func (t *Table) UnlockRowPair(a, b core.RowID) {
	sa, sb := uint32(a)%numRowLocks, uint32(b)%numRowLocks
	if sa == sb {
		t.rowLocks[sa].Unlock()
		return
	}
	t.rowLocks[sa].Unlock()
	t.rowLocks[sb].Unlock()
}

// markSignature flips the header signature and flushes that page.
func (t *Table) markSignature(sig [8]byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	t.headerMu.Lock()
	copy(t.m.Bytes()[schema.OffSignature:], sig[:])
	t.headerMu.Unlock()
	if err := t.m.SyncRange(0, int64(t.layout.HeaderSize())); err != nil {
		return fmt.Errorf("%w: flush signature: %v", core.ErrIO, err)
	}
	return nil
}

// MarkMapped stamps the header with the mapped form of the signature.
// Finding it on a later open means the shutdown was unclean.
func (t *Table) MarkMapped() error { return t.markSignature(schema.BaseDirtySignature) }

// MarkClean restores the clean signature after the mutable header fields
// have been flushed.
func (t *Table) MarkClean() error {
	if err := t.flushHeader(); err != nil {
		return err
	}
	return t.markSignature(schema.BaseSignature)
}

// flushHeader writes the mutable counters back into the mapped header.
func (t *Table) flushHeader() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	t.headerMu.Lock()
	b := t.m.Bytes()
	binary.LittleEndian.PutUint32(b[schema.OffNitems:], t.nitems.Load())
	binary.LittleEndian.PutUint64(b[schema.OffExtraLen:], t.extraLen.Load())
	binary.LittleEndian.PutUint64(b[schema.OffUsage:], t.usage.Load())
	binary.LittleEndian.PutUint32(b[schema.OffXIDCursor:], t.xidCursor.Load())
	t.headerMu.Unlock()
	return nil
}

// XIDCursor returns the transaction id cursor loaded from the header.
func (t *Table) XIDCursor() uint32 { return t.xidCursor.Load() }

// SetXIDCursor records the transaction id cursor for the next header
// flush.
func (t *Table) SetXIDCursor(c uint32) { t.xidCursor.Store(c) }

// Sync flushes the whole base image to disk.
func (t *Table) Sync() error {
	if err := t.flushHeader(); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.m.Sync(); err != nil {
		return fmt.Errorf("%w: msync base file: %v", core.ErrIO, err)
	}
	return nil
}

// View runs fn over the full base image under the mapping read lock. The
// slice must not be retained after fn returns. This is the read surface a
// device buffer synchronizer mirrors from.
func (t *Table) View(fn func(b []byte) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fn(t.m.Bytes())
}

// Close flushes the header and unmaps the file. It does not flip the
// signature; callers decide between a clean and a crash-like close.
func (t *Table) Close() error {
	if err := t.flushHeader(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.m.Sync(); err != nil {
		t.m.Close()
		return fmt.Errorf("%w: msync on close: %v", core.ErrIO, err)
	}
	if err := t.m.Close(); err != nil {
		return fmt.Errorf("%w: unmap base file: %v", core.ErrIO, err)
	}
	return nil
}

// rowidWordsLocked views the allocator bitmap inside the mapping. Caller
// holds t.mu.
func (t *Table) rowidWordsLocked(b []byte) []uint64 {
	off := t.layout.RowIDMapOff + rowid.HeaderSize
	n := rowid.NumWords(t.layout.Capacity)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[off])), n)
}

// AllocateRowID hands out a free row slot at or after minRowID and moves
// the scan bound past it.
func (t *Table) AllocateRowID(minRowID core.RowID) (core.RowID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.rowids.Allocate(t.rowidWordsLocked(t.m.Bytes()), minRowID)
	if !ok {
		return core.InvalidRowID, fmt.Errorf("%w: no free row slot in %q", core.ErrCapacityExhausted, t.name)
	}
	for {
		cur := t.nitems.Load()
		if uint32(id) < cur {
			break
		}
		if t.nitems.CompareAndSwap(cur, uint32(id)+1) {
			break
		}
	}
	return id, nil
}

// ReleaseRowID returns a slot to the allocator. Releasing a free slot is
// reported so callers can log replay anomalies.
func (t *Table) ReleaseRowID(id core.RowID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rowids.Release(t.rowidWordsLocked(t.m.Bytes()), id)
}

// RowIDAllocated reports whether a slot is currently in use.
func (t *Table) RowIDAllocated(id core.RowID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rowids.IsAllocated(t.rowidWordsLocked(t.m.Bytes()), id)
}

// AllocatedRows counts the slots currently in use.
func (t *Table) AllocatedRows() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rowids.Allocated(t.rowidWordsLocked(t.m.Bytes()))
}

// RebuildRowIDs reconstructs the allocator bitmap from row liveness, used
// after an unclean shutdown. The scan bound is reset to one past the
// highest live row.
func (t *Table) RebuildRowIDs(allocated func(core.RowID) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	high := uint32(0)
	t.rowids.Rebuild(t.rowidWordsLocked(t.m.Bytes()), func(id core.RowID) bool {
		if !allocated(id) {
			return false
		}
		if uint32(id)+1 > high {
			high = uint32(id) + 1
		}
		return true
	})
	t.nitems.Store(high)
}

// WithHash exposes the hash index slot and chain arrays under the mapping
// read lock. fn must not retain the slices or call back into the table.
func (t *Table) WithHash(fn func(slots, next []uint32) error) error {
	if t.layout.HashOff == 0 {
		return fmt.Errorf("%w: table %q has no primary key index", core.ErrConfiguration, t.name)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	b := t.m.Bytes()
	off := t.layout.HashOff + schema.HashHeaderSize
	slots := unsafe.Slice((*uint32)(unsafe.Pointer(&b[off])), t.layout.HashSlots)
	next := unsafe.Slice((*uint32)(unsafe.Pointer(&b[off+4*t.layout.HashSlots])), t.layout.Capacity)
	return fn(slots, next)
}
