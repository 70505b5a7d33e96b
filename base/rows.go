package base

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/schema"
)

// extraNullSentinel reserves the first bytes of the extra region so that
// a packed offset of zero always means NULL.
const extraNullSentinel = 8

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// nullmap bit set means the value is present.
func nullmapGet(b []byte, off uint64, id core.RowID) bool {
	return b[off+uint64(id)/8]&(1<<(uint(id)%8)) != 0
}

func nullmapPut(b []byte, off uint64, id core.RowID, present bool) {
	p := &b[off+uint64(id)/8]
	if present {
		*p |= 1 << (uint(id) % 8)
	} else {
		*p &^= 1 << (uint(id) % 8)
	}
}

// StoreValue writes one column value of one row. The caller holds the row
// lock; concurrent writers of other rows never touch the same bytes.
func (t *Table) StoreValue(col int, id core.RowID, v Value) error {
	cm := &t.layout.Cols[col]
	if v == nil {
		if !cm.Nullable {
			return fmt.Errorf("%w: column %q is NOT NULL", core.ErrConfiguration, cm.Name)
		}
		t.mu.RLock()
		defer t.mu.RUnlock()
		nullmapPut(t.m.Bytes(), cm.NullmapOff, id, false)
		return nil
	}
	if cm.Type.IsVarlena() {
		return t.storeVarlena(cm, id, v)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.m.Bytes()
	slot := b[cm.ValuesOff+uint64(id)*uint64(cm.SlotWidth()):]
	if err := putFixed(slot, cm.Type, v); err != nil {
		return err
	}
	if cm.Nullable {
		nullmapPut(b, cm.NullmapOff, id, true)
	}
	return nil
}

func (t *Table) storeVarlena(cm *schema.ColMeta, id core.RowID, v Value) error {
	payload, err := varlenaBytes(cm.Type, v)
	if err != nil {
		return err
	}
	need := align8(4 + uint64(len(payload)))

	for {
		t.mu.RLock()
		off, ok := t.allocExtraLocked(need)
		if ok {
			b := t.m.Bytes()
			dst := b[t.layout.ExtraOff+off:]
			binary.LittleEndian.PutUint32(dst, uint32(len(payload)))
			copy(dst[4:], payload)

			slot := b[cm.ValuesOff+uint64(id)*uint64(cm.SlotWidth()):]
			binary.LittleEndian.PutUint32(slot, uint32(off>>3))
			if cm.Nullable {
				nullmapPut(b, cm.NullmapOff, id, true)
			}
			t.mu.RUnlock()
			return nil
		}
		t.mu.RUnlock()

		if err := t.growExtra(need); err != nil {
			return err
		}
	}
}

// allocExtraLocked bumps the extra region cursor. Caller holds the
// mapping read lock. ok is false when the region must grow first.
func (t *Table) allocExtraLocked(need uint64) (uint64, bool) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	usage := t.usage.Load()
	if usage+need > t.extraLen.Load() {
		return 0, false
	}
	t.usage.Store(usage + need)
	return usage, true
}

// growExtra extends the file, remaps it and publishes a new revision.
// Nothing is published on failure.
func (t *Table) growExtra(need uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	extraLen := t.extraLen.Load()
	if t.usage.Load()+need <= extraLen {
		// Another writer grew the region while we waited.
		return nil
	}
	newLen := extraLen * 2
	for t.usage.Load()+need > newLen {
		newLen *= 2
	}
	if err := t.m.Grow(int64(t.layout.ExtraOff + newLen)); err != nil {
		return fmt.Errorf("%w: grow extra region of %q: %v", core.ErrIO, t.name, err)
	}
	t.extraLen.Store(newLen)
	t.headerMu.Lock()
	binary.LittleEndian.PutUint64(t.m.Bytes()[schema.OffExtraLen:], newLen)
	t.headerMu.Unlock()
	t.rev.Add(1)
	return nil
}

// EnsureExtraLen grows the extra region to at least minLen bytes. Redo
// replay calls it up front so replayed writes never grow mid-stream.
func (t *Table) EnsureExtraLen(minLen uint64) error {
	if t.layout.ExtraOff == 0 || minLen <= t.extraLen.Load() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	extraLen := t.extraLen.Load()
	if minLen <= extraLen {
		return nil
	}
	newLen := extraLen
	for newLen < minLen {
		newLen *= 2
	}
	if err := t.m.Grow(int64(t.layout.ExtraOff + newLen)); err != nil {
		return fmt.Errorf("%w: grow extra region of %q: %v", core.ErrIO, t.name, err)
	}
	t.extraLen.Store(newLen)
	t.headerMu.Lock()
	binary.LittleEndian.PutUint64(t.m.Bytes()[schema.OffExtraLen:], newLen)
	t.headerMu.Unlock()
	t.rev.Add(1)
	return nil
}

// ExtraUsage returns the bytes consumed in the extra region.
func (t *Table) ExtraUsage() uint64 { return t.usage.Load() }

// SetExtraUsage resets the bump cursor, used by recovery after it has
// recomputed consumption from live rows.
func (t *Table) SetExtraUsage(usage uint64) {
	if usage < extraNullSentinel {
		usage = extraNullSentinel
	}
	t.usage.Store(usage)
}

// FetchValue reads one column value of one row. Varlena payloads are
// copied out, so the result stays valid after the call.
func (t *Table) FetchValue(col int, id core.RowID) (Value, error) {
	cm := &t.layout.Cols[col]

	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.m.Bytes()

	if cm.Nullable && !nullmapGet(b, cm.NullmapOff, id) {
		return nil, nil
	}
	slot := b[cm.ValuesOff+uint64(id)*uint64(cm.SlotWidth()):]
	if !cm.Type.IsVarlena() {
		return getFixed(slot, cm.Type), nil
	}

	packed := binary.LittleEndian.Uint32(slot)
	if packed == 0 {
		return nil, nil
	}
	off := t.layout.ExtraOff + uint64(packed)<<3
	if off+4 > t.layout.ExtraOff+t.extraLen.Load() {
		return nil, fmt.Errorf("%w: varlena offset out of range in %q", core.ErrCorruption, t.name)
	}
	n := binary.LittleEndian.Uint32(b[off:])
	if off+4+uint64(n) > t.layout.ExtraOff+t.extraLen.Load() {
		return nil, fmt.Errorf("%w: varlena length out of range in %q", core.ErrCorruption, t.name)
	}
	payload := b[off+4 : off+4+uint64(n)]
	if cm.Type == schema.TypeText {
		return string(payload), nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// VarlenaEnd returns one past the last extra region byte referenced by a
// varlena slot, relative to the extra region start. ok is false for NULL
// slots and fixed width columns. Recovery uses it to rebuild the bump
// cursor.
func (t *Table) VarlenaEnd(col int, id core.RowID) (uint64, bool) {
	cm := &t.layout.Cols[col]
	if !cm.Type.IsVarlena() {
		return 0, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.m.Bytes()
	if cm.Nullable && !nullmapGet(b, cm.NullmapOff, id) {
		return 0, false
	}
	packed := binary.LittleEndian.Uint32(b[cm.ValuesOff+uint64(id)*uint64(cm.SlotWidth()):])
	if packed == 0 {
		return 0, false
	}
	off := uint64(packed) << 3
	if off+4 > t.extraLen.Load() {
		return 0, false
	}
	n := binary.LittleEndian.Uint32(b[t.layout.ExtraOff+off:])
	return off + 4 + uint64(n), true
}

// FetchRow reads the listed columns of a row. cols nil means every user
// column.
func (t *Table) FetchRow(id core.RowID, cols []int) ([]Value, error) {
	if cols == nil {
		cols = make([]int, t.layout.NumCols())
		for i := range cols {
			cols[i] = i
		}
	}
	out := make([]Value, len(cols))
	for i, c := range cols {
		v, err := t.FetchValue(c, id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// SysAttr reads the row's transaction metadata. The caller holds the row
// lock when the result steers a write decision.
func (t *Table) SysAttr(id core.RowID) core.SysAttr {
	sys := t.layout.SysCol()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return core.DecodeSysAttr(t.m.Bytes()[sys.ValuesOff+uint64(id)*uint64(sys.SlotWidth()):])
}

// SetSysAttr writes the row's transaction metadata under the row lock.
func (t *Table) SetSysAttr(id core.RowID, attr core.SysAttr) {
	sys := t.layout.SysCol()
	t.mu.RLock()
	defer t.mu.RUnlock()
	attr.Encode(t.m.Bytes()[sys.ValuesOff+uint64(id)*uint64(sys.SlotWidth()):])
}
