package redo

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/colstore/base"
	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/schema"
)

// RecType tags a redo record. The tags are stored as little-endian
// uint32; anything else found during replay marks the end of the log.
type RecType uint32

const (
	RecInsert RecType = RecType(uint32('T') | uint32('X')<<8 | uint32('I')<<16)
	RecUpdate RecType = RecType(uint32('T') | uint32('X')<<8 | uint32('U')<<16)
	RecDelete RecType = RecType(uint32('T') | uint32('X')<<8 | uint32('D')<<16)
	RecCommit RecType = RecType(uint32('T') | uint32('X')<<8 | uint32('C')<<16)
)

func (t RecType) valid() bool {
	switch t {
	case RecInsert, RecUpdate, RecDelete, RecCommit:
		return true
	}
	return false
}

func (t RecType) String() string {
	switch t {
	case RecInsert:
		return "INSERT"
	case RecUpdate:
		return "UPDATE"
	case RecDelete:
		return "DELETE"
	case RecCommit:
		return "COMMIT"
	}
	return fmt.Sprintf("RecType(%#x)", uint32(t))
}

// recordHeaderSize is the fixed prefix of every record: type, length,
// timestamp, rowid, xid, cid, old rowid, pad.
const recordHeaderSize = 32

// Record is one decoded redo log entry. Cols lists the user columns whose
// values are carried in the tuple image, ascending; Values is parallel to
// Cols with nil for NULL. Only INSERT and UPDATE carry an image; UPDATE
// also names the superseded row in OldRowID.
type Record struct {
	Type      RecType
	Timestamp uint64
	RowID     core.RowID
	XID       core.XID
	CID       core.CID
	OldRowID  core.RowID

	Cols   []int
	Values []base.Value
}

// encodedSize returns the record's aligned on-disk length.
func (r *Record) encodedSize(l *schema.Layout) (uint64, error) {
	size := uint64(recordHeaderSize)
	if r.Type == RecInsert || r.Type == RecUpdate {
		n, err := tupleImageSize(l, r.Cols, r.Values)
		if err != nil {
			return 0, err
		}
		size += n
	}
	return (size + 7) &^ 7, nil
}

func (r *Record) encode(l *schema.Layout, dst []byte) error {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(r.Type))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(len(dst)))
	binary.LittleEndian.PutUint64(dst[8:16], r.Timestamp)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(r.RowID))
	binary.LittleEndian.PutUint32(dst[20:24], uint32(r.XID))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(r.CID))
	old := r.OldRowID
	if r.Type != RecUpdate {
		old = core.InvalidRowID
	}
	binary.LittleEndian.PutUint32(dst[28:32], uint32(old))

	if r.Type == RecInsert || r.Type == RecUpdate {
		return encodeTupleImage(l, r.Cols, r.Values, dst[recordHeaderSize:])
	}
	return nil
}

// decodeRecord parses the record starting at src. It returns nil when src
// does not begin with a valid tag, which replay treats as the log tail.
func decodeRecord(l *schema.Layout, src []byte) (*Record, error) {
	if len(src) < recordHeaderSize {
		return nil, nil
	}
	typ := RecType(binary.LittleEndian.Uint32(src[0:4]))
	if !typ.valid() {
		return nil, nil
	}
	length := binary.LittleEndian.Uint32(src[4:8])
	if length < recordHeaderSize || length%8 != 0 || uint32(len(src)) < length {
		return nil, fmt.Errorf("%w: redo record length %d out of range", core.ErrCorruption, length)
	}
	r := &Record{
		Type:      typ,
		Timestamp: binary.LittleEndian.Uint64(src[8:16]),
		RowID:     core.RowID(binary.LittleEndian.Uint32(src[16:20])),
		XID:       core.XID(binary.LittleEndian.Uint32(src[20:24])),
		CID:       core.CID(binary.LittleEndian.Uint32(src[24:28])),
		OldRowID:  core.RowID(binary.LittleEndian.Uint32(src[28:32])),
	}
	if typ == RecInsert || typ == RecUpdate {
		cols, values, err := decodeTupleImage(l, src[recordHeaderSize:length])
		if err != nil {
			return nil, err
		}
		r.Cols, r.Values = cols, values
	}
	return r, nil
}

// Tuple image: updated-column bitmap, NULL bitmap, then the values of the
// updated non-NULL columns in column order. Fixed width values are raw;
// varlena values carry a uint32 length prefix.

func bitmapLen(l *schema.Layout) int { return (l.NumCols() + 7) / 8 }

func tupleImageSize(l *schema.Layout, cols []int, values []base.Value) (uint64, error) {
	if len(cols) != len(values) {
		return 0, fmt.Errorf("%w: tuple image with %d columns, %d values",
			core.ErrConfiguration, len(cols), len(values))
	}
	size := uint64(2 * bitmapLen(l))
	for i, c := range cols {
		if c < 0 || c >= l.NumCols() {
			return 0, fmt.Errorf("%w: tuple image column %d out of range", core.ErrConfiguration, c)
		}
		if values[i] == nil {
			continue
		}
		if cm := &l.Cols[c]; cm.Type.IsVarlena() {
			b, err := base.EncodeKey(cm.Type, values[i])
			if err != nil {
				return 0, err
			}
			size += 4 + uint64(len(b))
		} else {
			size += uint64(cm.Len)
		}
	}
	return size, nil
}

func encodeTupleImage(l *schema.Layout, cols []int, values []base.Value, dst []byte) error {
	bl := bitmapLen(l)
	updated := dst[:bl]
	nulls := dst[bl : 2*bl]
	pos := 2 * bl

	for i, c := range cols {
		updated[c/8] |= 1 << (c % 8)
		if values[i] == nil {
			nulls[c/8] |= 1 << (c % 8)
			continue
		}
		cm := &l.Cols[c]
		b, err := base.EncodeKey(cm.Type, values[i])
		if err != nil {
			return err
		}
		if cm.Type.IsVarlena() {
			binary.LittleEndian.PutUint32(dst[pos:], uint32(len(b)))
			pos += 4
		}
		pos += copy(dst[pos:], b)
	}
	return nil
}

func decodeTupleImage(l *schema.Layout, src []byte) ([]int, []base.Value, error) {
	bl := bitmapLen(l)
	if len(src) < 2*bl {
		return nil, nil, fmt.Errorf("%w: truncated tuple image", core.ErrCorruption)
	}
	updated := src[:bl]
	nulls := src[bl : 2*bl]
	pos := 2 * bl

	var cols []int
	var values []base.Value
	for c := 0; c < l.NumCols(); c++ {
		if updated[c/8]&(1<<(c%8)) == 0 {
			continue
		}
		cols = append(cols, c)
		if nulls[c/8]&(1<<(c%8)) != 0 {
			values = append(values, nil)
			continue
		}
		cm := &l.Cols[c]
		if cm.Type.IsVarlena() {
			if pos+4 > len(src) {
				return nil, nil, fmt.Errorf("%w: truncated tuple image", core.ErrCorruption)
			}
			n := int(binary.LittleEndian.Uint32(src[pos:]))
			pos += 4
			if pos+n > len(src) {
				return nil, nil, fmt.Errorf("%w: truncated tuple image", core.ErrCorruption)
			}
			raw := src[pos : pos+n]
			pos += n
			if cm.Type == schema.TypeText {
				values = append(values, string(raw))
			} else {
				out := make([]byte, n)
				copy(out, raw)
				values = append(values, out)
			}
			continue
		}
		w := int(cm.Len)
		if pos+w > len(src) {
			return nil, nil, fmt.Errorf("%w: truncated tuple image", core.ErrCorruption)
		}
		values = append(values, base.DecodeFixed(cm.Type, src[pos:pos+w]))
		pos += w
	}
	return cols, values, nil
}
