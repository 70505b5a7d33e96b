package schema

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Section signatures, 8 bytes each. The base signature has a second form
// written while the file is mapped by a live store; finding it at open
// time means the last shutdown was not clean.
var (
	BaseSignature      = [8]byte{'@', 'B', 'A', 'S', 'E', '-', '1', '@'}
	BaseDirtySignature = [8]byte{'%', 'B', 'a', 's', 'e', '-', '1', '%'}
	RowIDMapSignature  = [8]byte{'@', 'R', 'O', 'W', '-', 'I', 'D', '@'}
	HashSignature      = [8]byte{'@', 'H', 'I', 'N', 'D', 'E', 'X', '@'}
)

// ErrIncompatible is returned when an existing base file does not match
// the schema byte-for-byte. There is no auto-migration.
var ErrIncompatible = errors.New("schema: incompatible on-disk definition")

// Mutable header fields, addressed directly in the mapping.
const (
	OffSignature = 0
	OffNitems    = 96
	OffExtraLen  = 120
	OffUsage     = 128
	OffXIDCursor = 140
)

// TableNameLen is the fixed size of the table name field.
const TableNameLen = 64

const (
	headerFixedLen = 144
	colMetaLen     = 80

	// HashHeaderSize is the fixed prefix of the hash index section:
	// signature, nrooms, nslots.
	HashHeaderSize = 24

	flagHasVarlena = 1 << 0
)

func headerSize(ncols int) uint64 {
	return headerFixedLen + colMetaLen*uint64(ncols+1)
}

// HeaderSize returns the size of the encoded header for the layout.
func (l *Layout) HeaderSize() uint64 { return headerSize(l.NumCols()) }

// DiskHeader is the decoded form of a base file header, including the
// mutable fields a running store updates in place.
type DiskHeader struct {
	Signature   [8]byte
	RowIDMapOff uint64
	HashOff     uint64
	TableName   string
	NumCols     int
	Capacity    uint32
	Nitems      uint32
	PrimaryKey  int32
	FixedLen    uint64
	ExtraOff    uint64
	ExtraLen    uint64
	Usage       uint64
	HasVarlena  bool

	// XIDCursor is the transaction id allocation cursor at the last
	// header flush; 0 on files from before any flush.
	XIDCursor uint32

	Cols []ColMeta
}

// EncodeHeader renders the full header block for a fresh base file.
func (l *Layout) EncodeHeader(tableName string) ([]byte, error) {
	if len(tableName) >= TableNameLen {
		return nil, fmt.Errorf("%w: table name %q too long", ErrInvalidSchema, tableName)
	}
	buf := make([]byte, l.HeaderSize())
	copy(buf[OffSignature:], BaseSignature[:])
	binary.LittleEndian.PutUint64(buf[8:16], l.RowIDMapOff)
	binary.LittleEndian.PutUint64(buf[16:24], l.HashOff)
	copy(buf[24:24+TableNameLen], tableName)
	binary.LittleEndian.PutUint32(buf[88:92], uint32(l.NumCols()))
	binary.LittleEndian.PutUint32(buf[92:96], l.Capacity)
	binary.LittleEndian.PutUint32(buf[OffNitems:OffNitems+4], 0)
	binary.LittleEndian.PutUint32(buf[100:104], uint32(int32(l.Schema.PrimaryKey)))
	binary.LittleEndian.PutUint64(buf[104:112], l.FixedLen)
	binary.LittleEndian.PutUint64(buf[112:120], l.ExtraOff)
	binary.LittleEndian.PutUint64(buf[OffExtraLen:OffExtraLen+8], l.ExtraLen)
	binary.LittleEndian.PutUint64(buf[OffUsage:OffUsage+8], 8) // offset 0 is the NULL sentinel
	var flags uint32
	if l.HasVarlena {
		flags |= flagHasVarlena
	}
	binary.LittleEndian.PutUint32(buf[136:140], flags)

	for i := range l.Cols {
		cm := &l.Cols[i]
		b := buf[headerFixedLen+colMetaLen*i:]
		binary.LittleEndian.PutUint32(b[0:4], uint32(cm.Type))
		binary.LittleEndian.PutUint32(b[4:8], uint32(cm.Len))
		binary.LittleEndian.PutUint32(b[8:12], cm.Align)
		if cm.Nullable {
			b[12] = 1
		}
		copy(b[16:48], cm.Name)
		binary.LittleEndian.PutUint64(b[48:56], cm.NullmapOff)
		binary.LittleEndian.PutUint64(b[56:64], cm.NullmapLen)
		binary.LittleEndian.PutUint64(b[64:72], cm.ValuesOff)
		binary.LittleEndian.PutUint64(b[72:80], cm.ValuesLen)
	}
	return buf, nil
}

// DecodeHeader parses a base file header. It checks only structural
// soundness; schema compatibility is the job of Layout.ValidateHeader.
func DecodeHeader(buf []byte) (*DiskHeader, error) {
	if len(buf) < headerFixedLen {
		return nil, fmt.Errorf("%w: header truncated (%d bytes)", ErrIncompatible, len(buf))
	}
	h := &DiskHeader{}
	copy(h.Signature[:], buf[OffSignature:8])
	if h.Signature != BaseSignature && h.Signature != BaseDirtySignature {
		return nil, fmt.Errorf("%w: bad base file signature %q", ErrIncompatible, h.Signature[:])
	}
	h.RowIDMapOff = binary.LittleEndian.Uint64(buf[8:16])
	h.HashOff = binary.LittleEndian.Uint64(buf[16:24])
	name := buf[24 : 24+TableNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	h.TableName = string(name)
	h.NumCols = int(binary.LittleEndian.Uint32(buf[88:92]))
	h.Capacity = binary.LittleEndian.Uint32(buf[92:96])
	h.Nitems = binary.LittleEndian.Uint32(buf[OffNitems : OffNitems+4])
	h.PrimaryKey = int32(binary.LittleEndian.Uint32(buf[100:104]))
	h.FixedLen = binary.LittleEndian.Uint64(buf[104:112])
	h.ExtraOff = binary.LittleEndian.Uint64(buf[112:120])
	h.ExtraLen = binary.LittleEndian.Uint64(buf[OffExtraLen : OffExtraLen+8])
	h.Usage = binary.LittleEndian.Uint64(buf[OffUsage : OffUsage+8])
	h.HasVarlena = binary.LittleEndian.Uint32(buf[136:140])&flagHasVarlena != 0
	h.XIDCursor = binary.LittleEndian.Uint32(buf[OffXIDCursor : OffXIDCursor+4])

	if h.NumCols <= 0 || uint64(len(buf)) < headerSize(h.NumCols) {
		return nil, fmt.Errorf("%w: header too small for %d columns", ErrIncompatible, h.NumCols)
	}
	h.Cols = make([]ColMeta, h.NumCols+1)
	for i := range h.Cols {
		b := buf[headerFixedLen+colMetaLen*i:]
		cm := &h.Cols[i]
		cm.Type = TypeID(binary.LittleEndian.Uint32(b[0:4]))
		cm.Len = int32(binary.LittleEndian.Uint32(b[4:8]))
		cm.Align = binary.LittleEndian.Uint32(b[8:12])
		cm.Nullable = b[12] != 0
		cname := b[16:48]
		if j := bytes.IndexByte(cname, 0); j >= 0 {
			cname = cname[:j]
		}
		cm.Name = string(cname)
		cm.NullmapOff = binary.LittleEndian.Uint64(b[48:56])
		cm.NullmapLen = binary.LittleEndian.Uint64(b[56:64])
		cm.ValuesOff = binary.LittleEndian.Uint64(b[64:72])
		cm.ValuesLen = binary.LittleEndian.Uint64(b[72:80])
	}
	return h, nil
}

// ValidateHeader checks an existing file's header against this layout
// byte-for-byte: types, widths, alignment, nullability and every computed
// section offset. Any deviation is fatal; there is no auto-migration.
func (l *Layout) ValidateHeader(h *DiskHeader, tableName string) error {
	if h.TableName != tableName {
		return fmt.Errorf("%w: file belongs to table %q, not %q",
			ErrIncompatible, h.TableName, tableName)
	}
	if h.NumCols != l.NumCols() {
		return fmt.Errorf("%w: %d columns on disk, schema has %d",
			ErrIncompatible, h.NumCols, l.NumCols())
	}
	if h.Capacity != l.Capacity {
		return fmt.Errorf("%w: capacity %d on disk, configured %d",
			ErrIncompatible, h.Capacity, l.Capacity)
	}
	if int(h.PrimaryKey) != l.Schema.PrimaryKey {
		return fmt.Errorf("%w: primary key %d on disk, schema has %d",
			ErrIncompatible, h.PrimaryKey, l.Schema.PrimaryKey)
	}
	if h.FixedLen != l.FixedLen ||
		h.RowIDMapOff != l.RowIDMapOff ||
		h.HashOff != l.HashOff ||
		h.ExtraOff != l.ExtraOff ||
		h.HasVarlena != l.HasVarlena {
		return fmt.Errorf("%w: section offsets differ", ErrIncompatible)
	}
	for i := range l.Cols {
		want, got := &l.Cols[i], &h.Cols[i]
		if got.Name != want.Name ||
			got.Type != want.Type ||
			got.Len != want.Len ||
			got.Align != want.Align ||
			got.Nullable != want.Nullable ||
			got.NullmapOff != want.NullmapOff ||
			got.NullmapLen != want.NullmapLen ||
			got.ValuesOff != want.ValuesOff ||
			got.ValuesLen != want.ValuesLen {
			return fmt.Errorf("%w: column %q differs from on-disk definition",
				ErrIncompatible, want.Name)
		}
	}
	return nil
}
