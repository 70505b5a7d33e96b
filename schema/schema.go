// Package schema defines table schemas and computes the on-disk layout of
// the base file: the fixed header, the per-column null-bitmap and value
// arrays, and the offsets of the row-id map, hash index and extra sections.
package schema

import (
	"errors"
	"fmt"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/rowid"
)

// TypeID identifies a column type. Values are part of the on-disk format.
type TypeID uint32

const (
	TypeBool    TypeID = 1
	TypeInt16   TypeID = 2
	TypeInt32   TypeID = 3
	TypeInt64   TypeID = 4
	TypeFloat32 TypeID = 5
	TypeFloat64 TypeID = 6
	TypeBytes   TypeID = 7 // variable length
	TypeText    TypeID = 8 // variable length

	// typeSys is the implicit trailing system column {xmin,xmax,cid}.
	typeSys TypeID = 0xFFFF
)

// VarlenaWidth is the fixed slot width of a variable-length column: a
// packed uint32 byte offset into the extra region (offset>>3, 0 = NULL).
const VarlenaWidth = 4

// Width returns the fixed slot width in bytes, or -1 for variable-length
// types whose values live in the extra region.
func (t TypeID) Width() int32 {
	switch t {
	case TypeBool:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	case TypeBytes, TypeText:
		return -1
	case typeSys:
		return core.SysAttrSize
	default:
		return 0
	}
}

// Align returns the required slot alignment in bytes.
func (t TypeID) Align() uint32 {
	switch t {
	case TypeBool:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32, TypeFloat32, TypeBytes, TypeText:
		return 4
	case TypeInt64, TypeFloat64, typeSys:
		return 8
	default:
		return 0
	}
}

// IsVarlena reports whether values are stored out of line.
func (t TypeID) IsVarlena() bool { return t == TypeBytes || t == TypeText }

func (t TypeID) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt16:
		return "int2"
	case TypeInt32:
		return "int4"
	case TypeInt64:
		return "int8"
	case TypeFloat32:
		return "float4"
	case TypeFloat64:
		return "float8"
	case TypeBytes:
		return "bytea"
	case TypeText:
		return "text"
	case typeSys:
		return "sysattr"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// avgWidth is the assumed average payload size of a variable-length value,
// used to size the initial extra region. The region grows on demand, so
// this is a starting estimate, not a limit.
const avgWidth = 32

// Column describes one user column.
type Column struct {
	Name     string
	Type     TypeID
	Nullable bool
}

// Schema is an ordered list of columns plus an optional primary key.
// PrimaryKey is 1-based; 0 means no primary key.
type Schema struct {
	Columns    []Column
	PrimaryKey int
}

// ErrInvalidSchema is returned for schema definitions that cannot be laid
// out on disk.
var ErrInvalidSchema = errors.New("schema: invalid definition")

// MaxNameLen is the longest column name the header can carry.
const MaxNameLen = 32

// Validate checks the schema definition itself, independent of any file.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" || len(c.Name) > MaxNameLen {
			return fmt.Errorf("%w: column %d has invalid name %q", ErrInvalidSchema, i, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Type.Width() == 0 {
			return fmt.Errorf("%w: column %q has unknown type %d", ErrInvalidSchema, c.Name, c.Type)
		}
	}
	if s.PrimaryKey < 0 || s.PrimaryKey > len(s.Columns) {
		return fmt.Errorf("%w: primary key %d out of range", ErrInvalidSchema, s.PrimaryKey)
	}
	if s.PrimaryKey > 0 && s.Columns[s.PrimaryKey-1].Nullable {
		return fmt.Errorf("%w: primary key column %q must be NOT NULL",
			ErrInvalidSchema, s.Columns[s.PrimaryKey-1].Name)
	}
	return nil
}

// HasVarlena reports whether any column stores values out of line.
func (s *Schema) HasVarlena() bool {
	for _, c := range s.Columns {
		if c.Type.IsVarlena() {
			return true
		}
	}
	return false
}

// ColMeta is the resolved placement of one column inside the base file.
// Offsets are absolute file offsets; zero means "no such section".
type ColMeta struct {
	Name     string
	Type     TypeID
	Len      int32 // fixed slot width; -1 for varlena slots (see VarlenaWidth)
	Align    uint32
	Nullable bool

	NullmapOff uint64
	NullmapLen uint64
	ValuesOff  uint64
	ValuesLen  uint64
}

// SlotWidth returns the in-file width of one fixed slot.
func (c *ColMeta) SlotWidth() int64 {
	if c.Len < 0 {
		return VarlenaWidth
	}
	return int64(c.Len)
}

// Layout is the complete section map of a base file for one schema and
// capacity. It is deterministic: the same inputs always produce the same
// byte-exact layout, which open-time validation relies on.
type Layout struct {
	Schema   *Schema
	Capacity uint32

	// Cols has len(Schema.Columns)+1 entries; the last is the implicit
	// system column.
	Cols []ColMeta

	FixedLen    uint64 // end of header + column arrays
	RowIDMapOff uint64
	RowIDMapLen uint64
	HashOff     uint64 // 0 when no primary key
	HashLen     uint64
	HashSlots   uint64
	ExtraOff    uint64 // 0 when no varlena columns
	ExtraLen    uint64 // initial extra region length
	HasVarlena  bool
}

const pageSize = 4096

func align8(v uint64) uint64    { return (v + 7) &^ 7 }
func pageAlign(v uint64) uint64 { return (v + pageSize - 1) &^ (pageSize - 1) }

// DefaultHashSlots returns the hash slot count used when none is
// configured: ~1.2x capacity plus slack, so chains stay short even full.
func DefaultHashSlots(capacity uint32) uint64 {
	return uint64(float64(capacity)*1.2) + 1000
}

// Compute lays out the base file for the given schema and row capacity.
// hashSlots is honored only when the schema has a primary key; pass 0 for
// the default.
func Compute(s *Schema, capacity uint32, hashSlots uint64) (*Layout, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", ErrInvalidSchema)
	}

	ncols := len(s.Columns)
	l := &Layout{
		Schema:     s,
		Capacity:   capacity,
		Cols:       make([]ColMeta, ncols+1),
		HasVarlena: s.HasVarlena(),
	}

	pos := align8(headerSize(ncols))
	nullmapLen := align8((uint64(capacity) + 7) / 8)
	var extraEstimate uint64

	for i := 0; i <= ncols; i++ {
		cm := &l.Cols[i]
		if i < ncols {
			c := s.Columns[i]
			cm.Name = c.Name
			cm.Type = c.Type
			cm.Len = c.Type.Width()
			cm.Align = c.Type.Align()
			cm.Nullable = c.Nullable
		} else {
			cm.Name = "..sysattr.."
			cm.Type = typeSys
			cm.Len = core.SysAttrSize
			cm.Align = typeSys.Align()
		}

		if cm.Nullable {
			cm.NullmapOff = pos
			cm.NullmapLen = nullmapLen
			pos += nullmapLen
		}

		width := uint64(cm.SlotWidth())
		cm.ValuesOff = pos
		cm.ValuesLen = align8(width * uint64(capacity))
		pos += cm.ValuesLen

		if cm.Len < 0 {
			extraEstimate += align8(avgWidth) * uint64(capacity)
		}
	}
	l.FixedLen = pos

	l.RowIDMapOff = pageAlign(l.FixedLen)
	l.RowIDMapLen = rowid.MapSize(capacity)
	end := pageAlign(l.RowIDMapOff + l.RowIDMapLen)

	if s.PrimaryKey > 0 {
		if hashSlots == 0 {
			hashSlots = DefaultHashSlots(capacity)
		}
		l.HashOff = end
		l.HashSlots = hashSlots
		l.HashLen = HashHeaderSize + 4*(hashSlots+uint64(capacity))
		end = pageAlign(l.HashOff + l.HashLen)
	}

	if l.HasVarlena {
		l.ExtraOff = end
		l.ExtraLen = pageAlign(extraEstimate)
		end += l.ExtraLen
	}
	return l, nil
}

// FileSize returns the total initial size of the base file.
func (l *Layout) FileSize() uint64 {
	if l.HasVarlena {
		return l.ExtraOff + l.ExtraLen
	}
	if l.HashOff != 0 {
		return pageAlign(l.HashOff + l.HashLen)
	}
	return pageAlign(l.RowIDMapOff + l.RowIDMapLen)
}

// NumCols returns the number of user columns.
func (l *Layout) NumCols() int { return len(l.Cols) - 1 }

// SysCol returns the meta of the implicit system column.
func (l *Layout) SysCol() *ColMeta { return &l.Cols[len(l.Cols)-1] }
