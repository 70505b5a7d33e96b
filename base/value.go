package base

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/schema"
)

// Value is a single column value. nil means NULL. Concrete Go types per
// column type: bool, int16, int32, int64, float32, float64, []byte for
// bytes columns and string for text columns.
type Value = any

func putFixed(dst []byte, t schema.TypeID, v Value) error {
	switch t {
	case schema.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return typeError(t, v)
		}
		if b {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case schema.TypeInt16:
		x, ok := v.(int16)
		if !ok {
			return typeError(t, v)
		}
		binary.LittleEndian.PutUint16(dst, uint16(x))
	case schema.TypeInt32:
		x, ok := v.(int32)
		if !ok {
			return typeError(t, v)
		}
		binary.LittleEndian.PutUint32(dst, uint32(x))
	case schema.TypeInt64:
		x, ok := v.(int64)
		if !ok {
			return typeError(t, v)
		}
		binary.LittleEndian.PutUint64(dst, uint64(x))
	case schema.TypeFloat32:
		x, ok := v.(float32)
		if !ok {
			return typeError(t, v)
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(x))
	case schema.TypeFloat64:
		x, ok := v.(float64)
		if !ok {
			return typeError(t, v)
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(x))
	default:
		return typeError(t, v)
	}
	return nil
}

func getFixed(src []byte, t schema.TypeID) Value {
	switch t {
	case schema.TypeBool:
		return src[0] != 0
	case schema.TypeInt16:
		return int16(binary.LittleEndian.Uint16(src))
	case schema.TypeInt32:
		return int32(binary.LittleEndian.Uint32(src))
	case schema.TypeInt64:
		return int64(binary.LittleEndian.Uint64(src))
	case schema.TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src))
	case schema.TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	default:
		return nil
	}
}

// varlenaBytes extracts the payload of a bytes or text value.
func varlenaBytes(t schema.TypeID, v Value) ([]byte, error) {
	switch t {
	case schema.TypeBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeError(t, v)
		}
		return b, nil
	case schema.TypeText:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(t, v)
		}
		return []byte(s), nil
	default:
		return nil, typeError(t, v)
	}
}

// EncodeKey renders a value in its canonical byte form, used for hashing
// and equality of primary keys. NULL keys are rejected.
func EncodeKey(t schema.TypeID, v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: NULL primary key", core.ErrConfiguration)
	}
	if t.IsVarlena() {
		return varlenaBytes(t, v)
	}
	buf := make([]byte, int(t.Width()))
	if err := putFixed(buf, t, v); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeFixed decodes a fixed width value from its canonical byte form.
func DecodeFixed(t schema.TypeID, b []byte) Value {
	return getFixed(b, t)
}

func typeError(t schema.TypeID, v Value) error {
	return fmt.Errorf("%w: column type %s cannot hold %T", core.ErrConfiguration, t, v)
}
