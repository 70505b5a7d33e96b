package core

import "encoding/binary"

// SysAttrSize is the on-disk footprint of one row's system fields.
const SysAttrSize = 16

// SysAttr carries the MVCC system fields stored per row in the implicit
// trailing system column: the inserting transaction (xmin), the deleting
// transaction (xmax, InvalidXID while the row lives) and the command id of
// whichever of the two ran last.
type SysAttr struct {
	Xmin XID
	Xmax XID
	Cid  CID
}

// DecodeSysAttr reads a SysAttr from its 16-byte slot.
func DecodeSysAttr(b []byte) SysAttr {
	return SysAttr{
		Xmin: XID(binary.LittleEndian.Uint32(b[0:4])),
		Xmax: XID(binary.LittleEndian.Uint32(b[4:8])),
		Cid:  CID(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// Encode writes the SysAttr into its 16-byte slot.
func (s SysAttr) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(s.Xmin))
	binary.LittleEndian.PutUint32(b[4:8], uint32(s.Xmax))
	binary.LittleEndian.PutUint32(b[8:12], uint32(s.Cid))
	binary.LittleEndian.PutUint32(b[12:16], 0)
}
