package core

// RowID is a dense, internal identifier for a row slot within a single
// store. It is strictly 32-bit, allowing for max 4 billion rows per store.
// Used for all hot-path structures (row-id map, hash chains, redo records).
type RowID uint32

// InvalidRowID marks "no row" in hash chains and scan cursors.
const InvalidRowID = ^RowID(0)

// XID is a transaction identifier recorded in a row's system fields.
type XID uint32

const (
	// InvalidXID means "no transaction": an unused slot's xmin, or the
	// xmax of a row that has not been deleted.
	InvalidXID XID = 0

	// FrozenXID marks a transaction known to have committed before every
	// active snapshot. Rows frozen this way need no further status lookup.
	FrozenXID XID = 2

	// FirstNormalXID is the first identifier handed out to a transaction.
	FirstNormalXID XID = 3
)

// IsNormal reports whether x is a real transaction id, not a sentinel.
func (x XID) IsNormal() bool { return x >= FirstNormalXID }

// CID is a command identifier, ordering operations within one transaction.
type CID uint32
