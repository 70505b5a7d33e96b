package colstore

import (
	"fmt"

	"github.com/hupe1980/colstore/core"
)

// Sentinel errors, re-exported so callers match with errors.Is without
// importing inner packages.
var (
	ErrConfiguration     = core.ErrConfiguration
	ErrCapacityExhausted = core.ErrCapacityExhausted
	ErrCorruption        = core.ErrCorruption
	ErrIO                = core.ErrIO
	ErrNotFound          = core.ErrNotFound
	ErrSerialization     = core.ErrSerialization
)

// RowNotFoundError reports a row-id that matched no visible row.
type RowNotFoundError struct {
	Table string
	RowID uint32
}

func (e *RowNotFoundError) Error() string {
	return fmt.Sprintf("row %d not visible in table %q", e.RowID, e.Table)
}

func (e *RowNotFoundError) Unwrap() error { return ErrNotFound }

// SerializationError reports a write that lost to a concurrent delete.
type SerializationError struct {
	Table string
	RowID uint32
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("row %d in table %q was deleted by a concurrent transaction", e.RowID, e.Table)
}

func (e *SerializationError) Unwrap() error { return ErrSerialization }
