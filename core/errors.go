package core

import "errors"

// Error taxonomy shared by every subsystem. The root package re-exports
// these for callers; inner packages wrap them with fmt.Errorf("%w").
var (
	// ErrConfiguration covers schema mismatches and invalid options.
	// Configuration errors are fatal for the operation that hit them.
	ErrConfiguration = errors.New("colstore: configuration error")

	// ErrCapacityExhausted is returned when no row slot is free or the
	// redo log cannot fit another record.
	ErrCapacityExhausted = errors.New("colstore: capacity exhausted")

	// ErrCorruption is returned for damaged on-disk state. At the
	// header level it is fatal; index-level damage degrades to
	// not-found plus a rebuild.
	ErrCorruption = errors.New("colstore: corrupted data")

	// ErrIO wraps operating system failures.
	ErrIO = errors.New("colstore: i/o error")

	// ErrNotFound is returned for lookups that match no visible row.
	ErrNotFound = errors.New("colstore: not found")

	// ErrSerialization is returned when a concurrent transaction
	// deleted the row a writer was about to modify.
	ErrSerialization = errors.New("colstore: serialization failure")
)
