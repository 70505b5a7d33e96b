package colstore

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hupe1980/colstore/core"
)

// Compression selects the codec for archived redo segments.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
	CompressionNone Compression = "none"
)

// Options configures a store. Use the With* functions; zero fields fall
// back to DefaultOptions.
type Options struct {
	// Dir holds the base and redo files. Required.
	Dir string

	// Capacity is the fixed number of row slots.
	Capacity uint32

	// HashSlots overrides the primary key bucket count. 0 picks the
	// default of ~1.2x capacity.
	HashSlots uint64

	// RedoLogLimit is the segment size, with optional size suffix
	// ("64m", "1gb").
	RedoLogLimit string

	// SyncOnCommit flushes the redo log at every commit. Disabling it
	// trades the last transactions for throughput after a crash.
	SyncOnCommit bool

	// BackupDir receives compressed retired redo segments. Empty keeps
	// them uncompressed next to the live log.
	BackupDir string

	// Compression is the archive codec for retired segments.
	Compression Compression

	// VacuumRowsPerSec throttles the background reclamation scan.
	VacuumRowsPerSec rate.Limit

	Logger *slog.Logger
}

// DefaultOptions returns the configuration used when no option overrides
// it.
func DefaultOptions() Options {
	return Options{
		Capacity:         1 << 20,
		RedoLogLimit:     "64m",
		SyncOnCommit:     true,
		Compression:      CompressionZstd,
		VacuumRowsPerSec: 100_000,
		Logger:           NoopLogger(),
	}
}

// Option mutates Options.
type Option func(*Options)

// WithDir sets the directory holding the store's files.
func WithDir(dir string) Option { return func(o *Options) { o.Dir = dir } }

// WithCapacity sets the fixed row slot count.
func WithCapacity(capacity uint32) Option { return func(o *Options) { o.Capacity = capacity } }

// WithHashSlots overrides the primary key bucket count.
func WithHashSlots(n uint64) Option { return func(o *Options) { o.HashSlots = n } }

// WithRedoLogLimit sets the redo segment size, e.g. "64m" or "1gb".
func WithRedoLogLimit(limit string) Option { return func(o *Options) { o.RedoLogLimit = limit } }

// WithSyncOnCommit toggles the per-commit redo flush.
func WithSyncOnCommit(sync bool) Option { return func(o *Options) { o.SyncOnCommit = sync } }

// WithBackupDir archives retired redo segments into dir.
func WithBackupDir(dir string) Option { return func(o *Options) { o.BackupDir = dir } }

// WithCompression selects the archive codec.
func WithCompression(c Compression) Option { return func(o *Options) { o.Compression = c } }

// WithVacuumRate throttles vacuum to n examined rows per second.
func WithVacuumRate(n rate.Limit) Option { return func(o *Options) { o.VacuumRowsPerSec = n } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func (o *Options) validate() error {
	if o.Dir == "" {
		return fmt.Errorf("%w: store directory is required", core.ErrConfiguration)
	}
	if o.Capacity == 0 {
		return fmt.Errorf("%w: capacity must be positive", core.ErrConfiguration)
	}
	switch o.Compression {
	case CompressionZstd, CompressionLZ4, CompressionNone:
	default:
		return fmt.Errorf("%w: unknown compression %q", core.ErrConfiguration, o.Compression)
	}
	if _, err := ParseSize(o.RedoLogLimit); err != nil {
		return err
	}
	return nil
}

// ParseSize parses a byte count with an optional suffix: k/m/g/t, with or
// without a trailing "b", case-insensitive. A bare number is bytes.
func ParseSize(s string) (uint64, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return 0, fmt.Errorf("%w: empty size", core.ErrConfiguration)
	}
	shift := 0
	t = strings.TrimSuffix(t, "b")
	switch {
	case strings.HasSuffix(t, "k"):
		shift, t = 10, t[:len(t)-1]
	case strings.HasSuffix(t, "m"):
		shift, t = 20, t[:len(t)-1]
	case strings.HasSuffix(t, "g"):
		shift, t = 30, t[:len(t)-1]
	case strings.HasSuffix(t, "t"):
		shift, t = 40, t[:len(t)-1]
	}
	n, err := strconv.ParseUint(t, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid size %q", core.ErrConfiguration, s)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("%w: size %q overflows", core.ErrConfiguration, s)
	}
	return n << shift, nil
}
