package mmap

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

var (
	// ErrClosed is returned when attempting to access a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned when a file or growth size is invalid.
	ErrInvalidSize = errors.New("mmap: invalid size")
)

// AccessPattern provides hints to the kernel about how the data will be
// accessed.
type AccessPattern int

const (
	// AccessDefault is the default access pattern (no specific advice).
	AccessDefault AccessPattern = iota
	// AccessSequential expects data to be accessed sequentially.
	AccessSequential
	// AccessRandom expects data to be accessed randomly.
	AccessRandom
	// AccessWillNeed expects data to be accessed in the near future.
	AccessWillNeed
)

// Mapping is a shared, writable memory-mapped file. It owns both the
// mapped byte slice and the underlying file descriptor, which is kept open
// so the mapping can be grown in place.
type Mapping struct {
	f      *os.File
	data   []byte
	size   int64
	closed atomic.Bool
}

// OpenFile maps the file at path read-write and shared. The file must
// already exist and be non-empty.
func OpenFile(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600) //nolint:gosec // G304: path is store configuration
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := fi.Size()
	if size <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}

	data, err := osMap(f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Mapping{f: f, data: data, size: size}, nil
}

// Bytes returns the mapped byte slice.
// Warning: the slice is valid only until Grow or Close is called.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int64 { return m.size }

// Grow extends the backing file to newSize and remaps it. On any error the
// mapping is left closed rather than half-mapped; callers must not publish
// a new revision until Grow returns nil.
func (m *Mapping) Grow(newSize int64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if newSize <= m.size {
		return fmt.Errorf("%w: grow from %d to %d", ErrInvalidSize, m.size, newSize)
	}
	if err := osUnmap(m.data); err != nil {
		m.closed.Store(true)
		_ = m.f.Close()
		return fmt.Errorf("unmap before grow: %w", err)
	}
	m.data = nil
	if err := osAllocate(m.f, newSize); err != nil {
		m.closed.Store(true)
		_ = m.f.Close()
		return fmt.Errorf("extend file to %d bytes: %w", newSize, err)
	}
	data, err := osMap(m.f, newSize)
	if err != nil {
		m.closed.Store(true)
		_ = m.f.Close()
		return fmt.Errorf("remap after grow: %w", err)
	}
	m.data = data
	m.size = newSize
	return nil
}

// Sync flushes the whole mapping to the backing file.
func (m *Mapping) Sync() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osSync(m.data)
}

// SyncRange flushes [off, off+length) to the backing file. The range is
// widened to page boundaries as required by msync.
func (m *Mapping) SyncRange(off, length int64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if off < 0 || length < 0 || off+length > m.size {
		return fmt.Errorf("%w: sync range [%d,%d)", ErrInvalidSize, off, off+length)
	}
	lo := off &^ (pageSize - 1)
	hi := (off + length + pageSize - 1) &^ (pageSize - 1)
	if hi > m.size {
		hi = m.size
	}
	return osSync(m.data[lo:hi])
}

// Advise provides hints to the kernel about the expected access pattern.
func (m *Mapping) Advise(pattern AccessPattern) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return osAdvise(m.data, pattern)
}

// Close unmaps the memory and closes the file. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	var err error
	if m.data != nil {
		err = osUnmap(m.data)
		m.data = nil
	}
	if closeErr := m.f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

const pageSize = 4096
