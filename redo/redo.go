// Package redo implements the append-only redo log: a preallocated,
// memory mapped file that every mutating operation writes a record into
// before touching the base image. Appenders reserve space with a
// compare-and-swap on the write position under a shared lock; when the
// log fills up, one appender escalates to the exclusive lock and rotates
// the file. Replay after an unclean shutdown reapplies records from the
// last checkpoint in order.
package redo

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/internal/mmap"
	"github.com/hupe1980/colstore/schema"
)

// Signature opens every redo log file.
var Signature = [8]byte{'@', 'R', 'E', 'D', 'O', '-', '1', '@'}

// HeaderSize is the fixed file prefix: signature, creation timestamp,
// checkpoint offset, reserved. Records start here.
const HeaderSize = 64

const offCheckpoint = 16

// MinLimit is the smallest accepted log size.
const MinLimit = 64 << 10

// rotation state machine
const (
	rotateNone int32 = iota
	rotateAwaiting
	rotateRotating
)

// Options configures a Log.
type Options struct {
	// Limit is the preallocated file size. Appends that do not fit
	// trigger rotation.
	Limit uint64

	// SyncBase flushes the base image. It runs before a full segment is
	// retired so the retired log is never needed again for recovery.
	SyncBase func() error

	// OnRotate is called with the retired segment path after a rotation,
	// outside the log's locks. Typically it archives the segment.
	OnRotate func(retired string)

	Logger *slog.Logger
}

func (o *Options) normalize() error {
	if o.Limit < MinLimit {
		return fmt.Errorf("%w: redo log limit %d below minimum %d",
			core.ErrConfiguration, o.Limit, MinLimit)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// Log is one open redo log.
type Log struct {
	layout *schema.Layout
	opts   Options
	path   string

	// mu is the append/rotate lock: appenders share it, rotation takes
	// it exclusively.
	mu    sync.RWMutex
	m     *mmap.Mapping
	pos   atomic.Uint64
	state atomic.Int32
}

// Create preallocates a fresh redo log at path.
func Create(path string, l *schema.Layout, opts Options) (*Log, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create redo log: %v", core.ErrIO, err)
	}
	if err := f.Truncate(int64(opts.Limit)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: size redo log: %v", core.ErrIO, err)
	}
	f.Close()

	m, err := mmap.OpenFile(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: map redo log: %v", core.ErrIO, err)
	}
	writeHeader(m.Bytes(), 0)
	if err := m.Sync(); err != nil {
		m.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: sync new redo log: %v", core.ErrIO, err)
	}

	lg := &Log{layout: l, opts: opts, path: path, m: m}
	lg.pos.Store(HeaderSize)
	return lg, nil
}

func writeHeader(b []byte, checkpoint uint64) {
	for i := 0; i < HeaderSize; i++ {
		b[i] = 0
	}
	copy(b, Signature[:])
	binary.LittleEndian.PutUint64(b[8:16], uint64(time.Now().UnixMicro()))
	binary.LittleEndian.PutUint64(b[offCheckpoint:], checkpoint)
}

// Open maps an existing redo log and positions the appender at the tail:
// the first offset past the checkpoint that does not hold a valid record.
func Open(path string, l *schema.Layout, opts Options) (*Log, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	m, err := mmap.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: map redo log: %v", core.ErrIO, err)
	}
	b := m.Bytes()
	if uint64(len(b)) < HeaderSize || [8]byte(b[:8]) != Signature {
		m.Close()
		return nil, fmt.Errorf("%w: bad redo log signature", core.ErrCorruption)
	}
	if uint64(len(b)) > opts.Limit {
		opts.Limit = uint64(len(b))
	}

	lg := &Log{layout: l, opts: opts, path: path, m: m}
	tail, err := lg.findTail()
	if err != nil {
		m.Close()
		return nil, err
	}
	lg.pos.Store(tail)
	return lg, nil
}

// Checkpoint returns the offset replay would start from.
func (lg *Log) Checkpoint() uint64 {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	cp := binary.LittleEndian.Uint64(lg.m.Bytes()[offCheckpoint:])
	if cp < HeaderSize {
		cp = HeaderSize
	}
	return cp
}

// SetCheckpoint records that the base image is durable for everything
// before off, and flushes the header.
func (lg *Log) SetCheckpoint(off uint64) error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	binary.LittleEndian.PutUint64(lg.m.Bytes()[offCheckpoint:], off)
	if err := lg.m.SyncRange(0, HeaderSize); err != nil {
		return fmt.Errorf("%w: flush redo checkpoint: %v", core.ErrIO, err)
	}
	return nil
}

// Watermark returns the current append position. It is monotonic within
// one segment and restarts at the header size after rotation; a device
// synchronizer pairs it with the segment it mirrored.
func (lg *Log) Watermark() uint64 { return lg.pos.Load() }

// Append reserves space for the record with a compare-and-swap on the
// write position and copies it in under the shared lock. A full log is
// rotated by whichever appender hits the limit first; the others retry
// against the fresh segment. The returned offset identifies the record
// within the segment it was written to.
func (lg *Log) Append(rec *Record) (uint64, error) {
	if rec.Timestamp == 0 {
		rec.Timestamp = uint64(time.Now().UnixMicro())
	}
	size, err := rec.encodedSize(lg.layout)
	if err != nil {
		return 0, err
	}
	if HeaderSize+size > lg.opts.Limit {
		return 0, fmt.Errorf("%w: redo record of %d bytes exceeds log limit %d",
			core.ErrCapacityExhausted, size, lg.opts.Limit)
	}

	for {
		lg.mu.RLock()
		if lg.m.Bytes() == nil {
			lg.mu.RUnlock()
			return 0, mmap.ErrClosed
		}
		for {
			cur := lg.pos.Load()
			if cur+size > lg.opts.Limit {
				break
			}
			if !lg.pos.CompareAndSwap(cur, cur+size) {
				continue
			}
			dst := lg.m.Bytes()[cur : cur+size]
			err := rec.encode(lg.layout, dst)
			lg.mu.RUnlock()
			return cur, err
		}
		lg.mu.RUnlock()

		if err := lg.rotate(size); err != nil {
			return 0, err
		}
	}
}

// rotate retires the full segment and starts a fresh one. The base image
// is flushed first, so the retired segment is no longer needed for
// recovery and can be archived away.
func (lg *Log) rotate(need uint64) error {
	lg.state.CompareAndSwap(rotateNone, rotateAwaiting)
	lg.mu.Lock()
	if lg.pos.Load()+need <= lg.opts.Limit {
		// Lost the race; another appender already rotated.
		lg.mu.Unlock()
		return nil
	}
	lg.state.Store(rotateRotating)
	defer lg.state.Store(rotateNone)

	retired, err := lg.rotateLocked()
	lg.mu.Unlock()
	if err != nil {
		return err
	}

	lg.opts.Logger.Info("redo log rotated", "path", lg.path, "retired", retired)
	if lg.opts.OnRotate != nil {
		lg.opts.OnRotate(retired)
	}
	return nil
}

func (lg *Log) rotateLocked() (string, error) {
	if lg.opts.SyncBase != nil {
		if err := lg.opts.SyncBase(); err != nil {
			return "", err
		}
	}
	if err := lg.m.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync full redo segment: %v", core.ErrIO, err)
	}
	if err := lg.m.Close(); err != nil {
		return "", fmt.Errorf("%w: unmap full redo segment: %v", core.ErrIO, err)
	}

	retired := fmt.Sprintf("%s.%d", lg.path, time.Now().UnixMicro())
	if err := os.Rename(lg.path, retired); err != nil {
		return "", fmt.Errorf("%w: retire redo segment: %v", core.ErrIO, err)
	}

	fresh, err := Create(lg.path, lg.layout, lg.opts)
	if err != nil {
		return "", err
	}
	lg.m = fresh.m
	lg.pos.Store(HeaderSize)
	return retired, nil
}

// State reports the rotation phase, for tests and diagnostics.
func (lg *Log) State() string {
	switch lg.state.Load() {
	case rotateAwaiting:
		return "awaiting-exclusive"
	case rotateRotating:
		return "rotating"
	}
	return "none"
}

// findTail scans forward from the checkpoint to the first offset that
// does not hold a valid record.
func (lg *Log) findTail() (uint64, error) {
	b := lg.m.Bytes()
	off := binary.LittleEndian.Uint64(b[offCheckpoint:])
	if off < HeaderSize {
		off = HeaderSize
	}
	if off > uint64(len(b)) {
		return 0, fmt.Errorf("%w: redo checkpoint %d beyond file", core.ErrCorruption, off)
	}
	for off+recordHeaderSize <= uint64(len(b)) {
		typ := RecType(binary.LittleEndian.Uint32(b[off:]))
		if !typ.valid() {
			break
		}
		length := uint64(binary.LittleEndian.Uint32(b[off+4:]))
		if length < recordHeaderSize || length%8 != 0 || off+length > uint64(len(b)) {
			return 0, fmt.Errorf("%w: redo record at %d has length %d",
				core.ErrCorruption, off, length)
		}
		off += length
	}
	return off, nil
}

// Replay decodes every record from the checkpoint to the tail, in append
// order, and hands each to fn together with its offset.
func (lg *Log) Replay(fn func(off uint64, rec *Record) error) error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()

	b := lg.m.Bytes()
	off := binary.LittleEndian.Uint64(b[offCheckpoint:])
	if off < HeaderSize {
		off = HeaderSize
	}
	for off+recordHeaderSize <= uint64(len(b)) {
		rec, err := decodeRecord(lg.layout, b[off:])
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		if err := fn(off, rec); err != nil {
			return err
		}
		off += uint64(binary.LittleEndian.Uint32(b[off+4:]))
	}
	return nil
}

// Sync flushes the mapped segment.
func (lg *Log) Sync() error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	if err := lg.m.Sync(); err != nil {
		return fmt.Errorf("%w: msync redo log: %v", core.ErrIO, err)
	}
	return nil
}

// View exposes the raw segment bytes under the shared lock, the surface a
// device synchronizer reads new records from.
func (lg *Log) View(fn func(b []byte) error) error {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	return fn(lg.m.Bytes())
}

// Close syncs and unmaps the log.
func (lg *Log) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if err := lg.m.Sync(); err != nil {
		lg.m.Close()
		return fmt.Errorf("%w: msync redo log on close: %v", core.ErrIO, err)
	}
	if err := lg.m.Close(); err != nil {
		return fmt.Errorf("%w: unmap redo log: %v", core.ErrIO, err)
	}
	return nil
}
