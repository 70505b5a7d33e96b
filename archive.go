package colstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/colstore/core"
)

// onRotate runs after the redo log retired a full segment. The base image
// was flushed before retirement, so the segment is only an archive; it is
// compressed into the backup directory in the background, or kept in
// place when no backup directory is configured.
func (s *Store) onRotate(retired string) {
	if s.opts.BackupDir == "" {
		return
	}
	s.archiveWG.Add(1)
	go func() {
		defer s.archiveWG.Done()
		dst, err := archiveSegment(retired, s.opts.BackupDir, s.opts.Compression)
		if err != nil {
			s.logger.Error("redo segment archival failed", "segment", retired, "error", err)
			return
		}
		s.logger.Info("redo segment archived", "segment", retired, "archive", dst)
	}()
}

// archiveSegment compresses the retired segment into dir and removes the
// original. With CompressionNone it is moved as-is.
func archiveSegment(retired, dir string, c Compression) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create backup dir: %v", core.ErrIO, err)
	}
	name := filepath.Base(retired)

	if c == CompressionNone {
		dst := filepath.Join(dir, name)
		if err := os.Rename(retired, dst); err != nil {
			return "", fmt.Errorf("%w: move redo segment: %v", core.ErrIO, err)
		}
		return dst, nil
	}

	src, err := os.Open(retired)
	if err != nil {
		return "", fmt.Errorf("%w: open retired segment: %v", core.ErrIO, err)
	}
	defer src.Close()

	var dst string
	switch c {
	case CompressionZstd:
		dst = filepath.Join(dir, name+".zst")
	case CompressionLZ4:
		dst = filepath.Join(dir, name+".lz4")
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create archive: %v", core.ErrIO, err)
	}

	var wc io.WriteCloser
	switch c {
	case CompressionZstd:
		zw, err := zstd.NewWriter(out)
		if err != nil {
			out.Close()
			return "", fmt.Errorf("%w: zstd writer: %v", core.ErrIO, err)
		}
		wc = zw
	case CompressionLZ4:
		wc = lz4.NewWriter(out)
	}

	if _, err := io.Copy(wc, src); err != nil {
		wc.Close()
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("%w: compress segment: %v", core.ErrIO, err)
	}
	if err := wc.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("%w: finish archive: %v", core.ErrIO, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("%w: close archive: %v", core.ErrIO, err)
	}
	if err := os.Remove(retired); err != nil {
		return "", fmt.Errorf("%w: remove retired segment: %v", core.ErrIO, err)
	}
	return dst, nil
}
