//go:build linux

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

// osAllocate reserves blocks for [0, size) so later page writes cannot fail
// with SIGBUS on a full filesystem. Filesystems without fallocate support
// fall back to Truncate, which leaves the file sparse.
func osAllocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return f.Truncate(size)
	}
	return err
}
