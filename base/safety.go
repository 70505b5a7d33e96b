package base

import (
	"fmt"
	"unsafe"

	"github.com/hupe1980/colstore/core"
)

// The on-disk format is little-endian and the column arrays are accessed
// in place, so a big-endian host cannot map a base file.
var hostLittleEndian = func() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

func checkHostByteOrder() error {
	if !hostLittleEndian {
		return fmt.Errorf("%w: big-endian hosts are not supported", core.ErrConfiguration)
	}
	return nil
}
