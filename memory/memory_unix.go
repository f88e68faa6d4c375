//go:build linux || darwin

package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapHost backs a region with anonymous host memory. The region's base is
// the address of the mapping, so relocated images hold real addresses.
func MapHost(size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("map load region: empty region")
	}
	page := uint64(unix.Getpagesize())
	size = (size + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("map load region: %w", err)
	}
	r := NewRegion(uint64(uintptr(unsafe.Pointer(&mem[0]))), mem)
	r.unmap = func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("unmap load region: %w", err)
		}
		return nil
	}
	return r, nil
}
