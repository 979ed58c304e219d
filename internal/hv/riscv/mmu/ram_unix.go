//go:build unix

package mmu

import "golang.org/x/sys/unix"

// allocRAM maps anonymous, zero-filled, page-aligned guest RAM directly
// from the kernel rather than through the Go allocator, matching the
// host-memory backing used for guest RAM elsewhere in this tree.
func allocRAM(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeRAM(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
