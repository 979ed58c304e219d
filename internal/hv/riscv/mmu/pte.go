package mmu

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// readPTE32 reads a 4-byte PTE (Sv32) little-endian from ram at offset off.
func readPTE32(ram []byte, off uint64) uint64 {
	return uint64(binary.LittleEndian.Uint32(ram[off : off+4]))
}

// readPTE64 reads an 8-byte PTE (Sv39/48/57) little-endian from ram.
func readPTE64(ram []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(ram[off : off+8])
}

// casPTE32 performs a single compare-and-swap of a 4-byte little-endian PTE.
// No retry on failure: A/D are monotonic set-only bits, so losing the race
// means another agent already applied an equivalent or stronger upgrade.
func casPTE32(ram []byte, off uint64, old, new uint32) bool {
	ptr := (*uint32)(unsafe.Pointer(&ram[off]))
	return atomic.CompareAndSwapUint32(ptr, old, new)
}

// casPTE64 is casPTE32's 8-byte counterpart for Sv39/Sv48/Sv57.
func casPTE64(ram []byte, off uint64, old, new uint64) bool {
	ptr := (*uint64)(unsafe.Pointer(&ram[off]))
	return atomic.CompareAndSwapUint64(ptr, old, new)
}
