package mmu

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMisalignedRAM is returned by NewRAM when begin or size is not
	// page-aligned.
	ErrMisalignedRAM = errors.New("mmu: RAM base and size must be page-aligned")
)

// RAM is a contiguous host buffer backing a physical address window
// [Begin, Begin+Size). Construction fails unless both bounds are
// page-aligned. RAM owns its buffer exclusively.
type RAM struct {
	Begin uint64
	bytes []byte
}

// Size reports the RAM window's size in bytes.
func (r *RAM) Size() uint64 {
	if r == nil {
		return 0
	}
	return uint64(len(r.bytes))
}

// Contains reports whether pa falls in this RAM window.
func (r *RAM) Contains(pa uint64) bool {
	return r != nil && pa >= r.Begin && pa < r.Begin+r.Size()
}

// Bytes returns the full backing buffer for direct PTE/page-table access.
func (r *RAM) Bytes() []byte { return r.bytes }

// Slice returns the page-aligned [off, off+PageSize) view into RAM for the
// physical page containing pa, or nil if the page falls outside the
// window. Used by the TLB to cache a host-pointer-equivalent view per page.
func (r *RAM) Slice(pa uint64) []byte {
	if !r.Contains(pa) {
		return nil
	}
	off := pa - r.Begin
	pageOff := off &^ uint64(PageMask)
	end := pageOff + PageSize
	if end > uint64(len(r.bytes)) {
		end = uint64(len(r.bytes))
	}
	return r.bytes[pageOff:end]
}

// At returns a byte slice view into RAM starting at physical address pa,
// running to the end of the buffer. Bounds must already be checked by the
// caller (Contains or PhysSpace.Translate).
func (r *RAM) At(pa uint64) []byte {
	return r.bytes[pa-r.Begin:]
}

// NewRAM allocates a RAM window of size bytes starting at the physical
// address begin. Both must be page-aligned.
func NewRAM(begin, size uint64) (*RAM, error) {
	if begin&PageMask != 0 || size&PageMask != 0 || size == 0 {
		return nil, ErrMisalignedRAM
	}
	buf, err := allocRAM(size)
	if err != nil {
		return nil, fmt.Errorf("mmu: allocating RAM: %w", err)
	}
	return &RAM{Begin: begin, bytes: buf}, nil
}

// WrapRAM builds a RAM window over an already-allocated buffer instead of
// mmap'ing a fresh one, for hosts that manage their own guest memory
// allocation and only want this package's walker/TLB logic layered on top.
func WrapRAM(begin uint64, buf []byte) (*RAM, error) {
	if begin&PageMask != 0 || uint64(len(buf))&PageMask != 0 || len(buf) == 0 {
		return nil, ErrMisalignedRAM
	}
	return &RAM{Begin: begin, bytes: buf}, nil
}

// Free releases the host buffer backing r and poisons the descriptor (nil
// buffer, zero base) so stale use sees an empty window instead of reading
// freed memory: Contains reports false and Slice returns nil.
func (r *RAM) Free() error {
	if r == nil {
		return nil
	}
	err := freeRAM(r.bytes)
	r.bytes = nil
	r.Begin = 0
	return err
}

// MMIODevice is a memory-mapped device reachable through the MMIO access
// engine. Begin/End describe its physical address window (End exclusive);
// MinOpSize/MaxOpSize bound the access widths the device's Read/Write
// callbacks accept directly, both powers of two.
type MMIODevice interface {
	Begin() uint64
	End() uint64
	MinOpSize() int
	MaxOpSize() int

	Read(offset uint64, dst []byte) error
	Write(offset uint64, src []byte) error
}

// MMIORegistry is a sorted list of devices supporting O(log n) range
// lookup by physical address.
type MMIORegistry struct {
	devices []MMIODevice
}

// NewMMIORegistry builds a registry from an unsorted device list.
func NewMMIORegistry(devices ...MMIODevice) *MMIORegistry {
	reg := &MMIORegistry{devices: append([]MMIODevice(nil), devices...)}
	reg.sort()
	return reg
}

// Add registers a new device and keeps the registry sorted for lookup.
func (reg *MMIORegistry) Add(dev MMIODevice) {
	reg.devices = append(reg.devices, dev)
	reg.sort()
}

func (reg *MMIORegistry) sort() {
	sort.Slice(reg.devices, func(i, j int) bool {
		return reg.devices[i].Begin() < reg.devices[j].Begin()
	})
}

// Lookup returns the device whose [Begin, End) window contains pa, or nil.
func (reg *MMIORegistry) Lookup(pa uint64) MMIODevice {
	devices := reg.devices
	idx := sort.Search(len(devices), func(i int) bool {
		return devices[i].End() > pa
	})
	if idx == len(devices) {
		return nil
	}
	dev := devices[idx]
	if pa < dev.Begin() || pa >= dev.End() {
		return nil
	}
	return dev
}

// PhysSpace bundles the RAM window and the MMIO registry behind the two
// operations the walker and dispatcher need: phys_translate and
// mmio_lookup.
type PhysSpace struct {
	RAM      *RAM
	Registry *MMIORegistry
}

// NewPhysSpace builds a physical address space over ram (may be nil for a
// device-only space, e.g. in unit tests) and registry.
func NewPhysSpace(ram *RAM, registry *MMIORegistry) *PhysSpace {
	if registry == nil {
		registry = NewMMIORegistry()
	}
	return &PhysSpace{RAM: ram, Registry: registry}
}

// Translate returns a host byte slice view starting at pa if pa falls
// inside RAM, or nil if it does not (the caller should then consult
// mmio_lookup).
func (p *PhysSpace) Translate(pa uint64) []byte {
	if p.RAM == nil || !p.RAM.Contains(pa) {
		return nil
	}
	return p.RAM.At(pa)
}

// MMIOLookup returns the device owning pa, or nil.
func (p *PhysSpace) MMIOLookup(pa uint64) MMIODevice {
	return p.Registry.Lookup(pa)
}
