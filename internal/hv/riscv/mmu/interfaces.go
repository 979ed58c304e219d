package mmu

// HartContext is the view of CPU/CSR state the dispatcher needs to pick a
// translation path. It is implemented by the CPU type that owns priv,
// status, and satp; the mmu package never mutates it.
type HartContext interface {
	// Priv returns the hart's current privilege mode.
	Priv() Priv
	// Status returns the mstatus CSR (MPRV bit 17, MXR bit 19, MPP bits 11-12).
	Status() uint64
	// SatpMode returns the paging mode selected by satp.
	SatpMode() SatpMode
	// RootPageTable returns the physical address of the root page table,
	// derived from satp's PPN field. Meaningless when SatpMode is SatpBare.
	RootPageTable() uint64
}

// TrapSink receives fault reports raised by the dispatcher. Implementations
// route cause/tval into the guest's exception path; the mmu package never
// inspects what happens afterward.
type TrapSink interface {
	Trap(cause, tval uint64)
}

// JITInvalidator is notified before any write that might invalidate cached
// translations of code. A front end with no JIT may supply a no-op.
type JITInvalidator interface {
	InvalidateRange(vaddr, paddr, size uint64)
}

// NopJITInvalidator implements JITInvalidator by doing nothing.
type NopJITInvalidator struct{}

func (NopJITInvalidator) InvalidateRange(vaddr, paddr, size uint64) {}
