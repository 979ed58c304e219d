package mmu

import "testing"

type fakeJIT struct {
	calls int
}

func (j *fakeJIT) InvalidateRange(vaddr, paddr, size uint64) { j.calls++ }

// TestMmuOpBareModeIdentity covers S1: with satp in bare mode, MmuOp treats
// the virtual address as already physical and never touches the walker.
func TestMmuOpBareModeIdentity(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)
	ctx := &fakeHartContext{priv: PrivUser, mode: SatpBare}
	trap := &fakeTrapSink{}
	h := NewHart(ctx, trap, nil, phys, nil)

	buf := []byte{0xAB, 0xCD}
	if ok := h.MmuOp(0x100, buf, AccessWrite); !ok {
		t.Fatalf("bare-mode write unexpectedly faulted: %+v", trap.causes)
	}
	if ram.bytes[0x100] != 0xAB || ram.bytes[0x101] != 0xCD {
		t.Fatalf("bare-mode write landed at wrong address: %v", ram.bytes[0x100:0x102])
	}
}

// sv39ThreeLevelLayout builds a root -> mid -> leaf chain for vaddr 0x1000
// (VPN2=0, VPN1=0, VPN0=1), with the leaf PTE's permission bits supplied by
// the caller, and returns the data page's physical base.
func sv39ThreeLevelLayout(ram *RAM, leafPerm uint64) uint64 {
	const rootPT = 0
	const midPT = 0x1000
	const leafPT = 0x2000
	const dataPage = 0x3000

	writePTE64(ram, rootPT, (midPT>>12)<<10|PteV)
	writePTE64(ram, midPT, (leafPT>>12)<<10|PteV)
	writePTE64(ram, leafPT+0*8, 0) // VPN0=0 slot left invalid
	writePTE64(ram, leafPT+1*8, (dataPage>>12)<<10|PteV|leafPerm)
	return dataPage
}

// TestMmuOpMPRVRedirectsToSupervisor covers S5: with MPRV set and MPP coded
// as supervisor, an M-mode access is translated as if executed by S-mode
// rather than bypassing the MMU.
func TestMmuOpMPRVRedirectsToSupervisor(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)
	dataPage := sv39ThreeLevelLayout(ram, PteR|PteW)
	ram.bytes[dataPage] = 0x77

	status := StatusMPRV | uint64(PrivSupervisor)<<statusMPPShift
	ctx := &fakeHartContext{priv: PrivMachine, status: status, mode: SatpSv39, root: 0}
	trap := &fakeTrapSink{}
	h := NewHart(ctx, trap, nil, phys, nil)

	buf := make([]byte, 1)
	if ok := h.MmuOp(0x1000, buf, AccessRead); !ok {
		t.Fatalf("MPRV read unexpectedly faulted: %+v", trap.causes)
	}
	if buf[0] != 0x77 {
		t.Fatalf("got %#x, want 0x77", buf[0])
	}
}

// TestMmuOpMPRVBypassedWithoutMPRVBit covers the complementary case: an
// M-mode access with MPRV clear bypasses translation entirely, even though
// satp names a paging mode.
func TestMmuOpMPRVBypassedWithoutMPRVBit(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)
	ctx := &fakeHartContext{priv: PrivMachine, mode: SatpSv39, root: 0}
	trap := &fakeTrapSink{}
	h := NewHart(ctx, trap, nil, phys, nil)

	buf := []byte{0x55}
	if ok := h.MmuOp(0x1000, buf, AccessWrite); !ok {
		t.Fatalf("M-mode access without MPRV unexpectedly faulted: %+v", trap.causes)
	}
	if ram.bytes[0x1000] != 0x55 {
		t.Fatalf("expected identity-mapped write at 0x1000")
	}
}

// TestMmuOpMXRAllowsExecuteOnlyRead covers S6: MXR lets a load read through
// an execute-only page that would otherwise page-fault.
func TestMmuOpMXRAllowsExecuteOnlyRead(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)
	dataPage := sv39ThreeLevelLayout(ram, PteX)
	ram.bytes[dataPage] = 0x9A

	ctx := &fakeHartContext{priv: PrivUser, status: StatusMXR, mode: SatpSv39, root: 0}
	trap := &fakeTrapSink{}
	h := NewHart(ctx, trap, nil, phys, nil)

	buf := make([]byte, 1)
	if ok := h.MmuOp(0x1000, buf, AccessRead); !ok {
		t.Fatalf("MXR read unexpectedly faulted: %+v", trap.causes)
	}
	if buf[0] != 0x9A {
		t.Fatalf("got %#x, want 0x9A", buf[0])
	}
}

// TestMmuOpMXRDoesNotMaskRealPageFault ensures MXR is not substituted into
// the reported cause: without the X bit set, the load still reports
// CauseLoadPageFault, never CauseInstrPageFault.
func TestMmuOpMXRDoesNotMaskRealPageFault(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)
	sv39ThreeLevelLayout(ram, 0) // leaf PTE has neither R nor X: not even a leaf

	ctx := &fakeHartContext{priv: PrivUser, status: StatusMXR, mode: SatpSv39, root: 0}
	trap := &fakeTrapSink{}
	h := NewHart(ctx, trap, nil, phys, nil)

	buf := make([]byte, 1)
	if ok := h.MmuOp(0x1000, buf, AccessRead); ok {
		t.Fatalf("expected fault reading an invalid PTE")
	}
	cause, tval, ok := trap.last()
	if !ok {
		t.Fatalf("expected a trap to be recorded")
	}
	if cause != CauseLoadPageFault {
		t.Fatalf("cause = %d, want CauseLoadPageFault (%d)", cause, CauseLoadPageFault)
	}
	if tval != 0x1000 {
		t.Fatalf("tval = 0x%x, want 0x1000", tval)
	}
}

// TestMmuOpCrossPageSplitAtomicity covers S7: an access straddling a page
// boundary commits its first half even when the second half faults, and
// the reported tval is the original address.
func TestMmuOpCrossPageSplitAtomicity(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)

	const rootPT = 0
	const midPT = 0x1000
	const leafPT = 0x2000
	const dataPage0 = 0x3000

	// vaddr 0xFFC lands in the page whose VPN0 = 0; vaddr 0x1000 (the
	// second half of an 8-byte access starting at 0xFFC) lands in the
	// page whose VPN0 = 1, which is left unmapped.
	writePTE64(ram, rootPT, (midPT>>12)<<10|PteV)
	writePTE64(ram, midPT, (leafPT>>12)<<10|PteV)
	writePTE64(ram, leafPT+0*8, (dataPage0>>12)<<10|PteV|PteR|PteW)
	writePTE64(ram, leafPT+1*8, 0) // invalid: second half must fault

	ctx := &fakeHartContext{priv: PrivUser, mode: SatpSv39, root: rootPT}
	trap := &fakeTrapSink{}
	jit := &fakeJIT{}
	h := NewHart(ctx, trap, jit, phys, nil)

	vaddr := uint64(0xFFC)
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if ok := h.MmuOp(vaddr, buf, AccessWrite); ok {
		t.Fatalf("expected the split access to fault on its second half")
	}

	firstHalf := ram.bytes[dataPage0+0xFFC&PageMask : dataPage0+(0xFFC&PageMask)+4]
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if firstHalf[i] != want[i] {
			t.Fatalf("first half not committed: got %v, want %v", firstHalf, want)
		}
	}

	cause, tval, ok := trap.last()
	if !ok {
		t.Fatalf("expected a trap to be recorded")
	}
	if cause != CauseStorePageFault {
		t.Fatalf("cause = %d, want CauseStorePageFault (%d)", cause, CauseStorePageFault)
	}
	if tval != vaddr {
		t.Fatalf("tval = 0x%x, want original vaddr 0x%x", tval, vaddr)
	}
	if jit.calls != 1 {
		t.Fatalf("expected exactly one JIT invalidation (for the committed half), got %d", jit.calls)
	}
}

// TestMmuOpTLBFillAndFastLookup covers invariant 4: after a successful
// MmuOp, FastLookup can serve the same access directly from the TLB.
func TestMmuOpTLBFillAndFastLookup(t *testing.T) {
	ram := mustRAM(0, 0x10000)
	phys := NewPhysSpace(ram, nil)
	dataPage := sv39ThreeLevelLayout(ram, PteR|PteW)
	ram.bytes[dataPage] = 0x21

	ctx := &fakeHartContext{priv: PrivUser, mode: SatpSv39, root: 0}
	trap := &fakeTrapSink{}
	h := NewHart(ctx, trap, nil, phys, nil)

	buf := make([]byte, 1)
	if ok := h.MmuOp(0x1000, buf, AccessRead); !ok {
		t.Fatalf("initial read unexpectedly faulted: %+v", trap.causes)
	}

	page, ok := h.FastLookup(0x1000, AccessRead)
	if !ok {
		t.Fatalf("expected TLB hit after a successful MmuOp")
	}
	if page[0] != 0x21 {
		t.Fatalf("got %#x, want 0x21", page[0])
	}

	h.FlushTLB()
	if _, ok := h.FastLookup(0x1000, AccessRead); ok {
		t.Fatalf("expected TLB miss after FlushTLB")
	}
}
