package rv64

import (
	"testing"

	"github.com/tinyrange/rvcore/internal/hv/riscv/mmu"
)

// Sv39 page-table layout shared by the cross-page tests below. A single
// 3-level table rooted at pageTableRoot covers VA 0x0000-0x2fff with
// VPN2=VPN1=0, so only the VPN0 index (bits 20:12) varies between the
// entries this file writes.
const (
	pageTableRoot = RAMBase + 0x10000
	pageTableMid  = RAMBase + 0x11000
	pageTableLeaf = RAMBase + 0x12000
	dataPagePA    = RAMBase + 0x13000 // maps VA 0x0000-0x0fff
	codePagePA    = RAMBase + 0x14000 // maps VA 0x2000-0x2fff
	// VA 0x1000-0x1fff is deliberately left unmapped.

	sv39SatpMode = uint64(8) << 60
)

// writeLeafPTE writes a leaf PTE for a 4 KiB page at physical ppnBase
// into table at vpn index idx, with the given permission flags.
func writeLeafPTE(m *Machine, table uint64, idx int, ppnBase uint64, flags uint64) {
	pte := ((ppnBase >> 12) << 10) | flags
	m.Bus.Write64(table+uint64(idx)*8, pte)
}

// newCrossPageMachine builds a machine with a 3-level Sv39 page table that
// maps VA 0x0000 (data, R+W) and VA 0x2000 (code, R+X) to distinct
// physical pages, leaving VA 0x1000 unmapped so an access that spills
// into it faults.
func newCrossPageMachine() *Machine {
	m := NewMachine(1024*1024, nil, nil)

	const ptePtrV = uint64(mmu.PteV) // non-leaf: points at the next table

	// Root (VPN2=0) -> mid table.
	writeLeafPTE(m, pageTableRoot, 0, pageTableMid, ptePtrV)
	// Mid (VPN1=0) -> leaf table.
	writeLeafPTE(m, pageTableMid, 0, pageTableLeaf, ptePtrV)
	// Leaf VPN0=0 -> data page, read+write.
	writeLeafPTE(m, pageTableLeaf, 0, dataPagePA, uint64(mmu.PteV|mmu.PteR|mmu.PteW|mmu.PteA|mmu.PteD))
	// Leaf VPN0=1 (VA 0x1000) is left zeroed: invalid, so it page-faults.
	// Leaf VPN0=2 -> code page, read+execute.
	writeLeafPTE(m, pageTableLeaf, 2, codePagePA, uint64(mmu.PteV|mmu.PteR|mmu.PteX|mmu.PteA))

	m.CPU.Priv = PrivSupervisor
	m.CPU.Satp = sv39SatpMode | (pageTableRoot >> PageShift64)
	m.MMU.FlushTLB()

	return m
}

// TestCrossPageStorePartialCommit drives an 8-byte SD through an address
// 4 bytes before a page boundary, with the second virtual page unmapped.
// The first half must still land in RAM and the store must trap as a
// page fault with the original (pre-split) virtual address as tval,
// rather than silently writing past the end of the data page.
func TestCrossPageStorePartialCommit(t *testing.T) {
	m := newCrossPageMachine()

	const vaddr = uint64(0x0ffc) // 4 bytes before the VA 0x1000 boundary
	const storeVal = uint64(0x1122334455667788)

	m.SetPC(0x2000)
	m.Bus.Write32(codePagePA, 0x00b53023) // sd a1, 0(a0)
	m.CPU.X[10] = vaddr
	m.CPU.X[11] = storeVal

	if err := m.Step(); err != nil {
		t.Fatalf("Step returned error instead of trapping: %v", err)
	}

	if m.CPU.Mcause != CauseStorePageFault {
		t.Fatalf("expected Mcause=CauseStorePageFault (%d), got %d", CauseStorePageFault, m.CPU.Mcause)
	}
	if m.CPU.Mtval != vaddr {
		t.Fatalf("expected Mtval=0x%x (the original vaddr), got 0x%x", vaddr, m.CPU.Mtval)
	}

	got, err := m.Bus.Read32(dataPagePA + 0x0ffc)
	if err != nil {
		t.Fatalf("reading back committed bytes: %v", err)
	}
	if want := uint32(storeVal); got != want {
		t.Fatalf("first half not committed: got 0x%x, want 0x%x", got, want)
	}
}

// TestCrossPageLoadFault mirrors the store test for LD: the first half of
// the load may or may not be observable (it is discarded on a fault), but
// the trap must still fire with the original vaddr.
func TestCrossPageLoadFault(t *testing.T) {
	m := newCrossPageMachine()

	const vaddr = uint64(0x0ffc)

	m.SetPC(0x2000)
	m.Bus.Write32(codePagePA, 0x00053583) // ld a1, 0(a0)
	m.CPU.X[10] = vaddr

	if err := m.Step(); err != nil {
		t.Fatalf("Step returned error instead of trapping: %v", err)
	}

	if m.CPU.Mcause != CauseLoadPageFault {
		t.Fatalf("expected Mcause=CauseLoadPageFault (%d), got %d", CauseLoadPageFault, m.CPU.Mcause)
	}
	if m.CPU.Mtval != vaddr {
		t.Fatalf("expected Mtval=0x%x (the original vaddr), got 0x%x", vaddr, m.CPU.Mtval)
	}
}
