package rv64

import (
	"fmt"

	"github.com/tinyrange/rvcore/internal/hv/riscv/mmu"
)

// cpuHartContext adapts *CPU to mmu.HartContext by reading the CPU's
// mstatus/satp CSRs fresh on every call, so nothing needs to notify the
// MMU when those CSRs change.
type cpuHartContext struct {
	cpu *CPU
}

func (c cpuHartContext) Priv() mmu.Priv { return mmu.Priv(c.cpu.Priv) }
func (c cpuHartContext) Status() uint64 { return c.cpu.Mstatus }

func (c cpuHartContext) SatpMode() mmu.SatpMode {
	return mmu.SatpMode((c.cpu.Satp >> 60) & 0xf)
}

func (c cpuHartContext) RootPageTable() uint64 {
	return (c.cpu.Satp & ((1 << PpnBits64) - 1)) << PageShift64
}

// deviceMMIOAdapter lets an existing bus Device (CLINT, PLIC, UART, or a
// hypervisor-allocated MemoryRegion) be reached through the generic mmu
// package's buffer-oriented MMIO engine, so a load or store that straddles
// a page boundary hits it on either half exactly like it hits RAM.
type deviceMMIOAdapter struct {
	dev  Device
	base uint64
	size uint64
}

func (a *deviceMMIOAdapter) Begin() uint64  { return a.base }
func (a *deviceMMIOAdapter) End() uint64    { return a.base + a.size }
func (a *deviceMMIOAdapter) MinOpSize() int { return 1 }
func (a *deviceMMIOAdapter) MaxOpSize() int { return 8 }

func (a *deviceMMIOAdapter) Read(offset uint64, dst []byte) error {
	val, err := a.dev.Read(offset, len(dst))
	if err != nil {
		return err
	}
	switch len(dst) {
	case 1:
		dst[0] = byte(val)
	case 2:
		cpuEndian.PutUint16(dst, uint16(val))
	case 4:
		cpuEndian.PutUint32(dst, uint32(val))
	case 8:
		cpuEndian.PutUint64(dst, val)
	default:
		return fmt.Errorf("rv64: unsupported mmio read size %d", len(dst))
	}
	return nil
}

func (a *deviceMMIOAdapter) Write(offset uint64, src []byte) error {
	var val uint64
	switch len(src) {
	case 1:
		val = uint64(src[0])
	case 2:
		val = uint64(cpuEndian.Uint16(src))
	case 4:
		val = uint64(cpuEndian.Uint32(src))
	case 8:
		val = cpuEndian.Uint64(src)
	default:
		return fmt.Errorf("rv64: unsupported mmio write size %d", len(src))
	}
	return a.dev.Write(offset, len(src), val)
}

// capturingTrapSink records the most recent trap raised through
// Hart.MmuOp so MMU's buffer-access methods can turn it back into an
// ExceptionError. A Machine runs one instruction at a time on a single
// hart, so one slot, overwritten per call and consumed immediately by the
// caller, is enough.
type capturingTrapSink struct {
	cause, tval uint64
}

func (c *capturingTrapSink) Trap(cause, tval uint64) {
	c.cause, c.tval = cause, tval
}

// MMU adapts the generic page walker, software TLB, and MMIO engine to the
// rv64 Bus: it owns the same RAM buffer as the Bus (via WrapRAM) and keeps
// an MMIO registry mirroring bus.Devices, so every load and store goes
// through one cross-page-safe path instead of the Bus's own findDevice
// dispatch. AMOs are translated once and then performed on the Bus (see
// Machine.execAMOMMU).
type MMU struct {
	hart     *mmu.Hart
	registry *mmu.MMIORegistry
	trap     *capturingTrapSink
}

// NewMMU builds an MMU that walks page tables resident in bus's RAM and
// dispatches MMIO accesses to every device already registered on bus.
// Devices added to bus after this call must also be registered with
// AddDevice, or they become unreachable through the MMU's load/store path
// (see Machine.AddDevice).
func NewMMU(cpu *CPU, bus *Bus) *MMU {
	ram, err := mmu.WrapRAM(bus.RAMBase, bus.RAM.Data)
	if err != nil {
		// bus.RAMBase/RAMSize are fixed and page-aligned at construction;
		// this can only fail if NewBus itself is misconfigured.
		panic(err)
	}

	registry := mmu.NewMMIORegistry()
	for _, mapping := range bus.Devices {
		registry.Add(&deviceMMIOAdapter{dev: mapping.Device, base: mapping.Base, size: mapping.Size})
	}

	phys := mmu.NewPhysSpace(ram, registry)
	trap := &capturingTrapSink{}
	hart := mmu.NewHart(cpuHartContext{cpu: cpu}, trap, nil, phys, nil)
	return &MMU{hart: hart, registry: registry, trap: trap}
}

// AddDevice registers dev's MMIO window with the MMU, mirroring a device
// added to the Bus after construction (e.g. a hypervisor allocating guest
// memory at runtime via AllocateMemory).
func (m *MMU) AddDevice(base uint64, dev Device) {
	m.registry.Add(&deviceMMIOAdapter{dev: dev, base: base, size: dev.Size()})
}

// Stats reports cumulative TLB hits and misses across every translate call
// on this MMU, for diagnostics.
func (m *MMU) Stats() (hits, misses uint64) {
	return m.hart.Stats()
}

// FlushTLB invalidates every cached translation.
func (m *MMU) FlushTLB() {
	m.hart.FlushTLB()
}

// FlushTLBEntry invalidates cached translations for vaddr's page. asid is
// accepted for SFENCE.VMA compatibility; the underlying TLB does not tag
// entries by ASID, so a flush here invalidates the page for every ASID.
func (m *MMU) FlushTLBEntry(vaddr uint64, asid uint16) {
	m.hart.FlushTLBPage(vaddr)
}

func asException(vaddr uint64, err error, fallback uint64) error {
	if err == nil {
		return nil
	}
	if f, ok := err.(mmu.Fault); ok {
		return Exception(f.Cause, vaddr)
	}
	return Exception(fallback, vaddr)
}

// TranslateRead translates a read access. It reports only the physical
// address, not a buffer copy, so it never sees a fault on a "second half"
// of a split access — callers that move more than one byte must use
// AccessRead instead.
func (m *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	paddr, err := m.hart.TranslateRead(vaddr)
	return paddr, asException(vaddr, err, CauseLoadPageFault)
}

// TranslateWrite translates a write access; see TranslateRead's caveat.
func (m *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	paddr, err := m.hart.TranslateWrite(vaddr)
	return paddr, asException(vaddr, err, CauseStorePageFault)
}

// TranslateFetch translates an instruction fetch at vaddr. Machine.Step
// calls it for the instruction's first halfword and, when a 32-bit
// instruction's upper half lies on the next page, again for that half.
func (m *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	paddr, err := m.hart.TranslateFetch(vaddr)
	return paddr, asException(vaddr, err, CauseInsnPageFault)
}

// Translate translates vaddr for access (0=read, 1=write, 2=execute),
// matching the access-code convention the rest of this package's callers
// historically used.
func (m *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	switch access {
	case 1:
		return m.TranslateWrite(vaddr)
	case 2:
		return m.TranslateFetch(vaddr)
	default:
		return m.TranslateRead(vaddr)
	}
}

// AccessRead reads len(buf) bytes starting at vaddr into buf. An access
// straddling a page boundary is split at the boundary and each half
// translated and dispatched independently: the first half's bytes land in
// buf even if the second half faults, and the reported fault's address is
// always vaddr, never the second half's address.
func (m *MMU) AccessRead(vaddr uint64, buf []byte) error {
	if m.hart.MmuOp(vaddr, buf, mmu.AccessRead) {
		return nil
	}
	return Exception(m.trap.cause, m.trap.tval)
}

// AccessWrite writes buf starting at vaddr, with the same cross-page split
// and partial-commit semantics as AccessRead.
func (m *MMU) AccessWrite(vaddr uint64, buf []byte) error {
	if m.hart.MmuOp(vaddr, buf, mmu.AccessWrite) {
		return nil
	}
	return Exception(m.trap.cause, m.trap.tval)
}

const (
	// PageShift64 and PpnBits64 describe the satp CSR's PPN field layout
	// for Sv39/Sv48/Sv57, shared by every paging mode this core supports.
	PageShift64 = 12
	PpnBits64   = 44
)
