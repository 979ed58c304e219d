package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrHalt is returned when the machine is halted
var ErrHalt = errors.New("machine halted")

// Machine represents a complete RV64GC system
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART

	// Debug output
	DebugOutput io.Writer

	// Halt flag
	halted atomic.Bool

	// Stop on write to address 0
	stopOnZero bool

	// Instruction count for yielding
	instructionCount uint64
}

// NewMachine creates a new RV64GC machine
func NewMachine(ramSize uint64, output io.Writer, input io.Reader) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output, input)

	// Add devices to bus before building the MMU, so its MMIO registry
	// mirrors everything reachable through bus.findDevice.
	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	mmu := NewMMU(cpu, bus)
	cpu.MMU = mmu

	return &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
	}
}

// Reset resets the machine to initial state
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.MMU.FlushTLB()
	m.halted.Store(false)
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// SetStopOnZero enables halting when writing to address 0
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Step executes a single instruction
func (m *Machine) Step() error {
	// Check for pending interrupts
	if !m.CPU.WFI {
		if pending, cause := m.CPU.CheckInterrupt(); pending {
			m.CPU.HandleTrap(cause, 0)
			return nil
		}
	} else {
		// WFI - check if we should wake up
		if pending, _ := m.CPU.CheckInterrupt(); pending {
			m.CPU.WFI = false
		} else {
			return nil // Still waiting
		}
	}

	// Translate instruction address
	pc := m.CPU.PC
	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.HandleTrap(exc.Cause, pc)
			return nil
		}
		return err
	}

	// Fetch instruction
	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.HandleTrap(CauseInsnAccessFault, pc)
		return nil
	}

	// A 32-bit instruction starting 2 bytes before a page boundary has its
	// upper half on the next virtual page, which is translated on its own.
	if insn&0x3 == 0x3 && pc&0xfff == 0xffe {
		paddrHi, err := m.MMU.TranslateFetch(pc + 2)
		if err != nil {
			m.CPU.HandleTrap(err.(ExceptionError).Cause, pc+2)
			return nil
		}
		hi, err := m.Bus.Read16(paddrHi)
		if err != nil {
			m.CPU.HandleTrap(CauseInsnAccessFault, pc+2)
			return nil
		}
		insn = insn&0xffff | uint32(hi)<<16
	}

	// Check for compressed instruction
	isCompressed := (insn & 0x3) != 0x3
	if isCompressed {
		// Expand compressed instruction
		expanded, err := m.CPU.ExpandCompressed(uint16(insn))
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				m.CPU.HandleTrap(exc.Cause, pc)
				return nil
			}
			return err
		}
		insn = expanded
	}

	// Save old PC for exception handling
	oldPC := m.CPU.PC

	// Execute instruction
	err = m.executeWithMMU(insn)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.PC = oldPC

			// Check for ecall from S-mode - handle as SBI call
			if exc.Cause == CauseEcallFromS {
				if err := m.HandleSBI(); err != nil {
					return err
				}
				// Advance PC past ecall instruction
				m.CPU.PC += 4
				return nil
			}

			m.CPU.HandleTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	// If PC wasn't changed by a jump, increment it
	if m.CPU.PC == oldPC {
		if isCompressed {
			m.CPU.PC += 2
		} else {
			m.CPU.PC += 4
		}
	}

	// Update counters
	m.CPU.Cycle++
	m.CPU.Instret++
	m.instructionCount++

	return nil
}

// executeWithMMU executes an instruction with MMU translation for memory ops
func (m *Machine) executeWithMMU(insn uint32) error {
	// Wrap bus operations with MMU translation
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	case OpLoadFP:
		return m.execLoadFPMMU(insn)
	case OpStoreFP:
		return m.execStoreFPMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

// execLoadMMU executes load with MMU. The access goes through
// MMU.AccessRead rather than a translate-then-Bus.ReadN pair, so a load
// that straddles a page boundary is split and each half translated on its
// own instead of silently reading across the host buffer.
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	f3 := funct3(insn)

	var size int
	switch f3 {
	case 0b000, 0b100:
		size = 1
	case 0b001, 0b101:
		size = 2
	case 0b010, 0b110:
		size = 4
	case 0b011:
		size = 8
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	buf := make([]byte, size)
	if err := m.MMU.AccessRead(vaddr, buf); err != nil {
		return err
	}

	var val uint64
	switch f3 {
	case 0b000: // LB
		val = uint64(int8(buf[0]))
	case 0b001: // LH
		val = uint64(int16(cpuEndian.Uint16(buf)))
	case 0b010: // LW
		val = uint64(int32(cpuEndian.Uint32(buf)))
	case 0b011: // LD
		val = cpuEndian.Uint64(buf)
	case 0b100: // LBU
		val = uint64(buf[0])
	case 0b101: // LHU
		val = uint64(cpuEndian.Uint16(buf))
	case 0b110: // LWU
		val = uint64(cpuEndian.Uint32(buf))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes store with MMU. Like execLoadMMU, the access goes
// through MMU.AccessWrite so a store straddling a page boundary commits
// its first half even if the second half faults, instead of writing
// across the host buffer into the wrong physical page.
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))

	// stopOnZero only needs the destination's physical address, so it is
	// checked with a plain translate before touching memory.
	if m.stopOnZero {
		paddr, err := m.MMU.TranslateWrite(vaddr)
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				exc.Tval = vaddr
				return exc
			}
			return err
		}
		if paddr == 0 {
			m.halted.Store(true)
			return ErrHalt
		}
	}

	f3 := funct3(insn)
	var size int
	switch f3 {
	case 0b000:
		size = 1
	case 0b001:
		size = 2
	case 0b010:
		size = 4
	case 0b011:
		size = 8
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	val := m.CPU.ReadReg(rs2(insn))
	buf := make([]byte, size)
	switch size {
	case 1:
		buf[0] = byte(val)
	case 2:
		cpuEndian.PutUint16(buf, uint16(val))
	case 4:
		cpuEndian.PutUint32(buf, uint32(val))
	case 8:
		cpuEndian.PutUint64(buf, val)
	}

	return m.MMU.AccessWrite(vaddr, buf)
}

// execAMOMMU executes atomic operations with MMU. Unlike ordinary
// loads/stores, execAMO rejects a misaligned address before touching
// memory (atomic.go), and the page offset bits survive translation
// unchanged, so an aligned 4- or 8-byte AMO can never straddle a page
// boundary: a single translate is sufficient here.
func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	// Temporarily swap bus address translation
	origBus := m.CPU.Bus
	m.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr, vaddr: vaddr}
	defer func() { m.CPU.Bus = origBus }()

	return m.CPU.execAMO(insn)
}

// translatedBus wraps Bus to use a pre-translated address
type translatedBus struct {
	bus   *Bus
	paddr uint64
	vaddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// execLoadFPMMU executes FP load with MMU. FLD is 8 bytes wide and, like
// an integer LD, is never alignment-checked, so it needs the same
// cross-page-safe AccessRead path as execLoadMMU.
func (m *Machine) execLoadFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	rdReg := rd(insn)
	f3 := funct3(insn)

	var size int
	switch f3 {
	case 0b010:
		size = 4
	case 0b011:
		size = 8
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	buf := make([]byte, size)
	if err := m.MMU.AccessRead(vaddr, buf); err != nil {
		return err
	}

	switch f3 {
	case 0b010: // FLW
		m.CPU.F[rdReg] = f32ToU64(u64ToF32(uint64(cpuEndian.Uint32(buf))))
	case 0b011: // FLD
		m.CPU.F[rdReg] = cpuEndian.Uint64(buf)
	}
	m.CPU.setFS(3)

	return nil
}

// execStoreFPMMU executes FP store with MMU; see execLoadFPMMU.
func (m *Machine) execStoreFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	rs2Reg := rs2(insn)
	f3 := funct3(insn)

	var buf []byte
	switch f3 {
	case 0b010: // FSW
		buf = make([]byte, 4)
		cpuEndian.PutUint32(buf, uint32(m.CPU.F[rs2Reg]))
	case 0b011: // FSD
		buf = make([]byte, 8)
		cpuEndian.PutUint64(buf, m.CPU.F[rs2Reg])
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return m.MMU.AccessWrite(vaddr, buf)
}

// Run runs the machine until halted or context cancelled
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		// Check context
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Update timer
		m.CLINT.Tick()

		// Run a batch of instructions
		for i := int64(0); i < yieldAfter; i++ {
			err := m.Step()
			if err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step error at PC=0x%x: %w", m.CPU.PC, err)
			}
		}
	}
}

// Halt stops the machine
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus and to the MMU's MMIO registry, so
// guest loads and stores can reach it through the translation path too.
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
	m.MMU.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
