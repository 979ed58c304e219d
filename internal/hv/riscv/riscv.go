// Package riscv exposes the RISC-V software hypervisor backend under the
// architecture-independent hv.Hypervisor contract. Translation, TLB, and
// trap classification live in riscv/mmu; this package only adapts naming so the
// factory can select it alongside the (currently absent) hardware-backed
// architectures.
package riscv

import (
	"github.com/tinyrange/rvcore/internal/hv"
	"github.com/tinyrange/rvcore/internal/hv/riscv/rv64"
)

// Open returns the RV64GC software hypervisor.
func Open() (hv.Hypervisor, error) {
	return rv64.Open()
}
