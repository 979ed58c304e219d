package factory

import (
	"fmt"

	"github.com/tinyrange/rvcore/internal/hv"
	"github.com/tinyrange/rvcore/internal/hv/riscv"
)

// NewWithArchitecture selects a hypervisor backend for the requested guest
// architecture. The RISC-V path uses the built-in rv64 software emulator;
// x86_64 and arm64 go to Open, which in this build reports
// hv.ErrHypervisorUnsupported.
func NewWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	switch arch {
	case hv.ArchitectureRISCV64:
		return riscv.Open()
	case hv.ArchitectureX86_64, hv.ArchitectureARM64:
		return Open()
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

// OpenWithArchitecture mirrors NewWithArchitecture but treats an invalid
// architecture as "use the host default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	if arch == hv.ArchitectureInvalid {
		return Open()
	}
	return NewWithArchitecture(arch)
}
