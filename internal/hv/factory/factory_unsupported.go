package factory

import "github.com/tinyrange/rvcore/internal/hv"

// Open returns the host-accelerated hypervisor for the native architecture.
// This build carries no hardware-virtualization backend; only the RISC-V
// software path (see OpenWithArchitecture) is available.
func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
