package mmu

import (
	"errors"
	"fmt"
)

// errWalkPageFault and errWalkAccessFault classify a walk failure without
// committing to a cause: the dispatcher picks the actual cause from the
// caller's original (pre-MXR) access class.
var (
	errWalkPageFault   = errors.New("mmu: page fault")
	errWalkAccessFault = errors.New("mmu: access fault")
)

// Trap cause numbers, per the RISC-V privileged spec. Values must match
// exactly what a guest trap handler expects in scause.
const (
	CauseInstrFault     uint64 = 1
	CauseLoadFault      uint64 = 5
	CauseStoreFault     uint64 = 7
	CauseInstrPageFault uint64 = 12
	CauseLoadPageFault  uint64 = 13
	CauseStorePageFault uint64 = 15
)

// Fault is raised by the walker or the dispatcher whenever a translation
// cannot complete. It carries the cause to report to the guest trap vector
// and the tval (always the original, un-split vaddr by the time it reaches
// a TrapSink).
type Fault struct {
	Cause uint64
	Tval  uint64
}

func (f Fault) Error() string {
	return fmt.Sprintf("mmu fault: cause=%d tval=0x%x", f.Cause, f.Tval)
}

// pageFaultCause maps an access class to its page-fault cause number.
func pageFaultCause(access Access) uint64 {
	switch access {
	case AccessWrite:
		return CauseStorePageFault
	case AccessExecute:
		return CauseInstrPageFault
	default:
		return CauseLoadPageFault
	}
}

// accessFaultCause maps an access class to its access-fault cause number.
func accessFaultCause(access Access) uint64 {
	switch access {
	case AccessWrite:
		return CauseStoreFault
	case AccessExecute:
		return CauseInstrFault
	default:
		return CauseLoadFault
	}
}
