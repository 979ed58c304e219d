package mmu

// mstatus bit positions consumed by the effective-access resolver. These
// match the bit positions the hart's CSR file uses for mstatus itself.
const (
	StatusMPRV uint64 = 1 << 17
	StatusMXR  uint64 = 1 << 19
)

const statusMPPShift = 11

// effectiveAccess computes the privilege mode and access class a walk
// should actually use, applying MPRV (redirect M-mode data accesses to
// MPP's privilege) and MXR (allow reads of execute-only pages) before any
// page-walker is consulted.
//
// The access class returned here is for permission checking only; the
// direction of the eventual memory copy still follows the caller's
// original access.
func effectiveAccess(hc HartContext, access Access) (priv Priv, effective Access, bypass bool) {
	priv = hc.Priv()
	status := hc.Status()

	if status&StatusMPRV != 0 && priv == PrivMachine && access != AccessExecute {
		priv = Priv((status >> statusMPPShift) & 3)
	}

	effective = access
	if status&StatusMXR != 0 && access == AccessRead {
		effective = AccessExecute
	}

	bypass = priv == PrivMachine
	return priv, effective, bypass
}
