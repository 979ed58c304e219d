package mmu

import "log/slog"

// Hart glues the physical address space, walker, and TLB together behind
// the public entry point a CPU's load/store/fetch paths call through:
// MmuOp. One Hart exists per hart; its TLB is owned exclusively by it.
type Hart struct {
	ctx    HartContext
	trap   TrapSink
	jit    JITInvalidator
	phys   *PhysSpace
	walker *Walker
	tlb    *TLB
	log    *slog.Logger

	hits, misses uint64
}

// NewHart builds a Hart over the given physical address space and
// collaborators. A nil logger defaults to slog.Default(), and a nil jit
// defaults to a no-op invalidator.
func NewHart(ctx HartContext, trap TrapSink, jit JITInvalidator, phys *PhysSpace, logger *slog.Logger) *Hart {
	if jit == nil {
		jit = NopJITInvalidator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hart{
		ctx:    ctx,
		trap:   trap,
		jit:    jit,
		phys:   phys,
		walker: NewWalker(phys),
		tlb:    NewTLB(),
		log:    logger,
	}
}

// FlushTLB invalidates every cached translation on this hart. Called by
// the guest's SFENCE.VMA handler with no rs1; flushing other harts' TLBs
// is the caller's responsibility.
func (h *Hart) FlushTLB() {
	h.tlb.FlushAll()
}

// FlushTLBPage invalidates cached translations for vaddr's page only.
// Called by SFENCE.VMA with rs1 set to a specific address.
func (h *Hart) FlushTLBPage(vaddr uint64) {
	h.tlb.FlushPage(vaddr)
}

// FastLookup consults the TLB directly, bypassing the dispatcher entirely
// on a hit. Callers that want the fast path check this before calling
// MmuOp.
func (h *Hart) FastLookup(vaddr uint64, access Access) ([]byte, bool) {
	return h.tlb.Lookup(vaddr, access)
}

// Stats reports the cumulative number of translations served from the TLB
// versus resolved by a full page walk, since this Hart was created.
func (h *Hart) Stats() (hits, misses uint64) {
	return h.hits, h.misses
}

// translate resolves vaddr to a physical address for the requested access,
// applying the effective-privilege/MXR policy before walking. reqAccess is
// preserved for fault-cause classification even when MXR substitutes a
// different access class for the permission check itself.
func (h *Hart) translate(vaddr uint64, reqAccess Access) (uint64, error) {
	mode := h.ctx.SatpMode()
	_, effAccess, bypass := effectiveAccess(h.ctx, reqAccess)

	if mode == SatpBare || bypass {
		return vaddr, nil
	}

	if paddr, ok := h.tlb.Translate(vaddr, effAccess); ok {
		h.hits++
		return paddr, nil
	}
	h.misses++

	paddr, err := h.walker.Walk(vaddr, effAccess, mode, h.ctx.RootPageTable())
	if err == nil {
		if page := h.phys.RAM.Slice(paddr); page != nil {
			h.tlb.Put(vaddr, paddr, effAccess, page)
		}
		return paddr, nil
	}
	switch err {
	case errWalkAccessFault:
		return 0, Fault{Cause: accessFaultCause(reqAccess), Tval: vaddr}
	case errWalkPageFault:
		return 0, Fault{Cause: pageFaultCause(reqAccess), Tval: vaddr}
	default:
		h.log.Error("mmu: page walk failed", "err", err, "vaddr", vaddr)
		return 0, Fault{Cause: pageFaultCause(reqAccess), Tval: vaddr}
	}
}

// MmuOp is the MMU's public entry point: it translates vaddr, routes to
// RAM or an MMIO device, and copies size = len(buffer) bytes in the
// direction access dictates. It returns false if a trap was raised; the
// caller must not retry the faulting instruction, only resume after the
// trap handler returns.
//
// An access straddling a page boundary is split and each half dispatched
// independently; a fault on the second half still leaves the first half's
// effects committed, matching hardware, and the fault's tval is always the
// original vaddr regardless of which half faulted.
func (h *Hart) MmuOp(vaddr uint64, buffer []byte, access Access) bool {
	return h.mmuOp(vaddr, vaddr, buffer, access)
}

func (h *Hart) mmuOp(vaddr, origVaddr uint64, buffer []byte, access Access) bool {
	size := uint64(len(buffer))
	pageOff := vaddr & PageMask
	if pageOff+size > PageSize {
		firstLen := PageSize - pageOff
		if !h.mmuOp(vaddr, origVaddr, buffer[:firstLen], access) {
			return false
		}
		return h.mmuOp(vaddr+firstLen, origVaddr, buffer[firstLen:], access)
	}

	paddr, err := h.translate(vaddr, access)
	if err != nil {
		h.raise(err, origVaddr, access)
		return false
	}

	if host := h.phys.Translate(paddr); host != nil {
		page := h.phys.RAM.Slice(paddr)
		h.tlb.Put(vaddr, paddr, access, page)
		if access == AccessWrite {
			h.jit.InvalidateRange(vaddr, paddr, size)
			copy(host[:size], buffer)
		} else {
			copy(buffer, host[:size])
		}
		return true
	}

	if dev := h.phys.MMIOLookup(paddr); dev != nil {
		offset := paddr - dev.Begin()
		var mmioErr error
		if access == AccessWrite {
			mmioErr = WriteMMIO(dev, offset, buffer)
		} else {
			mmioErr = ReadMMIO(dev, offset, buffer)
		}
		if mmioErr != nil {
			h.log.Error("mmu: mmio access failed", "err", mmioErr, "paddr", paddr)
			h.trap.Trap(accessFaultCause(access), origVaddr)
			return false
		}
		return true
	}

	h.trap.Trap(accessFaultCause(access), origVaddr)
	return false
}

func (h *Hart) raise(err error, origVaddr uint64, access Access) {
	if f, ok := err.(Fault); ok {
		h.trap.Trap(f.Cause, origVaddr)
		return
	}
	h.trap.Trap(pageFaultCause(access), origVaddr)
}

// TranslateRead, TranslateWrite, and TranslateFetch are convenience
// wrappers used by callers that only need a physical address, not a full
// buffer copy (e.g. instruction fetch, or an AMO that re-reads the same
// address several times).
func (h *Hart) TranslateRead(vaddr uint64) (uint64, error)  { return h.translate(vaddr, AccessRead) }
func (h *Hart) TranslateWrite(vaddr uint64) (uint64, error) { return h.translate(vaddr, AccessWrite) }
func (h *Hart) TranslateFetch(vaddr uint64) (uint64, error) {
	return h.translate(vaddr, AccessExecute)
}
