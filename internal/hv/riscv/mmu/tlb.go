package mmu

// tlbSize is the number of direct-mapped slots per hart TLB. Must be a
// power of two.
const tlbSize = 256

const tlbMask = tlbSize - 1

// tlbEntry is one direct-mapped slot. The three tag fields record which
// VPN is currently cached for each access class; a tag equal to the
// entry's own VPN means "hit," anything else means "miss." page is the
// RAM-backed byte slice for the cached physical page, taking the place of
// the host-pointer-plus-arithmetic trick a non-GC language would use.
type tlbEntry struct {
	r, w, e uint64
	vpn     uint64
	base    uint64
	page    []byte
}

// TLB is a per-hart direct-mapped cache from virtual page number to a
// physical-page view, with independent read/write/execute tags so that,
// e.g., caching a write also implies a cached read without re-walking.
type TLB struct {
	entries [tlbSize]tlbEntry
}

// NewTLB returns an empty, freshly flushed TLB.
func NewTLB() *TLB {
	t := &TLB{}
	t.FlushAll()
	return t
}

func slot(vpn uint64) uint64 { return vpn & tlbMask }

// FlushAll invalidates every entry for every access class. Zeroing the tag
// arrays makes every nonzero VPN miss; slot 0 is then poisoned with a
// sentinel so a lookup of VPN 0 also misses (VPN 0's own tag would
// otherwise equal the zeroed value and falsely hit).
func (t *TLB) FlushAll() {
	for i := range t.entries {
		t.entries[i] = tlbEntry{}
	}
	t.entries[0].r = ^uint64(0)
	t.entries[0].w = ^uint64(0)
	t.entries[0].e = ^uint64(0)
}

// FlushPage invalidates every access class cached for vaddr's page. It
// writes all three tags of vaddr's slot, so any other VPN cached in that
// same direct-mapped slot is invalidated too; other slots are untouched.
func (t *TLB) FlushPage(vaddr uint64) {
	vpn := vaddr >> PageShift
	e := &t.entries[slot(vpn)]
	e.r = vpn - 1
	e.w = vpn - 1
	e.e = vpn - 1
}

// Put caches a translation of vaddr to the physical page backing paddr for
// access class op. Granting write implies read; granting execute implies
// neither. Any access class not implied by op, if it previously cached a
// different VPN in this slot, is explicitly invalidated so direct-mapped
// aliasing can never produce a false hit.
func (t *TLB) Put(vaddr, paddr uint64, op Access, page []byte) {
	vpn := vaddr >> PageShift
	e := &t.entries[slot(vpn)]
	e.vpn = vpn
	e.base = paddr &^ uint64(PageMask)
	e.page = page

	switch op {
	case AccessRead:
		e.r = vpn
		if e.w != vpn {
			e.w = vpn - 1
		}
		if e.e != vpn {
			e.e = vpn - 1
		}
	case AccessWrite:
		e.r = vpn
		e.w = vpn
		if e.e != vpn {
			e.e = vpn - 1
		}
	case AccessExecute:
		e.e = vpn
		if e.r != vpn {
			e.r = vpn - 1
		}
		if e.w != vpn {
			e.w = vpn - 1
		}
	}
}

// Lookup returns a byte slice positioned at vaddr within its cached page
// if op is cached for vaddr's VPN, and whether it was a hit.
func (t *TLB) Lookup(vaddr uint64, op Access) ([]byte, bool) {
	vpn := vaddr >> PageShift
	e := &t.entries[slot(vpn)]

	var tag uint64
	switch op {
	case AccessRead:
		tag = e.r
	case AccessWrite:
		tag = e.w
	case AccessExecute:
		tag = e.e
	}
	if tag != vpn || e.page == nil {
		return nil, false
	}
	return e.page[vaddr&PageMask:], true
}

// Translate is Lookup's address-only counterpart: it returns the physical
// address a cached translation maps vaddr to, without requiring the
// caller to hand back a buffer to copy into or out of.
func (t *TLB) Translate(vaddr uint64, op Access) (uint64, bool) {
	vpn := vaddr >> PageShift
	e := &t.entries[slot(vpn)]

	var tag uint64
	switch op {
	case AccessRead:
		tag = e.r
	case AccessWrite:
		tag = e.w
	case AccessExecute:
		tag = e.e
	}
	if tag != vpn || e.page == nil {
		return 0, false
	}
	return e.base | (vaddr & PageMask), true
}
