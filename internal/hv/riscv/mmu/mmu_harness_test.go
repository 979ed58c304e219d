package mmu

import "encoding/binary"

// fakeHartContext is a minimal HartContext used across the package's
// tests; fields are set directly by each test case.
type fakeHartContext struct {
	priv   Priv
	status uint64
	mode   SatpMode
	root   uint64
}

func (c *fakeHartContext) Priv() Priv            { return c.priv }
func (c *fakeHartContext) Status() uint64        { return c.status }
func (c *fakeHartContext) SatpMode() SatpMode    { return c.mode }
func (c *fakeHartContext) RootPageTable() uint64 { return c.root }

// fakeTrapSink records every trap raised during a test instead of
// invoking a real exception path.
type fakeTrapSink struct {
	causes []uint64
	tvals  []uint64
}

func (t *fakeTrapSink) Trap(cause, tval uint64) {
	t.causes = append(t.causes, cause)
	t.tvals = append(t.tvals, tval)
}

func (t *fakeTrapSink) last() (cause, tval uint64, ok bool) {
	if len(t.causes) == 0 {
		return 0, 0, false
	}
	n := len(t.causes) - 1
	return t.causes[n], t.tvals[n], true
}

// writePTE64 writes an 8-byte little-endian PTE into ram at physical
// address pa (pa must fall within ram's window).
func writePTE64(ram *RAM, pa uint64, pte uint64) {
	binary.LittleEndian.PutUint64(ram.bytes[pa-ram.Begin:], pte)
}

// writePTE32 writes a 4-byte little-endian PTE into ram at physical
// address pa.
func writePTE32(ram *RAM, pa uint64, pte uint32) {
	binary.LittleEndian.PutUint32(ram.bytes[pa-ram.Begin:], pte)
}

func mustRAM(begin, size uint64) *RAM {
	ram, err := NewRAM(begin, size)
	if err != nil {
		panic(err)
	}
	return ram
}
