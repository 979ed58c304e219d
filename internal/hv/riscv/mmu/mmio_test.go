package mmu

import (
	"reflect"
	"testing"
)

type mmioCall struct {
	write  bool
	offset uint64
	size   int
}

type fakeMMIO struct {
	base, size uint64
	min, max   int
	data       []byte
	calls      []mmioCall
}

func newFakeMMIO(base, size uint64, min, max int) *fakeMMIO {
	return &fakeMMIO{base: base, size: size, min: min, max: max, data: make([]byte, size)}
}

func (d *fakeMMIO) Begin() uint64  { return d.base }
func (d *fakeMMIO) End() uint64    { return d.base + d.size }
func (d *fakeMMIO) MinOpSize() int { return d.min }
func (d *fakeMMIO) MaxOpSize() int { return d.max }

func (d *fakeMMIO) Read(offset uint64, dst []byte) error {
	d.calls = append(d.calls, mmioCall{offset: offset, size: len(dst)})
	copy(dst, d.data[offset:offset+uint64(len(dst))])
	return nil
}

func (d *fakeMMIO) Write(offset uint64, src []byte) error {
	d.calls = append(d.calls, mmioCall{write: true, offset: offset, size: len(src)})
	copy(d.data[offset:offset+uint64(len(src))], src)
	return nil
}

// TestReadMMIOUndersizedMisaligned covers invariant 8: a 1-byte read at
// offset 2 on a device whose op size is fixed at 4 becomes exactly one
// 4-byte callback at the enclosing aligned offset.
func TestReadMMIOUndersizedMisaligned(t *testing.T) {
	dev := newFakeMMIO(0x1000, 0x10, 4, 4)
	dev.data[0], dev.data[1], dev.data[2], dev.data[3] = 0xAA, 0xBB, 0xCC, 0xDD

	dst := make([]byte, 1)
	if err := ReadMMIO(dev, 2, dst); err != nil {
		t.Fatalf("ReadMMIO failed: %v", err)
	}
	if dst[0] != 0xCC {
		t.Fatalf("got byte %#x, want 0xCC", dst[0])
	}
	want := []mmioCall{{offset: 0, size: 4}}
	if !reflect.DeepEqual(dev.calls, want) {
		t.Fatalf("calls = %+v, want %+v", dev.calls, want)
	}
}

func TestWriteMMIOUndersizedIsReadModifyWrite(t *testing.T) {
	dev := newFakeMMIO(0x2000, 0x10, 4, 4)
	dev.data[0], dev.data[1], dev.data[2], dev.data[3] = 1, 2, 3, 4

	if err := WriteMMIO(dev, 2, []byte{0xEE}); err != nil {
		t.Fatalf("WriteMMIO failed: %v", err)
	}
	if dev.data[2] != 0xEE {
		t.Fatalf("byte at offset 2 = %#x, want 0xEE", dev.data[2])
	}
	if dev.data[0] != 1 || dev.data[1] != 2 || dev.data[3] != 4 {
		t.Fatalf("unrelated bytes disturbed: %v", dev.data[:4])
	}
	wantRead := mmioCall{offset: 0, size: 4}
	wantWrite := mmioCall{write: true, offset: 0, size: 4}
	if len(dev.calls) != 2 || dev.calls[0] != wantRead || dev.calls[1] != wantWrite {
		t.Fatalf("calls = %+v, want [%+v %+v]", dev.calls, wantRead, wantWrite)
	}
}

func TestReadMMIOOversizedSplits(t *testing.T) {
	dev := newFakeMMIO(0x3000, 0x10, 1, 2)
	for i := range dev.data {
		dev.data[i] = byte(i)
	}

	dst := make([]byte, 4)
	if err := ReadMMIO(dev, 0, dst); err != nil {
		t.Fatalf("ReadMMIO failed: %v", err)
	}
	if !reflect.DeepEqual(dst, []byte{0, 1, 2, 3}) {
		t.Fatalf("dst = %v, want [0 1 2 3]", dst)
	}
	for _, c := range dev.calls {
		if c.size > 2 {
			t.Fatalf("call exceeded max op size: %+v", c)
		}
	}
}

func TestReadMMIOExactFit(t *testing.T) {
	dev := newFakeMMIO(0x4000, 0x10, 4, 8)
	dev.data[4], dev.data[5] = 0x11, 0x22

	dst := make([]byte, 4)
	if err := ReadMMIO(dev, 4, dst); err != nil {
		t.Fatalf("ReadMMIO failed: %v", err)
	}
	if !reflect.DeepEqual(dst, []byte{0x11, 0x22, 0, 0}) {
		t.Fatalf("dst = %v", dst)
	}
	want := []mmioCall{{offset: 4, size: 4}}
	if !reflect.DeepEqual(dev.calls, want) {
		t.Fatalf("calls = %+v, want %+v (no normalization needed)", dev.calls, want)
	}
}
