package hal

import (
	"errors"
	"testing"

	"github.com/hobbyos/knet"
)

func TestHeapDMAAlignment(t *testing.T) {
	h := NewHeapDMA(0x10_0000, 8192)
	a, err := h.Alloc(10, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Alloc(64, 16)
	if err != nil {
		t.Fatal(err)
	}
	if b.Phys%16 != 0 || b.Phys < a.Phys+10 {
		t.Errorf("bad alignment: a=%#x b=%#x", a.Phys, b.Phys)
	}
	page, err := h.Alloc(100, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if page.Phys%4096 != 0 {
		t.Errorf("page alloc at %#x", page.Phys)
	}
	page.Buf[3] = 0xaa
	if got := h.At(page.Phys+3, 1); got[0] != 0xaa {
		t.Error("At does not alias the region")
	}
	if _, err := h.Alloc(8192, 1); !errors.Is(err, knet.ErrExhausted) {
		t.Errorf("want exhausted, got %v", err)
	}
	if _, err := h.Alloc(8, 3); err == nil {
		t.Error("non power of two alignment accepted")
	}
	if h.At(0, 1) != nil {
		t.Error("address below base resolved")
	}
}

func TestRegionSlice(t *testing.T) {
	h := NewHeapDMA(0x2000, 256)
	r, _ := h.Alloc(128, 16)
	s := r.Slice(32, 16)
	if s.Phys != r.Phys+32 || len(s.Buf) != 16 || cap(s.Buf) != 16 {
		t.Errorf("slice %#x len=%d cap=%d", s.Phys, len(s.Buf), cap(s.Buf))
	}
}

func TestMemMMIOHooks(t *testing.T) {
	var writes []uint32
	m := &MemMMIO{Regs: make([]byte, 16), OnWrite: func(off uint32, w int) { writes = append(writes, off) }}
	m.Write32(4, 0xdeadbeef)
	m.Write16(8, 0x1234)
	if m.Read32(4) != 0xdeadbeef || m.Read16(8) != 0x1234 || m.Read8(4) != 0xef {
		t.Error("readback mismatch")
	}
	if len(writes) != 2 || writes[0] != 4 || writes[1] != 8 {
		t.Errorf("writes=%v", writes)
	}
}

func TestMACHelpers(t *testing.T) {
	if IsValidMAC([6]byte{}) || IsValidMAC([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}) {
		t.Error("zero or broadcast MAC accepted")
	}
	if IsValidMAC([6]byte{0x01, 0, 0x5e, 0, 0, 1}) {
		t.Error("multicast MAC accepted")
	}
	mac := LocalMAC(0xcafe0001)
	if !IsValidMAC(mac) || mac[0]&2 == 0 {
		t.Errorf("fabricated MAC %x not local unicast", mac)
	}
	n := 0
	if Spin(5, func() bool { n++; return n == 3 }) != true || n != 3 {
		t.Error("spin did not stop on success")
	}
	if Spin(4, func() bool { return false }) {
		t.Error("spin reported success")
	}
}
