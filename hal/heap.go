package hal

import (
	"encoding/binary"
	"sync"

	"github.com/hobbyos/knet"
)

// HeapDMA is a bump allocator over a heap arena that pretends to start at
// physical address Base. It stands in for identity mapped kernel pages in
// hosted runs and lets simulated devices resolve physical addresses with [HeapDMA.At].
type HeapDMA struct {
	mu    sync.Mutex
	base  uint64
	arena []byte
	off   int
}

// NewHeapDMA returns an arena of size bytes whose first byte has physical address base.
func NewHeapDMA(base uint64, size int) *HeapDMA {
	return &HeapDMA{base: base, arena: make([]byte, size)}
}

func (h *HeapDMA) Alloc(size, align int) (Region, error) {
	if err := checkAlign(align); err != nil {
		return Region{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	phys := (h.base + uint64(h.off) + uint64(align) - 1) &^ (uint64(align) - 1)
	start := int(phys - h.base)
	if size <= 0 || start+size > len(h.arena) {
		return Region{}, knet.ErrExhausted
	}
	h.off = start + size
	buf := h.arena[start : start+size : start+size]
	clear(buf)
	return Region{Phys: phys, Buf: buf}, nil
}

// At returns the n bytes at physical address phys, or nil if outside the arena.
func (h *HeapDMA) At(phys uint64, n int) []byte {
	if phys < h.base {
		return nil
	}
	off := phys - h.base
	if off+uint64(n) > uint64(len(h.arena)) {
		return nil
	}
	return h.arena[off : off+uint64(n)]
}

// Used returns the number of arena bytes handed out.
func (h *HeapDMA) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.off
}

// MemMMIO is a little endian register window backed by a byte slice.
// Hooks let a simulated device react to accesses.
type MemMMIO struct {
	Regs []byte
	// OnWrite is called after a store of width bytes at off.
	OnWrite func(off uint32, width int)
	// OnRead is called before a load of width bytes at off.
	OnRead func(off uint32, width int)
}

func (m *MemMMIO) read(off uint32, w int) []byte {
	if m.OnRead != nil {
		m.OnRead(off, w)
	}
	return m.Regs[off : off+uint32(w)]
}

func (m *MemMMIO) wrote(off uint32, w int) {
	if m.OnWrite != nil {
		m.OnWrite(off, w)
	}
}

func (m *MemMMIO) Read8(off uint32) uint8   { return m.read(off, 1)[0] }
func (m *MemMMIO) Read16(off uint32) uint16 { return binary.LittleEndian.Uint16(m.read(off, 2)) }
func (m *MemMMIO) Read32(off uint32) uint32 { return binary.LittleEndian.Uint32(m.read(off, 4)) }

func (m *MemMMIO) Write8(off uint32, v uint8) {
	m.Regs[off] = v
	m.wrote(off, 1)
}

func (m *MemMMIO) Write16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(m.Regs[off:], v)
	m.wrote(off, 2)
}

func (m *MemMMIO) Write32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.Regs[off:], v)
	m.wrote(off, 4)
}

// PortMMIO presents an I/O port window as an [MMIO], letting drivers share
// one register path for both access modes.
type PortMMIO struct {
	IO   PortIO
	Base uint16
}

func (p PortMMIO) Read8(off uint32) uint8       { return p.IO.In8(p.Base + uint16(off)) }
func (p PortMMIO) Read16(off uint32) uint16     { return p.IO.In16(p.Base + uint16(off)) }
func (p PortMMIO) Read32(off uint32) uint32     { return p.IO.In32(p.Base + uint16(off)) }
func (p PortMMIO) Write8(off uint32, v uint8)   { p.IO.Out8(p.Base+uint16(off), v) }
func (p PortMMIO) Write16(off uint32, v uint16) { p.IO.Out16(p.Base+uint16(off), v) }
func (p PortMMIO) Write32(off uint32, v uint32) { p.IO.Out32(p.Base+uint16(off), v) }
