// Package hal defines the register and memory access primitives NIC drivers
// program against. The kernel supplies real implementations (in/out
// instructions, uncached mappings, identity mapped DMA pages). Hosted runs and
// tests use the heap backed types in this package.
package hal

import "errors"

// PortIO accesses x86 I/O space.
type PortIO interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	Out32(port uint16, v uint32)
}

// MMIO is a mapped device register window. Offsets are relative to the
// window base. Implementations order accesses as issued: a store is visible
// to the device before any later load returns.
type MMIO interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

// Mapper maps a physical register window into the address space.
type Mapper interface {
	Map(phys uint64, size uint64) (MMIO, error)
}

// Region is a physically contiguous DMA allocation. Phys is the address the
// device sees, Buf the CPU view of the same bytes.
type Region struct {
	Phys uint64
	Buf  []byte
}

// Slice returns the sub-region [off, off+n).
func (r Region) Slice(off, n int) Region {
	return Region{Phys: r.Phys + uint64(off), Buf: r.Buf[off : off+n : off+n]}
}

// DMA allocates zeroed device visible memory aligned to align bytes (a power of two).
type DMA interface {
	Alloc(size, align int) (Region, error)
}

var errBadAlign = errors.New("hal: alignment not a power of two")

// Spin calls done up to n times and reports whether it returned true.
// Drivers use it for bounded register polls where no timer is available.
func Spin(n int, done func() bool) bool {
	for i := 0; i < n; i++ {
		if done() {
			return true
		}
	}
	return false
}

// IsValidMAC reports whether mac is usable as a station address:
// not all zeros, not all ones and not multicast.
func IsValidMAC(mac [6]byte) bool {
	var zeros, ones int
	for _, b := range mac {
		switch b {
		case 0:
			zeros++
		case 0xff:
			ones++
		}
	}
	return zeros != 6 && ones != 6 && mac[0]&1 == 0
}

// LocalMAC fabricates a locally administered unicast address from seed.
func LocalMAC(seed uint32) [6]byte {
	return [6]byte{0x02, 0x00, byte(seed >> 24), byte(seed >> 16), byte(seed >> 8), byte(seed)}
}

func checkAlign(align int) error {
	if align <= 0 || align&(align-1) != 0 {
		return errBadAlign
	}
	return nil
}
