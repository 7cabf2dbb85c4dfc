package pcnet

import "github.com/hobbyos/knet/hal"

const (
	VendorAMD = 0x1022
	DevicePCI = 0x2000 // Am79C970A PCnet-PCI II
)

// Register window offsets. The APROM occupies the first 16 bytes in both modes.
const (
	offAPROM = 0x00
	offRDP   = 0x10

	wioRAP   = 0x12
	wioReset = 0x14
	wioBDP   = 0x16

	dwioRAP   = 0x14
	dwioReset = 0x18
	dwioBDP   = 0x1c
)

// CSR0 bits. Bits 8 to 14 are write one to clear, bit 15 summarises errors.
const (
	csr0INIT = 1 << 0
	csr0STRT = 1 << 1
	csr0STOP = 1 << 2
	csr0TDMD = 1 << 3
	csr0IENA = 1 << 6
	csr0INTR = 1 << 7
	csr0IDON = 1 << 8
	csr0TINT = 1 << 9
	csr0RINT = 1 << 10
	csr0MERR = 1 << 11
	csr0MISS = 1 << 12
	csr0CERR = 1 << 13
	csr0BABL = 1 << 14
	csr0ERR  = 1 << 15

	csr0Ack = 0xff00
)

const (
	csr3IDONM   = 1 << 8
	csr4APADXMT = 1 << 11
)

// BCR20 software style 2: 32 bit descriptors and init block, SSIZE32 set.
const bcr20SWStyle2 = 0x0102

// Descriptor word 1 bits, shared by receive and transmit descriptors.
const (
	dOWN  = 1 << 31
	dERR  = 1 << 30
	dFCS  = 1 << 29 // transmit: append FCS
	dSTP  = 1 << 25
	dENP  = 1 << 24
	dOnes = 0xf000
)

// bcnt encodes a buffer length as the 12 bit two's complement the chip
// expects, with the top four bits of the half word forced to ones.
func bcnt(n int) uint32 {
	return dOnes | uint32(-n)&0x0fff
}

// regs indirects CSR and BCR access through RAP. DWIO windows use 32 bit
// accesses, WIO windows 16 bit.
type regs struct {
	w    hal.MMIO
	dwio bool
}

func (r *regs) rap(n uint32) {
	if r.dwio {
		r.w.Write32(dwioRAP, n)
	} else {
		r.w.Write16(wioRAP, uint16(n))
	}
}

func (r *regs) csr(n uint32) uint32 {
	r.rap(n)
	if r.dwio {
		return r.w.Read32(offRDP) & 0xffff
	}
	return uint32(r.w.Read16(offRDP))
}

func (r *regs) setCSR(n, v uint32) {
	r.rap(n)
	if r.dwio {
		r.w.Write32(offRDP, v)
	} else {
		r.w.Write16(offRDP, uint16(v))
	}
}

func (r *regs) bcr(n uint32) uint32 {
	r.rap(n)
	if r.dwio {
		return r.w.Read32(dwioBDP) & 0xffff
	}
	return uint32(r.w.Read16(wioBDP))
}

func (r *regs) setBCR(n, v uint32) {
	r.rap(n)
	if r.dwio {
		r.w.Write32(dwioBDP, v)
	} else {
		r.w.Write16(wioBDP, uint16(v))
	}
}

// reset reads the reset register. The chip returns to WIO afterwards, so a
// DWIO window is re-entered with a 32 bit write to RDP.
func (r *regs) reset() {
	if r.dwio {
		r.w.Read32(dwioReset)
		r.w.Write32(offRDP, 0)
	} else {
		r.w.Read16(wioReset)
	}
}

func (r *regs) aprom() (mac [6]byte) {
	for i := range mac {
		mac[i] = r.w.Read8(offAPROM + uint32(i))
	}
	return mac
}
