// Package pci reads PCI configuration space: the device record drivers
// probe against, BAR classification and sizing, bus mastering and the
// capability list.
package pci

import (
	"errors"
	"strconv"

	"github.com/hobbyos/knet/hal"
)

// Configuration header offsets.
const (
	RegVendor    = 0x00
	RegCommand   = 0x04
	RegStatus    = 0x06
	RegRevision  = 0x08
	RegHeader    = 0x0e
	RegBAR0      = 0x10
	RegCapPtr    = 0x34
	RegInterrupt = 0x3c
)

// Command register bits.
const (
	CmdIOSpace    = 1 << 0
	CmdMemSpace   = 1 << 1
	CmdBusMaster  = 1 << 2
	CmdIntDisable = 1 << 10
)

const statusCapList = 1 << 4

// Capability IDs.
const (
	CapMSI    = 0x05
	CapVendor = 0x09
	CapMSIX   = 0x11
)

var (
	errNoDevice   = errors.New("pci: no device")
	errBadBAR     = errors.New("pci: bad BAR index")
	errCapLoop    = errors.New("pci: capability list loop")
	errMisaligned = errors.New("pci: misaligned config access")
)

// Config accesses the configuration space of one function.
// Offsets are dword aligned.
type Config interface {
	Read32(off uint8) uint32
	Write32(off uint8, v uint32)
}

// Read8 and Read16 extract narrower fields from the containing dword.
func Read8(c Config, off uint8) uint8 {
	return uint8(c.Read32(off&^3) >> (8 * (off & 3)))
}

func Read16(c Config, off uint8) uint16 {
	return uint16(c.Read32(off&^3) >> (8 * (off & 2)))
}

// Write16 performs a read-modify-write of the containing dword.
func Write16(c Config, off uint8, v uint16) {
	shift := 8 * (off & 2)
	d := c.Read32(off &^ 3)
	d = d&^(0xffff<<shift) | uint32(v)<<shift
	c.Write32(off&^3, d)
}

// PortConfig is configuration mechanism #1 through ports 0xCF8 and 0xCFC.
type PortConfig struct {
	IO                 hal.PortIO
	Bus, Dev, Function uint8
}

const (
	portConfigAddr = 0xcf8
	portConfigData = 0xcfc
)

func (p PortConfig) addr(off uint8) uint32 {
	return 1<<31 | uint32(p.Bus)<<16 | uint32(p.Dev&0x1f)<<11 | uint32(p.Function&7)<<8 | uint32(off&^3)
}

func (p PortConfig) Read32(off uint8) uint32 {
	p.IO.Out32(portConfigAddr, p.addr(off))
	return p.IO.In32(portConfigData)
}

func (p PortConfig) Write32(off uint8, v uint32) {
	p.IO.Out32(portConfigAddr, p.addr(off))
	p.IO.Out32(portConfigData, v)
}

// BARKind classifies a base address register.
type BARKind uint8

const (
	BARNone BARKind = iota
	BARIO
	BARMem32
	BARMem64
)

func (k BARKind) String() string {
	switch k {
	case BARIO:
		return "io"
	case BARMem32:
		return "mem32"
	case BARMem64:
		return "mem64"
	}
	return "none"
}

// BAR is a decoded base address register.
type BAR struct {
	Kind     BARKind
	Addr     uint64
	Size     uint64
	Prefetch bool
}

func (b BAR) IsMem() bool { return b.Kind == BARMem32 || b.Kind == BARMem64 }

// Device is the record drivers probe against.
type Device struct {
	Config   Config
	Vendor   uint16
	DeviceID uint16
	Class    uint8
	Subclass uint8
	Revision uint8
	IRQLine  uint8
	BARs     [6]BAR
}

func (d *Device) String() string {
	return strconv.FormatUint(uint64(d.Vendor), 16) + ":" + strconv.FormatUint(uint64(d.DeviceID), 16)
}

// Read fills a Device from cfg, sizing every BAR. It returns an error if no
// function answers.
func Read(cfg Config) (Device, error) {
	id := cfg.Read32(RegVendor)
	if id&0xffff == 0xffff || id == 0 {
		return Device{}, errNoDevice
	}
	class := cfg.Read32(RegRevision)
	d := Device{
		Config:   cfg,
		Vendor:   uint16(id),
		DeviceID: uint16(id >> 16),
		Revision: uint8(class),
		Subclass: uint8(class >> 16),
		Class:    uint8(class >> 24),
		IRQLine:  Read8(cfg, RegInterrupt),
	}
	for i := 0; i < len(d.BARs); i++ {
		bar := sizeBAR(cfg, i)
		d.BARs[i] = bar
		if bar.Kind == BARMem64 {
			i++ // upper half consumed
		}
	}
	return d, nil
}

// sizeBAR decodes BAR i by writing all ones and reading back the size mask,
// restoring the original value afterwards.
func sizeBAR(cfg Config, i int) BAR {
	off := uint8(RegBAR0 + 4*i)
	orig := cfg.Read32(off)
	cfg.Write32(off, 0xffff_ffff)
	mask := cfg.Read32(off)
	cfg.Write32(off, orig)
	if mask == 0 {
		return BAR{}
	}
	if orig&1 != 0 {
		m := mask &^ 3
		if m == 0 {
			return BAR{}
		}
		return BAR{Kind: BARIO, Addr: uint64(orig &^ 3), Size: uint64(^(m | 0xffff_0000) + 1)}
	}
	bar := BAR{Kind: BARMem32, Addr: uint64(orig &^ 0xf), Prefetch: orig&8 != 0}
	size := uint64(^(mask &^ 0xf) + 1)
	if (orig>>1)&3 == 2 && i < 5 {
		hoff := off + 4
		hi := cfg.Read32(hoff)
		cfg.Write32(hoff, 0xffff_ffff)
		hmask := cfg.Read32(hoff)
		cfg.Write32(hoff, hi)
		bar.Kind = BARMem64
		bar.Addr |= uint64(hi) << 32
		size = ^(uint64(hmask)<<32 | uint64(mask&^0xf)) + 1
	}
	bar.Size = size
	return bar
}

// EnableBusMaster turns on bus mastering and the decoders the device's BARs need.
func (d *Device) EnableBusMaster() {
	cmd := Read16(d.Config, RegCommand)
	cmd |= CmdBusMaster
	for _, b := range d.BARs {
		switch {
		case b.Kind == BARIO:
			cmd |= CmdIOSpace
		case b.IsMem():
			cmd |= CmdMemSpace
		}
	}
	Write16(d.Config, RegCommand, cmd)
}

// BAR returns BAR i or an error if i is out of range or unimplemented.
func (d *Device) BAR(i int) (BAR, error) {
	if i < 0 || i >= len(d.BARs) || d.BARs[i].Kind == BARNone {
		return BAR{}, errBadBAR
	}
	return d.BARs[i], nil
}

// ForEachCapability walks the capability list calling fn with each capability
// ID and its config offset. Walks are bounded so a corrupt list terminates.
func (d *Device) ForEachCapability(fn func(id, off uint8) error) error {
	if Read16(d.Config, RegStatus)&statusCapList == 0 {
		return nil
	}
	off := Read8(d.Config, RegCapPtr) &^ 3
	for n := 0; off != 0; n++ {
		if n >= 48 {
			return errCapLoop
		} else if off < 0x40 {
			return errMisaligned
		}
		hdr := d.Config.Read32(off)
		if err := fn(uint8(hdr), off); err != nil {
			return err
		}
		off = uint8(hdr>>8) &^ 3
	}
	return nil
}

// Scan enumerates bus 0 through mechanism #1, calling fn for each present
// function. Multi-function devices are probed on all eight functions.
func Scan(io hal.PortIO, buses int, fn func(Device)) {
	for bus := 0; bus < buses; bus++ {
		for dev := uint8(0); dev < 32; dev++ {
			cfg := PortConfig{IO: io, Bus: uint8(bus), Dev: dev}
			d, err := Read(cfg)
			if err != nil {
				continue
			}
			fn(d)
			if Read8(cfg, RegHeader)&0x80 == 0 {
				continue
			}
			for f := uint8(1); f < 8; f++ {
				cfg.Function = f
				if d, err := Read(cfg); err == nil {
					fn(d)
				}
			}
		}
	}
}
