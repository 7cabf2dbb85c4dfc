package pci

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeConfig emulates BAR sizing: writes to a BAR keep only the address bits
// the device decodes plus the read-only type bits fixed by setBAR.
type fakeConfig struct {
	regs  [64]uint32
	sizes [6]uint32 // size mask per BAR dword, 0 means unimplemented
	ro    [6]uint32 // hardwired type bits per BAR dword
}

// setBAR installs BAR i. The upper dword of a 64 bit BAR is plain address
// data and has no type bits.
func (f *fakeConfig) setBAR(i int, v, size uint32, upper bool) {
	f.regs[RegBAR0/4+i] = v
	f.sizes[i] = size
	switch {
	case upper:
		f.ro[i] = 0
	case v&1 != 0:
		f.ro[i] = v & 1
	default:
		f.ro[i] = v & 0xf
	}
}

func (f *fakeConfig) Read32(off uint8) uint32 { return f.regs[off/4] }

func (f *fakeConfig) Write32(off uint8, v uint32) {
	i := int(off/4) - RegBAR0/4
	if i >= 0 && i < 6 {
		f.regs[off/4] = v&f.sizes[i] | f.ro[i]
		return
	}
	f.regs[off/4] = v
}

func newE1000Config() *fakeConfig {
	f := &fakeConfig{}
	f.regs[0] = 0x100e<<16 | 0x8086
	f.regs[RegRevision/4] = 0x02000003
	f.regs[RegInterrupt/4] = 0x0000010b
	// BAR0: 128 KiB 32 bit memory. BAR1: 64 byte I/O. BAR2-3: 16 KiB 64 bit prefetchable.
	f.setBAR(0, 0xfebc0000, ^uint32(128<<10-1), false)
	f.setBAR(1, 0xc041, ^uint32(64-1)&0xffff, false)
	f.setBAR(2, 0xfe00000c, ^uint32(16<<10-1), false)
	f.setBAR(3, 0x1, 0xffffffff, true)
	return f
}

func TestReadDevice(t *testing.T) {
	cfg := newE1000Config()
	d, err := Read(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if d.Vendor != 0x8086 || d.DeviceID != 0x100e || d.Class != 2 || d.Revision != 3 || d.IRQLine != 11 {
		t.Errorf("header: %+v", d)
	}
	want := [6]BAR{
		{Kind: BARMem32, Addr: 0xfebc0000, Size: 128 << 10},
		{Kind: BARIO, Addr: 0xc040, Size: 64},
		{Kind: BARMem64, Addr: 0x1_fe000000, Size: 16 << 10, Prefetch: true},
	}
	if diff := cmp.Diff(want, d.BARs); diff != "" {
		t.Errorf("BARs mismatch (-want +got):\n%s", diff)
	}
	restored := cfg.regs[RegBAR0/4 : RegBAR0/4+4]
	if diff := cmp.Diff([]uint32{0xfebc0000, 0xc041, 0xfe00000c, 0x1}, restored); diff != "" {
		t.Errorf("BAR values not restored after sizing (-want +got):\n%s", diff)
	}
	if _, err := d.BAR(4); !errors.Is(err, errBadBAR) {
		t.Errorf("want bad BAR, got %v", err)
	}
}

func TestNoDevice(t *testing.T) {
	f := &fakeConfig{}
	f.regs[0] = 0xffffffff
	if _, err := Read(f); !errors.Is(err, errNoDevice) {
		t.Fatalf("want no device, got %v", err)
	}
}

func TestEnableBusMaster(t *testing.T) {
	cfg := newE1000Config()
	cfg.regs[RegCommand/4] = 0x0010_0000 // status bits must survive
	d, _ := Read(cfg)
	d.EnableBusMaster()
	cmd := Read16(cfg, RegCommand)
	if cmd != CmdBusMaster|CmdIOSpace|CmdMemSpace {
		t.Errorf("command=%#x", cmd)
	}
	if Read16(cfg, RegStatus) != 0x10 {
		t.Errorf("status clobbered: %#x", Read16(cfg, RegStatus))
	}
}

func TestCapabilities(t *testing.T) {
	cfg := newE1000Config()
	cfg.regs[RegCommand/4] = statusCapList << 16
	cfg.regs[RegCapPtr/4] = 0x40
	cfg.regs[0x40/4] = 0x50<<8 | CapVendor
	cfg.regs[0x50/4] = 0x00<<8 | CapMSIX
	d, _ := Read(cfg)
	var ids []uint8
	var offs []uint8
	err := d.ForEachCapability(func(id, off uint8) error {
		ids = append(ids, id)
		offs = append(offs, off)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint8{CapVendor, CapMSIX}, ids); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]uint8{0x40, 0x50}, offs); diff != "" {
		t.Error(diff)
	}
	// Self referencing capability must terminate.
	cfg.regs[0x50/4] = 0x50<<8 | CapMSIX
	err = d.ForEachCapability(func(id, off uint8) error { return nil })
	if !errors.Is(err, errCapLoop) {
		t.Errorf("want loop error, got %v", err)
	}
}

// portBus emulates mechanism #1 over a map of functions.
type portBus struct {
	addr  uint32
	funcs map[uint32]*fakeConfig
}

func (p *portBus) In8(port uint16) uint8   { return uint8(p.In32(port &^ 3)) }
func (p *portBus) In16(port uint16) uint16 { return uint16(p.In32(port &^ 3)) }
func (p *portBus) In32(port uint16) uint32 {
	if port != portConfigData {
		return 0xffffffff
	}
	f, ok := p.funcs[p.addr&^0xff]
	if !ok {
		return 0xffffffff
	}
	return f.Read32(uint8(p.addr))
}
func (p *portBus) Out8(port uint16, v uint8)   {}
func (p *portBus) Out16(port uint16, v uint16) {}
func (p *portBus) Out32(port uint16, v uint32) {
	switch port {
	case portConfigAddr:
		p.addr = v
	case portConfigData:
		if f, ok := p.funcs[p.addr&^0xff]; ok {
			f.Write32(uint8(p.addr), v)
		}
	}
}

func TestScan(t *testing.T) {
	bus := &portBus{funcs: map[uint32]*fakeConfig{
		1<<31 | 3<<11: newE1000Config(),
	}}
	virtio := &fakeConfig{}
	virtio.regs[0] = 0x1000<<16 | 0x1af4
	bus.funcs[1<<31|4<<11] = virtio
	var found []string
	Scan(bus, 1, func(d Device) { found = append(found, d.String()) })
	if diff := cmp.Diff([]string{"8086:100e", "1af4:1000"}, found); diff != "" {
		t.Errorf("scan mismatch (-want +got):\n%s", diff)
	}
}
