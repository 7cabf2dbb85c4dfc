package pcnet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/pci"
)

const simIOBase = 0xc000

// simChip models the register file and DMA engine of a PCnet-PCI II closely
// enough to exercise initialization, transmit, receive and interrupt acknowledge.
type simChip struct {
	t       *testing.T
	mem     *hal.HeapDMA
	aprom   [16]byte
	dwio    bool
	rap     uint32
	csr     [128]uint32
	bcr     [64]uint32
	rxRing  uint64
	txRing  uint64
	rxLen   int
	txLen   int
	rxIdx   int
	txIdx   int
	initMAC [6]byte

	sent   [][]byte
	noIDON bool
	holdTx bool
}

func newSim(t *testing.T, mem *hal.HeapDMA, mac [6]byte) *simChip {
	s := &simChip{t: t, mem: mem}
	copy(s.aprom[:], mac[:])
	s.aprom[14], s.aprom[15] = 'W', 'W'
	s.csr[0] = csr0STOP
	return s
}

func (s *simChip) rapOff() uint32 {
	if s.dwio {
		return dwioRAP
	}
	return wioRAP
}

func (s *simChip) bdpOff() uint32 {
	if s.dwio {
		return dwioBDP
	}
	return wioBDP
}

func (s *simChip) read(off uint32, width int) uint32 {
	switch {
	case off < 16:
		return uint32(s.aprom[off])
	case off == offRDP:
		return s.csr[s.rap&0x7f]
	case off == s.rapOff():
		return s.rap
	case off == wioReset && !s.dwio, off == dwioReset:
		s.hardReset()
		return 0
	case off == s.bdpOff():
		return s.bcr[s.rap&0x3f]
	}
	s.t.Errorf("read of unknown register %#x", off)
	return 0
}

func (s *simChip) write(off uint32, width int, v uint32) {
	if width == 4 && !s.dwio && off == offRDP {
		s.dwio = true
	}
	if s.dwio != (width == 4) {
		s.t.Errorf("%d byte access to %#x with dwio=%v", width, off, s.dwio)
	}
	switch off {
	case offRDP:
		s.writeCSR(s.rap&0x7f, v&0xffff)
	case s.rapOff():
		s.rap = v & 0xffff
	case s.bdpOff():
		s.bcr[s.rap&0x3f] = v & 0xffff
	default:
		s.t.Errorf("write of unknown register %#x", off)
	}
}

func (s *simChip) hardReset() {
	s.dwio = false
	s.rap = 0
	s.csr = [128]uint32{}
	s.csr[0] = csr0STOP
	s.bcr[20] = 0
}

func (s *simChip) writeCSR(n, v uint32) {
	if n != 0 {
		s.csr[n] = v
		return
	}
	c := s.csr[0]
	c &^= v & 0x7f00
	c = c&^csr0IENA | v&csr0IENA
	switch {
	case v&csr0STOP != 0:
		c = csr0STOP
	case v&csr0INIT != 0:
		s.loadInit()
		if !s.noIDON {
			c |= csr0IDON
		}
		c &^= csr0STOP
	}
	if v&csr0STRT != 0 {
		c = c&^csr0STOP | csr0STRT | 0x30 // TXON RXON
	}
	s.csr[0] = c
	if v&csr0TDMD != 0 {
		s.transmit()
	}
	s.updateIntr()
}

func (s *simChip) updateIntr() {
	pending := s.csr[0] & 0x7f00
	if s.csr[3]&csr3IDONM != 0 {
		pending &^= csr0IDON
	}
	if pending != 0 {
		s.csr[0] |= csr0INTR
	} else {
		s.csr[0] &^= csr0INTR
	}
}

func (s *simChip) loadInit() {
	if s.bcr[20] != bcr20SWStyle2 {
		s.t.Errorf("INIT with BCR20=%#x", s.bcr[20])
	}
	addr := uint64(s.csr[1] | s.csr[2]<<16)
	ib := s.mem.At(addr, sizeInitBlock)
	if ib == nil {
		s.t.Fatalf("init block %#x outside DMA arena", addr)
	}
	s.rxLen = 1 << (ib[2] >> 4)
	s.txLen = 1 << (ib[3] >> 4)
	copy(s.initMAC[:], ib[4:10])
	s.rxRing = uint64(binary.LittleEndian.Uint32(ib[20:]))
	s.txRing = uint64(binary.LittleEndian.Uint32(ib[24:]))
	if s.rxRing%16 != 0 || s.txRing%16 != 0 {
		s.t.Error("rings not 16 byte aligned")
	}
	s.rxIdx, s.txIdx = 0, 0
}

func decodeBCNT(t *testing.T, v uint32) int {
	if v&0xf000 != 0xf000 {
		t.Errorf("BCNT ones nibble missing: %#x", v)
	}
	n := int(0x1000-(v&0x0fff)) & 0x0fff
	if n == 0 {
		n = 0x1000
	}
	return n
}

func (s *simChip) transmit() {
	for range s.txLen {
		desc := s.mem.At(s.txRing+uint64(s.txIdx*sizeDesc), sizeDesc)
		tmd1 := binary.LittleEndian.Uint32(desc[4:])
		if tmd1&dOWN == 0 || s.holdTx {
			return
		}
		if tmd1&(dSTP|dENP) != dSTP|dENP {
			s.t.Errorf("multi-descriptor frame tmd1=%#x", tmd1)
		}
		n := decodeBCNT(s.t, tmd1)
		buf := s.mem.At(uint64(binary.LittleEndian.Uint32(desc[0:])), n)
		s.sent = append(s.sent, bytes.Clone(buf))
		binary.LittleEndian.PutUint32(desc[4:], tmd1&^dOWN)
		s.csr[0] |= csr0TINT
		s.txIdx = (s.txIdx + 1) % s.txLen
	}
}

// deliver writes frame plus a 4 byte FCS into the next receive descriptor.
func (s *simChip) deliver(frame []byte, bad bool) bool {
	desc := s.mem.At(s.rxRing+uint64(s.rxIdx*sizeDesc), sizeDesc)
	rmd1 := binary.LittleEndian.Uint32(desc[4:])
	if rmd1&dOWN == 0 {
		s.csr[0] |= csr0MISS
		s.updateIntr()
		return false
	}
	size := decodeBCNT(s.t, rmd1)
	buf := s.mem.At(uint64(binary.LittleEndian.Uint32(desc[0:])), size)
	n := copy(buf, frame)
	copy(buf[n:], []byte{0xde, 0xad, 0xbe, 0xef})
	binary.LittleEndian.PutUint32(desc[8:], uint32(n+sizeFCS))
	rmd1 = rmd1&^dOWN | dSTP | dENP
	if bad {
		rmd1 |= dERR
	}
	binary.LittleEndian.PutUint32(desc[4:], rmd1)
	s.rxIdx = (s.rxIdx + 1) % s.rxLen
	s.csr[0] |= csr0RINT
	s.updateIntr()
	return true
}

// MMIO view.
type simMMIO struct{ s *simChip }

func (m simMMIO) Read8(off uint32) uint8       { return uint8(m.s.read(off, 1)) }
func (m simMMIO) Read16(off uint32) uint16     { return uint16(m.s.read(off, 2)) }
func (m simMMIO) Read32(off uint32) uint32     { return m.s.read(off, 4) }
func (m simMMIO) Write8(off uint32, v uint8)   { m.s.write(off, 1, uint32(v)) }
func (m simMMIO) Write16(off uint32, v uint16) { m.s.write(off, 2, uint32(v)) }
func (m simMMIO) Write32(off uint32, v uint32) { m.s.write(off, 4, v) }

// Port I/O view.
type simPorts struct{ s *simChip }

func (p simPorts) In8(port uint16) uint8   { return uint8(p.s.read(uint32(port-simIOBase), 1)) }
func (p simPorts) In16(port uint16) uint16 { return uint16(p.s.read(uint32(port-simIOBase), 2)) }
func (p simPorts) In32(port uint16) uint32 { return p.s.read(uint32(port-simIOBase), 4) }
func (p simPorts) Out8(port uint16, v uint8) {
	p.s.write(uint32(port-simIOBase), 1, uint32(v))
}
func (p simPorts) Out16(port uint16, v uint16) {
	p.s.write(uint32(port-simIOBase), 2, uint32(v))
}
func (p simPorts) Out32(port uint16, v uint32) { p.s.write(uint32(port-simIOBase), 4, v) }

type mapperFunc func(phys, size uint64) (hal.MMIO, error)

func (f mapperFunc) Map(phys, size uint64) (hal.MMIO, error) { return f(phys, size) }

type nopConfig struct{ regs [16]uint32 }

func (c *nopConfig) Read32(off uint8) uint32     { return c.regs[off/4] }
func (c *nopConfig) Write32(off uint8, v uint32) { c.regs[off/4] = v }

var testMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func newPCIDevice(memBarSize uint64) *pci.Device {
	dev := &pci.Device{Config: &nopConfig{}, Vendor: VendorAMD, DeviceID: DevicePCI, IRQLine: 11}
	dev.BARs[0] = pci.BAR{Kind: pci.BARIO, Addr: simIOBase, Size: 32}
	if memBarSize > 0 {
		dev.BARs[1] = pci.BAR{Kind: pci.BARMem32, Addr: 0xfebf0000, Size: memBarSize}
	}
	return dev
}

type harness struct {
	sim *simChip
	dev *Device
	got [][]byte
}

func startDevice(t *testing.T, memBarSize uint64, mac [6]byte) *harness {
	t.Helper()
	mem := hal.NewHeapDMA(0x0020_0000, 1<<20)
	sim := newSim(t, mem, mac)
	env := drivers.Env{
		IO:  simPorts{sim},
		DMA: mem,
		Mapper: mapperFunc(func(phys, size uint64) (hal.MMIO, error) {
			if phys != 0xfebf0000 {
				t.Errorf("mapped %#x", phys)
			}
			return simMMIO{sim}, nil
		}),
		Seed: 0xabcdef01,
	}
	pdev := newPCIDevice(memBarSize)
	d, err := Probe(pdev, env)
	if err != nil {
		t.Fatal(err)
	}
	if pci.Read16(pdev.Config, pci.RegCommand)&pci.CmdBusMaster == 0 {
		t.Error("bus mastering not enabled")
	}
	h := &harness{sim: sim, dev: d}
	d.SetRxHandler(func(frame []byte) { h.got = append(h.got, bytes.Clone(frame)) })
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	return h
}

func testFrame(n int, fill byte) []byte {
	f := make([]byte, n)
	copy(f, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(f[6:], testMAC[:])
	f[12], f[13] = 0x08, 0x06
	for i := 14; i < n; i++ {
		f[i] = fill + byte(i)
	}
	return f
}

func TestStartMMIO(t *testing.T) {
	h := startDevice(t, 32, testMAC)
	if !h.sim.dwio || !h.dev.r.dwio {
		t.Fatal("MMIO window did not select DWIO")
	}
	if h.dev.HardwareAddr() != testMAC || h.dev.macSrc != drivers.MACFromROM {
		t.Errorf("mac %x from %s", h.dev.HardwareAddr(), h.dev.macSrc)
	}
	if h.sim.initMAC != testMAC {
		t.Errorf("init block PADR %x", h.sim.initMAC)
	}
	if h.sim.rxLen != rxCount || h.sim.txLen != txCount {
		t.Errorf("ring lengths rx=%d tx=%d", h.sim.rxLen, h.sim.txLen)
	}
	c := h.sim.csr[0]
	if c&csr0STRT == 0 || c&csr0IENA == 0 || c&csr0IDON != 0 {
		t.Errorf("csr0 after start %#x", c)
	}
	if h.sim.csr[4]&csr4APADXMT == 0 {
		t.Error("transmit auto pad not enabled")
	}
}

func TestStartPIOWhenWindowSmall(t *testing.T) {
	h := startDevice(t, 16, testMAC)
	if h.sim.dwio {
		t.Fatal("16 byte memory BAR must not select MMIO")
	}
	frame := testFrame(60, 1)
	if err := h.dev.SendFrame(frame); err != nil {
		t.Fatal(err)
	}
	if len(h.sim.sent) != 1 || !bytes.Equal(h.sim.sent[0], frame) {
		t.Fatalf("sent %x", h.sim.sent)
	}
}

func TestSendReceive(t *testing.T) {
	h := startDevice(t, 32, testMAC)
	for i := range 3 * txCount {
		frame := testFrame(60+i, byte(i))
		if err := h.dev.SendFrame(frame); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !bytes.Equal(h.sim.sent[i], frame) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
	if h.dev.Stats().TxFrames != 3*txCount {
		t.Errorf("tx frames %d", h.dev.Stats().TxFrames)
	}

	in := testFrame(98, 0x40)
	if !h.sim.deliver(in, false) {
		t.Fatal("no rx descriptor owned by chip")
	}
	if h.sim.csr[0]&csr0INTR == 0 {
		t.Fatal("sim did not raise INTR")
	}
	h.dev.HandleIRQ()
	if len(h.got) != 1 || !bytes.Equal(h.got[0], in) {
		t.Fatalf("received %x", h.got)
	}
	c := h.sim.csr[0]
	if c&(csr0RINT|csr0TINT|csr0INTR) != 0 {
		t.Errorf("interrupt causes not acknowledged: csr0=%#x", c)
	}
	if c&csr0IENA == 0 {
		t.Error("acknowledge dropped IENA")
	}
}

func TestRxRingWrapsInOrder(t *testing.T) {
	h := startDevice(t, 32, testMAC)
	for i := range 3 * rxCount {
		if !h.sim.deliver(testFrame(64, byte(i)), false) {
			t.Fatalf("frame %d: ring not replenished", i)
		}
		if i%5 == 4 {
			h.dev.Poll()
		}
	}
	h.dev.Poll()
	if len(h.got) != 3*rxCount {
		t.Fatalf("got %d frames", len(h.got))
	}
	for i, f := range h.got {
		if f[14] != byte(i)+14 {
			t.Fatalf("frame %d out of order", i)
		}
	}
}

func TestRxErrorCounted(t *testing.T) {
	h := startDevice(t, 32, testMAC)
	h.sim.deliver(testFrame(64, 0), true)
	h.sim.deliver(testFrame(64, 1), false)
	if n := h.dev.Poll(); n != 1 {
		t.Fatalf("delivered %d", n)
	}
	if h.dev.Stats().RxErrors != 1 {
		t.Errorf("rx errors %d", h.dev.Stats().RxErrors)
	}
	desc := h.dev.rxRing.Buf[0:sizeDesc]
	if binary.LittleEndian.Uint32(desc[4:])&dOWN == 0 {
		t.Error("errored descriptor not returned to chip")
	}
}

func TestTxBusy(t *testing.T) {
	h := startDevice(t, 32, testMAC)
	h.sim.holdTx = true
	for i := range txCount {
		if err := h.dev.SendFrame(testFrame(60, byte(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	err := h.dev.SendFrame(testFrame(60, 0))
	if !errors.Is(err, drivers.ErrTxBusy) {
		t.Fatalf("want busy, got %v", err)
	}
	if h.dev.Stats().TxErrors != 1 {
		t.Errorf("tx errors %d", h.dev.Stats().TxErrors)
	}
	if err := h.dev.SendFrame(make([]byte, 10)); !errors.Is(err, drivers.ErrFrameSize) {
		t.Errorf("short frame: %v", err)
	}
}

func TestFabricatedMAC(t *testing.T) {
	h := startDevice(t, 32, [6]byte{})
	mac := h.dev.HardwareAddr()
	if h.dev.macSrc != drivers.MACFabricated || !hal.IsValidMAC(mac) || mac[0]&2 == 0 {
		t.Errorf("mac %x from %s", mac, h.dev.macSrc)
	}
}

func TestInitTimeout(t *testing.T) {
	mem := hal.NewHeapDMA(0x0020_0000, 1<<20)
	sim := newSim(t, mem, testMAC)
	sim.noIDON = true
	d, err := Probe(newPCIDevice(0), drivers.Env{IO: simPorts{sim}, DMA: mem})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); !errors.Is(err, errInitTimeout) {
		t.Fatalf("want init timeout, got %v", err)
	}
	if err := d.SendFrame(testFrame(60, 0)); !errors.Is(err, drivers.ErrNotStarted) {
		t.Errorf("send before start: %v", err)
	}
}

func TestWrongDevice(t *testing.T) {
	dev := &pci.Device{Vendor: 0x8086, DeviceID: 0x100e}
	if _, err := Probe(dev, drivers.Env{}); !errors.Is(err, drivers.ErrWrongDevice) {
		t.Fatalf("want wrong device, got %v", err)
	}
}
