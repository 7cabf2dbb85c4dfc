package e1000

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/pci"
	"github.com/hobbyos/knet/phy"
)

// simNIC is an e1000 register file whose side effects are applied from
// MemMMIO hooks: self clearing reset, EERD, MDIC, TDT doorbell, ICR read to clear.
type simNIC struct {
	t          *testing.T
	mem        *hal.HeapDMA
	m          *hal.MemMMIO
	eerd       eerdLayout
	eeprom     [64]uint16
	eepromDead bool
	phyRegs    [32]uint16
	icr        uint32
	mask       uint32
	sent       [][]byte
	holdTx     bool
	resetStuck bool
}

func newSimNIC(t *testing.T, mac [6]byte, layout eerdLayout) *simNIC {
	s := &simNIC{t: t, mem: hal.NewHeapDMA(0x0100_0000, 1<<20), eerd: layout}
	s.m = &hal.MemMMIO{Regs: make([]byte, 0x6000), OnWrite: s.onWrite, OnRead: s.onRead}
	for i := 0; i < 3; i++ {
		s.eeprom[i] = binary.LittleEndian.Uint16(mac[2*i:])
	}
	s.phyRegs[phy.RegBMSR] = uint16(phy.BMSRLinkStatus | phy.BMSRANComplete | phy.BMSRExtCap)
	s.phyRegs[phy.RegANAR] = uint16(phy.ANAR100Full | phy.ANAR10Full | phy.ANARSelector8023)
	s.phyRegs[phy.RegANLPAR] = uint16(phy.ANAR100Full)
	return s
}

func (s *simNIC) reg(r reg) uint32       { return binary.LittleEndian.Uint32(s.m.Regs[r:]) }
func (s *simNIC) setReg(r reg, v uint32) { binary.LittleEndian.PutUint32(s.m.Regs[r:], v) }

func (s *simNIC) onRead(off uint32, width int) {
	if reg(off) == ICR {
		s.setReg(ICR, s.icr)
		s.icr = 0
	}
}

func (s *simNIC) onWrite(off uint32, width int) {
	v := s.reg(reg(off))
	switch reg(off) {
	case CTRL:
		if v&ctrlRST != 0 && !s.resetStuck {
			s.setReg(CTRL, v&^ctrlRST)
		}
		if v&ctrlSLU != 0 {
			s.setReg(STATUS, s.reg(STATUS)|statusLU)
		}
	case EERD:
		if v&eerdStart == 0 || s.eepromDead {
			return
		}
		addr := (v >> s.eerd.addrShift) & 0xff
		s.setReg(EERD, s.eerd.done|uint32(s.eeprom[addr])<<eerdDataShift)
	case MDIC:
		pa := (v >> mdicPHYShift) & 0x1f
		ra := (v >> mdicRegShift) & 0x1f
		switch {
		case pa != phyAddr:
			s.setReg(MDIC, v|mdicReady|mdicError)
		case v&mdicOpRead != 0:
			s.setReg(MDIC, v&^0xffff|uint32(s.phyRegs[ra])|mdicReady)
		default:
			s.phyRegs[ra] = uint16(v)
			s.setReg(MDIC, v|mdicReady)
		}
	case IMS:
		s.mask |= v
		s.setReg(IMS, s.mask)
	case IMC:
		s.mask &^= v
	case TDT:
		s.transmit()
	}
}

func (s *simNIC) ringBase(lo, hi reg) uint64 { return uint64(s.reg(lo)) | uint64(s.reg(hi))<<32 }

func (s *simNIC) transmit() {
	n := s.reg(TDLEN) / sizeDesc
	base := s.ringBase(TDBAL, TDBAH)
	head, tail := s.reg(TDH), s.reg(TDT)
	for head != tail && !s.holdTx {
		desc := s.mem.At(base+uint64(head)*sizeDesc, sizeDesc)
		if desc[11] != txCmdEOP|txCmdIFCS|txCmdRS {
			s.t.Errorf("tx cmd %#x", desc[11])
		}
		length := binary.LittleEndian.Uint16(desc[8:])
		s.sent = append(s.sent, bytes.Clone(s.mem.At(binary.LittleEndian.Uint64(desc), int(length))))
		desc[12] |= txDD
		head = (head + 1) % n
		s.icr |= intTXDW
	}
	s.setReg(TDH, head)
}

// deliver places frame in the descriptor at RDH. It fails with RXO when the
// driver has not handed any descriptor to the device.
func (s *simNIC) deliver(frame []byte, errs byte) bool {
	n := s.reg(RDLEN) / sizeDesc
	head, tail := s.reg(RDH), s.reg(RDT)
	if head == tail {
		s.icr |= intRXO
		return false
	}
	desc := s.mem.At(s.ringBase(RDBAL, RDBAH)+uint64(head)*sizeDesc, sizeDesc)
	copy(s.mem.At(binary.LittleEndian.Uint64(desc), drivers.BufSize), frame)
	binary.LittleEndian.PutUint16(desc[8:], uint16(len(frame)))
	desc[12] = rxDD | rxEOP
	desc[13] = errs
	s.setReg(RDH, (head+1)%n)
	s.icr |= intRXT0
	return true
}

type fixedMapper struct{ m hal.MMIO }

func (f fixedMapper) Map(phys, size uint64) (hal.MMIO, error) { return f.m, nil }

type cfgRegs struct{ regs [16]uint32 }

func (c *cfgRegs) Read32(off uint8) uint32     { return c.regs[off/4] }
func (c *cfgRegs) Write32(off uint8, v uint32) { c.regs[off/4] = v }

var testMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x57}

func pciDev(id uint16) *pci.Device {
	d := &pci.Device{Config: &cfgRegs{}, Vendor: VendorIntel, DeviceID: id, IRQLine: 11}
	d.BARs[0] = pci.BAR{Kind: pci.BARMem32, Addr: 0xfeb80000, Size: 128 << 10}
	return d
}

func probe(t *testing.T, s *simNIC, id uint16) (*Device, error) {
	t.Helper()
	return Probe(pciDev(id), drivers.Env{Mapper: fixedMapper{s.m}, DMA: s.mem, Seed: 7})
}

func start(t *testing.T, s *simNIC) (*Device, *[][]byte) {
	t.Helper()
	d, err := probe(t, s, 0x100e)
	if err != nil {
		t.Fatal(err)
	}
	got := new([][]byte)
	d.SetRxHandler(func(f []byte) { *got = append(*got, bytes.Clone(f)) })
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	return d, got
}

func frame(n int, fill byte) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = fill + byte(i)
	}
	return f
}

func TestStartProgramsDevice(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	d, _ := start(t, s)
	if d.HardwareAddr() != testMAC || d.macSrc != drivers.MACFromROM {
		t.Fatalf("mac %x from %s", d.HardwareAddr(), d.macSrc)
	}
	if s.reg(RAL0) != 0x12005452 || s.reg(RAH0) != 0x5734|rahAV {
		t.Errorf("RAL=%#x RAH=%#x", s.reg(RAL0), s.reg(RAH0))
	}
	if s.reg(RDLEN) != numRx*sizeDesc || s.reg(TDLEN) != numTx*sizeDesc {
		t.Errorf("ring lengths %d %d", s.reg(RDLEN), s.reg(TDLEN))
	}
	if s.reg(RDH) != 0 || s.reg(RDT) != numRx-1 || s.reg(TDH) != 0 || s.reg(TDT) != 0 {
		t.Error("ring indices not initialised")
	}
	if s.ringBase(RDBAL, RDBAH)%16 != 0 || s.ringBase(TDBAL, TDBAH)%16 != 0 {
		t.Error("rings not 16 byte aligned")
	}
	rctl := s.reg(RCTL)
	if rctl != rctlEN|rctlBAM|rctlSECRC {
		t.Errorf("RCTL=%#x", rctl)
	}
	if s.reg(TCTL) != tctlEN|tctlPSP|tctlCT|tctlCOLD || s.reg(TIPG) != tipgCopper {
		t.Errorf("TCTL=%#x TIPG=%#x", s.reg(TCTL), s.reg(TIPG))
	}
	if s.mask != intWanted {
		t.Errorf("interrupt mask %#x", s.mask)
	}
	if s.reg(CTRL)&(ctrlSLU|ctrlASDE) != ctrlSLU|ctrlASDE {
		t.Errorf("CTRL=%#x", s.reg(CTRL))
	}
	for i := range mtaEntries {
		if s.reg(MTA+reg(4*i)) != 0 {
			t.Fatalf("MTA[%d] not cleared", i)
		}
	}
	if !d.LinkUp() {
		t.Error("link down")
	}
	mode, err := d.LinkMode()
	if err != nil || mode != phy.Link100FDX {
		t.Errorf("link mode %s err=%v", mode, err)
	}
}

func TestSendAndReceive(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	d, got := start(t, s)
	for i := range 2*numTx + 3 {
		f := frame(60+i, byte(i))
		if err := d.SendFrame(f); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !bytes.Equal(s.sent[i], f) {
			t.Fatalf("frame %d mismatch", i)
		}
	}
	in := frame(342, 9)
	if !s.deliver(in, 0) {
		t.Fatal("no rx descriptor")
	}
	d.HandleIRQ()
	if len(*got) != 1 || !bytes.Equal((*got)[0], in) {
		t.Fatalf("received %d frames", len(*got))
	}
	if s.reg(RDT) != 0 {
		t.Errorf("RDT=%d, want consumed slot 0", s.reg(RDT))
	}
	if s.icr != 0 {
		t.Error("ICR not cleared by read")
	}
	st := d.Stats()
	if st.RxFrames != 1 || st.TxFrames != 2*numTx+3 {
		t.Errorf("stats %+v", st)
	}
}

func TestRxRingReplenished(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	d, got := start(t, s)
	for i := range 4 * numRx {
		if !s.deliver(frame(64, byte(i)), 0) {
			t.Fatalf("frame %d dropped by device", i)
		}
		d.HandleIRQ()
	}
	if len(*got) != 4*numRx {
		t.Fatalf("got %d", len(*got))
	}
	// With all descriptors handed back the device can fill numRx-1 before overrun.
	for i := range numRx - 1 {
		if !s.deliver(frame(64, 0), 0) {
			t.Fatalf("slot %d unavailable", i)
		}
	}
	if s.deliver(frame(64, 0), 0) {
		t.Fatal("device wrote descriptor at RDT")
	}
	d.HandleIRQ()
	if d.Stats().RxErrors != 1 {
		t.Errorf("overrun not counted: %+v", d.Stats())
	}
}

func TestRxErrorDropped(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	d, got := start(t, s)
	s.deliver(frame(64, 0), 0x04) // CRC error
	s.deliver(frame(64, 1), 0)
	if n := d.Poll(); n != 1 || len(*got) != 1 {
		t.Fatalf("delivered %d", n)
	}
	if d.Stats().RxErrors != 1 {
		t.Errorf("rx errors %d", d.Stats().RxErrors)
	}
}

func TestTxBusy(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	d, _ := start(t, s)
	s.holdTx = true
	for i := range numTx {
		if err := d.SendFrame(frame(60, byte(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := d.SendFrame(frame(60, 0)); !errors.Is(err, drivers.ErrTxBusy) {
		t.Fatalf("want busy, got %v", err)
	}
	if d.Stats().TxErrors != 1 {
		t.Errorf("tx errors %d", d.Stats().TxErrors)
	}
	if err := d.SendFrame(frame(drivers.BufSize+1, 0)); !errors.Is(err, drivers.ErrFrameSize) {
		t.Errorf("oversized frame: %v", err)
	}
}

func TestMACSelection(t *testing.T) {
	ral := [6]byte{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}
	setRAL := func(s *simNIC) {
		s.setReg(RAL0, binary.LittleEndian.Uint32(ral[:]))
		s.setReg(RAH0, uint32(binary.LittleEndian.Uint16(ral[4:]))|rahAV)
	}

	s := newSimNIC(t, testMAC, eerdClassic)
	s.eepromDead = true
	setRAL(s)
	d, err := probe(t, s, 0x100e)
	if err != nil {
		t.Fatal(err)
	}
	if d.HardwareAddr() != ral || d.macSrc != drivers.MACFromRegisters {
		t.Errorf("fallback mac %x from %s", d.HardwareAddr(), d.macSrc)
	}

	s = newSimNIC(t, [6]byte{}, eerdClassic)
	d, err = probe(t, s, 0x100e)
	if err != nil {
		t.Fatal(err)
	}
	if d.macSrc != drivers.MACFabricated || !hal.IsValidMAC(d.HardwareAddr()) {
		t.Errorf("mac %x from %s", d.HardwareAddr(), d.macSrc)
	}

	s = newSimNIC(t, testMAC, eerdClassic)
	s.eepromDead = true
	if _, err := probe(t, s, 0x100e); !errors.Is(err, errEEPROM) {
		t.Errorf("unreadable EEPROM and invalid RAL: %v", err)
	}
}

func TestE1000eEERDLayout(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdE)
	d, err := probe(t, s, 0x10d3)
	if err != nil {
		t.Fatal(err)
	}
	if d.Model().Name != "82574L" || d.HardwareAddr() != testMAC {
		t.Errorf("model %s mac %x", d.Model().Name, d.HardwareAddr())
	}
}

func TestProbeRejects(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	if _, err := probe(t, s, 0x1234); !errors.Is(err, drivers.ErrWrongDevice) {
		t.Errorf("unknown id: %v", err)
	}
	dev := pciDev(0x100e)
	dev.BARs[0] = pci.BAR{Kind: pci.BARIO, Addr: 0xc000, Size: 64}
	if _, err := Probe(dev, drivers.Env{Mapper: fixedMapper{s.m}, DMA: s.mem}); !errors.Is(err, drivers.ErrNoBAR) {
		t.Errorf("I/O BAR0: %v", err)
	}
	s.resetStuck = true
	if _, err := probe(t, s, 0x100e); !errors.Is(err, errResetTimeout) {
		t.Errorf("stuck reset: %v", err)
	}
}

func TestGigabitAndPromiscuous(t *testing.T) {
	s := newSimNIC(t, testMAC, eerdClassic)
	s.phyRegs[phy.RegGBCR] = 1 << 9
	s.phyRegs[phy.RegGBSR] = 1 << 11
	d, _ := start(t, s)
	if mode, _ := d.LinkMode(); mode != phy.Link1000FDX {
		t.Errorf("mode %s", mode)
	}
	d.SetPromiscuous(true)
	if s.reg(RCTL)&(rctlUPE|rctlMPE) != rctlUPE|rctlMPE {
		t.Error("promiscuous bits not set")
	}
	d.SetPromiscuous(false)
	if s.reg(RCTL)&(rctlUPE|rctlMPE) != 0 {
		t.Error("promiscuous bits not cleared")
	}
}
