// Package e1000 drives Intel 8254x (e1000) and 8257x/I217 (e1000e) controllers
// through their flat MMIO register file and legacy descriptor rings.
package e1000

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/pci"
	"github.com/hobbyos/knet/phy"
)

const (
	numRx    = 32
	numTx    = 32
	sizeDesc = 16

	resetSpin = 100_000
	eerdSpin  = 10_000
	mdicSpin  = 10_000
	phyAddr   = 1 // internal PHY of every supported part
)

var (
	errResetTimeout = errors.New("e1000: reset bit did not clear")
	errEEPROM       = errors.New("e1000: EEPROM read timeout")
	errMDIC         = errors.New("e1000: MDIC transaction failed")
)

// Device is one e1000 controller. Calls must be serialised by the owner.
type Device struct {
	w       hal.MMIO
	log     internal.Logger
	dma     hal.DMA
	model   Model
	mac     [6]byte
	macSrc  drivers.MACSource
	irq     uint8
	phy     phy.Device
	hasPHY  bool
	started bool

	rxRing hal.Region
	txRing hal.Region
	rxBufs [numRx]hal.Region
	txBufs [numTx]hal.Region
	rxNext int // next descriptor the device will complete
	txTail int

	rx    drivers.RxHandler
	stats drivers.Stats
}

func (d *Device) r(reg reg) uint32     { return d.w.Read32(uint32(reg)) }
func (d *Device) wr(reg reg, v uint32) { d.w.Write32(uint32(reg), v) }

// Probe maps BAR0, enables bus mastering, resets the device with all
// interrupts masked and learns the station address.
func Probe(dev *pci.Device, env drivers.Env) (*Device, error) {
	if dev.Vendor != VendorIntel {
		return nil, drivers.ErrWrongDevice
	}
	model, ok := Lookup(dev.DeviceID)
	if !ok {
		return nil, drivers.ErrWrongDevice
	}
	d := &Device{
		log:   internal.Logger{Log: env.Logger},
		dma:   env.DMA,
		model: model,
		irq:   dev.IRQLine,
	}
	bar, err := dev.BAR(0)
	if err != nil || !bar.IsMem() {
		d.log.Error("e1000:probe:bar0-not-mmio", slog.String("kind", bar.Kind.String()))
		return nil, drivers.ErrNoBAR
	} else if env.Mapper == nil {
		return nil, drivers.ErrNoBAR
	}
	d.w, err = env.Mapper.Map(bar.Addr, bar.Size)
	if err != nil {
		d.log.Error("e1000:probe:map-failed", slog.String("err", err.Error()))
		return nil, err
	}
	dev.EnableBusMaster()
	if err := d.reset(); err != nil {
		return nil, err
	}

	var rom, ral [6]byte
	var romErr error
	for i := 0; i < 3; i++ {
		var word uint16
		word, romErr = d.eepromRead(uint8(i))
		if romErr != nil {
			rom = [6]byte{}
			break
		}
		binary.LittleEndian.PutUint16(rom[2*i:], word)
	}
	binary.LittleEndian.PutUint32(ral[0:], d.r(RAL0))
	binary.LittleEndian.PutUint16(ral[4:], uint16(d.r(RAH0)))
	if romErr != nil && !hal.IsValidMAC(ral) {
		d.log.Error("e1000:probe:no-mac", slog.String("err", romErr.Error()))
		return nil, romErr
	} else if romErr != nil {
		d.log.Warn("e1000:probe:eeprom-unreadable")
	}
	d.mac, d.macSrc = drivers.PickMAC(d.log, "e1000", rom, ral, env.Seed)

	if err := d.phy.Configure(mdio{d}, phyAddr); err == nil {
		_, err = d.phy.BasicStatus()
		d.hasPHY = err == nil
	}
	d.log.Info("e1000:probe:ok",
		slog.String("model", model.Name),
		slog.String("macsrc", d.macSrc.String()),
		internal.SlogMAC("mac", &d.mac),
	)
	return d, nil
}

// reset asserts CTRL.RST, waits for it to self clear, then masks and clears interrupts.
func (d *Device) reset() error {
	d.wr(IMC, 0xffff_ffff)
	d.wr(CTRL, d.r(CTRL)|ctrlRST)
	if !hal.Spin(resetSpin, func() bool { return d.r(CTRL)&ctrlRST == 0 }) {
		d.log.Error("e1000:reset:timeout")
		return errResetTimeout
	}
	d.wr(IMC, 0xffff_ffff)
	d.r(ICR)
	return nil
}

func (d *Device) eepromRead(addr uint8) (uint16, error) {
	l := d.model.eerd
	d.wr(EERD, eerdStart|uint32(addr)<<l.addrShift)
	var v uint32
	if !hal.Spin(eerdSpin, func() bool { v = d.r(EERD); return v&l.done != 0 }) {
		return 0, errEEPROM
	}
	return uint16(v >> eerdDataShift), nil
}

// mdio exposes the MDIC register as a management bus.
type mdio struct{ d *Device }

func (m mdio) transact(cmd uint32) (uint32, error) {
	m.d.wr(MDIC, cmd)
	var v uint32
	if !hal.Spin(mdicSpin, func() bool { v = m.d.r(MDIC); return v&mdicReady != 0 }) || v&mdicError != 0 {
		return 0, errMDIC
	}
	return v, nil
}

func (m mdio) Read(phyAddr, regAddr uint8) (uint16, error) {
	v, err := m.transact(mdicOpRead | uint32(phyAddr&0x1f)<<mdicPHYShift | uint32(regAddr&0x1f)<<mdicRegShift)
	return uint16(v), err
}

func (m mdio) Write(phyAddr, regAddr uint8, value uint16) error {
	_, err := m.transact(mdicOpWrite | uint32(phyAddr&0x1f)<<mdicPHYShift | uint32(regAddr&0x1f)<<mdicRegShift | uint32(value))
	return err
}

func (d *Device) Kind() string                     { return "e1000" }
func (d *Device) Model() Model                     { return d.model }
func (d *Device) HardwareAddr() [6]byte            { return d.mac }
func (d *Device) IRQ() uint8                       { return d.irq }
func (d *Device) Stats() drivers.Stats             { return d.stats }
func (d *Device) SetRxHandler(h drivers.RxHandler) { d.rx = h }

// Start programs the station address, rings and receive and transmit
// control, brings the link up and unmasks the interrupts the driver services.
func (d *Device) Start() error {
	if d.started {
		return nil
	}
	if d.rxRing.Buf == nil {
		if err := d.alloc(); err != nil {
			d.log.Error("e1000:start:alloc-failed", slog.String("err", err.Error()))
			return err
		}
	}
	d.wr(RAL0, binary.LittleEndian.Uint32(d.mac[0:]))
	d.wr(RAH0, uint32(binary.LittleEndian.Uint16(d.mac[4:]))|rahAV)
	for i := range mtaEntries {
		d.wr(MTA+reg(4*i), 0)
	}

	for i := range d.rxBufs {
		desc := d.rxRing.Buf[i*sizeDesc:]
		clear(desc[:sizeDesc])
		binary.LittleEndian.PutUint64(desc, d.rxBufs[i].Phys)
	}
	d.wr(RDBAL, uint32(d.rxRing.Phys))
	d.wr(RDBAH, uint32(d.rxRing.Phys>>32))
	d.wr(RDLEN, numRx*sizeDesc)
	d.wr(RDH, 0)
	d.wr(RDT, numRx-1)
	d.rxNext = 0

	for i := range d.txBufs {
		desc := d.txRing.Buf[i*sizeDesc:]
		clear(desc[:sizeDesc])
		binary.LittleEndian.PutUint64(desc, d.txBufs[i].Phys)
		desc[12] = txDD // free slots read as done
	}
	d.wr(TDBAL, uint32(d.txRing.Phys))
	d.wr(TDBAH, uint32(d.txRing.Phys>>32))
	d.wr(TDLEN, numTx*sizeDesc)
	d.wr(TDH, 0)
	d.wr(TDT, 0)
	d.txTail = 0

	d.wr(RCTL, rctlEN|rctlBAM|rctlBSIZE2K|rctlSECRC)
	d.wr(TCTL, tctlEN|tctlPSP|tctlCT|tctlCOLD)
	d.wr(TIPG, tipgCopper)

	ctrl := d.r(CTRL)
	ctrl |= ctrlSLU | ctrlASDE
	ctrl &^= ctrlLRST | ctrlPHYRST | ctrlILOS
	d.wr(CTRL, ctrl)

	d.wr(IMS, intWanted)
	d.r(ICR)
	d.started = true
	d.log.Info("e1000:start:running", slog.Bool("link", d.LinkUp()))
	return nil
}

func (d *Device) alloc() (err error) {
	if d.rxRing, err = d.dma.Alloc(numRx*sizeDesc, 16); err != nil {
		return err
	}
	if d.txRing, err = d.dma.Alloc(numTx*sizeDesc, 16); err != nil {
		return err
	}
	for i := range d.rxBufs {
		if d.rxBufs[i], err = d.dma.Alloc(drivers.BufSize, 16); err != nil {
			return err
		}
	}
	for i := range d.txBufs {
		if d.txBufs[i], err = d.dma.Alloc(drivers.BufSize, 16); err != nil {
			return err
		}
	}
	return nil
}

// SendFrame copies frame into the slot at the tail and writes TDT to arm transmission.
func (d *Device) SendFrame(frame []byte) error {
	if !d.started {
		return drivers.ErrNotStarted
	} else if err := drivers.CheckSend(frame, drivers.BufSize); err != nil {
		d.stats.TxErrors++
		return err
	}
	desc := d.txRing.Buf[d.txTail*sizeDesc : (d.txTail+1)*sizeDesc]
	if desc[12]&txDD == 0 && !hal.Spin(drivers.TxSpin, func() bool { return desc[12]&txDD != 0 }) {
		d.stats.TxErrors++
		d.log.Warn("e1000:send:busy", slog.Int("slot", d.txTail))
		return drivers.ErrTxBusy
	}
	n := copy(d.txBufs[d.txTail].Buf, frame)
	binary.LittleEndian.PutUint64(desc[0:], d.txBufs[d.txTail].Phys)
	binary.LittleEndian.PutUint16(desc[8:], uint16(n))
	desc[10] = 0 // CSO
	desc[11] = txCmdEOP | txCmdIFCS | txCmdRS
	desc[12] = 0
	d.txTail = (d.txTail + 1) % numTx
	d.wr(TDT, uint32(d.txTail))
	d.stats.TxFrames++
	return nil
}

// Poll hands every completed RX descriptor to the receive handler in ring
// order and returns the slot to the device by moving RDT onto it.
func (d *Device) Poll() int {
	if !d.started {
		return 0
	}
	delivered := 0
	for range numRx {
		desc := d.rxRing.Buf[d.rxNext*sizeDesc : (d.rxNext+1)*sizeDesc]
		status := desc[12]
		if status&rxDD == 0 {
			break
		}
		length := int(binary.LittleEndian.Uint16(desc[8:]))
		errs := desc[13]
		switch {
		case errs != 0 || status&rxEOP == 0 || length < drivers.MinFrame:
			d.stats.RxErrors++
			d.log.Debug("e1000:rx:bad-desc", slog.Uint64("status", uint64(status)), slog.Uint64("errors", uint64(errs)))
		default:
			d.stats.RxFrames++
			delivered++
			if d.rx != nil {
				d.rx(d.rxBufs[d.rxNext].Buf[:length])
			}
		}
		clear(desc[8:])
		d.wr(RDT, uint32(d.rxNext))
		d.rxNext = (d.rxNext + 1) % numRx
	}
	return delivered
}

// HandleIRQ reads and thereby clears ICR, then drains the RX ring.
func (d *Device) HandleIRQ() {
	icr := d.r(ICR)
	if icr == 0 {
		return
	}
	if icr&intLSC != 0 {
		d.log.Info("e1000:irq:link-change", slog.Bool("up", d.LinkUp()))
	}
	if icr&intRXO != 0 {
		d.stats.RxErrors++
		d.log.Warn("e1000:irq:rx-overrun")
	}
	if icr&(intRXT0|intRXDMT0|intRXO) != 0 {
		d.Poll()
	}
}

// LinkUp reports STATUS.LU. When the PHY answers on MDIC its BMSR is consulted too.
func (d *Device) LinkUp() bool {
	up := d.r(STATUS)&statusLU != 0
	if d.hasPHY {
		if phyUp, err := d.phy.LinkUp(); err == nil {
			up = up && phyUp
		}
	}
	return up
}

// LinkMode returns the negotiated speed and duplex from the PHY.
func (d *Device) LinkMode() (phy.LinkMode, error) {
	if !d.hasPHY {
		return phy.LinkDown, errMDIC
	}
	return d.phy.NegotiatedLink()
}

// SetPromiscuous toggles unicast and multicast promiscuous reception.
func (d *Device) SetPromiscuous(on bool) {
	rctl := d.r(RCTL)
	if on {
		rctl |= rctlUPE | rctlMPE
	} else {
		rctl &^= rctlUPE | rctlMPE
	}
	d.wr(RCTL, rctl)
}
