// Package pcnet drives the AMD PCnet-PCI II (Am79C970A) as emulated by QEMU
// and VirtualBox, using software style 2 descriptors.
package pcnet

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/pci"
)

const (
	// Ring lengths are encoded as log2 in the init block.
	rxLog2  = 4
	txLog2  = 4
	rxCount = 1 << rxLog2
	txCount = 1 << txLog2

	sizeDesc      = 16
	sizeInitBlock = 28
	sizeFCS       = 4
	// minMMIOWindow is the smallest memory BAR holding the whole register file.
	minMMIOWindow = 32
	idonSpin      = 100_000
)

var errInitTimeout = errors.New("pcnet: IDON not set after INIT")

// Device is one PCnet controller. It is not safe for concurrent use; the
// owning interface serialises calls.
type Device struct {
	r       regs
	log     internal.Logger
	dma     hal.DMA
	mac     [6]byte
	macSrc  drivers.MACSource
	irq     uint8
	started bool

	init   hal.Region
	rxRing hal.Region
	txRing hal.Region
	rxBufs [rxCount]hal.Region
	txBufs [txCount]hal.Region
	rxNext int
	txNext int

	rx    drivers.RxHandler
	stats drivers.Stats
}

// Probe claims dev if it is a PCnet-PCI II. A memory BAR of at least 32 bytes
// selects MMIO with 32 bit (DWIO) access, otherwise the I/O BAR is used with
// 16 bit (WIO) access. The chip is reset and left stopped with interrupts masked.
func Probe(dev *pci.Device, env drivers.Env) (*Device, error) {
	if dev.Vendor != VendorAMD || dev.DeviceID != DevicePCI {
		return nil, drivers.ErrWrongDevice
	}
	d := &Device{
		log: internal.Logger{Log: env.Logger},
		dma: env.DMA,
		irq: dev.IRQLine,
	}
	var iobar, membar *pci.BAR
	for i := range dev.BARs {
		b := &dev.BARs[i]
		switch {
		case b.Kind == pci.BARIO && iobar == nil:
			iobar = b
		case b.IsMem() && b.Size >= minMMIOWindow && membar == nil:
			membar = b
		}
	}
	switch {
	case membar != nil && env.Mapper != nil:
		w, err := env.Mapper.Map(membar.Addr, membar.Size)
		if err != nil {
			d.log.Error("pcnet:probe:map-failed", slog.String("err", err.Error()))
			return nil, err
		}
		d.r = regs{w: w, dwio: true}
	case iobar != nil && env.IO != nil:
		d.r = regs{w: hal.PortMMIO{IO: env.IO, Base: uint16(iobar.Addr)}}
	default:
		return nil, drivers.ErrNoBAR
	}
	dev.EnableBusMaster()
	d.r.reset()
	d.r.setCSR(0, csr0STOP)
	d.r.setCSR(3, csr3IDONM)
	d.mac, d.macSrc = drivers.PickMAC(d.log, "pcnet", d.r.aprom(), [6]byte{}, env.Seed)
	d.log.Info("pcnet:probe:ok",
		slog.Bool("dwio", d.r.dwio),
		slog.Uint64("irq", uint64(d.irq)),
		internal.SlogMAC("mac", &d.mac),
	)
	return d, nil
}

func (d *Device) Kind() string                     { return "pcnet" }
func (d *Device) HardwareAddr() [6]byte            { return d.mac }
func (d *Device) IRQ() uint8                       { return d.irq }
func (d *Device) Stats() drivers.Stats             { return d.stats }
func (d *Device) SetRxHandler(h drivers.RxHandler) { d.rx = h }

// Start allocates rings and buffers on first use, loads the init block and
// runs the chip.
func (d *Device) Start() error {
	if d.started {
		return nil
	}
	// Descriptor layout must be chosen before the init block is read.
	d.r.setBCR(20, bcr20SWStyle2)
	if d.init.Buf == nil {
		if err := d.alloc(); err != nil {
			d.log.Error("pcnet:start:alloc-failed", slog.String("err", err.Error()))
			return err
		}
	}
	for i := range d.rxBufs {
		d.giveRx(i)
	}
	for i := range d.txBufs {
		desc := d.txRing.Buf[i*sizeDesc:]
		binary.LittleEndian.PutUint32(desc[0:], uint32(d.txBufs[i].Phys))
		binary.LittleEndian.PutUint32(desc[4:], dOnes)
	}
	d.rxNext, d.txNext = 0, 0
	ib := d.init.Buf
	binary.LittleEndian.PutUint16(ib[0:], 0) // mode: normal operation
	ib[2] = rxLog2 << 4
	ib[3] = txLog2 << 4
	copy(ib[4:10], d.mac[:])
	clear(ib[12:20]) // logical address filter: no multicast
	binary.LittleEndian.PutUint32(ib[20:], uint32(d.rxRing.Phys))
	binary.LittleEndian.PutUint32(ib[24:], uint32(d.txRing.Phys))

	d.r.setCSR(1, uint32(d.init.Phys)&0xffff)
	d.r.setCSR(2, uint32(d.init.Phys>>16)&0xffff)
	d.r.setCSR(4, d.r.csr(4)|csr4APADXMT)
	d.r.setCSR(0, csr0INIT)
	if !hal.Spin(idonSpin, func() bool { return d.r.csr(0)&csr0IDON != 0 }) {
		d.log.Error("pcnet:init:idon-timeout", slog.Uint64("csr0", uint64(d.r.csr(0))))
		return errInitTimeout
	}
	d.r.setCSR(0, csr0IDON)
	d.r.setCSR(0, csr0STRT|csr0IENA)
	d.started = true
	d.log.Info("pcnet:start:running", slog.Uint64("csr0", uint64(d.r.csr(0))))
	return nil
}

func (d *Device) alloc() (err error) {
	if d.rxRing, err = d.dma.Alloc(rxCount*sizeDesc, 16); err != nil {
		return err
	}
	if d.txRing, err = d.dma.Alloc(txCount*sizeDesc, 16); err != nil {
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
	d.init, err = d.dma.Alloc(sizeInitBlock, 16)
	return err
}

// giveRx hands RX slot i back to the chip. OWN is written last.
func (d *Device) giveRx(i int) {
	desc := d.rxRing.Buf[i*sizeDesc:]
	binary.LittleEndian.PutUint32(desc[0:], uint32(d.rxBufs[i].Phys))
	binary.LittleEndian.PutUint32(desc[8:], 0)
	binary.LittleEndian.PutUint32(desc[4:], dOWN|bcnt(drivers.BufSize))
}

// SendFrame copies frame into the next TX slot and demands transmission.
func (d *Device) SendFrame(frame []byte) error {
	if !d.started {
		return drivers.ErrNotStarted
	} else if err := drivers.CheckSend(frame, drivers.BufSize); err != nil {
		d.stats.TxErrors++
		return err
	}
	desc := d.txRing.Buf[d.txNext*sizeDesc:]
	owned := func() bool { return binary.LittleEndian.Uint32(desc[4:])&dOWN != 0 }
	if owned() && !hal.Spin(drivers.TxSpin, func() bool { return !owned() }) {
		d.stats.TxErrors++
		d.log.Warn("pcnet:send:busy", slog.Int("slot", d.txNext))
		return drivers.ErrTxBusy
	}
	if binary.LittleEndian.Uint32(desc[4:])&dERR != 0 {
		d.stats.TxErrors++
		d.log.Debug("pcnet:send:prev-error", slog.Uint64("tmd2", uint64(binary.LittleEndian.Uint32(desc[8:]))))
	}
	n := copy(d.txBufs[d.txNext].Buf, frame)
	binary.LittleEndian.PutUint32(desc[8:], 0)
	binary.LittleEndian.PutUint32(desc[4:], dOWN|dFCS|dSTP|dENP|bcnt(n))
	d.txNext = (d.txNext + 1) % txCount
	d.r.setCSR(0, csr0TDMD|csr0IENA)
	d.stats.TxFrames++
	return nil
}

// Poll drains completed RX descriptors in ring order and returns how many
// frames were delivered. A descriptor still owned by the chip ends the walk.
func (d *Device) Poll() int {
	if !d.started {
		return 0
	}
	delivered := 0
	for range rxCount {
		desc := d.rxRing.Buf[d.rxNext*sizeDesc:]
		status := binary.LittleEndian.Uint32(desc[4:])
		if status&dOWN != 0 {
			break
		}
		mcnt := int(binary.LittleEndian.Uint32(desc[8:]) & 0x0fff)
		switch {
		case status&dERR != 0 || status&(dSTP|dENP) != dSTP|dENP || mcnt < drivers.MinFrame+sizeFCS:
			d.stats.RxErrors++
			d.log.Debug("pcnet:rx:bad-desc", slog.Uint64("rmd1", uint64(status)), slog.Int("mcnt", mcnt))
		default:
			d.stats.RxFrames++
			delivered++
			if d.rx != nil {
				d.rx(d.rxBufs[d.rxNext].Buf[:mcnt-sizeFCS])
			}
		}
		d.giveRx(d.rxNext)
		d.rxNext = (d.rxNext + 1) % rxCount
	}
	return delivered
}

// HandleIRQ acknowledges the interrupt causes in CSR0 and drains the RX
// ring. Writing the cause bits back while keeping IENA set is what lowers
// the level triggered line.
func (d *Device) HandleIRQ() {
	csr0 := d.r.csr(0)
	if csr0&csr0INTR == 0 {
		return
	}
	d.r.setCSR(0, csr0&csr0Ack|csr0IENA)
	if csr0&(csr0MISS|csr0MERR|csr0BABL) != 0 {
		d.stats.RxErrors++
		d.log.Warn("pcnet:irq:error", slog.Uint64("csr0", uint64(csr0)))
	}
	if csr0&csr0RINT != 0 {
		d.Poll()
	}
}

// Stop halts the chip. Rings stay allocated for a later Start.
func (d *Device) Stop() {
	d.r.setCSR(0, csr0STOP)
	d.started = false
}
