// Package virtionet drives a VirtIO network device over either PCI transport.
package virtionet

import (
	"encoding/binary"
	"log/slog"

	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/drivers/virtio"
	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/pci"
)

const (
	DeviceTransitional = 0x1000
	DeviceModern       = 0x1041
)

// Network device feature bits.
const (
	FeatureMAC    uint64 = 1 << 5
	FeatureStatus uint64 = 1 << 16
)

const (
	queueRX = 0
	queueTX = 1

	hdrLegacy = 10
	hdrModern = 12 // num_buffers follows the legacy header

	statusLinkUp = 1

	wantQueueSize = 64
	bufSize       = hdrModern + drivers.BufSize
)

// Device is a virtio-net function. Calls must be serialised by the owner.
type Device struct {
	t        virtio.Transport
	log      internal.Logger
	dma      hal.DMA
	features uint64
	hdrLen   int
	mac      [6]byte
	irq      uint8
	started  bool

	rxq    *virtio.Queue
	txq    *virtio.Queue
	txFree []hal.Region

	rx    drivers.RxHandler
	stats drivers.Stats
}

// Probe selects the modern transport when the device exposes its
// capabilities and a mapper is available, and the legacy port window at
// BAR0 otherwise. MAC and STATUS must be offered or the device is refused.
func Probe(dev *pci.Device, env drivers.Env) (*Device, error) {
	if dev.Vendor != virtio.VendorID || (dev.DeviceID != DeviceTransitional && dev.DeviceID != DeviceModern) {
		return nil, drivers.ErrWrongDevice
	}
	d := &Device{
		log: internal.Logger{Log: env.Logger},
		dma: env.DMA,
		irq: dev.IRQLine,
	}
	var err error
	if env.Mapper != nil {
		var mt *virtio.ModernTransport
		mt, err = virtio.NewModern(dev, env.Mapper)
		if err == nil {
			d.t = mt
		}
	}
	if d.t == nil {
		bar, berr := dev.BAR(0)
		if berr != nil || bar.Kind != pci.BARIO || env.IO == nil {
			if err == nil {
				err = drivers.ErrNoBAR
			}
			d.log.Error("virtionet:probe:no-transport", slog.String("err", err.Error()))
			return nil, err
		}
		d.t = virtio.NewLegacy(hal.PortMMIO{IO: env.IO, Base: uint16(bar.Addr)})
	}
	dev.EnableBusMaster()

	d.features, err = virtio.Negotiate(d.t, FeatureMAC|FeatureStatus, 0)
	if err != nil {
		d.log.Error("virtionet:probe:features", slog.String("err", err.Error()))
		return nil, err
	}
	d.hdrLen = hdrLegacy
	if d.features&virtio.FeatureVersion1 != 0 {
		d.hdrLen = hdrModern
	}
	var cfg [6]byte
	if err := d.t.ReadConfig(0, cfg[:]); err != nil {
		return nil, err
	}
	d.mac, _ = drivers.PickMAC(d.log, "virtionet", cfg, [6]byte{}, env.Seed)
	d.log.Info("virtionet:probe:ok",
		slog.Bool("legacy", d.t.Legacy()),
		slog.Uint64("features", d.features),
		internal.SlogMAC("mac", &d.mac),
	)
	return d, nil
}

func (d *Device) Kind() string                     { return "virtio-net" }
func (d *Device) HardwareAddr() [6]byte            { return d.mac }
func (d *Device) IRQ() uint8                       { return d.irq }
func (d *Device) Stats() drivers.Stats             { return d.stats }
func (d *Device) SetRxHandler(h drivers.RxHandler) { d.rx = h }

// Start sets up both queues, fills the RX queue and sets DRIVER_OK.
func (d *Device) Start() error {
	if d.started {
		return nil
	}
	var err error
	if d.rxq, err = virtio.OpenQueue(d.t, d.dma, queueRX, wantQueueSize); err != nil {
		return d.fail("rx-queue", err)
	}
	if d.txq, err = virtio.OpenQueue(d.t, d.dma, queueTX, wantQueueSize); err != nil {
		return d.fail("tx-queue", err)
	}
	for range d.rxq.Size() {
		buf, err := d.dma.Alloc(bufSize, 16)
		if err != nil {
			return d.fail("rx-alloc", err)
		}
		if _, err := d.rxq.AddBuf(buf, bufSize, true, false); err != nil {
			return d.fail("rx-fill", err)
		}
	}
	d.txFree = make([]hal.Region, 0, d.txq.Size())
	for range d.txq.Size() {
		buf, err := d.dma.Alloc(bufSize, 16)
		if err != nil {
			return d.fail("tx-alloc", err)
		}
		d.txFree = append(d.txFree, buf)
	}
	virtio.DriverOK(d.t)
	d.t.Notify(queueRX)
	d.started = true
	d.log.Info("virtionet:start:running", slog.Int("rxq", int(d.rxq.Size())), slog.Int("txq", int(d.txq.Size())))
	return nil
}

func (d *Device) fail(what string, err error) error {
	d.t.SetStatus(virtio.StatusFailed)
	d.log.Error("virtionet:start:"+what, slog.String("err", err.Error()))
	return err
}

// reclaimTx returns completed TX buffers to the free pool.
func (d *Device) reclaimTx() {
	for {
		buf, _, ok := d.txq.GetUsed()
		if !ok {
			return
		}
		d.txFree = append(d.txFree, buf)
	}
}

// SendFrame prepends a zeroed net header in the same buffer, adds it to the
// TX queue and notifies the device.
func (d *Device) SendFrame(frame []byte) error {
	if !d.started {
		return drivers.ErrNotStarted
	} else if err := drivers.CheckSend(frame, drivers.BufSize); err != nil {
		d.stats.TxErrors++
		return err
	}
	d.reclaimTx()
	if len(d.txFree) == 0 && !hal.Spin(drivers.TxSpin, func() bool { d.reclaimTx(); return len(d.txFree) > 0 }) {
		d.stats.TxErrors++
		d.log.Warn("virtionet:send:queue-full")
		return drivers.ErrTxBusy
	}
	buf := d.txFree[len(d.txFree)-1]
	d.txFree = d.txFree[:len(d.txFree)-1]
	clear(buf.Buf[:d.hdrLen])
	n := d.hdrLen + copy(buf.Buf[d.hdrLen:], frame)
	if _, err := d.txq.AddBuf(buf, n, false, false); err != nil {
		d.txFree = append(d.txFree, buf)
		d.stats.TxErrors++
		return err
	}
	if d.txq.NeedsNotify() {
		d.t.Notify(queueTX)
	}
	d.stats.TxFrames++
	return nil
}

// Poll strips the net header from each used RX buffer, hands the frame up
// and reposts the buffer. TX completions are reclaimed as well.
func (d *Device) Poll() int {
	if !d.started {
		return 0
	}
	delivered, reposted := 0, 0
	for {
		buf, n, ok := d.rxq.GetUsed()
		if !ok {
			break
		}
		switch {
		case int(n) < d.hdrLen+drivers.MinFrame || int(n) > len(buf.Buf):
			d.stats.RxErrors++
			d.log.Debug("virtionet:rx:bad-len", slog.Uint64("len", uint64(n)))
		default:
			d.stats.RxFrames++
			delivered++
			if d.rx != nil {
				d.rx(buf.Buf[d.hdrLen:n])
			}
		}
		if _, err := d.rxq.AddBuf(buf, len(buf.Buf), true, false); err == nil {
			reposted++
		}
	}
	if reposted > 0 && d.rxq.NeedsNotify() {
		d.t.Notify(queueRX)
	}
	d.reclaimTx()
	return delivered
}

// HandleIRQ reads the ISR, which acknowledges the interrupt, then services the queues.
func (d *Device) HandleIRQ() {
	isr := d.t.ISR()
	if isr&virtio.ISRConfig != 0 {
		d.log.Info("virtionet:irq:config-change", slog.Bool("link", d.LinkUp()))
	}
	if isr&virtio.ISRQueue != 0 {
		d.Poll()
	}
}

// LinkUp reads the status field of the device config. Without STATUS the link is assumed up.
func (d *Device) LinkUp() bool {
	if d.features&FeatureStatus == 0 {
		return true
	}
	var st [2]byte
	if err := d.t.ReadConfig(6, st[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint16(st[:])&statusLinkUp != 0
}
