// Package tapnic is a NIC driver over a host TAP device. It lets the whole
// stack run as an ordinary Linux process: frames written by the kernel side
// of the TAP are delivered as received frames, and sends are written back.
package tapnic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/internal"
)

// Port is the host side of the link, such as a *tap.Device.
type Port interface {
	// ReadTimeout returns 0 and a nil error when no frame arrived within timeout.
	ReadTimeout(b []byte, timeout time.Duration) (int, error)
	Write(b []byte) (int, error)
}

type Config struct {
	// MAC is the station address. A zero or invalid address is fabricated from Seed.
	MAC    [6]byte
	Seed   uint32
	Logger *slog.Logger
}

type Driver struct {
	port    Port
	mac     [6]byte
	log     internal.Logger
	started atomic.Bool
	rx      drivers.RxHandler

	rxmu sync.Mutex
	buf  [drivers.BufSize]byte

	rxFrames, txFrames, rxErrors, txErrors atomic.Uint64
}

func New(port Port, cfg Config) *Driver {
	d := &Driver{port: port, log: internal.Logger{Log: cfg.Logger}}
	d.mac, _ = drivers.PickMAC(d.log, "tapnic", cfg.MAC, [6]byte{}, cfg.Seed)
	return d
}

func (d *Driver) Kind() string          { return "tap" }
func (d *Driver) HardwareAddr() [6]byte { return d.mac }
func (d *Driver) LinkUp() bool          { return d.started.Load() }

// SetRxHandler must be called before Start.
func (d *Driver) SetRxHandler(h drivers.RxHandler) { d.rx = h }

func (d *Driver) Start() error {
	d.started.Store(true)
	d.log.Info("tapnic:start", internal.SlogMAC("mac", &d.mac))
	return nil
}

func (d *Driver) SendFrame(frame []byte) error {
	if !d.started.Load() {
		return drivers.ErrNotStarted
	}
	if err := drivers.CheckSend(frame, knet.MaxFrameSize); err != nil {
		d.txErrors.Add(1)
		return err
	}
	n, err := d.port.Write(frame)
	if err == nil && n != len(frame) {
		err = drivers.ErrFrameSize
	}
	if err != nil {
		d.txErrors.Add(1)
		d.log.Warn("tapnic:send", slog.String("err", err.Error()))
		return err
	}
	d.txFrames.Add(1)
	return nil
}

// Poll delivers every frame already waiting on the port.
func (d *Driver) Poll() (n int) {
	for {
		got, err := d.receive(0)
		if err != nil || !got {
			return n
		}
		n++
	}
}

// HandleIRQ has no interrupt to acknowledge; it polls.
func (d *Driver) HandleIRQ() { d.Poll() }

// Pump delivers frames as they arrive until ctx is done. wait bounds how long
// a single read blocks, and so how quickly cancellation is observed.
func (d *Driver) Pump(ctx context.Context, wait time.Duration) error {
	for ctx.Err() == nil {
		if _, err := d.receive(wait); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (d *Driver) receive(wait time.Duration) (bool, error) {
	d.rxmu.Lock()
	defer d.rxmu.Unlock()
	n, err := d.port.ReadTimeout(d.buf[:], wait)
	if err != nil {
		d.rxErrors.Add(1)
		return false, err
	} else if n == 0 {
		return false, nil
	}
	if !d.started.Load() || n < drivers.MinFrame {
		d.rxErrors.Add(1)
		return true, nil
	}
	d.rxFrames.Add(1)
	if d.rx != nil {
		d.rx(d.buf[:n])
	}
	return true, nil
}

func (d *Driver) Stats() drivers.Stats {
	return drivers.Stats{
		RxFrames: d.rxFrames.Load(),
		TxFrames: d.txFrames.Load(),
		RxErrors: d.rxErrors.Load(),
		TxErrors: d.txErrors.Load(),
	}
}
