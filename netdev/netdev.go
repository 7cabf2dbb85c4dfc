// Package netdev binds NIC drivers to the stack. It holds the interface
// records, their registry, per-interface configuration files and the
// ipconfig report.
package netdev

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/internal"
)

// MaxNameLen is the longest accepted interface name.
const MaxNameLen = 15

var (
	errNameLen       = errors.New("netdev: interface name must be 1..15 characters")
	errDuplicateName = errors.New("netdev: interface name already registered")
	errNilDriver     = errors.New("netdev: nil driver")
)

// Driver is the capability set every NIC driver provides.
type Driver interface {
	Kind() string
	HardwareAddr() [6]byte
	Start() error
	SendFrame(frame []byte) error
	// Poll services the receive ring and returns the number of frames delivered.
	Poll() int
	HandleIRQ()
	SetRxHandler(h drivers.RxHandler)
}

// Optional driver capabilities.
type (
	linkReporter  interface{ LinkUp() bool }
	promiscSetter interface{ SetPromiscuous(on bool) }
	statsReporter interface{ Stats() drivers.Stats }
)

// Flags is the interface flag set.
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagDown
	FlagPromisc
	FlagDHCP
	FlagRunning
)

var flagNames = [...]string{"UP", "DOWN", "PROMISC", "DHCP", "RUNNING"}

func (f Flags) String() string {
	if f == 0 {
		return "NONE"
	}
	var b strings.Builder
	for i, name := range flagNames {
		if f&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
	}
	return b.String()
}

// Counters is a snapshot of interface statistics.
type Counters struct {
	TxPackets uint64
	RxPackets uint64
	TxBytes   uint64
	RxBytes   uint64
	Errors    uint64
}

type counters struct {
	txPackets, rxPackets atomic.Uint64
	txBytes, rxBytes     atomic.Uint64
	errors               atomic.Uint64
}

// Interface is a registered network interface. The hardware address is
// fixed at registration; IP fields change through [Interface.SetConfig].
// Methods other than the counters are not safe for concurrent use and are
// serialised by the stack lock.
type Interface struct {
	name  string
	index int
	mac   [6]byte
	drv   Driver
	log   internal.Logger

	flags   Flags
	addr    [4]byte
	netmask [4]byte
	gateway [4]byte
	dns     [4]byte

	ctr counters
}

func (ifc *Interface) Name() string          { return ifc.name }
func (ifc *Interface) Index() int            { return ifc.index }
func (ifc *Interface) HardwareAddr() [6]byte { return ifc.mac }
func (ifc *Interface) Driver() Driver        { return ifc.drv }
func (ifc *Interface) Addr() [4]byte         { return ifc.addr }
func (ifc *Interface) Netmask() [4]byte      { return ifc.netmask }
func (ifc *Interface) Gateway() [4]byte      { return ifc.gateway }
func (ifc *Interface) DNS() [4]byte          { return ifc.dns }

// Flags returns the flag set, with RUNNING reflecting the driver link state
// when the driver can report it.
func (ifc *Interface) Flags() Flags {
	f := ifc.flags &^ FlagRunning
	if f&FlagUp != 0 && ifc.linkUp() {
		f |= FlagRunning
	}
	return f
}

func (ifc *Interface) linkUp() bool {
	if lr, ok := ifc.drv.(linkReporter); ok {
		return lr.LinkUp()
	}
	return true
}

// IsUp reports whether the interface was brought up.
func (ifc *Interface) IsUp() bool { return ifc.flags&FlagUp != 0 }

// Up starts the driver and marks the interface UP.
func (ifc *Interface) Up() error {
	if ifc.IsUp() {
		return nil
	}
	if err := ifc.drv.Start(); err != nil {
		ifc.log.Error("netdev:up:driver", slog.String("iface", ifc.name), slog.String("err", err.Error()))
		return err
	}
	ifc.flags = ifc.flags&^FlagDown | FlagUp
	ifc.log.Info("netdev:up", slog.String("iface", ifc.name), slog.String("driver", ifc.drv.Kind()))
	return nil
}

// Down marks the interface DOWN. Frames are no longer sent; the driver keeps its rings.
func (ifc *Interface) Down() {
	ifc.flags = ifc.flags&^FlagUp | FlagDown
}

// SetPromiscuous toggles promiscuous receive on drivers that support it.
func (ifc *Interface) SetPromiscuous(on bool) error {
	ps, ok := ifc.drv.(promiscSetter)
	if !ok {
		return knet.ErrUnsupported
	}
	ps.SetPromiscuous(on)
	if on {
		ifc.flags |= FlagPromisc
	} else {
		ifc.flags &^= FlagPromisc
	}
	return nil
}

// Config returns the current IPv4 configuration.
func (ifc *Interface) Config() Config {
	return Config{
		DHCP:    ifc.flags&FlagDHCP != 0,
		Addr:    ifc.addr,
		Netmask: ifc.netmask,
		Gateway: ifc.gateway,
		DNS:     ifc.dns,
	}
}

// SetConfig replaces the IPv4 configuration. A zero field means unset.
func (ifc *Interface) SetConfig(cfg Config) error {
	if _, ok := knet.MaskBits(cfg.Netmask); !ok {
		return fmt.Errorf("netdev: netmask %v: %w", knet.AddrFrom4(cfg.Netmask), knet.ErrInvalidConfig)
	}
	ifc.addr, ifc.netmask, ifc.gateway, ifc.dns = cfg.Addr, cfg.Netmask, cfg.Gateway, cfg.DNS
	if cfg.DHCP {
		ifc.flags |= FlagDHCP
	} else {
		ifc.flags &^= FlagDHCP
	}
	ifc.log.Info("netdev:config",
		slog.String("iface", ifc.name),
		slog.Bool("dhcp", cfg.DHCP),
		internal.SlogAddr4("ip", &ifc.addr),
		internal.SlogAddr4("mask", &ifc.netmask),
		internal.SlogAddr4("gw", &ifc.gateway),
	)
	return nil
}

// Network returns the address masked by the netmask.
func (ifc *Interface) Network() [4]byte {
	return knet.Addr4FromU32(knet.U32FromAddr4(ifc.addr) & knet.U32FromAddr4(ifc.netmask))
}

// SendFrame is the single send path from L3. It validates the length,
// calls the driver and updates counters.
func (ifc *Interface) SendFrame(frame []byte) error {
	if !ifc.IsUp() {
		return knet.ErrInterfaceDown
	}
	if len(frame) < knet.SizeHeaderEthernet || len(frame) > knet.MaxFrameSize {
		ifc.ctr.errors.Add(1)
		return drivers.ErrFrameSize
	}
	if err := ifc.drv.SendFrame(frame); err != nil {
		ifc.ctr.errors.Add(1)
		ifc.log.Debug("netdev:send:driver", slog.String("iface", ifc.name), slog.String("err", err.Error()))
		return err
	}
	ifc.ctr.txPackets.Add(1)
	ifc.ctr.txBytes.Add(uint64(len(frame)))
	return nil
}

// CountRx records a frame handed up by the driver.
func (ifc *Interface) CountRx(n int) {
	ifc.ctr.rxPackets.Add(1)
	ifc.ctr.rxBytes.Add(uint64(n))
}

// CountError records a dropped frame.
func (ifc *Interface) CountError() { ifc.ctr.errors.Add(1) }

// Counters returns a snapshot of the interface counters.
func (ifc *Interface) Counters() Counters {
	return Counters{
		TxPackets: ifc.ctr.txPackets.Load(),
		RxPackets: ifc.ctr.rxPackets.Load(),
		TxBytes:   ifc.ctr.txBytes.Load(),
		RxBytes:   ifc.ctr.rxBytes.Load(),
		Errors:    ifc.ctr.errors.Load(),
	}
}

// DriverStats returns the driver's own counters when it keeps them.
func (ifc *Interface) DriverStats() (drivers.Stats, bool) {
	if sr, ok := ifc.drv.(statsReporter); ok {
		return sr.Stats(), true
	}
	return drivers.Stats{}, false
}
