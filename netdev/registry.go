package netdev

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/ethernet"
	"github.com/hobbyos/knet/internal"
)

// Registry owns the interfaces in registration order. The first
// registered interface is the default.
type Registry struct {
	mu     sync.RWMutex
	ifaces []*Interface
	log    internal.Logger
}

// NewRegistry returns an empty registry logging to logger, which may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{log: internal.Logger{Log: logger}}
}

// Register appends an interface bound to drv. Counters start at zero and
// the interface starts DOWN.
func (r *Registry) Register(name string, drv Driver) (*Interface, error) {
	if len(name) == 0 || len(name) > MaxNameLen {
		return nil, errNameLen
	} else if drv == nil {
		return nil, errNilDriver
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ifc := range r.ifaces {
		if ifc.name == name {
			return nil, errDuplicateName
		}
	}
	ifc := &Interface{
		name:  name,
		index: len(r.ifaces),
		mac:   drv.HardwareAddr(),
		drv:   drv,
		log:   r.log,
		flags: FlagDown,
	}
	r.ifaces = append(r.ifaces, ifc)
	r.log.Info("netdev:register",
		slog.String("iface", name),
		slog.String("driver", drv.Kind()),
		internal.SlogMAC("mac", &ifc.mac),
	)
	return ifc, nil
}

// Default returns the first registered interface or nil.
func (r *Registry) Default() *Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ifaces) == 0 {
		return nil
	}
	return r.ifaces[0]
}

// ByName returns the interface with exactly the given name or nil.
func (r *Registry) ByName(name string) *Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ifc := range r.ifaces {
		if ifc.name == name {
			return ifc
		}
	}
	return nil
}

// ByIndex returns the interface with the given registration index or nil.
func (r *Registry) ByIndex(idx int) *Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || idx >= len(r.ifaces) {
		return nil
	}
	return r.ifaces[idx]
}

// Interfaces returns the interfaces in registration order.
func (r *Registry) Interfaces() []*Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Interface(nil), r.ifaces...)
}

// WriteIPConfig writes the ipconfig report for every interface in
// registration order. The output depends only on interface state.
func (r *Registry) WriteIPConfig(w io.Writer) error {
	for _, ifc := range r.Interfaces() {
		if err := ifc.WriteIPConfig(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteIPConfig writes the report block for a single interface.
func (ifc *Interface) WriteIPConfig(w io.Writer) error {
	c := ifc.Counters()
	_, err := fmt.Fprintf(w,
		"%s: flags=%s driver=%s\n"+
			"\tether %s\n"+
			"\tinet %s netmask %s\n"+
			"\tgateway %s dns %s\n"+
			"\tRX packets %d bytes %d\n"+
			"\tTX packets %d bytes %d\n"+
			"\terrors %d\n",
		ifc.name, ifc.Flags(), ifc.drv.Kind(),
		ethernet.AddrString(ifc.mac),
		addrOrUnset(ifc.addr), addrOrUnset(ifc.netmask),
		addrOrUnset(ifc.gateway), addrOrUnset(ifc.dns),
		c.RxPackets, c.RxBytes,
		c.TxPackets, c.TxBytes,
		c.Errors,
	)
	return err
}

func addrOrUnset(addr [4]byte) string {
	if knet.IsZero4(addr) {
		return "unset"
	}
	return knet.AddrFrom4(addr).String()
}
