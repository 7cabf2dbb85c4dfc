package ipv4

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/gaissmai/bart"
	"github.com/hobbyos/knet"
)

// MaxRoutes is the capacity of a routing [Table].
const MaxRoutes = 8

var errBadMask = errors.New("ipv4: non-contiguous netmask")

// Route is an entry of the routing table. A zero Gateway means the network is
// directly attached to the interface.
type Route struct {
	Network [4]byte
	Netmask [4]byte
	Gateway [4]byte
	// IfIndex identifies the egress interface.
	IfIndex int
	Active  bool
}

// IsDirect reports whether destinations in the route are reached without a gateway.
func (r Route) IsDirect() bool { return knet.IsZero4(r.Gateway) }

// Prefix returns the route's network as a prefix.
func (r Route) Prefix() netip.Prefix {
	bits, _ := knet.MaskBits(r.Netmask)
	return netip.PrefixFrom(netip.AddrFrom4(r.Network), bits)
}

func (r Route) String() string {
	if r.IsDirect() {
		return fmt.Sprintf("%s direct if%d", r.Prefix(), r.IfIndex)
	}
	return fmt.Sprintf("%s via %s if%d", r.Prefix(), netip.AddrFrom4(r.Gateway), r.IfIndex)
}

// Table is a small longest-prefix-match routing table. The fixed array is the
// source of truth; a bart index over the active entries answers lookups and is
// rebuilt on every mutation.
type Table struct {
	entries [MaxRoutes]Route
	lpm     *bart.Table[uint8]
}

// Add installs r. An active route with the same network and netmask is
// replaced in place. Returns [knet.ErrExhausted] when the table is full.
func (t *Table) Add(r Route) error {
	if _, ok := knet.MaskBits(r.Netmask); !ok {
		return errBadMask
	}
	r.Network = andMask(r.Network, r.Netmask)
	r.Active = true
	slot := -1
	for i := range t.entries {
		e := &t.entries[i]
		if e.Active && e.Network == r.Network && e.Netmask == r.Netmask {
			slot = i
			break
		} else if !e.Active && slot < 0 {
			slot = i
		}
	}
	if slot < 0 {
		return knet.ErrExhausted
	}
	t.entries[slot] = r
	t.rebuild()
	return nil
}

// Remove deletes the route for network/netmask and reports whether it existed.
func (t *Table) Remove(network, netmask [4]byte) bool {
	network = andMask(network, netmask)
	for i := range t.entries {
		e := &t.entries[i]
		if e.Active && e.Network == network && e.Netmask == netmask {
			*e = Route{}
			t.rebuild()
			return true
		}
	}
	return false
}

// RemoveInterface deletes all routes through interface ifIndex and returns how many were removed.
func (t *Table) RemoveInterface(ifIndex int) (n int) {
	for i := range t.entries {
		if t.entries[i].Active && t.entries[i].IfIndex == ifIndex {
			t.entries[i] = Route{}
			n++
		}
	}
	if n > 0 {
		t.rebuild()
	}
	return n
}

// Lookup returns the active route with the longest netmask whose network contains dst.
func (t *Table) Lookup(dst [4]byte) (Route, bool) {
	if t.lpm == nil {
		return Route{}, false
	}
	idx, ok := t.lpm.Lookup(netip.AddrFrom4(dst))
	if !ok {
		return Route{}, false
	}
	return t.entries[idx], true
}

// NextHop returns the address to resolve at the link layer to reach dst and
// the egress interface. For direct routes hop is dst itself.
func (t *Table) NextHop(dst [4]byte) (hop [4]byte, ifIndex int, err error) {
	r, ok := t.Lookup(dst)
	if !ok {
		return hop, 0, knet.ErrNoRoute
	}
	if r.IsDirect() {
		return dst, r.IfIndex, nil
	}
	return r.Gateway, r.IfIndex, nil
}

// Routes returns the active routes in slot order.
func (t *Table) Routes() []Route {
	var routes []Route
	for _, e := range t.entries {
		if e.Active {
			routes = append(routes, e)
		}
	}
	return routes
}

// Len returns the number of active routes.
func (t *Table) Len() (n int) {
	for i := range t.entries {
		if t.entries[i].Active {
			n++
		}
	}
	return n
}

func (t *Table) rebuild() {
	lpm := new(bart.Table[uint8])
	for i, e := range t.entries {
		if e.Active {
			lpm.Insert(e.Prefix(), uint8(i))
		}
	}
	t.lpm = lpm
}

func andMask(addr, mask [4]byte) [4]byte {
	return knet.Addr4FromU32(knet.U32FromAddr4(addr) & knet.U32FromAddr4(mask))
}
