package netstack

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/netip"
	"time"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/dhcpv4"
	"github.com/hobbyos/knet/dns"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/ipv4"
	"github.com/hobbyos/knet/ipv4/icmpv4"
	"github.com/hobbyos/knet/netdev"
	"github.com/hobbyos/knet/udp"
)

const (
	dhcpWait    = 20 * time.Second
	resolveWait = 3 * time.Second
	dnsWait     = 6 * time.Second
)

var errDHCPNak = errors.New("netstack: DHCP request refused by server")

// Up starts the interface's driver and marks it UP.
func (s *Stack) Up(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.link(iface)
	if err != nil {
		return err
	}
	return l.ifc.Up()
}

// ApplyConfig brings the interface up and installs cfg. A DHCP configuration
// starts the DHCP client instead; see [Stack.DHCP] to wait for the lease.
func (s *Stack) ApplyConfig(iface string, cfg netdev.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.link(iface)
	if err != nil {
		return err
	}
	if err = l.ifc.Up(); err != nil {
		return err
	}
	if cfg.DHCP {
		return s.startDHCP(l)
	}
	return s.configure(l, cfg)
}

// LoadConfig reads the interface's configuration file from fsys and applies it.
func (s *Stack) LoadConfig(fsys fs.FS, iface string) (netdev.Config, error) {
	cfg, err := netdev.LoadConfig(fsys, iface)
	if err != nil {
		s.log.Error("netstack:config:load", slog.String("iface", iface), slog.String("err", err.Error()))
		return cfg, err
	}
	return cfg, s.ApplyConfig(iface, cfg)
}

// configure writes cfg into the interface and replaces its routes with the
// attached network and, when a gateway is set, a default route.
func (s *Stack) configure(l *link, cfg netdev.Config) error {
	if err := l.ifc.SetConfig(cfg); err != nil {
		return err
	}
	l.arp.SetProtocolAddr(cfg.Addr)
	idx := l.ifc.Index()
	s.routes.RemoveInterface(idx)
	if knet.IsZero4(cfg.Addr) {
		return nil
	}
	err := s.routes.Add(ipv4.Route{Network: cfg.Addr, Netmask: cfg.Netmask, IfIndex: idx})
	if err == nil && !knet.IsZero4(cfg.Gateway) {
		err = s.routes.Add(ipv4.Route{Gateway: cfg.Gateway, IfIndex: idx})
	}
	if err != nil {
		s.log.Error("netstack:config:route", slog.String("iface", l.ifc.Name()), slog.String("err", err.Error()))
	}
	return err
}

//
// DHCP.
//

func (s *Stack) startDHCP(l *link) error {
	if l.dhcp.State() != dhcpv4.StateInit {
		l.dhcp.Abort()
	}
	l.dhcpErr = nil
	if err := s.configure(l, netdev.Config{DHCP: true}); err != nil {
		return err
	}
	xid := s.rng.Next32()
	if xid == 0 {
		xid = 1
	}
	if err := l.dhcp.Start(xid, s.clock.Ticks()); err != nil {
		return err
	}
	s.flushDHCP(l)
	return nil
}

// StartDHCP begins a DHCP exchange on an UP interface without waiting.
func (s *Stack) StartDHCP(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.link(iface)
	if err != nil {
		return err
	} else if !l.ifc.IsUp() {
		return knet.ErrInterfaceDown
	}
	return s.startDHCP(l)
}

// DHCPState returns the client state of the interface.
func (s *Stack) DHCPState(iface string) (dhcpv4.ClientState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.link(iface)
	if err != nil {
		return 0, err
	}
	return l.dhcp.State(), nil
}

// DHCP acquires a lease on iface, bringing it up first, and waits until the
// interface is configured or the exchange fails.
func (s *Stack) DHCP(ctx context.Context, iface string) (dhcpv4.Lease, error) {
	if err := s.ApplyConfig(iface, netdev.Config{DHCP: true}); err != nil {
		return dhcpv4.Lease{}, err
	}
	var lease dhcpv4.Lease
	err := s.wait(ctx, dhcpWait, func() (bool, error) {
		l, _ := s.link(iface)
		var ok bool
		lease, ok = l.dhcp.Lease()
		return ok, l.dhcpErr
	})
	if err != nil {
		s.mu.Lock()
		if l, _ := s.link(iface); l != nil && l.dhcp.State() != dhcpv4.StateBound {
			l.dhcp.Abort()
		}
		s.mu.Unlock()
	}
	return lease, err
}

// ReleaseDHCP gives the lease back to the server and clears the interface configuration.
func (s *Stack) ReleaseDHCP(iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.link(iface)
	if err != nil {
		return err
	}
	if err = l.dhcp.Release(); err != nil {
		return err
	}
	s.flushDHCP(l)
	return s.configure(l, netdev.Config{})
}

// flushDHCP sends the client's pending message. DHCP always broadcasts from
// the interface address, which is zero until bound.
func (s *Stack) flushDHCP(l *link) {
	if !l.ifc.IsUp() {
		return
	}
	n, err := l.dhcp.Encapsulate(s.udpPayload(), s.clock.Ticks())
	if n == 0 || err != nil {
		return
	}
	src := l.ifc.Addr()
	dgram := s.putUDP(src, knet.Broadcast4, udp.PortDHCPClient, udp.PortDHCPServer, n)
	err = s.transmitIPv4(l, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, knet.IPProtoUDP, src, knet.Broadcast4, dgram)
	if err != nil {
		s.log.Warn("netstack:dhcp:send", slog.String("iface", l.ifc.Name()), slog.String("err", err.Error()))
	}
}

func (s *Stack) handleDHCP(src, dst [4]byte, sport, dport uint16, payload []byte) error {
	l := s.rxLnk
	if l == nil || sport != udp.PortDHCPServer {
		return nil
	}
	ev, err := l.dhcp.Demux(payload)
	if err != nil {
		s.log.Debug("netstack:dhcp:ignored", slog.String("err", err.Error()))
		return nil
	}
	switch ev {
	case dhcpv4.EventOffer:
		s.flushDHCP(l)
	case dhcpv4.EventBound:
		lease, _ := l.dhcp.Lease()
		if knet.IsZero4(lease.Netmask) {
			lease.Netmask = knet.MaskFromBits(24)
		}
		return s.configure(l, netdev.Config{
			DHCP:    true,
			Addr:    lease.Addr,
			Netmask: lease.Netmask,
			Gateway: lease.Router,
			DNS:     lease.DNS,
		})
	case dhcpv4.EventNak:
		l.dhcpErr = errDHCPNak
	}
	return nil
}

//
// Blocking helpers.
//

// wait polls the stack and evaluates cond under the lock until it reports
// done, returns an error, the timeout in clock ticks elapses or ctx ends.
func (s *Stack) wait(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	backoff := internal.NewBackoff(internal.BackoffTCPConn, s.sleep)
	deadline := s.clock.Ticks() + uint64(timeout.Milliseconds())
	for {
		progressed := s.Poll() > 0
		s.mu.Lock()
		done, err := cond()
		s.mu.Unlock()
		if done || err != nil {
			return err
		} else if err = ctx.Err(); err != nil {
			return err
		} else if s.clock.Ticks() >= deadline {
			return knet.ErrTimeout
		}
		if progressed {
			backoff.Hit()
		} else {
			backoff.Miss()
		}
	}
}

// ResolveHardwareAddr waits until the next hop towards dst is in the ARP cache.
func (s *Stack) ResolveHardwareAddr(ctx context.Context, dst [4]byte) ([6]byte, error) {
	var mac [6]byte
	err := s.wait(ctx, resolveWait, func() (bool, error) {
		var err error
		_, mac, _, err = s.nextHop(dst)
		if IsARPMiss(err) {
			return false, nil
		}
		return err == nil, err
	})
	return mac, err
}

// Ping sends one echo request with 56 bytes of data and waits for the reply.
func (s *Stack) Ping(ctx context.Context, dst netip.Addr, timeout time.Duration) (time.Duration, error) {
	if !dst.Is4() {
		return 0, knet.ErrInvalidAddr
	}
	d4 := dst.As4()
	if _, err := s.ResolveHardwareAddr(ctx, d4); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.pingSeq++
	var data [pingDataLen]byte
	for i := range data {
		data[i] = byte(i)
	}
	now := s.clock.Ticks()
	err := s.pinger.Start(s.pingID, s.pingSeq, now)
	if err == nil {
		var n int
		n, err = icmpv4.PutEcho(s.l4buf[:], icmpv4.TypeEcho, s.pingID, s.pingSeq, data[:])
		if err == nil {
			err = s.sendIPv4(knet.IPProtoICMP, [4]byte{}, d4, s.l4buf[:n])
		}
		if err != nil {
			s.pinger.Abort()
		}
	}
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	var rtt uint64
	err = s.wait(ctx, timeout+time.Second, func() (bool, error) {
		var done bool
		var err error
		rtt, done, err = s.pinger.Result(s.clock.Ticks(), uint64(timeout.Milliseconds()))
		if icmpv4.IsTimeout(err) {
			err = knet.ErrTimeout
		}
		return done, err
	})
	if err != nil {
		s.mu.Lock()
		s.pinger.Abort()
		s.mu.Unlock()
	}
	return time.Duration(rtt) * time.Millisecond, err
}

//
// DNS.
//

// dnsServer returns the first configured DNS server in registration order.
func (s *Stack) dnsServer() ([4]byte, bool) {
	for _, l := range s.links {
		if d := l.ifc.DNS(); !knet.IsZero4(d) && l.ifc.IsUp() {
			return d, true
		}
	}
	return [4]byte{}, false
}

// flushDNS sends the queued query once the server's next hop is resolved.
// Until then the query stays queued and the next tick retries.
func (s *Stack) flushDNS() {
	server, ok := s.dnsServer()
	if !ok || !s.resolver.IsPending() {
		return
	}
	if _, _, _, err := s.nextHop(server); err != nil {
		return
	}
	n, err := s.resolver.Encapsulate(s.udpPayload())
	if n == 0 || err != nil {
		return
	}
	err = s.sendUDP(server, s.rng.EphemeralPort(), udp.PortDNS, n)
	if err != nil {
		s.log.Warn("netstack:dns:send", slog.String("err", err.Error()))
	}
}

func (s *Stack) handleDNS(src, dst [4]byte, sport, dport uint16, payload []byte) error {
	if sport != udp.PortDNS {
		return nil
	}
	return s.resolver.Demux(payload, s.clock.Ticks())
}

// LookupHost resolves name to an IPv4 address, following CNAME chains the
// server includes in its answer.
func (s *Stack) LookupHost(ctx context.Context, name string) (netip.Addr, error) {
	ans, err := s.query(ctx, func(txid uint16, now uint64) (Answer, bool, error) {
		addr, hit, err := s.resolver.Resolve(name, txid, now)
		return Answer{Addr: addr}, hit, err
	})
	return netip.AddrFrom4(ans.Addr), err
}

// LookupAddr resolves addr to a host name with a PTR query.
func (s *Stack) LookupAddr(ctx context.Context, addr netip.Addr) (string, error) {
	if !addr.Is4() {
		return "", knet.ErrInvalidAddr
	}
	ans, err := s.query(ctx, func(txid uint16, now uint64) (Answer, bool, error) {
		name, hit, err := s.resolver.ResolveAddr(addr.As4(), txid, now)
		return Answer{Name: name}, hit, err
	})
	return ans.Name, err
}

// Answer is the result of a DNS lookup.
type Answer = dns.Answer

func (s *Stack) query(ctx context.Context, start func(txid uint16, now uint64) (Answer, bool, error)) (Answer, error) {
	s.mu.Lock()
	_, ok := s.dnsServer()
	if !ok {
		s.mu.Unlock()
		return Answer{}, errNoDNSServer
	}
	ans, hit, err := start(s.rng.Next16(), s.clock.Ticks())
	if err == nil && !hit {
		s.flushDNS()
	}
	s.mu.Unlock()
	if err != nil || hit {
		return ans, err
	}
	err = s.wait(ctx, dnsWait, func() (bool, error) {
		var done bool
		var err error
		ans, done, err = s.resolver.Result()
		return done, err
	})
	if err != nil {
		s.mu.Lock()
		if s.resolver.IsPending() {
			s.resolver.Abort()
		}
		s.mu.Unlock()
	}
	return ans, err
}
