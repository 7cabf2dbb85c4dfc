// Package netstack assembles drivers, interfaces and protocol handlers into
// a single explicitly constructed [Stack].
//
// Hardware interrupts only copy received frames into a bounded queue. All
// protocol processing happens when the queue is drained from thread context
// under the stack lock, so socket state has a single owner.
package netstack

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/arp"
	"github.com/hobbyos/knet/dhcpv4"
	"github.com/hobbyos/knet/dns"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/ipv4"
	"github.com/hobbyos/knet/ipv4/icmpv4"
	"github.com/hobbyos/knet/netdev"
	"github.com/hobbyos/knet/tcp"
	"github.com/hobbyos/knet/udp"
)

// Clock returns monotonic milliseconds.
type Clock interface {
	Ticks() uint64
}

// ClockFunc adapts a function to [Clock].
type ClockFunc func() uint64

func (f ClockFunc) Ticks() uint64 { return f() }

type monotonic struct{ start time.Time }

func (m monotonic) Ticks() uint64 { return uint64(time.Since(m.start).Milliseconds()) }

type Config struct {
	Logger *slog.Logger
	// Clock defaults to milliseconds since New.
	Clock Clock
	// Sleep is the yield primitive of blocking helpers. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// RxQueueLen bounds the frames buffered between interrupt and drain. Defaults to 64.
	RxQueueLen int
	// StrictACK rejects the off-by-one ACK tolerated in SYN-RECEIVED.
	StrictACK bool
	// DNSMinTTL is the lower bound in seconds of cached DNS records. Defaults to 60.
	DNSMinTTL uint32
	// Hostname is sent in DHCP requests.
	Hostname string
	// Seed drives transaction ids, IP ids and ephemeral ports. Zero uses the clock.
	Seed uint32
	// ISSKey keys the TCP initial sequence number generator. A random 32 byte key is used if empty.
	ISSKey []byte
	// UnreachablePerSecond limits ICMP port unreachable messages. Defaults to 10.
	UnreachablePerSecond float64
}

const (
	defaultRxQueueLen = 64
	arpCacheSize      = 32
	arpMaxAge         = 20 * 60 * 1000
	arpRetryInterval  = 1000
	pingDataLen       = 56
)

var (
	errNoInterface = errors.New("netstack: no such interface")
	errARPMiss     = errors.New("netstack: next hop unresolved, packet dropped")
	errNoDNSServer = errors.New("netstack: no DNS server configured")
	errTooLarge    = errors.New("netstack: payload exceeds MTU")
)

// IsARPMiss reports whether a send failed because the next hop's hardware
// address was unknown. A request was sent; the caller may retry.
func IsARPMiss(err error) bool { return errors.Is(err, errARPMiss) }

// link is the per-interface protocol state.
type link struct {
	ifc  *netdev.Interface
	arp  *arp.Handler
	dhcp *dhcpv4.Client
	// dhcpErr holds the outcome of the last DHCP attempt that ended without a lease.
	dhcpErr error
}

// Stack is the network stack. Its methods are safe for concurrent use; they
// serialise on one mutex. The only code running outside the mutex is the
// driver receive path, which enqueues frames.
type Stack struct {
	mu    sync.Mutex
	log   internal.Logger
	clock Clock
	sleep func(time.Duration)

	ifaces   *netdev.Registry
	links    []*link
	routes   ipv4.Table
	arpCache *arp.Cache

	udp      udp.Mux
	tcp      *tcp.Pool
	resolver *dns.Resolver
	pinger   icmpv4.Pinger
	pingID   uint16
	pingSeq  uint16
	hostname string

	rng   internal.Xorshift
	ipID  uint16
	rxq   chan *rxBuf
	free  chan *rxBuf
	rxLnk *link // interface of the frame being processed.

	unreach *rate.Limiter
	dropLog *rate.Limiter
	dropped atomic.Uint64

	l4buf [knet.MTU]byte
	txbuf [knet.MaxFrameSize]byte
}

// New returns a stack without interfaces.
func New(cfg Config) (*Stack, error) {
	if cfg.Clock == nil {
		cfg.Clock = monotonic{start: time.Now()}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.RxQueueLen <= 0 {
		cfg.RxQueueLen = defaultRxQueueLen
	}
	if cfg.DNSMinTTL == 0 {
		cfg.DNSMinTTL = dns.DefaultMinTTL
	}
	if cfg.UnreachablePerSecond <= 0 {
		cfg.UnreachablePerSecond = 10
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint32(time.Now().UnixNano())
	}
	key, err := issKey(cfg.ISSKey)
	if err != nil {
		return nil, err
	}
	iss, err := tcp.NewISSGenerator(key)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		log:      internal.Logger{Log: cfg.Logger},
		clock:    cfg.Clock,
		sleep:    cfg.Sleep,
		ifaces:   netdev.NewRegistry(cfg.Logger),
		arpCache: arp.NewCache(arpCacheSize, arpMaxAge),
		hostname: cfg.Hostname,
		rxq:      make(chan *rxBuf, cfg.RxQueueLen),
		free:     make(chan *rxBuf, cfg.RxQueueLen),
		unreach:  rate.NewLimiter(rate.Limit(cfg.UnreachablePerSecond), 1),
		dropLog:  rate.NewLimiter(rate.Limit(1), 5),
	}
	s.rng.Seed(cfg.Seed)
	s.ipID = s.rng.Next16()
	s.pingID = s.rng.Next16()
	for range cfg.RxQueueLen {
		s.free <- new(rxBuf)
	}
	s.tcp, err = tcp.NewPool(tcp.PoolConfig{
		StrictACK: cfg.StrictACK,
		ISS:       iss,
		Seed:      s.rng.Next32(),
		Sender:    tcpSender{s},
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.resolver = dns.NewResolver(dns.ResolverConfig{
		Cache:  dns.NewCache(32, cfg.DNSMinTTL),
		Logger: cfg.Logger,
	})
	if err = s.udp.Handle(udp.PortDHCPClient, false, udp.HandlerFunc(s.handleDHCP)); err != nil {
		return nil, err
	}
	if err = s.udp.Handle(udp.PortDNS, true, udp.HandlerFunc(s.handleDNS)); err != nil {
		return nil, err
	}
	return s, nil
}

// issKey returns key, or a fresh random BLAKE2s key when key is empty.
func issKey(key []byte) ([]byte, error) {
	if len(key) > 0 {
		return key, nil
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("netstack: iss key: %w", err)
	}
	return key, nil
}

// AddInterface registers an interface bound to drv and routes the driver's
// received frames into the stack's queue. The interface starts DOWN.
func (s *Stack) AddInterface(name string, drv netdev.Driver) (*netdev.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ifc, err := s.ifaces.Register(name, drv)
	if err != nil {
		return nil, err
	}
	mac := ifc.HardwareAddr()
	ah, err := arp.NewHandler(arp.HandlerConfig{
		HardwareAddr:    mac,
		Cache:           s.arpCache,
		RequestInterval: arpRetryInterval,
		Logger:          s.log.Log,
	})
	if err != nil {
		return nil, err
	}
	dc, err := dhcpv4.NewClient(dhcpv4.ClientConfig{
		HardwareAddr: mac,
		Hostname:     s.hostname,
		Logger:       s.log.Log,
	})
	if err != nil {
		return nil, err
	}
	l := &link{ifc: ifc, arp: ah, dhcp: dc}
	s.links = append(s.links, l)
	drv.SetRxHandler(func(frame []byte) { s.enqueue(l, frame) })
	return ifc, nil
}

// Interfaces returns the interface registry.
func (s *Stack) Interfaces() *netdev.Registry { return s.ifaces }

// WriteIPConfig writes the ipconfig report of every interface and the route table.
func (s *Stack) WriteIPConfig(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ifaces.WriteIPConfig(w); err != nil {
		return err
	}
	for _, r := range s.routes.Routes() {
		if _, err := fmt.Fprintf(w, "route %s\n", r.String()); err != nil {
			return err
		}
	}
	return nil
}

// Routes returns a copy of the active routes.
func (s *Stack) Routes() []ipv4.Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes.Routes()
}

// AddRoute installs a route. The egress interface must exist.
func (s *Stack) AddRoute(r ipv4.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ifaces.ByIndex(r.IfIndex) == nil {
		return errNoInterface
	}
	return s.routes.Add(r)
}

// ARPLookup returns the cached hardware address of ip.
func (s *Stack) ARPLookup(ip [4]byte) ([6]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arpCache.Lookup(ip, s.clock.Ticks())
}

// DNSCache returns the resolver's cache. It must only be used while no
// other goroutine uses the stack.
func (s *Stack) DNSCache() *dns.Cache { return s.resolver.Cache() }

// Dropped returns the number of received frames dropped because the queue was full.
func (s *Stack) Dropped() uint64 { return s.dropped.Load() }

func (s *Stack) link(name string) (*link, error) {
	for _, l := range s.links {
		if l.ifc.Name() == name {
			return l, nil
		}
	}
	return nil, errNoInterface
}

func (s *Stack) linkByIndex(idx int) *link {
	if idx < 0 || idx >= len(s.links) {
		return nil
	}
	return s.links[idx]
}

// Tick runs timers: DHCP and DNS retransmission, TCP TIME-WAIT and half-open expiry.
func (s *Stack) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickLocked()
}

func (s *Stack) tickLocked() {
	now := s.clock.Ticks()
	s.tcp.Tick(now)
	s.resolver.Tick(now)
	s.flushDNS()
	for _, l := range s.links {
		if err := l.dhcp.Tick(now); err != nil {
			l.dhcpErr = err
		}
		s.flushDHCP(l)
	}
}

// warnDrop logs a dropped frame subject to a rate limit.
func (s *Stack) warnDrop(msg string, attrs ...slog.Attr) {
	if s.dropLog.AllowN(tickTime(s.clock.Ticks()), 1) {
		s.log.Warn(msg, attrs...)
	}
}

func tickTime(ticks uint64) time.Time { return time.UnixMilli(int64(ticks)) }
