package arp

import (
	"log/slog"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/ethernet"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/internal/lrucache"
)

// Handler answers ARP requests for one interface and issues requests on
// cache misses. There is no queue of packets waiting on resolution: the
// caller drops the packet that missed and retries later.
type Handler struct {
	log     internal.Logger
	ourMAC  [6]byte
	ourIP   [4]byte
	cache   *Cache
	queries lrucache.Cache[[4]byte, uint64]
	// minimum ticks between two requests for the same address.
	requestInterval uint64
}

type HandlerConfig struct {
	HardwareAddr [6]byte
	// ProtocolAddr may be zero until the interface is configured.
	ProtocolAddr [4]byte
	// Cache is shared by all interfaces of a stack.
	Cache *Cache
	// MaxQueries bounds the number of targets tracked for request pacing.
	MaxQueries int
	// RequestInterval is the minimum number of ticks between requests for the same target.
	RequestInterval uint64
	Logger          *slog.Logger
}

// NewHandler returns a ready to use Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if !ethernet.IsValidAddr(cfg.HardwareAddr) {
		return nil, knet.ErrInvalidAddr
	} else if cfg.Cache == nil {
		return nil, knet.ErrInvalidConfig
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 4
	}
	return &Handler{
		log:             internal.Logger{Log: cfg.Logger},
		ourMAC:          cfg.HardwareAddr,
		ourIP:           cfg.ProtocolAddr,
		cache:           cfg.Cache,
		queries:         lrucache.New[[4]byte, uint64](cfg.MaxQueries),
		requestInterval: cfg.RequestInterval,
	}, nil
}

// SetProtocolAddr updates the IPv4 address answered for. DHCP and static configuration call it.
func (h *Handler) SetProtocolAddr(ip [4]byte) { h.ourIP = ip }

// ProtocolAddr returns the IPv4 address answered for.
func (h *Handler) ProtocolAddr() [4]byte { return h.ourIP }

// Cache returns the neighbor cache the handler writes to.
func (h *Handler) Cache() *Cache { return h.cache }

// Demux processes an incoming ARP packet received at tick now. When the packet is a
// request for our address a reply is written to reply and its length and
// link-layer destination are returned. n is zero when nothing must be sent.
func (h *Handler) Demux(pkt []byte, now uint64, reply []byte) (n int, dst [6]byte, err error) {
	afrm, err := NewFrame(pkt)
	if err != nil {
		return 0, dst, err
	}
	var vld knet.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		return 0, dst, vld.ErrPop()
	}
	senderMAC, senderIP := afrm.Sender4()
	_, targetIP := afrm.Target4()
	op := afrm.Operation()
	if op != OpRequest && op != OpReply {
		return 0, dst, errARPUnsupported
	}
	if !knet.IsZero4(*senderIP) && ethernet.IsValidAddr(*senderMAC) {
		// Both replies and requests teach us the sender's mapping.
		h.cache.Insert(*senderIP, *senderMAC, now)
		h.queries.Delete(*senderIP)
		h.log.Trace("arp:demux:learn", internal.SlogAddr4("ip", senderIP), internal.SlogMAC("mac", senderMAC))
	}
	if op == OpReply || knet.IsZero4(h.ourIP) || *targetIP != h.ourIP {
		return 0, dst, nil
	}
	if len(reply) < sizeHeaderv4 {
		return 0, dst, errShortARP
	}
	rfrm, _ := NewFrame(reply)
	copy(reply[:sizeHeaderv4], pkt[:sizeHeaderv4])
	rfrm.SetOperation(OpReply)
	rfrm.SwapTargetSender()
	hwSender, ipSender := rfrm.Sender4()
	*hwSender = h.ourMAC
	*ipSender = h.ourIP
	hwTarget, _ := rfrm.Target4()
	h.log.Debug("arp:demux:reply", internal.SlogAddr4("to", targetIPOf(rfrm)))
	return sizeHeaderv4, *hwTarget, nil
}

func targetIPOf(afrm Frame) *[4]byte {
	_, ip := afrm.Target4()
	return ip
}

// Request writes a broadcast who-has for target into buf. It returns
// errRequestInFlight without writing when a request for the same target was
// issued less than the request interval ago.
func (h *Handler) Request(buf []byte, target [4]byte, now uint64) (int, error) {
	if len(buf) < sizeHeaderv4 {
		return 0, errShortARP
	} else if knet.IsZero4(h.ourIP) {
		return 0, errNoProtocolAddr
	}
	if last, ok := h.queries.Get(target); ok && h.requestInterval != 0 && now-last < h.requestInterval {
		return 0, errRequestInFlight
	}
	h.queries.Push(target, now)
	afrm, _ := NewFrame(buf)
	afrm.ClearHeader()
	afrm.SetEthernetIPv4()
	afrm.SetOperation(OpRequest)
	hwSender, ipSender := afrm.Sender4()
	*hwSender = h.ourMAC
	*ipSender = h.ourIP
	_, ipTarget := afrm.Target4()
	*ipTarget = target
	return sizeHeaderv4, nil
}

// IsRequestInFlight reports whether err was returned by [Handler.Request] due to pacing.
func IsRequestInFlight(err error) bool { return err == errRequestInFlight }
