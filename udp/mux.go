package udp

import (
	"errors"

	"github.com/hobbyos/knet"
)

// Well known ports served by the stack.
const (
	PortDNS        = 53
	PortDHCPServer = 67
	PortDHCPClient = 68
)

var (
	errNoHandler = errors.New("udp: no handler for port")
	errPortInUse = errors.New("udp: port already bound")
	errMuxFull   = errors.New("udp: too many bindings")
)

const maxMuxBinding = 8

// Handler consumes a datagram delivered by a [Mux]. The payload is only
// valid during the call.
type Handler interface {
	HandleUDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) error
}

// HandlerFunc adapts a function to the [Handler] interface.
type HandlerFunc func(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) error

func (f HandlerFunc) HandleUDP(src, dst [4]byte, srcPort, dstPort uint16, payload []byte) error {
	return f(src, dst, srcPort, dstPort, payload)
}

type binding struct {
	port uint16
	// matchSrc also matches datagrams coming from port, such as DNS replies.
	matchSrc bool
	h        Handler
}

// Mux demultiplexes datagrams to a fixed set of port handlers. A datagram goes
// to the handler bound to its destination port; failing that, to a handler
// bound with source matching on its source port.
type Mux struct {
	bindings []binding
}

// Handle binds h to port. With matchSource set, datagrams whose source port is
// port are also delivered to h.
func (m *Mux) Handle(port uint16, matchSource bool, h Handler) error {
	if h == nil || port == 0 {
		return knet.ErrInvalidConfig
	}
	for _, b := range m.bindings {
		if b.port == port {
			return errPortInUse
		}
	}
	if len(m.bindings) >= maxMuxBinding {
		return errMuxFull
	}
	m.bindings = append(m.bindings, binding{port: port, matchSrc: matchSource, h: h})
	return nil
}

// Unhandle removes the binding for port.
func (m *Mux) Unhandle(port uint16) {
	for i, b := range m.bindings {
		if b.port == port {
			m.bindings = append(m.bindings[:i], m.bindings[i+1:]...)
			return
		}
	}
}

// Demux validates the UDP datagram in ufrm, addressed src->dst at the IP
// layer, and hands it to the matching handler. A nonzero checksum is verified.
// It returns [IsNoHandler] errors when no binding matched.
func (m *Mux) Demux(src, dst [4]byte, ufrm Frame) error {
	var v knet.Validator
	ufrm.ValidateSize(&v)
	if v.HasError() {
		return v.ErrPop()
	}
	if ufrm.CRC() != 0 && ufrm.CalculateIPv4CRC(&src, &dst) != ufrm.CRC() {
		return knet.ErrBadCRC
	}
	srcPort, dstPort := ufrm.SourcePort(), ufrm.DestinationPort()
	for _, b := range m.bindings {
		if b.port == dstPort {
			return b.h.HandleUDP(src, dst, srcPort, dstPort, ufrm.Payload())
		}
	}
	for _, b := range m.bindings {
		if b.matchSrc && b.port == srcPort {
			return b.h.HandleUDP(src, dst, srcPort, dstPort, ufrm.Payload())
		}
	}
	return errNoHandler
}

// IsNoHandler reports whether err means no binding matched the datagram.
func IsNoHandler(err error) bool { return err == errNoHandler }
