package netstack

import (
	"fmt"
	"log/slog"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/arp"
	"github.com/hobbyos/knet/ethernet"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/ipv4"
	"github.com/hobbyos/knet/udp"
)

// sendFrame writes the Ethernet header and payload into the transmit buffer
// and hands the frame to the interface.
func (s *Stack) sendFrame(l *link, dst [6]byte, et knet.EtherType, payload []byte) error {
	n := knet.SizeHeaderEthernet + len(payload)
	if n > len(s.txbuf) {
		return errTooLarge
	}
	efrm, _ := ethernet.NewFrame(s.txbuf[:n])
	efrm.SetHeader(dst, l.ifc.HardwareAddr(), et)
	copy(efrm.Payload(), payload)
	if n < ethernet.MinFrameSize {
		clear(s.txbuf[n:ethernet.MinFrameSize])
		n = ethernet.MinFrameSize
	}
	return l.ifc.SendFrame(s.txbuf[:n])
}

// transmitIPv4 builds the IPv4 header for payload and sends it to dstMAC on l.
func (s *Stack) transmitIPv4(l *link, dstMAC [6]byte, proto knet.IPProto, src, dst [4]byte, payload []byte) error {
	const hdr = knet.SizeHeaderEthernet + knet.SizeHeaderIPv4
	n := hdr + len(payload)
	if n > len(s.txbuf) {
		return errTooLarge
	}
	efrm, _ := ethernet.NewFrame(s.txbuf[:n])
	efrm.SetHeader(dstMAC, l.ifc.HardwareAddr(), knet.EtherTypeIPv4)
	ifrm, _ := ipv4.NewFrame(s.txbuf[knet.SizeHeaderEthernet:n])
	s.ipID++
	ifrm.SetHeader(proto, src, dst, s.ipID, len(payload))
	copy(s.txbuf[hdr:n], payload)
	if n < ethernet.MinFrameSize {
		clear(s.txbuf[n:ethernet.MinFrameSize])
		n = ethernet.MinFrameSize
	}
	return l.ifc.SendFrame(s.txbuf[:n])
}

// nextHop routes dst. It returns the egress link, the link layer destination
// and the source address to use. On an ARP miss a request is sent and
// errARPMiss returned.
func (s *Stack) nextHop(dst [4]byte) (l *link, mac [6]byte, src [4]byte, err error) {
	hop, idx, err := s.routes.NextHop(dst)
	if err != nil {
		s.log.Error("netstack:route:no-route", internal.SlogAddr4("dst", &dst))
		return nil, mac, src, err
	}
	l = s.linkByIndex(idx)
	if l == nil {
		return nil, mac, src, knet.ErrNoRoute
	} else if !l.ifc.IsUp() {
		return nil, mac, src, knet.ErrInterfaceDown
	}
	src = l.ifc.Addr()
	if dst == knet.Broadcast4 || dst == s.subnetBroadcast(l) {
		return l, ethernet.BroadcastAddr(), src, nil
	}
	now := s.clock.Ticks()
	mac, ok := s.arpCache.Lookup(hop, now)
	if ok {
		return l, mac, src, nil
	}
	n, rerr := l.arp.Request(s.l4buf[:], hop, now)
	if rerr == nil {
		rerr = s.sendFrame(l, ethernet.BroadcastAddr(), knet.EtherTypeARP, s.l4buf[:n])
	}
	if rerr != nil && !arp.IsRequestInFlight(rerr) {
		s.log.Debug("netstack:arp:request", slog.String("err", rerr.Error()))
	}
	s.warnDrop("netstack:arp:miss", internal.SlogAddr4("hop", &hop))
	return l, mac, src, fmt.Errorf("%w: %w", errARPMiss, knet.ErrPacketDrop)
}

// sendIPv4 routes and sends payload. A zero src uses the egress interface address.
func (s *Stack) sendIPv4(proto knet.IPProto, src, dst [4]byte, payload []byte) error {
	l, mac, ifaddr, err := s.nextHop(dst)
	if err != nil {
		return err
	}
	if knet.IsZero4(src) {
		src = ifaddr
	}
	return s.transmitIPv4(l, mac, proto, src, dst, payload)
}

// putUDP writes a UDP header with checksum in front of the payload already at
// s.l4buf[udpHeader:] and returns the datagram.
func (s *Stack) putUDP(src, dst [4]byte, sport, dport uint16, payloadLen int) []byte {
	dgram := s.l4buf[:knet.SizeHeaderUDP+payloadLen]
	ufrm, _ := udp.NewFrame(dgram)
	ufrm.SetHeader(sport, dport, payloadLen)
	ufrm.SetCRC(ufrm.CalculateIPv4CRC(&src, &dst))
	return dgram
}

// udpPayload is where UDP payloads are built before putUDP.
func (s *Stack) udpPayload() []byte { return s.l4buf[knet.SizeHeaderUDP:] }

// sendUDP routes a datagram whose payload was built in udpPayload.
func (s *Stack) sendUDP(dst [4]byte, sport, dport uint16, payloadLen int) error {
	l, mac, src, err := s.nextHop(dst)
	if err != nil {
		return err
	}
	dgram := s.putUDP(src, dst, sport, dport, payloadLen)
	return s.transmitIPv4(l, mac, knet.IPProtoUDP, src, dst, dgram)
}

// tcpSender is the network layer of the TCP pool.
type tcpSender struct{ s *Stack }

func (ts tcpSender) SendTCP(src, dst [4]byte, segment []byte) error {
	return ts.s.sendIPv4(knet.IPProtoTCP, src, dst, segment)
}
