package netstack

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/netdev"
)

var (
	ourMAC   = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x57}
	peerMAC  = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	ourIP    = [4]byte{10, 0, 2, 15}
	gwIP     = [4]byte{10, 0, 2, 2}
	dnsIP    = [4]byte{10, 0, 2, 3}
	mask24   = [4]byte{255, 255, 255, 0}
	bcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

type fakeClock struct{ ms atomic.Uint64 }

func (c *fakeClock) Ticks() uint64 { return c.ms.Load() }

func (c *fakeClock) sleep(d time.Duration) {
	c.ms.Add(uint64(max(d.Milliseconds(), 1)))
}

// wire is a driver connected to a simulated peer. Every frame the stack
// sends is checked, recorded and offered to the peer, which may answer by
// injecting frames.
type wire struct {
	t    *testing.T
	mac  [6]byte
	rx   drivers.RxHandler
	sent [][]byte
	peer func(pkt gopacket.Packet)
}

func (w *wire) Kind() string                     { return "wire" }
func (w *wire) HardwareAddr() [6]byte            { return w.mac }
func (w *wire) Start() error                     { return nil }
func (w *wire) Poll() int                        { return 0 }
func (w *wire) HandleIRQ()                       {}
func (w *wire) SetRxHandler(h drivers.RxHandler) { w.rx = h }

func (w *wire) SendFrame(frame []byte) error {
	f := bytes.Clone(frame)
	pkt := decode(w.t, f)
	w.sent = append(w.sent, f)
	if w.peer != nil {
		w.peer(pkt)
	}
	return nil
}

func (w *wire) inject(frame []byte) { w.rx(frame) }

// pop returns the oldest frame sent by the stack.
func (w *wire) pop() gopacket.Packet {
	w.t.Helper()
	if len(w.sent) == 0 {
		w.t.Fatal("no frame sent")
	}
	f := w.sent[0]
	w.sent = w.sent[1:]
	return decode(w.t, f)
}

func (w *wire) expectNone() {
	w.t.Helper()
	if len(w.sent) != 0 {
		w.t.Fatalf("unexpected frame sent: %v", decode(w.t, w.sent[0]))
	}
}

// decode parses a frame with gopacket and verifies every checksum in it
// with an independent RFC 1071 pass.
func decode(t *testing.T, frame []byte) gopacket.Packet {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		t.Fatalf("undecodable frame: %v", el.Error())
	}
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return pkt
	}
	if knet.Checksum(ip.Contents) != 0 {
		t.Errorf("bad IPv4 header checksum: % x", ip.Contents)
	}
	seg := ip.Payload
	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		if knet.Checksum(seg) != 0 {
			t.Errorf("bad ICMP checksum: % x", seg)
		}
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		if pseudoChecksum(ip.SrcIP, ip.DstIP, byte(ip.Protocol), seg) != 0 {
			t.Errorf("bad %v checksum: % x", ip.Protocol, seg)
		}
	}
	return pkt
}

func pseudoChecksum(src, dst net.IP, proto byte, seg []byte) uint16 {
	b := make([]byte, 12, 12+len(seg))
	copy(b[0:4], src.To4())
	copy(b[4:8], dst.To4())
	b[9] = proto
	binary.BigEndian.PutUint16(b[10:12], uint16(len(seg)))
	return knet.Checksum(append(b, seg...))
}

func build(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ls...)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.Clone(buf.Bytes())
}

func eth(dst [6]byte, et layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: net.HardwareAddr(peerMAC[:]), DstMAC: net.HardwareAddr(dst[:]), EthernetType: et}
}

func arpFrame(t *testing.T, op uint16, senderIP, targetIP [4]byte, dst [6]byte, targetMAC [6]byte) []byte {
	return build(t, eth(dst, layers.EthernetTypeARP), &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   peerMAC[:],
		SourceProtAddress: senderIP[:],
		DstHwAddress:      targetMAC[:],
		DstProtAddress:    targetIP[:],
	})
}

func ip4(src, dst [4]byte, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: net.IP(src[:]), DstIP: net.IP(dst[:])}
}

func udpFrame(t *testing.T, dstMAC [6]byte, src, dst [4]byte, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ip := ip4(src, dst, layers.IPProtocolUDP)
	u := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	u.SetNetworkLayerForChecksum(ip)
	return build(t, eth(dstMAC, layers.EthernetTypeIPv4), ip, u, gopacket.Payload(payload))
}

func tcpFrame(t *testing.T, seg *layers.TCP, payload []byte) []byte {
	t.Helper()
	ip := ip4(gwIP, ourIP, layers.IPProtocolTCP)
	if seg.Window == 0 {
		seg.Window = 64240
	}
	seg.SetNetworkLayerForChecksum(ip)
	return build(t, eth(ourMAC, layers.EthernetTypeIPv4), ip, seg, gopacket.Payload(payload))
}

// answerARP makes the peer reply to who-has requests for addrs.
func answerARP(t *testing.T, w *wire, pkt gopacket.Packet, addrs ...[4]byte) bool {
	a, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok || a.Operation != layers.ARPRequest {
		return false
	}
	target := [4]byte(a.DstProtAddress)
	for _, addr := range addrs {
		if addr == target {
			w.inject(arpFrame(t, layers.ARPReply, target, ourIP, ourMAC, ourMAC))
			return true
		}
	}
	return false
}

type harness struct {
	t     *testing.T
	s     *Stack
	w     *wire
	clock *fakeClock
	ifc   *netdev.Interface
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, clock: new(fakeClock), w: &wire{t: t, mac: ourMAC}}
	h.clock.ms.Store(1)
	cfg.Clock = h.clock
	cfg.Sleep = h.clock.sleep
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	cfg.ISSKey = []byte("knet test key")
	var err error
	h.s, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.ifc, err = h.s.AddInterface("eth0", h.w)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// static configures 10.0.2.15/24 via 10.0.2.2 with DNS 10.0.2.3.
func (h *harness) static() {
	h.t.Helper()
	err := h.s.ApplyConfig("eth0", netdev.Config{Addr: ourIP, Netmask: mask24, Gateway: gwIP, DNS: dnsIP})
	if err != nil {
		h.t.Fatal(err)
	}
}

// learnPeer teaches the stack the peer's hardware address through an ARP
// request and discards the reply.
func (h *harness) learnPeer() {
	h.t.Helper()
	h.w.inject(arpFrame(h.t, layers.ARPRequest, gwIP, ourIP, bcastMAC, [6]byte{}))
	h.s.Drain()
	h.w.pop()
}
