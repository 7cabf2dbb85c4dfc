// Package ltesto generates valid and damaged frames for robustness tests of
// the receive path.
package ltesto

import (
	"math/rand"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/arp"
	"github.com/hobbyos/knet/ethernet"
	"github.com/hobbyos/knet/ipv4"
	"github.com/hobbyos/knet/tcp"
	"github.com/hobbyos/knet/udp"
)

// PacketGen builds frames from a fixed 5-tuple.
type PacketGen struct {
	SrcMAC, DstMAC   [6]byte
	SrcIPv4, DstIPv4 [4]byte
	SrcPort, DstPort uint16
}

// RandomizePorts picks random ports. Addresses are left alone so frames
// still reach the stack under test.
func (gen *PacketGen) RandomizePorts(rng *rand.Rand) {
	ports := rng.Uint32()
	gen.SrcPort = uint16(ports) | 1
	gen.DstPort = uint16(ports>>16) | 1
}

// grow appends room for a frame of n bytes padded to the Ethernet minimum.
func (gen *PacketGen) grow(dst []byte, n int) ([]byte, []byte) {
	off := len(dst)
	dst = append(dst, make([]byte, max(n, ethernet.MinFrameSize))...)
	return dst, dst[off:]
}

func (gen *PacketGen) ipv4(buf []byte, rng *rand.Rand, proto knet.IPProto, payloadLen int) ipv4.Frame {
	efrm, _ := ethernet.NewFrame(buf)
	efrm.SetHeader(gen.DstMAC, gen.SrcMAC, knet.EtherTypeIPv4)
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	ifrm.SetHeader(proto, gen.SrcIPv4, gen.DstIPv4, uint16(rng.Uint32()), payloadLen)
	return ifrm
}

// AppendARPRequest appends a who-has request for target from the source addresses.
func (gen *PacketGen) AppendARPRequest(dst []byte, target [4]byte) []byte {
	dst, buf := gen.grow(dst, knet.SizeHeaderEthernet+knet.SizeHeaderARPv4)
	efrm, _ := ethernet.NewFrame(buf)
	efrm.SetHeader(ethernet.BroadcastAddr(), gen.SrcMAC, knet.EtherTypeARP)
	afrm, _ := arp.NewFrame(efrm.Payload())
	afrm.SetEthernetIPv4()
	afrm.SetOperation(arp.OpRequest)
	hw, proto := afrm.Sender4()
	*hw, *proto = gen.SrcMAC, gen.SrcIPv4
	_, proto = afrm.Target4()
	*proto = target
	return dst
}

// AppendIPv4UDP appends a UDP datagram with payloadLen random bytes and a valid checksum.
func (gen *PacketGen) AppendIPv4UDP(dst []byte, rng *rand.Rand, payloadLen int) []byte {
	dst, buf := gen.grow(dst, knet.SizeHeaderEthernet+knet.SizeHeaderIPv4+knet.SizeHeaderUDP+payloadLen)
	ifrm := gen.ipv4(buf, rng, knet.IPProtoUDP, knet.SizeHeaderUDP+payloadLen)
	ufrm, _ := udp.NewFrame(ifrm.Payload())
	ufrm.SetHeader(gen.SrcPort, gen.DstPort, payloadLen)
	rng.Read(ufrm.Payload())
	ufrm.SetCRC(ufrm.CalculateIPv4CRC(&gen.SrcIPv4, &gen.DstIPv4))
	return dst
}

// AppendIPv4TCP appends a segment carrying seg.DATALEN random bytes.
func (gen *PacketGen) AppendIPv4TCP(dst []byte, rng *rand.Rand, seg tcp.Segment) []byte {
	n := knet.SizeHeaderTCP + int(seg.DATALEN)
	dst, buf := gen.grow(dst, knet.SizeHeaderEthernet+knet.SizeHeaderIPv4+n)
	ifrm := gen.ipv4(buf, rng, knet.IPProtoTCP, n)
	tfrm, _ := tcp.NewFrame(ifrm.Payload())
	tfrm.SetSourcePort(gen.SrcPort)
	tfrm.SetDestinationPort(gen.DstPort)
	tfrm.SetSegment(seg, 5)
	rng.Read(tfrm.Payload())
	tfrm.SetCRC(tfrm.CalculateIPv4CRC(&gen.SrcIPv4, &gen.DstIPv4))
	return dst
}

// Damage returns a copy of frame with one of: a flipped byte, a truncation,
// or a rewritten length field. Addresses in the Ethernet header are kept.
func Damage(rng *rand.Rand, frame []byte) []byte {
	out := append([]byte(nil), frame...)
	if len(out) <= knet.SizeHeaderEthernet {
		return out[:rng.Intn(len(out)+1)]
	}
	body := out[knet.SizeHeaderEthernet:]
	switch rng.Intn(3) {
	case 0:
		body[rng.Intn(len(body))] ^= byte(rng.Intn(255) + 1)
	case 1:
		out = out[:knet.SizeHeaderEthernet+rng.Intn(len(body))]
	default:
		if len(body) >= 4 {
			body[2], body[3] = byte(rng.Uint32()), byte(rng.Uint32())
		}
	}
	return out
}
