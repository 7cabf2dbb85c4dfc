package knet

import (
	"encoding/binary"
	"net/netip"
	"strconv"
)

// EtherType is the 16 bit protocol identifier carried by Ethernet II frames.
type EtherType uint16

// IsSize returns true if the EtherType is actually the size of the payload
// and should NOT be interpreted as an EtherType.
func (et EtherType) IsSize() bool { return et <= 1500 }

// Ethernet types the stack recognizes. Only IPv4 and ARP are demultiplexed.
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeVLAN EtherType = 0x8100
	EtherTypeIPv6 EtherType = 0x86DD
)

func (et EtherType) String() string {
	switch et {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeVLAN:
		return "VLAN"
	case EtherTypeIPv6:
		return "IPv6"
	}
	return "EtherType(0x" + strconv.FormatUint(uint64(et), 16) + ")"
}

// IPProto represents the IP protocol number.
type IPProto uint8

// IP protocol numbers handled by the stack.
const (
	IPProtoICMP IPProto = 1  // ICMP
	IPProtoTCP  IPProto = 6  // TCP
	IPProtoUDP  IPProto = 17 // UDP
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	}
	return "IPProto(" + strconv.Itoa(int(p)) + ")"
}

const (
	SizeHeaderEthernet = 14
	SizeHeaderARPv4    = 28
	SizeHeaderIPv4     = 20
	SizeHeaderICMP     = 8
	SizeHeaderUDP      = 8
	SizeHeaderTCP      = 20
	// MaxFrameSize is the largest Ethernet frame the stack sends, excluding FCS.
	MaxFrameSize = 1514
	// MTU is the IPv4 maximum transmission unit of every interface.
	MTU = MaxFrameSize - SizeHeaderEthernet
)

// Htons converts a host order uint16 to network order. Frames in this module
// are accessed with encoding/binary so the conversion is only needed when
// interoperating with host-order words such as those in configuration records.
func Htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// Ntohs is the inverse of [Htons].
func Ntohs(v uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return binary.BigEndian.Uint16(b[:])
}

// U32FromAddr4 returns the host order 32 bit word for an IPv4 address in network byte order.
func U32FromAddr4(addr [4]byte) uint32 { return binary.BigEndian.Uint32(addr[:]) }

// Addr4FromU32 returns the network order bytes of a host order IPv4 word.
func Addr4FromU32(v uint32) (addr [4]byte) {
	binary.BigEndian.PutUint32(addr[:], v)
	return addr
}

// AddrFrom4 converts a raw IPv4 address to a [netip.Addr].
func AddrFrom4(addr [4]byte) netip.Addr { return netip.AddrFrom4(addr) }

// IsZero4 reports whether addr is 0.0.0.0, which the stack treats as unset.
func IsZero4(addr [4]byte) bool { return addr == [4]byte{} }

// Broadcast4 is the limited broadcast address 255.255.255.255.
var Broadcast4 = [4]byte{255, 255, 255, 255}

// MaskBits returns the prefix length of a contiguous netmask and whether
// the mask is contiguous.
func MaskBits(mask [4]byte) (bits int, ok bool) {
	m := U32FromAddr4(mask)
	inv := ^m
	if inv&(inv+1) != 0 {
		return 0, false
	}
	for m != 0 {
		bits++
		m <<= 1
	}
	return bits, true
}

// MaskFromBits returns the netmask of the given prefix length.
func MaskFromBits(bits int) [4]byte {
	if bits <= 0 {
		return [4]byte{}
	} else if bits >= 32 {
		return Broadcast4
	}
	return Addr4FromU32(^uint32(0) << (32 - bits))
}
