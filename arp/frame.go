package arp

import (
	"encoding/binary"

	"github.com/hobbyos/knet"
)

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer size is smaller than 28 (IPv4 over Ethernet size).
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderv4 {
		return Frame{buf: nil}, errShortARP
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an ARP packet for IPv4 over Ethernet
// and provides methods for manipulating, validating and
// retrieving fields. See [RFC826].
//
// [RFC826]: https://tools.ietf.org/html/rfc826
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (afrm Frame) RawData() []byte { return afrm.buf }

// Hardware returns the network link protocol type and address length. Ethernet is type 1, length 6.
func (afrm Frame) Hardware() (Type uint16, length uint8) {
	return binary.BigEndian.Uint16(afrm.buf[0:2]), afrm.buf[4]
}

// SetHardware sets the network link protocol type and address length.
func (afrm Frame) SetHardware(Type uint16, length uint8) {
	binary.BigEndian.PutUint16(afrm.buf[0:2], Type)
	afrm.buf[4] = length
}

// Protocol returns the internet protocol type and address length.
func (afrm Frame) Protocol() (Type knet.EtherType, length uint8) {
	return knet.EtherType(binary.BigEndian.Uint16(afrm.buf[2:4])), afrm.buf[5]
}

// SetProtocol sets the protocol type and length fields of the ARP frame.
func (afrm Frame) SetProtocol(Type knet.EtherType, length uint8) {
	binary.BigEndian.PutUint16(afrm.buf[2:4], uint16(Type))
	afrm.buf[5] = length
}

// Operation returns the ARP header operation field. See [Operation].
func (afrm Frame) Operation() Operation { return Operation(binary.BigEndian.Uint16(afrm.buf[6:8])) }

// SetOperation sets the ARP header operation field. See [Operation].
func (afrm Frame) SetOperation(op Operation) { binary.BigEndian.PutUint16(afrm.buf[6:8], uint16(op)) }

// Sender4 returns the sender hardware and IPv4 addresses.
// In a request the sender is the host asking, in a reply it is the host that was asked for.
func (afrm Frame) Sender4() (hardwareAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[8:14]), (*[4]byte)(afrm.buf[14:18])
}

// Target4 returns the target hardware and IPv4 addresses. The hardware address is ignored in requests.
func (afrm Frame) Target4() (hardwareAddr *[6]byte, proto *[4]byte) {
	return (*[6]byte)(afrm.buf[18:24]), (*[4]byte)(afrm.buf[24:28])
}

// ClearHeader zeros out the whole packet.
func (afrm Frame) ClearHeader() {
	clear(afrm.buf[:sizeHeaderv4])
}

// SetEthernetIPv4 writes the fixed hardware and protocol fields for IPv4 over Ethernet.
func (afrm Frame) SetEthernetIPv4() {
	afrm.SetHardware(hardwareEthernet, 6)
	afrm.SetProtocol(knet.EtherTypeIPv4, 4)
}

// SwapTargetSender exchanges the sender and target addresses, the first step in forming a reply.
func (afrm Frame) SwapTargetSender() {
	hwT, ipT := afrm.Target4()
	hwS, ipS := afrm.Sender4()
	*hwT, *hwS = *hwS, *hwT
	*ipT, *ipS = *ipS, *ipT
}

// ValidateSize checks the frame's size and the Ethernet/IPv4 address formats.
func (afrm Frame) ValidateSize(v *knet.Validator) {
	if len(afrm.buf) < sizeHeaderv4 {
		v.AddError(errShortARP)
		return
	}
	htype, hlen := afrm.Hardware()
	if htype != hardwareEthernet || hlen != 6 {
		v.AddError(errBadHardware)
	}
	ptype, plen := afrm.Protocol()
	if ptype != knet.EtherTypeIPv4 || plen != 4 {
		v.AddError(errBadProto)
	}
}
