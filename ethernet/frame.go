package ethernet

import (
	"encoding/binary"
	"errors"

	"github.com/hobbyos/knet"
)

// NewFrame returns a Frame with data set to buf.
// An error is returned if the buffer size is smaller than 14.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: nil}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of an Ethernet II frame without preamble
// or FCS (first byte is start of destination address) and provides methods
// for manipulating, validating and retrieving fields and payload data.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (efrm Frame) RawData() []byte { return efrm.buf }

// HeaderLength returns the length of the ethernet header, always 14. VLAN tagged frames are not supported.
func (efrm Frame) HeaderLength() int { return sizeHeader }

// Payload returns the data portion of the frame. Padding added by the sender
// to reach the 60 byte minimum is included; upper layers trim by their own length fields.
func (efrm Frame) Payload() []byte {
	et := efrm.EtherTypeOrSize()
	if et.IsSize() && sizeHeader+int(et) <= len(efrm.buf) {
		return efrm.buf[sizeHeader : sizeHeader+int(et)]
	}
	return efrm.buf[sizeHeader:]
}

// DestinationHardwareAddr returns the target's MAC/hardware address for the ethernet packet.
func (efrm Frame) DestinationHardwareAddr() (dst *[6]byte) {
	return (*[6]byte)(efrm.buf[0:6])
}

// IsBroadcast returns true if the destination is the broadcast address ff:ff:ff:ff:ff:ff, false otherwise.
func (efrm Frame) IsBroadcast() bool {
	return *efrm.DestinationHardwareAddr() == BroadcastAddr()
}

// SourceHardwareAddr returns the sender's MAC/hardware address of the ethernet packet.
func (efrm Frame) SourceHardwareAddr() (src *[6]byte) {
	return (*[6]byte)(efrm.buf[6:12])
}

// EtherTypeOrSize returns the EtherType/Size field of the ethernet packet.
// Caller should check if the field is actually a valid EtherType or if it represents the Ethernet payload size with [knet.EtherType.IsSize].
func (efrm Frame) EtherTypeOrSize() knet.EtherType {
	return knet.EtherType(binary.BigEndian.Uint16(efrm.buf[12:14]))
}

// SetEtherType sets the EtherType field of the ethernet packet.
func (efrm Frame) SetEtherType(v knet.EtherType) {
	binary.BigEndian.PutUint16(efrm.buf[12:14], uint16(v))
}

// IsVLAN returns true if the frame carries an 802.1Q tag. The stack drops those.
func (efrm Frame) IsVLAN() bool {
	return efrm.EtherTypeOrSize() == knet.EtherTypeVLAN
}

// ClearHeader zeros out the header contents.
func (efrm Frame) ClearHeader() {
	clear(efrm.buf[:sizeHeader])
}

// SetHeader writes the whole header in one call.
func (efrm Frame) SetHeader(dst, src [6]byte, et knet.EtherType) {
	*efrm.DestinationHardwareAddr() = dst
	*efrm.SourceHardwareAddr() = src
	efrm.SetEtherType(et)
}

//
// Validation API.
//

var (
	errShort = errors.New("ethernet: too short")
	errVLAN  = errors.New("ethernet: VLAN tagged frame")
)

// ValidateSize checks the frame's size fields and compares with the actual buffer
// the frame. It records an error on finding an inconsistency.
func (efrm Frame) ValidateSize(v *knet.Validator) {
	if len(efrm.buf) < sizeHeader {
		v.AddError(errShort)
		return
	}
	sz := efrm.EtherTypeOrSize()
	if sz.IsSize() && len(efrm.buf) < sizeHeader+int(sz) {
		v.AddError(errShort)
	}
	if sz == knet.EtherTypeVLAN {
		v.AddError(errVLAN)
	}
}
