package udp

import (
	"encoding/binary"
	"errors"

	"github.com/hobbyos/knet"
)

const sizeHeader = 8

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer size is smaller than 8.
// Users should still call [Frame.ValidateSize] before working
// with payload of frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: buf}, errShort
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a UDP datagram
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC768].
//
// [RFC768]: https://tools.ietf.org/html/rfc768
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (ufrm Frame) RawData() []byte { return ufrm.buf }

// SourcePort identifies the sending port for the UDP packet.
func (ufrm Frame) SourcePort() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[0:2])
}

// SetSourcePort sets UDP source port. See [Frame.SourcePort]
func (ufrm Frame) SetSourcePort(src uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[0:2], src)
}

// DestinationPort identifies the receiving port for the UDP packet.
func (ufrm Frame) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[2:4])
}

// SetDestinationPort sets UDP destination port. See [Frame.DestinationPort]
func (ufrm Frame) SetDestinationPort(dst uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[2:4], dst)
}

// Length specifies length in bytes of UDP header and UDP payload.
func (ufrm Frame) Length() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[4:6])
}

// SetLength sets the UDP header's length field. See [Frame.Length].
func (ufrm Frame) SetLength(length uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[4:6], length)
}

// CRC returns the checksum field in the UDP header. Zero means no checksum was computed.
func (ufrm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(ufrm.buf[6:8])
}

// SetCRC sets the UDP header's CRC field. See [Frame.CRC].
func (ufrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(ufrm.buf[6:8], checksum)
}

// Payload returns the payload content section of the UDP packet.
// Be sure to call [Frame.ValidateSize] beforehand to avoid panic.
func (ufrm Frame) Payload() []byte {
	return ufrm.buf[sizeHeader:ufrm.Length()]
}

// CalculateIPv4CRC returns the checksum over the IPv4 pseudo-header, the UDP
// header with a zeroed checksum field and the payload.
func (ufrm Frame) CalculateIPv4CRC(src, dst *[4]byte) uint16 {
	var crc knet.CRC791
	crc.WriteEven(src[:])
	crc.WriteEven(dst[:])
	crc.AddUint16(uint16(knet.IPProtoUDP))
	crc.AddUint16(ufrm.Length())
	crc.WriteEven(ufrm.buf[0:6])
	return knet.NeverZeroChecksum(crc.PayloadSum16(ufrm.Payload()))
}

// ClearHeader zeros out the header contents.
func (ufrm Frame) ClearHeader() {
	clear(ufrm.buf[:sizeHeader])
}

// SetHeader writes ports and length and leaves the checksum zero, which IPv4 permits.
func (ufrm Frame) SetHeader(srcPort, dstPort uint16, payloadLen int) {
	ufrm.SetSourcePort(srcPort)
	ufrm.SetDestinationPort(dstPort)
	ufrm.SetLength(uint16(sizeHeader + payloadLen))
	ufrm.SetCRC(0)
}

//
// Validation API.
//

var (
	errBadLen = errors.New("udp: bad UDP length")
	errShort  = errors.New("udp: short buffer")
)

// ValidateSize checks the frame's size fields and compares with the actual buffer
// the frame. It records an error on finding an inconsistency.
func (ufrm Frame) ValidateSize(v *knet.Validator) {
	if len(ufrm.buf) < sizeHeader {
		v.AddError(errShort)
		return
	}
	l := ufrm.Length()
	if l < sizeHeader {
		v.AddError(errBadLen)
	}
	if int(l) > len(ufrm.buf) {
		v.AddError(errShort)
	}
}
