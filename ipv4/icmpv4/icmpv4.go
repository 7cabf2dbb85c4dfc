// Package icmpv4 implements the ICMP messages the stack sends and answers:
// echo request/reply and destination unreachable.
package icmpv4

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/hobbyos/knet"
)

type Type uint8

const (
	TypeEchoReply              Type = 0  // echo reply
	TypeDestinationUnreachable Type = 3  // destination unreachable
	TypeEcho                   Type = 8  // echo
	TypeTimeExceeded           Type = 11 // time exceeded
)

func (t Type) String() string {
	switch t {
	case TypeEchoReply:
		return "echo reply"
	case TypeDestinationUnreachable:
		return "destination unreachable"
	case TypeEcho:
		return "echo"
	case TypeTimeExceeded:
		return "time exceeded"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable   CodeDestinationUnreachable = iota // net unreachable
	CodeHostUnreachable                                    // host unreachable
	CodeProtoUnreachable                                   // protocol unreachable
	CodePortUnreachable                                    // port unreachable
)

const sizeHeader = 8

var (
	errShortFrame = errors.New("icmpv4: short frame")
	errNotEcho    = errors.New("icmpv4: not an echo request")
)

func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame is an ICMP message. The checksum covers the whole message.
type Frame struct {
	buf []byte
}

func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

// CRC returns the checksum field of the frame.
func (frm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(frm.buf[2:4])
}

// SetCRC sets the checksum field of the frame.
func (frm Frame) SetCRC(crc uint16) {
	binary.BigEndian.PutUint16(frm.buf[2:4], crc)
}

// CalculateCRC returns the checksum of the message treating the checksum field as zero as per RFC 792.
func (frm Frame) CalculateCRC() uint16 {
	var crc knet.CRC791
	crc.AddUint16(binary.BigEndian.Uint16(frm.buf[0:2]))
	return crc.PayloadSum16(frm.buf[4:])
}

// Validate checks the frame length and records a checksum mismatch.
func (frm Frame) Validate(v *knet.Validator) {
	if len(frm.buf) < sizeHeader {
		v.AddError(errShortFrame)
		return
	}
	if frm.CalculateCRC() != frm.CRC() {
		v.AddError(knet.ErrBadCRC)
	}
}

// FrameEcho is an echo request or reply.
type FrameEcho struct {
	Frame
}

func (frm FrameEcho) Identifier() uint16 {
	return binary.BigEndian.Uint16(frm.buf[4:6])
}

func (frm FrameEcho) SetIdentifier(id uint16) {
	binary.BigEndian.PutUint16(frm.buf[4:6], id)
}

func (frm FrameEcho) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(frm.buf[6:8])
}

func (frm FrameEcho) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(frm.buf[6:8], seq)
}

func (frm FrameEcho) Data() []byte {
	return frm.buf[8:]
}

// FrameDestinationUnreachable carries the offending datagram's IP header and first 8 payload bytes.
type FrameDestinationUnreachable struct {
	Frame
}

func (frm FrameDestinationUnreachable) Code() CodeDestinationUnreachable {
	return CodeDestinationUnreachable(frm.Frame.Code())
}

// Original returns the quoted header of the datagram that could not be delivered.
func (frm FrameDestinationUnreachable) Original() []byte { return frm.buf[8:] }

// PutEcho writes an echo message of type typ into dst and returns its length.
func PutEcho(dst []byte, typ Type, id, seq uint16, data []byte) (int, error) {
	n := sizeHeader + len(data)
	if len(dst) < n {
		return 0, errShortFrame
	}
	frm := FrameEcho{Frame{buf: dst[:n]}}
	frm.SetType(typ)
	frm.SetCode(0)
	frm.SetIdentifier(id)
	frm.SetSequenceNumber(seq)
	copy(frm.Data(), data)
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateCRC())
	return n, nil
}

// PutEchoReply validates the echo request req and writes the matching reply
// into dst, echoing identifier, sequence and data.
func PutEchoReply(dst, req []byte) (int, error) {
	rfrm, err := NewFrame(req)
	if err != nil {
		return 0, err
	}
	var v knet.Validator
	rfrm.Validate(&v)
	if v.HasError() {
		return 0, v.ErrPop()
	}
	if rfrm.Type() != TypeEcho || rfrm.Code() != 0 {
		return 0, errNotEcho
	}
	echo := FrameEcho{rfrm}
	return PutEcho(dst, TypeEchoReply, echo.Identifier(), echo.SequenceNumber(), echo.Data())
}

// PutDestinationUnreachable writes a destination unreachable message quoting
// the original datagram's header and the first 8 bytes of its payload.
func PutDestinationUnreachable(dst []byte, code CodeDestinationUnreachable, original []byte) (int, error) {
	quote := min(len(original), knet.SizeHeaderIPv4+8)
	n := sizeHeader + quote
	if len(dst) < n {
		return 0, errShortFrame
	}
	frm := Frame{buf: dst[:n]}
	frm.SetType(TypeDestinationUnreachable)
	frm.SetCode(uint8(code))
	clear(dst[4:8])
	copy(dst[8:n], original[:quote])
	frm.SetCRC(0)
	frm.SetCRC(frm.CalculateCRC())
	return n, nil
}
