package dhcpv4

import (
	"encoding/binary"
)

// NewFrame returns a new DHCPv4 Frame with data set to buf.
// An error is returned if the buffer size is smaller than 240.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < optionsOffset {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a DHCP packet
// and provides methods for manipulating, validating and
// retrieving fields and payload data. See [RFC2131].
//
// [RFC2131]: https://tools.ietf.org/html/rfc2131
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

// OptionsPayload returns the options portion of the DHCP frame. May be zero lengthed.
func (frm Frame) OptionsPayload() []byte {
	return frm.buf[optionsOffset:]
}

func (frm Frame) Op() Op      { return Op(frm.buf[0]) }
func (frm Frame) SetOp(op Op) { frm.buf[0] = byte(op) }

func (frm Frame) Hardware() (Type, Len, Hops uint8) {
	return frm.buf[1], frm.buf[2], frm.buf[3]
}

func (frm Frame) SetHardware(Type, Len, Hops uint8) {
	frm.buf[1], frm.buf[2], frm.buf[3] = Type, Len, Hops
}

func (frm Frame) XID() uint32       { return binary.BigEndian.Uint32(frm.buf[4:8]) }
func (frm Frame) SetXID(xid uint32) { binary.BigEndian.PutUint32(frm.buf[4:8], xid) }

func (frm Frame) Secs() uint16        { return binary.BigEndian.Uint16(frm.buf[8:10]) }
func (frm Frame) SetSecs(secs uint16) { binary.BigEndian.PutUint16(frm.buf[8:10], secs) }

func (frm Frame) Flags() Flags         { return Flags(binary.BigEndian.Uint16(frm.buf[10:12])) }
func (frm Frame) SetFlags(flags Flags) { binary.BigEndian.PutUint16(frm.buf[10:12], uint16(flags)) }

// CIAddr is the client IP address, zero while the client has no lease.
func (frm Frame) CIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[12:16])
}

// YIAddr is the IP address offered by the server to the client.
func (frm Frame) YIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[16:20])
}

// SIAddr is the IP address of the next server to use in bootstrap.
func (frm Frame) SIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[20:24])
}

// GIAddr is the relay agent address.
func (frm Frame) GIAddr() *[4]byte {
	return (*[4]byte)(frm.buf[24:28])
}

// CHAddrAs6 returns the client hardware address limited to the 6 bytes of an Ethernet MAC.
func (frm Frame) CHAddrAs6() *[6]byte {
	return (*[6]byte)(frm.buf[28 : 28+6])
}

func (frm Frame) MagicCookie() uint32 { return binary.BigEndian.Uint32(frm.buf[magicCookieOffset:]) }
func (frm Frame) SetMagicCookie(cookie uint32) {
	binary.BigEndian.PutUint32(frm.buf[magicCookieOffset:], cookie)
}

// ClearHeader zeros out the fixed header, sname, file and cookie.
func (frm Frame) ClearHeader() {
	clear(frm.buf[:optionsOffset])
}

// ForEachOption calls fn for every option up to the end option. Pad options are skipped.
func (frm Frame) ForEachOption(fn func(opt OptNum, data []byte) error) error {
	ptr := optionsOffset
	for ptr < len(frm.buf) {
		opt := OptNum(frm.buf[ptr])
		if opt == OptEnd {
			return nil
		} else if opt == OptPad {
			ptr++
			continue
		}
		if ptr+1 >= len(frm.buf) {
			return errOptionLen
		}
		end := ptr + 2 + int(frm.buf[ptr+1])
		if end > len(frm.buf) {
			return errOptionLen
		}
		if err := fn(opt, frm.buf[ptr+2:end]); err != nil {
			return err
		}
		ptr = end
	}
	return nil
}

// MessageType returns the value of option 53 or zero if absent or malformed.
func (frm Frame) MessageType() MessageType {
	var mt MessageType
	frm.ForEachOption(func(opt OptNum, data []byte) error {
		if opt == OptMessageType && len(data) == 1 {
			mt = MessageType(data[0])
		}
		return nil
	})
	return mt
}
