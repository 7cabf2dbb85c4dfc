package dns

import "encoding/binary"

// Frame encapsulates the raw data of a DNS message header
// and provides methods for manipulating and retrieving its fields. See [RFC1035].
//
// [RFC1035]: https://tools.ietf.org/html/rfc1035
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame over buf. An error is returned if buf is shorter than the header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < SizeHeader {
		return Frame{}, errBaseLen
	}
	return Frame{buf: buf}, nil
}

func (frm Frame) RawData() []byte { return frm.buf }

func (frm Frame) TxID() uint16        { return binary.BigEndian.Uint16(frm.buf[0:2]) }
func (frm Frame) SetTxID(txid uint16) { binary.BigEndian.PutUint16(frm.buf[0:2], txid) }

func (frm Frame) Flags() HeaderFlags         { return HeaderFlags(binary.BigEndian.Uint16(frm.buf[2:4])) }
func (frm Frame) SetFlags(flags HeaderFlags) { binary.BigEndian.PutUint16(frm.buf[2:4], uint16(flags)) }

// QDCount returns number of entries in the question section.
func (frm Frame) QDCount() uint16      { return binary.BigEndian.Uint16(frm.buf[4:6]) }
func (frm Frame) SetQDCount(qd uint16) { binary.BigEndian.PutUint16(frm.buf[4:6], qd) }
func (frm Frame) ANCount() uint16      { return binary.BigEndian.Uint16(frm.buf[6:8]) }
func (frm Frame) SetANCount(an uint16) { binary.BigEndian.PutUint16(frm.buf[6:8], an) }
func (frm Frame) NSCount() uint16      { return binary.BigEndian.Uint16(frm.buf[8:10]) }
func (frm Frame) SetNSCount(ns uint16) { binary.BigEndian.PutUint16(frm.buf[8:10], ns) }
func (frm Frame) ARCount() uint16      { return binary.BigEndian.Uint16(frm.buf[10:12]) }
func (frm Frame) SetARCount(ar uint16) { binary.BigEndian.PutUint16(frm.buf[10:12], ar) }
