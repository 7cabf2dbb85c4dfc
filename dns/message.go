package dns

import (
	"encoding/binary"
)

// AppendQuery appends a recursion-desired query with a single IN question to dst.
func AppendQuery(dst []byte, txid uint16, name string, qtype Type) ([]byte, error) {
	var hdr [SizeHeader]byte
	frm, _ := NewFrame(hdr[:])
	frm.SetTxID(txid)
	frm.SetFlags(NewClientHeaderFlags(OpCodeQuery, true))
	frm.SetQDCount(1)
	start := len(dst)
	dst = append(dst, hdr[:]...)
	dst, err := AppendName(dst, name)
	if err != nil {
		return dst[:start], err
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(qtype))
	dst = binary.BigEndian.AppendUint16(dst, uint16(ClassINET))
	return dst, nil
}

// Record is a resource record of a parsed message. Data aliases the message.
type Record struct {
	msg     []byte
	Owner   int // offset of the owner name in the message.
	Type    Type
	Class   Class
	TTL     uint32
	Data    []byte
	dataOff int
}

// AppendOwner appends the dotted owner name of the record to dst.
func (r *Record) AppendOwner(dst []byte) ([]byte, error) {
	dst, _, err := DecodeName(dst, r.msg, r.Owner)
	return dst, err
}

// AppendTarget appends the dotted name stored in the record data (CNAME, PTR, NS) to dst.
func (r *Record) AppendTarget(dst []byte) ([]byte, error) {
	dst, _, err := DecodeName(dst, r.msg, r.dataOff)
	return dst, err
}

// ForEachAnswer validates the response header against txid, skips the
// question section and calls fn for every record of the answer section.
// A nonzero response code is returned as an [RCode] error before fn is called.
func ForEachAnswer(msg []byte, txid uint16, fn func(rr *Record) error) error {
	frm, err := NewFrame(msg)
	if err != nil {
		return err
	}
	flags := frm.Flags()
	if !flags.IsResponse() {
		return errNotResponse
	} else if frm.TxID() != txid {
		return errTxIDMismatch
	} else if rc := flags.ResponseCode(); rc != RCodeSuccess {
		return rc
	} else if flags.IsTruncated() {
		return errTruncated
	}
	off := SizeHeader
	for i := 0; i < int(frm.QDCount()); i++ {
		off, err = SkipName(msg, off)
		if err != nil {
			return err
		}
		off += 4
		if off > len(msg) {
			return errBaseLen
		}
	}
	var rr Record
	for i := 0; i < int(frm.ANCount()); i++ {
		rr = Record{msg: msg, Owner: off}
		off, err = SkipName(msg, off)
		if err != nil {
			return err
		}
		if off+10 > len(msg) {
			return errResourceLen
		}
		rr.Type = Type(binary.BigEndian.Uint16(msg[off:]))
		rr.Class = Class(binary.BigEndian.Uint16(msg[off+2:]))
		rr.TTL = binary.BigEndian.Uint32(msg[off+4:])
		rdlen := int(binary.BigEndian.Uint16(msg[off+8:]))
		off += 10
		if off+rdlen > len(msg) {
			return errResourceLen
		}
		rr.dataOff = off
		rr.Data = msg[off : off+rdlen]
		off += rdlen
		if err = fn(&rr); err != nil {
			return err
		}
	}
	return nil
}
