package tcp

import (
	"errors"
	"math/bits"
	"strconv"
)

const (
	sizeHeaderTCP = 20
	// MSS is the largest payload placed in a single segment, an Ethernet MTU minus IPv4 and TCP headers.
	MSS = 1500 - 20 - sizeHeaderTCP
	// RxBufferSize is the capacity of a socket's receive ring.
	RxBufferSize = 4096
)

var (
	errShortFrame   = errors.New("tcp: short frame")
	errBadOffset    = errors.New("tcp: bad data offset")
	errZeroPort     = errors.New("tcp: zero port")
	errBadHandle    = errors.New("tcp: invalid socket handle")
	errPortInUse    = errors.New("tcp: port in use")
	errNotBound     = errors.New("tcp: socket not bound")
	errNotConnected = errors.New("tcp: socket not connected")
	errConnReset    = errors.New("tcp: connection reset by peer")
	errConnClosing  = errors.New("tcp: connection closing")
	errInvalidState = errors.New("tcp: invalid state for operation")
)

// Segment represents an incoming/outgoing TCP segment in the sequence space.
type Segment struct {
	SEQ     Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN) and the first data octet is ISN+1.
	ACK     Value // acknowledgment number. If ACK is set it is sequence number of first octet the sender of the segment is expecting to receive next.
	DATALEN Size  // The number of octets occupied by the data (payload) not counting SYN and FIN.
	WND     Size  // segment window
	Flags   Flags // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return seg.DATALEN + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

func (seg Segment) String() string {
	b := make([]byte, 0, 48)
	b = append(b, "<SEQ="...)
	b = strconv.AppendUint(b, uint64(seg.SEQ), 10)
	b = append(b, "><ACK="...)
	b = strconv.AppendUint(b, uint64(seg.ACK), 10)
	if seg.DATALEN > 0 {
		b = append(b, "><DATA="...)
		b = strconv.AppendUint(b, uint64(seg.DATALEN), 10)
	}
	b = append(b, ">["...)
	b = seg.Flags.AppendFormat(b)
	return string(append(b, ']'))
}

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo has a nonce-sum in the SYN/ACK.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum flag (see RFC 3540).
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
	rstack = FlagRST | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns human readable flag string. i.e:
//
//	"[SYN,ACK]"
func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	return string(append(buf, ']'))
}

// AppendFormat appends a comma separated flag list to b, LSB (FIN) first.
func (flags Flags) AppendFormat(b []byte) []byte {
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var addcommas bool
	flags = flags.Mask()
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		}
		addcommas = true
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &^= 1 << i
	}
	return b
}

// State enumerates states a TCP connection progresses through during its lifetime.
type State uint8

const (
	// CLOSED - no connection state at all.
	StateClosed State = iota
	// LISTEN - waiting for a connection request from any remote TCP and port.
	StateListen
	// SYN-RECEIVED - waiting for a confirming connection request acknowledgment
	// after having both received and sent a connection request.
	StateSynRcvd
	// SYN-SENT - waiting for a matching connection request after having sent a connection request.
	StateSynSent
	// ESTABLISHED - an open connection, data received can be delivered to the user.
	StateEstablished
	// FIN-WAIT-1 - waiting for a connection termination request from the remote
	// TCP, or an acknowledgment of the termination request previously sent.
	StateFinWait1
	// FIN-WAIT-2 - waiting for a connection termination request from the remote TCP.
	StateFinWait2
	// CLOSING - waiting for a connection termination request acknowledgment from the remote TCP.
	StateClosing
	// TIME-WAIT - waiting for enough time to pass to be sure the remote
	// TCP received the acknowledgment of its connection termination request.
	StateTimeWait
	// CLOSE-WAIT - waiting for a connection termination request from the local user.
	StateCloseWait
	// LAST-ACK - waiting for an acknowledgment of the connection termination
	// request previously sent to the remote TCP.
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynRcvd:     "SYN-RECEIVED",
	StateSynSent:     "SYN-SENT",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsPreestablished returns true if the connection is in a state preceding the established state.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsClosing returns true if the connection is in a closing state but not yet terminated.
func (s State) IsClosing() bool {
	return s > StateEstablished
}

// IsSynchronized returns true if the connection has gone through the Established state.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// hasIRS reports whether the remote initial sequence number is known.
func (s State) hasIRS() bool {
	return s != StateClosed && s != StateSynSent && s != StateListen
}
