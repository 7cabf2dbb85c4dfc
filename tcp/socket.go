package tcp

import (
	"github.com/hobbyos/knet/internal"
)

// Handle identifies a socket of a [Pool]. Handles stay valid while the pool
// grows and become stale once the socket is freed. The zero Handle is invalid.
type Handle uint16

func makeHandle(idx int, gen uint8) Handle { return Handle(gen)<<8 | Handle(idx+1) }

func (h Handle) index() int { return int(h&0xff) - 1 }
func (h Handle) gen() uint8 { return uint8(h >> 8) }

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type sendSpace struct {
	ISS Value // initial send sequence number, defined locally on connection start
	UNA Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote.
	NXT Value // send next.
	WND Size  // send window defined by remote.
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. seqs before this have been acked.
}

type socket struct {
	inUse bool
	gen   uint8
	state State
	// userHeld marks sockets returned by Create or Accept. They are freed only
	// after Close so buffered data stays readable.
	userHeld   bool
	userClosed bool
	accepted   bool
	finSent    bool
	synced     bool // reached ESTABLISHED at least once.
	reset      bool
	listener   int // slot of the listener that spawned this socket or -1.

	localAddr  [4]byte
	localPort  uint16
	remoteAddr [4]byte
	remotePort uint16

	snd sendSpace
	rcv recvSpace
	rx  internal.Ring
	// since is the tick of the last state change used by SYN-RECEIVED and TIME-WAIT expiry.
	since uint64
}

// init readies a free slot for a new socket keeping the receive buffer allocation.
func (s *socket) init(gen uint8) {
	rx := s.rx
	if rx.Buf == nil {
		rx = internal.NewRing(RxBufferSize)
	}
	rx.Reset()
	*s = socket{inUse: true, gen: gen, listener: -1, rx: rx}
}

func (s *socket) rcvWindow() Size { return Size(s.rx.Free()) }

func (s *socket) matches(lport uint16, raddr [4]byte, rport uint16) bool {
	return s.inUse && s.state != StateListen && s.state != StateClosed &&
		s.localPort == lport && s.remoteAddr == raddr && s.remotePort == rport
}

// peerClosed reports whether the remote end sent FIN or the connection is gone.
func (s *socket) peerClosed() bool {
	switch s.state {
	case StateCloseWait, StateLastAck, StateClosing, StateTimeWait, StateClosed:
		return true
	}
	return false
}
