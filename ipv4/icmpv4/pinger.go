package icmpv4

import "errors"

var (
	errPingBusy    = errors.New("icmpv4: ping already outstanding")
	errPingTimeout = errors.New("icmpv4: ping timeout")
)

// Pinger tracks one outstanding echo request for the foreground ping command.
// Ticks are whatever unit the caller's clock uses; RTT is reported in the same unit.
type Pinger struct {
	id, seq  uint16
	sentAt   uint64
	rtt      uint64
	pending  bool
	received bool
}

// Start records an echo request sent at tick now.
func (p *Pinger) Start(id, seq uint16, now uint64) error {
	if p.pending {
		return errPingBusy
	}
	*p = Pinger{id: id, seq: seq, sentAt: now, pending: true}
	return nil
}

// HandleReply consumes an echo reply. It returns true when the reply matches
// the outstanding identifier and sequence pair.
func (p *Pinger) HandleReply(echo FrameEcho, now uint64) bool {
	if !p.pending || echo.Type() != TypeEchoReply ||
		echo.Identifier() != p.id || echo.SequenceNumber() != p.seq {
		return false
	}
	p.pending = false
	p.received = true
	p.rtt = now - p.sentAt
	return true
}

// Result returns the round trip time once a reply arrived. When timeout ticks
// have elapsed since Start without a reply the ping is abandoned and an error returned.
func (p *Pinger) Result(now, timeout uint64) (rtt uint64, done bool, err error) {
	if p.received {
		return p.rtt, true, nil
	} else if !p.pending {
		return 0, false, nil
	}
	if now-p.sentAt > timeout {
		p.pending = false
		return 0, true, errPingTimeout
	}
	return 0, false, nil
}

// Pending reports whether an echo request awaits its reply.
func (p *Pinger) Pending() bool { return p.pending }

// Abort forgets the outstanding request.
func (p *Pinger) Abort() { *p = Pinger{} }

// IsTimeout reports whether err is a ping timeout.
func IsTimeout(err error) bool { return err == errPingTimeout }
