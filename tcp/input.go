package tcp

import (
	"log/slog"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/internal"
)

// Demux processes a TCP segment addressed from src to dst received at tick now.
// Malformed segments and segments failing the checksum are returned as errors
// for the caller to count. Segments matching no socket are answered with RST.
func (p *Pool) Demux(src, dst [4]byte, pkt []byte, now uint64) error {
	p.now = now
	tfrm, err := NewFrame(pkt)
	if err != nil {
		return err
	}
	var v knet.Validator
	tfrm.ValidateExceptCRC(&v)
	if err := v.ErrPop(); err != nil {
		return err
	}
	if tfrm.CRC() != tfrm.CalculateIPv4CRC(&src, &dst) {
		return knet.ErrBadCRC
	}
	payload := tfrm.Payload()
	seg := tfrm.Segment(len(payload))
	lport, rport := tfrm.DestinationPort(), tfrm.SourcePort()
	if internal.LogEnabled(p.log.Log, internal.LevelTrace) {
		p.log.Trace("tcp:demux", internal.SlogAddr4("src", &src), slog.Uint64("lport", uint64(lport)), slog.String("seg", seg.String()))
	}
	for i := range p.slots {
		if p.slots[i].matches(lport, src, rport) {
			return p.rcv(i, seg, payload)
		}
	}
	for i := range p.slots {
		s := &p.slots[i]
		if s.inUse && s.state == StateListen && s.localPort == lport {
			return p.rcvListen(i, dst, src, rport, seg)
		}
	}
	p.log.Debug("tcp:demux:orphan", internal.SlogAddr4("src", &src), slog.Uint64("port", uint64(lport)))
	p.sendRST(dst, src, lport, rport, seg)
	return nil
}

// sendRST answers seg with a reset as RFC 9293 prescribes for segments
// arriving at a nonexistent connection. A RST is never answered.
func (p *Pool) sendRST(local, remote [4]byte, lport, rport uint16, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	var rst Segment
	if seg.Flags.HasAny(FlagACK) {
		rst = Segment{SEQ: seg.ACK, Flags: FlagRST}
	} else {
		rst = Segment{ACK: Add(seg.SEQ, seg.LEN()), Flags: rstack}
	}
	if err := p.emit(local, remote, lport, rport, rst, nil); err != nil {
		p.log.Error("tcp:rst", slog.String("err", err.Error()))
	}
}

// rcvListen handles a segment arriving at listener li. A SYN spawns a new
// socket in SYN-RECEIVED; the listener itself stays in LISTEN.
func (p *Pool) rcvListen(li int, local, remote [4]byte, rport uint16, seg Segment) error {
	lport := p.slots[li].localPort
	switch {
	case seg.Flags.HasAny(FlagRST):
		return nil
	case seg.Flags.HasAny(FlagACK):
		p.sendRST(local, remote, lport, rport, seg)
		return nil
	case !seg.Flags.HasAny(FlagSYN):
		return knet.ErrPacketDrop
	}
	ci, ok := p.alloc()
	if !ok {
		p.log.Warn("tcp:listen:pool-full", slog.Uint64("port", uint64(lport)), slog.Int("slots", len(p.slots)))
		p.sendRST(local, remote, lport, rport, seg)
		return knet.ErrExhausted
	}
	// alloc may have moved the slot array.
	c := &p.slots[ci]
	c.listener = li
	c.localAddr = local
	c.localPort = lport
	c.remoteAddr = remote
	c.remotePort = rport
	c.rcv = recvSpace{IRS: seg.SEQ, NXT: Add(seg.SEQ, 1)}
	iss := p.iss.ISS(p.now, local, remote, lport, rport)
	c.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss, WND: seg.WND}
	c.state = StateSynRcvd
	c.since = p.now
	p.log.Debug("tcp:listen:syn", internal.SlogAddr4("remote", &remote), slog.Uint64("rport", uint64(rport)), slog.Uint64("iss", uint64(iss)))
	return p.sendSeg(c, synack, nil)
}

func (p *Pool) rcv(idx int, seg Segment, payload []byte) error {
	s := &p.slots[idx]
	if seg.Flags.HasAny(FlagRST) {
		return p.rcvRST(idx, seg)
	}
	switch s.state {
	case StateSynSent:
		return p.rcvSynSent(s, seg)
	case StateSynRcvd:
		if !p.rcvSynRcvd(s, seg) {
			return nil
		}
		if seg.DATALEN == 0 && !seg.Flags.HasAny(FlagFIN) {
			return nil
		}
	}
	return p.rcvSynchronized(idx, seg, payload)
}

func (p *Pool) rcvRST(idx int, seg Segment) error {
	s := &p.slots[idx]
	var acceptable bool
	if s.state == StateSynSent {
		acceptable = seg.Flags.HasAny(FlagACK) && seg.ACK == s.snd.NXT
	} else {
		acceptable = seg.SEQ.InWindow(s.rcv.NXT, max(s.rcvWindow(), 1))
	}
	if !acceptable {
		return knet.ErrPacketDrop
	}
	p.log.Info("tcp:rst", internal.SlogAddr4("remote", &s.remoteAddr), slog.String("state", s.state.String()))
	s.reset = true
	p.closed(idx)
	return nil
}

func (p *Pool) rcvSynSent(s *socket, seg Segment) error {
	hasAck := seg.Flags.HasAny(FlagACK)
	if hasAck && seg.ACK != s.snd.NXT {
		p.sendRST(s.localAddr, s.remoteAddr, s.localPort, s.remotePort, seg)
		return knet.ErrPacketDrop
	} else if !seg.Flags.HasAny(FlagSYN) {
		return knet.ErrPacketDrop
	}
	s.rcv = recvSpace{IRS: seg.SEQ, NXT: Add(seg.SEQ, 1)}
	s.snd.WND = seg.WND
	s.since = p.now
	if !hasAck {
		// Simultaneous open.
		s.state = StateSynRcvd
		s.snd.NXT = s.snd.ISS
		return p.sendSeg(s, synack, nil)
	}
	s.snd.UNA = seg.ACK
	s.state = StateEstablished
	s.synced = true
	p.log.Info("tcp:established", internal.SlogAddr4("remote", &s.remoteAddr), slog.Uint64("rport", uint64(s.remotePort)))
	return p.sendSeg(s, FlagACK, nil)
}

// rcvSynRcvd completes the passive open. It reports whether the connection
// is now ESTABLISHED and the segment should continue to be processed.
func (p *Pool) rcvSynRcvd(s *socket, seg Segment) bool {
	if seg.Flags.HasAny(FlagSYN) {
		if seg.SEQ == s.rcv.IRS {
			// Retransmitted SYN, our SYN-ACK was lost.
			s.snd.NXT = s.snd.ISS
			p.sendSeg(s, synack, nil)
		}
		return false
	} else if !seg.Flags.HasAny(FlagACK) {
		return false
	}
	switch seg.ACK {
	case s.snd.NXT:
	case s.snd.NXT + 1, s.snd.NXT - 1:
		if p.strictACK {
			p.log.Warn("tcp:synrcvd:ack-off-by-one", slog.Uint64("ack", uint64(seg.ACK)), slog.Uint64("want", uint64(s.snd.NXT)))
			p.sendRST(s.localAddr, s.remoteAddr, s.localPort, s.remotePort, seg)
			return false
		}
		p.log.Debug("tcp:synrcvd:ack-off-by-one-tolerated", slog.Uint64("ack", uint64(seg.ACK)), slog.Uint64("want", uint64(s.snd.NXT)))
	default:
		p.sendRST(s.localAddr, s.remoteAddr, s.localPort, s.remotePort, seg)
		return false
	}
	s.snd.UNA = s.snd.NXT
	s.snd.WND = seg.WND
	s.state = StateEstablished
	s.synced = true
	s.since = p.now
	p.log.Info("tcp:established", internal.SlogAddr4("remote", &s.remoteAddr), slog.Uint64("rport", uint64(s.remotePort)), slog.Uint64("lport", uint64(s.localPort)))
	return true
}

// rcvSynchronized handles segments in ESTABLISHED and the closing states.
// Only in-order segments are accepted.
func (p *Pool) rcvSynchronized(idx int, seg Segment, payload []byte) error {
	s := &p.slots[idx]
	if seg.Flags.HasAny(FlagSYN) {
		// Challenge ACK, RFC 5961.
		p.sendSeg(s, FlagACK, nil)
		return knet.ErrPacketDrop
	}
	if seg.SEQ != s.rcv.NXT {
		if seg.LEN() > 0 {
			p.sendSeg(s, FlagACK, nil)
		}
		return knet.ErrPacketDrop
	}
	if seg.Flags.HasAny(FlagACK) {
		switch {
		case LessThan(s.snd.NXT, seg.ACK):
			// Acknowledges data never sent.
			p.sendSeg(s, FlagACK, nil)
			return knet.ErrPacketDrop
		case LessThan(s.snd.UNA, seg.ACK):
			s.snd.UNA = seg.ACK
		}
		s.snd.WND = seg.WND
	}
	finAcked := s.finSent && s.snd.UNA == s.snd.NXT
	switch {
	case s.state == StateFinWait1 && finAcked:
		s.state = StateFinWait2
	case s.state == StateClosing && finAcked:
		s.state = StateTimeWait
		s.since = p.now
	case s.state == StateLastAck && finAcked:
		p.log.Debug("tcp:lastack:closed", slog.Uint64("lport", uint64(s.localPort)))
		p.closed(idx)
		return nil
	}

	needAck := false
	complete := true
	if seg.DATALEN > 0 {
		switch s.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			n, _ := s.rx.Write(payload)
			s.rcv.NXT = Add(s.rcv.NXT, Size(n))
			if n < len(payload) {
				p.log.Warn("tcp:rcv:overflow", slog.Int("dropped", len(payload)-n))
				complete = false
			}
			needAck = true
		}
	}
	if seg.Flags.HasAny(FlagFIN) && complete {
		s.rcv.NXT = Add(s.rcv.NXT, 1)
		switch s.state {
		case StateEstablished:
			s.state = StateCloseWait
			if err := p.sendSeg(s, FlagACK, nil); err != nil {
				return err
			}
			s.state = StateLastAck
			return p.sendFIN(s)
		case StateFinWait1:
			s.state = StateClosing
		case StateFinWait2, StateTimeWait:
			s.state = StateTimeWait
			s.since = p.now
		}
		needAck = true
	}
	if needAck {
		return p.sendSeg(s, FlagACK, nil)
	}
	return nil
}
