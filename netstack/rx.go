package netstack

import (
	"context"
	"log/slog"
	"time"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/ethernet"
	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/ipv4"
	"github.com/hobbyos/knet/ipv4/icmpv4"
	"github.com/hobbyos/knet/netdev"
	"github.com/hobbyos/knet/udp"
)

type rxBuf struct {
	l    *link
	n    int
	data [knet.MaxFrameSize]byte
}

// enqueue runs in interrupt context. It copies the frame and never blocks;
// when no buffer is free the frame is dropped and counted.
func (s *Stack) enqueue(l *link, frame []byte) {
	if len(frame) > knet.MaxFrameSize {
		l.ifc.CountError()
		return
	}
	var b *rxBuf
	select {
	case b = <-s.free:
	default:
		s.dropped.Add(1)
		l.ifc.CountError()
		return
	}
	b.l = l
	b.n = copy(b.data[:], frame)
	s.rxq <- b // capacity equals the number of buffers.
}

// Drain processes every queued frame and returns how many were handled.
func (s *Stack) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

func (s *Stack) drainLocked() (n int) {
	for {
		select {
		case b := <-s.rxq:
			s.handleFrame(b.l, b.data[:b.n])
			b.l = nil
			s.free <- b
			n++
		default:
			return n
		}
	}
}

// Poll drains the receive queue and runs timers.
func (s *Stack) Poll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.drainLocked()
	s.tickLocked()
	return n
}

// Serve is the deferred work loop: it drains the receive queue as frames
// arrive and runs timers every interval until ctx is done.
func (s *Stack) Serve(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-s.rxq:
			s.mu.Lock()
			s.handleFrame(b.l, b.data[:b.n])
			b.l = nil
			s.free <- b
			s.drainLocked()
			s.mu.Unlock()
		case <-tick.C:
			s.Tick()
		}
	}
}

// handleFrame is the L2 demultiplexer. Errors are counted and dropped here.
func (s *Stack) handleFrame(l *link, frame []byte) {
	l.ifc.CountRx(len(frame))
	if !l.ifc.IsUp() {
		return
	}
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		l.ifc.CountError()
		return
	}
	var v knet.Validator
	efrm.ValidateSize(&v)
	if v.HasError() {
		l.ifc.CountError()
		return
	}
	if !efrm.IsBroadcast() && *efrm.DestinationHardwareAddr() != l.ifc.HardwareAddr() &&
		l.ifc.Flags()&netdev.FlagPromisc == 0 {
		return
	}
	s.rxLnk = l
	defer func() { s.rxLnk = nil }()
	switch efrm.EtherTypeOrSize() {
	case knet.EtherTypeARP:
		err = s.handleARP(l, efrm.Payload())
	case knet.EtherTypeIPv4:
		err = s.handleIPv4(l, efrm.Payload())
	default:
		return
	}
	if err != nil {
		l.ifc.CountError()
		if internal.LogEnabled(s.log.Log, slog.LevelDebug) {
			s.log.Debug("netstack:rx:drop", slog.String("iface", l.ifc.Name()), slog.String("err", err.Error()))
		}
	}
}

func (s *Stack) handleARP(l *link, pkt []byte) error {
	reply := s.l4buf[:]
	n, dst, err := l.arp.Demux(pkt, s.clock.Ticks(), reply)
	if err != nil || n == 0 {
		return err
	}
	return s.sendFrame(l, dst, knet.EtherTypeARP, reply[:n])
}

func (s *Stack) handleIPv4(l *link, pkt []byte) error {
	ifrm, err := ipv4.NewFrame(pkt)
	if err != nil {
		return err
	}
	var v knet.Validator
	ifrm.Validate(&v)
	if v.HasError() {
		return v.ErrPop()
	}
	src, dst := *ifrm.SourceAddr(), *ifrm.DestinationAddr()
	ours := l.ifc.Addr()
	unconfigured := knet.IsZero4(ours)
	broadcast := dst == knet.Broadcast4 || (!unconfigured && dst == s.subnetBroadcast(l))
	if !broadcast && dst != ours && !unconfigured {
		return nil // not forwarding
	}
	switch ifrm.Protocol() {
	case knet.IPProtoICMP:
		if broadcast || unconfigured {
			return nil
		}
		return s.handleICMP(src, dst, ifrm.Payload())
	case knet.IPProtoUDP:
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return err
		}
		err = s.udp.Demux(src, dst, ufrm)
		if udp.IsNoHandler(err) {
			if !broadcast && !unconfigured {
				s.portUnreachable(src, dst, ifrm.RawData())
			}
			return nil
		}
		return err
	case knet.IPProtoTCP:
		if broadcast || unconfigured {
			return nil
		}
		return s.tcp.Demux(src, dst, ifrm.Payload(), s.clock.Ticks())
	}
	return nil
}

func (s *Stack) subnetBroadcast(l *link) [4]byte {
	addr, mask := knet.U32FromAddr4(l.ifc.Addr()), knet.U32FromAddr4(l.ifc.Netmask())
	return knet.Addr4FromU32(addr | ^mask)
}

func (s *Stack) handleICMP(src, dst [4]byte, msg []byte) error {
	frm, err := icmpv4.NewFrame(msg)
	if err != nil {
		return err
	}
	switch frm.Type() {
	case icmpv4.TypeEcho:
		n, err := icmpv4.PutEchoReply(s.l4buf[:], msg)
		if err != nil {
			return err
		}
		s.log.Trace("netstack:icmp:echo", internal.SlogAddr4("from", &src))
		return s.sendIPv4(knet.IPProtoICMP, dst, src, s.l4buf[:n])
	case icmpv4.TypeEchoReply:
		var v knet.Validator
		frm.Validate(&v)
		if v.HasError() {
			return v.ErrPop()
		}
		s.pinger.HandleReply(icmpv4.FrameEcho{Frame: frm}, s.clock.Ticks())
	case icmpv4.TypeDestinationUnreachable, icmpv4.TypeTimeExceeded:
		s.log.Info("netstack:icmp:error", internal.SlogAddr4("from", &src),
			slog.Uint64("type", uint64(frm.Type())), slog.Uint64("code", uint64(frm.Code())))
	}
	return nil
}

// portUnreachable answers a datagram for an unbound port, rate limited.
func (s *Stack) portUnreachable(src, dst [4]byte, original []byte) {
	if !s.unreach.AllowN(tickTime(s.clock.Ticks()), 1) {
		return
	}
	n, err := icmpv4.PutDestinationUnreachable(s.l4buf[:], icmpv4.CodePortUnreachable, original)
	if err == nil {
		err = s.sendIPv4(knet.IPProtoICMP, dst, src, s.l4buf[:n])
	}
	if err != nil {
		s.log.Debug("netstack:icmp:unreachable", slog.String("err", err.Error()))
	}
}
