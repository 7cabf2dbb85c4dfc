package tcp

import (
	"io"
	"log/slog"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/internal"
)

// Sender hands a complete TCP segment with a valid checksum to the network layer.
type Sender interface {
	SendTCP(src, dst [4]byte, segment []byte) error
}

type PoolConfig struct {
	// InitialSize is the number of socket slots allocated up front. Defaults to 8.
	InitialSize int
	// MaxSize bounds growth by doubling. Defaults to 64.
	MaxSize int
	// StrictACK makes SYN-RECEIVED refuse an ACK one off from SND.NXT with a RST
	// instead of tolerating it.
	StrictACK bool
	// ISS generates initial sequence numbers. An unkeyed generator is used if nil.
	ISS *ISSGenerator
	// TimeWait is the number of ticks a socket lingers in TIME-WAIT. Defaults to 4000.
	TimeWait uint64
	// SynTimeout is the number of ticks a half-open connection may occupy a slot. Defaults to 10000.
	SynTimeout uint64
	// Seed for ephemeral port selection.
	Seed   uint32
	Sender Sender
	Logger *slog.Logger
}

// Pool owns every TCP socket of a stack. It is not safe for concurrent use;
// the stack serializes calls under its lock.
type Pool struct {
	log        internal.Logger
	out        Sender
	slots      []socket
	used       int
	maxSize    int
	strictACK  bool
	iss        *ISSGenerator
	timeWait   uint64
	synTimeout uint64
	now        uint64
	rng        internal.Xorshift
	txbuf      [sizeHeaderTCP + MSS]byte
}

// NewPool returns a pool ready to create sockets.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Sender == nil {
		return nil, knet.ErrInvalidConfig
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = 8
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 64
	}
	if cfg.MaxSize > 255 || cfg.InitialSize > cfg.MaxSize {
		return nil, knet.ErrInvalidConfig
	}
	if cfg.ISS == nil {
		iss, err := NewISSGenerator(nil)
		if err != nil {
			return nil, err
		}
		cfg.ISS = iss
	}
	if cfg.TimeWait == 0 {
		cfg.TimeWait = 4000
	}
	if cfg.SynTimeout == 0 {
		cfg.SynTimeout = 10000
	}
	p := &Pool{
		log:        internal.Logger{Log: cfg.Logger},
		out:        cfg.Sender,
		slots:      make([]socket, cfg.InitialSize),
		maxSize:    cfg.MaxSize,
		strictACK:  cfg.StrictACK,
		iss:        cfg.ISS,
		timeWait:   cfg.TimeWait,
		synTimeout: cfg.SynTimeout,
	}
	p.rng.Seed(cfg.Seed)
	return p, nil
}

// Len returns the number of sockets in use.
func (p *Pool) Len() int { return p.used }

// Cap returns the number of allocated slots.
func (p *Pool) Cap() int { return len(p.slots) }

// alloc returns a free slot index, doubling the slot array when full.
func (p *Pool) alloc() (int, bool) {
	for i := range p.slots {
		if !p.slots[i].inUse {
			p.take(i)
			return i, true
		}
	}
	n := len(p.slots)
	if n >= p.maxSize {
		return -1, false
	}
	grown := make([]socket, min(2*n, p.maxSize))
	copy(grown, p.slots)
	p.slots = grown
	p.log.Info("tcp:pool:grow", slog.Int("slots", len(grown)))
	p.take(n)
	return n, true
}

func (p *Pool) take(idx int) {
	s := &p.slots[idx]
	s.init(s.gen + 1)
	s.since = p.now
	p.used++
}

func (p *Pool) free(idx int) {
	s := &p.slots[idx]
	if !s.inUse {
		return
	}
	s.inUse = false
	s.state = StateClosed
	p.used--
}

func (p *Pool) get(h Handle) (*socket, int, error) {
	idx := h.index()
	if idx < 0 || idx >= len(p.slots) {
		return nil, -1, errBadHandle
	}
	s := &p.slots[idx]
	if !s.inUse || s.gen != h.gen() || !s.userHeld {
		return nil, -1, errBadHandle
	}
	return s, idx, nil
}

// Create allocates a socket in the CLOSED state. It returns [knet.ErrExhausted] when the pool is full.
func (p *Pool) Create() (Handle, error) {
	idx, ok := p.alloc()
	if !ok {
		return 0, knet.ErrExhausted
	}
	s := &p.slots[idx]
	s.userHeld = true
	return makeHandle(idx, s.gen), nil
}

func (p *Pool) portInUse(port uint16, except int) bool {
	for i := range p.slots {
		s := &p.slots[i]
		if i != except && s.inUse && s.localPort == port && (s.state == StateListen || s.remotePort == 0) {
			return true
		}
	}
	return false
}

// Bind assigns a local port to a CLOSED socket.
func (p *Pool) Bind(h Handle, port uint16) error {
	s, idx, err := p.get(h)
	if err != nil {
		return err
	} else if s.state != StateClosed || s.localPort != 0 {
		return errInvalidState
	} else if port == 0 {
		return errZeroPort
	} else if p.portInUse(port, idx) {
		return errPortInUse
	}
	s.localPort = port
	return nil
}

// Listen moves a bound socket into LISTEN.
func (p *Pool) Listen(h Handle) error {
	s, _, err := p.get(h)
	if err != nil {
		return err
	} else if s.localPort == 0 {
		return errNotBound
	} else if s.state != StateClosed {
		return errInvalidState
	}
	s.state = StateListen
	p.log.Info("tcp:listen", slog.Uint64("port", uint64(s.localPort)))
	return nil
}

// Accept returns a connection spawned by listener that completed its handshake.
// It never blocks; ok is false if no connection is ready.
func (p *Pool) Accept(listener Handle) (h Handle, ok bool, err error) {
	ls, lidx, err := p.get(listener)
	if err != nil {
		return 0, false, err
	} else if ls.state != StateListen {
		return 0, false, errInvalidState
	}
	for i := range p.slots {
		s := &p.slots[i]
		if !s.inUse || s.listener != lidx || s.accepted || !s.synced {
			continue
		}
		s.accepted = true
		s.userHeld = true
		return makeHandle(i, s.gen), true, nil
	}
	return 0, false, nil
}

// FindReadyClient accepts a ready connection on the socket listening on port.
func (p *Pool) FindReadyClient(port uint16) (Handle, bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.inUse && s.userHeld && s.state == StateListen && s.localPort == port {
			h, ok, _ := p.Accept(makeHandle(i, s.gen))
			return h, ok
		}
	}
	return 0, false
}

// Connect starts an active open from local to remote:port. The socket must be CLOSED.
// An unbound socket is assigned an ephemeral port.
func (p *Pool) Connect(h Handle, local, remote [4]byte, port uint16) error {
	s, idx, err := p.get(h)
	if err != nil {
		return err
	} else if s.state != StateClosed || s.synced {
		return errInvalidState
	} else if port == 0 {
		return errZeroPort
	} else if knet.IsZero4(remote) {
		return knet.ErrInvalidAddr
	}
	if s.localPort == 0 {
		for {
			lp := p.rng.EphemeralPort()
			if !p.portInUse(lp, idx) {
				s.localPort = lp
				break
			}
		}
	}
	s.localAddr = local
	s.remoteAddr = remote
	s.remotePort = port
	iss := p.iss.ISS(p.now, local, remote, s.localPort, port)
	s.snd = sendSpace{ISS: iss, UNA: iss, NXT: iss}
	s.state = StateSynSent
	s.since = p.now
	return p.sendSeg(s, FlagSYN, nil)
}

// Send queues data on an established connection. Data beyond the peer's
// window is not sent and the count of bytes sent is returned.
func (p *Pool) Send(h Handle, data []byte) (int, error) {
	s, _, err := p.get(h)
	if err != nil {
		return 0, err
	}
	switch {
	case s.reset:
		return 0, errConnReset
	case s.state == StateEstablished || s.state == StateCloseWait:
	case s.state.IsClosing() || s.userClosed:
		return 0, errConnClosing
	default:
		return 0, errNotConnected
	}
	var sent int
	for sent < len(data) {
		inflight := Sizeof(s.snd.UNA, s.snd.NXT)
		if inflight >= s.snd.WND {
			break
		}
		chunk := data[sent:]
		chunk = chunk[:min(len(chunk), MSS, int(s.snd.WND-inflight))]
		if err := p.sendSeg(s, pshack, chunk); err != nil {
			return sent, err
		}
		sent += len(chunk)
	}
	return sent, nil
}

// Recv reads buffered data without blocking. It returns io.EOF once the peer
// closed and all data was read.
func (p *Pool) Recv(h Handle, buf []byte) (int, error) {
	s, _, err := p.get(h)
	if err != nil {
		return 0, err
	}
	if s.rx.Buffered() > 0 {
		n, _ := s.rx.Read(buf)
		return n, nil
	}
	switch {
	case s.reset:
		return 0, errConnReset
	case s.synced && s.peerClosed():
		return 0, io.EOF
	case !s.synced && s.state == StateClosed:
		return 0, errNotConnected
	}
	return 0, nil
}

// Available returns the number of bytes ready to be read.
func (p *Pool) Available(h Handle) int {
	s, _, err := p.get(h)
	if err != nil {
		return 0
	}
	return s.rx.Buffered()
}

// State returns the connection state of the socket.
func (p *Pool) State(h Handle) (State, error) {
	s, _, err := p.get(h)
	if err != nil {
		return StateClosed, err
	}
	return s.state, nil
}

// RemoteAddr returns the peer address and port of the socket.
func (p *Pool) RemoteAddr(h Handle) (addr [4]byte, port uint16, err error) {
	s, _, err := p.get(h)
	if err != nil {
		return addr, 0, err
	}
	return s.remoteAddr, s.remotePort, nil
}

// LocalPort returns the bound port of the socket.
func (p *Pool) LocalPort(h Handle) (uint16, error) {
	s, _, err := p.get(h)
	if err != nil {
		return 0, err
	}
	return s.localPort, nil
}

// Close releases the socket. Connected sockets send FIN and linger in the
// closing states; their slot is freed once the connection terminates.
// A listener's connections that were never accepted are reset.
func (p *Pool) Close(h Handle) error {
	s, idx, err := p.get(h)
	if err != nil {
		return err
	}
	s.userClosed = true
	switch s.state {
	case StateListen:
		for i := range p.slots {
			c := &p.slots[i]
			if c.inUse && c.listener == idx && !c.accepted {
				if c.state != StateClosed {
					p.sendSeg(c, rstack, nil)
				}
				p.free(i)
			} else if c.inUse && c.listener == idx {
				c.listener = -1
			}
		}
		p.free(idx)
	case StateClosed, StateSynSent:
		p.free(idx)
	case StateSynRcvd, StateEstablished:
		s.state = StateFinWait1
		s.since = p.now
		return p.sendFIN(s)
	case StateCloseWait:
		s.state = StateLastAck
		return p.sendFIN(s)
	}
	// Remaining closing states free the slot on termination.
	return nil
}

// Tick expires TIME-WAIT and stale half-open sockets.
func (p *Pool) Tick(now uint64) {
	p.now = now
	for i := range p.slots {
		s := &p.slots[i]
		if !s.inUse {
			continue
		}
		switch {
		case s.state == StateTimeWait && now-s.since >= p.timeWait:
			p.closed(i)
		case (s.state == StateSynRcvd || s.state == StateSynSent) && now-s.since >= p.synTimeout:
			p.log.Debug("tcp:tick:syn-timeout", slog.Uint64("port", uint64(s.localPort)))
			if s.state == StateSynRcvd {
				p.sendSeg(s, FlagRST, nil)
			}
			s.reset = true
			p.closed(i)
		}
	}
}

// closed moves the socket to CLOSED and frees its slot unless a user still
// holds it or it carries data waiting to be accepted.
func (p *Pool) closed(idx int) {
	s := &p.slots[idx]
	s.state = StateClosed
	awaitingAccept := s.listener >= 0 && !s.accepted && s.rx.Buffered() > 0
	if s.userClosed || (!s.userHeld && !awaitingAccept) {
		p.free(idx)
	}
}

func (p *Pool) sendFIN(s *socket) error {
	s.finSent = true
	return p.sendSeg(s, finack, nil)
}

// sendSeg emits a segment from s and advances SND.NXT by its sequence length.
func (p *Pool) sendSeg(s *socket, flags Flags, payload []byte) error {
	seg := Segment{
		SEQ:     s.snd.NXT,
		WND:     s.rcvWindow(),
		Flags:   flags,
		DATALEN: Size(len(payload)),
	}
	if flags.HasAny(FlagACK) {
		seg.ACK = s.rcv.NXT
	}
	err := p.emit(s.localAddr, s.remoteAddr, s.localPort, s.remotePort, seg, payload)
	if err != nil {
		p.log.Error("tcp:send", slog.String("err", err.Error()))
		return err
	}
	s.snd.NXT = Add(s.snd.NXT, seg.LEN())
	return nil
}

// emit builds a segment in the transmit buffer and hands it to the Sender.
func (p *Pool) emit(src, dst [4]byte, sport, dport uint16, seg Segment, payload []byte) error {
	n := sizeHeaderTCP + len(payload)
	if n > len(p.txbuf) {
		return knet.ErrShortBuffer
	}
	tfrm, _ := NewFrame(p.txbuf[:n])
	tfrm.ClearHeader()
	tfrm.SetSourcePort(sport)
	tfrm.SetDestinationPort(dport)
	tfrm.SetSegment(seg, 5)
	copy(tfrm.Payload(), payload)
	tfrm.SetCRC(tfrm.CalculateIPv4CRC(&src, &dst))
	if internal.LogEnabled(p.log.Log, internal.LevelTrace) {
		p.log.Trace("tcp:emit", internal.SlogAddr4("dst", &dst), slog.String("seg", seg.String()))
	}
	return p.out.SendTCP(src, dst, p.txbuf[:n])
}
