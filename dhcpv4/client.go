package dhcpv4

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/internal"
)

// Lease is the configuration acknowledged by the server.
type Lease struct {
	Addr    [4]byte
	Netmask [4]byte
	Router  [4]byte
	DNS     [4]byte
	Server  [4]byte
	// Lease time in seconds. Zero if the server did not send one.
	Duration uint32
}

type ClientConfig struct {
	HardwareAddr [6]byte
	// Optional hostname sent in option 12.
	Hostname string
	// RetryInterval is the number of ticks to wait for a reply before resending. Defaults to 2000.
	RetryInterval uint64
	// MaxRetries bounds the retransmissions in a single state. Defaults to 4.
	MaxRetries int
	// Timeout is the total number of ticks an attempt may last before the client gives up. Defaults to 16000.
	Timeout uint64
	Logger  *slog.Logger
}

// Event reports what a received message did to the client.
type Event uint8

const (
	EventNone  Event = iota // message ignored
	EventOffer              // offer accepted, request queued
	EventBound              // lease acquired
	EventNak                // request refused, back in INIT
)

// Client implements the DHCP client state machine for one interface.
// It only builds and parses BOOTP payloads; the caller owns UDP/IP/Ethernet
// encapsulation which is always broadcast from 0.0.0.0:68 to 255.255.255.255:67.
type Client struct {
	log      internal.Logger
	mac      [6]byte
	hostname string

	retryInterval uint64
	maxRetries    int
	timeout       uint64

	state   ClientState
	xid     uint32
	offer   addr4
	svip    addr4
	lease   Lease
	pending MessageType // message waiting to be written out by Encapsulate.
	// release bookkeeping, INIT state with the old lease still to be released.
	released Lease

	started  uint64 // tick the current attempt started.
	lastSent uint64
	retries  int
}

type addr4 struct {
	addr  [4]byte
	valid bool
}

func (a *addr4) setmaybe(data []byte) {
	if len(data) == 4 {
		a.addr = [4]byte(data)
		a.valid = true
	} else {
		a.valid = false
	}
}

var defaultParamReqList = []byte{byte(OptSubnetMask), byte(OptRouter), byte(OptDNSServers), byte(OptIPAddressLeaseTime)}

// NewClient returns a client in the INIT state.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HardwareAddr == [6]byte{} {
		return nil, knet.ErrInvalidAddr
	} else if len(cfg.Hostname) > 36 {
		return nil, errors.New("dhcpv4: hostname too long")
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 2000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 16000
	}
	return &Client{
		log:           internal.Logger{Log: cfg.Logger},
		mac:           cfg.HardwareAddr,
		hostname:      cfg.Hostname,
		retryInterval: cfg.RetryInterval,
		maxRetries:    cfg.MaxRetries,
		timeout:       cfg.Timeout,
		state:         StateInit,
	}, nil
}

func (c *Client) State() ClientState { return c.state }

// XID returns the transaction id of the current attempt.
func (c *Client) XID() uint32 { return c.xid }

// Lease returns the acquired lease. ok is false unless the client is BOUND.
func (c *Client) Lease() (lease Lease, ok bool) {
	return c.lease, c.state == StateBound
}

// Start begins a new attempt with the given transaction id. The client must be in INIT.
func (c *Client) Start(xid uint32, now uint64) error {
	if c.state != StateInit {
		return errBadState
	} else if xid == 0 {
		return errors.New("dhcpv4: zero xid")
	}
	c.reset()
	c.xid = xid
	c.state = StateSelecting
	c.pending = MsgDiscover
	c.started = now
	c.log.Info("dhcp:start", slog.Uint64("xid", uint64(xid)))
	return nil
}

// Release gives up a BOUND lease. A DHCPRELEASE is queued for Encapsulate and the client returns to INIT.
func (c *Client) Release() error {
	if c.state != StateBound {
		return errBadState
	}
	released := c.lease
	c.reset()
	c.released = released
	c.pending = MsgRelease
	c.log.Info("dhcp:release", internal.SlogAddr4("ip", &c.released.Addr))
	return nil
}

// Abort returns the client to INIT discarding any lease without sending a release.
func (c *Client) Abort() {
	c.reset()
}

func (c *Client) reset() {
	*c = Client{
		log:           c.log,
		mac:           c.mac,
		hostname:      c.hostname,
		retryInterval: c.retryInterval,
		maxRetries:    c.maxRetries,
		timeout:       c.timeout,
		state:         StateInit,
		xid:           c.xid,
	}
}

// Pending reports whether Encapsulate has a message to write.
func (c *Client) Pending() bool { return c.pending != 0 }

// Tick drives retransmission. It returns [knet.ErrTimeout] once the attempt
// exceeds its retry or time budget, after which the client is back in INIT.
func (c *Client) Tick(now uint64) error {
	if c.state != StateSelecting && c.state != StateRequesting {
		return nil
	}
	if now-c.started >= c.timeout {
		c.log.Warn("dhcp:tick:timeout", slog.String("state", c.state.String()))
		c.reset()
		return knet.ErrTimeout
	}
	if c.pending != 0 || now-c.lastSent < c.retryInterval {
		return nil
	}
	if c.retries >= c.maxRetries {
		c.log.Warn("dhcp:tick:retries-exhausted", slog.String("state", c.state.String()))
		c.reset()
		return knet.ErrTimeout
	}
	c.retries++
	if c.state == StateSelecting {
		c.pending = MsgDiscover
	} else {
		c.pending = MsgRequest
	}
	c.log.Debug("dhcp:tick:resend", slog.String("state", c.state.String()), slog.Int("retry", c.retries))
	return nil
}

// Encapsulate writes the pending message into dst and returns its length, at
// least [MinMessageSize]. It returns 0 and no error if nothing is pending.
func (c *Client) Encapsulate(dst []byte, now uint64) (int, error) {
	if c.pending == 0 {
		return 0, nil
	} else if len(dst) < MinMessageSize {
		return 0, knet.ErrShortBuffer
	}
	frm, _ := NewFrame(dst)
	frm.ClearHeader()
	frm.SetOp(OpRequest)
	frm.SetHardware(1, 6, 0)
	frm.SetXID(c.xid)
	frm.SetFlags(FlagBroadcast)
	*frm.CHAddrAs6() = c.mac
	frm.SetMagicCookie(MagicCookie)

	msg := c.pending
	opts := dst[optionsOffset:optionsOffset:len(dst)]
	opts = AppendOption(opts, OptMessageType, byte(msg))
	switch msg {
	case MsgDiscover:
		opts = AppendOption(opts, OptParameterRequestList, defaultParamReqList...)
	case MsgRequest:
		opts = AppendOption(opts, OptRequestedIPaddress, c.offer.addr[:]...)
		opts = AppendOption(opts, OptServerIdentification, c.svip.addr[:]...)
		opts = AppendOption(opts, OptParameterRequestList, defaultParamReqList...)
	case MsgRelease:
		frm.SetFlags(0)
		*frm.CIAddr() = c.released.Addr
		opts = AppendOption(opts, OptServerIdentification, c.released.Server[:]...)
	}
	opts = append(opts, byte(OptClientIdentifier), 7, 1)
	opts = append(opts, c.mac[:]...)
	if c.hostname != "" && msg != MsgRelease {
		opts = AppendOption(opts, OptHostName, []byte(c.hostname)...)
	}
	opts = append(opts, byte(OptEnd))
	n := optionsOffset + len(opts)
	if n > len(dst) {
		// Options did not fit and were appended to a new array.
		return 0, knet.ErrShortBuffer
	}
	if n < MinMessageSize {
		clear(dst[n:MinMessageSize])
		n = MinMessageSize
	}
	c.pending = 0
	c.lastSent = now
	c.log.Debug("dhcp:send", slog.String("msg", msg.String()), slog.Uint64("xid", uint64(c.xid)))
	return n, nil
}

// Demux processes a BOOTP payload received on the client port.
// Messages for another transaction or out of sequence are ignored.
func (c *Client) Demux(payload []byte) (Event, error) {
	frm, err := NewFrame(payload)
	if err != nil {
		return EventNone, err
	}
	if frm.Op() != OpReply {
		return EventNone, errNotReply
	} else if frm.MagicCookie() != MagicCookie {
		return EventNone, errBadCookie
	} else if frm.XID() != c.xid || c.xid == 0 {
		return EventNone, errXIDMismatch
	} else if *frm.CHAddrAs6() != c.mac {
		return EventNone, errXIDMismatch
	}
	var (
		msgType                     MessageType
		svip, mask, router, dnsAddr addr4
		leaseTime                   uint32
	)
	err = frm.ForEachOption(func(opt OptNum, data []byte) error {
		switch opt {
		case OptMessageType:
			if len(data) == 1 {
				msgType = MessageType(data[0])
			}
		case OptServerIdentification:
			svip.setmaybe(data)
		case OptSubnetMask:
			mask.setmaybe(data)
		case OptRouter:
			if len(data) >= 4 {
				router.setmaybe(data[:4])
			}
		case OptDNSServers:
			if len(data) >= 4 {
				dnsAddr.setmaybe(data[:4])
			}
		case OptIPAddressLeaseTime:
			if len(data) == 4 {
				leaseTime = binary.BigEndian.Uint32(data)
			}
		}
		return nil
	})
	if err != nil {
		return EventNone, err
	} else if msgType == 0 {
		return EventNone, errNoMsgType
	}
	switch {
	case c.state == StateSelecting && msgType == MsgOffer:
		yiaddr := *frm.YIAddr()
		if !svip.valid {
			// Some servers omit option 54 in offers.
			svip.addr = *frm.SIAddr()
			svip.valid = true
		}
		c.offer = addr4{addr: yiaddr, valid: true}
		c.svip = svip
		c.state = StateRequesting
		c.pending = MsgRequest
		c.retries = 0
		c.log.Info("dhcp:offer", internal.SlogAddr4("ip", &yiaddr), internal.SlogAddr4("server", &svip.addr))
		return EventOffer, nil

	case c.state == StateRequesting && msgType == MsgAck:
		c.lease = Lease{
			Addr:     *frm.YIAddr(),
			Netmask:  mask.addr,
			Router:   router.addr,
			DNS:      dnsAddr.addr,
			Server:   c.svip.addr,
			Duration: leaseTime,
		}
		if svip.valid {
			c.lease.Server = svip.addr
		}
		c.state = StateBound
		c.pending = 0
		c.log.Info("dhcp:bound", internal.SlogAddr4("ip", &c.lease.Addr), internal.SlogAddr4("router", &c.lease.Router), slog.Uint64("lease", uint64(leaseTime)))
		return EventBound, nil

	case c.state == StateRequesting && msgType == MsgNak:
		c.log.Warn("dhcp:nak", slog.Uint64("xid", uint64(c.xid)))
		c.reset()
		return EventNak, nil
	}
	c.log.Debug("dhcp:demux:ignored", slog.String("msg", msgType.String()), slog.String("state", c.state.String()))
	return EventNone, nil
}
