package dhcpv4

import (
	"errors"
	"strconv"
)

const (
	sizeSName    = 64  // Server name, part of BOOTP too.
	sizeBootFile = 128 // Boot file name, Legacy.
	sizeHeader   = 44
	// Magic Cookie offset measured from the start of the UDP payload.
	magicCookieOffset = sizeHeader + sizeSName + sizeBootFile
	// MagicCookie marks the start of the options area.
	MagicCookie uint32 = 0x63825363
	// DHCP Options offset measured from the start of the UDP payload.
	optionsOffset = magicCookieOffset + 4
	// MinMessageSize is the BOOTP minimum message length; shorter messages are zero padded.
	MinMessageSize = 300

	DefaultClientPort = 68
	DefaultServerPort = 67
)

var (
	errShortFrame  = errors.New("dhcpv4: short frame")
	errOptionLen   = errors.New("dhcpv4: option length exceeds payload")
	errNotReply    = errors.New("dhcpv4: not a BOOTREPLY")
	errBadCookie   = errors.New("dhcpv4: bad magic cookie")
	errXIDMismatch = errors.New("dhcpv4: transaction id mismatch")
	errNoMsgType   = errors.New("dhcpv4: missing message type")
	errBadState    = errors.New("dhcpv4: operation invalid in current state")
)

// Op is the BOOTP operation code.
type Op uint8

const (
	OpRequest Op = 1 // BOOTREQUEST
	OpReply   Op = 2 // BOOTREPLY
)

// Flags of the BOOTP header.
type Flags uint16

// FlagBroadcast asks servers to broadcast replies to clients without an address.
const FlagBroadcast Flags = 1 << 15

// OptNum is a DHCP option code.
type OptNum uint8

const (
	OptPad                  OptNum = 0   // pad
	OptSubnetMask           OptNum = 1   // subnet mask
	OptRouter               OptNum = 3   // router
	OptDNSServers           OptNum = 6   // DNS servers
	OptHostName             OptNum = 12  // host name
	OptRequestedIPaddress   OptNum = 50  // requested IP address
	OptIPAddressLeaseTime   OptNum = 51  // lease time
	OptMessageType          OptNum = 53  // message type
	OptServerIdentification OptNum = 54  // server identifier
	OptParameterRequestList OptNum = 55  // parameter request list
	OptClientIdentifier     OptNum = 61  // client identifier
	OptEnd                  OptNum = 255 // end
)

func (o OptNum) String() string {
	switch o {
	case OptPad:
		return "pad"
	case OptSubnetMask:
		return "subnet mask"
	case OptRouter:
		return "router"
	case OptDNSServers:
		return "DNS servers"
	case OptHostName:
		return "host name"
	case OptRequestedIPaddress:
		return "requested IP address"
	case OptIPAddressLeaseTime:
		return "lease time"
	case OptMessageType:
		return "message type"
	case OptServerIdentification:
		return "server identifier"
	case OptParameterRequestList:
		return "parameter request list"
	case OptClientIdentifier:
		return "client identifier"
	case OptEnd:
		return "end"
	}
	return "OptNum(" + strconv.Itoa(int(o)) + ")"
}

// MessageType is the value of option 53.
type MessageType uint8

const (
	MsgDiscover MessageType = iota + 1 // DISCOVER
	MsgOffer                           // OFFER
	MsgRequest                         // REQUEST
	MsgDecline                         // DECLINE
	MsgAck                             // ACK
	MsgNak                             // NAK
	MsgRelease                         // RELEASE
	MsgInform                          // INFORM
)

func (m MessageType) String() string {
	names := [...]string{"DISCOVER", "OFFER", "REQUEST", "DECLINE", "ACK", "NAK", "RELEASE", "INFORM"}
	if m >= MsgDiscover && m <= MsgInform {
		return names[m-1]
	}
	return "MessageType(" + strconv.Itoa(int(m)) + ")"
}

// ClientState is the state of the client state machine.
type ClientState uint8

const (
	StateInit       ClientState = iota + 1 // INIT
	StateSelecting                         // SELECTING
	StateRequesting                        // REQUESTING
	StateBound                             // BOUND
)

func (s ClientState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSelecting:
		return "SELECTING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	}
	return "ClientState(" + strconv.Itoa(int(s)) + ")"
}

// AppendOption appends a type-length-value option to dst.
func AppendOption(dst []byte, opt OptNum, data ...byte) []byte {
	dst = append(dst, byte(opt), byte(len(data)))
	return append(dst, data...)
}
