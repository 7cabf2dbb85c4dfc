package arp

import (
	"errors"
	"strconv"
)

const (
	sizeHeader   = 8
	sizeHeaderv4 = sizeHeader + 6*2 + 4*2
	// Size is the length of an Ethernet/IPv4 ARP packet.
	Size = sizeHeaderv4

	hardwareEthernet = 1
)

var (
	errShortARP        = errors.New("arp: packet too short")
	errARPUnsupported  = errors.New("arp: unsupported operation")
	errBadHardware     = errors.New("arp: bad hardware type or length")
	errBadProto        = errors.New("arp: bad protocol type or length")
	errNoProtocolAddr  = errors.New("arp: local address not configured")
	errRequestInFlight = errors.New("arp: request already in flight")
)

// Operation represents the type of ARP packet, either request or reply/response.
type Operation uint8

const (
	OpRequest Operation = 1 // request
	OpReply   Operation = 2 // reply
)

func (op Operation) String() string {
	switch op {
	case OpRequest:
		return "request"
	case OpReply:
		return "reply"
	}
	return "Operation(" + strconv.Itoa(int(op)) + ")"
}
