package dns

import (
	"errors"
	"strconv"
)

const (
	// SizeHeader is the length of a DNS header, six uint16s.
	SizeHeader = 6 * 2
	ServerPort = 53
	// Messages carried by UDP are restricted to 512 bytes (not counting the IP
	// or UDP headers).
	MaxSizeUDP = 512
	// MaxPointerJumps bounds the compression pointers followed while decoding a single name.
	MaxPointerJumps = 256
	maxNameLen      = 255
	maxLabelLen     = 63
)

var (
	errNameTooLong   = errors.New("dns: name exceeds maximum length")
	errCalcLen       = errors.New("dns: label length exceeds remaining buffer")
	errCantAddLabel  = errors.New("dns: long/empty label or not enough space")
	errBaseLen       = errors.New("dns: insufficient data for base length type")
	errReserved      = errors.New("dns: segment prefix is reserved")
	errTooManyPtr    = errors.New("dns: too many compression pointers")
	errInvalidPtr    = errors.New("dns: invalid pointer")
	errInvalidName   = errors.New("dns: invalid name")
	errResourceLen   = errors.New("dns: insufficient data for resource body length")
	errNotResponse   = errors.New("dns: message is not a response")
	errTxIDMismatch  = errors.New("dns: transaction id mismatch")
	errNoAnswer      = errors.New("dns: response carries no usable answer")
	errNoQuery       = errors.New("dns: no query in flight")
	errTruncated     = errors.New("dns: truncated response")
	errEmptyDomain   = errors.New("dns: empty domain name")
	errQueryInFlight = errors.New("dns: query already in flight")
)

// HeaderFlags gathers the flags in bits 16..31 of the header.
type HeaderFlags uint16

// NewClientHeaderFlags creates the header flags for a client request.
func NewClientHeaderFlags(op OpCode, enableRecursion bool) HeaderFlags {
	flags := HeaderFlags(op&0b1111) << 11
	if enableRecursion {
		flags |= 1 << 8
	}
	return flags
}

// IsResponse returns the QR bit: query (false) or response (true).
func (flags HeaderFlags) IsResponse() bool { return flags&(1<<15) != 0 }

// OpCode returns the 4-bit opcode.
func (flags HeaderFlags) OpCode() OpCode { return OpCode(flags>>11) & 0b1111 }

// IsTruncated returns the TC bit.
func (flags HeaderFlags) IsTruncated() bool { return flags&(1<<9) != 0 }

// IsRecursionDesired returns the RD bit.
func (flags HeaderFlags) IsRecursionDesired() bool { return flags&(1<<8) != 0 }

// ResponseCode returns the 4-bit response code set as part of responses.
func (flags HeaderFlags) ResponseCode() RCode { return RCode(flags & 0b1111) }

// Type is a type of DNS request and response.
type Type uint16

const (
	TypeA     Type = 1  // A
	TypeNS    Type = 2  // NS
	TypeCNAME Type = 5  // CNAME
	TypeSOA   Type = 6  // SOA
	TypePTR   Type = 12 // PTR
	TypeMX    Type = 15 // MX
	TypeTXT   Type = 16 // TXT
	TypeAAAA  Type = 28 // AAAA
)

func (t Type) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeNS:
		return "NS"
	case TypeCNAME:
		return "CNAME"
	case TypeSOA:
		return "SOA"
	case TypePTR:
		return "PTR"
	case TypeMX:
		return "MX"
	case TypeTXT:
		return "TXT"
	case TypeAAAA:
		return "AAAA"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// A Class is a type of network.
type Class uint16

const ClassINET Class = 1 // INET

// An OpCode is a DNS operation code which specifies the type of query.
type OpCode uint16

const OpCodeQuery OpCode = 0 // Standard query

// An RCode is a DNS response status code. Nonzero codes are returned as errors.
type RCode uint16

const (
	RCodeSuccess        RCode = 0 // success
	RCodeFormatError    RCode = 1 // format error
	RCodeServerFailure  RCode = 2 // server failure
	RCodeNameError      RCode = 3 // name error
	RCodeNotImplemented RCode = 4 // not implemented
	RCodeRefused        RCode = 5 // refused
)

func (r RCode) String() string {
	switch r {
	case RCodeSuccess:
		return "success"
	case RCodeFormatError:
		return "format error"
	case RCodeServerFailure:
		return "server failure"
	case RCodeNameError:
		return "NXDOMAIN"
	case RCodeNotImplemented:
		return "not implemented"
	case RCodeRefused:
		return "refused"
	}
	return "RCode(" + strconv.Itoa(int(r)) + ")"
}

func (r RCode) Error() string { return "dns: " + r.String() }

// IsNXDomain reports whether err is a name error returned by the server.
func IsNXDomain(err error) bool {
	var rc RCode
	return errors.As(err, &rc) && rc == RCodeNameError
}
