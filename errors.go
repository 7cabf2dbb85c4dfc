package knet

type errGeneric uint8

// Generic errors shared by the stack. They classify failures by policy:
// fast path errors are counted and dropped, control path errors are returned.
const (
	_                errGeneric = iota // non-initialized err
	ErrPacketDrop                      // packet dropped
	ErrBadCRC                          // incorrect checksum
	ErrShortBuffer                     // short buffer
	ErrMismatch                        // field mismatch
	ErrExhausted                       // resource exhausted
	ErrNoRoute                         // no route to host
	ErrInterfaceDown                   // interface down
	ErrBusy                            // device busy
	ErrTimeout                         // timeout
	ErrInvalidConfig                   // invalid configuration
	ErrUnsupported                     // unsupported
	ErrInvalidAddr                     // invalid address
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrShortBuffer:
		return "short buffer"
	case ErrMismatch:
		return "field mismatch"
	case ErrExhausted:
		return "resource exhausted"
	case ErrNoRoute:
		return "no route to host"
	case ErrInterfaceDown:
		return "interface down"
	case ErrBusy:
		return "device busy"
	case ErrTimeout:
		return "timeout"
	case ErrInvalidConfig:
		return "invalid configuration"
	case ErrUnsupported:
		return "unsupported"
	case ErrInvalidAddr:
		return "invalid address"
	}
	return "errGeneric(?)"
}
