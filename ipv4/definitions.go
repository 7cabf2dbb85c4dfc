package ipv4

const (
	sizeHeader = 20
	// DefaultTTL is set on every datagram the stack originates.
	DefaultTTL = 64
)

// ToS represents the Traffic Class (a.k.a Type of Service). 6 MSB are Differentiated Services; 2 LSB are Explicit Congenstion Notification.
type ToS uint8

// DS returns the top 6 bits of the IPv4 ToS holding the Differentiated Services field.
func (tos ToS) DS() uint8 { return uint8(tos) >> 2 }

// ECN is the Explicit Congestion Notification field.
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }

// Flags holds fragmentation field data of an IPv4 header. It is 16 bits long.
type Flags uint16

const (
	FlagOffsetMask          = (1 << 13) - 1
	FlagDontFragment  Flags = 1 << 14
	FlagMoreFragments Flags = 1 << 13
)

// DontFragment specifies whether the datagram can not be fragmented.
func (f Flags) DontFragment() bool { return f&FlagDontFragment != 0 }

// MoreFragments is set on all fragments but the last.
func (f Flags) MoreFragments() bool { return f&FlagMoreFragments != 0 }

// FragmentOffset is the fragment position in units of 8 bytes.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & FlagOffsetMask }
