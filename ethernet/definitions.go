package ethernet

import (
	"strconv"
)

const (
	sizeHeader = 14
	// MinFrameSize is the minimum Ethernet frame length without FCS. Shorter
	// frames are padded by the NIC.
	MinFrameSize = 60
)

// AppendAddr appends the text representation of the hardware address to the destination buffer.
func AppendAddr(dst []byte, hwAddr [6]byte) []byte {
	for i, b := range hwAddr {
		if i != 0 {
			dst = append(dst, ':')
		}
		if b < 16 {
			dst = append(dst, '0')
		}
		dst = strconv.AppendUint(dst, uint64(b), 16)
	}
	return dst
}

// AddrString returns the colon separated text form of hwAddr.
func AddrString(hwAddr [6]byte) string {
	return string(AppendAddr(make([]byte, 0, 17), hwAddr))
}

// BroadcastAddr returns the all 0xff's broadcast hardware/MAC/EUI/OUI address.
func BroadcastAddr() [6]byte {
	return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IsValidAddr reports whether hwAddr could have been programmed by a vendor:
// not all zeros, not all ones and not multicast.
func IsValidAddr(hwAddr [6]byte) bool {
	return hwAddr != [6]byte{} && hwAddr != BroadcastAddr() && hwAddr[0]&1 == 0
}

// LocallyAdministeredAddr fabricates a unicast, locally administered address
// from seed. The first octet is always 0x02.
func LocallyAdministeredAddr(seed uint32) [6]byte {
	return [6]byte{0x02, 0x00, byte(seed >> 24), byte(seed >> 16), byte(seed >> 8), byte(seed)}
}
