package knet

import (
	"encoding/binary"
)

// CRC791 accumulates the Internet checksum as defined by RFC 791 and
// computed per RFC 1071: the 16-bit ones' complement of the ones' complement
// sum of all 16-bit words. An odd trailing octet is padded with a zero byte.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum uint32
}

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	// max value here is 0x1fffe, a second fold is enough.
	return ^uint16(sum + sum>>16)
}

func checksumWriteEven(sum uint32, buf []byte) uint32 {
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
		if sum&0x8000_0000 != 0 {
			// Fold early so very large buffers cannot overflow the accumulator.
			sum = (sum & 0xffff) + sum>>16
		}
	}
	return sum
}

// WriteEven adds the bytes in buf to the running checksum. len(buf) must be even;
// a trailing odd byte is ignored.
func (c *CRC791) WriteEven(buf []byte) {
	c.sum = checksumWriteEven(c.sum, buf)
}

// AddUint32 adds a 32 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint32(value uint32) {
	c.AddUint16(uint16(value >> 16))
	c.AddUint16(uint16(value))
}

// AddUint16 adds a 16 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint16(value uint16) {
	c.sum += uint32(value)
}

// AddUint8 adds a single byte as the high octet of a 16 bit word.
func (c *CRC791) AddUint8(value uint8) {
	c.sum += uint32(value) << 8
}

// Sum16 calculates the checksum with the data written to c thus far.
func (c *CRC791) Sum16() uint16 {
	return checksum16(c.sum)
}

// PayloadSum16 returns the checksum resulting by adding the bytes in buf to the running checksum.
// buf may have odd length. c is not modified.
func (c *CRC791) PayloadSum16(buf []byte) uint16 {
	odd := len(buf) & 1
	sum := checksumWriteEven(c.sum, buf[:len(buf)-odd])
	if odd > 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return checksum16(sum)
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// Checksum returns the Internet checksum of buf.
func Checksum(buf []byte) uint16 {
	var c CRC791
	return c.PayloadSum16(buf)
}

// NeverZeroChecksum ensures that the given checksum is not zero, by returning 0xffff instead.
func NeverZeroChecksum(sum16 uint16) uint16 {
	// 0x0000 and 0xffff are the same number in ones' complement math
	if sum16 == 0 {
		return 0xffff
	}
	return sum16
}
