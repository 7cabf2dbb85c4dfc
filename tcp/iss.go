package tcp

import (
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// ISSGenerator produces initial sequence numbers as described in RFC 6528:
// a clock driven counter plus a keyed hash of the connection 4-tuple.
// The counter advances 250 units per millisecond tick, close to the 4µs clock of RFC 9293.
type ISSGenerator struct {
	mac hash.Hash
	buf [12]byte
	sum [blake2s.Size]byte
}

// NewISSGenerator returns a generator keyed with secret, which must be at most 32 bytes long.
func NewISSGenerator(secret []byte) (*ISSGenerator, error) {
	mac, err := blake2s.New256(secret)
	if err != nil {
		return nil, err
	}
	return &ISSGenerator{mac: mac}, nil
}

// ISS returns the initial sequence number for a connection created at tick now.
func (g *ISSGenerator) ISS(now uint64, localAddr, remoteAddr [4]byte, localPort, remotePort uint16) Value {
	copy(g.buf[0:4], localAddr[:])
	copy(g.buf[4:8], remoteAddr[:])
	binary.BigEndian.PutUint16(g.buf[8:10], localPort)
	binary.BigEndian.PutUint16(g.buf[10:12], remotePort)
	g.mac.Reset()
	g.mac.Write(g.buf[:])
	g.mac.Sum(g.sum[:0])
	return Value(uint32(now*250) + binary.BigEndian.Uint32(g.sum[:4]))
}
