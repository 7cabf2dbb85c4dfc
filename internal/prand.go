package internal

// Prand32 generates a pseudo random number from a seed.
func Prand32[T ~uint32](seed T) T {
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}

// Xorshift is a stateful wrapper over [Prand32]. A zero state is replaced
// by a fixed nonzero constant since xorshift has a fixed point at zero.
type Xorshift struct {
	state uint32
}

// Seed resets the generator state.
func (x *Xorshift) Seed(seed uint32) {
	if seed == 0 {
		seed = 0x9e3779b9
	}
	x.state = seed
}

// Next32 returns the next pseudo random 32 bit value.
func (x *Xorshift) Next32() uint32 {
	if x.state == 0 {
		x.Seed(0)
	}
	x.state = Prand32(x.state)
	return x.state
}

// Next16 returns the next pseudo random 16 bit value.
func (x *Xorshift) Next16() uint16 { return uint16(x.Next32() >> 8) }

// EphemeralPort returns a pseudo random port in the IANA dynamic range 49152..65535.
func (x *Xorshift) EphemeralPort() uint16 {
	return 49152 + uint16(x.Next32()%16384)
}
