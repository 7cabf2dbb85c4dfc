package tcp

// Value represents the value of a sequence number.
type Value uint32

// Size represents the size (length) of a sequence number window.
type Size uint32

// Add adds a window size to a sequence number with wraparound.
func Add(v Value, s Size) Value { return v + Value(s) }

// Sizeof returns the length of the window [v, w).
func Sizeof(v, w Value) Size { return Size(w - v) }

// LessThan checks if v is before w (modulo 32) i.e. v < w.
func LessThan(v, w Value) bool { return int32(v-w) < 0 }

// LessThanEq returns true if v==w or v is before (modulo 32) i.e. v < w.
func LessThanEq(v, w Value) bool { return v == w || LessThan(v, w) }

// InWindow checks if v is in the window that starts at 'first' and spans 'size' octets.
func (v Value) InWindow(first Value, size Size) bool {
	return InRange(v, first, Add(first, size))
}

// InRange checks if v is in the range [a,b) (modulo 32), i.e. a <= v < b.
func InRange(v, a, b Value) bool {
	return v-a < b-a
}
