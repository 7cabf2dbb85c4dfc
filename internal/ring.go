package internal

import (
	"errors"
	"io"
)

var errRingNoData = errors.New("ring: empty write")

// Ring is a fixed capacity byte ring buffer with head/tail/count bookkeeping.
// Writes that do not fit are truncated to the free space, the remainder is
// the caller's to drop. The zero value has no capacity; set Buf first.
type Ring struct {
	Buf   []byte
	head  int // read index
	tail  int // write index
	count int
}

// NewRing returns a ring of the given capacity.
func NewRing(capacity int) Ring {
	return Ring{Buf: make([]byte, capacity)}
}

// Size returns the capacity of the ring.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns the number of readable bytes.
func (r *Ring) Buffered() int { return r.count }

// Free returns the number of bytes that may be written.
func (r *Ring) Free() int { return len(r.Buf) - r.count }

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.head, r.tail, r.count = 0, 0, 0
}

// Write copies as much of b as fits and returns the amount written.
// It returns io.ErrShortWrite when b was truncated.
func (r *Ring) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errRingNoData
	}
	n := min(len(b), r.Free())
	if n == 0 {
		return 0, io.ErrShortWrite
	}
	first := copy(r.Buf[r.tail:], b[:n])
	if first < n {
		copy(r.Buf, b[first:n])
	}
	r.tail = (r.tail + n) % len(r.Buf)
	r.count += n
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Read copies buffered data into b and advances the read index.
// It returns io.EOF when the ring is empty.
func (r *Ring) Read(b []byte) (int, error) {
	if r.count == 0 {
		return 0, io.EOF
	}
	n, _ := r.Peek(b)
	r.discard(n)
	return n, nil
}

// Peek copies buffered data into b without consuming it.
func (r *Ring) Peek(b []byte) (int, error) {
	if r.count == 0 {
		return 0, io.EOF
	}
	n := min(len(b), r.count)
	first := copy(b[:n], r.Buf[r.head:min(len(r.Buf), r.head+n)])
	if first < n {
		copy(b[first:n], r.Buf)
	}
	return n, nil
}

func (r *Ring) discard(n int) {
	r.head = (r.head + n) % len(r.Buf)
	r.count -= n
	if r.count == 0 {
		r.head, r.tail = 0, 0
	}
}
