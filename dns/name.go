package dns

import (
	"bytes"
	"strings"
)

// AppendName appends domain in wire format (length prefixed labels, zero
// terminated) to dst. A trailing dot is optional.
func AppendName(dst []byte, domain string) ([]byte, error) {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return dst, errEmptyDomain
	} else if len(domain)+2 > maxNameLen {
		return dst, errNameTooLong
	}
	for domain != "" {
		label := domain
		idx := strings.IndexByte(domain, '.')
		if idx >= 0 {
			label = domain[:idx]
			domain = domain[idx+1:]
		} else {
			domain = ""
		}
		if len(label) == 0 || len(label) > maxLabelLen {
			return dst, errCantAddLabel
		}
		dst = append(dst, byte(len(label)))
		dst = append(dst, label...)
	}
	return append(dst, 0), nil
}

// DecodeName appends the dotted form (no trailing dot) of the name at msg[off:]
// to dst. It returns the offset just past the name as stored at off, following at
// most [MaxPointerJumps] compression pointers.
func DecodeName(dst, msg []byte, off int) (_ []byte, next int, err error) {
	start := len(dst)
	next, err = visitLabels(msg, off, func(label []byte) {
		if len(dst) > start {
			dst = append(dst, '.')
		}
		dst = append(dst, label...)
	})
	if err != nil {
		return dst[:start], off, err
	}
	return dst, next, nil
}

// SkipName returns the offset just past the name at msg[off:].
func SkipName(msg []byte, off int) (int, error) {
	return visitLabels(msg, off, func([]byte) {})
}

func visitLabels(msg []byte, off int, fn func(label []byte)) (int, error) {
	curr := off
	jumps := 0
	// newOff is where the next field starts. Data reached through pointers
	// belongs to other names and does not count.
	newOff := -1
	total := 0
	for {
		if curr >= len(msg) {
			return off, errBaseLen
		}
		c := int(msg[curr])
		curr++
		switch c & 0xc0 {
		case 0x00:
			if c == 0 {
				if newOff < 0 {
					newOff = curr
				}
				return newOff, nil
			}
			end := curr + c
			if end > len(msg) {
				return off, errCalcLen
			}
			total += c + 1
			if total+1 > maxNameLen {
				return off, errNameTooLong
			}
			label := msg[curr:end]
			if bytes.IndexByte(label, '.') >= 0 {
				return off, errInvalidName
			}
			fn(label)
			curr = end

		case 0xc0:
			if curr >= len(msg) {
				return off, errInvalidPtr
			}
			ptr := (c&^0xc0)<<8 | int(msg[curr])
			curr++
			if newOff < 0 {
				newOff = curr
			}
			if jumps++; jumps > MaxPointerJumps {
				return off, errTooManyPtr
			}
			if ptr >= len(msg) {
				return off, errInvalidPtr
			}
			curr = ptr

		default:
			// Prefixes 0x80 and 0x40 are reserved.
			return off, errReserved
		}
	}
}

// ReverseName returns the in-addr.arpa name used to look up the PTR record of addr.
func ReverseName(addr [4]byte) string {
	var b []byte
	for i := 3; i >= 0; i-- {
		b = appendDecimal(b, addr[i])
		b = append(b, '.')
	}
	return string(append(b, "in-addr.arpa"...))
}

func appendDecimal(b []byte, v byte) []byte {
	if v >= 100 {
		b = append(b, '0'+v/100)
	}
	if v >= 10 {
		b = append(b, '0'+(v/10)%10)
	}
	return append(b, '0'+v%10)
}
