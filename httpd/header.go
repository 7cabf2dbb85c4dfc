package httpd

import (
	"bytes"
	"errors"
	"strconv"
)

var (
	errNeedMore    = errors.New("httpd: incomplete request header")
	errNoProto     = errors.New("httpd: missing protocol, HTTP/0.9 unsupported")
	errEmptyTarget = errors.New("httpd: empty request target")
	errInvalidName = errors.New("httpd: invalid header name")
	errHeaderSize  = errors.New("httpd: request header too large")
)

// Request is a parsed request head. Its slices alias the buffer passed to Parse
// and are valid until that buffer is reused.
type Request struct {
	Method []byte
	Target []byte
	Proto  []byte
	fields []field
}

type field struct {
	key, value []byte
}

// Reset discards parsed data and keeps allocated field storage.
func (r *Request) Reset() {
	*r = Request{fields: r.fields[:0]}
}

// Parse parses the request line and header fields in buf. It returns the
// number of bytes consumed including the terminating empty line, or
// errNeedMore if buf does not hold a complete head yet.
func (r *Request) Parse(buf []byte) (int, error) {
	r.Reset()
	off := 0
	for off < len(buf) && (buf[off] == '\r' || buf[off] == '\n') {
		off++ // Tolerate leading empty lines, RFC 9112 section 2.2.
	}
	line, n, ok := scanLine(buf[off:])
	if !ok {
		return 0, errNeedMore
	}
	off += n
	if err := r.parseRequestLine(line); err != nil {
		return 0, err
	}
	for {
		line, n, ok = scanLine(buf[off:])
		if !ok {
			return 0, errNeedMore
		}
		off += n
		if len(line) == 0 {
			return off, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 || bytes.ContainsAny(line[:colon], " \t") {
			// Rejects obsolete line folding and whitespace before the colon, RFC 7230 section 3.2.4.
			return 0, errInvalidName
		}
		r.fields = append(r.fields, field{key: line[:colon], value: bytes.TrimSpace(line[colon+1:])})
	}
}

func (r *Request) parseRequestLine(line []byte) error {
	method, rest, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(method) == 0 {
		return errNoProto
	}
	target, proto, ok := bytes.Cut(rest, []byte{' '})
	if len(target) == 0 {
		return errEmptyTarget
	} else if !ok || !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return errNoProto
	}
	r.Method, r.Target, r.Proto = method, target, proto
	return nil
}

// Get returns the value of the first field named key, compared case-insensitively.
func (r *Request) Get(key string) []byte {
	for i := range r.fields {
		if bytes.EqualFold(r.fields[i].key, []byte(key)) {
			return r.fields[i].value
		}
	}
	return nil
}

// ForEach calls cb for every header field in order of appearance.
func (r *Request) ForEach(cb func(key, value []byte) error) error {
	for _, f := range r.fields {
		if err := cb(f.key, f.value); err != nil {
			return err
		}
	}
	return nil
}

// scanLine returns the next line without its CRLF or LF terminator and the
// number of bytes consumed.
func scanLine(buf []byte) (line []byte, n int, ok bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return nil, 0, false
	}
	line = buf[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, idx + 1, true
}

// headerComplete reports whether buf holds the empty line ending a request head.
func headerComplete(buf []byte) bool {
	return bytes.Contains(buf, []byte("\r\n\r\n")) || bytes.Contains(buf, []byte("\n\n"))
}

// appendResponse appends a status line and header fields given as
// alternating keys and values, followed by the empty line.
func appendResponse(dst []byte, code int, kv ...string) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, statusText(code)...)
	dst = append(dst, "\r\n"...)
	for i := 0; i+1 < len(kv); i += 2 {
		dst = append(dst, kv[i]...)
		dst = append(dst, ": "...)
		dst = append(dst, kv[i+1]...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	}
	return "Unknown"
}
