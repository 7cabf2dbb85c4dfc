package httpd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/hobbyos/knet/tcp"
)

type fakeConn struct {
	in     []byte
	rchunk int // bytes returned per Recv, 0 for all.
	eof    bool
	stalls int // Sends that admit nothing before the window opens.
	out    bytes.Buffer
	sends  []int
	closed bool
}

type fakeSockets struct {
	t         *testing.T
	listening bool
	port      uint16
	pending   []tcp.Handle
	conns     map[tcp.Handle]*fakeConn
	idle      func()
}

func newFakeSockets(t *testing.T, conns ...*fakeConn) *fakeSockets {
	fs := &fakeSockets{t: t, conns: make(map[tcp.Handle]*fakeConn)}
	for i, c := range conns {
		h := tcp.Handle(i + 2)
		fs.conns[h] = c
		fs.pending = append(fs.pending, h)
	}
	return fs
}

func (fs *fakeSockets) Listen(port uint16) (tcp.Handle, error) {
	if fs.listening {
		return 0, errors.New("already listening")
	}
	fs.listening, fs.port = true, port
	return 1, nil
}

func (fs *fakeSockets) FindReadyClient(port uint16) (tcp.Handle, bool) {
	if port != fs.port || len(fs.pending) == 0 {
		if fs.idle != nil {
			fs.idle()
		}
		return 0, false
	}
	h := fs.pending[0]
	fs.pending = fs.pending[1:]
	return h, true
}

func (fs *fakeSockets) Recv(h tcp.Handle, buf []byte) (int, error) {
	c := fs.conns[h]
	if len(c.in) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := len(c.in)
	if c.rchunk > 0 {
		n = min(n, c.rchunk)
	}
	n = copy(buf, c.in[:n])
	c.in = c.in[n:]
	return n, nil
}

func (fs *fakeSockets) Send(h tcp.Handle, data []byte) (int, error) {
	c := fs.conns[h]
	if c.closed {
		return 0, errors.New("send on closed handle")
	}
	if c.stalls > 0 {
		c.stalls--
		return 0, nil
	}
	c.sends = append(c.sends, len(data))
	return c.out.Write(data)
}

func (fs *fakeSockets) Close(h tcp.Handle) error {
	if h == 1 {
		fs.listening = false
		return nil
	}
	fs.conns[h].closed = true
	return nil
}

type fakeClock struct{ ms uint64 }

func (c *fakeClock) ticks() uint64 { return c.ms }

func (c *fakeClock) sleep(d time.Duration) { c.ms += uint64(max(d.Milliseconds(), 1)) }

var testRoot = fstest.MapFS{
	"www/index.html":      {Data: []byte("<h1>knet</h1>\n")},
	"www/style.css":       {Data: []byte("body{}")},
	"www/big.bin":         {Data: bytes.Repeat([]byte("0123456789abcdef"), 190)},
	"www/docs/index.html": {Data: []byte("docs")},
	"secret":              {Data: []byte("nope")},
}

// run serves every queued connection and stops once the queue is empty.
func run(t *testing.T, conns ...*fakeConn) *fakeSockets {
	t.Helper()
	sk := newFakeSockets(t, conns...)
	clock := new(fakeClock)
	sv, err := New(sk, Config{Root: testRoot, Ticks: clock.ticks, Sleep: clock.sleep})
	if err != nil {
		t.Fatal(err)
	}
	sk.idle = sv.Stop
	if err := sv.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sk.listening {
		t.Error("listener not closed on stop")
	}
	if sk.port != DefaultPort {
		t.Errorf("listened on %d", sk.port)
	}
	if got := sv.Served(); got != uint64(len(conns)) {
		t.Errorf("served %d connections, want %d", got, len(conns))
	}
	for _, c := range conns {
		if !c.closed {
			t.Error("client not closed")
		}
	}
	return sk
}

func get(target string) *fakeConn {
	return &fakeConn{in: []byte("GET " + target + " HTTP/1.1\r\nHost: 10.0.2.15\r\nUser-Agent: test\r\n\r\n")}
}

func readResponse(t *testing.T, c *fakeConn) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(c.out.Bytes())), nil)
	if err != nil {
		t.Fatalf("bad response %q: %v", c.out.String(), err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestServeFiles(t *testing.T) {
	tests := []struct {
		target string
		code   int
		ctype  string
		body   string
	}{
		{target: "/", code: 200, ctype: "text/html; charset=utf-8", body: "<h1>knet</h1>\n"},
		{target: "/index.html?x=1", code: 200, ctype: "text/html; charset=utf-8", body: "<h1>knet</h1>\n"},
		{target: "/style.css", code: 200, ctype: "text/css; charset=utf-8", body: "body{}"},
		{target: "/docs/", code: 200, ctype: "text/html; charset=utf-8", body: "docs"},
		{target: "/%73tyle.css", code: 200, ctype: "text/css; charset=utf-8", body: "body{}"},
		{target: "/docs", code: 404},
		{target: "/missing.html", code: 404},
		{target: "/../secret", code: 404},
		{target: "/%zz", code: 400},
		{target: "relative", code: 400},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			c := get(tc.target)
			run(t, c)
			resp, body := readResponse(t, c)
			if resp.StatusCode != tc.code {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.code)
			}
			if !resp.Close {
				t.Error("missing Connection: close")
			}
			if resp.Header.Get("Server") != "knet" {
				t.Errorf("server header %q", resp.Header.Get("Server"))
			}
			if tc.code != 200 {
				return
			}
			if got := resp.Header.Get("Content-Type"); got != tc.ctype {
				t.Errorf("content type %q", got)
			}
			if body != tc.body || resp.ContentLength != int64(len(tc.body)) {
				t.Errorf("body %q length %d", body, resp.ContentLength)
			}
		})
	}
}

func TestChunkedBody(t *testing.T) {
	c := get("/big.bin")
	c.rchunk = 7
	c.stalls = 3
	run(t, c)
	resp, body := readResponse(t, c)
	if resp.StatusCode != 200 || len(body) != 190*16 {
		t.Fatalf("status %d body %d bytes", resp.StatusCode, len(body))
	}
	if resp.Header.Get("Content-Type") != "application/octet-stream" {
		t.Errorf("content type %q", resp.Header.Get("Content-Type"))
	}
	// Header, then three body chunks of at most 1 KiB.
	want := []int{c.sends[0], 1024, 1024, 190*16 - 2048}
	if len(c.sends) != len(want) {
		t.Fatalf("sends %v", c.sends)
	}
	for i := range want {
		if c.sends[i] != want[i] {
			t.Errorf("sends %v, want %v", c.sends, want)
			break
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	c := &fakeConn{in: []byte("POST /index.html HTTP/1.1\r\nContent-Length: 0\r\n\r\n")}
	run(t, c)
	resp, _ := readResponse(t, c)
	if resp.StatusCode != 405 || resp.Header.Get("Allow") != "GET" {
		t.Errorf("status %d allow %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
}

func TestBadRequests(t *testing.T) {
	for name, in := range map[string]string{
		"no-proto":    "GET /\r\n\r\n",
		"bad-field":   "GET / HTTP/1.1\r\nBad Key: x\r\n\r\n",
		"folded":      "GET / HTTP/1.1\r\nA: b\r\n c\r\n\r\n",
		"empty-field": "GET / HTTP/1.1\r\n: x\r\n\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			c := &fakeConn{in: []byte(in)}
			run(t, c)
			resp, _ := readResponse(t, c)
			if resp.StatusCode != 400 {
				t.Errorf("status %d", resp.StatusCode)
			}
		})
	}
}

func TestReadLimits(t *testing.T) {
	timeout := &fakeConn{in: []byte("GET / HTTP/1.1\r\nHost: x\r\n")}
	big := &fakeConn{in: []byte("GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", maxRequestHeader) + "\r\n\r\n")}
	gone := &fakeConn{in: []byte("GET / HT"), eof: true}
	run(t, timeout, big, gone)
	if resp, _ := readResponse(t, timeout); resp.StatusCode != 408 {
		t.Errorf("stalled request got %d", resp.StatusCode)
	}
	if resp, _ := readResponse(t, big); resp.StatusCode != 431 {
		t.Errorf("oversized request got %d", resp.StatusCode)
	}
	if gone.out.Len() != 0 {
		t.Errorf("responded to closed peer: %q", gone.out.String())
	}
}

func TestRunContext(t *testing.T) {
	sk := newFakeSockets(t)
	clock := new(fakeClock)
	sv, err := New(sk, Config{Root: testRoot, Port: 8080, Ticks: clock.ticks, Sleep: clock.sleep})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sk.idle = cancel
	if err = sv.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v", err)
	}
	if sk.port != 8080 || sk.listening {
		t.Errorf("port %d listening %v", sk.port, sk.listening)
	}
	if _, err = sv.sk.Listen(8080); err != nil {
		t.Errorf("port not released: %v", err)
	}
	if _, err = New(sk, Config{Root: testRoot, DocRoot: "../etc"}); err == nil {
		t.Error("accepted escaping document root")
	}
}

func TestRequestParse(t *testing.T) {
	req, err := http.NewRequest("GET", "http://10.0.2.15/a/b?c=d", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Trace", "  padded  ")
	var buf bytes.Buffer
	if err = req.Write(&buf); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	var r Request
	for i := range len(raw) - 1 {
		if _, err := r.Parse(raw[:i]); err != errNeedMore {
			t.Fatalf("partial head of %d bytes: %v", i, err)
		}
	}
	n, err := r.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Errorf("consumed %d of %d", n, len(raw))
	}
	if string(r.Method) != "GET" || string(r.Target) != "/a/b?c=d" || string(r.Proto) != "HTTP/1.1" {
		t.Errorf("request line %q %q %q", r.Method, r.Target, r.Proto)
	}
	if got := string(r.Get("host")); got != "10.0.2.15" {
		t.Errorf("host %q", got)
	}
	if got := string(r.Get("X-TRACE")); got != "padded" {
		t.Errorf("trace %q", got)
	}
	var keys []string
	r.ForEach(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if len(keys) != 3 {
		t.Errorf("fields %v", keys)
	}
}

func TestContentType(t *testing.T) {
	for name, want := range map[string]string{
		"a.HTML":      "text/html; charset=utf-8",
		"x/y.js":      "text/javascript; charset=utf-8",
		"logo.png":    "image/png",
		"README":      "application/octet-stream",
		"archive.tgz": "application/octet-stream",
	} {
		if got := contentType(name); got != want {
			t.Errorf("%s: got %q, want %q", name, got, want)
		}
	}
}
