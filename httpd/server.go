// Package httpd implements a single-worker static file server on top of the
// stack's TCP socket API. It answers GET requests from an fs.FS document
// root, one connection at a time, and closes every connection after the
// response.
package httpd

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hobbyos/knet/internal"
	"github.com/hobbyos/knet/tcp"
)

const (
	DefaultPort        = 80
	DefaultDocRoot     = "www"
	DefaultReadTimeout = 5 * time.Second
	// ChunkSize bounds each Send of the response body.
	ChunkSize = 1024

	maxRequestHeader = 2048
	serverName       = "knet"
)

var (
	errReadTimeout = errors.New("httpd: timed out reading request")
	errSendTimeout = errors.New("httpd: timed out sending response")
	errClosed      = errors.New("httpd: connection closed by peer")
)

// Sockets is the subset of the stack's TCP API the worker uses.
type Sockets interface {
	Listen(port uint16) (tcp.Handle, error)
	FindReadyClient(port uint16) (tcp.Handle, bool)
	Recv(h tcp.Handle, buf []byte) (int, error)
	Send(h tcp.Handle, data []byte) (int, error)
	Close(h tcp.Handle) error
}

type Config struct {
	// Port to listen on. Defaults to 80.
	Port uint16
	// Root is the file system served. Requests map onto DocRoot within it.
	Root    fs.FS
	DocRoot string
	// ReadTimeout bounds reading the request head and each stalled send.
	ReadTimeout time.Duration
	// Ticks returns milliseconds from a monotonic source. Defaults to the runtime clock.
	Ticks func() uint64
	// Sleep yields the worker. Defaults to time.Sleep.
	Sleep  func(time.Duration)
	Logger *slog.Logger
}

// Server is the HTTP worker. Run it on its own goroutine and call Stop to end it.
type Server struct {
	sk      Sockets
	root    fs.FS
	docRoot string
	port    uint16
	timeout uint64
	ticks   func() uint64
	sleep   func(time.Duration)
	log     internal.Logger
	stop    atomic.Bool
	served  atomic.Uint64

	req  Request
	rbuf [maxRequestHeader]byte
	wbuf [ChunkSize]byte
	hbuf []byte
}

func New(sk Sockets, cfg Config) (*Server, error) {
	if sk == nil || cfg.Root == nil {
		return nil, errors.New("httpd: nil sockets or root")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DocRoot == "" {
		cfg.DocRoot = DefaultDocRoot
	}
	cfg.DocRoot = strings.Trim(cfg.DocRoot, "/")
	if cfg.DocRoot != "." && !fs.ValidPath(cfg.DocRoot) {
		return nil, errors.New("httpd: invalid document root")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Ticks == nil {
		start := time.Now()
		cfg.Ticks = func() uint64 { return uint64(time.Since(start).Milliseconds()) }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &Server{
		sk:      sk,
		root:    cfg.Root,
		docRoot: cfg.DocRoot,
		port:    cfg.Port,
		timeout: uint64(cfg.ReadTimeout.Milliseconds()),
		ticks:   cfg.Ticks,
		sleep:   cfg.Sleep,
		log:     internal.Logger{Log: cfg.Logger},
		hbuf:    make([]byte, 0, 256),
	}, nil
}

// Stop asks the worker to close the listener and return. It is safe to call
// from any goroutine.
func (sv *Server) Stop() { sv.stop.Store(true) }

// Served returns the number of connections handled.
func (sv *Server) Served() uint64 { return sv.served.Load() }

// Run listens on the configured port and serves clients until Stop is called
// or ctx is done.
func (sv *Server) Run(ctx context.Context) error {
	l, err := sv.sk.Listen(sv.port)
	if err != nil {
		return err
	}
	defer sv.sk.Close(l)
	sv.log.Info("httpd:run:listen", slog.Uint64("port", uint64(sv.port)))
	idle := internal.NewBackoff(internal.BackoffTCPConn, sv.sleep)
	for !sv.stop.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, ok := sv.sk.FindReadyClient(sv.port)
		if !ok {
			idle.Miss()
			continue
		}
		idle.Hit()
		if err := sv.serve(c); err != nil {
			sv.log.Warn("httpd:serve", slog.String("err", err.Error()))
		}
		sv.sk.Close(c)
		sv.served.Add(1)
	}
	sv.log.Info("httpd:run:stopped")
	return nil
}

func (sv *Server) serve(c tcp.Handle) error {
	err := sv.readRequest(c)
	switch {
	case errors.Is(err, errClosed):
		return err
	case errors.Is(err, errReadTimeout):
		sv.respondError(c, 408)
		return err
	case errors.Is(err, errHeaderSize):
		return sv.respondError(c, 431)
	case err != nil:
		sv.respondError(c, 400)
		return err
	}
	method, target := string(sv.req.Method), string(sv.req.Target)
	sv.log.Debug("httpd:serve:request", slog.String("method", method), slog.String("target", target))
	if method != "GET" {
		return sv.respondError(c, 405, "Allow", "GET")
	}
	name, ok := sv.resolve(target)
	if !ok {
		return sv.respondError(c, 400)
	}
	f, size, err := sv.open(name)
	if err != nil {
		sv.log.Debug("httpd:serve:not-found", slog.String("name", name))
		return sv.respondError(c, 404)
	}
	defer f.Close()
	sv.hbuf = appendResponse(sv.hbuf[:0], 200,
		"Server", serverName,
		"Content-Type", contentType(name),
		"Content-Length", strconv.FormatInt(size, 10),
		"Connection", "close",
	)
	if err = sv.sendAll(c, sv.hbuf); err != nil {
		return err
	}
	var sent int64
	for {
		n, rerr := f.Read(sv.wbuf[:])
		if n > 0 {
			if err = sv.sendAll(c, sv.wbuf[:n]); err != nil {
				return err
			}
			sent += int64(n)
			sv.sleep(0) // yield between chunks.
		}
		if rerr == io.EOF {
			break
		} else if rerr != nil {
			return rerr
		}
	}
	if sent != size {
		sv.log.Warn("httpd:serve:short-body", slog.Int64("want", size), slog.Int64("sent", sent))
	}
	sv.log.Info("httpd:serve:ok", slog.String("name", name), slog.Int64("bytes", sent))
	return nil
}

// readRequest accumulates bytes until the end of the request head and parses it.
func (sv *Server) readRequest(c tcp.Handle) error {
	n := 0
	deadline := sv.ticks() + sv.timeout
	backoff := internal.NewBackoff(internal.BackoffTCPConn, sv.sleep)
	for !headerComplete(sv.rbuf[:n]) {
		if n == len(sv.rbuf) {
			return errHeaderSize
		}
		got, err := sv.sk.Recv(c, sv.rbuf[n:])
		n += got
		switch {
		case err == io.EOF && got == 0:
			return errClosed
		case err != nil && err != io.EOF:
			return err
		case got > 0:
			backoff.Hit()
		case sv.ticks() >= deadline:
			return errReadTimeout
		default:
			backoff.Miss()
		}
	}
	_, err := sv.req.Parse(sv.rbuf[:n])
	return err
}

// resolve maps a request target onto a file name within the document root.
func (sv *Server) resolve(target string) (string, bool) {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	p, err := url.PathUnescape(target)
	if err != nil || !strings.HasPrefix(p, "/") {
		return "", false
	}
	dir := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if dir || p == "/" {
		p = path.Join(p, "index.html")
	}
	name := path.Join(sv.docRoot, p[1:])
	return name, fs.ValidPath(name)
}

func (sv *Server) open(name string) (fs.File, int64, error) {
	f, err := sv.root.Open(name)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err == nil && st.IsDir() {
		err = fs.ErrNotExist
	}
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func (sv *Server) respondError(c tcp.Handle, code int, extra ...string) error {
	body := strconv.Itoa(code) + " " + statusText(code) + "\n"
	kv := append([]string{
		"Server", serverName,
		"Content-Type", "text/plain; charset=utf-8",
		"Content-Length", strconv.Itoa(len(body)),
		"Connection", "close",
	}, extra...)
	sv.hbuf = appendResponse(sv.hbuf[:0], code, kv...)
	sv.hbuf = append(sv.hbuf, body...)
	return sv.sendAll(c, sv.hbuf)
}

// sendAll sends data, yielding while the peer's window is closed.
func (sv *Server) sendAll(c tcp.Handle, data []byte) error {
	deadline := sv.ticks() + sv.timeout
	backoff := internal.NewBackoff(internal.BackoffTCPConn, sv.sleep)
	for len(data) > 0 {
		n, err := sv.sk.Send(c, data)
		if err != nil {
			return err
		}
		data = data[n:]
		if n > 0 {
			backoff.Hit()
			deadline = sv.ticks() + sv.timeout
		} else if sv.ticks() >= deadline {
			return errSendTimeout
		} else {
			backoff.Miss()
		}
	}
	return nil
}
