package netstack

import (
	"context"
	"net/netip"
	"time"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/tcp"
)

const dialWait = 10 * time.Second

// Listen creates a socket listening on port.
func (s *Stack) Listen(port uint16) (tcp.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.tcp.Create()
	if err != nil {
		return 0, err
	}
	if err = s.tcp.Bind(h, port); err == nil {
		err = s.tcp.Listen(h)
	}
	if err != nil {
		s.tcp.Close(h)
		return 0, err
	}
	return h, nil
}

// Accept returns a connection of listener that completed its handshake.
func (s *Stack) Accept(listener tcp.Handle) (tcp.Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.Accept(listener)
}

// FindReadyClient accepts a ready connection on the listener bound to port.
func (s *Stack) FindReadyClient(port uint16) (tcp.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.FindReadyClient(port)
}

// Dial opens a connection to dst:port and waits for it to be established.
func (s *Stack) Dial(ctx context.Context, dst netip.AddrPort) (tcp.Handle, error) {
	if !dst.Addr().Is4() || dst.Port() == 0 {
		return 0, knet.ErrInvalidAddr
	}
	d4 := dst.Addr().As4()
	if _, err := s.ResolveHardwareAddr(ctx, d4); err != nil {
		return 0, err
	}
	s.mu.Lock()
	h, err := s.tcp.Create()
	if err == nil {
		var src [4]byte
		if _, _, src, err = s.nextHop(d4); err == nil {
			err = s.tcp.Connect(h, src, d4, dst.Port())
		}
		if err != nil {
			s.tcp.Close(h)
		}
	}
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	err = s.wait(ctx, dialWait, func() (bool, error) {
		st, err := s.tcp.State(h)
		if err != nil {
			return false, err
		}
		switch st {
		case tcp.StateEstablished, tcp.StateCloseWait:
			return true, nil
		case tcp.StateSynSent, tcp.StateSynRcvd:
			return false, nil
		}
		return false, knet.ErrMismatch
	})
	if err != nil {
		s.mu.Lock()
		if st, _ := s.tcp.State(h); st == tcp.StateClosed {
			// A refused connection reports the reset on the next call.
			_, rerr := s.tcp.Recv(h, nil)
			if rerr != nil {
				err = rerr
			}
		}
		s.tcp.Close(h)
		s.mu.Unlock()
		return 0, err
	}
	return h, nil
}

// Send queues data and returns how many bytes the peer's window admitted.
func (s *Stack) Send(h tcp.Handle, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.Send(h, data)
}

// Recv reads buffered data without blocking.
func (s *Stack) Recv(h tcp.Handle, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.Recv(h, buf)
}

// Close closes the socket.
func (s *Stack) Close(h tcp.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.Close(h)
}

// State returns the TCP state of the socket.
func (s *Stack) State(h tcp.Handle) (tcp.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.State(h)
}

// RemoteAddr returns the peer of the socket.
func (s *Stack) RemoteAddr(h tcp.Handle) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, port, err := s.tcp.RemoteAddr(h)
	return netip.AddrPortFrom(netip.AddrFrom4(addr), port), err
}

// Sockets returns the number of sockets in use and the pool capacity.
func (s *Stack) Sockets() (used, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcp.Len(), s.tcp.Cap()
}
