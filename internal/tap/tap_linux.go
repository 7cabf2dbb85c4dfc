//go:build linux

// Package tap opens Linux TAP devices so the stack can run as a regular process.
package tap

import (
	"errors"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// Device is an open TAP interface without packet information headers.
type Device struct {
	fd   int
	name string
}

// Open attaches to (creating if needed) the TAP interface called name.
// When hostCIDR is not empty the host side is brought up and assigned that address.
func Open(name, hostCIDR string) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, errors.New("tap: name too long")
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open tun device: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: TUNSETIFF: %w", err)
	}
	if hostCIDR != "" {
		if err = exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("tap: link up: %w", err)
		}
		if err = exec.Command("ip", "addr", "add", hostCIDR, "dev", name).Run(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("tap: assign address: %w", err)
		}
	}
	return &Device{fd: fd, name: name}, nil
}

// Name returns the interface name.
func (d *Device) Name() string { return d.name }

// Read blocks until a frame is available and copies it into b.
func (d *Device) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, b)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// ReadTimeout waits up to timeout for a frame. It returns 0 and a nil error
// when none arrived.
func (d *Device) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return 0, err
		} else if n == 0 {
			return 0, nil
		}
		return d.Read(b)
	}
}

// Write sends a single Ethernet frame.
func (d *Device) Write(b []byte) (int, error) {
	return unix.Write(d.fd, b)
}

// Close releases the file descriptor, unblocking pending reads.
func (d *Device) Close() error { return unix.Close(d.fd) }
