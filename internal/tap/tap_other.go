//go:build !linux

package tap

import (
	"errors"
	"time"
)

// Device is unavailable outside Linux.
type Device struct{}

func Open(name, hostCIDR string) (*Device, error) {
	return nil, errors.New("tap: only supported on linux")
}

func (d *Device) Name() string               { return "" }
func (d *Device) Read(b []byte) (int, error) { return 0, errors.New("tap: unsupported") }
func (d *Device) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	return 0, errors.New("tap: unsupported")
}
func (d *Device) Write(b []byte) (int, error) { return 0, errors.New("tap: unsupported") }
func (d *Device) Close() error                { return nil }
