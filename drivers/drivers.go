// Package drivers holds what the NIC drivers share: the receive callback,
// driver statistics, station address selection and common errors.
package drivers

import (
	"errors"
	"log/slog"

	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/internal"
)

// Env carries the kernel services a driver needs at probe time.
// IO is required for port mapped devices, Mapper for memory mapped ones.
type Env struct {
	IO     hal.PortIO
	Mapper hal.Mapper
	DMA    hal.DMA
	Logger *slog.Logger
	// Seed feeds address fabrication when the device has no valid MAC.
	Seed uint32
}

// RxHandler receives a frame without FCS. The slice is only valid for the
// duration of the call: the buffer is returned to the device afterwards.
type RxHandler func(frame []byte)

// Stats are driver level counters. They only grow.
type Stats struct {
	RxFrames uint64
	TxFrames uint64
	RxErrors uint64
	TxErrors uint64
}

const (
	// BufSize is the size of every RX and TX DMA buffer.
	BufSize = 2048
	// MinFrame is the Ethernet header size, the smallest frame accepted for send.
	MinFrame = 14
	// TxSpin bounds the poll on a TX slot still owned by the device.
	TxSpin = 10_000
)

var (
	ErrTxBusy      = errors.New("drivers: tx descriptor still owned by device")
	ErrFrameSize   = errors.New("drivers: frame length out of range")
	ErrNotStarted  = errors.New("drivers: device not started")
	ErrWrongDevice = errors.New("drivers: unsupported PCI device")
	ErrNoBAR       = errors.New("drivers: required BAR missing")
)

// MACSource names where a station address came from.
type MACSource uint8

const (
	MACFromROM MACSource = iota
	MACFromRegisters
	MACFabricated
)

func (s MACSource) String() string {
	switch s {
	case MACFromROM:
		return "rom"
	case MACFromRegisters:
		return "registers"
	}
	return "fabricated"
}

// PickMAC prefers the ROM address, then the preprogrammed register address,
// and fabricates a locally administered one when both are invalid.
// Fabrication is logged as a warning under tag.
func PickMAC(log internal.Logger, tag string, rom, regs [6]byte, seed uint32) ([6]byte, MACSource) {
	switch {
	case hal.IsValidMAC(rom):
		return rom, MACFromROM
	case hal.IsValidMAC(regs):
		return regs, MACFromRegisters
	}
	mac := hal.LocalMAC(seed)
	log.Warn(tag+":mac:fabricated", internal.SlogMAC("mac", &mac))
	return mac, MACFabricated
}

// CheckSend validates a frame against a driver whose buffers hold max bytes.
func CheckSend(frame []byte, max int) error {
	if len(frame) < MinFrame || len(frame) > max {
		return ErrFrameSize
	}
	return nil
}

// LogAttrs returns the counters as slog attributes.
func (s Stats) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Uint64("rx", s.RxFrames),
		slog.Uint64("tx", s.TxFrames),
		slog.Uint64("rxerr", s.RxErrors),
		slog.Uint64("txerr", s.TxErrors),
	}
}
