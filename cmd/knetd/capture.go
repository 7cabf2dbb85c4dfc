package main

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hobbyos/knet"
	"github.com/hobbyos/knet/drivers"
	"github.com/hobbyos/knet/netdev"
)

// capture wraps a driver and records every frame it sends or receives.
type capture struct {
	netdev.Driver
	mu  sync.Mutex
	w   *pcapgo.Writer
	now func() time.Time
	err error
}

func newCapture(drv netdev.Driver, w io.Writer) (*capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(knet.MaxFrameSize, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return &capture{Driver: drv, w: pw, now: time.Now}, nil
}

func (c *capture) SendFrame(frame []byte) error {
	err := c.Driver.SendFrame(frame)
	if err == nil {
		c.record(frame)
	}
	return err
}

func (c *capture) SetRxHandler(h drivers.RxHandler) {
	c.Driver.SetRxHandler(func(frame []byte) {
		c.record(frame)
		h(frame)
	})
}

func (c *capture) LinkUp() bool {
	if lr, ok := c.Driver.(interface{ LinkUp() bool }); ok {
		return lr.LinkUp()
	}
	return true
}

func (c *capture) Stats() drivers.Stats {
	if sr, ok := c.Driver.(interface{ Stats() drivers.Stats }); ok {
		return sr.Stats()
	}
	return drivers.Stats{}
}

// Err returns the first write error. Recording stops after it.
func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *capture) record(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: c.now(), CaptureLength: len(frame), Length: len(frame)}
	c.err = c.w.WritePacket(ci, frame)
}
