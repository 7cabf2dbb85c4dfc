package virtio

import (
	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/pci"
)

// Transport unifies register access of the legacy and modern PCI interfaces.
type Transport interface {
	// Legacy reports whether this is the pre 1.0 port I/O interface.
	Legacy() bool
	Reset()
	Status() uint8
	SetStatus(s uint8)
	DeviceFeatures() uint64
	SetDriverFeatures(f uint64)
	// MaxQueueSize selects queue index and returns the size the device
	// offers, or ErrNoQueue.
	MaxQueueSize(index uint16) (uint16, error)
	// SetupQueue programs the queue's addresses and enables it.
	SetupQueue(q *Queue) error
	Notify(index uint16)
	// ReadConfig copies device specific configuration starting at off.
	ReadConfig(off uint32, dst []byte) error
	// ISR reads and thereby acknowledges the interrupt status.
	ISR() uint8
}

// Negotiate runs the status handshake up to FEATURES_OK and returns the
// accepted feature set: every required bit and whatever optional bits the
// device offers. Modern transports additionally require VERSION_1.
func Negotiate(t Transport, required, optional uint64) (uint64, error) {
	t.Reset()
	t.SetStatus(StatusAcknowledge)
	t.SetStatus(StatusAcknowledge | StatusDriver)
	if !t.Legacy() {
		required |= FeatureVersion1
	}
	offered := t.DeviceFeatures()
	if offered&required != required {
		t.SetStatus(StatusFailed)
		return 0, ErrFeatures
	}
	accepted := offered & (required | optional)
	t.SetDriverFeatures(accepted)
	if t.Legacy() {
		return accepted, nil
	}
	t.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	if t.Status()&StatusFeaturesOK == 0 {
		t.SetStatus(StatusFailed)
		return 0, ErrFeaturesOK
	}
	return accepted, nil
}

// DriverOK tells the device the driver is live.
func DriverOK(t Transport) { t.SetStatus(t.Status() | StatusDriverOK) }

// OpenQueue allocates queue index sized to the device maximum, capped at
// want on modern transports (legacy devices dictate the size), and sets it up.
func OpenQueue(t Transport, dma hal.DMA, index, want uint16) (*Queue, error) {
	max, err := t.MaxQueueSize(index)
	if err != nil {
		return nil, err
	}
	size := max
	if !t.Legacy() && want != 0 && want < max {
		size = want
	}
	q, err := NewQueue(dma, index, size)
	if err != nil {
		return nil, err
	}
	if err := t.SetupQueue(q); err != nil {
		return nil, err
	}
	return q, nil
}

// LegacyTransport is the port I/O interface at BAR0.
type LegacyTransport struct {
	w hal.MMIO
}

// NewLegacy returns the legacy transport over the register window w.
func NewLegacy(w hal.MMIO) *LegacyTransport { return &LegacyTransport{w: w} }

func (l *LegacyTransport) Legacy() bool           { return true }
func (l *LegacyTransport) Reset()                 { l.w.Write8(lgStatus, 0) }
func (l *LegacyTransport) Status() uint8          { return l.w.Read8(lgStatus) }
func (l *LegacyTransport) SetStatus(s uint8)      { l.w.Write8(lgStatus, s) }
func (l *LegacyTransport) DeviceFeatures() uint64 { return uint64(l.w.Read32(lgDeviceFeatures)) }
func (l *LegacyTransport) SetDriverFeatures(f uint64) {
	l.w.Write32(lgGuestFeatures, uint32(f))
}
func (l *LegacyTransport) Notify(index uint16) { l.w.Write16(lgQueueNotify, index) }
func (l *LegacyTransport) ISR() uint8          { return l.w.Read8(lgISR) }

func (l *LegacyTransport) MaxQueueSize(index uint16) (uint16, error) {
	l.w.Write16(lgQueueSelect, index)
	size := l.w.Read16(lgQueueSize)
	if size == 0 {
		return 0, ErrNoQueue
	}
	return size, nil
}

// SetupQueue writes the page frame number of the queue's first page.
func (l *LegacyTransport) SetupQueue(q *Queue) error {
	l.w.Write16(lgQueueSelect, q.index)
	if l.w.Read16(lgQueueSize) != q.size {
		return ErrQueueSize
	}
	l.w.Write32(lgQueuePFN, uint32(q.DescAddr()/legacyAlign))
	return nil
}

func (l *LegacyTransport) ReadConfig(off uint32, dst []byte) error {
	for i := range dst {
		dst[i] = l.w.Read8(lgConfig + off + uint32(i))
	}
	return nil
}

// ModernTransport locates its four structures through vendor capabilities.
type ModernTransport struct {
	common    hal.MMIO
	notify    hal.MMIO
	isr       hal.MMIO
	device    hal.MMIO
	notifyMul uint32
	notifyOff []uint16
}

type capLoc struct {
	found  bool
	bar    uint8
	offset uint32
	length uint32
}

// NewModern parses the device's virtio capabilities and maps the common,
// notify, ISR and device configuration structures.
func NewModern(dev *pci.Device, m hal.Mapper) (*ModernTransport, error) {
	var locs [capDevice + 1]capLoc
	var mul uint32
	err := dev.ForEachCapability(func(id, off uint8) error {
		if id != pci.CapVendor {
			return nil
		}
		typ := pci.Read8(dev.Config, off+3)
		if typ < capCommon || typ > capDevice || locs[typ].found {
			return nil
		}
		locs[typ] = capLoc{
			found:  true,
			bar:    pci.Read8(dev.Config, off+4),
			offset: dev.Config.Read32(off + 8),
			length: dev.Config.Read32(off + 12),
		}
		if typ == capNotify {
			mul = dev.Config.Read32(off + 16)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var win [capDevice + 1]hal.MMIO
	for typ := capCommon; typ <= capDevice; typ++ {
		loc := locs[typ]
		if !loc.found {
			return nil, ErrMissingCap
		}
		bar, err := dev.BAR(int(loc.bar))
		if err != nil || !bar.IsMem() {
			return nil, ErrMissingCap
		}
		win[typ], err = m.Map(bar.Addr+uint64(loc.offset), uint64(loc.length))
		if err != nil {
			return nil, err
		}
	}
	return &ModernTransport{
		common:    win[capCommon],
		notify:    win[capNotify],
		isr:       win[capISR],
		device:    win[capDevice],
		notifyMul: mul,
	}, nil
}

func (mt *ModernTransport) Legacy() bool      { return false }
func (mt *ModernTransport) Reset()            { mt.common.Write8(ccStatus, 0) }
func (mt *ModernTransport) Status() uint8     { return mt.common.Read8(ccStatus) }
func (mt *ModernTransport) SetStatus(s uint8) { mt.common.Write8(ccStatus, s) }
func (mt *ModernTransport) ISR() uint8        { return mt.isr.Read8(0) }

func (mt *ModernTransport) DeviceFeatures() uint64 {
	mt.common.Write32(ccDeviceFeatureSel, 0)
	lo := mt.common.Read32(ccDeviceFeature)
	mt.common.Write32(ccDeviceFeatureSel, 1)
	hi := mt.common.Read32(ccDeviceFeature)
	return uint64(hi)<<32 | uint64(lo)
}

func (mt *ModernTransport) SetDriverFeatures(f uint64) {
	mt.common.Write32(ccDriverFeatureSel, 0)
	mt.common.Write32(ccDriverFeature, uint32(f))
	mt.common.Write32(ccDriverFeatureSel, 1)
	mt.common.Write32(ccDriverFeature, uint32(f>>32))
}

func (mt *ModernTransport) MaxQueueSize(index uint16) (uint16, error) {
	if index >= mt.common.Read16(ccNumQueues) {
		return 0, ErrNoQueue
	}
	mt.common.Write16(ccQueueSelect, index)
	size := mt.common.Read16(ccQueueSize)
	if size == 0 {
		return 0, ErrNoQueue
	}
	return size, nil
}

func write64(w hal.MMIO, off uint32, v uint64) {
	w.Write32(off, uint32(v))
	w.Write32(off+4, uint32(v>>32))
}

func (mt *ModernTransport) SetupQueue(q *Queue) error {
	mt.common.Write16(ccQueueSelect, q.index)
	if max := mt.common.Read16(ccQueueSize); q.size > max {
		return ErrQueueSize
	}
	mt.common.Write16(ccQueueSize, q.size)
	write64(mt.common, ccQueueDesc, q.DescAddr())
	write64(mt.common, ccQueueDriver, q.DriverAddr())
	write64(mt.common, ccQueueDevice, q.DeviceAddr())
	for int(q.index) >= len(mt.notifyOff) {
		mt.notifyOff = append(mt.notifyOff, 0)
	}
	mt.notifyOff[q.index] = mt.common.Read16(ccQueueNotifyOff)
	mt.common.Write16(ccQueueEnable, 1)
	return nil
}

// Notify writes the queue index to the queue's own doorbell at
// notify_off * notify_off_multiplier.
func (mt *ModernTransport) Notify(index uint16) {
	var off uint32
	if int(index) < len(mt.notifyOff) {
		off = uint32(mt.notifyOff[index]) * mt.notifyMul
	}
	mt.notify.Write16(off, index)
}

// ReadConfig retries while the config generation changes under the read.
func (mt *ModernTransport) ReadConfig(off uint32, dst []byte) error {
	for range 8 {
		gen := mt.common.Read8(ccConfigGen)
		for i := range dst {
			dst[i] = mt.device.Read8(off + uint32(i))
		}
		if mt.common.Read8(ccConfigGen) == gen {
			return nil
		}
	}
	return ErrConfigChanged
}
