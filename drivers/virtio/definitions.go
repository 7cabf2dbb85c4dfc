// Package virtio implements the PCI transports of VirtIO 1.x (legacy port I/O
// and modern memory mapped capabilities) and the split virtqueue.
package virtio

import "errors"

const VendorID = 0x1af4

// Device status bits.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// Transport feature bits.
const (
	FeatureVersion1 uint64 = 1 << 32
)

// ISR status bits.
const (
	ISRQueue  = 1 << 0
	ISRConfig = 1 << 1
)

// Descriptor flags.
const (
	descNext  = 1 << 0
	descWrite = 1 << 1

	usedNoNotify = 1 << 0
)

// Modern PCI capability structure types.
const (
	capCommon = 1
	capNotify = 2
	capISR    = 3
	capDevice = 4
)

// Common configuration layout.
const (
	ccDeviceFeatureSel = 0x00
	ccDeviceFeature    = 0x04
	ccDriverFeatureSel = 0x08
	ccDriverFeature    = 0x0c
	ccNumQueues        = 0x12
	ccStatus           = 0x14
	ccConfigGen        = 0x15
	ccQueueSelect      = 0x16
	ccQueueSize        = 0x18
	ccQueueEnable      = 0x1c
	ccQueueNotifyOff   = 0x1e
	ccQueueDesc        = 0x20
	ccQueueDriver      = 0x28
	ccQueueDevice      = 0x30
)

// Legacy register window layout, device config follows at 0x14 without MSI-X.
const (
	lgDeviceFeatures = 0x00
	lgGuestFeatures  = 0x04
	lgQueuePFN       = 0x08
	lgQueueSize      = 0x0c
	lgQueueSelect    = 0x0e
	lgQueueNotify    = 0x10
	lgStatus         = 0x12
	lgISR            = 0x13
	lgConfig         = 0x14

	legacyAlign = 4096
)

var (
	ErrQueueFull     = errors.New("virtio: no free descriptors")
	ErrNoQueue       = errors.New("virtio: queue not available")
	ErrQueueSize     = errors.New("virtio: queue size mismatch")
	ErrFeatures      = errors.New("virtio: required features not offered")
	ErrFeaturesOK    = errors.New("virtio: device rejected features")
	ErrMissingCap    = errors.New("virtio: capability structure missing")
	ErrConfigChanged = errors.New("virtio: device config kept changing")
)
