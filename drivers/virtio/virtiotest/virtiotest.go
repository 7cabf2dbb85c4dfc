// Package virtiotest simulates a VirtIO network device behind either PCI
// transport so drivers can be tested against DMA memory from [hal.HeapDMA].
package virtiotest

import (
	"bytes"
	"encoding/binary"

	"github.com/hobbyos/knet/hal"
	"github.com/hobbyos/knet/pci"
)

// Layout of the simulated modern device inside its memory BAR.
const (
	BARAddr    = 0xfe00_0000
	offCommon  = 0x0000
	offISR     = 0x1000
	offDevice  = 0x2000
	offNotify  = 0x3000
	NotifyMul  = 4
	barSize    = 0x4000
	IOBase     = 0xc040
	numQueues  = 2
	legacyPage = 4096
)

const (
	featMAC      = 1 << 5
	featStatus   = 1 << 16
	featVersion1 = 1 << 32
)

type queue struct {
	size      uint16
	max       uint16
	desc      uint64
	avail     uint64
	used      uint64
	enabled   bool
	lastAvail uint16
}

// Net is a virtio-net device with an RX queue (0) and a TX queue (1).
type Net struct {
	Mem      *hal.HeapDMA
	MAC      [6]byte
	Link     bool
	Features uint64
	// RejectFeatures makes the device clear FEATURES_OK.
	RejectFeatures bool
	// Sent collects transmitted frames with the net header removed.
	Sent [][]byte
	// Notifies counts doorbell writes per queue.
	Notifies [numQueues]int
	// Faults records driver misbehaviour the device detected.
	Faults []string

	status     uint8
	driverFeat uint64
	devFeatSel uint32
	drvFeatSel uint32
	sel        uint16
	isr        uint8
	configGen  uint8
	queues     [numQueues]queue
}

// NewNet returns a device offering MAC, STATUS and VERSION_1 with queues of qmax entries.
func NewNet(mem *hal.HeapDMA, mac [6]byte, qmax uint16) *Net {
	n := &Net{Mem: mem, MAC: mac, Link: true, Features: featMAC | featStatus | featVersion1}
	for i := range n.queues {
		n.queues[i].max = qmax
	}
	return n
}

// Status returns the device status register.
func (n *Net) Status() uint8 { return n.status }

// DriverFeatures returns the feature bits the driver accepted.
func (n *Net) DriverFeatures() uint64 { return n.driverFeat }

func (n *Net) hdrLen() int {
	if n.driverFeat&featVersion1 != 0 {
		return 12
	}
	return 10
}

func (n *Net) reset() {
	n.status = 0
	n.driverFeat = 0
	n.isr = 0
	for i := range n.queues {
		max := n.queues[i].max
		n.queues[i] = queue{max: max}
	}
}

// SetLink changes link state and raises a configuration interrupt.
func (n *Net) SetLink(up bool) {
	n.Link = up
	n.configGen++
	n.isr |= 2
}

func (n *Net) config(off uint32) uint8 {
	var cfg [8]byte
	copy(cfg[:], n.MAC[:])
	if n.Link {
		cfg[6] = 1
	}
	if off < uint32(len(cfg)) {
		return cfg[off]
	}
	return 0
}

func (n *Net) readISR() uint8 {
	v := n.isr
	n.isr = 0
	return v
}

func (n *Net) setStatus(v uint8) {
	if v == 0 {
		n.reset()
		return
	}
	if v&8 != 0 && n.status&8 == 0 && n.RejectFeatures {
		v &^= 8
	}
	n.status = v
}

func (n *Net) u16(addr uint64) uint16 { return binary.LittleEndian.Uint16(n.Mem.At(addr, 2)) }

// kick processes the TX queue.
func (n *Net) kick(qi uint16) {
	if int(qi) >= numQueues {
		return
	}
	n.Notifies[qi]++
	if qi != 1 {
		return
	}
	q := &n.queues[1]
	for q.lastAvail != n.u16(q.avail+2) {
		head := n.u16(q.avail + 4 + 2*uint64(q.lastAvail%q.size))
		var frame []byte
		for idx, hops := head, 0; hops < int(q.size); hops++ {
			d := n.Mem.At(q.desc+16*uint64(idx), 16)
			addr := binary.LittleEndian.Uint64(d)
			length := binary.LittleEndian.Uint32(d[8:])
			frame = append(frame, n.Mem.At(addr, int(length))...)
			if binary.LittleEndian.Uint16(d[12:])&1 == 0 {
				break
			}
			idx = binary.LittleEndian.Uint16(d[14:])
		}
		if len(frame) >= n.hdrLen() {
			n.Sent = append(n.Sent, bytes.Clone(frame[n.hdrLen():]))
		}
		n.pushUsed(q, head, 0)
		q.lastAvail++
	}
}

func (n *Net) pushUsed(q *queue, head uint16, length uint32) {
	idx := n.u16(q.used + 2)
	elem := n.Mem.At(q.used+4+8*uint64(idx%q.size), 8)
	binary.LittleEndian.PutUint32(elem, uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], length)
	binary.LittleEndian.PutUint16(n.Mem.At(q.used+2, 2), idx+1)
	n.isr |= 1
}

// Deliver writes a zeroed net header and frame into the next available RX
// buffer. It reports false when the driver has posted no buffer.
func (n *Net) Deliver(frame []byte) bool {
	q := &n.queues[0]
	if !q.enabled || q.lastAvail == n.u16(q.avail+2) {
		return false
	}
	head := n.u16(q.avail + 4 + 2*uint64(q.lastAvail%q.size))
	q.lastAvail++
	d := n.Mem.At(q.desc+16*uint64(head), 16)
	if binary.LittleEndian.Uint16(d[12:])&2 == 0 {
		return false
	}
	buf := n.Mem.At(binary.LittleEndian.Uint64(d), int(binary.LittleEndian.Uint32(d[8:])))
	hl := n.hdrLen()
	clear(buf[:hl])
	copy(buf[hl:], frame)
	n.pushUsed(q, head, uint32(hl+len(frame)))
	return true
}

// Legacy port I/O interface.

// Ports returns the legacy register window decoded at IOBase.
func (n *Net) Ports() hal.PortIO { return ports{n} }

type ports struct{ n *Net }

func (p ports) read(off uint16, width int) uint32 {
	n := p.n
	switch {
	case off == 0x00:
		return uint32(n.Features)
	case off == 0x04:
		return uint32(n.driverFeat)
	case off == 0x08:
		return uint32(n.queues[n.sel%numQueues].desc / legacyPage)
	case off == 0x0c:
		if n.sel >= numQueues {
			return 0
		}
		return uint32(n.queues[n.sel].max)
	case off == 0x0e:
		return uint32(n.sel)
	case off == 0x12:
		return uint32(n.status)
	case off == 0x13:
		return uint32(n.readISR())
	case off >= 0x14:
		return uint32(n.config(uint32(off - 0x14)))
	}
	return 0
}

func (p ports) write(off uint16, v uint32) {
	n := p.n
	switch off {
	case 0x04:
		n.driverFeat = uint64(v)
	case 0x08:
		q := &n.queues[n.sel%numQueues]
		q.size = q.max
		q.desc = uint64(v) * legacyPage
		q.avail = q.desc + 16*uint64(q.size)
		q.used = (q.avail + 6 + 2*uint64(q.size) + legacyPage - 1) &^ (legacyPage - 1)
		q.enabled = v != 0
	case 0x0e:
		n.sel = uint16(v)
	case 0x10:
		n.kick(uint16(v))
	case 0x12:
		n.setStatus(uint8(v))
	}
}

func (p ports) In8(port uint16) uint8       { return uint8(p.read(port-IOBase, 1)) }
func (p ports) In16(port uint16) uint16     { return uint16(p.read(port-IOBase, 2)) }
func (p ports) In32(port uint16) uint32     { return p.read(port-IOBase, 4) }
func (p ports) Out8(port uint16, v uint8)   { p.write(port-IOBase, uint32(v)) }
func (p ports) Out16(port uint16, v uint16) { p.write(port-IOBase, uint32(v)) }
func (p ports) Out32(port uint16, v uint32) { p.write(port-IOBase, v) }

// Modern interface.

// PCIDevice returns a device record for the simulated function. With modern
// set it carries the four vendor capabilities and a memory BAR4; it always
// carries the legacy I/O BAR0.
func (n *Net) PCIDevice(modern bool) *pci.Device {
	cfg := &configSpace{}
	id := uint16(0x1000)
	if modern {
		id = 0x1041
		cfg.regs[pci.RegCommand/4] = 1 << 20 // capability list
		cfg.regs[pci.RegCapPtr/4] = 0x40
		caps := []struct {
			typ    uint8
			off    uint32
			length uint32
		}{
			{1, offCommon, 0x38},
			{2, offNotify, 0x10},
			{3, offISR, 4},
			{4, offDevice, 8},
		}
		at := uint8(0x40)
		for i, c := range caps {
			next := at + 20
			if i == len(caps)-1 {
				next = 0
			}
			cfg.regs[at/4] = uint32(c.typ)<<24 | 20<<16 | uint32(next)<<8 | pci.CapVendor
			cfg.regs[at/4+1] = 4 // BAR index
			cfg.regs[at/4+2] = c.off
			cfg.regs[at/4+3] = c.length
			cfg.regs[at/4+4] = NotifyMul
			at = next
		}
	}
	d := &pci.Device{Config: cfg, Vendor: 0x1af4, DeviceID: id, IRQLine: 11}
	d.BARs[0] = pci.BAR{Kind: pci.BARIO, Addr: IOBase, Size: 32}
	if modern {
		d.BARs[4] = pci.BAR{Kind: pci.BARMem64, Addr: BARAddr, Size: barSize}
	}
	return d
}

type configSpace struct{ regs [64]uint32 }

func (c *configSpace) Read32(off uint8) uint32     { return c.regs[off/4] }
func (c *configSpace) Write32(off uint8, v uint32) { c.regs[off/4] = v }

// Mapper maps windows of the modern BAR.
func (n *Net) Mapper() hal.Mapper { return mapper{n} }

type mapper struct{ n *Net }

func (m mapper) Map(phys, size uint64) (hal.MMIO, error) {
	return window{n: m.n, base: uint32(phys - BARAddr)}, nil
}

type window struct {
	n    *Net
	base uint32
}

func (w window) read(off uint32) uint64 {
	n := w.n
	a := w.base + off
	switch {
	case a >= offDevice && a < offNotify:
		return uint64(n.config(a - offDevice))
	case a == offISR:
		return uint64(n.readISR())
	case a >= offNotify:
		return 0
	}
	q := &n.queues[n.sel%numQueues]
	switch a {
	case 0x04:
		if n.devFeatSel == 0 {
			return n.Features & 0xffff_ffff
		}
		return n.Features >> 32
	case 0x12:
		return numQueues
	case 0x14:
		return uint64(n.status)
	case 0x15:
		return uint64(n.configGen)
	case 0x16:
		return uint64(n.sel)
	case 0x18:
		if n.sel >= numQueues {
			return 0
		}
		if q.size != 0 {
			return uint64(q.size)
		}
		return uint64(q.max)
	case 0x1c:
		if q.enabled {
			return 1
		}
		return 0
	case 0x1e:
		return uint64(n.sel) // queue i notifies at i*NotifyMul
	}
	return 0
}

func (w window) write(off uint32, v uint64) {
	n := w.n
	a := w.base + off
	if a >= offNotify {
		if (a-offNotify)/NotifyMul != uint32(v) {
			n.Faults = append(n.Faults, "notify written to wrong doorbell")
		}
		n.kick(uint16(v))
		return
	}
	q := &n.queues[n.sel%numQueues]
	switch a {
	case 0x00:
		n.devFeatSel = uint32(v)
	case 0x08:
		n.drvFeatSel = uint32(v)
	case 0x0c:
		if n.drvFeatSel == 0 {
			n.driverFeat = n.driverFeat&^0xffff_ffff | v
		} else {
			n.driverFeat = n.driverFeat&0xffff_ffff | v<<32
		}
	case 0x14:
		n.setStatus(uint8(v))
	case 0x16:
		n.sel = uint16(v)
	case 0x18:
		q.size = uint16(v)
	case 0x1c:
		q.enabled = v == 1
	case 0x20:
		q.desc = q.desc&^0xffff_ffff | v
	case 0x24:
		q.desc = q.desc&0xffff_ffff | v<<32
	case 0x28:
		q.avail = q.avail&^0xffff_ffff | v
	case 0x2c:
		q.avail = q.avail&0xffff_ffff | v<<32
	case 0x30:
		q.used = q.used&^0xffff_ffff | v
	case 0x34:
		q.used = q.used&0xffff_ffff | v<<32
	}
}

func (w window) Read8(off uint32) uint8       { return uint8(w.read(off)) }
func (w window) Read16(off uint32) uint16     { return uint16(w.read(off)) }
func (w window) Read32(off uint32) uint32     { return uint32(w.read(off)) }
func (w window) Write8(off uint32, v uint8)   { w.write(off, uint64(v)) }
func (w window) Write16(off uint32, v uint16) { w.write(off, uint64(v)) }
func (w window) Write32(off uint32, v uint32) { w.write(off, uint64(v)) }
