package virtio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hobbyos/knet/drivers/virtio/virtiotest"
	"github.com/hobbyos/knet/hal"
)

// deviceUse plays the device side: consume the next available chain and
// return it on the used ring with length n.
func deviceUse(t *testing.T, q *Queue, lastAvail *uint16, n uint32) uint16 {
	t.Helper()
	avail := q.mem.Buf[q.availOff:]
	if binary.LittleEndian.Uint16(avail[2:]) == *lastAvail {
		t.Fatal("nothing available")
	}
	head := binary.LittleEndian.Uint16(avail[4+2*int(*lastAvail%q.size):])
	*lastAvail++
	used := q.mem.Buf[q.usedOff:]
	idx := binary.LittleEndian.Uint16(used[2:])
	binary.LittleEndian.PutUint32(used[4+8*int(idx%q.size):], uint32(head))
	binary.LittleEndian.PutUint32(used[8+8*int(idx%q.size):], n)
	binary.LittleEndian.PutUint16(used[2:], idx+1)
	return head
}

func TestQueueLayout(t *testing.T) {
	mem := hal.NewHeapDMA(0x40_0000, 1<<20)
	q, err := NewQueue(mem, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	if q.DescAddr()%4096 != 0 || q.DeviceAddr()%4096 != 0 {
		t.Errorf("queue areas not page aligned: desc=%#x used=%#x", q.DescAddr(), q.DeviceAddr())
	}
	if q.DriverAddr() != q.DescAddr()+16*256 {
		t.Errorf("avail at %#x", q.DriverAddr())
	}
	if QueueBytes(256) != 3*4096 {
		t.Errorf("size %d", QueueBytes(256))
	}
	if _, err := NewQueue(mem, 0, 100); !errors.Is(err, ErrQueueSize) {
		t.Errorf("non power of two: %v", err)
	}
}

func TestQueueFreeList(t *testing.T) {
	mem := hal.NewHeapDMA(0x40_0000, 1<<20)
	q, _ := NewQueue(mem, 1, 8)
	buf, _ := mem.Alloc(64, 16)
	var lastAvail uint16
	for round := range 5 {
		for i := range 8 {
			if _, err := q.AddBuf(buf, 64, false, false); err != nil {
				t.Fatalf("round %d add %d: %v", round, i, err)
			}
		}
		if q.NumFree() != 0 {
			t.Fatalf("free=%d", q.NumFree())
		}
		if _, err := q.AddBuf(buf, 64, false, false); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("want full, got %v", err)
		}
		for range 8 {
			deviceUse(t, q, &lastAvail, 0)
		}
		for range 8 {
			if _, _, ok := q.GetUsed(); !ok {
				t.Fatal("missing used entry")
			}
		}
		if q.NumFree() != 8 || q.HasUsed() {
			t.Fatalf("free=%d hasUsed=%v", q.NumFree(), q.HasUsed())
		}
	}
}

func TestQueueChain(t *testing.T) {
	mem := hal.NewHeapDMA(0x40_0000, 1<<20)
	q, _ := NewQueue(mem, 0, 4)
	hdr, _ := mem.Alloc(12, 16)
	data, _ := mem.Alloc(2048, 16)
	first, err := q.AddBuf(hdr, 12, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if q.availIdx() != 0 {
		t.Fatal("open chain published")
	}
	second, err := q.AddBuf(data, 2048, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if q.availIdx() != 1 || q.NumFree() != 2 {
		t.Fatalf("avail=%d free=%d", q.availIdx(), q.NumFree())
	}
	if q.flags(first) != descNext|descWrite || q.next(first) != second || q.flags(second) != descWrite {
		t.Errorf("chain flags %#x->%d %#x", q.flags(first), q.next(first), q.flags(second))
	}
	var lastAvail uint16
	if head := deviceUse(t, q, &lastAvail, 100); head != first {
		t.Fatalf("device saw head %d", head)
	}
	got, n, ok := q.GetUsed()
	if !ok || n != 100 || got.Phys != hdr.Phys {
		t.Fatalf("used %v n=%d phys=%#x", ok, n, got.Phys)
	}
	if q.NumFree() != 4 {
		t.Errorf("chain not fully released: free=%d", q.NumFree())
	}
	if _, _, ok := q.GetUsed(); ok {
		t.Error("phantom used entry")
	}
}

func TestNegotiateLegacy(t *testing.T) {
	mem := hal.NewHeapDMA(0x40_0000, 1<<20)
	dev := virtiotest.NewNet(mem, [6]byte{0x52, 0x54, 0, 1, 2, 3}, 64)
	tr := NewLegacy(hal.PortMMIO{IO: dev.Ports(), Base: virtiotest.IOBase})
	feat, err := Negotiate(tr, 1<<5, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	if feat != 1<<5|1<<16 || dev.DriverFeatures() != feat {
		t.Errorf("features %#x device saw %#x", feat, dev.DriverFeatures())
	}
	if dev.Status() != StatusAcknowledge|StatusDriver {
		t.Errorf("status %#x", dev.Status())
	}
	q, err := OpenQueue(tr, mem, 1, 8)
	if err != nil {
		t.Fatal(err)
	}
	if q.Size() != 64 {
		t.Errorf("legacy queue size %d, device dictates 64", q.Size())
	}
	DriverOK(tr)
	if dev.Status()&StatusDriverOK == 0 {
		t.Error("DRIVER_OK not set")
	}
	var mac [6]byte
	tr.ReadConfig(0, mac[:])
	if mac != dev.MAC {
		t.Errorf("config mac %x", mac)
	}
	if _, err := tr.MaxQueueSize(5); !errors.Is(err, ErrNoQueue) {
		t.Errorf("queue 5: %v", err)
	}
}

func TestNegotiateModern(t *testing.T) {
	mem := hal.NewHeapDMA(0x40_0000, 1<<20)
	dev := virtiotest.NewNet(mem, [6]byte{0x52, 0x54, 0, 1, 2, 3}, 256)
	pdev := dev.PCIDevice(true)
	tr, err := NewModern(pdev, dev.Mapper())
	if err != nil {
		t.Fatal(err)
	}
	feat, err := Negotiate(tr, 1<<5, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	if feat&FeatureVersion1 == 0 || dev.DriverFeatures() != feat {
		t.Errorf("features %#x device saw %#x", feat, dev.DriverFeatures())
	}
	if dev.Status()&StatusFeaturesOK == 0 {
		t.Error("FEATURES_OK not kept")
	}
	q, err := OpenQueue(tr, mem, 1, 32)
	if err != nil {
		t.Fatal(err)
	}
	if q.Size() != 32 {
		t.Errorf("modern queue size %d", q.Size())
	}
	buf, _ := mem.Alloc(64, 16)
	q.AddBuf(buf, 22, false, false)
	tr.Notify(1)
	if len(dev.Sent) != 1 || len(dev.Sent[0]) != 10 || len(dev.Faults) != 0 {
		t.Fatalf("sent %d faults %v", len(dev.Sent), dev.Faults)
	}
	if tr.ISR()&ISRQueue == 0 || tr.ISR() != 0 {
		t.Error("ISR not read to clear")
	}
}

func TestNegotiateFailures(t *testing.T) {
	mem := hal.NewHeapDMA(0x40_0000, 1<<20)
	dev := virtiotest.NewNet(mem, [6]byte{0x52, 0x54, 0, 1, 2, 3}, 64)
	dev.Features = 1 << 5
	tr := NewLegacy(hal.PortMMIO{IO: dev.Ports(), Base: virtiotest.IOBase})
	if _, err := Negotiate(tr, 1<<5|1<<16, 0); !errors.Is(err, ErrFeatures) {
		t.Errorf("missing STATUS: %v", err)
	}
	if dev.Status() != StatusFailed {
		t.Errorf("status %#x", dev.Status())
	}

	dev = virtiotest.NewNet(mem, [6]byte{0x52, 0x54, 0, 1, 2, 3}, 64)
	dev.RejectFeatures = true
	mt, err := NewModern(dev.PCIDevice(true), dev.Mapper())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Negotiate(mt, 1<<5, 0); !errors.Is(err, ErrFeaturesOK) {
		t.Errorf("rejected features: %v", err)
	}

	if _, err := NewModern(dev.PCIDevice(false), dev.Mapper()); !errors.Is(err, ErrMissingCap) {
		t.Errorf("legacy-only device: %v", err)
	}
}
