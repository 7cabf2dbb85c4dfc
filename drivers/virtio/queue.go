package virtio

import (
	"encoding/binary"

	"github.com/hobbyos/knet/hal"
)

// Queue is a split virtqueue in one physically contiguous, page aligned
// allocation laid out as the legacy interface requires: descriptor table,
// available ring, then the used ring on the next page boundary.
// Free descriptors form a singly linked list through their next field.
type Queue struct {
	index    uint16
	size     uint16
	mem      hal.Region
	availOff int
	usedOff  int

	freeHead uint16
	numFree  uint16
	lastUsed uint16
	bufs     []hal.Region

	// Open chain: descriptors added with hasNext waiting for their last buffer.
	chainOpen bool
	chainHead uint16
	chainTail uint16
}

const sizeDesc = 16

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

// QueueBytes returns the allocation size of a queue with size entries.
func QueueBytes(size uint16) int {
	n := int(size)
	return alignUp(sizeDesc*n+6+2*n, legacyAlign) + alignUp(6+8*n, legacyAlign)
}

// NewQueue allocates queue index with size entries, a power of two.
func NewQueue(dma hal.DMA, index, size uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrQueueSize
	}
	mem, err := dma.Alloc(QueueBytes(size), legacyAlign)
	if err != nil {
		return nil, err
	}
	n := int(size)
	q := &Queue{
		index:    index,
		size:     size,
		mem:      mem,
		availOff: sizeDesc * n,
		usedOff:  alignUp(sizeDesc*n+6+2*n, legacyAlign),
		bufs:     make([]hal.Region, n),
	}
	for i := uint16(0); i < size-1; i++ {
		q.setNext(i, i+1)
	}
	q.numFree = size
	return q, nil
}

func (q *Queue) Index() uint16 { return q.index }
func (q *Queue) Size() uint16  { return q.size }
func (q *Queue) NumFree() int  { return int(q.numFree) }

// Physical addresses of the three areas, as programmed into the device.
func (q *Queue) DescAddr() uint64   { return q.mem.Phys }
func (q *Queue) DriverAddr() uint64 { return q.mem.Phys + uint64(q.availOff) }
func (q *Queue) DeviceAddr() uint64 { return q.mem.Phys + uint64(q.usedOff) }

func (q *Queue) desc(i uint16) []byte {
	off := int(i) * sizeDesc
	return q.mem.Buf[off : off+sizeDesc]
}

func (q *Queue) next(i uint16) uint16        { return binary.LittleEndian.Uint16(q.desc(i)[14:]) }
func (q *Queue) setNext(i, next uint16)      { binary.LittleEndian.PutUint16(q.desc(i)[14:], next) }
func (q *Queue) flags(i uint16) uint16       { return binary.LittleEndian.Uint16(q.desc(i)[12:]) }
func (q *Queue) setFlags(i uint16, f uint16) { binary.LittleEndian.PutUint16(q.desc(i)[12:], f) }

func (q *Queue) availIdx() uint16 { return binary.LittleEndian.Uint16(q.mem.Buf[q.availOff+2:]) }
func (q *Queue) usedIdx() uint16  { return binary.LittleEndian.Uint16(q.mem.Buf[q.usedOff+2:]) }

// AddBuf places the first n bytes of buf in a free descriptor. With hasNext
// the descriptor opens or extends a chain that is made available to the
// device only when a buffer without hasNext closes it. It returns the
// descriptor index.
func (q *Queue) AddBuf(buf hal.Region, n int, deviceWritable, hasNext bool) (uint16, error) {
	if q.numFree == 0 {
		return 0, ErrQueueFull
	} else if n > len(buf.Buf) {
		n = len(buf.Buf)
	}
	idx := q.freeHead
	q.freeHead = q.next(idx)
	q.numFree--

	d := q.desc(idx)
	binary.LittleEndian.PutUint64(d[0:], buf.Phys)
	binary.LittleEndian.PutUint32(d[8:], uint32(n))
	var flags uint16
	if deviceWritable {
		flags |= descWrite
	}
	q.setFlags(idx, flags)
	q.bufs[idx] = buf

	if q.chainOpen {
		q.setFlags(q.chainTail, q.flags(q.chainTail)|descNext)
		q.setNext(q.chainTail, idx)
	} else {
		q.chainHead = idx
	}
	if hasNext {
		q.chainOpen = true
		q.chainTail = idx
		return idx, nil
	}
	q.chainOpen = false
	q.publish(q.chainHead)
	return idx, nil
}

// publish writes head into the available ring, then advances the index the
// device reads. The ring entry must be visible before the index.
func (q *Queue) publish(head uint16) {
	ai := q.availIdx()
	slot := q.availOff + 4 + 2*int(ai%q.size)
	binary.LittleEndian.PutUint16(q.mem.Buf[slot:], head)
	binary.LittleEndian.PutUint16(q.mem.Buf[q.availOff+2:], ai+1)
}

// HasUsed reports whether the device returned buffers not yet collected.
func (q *Queue) HasUsed() bool { return q.usedIdx() != q.lastUsed }

// GetUsed collects the next used chain. It returns the head buffer and the
// byte count the device wrote, and returns every descriptor of the chain to
// the free list.
func (q *Queue) GetUsed() (buf hal.Region, n uint32, ok bool) {
	if !q.HasUsed() {
		return hal.Region{}, 0, false
	}
	elem := q.usedOff + 4 + 8*int(q.lastUsed%q.size)
	head := uint16(binary.LittleEndian.Uint32(q.mem.Buf[elem:]))
	n = binary.LittleEndian.Uint32(q.mem.Buf[elem+4:])
	q.lastUsed++
	if head >= q.size {
		return hal.Region{}, 0, false
	}
	buf = q.bufs[head]
	idx := head
	for i := uint16(0); i < q.size; i++ {
		f := q.flags(idx)
		nxt := q.next(idx)
		q.bufs[idx] = hal.Region{}
		q.setFlags(idx, 0)
		q.setNext(idx, q.freeHead)
		q.freeHead = idx
		q.numFree++
		if f&descNext == 0 {
			break
		}
		idx = nxt
	}
	return buf, n, true
}

// NeedsNotify reports whether the device asked to be kicked after new buffers.
func (q *Queue) NeedsNotify() bool {
	return binary.LittleEndian.Uint16(q.mem.Buf[q.usedOff:])&usedNoNotify == 0
}
