package virtionet

import (
	"sync/atomic"
	"unsafe"
)

// descriptor flags (virtq_desc.flags).
const (
	descFNext  = 1
	descFWrite = 2
)

const descriptorSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// queueByteSize returns the total byte size of a split virtqueue of size
// entries, laid out as descriptor table, then avail ring, then (4096-byte
// aligned) used ring -- the legacy transport's fixed single-region layout.
func queueByteSize(size int) int {
	descLen := size * descriptorSize
	availLen := 4 + 2*size + 2 // flags + idx + ring[size] + used_event
	usedOff := align(descLen+availLen, queueAlignment)
	usedLen := 4 + 8*size + 2 // flags + idx + ring[size]*(id+pad+len) + avail_event
	return usedOff + usedLen
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// queue is one split virtqueue, laid out directly over a hugepage-backed
// DMA region. Descriptors only ever hold pointers into mempool.Packet
// buffers -- pool-owned physical addresses referenced directly, so rx and
// tx never copy payload bytes.
type queue struct {
	mem  []byte
	phys uint64
	size uint16

	descOff  int
	availOff int
	usedOff  int

	lastUsed      uint16
	localAvailIdx uint16
}

func newQueue(mem []byte, phys uint64, size uint16) *queue {
	q := &queue{
		mem:      mem,
		phys:     phys,
		size:     size,
		descOff:  0,
		availOff: int(size) * descriptorSize,
	}
	q.usedOff = align(q.availOff+4+2*int(size)+2, queueAlignment)
	return q
}

func (q *queue) u16At(off int) *uint16 { return (*uint16)(unsafe.Pointer(&q.mem[off])) }
func (q *queue) u32At(off int) *uint32 { return (*uint32)(unsafe.Pointer(&q.mem[off])) }
func (q *queue) u64At(off int) *uint64 { return (*uint64)(unsafe.Pointer(&q.mem[off])) }

// setDesc writes descriptor i's fields.
func (q *queue) setDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOff + int(i)*descriptorSize
	atomic.StoreUint64(q.u64At(off), addr)
	atomic.StoreUint32(q.u32At(off+8), length)
	atomic.StoreUint32(q.u32At(off+12), uint32(flags)|uint32(next)<<16)
}

func (q *queue) descAddr(i uint16) uint64 {
	off := q.descOff + int(i)*descriptorSize
	return atomic.LoadUint64(q.u64At(off))
}

func (q *queue) descFlags(i uint16) uint16 {
	off := q.descOff + int(i)*descriptorSize
	return uint16(atomic.LoadUint32(q.u32At(off + 12)))
}

// availIdx returns the idx half of the (flags, idx) word at the head of the
// avail ring: the two fields sit in adjacent halves of one 32-bit word, so
// a single atomic load/store is also a well-defined memory fence around the
// idx publish that tells the device new entries are ready.
func (q *queue) availIdx() uint16 {
	return uint16(atomic.LoadUint32(q.u32At(q.availOff)) >> 16)
}

func (q *queue) setAvailFlags(flags uint16) {
	v := atomic.LoadUint32(q.u32At(q.availOff))
	v = uint32(flags) | v&0xffff0000
	atomic.StoreUint32(q.u32At(q.availOff), v)
}

// setAvailRing writes ring slot entries directly; these must be written
// before the idx publish in commitAvail, which supplies the actual fence.
func (q *queue) setAvailRing(slot uint16, descIndex uint16) {
	off := q.availOff + 4 + int(slot)*2
	*q.u16At(off) = descIndex
}

// pushAvail records descIndex in the next avail ring slot under the
// driver's private idx counter. The write is not visible to the device
// until commitAvail publishes the counter.
func (q *queue) pushAvail(descIndex uint16) {
	slot := q.localAvailIdx % q.size
	q.setAvailRing(slot, descIndex)
	q.localAvailIdx++
}

// commitAvail publishes the driver's private idx counter, making every
// pushAvail call since the last commitAvail visible to the device in one
// fenced store.
func (q *queue) commitAvail() {
	flags := uint16(atomic.LoadUint32(q.u32At(q.availOff)))
	atomic.StoreUint32(q.u32At(q.availOff), uint32(flags)|uint32(q.localAvailIdx)<<16)
}

func (q *queue) usedIdx() uint16 {
	return uint16(atomic.LoadUint32(q.u32At(q.usedOff)) >> 16)
}

// usedEntry reads used ring slot n: (descriptor id, written length).
func (q *queue) usedEntry(n uint16) (id uint16, length uint32) {
	off := q.usedOff + 4 + int(n)*8
	id = uint16(atomic.LoadUint32(q.u32At(off)))
	length = atomic.LoadUint32(q.u32At(off + 4))
	return id, length
}

// popUsed reaps the next completed descriptor, if any.
func (q *queue) popUsed() (id uint16, length uint32, ok bool) {
	if q.usedIdx() == q.lastUsed {
		return 0, 0, false
	}
	id, length = q.usedEntry(q.lastUsed % q.size)
	q.lastUsed++
	return id, length, true
}

// reset zero-fills the queue region and sets VIRTQ_AVAIL_F_NO_INTERRUPT:
// this driver polls for completions and never relies on the used-ring
// interrupt.
func (q *queue) reset() {
	for i := range q.mem {
		q.mem[i] = 0
	}
	q.setAvailFlags(1) // VIRTQ_AVAIL_F_NO_INTERRUPT
	q.lastUsed = 0
	q.localAvailIdx = 0
}
