// Package advring implements the Intel advanced rx/tx descriptor ring
// pair shared by the PF (ixgbe) and VF (ixgbevf) data paths: both devices
// walk the same 16-byte descriptor layout and the same lazy, batched tx
// reclaim discipline, differing only in how the surrounding device brings
// the queue's registers up.
package advring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/mempool"
)

// TxCleanBatch is the number of descriptors the tx path proves complete
// before reclaiming any of them.
const TxCleanBatch = 32

// DescriptorSize is the fixed size, in bytes, of both advanced rx and
// advanced tx descriptors.
const DescriptorSize = 16

// rx writeback status/error bits.
const (
	RxStatDD  = 0x01
	RxStatEOP = 0x02
)

// tx command/status bits.
const (
	TxCmdEOP      = 0x01000000
	TxCmdIFCS     = 0x02000000
	TxCmdRS       = 0x08000000
	TxCmdDExt     = 0x20000000
	TxTypeData    = 0x00300000
	TxStatDD      = 0x00000001
	TxPayLenShift = 14
)

// Wrap advances a ring index by one, wrapping at n (which must be a power
// of two), per (i+1) & (n-1).
func Wrap(i, n uint32) uint32 {
	return (i + 1) & (n - 1)
}

// RxRing is the advanced rx descriptor ring for one queue.
type RxRing struct {
	Region  *hugepage.Region
	Entries uint32

	pool *mempool.Pool

	index    uint32
	inFlight []*mempool.Packet
}

// NewRxRing allocates a fresh rx descriptor ring of n entries (a power of
// two), bound to pool for buffer refill.
func NewRxRing(n uint32, pool *mempool.Pool, opts hugepage.Options) (*RxRing, error) {
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("advring: rx ring size %d is not a power of two", n)
	}

	region, err := hugepage.Allocate(int(n)*DescriptorSize, opts)
	if err != nil {
		return nil, err
	}
	for i := range region.Virtual {
		region.Virtual[i] = 0xFF
	}

	return &RxRing{
		Region:   region,
		Entries:  n,
		pool:     pool,
		inFlight: make([]*mempool.Packet, n),
	}, nil
}

func (r *RxRing) descriptor(i uint32) []byte {
	off := i * DescriptorSize
	return r.Region.Virtual[off : off+DescriptorSize]
}

func (r *RxRing) word32(i uint32, byteOff uint32) *uint32 {
	d := r.descriptor(i)
	return (*uint32)(unsafe.Pointer(&d[byteOff]))
}

// fillRead writes the read-format descriptor (packet address, header
// address) for slot i from pkt. The status/error word is cleared with the
// same atomic store the rx path later polls with statusError, so a stale DD
// bit from this slot's previous tenant can never be observed as set.
func (r *RxRing) fillRead(i uint32, pkt *mempool.Packet) {
	d := r.descriptor(i)
	binary.LittleEndian.PutUint64(d[0:8], pkt.Phys)
	atomic.StoreUint32(r.word32(i, 8), 0)
	atomic.StoreUint32(r.word32(i, 12), 0)
}

// statusError is polled by Receive against hardware writeback happening
// concurrently (DMA from the NIC), so it must be an atomic load rather than
// a plain slice read the compiler could hoist out of the loop.
func (r *RxRing) statusError(i uint32) uint32 {
	return atomic.LoadUint32(r.word32(i, 8))
}

func (r *RxRing) length(i uint32) uint16 {
	return uint16(atomic.LoadUint32(r.word32(i, 12)))
}

// Prefill populates every descriptor from the pool at queue start,
// returning the number of descriptors actually filled (it stops early if
// the pool runs dry during bring-up).
func (r *RxRing) Prefill() uint32 {
	var i uint32
	for ; i < r.Entries; i++ {
		pkt := r.pool.Alloc()
		if pkt == nil {
			break
		}
		r.fillRead(i, pkt)
		r.inFlight[i] = pkt
	}
	return i
}

// Receive walks up to max completed descriptors starting at the ring's
// current index, refilling each reaped slot from the pool. It panics if a
// completed descriptor lacks End-Of-Packet: a buffer too small for the
// frame is a hardware contract violation, not a recoverable condition.
// An exhausted pool just shortens the batch: the completed descriptor is
// left in place and picked up by a later call, once the caller has freed
// some packets back to the pool.
//
// It returns the count received and the index the tail register should
// advance to (the last slot it refilled), plus whether the tail needs
// updating at all.
func (r *RxRing) Receive(out []*mempool.Packet, max int) (received int, tail uint32, advance bool) {
	i := r.index
	last := i

	for received < max {
		status := r.statusError(i)
		if status&RxStatDD == 0 {
			break
		}
		if status&RxStatEOP == 0 {
			panic("advring: completed rx descriptor without EOP: increase buffer size or decrease MTU")
		}

		fresh := r.pool.Alloc()
		if fresh == nil {
			break
		}

		pkt := r.inFlight[i]
		pkt.Length = int(r.length(i))
		pkt.Virt = pkt.Virt[:pkt.Length]
		out[received] = pkt

		r.fillRead(i, fresh)
		r.inFlight[i] = fresh

		last = i
		i = Wrap(i, r.Entries)
		received++
	}

	if received > 0 {
		r.index = i
		return received, last, true
	}

	return 0, 0, false
}

// TxRing is the advanced tx descriptor ring for one queue.
type TxRing struct {
	Region  *hugepage.Region
	Entries uint32

	cleanIndex uint32
	Index      uint32
	inFlight   []*mempool.Packet
}

// NewTxRing allocates a fresh tx descriptor ring of n entries (a power of
// two).
func NewTxRing(n uint32, opts hugepage.Options) (*TxRing, error) {
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("advring: tx ring size %d is not a power of two", n)
	}

	region, err := hugepage.Allocate(int(n)*DescriptorSize, opts)
	if err != nil {
		return nil, err
	}
	for i := range region.Virtual {
		region.Virtual[i] = 0xFF
	}

	return &TxRing{
		Region:   region,
		Entries:  n,
		inFlight: make([]*mempool.Packet, n),
	}, nil
}

func (t *TxRing) descriptor(i uint32) []byte {
	off := i * DescriptorSize
	return t.Region.Virtual[off : off+DescriptorSize]
}

func (t *TxRing) word32(i uint32, byteOff uint32) *uint32 {
	d := t.descriptor(i)
	return (*uint32)(unsafe.Pointer(&d[byteOff]))
}

// writebackStatus is polled by reclaim against hardware writeback happening
// concurrently, so it must be an atomic load, matching RxRing.statusError.
func (t *TxRing) writebackStatus(i uint32) uint32 {
	return atomic.LoadUint32(t.word32(i, 12))
}

func (t *TxRing) fillRead(i uint32, pkt *mempool.Packet) {
	d := t.descriptor(i)
	binary.LittleEndian.PutUint64(d[0:8], pkt.Phys)
	cmd := uint32(TxCmdEOP|TxCmdRS|TxCmdIFCS|TxCmdDExt|TxTypeData) | uint32(pkt.Length)
	binary.LittleEndian.PutUint32(d[8:12], cmd)
	atomic.StoreUint32(t.word32(i, 12), uint32(pkt.Length)<<TxPayLenShift)
}

// reclaim returns newly-freed packets to their pool in FIFO order, lazily,
// only once at least TxCleanBatch descriptors can be proven complete by
// reading the writeback status of the batch's last descriptor.
func (t *TxRing) reclaim() {
	for {
		cleanable := int32(t.Index) - int32(t.cleanIndex)
		if cleanable < 0 {
			cleanable += int32(t.Entries)
		}
		if uint32(cleanable) < TxCleanBatch {
			return
		}

		cleanupTo := t.cleanIndex + TxCleanBatch - 1
		if cleanupTo >= t.Entries {
			cleanupTo -= t.Entries
		}

		if t.writebackStatus(cleanupTo)&TxStatDD == 0 {
			return
		}

		for c := uint32(0); c < TxCleanBatch; c++ {
			idx := (t.cleanIndex + c) % t.Entries
			if pkt := t.inFlight[idx]; pkt != nil {
				pkt.Free()
				t.inFlight[idx] = nil
			}
		}
		t.cleanIndex = Wrap(cleanupTo, t.Entries)
	}
}

// Submit enqueues as many packets from pkts as the ring has room for,
// returning the count actually submitted. The ring reports full exactly
// when advancing the tx index by one would collide with the clean index.
func (t *TxRing) Submit(pkts []*mempool.Packet) int {
	t.reclaim()

	sent := 0
	for _, pkt := range pkts {
		next := Wrap(t.Index, t.Entries)
		if t.cleanIndex == next {
			break
		}

		t.fillRead(t.Index, pkt)
		t.inFlight[t.Index] = pkt

		t.Index = next
		sent++
	}

	return sent
}
