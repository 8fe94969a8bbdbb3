// Package mempool implements the hugepage-backed packet buffer pool: a
// fixed-size slab of equally sized packet buffers carved out of one DMA
// region, handed out as owned Packet handles.
//
// Entries never move; a LIFO index stack records which slots are free, so
// allocation and release are both O(1) index pushes/pops.
package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ixy-go/ixy/internal/hugepage"
)

// Pool is a fixed slab of equally sized packet buffers. It is shared
// (reference counted) among the packets carved from it: the pool cannot be
// destroyed while any packet is alive.
type Pool struct {
	region *hugepage.Region

	entrySize  int
	numEntries int

	// physAddr is precomputed per slot at construction to avoid repeated
	// pagemap lookups on the fast path.
	physAddr []uint64

	mu        sync.Mutex
	freeStack []int

	refs int32
}

// Allocate constructs a zero-initialized slab of numEntries buffers of
// entrySize bytes each, backed by one hugepage DMA region.
//
// entrySize must divide the hugepage size so that every slot's physical
// address can be derived without crossing a page boundary.
func Allocate(numEntries, entrySize int, opts hugepage.Options) (*Pool, error) {
	if hugepage.Size%entrySize != 0 {
		return nil, fmt.Errorf("mempool: entry size %d does not divide hugepage size %d", entrySize, hugepage.Size)
	}

	region, err := hugepage.Allocate(numEntries*entrySize, opts)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		region:     region,
		entrySize:  entrySize,
		numEntries: numEntries,
		physAddr:   make([]uint64, numEntries),
		freeStack:  make([]int, numEntries),
		refs:       1,
	}

	for i := 0; i < numEntries; i++ {
		// resolved independently per slot, not extrapolated from the
		// region's base: a multi-hugepage pool (every real caller's rx/tx
		// pool exceeds one 2 MiB page) has no guarantee the underlying
		// pages are physically contiguous past the first one.
		phys, err := region.ResolvePhys(i * entrySize)
		if err != nil {
			region.Free()
			return nil, fmt.Errorf("mempool: resolving physical address of slot %d: %w", i, err)
		}
		p.physAddr[i] = phys
		// push in descending order so slot 0 is handed out first, matching
		// the pool's natural iteration order for tests/fixtures.
		p.freeStack[numEntries-1-i] = i
	}

	return p, nil
}

// EntrySize returns the fixed buffer size of every slot in the pool.
func (p *Pool) EntrySize() int {
	return p.entrySize
}

// NumEntries returns the total slot count.
func (p *Pool) NumEntries() int {
	return p.numEntries
}

// Free reports how many slots are currently unallocated.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeStack)
}

// Alloc returns a packet of length EntrySize(), or nil if the pool is
// exhausted. It never blocks.
func (p *Pool) Alloc() *Packet {
	p.mu.Lock()
	n := len(p.freeStack)
	if n == 0 {
		p.mu.Unlock()
		return nil
	}
	slot := p.freeStack[n-1]
	p.freeStack = p.freeStack[:n-1]
	p.mu.Unlock()

	atomic.AddInt32(&p.refs, 1)

	start := slot * p.entrySize
	return &Packet{
		pool:   p,
		slot:   slot,
		Virt:   p.region.Virtual[start : start+p.entrySize],
		Phys:   p.physAddr[slot],
		Length: p.entrySize,
	}
}

// AllocBatch is best-effort: it fills out with up to n packets of
// requestedLen bytes (capped at EntrySize()) and never blocks. It returns
// the number of packets actually allocated.
func (p *Pool) AllocBatch(out []*Packet, n, requestedLen int) int {
	if requestedLen <= 0 || requestedLen > p.entrySize {
		requestedLen = p.entrySize
	}

	got := 0
	for got < n && got < len(out) {
		pkt := p.Alloc()
		if pkt == nil {
			break
		}
		pkt.Length = requestedLen
		pkt.Virt = pkt.Virt[:requestedLen]
		out[got] = pkt
		got++
	}
	return got
}

// free returns slot to the pool's free stack. Called exactly once, from
// Packet.Free, which is the sole mechanism for releasing a slot. The
// release path does no allocation and holds the lock for O(1) work.
func (p *Pool) free(slot int) {
	p.mu.Lock()
	p.freeStack = append(p.freeStack, slot)
	p.mu.Unlock()

	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.region.Free()
	}
}

// Release drops the pool's own reference, begun at construction. It must
// be called when the owning device is torn down; the backing DMA region
// is only unmapped once every outstanding packet has also been freed.
func (p *Pool) Release() error {
	if atomic.AddInt32(&p.refs, -1) != 0 {
		return nil
	}
	return p.region.Free()
}

// Packet is an owned handle over one pool slot: a mutable byte buffer of
// Length bytes at physical address Phys. headroom bytes immediately before
// Virt are reserved for driver-prepended headers (used by the Virtio
// engine); dropping the handle via Free is the sole way to release the
// slot back to its pool.
type Packet struct {
	pool *Pool
	slot int

	Virt   []byte
	Phys   uint64
	Length int

	headroom int
}

// Headroom returns the packet's reserved header space, previously set with
// Reserve.
func (pk *Packet) Headroom() int {
	return pk.headroom
}

// Reserve carves off n bytes of headroom from the front of the packet's
// buffer for a driver-prepended header (e.g. virtio_net_hdr), shrinking
// the logical payload view without touching the underlying slot.
func (pk *Packet) Reserve(n int) {
	if n > len(pk.Virt) {
		n = len(pk.Virt)
	}
	pk.headroom = n
	pk.Phys += uint64(n)
	pk.Virt = pk.Virt[n:]
	pk.Length -= n
}

// HeaderBytes returns the reserved headroom region so a driver can write a
// prepended header into it after Reserve.
func (pk *Packet) HeaderBytes() []byte {
	start := pk.slot*pk.pool.entrySize + 0
	full := pk.pool.region.Virtual[start : start+pk.pool.entrySize]
	return full[:pk.headroom]
}

// Free returns the packet's slot to its owning pool. A packet must not be
// used after Free.
func (pk *Packet) Free() {
	if pk.pool == nil {
		return
	}
	pk.pool.free(pk.slot)
	pk.pool = nil
}
