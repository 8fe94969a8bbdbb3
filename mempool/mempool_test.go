package mempool

import (
	"errors"
	"testing"

	"github.com/ixy-go/ixy/internal/hugepage"
)

// allocateOrSkip allocates a pool, skipping the test if this environment
// has no hugetlbfs mount configured (hugepage.Allocate's common failure
// mode on a machine that hasn't been set up for DMA).
func allocateOrSkip(t *testing.T, numEntries, entrySize int) *Pool {
	t.Helper()
	p, err := Allocate(numEntries, entrySize, hugepage.Options{})
	if errors.Is(err, hugepage.HugePagesMissing) {
		t.Skipf("hugetlbfs not mounted in this environment: %v", err)
	}
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return p
}

// Pool conservation: a pool of 4 entries allows exactly 4 concurrent
// packets; the 5th alloc fails; after any one drop, the next allocation
// succeeds.
func TestPoolConservation(t *testing.T) {
	p := allocateOrSkip(t, 4, 2048)
	defer p.Release()

	var pkts []*Packet
	for i := 0; i < 4; i++ {
		pkt := p.Alloc()
		if pkt == nil {
			t.Fatalf("Alloc() #%d = nil, want a packet", i)
		}
		pkts = append(pkts, pkt)
	}

	if got := p.Alloc(); got != nil {
		t.Fatalf("Alloc() on exhausted pool = %v, want nil", got)
	}
	if free := p.Free(); free != 0 {
		t.Fatalf("Free() = %d, want 0", free)
	}

	pkts[0].Free()
	if free := p.Free(); free != 1 {
		t.Fatalf("Free() after one release = %d, want 1", free)
	}

	next := p.Alloc()
	if next == nil {
		t.Fatal("Alloc() after a drop = nil, want a packet")
	}

	for _, pkt := range pkts[1:] {
		pkt.Free()
	}
	next.Free()
}

func TestPoolAllocBatchIsBestEffort(t *testing.T) {
	p := allocateOrSkip(t, 4, 2048)
	defer p.Release()

	out := make([]*Packet, 8)
	got := p.AllocBatch(out, 8, 2048)
	if got != 4 {
		t.Fatalf("AllocBatch() = %d, want 4 (pool only has 4 entries)", got)
	}
	for _, pkt := range out[:got] {
		pkt.Free()
	}
}

func TestPacketReserveShrinksForHeadroom(t *testing.T) {
	p := allocateOrSkip(t, 1, 2048)
	defer p.Release()

	pkt := p.Alloc()
	defer pkt.Free()

	origPhys := pkt.Phys
	pkt.Reserve(12)

	if pkt.Headroom() != 12 {
		t.Errorf("Headroom() = %d, want 12", pkt.Headroom())
	}
	if len(pkt.Virt) != 2048-12 {
		t.Errorf("len(Virt) = %d, want %d", len(pkt.Virt), 2048-12)
	}
	if pkt.Phys != origPhys+12 {
		t.Errorf("Phys = %#x, want %#x", pkt.Phys, origPhys+12)
	}
	if len(pkt.HeaderBytes()) != 12 {
		t.Errorf("len(HeaderBytes()) = %d, want 12", len(pkt.HeaderBytes()))
	}
}
