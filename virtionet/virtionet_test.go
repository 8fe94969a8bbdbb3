package virtionet

import (
	"errors"
	"testing"

	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/mempool"
)

func newTestPoolOrSkip(t *testing.T, numEntries, entrySize int) *mempool.Pool {
	t.Helper()
	pool, err := mempool.Allocate(numEntries, entrySize, hugepage.Options{})
	if errors.Is(err, hugepage.HugePagesMissing) {
		t.Skipf("hugepages unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("mempool.Allocate() error = %v", err)
	}
	return pool
}

// TestAllocTxPacketReservesHeaderHeadroom covers the headroom contract
// TxBatch relies on: every packet AllocTxPacket hands back carries
// virtioNetHdrLen bytes of reserved space ahead of exactly length bytes of
// writable payload.
func TestAllocTxPacketReservesHeaderHeadroom(t *testing.T) {
	pool := newTestPoolOrSkip(t, 4, 128)
	defer pool.Release()

	d := &Device{rxPool: pool}

	pkt := d.AllocTxPacket(60)
	if pkt == nil {
		t.Fatal("AllocTxPacket() = nil, want a packet")
	}
	defer pkt.Free()

	if pkt.Headroom() != virtioNetHdrLen {
		t.Fatalf("pkt.Headroom() = %d, want %d", pkt.Headroom(), virtioNetHdrLen)
	}
	if len(pkt.Virt) != 60 {
		t.Fatalf("len(pkt.Virt) = %d, want 60", len(pkt.Virt))
	}
	if got := len(pkt.HeaderBytes()); got != virtioNetHdrLen {
		t.Fatalf("len(pkt.HeaderBytes()) = %d, want %d", got, virtioNetHdrLen)
	}
}

// TestAllocTxPacketExhaustedPoolReturnsNil confirms a nil underlying
// allocation propagates rather than panicking on a nil Reserve target.
func TestAllocTxPacketExhaustedPoolReturnsNil(t *testing.T) {
	pool := newTestPoolOrSkip(t, 1, 128)
	defer pool.Release()

	d := &Device{rxPool: pool}

	first := d.AllocTxPacket(60)
	if first == nil {
		t.Fatal("AllocTxPacket() = nil on first call, want a packet")
	}
	defer first.Free()

	if second := d.AllocTxPacket(60); second != nil {
		t.Fatalf("AllocTxPacket() = %v on exhausted pool, want nil", second)
	}
}
