package ixy

import (
	"errors"
	"testing"

	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/mempool"
)

// fakeDevice is a minimal Device that satisfies the interface without
// touching any hardware, so AllocTxPacket's non-virtio branch and
// TxHeadroom's default-zero branch can be exercised without a real PCI
// device. Nothing about its own implementation is under test.
type fakeDevice struct{}

func (fakeDevice) PCIAddress() string { return "0000:00:00.0" }
func (fakeDevice) DriverName() string { return "fake" }

func (fakeDevice) RxBatch(queue int, out []*mempool.Packet, max int) int { return 0 }
func (fakeDevice) TxBatch(queue int, pkts []*mempool.Packet) int         { return 0 }
func (fakeDevice) TxBatchBusyWait(queue int, pkts []*mempool.Packet)     {}

func (fakeDevice) ReadStats(stats *Stats) {}
func (fakeDevice) ResetStats()            {}

func (fakeDevice) SetPromisc(enabled bool) error { return nil }
func (fakeDevice) GetLinkSpeed() uint16          { return 0 }
func (fakeDevice) GetMACAddr() [6]byte           { return [6]byte{} }
func (fakeDevice) SetMACAddr(mac [6]byte)        {}
func (fakeDevice) Close() error                  { return nil }

func allocatePoolOrSkip(t *testing.T, numEntries, entrySize int) *mempool.Pool {
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

// TestTxHeadroomIsZeroForNonVirtioDevice confirms TxHeadroom's default path
// (every engine but virtio-net prepends nothing).
func TestTxHeadroomIsZeroForNonVirtioDevice(t *testing.T) {
	if got := TxHeadroom(fakeDevice{}); got != 0 {
		t.Fatalf("TxHeadroom(fakeDevice{}) = %d, want 0", got)
	}
}

// TestAllocTxPacketNonVirtioTruncatesToRequestedLength exercises
// AllocTxPacket's non-virtio branch: it hands back a pool packet truncated
// to length with no headroom reserved.
func TestAllocTxPacketNonVirtioTruncatesToRequestedLength(t *testing.T) {
	pool := allocatePoolOrSkip(t, 4, 128)
	defer pool.Release()

	pkt := AllocTxPacket(fakeDevice{}, pool, 60)
	if pkt == nil {
		t.Fatal("AllocTxPacket() = nil, want a packet")
	}
	defer pkt.Free()

	if len(pkt.Virt) != 60 {
		t.Fatalf("len(pkt.Virt) = %d, want 60", len(pkt.Virt))
	}
	if pkt.Length != 60 {
		t.Fatalf("pkt.Length = %d, want 60", pkt.Length)
	}
	if pkt.Headroom() != 0 {
		t.Fatalf("pkt.Headroom() = %d, want 0", pkt.Headroom())
	}
}

// TestAllocTxPacketNonVirtioExhaustedPool confirms a nil pool return
// propagates as a nil packet rather than panicking.
func TestAllocTxPacketNonVirtioExhaustedPool(t *testing.T) {
	pool := allocatePoolOrSkip(t, 1, 128)
	defer pool.Release()

	first := AllocTxPacket(fakeDevice{}, pool, 60)
	if first == nil {
		t.Fatal("AllocTxPacket() = nil on first call, want a packet")
	}
	defer first.Free()

	if second := AllocTxPacket(fakeDevice{}, pool, 60); second != nil {
		t.Fatalf("AllocTxPacket() = %v on exhausted pool, want nil", second)
	}
}
