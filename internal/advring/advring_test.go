package advring

import (
	"errors"
	"testing"

	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/mempool"
)

func skipIfNoHugepages(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, hugepage.HugePagesMissing) {
		t.Skipf("hugetlbfs not mounted in this environment: %v", err)
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWrap(t *testing.T) {
	cases := []struct {
		i, n, want uint32
	}{
		{0, 8, 1},
		{6, 8, 7},
		{7, 8, 0},
		{15, 16, 0},
	}
	for _, c := range cases {
		if got := Wrap(c.i, c.n); got != c.want {
			t.Errorf("Wrap(%d, %d) = %d, want %d", c.i, c.n, got, c.want)
		}
	}
}

// Ring wrap correctness: submitting more packets than the ring holds,
// reclaiming in TxCleanBatch-sized batches, must return every packet but
// the final sub-batch tail to the pool in FIFO order, with the tx index
// staying within [0, N) throughout.
func TestTxRingWrapsAndReclaimsInFIFOOrder(t *testing.T) {
	const ringSize = 64

	pool, err := mempool.Allocate(ringSize+5, 256, hugepage.Options{})
	skipIfNoHugepages(t, err)
	defer pool.Release()

	tx, err := NewTxRing(ringSize, hugepage.Options{})
	skipIfNoHugepages(t, err)

	total := ringSize + 5
	submitted := 0

	pkts := make([]*mempool.Packet, total)
	for i := 0; i < total; i++ {
		pkt := pool.Alloc()
		if pkt == nil {
			t.Fatalf("pool exhausted allocating packet %d of %d", i, total)
		}
		pkts[i] = pkt
	}

	for submitted < total {
		if tx.Index >= ringSize || tx.cleanIndex >= ringSize {
			t.Fatalf("ring index out of bounds: Index=%d cleanIndex=%d ringSize=%d", tx.Index, tx.cleanIndex, ringSize)
		}

		n := tx.Submit(pkts[submitted:])
		if n == 0 {
			// ring reports full; reclaim requires TxCleanBatch completed
			// descriptors, so mark the oldest outstanding batch's last
			// descriptor done and retry.
			markBatchDone(tx)
			continue
		}
		submitted += n
	}

	// drain: reclaim only ever frees TxCleanBatch-sized chunks, so
	// everything but the final sub-batch tail comes back to the pool.
	for outstanding(tx) >= TxCleanBatch {
		markBatchDone(tx)
		tx.reclaim()
	}

	if tx.Index >= ringSize || tx.cleanIndex >= ringSize {
		t.Fatalf("ring index out of bounds after drain: Index=%d cleanIndex=%d", tx.Index, tx.cleanIndex)
	}
	tail := outstanding(tx)
	if free := pool.Free(); free != total-tail {
		t.Fatalf("pool.Free() after drain = %d, want %d (all but the lazy tail reclaimed)", free, total-tail)
	}
	// FIFO: the packets still held by the ring must be exactly the last
	// tail packets submitted, in submission order -- everything older was
	// already freed.
	for k := 0; k < tail; k++ {
		idx := (tx.cleanIndex + uint32(k)) % ringSize
		if tx.inFlight[idx] != pkts[total-tail+k] {
			t.Fatalf("reclaim order broken: slot %d does not hold submission %d", idx, total-tail+k)
		}
	}
}

// markBatchDone flags the writeback status of the next TxCleanBatch
// descriptors starting at the ring's clean index as complete, simulating
// the device finishing a batch of transmits.
func markBatchDone(tx *TxRing) {
	cleanupTo := tx.cleanIndex + TxCleanBatch - 1
	if cleanupTo >= tx.Entries {
		cleanupTo -= tx.Entries
	}
	off := cleanupTo*DescriptorSize + 12
	tx.Region.Virtual[off] = TxStatDD
}

func outstanding(tx *TxRing) int {
	d := int32(tx.Index) - int32(tx.cleanIndex)
	if d < 0 {
		d += int32(tx.Entries)
	}
	return int(d)
}

func TestRxRingPrefillAndReceive(t *testing.T) {
	pool, err := mempool.Allocate(16, 2048, hugepage.Options{})
	skipIfNoHugepages(t, err)
	defer pool.Release()

	rx, err := NewRxRing(8, pool, hugepage.Options{})
	skipIfNoHugepages(t, err)

	filled := rx.Prefill()
	if filled != 8 {
		t.Fatalf("Prefill() = %d, want 8", filled)
	}

	// simulate the device completing descriptor 0 with EOP and a 100-byte
	// frame.
	d := rx.descriptor(0)
	d[12] = 100 // length low byte
	d[8] = RxStatDD | RxStatEOP

	out := make([]*mempool.Packet, 4)
	n, tail, advance := rx.Receive(out, len(out))
	if n != 1 {
		t.Fatalf("Receive() n = %d, want 1", n)
	}
	if !advance {
		t.Fatal("Receive() advance = false, want true")
	}
	if tail != 0 {
		t.Fatalf("Receive() tail = %d, want 0", tail)
	}
	if out[0].Length != 100 {
		t.Fatalf("received packet length = %d, want 100", out[0].Length)
	}
}

// An exhausted pool on rx refill shortens the batch instead of failing:
// the completed-but-unrefillable descriptor stays in place and is picked
// up by a later Receive once the caller returns packets to the pool.
func TestRxRingPoolExhaustionShortensBatch(t *testing.T) {
	// 9 entries: Prefill consumes 8, leaving exactly one spare buffer.
	pool, err := mempool.Allocate(9, 2048, hugepage.Options{})
	skipIfNoHugepages(t, err)
	defer pool.Release()

	rx, err := NewRxRing(8, pool, hugepage.Options{})
	skipIfNoHugepages(t, err)
	rx.Prefill()

	// the device completes descriptors 0 and 1, but only one refill buffer
	// is available.
	for _, i := range []uint32{0, 1} {
		d := rx.descriptor(i)
		d[12] = 60
		d[8] = RxStatDD | RxStatEOP
	}

	out := make([]*mempool.Packet, 4)
	n, tail, advance := rx.Receive(out, len(out))
	if n != 1 {
		t.Fatalf("Receive() n = %d, want 1 (batch shortened by empty pool)", n)
	}
	if !advance || tail != 0 {
		t.Fatalf("Receive() tail = %d advance = %v, want 0 true", tail, advance)
	}

	// returning the packet refills the pool; the leftover descriptor is
	// reaped on the next call.
	out[0].Free()
	n, tail, advance = rx.Receive(out, len(out))
	if n != 1 {
		t.Fatalf("Receive() after free n = %d, want 1 (leftover descriptor reaped)", n)
	}
	if !advance || tail != 1 {
		t.Fatalf("Receive() after free tail = %d advance = %v, want 1 true", tail, advance)
	}
}

func TestRxRingPanicsOnMissingEOP(t *testing.T) {
	pool, err := mempool.Allocate(16, 2048, hugepage.Options{})
	skipIfNoHugepages(t, err)
	defer pool.Release()

	rx, err := NewRxRing(8, pool, hugepage.Options{})
	skipIfNoHugepages(t, err)
	rx.Prefill()

	d := rx.descriptor(0)
	d[8] = RxStatDD // DD set, EOP not set

	defer func() {
		if recover() == nil {
			t.Fatal("Receive() did not panic on a completed descriptor missing EOP")
		}
	}()
	out := make([]*mempool.Packet, 1)
	rx.Receive(out, 1)
}
