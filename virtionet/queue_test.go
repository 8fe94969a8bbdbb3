package virtionet

import "testing"

func newTestQueue(t *testing.T, size uint16) *queue {
	t.Helper()
	mem := make([]byte, queueByteSize(int(size)))
	q := newQueue(mem, 0x1000, size)
	q.reset()
	return q
}

func TestQueueDescriptorRoundTrip(t *testing.T) {
	q := newTestQueue(t, 8)

	q.setDesc(3, 0xdeadbeef0000, 1500, descFWrite, 0)

	if got := q.descAddr(3); got != 0xdeadbeef0000 {
		t.Errorf("descAddr(3) = %#x, want %#x", got, 0xdeadbeef0000)
	}
	if got := q.descFlags(3); got != descFWrite {
		t.Errorf("descFlags(3) = %#x, want %#x", got, descFWrite)
	}
}

func TestQueueAvailPublish(t *testing.T) {
	q := newTestQueue(t, 4)

	if q.availIdx() != 0 {
		t.Fatalf("availIdx() = %d before any push, want 0", q.availIdx())
	}

	q.pushAvail(2)
	q.pushAvail(1)
	// idx must not advance until commitAvail publishes it.
	if q.availIdx() != 0 {
		t.Fatalf("availIdx() = %d before commitAvail, want 0", q.availIdx())
	}

	q.commitAvail()
	if q.availIdx() != 2 {
		t.Fatalf("availIdx() = %d after commitAvail, want 2", q.availIdx())
	}
}

func TestQueueUsedRoundTrip(t *testing.T) {
	q := newTestQueue(t, 4)

	// fabricate a used-ring entry the way the device side would: write
	// (id, len) into the ring slot, then publish the idx.
	off := q.usedOff + 4
	*q.u32At(off) = 5      // descriptor id
	*q.u32At(off + 4) = 64 // written length
	*q.u32At(q.usedOff) = 1 << 16

	id, length, ok := q.popUsed()
	if !ok {
		t.Fatal("popUsed() ok = false, want true")
	}
	if id != 5 || length != 64 {
		t.Errorf("popUsed() = (%d, %d), want (5, 64)", id, length)
	}

	_, _, ok = q.popUsed()
	if ok {
		t.Fatal("popUsed() ok = true on empty ring, want false")
	}
}

func TestQueueResetSetsNoInterrupt(t *testing.T) {
	q := newTestQueue(t, 4)
	q.pushAvail(1)
	q.commitAvail()

	q.reset()

	if q.availIdx() != 0 {
		t.Errorf("availIdx() after reset = %d, want 0", q.availIdx())
	}
	flags := uint16(q.mem[q.availOff]) | uint16(q.mem[q.availOff+1])<<8
	if flags&1 == 0 {
		t.Error("reset did not set VIRTQ_AVAIL_F_NO_INTERRUPT")
	}
}
