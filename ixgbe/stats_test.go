package ixgbe

import (
	"io"
	"log"
	"testing"

	"github.com/ixy-go/ixy/internal/mmio"
)

func newTestDevice() *Device {
	return &Device{
		bdf: "0000:00:00.0",
		bar: mmio.New(make([]byte, 0x20000)),
		log: log.New(io.Discard, "", 0),
	}
}

// Stats wrap correction: the hardware counters are clear-on-read, so
// each raw register value already is the
// delta since the last read even if the counter wrapped through 2^32 (pkts)
// or 2^36 (bytes) in between; ReadStats must accumulate those deltas
// exactly rather than re-deriving them from absolute counter values.
func TestReadStatsAccumulatesClearOnReadDeltas(t *testing.T) {
	d := newTestDevice()

	// first interval: ordinary counts.
	d.set32(regGPRC, 100)
	d.set32(regGPTC, 50)
	d.set32(regGORCL, 0x1000)
	d.set32(regGORCH, 0)
	d.set32(regGOTCL, 0x800)
	d.set32(regGOTCH, 0)

	var stats Stats
	d.ReadStats(&stats)

	// the hardware clears its counters as a side effect of the read above;
	// simulate that, then drive a delta that would have wrapped a 32-bit
	// packet counter or a 36-bit byte counter if accumulated naively from
	// an absolute reading instead of a clear-on-read delta.
	d.set32(regGPRC, 0)
	d.set32(regGPTC, 0)
	d.set32(regGORCL, 0)
	d.set32(regGORCH, 0)
	d.set32(regGOTCL, 0)
	d.set32(regGOTCH, 0)

	d.set32(regGPRC, 0xFFFFFFFF) // would wrap a naive 32-bit packet counter
	d.set32(regGPTC, 10)
	d.set32(regGORCL, 0xFFFFFFFF)
	d.set32(regGORCH, 0xF) // 36-bit byte counter near its wrap point
	d.set32(regGOTCL, 0x100)
	d.set32(regGOTCH, 0)

	d.ReadStats(&stats)

	wantRxPackets := uint64(100) + uint64(0xFFFFFFFF)
	wantTxPackets := uint64(50 + 10)
	wantRxBytes := uint64(0x1000) + (uint64(0xFFFFFFFF) | uint64(0xF)<<32)
	wantTxBytes := uint64(0x800) + uint64(0x100)

	if stats.RxPackets != wantRxPackets {
		t.Errorf("RxPackets = %d, want %d", stats.RxPackets, wantRxPackets)
	}
	if stats.TxPackets != wantTxPackets {
		t.Errorf("TxPackets = %d, want %d", stats.TxPackets, wantTxPackets)
	}
	if stats.RxBytes != wantRxBytes {
		t.Errorf("RxBytes = %d, want %d", stats.RxBytes, wantRxBytes)
	}
	if stats.TxBytes != wantTxBytes {
		t.Errorf("TxBytes = %d, want %d", stats.TxBytes, wantTxBytes)
	}
}

func TestResetStatsRebaselines(t *testing.T) {
	d := newTestDevice()
	d.set32(regGPRC, 12345)

	d.ResetStats()
	// the hardware clears the counter as a side effect of the read
	// ResetStats just performed; simulate that before reading again.
	d.set32(regGPRC, 0)

	var stats Stats
	d.ReadStats(&stats)
	if stats.RxPackets != 0 {
		t.Errorf("RxPackets after ResetStats+ReadStats = %d, want 0 (baseline read not discarded)", stats.RxPackets)
	}
}

func TestSetPromisc(t *testing.T) {
	d := newTestDevice()

	d.SetPromisc(true)
	v := d.get32(regFCTRL)
	if v&(fctrlMulticastPromisc|fctrlUnicastPromisc) != fctrlMulticastPromisc|fctrlUnicastPromisc {
		t.Fatalf("FCTRL = %#x, want both promisc bits set", v)
	}

	d.SetPromisc(false)
	v = d.get32(regFCTRL)
	if v&(fctrlMulticastPromisc|fctrlUnicastPromisc) != 0 {
		t.Fatalf("FCTRL = %#x, want both promisc bits clear", v)
	}
}
