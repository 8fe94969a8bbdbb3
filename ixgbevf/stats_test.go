package ixgbevf

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

// Stats wrap correction, VF side: same clear-on-read accumulation
// contract as the PF engine.
func TestReadStatsAccumulatesClearOnReadDeltas(t *testing.T) {
	d := newTestDevice()

	d.set32(regVFGPRC, 0xFFFFFFFF)
	d.set32(regVFGPTC, 7)
	d.set32(regVFGORCLSB, 0xFFFFFFF0)
	d.set32(regVFGORCMSB, 0xF)
	d.set32(regVFGOTCLSB, 42)
	d.set32(regVFGOTCMSB, 0)

	var stats Stats
	d.ReadStats(&stats)

	d.set32(regVFGPRC, 3)
	d.set32(regVFGPTC, 0)
	d.set32(regVFGORCLSB, 0)
	d.set32(regVFGORCMSB, 0)
	d.set32(regVFGOTCLSB, 0)
	d.set32(regVFGOTCMSB, 0)

	d.ReadStats(&stats)

	wantRxPackets := uint64(0xFFFFFFFF) + 3
	wantRxBytes := uint64(0xFFFFFFF0) | uint64(0xF)<<32
	if stats.RxPackets != wantRxPackets {
		t.Errorf("RxPackets = %d, want %d", stats.RxPackets, wantRxPackets)
	}
	if stats.TxPackets != 7 {
		t.Errorf("TxPackets = %d, want 7", stats.TxPackets)
	}
	if stats.RxBytes != wantRxBytes {
		t.Errorf("RxBytes = %d, want %d", stats.RxBytes, wantRxBytes)
	}
	if stats.TxBytes != 42 {
		t.Errorf("TxBytes = %d, want 42", stats.TxBytes)
	}
}

func TestSetPromiscPanics(t *testing.T) {
	d := newTestDevice()
	defer func() {
		if recover() == nil {
			t.Fatal("SetPromisc did not panic on a VF device")
		}
	}()
	d.SetPromisc(true)
}
