package main

import "testing"

// The one's-complement checksum of a zeroed-checksum 20-byte IPv4 header
// matches the textbook example.
func TestCalcIPv4Checksum(t *testing.T) {
	header := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}

	got := calcIPv4Checksum(header)
	if got != 0xb861 {
		t.Fatalf("calcIPv4Checksum() = %#x, want 0xb861", got)
	}
}

// The generator's packet template matches the documented byte layout.
func TestPacketTemplateShape(t *testing.T) {
	srcMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	pkt := packetTemplate(srcMAC)

	if len(pkt) != packetSize {
		t.Fatalf("len(pkt) = %d, want %d", len(pkt), packetSize)
	}

	wantDstMAC := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if string(pkt[0:6]) != string(wantDstMAC) {
		t.Errorf("dst MAC = % x, want % x", pkt[0:6], wantDstMAC)
	}
	if string(pkt[6:12]) != string(srcMAC[:]) {
		t.Errorf("src MAC = % x, want % x", pkt[6:12], srcMAC)
	}
	if pkt[12] != 0x08 || pkt[13] != 0x00 {
		t.Errorf("ethertype = %02x%02x, want 0800", pkt[12], pkt[13])
	}
	if pkt[23] != 0x11 {
		t.Errorf("ip protocol = %#x, want 0x11 (UDP)", pkt[23])
	}
	if string(pkt[26:30]) != string([]byte{0x0A, 0x00, 0x00, 0x01}) {
		t.Errorf("src ip = % x, want 0a000001", pkt[26:30])
	}
	if string(pkt[30:34]) != string([]byte{0x0A, 0x00, 0x00, 0x02}) {
		t.Errorf("dst ip = % x, want 0a000002", pkt[30:34])
	}
	if string(pkt[34:36]) != string([]byte{0x00, 0x2A}) {
		t.Errorf("src port = % x, want 002a", pkt[34:36])
	}
	if string(pkt[36:38]) != string([]byte{0x05, 0x39}) {
		t.Errorf("dst port = % x, want 0539", pkt[36:38])
	}
	if string(pkt[42:45]) != "ixy" {
		t.Errorf("payload = %q, want \"ixy\"", pkt[42:45])
	}
}
