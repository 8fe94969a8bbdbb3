// Command generator sends a stream of synthetic UDP packets out one queue
// of a device, printing rx/tx throughput once a second.
package main

import (
	"encoding/binary"
	"log"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/ixy-go/ixy"
	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/mempool"
)

func nowNanos() uint64 { return uint64(time.Now().UnixNano()) }

const (
	batchSize  = 32
	numPackets = 2048
	packetSize = 60
)

type options struct {
	Args struct {
		PCIAddress string `positional-arg-name:"pci-address" description:"PCI bus address of the NIC, e.g. 0000:01:00.0"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	dev, err := ixy.Init(opts.Args.PCIAddress, 1, 1)
	if err != nil {
		log.Fatalf("generator: %v", err)
	}
	defer dev.Close()

	template := packetTemplate(dev.GetMACAddr())

	// headroom is the driver-prepended header space (virtio-net's
	// virtio_net_hdr; zero for ixgbe/ixgbevf) this pool's own entries need
	// to carry in front of every packetSize-byte frame, since this pool is
	// private to generator rather than the device's own rx pool.
	headroom := ixy.TxHeadroom(dev)

	pool, err := mempool.Allocate(numPackets, packetSize+headroom, hugepage.Options{})
	if err != nil {
		log.Fatalf("generator: %v", err)
	}
	defer pool.Release()

	// pre-fill every buffer in the pool with the template and return it;
	// the sequence number is patched in place per batch below.
	prefill := make([]*mempool.Packet, numPackets)
	got := pool.AllocBatch(prefill, numPackets, packetSize+headroom)
	for i := 0; i < got; i++ {
		prefill[i].Reserve(headroom)
		copy(prefill[i].Virt, template)
		prefill[i].Free()
	}

	dev.ResetStats()
	var stats, statsOld ixy.Stats
	dev.ReadStats(&stats)
	dev.ReadStats(&statsOld)

	batch := make([]*mempool.Packet, 0, batchSize)
	seq := uint32(0)
	counter := 0
	lastReport := nowNanos()

	for {
		// every buffer the pool hands out here was previously stamped
		// with the full template (either by the prefill loop above, or
		// by a prior trip through this same loop), so only the sequence
		// number needs rewriting per packet.
		n := pool.AllocBatch(batch[:cap(batch)], batchSize, packetSize+headroom)
		batch = batch[:n]

		for _, pkt := range batch {
			pkt.Reserve(headroom)
			binary.LittleEndian.PutUint32(pkt.Virt[packetSize-4:], seq)
			seq++
		}

		dev.TxBatchBusyWait(0, batch)

		if counter&0xfff == 0 {
			now := nowNanos()
			elapsed := now - lastReport
			if elapsed > 1e9 {
				dev.ReadStats(&stats)
				stats.PrintStatsDiff(dev.PCIAddress(), statsOld, elapsed, func(f string, a ...any) { log.Printf(f, a...) })
				statsOld = stats
				lastReport = now
			}
		}
		counter++
	}
}

// packetTemplate builds a fixed 60-byte synthetic Ethernet/IPv4/UDP
// packet addressed 10.0.0.1:42 -> 10.0.0.2:1337, payload "ixy", with the
// source MAC
// patched to the device's own address (required so a VF's anti-spoof
// check doesn't drop every packet this device sends).
func packetTemplate(srcMAC [6]byte) []byte {
	pkt := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, // dst MAC
		0x10, 0x10, 0x10, 0x10, 0x10, 0x10, // src MAC (patched below)
		0x08, 0x00, // ethertype: IPv4
		0x45, 0x00, // version, IHL, TOS
		byte((packetSize - 14) >> 8), byte((packetSize - 14) & 0xff), // ip total length
		0x00, 0x00, 0x00, 0x00, // id, flags, fragmentation
		0x40, 0x11, 0x00, 0x00, // ttl, protocol (UDP), checksum (filled below)
		0x0A, 0x00, 0x00, 0x01, // src ip 10.0.0.1
		0x0A, 0x00, 0x00, 0x02, // dst ip 10.0.0.2
		0x00, 0x2A, 0x05, 0x39, // src port 42, dst port 1337
		byte((packetSize - 34) >> 8), byte((packetSize - 34) & 0xff), // udp length
		0x00, 0x00, // udp checksum (unset)
		'i', 'x', 'y',
	}
	for len(pkt) < packetSize {
		pkt = append(pkt, 0)
	}

	copy(pkt[6:12], srcMAC[:])

	checksum := calcIPv4Checksum(pkt[14:34])
	pkt[24] = byte(checksum >> 8)
	pkt[25] = byte(checksum)

	return pkt
}

// calcIPv4Checksum computes the one's-complement checksum of a 20-byte
// IPv4 header with its checksum field zeroed.
func calcIPv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i < len(header)/2; i++ {
		if i == 5 {
			continue // checksum field itself, assumed zero
		}
		sum += uint32(header[i*2])<<8 | uint32(header[i*2+1])
		if sum > 0xffff {
			sum = (sum & 0xffff) + 1
		}
	}
	return ^uint16(sum)
}
