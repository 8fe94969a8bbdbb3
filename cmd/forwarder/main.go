// Command forwarder bridges two NICs: every packet received on one is
// retransmitted out the other, with byte 3 of the destination MAC bumped
// per packet to give each hop a realistic per-packet touch and, on VF
// ports, to guarantee every forwarded frame actually leaves the wire.
package main

import (
	"log"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/ixy-go/ixy"
	"github.com/ixy-go/ixy/mempool"
)

const batchSize = 32

type options struct {
	Args struct {
		PCIAddress1 string `positional-arg-name:"pci-address-1" description:"PCI bus address of the first NIC"`
		PCIAddress2 string `positional-arg-name:"pci-address-2" description:"PCI bus address of the second NIC"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	dev1, err := ixy.Init(opts.Args.PCIAddress1, 1, 1)
	if err != nil {
		log.Fatalf("forwarder: %v", err)
	}
	defer dev1.Close()

	dev2, err := ixy.Init(opts.Args.PCIAddress2, 1, 1)
	if err != nil {
		log.Fatalf("forwarder: %v", err)
	}
	defer dev2.Close()

	dev1.ResetStats()
	dev2.ResetStats()
	var stats1, stats1Old, stats2, stats2Old ixy.Stats
	dev1.ReadStats(&stats1)
	dev1.ReadStats(&stats1Old)
	dev2.ReadStats(&stats2)
	dev2.ReadStats(&stats2Old)

	buf := make([]*mempool.Packet, batchSize)
	counter := 0
	lastReport := time.Now()

	for {
		forward(buf, dev1, 0, dev2, 0)
		forward(buf, dev2, 0, dev1, 0)

		if counter&0xfff == 0 {
			elapsed := time.Since(lastReport)
			if elapsed > time.Second {
				nanos := uint64(elapsed.Nanoseconds())

				dev1.ReadStats(&stats1)
				stats1.PrintStatsDiff(dev1.PCIAddress(), stats1Old, nanos, func(f string, a ...any) { log.Printf(f, a...) })
				stats1Old = stats1

				dev2.ReadStats(&stats2)
				stats2.PrintStatsDiff(dev2.PCIAddress(), stats2Old, nanos, func(f string, a ...any) { log.Printf(f, a...) })
				stats2Old = stats2

				lastReport = time.Now()
			}
		}
		counter++
	}
}

// forward moves one batch of packets from rxDev/rxQueue to txDev/txQueue,
// bumping byte 3 of the destination MAC per packet before transmitting.
// Packets the tx ring can't accept (the ring is full) are dropped, not
// retried, so a slow or stalled destination can't back up the source.
func forward(buf []*mempool.Packet, rxDev ixy.Device, rxQueue int, txDev ixy.Device, txQueue int) {
	n := rxDev.RxBatch(rxQueue, buf, len(buf))
	if n == 0 {
		return
	}
	batch := buf[:n]

	for _, pkt := range batch {
		pkt.Virt[3]++
	}

	sent := txDev.TxBatch(txQueue, batch)
	for _, pkt := range batch[sent:] {
		pkt.Free()
	}
}
