// Command echoer retransmits every packet it receives back out the same
// NIC, incrementing byte 48 of each packet first to give the round trip a
// realistic per-packet touch.
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
		log.Fatalf("echoer: %v", err)
	}
	defer dev1.Close()

	dev2, err := ixy.Init(opts.Args.PCIAddress2, 1, 1)
	if err != nil {
		log.Fatalf("echoer: %v", err)
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
		echo(buf, dev1, 0, 0)
		echo(buf, dev2, 0, 0)

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

// echo reads one batch of packets off dev's rx queue, bumps byte 48 of
// each, and transmits them back out dev's tx queue. Packets the tx ring
// won't accept are dropped.
func echo(buf []*mempool.Packet, dev ixy.Device, rxQueue, txQueue int) {
	n := dev.RxBatch(rxQueue, buf, len(buf))
	if n == 0 {
		return
	}
	batch := buf[:n]

	for _, pkt := range batch {
		if len(pkt.Virt) > 48 {
			pkt.Virt[48]++
		}
	}

	sent := dev.TxBatch(txQueue, batch)
	for _, pkt := range batch[sent:] {
		pkt.Free()
	}
}
