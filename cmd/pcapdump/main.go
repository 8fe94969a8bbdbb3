// Command pcapdump captures packets off one NIC queue into a pcap file
// readable by Wireshark/tcpdump, stopping after an optional packet count.
package main

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/ixy-go/ixy"
	"github.com/ixy-go/ixy/mempool"
)

const batchSize = 32

type options struct {
	Args struct {
		PCIAddress string `positional-arg-name:"pci-address" description:"PCI bus address of the NIC"`
		OutputFile string `positional-arg-name:"output-file" description:"pcap file to create"`
		NPackets   string `positional-arg-name:"n-packets" description:"stop after this many packets (default: unbounded)"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	if opts.Args.PCIAddress == "" || opts.Args.OutputFile == "" {
		log.Fatalf("usage: pcapdump <pci-address> <output-file> [n-packets]")
	}

	nPackets := -1
	if opts.Args.NPackets != "" {
		n, err := strconv.Atoi(opts.Args.NPackets)
		if err != nil || n < 0 {
			log.Fatalf("pcapdump: invalid n-packets %q", opts.Args.NPackets)
		}
		nPackets = n
	}
	if nPackets >= 0 {
		log.Printf("capturing %d packets...", nPackets)
	} else {
		log.Printf("capturing packets...")
	}

	f, err := os.Create(opts.Args.OutputFile)
	if err != nil {
		log.Fatalf("pcapdump: %v", err)
	}
	defer f.Close()

	if err := writePcapHeader(f); err != nil {
		log.Fatalf("pcapdump: %v", err)
	}

	dev, err := ixy.Init(opts.Args.PCIAddress, 1, 1)
	if err != nil {
		log.Fatalf("pcapdump: %v", err)
	}
	defer dev.Close()

	buf := make([]*mempool.Packet, batchSize)
	for nPackets != 0 {
		n := dev.RxBatch(0, buf, len(buf))
		if n == 0 {
			continue
		}
		now := time.Now()

		for _, pkt := range buf[:n] {
			if err := writePcapRecord(f, now, pkt.Virt[:pkt.Length]); err != nil {
				log.Fatalf("pcapdump: %v", err)
			}
			pkt.Free()

			if nPackets > 0 {
				nPackets--
				if nPackets == 0 {
					break
				}
			}
		}
	}
}

// writePcapHeader writes the 24-byte global pcap file header: magic
// number, version 2.4, UTC, max snapshot length, and Ethernet link type.
func writePcapHeader(w io.Writer) error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	_, err := w.Write(hdr[:])
	return err
}

// writePcapRecord writes one per-packet record: a 16-byte record header
// followed by the raw frame bytes.
func writePcapRecord(w io.Writer, ts time.Time, data []byte) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
