// Package ixy is the public umbrella API: it dispatches a PCI address to
// one of the three device engines (ixgbe, ixgbevf, virtionet) behind a
// single tagged-variant interface, the way the example programs
// (cmd/generator, cmd/forwarder, cmd/echoer, cmd/pcapdump) expect to use
// any of them interchangeably.
//
// A vendor/device-ID sniff picks the engine, then every engine is driven
// through the same small operation set behind a thin per-engine adapter.
package ixy

import (
	"fmt"
	"log"

	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/internal/vfio"
	"github.com/ixy-go/ixy/ixgbe"
	"github.com/ixy-go/ixy/ixgbevf"
	"github.com/ixy-go/ixy/mempool"
	"github.com/ixy-go/ixy/pci"
	"github.com/ixy-go/ixy/virtionet"
)

// PCI identifiers used to pick an engine.
const (
	vendorIntel  = 0x8086
	vendorVirtIO = 0x1af4

	deviceVirtIONet = 0x1000

	deviceIxgbeVF1 = 0x10ed
	deviceIxgbeVF2 = 0x1515
	deviceIxgbeVF3 = 0x1565

	pciClassNetwork = 0x02
)

// Device is the common operation set every engine implements: rx/tx batch
// I/O, MAC address and link speed queries, statistics, and promiscuous
// mode. Callers that don't care which engine backs a device (the example
// programs) hold only this interface.
type Device interface {
	// PCIAddress returns the BDF this device was opened from.
	PCIAddress() string
	// DriverName identifies which of ixgbe/ixgbevf/virtio-net backs this
	// device, for diagnostics.
	DriverName() string

	// RxBatch moves up to max packets from queue into out, never
	// blocking; ownership of every returned packet transfers to the
	// caller. 0 <= returned count <= max.
	RxBatch(queue int, out []*mempool.Packet, max int) int
	// TxBatch consumes up to len(pkts) packets from the front of pkts,
	// returning the count actually accepted; the remainder is the
	// caller's to retry.
	TxBatch(queue int, pkts []*mempool.Packet) int
	// TxBatchBusyWait spins calling TxBatch until pkts is empty.
	TxBatchBusyWait(queue int, pkts []*mempool.Packet)

	// ReadStats adds the delta of the hardware's (possibly clear-on-read)
	// counters since the last ReadStats/ResetStats into stats.
	ReadStats(stats *Stats)
	// ResetStats re-reads and discards the current counters, rebaselining
	// for the next ReadStats.
	ResetStats()

	// SetPromisc toggles promiscuous mode. The VF engine cannot satisfy
	// this request (PF policy) and panics.
	SetPromisc(enabled bool) error

	// GetLinkSpeed returns the negotiated link speed in Mb/s, or 0 if
	// down.
	GetLinkSpeed() uint16
	// GetMACAddr returns the device's current MAC address.
	GetMACAddr() [6]byte
	// SetMACAddr sets the device's MAC address.
	SetMACAddr(mac [6]byte)

	// Close releases every DMA region, packet pool, and file descriptor
	// owned by the device.
	Close() error
}

// Stats holds a device's running packet/byte totals. The three engines
// accumulate these in different ways (hardware counters that wrap and
// clear on read for ixgbe/ixgbevf, a plain running total for virtio-net)
// but converge on the same reported shape.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
}

// Config controls device bring-up beyond the bare PCI address and queue
// counts.
type Config struct {
	// InterruptTimeout requests interrupt-driven I/O when non-zero. No
	// engine in this driver supports that (see ixgbe.InterruptConfig), so
	// a non-zero value only produces a log warning.
	InterruptTimeout int
	// UseIOMMU resolves DMA physical addresses as VFIO IOVAs instead of
	// /proc/self/pagemap. Off by default.
	UseIOMMU bool
	// HugepageMount overrides the hugetlbfs mount point
	// (hugepage.DefaultMount).
	HugepageMount string
}

// Init brings up the network device at bdf with numRxQueues rx queues and
// numTxQueues tx queues, dispatching to ixgbe, ixgbevf or virtio-net by
// reading the device's PCI vendor/device ID. It returns a ready device with
// link up (or down, with GetLinkSpeed()==0, for ixgbe/ixgbevf -- virtio-net
// has no physical link to be down). ixgbe and virtio-net devices come up
// promiscuous; an ixgbevf device does not, since the VF cannot enable
// promiscuous mode.
func Init(bdf string, numRxQueues, numTxQueues int) (Device, error) {
	return InitWithConfig(bdf, numRxQueues, numTxQueues, Config{})
}

// InitWithConfig is Init with explicit Config control over interrupts and
// IOMMU use.
func InitWithConfig(bdf string, numRxQueues, numTxQueues int, cfg Config) (Device, error) {
	probe, err := pci.Open(bdf)
	if err != nil {
		return nil, err
	}
	class := (probe.Class >> 16) & 0xff
	vendor, device := probe.Vendor, probe.Device
	if err := probe.Close(); err != nil {
		return nil, err
	}

	if class != pciClassNetwork {
		return nil, fmt.Errorf("ixy: %s: class code %#x is not a network controller", bdf, class)
	}

	if cfg.InterruptTimeout != 0 {
		log.Printf("ixy: %s: interrupt-driven rx is not supported, falling back to polling", bdf)
	}

	hugeOpts := hugepage.Options{Mount: cfg.HugepageMount}
	if cfg.UseIOMMU {
		groupPath, err := vfio.GroupPathFor(bdf)
		if err != nil {
			return nil, err
		}
		group, err := vfio.OpenGroup(groupPath, bdf)
		if err != nil {
			return nil, err
		}
		hugeOpts.UseIOMMU = true
		hugeOpts.Group = group
	}

	switch {
	case vendor == vendorVirtIO && device == deviceVirtIONet:
		if numRxQueues > 1 || numTxQueues > 1 {
			return nil, fmt.Errorf("ixy: %s: virtio-net does not support multiple rx/tx queues (no VIRTIO_NET_F_MQ)", bdf)
		}
		dev, err := virtionet.Init(bdf, hugeOpts)
		if err != nil {
			return nil, err
		}
		return &virtioAdapter{dev: dev, bdf: bdf}, nil

	case vendor == vendorIntel && (device == deviceIxgbeVF1 || device == deviceIxgbeVF2 || device == deviceIxgbeVF3):
		dev, err := ixgbevf.Init(bdf, numRxQueues, numTxQueues, hugeOpts)
		if err != nil {
			return nil, err
		}
		return &vfAdapter{dev: dev, bdf: bdf}, nil

	default:
		dev, err := ixgbe.Init(bdf, numRxQueues, numTxQueues, hugeOpts)
		if err != nil {
			return nil, err
		}
		return &pfAdapter{dev: dev, bdf: bdf}, nil
	}
}

// pfAdapter wraps *ixgbe.Device to satisfy Device.
type pfAdapter struct {
	dev *ixgbe.Device
	bdf string
}

func (a *pfAdapter) PCIAddress() string { return a.bdf }
func (a *pfAdapter) DriverName() string { return "ixgbe" }

func (a *pfAdapter) RxBatch(queue int, out []*mempool.Packet, max int) int {
	return a.dev.RxBatch(queue, out, max)
}
func (a *pfAdapter) TxBatch(queue int, pkts []*mempool.Packet) int {
	return a.dev.TxBatch(queue, pkts)
}
func (a *pfAdapter) TxBatchBusyWait(queue int, pkts []*mempool.Packet) {
	a.dev.TxBatchBusyWait(queue, pkts)
}
func (a *pfAdapter) ReadStats(stats *Stats) {
	var s ixgbe.Stats
	a.dev.ReadStats(&s)
	stats.RxPackets += s.RxPackets
	stats.TxPackets += s.TxPackets
	stats.RxBytes += s.RxBytes
	stats.TxBytes += s.TxBytes
}
func (a *pfAdapter) ResetStats()             { a.dev.ResetStats() }
func (a *pfAdapter) SetPromisc(e bool) error { a.dev.SetPromisc(e); return nil }
func (a *pfAdapter) GetLinkSpeed() uint16    { return a.dev.GetLinkSpeed() }
func (a *pfAdapter) GetMACAddr() [6]byte     { return a.dev.GetMACAddr() }
func (a *pfAdapter) SetMACAddr(mac [6]byte)  { a.dev.SetMACAddr(mac) }
func (a *pfAdapter) Close() error            { return a.dev.Close() }

// vfAdapter wraps *ixgbevf.Device to satisfy Device.
type vfAdapter struct {
	dev *ixgbevf.Device
	bdf string
}

func (a *vfAdapter) PCIAddress() string { return a.bdf }
func (a *vfAdapter) DriverName() string { return "ixgbevf" }

func (a *vfAdapter) RxBatch(queue int, out []*mempool.Packet, max int) int {
	return a.dev.RxBatch(queue, out, max)
}
func (a *vfAdapter) TxBatch(queue int, pkts []*mempool.Packet) int {
	return a.dev.TxBatch(queue, pkts)
}
func (a *vfAdapter) TxBatchBusyWait(queue int, pkts []*mempool.Packet) {
	a.dev.TxBatchBusyWait(queue, pkts)
}
func (a *vfAdapter) ReadStats(stats *Stats) {
	var s ixgbevf.Stats
	a.dev.ReadStats(&s)
	stats.RxPackets += s.RxPackets
	stats.TxPackets += s.TxPackets
	stats.RxBytes += s.RxBytes
	stats.TxBytes += s.TxBytes
}
func (a *vfAdapter) ResetStats() { a.dev.ResetStats() }

// SetPromisc panics, same as the wrapped ixgbevf.Device: the PF does not
// expose per-VF promiscuous control.
func (a *vfAdapter) SetPromisc(e bool) error { a.dev.SetPromisc(e); return nil }
func (a *vfAdapter) GetLinkSpeed() uint16    { return a.dev.GetLinkSpeed() }
func (a *vfAdapter) GetMACAddr() [6]byte     { return a.dev.GetMACAddr() }
func (a *vfAdapter) SetMACAddr(mac [6]byte)  { a.dev.SetMACAddr(mac) }
func (a *vfAdapter) Close() error            { return a.dev.Close() }

// virtioAdapter wraps *virtionet.Device to satisfy Device. The wrapped
// engine has a single rx/tx queue, so only queue 0 is served: calls naming
// any other queue move no packets.
type virtioAdapter struct {
	dev *virtionet.Device
	bdf string
}

func (a *virtioAdapter) PCIAddress() string { return a.bdf }
func (a *virtioAdapter) DriverName() string { return "virtio-net" }

func (a *virtioAdapter) RxBatch(queue int, out []*mempool.Packet, max int) int {
	if queue != 0 {
		return 0
	}
	return a.dev.RxBatch(out, max)
}
func (a *virtioAdapter) TxBatch(queue int, pkts []*mempool.Packet) int {
	if queue != 0 {
		return 0
	}
	return a.dev.TxBatch(pkts)
}
func (a *virtioAdapter) TxBatchBusyWait(queue int, pkts []*mempool.Packet) {
	if queue != 0 {
		return
	}
	a.dev.TxBatchBusyWait(pkts)
}
func (a *virtioAdapter) ReadStats(stats *Stats) {
	var s virtionet.Stats
	a.dev.ReadStats(&s)
	stats.RxPackets += s.RxPackets
	stats.TxPackets += s.TxPackets
	stats.RxBytes += s.RxBytes
	stats.TxBytes += s.TxBytes
}
func (a *virtioAdapter) ResetStats()             { a.dev.ResetStats() }
func (a *virtioAdapter) SetPromisc(e bool) error { return a.dev.SetPromisc(e) }
func (a *virtioAdapter) GetLinkSpeed() uint16    { return a.dev.GetLinkSpeed() }
func (a *virtioAdapter) GetMACAddr() [6]byte     { return a.dev.GetMACAddr() }
func (a *virtioAdapter) SetMACAddr(mac [6]byte)  { a.dev.SetMACAddr(mac) }
func (a *virtioAdapter) Close() error            { return a.dev.Close() }

// AllocTxPacket allocates a tx-ready packet with any driver-specific
// headroom already reserved (virtio-net's prepended header; a no-op
// reservation for ixgbe/ixgbevf). Example programs that need to work with
// any Device use this instead of calling mempool.Pool.Alloc directly so
// that driver-prepended headers stay correctly sized across engines.
func AllocTxPacket(dev Device, pool *mempool.Pool, length int) *mempool.Packet {
	if v, ok := dev.(*virtioAdapter); ok {
		return v.dev.AllocTxPacket(length)
	}
	pkt := pool.Alloc()
	if pkt == nil {
		return nil
	}
	if length < len(pkt.Virt) {
		pkt.Virt = pkt.Virt[:length]
		pkt.Length = length
	}
	return pkt
}

// TxHeadroom returns the number of bytes dev's engine prepends to every
// transmitted packet (virtio-net's virtio_net_hdr; zero for ixgbe/ixgbevf).
// Callers that keep a pool of their own rather than going through
// AllocTxPacket for every send (cmd/generator's prefilled template buffers)
// use this to size each entry and reserve the headroom themselves with
// Packet.Reserve before handing packets to TxBatch.
func TxHeadroom(dev Device) int {
	if _, ok := dev.(*virtioAdapter); ok {
		return virtionet.TxHeaderLen
	}
	return 0
}
