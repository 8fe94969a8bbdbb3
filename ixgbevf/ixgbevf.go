package ixgbevf

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ixy-go/ixy/internal/advring"
	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/internal/mmio"
	"github.com/ixy-go/ixy/mempool"
	"github.com/ixy-go/ixy/pci"
)

const numRxQueueEntries = 512
const numTxQueueEntries = 512

// Stats holds the running totals of the VF's hardware counters.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
}

// Device is one ixgbe SR-IOV virtual function. Unlike the PF engine it has
// no PHY access and negotiates everything -- reset completion, its MAC
// address, queue configuration -- through the PF/VF mailbox.
type Device struct {
	mu sync.Mutex

	bdf string
	pci *pci.Device
	bar *mmio.Bar

	mbx *mailbox
	mac [6]byte

	rx []*advring.RxRing
	tx []*advring.TxRing

	pools []*mempool.Pool

	log      *log.Logger
	hugeOpts hugepage.Options
}

// Init brings up the virtual function named by bdf with numRx rx queues
// and numTx tx queues (each <= 8, the 82599 VF's queue limit).
func Init(bdf string, numRx, numTx int, hugeOpts hugepage.Options) (*Device, error) {
	if numRx > maxQueues {
		return nil, fmt.Errorf("ixgbevf: cannot configure %d rx queues: limit is %d", numRx, maxQueues)
	}
	if numTx > maxQueues {
		return nil, fmt.Errorf("ixgbevf: cannot configure %d tx queues: limit is %d", numTx, maxQueues)
	}

	logger := log.New(os.Stderr, fmt.Sprintf("ixgbevf[%s] ", bdf), log.LstdFlags)
	if os.Geteuid() != 0 {
		logger.Printf("not running as root, this will probably fail")
	}

	dev, err := pci.Open(bdf)
	if err != nil {
		return nil, err
	}

	bar, err := dev.MapBAR0()
	if err != nil {
		return nil, err
	}

	d := &Device{
		bdf:      bdf,
		pci:      dev,
		bar:      mmio.New(bar),
		rx:       make([]*advring.RxRing, numRx),
		tx:       make([]*advring.TxRing, numTx),
		pools:    make([]*mempool.Pool, numRx),
		hugeOpts: hugeOpts,
		log:      logger,
	}
	d.mbx = newMailbox(d.get32, d.set32)

	if err := d.resetAndInit(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) get32(off uint32) uint32          { return d.bar.MustGet32(off) }
func (d *Device) set32(off, v uint32)              { d.bar.MustSet32(off, v) }
func (d *Device) setFlags32(off, mask uint32)      { d.bar.SetFlags32(off, mask) }
func (d *Device) clearFlags32(off, mask uint32)    { d.bar.ClearFlags32(off, mask) }
func (d *Device) waitSet32(off, mask uint32) error { return d.bar.WaitSet32(off, mask) }

func (d *Device) resetAndInit() error {
	d.log.Printf("resetting device")

	d.disableInterrupts()

	d.set32(regVFCTRL, ctrlReset)
	d.get32(regVFSTATUS)
	time.Sleep(50 * time.Millisecond)

	if err := d.mbx.waitCheckForRst(); err != nil {
		return err
	}

	d.resetVFRegisters()

	if err := d.mbx.writeMsgWaitAck([]uint32{msgReset}); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)

	if err := d.initMACAddr(); err != nil {
		return err
	}
	d.log.Printf("mac address: %02x:%02x:%02x:%02x:%02x:%02x",
		d.mac[0], d.mac[1], d.mac[2], d.mac[3], d.mac[4], d.mac[5])

	d.negotiateAPI()

	if err := d.initTx(); err != nil {
		return err
	}
	if err := d.initRx(); err != nil {
		return err
	}

	for i := range d.tx {
		if err := d.startTxQueue(uint32(i)); err != nil {
			return err
		}
	}
	for i := range d.rx {
		if err := d.startRxQueue(uint32(i)); err != nil {
			return err
		}
	}

	d.log.Printf("link speed is %d Mbit/s", d.GetLinkSpeed())

	return nil
}

// resetVFRegisters restores every queue register to the post-reset
// defaults DPDK programs, even though the exact rationale for several of
// the DCA bits is undocumented upstream.
func (d *Device) resetVFRegisters() {
	vfsrrctl := uint32(0x100<<srrctlBSizeHdrSizeShift) | uint32(0x800>>srrctlBSizePktShift)
	dcaRx := uint32(dcaRxCtrlDescRROEn | dcaRxCtrlDataWROEn | dcaRxCtrlHeadWROEn)
	dcaTx := uint32(dcaTxCtrlDescRROEn | dcaTxCtrlDescWROEn | dcaTxCtrlDataRROEn)

	d.set32(regVFPSRTYPE, 0)

	for i := uint32(0); i < maxQueues; i++ {
		d.set32(regVFRDH(i), 0)
		d.set32(regVFRDT(i), 0)
		d.set32(regVFRXDCTL(i), 0)
		d.set32(regVFSRRCTL(i), vfsrrctl)
		d.set32(regVFTDH(i), 0)
		d.set32(regVFTDT(i), 0)
		d.set32(regVFTXDCTL(i), 0)
		d.set32(regVFTDWBAH(i), 0)
		d.set32(regVFTDWBAL(i), 0)
		d.set32(regVFDCARXCTL(i), dcaRx)
		d.set32(regVFDCATXCTL(i), dcaTx)
	}

	d.get32(regVFSTATUS)
}

func (d *Device) negotiateAPI() {
	versions := []apiVersion{apiVersion13, apiVersion12, apiVersion11, apiVersion10}

	for _, v := range versions {
		msg := []uint32{msgAPINegotiate, uint32(v), 0}
		if err := d.mbx.writeReadMsg(msg); err != nil {
			continue
		}
		msg[0] &^= msgTypeCTS
		if msg[0] == msgAPINegotiate|msgTypeACK {
			d.mbx.apiVersion = v
			return
		}
	}
}

// initMACAddr waits for the permanent-address message the PF pushes right
// after a reset. An ACK carries the PF-assigned MAC; a NACK means no MAC
// was configured for this VF, so a locally-administered address is
// generated and pushed back to the PF.
func (d *Device) initMACAddr() error {
	msg := make([]uint32, vfPermAddrMsgLen)
	if err := d.mbx.waitReadMsg(msg); err != nil {
		return err
	}

	if msg[0] != msgReset|msgTypeACK && msg[0] != msgReset|msgTypeNACK {
		return fmt.Errorf("ixgbevf: invalid mac address message")
	}

	if msg[0] == msgReset|msgTypeACK {
		d.mac[0] = byte(msg[1] >> 24)
		d.mac[1] = byte(msg[1] >> 16)
		d.mac[2] = byte(msg[1] >> 8)
		d.mac[3] = byte(msg[1])
		d.mac[4] = byte(msg[2] >> 8)
		d.mac[5] = byte(msg[2])
		return nil
	}

	d.mac[0] = 0x02
	d.mac[1] = 0x09
	d.mac[2] = 0xC0
	if _, err := rand.Read(d.mac[3:]); err != nil {
		return fmt.Errorf("ixgbevf: generating mac address: %w", err)
	}
	d.log.Printf("generated mac address: %02x:%02x:%02x:%02x:%02x:%02x",
		d.mac[0], d.mac[1], d.mac[2], d.mac[3], d.mac[4], d.mac[5])

	d.SetMACAddr(d.mac)
	return nil
}

func (d *Device) initRx() error {
	mempoolSize := numRxQueueEntries + numTxQueueEntries
	if mempoolSize < 4096 {
		mempoolSize = 4096
	}

	for i := range d.rx {
		qi := uint32(i)
		d.log.Printf("initializing rx queue %d", qi)

		srrctl := (d.get32(regVFSRRCTL(qi)) &^ uint32(srrctlDescTypeMask)) | srrctlDescTypeAdvOneBuf
		d.set32(regVFSRRCTL(qi), srrctl)
		d.setFlags32(regVFSRRCTL(qi), srrctlDropEnable)

		pool, err := mempool.Allocate(mempoolSize, 2048, d.hugeOpts)
		if err != nil {
			return fmt.Errorf("ixgbevf: rx queue %d: %w", qi, err)
		}
		d.pools[i] = pool

		ring, err := advring.NewRxRing(numRxQueueEntries, pool, d.hugeOpts)
		if err != nil {
			return fmt.Errorf("ixgbevf: rx queue %d: %w", qi, err)
		}
		d.rx[i] = ring

		d.set32(regVFRDBAL(qi), uint32(ring.Region.Physical&0xffffffff))
		d.set32(regVFRDBAH(qi), uint32(ring.Region.Physical>>32))
		d.set32(regVFRDLEN(qi), numRxQueueEntries*advring.DescriptorSize)

		d.set32(regVFRDH(qi), 0)
		d.set32(regVFRDT(qi), 0)
	}

	// probably a broken feature: this flag is initialized with 1 but has
	// to be set to 0.
	for i := range d.rx {
		d.clearFlags32(regVFDCARXCTL(uint32(i)), 1<<12)
	}

	return nil
}

func (d *Device) initTx() error {
	for i := range d.tx {
		qi := uint32(i)
		d.log.Printf("initializing tx queue %d", qi)

		ring, err := advring.NewTxRing(numTxQueueEntries, d.hugeOpts)
		if err != nil {
			return fmt.Errorf("ixgbevf: tx queue %d: %w", qi, err)
		}
		d.tx[i] = ring

		d.set32(regVFTDBAL(qi), uint32(ring.Region.Physical&0xffffffff))
		d.set32(regVFTDBAH(qi), uint32(ring.Region.Physical>>32))
		d.set32(regVFTDLEN(qi), numTxQueueEntries*advring.DescriptorSize)

		txdctl := d.get32(regVFTXDCTL(qi))
		txdctl &^= 0x7F | (0x7F << 8) | (0x7F << 16)
		txdctl |= 36 | (8 << 8) | (4 << 16)
		d.set32(regVFTXDCTL(qi), txdctl)
	}

	return nil
}

func (d *Device) startRxQueue(q uint32) error {
	ring := d.rx[q]
	ring.Prefill()

	d.setFlags32(regVFRXDCTL(q), rxdctlEnable)
	if err := d.waitSet32(regVFRXDCTL(q), rxdctlEnable); err != nil {
		return err
	}

	d.set32(regVFRDH(q), 0)
	d.set32(regVFRDT(q), ring.Entries-1)

	return nil
}

func (d *Device) startTxQueue(q uint32) error {
	d.set32(regVFTDH(q), 0)
	d.set32(regVFTDT(q), 0)

	d.setFlags32(regVFTXDCTL(q), txdctlEnable)
	return d.waitSet32(regVFTXDCTL(q), txdctlEnable)
}

func (d *Device) disableInterrupts() {
	d.set32(regVTEIMC, irqClearMask)
	d.get32(regVTEICR)
}

// RxBatch moves up to max packets from queue into out.
func (d *Device) RxBatch(queue int, out []*mempool.Packet, max int) int {
	ring := d.rx[queue]

	received, tail, advance := ring.Receive(out, max)
	if advance {
		d.set32(regVFRDT(uint32(queue)), tail)
	}

	return received
}

// TxBatch submits as many of pkts as the ring has room for.
func (d *Device) TxBatch(queue int, pkts []*mempool.Packet) int {
	ring := d.tx[queue]

	sent := ring.Submit(pkts)
	if sent > 0 {
		d.set32(regVFTDT(uint32(queue)), ring.Index)
	}

	return sent
}

// TxBatchBusyWait submits pkts to queue, spinning until every packet has
// been accepted by the ring.
func (d *Device) TxBatchBusyWait(queue int, pkts []*mempool.Packet) {
	for len(pkts) > 0 {
		sent := d.TxBatch(queue, pkts)
		pkts = pkts[sent:]
	}
}

// ReadStats adds the running delta of the hardware's clear-on-read
// counters into stats.
func (d *Device) ReadStats(stats *Stats) {
	stats.RxPackets += uint64(d.get32(regVFGPRC))
	stats.TxPackets += uint64(d.get32(regVFGPTC))
	stats.RxBytes += uint64(d.get32(regVFGORCLSB)) | uint64(d.get32(regVFGORCMSB))<<32
	stats.TxBytes += uint64(d.get32(regVFGOTCLSB)) | uint64(d.get32(regVFGOTCMSB))<<32
}

// ResetStats re-reads and discards the current counters.
func (d *Device) ResetStats() {
	d.get32(regVFGPRC)
	d.get32(regVFGPTC)
	d.get32(regVFGORCLSB)
	d.get32(regVFGORCMSB)
	d.get32(regVFGOTCLSB)
	d.get32(regVFGOTCMSB)
}

// SetPromisc is unsupported on VFs: the PF driver doesn't expose
// per-VF promiscuous control (82599 SR-IOV companion guide, chapter 7.1),
// so this panics rather than silently no-ops a request the hardware
// cannot satisfy.
func (d *Device) SetPromisc(enabled bool) {
	panic("ixgbevf: the PF does not support promiscuous mode for VFs")
}

// GetLinkSpeed returns the negotiated link speed in Mb/s, or 0 if down.
func (d *Device) GetLinkSpeed() uint16 {
	links := d.get32(regVFLINKS)
	if links&linksUp == 0 {
		return 0
	}
	switch links & linksSpeedMask {
	case linksSpeed10G:
		return 10000
	case linksSpeed1G:
		return 1000
	case linksSpeed100M:
		return 100
	default:
		return 0
	}
}

// GetMACAddr returns the MAC address negotiated during reset.
func (d *Device) GetMACAddr() [6]byte {
	return d.mac
}

// SetMACAddr requests the PF set this VF's MAC address over the mailbox,
// logging a warning if the PF rejects the request.
func (d *Device) SetMACAddr(mac [6]byte) {
	msg := make([]uint32, 3)
	msg[0] = msgSetMACAddr
	msg[1] = binary.LittleEndian.Uint32(mac[0:4])
	msg[2] = uint32(mac[4]) | uint32(mac[5])<<8

	if err := d.mbx.writeReadMsg(msg); err != nil {
		d.log.Printf("set mac address: %v", err)
		return
	}

	msg[0] &^= msgTypeCTS
	if msg[0] == msgSetMACAddr|msgTypeNACK {
		d.log.Printf("mac address rejected by device")
		return
	}

	d.mac = mac
}

// Close releases the device's rx/tx ring regions and packet pools.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, ring := range d.rx {
		if ring == nil {
			continue
		}
		if err := ring.Region.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ring := range d.tx {
		if ring == nil {
			continue
		}
		if err := ring.Region.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, pool := range d.pools {
		if pool == nil {
			continue
		}
		if err := pool.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := d.pci.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
