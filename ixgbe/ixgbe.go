package ixgbe

import (
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

// Stats holds the wrap-correct running totals of the device's hardware
// counters, which are themselves 32-bit (packets) or 36-bit (bytes) and
// clear on read.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
}

// Device is one ixgbe physical function: its mapped BAR0, its rx/tx
// queues, and the running stats snapshot needed to correct for
// clear-on-read hardware counters.
type Device struct {
	mu sync.Mutex

	bdf string
	pci *pci.Device
	bar *mmio.Bar

	rx []*advring.RxRing
	tx []*advring.TxRing

	pools []*mempool.Pool

	Interrupts InterruptConfig

	log *log.Logger

	hugeOpts hugepage.Options
}

// Init brings up the physical function named by bdf with numRx rx queues
// and numTx tx queues, following the reset -> link -> queue bring-up
// sequence. It returns a ready, promiscuous device with link up (or down
// with GetLinkSpeed()==0).
func Init(bdf string, numRx, numTx int, hugeOpts hugepage.Options) (*Device, error) {
	logger := log.New(os.Stderr, fmt.Sprintf("ixgbe[%s] ", bdf), log.LstdFlags)
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

	if err := d.resetAndInit(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) get32(off uint32) uint32            { return d.bar.MustGet32(off) }
func (d *Device) set32(off, v uint32)                { d.bar.MustSet32(off, v) }
func (d *Device) setFlags32(off, mask uint32)        { d.bar.SetFlags32(off, mask) }
func (d *Device) clearFlags32(off, mask uint32)      { d.bar.ClearFlags32(off, mask) }
func (d *Device) waitSet32(off, mask uint32) error   { return d.bar.WaitSet32(off, mask) }
func (d *Device) waitClear32(off, mask uint32) error { return d.bar.WaitClear32(off, mask) }

func (d *Device) resetAndInit() error {
	d.log.Printf("resetting device")

	// section 4.6.3.1 - disable all interrupts
	d.set32(regEIMC, 0x7FFFFFFF)

	// section 4.6.3.2 - global reset
	d.set32(regCTRL, ctrlResetMask)
	if err := d.waitClear32(regCTRL, ctrlResetMask); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)

	d.set32(regEIMC, 0x7FFFFFFF)

	d.log.Printf("initializing device")

	if err := d.waitSet32(regEEC, eecAutoReadDone); err != nil {
		return err
	}
	if err := d.waitSet32(regRDRXCTL, rdrxctlDMAInitDone); err != nil {
		return err
	}

	d.initLink()

	d.ResetStats()

	if err := d.initRx(); err != nil {
		return err
	}
	if err := d.initTx(); err != nil {
		return err
	}

	for i := range d.rx {
		if err := d.startRxQueue(uint32(i)); err != nil {
			return err
		}
	}
	for i := range d.tx {
		if err := d.startTxQueue(uint32(i)); err != nil {
			return err
		}
	}

	d.SetPromisc(true)

	d.waitForLink()

	return nil
}

func (d *Device) initLink() {
	autoc := d.get32(regAUTOC)
	autoc = (autoc &^ autocLMSMask) | autocLMS10GSerial
	d.set32(regAUTOC, autoc)

	autoc = d.get32(regAUTOC)
	autoc = (autoc &^ uint32(autoc10GPMAPMDMask)) | autoc10GXAUI
	d.set32(regAUTOC, autoc)

	d.setFlags32(regAUTOC, autocANRestart)
}

func (d *Device) waitForLink() {
	d.log.Printf("waiting for link")
	deadline := time.Now().Add(10 * time.Second)
	speed := d.GetLinkSpeed()
	for speed == 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		speed = d.GetLinkSpeed()
	}
	d.log.Printf("link speed is %d Mbit/s", d.GetLinkSpeed())
}

func (d *Device) initRx() error {
	d.clearFlags32(regRXCTRL, rxctrlEnable)

	d.set32(regRXPBSize(0), rxpbsize128KB)
	for i := uint32(1); i < 8; i++ {
		d.set32(regRXPBSize(i), 0)
	}

	d.setFlags32(regHLREG0, hlreg0RxCRCStrip)
	d.setFlags32(regRDRXCTL, rdrxctlCRCStrip)

	d.setFlags32(regFCTRL, fctrlBroadcastAccept)

	mempoolSize := numRxQueueEntries + numTxQueueEntries
	if mempoolSize < 4096 {
		mempoolSize = 4096
	}

	for i := range d.rx {
		qi := uint32(i)
		d.log.Printf("initializing rx queue %d", qi)

		srrctl := (d.get32(regSRRCTL(qi)) &^ uint32(srrctlDescTypeMask)) | srrctlDescTypeAdvOneBuf
		d.set32(regSRRCTL(qi), srrctl)
		d.setFlags32(regSRRCTL(qi), srrctlDropEnable)

		pool, err := mempool.Allocate(mempoolSize, 2048, d.hugeOpts)
		if err != nil {
			return fmt.Errorf("ixgbe: rx queue %d: %w", qi, err)
		}
		d.pools[i] = pool

		ring, err := advring.NewRxRing(numRxQueueEntries, pool, d.hugeOpts)
		if err != nil {
			return fmt.Errorf("ixgbe: rx queue %d: %w", qi, err)
		}
		d.rx[i] = ring

		d.set32(regRDBAL(qi), uint32(ring.Region.Physical&0xffffffff))
		d.set32(regRDBAH(qi), uint32(ring.Region.Physical>>32))
		d.set32(regRDLEN(qi), numRxQueueEntries*advring.DescriptorSize)

		d.set32(regRDH(qi), 0)
		d.set32(regRDT(qi), 0)
	}

	d.setFlags32(regCTRLEXT, ctrlExtNoSnoopDisable)

	for i := range d.rx {
		d.clearFlags32(regDCARXCTRL(uint32(i)), 1<<12)
	}

	d.setFlags32(regRXCTRL, rxctrlEnable)

	return nil
}

func (d *Device) initTx() error {
	d.setFlags32(regHLREG0, hlreg0TxCRCEnable|hlreg0TxPadEnable)

	d.set32(regTXPBSize(0), txpbsize40KB)
	for i := uint32(1); i < 8; i++ {
		d.set32(regTXPBSize(i), 0)
	}

	d.set32(regDTXMXSZRQ, 0xFFFF)
	d.clearFlags32(regRTTDCS, rttdcsArbDisable)

	for i := range d.tx {
		qi := uint32(i)
		d.log.Printf("initializing tx queue %d", qi)

		ring, err := advring.NewTxRing(numTxQueueEntries, d.hugeOpts)
		if err != nil {
			return fmt.Errorf("ixgbe: tx queue %d: %w", qi, err)
		}
		d.tx[i] = ring

		d.set32(regTDBAL(qi), uint32(ring.Region.Physical&0xffffffff))
		d.set32(regTDBAH(qi), uint32(ring.Region.Physical>>32))
		d.set32(regTDLEN(qi), numTxQueueEntries*advring.DescriptorSize)

		// writeback threshold triplet (PTHRESH=36, HTHRESH=8, WTHRESH=4),
		// the defaults DPDK uses; see datasheet 7.2.3.4.1/7.2.3.5.
		txdctl := d.get32(regTXDCTL(qi))
		txdctl &^= 0x3F | (0x3F << 8) | (0x3F << 16)
		txdctl |= 36 | (8 << 8) | (4 << 16)
		d.set32(regTXDCTL(qi), txdctl)
	}

	d.set32(regDMATXCTL, dmaTxEnable)

	return nil
}

func (d *Device) startRxQueue(q uint32) error {
	ring := d.rx[q]
	ring.Prefill()

	d.setFlags32(regRXDCTL(q), rxdctlEnable)
	if err := d.waitSet32(regRXDCTL(q), rxdctlEnable); err != nil {
		return err
	}

	// the ring starts out full: head at 0, tail just behind the last
	// prepared slot.
	d.set32(regRDH(q), 0)
	d.set32(regRDT(q), ring.Entries-1)

	return nil
}

func (d *Device) startTxQueue(q uint32) error {
	d.set32(regTDH(q), 0)
	d.set32(regTDT(q), 0)

	d.setFlags32(regTXDCTL(q), txdctlEnable)
	return d.waitSet32(regTXDCTL(q), txdctlEnable)
}

// RxBatch moves up to max packets from queue into out, never blocking.
// Ownership of every returned packet transfers to the caller.
func (d *Device) RxBatch(queue int, out []*mempool.Packet, max int) int {
	ring := d.rx[queue]

	received, tail, advance := ring.Receive(out, max)
	if advance {
		d.set32(regRDT(uint32(queue)), tail)
	}

	return received
}

// TxBatch submits as many of pkts as the ring has room for, returning the
// count actually consumed; the remainder stays the caller's to retry.
func (d *Device) TxBatch(queue int, pkts []*mempool.Packet) int {
	ring := d.tx[queue]

	sent := ring.Submit(pkts)
	if sent > 0 {
		d.set32(regTDT(uint32(queue)), ring.Index)
	}

	return sent
}

// TxBatchBusyWait submits pkts to queue, spinning on TxBatch until every
// packet has been accepted by the ring.
func (d *Device) TxBatchBusyWait(queue int, pkts []*mempool.Packet) {
	for len(pkts) > 0 {
		sent := d.TxBatch(queue, pkts)
		pkts = pkts[sent:]
	}
}

// ReadStats adds the wrap-correct delta of the hardware's clear-on-read
// counters since the last ReadStats/ResetStats into stats.
func (d *Device) ReadStats(stats *Stats) {
	rxPkts := d.get32(regGPRC)
	txPkts := d.get32(regGPTC)
	rxBytes := uint64(d.get32(regGORCL)) | uint64(d.get32(regGORCH))<<32
	txBytes := uint64(d.get32(regGOTCL)) | uint64(d.get32(regGOTCH))<<32

	stats.RxPackets += uint64(rxPkts)
	stats.TxPackets += uint64(txPkts)
	stats.RxBytes += rxBytes
	stats.TxBytes += txBytes
}

// ResetStats re-reads and discards the current counters, re-baselining
// for the next ReadStats.
func (d *Device) ResetStats() {
	d.get32(regGPRC)
	d.get32(regGPTC)
	d.get32(regGORCL)
	d.get32(regGORCH)
	d.get32(regGOTCL)
	d.get32(regGOTCH)
}

// SetPromisc toggles the multicast- and unicast-promiscuous bits.
func (d *Device) SetPromisc(enabled bool) {
	if enabled {
		d.log.Printf("enabling promiscuous mode")
		d.setFlags32(regFCTRL, fctrlMulticastPromisc|fctrlUnicastPromisc)
	} else {
		d.log.Printf("disabling promiscuous mode")
		d.clearFlags32(regFCTRL, fctrlMulticastPromisc|fctrlUnicastPromisc)
	}
}

// GetLinkSpeed returns the negotiated link speed in Mb/s, or 0 if down.
func (d *Device) GetLinkSpeed() uint16 {
	links := d.get32(regLINKS)
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

// GetMACAddr reads the receive-address register pair RAL0/RAH0.
func (d *Device) GetMACAddr() [6]byte {
	low := d.get32(regRAL0)
	high := d.get32(regRAH0)

	var mac [6]byte
	binary.LittleEndian.PutUint32(mac[0:4], low)
	mac[4] = byte(high)
	mac[5] = byte(high >> 8)
	return mac
}

// SetMACAddr writes mac into RAL0/RAH0.
func (d *Device) SetMACAddr(mac [6]byte) {
	low := binary.LittleEndian.Uint32(mac[0:4])
	high := uint32(mac[4]) | uint32(mac[5])<<8
	d.set32(regRAL0, low)
	d.set32(regRAH0, high)
}

// Close releases the device's rx/tx ring regions and packet pools. It does
// not disable the device on the wire; callers that need a clean device
// reset should call SetPromisc(false) and let the next Init reset it.
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
