package virtionet

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ixy-go/ixy/internal/hugepage"
	"github.com/ixy-go/ixy/mempool"
	"github.com/ixy-go/ixy/pci"
)

// rxPoolFactor sizes the rx mempool as a multiple of the rx ring so there
// are always spare buffers to refill with while packets the caller hasn't
// yet freed are still in flight. Like the PF/VF engines' rx pools, the pool
// never has fewer than 4096 entries.
const rxPoolFactor = 4

const ctrlBufSize = 256

// Stats holds the running packet/byte totals. Unlike the 82599 engines, the
// virtio-net device exposes no hardware counters to read: every count here
// is accumulated directly by RxBatch/TxBatch, so no wraparound correction
// applies.
type Stats struct {
	RxPackets uint64
	TxPackets uint64
	RxBytes   uint64
	TxBytes   uint64
}

// Device is one legacy VirtIO network device.
type Device struct {
	mu sync.Mutex

	bdf string
	pci *pci.Device
	io  *os.File

	rxQ, txQ, ctrlQ                *queue
	rxRegion, txRegion, ctrlRegion *hugepage.Region

	rxPool   *mempool.Pool
	ctrlPool *mempool.Pool

	rxInFlight []*mempool.Packet
	txInFlight []*mempool.Packet

	// txFreeSlots is a LIFO stack of tx descriptor indices not currently
	// carrying an in-flight packet, mirroring mempool.Pool's own free-stack
	// discipline for the same reason: O(1) push/pop with no allocation.
	txFreeSlots []uint16

	mac [6]byte

	stats Stats

	log *log.Logger

	hugeOpts hugepage.Options
}

// Init brings up the legacy VirtIO network device named by bdf: the
// status-byte reset/acknowledge/feature-negotiate sequence, the three
// virtqueues (rx, tx, control), and an initial promiscuous-on control
// command.
func Init(bdf string, hugeOpts hugepage.Options) (*Device, error) {
	logger := log.New(os.Stderr, fmt.Sprintf("virtionet[%s] ", bdf), log.LstdFlags)
	if os.Geteuid() != 0 {
		logger.Printf("not running as root, this will probably fail")
	}

	dev, err := pci.Open(bdf)
	if err != nil {
		return nil, err
	}

	dev.Capabilities()(func(off uint8, hdr pci.CapabilityHeader) bool {
		switch hdr.ID {
		case pci.CapabilityMSIX:
			logger.Printf("MSI-X capability present at offset %#x (unused: this driver polls)", off)
		case pci.CapabilityVendorSpecific:
			// the modern virtio-pci capability layout (common/notify/isr/
			// device config access windows) lives behind this ID; a
			// transitional device advertises it alongside the legacy I/O
			// BAR this driver actually uses, so it's only worth logging.
			logger.Printf("vendor-specific capability present at offset %#x (unused: this driver speaks legacy I/O-port virtio only)", off)
		}
		return true
	})

	iof, err := dev.OpenIOResource()
	if err != nil {
		return nil, err
	}

	d := &Device{
		bdf:      bdf,
		pci:      dev,
		io:       iof,
		hugeOpts: hugeOpts,
		log:      logger,
	}

	if err := d.resetAndInit(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) get8(off int64) uint8 {
	var buf [1]byte
	if _, err := d.io.ReadAt(buf[:], off); err != nil {
		panic(fmt.Errorf("virtionet: %s: read offset %#x: %w", d.bdf, off, err))
	}
	return buf[0]
}

func (d *Device) set8(off int64, v uint8) {
	buf := [1]byte{v}
	if _, err := d.io.WriteAt(buf[:], off); err != nil {
		panic(fmt.Errorf("virtionet: %s: write offset %#x: %w", d.bdf, off, err))
	}
}

func (d *Device) get16(off int64) uint16 {
	var buf [2]byte
	if _, err := d.io.ReadAt(buf[:], off); err != nil {
		panic(fmt.Errorf("virtionet: %s: read offset %#x: %w", d.bdf, off, err))
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (d *Device) set16(off int64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if _, err := d.io.WriteAt(buf[:], off); err != nil {
		panic(fmt.Errorf("virtionet: %s: write offset %#x: %w", d.bdf, off, err))
	}
}

func (d *Device) get32(off int64) uint32 {
	var buf [4]byte
	if _, err := d.io.ReadAt(buf[:], off); err != nil {
		panic(fmt.Errorf("virtionet: %s: read offset %#x: %w", d.bdf, off, err))
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (d *Device) set32(off int64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := d.io.WriteAt(buf[:], off); err != nil {
		panic(fmt.Errorf("virtionet: %s: write offset %#x: %w", d.bdf, off, err))
	}
}

func (d *Device) resetAndInit() error {
	d.log.Printf("resetting device")

	d.set8(regDeviceStatus, statusReset)
	deadline := time.Now().Add(1 * time.Second)
	for d.get8(regDeviceStatus) != statusReset {
		if time.Now().After(deadline) {
			return fmt.Errorf("virtionet: %s: timed out waiting for reset", d.bdf)
		}
		time.Sleep(time.Millisecond)
	}

	d.set8(regDeviceStatus, statusAck)
	d.set8(regDeviceStatus, statusAck|statusDriver)

	hostFeatures := d.get32(regDeviceFeatures)
	if hostFeatures&requiredFeatures != requiredFeatures {
		d.set8(regDeviceStatus, statusFailed)
		return fmt.Errorf("virtionet: %s: device does not support required feature set %#x (has %#x)", d.bdf, requiredFeatures, hostFeatures)
	}
	d.set32(regDriverFeatures, requiredFeatures)

	var err error
	d.rxQ, d.rxRegion, err = d.setupQueue(queueReceive)
	if err != nil {
		return err
	}
	d.txQ, d.txRegion, err = d.setupQueue(queueTransmit)
	if err != nil {
		return err
	}
	d.ctrlQ, d.ctrlRegion, err = d.setupQueue(queueControl)
	if err != nil {
		return err
	}

	d.rxInFlight = make([]*mempool.Packet, d.rxQ.size)
	d.txInFlight = make([]*mempool.Packet, d.txQ.size)
	d.txFreeSlots = make([]uint16, d.txQ.size)
	for i := range d.txFreeSlots {
		d.txFreeSlots[i] = uint16(len(d.txFreeSlots) - 1 - i)
	}

	rxPoolEntries := int(d.rxQ.size) * rxPoolFactor
	if rxPoolEntries < 4096 {
		rxPoolEntries = 4096
	}
	d.rxPool, err = mempool.Allocate(rxPoolEntries, 2048, d.hugeOpts)
	if err != nil {
		return fmt.Errorf("virtionet: %s: rx pool: %w", d.bdf, err)
	}
	d.ctrlPool, err = mempool.Allocate(int(d.ctrlQ.size), ctrlBufSize, d.hugeOpts)
	if err != nil {
		return fmt.Errorf("virtionet: %s: ctrl pool: %w", d.bdf, err)
	}

	d.fillRxQueue()

	d.set8(regDeviceStatus, statusAck|statusDriver|statusDriverOK)

	if err := d.checkStatus(); err != nil {
		return err
	}

	d.initMACAddr()
	d.log.Printf("mac address is %x", d.mac)

	d.SetPromisc(true)

	return nil
}

func (d *Device) setupQueue(index int) (*queue, *hugepage.Region, error) {
	d.set16(regQueueSelect, uint16(index))
	size := d.get16(regQueueSize)
	if size == 0 {
		return nil, nil, fmt.Errorf("virtionet: %s: queue %d not offered by device", d.bdf, index)
	}

	opts := d.hugeOpts
	opts.RequireContiguous = true
	region, err := hugepage.Allocate(queueByteSize(int(size)), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("virtionet: %s: queue %d: %w", d.bdf, index, err)
	}

	q := newQueue(region.Virtual, region.Physical, size)
	q.reset()

	d.set32(regQueueAddress, uint32(region.Physical>>queueAddressShift))

	return q, region, nil
}

// fillRxQueue posts every rx descriptor with a fresh, device-writable
// buffer and publishes them all in one batch.
func (d *Device) fillRxQueue() {
	for i := range d.rxInFlight {
		pkt := d.rxPool.Alloc()
		if pkt == nil {
			break
		}
		d.rxInFlight[i] = pkt
		d.rxQ.setDesc(uint16(i), pkt.Phys, uint32(pkt.Length), descFWrite, 0)
		d.rxQ.pushAvail(uint16(i))
	}
	d.rxQ.commitAvail()
	d.set16(regQueueNotify, queueReceive)
}

func (d *Device) checkStatus() error {
	if d.get8(regDeviceStatus)&statusFailed != 0 {
		return fmt.Errorf("virtionet: %s: device reports FAILED status", d.bdf)
	}
	return nil
}

// initMACAddr reads the device-config MAC address field, present whenever
// VIRTIO_NET_F_MAC is negotiated (which Init requires).
func (d *Device) initMACAddr() {
	for i := 0; i < 6; i++ {
		d.mac[i] = d.get8(regDeviceConfig + int64(i))
	}
}

// GetMACAddr returns the device's configured MAC address.
func (d *Device) GetMACAddr() [6]byte {
	return d.mac
}

// SetMACAddr writes mac back to the device-config MAC field. Legacy
// virtio-net has no VIRTIO_NET_F_CTRL_MAC_ADDR requirement in this driver's
// feature set, so this is a direct config-space write rather than a
// control-queue command.
func (d *Device) SetMACAddr(mac [6]byte) {
	for i := 0; i < 6; i++ {
		d.set8(regDeviceConfig+int64(i), mac[i])
	}
	d.mac = mac
}

// GetLinkSpeed always reports 1000 Mb/s: virtio-net has no physical link
// to negotiate a speed over.
func (d *Device) GetLinkSpeed() uint16 {
	return 1000
}

// SetPromisc toggles promiscuous mode via the control virtqueue.
func (d *Device) SetPromisc(enabled bool) error {
	var v uint8
	if enabled {
		v = 1
	}
	d.log.Printf("setting promiscuous mode to %v", enabled)
	return d.sendCommand(ctrlClassRX, ctrlCmdRXPromisc, []byte{v})
}

// sendCommand issues a single control-queue request: a 3-descriptor chain
// of (class+command header, readable) -> (payload, readable) ->
// (ack byte, writable), then busy-waits for the device to consume it.
func (d *Device) sendCommand(class, command uint8, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := d.ctrlPool.Alloc()
	if buf == nil {
		return fmt.Errorf("virtionet: %s: control pool exhausted", d.bdf)
	}
	defer buf.Free()

	hdrLen := 2
	ackOff := hdrLen + len(payload)
	if ackOff+1 > len(buf.Virt) {
		return fmt.Errorf("virtionet: %s: control payload too large", d.bdf)
	}
	buf.Virt[0] = class
	buf.Virt[1] = command
	copy(buf.Virt[hdrLen:], payload)
	buf.Virt[ackOff] = 0xff // poisoned until the device writes a real ack

	base := buf.Phys
	d.ctrlQ.setDesc(0, base, uint32(hdrLen), descFNext, 1)
	d.ctrlQ.setDesc(1, base+uint64(hdrLen), uint32(len(payload)), descFNext, 2)
	d.ctrlQ.setDesc(2, base+uint64(ackOff), 1, descFWrite, 0)

	d.ctrlQ.pushAvail(0)
	d.ctrlQ.commitAvail()
	d.set16(regQueueNotify, queueControl)

	deadline := time.Now().Add(1 * time.Second)
	for {
		if _, _, ok := d.ctrlQ.popUsed(); ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("virtionet: %s: control command timed out", d.bdf)
		}
		time.Sleep(100 * time.Microsecond)
	}

	if buf.Virt[ackOff] != netOK {
		return fmt.Errorf("virtionet: %s: control command %d/%d rejected", d.bdf, class, command)
	}
	return nil
}

// RxBatch moves up to max received packets from the rx virtqueue into out,
// stripping the leading virtio_net_hdr from each and refilling the
// descriptors it reaps with fresh buffers.
func (d *Device) RxBatch(out []*mempool.Packet, max int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	received := 0
	refilled := false

	for received < max && received < len(out) {
		id, length, ok := d.rxQ.popUsed()
		if !ok {
			break
		}

		if d.rxQ.descFlags(id)&descFWrite == 0 {
			panic(fmt.Errorf("virtionet: %s: unsupported flags on rx descriptor %d", d.bdf, id))
		}

		pkt := d.rxInFlight[id]
		d.rxInFlight[id] = nil

		if length < virtioNetHdrLen {
			pkt.Free()
		} else {
			pkt.Length = int(length)
			pkt.Reserve(virtioNetHdrLen)
			pkt.Virt = pkt.Virt[:pkt.Length]
			out[received] = pkt
			d.stats.RxPackets++
			d.stats.RxBytes += uint64(pkt.Length)
			received++
		}

		fresh := d.rxPool.Alloc()
		if fresh != nil {
			d.rxInFlight[id] = fresh
			d.rxQ.setDesc(id, fresh.Phys, uint32(fresh.Length), descFWrite, 0)
			d.rxQ.pushAvail(id)
			refilled = true
		}
	}

	if refilled {
		d.rxQ.commitAvail()
		d.set16(regQueueNotify, queueReceive)
	}

	return received
}

// reapTx returns every completed tx descriptor's packet and slot to their
// respective pools/free-stack.
func (d *Device) reapTx() {
	for {
		id, _, ok := d.txQ.popUsed()
		if !ok {
			return
		}
		if pkt := d.txInFlight[id]; pkt != nil {
			pkt.Free()
			d.txInFlight[id] = nil
		}
		d.txFreeSlots = append(d.txFreeSlots, id)
	}
}

// AllocTxPacket allocates a packet from the device's shared buffer pool
// (the same pool RxBatch hands packets out of, matching ixy's convention of
// one pool per device rather than separate rx/tx pools) with
// virtio_net_hdr headroom already reserved, ready for the caller to fill
// Virt with up to length bytes of payload before handing it to TxBatch.
func (d *Device) AllocTxPacket(length int) *mempool.Packet {
	pkt := d.rxPool.Alloc()
	if pkt == nil {
		return nil
	}
	pkt.Reserve(virtioNetHdrLen)
	if length < len(pkt.Virt) {
		pkt.Virt = pkt.Virt[:length]
		pkt.Length = length
	}
	return pkt
}

// TxBatch submits as many of pkts as the ring has descriptors for,
// returning the count actually consumed. Every packet must carry at least
// virtioNetHdrLen bytes of headroom (see AllocTxPacket); submission stops
// at the first packet without it, which stays with the caller together
// with every packet after it.
func (d *Device) TxBatch(pkts []*mempool.Packet) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reapTx()

	sent := 0
	for sent < len(pkts) {
		pkt := pkts[sent]
		headroom := pkt.Headroom()
		if headroom < virtioNetHdrLen {
			break
		}
		if len(d.txFreeSlots) == 0 {
			break
		}

		n := len(d.txFreeSlots)
		id := d.txFreeSlots[n-1]
		d.txFreeSlots = d.txFreeSlots[:n-1]

		hdrBuf := pkt.HeaderBytes()
		for i := range hdrBuf {
			hdrBuf[i] = 0
		}
		hdrBuf[0] = 0       // flags
		hdrBuf[1] = gsoNone // gso_type
		binary.LittleEndian.PutUint16(hdrBuf[2:4], netHeaderLen)

		addr := pkt.Phys - uint64(headroom)
		length := uint32(headroom) + uint32(pkt.Length)

		d.txInFlight[id] = pkt
		d.txQ.setDesc(id, addr, length, 0, 0)
		d.txQ.pushAvail(id)

		sent++
	}

	if sent > 0 {
		d.txQ.commitAvail()
		d.set16(regQueueNotify, queueTransmit)
		for _, pkt := range pkts[:sent] {
			d.stats.TxPackets++
			d.stats.TxBytes += uint64(pkt.Length)
		}
	}

	return sent
}

// TxBatchBusyWait submits pkts, spinning on TxBatch until every packet has
// been accepted by the ring.
func (d *Device) TxBatchBusyWait(pkts []*mempool.Packet) {
	for len(pkts) > 0 {
		sent := d.TxBatch(pkts)
		pkts = pkts[sent:]
	}
}

// ReadStats adds the running totals accumulated since the last
// ReadStats/ResetStats into stats.
func (d *Device) ReadStats(stats *Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stats.RxPackets += d.stats.RxPackets
	stats.TxPackets += d.stats.TxPackets
	stats.RxBytes += d.stats.RxBytes
	stats.TxBytes += d.stats.TxBytes
	d.stats = Stats{}
}

// ResetStats discards the running totals accumulated so far.
func (d *Device) ResetStats() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = Stats{}
}

// Close releases the device's virtqueue regions and packet pools.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, region := range []*hugepage.Region{d.rxRegion, d.txRegion, d.ctrlRegion} {
		if region == nil {
			continue
		}
		if err := region.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.rxPool != nil {
		if err := d.rxPool.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.ctrlPool != nil {
		if err := d.ctrlPool.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.io.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.pci.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
