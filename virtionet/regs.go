// Package virtionet implements the legacy VirtIO PCI network device: the
// status-byte bring-up state machine, feature negotiation, and the
// virtio-net control/data planes (rx, tx, promiscuous toggle).
//
// Unlike ixgbe/ixgbevf, a legacy VirtIO BAR0 is I/O port space rather than
// memory space: the device is still addressed through the same sysfs BDF
// directory, but register access goes through pci.Device.OpenIOResource's
// pread/pwrite file instead of internal/mmio's mmap'd byte slice.
package virtionet

// Legacy PCI configuration registers, byte offsets from the start of BAR0.
const (
	regDeviceFeatures = 0x00
	regDriverFeatures = 0x04
	regQueueAddress   = 0x08
	regQueueSize      = 0x0c
	regQueueSelect    = 0x0e
	regQueueNotify    = 0x10
	regDeviceStatus   = 0x12
	regISRStatus      = 0x13
	regDeviceConfig   = 0x14
)

// Device status bits, written to regDeviceStatus.
const (
	statusReset      = 0x00
	statusAck        = 0x01
	statusDriver     = 0x02
	statusDriverOK   = 0x04
	statusFeaturesOK = 0x08 // not used by the legacy (pre-1.0) interface
	statusFailed     = 0x80
)

// virtio-net feature bits (bit position within the 32-bit legacy feature
// word).
const (
	featureCSUM      = 1 << 0
	featureGuestCSUM = 1 << 1
	featureMAC       = 1 << 5
	featureCtrlVQ    = 1 << 17
	featureCtrlRX    = 1 << 18
	featureAnyLayout = 1 << 27
)

// requiredFeatures is the feature set this driver requires of the device;
// Init marks the device FAILED and returns an error if any bit is
// unsupported rather than falling back to a degraded mode.
const requiredFeatures = featureCSUM | featureGuestCSUM | featureCtrlVQ | featureCtrlRX | featureMAC | featureAnyLayout

// Virtqueue indices, fixed by the virtio-net device layout.
const (
	queueReceive  = 0
	queueTransmit = 1
	queueControl  = 2
)

// queueAlignment is the byte alignment the legacy transport requires
// between a virtqueue's avail ring and its used ring (virtio 0.9.5 section
// 2.3.2).
const queueAlignment = 4096

// queueAddressShift right-shifts a virtqueue's physical base address before
// it is written to regQueueAddress, which holds a page number rather than a
// byte address.
const queueAddressShift = 12

// Control virtqueue class/command pairs.
const (
	ctrlClassRX      = 0
	ctrlCmdRXPromisc = 0
)

const (
	netOK  = 0
	netErr = 1
)

// virtioNetHdr is the per-packet header every rx/tx buffer carries,
// prepended by the driver on tx and stripped on rx. This driver never
// negotiates checksum offload or GSO, so on tx every field past hdr_len is
// always zero; it is still sent because VIRTIO_F_ANY_LAYOUT lets the header
// be a separate descriptor only at the sender's discretion -- this driver
// always prepends it in the same buffer as the payload instead.
type virtioNetHdr struct {
	Flags          uint8
	GSOType        uint8
	HdrLen         uint16
	GSOSize        uint16
	ChecksumStart  uint16
	ChecksumOffset uint16
	NumBuffers     uint16
}

// virtioNetHdrLen is 12 bytes: the 10-byte legacy virtio_net_hdr plus the
// 2-byte num_buffers field every device in this driver's matrix writes
// (even un-negotiated, the field is always present in the legacy on-wire
// layout).
const virtioNetHdrLen = 12

// TxHeaderLen is virtioNetHdrLen exported for callers outside this package
// (ixy.TxHeadroom) that manage their own packet pools and need to size and
// reserve the same headroom AllocTxPacket carves off automatically.
const TxHeaderLen = virtioNetHdrLen

const gsoNone = 0

// netHeaderLen is the hdr_len this driver always stamps into the
// virtio_net_hdr it prepends to every tx packet: the combined Ethernet +
// IPv4 + UDP header size, sent on every transmit regardless of the actual
// payload's protocol, since this driver never negotiates segmentation
// offload.
const netHeaderLen = 14 + 20 + 8
