package pci

// Capability IDs relevant to the Virtio legacy PCI transport.
//
// Virtio only needs a couple of common IDs plus its own vendor-specific
// capability layout, so this is not the full PCI SIG list.
const (
	CapabilityVendorSpecific = 0x09
	CapabilityMSIX           = 0x11

	capabilitiesPointerOffset = 0x34
)

// CapabilityHeader is the common two-byte prefix of every entry in a
// device's capabilities list.
type CapabilityHeader struct {
	ID   uint8
	Next uint8
}

// Capabilities walks a device's capabilities list starting from the
// pointer at config space offset 0x34, yielding each entry's offset and
// header in turn.
func (d *Device) Capabilities() func(func(off uint8, hdr CapabilityHeader) bool) {
	return func(yield func(uint8, CapabilityHeader) bool) {
		buf := make([]byte, 1)
		if _, err := d.cfg.ReadAt(buf, capabilitiesPointerOffset); err != nil {
			return
		}
		off := buf[0]

		for off != 0 {
			hdr := make([]byte, 2)
			if _, err := d.cfg.ReadAt(hdr, int64(off)); err != nil {
				return
			}
			h := CapabilityHeader{ID: hdr[0], Next: hdr[1]}

			if !yield(off, h) {
				return
			}

			off = h.Next
		}
	}
}

// ReadConfig reads n bytes from config space at the given offset.
func (d *Device) ReadConfig(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := d.cfg.ReadAt(buf, off)
	return buf, err
}

// WriteConfig writes buf to config space at the given offset.
func (d *Device) WriteConfig(off int64, buf []byte) error {
	_, err := d.cfg.WriteAt(buf, off)
	return err
}
