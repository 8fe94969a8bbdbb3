// Package pci implements PCI device discovery and BAR mapping for the NIC
// drivers, via the Linux sysfs surface rather than CONFIG_ADDRESS/
// CONFIG_DATA port I/O.
//
// A Device is probed by vendor/device ID through the BDF's sysfs
// directory: config-space reads and writes go through the config file,
// memory BARs are mmap'd from resource0, and I/O-space BARs are driven
// through pread/pwrite on their resourceN file.
package pci

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Device represents one PCI device addressed by its sysfs BDF directory
// (e.g. "0000:01:00.0").
type Device struct {
	BDF string

	Vendor uint16
	Device uint16
	Class  uint32

	dir string
	cfg *os.File
}

func sysfsDir(bdf string) string {
	return fmt.Sprintf("/sys/bus/pci/devices/%s", bdf)
}

// Open reads a device's vendor/device/class IDs from sysfs without yet
// mapping its BAR or unbinding its kernel driver.
func Open(bdf string) (*Device, error) {
	dir := sysfsDir(bdf)

	vendor, err := readHex16(dir + "/vendor")
	if err != nil {
		return nil, fmt.Errorf("pci: %s: %w", bdf, err)
	}
	device, err := readHex16(dir + "/device")
	if err != nil {
		return nil, fmt.Errorf("pci: %s: %w", bdf, err)
	}
	class, err := readHex32(dir + "/class")
	if err != nil {
		return nil, fmt.Errorf("pci: %s: %w", bdf, err)
	}

	cfg, err := os.OpenFile(dir+"/config", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: %s: open config: %w", bdf, err)
	}

	return &Device{
		BDF:    bdf,
		Vendor: vendor,
		Device: device,
		Class:  class,
		dir:    dir,
		cfg:    cfg,
	}, nil
}

func readHex16(path string) (uint16, error) {
	v, err := readHex(path)
	return uint16(v), err
}

func readHex32(path string) (uint32, error) {
	v, err := readHex(path)
	return uint32(v), err
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// Unbind detaches the kernel driver currently bound to the device by
// writing its BDF to the driver's unbind sysfs attribute.
func (d *Device) Unbind() error {
	path := d.dir + "/driver/unbind"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("pci: %s: unbind: %w", d.BDF, err)
	}
	defer f.Close()
	_, err = f.WriteString(d.BDF)
	return err
}

// EnableDMA sets the Bus Master Enable bit (bit 2) of the 16-bit command
// register at config space offset 4.
func (d *Device) EnableDMA() error {
	buf, err := d.ReadConfig(4, 2)
	if err != nil {
		return fmt.Errorf("pci: %s: read command register: %w", d.BDF, err)
	}
	cmd := uint16(buf[0]) | uint16(buf[1])<<8
	cmd |= 1 << 2
	buf[0] = byte(cmd)
	buf[1] = byte(cmd >> 8)
	if err := d.WriteConfig(4, buf); err != nil {
		return fmt.Errorf("pci: %s: write command register: %w", d.BDF, err)
	}
	return nil
}

// MapBAR0 unbinds the kernel driver, enables bus mastering, and mmaps the
// device's resource0 file, returning the BAR as a byte slice suitable for
// internal/mmio.New.
func (d *Device) MapBAR0() ([]byte, error) {
	if err := d.Unbind(); err != nil {
		return nil, err
	}
	if err := d.EnableDMA(); err != nil {
		return nil, err
	}

	path := d.dir + "/resource0"
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: %s: open resource0: %w", d.BDF, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pci: %s: stat resource0: %w", d.BDF, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: %s: mmap resource0: %w", d.BDF, err)
	}

	return mem, nil
}

// OpenIOResource unbinds the kernel driver, enables bus mastering, and
// opens the device's resource0 file for pread/pwrite access without
// mmap-ing it. Legacy VirtIO devices expose BAR0 as I/O port space, which
// the kernel translates plain file reads/writes on resourceN into inb/outb
// on -- mmap only works for memory-space BARs.
func (d *Device) OpenIOResource() (*os.File, error) {
	if err := d.Unbind(); err != nil {
		return nil, err
	}
	if err := d.EnableDMA(); err != nil {
		return nil, err
	}

	path := d.dir + "/resource0"
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: %s: open resource0: %w", d.BDF, err)
	}
	return f, nil
}

// IOMMUGroupPath reads the iommu_group symlink for a device, used to open
// a VFIO group for that device.
func (d *Device) IOMMUGroupPath() (string, error) {
	return os.Readlink(d.dir + "/iommu_group")
}

// Close releases the config-space file descriptor.
func (d *Device) Close() error {
	return d.cfg.Close()
}
