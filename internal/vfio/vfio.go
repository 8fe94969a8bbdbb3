// Package vfio wraps the Linux VFIO ioctl surface used to resolve DMA
// physical addresses as IOMMU-mapped IOVAs instead of walking
// /proc/self/pagemap.
//
// The container file descriptor is process-wide singleton state: a
// sync.Once-guarded package-level handle, created lazily and shared by
// every Group a device opens.
package vfio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const containerPath = "/dev/vfio/vfio"

// ioctl request numbers, each _IO(';', 100+nr) per linux/vfio.h.
const (
	vfioTypeBase = ';' << 8
	vfioBase     = 100

	vfioAPIVersion     = vfioTypeBase | (vfioBase + 0)
	vfioCheckExtension = vfioTypeBase | (vfioBase + 1)
	vfioSetIOMMU       = vfioTypeBase | (vfioBase + 2)
	vfioGroupGetStatus = vfioTypeBase | (vfioBase + 3)
	vfioGroupSetCntnr  = vfioTypeBase | (vfioBase + 4)
	vfioGroupGetDevFD  = vfioTypeBase | (vfioBase + 6)
	vfioDevGetRegion   = vfioTypeBase | (vfioBase + 8)
	vfioIOMMUMapDMA    = vfioTypeBase | (vfioBase + 13)

	typeIOMMU = 1 // VFIO_TYPE1_IOMMU

	groupFlagsViable = 1
)

type groupStatus struct {
	argsz uint32
	flags uint32
}

type iommuMapDMA struct {
	argsz uint32
	flags uint32
	vaddr uint64
	iova  uint64
	size  uint64
}

const dmaMapReadWrite = 0x3

var (
	containerOnce sync.Once
	containerFD   int = -1
	containerErr  error

	iommuOnce sync.Once
	iommuErr  error
)

func container() (int, error) {
	containerOnce.Do(func() {
		fd, err := unix.Open(containerPath, unix.O_RDWR, 0)
		if err != nil {
			containerErr = fmt.Errorf("vfio: open %s: %w", containerPath, err)
			return
		}

		version, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vfioAPIVersion, 0)
		if errno != 0 {
			containerErr = fmt.Errorf("vfio: get api version: %w", errno)
			return
		}
		if version != 0 {
			containerErr = fmt.Errorf("vfio: unexpected API version %d", version)
			return
		}

		ok, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vfioCheckExtension, typeIOMMU)
		if errno != 0 || ok == 0 {
			containerErr = fmt.Errorf("vfio: type1 IOMMU extension unavailable")
			return
		}

		containerFD = fd
	})
	return containerFD, containerErr
}

// Group represents one VFIO IOMMU group bound to a NIC's DMA memory.
type Group struct {
	mu       sync.Mutex
	groupFD  int
	deviceFD int
}

// OpenGroup opens the IOMMU group that owns the PCI device at bdf (as
// reported by its /sys/bus/pci/devices/{bdf}/iommu_group symlink) and
// attaches it to the process-wide container.
func OpenGroup(groupPath string, bdf string) (*Group, error) {
	cfd, err := container()
	if err != nil {
		return nil, err
	}

	gfd, err := unix.Open(groupPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vfio: open group %s: %w", groupPath, err)
	}

	status := groupStatus{argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(gfd), vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); errno != 0 {
		unix.Close(gfd)
		return nil, fmt.Errorf("vfio: group status: %w", errno)
	}
	if status.flags&groupFlagsViable == 0 {
		unix.Close(gfd)
		return nil, fmt.Errorf("vfio: group not viable (all devices must be bound to vfio-pci)")
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(gfd), vfioGroupSetCntnr, uintptr(unsafe.Pointer(&cfd))); errno != 0 {
		unix.Close(gfd)
		return nil, fmt.Errorf("vfio: set container: %w", errno)
	}

	// SET_IOMMU requires a group attached first and may only happen once
	// per container; later groups join the already-configured container.
	iommuOnce.Do(func() {
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(cfd), vfioSetIOMMU, typeIOMMU); errno != 0 {
			iommuErr = fmt.Errorf("vfio: set iommu: %w", errno)
		}
	})
	if iommuErr != nil {
		unix.Close(gfd)
		return nil, iommuErr
	}

	path, err := cStringPtr(bdf)
	if err != nil {
		unix.Close(gfd)
		return nil, err
	}

	dfd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(gfd), vfioGroupGetDevFD, uintptr(unsafe.Pointer(path)))
	if errno != 0 {
		unix.Close(gfd)
		return nil, fmt.Errorf("vfio: get device fd for %s: %w", bdf, errno)
	}

	return &Group{groupFD: gfd, deviceFD: int(dfd)}, nil
}

func cStringPtr(s string) (*byte, error) {
	b := append([]byte(s), 0)
	return &b[0], nil
}

// DeviceFD returns the VFIO-issued device file descriptor, used in place
// of a plain open() on resource0 for BAR mmap when running under IOMMU.
func (g *Group) DeviceFD() int {
	return g.deviceFD
}

// MapDMA maps a hugepage-backed region into the IOMMU and returns its IOVA.
// ixy uses an identity mapping: the IOVA equals the region's virtual
// address, which keeps descriptor construction identical to the
// pagemap-based path.
func (g *Group) MapDMA(mem []byte) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfd, err := container()
	if err != nil {
		return 0, err
	}

	vaddr := uint64(uintptr(unsafe.Pointer(&mem[0])))

	req := iommuMapDMA{
		argsz: uint32(unsafe.Sizeof(iommuMapDMA{})),
		flags: dmaMapReadWrite,
		vaddr: vaddr,
		iova:  vaddr,
		size:  uint64(len(mem)),
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(cfd), vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return 0, fmt.Errorf("vfio: map dma: %w", errno)
	}

	return req.iova, nil
}

// Close releases the group's device and group file descriptors. The
// process-wide container is left open for reuse by later devices.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.deviceFD >= 0 {
		unix.Close(g.deviceFD)
		g.deviceFD = -1
	}
	if g.groupFD >= 0 {
		err := unix.Close(g.groupFD)
		g.groupFD = -1
		return err
	}
	return nil
}

// GroupPathFor returns the /dev/vfio/<group> path for a BDF, derived from
// the group number its /sys iommu_group symlink points at, for callers
// wiring up OpenGroup.
func GroupPathFor(bdf string) (string, error) {
	link := fmt.Sprintf("/sys/bus/pci/devices/%s/iommu_group", bdf)
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("vfio: read iommu_group link: %w", err)
	}
	return "/dev/vfio/" + filepath.Base(target), nil
}
