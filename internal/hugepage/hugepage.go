// Package hugepage allocates physically-contiguous, pinned DMA memory
// backed by hugetlbfs.
//
// A Region is a fixed virtual/physical base pair backed by a file on a
// hugetlbfs mount, mmap'd MAP_SHARED|MAP_HUGETLB and mlock'd, with
// physical addresses resolved per-page from /proc/self/pagemap (or, when
// UseIOMMU is set, IOVAs from internal/vfio).
package hugepage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ixy-go/ixy/internal/vfio"
)

// Sentinel setup errors, surfaced from Allocate and terminal for that call.
var (
	// HugePagesMissing is returned when the hugetlbfs mount point does not
	// exist. This is the common first-run error and must stay distinctive.
	HugePagesMissing = errors.New("hugepage: mount point missing (did you forget to enable hugepages?)")
	AllocationFailed = errors.New("hugepage: allocation failed")
	NotContiguous    = errors.New("hugepage: contiguous allocation could not be satisfied")
)

// Size of one hugepage. ixy only targets the common 2 MiB configuration.
const Size = 2 << 20

// DefaultMount is the hugetlbfs mount point used when none is configured.
const DefaultMount = "/mnt/huge"

const prefix = "ixy"

// counter composes unique backing filenames; it is a process-wide
// monotonically increasing singleton, so filenames are never reused in
// one process lifetime.
var counter int64

// Region is a DMA memory region: a virtual/physical base pair plus size,
// backed by one or more pinned hugepages.
type Region struct {
	sync.Mutex

	Virtual  []byte
	Physical uint64
	Size     int

	path  string
	group *vfio.Group // non-nil when allocated with UseIOMMU
}

// Options configures Allocate.
type Options struct {
	// Mount is the hugetlbfs mount point. Defaults to DefaultMount.
	Mount string
	// RequireContiguous fails the allocation if Size exceeds one hugepage,
	// since only per-hugepage physical contiguity is guaranteed.
	RequireContiguous bool
	// UseIOMMU resolves physical addresses as IOVAs through a VFIO group
	// instead of /proc/self/pagemap. Off by default.
	UseIOMMU bool
	Group    *vfio.Group
}

// Allocate reserves, maps and pins a DMA region of at least size bytes,
// rounded up to a 2 MiB multiple.
func Allocate(size int, opts Options) (*Region, error) {
	if opts.Mount == "" {
		opts.Mount = DefaultMount
	}

	if opts.RequireContiguous && size > Size {
		return nil, fmt.Errorf("%w: %d bytes requested, one hugepage is %d", NotContiguous, size, Size)
	}

	rounded := (size + Size - 1) &^ (Size - 1)

	if _, err := os.Stat(opts.Mount); err != nil {
		if os.IsNotExist(err) {
			return nil, HugePagesMissing
		}
		return nil, fmt.Errorf("%w: %v", AllocationFailed, err)
	}

	id := atomic.AddInt64(&counter, 1)
	path := fmt.Sprintf("%s/%s-%d-%d", opts.Mount, prefix, os.Getpid(), id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", AllocationFailed, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(rounded)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", AllocationFailed, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_HUGETLB)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%w: mmap: %v", AllocationFailed, err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		os.Remove(path)
		return nil, fmt.Errorf("%w: mlock: %v", AllocationFailed, err)
	}

	var phys uint64
	if opts.UseIOMMU {
		if opts.Group == nil {
			unix.Munmap(mem)
			os.Remove(path)
			return nil, fmt.Errorf("%w: UseIOMMU requires a Group", AllocationFailed)
		}
		phys, err = opts.Group.MapDMA(mem)
	} else {
		phys, err = VirtToPhys(uintptr(ptrOf(mem)))
	}
	if err != nil {
		unix.Munmap(mem)
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", AllocationFailed, err)
	}

	return &Region{
		Virtual:  mem,
		Physical: phys,
		Size:     rounded,
		path:     path,
		group:    opts.Group,
	}, nil
}

// Free unpins and unmaps the region and removes its backing file. It is the
// caller's responsibility to ensure no descriptor still references the
// region's physical address before calling Free.
func (r *Region) Free() error {
	r.Lock()
	defer r.Unlock()

	if r.Virtual == nil {
		return nil
	}

	unix.Munlock(r.Virtual)
	err := unix.Munmap(r.Virtual)
	os.Remove(r.path)
	r.Virtual = nil

	return err
}

// PhysAt returns the physical (or IOVA, under VFIO) address corresponding
// to byte offset off within the region, assuming the region is physically
// contiguous from its base. This only holds within a single hugepage (or,
// under VFIO, anywhere in the region, since MapDMA establishes one
// identity-mapped IOVA range over the whole virtual span in a single
// ioctl regardless of the underlying pages' physical layout) — callers
// indexing into a region that may span more than one hugepage without
// VFIO must use ResolvePhys instead.
func (r *Region) PhysAt(off int) uint64 {
	return r.Physical + uint64(off)
}

// ResolvePhys returns the physical (or IOVA, under VFIO) address of byte
// offset off within the region, resolving it independently rather than
// extrapolating linearly from the region's base. hugetlbfs makes no
// contiguity promise between the independently-backed 2 MiB pages of a
// single mapping, so a region spanning more than one hugepage cannot
// assume PhysAt's arithmetic is correct past the first page; this is the
// per-slot resolution a packet pool's physical address table is built
// with.
//
// Under VFIO the single MapDMA call made at Allocate time already covers
// the region's entire virtual span with one identity mapping, so the
// linear offset is safe there regardless of physical fragmentation.
func (r *Region) ResolvePhys(off int) (uint64, error) {
	if r.group != nil {
		return r.Physical + uint64(off), nil
	}
	return VirtToPhys(uintptr(ptrOf(r.Virtual[off:])))
}
