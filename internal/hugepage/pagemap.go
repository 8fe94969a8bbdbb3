package hugepage

import (
	"fmt"
	"os"
	"unsafe"
)

const pagemapEntrySize = 8

// pfnMask selects the low 55 bits of a /proc/self/pagemap entry, the page
// frame number field.
const pfnMask = (1 << 55) - 1

var pageSize = os.Getpagesize()

// VirtToPhys resolves the physical address backing a mapped virtual
// address by reading the process's pagemap entry for its page, masking the
// PFN field, and re-applying the in-page offset.
func VirtToPhys(virt uintptr) (uint64, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return 0, fmt.Errorf("pagemap: %w", err)
	}
	defer f.Close()

	pageIndex := uint64(virt) / uint64(pageSize)
	offsetInPage := uint64(virt) % uint64(pageSize)

	buf := make([]byte, pagemapEntrySize)
	if _, err := f.ReadAt(buf, int64(pageIndex*pagemapEntrySize)); err != nil {
		return 0, fmt.Errorf("pagemap: read: %w", err)
	}

	entry := uint64(0)
	for i := 7; i >= 0; i-- {
		entry = entry<<8 | uint64(buf[i])
	}

	if entry&(1<<63) == 0 {
		return 0, fmt.Errorf("pagemap: page not present for virt %#x", virt)
	}

	pfn := entry & pfnMask

	return pfn*uint64(pageSize) + offsetInPage, nil
}

func ptrOf(mem []byte) unsafe.Pointer {
	if len(mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&mem[0])
}
