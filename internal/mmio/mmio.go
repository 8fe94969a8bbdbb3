// Package mmio provides bounds-checked, volatile access to a memory-mapped
// PCI BAR.
//
// The register file is an ordinary mmap'd []byte backing a real BAR, so
// every access is bounds-checked against its length before any load or
// store happens.
package mmio

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

// ErrOutOfBounds is returned (or panicked with, on the fast path helpers
// that cannot fail) when an offset falls outside the mapped region.
var ErrOutOfBounds = errors.New("mmio: offset out of bounds")

// WaitInterval is the poll period used by WaitSet32 / WaitClear32, matching
// the 100 ms settling interval the state machine relies on.
const WaitInterval = 100 * time.Millisecond

// Bar is a bounds-checked register file over a byte slice obtained by
// mmap-ing a device's BAR0 resource file.
type Bar struct {
	mem []byte
}

// New wraps an already-mapped BAR. The slice must remain valid (unmunmap'd)
// for the lifetime of the Bar.
func New(mem []byte) *Bar {
	return &Bar{mem: mem}
}

// Len returns the mapped BAR size in bytes.
func (b *Bar) Len() int {
	return len(b.mem)
}

func (b *Bar) check(offset uint32) error {
	if uint64(offset)+4 > uint64(len(b.mem)) {
		return fmt.Errorf("%w: offset %#x, bar size %#x", ErrOutOfBounds, offset, len(b.mem))
	}
	return nil
}

func (b *Bar) ptr(offset uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&b.mem[offset]))
}

// Get32 performs a bounds-checked volatile 32-bit load.
func (b *Bar) Get32(offset uint32) (uint32, error) {
	if err := b.check(offset); err != nil {
		return 0, err
	}
	return atomic.LoadUint32(b.ptr(offset)), nil
}

// MustGet32 panics on an out-of-bounds offset. It exists for call sites in
// the PF/VF state machines where an invalid offset is a programming error,
// not a runtime condition to propagate.
func (b *Bar) MustGet32(offset uint32) uint32 {
	v, err := b.Get32(offset)
	if err != nil {
		panic(err)
	}
	return v
}

// Set32 performs a bounds-checked volatile 32-bit store.
func (b *Bar) Set32(offset, value uint32) error {
	if err := b.check(offset); err != nil {
		return err
	}
	atomic.StoreUint32(b.ptr(offset), value)
	return nil
}

// MustSet32 panics on an out-of-bounds offset.
func (b *Bar) MustSet32(offset, value uint32) {
	if err := b.Set32(offset, value); err != nil {
		panic(err)
	}
}

// SetFlags32 ORs mask into the register at offset.
func (b *Bar) SetFlags32(offset, mask uint32) error {
	if err := b.check(offset); err != nil {
		return err
	}
	p := b.ptr(offset)
	atomic.StoreUint32(p, atomic.LoadUint32(p)|mask)
	return nil
}

// ClearFlags32 clears the bits of mask in the register at offset.
func (b *Bar) ClearFlags32(offset, mask uint32) error {
	if err := b.check(offset); err != nil {
		return err
	}
	p := b.ptr(offset)
	atomic.StoreUint32(p, atomic.LoadUint32(p)&^mask)
	return nil
}

// WaitSet32 polls every WaitInterval until all bits in mask are set. It
// blocks indefinitely: the hardware sequencing bits it is used for always
// complete in practice.
func (b *Bar) WaitSet32(offset, mask uint32) error {
	for {
		v, err := b.Get32(offset)
		if err != nil {
			return err
		}
		if v&mask == mask {
			return nil
		}
		time.Sleep(WaitInterval)
	}
}

// WaitClear32 polls every WaitInterval until all bits in mask are clear.
func (b *Bar) WaitClear32(offset, mask uint32) error {
	for {
		v, err := b.Get32(offset)
		if err != nil {
			return err
		}
		if v&mask == 0 {
			return nil
		}
		time.Sleep(WaitInterval)
	}
}

// QueueIndexed computes the register address for one of the hardware's
// non-uniform indexed register families: queues 0..63 are addressed off
// loBase, queues 64..127 off a distinct hiBase with the same stride.
func QueueIndexed(loBase, hiBase, stride, queue uint32) uint32 {
	if queue < 64 {
		return loBase + queue*stride
	}
	return hiBase + (queue-64)*stride
}
