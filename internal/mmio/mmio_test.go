package mmio

import (
	"errors"
	"testing"
)

func TestGetSetRoundTrip(t *testing.T) {
	bar := New(make([]byte, 64))

	if err := bar.Set32(0x10, 0xdeadbeef); err != nil {
		t.Fatalf("Set32: %v", err)
	}
	got, err := bar.Get32(0x10)
	if err != nil {
		t.Fatalf("Get32: %v", err)
	}
	if got != 0xdeadbeef {
		t.Errorf("Get32() = %#x, want 0xdeadbeef", got)
	}
}

func TestSetFlagsClearFlags(t *testing.T) {
	bar := New(make([]byte, 64))

	bar.Set32(0, 0x0f)
	bar.SetFlags32(0, 0xf0)
	v, _ := bar.Get32(0)
	if v != 0xff {
		t.Fatalf("after SetFlags32, got %#x, want 0xff", v)
	}

	bar.ClearFlags32(0, 0x0f)
	v, _ = bar.Get32(0)
	if v != 0xf0 {
		t.Fatalf("after ClearFlags32, got %#x, want 0xf0", v)
	}
}

// MMIO bounds: every register access path rejects offsets past
// BAR_size - 4.
func TestOutOfBounds(t *testing.T) {
	bar := New(make([]byte, 16))

	cases := []struct {
		name   string
		offset uint32
		ok     bool
	}{
		{"last valid word", 12, true},
		{"one past end", 13, false},
		{"exactly at bar size", 16, false},
		{"far out of range", 1 << 20, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := bar.Get32(c.offset)
			if c.ok && err != nil {
				t.Errorf("Get32(%#x) = %v, want no error", c.offset, err)
			}
			if !c.ok && !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("Get32(%#x) = %v, want ErrOutOfBounds", c.offset, err)
			}

			err = bar.Set32(c.offset, 1)
			if c.ok && err != nil {
				t.Errorf("Set32(%#x) = %v, want no error", c.offset, err)
			}
			if !c.ok && !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("Set32(%#x) = %v, want ErrOutOfBounds", c.offset, err)
			}
		})
	}
}

func TestMustGet32PanicsOutOfBounds(t *testing.T) {
	bar := New(make([]byte, 16))
	defer func() {
		if recover() == nil {
			t.Fatal("MustGet32 did not panic on out-of-bounds offset")
		}
	}()
	bar.MustGet32(64)
}

func TestQueueIndexed(t *testing.T) {
	cases := []struct {
		queue uint32
		want  uint32
	}{
		{0, 0x1000},
		{1, 0x1000 + 0x40},
		{63, 0x1000 + 63*0x40},
		{64, 0xD000},
		{65, 0xD000 + 0x40},
	}
	for _, c := range cases {
		if got := QueueIndexed(0x1000, 0xD000, 0x40, c.queue); got != c.want {
			t.Errorf("QueueIndexed(queue=%d) = %#x, want %#x", c.queue, got, c.want)
		}
	}
}
