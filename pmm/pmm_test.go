package pmm

import (
	"errors"
	"testing"

	"exo/bootinfo"
	"exo/kerrors"
)

func newTestAllocator(t *testing.T, frames uint64) *Allocator {
	t.Helper()
	a, err := NewAllocator(bootinfo.MemoryDescriptor{Base: 0x100000, Length: frames * FrameSize})
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	return a
}

func TestNewAllocatorRejectsZeroLength(t *testing.T) {
	_, err := NewAllocator(bootinfo.MemoryDescriptor{Base: 0, Length: 0})
	if !errors.Is(err, kerrors.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestAllocateFrameLowestIndexTieBreak(t *testing.T) {
	a := newTestAllocator(t, 4)

	f0, err := a.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame() error = %v", err)
	}
	f1, err := a.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame() error = %v", err)
	}
	if f1.Base != f0.Base+FrameSize {
		t.Fatalf("second allocation not contiguous: f0=%x f1=%x", f0.Base, f1.Base)
	}

	a.DeallocateFrame(f0)
	f2, err := a.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame() error = %v", err)
	}
	if f2.Base != f0.Base {
		t.Fatalf("expected reallocation of lowest freed frame, got %x want %x", f2.Base, f0.Base)
	}
}

func TestAllocateFrameExhaustion(t *testing.T) {
	a := newTestAllocator(t, 2)
	if _, err := a.AllocateFrame(); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.AllocateFrame(); err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if _, err := a.AllocateFrame(); !errors.Is(err, kerrors.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory on exhaustion, got %v", err)
	}
}

func TestAllocateDeallocateAcrossManyFrames(t *testing.T) {
	const n = 200
	a := newTestAllocator(t, n)

	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := a.AllocateFrame()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		frames = append(frames, f)
	}
	if _, err := a.AllocateFrame(); !errors.Is(err, kerrors.ErrOutOfMemory) {
		t.Fatalf("expected exhaustion after allocating all frames")
	}

	for _, f := range frames {
		a.DeallocateFrame(f)
	}
	if got := a.AllocatedFrames(); got != 0 {
		t.Fatalf("AllocatedFrames() after full release = %d, want 0", got)
	}

	for i := 0; i < n; i++ {
		if _, err := a.AllocateFrame(); err != nil {
			t.Fatalf("re-alloc %d: %v", i, err)
		}
	}
}

func TestNextFreeHintStalenessDoesNotBreakCorrectness(t *testing.T) {
	a := newTestAllocator(t, 8)
	var frames []Frame
	for i := 0; i < 8; i++ {
		f, _ := a.AllocateFrame()
		frames = append(frames, f)
	}
	a.DeallocateFrame(frames[3])
	a.DeallocateFrame(frames[5])

	// Force a stale hint pointing past the free slots.
	a.nextFree = 8

	f, err := a.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame() with stale hint: %v", err)
	}
	if f.Base != frames[3].Base {
		t.Fatalf("expected lowest free frame index 3 despite stale hint, got base %x want %x", f.Base, frames[3].Base)
	}
}
