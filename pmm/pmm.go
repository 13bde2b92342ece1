// Package pmm is the physical frame allocator: a bitmap over the
// known usable physical range, one bit per 4 KiB frame. Grounded on
// the reference kernel's page.go (pageInit, allocPage, the free-page
// list and "lowest free index" tie-break), adapted from a linked-
// list-of-Page-structs design to a bitmap, keeping the same "a stale
// hint must not break correctness" posture for the next-free scan
// accelerator.
package pmm

import (
	"math/bits"
	"sync"

	"exo/bootinfo"
	"exo/kerrors"
)

// FrameSize is the fixed frame size the allocator hands out.
const FrameSize = 4096

// Frame identifies a 4 KiB page-aligned physical region by its base
// address.
type Frame struct {
	Base uintptr
}

// Allocator is the bitmap physical-frame allocator.
type Allocator struct {
	mu descMu

	base      uintptr
	numFrames uint64
	bitmap    []uint64 // one bit per frame; 1 = allocated

	// nextFree accelerates scans; a stale value must not break
	// correctness, it only costs an extra pass.
	nextFree uint64

	allocated uint64
}

// descMu exists only to give the mutex a named type so godoc groups
// it with the allocator; behaves exactly like sync.Mutex.
type descMu struct{ sync.Mutex }

// NewAllocator builds an Allocator over the usable RAM described by
// desc. A zero-length descriptor is rejected rather than silently
// defaulted to some fallback size.
func NewAllocator(desc bootinfo.MemoryDescriptor) (*Allocator, error) {
	if desc.Length == 0 {
		return nil, kerrors.ErrOutOfMemory
	}
	numFrames := desc.Frames(FrameSize)
	if numFrames == 0 {
		return nil, kerrors.ErrOutOfMemory
	}
	words := (numFrames + 63) / 64
	return &Allocator{
		base:      desc.Base,
		numFrames: numFrames,
		bitmap:    make([]uint64, words),
	}, nil
}

// NumFrames returns the total number of frames managed.
func (a *Allocator) NumFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numFrames
}

// AllocatedFrames returns the count of currently allocated frames.
func (a *Allocator) AllocatedFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// AllocateFrame returns the lowest free frame, or ErrOutOfMemory if
// none remains.
func (a *Allocator) AllocateFrame() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.scanFree(a.nextFree)
	if !ok {
		idx, ok = a.scanFree(0)
		if !ok {
			return Frame{}, kerrors.ErrOutOfMemory
		}
	}

	word, bit := idx/64, idx%64
	a.bitmap[word] |= 1 << bit
	a.allocated++
	a.nextFree = idx + 1
	return Frame{Base: a.base + uintptr(idx)*FrameSize}, nil
}

// scanFree finds the lowest-indexed unset bit at or after start;
// failing that, it returns the lowest unset bit in the words before
// start's word.
func (a *Allocator) scanFree(start uint64) (uint64, bool) {
	if start >= a.numFrames {
		start = 0
	}
	startWord := start / 64
	for w := startWord; w < uint64(len(a.bitmap)); w++ {
		word := a.bitmap[w]
		// Mask off bits before `start` only in the first word scanned.
		if w == startWord {
			shift := start % 64
			word |= (uint64(1) << shift) - 1
		}
		if word == ^uint64(0) {
			continue
		}
		bit := uint64(bits.TrailingZeros64(^word))
		idx := w*64 + bit
		if idx < a.numFrames {
			return idx, true
		}
	}
	// Wrap: scan from the beginning if we started mid-way.
	if start != 0 {
		for w := uint64(0); w < startWord; w++ {
			word := a.bitmap[w]
			if word == ^uint64(0) {
				continue
			}
			bit := uint64(bits.TrailingZeros64(^word))
			idx := w*64 + bit
			if idx < a.numFrames {
				return idx, true
			}
		}
	}
	return 0, false
}

// DeallocateFrame releases f back to the pool.
func (a *Allocator) DeallocateFrame(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.Base < a.base {
		return
	}
	idx := uint64(f.Base-a.base) / FrameSize
	if idx >= a.numFrames {
		return
	}
	word, bit := idx/64, idx%64
	if a.bitmap[word]&(1<<bit) == 0 {
		return // already free; not an error per spec, dealloc has no failure mode
	}
	a.bitmap[word] &^= 1 << bit
	a.allocated--
	if idx < a.nextFree {
		a.nextFree = idx
	}
}
