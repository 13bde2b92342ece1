// Package shmem is the shared-memory pool: reference-counted 4 KiB
// pages wrapping a pmm.Frame for zero-copy payload transport. Grounded
// on the reference kernel's virtqueue.go (the address-plus-length-
// plus-flags descriptor shape, VirtQDesc) for SharedPage's layout, and
// page.go's frame lifecycle for the retain/release pairing.
package shmem

import (
	"sync/atomic"

	"exo/kerrors"
	"exo/pmm"
)

// Flags on a SharedPage: read-only or writable.
type Flags uint8

const (
	FlagReadOnly Flags = 1 << iota
	FlagWritable
)

// SharedPage is a frame wrapped with a reference count and flags byte.
// Lifetime is the longest holder: it is dropped to the frame pool when
// the count reaches zero. It is identified by physical address and is
// virtually mapped once, when produced.
type SharedPage struct {
	pool    *Pool
	frame   pmm.Frame
	vaddr   uintptr
	size    uint32
	flags   Flags
	refs    atomic.Int32
	mapped  bool
}

// PhysAddr is the physical address identifying this page.
func (p *SharedPage) PhysAddr() uintptr { return p.frame.Base }

// VirtAddr is the address this page was mapped to when produced.
func (p *SharedPage) VirtAddr() uintptr { return p.vaddr }

// Size is the payload size this page was sized for.
func (p *SharedPage) Size() uint32 { return p.size }

// Flags returns the page's read-only/writable flags.
func (p *SharedPage) Flags() Flags { return p.flags }

// RefCount returns the current reference count (racy by nature; for
// diagnostics/tests only).
func (p *SharedPage) RefCount() int32 { return p.refs.Load() }

// Pool wraps a pmm.Allocator to hand out SharedPages. No payload is
// ever copied here; the pool's job is lifecycle, not transport.
type Pool struct {
	frames *pmm.Allocator

	// mapNext simulates "map into kernel virtual space once"; a real
	// freestanding kernel would consult its page tables here. Page-table
	// walks are out of scope, so this is a monotonically increasing
	// stand-in for a virtual address.
	mapNext atomic.Uintptr
}

// NewPool builds a Pool on top of the given frame allocator.
func NewPool(frames *pmm.Allocator) *Pool {
	p := &Pool{frames: frames}
	p.mapNext.Store(0xffff800000000000) // a plausible higher-half kernel VA base
	return p
}

// AllocatePage obtains one frame, returns a SharedPage handle with
// reference count 1, and maps it into kernel virtual space once.
// payloadSize must fit within one 4 KiB frame.
func (p *Pool) AllocatePage(payloadSize uint32) (*SharedPage, error) {
	if payloadSize > pmm.FrameSize {
		return nil, kerrors.ErrTooLarge
	}
	frame, err := p.frames.AllocateFrame()
	if err != nil {
		return nil, err
	}
	vaddr := p.mapNext.Add(pmm.FrameSize) - pmm.FrameSize

	sp := &SharedPage{
		pool:   p,
		frame:  frame,
		vaddr:  vaddr,
		size:   payloadSize,
		flags:  FlagWritable,
		mapped: true,
	}
	sp.refs.Store(1)
	return sp, nil
}

// Retain atomically increments the reference count.
func Retain(p *SharedPage) {
	p.refs.Add(1)
}

// Release atomically decrements the reference count; on reaching
// zero, the page is unmapped and the frame returned to the frame
// allocator.
func Release(p *SharedPage) {
	if p.refs.Add(-1) == 0 {
		p.mapped = false
		p.pool.frames.DeallocateFrame(p.frame)
	}
}
