package kalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// slabBin tracks one size class's carving state within a CpuSlab: a
// bump cursor into the current backing page, plus any objects freed
// directly to the slab (bypassing a thread cache) threaded through the
// same intrusive-pointer free list the thread cache uses.
type slabBin struct {
	free unsafe.Pointer

	current    uintptr // next carve address within currentPage
	currentEnd uintptr // one past the last usable byte of currentPage
	objSize    uint32

	freeCount atomic.Int64
}

// CpuSlab is the second allocation level: one per logical CPU, shared
// by every thread cache pinned to that CPU. It carves fixed-size
// objects out of pages obtained from the BuddyAllocator and refills a
// ThreadCache bin RefillBatchSize objects at a time.
type CpuSlab struct {
	cpuID uint32
	buddy *BuddyAllocator

	mu   sync.Mutex
	bins [16]slabBin
}

// NewCpuSlab creates an empty CpuSlab for cpuID, carving pages from
// buddy as needed.
func NewCpuSlab(cpuID uint32, buddy *BuddyAllocator) *CpuSlab {
	s := &CpuSlab{cpuID: cpuID, buddy: buddy}
	for i, sz := range BinSizes {
		s.bins[i].objSize = sz
	}
	return s
}

// CPUID returns the logical CPU this slab belongs to.
func (s *CpuSlab) CPUID() uint32 { return s.cpuID }

// Refill carves up to RefillBatchSize objects of the given bin's size
// class, pulling free-listed objects first and bump-allocating fresh
// pages from the buddy allocator as needed. The slab lock is released
// before any call into the buddy allocator and re-acquired only to
// install the new page, so a thread never holds the slab lock and a
// buddy order lock at the same time.
func (s *CpuSlab) Refill(bin int) ([]unsafe.Pointer, error) {
	s.mu.Lock()

	b := &s.bins[bin]
	out := make([]unsafe.Pointer, 0, RefillBatchSize)

	for len(out) < RefillBatchSize && b.free != nil {
		p := b.free
		b.free = *(*unsafe.Pointer)(p)
		b.freeCount.Add(-1)
		out = append(out, p)
	}

	for len(out) < RefillBatchSize {
		if b.current+uintptr(b.objSize) > b.currentEnd {
			s.mu.Unlock()
			addr, err := s.buddy.AllocateOrder(0)
			s.mu.Lock()
			if err != nil {
				s.mu.Unlock()
				if len(out) > 0 {
					return out, nil
				}
				return nil, err
			}
			b.current = addr
			b.currentEnd = addr + PageSize
			continue
		}
		out = append(out, unsafe.Pointer(b.current))
		b.current += uintptr(b.objSize)
	}
	s.mu.Unlock()
	return out, nil
}

// BulkFree returns a batch of objects to the slab's free list for the
// given bin.
func (s *CpuSlab) BulkFree(bin int, objs []unsafe.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &s.bins[bin]
	for _, p := range objs {
		*(*unsafe.Pointer)(p) = b.free
		b.free = p
		b.freeCount.Add(1)
	}
}

// FreeCount reports the slab-level free object count for a bin
// (diagnostics/tests).
func (s *CpuSlab) FreeCount(bin int) int64 {
	return s.bins[bin].freeCount.Load()
}
