package kalloc

import (
	"sync"
	"unsafe"

	"exo/kerrors"
)

// Heap is the public three-level allocator:
// ThreadCache → CpuSlab → BuddyAllocator, with the buddy layer as the
// sole source of fresh pages and the sole destination for anything too
// large to live in a size-class bin.
//
// Go gives goroutines no public identity to hang a thread-local cache
// off of, so callers identify their logical thread and CPU explicitly
// on every call; this is the "static array substitute" sanctioned in
// place of hidden TLS. Alloc and Dealloc look the caller's ThreadCache
// up in a map under a heap-wide mutex on every call, so the hot path
// takes that lock; the ThreadCache operations themselves take no lock
// and no atomic.
type Heap struct {
	buddy *BuddyAllocator

	slabMu sync.Mutex
	slabs  map[uint32]*CpuSlab

	cacheMu sync.Mutex
	caches  map[uint32]*ThreadCache
}

// NewHeap builds a Heap whose buddy allocator manages topOrderBlocks
// top-order blocks (each PageSize*2^BuddyMaxOrder bytes).
func NewHeap(topOrderBlocks int) *Heap {
	return &Heap{
		buddy:  NewBuddyAllocator(topOrderBlocks),
		slabs:  make(map[uint32]*CpuSlab),
		caches: make(map[uint32]*ThreadCache),
	}
}

func (h *Heap) slabFor(cpuID uint32) *CpuSlab {
	h.slabMu.Lock()
	defer h.slabMu.Unlock()
	s, ok := h.slabs[cpuID]
	if !ok {
		s = NewCpuSlab(cpuID, h.buddy)
		h.slabs[cpuID] = s
	}
	return s
}

func (h *Heap) cacheFor(threadID uint32) *ThreadCache {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	c, ok := h.caches[threadID]
	if !ok {
		c = NewThreadCache(threadID)
		h.caches[threadID] = c
	}
	return c
}

// Alloc returns size bytes of memory, routing through the thread
// cache for threadID, refilling from the CPU slab for cpuID on a
// miss, and bypassing straight to the buddy allocator for requests
// larger than BypassThreshold.
func (h *Heap) Alloc(threadID, cpuID uint32, size uint32) (unsafe.Pointer, error) {
	bin := binForSize(size)
	if bin < 0 {
		order := buddyOrderForSize(size)
		if order > BuddyMaxOrder {
			return nil, kerrors.ErrTooLarge
		}
		addr, err := h.buddy.AllocateOrder(order)
		if err != nil {
			return nil, err
		}
		return unsafe.Pointer(addr), nil
	}

	tc := h.cacheFor(threadID)
	if p := tc.take(bin); p != nil {
		return p, nil
	}

	slab := h.slabFor(cpuID)
	batch, err := slab.Refill(bin)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, kerrors.ErrOutOfMemory
	}
	head := batch[0]
	tc.fill(bin, batch[1:])
	return head, nil
}

// Dealloc returns an object of the given size to the cache for
// threadID, bulk-flushing to the CPU slab for cpuID once the bin fills
// to MaxObjectsPerBin.
func (h *Heap) Dealloc(threadID, cpuID uint32, p unsafe.Pointer, size uint32) {
	bin := binForSize(size)
	if bin < 0 {
		order := buddyOrderForSize(size)
		h.buddy.FreeOrder(uintptr(p), order)
		return
	}

	tc := h.cacheFor(threadID)
	if full := tc.give(bin, p); full {
		batch := tc.drain(bin, RefillBatchSize)
		h.slabFor(cpuID).BulkFree(bin, batch)
	}
}

// ThreadCacheHitRate reports the hit rate for a given thread's cache.
// Returns 0 if the thread has never allocated.
func (h *Heap) ThreadCacheHitRate(threadID uint32) float64 {
	h.cacheMu.Lock()
	c, ok := h.caches[threadID]
	h.cacheMu.Unlock()
	if !ok {
		return 0
	}
	return c.HitRate()
}
