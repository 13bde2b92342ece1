package kalloc

import "unsafe"

// cacheBin is an intrusive LIFO free list for one size class: a free
// object's own first 8 bytes hold the pointer to the next free object,
// exactly the "next" link the reference kernel keeps inside its own
// free heapSegments rather than in a side structure (heap.go).
type cacheBin struct {
	head  unsafe.Pointer
	count int
}

func (c *cacheBin) push(p unsafe.Pointer) {
	*(*unsafe.Pointer)(p) = c.head
	c.head = p
	c.count++
}

func (c *cacheBin) pop() unsafe.Pointer {
	if c.head == nil {
		return nil
	}
	p := c.head
	c.head = *(*unsafe.Pointer)(p)
	c.count--
	return p
}

// ThreadCache is the first, fastest allocation level: a LIFO free list
// per size class, private to one logical thread so alloc/dealloc on
// the hot path never touch an atomic or a lock.
type ThreadCache struct {
	threadID uint32
	bins     [16]cacheBin

	hits   uint64
	misses uint64
}

// NewThreadCache creates an empty ThreadCache identified by threadID.
// Go has no public per-goroutine storage, so callers identify their
// logical thread explicitly; this is the "static array substitute"
// the design notes sanction in place of hidden TLS.
func NewThreadCache(threadID uint32) *ThreadCache {
	return &ThreadCache{threadID: threadID}
}

// ThreadID returns the identity this cache was created for.
func (tc *ThreadCache) ThreadID() uint32 { return tc.threadID }

// take pops one object of the given bin if present, recording a hit;
// otherwise records a miss and returns nil.
func (tc *ThreadCache) take(bin int) unsafe.Pointer {
	p := tc.bins[bin].pop()
	if p != nil {
		tc.hits++
	} else {
		tc.misses++
	}
	return p
}

// give pushes a freed object back into its bin, reporting whether the
// bin is now at MaxObjectsPerBin (caller should flush a batch back to
// the slab layer when true).
func (tc *ThreadCache) give(bin int, p unsafe.Pointer) (full bool) {
	tc.bins[bin].push(p)
	return tc.bins[bin].count >= MaxObjectsPerBin
}

// fill seeds a bin with a batch of freshly carved objects (used on
// refill from the slab layer).
func (tc *ThreadCache) fill(bin int, objs []unsafe.Pointer) {
	for _, o := range objs {
		tc.bins[bin].push(o)
	}
}

// drain removes up to n objects from a bin, returning them for a bulk
// free back to the slab.
func (tc *ThreadCache) drain(bin int, n int) []unsafe.Pointer {
	out := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		p := tc.bins[bin].pop()
		if p == nil {
			break
		}
		out = append(out, p)
	}
	return out
}

// BinCount reports how many free objects a bin currently holds.
func (tc *ThreadCache) BinCount(bin int) int { return tc.bins[bin].count }

// HitRate returns the fraction of take() calls satisfied without a
// miss: the steady-state cache hit rate under repeated alloc/dealloc
// cycling of the same size class.
func (tc *ThreadCache) HitRate() float64 {
	total := tc.hits + tc.misses
	if total == 0 {
		return 0
	}
	return float64(tc.hits) / float64(total)
}
