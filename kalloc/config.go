// Package kalloc is the three-level allocator: a per-thread cache, a
// per-CPU slab layer, and a buddy allocator fallback. Grounded on the
// reference kernel's heap.go (segment free list: best-fit scan,
// split-on-alloc, coalesce-on-free, with the "next"/"prev" links
// living inside the block's own header) for the buddy level's
// split/coalesce shape and the thread cache's intrusive free-list
// idiom.
package kalloc

// BinSizes are the 16 size classes a thread cache bin serves.
var BinSizes = [16]uint32{
	8, 16, 24, 32, 48, 64, 96, 128, 192, 256, 384, 512, 768, 1024, 1536, 2048,
}

const (
	// MaxObjectsPerBin is the thread-cache bin cap.
	MaxObjectsPerBin = 64
	// RefillBatchSize is how many objects move from a slab into a
	// thread-cache bin on refill, and back on bulk free.
	RefillBatchSize = 32
	// BuddyMaxOrder is the top buddy order; order k manages blocks of
	// 4096*2^k bytes.
	BuddyMaxOrder = 8
	// PageSize is the unit the buddy allocator and the slab layer
	// carve pages from.
	PageSize = 4096
	// BypassThreshold: requests larger than this go straight to the
	// buddy allocator.
	BypassThreshold = 2048
)

// binSizeLUT maps every byte size 0..BypassThreshold to its bin index,
// precomputed once.
var binSizeLUT [BypassThreshold + 1]int8

func init() {
	bin := 0
	for size := 0; size <= BypassThreshold; size++ {
		for bin < len(BinSizes)-1 && uint32(size) > BinSizes[bin] {
			bin++
		}
		binSizeLUT[size] = int8(bin)
	}
}

// binForSize returns the size-class bin index for size, or -1 if size
// exceeds the thread-cache/slab range and must bypass to the buddy
// allocator.
func binForSize(size uint32) int {
	if size == 0 {
		return 0
	}
	if size > BypassThreshold {
		return -1
	}
	return int(binSizeLUT[size])
}

// buddyOrderForSize computes order k = ceil(log2(size/4096)) (spec
// §4.4 step 4). A result above BuddyMaxOrder means the request exceeds
// the largest block the allocator can ever produce; callers must treat
// that as a hard failure rather than clamping, since clamping would
// silently hand back a block smaller than what was asked for.
func buddyOrderForSize(size uint32) int {
	blocks := (uint64(size) + PageSize - 1) / PageSize
	if blocks < 1 {
		blocks = 1
	}
	order := 0
	cap := uint64(1)
	for cap < blocks {
		cap <<= 1
		order++
	}
	return order
}
