// Package fusionring is the lock-free inter-thread transport ring: a
// fixed 4096-slot circular buffer with three send modes (inline,
// zero-copy, batch) and a single receive operation, built on a
// sequence-number generation protocol rather than a lock. Grounded on
// the reference kernel's virtqueue.go — the VirtIO-style fixed
// QueueSize, power-of-two validation, and descriptor/address-length
// shape — adapted from VirtIO's two-ring (avail+used) protocol to a
// single ring where one atomic sequence number per slot carries both
// "producer has written" and "consumer has read" state, in the style
// of a single-producer/single-consumer disruptor ring.
package fusionring

import (
	"encoding/binary"
	"sync/atomic"

	"exo/bitfield"
	"exo/kerrors"
	"exo/shmem"
)

const (
	// Size is the fixed slot count of every ring.
	Size = 4096
	// InlineCapacity is the maximum payload length send_inline (and an
	// individual batch entry) accepts before it must go zero-copy.
	InlineCapacity = 56
	// DefaultBatchSize bounds how many requests send_batch will move
	// in a single pass.
	DefaultBatchSize = 32
)

// slot is a cache-line-sized cell. Go's struct alignment rounds this
// up past a literal 64 bytes once the sequence counter and header
// byte are accounted for; the invariants that matter are the
// InlineCapacity-byte payload window and the sequence-number
// generation protocol, both preserved exactly.
type slot struct {
	sequence atomic.Uint64
	header   byte
	_        [7]byte
	payload  [InlineCapacity]byte
}

// paddedCounter keeps an atomic index on its own cache line so
// producer and consumer advancing head/tail never false-share.
type paddedCounter struct {
	v atomic.Uint64
	_ [56]byte
}

// Ring is a fixed-capacity circular buffer shared by one or more
// producers and one consumer.
type Ring struct {
	slots [Size]slot
	pages [Size]*shmem.SharedPage

	head paddedCounter
	tail paddedCounter

	batchSize int
	pool      *shmem.Pool
	ownerID   uint32
}

// New builds an empty Ring. pool supplies pages for send_zerocopy and
// any oversized batch entries; ownerID tags descriptors written by
// this ring's producers.
func New(pool *shmem.Pool, ownerID uint32) *Ring {
	r := &Ring{pool: pool, ownerID: ownerID, batchSize: DefaultBatchSize}
	for i := range r.slots {
		r.slots[i].sequence.Store(uint64(i))
	}
	return r
}

// MessageType re-exports bitfield.MessageType so callers need not
// import bitfield directly to inspect a received Message.
type MessageType = bitfield.MessageType

const (
	MessageInline  = bitfield.MessageInline
	MessageShared  = bitfield.MessageShared
	MessageBatch   = bitfield.MessageBatch
	MessageControl = bitfield.MessageControl
)

// SharedDescriptor is the wire-visible record a zero-copy send writes
// into a slot's payload in place of raw bytes: physical address, byte
// length, owning ring, and the page's flags.
type SharedDescriptor struct {
	PhysAddr uintptr
	Size     uint32
	OwnerID  uint32
	Flags    byte
}

func encodeDescriptor(d SharedDescriptor, out []byte) {
	binary.LittleEndian.PutUint64(out[0:8], uint64(d.PhysAddr))
	binary.LittleEndian.PutUint32(out[8:12], d.Size)
	binary.LittleEndian.PutUint32(out[12:16], d.OwnerID)
	out[16] = d.Flags
}

func decodeDescriptor(in []byte) SharedDescriptor {
	return SharedDescriptor{
		PhysAddr: uintptr(binary.LittleEndian.Uint64(in[0:8])),
		Size:     binary.LittleEndian.Uint32(in[8:12]),
		OwnerID:  binary.LittleEndian.Uint32(in[12:16]),
		Flags:    in[16],
	}
}

// Message is what recv() hands back to the caller.
type Message struct {
	Type MessageType
	// Inline holds the slot's whole InlineCapacity-byte payload window
	// when Type == MessageInline: the sent bytes followed by zero
	// padding. The sent length is not carried in the slot.
	Inline []byte
	// Shared holds the retained page when Type == MessageShared; the
	// caller must call shmem.Release(Shared) exactly once when done.
	Shared *shmem.SharedPage
	// Desc is the descriptor a zero-copy message carried.
	Desc SharedDescriptor
}

func packHeader(t MessageType) byte {
	b, err := bitfield.PackSlotHeader(bitfield.SlotHeader{Type: t, Writable: true})
	if err != nil {
		// Only unreachable if SlotHeader's own tag widths stop summing
		// to 8 bits; a packing failure here would be a programming
		// error, not a runtime condition callers can act on.
		panic("fusionring: slot header packing invariant violated: " + err.Error())
	}
	return b
}

// reserveTail claims the next tail index for a producer, returning
// kerrors.ErrRingFull if the ring is full and retrying the CAS on
// contention from another producer (the multi-producer path;
// uncontended single-producer use never loops more than once).
func (r *Ring) reserveTail() (uint64, error) {
	for {
		t := r.tail.v.Load()
		h := r.head.v.Load()
		if t-h >= Size {
			return 0, kerrors.ErrRingFull
		}
		if r.tail.v.CompareAndSwap(t, t+1) {
			return t, nil
		}
	}
}

// waitSlotFree spins until the slot at t's array position is free for
// a producer reserving index t (sequence caught up to t), the
// protocol a waiting multi-producer must follow once its reservation
// has landed.
func (r *Ring) waitSlotFree(t uint64) *slot {
	s := &r.slots[t%Size]
	for s.sequence.Load() != t {
		// A genuine spin: another producer's earlier lap on this same
		// slot index hasn't been consumed yet. Normal operation never
		// observes more than a few iterations here since reserveTail
		// already checked capacity.
	}
	return s
}

// SendInline publishes data as an inline message.
func (r *Ring) SendInline(data []byte) error {
	if len(data) > InlineCapacity {
		return kerrors.ErrTooLarge
	}
	t, err := r.reserveTail()
	if err != nil {
		return err
	}
	s := r.waitSlotFree(t)
	s.header = packHeader(MessageInline)
	n := copy(s.payload[:], data)
	for i := n; i < InlineCapacity; i++ {
		s.payload[i] = 0
	}
	s.sequence.Store(t + 1) // release
	return nil
}

// SendZeroCopy copies data once into a freshly acquired shared page
// and publishes a SharedDescriptor pointing at it. The receiver owns
// the page's reference until it calls shmem.Release.
func (r *Ring) SendZeroCopy(data []byte) error {
	page, err := r.pool.AllocatePage(uint32(len(data)))
	if err != nil {
		return err
	}
	t, err := r.reserveTail()
	if err != nil {
		shmem.Release(page)
		return err
	}
	s := r.waitSlotFree(t)
	s.header = packHeader(MessageShared)
	desc := SharedDescriptor{PhysAddr: page.PhysAddr(), Size: uint32(len(data)), OwnerID: r.ownerID, Flags: byte(page.Flags())}
	encodeDescriptor(desc, s.payload[:17])
	r.pages[t%Size] = page
	s.sequence.Store(t + 1) // release
	return nil
}

// SendBatch sends the first min(len(msgs), batch size) messages of
// msgs; any messages past the batch size are not sent. One CAS on tail
// reserves the whole range before the slots are written; each slot is
// then published by its own sequence store, not by a single fence for
// the batch. If that CAS loses to another producer, each message is
// reserved and sent separately instead. Messages that fit inline are
// copied directly, and any message over InlineCapacity bytes takes
// the zero-copy path within the same pass.
func (r *Ring) SendBatch(msgs [][]byte) error {
	need := len(msgs)
	if need > r.batchSize {
		need = r.batchSize
	}
	h := r.head.v.Load()
	t := r.tail.v.Load()
	if Size-(t-h) < uint64(need) {
		return kerrors.ErrRingFull
	}
	if !r.tail.v.CompareAndSwap(t, t+uint64(need)) {
		// Contended path: fall back to one reservation per message so
		// concurrent batches never corrupt each other's range.
		for i := 0; i < need; i++ {
			if err := r.sendBatchEntry(msgs[i]); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < need; i++ {
		idx := t + uint64(i)
		s := r.waitSlotFree(idx)
		if err := r.fillBatchSlot(s, idx, msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Ring) sendBatchEntry(data []byte) error {
	if len(data) <= InlineCapacity {
		return r.SendInline(data)
	}
	return r.SendZeroCopy(data)
}

func (r *Ring) fillBatchSlot(s *slot, idx uint64, data []byte) error {
	if len(data) <= InlineCapacity {
		s.header = packHeader(MessageInline)
		n := copy(s.payload[:], data)
		for i := n; i < InlineCapacity; i++ {
			s.payload[i] = 0
		}
		s.sequence.Store(idx + 1)
		return nil
	}
	page, err := r.pool.AllocatePage(uint32(len(data)))
	if err != nil {
		return err
	}
	s.header = packHeader(MessageShared)
	desc := SharedDescriptor{PhysAddr: page.PhysAddr(), Size: uint32(len(data)), OwnerID: r.ownerID, Flags: byte(page.Flags())}
	encodeDescriptor(desc, s.payload[:17])
	r.pages[idx%Size] = page
	s.sequence.Store(idx + 1)
	return nil
}

// Recv reads the next ready slot, if any. Returns kerrors.ErrRingEmpty
// when the consumer has caught up to the producer.
func (r *Ring) Recv() (Message, error) {
	h := r.head.v.Load()
	s := &r.slots[h%Size]
	if s.sequence.Load() != h+1 { // acquire
		return Message{}, kerrors.ErrRingEmpty
	}

	hdr := bitfield.UnpackSlotHeader(s.header)
	msg := Message{Type: hdr.Type}
	switch hdr.Type {
	case MessageShared:
		msg.Desc = decodeDescriptor(s.payload[:17])
		msg.Shared = r.pages[h%Size]
		r.pages[h%Size] = nil
	default:
		msg.Inline = append([]byte(nil), s.payload[:]...)
	}

	s.sequence.Store(h + Size)
	r.head.v.Store(h + 1)
	return msg, nil
}

// Len reports the number of messages currently published but not yet
// received (diagnostics/tests).
func (r *Ring) Len() uint64 {
	return r.tail.v.Load() - r.head.v.Load()
}
