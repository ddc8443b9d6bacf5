package coalescing

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Buffer is a bounded queue connecting exactly one producer goroutine to
// exactly one consumer goroutine. Entries that share a key are coalesced:
// a newer value replaces the still-unconsumed value for the same key in
// place instead of taking a new slot, so the consumer always sees the most
// recent value per key while distinct keys keep their arrival order.
//
// The data path is lock-free. Each cursor has exactly one writer goroutine
// and is read by the other side through atomic loads, so a goroutine that
// observes an advanced cursor also observes every slot write that preceded
// it. A mutex exists only to let an idle consumer sleep in blocking mode;
// it never guards the slots or the cursors.
type Buffer[K comparable, V any] struct {
	// Optional padding to avoid false sharing between frequently accessed fields
	_        [64]byte
	mask     uint64
	capacity uint64
	slots    []slot[K, V]
	_        [64]byte
	nextWrite   atomic.Uint64 // logical write frontier, updated by the producer
	lastCleaned uint64        // newest position cleared, producer only
	rejections  atomic.Uint64 // failed Offer calls due to a full buffer
	_           [64]byte
	firstWrite atomic.Uint64 // claim frontier, updated by the consumer
	lastRead   atomic.Uint64 // newest position fully handed off by the consumer
	_          [64]byte

	blocking bool
	mu       sync.Mutex
	ready    *sync.Cond // idle-wait signaling for blocking Poll only
}

// Stats is a point-in-time snapshot of the buffer counters.
type Stats struct {
	Size       int
	Capacity   int
	Rejections uint64
}

// New creates a bounded coalescing buffer. Capacity is rounded up to the
// next power of two and must be positive. If blocking is true, Poll suspends
// the consumer goroutine while the buffer is empty; the batch forms never
// block regardless.
func New[K comparable, V any](capacity int, blocking bool) *Buffer[K, V] {
	if capacity < 1 {
		panic("capacity must be > 0")
	}

	c := nextPowerOfTwo(uint64(capacity))

	b := &Buffer[K, V]{
		mask:     c - 1,
		capacity: c,
		slots:    make([]slot[K, V], c),
		blocking: blocking,
	}
	b.ready = sync.NewCond(&b.mu)

	// position 0 is never written, so lastRead == 0 is unambiguously
	// "nothing consumed yet"
	b.nextWrite.Store(1)
	b.firstWrite.Store(1)

	return b
}

func nextPowerOfTwo(v uint64) uint64 {
	return 1 << bits.Len64(v-1)
}

// Offer publishes value under key. If an unconsumed entry for the same key
// is still pending, its value is replaced in place and no new slot is taken;
// otherwise the entry is appended. Returns false if the buffer is full.
// Must be called from a single producer goroutine.
func (b *Buffer[K, V]) Offer(key K, value V) bool {
	nextWrite := b.nextWrite.Load()

	for pos := b.firstWrite.Load(); pos < nextWrite; pos++ {
		s := &b.slots[pos&b.mask]
		if s.keyed && s.key == key {
			s.val.Store(&value)
			if pos >= b.firstWrite.Load() {
				// the consumer has not claimed past our update point
				return true
			}
			// The consumer claimed this slot during the scan and may
			// already be delivering the old value. Append instead of
			// rewriting a slot that is leaving our window.
			break
		}
	}

	return b.add(key, true, value)
}

// OfferValue publishes value without a key. Such entries are never
// coalesced: every accepted call retains its own slot.
func (b *Buffer[K, V]) OfferValue(value V) bool {
	var noKey K
	return b.add(noKey, false, value)
}

func (b *Buffer[K, V]) add(key K, keyed bool, value V) bool {
	if b.IsFull() {
		b.rejections.Add(1)
		return false
	}

	b.cleanUp()
	b.store(key, keyed, value)
	return true
}

// cleanUp clears slots the consumer has fully handed off, dropping the
// key and value references. lastCleaned trails lastRead, never the other
// way around, so an unread slot is never touched.
func (b *Buffer[K, V]) cleanUp() {
	lastRead := b.lastRead.Load()

	for b.lastCleaned < lastRead {
		b.lastCleaned++
		s := &b.slots[b.lastCleaned&b.mask]

		var noKey K
		s.key = noKey
		s.keyed = false
		s.val.Store(nil)
	}
}

func (b *Buffer[K, V]) store(key K, keyed bool, value V) {
	nextWrite := b.nextWrite.Load()
	s := &b.slots[nextWrite&b.mask]

	s.key = key
	s.keyed = keyed
	s.val.Store(&value)

	// publish the slot: a consumer that observes the advanced frontier
	// also observes the key and value written above
	b.nextWrite.Store(nextWrite + 1)

	if b.blocking {
		b.mu.Lock()
		b.ready.Signal()
		b.mu.Unlock()
	}
}

// Poll claims and returns at most one value. On an empty buffer it returns
// (zero, false) immediately, unless the buffer was constructed blocking, in
// which case the caller is suspended until the producer stores an item.
// Must be called from a single consumer goroutine.
func (b *Buffer[K, V]) Poll() (V, bool) {
	for {
		claimUpTo := min(b.firstWrite.Load()+1, b.nextWrite.Load())

		// shrink the producer's coalescing window before touching the
		// value, so the producer can never coalesce into the claimed slot
		b.firstWrite.Store(claimUpTo)

		readIndex := b.lastRead.Load() + 1
		if readIndex < claimUpTo {
			v := *b.slots[readIndex&b.mask].val.Load()
			b.lastRead.Store(claimUpTo - 1)
			return v, true
		}

		if !b.blocking {
			var zero V
			return zero, false
		}

		// re-check emptiness under the mutex: a store that landed after
		// the claim above has already signaled or will find us waiting
		b.mu.Lock()
		for b.IsEmpty() {
			b.ready.Wait()
		}
		b.mu.Unlock()
	}
}

// PollAll appends every currently published value to bucket, oldest first,
// and returns how many were appended. Never blocks.
func (b *Buffer[K, V]) PollAll(bucket *[]V) int {
	return b.fill(bucket, b.nextWrite.Load())
}

// PollN appends at most maxItems values to bucket, oldest first, and
// returns how many were appended. Never blocks.
func (b *Buffer[K, V]) PollN(bucket *[]V, maxItems int) int {
	if maxItems <= 0 {
		return 0
	}

	claimUpTo := min(b.firstWrite.Load()+uint64(maxItems), b.nextWrite.Load())
	return b.fill(bucket, claimUpTo)
}

func (b *Buffer[K, V]) fill(bucket *[]V, claimUpTo uint64) int {
	b.firstWrite.Store(claimUpTo)

	lastRead := b.lastRead.Load()
	for readIndex := lastRead + 1; readIndex < claimUpTo; readIndex++ {
		*bucket = append(*bucket, *b.slots[readIndex&b.mask].val.Load())
	}

	b.lastRead.Store(claimUpTo - 1)
	return int(claimUpTo - lastRead - 1)
}

// Size returns the number of live, unconsumed entries. Like the other
// introspection calls it is a racy snapshot: a concurrent Offer or Poll
// may make it stale immediately.
func (b *Buffer[K, V]) Size() int {
	return int(b.nextWrite.Load() - b.lastRead.Load() - 1)
}

// Capacity returns the fixed buffer capacity.
func (b *Buffer[K, V]) Capacity() int {
	return int(b.capacity)
}

// IsEmpty reports whether no published entry is awaiting the consumer.
func (b *Buffer[K, V]) IsEmpty() bool {
	return b.firstWrite.Load() == b.nextWrite.Load()
}

// IsFull reports whether the next unkeyed Offer would be rejected.
func (b *Buffer[K, V]) IsFull() bool {
	return b.Size() == int(b.capacity)
}

// Rejections returns how many Offer calls have failed because the buffer
// was full.
func (b *Buffer[K, V]) Rejections() uint64 {
	return b.rejections.Load()
}

// Stats retrieves the current statistics of the buffer.
func (b *Buffer[K, V]) Stats() Stats {
	return Stats{
		Size:       b.Size(),
		Capacity:   b.Capacity(),
		Rejections: b.Rejections(),
	}
}
