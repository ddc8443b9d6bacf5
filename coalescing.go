// Package coalescing implements a bounded lock-free buffer that hands the
// latest value per key from one producer goroutine to one consumer goroutine.
package coalescing

import "sync/atomic"

// Original algorithm by Nick Zeeb (LMAX Exchange)
// https://github.com/LMAX-Exchange/CoalescingRingBuffer

// K — key identity used for coalescing; V — actual value stored.
// SPSC: single-producer, single-consumer, bounded, lock-free.

type slot[K comparable, V any] struct {
	key   K                 // coalescing key, written and read only by the producer
	keyed bool              // false for non-collapsible entries and for cleared slots
	val   atomic.Pointer[V] // value payload (controls cross-goroutine visibility)
}
