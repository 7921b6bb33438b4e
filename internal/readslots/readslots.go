// Package readslots tracks the generations held by live read transactions.
package readslots

import (
	"errors"
	"math"
	"sync/atomic"
)

var ErrTooManyReaders = errors.New("too many concurrent readers (increase max readers)")

// ReaderSlots provides fixed-size slot-based reader tracking for bounded
// concurrency. Each slot stores generation+1 directly (0 = empty slot),
// giving O(1) register/unregister with no allocation and no locks.
type ReaderSlots struct {
	slots       []atomic.Uint64 // Fixed-size array of generation+1
	hint        atomic.Uint32   // Where the next Register starts probing
	activeCount atomic.Int32    // Count of active readers
}

// NewReaderSlots creates a fixed-size slot array for reader tracking
func NewReaderSlots(maxReaders int) *ReaderSlots {
	return &ReaderSlots{
		slots: make([]atomic.Uint64, max(maxReaders, 1)),
	}
}

// Register finds an empty slot and atomically assigns it to the reader.
// Returns the slot index on success, error if all slots are full.
func (rs *ReaderSlots) Register(gen uint64) (int, error) {
	n := len(rs.slots)
	start := int(rs.hint.Add(1)) % n
	for i := 0; i < n; i++ {
		slot := (start + i) % n
		if rs.slots[slot].CompareAndSwap(0, gen+1) {
			rs.activeCount.Add(1)
			return slot, nil
		}
	}
	return -1, ErrTooManyReaders
}

// Unregister atomically clears the slot
func (rs *ReaderSlots) Unregister(slot int) {
	if rs.slots[slot].Swap(0) != 0 {
		rs.activeCount.Add(-1)
	}
}

// Min returns the oldest registered generation, or math.MaxUint64 when no
// reader is registered. A reader registering concurrently may be missed;
// callers re-validate their snapshot after Register to close that window.
func (rs *ReaderSlots) Min() uint64 {
	if rs.activeCount.Load() == 0 {
		return math.MaxUint64 // Fast path: no readers
	}

	oldest := uint64(math.MaxUint64)
	for i := range rs.slots {
		if v := rs.slots[i].Load(); v != 0 && v-1 < oldest {
			oldest = v - 1
		}
	}
	return oldest
}

// Active returns the number of registered readers
func (rs *ReaderSlots) Active() int {
	return int(rs.activeCount.Load())
}
