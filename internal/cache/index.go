// Package cache provides the ordered, bounded, pinnable frame caches shared
// by the dispatcher, reconstructor, de-duplicator and recorder. One generic
// implementation backs the raw frame cache, the render cache and the rect
// cache.
package cache

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Index is an ordered map keyed by monotonic frame index. Writes are expected
// in ascending key order (out-of-order inserts are tolerated but rare).
// Reads are snapshot-safe. Keys with a positive pin count are never evicted.
//
// The index does not evict on its own: Put reports when the size crossed the
// high watermark and the owner schedules Sweep on a background goroutine, so
// the writing stage is never blocked by eviction.
type Index[T any] struct {
	mu      sync.RWMutex
	entries map[int64]T
	keys    []int64 // ascending; may contain stale keys until the next sweep
	pins    map[int64]int
	last    int64
	max     int

	sweeping atomic.Bool
	evicted  atomic.Int64
}

// NewIndex returns an index that reports overflow above max entries and
// sweeps down to max/2.
func NewIndex[T any](max int) *Index[T] {
	if max < 2 {
		max = 2
	}
	return &Index[T]{
		entries: make(map[int64]T),
		pins:    make(map[int64]int),
		max:     max,
	}
}

// Put stores v under k and reports whether the index now exceeds its high
// watermark, in which case the caller should schedule a Sweep.
func (x *Index[T]) Put(k int64, v T) (overflow bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.entries[k]; !exists {
		if k > x.last {
			x.keys = append(x.keys, k)
		} else {
			i := sort.Search(len(x.keys), func(i int) bool { return x.keys[i] >= k })
			x.keys = append(x.keys, 0)
			copy(x.keys[i+1:], x.keys[i:])
			x.keys[i] = k
		}
	}
	if k > x.last {
		x.last = k
	}
	x.entries[k] = v
	return len(x.entries) > x.max
}

// Sweep evicts the oldest unpinned entries until the size is at or below half
// the watermark. Concurrent sweeps coalesce into one. Returns the number of
// entries evicted.
func (x *Index[T]) Sweep() int {
	if !x.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer x.sweeping.Store(false)

	x.mu.Lock()
	defer x.mu.Unlock()

	target := x.max / 2
	removed := 0
	live := x.keys[:0:0] // fresh backing array, old one may be aliased by readers
	for _, k := range x.keys {
		if _, ok := x.entries[k]; !ok {
			continue // stale key from EvictRange
		}
		if len(x.entries) > target && x.pins[k] == 0 {
			delete(x.entries, k)
			removed++
			continue
		}
		live = append(live, k)
	}
	x.keys = live
	x.evicted.Add(int64(removed))
	return removed
}

// Get returns the entry stored under k.
func (x *Index[T]) Get(k int64) (T, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.entries[k]
	return v, ok
}

// NearestBefore returns the entry with the greatest key ≤ k, along with that
// key. Used by the recorder to fill gaps from the nearest prior frame.
func (x *Index[T]) NearestBefore(k int64) (T, int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	i := sort.Search(len(x.keys), func(i int) bool { return x.keys[i] > k })
	for i--; i >= 0; i-- {
		if v, ok := x.entries[x.keys[i]]; ok {
			return v, x.keys[i], true
		}
	}
	var zero T
	return zero, 0, false
}

// Pin increments the pin count for every key in [from, to]. Keys that are not
// present yet may be pinned ahead of their Put.
func (x *Index[T]) Pin(from, to int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for k := from; k <= to; k++ {
		x.pins[k]++
	}
}

// Unpin reverses a Pin over the same range.
func (x *Index[T]) Unpin(from, to int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for k := from; k <= to; k++ {
		if n := x.pins[k]; n > 1 {
			x.pins[k] = n - 1
		} else {
			delete(x.pins, k)
		}
	}
}

// Pinned returns the pin count for k.
func (x *Index[T]) Pinned(k int64) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.pins[k]
}

// EvictRange removes the entries in [from, to] regardless of age, skipping
// pinned keys. The recorder uses it to release render/rect entries after a
// clip is flushed.
func (x *Index[T]) EvictRange(from, to int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for k := from; k <= to; k++ {
		if x.pins[k] > 0 {
			continue
		}
		if _, ok := x.entries[k]; ok {
			delete(x.entries, k)
			x.evicted.Add(1)
		}
	}
}

// Len returns the number of live entries.
func (x *Index[T]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Latest returns the highest key ever put, or 0 when empty.
func (x *Index[T]) Latest() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.last
}

// Evicted returns the total number of entries evicted so far.
func (x *Index[T]) Evicted() int64 {
	return x.evicted.Load()
}
