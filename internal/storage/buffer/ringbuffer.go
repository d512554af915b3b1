// Package buffer holds ticks between the feed and the live buffer store.
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickvault/internal/storage/types"
)

// RingBuffer is a thread-safe circular buffer for ticks.
//
// Ticks leave the buffer only after they were written (Peek then Discard),
// so a failed flush never loses data until the capacity is exhausted.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Tick
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount      atomic.Int64
	discardCount   atomic.Int64
	overwriteCount atomic.Int64
	truncateCount  atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]types.Tick, capacity),
		capacity: int64(capacity),
	}
}

// Push appends ticks, overwriting the oldest when at capacity.
// Returns the number of ticks that were overwritten.
func (rb *RingBuffer) Push(ticks ...types.Tick) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	overwritten := 0
	for _, t := range ticks {
		if rb.count >= rb.capacity {
			rb.data[rb.tail%rb.capacity] = types.Tick{}
			rb.tail++
			rb.count--
			overwritten++
		}

		rb.data[rb.head%rb.capacity] = t
		rb.head++
		rb.count++
	}

	rb.pushCount.Add(int64(len(ticks)))
	rb.overwriteCount.Add(int64(overwritten))
	return overwritten
}

// Peek returns copies of up to n oldest ticks without removing them.
// n <= 0 returns every buffered tick.
func (rb *RingBuffer) Peek(n int) []types.Tick {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return nil
	}

	count := int64(n)
	if n <= 0 || count > rb.count {
		count = rb.count
	}

	result := make([]types.Tick, count)
	for i := int64(0); i < count; i++ {
		result[i] = rb.data[(rb.tail+i)%rb.capacity]
	}
	return result
}

// Discard removes up to n oldest ticks. Returns the number removed.
func (rb *RingBuffer) Discard(n int) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	removed := rb.dropOldest(int64(n))
	rb.discardCount.Add(removed)
	return int(removed)
}

// TruncateTo keeps only the most recent keep ticks.
// Returns the number of ticks dropped.
func (rb *RingBuffer) TruncateTo(keep int) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	dropped := rb.dropOldest(rb.count - int64(keep))
	rb.truncateCount.Add(dropped)
	return int(dropped)
}

// dropOldest must be called with mu held.
func (rb *RingBuffer) dropOldest(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n > rb.count {
		n = rb.count
	}
	for i := int64(0); i < n; i++ {
		rb.data[(rb.tail+i)%rb.capacity] = types.Tick{} // Clear for GC
	}
	rb.tail += n
	rb.count -= n
	return n
}

// Len returns the current number of ticks in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// IsEmpty returns true if the buffer is empty.
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Len() == 0
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (rb *RingBuffer) UsageRatio() float64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return float64(rb.count) / float64(rb.capacity)
}

// TimeRange returns the timestamps of the oldest and newest buffered tick.
// Both are zero if the buffer is empty.
func (rb *RingBuffer) TimeRange() (oldest, newest time.Time) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return time.Time{}, time.Time{}
	}
	return rb.data[rb.tail%rb.capacity].Timestamp, rb.data[(rb.head-1)%rb.capacity].Timestamp
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return BufferStats{
		Capacity:       int(rb.capacity),
		Count:          int(rb.count),
		UsageRatio:     float64(rb.count) / float64(rb.capacity),
		PushCount:      rb.pushCount.Load(),
		DiscardCount:   rb.discardCount.Load(),
		OverwriteCount: rb.overwriteCount.Load(),
		TruncateCount:  rb.truncateCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity       int
	Count          int
	UsageRatio     float64
	PushCount      int64
	DiscardCount   int64 // Written and removed
	OverwriteCount int64 // Lost to capacity
	TruncateCount  int64 // Lost to failed flushes
}

// Lost returns the number of ticks that left the buffer without being written.
func (s BufferStats) Lost() int64 {
	return s.OverwriteCount + s.TruncateCount
}
