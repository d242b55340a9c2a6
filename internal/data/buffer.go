package data

import (
	"sync"
	"time"

	"stratequeue/pkg/types"
)

// AppendResult describes what the buffer did with an incoming bar.
type AppendResult int

const (
	Appended AppendResult = iota
	ReplacedTail
	DuplicateDropped
	OutOfOrderRejected
)

// BarBuffer is an ordered, capacity-bounded sequence of bars for one
// (symbol, granularity) series. Single writer (the Manager); many readers.
//
// Mutations build a fresh backing slice, so a slice returned by Snapshot is
// immutable: readers keep a consistent view no matter how many bars arrive
// after the call.
type BarBuffer struct {
	mu       sync.RWMutex
	bars     []types.Bar
	capacity int
	lastSeen time.Time // arrival time of the most recent bar (monotonic clock time)
}

// NewBarBuffer creates a buffer holding at most capacity bars.
func NewBarBuffer(capacity int) *BarBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &BarBuffer{capacity: capacity}
}

// Grow raises the capacity to at least n. Capacity never shrinks: a buffer
// must stay large enough for its largest subscriber's lookback.
func (b *BarBuffer) Grow(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.capacity {
		b.capacity = n
	}
}

// Capacity returns the current capacity.
func (b *BarBuffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// Len returns the number of buffered bars.
func (b *BarBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bars)
}

// Append admits a bar in timestamp order.
//
//   - A bar newer than the tail is appended (evicting the head at capacity).
//   - A bar with the tail's timestamp replaces the tail only if marked
//     Canonical (the provider's final close for that period); otherwise it
//     is dropped as a duplicate.
//   - A bar older than the tail is rejected.
//
// Timestamps are strictly increasing within the buffer; violations of that
// invariant indicate a Manager bug and crash the process.
func (b *BarBuffer) Append(bar types.Bar, arrivedAt time.Time) AppendResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.bars)
	if n > 0 {
		tail := b.bars[n-1].TS
		switch {
		case bar.TS.Before(tail):
			return OutOfOrderRejected
		case bar.TS.Equal(tail):
			if !bar.Canonical {
				return DuplicateDropped
			}
			next := make([]types.Bar, n)
			copy(next, b.bars)
			next[n-1] = bar
			b.bars = next
			b.lastSeen = arrivedAt
			return ReplacedTail
		}
	}

	start := 0
	if n+1 > b.capacity {
		start = n + 1 - b.capacity
	}
	next := make([]types.Bar, 0, n+1-start)
	next = append(next, b.bars[start:]...)
	next = append(next, bar)

	for i := 1; i < len(next); i++ {
		if !next[i].TS.After(next[i-1].TS) {
			types.Invariantf("bar buffer %s: non-increasing timestamps %s -> %s",
				bar.Symbol, next[i-1].TS, next[i].TS)
		}
	}

	b.bars = next
	b.lastSeen = arrivedAt
	return Appended
}

// Seed replaces the buffer contents with historical bars (oldest first),
// keeping at most capacity. Used once on first subscription; realtime bars
// already buffered stay if they are newer than the history.
func (b *BarBuffer) Seed(history []types.Bar, arrivedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := mergeBars(history, b.bars)
	if len(merged) > b.capacity {
		merged = merged[len(merged)-b.capacity:]
	}
	b.bars = merged
	if len(merged) > 0 {
		b.lastSeen = arrivedAt
	}
}

// Snapshot returns the most recent lookback bars, oldest first, or
// ErrNotReady if fewer are buffered. The returned slice is immutable.
func (b *BarBuffer) Snapshot(lookback int) ([]types.Bar, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bars) < lookback {
		return nil, types.ErrNotReady
	}
	return b.bars[len(b.bars)-lookback:], nil
}

// TailTS returns the timestamp of the newest bar, or the zero time if empty.
func (b *BarBuffer) TailTS() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bars) == 0 {
		return time.Time{}
	}
	return b.bars[len(b.bars)-1].TS
}

// LastSeen returns the arrival time of the most recent bar. The Manager
// compares it against 3x the expected interval for staleness.
func (b *BarBuffer) LastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeen
}

// mergeBars merges two ascending bar slices by timestamp, preferring bars
// from b on timestamp collisions (realtime over backfill).
func mergeBars(a, b []types.Bar) []types.Bar {
	out := make([]types.Bar, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].TS.Before(b[j].TS):
			out = append(out, a[i])
			i++
		case b[j].TS.Before(a[i].TS):
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
