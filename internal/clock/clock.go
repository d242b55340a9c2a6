// Package clock provides the process-wide time source and the per-strategy
// tick scheduler.
//
// A single Clock is injected into every component that reads time. The Real
// clock wraps the system clock; the Fake clock is stepped manually by tests,
// which makes the whole runtime deterministic: ticks, staleness checks, and
// timeouts all fire exactly when a test advances time.
package clock

import (
	"sync"
	"time"
)

// Clock is the injected time source.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers the current time once d has
	// elapsed. Equivalent to time.After for the Real clock.
	After(d time.Duration) <-chan time.Time
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually-stepped clock for tests. Advance moves time forward and
// fires every waiter whose deadline has passed, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the fake clock forward by d and delivers to every expired
// waiter.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var remaining []fakeWaiter
	var fired []fakeWaiter
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}

// WaiterCount returns how many timers are pending. Tests use this to
// synchronize before advancing.
func (f *Fake) WaiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
