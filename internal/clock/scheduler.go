package clock

import (
	"context"
	"time"

	"stratequeue/pkg/types"
)

// DefaultSettleDelay is how long after a bar boundary the scheduler waits
// before ticking, giving the provider time to deliver the closing bar.
const DefaultSettleDelay = 2 * time.Second

// Scheduler emits per-strategy ticks aligned to wall-clock bar boundaries
// plus a settle delay. Ticks for one strategy are totally ordered and never
// emitted concurrently with themselves: the next tick is not scheduled until
// the previous one has been sent (or dropped).
type Scheduler struct {
	clk    Clock
	settle time.Duration
}

// NewScheduler creates a scheduler on the given clock. A non-positive settle
// falls back to DefaultSettleDelay.
func NewScheduler(clk Clock, settle time.Duration) *Scheduler {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Scheduler{clk: clk, settle: settle}
}

// Ticks returns a channel that receives one tick per bar boundary of the
// given granularity until ctx is cancelled. A tick that arrives while the
// consumer is still busy with the previous one is dropped (buffer of 1);
// the runner counts drops itself.
func (s *Scheduler) Ticks(ctx context.Context, g types.Granularity) <-chan time.Time {
	out := make(chan time.Time, 1)
	period := g.Duration()

	go func() {
		defer close(out)
		for {
			now := s.clk.Now()
			next := nextBoundary(now, period).Add(s.settle)

			select {
			case <-ctx.Done():
				return
			case t := <-s.clk.After(next.Sub(now)):
				select {
				case out <- t:
				default:
					// consumer still busy, drop
				}
			}
		}
	}()

	return out
}

// nextBoundary returns the first bar boundary strictly after now.
// Boundaries are aligned to UTC wall-clock multiples of the period.
func nextBoundary(now time.Time, period time.Duration) time.Time {
	t := now.UTC().Truncate(period)
	if !t.After(now) {
		t = t.Add(period)
	}
	return t
}
