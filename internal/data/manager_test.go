package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"stratequeue/internal/clock"
	"stratequeue/pkg/types"
)

// stubProvider is a scriptable in-memory provider for manager tests.
type stubProvider struct {
	mu          sync.Mutex
	name        string
	history     map[string][]types.Bar // keyed by symbol
	historyErr  error
	fetchCalls  int
	subscribed  map[string]int // symbol -> live subscription count
	unsubCalls  int

	barCh chan StreamBar
	errCh chan StreamError
}

func newStubProvider(name string) *stubProvider {
	return &stubProvider{
		name:       name,
		history:    make(map[string][]types.Bar),
		subscribed: make(map[string]int),
		barCh:      make(chan StreamBar, 64),
		errCh:      make(chan StreamError, 8),
	}
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) FetchHistory(_ context.Context, symbol string, _ types.Granularity, limit int) ([]types.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	bars := p.history[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (p *stubProvider) Subscribe(symbol string, _ types.Granularity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[symbol]++
	return nil
}

func (p *stubProvider) Unsubscribe(symbol string, _ types.Granularity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[symbol]--
	p.unsubCalls++
	return nil
}

func (p *stubProvider) Bars() <-chan StreamBar     { return p.barCh }
func (p *stubProvider) Errors() <-chan StreamError { return p.errCh }

func (p *stubProvider) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *stubProvider) push(bar types.Bar, g types.Granularity) {
	p.barCh <- StreamBar{Bar: bar, Granularity: g}
}

func (p *stubProvider) fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

var testStart = time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, p Provider) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager([]Provider{p}, clk, logger)
	m.Start()
	t.Cleanup(m.Stop)
	return m, clk
}

func seedHistory(p *stubProvider, symbol string, n int) {
	bars := make([]types.Bar, 0, n)
	for i := n; i >= 1; i-- {
		ts := testStart.Add(-time.Duration(i) * time.Minute)
		bars = append(bars, testBar(symbol, ts, float64(100+n-i)))
	}
	p.history[symbol] = bars
}

// waitFor polls cond with a real-time deadline; the fake clock drives the
// manager's logic, real time only bounds the test.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestManagerSubscribeSeedsFromHistory(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	seedHistory(p, "AAPL", 20)
	m, _ := newTestManager(t, p)

	h, err := m.Subscribe(context.Background(), "stub", "AAPL", types.Gran1m, 10)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Close()

	bars, err := h.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(bars) != 10 {
		t.Fatalf("snapshot len = %d, want 10", len(bars))
	}
	if !h.Ready() {
		t.Fatal("handle not ready after seeding")
	}
}

func TestManagerSharedSeriesRefcounts(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	seedHistory(p, "AAPL", 30)
	m, _ := newTestManager(t, p)

	h1, err := m.Subscribe(context.Background(), "stub", "AAPL", types.Gran1m, 10)
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	h2, err := m.Subscribe(context.Background(), "stub", "AAPL", types.Gran1m, 25)
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	// one seed fetch, one provider subscription for both handles
	if got := p.fetches(); got != 1 {
		t.Fatalf("history fetches = %d, want 1", got)
	}
	p.mu.Lock()
	subs := p.subscribed["AAPL"]
	p.mu.Unlock()
	if subs != 1 {
		t.Fatalf("provider subscriptions = %d, want 1", subs)
	}

	// capacity grew to the larger lookback
	bars, err := h2.Snapshot()
	if err != nil {
		t.Fatalf("snapshot(25): %v", err)
	}
	if len(bars) != 25 {
		t.Fatalf("snapshot len = %d, want 25", len(bars))
	}

	h1.Close()
	p.mu.Lock()
	stillSubbed := p.subscribed["AAPL"]
	p.mu.Unlock()
	if stillSubbed != 1 {
		t.Fatal("feed released while a handle remains")
	}

	h2.Close()
	p.mu.Lock()
	released := p.subscribed["AAPL"]
	p.mu.Unlock()
	if released != 0 {
		t.Fatal("feed not released after last handle closed")
	}
}

func TestManagerRealtimeBarAppends(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	seedHistory(p, "AAPL", 10)
	m, _ := newTestManager(t, p)

	h, err := m.Subscribe(context.Background(), "stub", "AAPL", types.Gran1m, 5)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Close()

	p.push(testBar("AAPL", testStart, 200), types.Gran1m)

	waitFor(t, func() bool {
		bars, err := h.Snapshot()
		return err == nil && bars[len(bars)-1].TS.Equal(testStart)
	})
}

func TestManagerGapBackfill(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	seedHistory(p, "AAPL", 10)
	m, _ := newTestManager(t, p)

	h, err := m.Subscribe(context.Background(), "stub", "AAPL", types.Gran1m, 10)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Close()

	// extend stub history across the gap, then deliver a bar 4 periods past
	// the tail: the manager must backfill the 3 missing bars first
	full := make([]types.Bar, 0, 14)
	for i := 10; i >= -3; i-- {
		ts := testStart.Add(-time.Duration(i) * time.Minute)
		full = append(full, testBar("AAPL", ts, float64(300-i)))
	}
	p.mu.Lock()
	p.history["AAPL"] = full
	p.mu.Unlock()

	gapBar := testBar("AAPL", testStart.Add(4*time.Minute), 400)
	p.push(gapBar, types.Gran1m)

	waitFor(t, func() bool {
		bars, err := h.Snapshot()
		if err != nil {
			return false
		}
		return bars[len(bars)-1].TS.Equal(gapBar.TS)
	})

	bars, err := h.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].TS.Sub(bars[i-1].TS) != time.Minute {
			t.Fatalf("gap left in window: %s -> %s", bars[i-1].TS, bars[i].TS)
		}
	}
}

func TestManagerStaleDetection(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	seedHistory(p, "AAPL", 10)
	m, clk := newTestManager(t, p)

	h, err := m.Subscribe(context.Background(), "stub", "AAPL", types.Gran1m, 5)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Close()

	if h.Stale() {
		t.Fatal("freshly seeded series reported stale")
	}

	// within 3 intervals: still fresh
	clk.Advance(2 * time.Minute)
	if h.Stale() {
		t.Fatal("series stale before 3 intervals elapsed")
	}

	clk.Advance(2 * time.Minute)
	if !h.Stale() {
		t.Fatal("series not stale after 4 intervals without a bar")
	}

	// a new bar resets staleness
	p.push(testBar("AAPL", testStart.Add(time.Minute), 150), types.Gran1m)
	waitFor(t, func() bool { return !h.Stale() })
}

func TestManagerFatalSymbolError(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	seedHistory(p, "BADSYM", 10)
	m, _ := newTestManager(t, p)

	h, err := m.Subscribe(context.Background(), "stub", "BADSYM", types.Gran1m, 5)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer h.Close()

	p.errCh <- StreamError{
		Symbol: "BADSYM",
		Err:    fmt.Errorf("symbol not found"),
		Fatal:  true,
	}

	waitFor(t, func() bool {
		_, err := h.Snapshot()
		return errors.Is(err, types.ErrRejectedSymbol)
	})
}

func TestManagerUnknownProvider(t *testing.T) {
	t.Parallel()

	p := newStubProvider("stub")
	m, _ := newTestManager(t, p)

	if _, err := m.Subscribe(context.Background(), "nope", "AAPL", types.Gran1m, 5); err == nil {
		t.Fatal("subscribe to unknown provider succeeded")
	}
}
