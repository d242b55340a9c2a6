package stats

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/internal/clock"
	"stratequeue/internal/portfolio"
	"stratequeue/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newTestStats(t *testing.T) *Manager {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(clk, logger)
}

func fillEvent(strategy string, realized, equity, initial float64) portfolio.Event {
	f := types.Fill{Symbol: "AAPL", TS: time.Now()}
	return portfolio.Event{
		Kind:       portfolio.EventFill,
		StrategyID: strategy,
		Fill:       &f,
		Snapshot: portfolio.Snapshot{
			StrategyID:  strategy,
			InitialCash: d(initial),
			RealizedPnL: d(realized),
			Equity:      d(equity),
			TakenAt:     time.Now(),
		},
	}
}

func markEvent(strategy string, equity, initial float64) portfolio.Event {
	return portfolio.Event{
		Kind:       portfolio.EventMark,
		StrategyID: strategy,
		Symbol:     "AAPL",
		Snapshot: portfolio.Snapshot{
			StrategyID:  strategy,
			InitialCash: d(initial),
			Equity:      d(equity),
			TakenAt:     time.Now(),
		},
	}
}

func TestStatsTradeCounting(t *testing.T) {
	t.Parallel()

	m := newTestStats(t)

	// opening fill: no realized change, no trade
	m.Apply(fillEvent("s1", 0, 10000, 10000))
	// winning close: +80
	m.Apply(fillEvent("s1", 80, 10080, 10000))
	// losing close: -30
	m.Apply(fillEvent("s1", 50, 10050, 10000))

	snap, ok := m.Snapshot("s1")
	if !ok {
		t.Fatal("no snapshot")
	}
	if snap.TradeCount != 2 {
		t.Fatalf("trades = %d, want 2", snap.TradeCount)
	}
	if snap.WinCount != 1 || snap.LossCount != 1 {
		t.Fatalf("wins/losses = %d/%d, want 1/1", snap.WinCount, snap.LossCount)
	}
	if !snap.WinRate.Equal(d(0.5)) {
		t.Fatalf("win rate = %s, want 0.5", snap.WinRate)
	}
	if !snap.AvgWin.Equal(d(80)) {
		t.Fatalf("avg win = %s, want 80", snap.AvgWin)
	}
	if !snap.AvgLoss.Equal(d(-30)) {
		t.Fatalf("avg loss = %s, want -30", snap.AvgLoss)
	}
}

func TestStatsDrawdownTracking(t *testing.T) {
	t.Parallel()

	m := newTestStats(t)
	m.Apply(markEvent("s1", 10000, 10000))
	m.Apply(markEvent("s1", 12000, 10000)) // new peak
	m.Apply(markEvent("s1", 9000, 10000))  // 25% below peak
	m.Apply(markEvent("s1", 11000, 10000)) // partial recovery

	snap, _ := m.Snapshot("s1")
	if !snap.PeakEquity.Equal(d(12000)) {
		t.Fatalf("peak = %s, want 12000", snap.PeakEquity)
	}
	if !snap.MaxDrawdown.Equal(d(0.25)) {
		t.Fatalf("max drawdown = %s, want 0.25", snap.MaxDrawdown)
	}
	// current drawdown: (12000-11000)/12000
	want := d(1000).Div(d(12000))
	if !snap.Drawdown.Equal(want) {
		t.Fatalf("drawdown = %s, want %s", snap.Drawdown, want)
	}
}

func TestStatsReturnMoments(t *testing.T) {
	t.Parallel()

	m := newTestStats(t)
	m.Apply(markEvent("s1", 10000, 10000))
	m.Apply(markEvent("s1", 10100, 10000)) // +1%
	m.Apply(markEvent("s1", 10201, 10000)) // +1%

	snap, _ := m.Snapshot("s1")
	if snap.MeanReturn < 0.0099 || snap.MeanReturn > 0.0101 {
		t.Fatalf("mean return = %f, want ~0.01", snap.MeanReturn)
	}
	// constant returns: near-zero stddev, no Sharpe blowup
	if snap.ReturnStdDev > 1e-9 && snap.Sharpe == 0 {
		t.Fatalf("sharpe not computed with stddev %f", snap.ReturnStdDev)
	}
}

func TestStatsSignalHistoryCapped(t *testing.T) {
	t.Parallel()

	m := newTestStats(t)
	for i := 0; i < maxSignalHistory+20; i++ {
		m.RecordSignal("s1", types.Signal{
			Type: types.SignalHold, Symbol: "AAPL", Price: d(100),
			Timestamp: time.Now(),
		})
	}
	m.RecordSignal("s1", types.Signal{
		Type: types.SignalBuy, Symbol: "AAPL", Price: d(100), Timestamp: time.Now(),
	})

	snap, _ := m.Snapshot("s1")
	if len(snap.RecentSignals) != maxSignalHistory {
		t.Fatalf("history len = %d, want %d", len(snap.RecentSignals), maxSignalHistory)
	}
	if snap.SignalCounts[types.SignalHold] != maxSignalHistory+20 {
		t.Fatalf("hold count = %d, want %d", snap.SignalCounts[types.SignalHold], maxSignalHistory+20)
	}
	if snap.SignalCounts[types.SignalBuy] != 1 {
		t.Fatalf("buy count = %d, want 1", snap.SignalCounts[types.SignalBuy])
	}
	// newest signal is last
	last := snap.RecentSignals[len(snap.RecentSignals)-1]
	if last.Type != types.SignalBuy {
		t.Fatalf("last signal = %s, want BUY", last.Type)
	}
}

// Signals are recorded synchronously on the tick path while portfolio events
// arrive on a channel, so the first signal usually lands before the first
// mark. The baselines must still come from the portfolio snapshot.
func TestStatsSignalBeforeFirstMarkKeepsBaselines(t *testing.T) {
	t.Parallel()

	m := newTestStats(t)
	m.RecordSignal("s1", types.Signal{
		Type: types.SignalBuy, Symbol: "AAPL", Price: d(100), Timestamp: time.Now(),
	})
	m.Apply(markEvent("s1", 11000, 10000))

	snap, ok := m.Snapshot("s1")
	if !ok {
		t.Fatal("no snapshot")
	}
	if !snap.InitialCash.Equal(d(10000)) {
		t.Fatalf("initial cash = %s, want 10000 from the first snapshot", snap.InitialCash)
	}
	if !snap.PeakEquity.Equal(d(11000)) {
		t.Fatalf("peak = %s, want 11000", snap.PeakEquity)
	}
	if snap.SignalCounts[types.SignalBuy] != 1 {
		t.Fatalf("buy count = %d, want 1", snap.SignalCounts[types.SignalBuy])
	}

	// unrealized gain over the initial cash
	m.Apply(fillEvent("s1", 1000, 11000, 10000))
	snap, _ = m.Snapshot("s1")
	if !snap.TotalReturn.Equal(d(0.1)) {
		t.Fatalf("total return = %s, want 0.1", snap.TotalReturn)
	}
}

func TestStatsSnapshotSurvivesUnknownThenRemove(t *testing.T) {
	t.Parallel()

	m := newTestStats(t)
	if _, ok := m.Snapshot("ghost"); ok {
		t.Fatal("snapshot for unknown strategy")
	}

	m.Apply(markEvent("s1", 10000, 10000))
	if _, ok := m.Snapshot("s1"); !ok {
		t.Fatal("snapshot missing after event")
	}
	m.Remove("s1")
	if _, ok := m.Snapshot("s1"); ok {
		t.Fatal("snapshot survived removal")
	}
}
