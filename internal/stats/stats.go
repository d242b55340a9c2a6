// Package stats keeps rolling per-strategy performance accounting. It is a
// pure consumer of the portfolio's fill and mark events; it never calls back
// into the portfolio or the runners. Memory is bounded: fixed-width counters
// plus capped trade, signal, and return histories.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"stratequeue/internal/clock"
	"stratequeue/internal/portfolio"
	"stratequeue/pkg/types"
)

const (
	maxTradeHistory  = 500
	maxSignalHistory = 100
	maxReturnSamples = 1000
)

// Trade is one realized round-trip slice, recorded when a fill reduces a
// position.
type Trade struct {
	Symbol string          `json:"symbol"`
	PnL    decimal.Decimal `json:"pnl"`
	TS     time.Time       `json:"ts"`
}

// SignalRecord is one evaluated signal kept in the bounded session log.
type SignalRecord struct {
	Type      types.SignalType `json:"type"`
	Symbol    string           `json:"symbol"`
	Price     decimal.Decimal  `json:"price"`
	Timestamp time.Time        `json:"timestamp"`
}

// Snapshot is a consistent view of one strategy's performance.
type Snapshot struct {
	StrategyID    string          `json:"strategy_id"`
	InitialCash   decimal.Decimal `json:"initial_cash"`
	Equity        decimal.Decimal `json:"equity"`
	PeakEquity    decimal.Decimal `json:"peak_equity"`
	Drawdown      decimal.Decimal `json:"drawdown"`      // current, fraction of peak
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`  // worst seen, fraction of peak
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	NetPnL        decimal.Decimal `json:"net_pnl"`
	TotalReturn   decimal.Decimal `json:"total_return"` // fraction of initial cash
	Fees          decimal.Decimal `json:"fees"`

	TradeCount int             `json:"trade_count"`
	WinCount   int             `json:"win_count"`
	LossCount  int             `json:"loss_count"`
	WinRate    decimal.Decimal `json:"win_rate"`
	AvgWin     decimal.Decimal `json:"avg_win"`
	AvgLoss    decimal.Decimal `json:"avg_loss"`

	MeanReturn   float64 `json:"mean_return"`   // per mark interval
	ReturnStdDev float64 `json:"return_stddev"` // per mark interval
	Sharpe       float64 `json:"sharpe"`        // mean/stddev, per interval

	SignalCounts  map[types.SignalType]int `json:"signal_counts"`
	RecentSignals []SignalRecord           `json:"recent_signals"`
	RecentTrades  []Trade                  `json:"recent_trades"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

type strategyStats struct {
	initial      decimal.Decimal
	equity       decimal.Decimal
	peak         decimal.Decimal
	maxDrawdown  decimal.Decimal
	realized     decimal.Decimal
	unrealized   decimal.Decimal
	fees         decimal.Decimal
	lastRealized decimal.Decimal
	lastEquity   decimal.Decimal

	trades    []Trade
	wins      int
	losses    int
	winTotal  decimal.Decimal
	lossTotal decimal.Decimal

	returns       []float64
	signalCounts  map[types.SignalType]int
	recentSignals []SignalRecord
	updatedAt     time.Time
}

// Manager accumulates statistics per strategy. Snapshots of stopped
// strategies stay readable until the strategy is removed from the registry.
type Manager struct {
	clk    clock.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	strategies map[string]*strategyStats
}

// NewManager creates the statistics manager.
func NewManager(clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		clk:        clk,
		logger:     logger.With("component", "stats"),
		strategies: make(map[string]*strategyStats),
	}
}

// Run consumes portfolio events until the channel closes or ctx is done.
func (m *Manager) Run(ctx context.Context, events <-chan portfolio.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Apply(ev)
		}
	}
}

// Apply folds one portfolio event into the strategy's accumulators.
func (m *Manager) Apply(ev portfolio.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.strategies[ev.StrategyID]
	if s == nil {
		s = &strategyStats{signalCounts: make(map[types.SignalType]int)}
		m.strategies[ev.StrategyID] = s
	}
	// the entry may predate the first portfolio event (signals arrive
	// synchronously, portfolio events on a channel): seed the baselines from
	// the first snapshot that carries them
	if s.initial.IsZero() {
		s.initial = ev.Snapshot.InitialCash
		if s.peak.LessThan(s.initial) {
			s.peak = s.initial
		}
		if s.lastEquity.IsZero() {
			s.lastEquity = s.initial
		}
	}

	snap := ev.Snapshot
	s.realized = snap.RealizedPnL
	s.unrealized = snap.UnrealizedPnL
	s.fees = snap.Fees
	s.equity = snap.Equity
	s.updatedAt = snap.TakenAt

	if s.equity.GreaterThan(s.peak) {
		s.peak = s.equity
	}
	if s.peak.IsPositive() {
		dd := s.peak.Sub(s.equity).Div(s.peak)
		if dd.GreaterThan(s.maxDrawdown) {
			s.maxDrawdown = dd
		}
	}

	switch ev.Kind {
	case portfolio.EventFill:
		// a reducing fill moves realized P&L: that delta is one trade
		delta := snap.RealizedPnL.Sub(s.lastRealized)
		s.lastRealized = snap.RealizedPnL
		if !delta.IsZero() {
			m.recordTradeLocked(s, ev.Fill.Symbol, delta, ev.Fill.TS)
		}
	case portfolio.EventMark:
		if s.lastEquity.IsPositive() {
			r := s.equity.Sub(s.lastEquity).Div(s.lastEquity)
			s.returns = append(s.returns, r.InexactFloat64())
			if len(s.returns) > maxReturnSamples {
				s.returns = s.returns[len(s.returns)-maxReturnSamples:]
			}
		}
		s.lastEquity = s.equity
	}
}

func (m *Manager) recordTradeLocked(s *strategyStats, symbol string, pnl decimal.Decimal, ts time.Time) {
	s.trades = append(s.trades, Trade{Symbol: symbol, PnL: pnl, TS: ts})
	if len(s.trades) > maxTradeHistory {
		s.trades = s.trades[len(s.trades)-maxTradeHistory:]
	}
	if pnl.IsPositive() {
		s.wins++
		s.winTotal = s.winTotal.Add(pnl)
	} else {
		s.losses++
		s.lossTotal = s.lossTotal.Add(pnl)
	}
}

// RecordSignal logs one evaluated signal into the bounded session history.
func (m *Manager) RecordSignal(strategyID string, sig types.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.strategies[strategyID]
	if s == nil {
		s = &strategyStats{signalCounts: make(map[types.SignalType]int)}
		m.strategies[strategyID] = s
	}
	s.signalCounts[sig.Type]++
	s.recentSignals = append(s.recentSignals, SignalRecord{
		Type:      sig.Type,
		Symbol:    sig.Symbol,
		Price:     sig.Price,
		Timestamp: sig.Timestamp,
	})
	if len(s.recentSignals) > maxSignalHistory {
		s.recentSignals = s.recentSignals[len(s.recentSignals)-maxSignalHistory:]
	}
}

// Snapshot returns a consistent view of one strategy's statistics.
func (m *Manager) Snapshot(strategyID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.strategies[strategyID]
	if !ok {
		return Snapshot{}, false
	}

	out := Snapshot{
		StrategyID:    strategyID,
		InitialCash:   s.initial,
		Equity:        s.equity,
		PeakEquity:    s.peak,
		RealizedPnL:   s.realized,
		UnrealizedPnL: s.unrealized,
		NetPnL:        s.realized.Add(s.unrealized),
		Fees:          s.fees,
		MaxDrawdown:   s.maxDrawdown,
		TradeCount:    len(s.trades),
		WinCount:      s.wins,
		LossCount:     s.losses,
		SignalCounts:  make(map[types.SignalType]int, len(s.signalCounts)),
		UpdatedAt:     s.updatedAt,
	}
	if s.peak.IsPositive() {
		out.Drawdown = s.peak.Sub(s.equity).Div(s.peak)
	}
	if s.initial.IsPositive() {
		out.TotalReturn = out.NetPnL.Div(s.initial)
	}
	if total := s.wins + s.losses; total > 0 {
		out.WinRate = decimal.NewFromInt(int64(s.wins)).Div(decimal.NewFromInt(int64(total)))
	}
	if s.wins > 0 {
		out.AvgWin = s.winTotal.Div(decimal.NewFromInt(int64(s.wins)))
	}
	if s.losses > 0 {
		out.AvgLoss = s.lossTotal.Div(decimal.NewFromInt(int64(s.losses)))
	}
	if len(s.returns) > 1 {
		out.MeanReturn = stat.Mean(s.returns, nil)
		out.ReturnStdDev = stat.StdDev(s.returns, nil)
		if out.ReturnStdDev > 0 {
			out.Sharpe = out.MeanReturn / out.ReturnStdDev
		}
	}
	for k, v := range s.signalCounts {
		out.SignalCounts[k] = v
	}
	out.RecentSignals = append(out.RecentSignals, s.recentSignals...)
	if n := len(s.trades); n > 0 {
		keep := n
		if keep > 50 {
			keep = 50
		}
		out.RecentTrades = append(out.RecentTrades, s.trades[n-keep:]...)
	}
	return out, true
}

// Remove drops a strategy's statistics after its registry entry is removed.
func (m *Manager) Remove(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, strategyID)
}
