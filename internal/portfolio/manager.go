package portfolio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"stratequeue/internal/clock"
	"stratequeue/pkg/types"
)

// EventKind tags the events the portfolio publishes for downstream
// consumers (statistics, the API hub).
type EventKind string

const (
	EventFill EventKind = "fill"
	EventMark EventKind = "mark"
)

// Event is one portfolio change. Statistics consumes these; it never calls
// back into the portfolio.
type Event struct {
	Kind       EventKind
	StrategyID string
	Fill       *types.Fill     // set for EventFill
	Symbol     string          // set for EventMark
	Price      decimal.Decimal // set for EventMark
	Snapshot   Snapshot        // ledger state after the change
}

// Manager owns every strategy sub-ledger and the aggregate view. It is the
// single writer to each ledger; fills arrive from the gateway, marks from
// runners on each bar.
type Manager struct {
	clk    clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	ledgers map[string]*Ledger

	events chan Event
}

// NewManager creates the portfolio manager.
func NewManager(clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		clk:     clk,
		logger:  logger.With("component", "portfolio"),
		ledgers: make(map[string]*Ledger),
		events:  make(chan Event, 256),
	}
}

// Events delivers fill and mark events in application order.
func (m *Manager) Events() <-chan Event { return m.events }

// CreateLedger opens a sub-ledger funded with the strategy's allocation.
func (m *Manager) CreateLedger(strategyID string, allocation decimal.Decimal) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ledgers[strategyID]; exists {
		return nil, fmt.Errorf("ledger for strategy %s already exists", strategyID)
	}
	led := NewLedger(strategyID, allocation)
	m.ledgers[strategyID] = led
	m.logger.Info("ledger created", "strategy", strategyID, "allocation", allocation)
	return led, nil
}

// Ledger returns a strategy's sub-ledger.
func (m *Manager) Ledger(strategyID string) (*Ledger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	led, ok := m.ledgers[strategyID]
	return led, ok
}

// ApplyFill routes a fill into its strategy's ledger and publishes the
// resulting state. The gateway has already deduplicated; application here is
// unconditional.
func (m *Manager) ApplyFill(f types.Fill) error {
	led, ok := m.Ledger(f.StrategyID)
	if !ok {
		return fmt.Errorf("fill for unknown strategy %s", f.StrategyID)
	}
	led.ApplyFill(f)
	m.publish(Event{
		Kind:       EventFill,
		StrategyID: f.StrategyID,
		Fill:       &f,
		Snapshot:   led.Take(m.clk.Now()),
	})
	return nil
}

// Mark records a mark price for one strategy's symbol and publishes the
// updated valuation.
func (m *Manager) Mark(strategyID, symbol string, price decimal.Decimal) {
	led, ok := m.Ledger(strategyID)
	if !ok {
		return
	}
	led.Mark(symbol, price)
	m.publish(Event{
		Kind:       EventMark,
		StrategyID: strategyID,
		Symbol:     symbol,
		Price:      price,
		Snapshot:   led.Take(m.clk.Now()),
	})
}

// AllocatedEquity sums the allocations of all live ledgers. The supervisor
// checks new deployments against the broker account equity minus this.
func (m *Manager) AllocatedEquity() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, led := range m.ledgers {
		total = total.Add(led.initialCash)
	}
	return total
}

// Aggregate sums every sub-ledger into one view.
func (m *Manager) Aggregate() Snapshot {
	m.mu.RLock()
	ledgers := make([]*Ledger, 0, len(m.ledgers))
	for _, led := range m.ledgers {
		ledgers = append(ledgers, led)
	}
	m.mu.RUnlock()

	now := m.clk.Now()
	agg := Snapshot{StrategyID: "aggregate", TakenAt: now}
	bySymbol := make(map[string]*types.Position)
	for _, led := range ledgers {
		snap := led.Take(now)
		agg.InitialCash = agg.InitialCash.Add(snap.InitialCash)
		agg.Cash = agg.Cash.Add(snap.Cash)
		agg.RealizedPnL = agg.RealizedPnL.Add(snap.RealizedPnL)
		agg.UnrealizedPnL = agg.UnrealizedPnL.Add(snap.UnrealizedPnL)
		agg.Fees = agg.Fees.Add(snap.Fees)
		agg.Equity = agg.Equity.Add(snap.Equity)
		agg.FillCount += snap.FillCount
		for _, pos := range snap.Positions {
			p := bySymbol[pos.Symbol]
			if p == nil {
				p = &types.Position{Symbol: pos.Symbol}
				bySymbol[pos.Symbol] = p
			}
			p.Qty = p.Qty.Add(pos.Qty)
			p.MarketValue = p.MarketValue.Add(pos.MarketValue)
		}
	}
	for _, p := range bySymbol {
		if !p.Qty.IsZero() {
			p.AvgCost = p.MarketValue.Div(p.Qty) // marked, not cost basis
			agg.Positions = append(agg.Positions, *p)
		}
	}
	return agg
}

// RemoveLedger drops a stopped strategy's ledger. The caller persists the
// final snapshot first.
func (m *Manager) RemoveLedger(strategyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledgers, strategyID)
}

// publish delivers an event without blocking the fill path.
func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping event",
			"kind", ev.Kind, "strategy", ev.StrategyID)
	}
}
