// Package portfolio maintains per-strategy sub-ledgers and converts sizing
// intents into gated order proposals. Each ledger has a single writer (the
// strategy's fill path); readers take consistent snapshots.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

// invariantTolerance is the relative precision slack allowed when checking
// the ledger identity. Decimal arithmetic is exact, but avg-cost recomputation
// divides, so quotients may carry rounding at the last retained digit.
var invariantTolerance = decimal.New(1, -9)

// holding is one symbol's position inside a ledger.
type holding struct {
	qty     decimal.Decimal
	avgCost decimal.Decimal
}

// Ledger is one strategy's slice of the portfolio: cash, positions, realized
// P&L, and the fill log. All amounts are exact decimals.
type Ledger struct {
	mu          sync.RWMutex
	strategyID  string
	initialCash decimal.Decimal
	cash        decimal.Decimal
	realized    decimal.Decimal
	fees        decimal.Decimal
	positions   map[string]*holding
	marks       map[string]decimal.Decimal
	fills       []types.Fill
}

// Snapshot is a consistent point-in-time view of a ledger.
type Snapshot struct {
	StrategyID    string           `json:"strategy_id"`
	InitialCash   decimal.Decimal  `json:"initial_cash"`
	Cash          decimal.Decimal  `json:"cash"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	Fees          decimal.Decimal  `json:"fees"`
	Equity        decimal.Decimal  `json:"equity"`
	Positions     []types.Position `json:"positions"`
	FillCount     int              `json:"fill_count"`
	TakenAt       time.Time        `json:"taken_at"`
}

// NewLedger creates a ledger funded with initialCash.
func NewLedger(strategyID string, initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		strategyID:  strategyID,
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*holding),
		marks:       make(map[string]decimal.Decimal),
	}
}

func (l *Ledger) StrategyID() string { return l.strategyID }

// ApplyFill applies one execution atomically: cash moves by the traded
// notional plus fees, the position adjusts, realized P&L is credited on
// reducing fills using average cost, and average cost is recomputed on
// increasing fills. The caller guarantees at-most-once delivery.
func (l *Ledger) ApplyFill(f types.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f.Qty.IsNegative() || f.Qty.IsZero() {
		types.Invariantf("ledger %s: fill qty %s must be positive", l.strategyID, f.Qty)
	}

	notional := f.Qty.Mul(f.Price)
	if f.Side == types.SideBuy {
		l.cash = l.cash.Sub(notional).Sub(f.Fee)
	} else {
		l.cash = l.cash.Add(notional).Sub(f.Fee)
	}
	l.fees = l.fees.Add(f.Fee)

	h := l.positions[f.Symbol]
	if h == nil {
		h = &holding{}
		l.positions[f.Symbol] = h
	}

	delta := f.Qty.Mul(f.Side.Sign()) // signed quantity change
	l.applyToHolding(h, delta, f.Price)

	if h.qty.IsZero() {
		delete(l.positions, f.Symbol)
	}
	l.marks[f.Symbol] = f.Price
	l.fills = append(l.fills, f)

	l.verifyLocked()
}

// applyToHolding folds a signed quantity change into a holding. A change in
// the position's direction increases it (avg cost recomputed); a change
// against it reduces it (realized P&L credited); crossing zero splits into a
// close plus a fresh open at the fill price.
func (l *Ledger) applyToHolding(h *holding, delta, price decimal.Decimal) {
	if h.qty.IsZero() || h.qty.Sign() == delta.Sign() {
		newQty := h.qty.Add(delta)
		if !newQty.IsZero() {
			oldNotional := h.qty.Mul(h.avgCost)
			addNotional := delta.Mul(price)
			h.avgCost = oldNotional.Add(addNotional).Div(newQty)
		}
		h.qty = newQty
		return
	}

	reduce := decimal.Min(h.qty.Abs(), delta.Abs())
	// long: profit = (price - avgCost) * reduced; short: reversed
	perUnit := price.Sub(h.avgCost)
	if h.qty.IsNegative() {
		perUnit = perUnit.Neg()
	}
	l.realized = l.realized.Add(perUnit.Mul(reduce))

	remaining := h.qty.Abs().Sub(delta.Abs())
	switch {
	case remaining.IsPositive():
		h.qty = h.qty.Add(delta)
	case remaining.IsZero():
		h.qty = decimal.Zero
		h.avgCost = decimal.Zero
	default:
		// crossed zero: the surplus opens a new position at the fill price
		h.qty = remaining.Neg().Mul(decimal.NewFromInt(int64(delta.Sign())))
		h.avgCost = price
	}
}

// Mark records the latest observed price for a symbol.
func (l *Ledger) Mark(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
}

// Position returns the holding for a symbol (zero value if flat).
func (l *Ledger) Position(symbol string) types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.positions[symbol]
	if h == nil {
		return types.Position{Symbol: symbol}
	}
	mark := l.markLocked(symbol, h)
	return types.Position{
		Symbol:      symbol,
		Qty:         h.qty,
		AvgCost:     h.avgCost,
		MarketValue: h.qty.Mul(mark),
	}
}

// Equity returns cash plus the marked value of all positions.
func (l *Ledger) Equity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equityLocked()
}

// Cash returns the free cash balance.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Take returns a consistent snapshot of the ledger.
func (l *Ledger) Take(now time.Time) Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := make([]types.Position, 0, len(l.positions))
	unrealized := decimal.Zero
	for sym, h := range l.positions {
		mark := l.markLocked(sym, h)
		positions = append(positions, types.Position{
			Symbol:      sym,
			Qty:         h.qty,
			AvgCost:     h.avgCost,
			MarketValue: h.qty.Mul(mark),
		})
		unrealized = unrealized.Add(mark.Sub(h.avgCost).Mul(h.qty))
	}

	return Snapshot{
		StrategyID:    l.strategyID,
		InitialCash:   l.initialCash,
		Cash:          l.cash,
		RealizedPnL:   l.realized,
		UnrealizedPnL: unrealized,
		Fees:          l.fees,
		Equity:        l.equityLocked(),
		Positions:     positions,
		FillCount:     len(l.fills),
		TakenAt:       now,
	}
}

// Fills returns a copy of the fill log.
func (l *Ledger) Fills() []types.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

func (l *Ledger) markLocked(symbol string, h *holding) decimal.Decimal {
	if mark, ok := l.marks[symbol]; ok {
		return mark
	}
	return h.avgCost
}

func (l *Ledger) equityLocked() decimal.Decimal {
	eq := l.cash
	for sym, h := range l.positions {
		eq = eq.Add(h.qty.Mul(l.markLocked(sym, h)))
	}
	return eq
}

// verifyLocked checks the ledger identity after every fill:
// cash + Σ position value == initial + realized + unrealized − fees.
// A violation means the arithmetic is broken and crashes the process.
func (l *Ledger) verifyLocked() {
	lhs := l.equityLocked()

	unrealized := decimal.Zero
	for sym, h := range l.positions {
		unrealized = unrealized.Add(l.markLocked(sym, h).Sub(h.avgCost).Mul(h.qty))
	}
	rhs := l.initialCash.Add(l.realized).Add(unrealized).Sub(l.fees)

	diff := lhs.Sub(rhs).Abs()
	scale := decimal.Max(lhs.Abs(), rhs.Abs(), decimal.NewFromInt(1))
	if diff.GreaterThan(scale.Mul(invariantTolerance)) {
		types.Invariantf("ledger %s: equity %s != initial+realized+unrealized-fees %s",
			l.strategyID, lhs, rhs)
	}
}
