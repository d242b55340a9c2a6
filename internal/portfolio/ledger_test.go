package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func fill(strategy, symbol string, side types.Side, qty, price, fee float64, seq int64) types.Fill {
	return types.Fill{
		BrokerOrderID: "B1",
		Seq:           seq,
		OrderID:       "L1",
		StrategyID:    strategy,
		Symbol:        symbol,
		Side:          side,
		Qty:           d(qty),
		Price:         d(price),
		Fee:           d(fee),
		TS:            time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC),
	}
}

func TestLedgerBuyFill(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 100, 0, 1))

	if !led.Cash().Equal(d(9000)) {
		t.Fatalf("cash = %s, want 9000", led.Cash())
	}
	pos := led.Position("AAPL")
	if !pos.Qty.Equal(d(10)) {
		t.Fatalf("position qty = %s, want 10", pos.Qty)
	}
	if !pos.AvgCost.Equal(d(100)) {
		t.Fatalf("avg cost = %s, want 100", pos.AvgCost)
	}
	if !led.Equity().Equal(d(10000)) {
		t.Fatalf("equity = %s, want 10000", led.Equity())
	}
}

func TestLedgerAvgCostOnIncrease(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 100, 0, 1))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 110, 0, 2))

	pos := led.Position("AAPL")
	if !pos.Qty.Equal(d(20)) {
		t.Fatalf("qty = %s, want 20", pos.Qty)
	}
	if !pos.AvgCost.Equal(d(105)) {
		t.Fatalf("avg cost = %s, want 105", pos.AvgCost)
	}
}

func TestLedgerRealizedOnReduce(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 100, 0, 1))
	led.ApplyFill(fill("s1", "AAPL", types.SideSell, 4, 120, 0, 2))

	snap := led.Take(time.Now())
	if !snap.RealizedPnL.Equal(d(80)) { // (120-100)*4
		t.Fatalf("realized = %s, want 80", snap.RealizedPnL)
	}
	pos := led.Position("AAPL")
	if !pos.Qty.Equal(d(6)) {
		t.Fatalf("qty = %s, want 6", pos.Qty)
	}
	// avg cost unchanged on reduce
	if !pos.AvgCost.Equal(d(100)) {
		t.Fatalf("avg cost = %s, want 100", pos.AvgCost)
	}
	if !led.Cash().Equal(d(9480)) { // 10000 - 1000 + 480
		t.Fatalf("cash = %s, want 9480", led.Cash())
	}
}

func TestLedgerCrossZeroOpensShort(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 5, 100, 0, 1))
	led.ApplyFill(fill("s1", "AAPL", types.SideSell, 8, 110, 0, 2))

	snap := led.Take(time.Now())
	if !snap.RealizedPnL.Equal(d(50)) { // (110-100)*5
		t.Fatalf("realized = %s, want 50", snap.RealizedPnL)
	}
	pos := led.Position("AAPL")
	if !pos.Qty.Equal(d(-3)) {
		t.Fatalf("qty = %s, want -3", pos.Qty)
	}
	if !pos.AvgCost.Equal(d(110)) {
		t.Fatalf("short avg cost = %s, want fill price 110", pos.AvgCost)
	}
}

func TestLedgerFeesReduceCash(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 100, 2.50, 1))

	if !led.Cash().Equal(d(8997.50)) {
		t.Fatalf("cash = %s, want 8997.50", led.Cash())
	}
	snap := led.Take(time.Now())
	if !snap.Fees.Equal(d(2.50)) {
		t.Fatalf("fees = %s, want 2.50", snap.Fees)
	}
}

func TestLedgerUnrealizedTracksMark(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 100, 0, 1))
	led.Mark("AAPL", d(107))

	snap := led.Take(time.Now())
	if !snap.UnrealizedPnL.Equal(d(70)) {
		t.Fatalf("unrealized = %s, want 70", snap.UnrealizedPnL)
	}
	if !snap.Equity.Equal(d(10070)) {
		t.Fatalf("equity = %s, want 10070", snap.Equity)
	}
}

func TestLedgerClosedPositionRemoved(t *testing.T) {
	t.Parallel()

	led := NewLedger("s1", d(10000))
	led.ApplyFill(fill("s1", "AAPL", types.SideBuy, 10, 100, 0, 1))
	led.ApplyFill(fill("s1", "AAPL", types.SideSell, 10, 105, 0, 2))

	pos := led.Position("AAPL")
	if !pos.Qty.IsZero() {
		t.Fatalf("qty after full close = %s, want 0", pos.Qty)
	}
	snap := led.Take(time.Now())
	if len(snap.Positions) != 0 {
		t.Fatalf("positions after full close = %d, want 0", len(snap.Positions))
	}
	if !snap.RealizedPnL.Equal(d(50)) {
		t.Fatalf("realized = %s, want 50", snap.RealizedPnL)
	}
}
