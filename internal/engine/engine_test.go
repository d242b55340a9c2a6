package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

func barsFromCloses(symbol string, closes []float64) []types.Bar {
	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		bars[i] = types.Bar{
			Symbol: symbol,
			TS:     base.Add(time.Duration(i) * time.Minute),
			Open:   d,
			High:   d,
			Low:    d,
			Close:  d,
			Volume: decimal.NewFromInt(100),
		}
	}
	return bars
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"sma-cross", "rsi"} {
		if !r.Has(name) {
			t.Fatalf("registry missing builtin %q", name)
		}
		ev, err := r.New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if ev.Name() != name {
			t.Fatalf("evaluator name = %q, want %q", ev.Name(), name)
		}
	}
	if _, err := r.New("nope"); err == nil {
		t.Fatal("New of unknown engine succeeded")
	}
}

func TestRegistryListSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	list := r.List()
	if len(list) < 2 {
		t.Fatalf("list len = %d, want >= 2", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("list not sorted: %q before %q", list[i-1].Name, list[i].Name)
		}
	}
	for _, av := range list {
		if !av.Available {
			t.Fatalf("builtin %q not available: %s", av.Name, av.Reason)
		}
	}
}

func TestSMACrossSignalsOnCrossOnly(t *testing.T) {
	t.Parallel()

	ev := newSMACross()
	params := map[string]any{"fast": 2, "slow": 4}

	// flat series primes the state without crossing
	window := barsFromCloses("AAPL", []float64{100, 100, 100, 100, 100})
	sig, state, err := ev.Evaluate(context.Background(), window, params, nil)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if sig.Type != types.SignalHold {
		t.Fatalf("first signal = %s, want HOLD", sig.Type)
	}

	// sharp rise pushes the fast SMA above the slow: cross -> BUY
	window = barsFromCloses("AAPL", []float64{100, 100, 100, 110, 120})
	sig, state, err = ev.Evaluate(context.Background(), window, params, state)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if sig.Type != types.SignalBuy {
		t.Fatalf("cross signal = %s, want BUY", sig.Type)
	}

	// still above: no repeat signal
	window = barsFromCloses("AAPL", []float64{100, 110, 120, 125, 130})
	sig, state, err = ev.Evaluate(context.Background(), window, params, state)
	if err != nil {
		t.Fatalf("third evaluate: %v", err)
	}
	if sig.Type != types.SignalHold {
		t.Fatalf("post-cross signal = %s, want HOLD", sig.Type)
	}

	// collapse below: cross back -> CLOSE
	window = barsFromCloses("AAPL", []float64{130, 125, 120, 90, 80})
	sig, _, err = ev.Evaluate(context.Background(), window, params, state)
	if err != nil {
		t.Fatalf("fourth evaluate: %v", err)
	}
	if sig.Type != types.SignalClose {
		t.Fatalf("cross-down signal = %s, want CLOSE", sig.Type)
	}
}

func TestSMACrossRejectsBadParams(t *testing.T) {
	t.Parallel()

	ev := newSMACross()
	window := barsFromCloses("AAPL", []float64{100, 101, 102, 103, 104})

	if _, _, err := ev.Evaluate(context.Background(), window, map[string]any{"fast": 10, "slow": 5}, nil); err == nil {
		t.Fatal("fast >= slow accepted")
	}
	if _, _, err := ev.Evaluate(context.Background(), window, map[string]any{"fast": 2, "slow": 50}, nil); err == nil {
		t.Fatal("window shorter than slow period accepted")
	}
}

func TestRSIBuysOversold(t *testing.T) {
	t.Parallel()

	ev := newRSI()
	params := map[string]any{"period": 5, "oversold": 30.0, "overbought": 70.0}

	// steady decline drives RSI to the floor
	declining := make([]float64, 20)
	for i := range declining {
		declining[i] = 200 - float64(i)*5
	}
	sig, state, err := ev.Evaluate(context.Background(), barsFromCloses("AAPL", declining), params, nil)
	if err != nil {
		t.Fatalf("evaluate declining: %v", err)
	}
	if sig.Type != types.SignalBuy {
		t.Fatalf("oversold signal = %s, want BUY", sig.Type)
	}

	// still oversold: no repeat while long
	sig, state, err = ev.Evaluate(context.Background(), barsFromCloses("AAPL", declining), params, state)
	if err != nil {
		t.Fatalf("evaluate still declining: %v", err)
	}
	if sig.Type != types.SignalHold {
		t.Fatalf("repeat oversold signal = %s, want HOLD", sig.Type)
	}

	// steady rally drives RSI to the ceiling: exit
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)*5
	}
	sig, _, err = ev.Evaluate(context.Background(), barsFromCloses("AAPL", rising), params, state)
	if err != nil {
		t.Fatalf("evaluate rising: %v", err)
	}
	if sig.Type != types.SignalClose {
		t.Fatalf("overbought signal = %s, want CLOSE", sig.Type)
	}
}

// slowEvaluator blocks until its context is cancelled.
type slowEvaluator struct{}

func (slowEvaluator) Name() string { return "slow" }

func (slowEvaluator) Evaluate(ctx context.Context, window []types.Bar, _ map[string]any, state any) (types.Signal, any, error) {
	<-ctx.Done()
	return types.Signal{}, state, ctx.Err()
}

func TestEvaluateTimeout(t *testing.T) {
	t.Parallel()

	window := barsFromCloses("AAPL", []float64{100})
	prevState := "keep-me"

	_, state, err := Evaluate(context.Background(), slowEvaluator{}, window, nil, prevState, 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if state != prevState {
		t.Fatalf("state after timeout = %v, want previous state preserved", state)
	}
}

// badSignalEvaluator returns an actionable signal with no price.
type badSignalEvaluator struct{}

func (badSignalEvaluator) Name() string { return "bad" }

func (badSignalEvaluator) Evaluate(_ context.Context, window []types.Bar, _ map[string]any, state any) (types.Signal, any, error) {
	return types.Signal{Type: types.SignalBuy, Symbol: "AAPL"}, state, nil
}

func TestEvaluateRejectsInvalidSignal(t *testing.T) {
	t.Parallel()

	window := barsFromCloses("AAPL", []float64{100})
	if _, _, err := Evaluate(context.Background(), badSignalEvaluator{}, window, nil, nil, time.Second); err == nil {
		t.Fatal("invalid signal accepted")
	}
}
