package engine

import (
	"context"
	"fmt"

	talib "github.com/markcheno/go-talib"

	"stratequeue/pkg/types"
)

// Built-in evaluators. They stand in for external engine adapters and give
// deployments something to run out of the box: a moving-average crossover
// and an RSI mean-reversion rule.

func closes(window []types.Bar) []float64 {
	out := make([]float64, len(window))
	for i, b := range window {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// paramInt reads an integer parameter, accepting the numeric types a YAML or
// JSON decoder may produce.
func paramInt(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q: expected number, got %T", key, v)
	}
}

func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("param %q: expected number, got %T", key, v)
	}
}

func holdSignal(window []types.Bar) types.Signal {
	last := window[len(window)-1]
	return types.Signal{
		Type:      types.SignalHold,
		Symbol:    last.Symbol,
		Price:     last.Close,
		Timestamp: last.TS,
		Sizing:    types.NoIntent(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// SMA crossover
// ————————————————————————————————————————————————————————————————————————

// smaCross emits BUY when the fast SMA crosses above the slow SMA and CLOSE
// when it crosses back below. State is the previous fast-above-slow relation,
// so a signal fires only on the crossing bar.
type smaCross struct{}

type smaCrossState struct {
	fastAbove bool
	primed    bool
}

func newSMACross() *smaCross { return &smaCross{} }

func (*smaCross) Name() string { return "sma-cross" }

func (e *smaCross) Evaluate(_ context.Context, window []types.Bar, params map[string]any, state any) (types.Signal, any, error) {
	fast, err := paramInt(params, "fast", 10)
	if err != nil {
		return types.Signal{}, state, err
	}
	slow, err := paramInt(params, "slow", 30)
	if err != nil {
		return types.Signal{}, state, err
	}
	if fast >= slow {
		return types.Signal{}, state, fmt.Errorf("fast period %d must be < slow period %d", fast, slow)
	}
	if len(window) < slow {
		return types.Signal{}, state, fmt.Errorf("window %d shorter than slow period %d", len(window), slow)
	}

	cl := closes(window)
	fastSMA := talib.Sma(cl, fast)
	slowSMA := talib.Sma(cl, slow)
	above := fastSMA[len(fastSMA)-1] > slowSMA[len(slowSMA)-1]

	prev, _ := state.(smaCrossState)
	next := smaCrossState{fastAbove: above, primed: true}

	sig := holdSignal(window)
	if prev.primed && above != prev.fastAbove {
		if above {
			sig.Type = types.SignalBuy
		} else {
			sig.Type = types.SignalClose
		}
	}
	return sig, next, nil
}

// ————————————————————————————————————————————————————————————————————————
// RSI mean reversion
// ————————————————————————————————————————————————————————————————————————

// rsiRevert buys when RSI drops below the oversold level and closes when it
// rises above the overbought level. State tracks whether the rule considers
// itself long, so each threshold fires once per excursion.
type rsiRevert struct{}

type rsiState struct {
	long bool
}

func newRSI() *rsiRevert { return &rsiRevert{} }

func (*rsiRevert) Name() string { return "rsi" }

func (e *rsiRevert) Evaluate(_ context.Context, window []types.Bar, params map[string]any, state any) (types.Signal, any, error) {
	period, err := paramInt(params, "period", 14)
	if err != nil {
		return types.Signal{}, state, err
	}
	oversold, err := paramFloat(params, "oversold", 30)
	if err != nil {
		return types.Signal{}, state, err
	}
	overbought, err := paramFloat(params, "overbought", 70)
	if err != nil {
		return types.Signal{}, state, err
	}
	if len(window) <= period {
		return types.Signal{}, state, fmt.Errorf("window %d too short for RSI period %d", len(window), period)
	}

	values := talib.Rsi(closes(window), period)
	rsi := values[len(values)-1]

	prev, _ := state.(rsiState)
	next := prev
	sig := holdSignal(window)

	switch {
	case !prev.long && rsi < oversold:
		sig.Type = types.SignalBuy
		next.long = true
	case prev.long && rsi > overbought:
		sig.Type = types.SignalClose
		next.long = false
	}
	return sig, next, nil
}
