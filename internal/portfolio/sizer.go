package portfolio

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

// defaultEquityPct sizes BUY/SELL signals carrying no intent: 10% of
// strategy equity.
var defaultEquityPct = decimal.NewFromFloat(0.10)

// Sizer turns signals into gated order proposals against one broker's
// capabilities. Stateless; the ledger supplies the current balances.
type Sizer struct {
	caps types.BrokerCapabilities
}

// NewSizer creates a sizer for a broker's capability set.
func NewSizer(caps types.BrokerCapabilities) *Sizer {
	return &Sizer{caps: caps}
}

// Size resolves the signal's sizing intent to a concrete quantity, applies
// the gate chain, and returns either an order proposal or a structured
// rejection. Rejections are observability events, not errors; the error
// return covers malformed signals only.
func (s *Sizer) Size(sig types.Signal, led *Ledger, now time.Time) (types.Order, *types.Rejection, error) {
	if !sig.Type.IsActionable() {
		return types.Order{}, nil, fmt.Errorf("signal %s is not actionable", sig.Type)
	}
	if err := sig.Validate(); err != nil {
		return types.Order{}, nil, err
	}

	delta, err := s.resolveIntent(sig, led)
	if err != nil {
		return types.Order{}, nil, err
	}

	side, ok := sig.Type.Side()
	if ok {
		// directional signal: the intent magnitude trades in the signal's
		// direction; target intents may flip it
		if delta.IsNegative() {
			side = oppositeSide(side)
			delta = delta.Abs()
		}
	} else {
		// CLOSE: side comes from the current position
		pos := led.Position(sig.Symbol)
		if pos.Qty.IsZero() {
			return types.Order{}, &types.Rejection{
				Code:   types.RejectZeroQuantity,
				Detail: fmt.Sprintf("no position in %s to close", sig.Symbol),
			}, nil
		}
		if pos.Qty.IsPositive() {
			side = types.SideSell
		} else {
			side = types.SideBuy
		}
		delta = pos.Qty.Abs()
	}

	qty := s.caps.RoundToStep(delta)
	order := types.Order{
		ID:         uuid.NewString(),
		StrategyID: led.StrategyID(),
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       sig.Type.OrderKind(),
		Qty:        qty,
		LimitPrice: sig.LimitPrice,
		StopPrice:  sig.StopPrice,
		TIF:        sig.TimeInForce,
		State:      types.OrderPending,
		SubmitTS:   now,
	}

	if rej := s.gate(order, sig.Price, led); rej != nil {
		return types.Order{}, rej, nil
	}
	return order, nil, nil
}

// resolveIntent returns the signed quantity change the intent asks for.
// Positive means trade in the signal's direction (or buy, for targets).
func (s *Sizer) resolveIntent(sig types.Signal, led *Ledger) (decimal.Decimal, error) {
	price := sig.Price
	intent := sig.Sizing
	pos := led.Position(sig.Symbol)
	equity := led.Equity()

	switch intent.Kind {
	case types.IntentUnits:
		return intent.Value, nil

	case types.IntentNotional:
		return intent.Value.Div(price), nil

	case types.IntentEquityPct, types.IntentLegacyFraction:
		// legacy_fraction is a fraction of equity, same as equity_pct
		return intent.Value.Mul(equity).Div(price), nil

	case types.IntentTargetUnits:
		return intent.Value.Sub(pos.Qty), nil

	case types.IntentTargetNotional:
		return intent.Value.Sub(pos.Qty.Mul(price)).Div(price), nil

	case types.IntentTargetEquityPct:
		target := intent.Value.Mul(equity)
		return target.Sub(pos.Qty.Mul(price)).Div(price), nil

	case types.IntentNone, "":
		if sig.Type == types.SignalClose {
			return decimal.Zero, nil // resolved from the position by the caller
		}
		return defaultEquityPct.Mul(equity).Div(price), nil

	default:
		return decimal.Zero, fmt.Errorf("unknown sizing intent %q", intent.Kind)
	}
}

// gate applies the capability and balance checks in fixed order; the first
// failure rejects the proposal.
func (s *Sizer) gate(o types.Order, price decimal.Decimal, led *Ledger) *types.Rejection {
	if o.Qty.IsZero() {
		return &types.Rejection{Code: types.RejectZeroQuantity,
			Detail: "quantity rounded to zero"}
	}

	// 1. order type supported
	if !s.caps.Supports(o.Type) {
		return &types.Rejection{Code: types.RejectUnsupportedOrderType,
			Detail: fmt.Sprintf("broker does not support %s orders", o.Type)}
	}

	// 2. min notional
	notional := o.Qty.Mul(price).Abs()
	if notional.LessThan(s.caps.MinNotional) {
		return &types.Rejection{Code: types.RejectBelowMinNotional,
			Detail: fmt.Sprintf("notional %s below minimum %s", notional, s.caps.MinNotional)}
	}

	// 3. cash (buy) / position (sell)
	pos := led.Position(o.Symbol)
	if o.Side == types.SideBuy {
		cost := o.Qty.Mul(price)
		if cost.GreaterThan(led.Cash()) {
			return &types.Rejection{Code: types.RejectInsufficientCash,
				Detail: fmt.Sprintf("cost %s exceeds cash %s", cost, led.Cash())}
		}
	} else {
		if o.Qty.GreaterThan(pos.Qty) && !s.caps.ShortSelling {
			if pos.Qty.IsPositive() {
				return &types.Rejection{Code: types.RejectInsufficientPosition,
					Detail: fmt.Sprintf("selling %s with position %s", o.Qty, pos.Qty)}
			}
			return &types.Rejection{Code: types.RejectShortingDisabled,
				Detail: "short selling not enabled"}
		}
	}

	// 4. resulting position within max size
	if s.caps.MaxPositionSize != nil {
		resulting := pos.Qty.Add(o.Qty.Mul(o.Side.Sign())).Abs()
		if resulting.GreaterThan(*s.caps.MaxPositionSize) {
			return &types.Rejection{Code: types.RejectExceedsMaxPosition,
				Detail: fmt.Sprintf("resulting position %s exceeds max %s", resulting, s.caps.MaxPositionSize)}
		}
	}

	// 5. min lot after rounding
	if o.Qty.LessThan(s.caps.MinLotSize) {
		return &types.Rejection{Code: types.RejectBelowMinLot,
			Detail: fmt.Sprintf("quantity %s below minimum lot %s", o.Qty, s.caps.MinLotSize)}
	}

	return nil
}

func oppositeSide(s types.Side) types.Side {
	if s == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}
