// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the runtime — bars, signals,
// sizing intents, orders, fills, positions, and broker capabilities. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// Prices, quantities, and money are decimal.Decimal everywhere. Rounding
// happens only at broker boundaries (step size, lot size) and at display
// boundaries; nothing in between truncates precision.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Granularity
// ————————————————————————————————————————————————————————————————————————

// Granularity is a bar period. The set matches what the supported data
// providers can serve.
type Granularity string

const (
	Gran1m  Granularity = "1m"
	Gran5m  Granularity = "5m"
	Gran15m Granularity = "15m"
	Gran1h  Granularity = "1h"
	Gran1d  Granularity = "1d"
)

// ParseGranularity validates a granularity string.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Gran1m, Gran5m, Gran15m, Gran1h, Gran1d:
		return g, nil
	}
	return "", fmt.Errorf("unsupported granularity %q (supported: 1m, 5m, 15m, 1h, 1d)", s)
}

// Duration returns the bar period as a time.Duration.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Gran1m:
		return time.Minute
	case Gran5m:
		return 5 * time.Minute
	case Gran15m:
		return 15 * time.Minute
	case Gran1h:
		return time.Hour
	case Gran1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bars
// ————————————————————————————————————————————————————————————————————————

// Bar is one OHLCV record for a (symbol, granularity). Immutable once
// admitted to a buffer.
type Bar struct {
	Symbol string          `json:"symbol"`
	TS     time.Time       `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`

	// Canonical marks the bar as the provider's final close for its period.
	// A canonical bar may replace a previously delivered bar with the same
	// timestamp; a non-canonical duplicate is dropped.
	Canonical bool `json:"canonical,omitempty"`
}

// Validate checks the OHLCV invariants: low ≤ {open, close} ≤ high and
// volume ≥ 0.
func (b Bar) Validate() error {
	if b.TS.IsZero() {
		return fmt.Errorf("bar %s: zero timestamp", b.Symbol)
	}
	if b.Low.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: low %s > high %s", b.Symbol, b.TS.Format(time.RFC3339), b.Low, b.High)
	}
	if b.Open.LessThan(b.Low) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: open %s outside [%s, %s]", b.Symbol, b.TS.Format(time.RFC3339), b.Open, b.Low, b.High)
	}
	if b.Close.LessThan(b.Low) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%s: close %s outside [%s, %s]", b.Symbol, b.TS.Format(time.RFC3339), b.Close, b.Low, b.High)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("bar %s@%s: negative volume %s", b.Symbol, b.TS.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalType is the engine-agnostic trading intent produced by an evaluator.
type SignalType string

const (
	SignalBuy           SignalType = "BUY"
	SignalSell          SignalType = "SELL"
	SignalHold          SignalType = "HOLD"
	SignalClose         SignalType = "CLOSE"
	SignalLimitBuy      SignalType = "LIMIT_BUY"
	SignalLimitSell     SignalType = "LIMIT_SELL"
	SignalStopBuy       SignalType = "STOP_BUY"
	SignalStopSell      SignalType = "STOP_SELL"
	SignalStopLimitBuy  SignalType = "STOP_LIMIT_BUY"
	SignalStopLimitSell SignalType = "STOP_LIMIT_SELL"
)

// IsActionable reports whether the signal requests an order (anything but HOLD).
func (s SignalType) IsActionable() bool { return s != SignalHold && s != "" }

// NeedsLimitPrice reports whether the signal type requires a limit price.
func (s SignalType) NeedsLimitPrice() bool {
	switch s {
	case SignalLimitBuy, SignalLimitSell, SignalStopLimitBuy, SignalStopLimitSell:
		return true
	}
	return false
}

// NeedsStopPrice reports whether the signal type requires a stop price.
func (s SignalType) NeedsStopPrice() bool {
	switch s {
	case SignalStopBuy, SignalStopSell, SignalStopLimitBuy, SignalStopLimitSell:
		return true
	}
	return false
}

// Side returns the order side implied by the signal type. CLOSE has no
// inherent side; the sizer derives it from the current position.
func (s SignalType) Side() (Side, bool) {
	switch s {
	case SignalBuy, SignalLimitBuy, SignalStopBuy, SignalStopLimitBuy:
		return SideBuy, true
	case SignalSell, SignalLimitSell, SignalStopSell, SignalStopLimitSell:
		return SideSell, true
	}
	return "", false
}

// OrderKind returns the broker order type implied by the signal type.
func (s SignalType) OrderKind() OrderType {
	switch {
	case s == SignalLimitBuy || s == SignalLimitSell:
		return OrderLimit
	case s == SignalStopBuy || s == SignalStopSell:
		return OrderStop
	case s == SignalStopLimitBuy || s == SignalStopLimitSell:
		return OrderStopLimit
	default:
		return OrderMarket
	}
}

// IntentKind enumerates the abstract sizing specifications an evaluator can
// attach to a signal. The portfolio manager resolves them to quantities.
type IntentKind string

const (
	IntentNone            IntentKind = "none"
	IntentUnits           IntentKind = "units"
	IntentNotional        IntentKind = "notional"
	IntentEquityPct       IntentKind = "equity_pct"
	IntentTargetUnits     IntentKind = "target_units"
	IntentTargetNotional  IntentKind = "target_notional"
	IntentTargetEquityPct IntentKind = "target_equity_pct"
	IntentLegacyFraction  IntentKind = "legacy_fraction"
)

// SizingIntent pairs an intent kind with its value. At most one intent is
// carried per signal; IntentNone leaves sizing to the default policy.
type SizingIntent struct {
	Kind  IntentKind      `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

// NoIntent is the zero sizing intent.
func NoIntent() SizingIntent { return SizingIntent{Kind: IntentNone} }

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// Signal is an engine-agnostic trading intent with optional sizing and
// execution-style hints. Signals are per-tick values, not durable records.
type Signal struct {
	Type        SignalType        `json:"type"`
	Symbol      string            `json:"symbol"`
	Price       decimal.Decimal   `json:"price"`
	Timestamp   time.Time         `json:"timestamp"`
	Sizing      SizingIntent      `json:"sizing"`
	LimitPrice  *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice   *decimal.Decimal  `json:"stop_price,omitempty"`
	TimeInForce TimeInForce       `json:"time_in_force,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate enforces the signal invariants: price > 0 and limit/stop prices
// present for the matching types.
func (s Signal) Validate() error {
	if !s.Type.IsActionable() {
		return nil
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("signal %s %s: price %s must be > 0", s.Type, s.Symbol, s.Price)
	}
	if s.Type.NeedsLimitPrice() && (s.LimitPrice == nil || !s.LimitPrice.IsPositive()) {
		return fmt.Errorf("signal %s %s: limit price required", s.Type, s.Symbol)
	}
	if s.Type.NeedsStopPrice() && (s.StopPrice == nil || !s.StopPrice.IsPositive()) {
		return fmt.Errorf("signal %s %s: stop price required", s.Type, s.Symbol)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order: BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL as a decimal multiplier.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType enumerates broker order styles.
type OrderType string

const (
	OrderMarket    OrderType = "MARKET"
	OrderLimit     OrderType = "LIMIT"
	OrderStop      OrderType = "STOP"
	OrderStopLimit OrderType = "STOP_LIMIT"
)

// OrderState is the order lifecycle state.
//
// PENDING → WORKING → (PARTIAL)* → FILLED | CANCELED | REJECTED | EXPIRED
type OrderState string

const (
	OrderPending  OrderState = "PENDING"
	OrderWorking  OrderState = "WORKING"
	OrderPartial  OrderState = "PARTIAL"
	OrderFilled   OrderState = "FILLED"
	OrderCanceled OrderState = "CANCELED"
	OrderRejected OrderState = "REJECTED"
	OrderExpired  OrderState = "EXPIRED"
)

// Terminal reports whether the state ends the order lifecycle.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Order is a sized, risk-checked order tracked by the gateway from
// submission to terminal state.
type Order struct {
	ID         string     `json:"id"`        // local id, assigned at submission
	BrokerID   string     `json:"broker_id"` // broker-assigned, set on ack
	StrategyID string     `json:"strategy_id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Type       OrderType  `json:"type"`

	Qty        decimal.Decimal  `json:"qty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	TIF        TimeInForce      `json:"tif,omitempty"`

	State        OrderState      `json:"state"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Reason       string          `json:"reason,omitempty"` // rejection reason, if any

	SubmitTS   time.Time  `json:"submit_ts"`
	TerminalTS *time.Time `json:"terminal_ts,omitempty"`
}

// Fill is a single execution against an order. (BrokerOrderID, Seq)
// identifies a fill for at-most-once application.
type Fill struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Seq           int64           `json:"seq"`
	OrderID       string          `json:"order_id"` // local order id
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	TS            time.Time       `json:"ts"`
}

// Key returns the dedup identity of the fill.
func (f Fill) Key() string { return fmt.Sprintf("%s#%d", f.BrokerOrderID, f.Seq) }

// ————————————————————————————————————————————————————————————————————————
// Positions and broker capabilities
// ————————————————————————————————————————————————————————————————————————

// Position is a signed holding in one symbol. Quantity sign encodes
// long/short.
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// BrokerCapabilities describes static execution constraints of a broker
// instance. Fixed for the runtime's lifetime.
type BrokerCapabilities struct {
	MinNotional         decimal.Decimal  `json:"min_notional"`
	MaxPositionSize     *decimal.Decimal `json:"max_position_size,omitempty"`
	MinLotSize          decimal.Decimal  `json:"min_lot_size"`
	StepSize            decimal.Decimal  `json:"step_size"`
	FractionalShares    bool             `json:"fractional_shares"`
	SupportedOrderTypes []OrderType      `json:"supported_order_types"`
	ShortSelling        bool             `json:"short_selling"`
}

// Supports reports whether the broker accepts the given order type.
func (c BrokerCapabilities) Supports(t OrderType) bool {
	for _, s := range c.SupportedOrderTypes {
		if s == t {
			return true
		}
	}
	return false
}

// RoundToStep rounds a quantity down to the broker's step size. With
// fractional shares disabled, quantities floor to whole units first.
func (c BrokerCapabilities) RoundToStep(qty decimal.Decimal) decimal.Decimal {
	neg := qty.IsNegative()
	q := qty.Abs()
	if !c.FractionalShares {
		q = q.Floor()
	} else if c.StepSize.IsPositive() {
		q = q.Div(c.StepSize).Floor().Mul(c.StepSize)
	}
	if neg {
		return q.Neg()
	}
	return q
}

// ————————————————————————————————————————————————————————————————————————
// Strategies
// ————————————————————————————————————————————————————————————————————————

// Mode selects how signals leave the runtime.
type Mode string

const (
	ModeSignals Mode = "signals" // observe only, never touch the gateway
	ModePaper   Mode = "paper"   // execute against the paper endpoint
	ModeLive    Mode = "live"    // execute against the live endpoint
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSignals, ModePaper, ModeLive:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (signals, paper, live)", s)
}

// StrategyStatus is the runner lifecycle state.
type StrategyStatus string

const (
	StatusInitializing StrategyStatus = "INITIALIZING"
	StatusRunning      StrategyStatus = "RUNNING"
	StatusPaused       StrategyStatus = "PAUSED"
	StatusStopping     StrategyStatus = "STOPPING"
	StatusStopped      StrategyStatus = "STOPPED"
	StatusErrored      StrategyStatus = "ERRORED"
)

// Terminal reports whether the status ends the strategy lifecycle.
func (s StrategyStatus) Terminal() bool {
	return s == StatusStopped || s == StatusErrored
}

// StrategyRecord is the supervisor's authoritative view of one deployed
// strategy.
type StrategyRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	SourcePath  string          `json:"source_path"`
	Engine      string          `json:"engine"`
	Symbols     []string        `json:"symbols"`
	Granularity Granularity     `json:"granularity"`
	Lookback    int             `json:"lookback"`
	Allocation  decimal.Decimal `json:"allocation"` // absolute currency after deploy-time normalization
	Mode        Mode            `json:"mode"`
	DataSource  string          `json:"data_source"`
	Broker      string          `json:"broker"`
	DurationMin int             `json:"duration_min,omitempty"` // 0 = unbounded
	Status      StrategyStatus  `json:"status"`

	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	LastSignalTS   *time.Time        `json:"last_signal_ts,omitempty"`
	LastSignalType SignalType        `json:"last_signal_type,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
}
