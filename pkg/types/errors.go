package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrNotReady means a bar buffer holds fewer bars than the requested
	// lookback. Runners skip the tick and retry.
	ErrNotReady = errors.New("buffer not ready")

	// ErrStale means no bar has arrived within 3 expected intervals.
	ErrStale = errors.New("feed stale")

	// ErrRejectedSymbol means the provider permanently refused a symbol.
	// Fatal to every subscription on that symbol.
	ErrRejectedSymbol = errors.New("symbol rejected by provider")
)

// RejectCode identifies why the portfolio manager refused an order proposal.
// Rejections are observability events, not errors.
type RejectCode string

const (
	RejectUnsupportedOrderType RejectCode = "UNSUPPORTED_ORDER_TYPE"
	RejectBelowMinNotional     RejectCode = "BELOW_MIN_NOTIONAL"
	RejectInsufficientCash     RejectCode = "INSUFFICIENT_CASH"
	RejectInsufficientPosition RejectCode = "INSUFFICIENT_POSITION"
	RejectShortingDisabled     RejectCode = "SHORT_SELLING_DISABLED"
	RejectExceedsMaxPosition   RejectCode = "EXCEEDS_MAX_POSITION"
	RejectBelowMinLot          RejectCode = "BELOW_MIN_LOT"
	RejectZeroQuantity         RejectCode = "ZERO_QUANTITY"
)

// Rejection is the structured reason attached to a refused order proposal.
type Rejection struct {
	Code   RejectCode `json:"code"`
	Detail string     `json:"detail"`
}

func (r Rejection) String() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Invariantf panics with an invariant-violation message. Ledger arithmetic,
// buffer monotonicity, and ordering bugs crash the process rather than
// trade on corrupt state.
func Invariantf(format string, args ...any) {
	panic(fmt.Sprintf("invariant violation: "+format, args...))
}
