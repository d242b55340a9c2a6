// Package broker defines the brokerage adapter interface and its
// implementations: a REST adapter for Alpaca (paper and live endpoints) and
// an in-process paper simulator used by the paper mode and by tests.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

// Account is the broker's view of balances.
type Account struct {
	Cash   decimal.Decimal `json:"cash"`
	Equity decimal.Decimal `json:"equity"`
}

// OrderStatus is a broker-side order report used for polling and
// reconciliation.
type OrderStatus struct {
	BrokerID     string
	State        types.OrderState
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Reason       string
	UpdatedAt    time.Time
}

// Adapter is the brokerage interface the gateway drives. Implementations own
// their own transport, auth, and rate limiting; all calls honor ctx.
type Adapter interface {
	Name() string
	Capabilities() types.BrokerCapabilities

	Account(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]types.Position, error)

	// Submit places an order and returns the broker-assigned id.
	Submit(ctx context.Context, order types.Order) (brokerID string, err error)
	// Cancel requests cancellation of a working order by broker id.
	Cancel(ctx context.Context, brokerID string) error
	// Status reports one order's current broker-side state.
	Status(ctx context.Context, brokerID string) (OrderStatus, error)
	// Fills returns the executions for one order, in sequence order. The
	// gateway deduplicates by (broker id, seq), so returning the full list
	// every call is fine.
	Fills(ctx context.Context, brokerID string) ([]types.Fill, error)
	// OpenOrders lists broker ids of orders the broker still considers
	// working, for reconciliation sweeps.
	OpenOrders(ctx context.Context) ([]string, error)
	// FindByClientID looks an order up by the client-assigned id, used to
	// adopt orders whose submission ack was lost. ErrOrderNotFound when the
	// broker never received it.
	FindByClientID(ctx context.Context, clientID string) (OrderStatus, error)
}

// ErrOrderNotFound is returned by FindByClientID when the broker has no
// order under the client id.
var ErrOrderNotFound = errors.New("order not found")
