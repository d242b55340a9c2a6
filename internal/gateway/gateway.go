// Package gateway owns all broker I/O: order submission, cancellation,
// status polling, and reconciliation. It is the single writer to the order
// table and the single source of fill events.
//
// Fill ingestion is pull-based and authoritative: working orders are polled
// on a fixed cadence and their executions deduplicated by (broker id, seq).
// A push stream may feed IngestFill to cut latency; the dedup makes replays
// no-ops either way.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"stratequeue/internal/broker"
	"stratequeue/internal/clock"
	"stratequeue/pkg/types"
)

// Defaults for the polling and reconciliation cadences.
const (
	DefaultPollInterval      = time.Second
	DefaultReconcileInterval = 30 * time.Second
	DefaultRPCTimeout        = 10 * time.Second
	DefaultRetention         = 15 * time.Minute
)

// Options tunes the gateway loops.
type Options struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	RPCTimeout        time.Duration
	// Retention bounds how long a terminal order stays in the table after
	// its TerminalTS. Fills land in the portfolio and the fill log as they
	// happen, so after the window the entry only serves late status queries.
	Retention time.Duration
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = DefaultReconcileInterval
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = DefaultRPCTimeout
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
}

// Gateway tracks orders from submission to terminal state against one
// broker adapter.
type Gateway struct {
	adapter broker.Adapter
	clk     clock.Clock
	logger  *slog.Logger
	opts    Options

	mu       sync.Mutex
	orders   map[string]*types.Order // by local id
	byBroker map[string]string       // broker id -> local id
	applied  map[string]bool         // fill keys already published
	adopting map[string]bool         // local ids awaiting submission adoption
	waiters  map[string][]chan types.Order

	fills chan types.Fill
}

// New creates a gateway over the adapter.
func New(adapter broker.Adapter, clk clock.Clock, logger *slog.Logger, opts Options) *Gateway {
	opts.withDefaults()
	return &Gateway{
		adapter:  adapter,
		clk:      clk,
		logger:   logger.With("component", "gateway", "broker", adapter.Name()),
		opts:     opts,
		orders:   make(map[string]*types.Order),
		byBroker: make(map[string]string),
		applied:  make(map[string]bool),
		adopting: make(map[string]bool),
		waiters:  make(map[string][]chan types.Order),
	}
}

// Fills delivers deduplicated fill events in application order. The consumer
// applies them to the portfolio ledger.
func (g *Gateway) Fills() <-chan types.Fill {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fills == nil {
		g.fills = make(chan types.Fill, 256)
	}
	return g.fills
}

// Adapter exposes the underlying broker (for capabilities and account
// queries at deploy time).
func (g *Gateway) Adapter() broker.Adapter { return g.adapter }

// Submit places an order with the broker. On a submission timeout the order
// stays tracked in PENDING and the next reconciliation sweep either adopts
// the broker's copy or rejects it locally.
func (g *Gateway) Submit(ctx context.Context, order types.Order) error {
	if order.ID == "" {
		return fmt.Errorf("order missing local id")
	}
	order.State = types.OrderPending
	order.SubmitTS = g.clk.Now()

	g.mu.Lock()
	if _, dup := g.orders[order.ID]; dup {
		g.mu.Unlock()
		return fmt.Errorf("order %s already submitted", order.ID)
	}
	tracked := order
	g.orders[order.ID] = &tracked
	g.mu.Unlock()

	rpcCtx, cancel := context.WithTimeout(ctx, g.opts.RPCTimeout)
	defer cancel()

	brokerID, err := g.adapter.Submit(rpcCtx, order)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// ack lost, the broker may still have it: reconcile decides
			g.mu.Lock()
			g.adopting[order.ID] = true
			g.mu.Unlock()
			g.logger.Warn("submission timed out, order queued for adoption",
				"order", order.ID, "symbol", order.Symbol)
			return fmt.Errorf("submit %s: %w", order.ID, err)
		}
		g.transition(order.ID, func(o *types.Order) {
			o.State = types.OrderRejected
			o.Reason = err.Error()
		})
		return fmt.Errorf("submit %s: %w", order.ID, err)
	}

	g.mu.Lock()
	if o := g.orders[order.ID]; o != nil {
		o.BrokerID = brokerID
		o.State = types.OrderWorking
	}
	g.byBroker[brokerID] = order.ID
	g.mu.Unlock()

	g.logger.Info("order working", "order", order.ID, "broker_id", brokerID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Qty)
	return nil
}

// Cancel requests cancellation of a working order by local id.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.State.Terminal() {
		g.mu.Unlock()
		return nil
	}
	brokerID := o.BrokerID
	g.mu.Unlock()

	if brokerID == "" {
		return fmt.Errorf("order %s has no broker id yet", orderID)
	}
	rpcCtx, cancel := context.WithTimeout(ctx, g.opts.RPCTimeout)
	defer cancel()
	return g.adapter.Cancel(rpcCtx, brokerID)
}

// Order returns a copy of a tracked order.
func (g *Gateway) Order(orderID string) (types.Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// OpenForStrategy lists a strategy's non-terminal orders.
func (g *Gateway) OpenForStrategy(strategyID string) []types.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []types.Order
	for _, o := range g.orders {
		if o.StrategyID == strategyID && !o.State.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// WaitTerminal blocks until the order reaches a terminal state or ctx is
// cancelled.
func (g *Gateway) WaitTerminal(ctx context.Context, orderID string) (types.Order, error) {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return types.Order{}, fmt.Errorf("unknown order %s", orderID)
	}
	if o.State.Terminal() {
		done := *o
		g.mu.Unlock()
		return done, nil
	}
	ch := make(chan types.Order, 1)
	g.waiters[orderID] = append(g.waiters[orderID], ch)
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.Order{}, ctx.Err()
	case done := <-ch:
		return done, nil
	}
}

// IngestFill accepts a pushed fill. Deduplicated against polled fills; a
// replay is a no-op.
func (g *Gateway) IngestFill(f types.Fill) {
	g.mu.Lock()
	localID, ok := g.byBroker[f.BrokerOrderID]
	if !ok {
		g.mu.Unlock()
		g.logger.Warn("fill for unknown broker order", "broker_id", f.BrokerOrderID)
		return
	}
	o := g.orders[localID]
	g.mu.Unlock()

	f.OrderID = localID
	f.StrategyID = o.StrategyID
	g.publishFill(f)
}

// Run drives the polling and reconciliation loops until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	lastReconcile := g.clk.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clk.After(g.opts.PollInterval):
			g.poll(ctx)
			if g.clk.Now().Sub(lastReconcile) >= g.opts.ReconcileInterval {
				g.Reconcile(ctx)
				lastReconcile = g.clk.Now()
			}
		}
	}
}

// poll refreshes every working order's state and executions.
func (g *Gateway) poll(ctx context.Context) {
	g.mu.Lock()
	var working []types.Order
	for _, o := range g.orders {
		if !o.State.Terminal() && o.BrokerID != "" {
			working = append(working, *o)
		}
	}
	g.mu.Unlock()

	for _, o := range working {
		if ctx.Err() != nil {
			return
		}
		g.pollOne(ctx, o)
	}
}

func (g *Gateway) pollOne(ctx context.Context, o types.Order) {
	rpcCtx, cancel := context.WithTimeout(ctx, g.opts.RPCTimeout)
	defer cancel()

	fills, err := g.adapter.Fills(rpcCtx, o.BrokerID)
	if err != nil {
		g.logger.Warn("fill poll failed", "order", o.ID, "error", err)
		return
	}
	for _, f := range fills {
		f.OrderID = o.ID
		f.StrategyID = o.StrategyID
		g.publishFill(f)
	}

	st, err := g.adapter.Status(rpcCtx, o.BrokerID)
	if err != nil {
		g.logger.Warn("status poll failed", "order", o.ID, "error", err)
		return
	}
	g.transition(o.ID, func(tracked *types.Order) {
		tracked.State = st.State
		tracked.FilledQty = st.FilledQty
		tracked.AvgFillPrice = st.AvgFillPrice
		if st.Reason != "" {
			tracked.Reason = st.Reason
		}
	})
}

// Reconcile syncs the local table with the broker's authoritative state:
// adoption of timed-out submissions, and adoption of terminal states for
// orders the broker no longer lists as open.
func (g *Gateway) Reconcile(ctx context.Context) {
	g.mu.Lock()
	var pending []string
	for id := range g.adopting {
		pending = append(pending, id)
	}
	g.mu.Unlock()

	for _, id := range pending {
		g.adopt(ctx, id)
	}
	g.poll(ctx)
	g.evictTerminal()
}

// evictTerminal drops orders whose terminal state outlasted the retention
// window, together with their broker-id mapping and fill dedup keys. The
// table stays bounded by working orders plus one retention window of churn.
func (g *Gateway) evictTerminal() {
	cutoff := g.clk.Now().Add(-g.opts.Retention)

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, o := range g.orders {
		if o.TerminalTS == nil || o.TerminalTS.After(cutoff) {
			continue
		}
		delete(g.orders, id)
		if o.BrokerID != "" {
			delete(g.byBroker, o.BrokerID)
			prefix := o.BrokerID + "#"
			for key := range g.applied {
				if strings.HasPrefix(key, prefix) {
					delete(g.applied, key)
				}
			}
		}
		delete(g.adopting, id)
	}
}

// adopt resolves one timed-out submission: if the broker has the order it
// becomes WORKING under the broker's id, else it is REJECTED locally.
func (g *Gateway) adopt(ctx context.Context, orderID string) {
	rpcCtx, cancel := context.WithTimeout(ctx, g.opts.RPCTimeout)
	defer cancel()

	st, err := g.adapter.FindByClientID(rpcCtx, orderID)
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		g.transition(orderID, func(o *types.Order) {
			o.State = types.OrderRejected
			o.Reason = "submission lost, broker has no record"
		})
		g.mu.Lock()
		delete(g.adopting, orderID)
		g.mu.Unlock()
		g.logger.Warn("order adoption failed, rejected locally", "order", orderID)
	case err != nil:
		g.logger.Warn("order adoption query failed", "order", orderID, "error", err)
	default:
		g.mu.Lock()
		if o := g.orders[orderID]; o != nil {
			o.BrokerID = st.BrokerID
			g.byBroker[st.BrokerID] = orderID
		}
		delete(g.adopting, orderID)
		g.mu.Unlock()
		g.transition(orderID, func(o *types.Order) {
			o.State = st.State
			o.FilledQty = st.FilledQty
			o.AvgFillPrice = st.AvgFillPrice
		})
		g.logger.Info("order adopted from broker", "order", orderID, "broker_id", st.BrokerID)
	}
}

// publishFill emits a fill exactly once.
func (g *Gateway) publishFill(f types.Fill) {
	g.mu.Lock()
	if g.applied[f.Key()] {
		g.mu.Unlock()
		return
	}
	g.applied[f.Key()] = true
	ch := g.fills
	g.mu.Unlock()

	if ch != nil {
		ch <- f
	}
	g.logger.Info("fill", "order", f.OrderID, "symbol", f.Symbol,
		"side", f.Side, "qty", f.Qty, "price", f.Price)
}

// transition applies a mutation to a tracked order and fires terminal
// waiters when the order completes.
func (g *Gateway) transition(orderID string, mutate func(*types.Order)) {
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return
	}
	wasTerminal := o.State.Terminal()
	mutate(o)
	nowTerminal := o.State.Terminal()
	if nowTerminal && !wasTerminal {
		now := g.clk.Now()
		o.TerminalTS = &now
	}
	var toNotify []chan types.Order
	var done types.Order
	if nowTerminal && !wasTerminal {
		toNotify = g.waiters[orderID]
		delete(g.waiters, orderID)
		done = *o
	}
	g.mu.Unlock()

	for _, ch := range toNotify {
		ch <- done
	}
}
