package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"stratequeue/internal/clock"
	"stratequeue/pkg/types"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Paper is an in-process broker simulator. Market orders fill immediately at
// the current mark price adjusted by slippage; limit and stop orders rest
// until a mark update crosses them. It backs the paper execution mode and the
// gateway's tests, so the full order lifecycle runs without touching a real
// brokerage.
type Paper struct {
	clk    clock.Clock
	logger *slog.Logger

	slippageBps decimal.Decimal
	feeBps      decimal.Decimal
	caps        types.BrokerCapabilities

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]decimal.Decimal // signed qty per symbol
	marks     map[string]decimal.Decimal
	orders    map[string]*paperOrder
	nextID    int64
}

type paperOrder struct {
	order types.Order
	fills []types.Fill
}

// NewPaper creates a simulator funded with initialCash.
func NewPaper(initialCash decimal.Decimal, slippageBps, feeBps decimal.Decimal, clk clock.Clock, logger *slog.Logger) *Paper {
	return &Paper{
		clk:         clk,
		logger:      logger.With("component", "paper_broker"),
		slippageBps: slippageBps,
		feeBps:      feeBps,
		caps: types.BrokerCapabilities{
			MinNotional:      decimal.NewFromInt(1),
			MinLotSize:       decimal.RequireFromString("0.001"),
			StepSize:         decimal.RequireFromString("0.001"),
			FractionalShares: true,
			SupportedOrderTypes: []types.OrderType{
				types.OrderMarket, types.OrderLimit, types.OrderStop, types.OrderStopLimit,
			},
		},
		cash:      initialCash,
		positions: make(map[string]decimal.Decimal),
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*paperOrder),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Capabilities() types.BrokerCapabilities { return p.caps }

// SetMark feeds the simulator a price. Resting limit and stop orders that
// the price crosses are filled.
func (p *Paper) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price

	for _, po := range p.orders {
		if po.order.State.Terminal() || po.order.Symbol != symbol {
			continue
		}
		p.tryExecuteLocked(po, price)
	}
}

func (p *Paper) Account(_ context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for sym, qty := range p.positions {
		if mark, ok := p.marks[sym]; ok {
			equity = equity.Add(qty.Mul(mark))
		}
	}
	return Account{Cash: p.cash, Equity: equity}, nil
}

func (p *Paper) Positions(_ context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for sym, qty := range p.positions {
		pos := types.Position{Symbol: sym, Qty: qty}
		if mark, ok := p.marks[sym]; ok {
			pos.MarketValue = qty.Mul(mark)
		}
		out = append(out, pos)
	}
	return out, nil
}

func (p *Paper) Submit(_ context.Context, order types.Order) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	brokerID := fmt.Sprintf("P-%d", p.nextID)
	order.BrokerID = brokerID
	order.State = types.OrderWorking

	po := &paperOrder{order: order}
	p.orders[brokerID] = po

	if mark, ok := p.marks[order.Symbol]; ok {
		p.tryExecuteLocked(po, mark)
	}
	p.logger.Debug("order accepted", "broker_id", brokerID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Qty, "state", po.order.State)
	return brokerID, nil
}

func (p *Paper) Cancel(_ context.Context, brokerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerID]
	if !ok {
		return fmt.Errorf("unknown order %s", brokerID)
	}
	if po.order.State.Terminal() {
		return nil
	}
	now := p.clk.Now()
	po.order.State = types.OrderCanceled
	po.order.TerminalTS = &now
	return nil
}

func (p *Paper) Status(_ context.Context, brokerID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("unknown order %s", brokerID)
	}
	return OrderStatus{
		BrokerID:     brokerID,
		State:        po.order.State,
		FilledQty:    po.order.FilledQty,
		AvgFillPrice: po.order.AvgFillPrice,
		Reason:       po.order.Reason,
		UpdatedAt:    p.clk.Now(),
	}, nil
}

func (p *Paper) Fills(_ context.Context, brokerID string) ([]types.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[brokerID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", brokerID)
	}
	out := make([]types.Fill, len(po.fills))
	copy(out, po.fills)
	return out, nil
}

func (p *Paper) FindByClientID(ctx context.Context, clientID string) (OrderStatus, error) {
	p.mu.Lock()
	var brokerID string
	for id, po := range p.orders {
		if po.order.ID == clientID {
			brokerID = id
			break
		}
	}
	p.mu.Unlock()
	if brokerID == "" {
		return OrderStatus{}, ErrOrderNotFound
	}
	return p.Status(ctx, brokerID)
}

func (p *Paper) OpenOrders(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, po := range p.orders {
		if !po.order.State.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// tryExecuteLocked fills the order if the price crosses it. Market orders
// always fill; limits fill at the limit price when crossed; stops trigger at
// the stop price and fill at the mark.
func (p *Paper) tryExecuteLocked(po *paperOrder, mark decimal.Decimal) {
	o := &po.order
	var fillPrice decimal.Decimal

	switch o.Type {
	case types.OrderMarket:
		fillPrice = p.slip(mark, o.Side)
	case types.OrderLimit:
		if !limitCrossed(o.Side, mark, *o.LimitPrice) {
			return
		}
		fillPrice = *o.LimitPrice
	case types.OrderStop:
		if !stopTriggered(o.Side, mark, *o.StopPrice) {
			return
		}
		fillPrice = p.slip(mark, o.Side)
	case types.OrderStopLimit:
		if !stopTriggered(o.Side, mark, *o.StopPrice) || !limitCrossed(o.Side, mark, *o.LimitPrice) {
			return
		}
		fillPrice = *o.LimitPrice
	default:
		return
	}

	qty := o.Qty
	notional := qty.Mul(fillPrice)
	fee := notional.Mul(p.feeBps).Div(bpsDivisor)
	now := p.clk.Now()

	fill := types.Fill{
		BrokerOrderID: o.BrokerID,
		Seq:           int64(len(po.fills)) + 1,
		OrderID:       o.ID,
		StrategyID:    o.StrategyID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           qty,
		Price:         fillPrice,
		Fee:           fee,
		TS:            now,
	}
	po.fills = append(po.fills, fill)

	o.FilledQty = qty
	o.AvgFillPrice = fillPrice
	o.State = types.OrderFilled
	o.TerminalTS = &now

	if o.Side == types.SideBuy {
		p.cash = p.cash.Sub(notional).Sub(fee)
		p.positions[o.Symbol] = p.positions[o.Symbol].Add(qty)
	} else {
		p.cash = p.cash.Add(notional).Sub(fee)
		p.positions[o.Symbol] = p.positions[o.Symbol].Sub(qty)
	}
	if p.positions[o.Symbol].IsZero() {
		delete(p.positions, o.Symbol)
	}
}

// slip moves the mark against the taker by slippageBps.
func (p *Paper) slip(mark decimal.Decimal, side types.Side) decimal.Decimal {
	adj := mark.Mul(p.slippageBps).Div(bpsDivisor)
	if side == types.SideBuy {
		return mark.Add(adj)
	}
	return mark.Sub(adj)
}

func limitCrossed(side types.Side, mark, limit decimal.Decimal) bool {
	if side == types.SideBuy {
		return mark.LessThanOrEqual(limit)
	}
	return mark.GreaterThanOrEqual(limit)
}

func stopTriggered(side types.Side, mark, stop decimal.Decimal) bool {
	if side == types.SideBuy {
		return mark.GreaterThanOrEqual(stop)
	}
	return mark.LessThanOrEqual(stop)
}
