// alpaca.go implements the Adapter against Alpaca's Trading API. The paper
// and live endpoints share the wire format; the base URL chosen at
// construction decides which account the adapter trades.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

const alpacaRPCTimeout = 10 * time.Second

// Alpaca is the REST broker adapter.
type Alpaca struct {
	http    *resty.Client
	limiter *TokenBucket
	logger  *slog.Logger
	paper   bool
}

// NewAlpaca creates the adapter. baseURL selects the paper or live account.
func NewAlpaca(apiKey, secretKey, baseURL string, paper bool, logger *slog.Logger) *Alpaca {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(alpacaRPCTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("APCA-API-KEY-ID", apiKey).
		SetHeader("APCA-API-SECRET-KEY", secretKey)

	return &Alpaca{
		http:    httpClient,
		limiter: newAlpacaLimiter(),
		logger:  logger.With("component", "alpaca_broker", "paper", paper),
		paper:   paper,
	}
}

func (a *Alpaca) Name() string {
	if a.paper {
		return "alpaca-paper"
	}
	return "alpaca"
}

// Capabilities reflects Alpaca's US equities constraints: fractional shares
// down to 0.001, $1 minimum notional, no shorting of fractionals (shorting
// disabled wholesale here; enabling it is a deliberate config decision).
func (a *Alpaca) Capabilities() types.BrokerCapabilities {
	return types.BrokerCapabilities{
		MinNotional:      decimal.NewFromInt(1),
		MinLotSize:       decimal.RequireFromString("0.001"),
		StepSize:         decimal.RequireFromString("0.001"),
		FractionalShares: true,
		SupportedOrderTypes: []types.OrderType{
			types.OrderMarket, types.OrderLimit, types.OrderStop, types.OrderStopLimit,
		},
	}
}

type alpacaAccount struct {
	Cash   decimal.Decimal `json:"cash"`
	Equity decimal.Decimal `json:"equity"`
}

func (a *Alpaca) Account(ctx context.Context) (Account, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Account{}, err
	}
	var acct alpacaAccount
	resp, err := a.http.R().SetContext(ctx).SetResult(&acct).Get("/v2/account")
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Account{}, fmt.Errorf("get account: status %d: %s", resp.StatusCode(), resp.String())
	}
	return Account{Cash: acct.Cash, Equity: acct.Equity}, nil
}

type alpacaPosition struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry_price"`
	MarketValue decimal.Decimal `json:"market_value"`
	Side        string          `json:"side"`
}

func (a *Alpaca) Positions(ctx context.Context) ([]types.Position, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var raw []alpacaPosition
	resp, err := a.http.R().SetContext(ctx).SetResult(&raw).Get("/v2/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if p.Side == "short" && qty.IsPositive() {
			qty = qty.Neg()
		}
		out = append(out, types.Position{
			Symbol:      p.Symbol,
			Qty:         qty,
			AvgCost:     p.AvgEntry,
			MarketValue: p.MarketValue,
		})
	}
	return out, nil
}

type alpacaOrder struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type alpacaOrderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
	StopPrice   string `json:"stop_price,omitempty"`
	ClientID    string `json:"client_order_id"`
}

func (a *Alpaca) Submit(ctx context.Context, order types.Order) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := alpacaOrderRequest{
		Symbol:      order.Symbol,
		Qty:         order.Qty.String(),
		Side:        strings.ToLower(string(order.Side)),
		Type:        alpacaOrderType(order.Type),
		TimeInForce: alpacaTIF(order.TIF),
		ClientID:    order.ID,
	}
	if order.LimitPrice != nil {
		req.LimitPrice = order.LimitPrice.String()
	}
	if order.StopPrice != nil {
		req.StopPrice = order.StopPrice.String()
	}

	var placed alpacaOrder
	resp, err := a.http.R().SetContext(ctx).SetBody(req).SetResult(&placed).Post("/v2/orders")
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}
	a.logger.Info("order submitted", "broker_id", placed.ID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Qty)
	return placed.ID, nil
}

func (a *Alpaca) Cancel(ctx context.Context, brokerID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.http.R().SetContext(ctx).Delete("/v2/orders/" + brokerID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	// 404 after a terminal state is fine; the reconciliation sweep settles it
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (a *Alpaca) Status(ctx context.Context, brokerID string) (OrderStatus, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return OrderStatus{}, err
	}
	var o alpacaOrder
	resp, err := a.http.R().SetContext(ctx).SetResult(&o).Get("/v2/orders/" + brokerID)
	if err != nil {
		return OrderStatus{}, fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderStatus{}, fmt.Errorf("order status: status %d: %s", resp.StatusCode(), resp.String())
	}

	st := OrderStatus{
		BrokerID:  o.ID,
		State:     alpacaOrderState(o.Status),
		FilledQty: o.FilledQty,
		UpdatedAt: o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice = *o.FilledAvgPrice
	}
	return st, nil
}

type alpacaActivity struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	TransactionTime time.Time       `json:"transaction_time"`
}

// Fills lists the executions of one order via the account activities feed.
// Activities are append-only, so ordering by transaction time yields stable
// sequence numbers across polls.
func (a *Alpaca) Fills(ctx context.Context, brokerID string) ([]types.Fill, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var raw []alpacaActivity
	resp, err := a.http.R().SetContext(ctx).
		SetQueryParam("activity_types", "FILL").
		SetResult(&raw).
		Get("/v2/account/activities")
	if err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get fills: status %d: %s", resp.StatusCode(), resp.String())
	}

	var mine []alpacaActivity
	for _, act := range raw {
		if act.OrderID == brokerID {
			mine = append(mine, act)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		if mine[i].TransactionTime.Equal(mine[j].TransactionTime) {
			return mine[i].ID < mine[j].ID
		}
		return mine[i].TransactionTime.Before(mine[j].TransactionTime)
	})

	fills := make([]types.Fill, 0, len(mine))
	for i, act := range mine {
		side := types.SideBuy
		if strings.HasPrefix(act.Side, "sell") {
			side = types.SideSell
		}
		fills = append(fills, types.Fill{
			BrokerOrderID: brokerID,
			Seq:           int64(i) + 1,
			Symbol:        act.Symbol,
			Side:          side,
			Qty:           act.Qty,
			Price:         act.Price,
			TS:            act.TransactionTime,
		})
	}
	return fills, nil
}

func (a *Alpaca) FindByClientID(ctx context.Context, clientID string) (OrderStatus, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return OrderStatus{}, err
	}
	var o alpacaOrder
	resp, err := a.http.R().SetContext(ctx).
		SetQueryParam("client_order_id", clientID).
		SetResult(&o).
		Get("/v2/orders:by_client_order_id")
	if err != nil {
		return OrderStatus{}, fmt.Errorf("find by client id: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return OrderStatus{}, ErrOrderNotFound
	}
	if resp.StatusCode() != http.StatusOK {
		return OrderStatus{}, fmt.Errorf("find by client id: status %d: %s", resp.StatusCode(), resp.String())
	}
	st := OrderStatus{
		BrokerID:  o.ID,
		State:     alpacaOrderState(o.Status),
		FilledQty: o.FilledQty,
		UpdatedAt: o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice = *o.FilledAvgPrice
	}
	return st, nil
}

func (a *Alpaca) OpenOrders(ctx context.Context) ([]string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var raw []alpacaOrder
	resp, err := a.http.R().SetContext(ctx).
		SetQueryParam("status", "open").
		SetResult(&raw).
		Get("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	ids := make([]string, 0, len(raw))
	for _, o := range raw {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func alpacaOrderType(t types.OrderType) string {
	switch t {
	case types.OrderLimit:
		return "limit"
	case types.OrderStop:
		return "stop"
	case types.OrderStopLimit:
		return "stop_limit"
	default:
		return "market"
	}
}

func alpacaTIF(tif types.TimeInForce) string {
	switch tif {
	case types.TIFGTC:
		return "gtc"
	case types.TIFIOC:
		return "ioc"
	default:
		return "day"
	}
}

func alpacaOrderState(status string) types.OrderState {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return types.OrderWorking
	case "partially_filled":
		return types.OrderPartial
	case "filled":
		return types.OrderFilled
	case "canceled", "pending_cancel", "done_for_day":
		return types.OrderCanceled
	case "rejected", "stopped", "suspended":
		return types.OrderRejected
	case "expired":
		return types.OrderExpired
	default:
		return types.OrderWorking
	}
}
