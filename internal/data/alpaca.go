// alpaca.go implements the Alpaca Market Data provider: historical bars via
// the v2 REST API and realtime bars via the v2 WebSocket stream.
//
// The stream delivers completed minute bars. Minute subscriptions are
// forwarded directly; coarser granularities (5m, 15m, 1h, 1d) are rolled up
// locally and emitted as canonical bars when the period closes.
//
// The feed auto-reconnects with exponential backoff (1s doubling to a 60s
// cap) and re-authenticates and re-subscribes to every tracked symbol on
// reconnection. Gap repair after a reconnect is the Manager's job (it
// detects the hole and backfills via FetchHistory).
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

const (
	alpacaWriteTimeout     = 10 * time.Second
	alpacaReadTimeout      = 90 * time.Second
	alpacaMaxReconnectWait = 60 * time.Second
)

// alpacaTimeframe maps granularities to Alpaca timeframe strings.
var alpacaTimeframe = map[types.Granularity]string{
	types.Gran1m:  "1Min",
	types.Gran5m:  "5Min",
	types.Gran15m: "15Min",
	types.Gran1h:  "1Hour",
	types.Gran1d:  "1Day",
}

// alpacaBar is the REST and stream bar shape (identical field keys).
type alpacaBar struct {
	Symbol string    `json:"S"`
	TS     time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

type alpacaBarsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken string      `json:"next_page_token"`
}

type alpacaStreamMsg struct {
	Type   string  `json:"T"`
	Symbol string  `json:"S,omitempty"`
	Code   int     `json:"code,omitempty"`
	Msg    string  `json:"msg,omitempty"`
	TS     string  `json:"t,omitempty"`
	Open   float64 `json:"o,omitempty"`
	High   float64 `json:"h,omitempty"`
	Low    float64 `json:"l,omitempty"`
	Close  float64 `json:"c,omitempty"`
	Volume float64 `json:"v,omitempty"`
}

// AlpacaProvider serves stocks data from Alpaca's Market Data API.
type AlpacaProvider struct {
	apiKey    string
	secretKey string
	streamURL string
	http      *resty.Client
	logger    *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// subscriptions by symbol; the stream itself is always per-minute, the
	// wanted granularities drive local rollups. subMu also guards rollups:
	// the stream goroutine folds bars in while Unsubscribe tears state down.
	subMu   sync.RWMutex
	subs    map[string]map[types.Granularity]bool
	rollups map[seriesKey]*rollup

	barCh chan StreamBar
	errCh chan StreamError
}

type rollup struct {
	periodStart time.Time
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	close_      decimal.Decimal
	volume      decimal.Decimal
}

// NewAlpacaProvider creates the Alpaca data provider.
func NewAlpacaProvider(apiKey, secretKey, baseURL, streamURL string, logger *slog.Logger) *AlpacaProvider {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("APCA-API-KEY-ID", apiKey).
		SetHeader("APCA-API-SECRET-KEY", secretKey)

	return &AlpacaProvider{
		apiKey:    apiKey,
		secretKey: secretKey,
		streamURL: streamURL,
		http:      httpClient,
		logger:    logger.With("component", "alpaca_data"),
		subs:      make(map[string]map[types.Granularity]bool),
		rollups:   make(map[seriesKey]*rollup),
		barCh:     make(chan StreamBar, 256),
		errCh:     make(chan StreamError, 16),
	}
}

func (p *AlpacaProvider) Name() string { return "alpaca" }

func (p *AlpacaProvider) Bars() <-chan StreamBar { return p.barCh }

func (p *AlpacaProvider) Errors() <-chan StreamError { return p.errCh }

// FetchHistory fetches up to limit bars ending now, oldest first. Responses
// are paged; the next_page_token is followed until limit bars are collected
// or the history runs out.
func (p *AlpacaProvider) FetchHistory(ctx context.Context, symbol string, g types.Granularity, limit int) ([]types.Bar, error) {
	tf, ok := alpacaTimeframe[g]
	if !ok {
		return nil, fmt.Errorf("granularity %s not supported by alpaca", g)
	}

	bars := make([]types.Bar, 0, limit)
	pageToken := ""
	for len(bars) < limit {
		params := map[string]string{
			"timeframe":  tf,
			"limit":      fmt.Sprintf("%d", limit-len(bars)),
			"adjustment": "raw",
		}
		if pageToken != "" {
			params["page_token"] = pageToken
		}

		var result alpacaBarsResponse
		resp, err := p.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&result).
			Get(fmt.Sprintf("/v2/stocks/%s/bars", symbol))
		if err != nil {
			return nil, fmt.Errorf("fetch bars: %w", err)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
		case http.StatusUnprocessableEntity, http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s (%d)", types.ErrRejectedSymbol, symbol, resp.StatusCode())
		default:
			return nil, fmt.Errorf("fetch bars: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, ab := range result.Bars {
			bars = append(bars, types.Bar{
				Symbol: symbol,
				TS:     ab.TS.UTC(),
				Open:   decimal.NewFromFloat(ab.Open),
				High:   decimal.NewFromFloat(ab.High),
				Low:    decimal.NewFromFloat(ab.Low),
				Close:  decimal.NewFromFloat(ab.Close),
				Volume: decimal.NewFromFloat(ab.Volume),
			})
		}
		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}

	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// Subscribe starts minute-bar streaming for the symbol and registers the
// wanted granularity.
func (p *AlpacaProvider) Subscribe(symbol string, g types.Granularity) error {
	p.subMu.Lock()
	first := len(p.subs[symbol]) == 0
	if p.subs[symbol] == nil {
		p.subs[symbol] = make(map[types.Granularity]bool)
	}
	p.subs[symbol][g] = true
	p.subMu.Unlock()

	if !first {
		return nil
	}
	return p.writeJSON(map[string]any{"action": "subscribe", "bars": []string{symbol}})
}

// Unsubscribe drops a granularity; the stream subscription ends when the
// last granularity for the symbol is released.
func (p *AlpacaProvider) Unsubscribe(symbol string, g types.Granularity) error {
	p.subMu.Lock()
	if grans := p.subs[symbol]; grans != nil {
		delete(grans, g)
		if len(grans) == 0 {
			delete(p.subs, symbol)
		}
	}
	last := p.subs[symbol] == nil
	delete(p.rollups, seriesKey{provider: "alpaca", symbol: symbol, granularity: g})
	p.subMu.Unlock()

	if !last {
		return nil
	}
	return p.writeJSON(map[string]any{"action": "unsubscribe", "bars": []string{symbol}})
}

// Run maintains the stream connection with auto-reconnect. Blocks until ctx
// is cancelled.
func (p *AlpacaProvider) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := p.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > alpacaMaxReconnectWait {
			backoff = alpacaMaxReconnectWait
		}
	}
}

func (p *AlpacaProvider) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	defer func() {
		p.connMu.Lock()
		conn.Close()
		p.conn = nil
		p.connMu.Unlock()
	}()

	if err := p.writeJSON(map[string]string{
		"action": "auth", "key": p.apiKey, "secret": p.secretKey,
	}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Re-subscribe to every tracked symbol
	p.subMu.RLock()
	symbols := make([]string, 0, len(p.subs))
	for sym := range p.subs {
		symbols = append(symbols, sym)
	}
	p.subMu.RUnlock()
	if len(symbols) > 0 {
		if err := p.writeJSON(map[string]any{"action": "subscribe", "bars": symbols}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	p.logger.Info("stream connected", "symbols", len(symbols))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(alpacaReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		p.dispatchMessage(msg)
	}
}

func (p *AlpacaProvider) dispatchMessage(data []byte) {
	var msgs []alpacaStreamMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		p.logger.Debug("ignoring non-array stream message", "data", string(data))
		return
	}

	for _, msg := range msgs {
		switch msg.Type {
		case "b":
			p.onMinuteBar(msg)
		case "error":
			p.onStreamError(msg)
		case "success", "subscription":
			p.logger.Debug("stream control message", "type", msg.Type, "msg", msg.Msg)
		}
	}
}

func (p *AlpacaProvider) onMinuteBar(msg alpacaStreamMsg) {
	ts, err := time.Parse(time.RFC3339, msg.TS)
	if err != nil {
		p.logger.Warn("bad bar timestamp", "ts", msg.TS, "error", err)
		return
	}

	bar := types.Bar{
		Symbol:    msg.Symbol,
		TS:        ts.UTC(),
		Open:      decimal.NewFromFloat(msg.Open),
		High:      decimal.NewFromFloat(msg.High),
		Low:       decimal.NewFromFloat(msg.Low),
		Close:     decimal.NewFromFloat(msg.Close),
		Volume:    decimal.NewFromFloat(msg.Volume),
		Canonical: true, // the stream only sends completed bars
	}

	p.subMu.RLock()
	grans := make([]types.Granularity, 0, len(p.subs[msg.Symbol]))
	for g := range p.subs[msg.Symbol] {
		grans = append(grans, g)
	}
	p.subMu.RUnlock()

	for _, g := range grans {
		if g == types.Gran1m {
			p.emit(StreamBar{Bar: bar, Granularity: g})
			continue
		}
		if closed, ok := p.roll(bar, g); ok {
			p.emit(StreamBar{Bar: closed, Granularity: g})
		}
	}
}

// roll folds a minute bar into the open rollup for a coarser granularity.
// Returns the completed bar once the minute bar crosses into a new period.
func (p *AlpacaProvider) roll(minute types.Bar, g types.Granularity) (types.Bar, bool) {
	key := seriesKey{provider: "alpaca", symbol: minute.Symbol, granularity: g}
	period := g.Duration()
	start := minute.TS.Truncate(period)

	p.subMu.Lock()
	defer p.subMu.Unlock()

	r := p.rollups[key]
	if r == nil || !r.periodStart.Equal(start) {
		var done types.Bar
		complete := false
		if r != nil {
			done = types.Bar{
				Symbol: minute.Symbol, TS: r.periodStart,
				Open: r.open, High: r.high, Low: r.low, Close: r.close_,
				Volume: r.volume, Canonical: true,
			}
			complete = true
		}
		p.rollups[key] = &rollup{
			periodStart: start,
			open:        minute.Open,
			high:        minute.High,
			low:         minute.Low,
			close_:      minute.Close,
			volume:      minute.Volume,
		}
		return done, complete
	}

	if minute.High.GreaterThan(r.high) {
		r.high = minute.High
	}
	if minute.Low.LessThan(r.low) {
		r.low = minute.Low
	}
	r.close_ = minute.Close
	r.volume = r.volume.Add(minute.Volume)
	return types.Bar{}, false
}

func (p *AlpacaProvider) onStreamError(msg alpacaStreamMsg) {
	// 405/406 are auth/subscription rejections: fatal for the symbol set;
	// everything else is transient.
	fatal := msg.Code == 405 || msg.Code == 406 || msg.Code == 402
	se := StreamError{
		Symbol: msg.Symbol,
		Err:    fmt.Errorf("alpaca stream error %d: %s", msg.Code, msg.Msg),
		Fatal:  fatal,
	}
	select {
	case p.errCh <- se:
	default:
	}
}

func (p *AlpacaProvider) emit(sb StreamBar) {
	select {
	case p.barCh <- sb:
	default:
		p.logger.Warn("bar channel full, dropping bar", "symbol", sb.Symbol)
	}
}

func (p *AlpacaProvider) writeJSON(v any) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn == nil {
		// Not connected yet; the connect path re-subscribes from the
		// tracked set, so losing this write is fine.
		return nil
	}
	p.conn.SetWriteDeadline(time.Now().Add(alpacaWriteTimeout))
	return p.conn.WriteJSON(v)
}
