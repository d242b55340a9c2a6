package data

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/internal/clock"
	"stratequeue/pkg/types"
)

// SimProvider is a deterministic synthetic data source for demos and tests.
// Prices follow a smooth sinusoid plus hash-derived noise, so any bar is a
// pure function of (seed, symbol, period index): historical fetches and the
// realtime stream always agree, and feed reconnect tests can verify
// contiguous backfills exactly.
type SimProvider struct {
	seed       int64
	startPrice float64
	volatility float64
	clk        clock.Clock

	mu   sync.Mutex
	subs map[seriesKey]bool

	barCh chan StreamBar
	errCh chan StreamError
}

// NewSimProvider creates the simulated provider.
func NewSimProvider(seed int64, startPrice, volatility float64, clk clock.Clock) *SimProvider {
	if startPrice <= 0 {
		startPrice = 100
	}
	if volatility <= 0 {
		volatility = 0.02
	}
	return &SimProvider{
		seed:       seed,
		startPrice: startPrice,
		volatility: volatility,
		clk:        clk,
		subs:       make(map[seriesKey]bool),
		barCh:      make(chan StreamBar, 256),
		errCh:      make(chan StreamError, 16),
	}
}

func (p *SimProvider) Name() string { return "sim" }

func (p *SimProvider) Bars() <-chan StreamBar { return p.barCh }

func (p *SimProvider) Errors() <-chan StreamError { return p.errCh }

// FetchHistory generates limit bars ending at the last completed period.
func (p *SimProvider) FetchHistory(_ context.Context, symbol string, g types.Granularity, limit int) ([]types.Bar, error) {
	period := g.Duration()
	end := p.clk.Now().UTC().Truncate(period) // last completed boundary
	bars := make([]types.Bar, 0, limit)
	for i := limit; i >= 1; i-- {
		ts := end.Add(-time.Duration(i) * period)
		bars = append(bars, p.barAt(symbol, g, ts))
	}
	return bars, nil
}

func (p *SimProvider) Subscribe(symbol string, g types.Granularity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[seriesKey{provider: "sim", symbol: symbol, granularity: g}] = true
	return nil
}

func (p *SimProvider) Unsubscribe(symbol string, g types.Granularity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, seriesKey{provider: "sim", symbol: symbol, granularity: g})
	return nil
}

// Run emits one bar per subscribed series each time a period completes.
func (p *SimProvider) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(p.shortestPeriod()):
			p.emitDue()
		}
	}
}

func (p *SimProvider) shortestPeriod() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	shortest := time.Minute
	for key := range p.subs {
		if d := key.granularity.Duration(); d < shortest {
			shortest = d
		}
	}
	return shortest
}

func (p *SimProvider) emitDue() {
	p.mu.Lock()
	keys := make([]seriesKey, 0, len(p.subs))
	for key := range p.subs {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	now := p.clk.Now().UTC()
	for _, key := range keys {
		period := key.granularity.Duration()
		ts := now.Truncate(period).Add(-period) // the bar that just closed
		bar := p.barAt(key.symbol, key.granularity, ts)
		bar.Canonical = true
		select {
		case p.barCh <- StreamBar{Bar: bar, Granularity: key.granularity}:
		default:
			// manager can't keep up, drop
		}
	}
}

// barAt deterministically derives the bar for one period.
func (p *SimProvider) barAt(symbol string, g types.Granularity, ts time.Time) types.Bar {
	period := g.Duration()
	n := ts.UnixNano() / int64(period)

	base := p.priceAt(symbol, n)
	next := p.priceAt(symbol, n+1)
	open := base
	cl := next
	high := math.Max(open, cl) * (1 + p.volatility/4)
	low := math.Min(open, cl) * (1 - p.volatility/4)
	vol := 1000 + float64(p.noise(symbol, n)%9000)

	return types.Bar{
		Symbol: symbol,
		TS:     ts,
		Open:   decimal.NewFromFloat(round4(open)),
		High:   decimal.NewFromFloat(round4(high)),
		Low:    decimal.NewFromFloat(round4(low)),
		Close:  decimal.NewFromFloat(round4(cl)),
		Volume: decimal.NewFromFloat(vol),
	}
}

// priceAt is a smooth deterministic walk: a slow sinusoid for trend plus
// bounded hash noise for texture.
func (p *SimProvider) priceAt(symbol string, n int64) float64 {
	trend := math.Sin(float64(n)/25) * p.volatility * 10
	noise := (float64(p.noise(symbol, n)%1000)/1000 - 0.5) * p.volatility
	return p.startPrice * (1 + trend + noise)
}

func (p *SimProvider) noise(symbol string, n int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	var b [8]byte
	v := uint64(n) ^ uint64(p.seed)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	h.Write(b[:])
	return int64(h.Sum64() & math.MaxInt64)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
