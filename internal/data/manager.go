package data

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stratequeue/internal/clock"
	"stratequeue/pkg/types"
)

const (
	// staleIntervals is how many expected bar periods may pass without a
	// bar before the series is considered stale.
	staleIntervals = 3

	// backfillTimeout bounds the historical fetch used to close a feed gap.
	backfillTimeout = 30 * time.Second
)

type seriesKey struct {
	provider    string
	symbol      string
	granularity types.Granularity
}

func (k seriesKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.provider, k.symbol, k.granularity)
}

// series is one buffered (provider, symbol, granularity) stream plus its
// subscriber bookkeeping.
type series struct {
	key      seriesKey
	buf      *BarBuffer
	refs     int
	seeded   bool
	fatalErr error
}

// Manager owns the provider pool and all bar buffers. It is the single
// writer to every buffer; runners only read through Handles.
type Manager struct {
	clk    clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	series    map[seriesKey]*series

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a data manager over the given providers.
func NewManager(providers []Provider, clk clock.Clock, logger *slog.Logger) *Manager {
	pool := make(map[string]Provider, len(providers))
	for _, p := range providers {
		pool[p.Name()] = p
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clk:       clk,
		logger:    logger.With("component", "data"),
		providers: pool,
		series:    make(map[seriesKey]*series),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches every provider feed and its dispatch loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for name, p := range m.providers {
		provider := p
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			if err := provider.Run(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Error("provider feed terminated", "provider", provider.Name(), "error", err)
			}
		}()
		go func() {
			defer m.wg.Done()
			m.dispatch(provider)
		}()
		m.logger.Info("provider started", "provider", name)
	}
}

// Stop cancels all feeds and waits for dispatch loops to drain.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Providers lists the registered provider names.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// HasProvider reports whether a provider is registered under the name.
func (m *Manager) HasProvider(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.providers[name]
	return ok
}

// Subscribe registers interest in a series. Idempotent across subscribers:
// the first subscription seeds the buffer from history and starts the feed;
// later ones only grow capacity and bump the refcount. The returned Handle
// must be closed to release the subscription.
func (m *Manager) Subscribe(ctx context.Context, providerName, symbol string, g types.Granularity, lookback int) (*Handle, error) {
	if lookback < 1 {
		return nil, fmt.Errorf("lookback must be >= 1, got %d", lookback)
	}

	m.mu.Lock()
	provider, ok := m.providers[providerName]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("unknown data provider %q", providerName)
	}

	key := seriesKey{provider: providerName, symbol: symbol, granularity: g}
	s, exists := m.series[key]
	if !exists {
		s = &series{key: key, buf: NewBarBuffer(lookback)}
		m.series[key] = s
	}
	s.buf.Grow(lookback)
	s.refs++
	needSeed := !s.seeded
	s.seeded = true
	m.mu.Unlock()

	if needSeed {
		history, err := provider.FetchHistory(ctx, symbol, g, lookback)
		if err != nil {
			m.logger.Warn("history seed failed, buffer fills from feed only",
				"series", key.String(), "error", err)
		} else {
			s.buf.Seed(history, m.clk.Now())
			m.logger.Info("buffer seeded", "series", key.String(), "bars", len(history))
		}
		if err := provider.Subscribe(symbol, g); err != nil {
			m.release(key)
			return nil, fmt.Errorf("subscribe %s: %w", key.String(), err)
		}
	}

	return &Handle{mgr: m, key: key, lookback: lookback}, nil
}

func (m *Manager) release(key seriesKey) {
	m.mu.Lock()
	s, ok := m.series[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.refs--
	dormant := s.refs <= 0
	if dormant {
		s.seeded = false
	}
	provider := m.providers[key.provider]
	m.mu.Unlock()

	if dormant && provider != nil {
		if err := provider.Unsubscribe(key.symbol, key.granularity); err != nil {
			m.logger.Warn("unsubscribe failed", "series", key.String(), "error", err)
		}
	}
}

// dispatch routes one provider's bars and errors into the right buffers.
func (m *Manager) dispatch(p Provider) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case sb := <-p.Bars():
			m.onBar(p, sb)
		case se := <-p.Errors():
			m.onStreamError(p, se)
		}
	}
}

// onBar admits a realtime bar, backfilling any gap between the buffer tail
// and the incoming bar with a historical query first (feed reconnects leave
// holes; the next tick must evaluate on a contiguous window).
func (m *Manager) onBar(p Provider, sb StreamBar) {
	if err := sb.Bar.Validate(); err != nil {
		m.logger.Warn("dropping invalid bar", "provider", p.Name(), "error", err)
		return
	}

	key := seriesKey{provider: p.Name(), symbol: sb.Symbol, granularity: sb.Granularity}
	m.mu.Lock()
	s, ok := m.series[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	period := sb.Granularity.Duration()
	tail := s.buf.TailTS()
	if !tail.IsZero() && sb.TS.Sub(tail) > period {
		missing := int(sb.TS.Sub(tail)/period) - 1
		if missing > 0 {
			m.backfill(p, s, missing)
		}
	}

	switch s.buf.Append(sb.Bar, m.clk.Now()) {
	case OutOfOrderRejected:
		m.logger.Debug("rejected out-of-order bar",
			"series", key.String(), "ts", sb.TS)
	case DuplicateDropped:
		m.logger.Debug("dropped duplicate bar",
			"series", key.String(), "ts", sb.TS)
	}
}

func (m *Manager) backfill(p Provider, s *series, missing int) {
	ctx, cancel := context.WithTimeout(m.ctx, backfillTimeout)
	defer cancel()

	limit := missing + 1 // include the tail period so the merge overlaps
	history, err := p.FetchHistory(ctx, s.key.symbol, s.key.granularity, limit)
	if err != nil {
		m.logger.Warn("gap backfill failed", "series", s.key.String(),
			"missing", missing, "error", err)
		return
	}

	s.buf.Seed(history, m.clk.Now())
	m.logger.Info("gap backfilled", "series", s.key.String(),
		"missing", missing, "fetched", len(history))
}

func (m *Manager) onStreamError(p Provider, se StreamError) {
	if !se.Fatal {
		m.logger.Warn("transient stream error", "provider", p.Name(),
			"symbol", se.Symbol, "error", se.Err)
		return
	}

	m.mu.Lock()
	for key, s := range m.series {
		if key.provider == p.Name() && key.symbol == se.Symbol {
			s.fatalErr = fmt.Errorf("%w: %v", types.ErrRejectedSymbol, se.Err)
		}
	}
	m.mu.Unlock()

	m.logger.Error("fatal stream error", "provider", p.Name(),
		"symbol", se.Symbol, "error", se.Err)
}

// ————————————————————————————————————————————————————————————————————————
// Handle
// ————————————————————————————————————————————————————————————————————————

// Handle is a runner's view of one subscription. Closing it releases the
// refcount; the feed goes dormant when the last handle closes.
type Handle struct {
	mgr      *Manager
	key      seriesKey
	lookback int
	closeOne sync.Once
}

// Snapshot returns the most recent lookback bars (oldest first), ErrNotReady
// while warming up, or the fatal subscription error if the provider rejected
// the symbol.
func (h *Handle) Snapshot() ([]types.Bar, error) {
	h.mgr.mu.Lock()
	s, ok := h.mgr.series[h.key]
	var fatal error
	if ok {
		fatal = s.fatalErr
	}
	h.mgr.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("subscription released")
	}
	if fatal != nil {
		return nil, fatal
	}
	return s.buf.Snapshot(h.lookback)
}

// Ready reports whether at least lookback bars are buffered.
func (h *Handle) Ready() bool {
	_, err := h.Snapshot()
	return err == nil
}

// Reduce lowers the handle's read window. Used when the provider's history
// is shorter than the requested lookback, so the subscriber can become ready
// with what exists instead of waiting forever. Never grows the window.
func (h *Handle) Reduce(lookback int) {
	if lookback >= 1 && lookback < h.lookback {
		h.lookback = lookback
	}
}

// BufferedBars returns how many bars the underlying buffer holds.
func (h *Handle) BufferedBars() int {
	h.mgr.mu.Lock()
	s, ok := h.mgr.series[h.key]
	h.mgr.mu.Unlock()
	if !ok {
		return 0
	}
	return s.buf.Len()
}

// Stale reports whether no bar has arrived within 3 expected intervals.
// A never-fed buffer is not stale; it is simply not ready.
func (h *Handle) Stale() bool {
	h.mgr.mu.Lock()
	s, ok := h.mgr.series[h.key]
	h.mgr.mu.Unlock()
	if !ok {
		return false
	}
	last := s.buf.LastSeen()
	if last.IsZero() {
		return false
	}
	maxAge := time.Duration(staleIntervals) * h.key.granularity.Duration()
	return h.mgr.clk.Now().Sub(last) > maxAge
}

// Close releases the subscription. Safe to call more than once.
func (h *Handle) Close() {
	h.closeOne.Do(func() { h.mgr.release(h.key) })
}
