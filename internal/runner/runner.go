// Package runner drives one deployed strategy through its lifecycle:
//
//	INITIALIZING → RUNNING ↔ PAUSED → STOPPING → STOPPED
//
// with ERRORED reachable from any non-terminal state. On each tick the
// runner pulls a bar window, evaluates the signal, sizes and gates it,
// submits through the gateway, and feeds statistics. The tick loop is
// single-flighted: a tick arriving while the previous one still executes is
// dropped and counted.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stratequeue/internal/clock"
	"stratequeue/internal/data"
	"stratequeue/internal/engine"
	"stratequeue/internal/gateway"
	"stratequeue/internal/portfolio"
	"stratequeue/internal/stats"
	"stratequeue/pkg/types"
)

// Defaults for the runner's bounds.
const (
	DefaultWarmupTimeout        = 60 * time.Second
	DefaultStopTimeout          = 30 * time.Second
	DefaultMaxConsecutiveErrors = 5
	warmupPollInterval          = 500 * time.Millisecond
)

// Marker receives mark prices on every bar. The paper broker implements it
// so resting simulated orders cross against live data.
type Marker interface {
	SetMark(symbol string, price decimal.Decimal)
}

// Deps wires the runner to the rest of the runtime. Gateway is nil in
// signals mode; Marker is optional.
type Deps struct {
	Clock     clock.Clock
	Scheduler *clock.Scheduler
	Data      *data.Manager
	Evaluator engine.Evaluator
	Portfolio *portfolio.Manager
	Ledger    *portfolio.Ledger
	Sizer     *portfolio.Sizer
	Gateway   *gateway.Gateway
	Stats     *stats.Manager
	Marker    Marker
	Logger    *slog.Logger
}

// Options tunes the runner's timeouts and error tolerance.
type Options struct {
	EvalTimeout          time.Duration
	WarmupTimeout        time.Duration
	StopTimeout          time.Duration
	MaxConsecutiveErrors int
}

func (o *Options) withDefaults() {
	if o.EvalTimeout <= 0 {
		o.EvalTimeout = engine.DefaultEvalTimeout
	}
	if o.WarmupTimeout <= 0 {
		o.WarmupTimeout = DefaultWarmupTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
}

// StopOptions controls shutdown behavior.
type StopOptions struct {
	Liquidate bool // close all positions with market orders before stopping
	Force     bool // cancel open orders instead of waiting them out
}

// Update is the runner's report to the supervisor: a status change, an
// error, or a new last-signal.
type Update struct {
	StrategyID string
	Status     types.StrategyStatus
	Err        error
	SignalType types.SignalType
	SignalTS   time.Time
}

// Runner owns one strategy's tick loop and lifecycle.
type Runner struct {
	rec    types.StrategyRecord
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	status    types.StrategyStatus
	lastErr   error
	handles   map[string]*data.Handle
	evalState map[string]any

	paused       atomic.Bool
	inFlight     atomic.Bool
	droppedTicks atomic.Int64
	consecErrs   atomic.Int64
	tickWG       sync.WaitGroup

	cancelTicks context.CancelFunc
	stopCh      chan StopOptions
	stopOnce    sync.Once
	doneCh      chan struct{}
	failCh      chan error

	onUpdate func(Update)
}

// New creates a runner for a validated strategy record. onUpdate is invoked
// from the runner's goroutines; the supervisor serializes registry writes.
func New(rec types.StrategyRecord, deps Deps, opts Options, onUpdate func(Update)) *Runner {
	opts.withDefaults()
	return &Runner{
		rec:       rec,
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger.With("component", "runner", "strategy", rec.ID),
		status:    types.StatusInitializing,
		handles:   make(map[string]*data.Handle),
		evalState: make(map[string]any),
		stopCh:    make(chan StopOptions, 1),
		doneCh:    make(chan struct{}),
		failCh:    make(chan error, 1),
	}
}

// Status returns the current lifecycle state.
func (r *Runner) Status() types.StrategyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the error that moved the runner to ERRORED, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// DroppedTicks reports how many ticks were dropped by single-flighting.
func (r *Runner) DroppedTicks() int64 { return r.droppedTicks.Load() }

// Done closes when the runner reaches a terminal state.
func (r *Runner) Done() <-chan struct{} { return r.doneCh }

// Start launches the lifecycle goroutine. ctx cancellation acts as a
// non-liquidating stop (process shutdown).
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Pause stops tick consumption; subscriptions and open orders are left
// alone. Idempotent.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != types.StatusRunning {
		return
	}
	r.paused.Store(true)
	r.setStatusLocked(types.StatusPaused, nil)
}

// Resume restarts tick consumption after a pause. Ticks missed while paused
// are gone. Idempotent.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != types.StatusPaused {
		return
	}
	r.paused.Store(false)
	r.setStatusLocked(types.StatusRunning, nil)
}

// Stop begins shutdown. Safe to call more than once; later calls are no-ops.
func (r *Runner) Stop(opts StopOptions) {
	r.stopOnce.Do(func() { r.stopCh <- opts })
}

// run is the lifecycle goroutine.
func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	if err := r.subscribe(ctx); err != nil {
		r.finish(types.StatusErrored, err)
		return
	}
	if err := r.warmup(ctx); err != nil {
		r.releaseHandles()
		r.finish(types.StatusErrored, err)
		return
	}

	r.setStatus(types.StatusRunning, nil)
	now := r.deps.Clock.Now()
	r.mu.Lock()
	r.rec.StartedAt = &now
	r.mu.Unlock()

	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer cancelTicks()
	r.mu.Lock()
	r.cancelTicks = cancelTicks
	r.mu.Unlock()

	ticks := r.deps.Scheduler.Ticks(tickCtx, r.rec.Granularity)

	var expiry <-chan time.Time
	if r.rec.DurationMin > 0 {
		expiry = r.deps.Clock.After(time.Duration(r.rec.DurationMin) * time.Minute)
	}

	for {
		select {
		case <-ctx.Done():
			r.shutdown(context.Background(), StopOptions{})
			return
		case err := <-r.failCh:
			cancelTicks()
			r.tickWG.Wait()
			r.releaseHandles()
			r.finish(types.StatusErrored, err)
			return
		case opts := <-r.stopCh:
			r.shutdown(ctx, opts)
			return
		case <-expiry:
			// duration elapsed: normal stop, working orders run to terminal
			r.logger.Info("strategy duration expired, stopping")
			r.shutdown(ctx, StopOptions{})
			return
		case t, ok := <-ticks:
			if !ok {
				r.shutdown(context.Background(), StopOptions{})
				return
			}
			if r.paused.Load() {
				continue
			}
			if !r.inFlight.CompareAndSwap(false, true) {
				r.droppedTicks.Add(1)
				r.logger.Warn("tick dropped, previous tick still executing",
					"dropped_total", r.droppedTicks.Load())
				continue
			}
			r.tickWG.Add(1)
			go func() {
				defer r.tickWG.Done()
				defer r.inFlight.Store(false)
				r.tick(tickCtx, t)
			}()
		}
	}
}

// subscribe opens one data handle per symbol. A provider history shorter
// than the lookback shrinks the handle's window so the strategy still
// becomes ready.
func (r *Runner) subscribe(ctx context.Context) error {
	for _, symbol := range r.rec.Symbols {
		h, err := r.deps.Data.Subscribe(ctx, r.rec.DataSource, symbol, r.rec.Granularity, r.rec.Lookback)
		if err != nil {
			r.releaseHandles()
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
		if n := h.BufferedBars(); n > 0 && n < r.rec.Lookback {
			r.logger.Warn("provider history shorter than lookback, reducing window",
				"symbol", symbol, "lookback", r.rec.Lookback, "available", n)
			h.Reduce(n)
		}
		r.mu.Lock()
		r.handles[symbol] = h
		r.mu.Unlock()
	}
	return nil
}

// warmup waits until every handle is ready or the warmup timeout elapses.
func (r *Runner) warmup(ctx context.Context) error {
	deadline := r.deps.Clock.Now().Add(r.opts.WarmupTimeout)
	for {
		ready := true
		for symbol, h := range r.handles {
			if _, err := h.Snapshot(); err != nil {
				if errors.Is(err, types.ErrRejectedSymbol) {
					return fmt.Errorf("warmup %s: %w", symbol, err)
				}
				ready = false
			}
		}
		if ready {
			return nil
		}
		if r.deps.Clock.Now().After(deadline) {
			return fmt.Errorf("warmup timed out after %s", r.opts.WarmupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.deps.Clock.After(warmupPollInterval):
		}
	}
}

// tick runs one evaluation pass over every symbol.
func (r *Runner) tick(ctx context.Context, at time.Time) {
	for _, symbol := range r.rec.Symbols {
		if ctx.Err() != nil {
			return
		}
		r.tickSymbol(ctx, symbol, at)
	}
}

func (r *Runner) tickSymbol(ctx context.Context, symbol string, _ time.Time) {
	r.mu.Lock()
	h := r.handles[symbol]
	state := r.evalState[symbol]
	r.mu.Unlock()
	if h == nil {
		return
	}

	if h.Stale() {
		r.strategyError(fmt.Errorf("%s: %w", symbol, types.ErrStale))
		return
	}

	window, err := h.Snapshot()
	switch {
	case errors.Is(err, types.ErrNotReady):
		return // warming back up after a reduction, skip the tick
	case errors.Is(err, types.ErrRejectedSymbol):
		r.fail(err)
		return
	case err != nil:
		r.strategyError(err)
		return
	}

	// mark first so valuation and resting paper orders see this bar
	last := window[len(window)-1]
	r.deps.Portfolio.Mark(r.rec.ID, symbol, last.Close)
	if r.deps.Marker != nil {
		r.deps.Marker.SetMark(symbol, last.Close)
	}

	params := toParams(r.rec.Params)
	sig, nextState, err := engine.Evaluate(ctx, r.deps.Evaluator, window, params, state, r.opts.EvalTimeout)
	if err != nil {
		r.strategyError(err)
		return
	}
	r.mu.Lock()
	r.evalState[symbol] = nextState
	r.mu.Unlock()

	if sig.Symbol == "" {
		sig.Symbol = symbol
	}
	r.deps.Stats.RecordSignal(r.rec.ID, sig)
	r.report(Update{StrategyID: r.rec.ID, Status: r.Status(),
		SignalType: sig.Type, SignalTS: sig.Timestamp})

	if !sig.Type.IsActionable() {
		r.consecErrs.Store(0)
		return
	}
	if r.rec.Mode == types.ModeSignals {
		r.logger.Info("signal (not routed)", "symbol", symbol, "type", sig.Type, "price", sig.Price)
		r.consecErrs.Store(0)
		return
	}

	order, rej, err := r.deps.Sizer.Size(sig, r.deps.Ledger, r.deps.Clock.Now())
	if err != nil {
		r.strategyError(err)
		return
	}
	if rej != nil {
		r.logger.Info("order rejected", "symbol", symbol, "type", sig.Type, "reason", rej.String())
		r.consecErrs.Store(0)
		return
	}

	if err := r.deps.Gateway.Submit(ctx, order); err != nil {
		r.strategyError(err)
		return
	}
	r.consecErrs.Store(0)
}

// strategyError counts one recoverable error; crossing the threshold moves
// the runner to ERRORED.
func (r *Runner) strategyError(err error) {
	n := r.consecErrs.Add(1)
	r.logger.Warn("strategy error", "error", err, "consecutive", n)
	if n >= int64(r.opts.MaxConsecutiveErrors) {
		r.fail(fmt.Errorf("%d consecutive errors, last: %w", n, err))
	}
}

// fail requests a transition to ERRORED. Non-blocking; the first failure wins.
func (r *Runner) fail(err error) {
	select {
	case r.failCh <- err:
	default:
	}
}

// shutdown runs the STOPPING sequence: no new ticks, settle open orders,
// optionally liquidate, release data handles, emit the final state.
func (r *Runner) shutdown(ctx context.Context, opts StopOptions) {
	r.setStatus(types.StatusStopping, nil)
	r.mu.Lock()
	if r.cancelTicks != nil {
		r.cancelTicks()
	}
	r.mu.Unlock()
	r.tickWG.Wait()

	if r.deps.Gateway != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StopTimeout)
		defer cancel()

		open := r.deps.Gateway.OpenForStrategy(r.rec.ID)
		if opts.Force {
			for _, o := range open {
				if err := r.deps.Gateway.Cancel(stopCtx, o.ID); err != nil {
					r.logger.Warn("cancel on stop failed", "order", o.ID, "error", err)
				}
			}
		}
		for _, o := range open {
			if _, err := r.deps.Gateway.WaitTerminal(stopCtx, o.ID); err != nil {
				r.logger.Warn("open order did not settle before stop deadline", "order", o.ID, "error", err)
			}
		}

		if opts.Liquidate {
			r.liquidate(stopCtx)
		}
	}

	r.releaseHandles()
	r.finish(types.StatusStopped, nil)
}

// liquidate closes every position with a market order and waits for the
// fills.
func (r *Runner) liquidate(ctx context.Context) {
	snap := r.deps.Ledger.Take(r.deps.Clock.Now())
	for _, pos := range snap.Positions {
		if pos.Qty.IsZero() {
			continue
		}
		side := types.SideSell
		if pos.Qty.IsNegative() {
			side = types.SideBuy
		}
		order := types.Order{
			ID:         uuid.NewString(),
			StrategyID: r.rec.ID,
			Symbol:     pos.Symbol,
			Side:       side,
			Type:       types.OrderMarket,
			Qty:        pos.Qty.Abs(),
		}
		r.logger.Info("liquidating position", "symbol", pos.Symbol, "qty", pos.Qty)
		if err := r.deps.Gateway.Submit(ctx, order); err != nil {
			r.logger.Error("liquidation submit failed", "symbol", pos.Symbol, "error", err)
			continue
		}
		if _, err := r.deps.Gateway.WaitTerminal(ctx, order.ID); err != nil {
			r.logger.Error("liquidation order did not settle", "symbol", pos.Symbol, "error", err)
		}
	}
}

func (r *Runner) releaseHandles() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*data.Handle)
	r.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

func (r *Runner) setStatus(st types.StrategyStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatusLocked(st, err)
}

func (r *Runner) setStatusLocked(st types.StrategyStatus, err error) {
	if r.status.Terminal() {
		return
	}
	r.status = st
	if err != nil {
		r.lastErr = err
	}
	r.logger.Info("status", "status", st, "error", err)
	r.reportLocked(Update{StrategyID: r.rec.ID, Status: st, Err: err})
}

func (r *Runner) finish(st types.StrategyStatus, err error) {
	r.setStatus(st, err)
}

func (r *Runner) report(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reportLocked(u)
}

func (r *Runner) reportLocked(u Update) {
	if r.onUpdate != nil {
		cb := r.onUpdate
		go cb(u)
	}
}

// SetOnUpdate installs the supervisor callback. Must be called before Start.
func (r *Runner) SetOnUpdate(fn func(Update)) { r.onUpdate = fn }

func toParams(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = parseParam(v)
	}
	return out
}

// parseParam keeps numeric strategy params numeric for the evaluators.
func parseParam(v string) any {
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
