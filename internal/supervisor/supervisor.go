// Package supervisor owns the authoritative registry of deployed strategies.
// It is the only writer to the registry; every other reader gets immutable
// record snapshots through List/Get or the broadcast channel. Deploy
// validation happens here so configuration errors never reach the runtime.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stratequeue/internal/broker"
	"stratequeue/internal/clock"
	"stratequeue/internal/data"
	"stratequeue/internal/engine"
	"stratequeue/internal/gateway"
	"stratequeue/internal/portfolio"
	"stratequeue/internal/runner"
	"stratequeue/internal/stats"
	"stratequeue/internal/store"
	"stratequeue/pkg/types"
)

// stopAllTimeout bounds the shutdown sweep over every active runner.
const stopAllTimeout = 45 * time.Second

// Broker bundles one configured broker endpoint: its adapter, the gateway
// tracking its orders, and an optional marker (the paper simulator takes
// mark prices from the tick loop).
type Broker struct {
	Adapter broker.Adapter
	Gateway *gateway.Gateway
	Marker  runner.Marker
}

// Deps wires the supervisor to the rest of the runtime.
type Deps struct {
	Clock     clock.Clock
	Scheduler *clock.Scheduler
	Data      *data.Manager
	Engines   *engine.Registry
	Portfolio *portfolio.Manager
	Stats     *stats.Manager
	Store     *store.Store // optional; nil disables persistence
	Brokers   map[string]Broker
	Runner    runner.Options // timeouts and error tolerance for every runner
	Logger    *slog.Logger
}

// DeploySpec is the user-facing deployment request, prior to validation and
// normalization into a StrategyRecord.
type DeploySpec struct {
	Strategy    string            `json:"strategy"`              // path to the user strategy file
	StrategyID  string            `json:"strategy_id,omitempty"` // human name; defaults to the file stem
	Engine      string            `json:"engine"`
	Symbols     []string          `json:"symbols"`
	Granularity string            `json:"granularity"`
	Lookback    int               `json:"lookback"`
	DurationMin int               `json:"duration,omitempty"` // minutes; 0 = unbounded
	Allocation  decimal.Decimal   `json:"allocation"`         // fraction in (0,1] or absolute currency
	DataSource  string            `json:"data_source"`
	Broker      string            `json:"broker"`
	Mode        string            `json:"mode"`
	Params      map[string]string `json:"params,omitempty"`
}

type entry struct {
	rec    types.StrategyRecord
	runner *runner.Runner
}

// Supervisor is the strategy registry and command surface.
type Supervisor struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	registry map[string]*entry
	watchers map[int]chan []types.StrategyRecord
	nextWID  int

	runCtx context.Context
}

// New creates a supervisor. Start must be called before Deploy.
func New(deps Deps) *Supervisor {
	return &Supervisor{
		deps:     deps,
		logger:   deps.Logger.With("component", "supervisor"),
		registry: make(map[string]*entry),
		watchers: make(map[int]chan []types.StrategyRecord),
	}
}

// Start binds the supervisor to the daemon lifecycle: runners launched by
// Deploy stop when ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
}

// Validate checks a deploy spec without starting anything. It returns the
// normalized record (allocation resolved to absolute currency) and the full
// list of validation errors, empty when the spec is deployable.
func (s *Supervisor) Validate(ctx context.Context, spec DeploySpec) (types.StrategyRecord, []string) {
	var errs []string

	if spec.Strategy != "" {
		if _, err := os.Stat(spec.Strategy); err != nil {
			errs = append(errs, fmt.Sprintf("strategy file %q: %v", spec.Strategy, err))
		}
	}
	if spec.Engine == "" {
		errs = append(errs, "engine is required")
	} else if !s.deps.Engines.Has(spec.Engine) {
		errs = append(errs, fmt.Sprintf("unknown engine %q", spec.Engine))
	}
	if len(spec.Symbols) == 0 {
		errs = append(errs, "at least one symbol is required")
	}
	g, err := types.ParseGranularity(spec.Granularity)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if spec.Lookback < 1 {
		errs = append(errs, fmt.Sprintf("lookback must be >= 1, got %d", spec.Lookback))
	}
	if spec.DurationMin < 0 {
		errs = append(errs, fmt.Sprintf("duration must be >= 0, got %d", spec.DurationMin))
	}
	mode, err := types.ParseMode(spec.Mode)
	if err != nil {
		errs = append(errs, err.Error())
	}
	if !s.deps.Data.HasProvider(spec.DataSource) {
		errs = append(errs, fmt.Sprintf("unknown data provider %q", spec.DataSource))
	}

	var bk Broker
	needBroker := mode == types.ModePaper || mode == types.ModeLive
	if needBroker {
		var ok bool
		bk, ok = s.deps.Brokers[spec.Broker]
		if !ok {
			errs = append(errs, fmt.Sprintf("unknown broker %q", spec.Broker))
		} else if !bk.Adapter.Capabilities().Supports(types.OrderMarket) {
			errs = append(errs, fmt.Sprintf("broker %q does not support market orders", spec.Broker))
		}
	}

	allocation, allocErrs := s.normalizeAllocation(ctx, spec.Allocation, bk, needBroker)
	errs = append(errs, allocErrs...)

	name := spec.StrategyID
	if name == "" && spec.Strategy != "" {
		base := filepath.Base(spec.Strategy)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if name == "" {
		name = spec.Engine
	}

	rec := types.StrategyRecord{
		ID:          uuid.NewString(),
		Name:        name,
		SourcePath:  spec.Strategy,
		Engine:      spec.Engine,
		Symbols:     spec.Symbols,
		Granularity: g,
		Lookback:    spec.Lookback,
		Allocation:  allocation,
		Mode:        mode,
		DataSource:  spec.DataSource,
		Broker:      spec.Broker,
		DurationMin: spec.DurationMin,
		Status:      types.StatusInitializing,
		CreatedAt:   s.deps.Clock.Now(),
		Params:      spec.Params,
	}
	return rec, errs
}

// normalizeAllocation resolves a fractional or absolute allocation to
// absolute currency and checks it against the broker's unallocated equity.
// The result is held constant for the strategy's lifetime.
func (s *Supervisor) normalizeAllocation(ctx context.Context, alloc decimal.Decimal, bk Broker, haveBroker bool) (decimal.Decimal, []string) {
	if !alloc.IsPositive() {
		return decimal.Zero, []string{fmt.Sprintf("allocation must be > 0, got %s", alloc)}
	}

	fractional := alloc.LessThanOrEqual(decimal.NewFromInt(1))
	if !haveBroker {
		// signals mode has no broker account to normalize against
		if fractional {
			return decimal.Zero, []string{"fractional allocation requires an execution broker; use an absolute amount in signals mode"}
		}
		return alloc, nil
	}
	if bk.Adapter == nil {
		return decimal.Zero, nil // broker already reported as unknown
	}

	account, err := bk.Adapter.Account(ctx)
	if err != nil {
		return decimal.Zero, []string{fmt.Sprintf("broker account query failed: %v", err)}
	}

	normalized := alloc
	if fractional {
		normalized = account.Equity.Mul(alloc)
	}

	unallocated := account.Equity.Sub(s.deps.Portfolio.AllocatedEquity())
	if normalized.GreaterThan(unallocated) {
		return decimal.Zero, []string{fmt.Sprintf(
			"allocation %s exceeds unallocated equity %s", normalized, unallocated)}
	}
	return normalized, nil
}

// Deploy validates the spec, funds a sub-ledger, and starts a runner.
// It returns the normalized record with its server-assigned id.
func (s *Supervisor) Deploy(ctx context.Context, spec DeploySpec) (types.StrategyRecord, error) {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return types.StrategyRecord{}, fmt.Errorf("supervisor not started")
	}

	rec, errs := s.Validate(ctx, spec)
	if len(errs) > 0 {
		return types.StrategyRecord{}, fmt.Errorf("invalid deploy spec: %s", strings.Join(errs, "; "))
	}

	eval, err := s.deps.Engines.New(rec.Engine)
	if err != nil {
		return types.StrategyRecord{}, fmt.Errorf("engine %s: %w", rec.Engine, err)
	}
	ledger, err := s.deps.Portfolio.CreateLedger(rec.ID, rec.Allocation)
	if err != nil {
		return types.StrategyRecord{}, fmt.Errorf("create ledger: %w", err)
	}

	deps := runner.Deps{
		Clock:     s.deps.Clock,
		Scheduler: s.deps.Scheduler,
		Data:      s.deps.Data,
		Evaluator: eval,
		Portfolio: s.deps.Portfolio,
		Ledger:    ledger,
		Stats:     s.deps.Stats,
		Logger:    s.deps.Logger,
	}
	if rec.Mode != types.ModeSignals {
		bk := s.deps.Brokers[rec.Broker]
		deps.Gateway = bk.Gateway
		deps.Marker = bk.Marker
		deps.Sizer = portfolio.NewSizer(bk.Adapter.Capabilities())
	} else {
		// signals mode still sizes orders for the record, against permissive
		// defaults, but never routes them
		deps.Sizer = portfolio.NewSizer(types.BrokerCapabilities{
			FractionalShares:    true,
			SupportedOrderTypes: []types.OrderType{types.OrderMarket, types.OrderLimit, types.OrderStop, types.OrderStopLimit},
		})
	}

	r := runner.New(rec, deps, s.deps.Runner, nil)
	r.SetOnUpdate(s.onUpdate)

	s.mu.Lock()
	s.registry[rec.ID] = &entry{rec: rec, runner: r}
	s.mu.Unlock()

	r.Start(runCtx)
	s.logger.Info("strategy deployed", "id", rec.ID, "name", rec.Name,
		"engine", rec.Engine, "symbols", rec.Symbols, "mode", rec.Mode,
		"allocation", rec.Allocation)
	s.broadcast()
	return rec, nil
}

// Pause suspends a strategy's tick consumption.
func (s *Supervisor) Pause(id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.runner.Pause()
	return nil
}

// Resume restarts a paused strategy.
func (s *Supervisor) Resume(id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.runner.Resume()
	return nil
}

// Stop begins shutdown of a strategy. Stopping an already-stopped strategy
// is a successful no-op.
func (s *Supervisor) Stop(id string, opts runner.StopOptions) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	if e.runner.Status().Terminal() {
		return nil
	}
	e.runner.Stop(opts)
	return nil
}

// Remove deletes a terminal strategy from the registry along with its
// ledger and statistics. Active strategies must be stopped first.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown strategy %s", id)
	}
	if !e.runner.Status().Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("strategy %s is %s, stop it before removing", id, e.runner.Status())
	}
	delete(s.registry, id)
	s.mu.Unlock()

	s.deps.Portfolio.RemoveLedger(id)
	s.deps.Stats.Remove(id)
	s.broadcast()
	return nil
}

// List returns a snapshot of every registered strategy, sorted by creation
// time then id.
func (s *Supervisor) List() []types.StrategyRecord {
	s.mu.Lock()
	out := make([]types.StrategyRecord, 0, len(s.registry))
	for _, e := range s.registry {
		out = append(out, e.rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one strategy's record.
func (s *Supervisor) Get(id string) (types.StrategyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.registry[id]
	if !ok {
		return types.StrategyRecord{}, false
	}
	return e.rec, true
}

// Watch subscribes to registry snapshots. Every registry change delivers the
// full record list; a slow consumer misses intermediate snapshots, never
// blocks the supervisor. cancel releases the subscription.
func (s *Supervisor) Watch() (<-chan []types.StrategyRecord, func()) {
	ch := make(chan []types.StrategyRecord, 8)
	s.mu.Lock()
	id := s.nextWID
	s.nextWID++
	s.watchers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

// StopAll stops every active strategy and waits for the runners to finish,
// bounded by stopAllTimeout. Used on daemon shutdown.
func (s *Supervisor) StopAll(opts runner.StopOptions) {
	s.mu.Lock()
	var active []*entry
	for _, e := range s.registry {
		if !e.runner.Status().Terminal() {
			active = append(active, e)
		}
	}
	s.mu.Unlock()

	for _, e := range active {
		e.runner.Stop(opts)
	}

	deadline := time.After(stopAllTimeout)
	for _, e := range active {
		select {
		case <-e.runner.Done():
		case <-deadline:
			s.logger.Warn("runner did not stop before shutdown deadline", "id", e.rec.ID)
		}
	}
}

// onUpdate folds a runner report into the registry. Terminal transitions
// persist the final snapshot.
func (s *Supervisor) onUpdate(u runner.Update) {
	s.mu.Lock()
	e, ok := s.registry[u.StrategyID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if u.Status != "" {
		e.rec.Status = u.Status
		if u.Status == types.StatusRunning && e.rec.StartedAt == nil {
			now := s.deps.Clock.Now()
			e.rec.StartedAt = &now
		}
	}
	if u.SignalType != "" {
		e.rec.LastSignalType = u.SignalType
		ts := u.SignalTS
		e.rec.LastSignalTS = &ts
	}
	rec := e.rec
	s.mu.Unlock()

	if u.Err != nil {
		s.logger.Error("strategy error", "id", u.StrategyID, "status", u.Status, "error", u.Err)
	}
	if u.Status.Terminal() {
		s.persistFinal(rec)
	}
	s.broadcast()
}

// persistFinal saves the stopped strategy's record, ledger, and metrics.
func (s *Supervisor) persistFinal(rec types.StrategyRecord) {
	if s.deps.Store == nil {
		return
	}
	snap := store.FinalSnapshot{
		Record:  rec,
		SavedAt: s.deps.Clock.Now(),
	}
	if led, ok := s.deps.Portfolio.Ledger(rec.ID); ok {
		snap.Ledger = led.Take(s.deps.Clock.Now())
	}
	if m, ok := s.deps.Stats.Snapshot(rec.ID); ok {
		snap.Metrics = m
	}
	if err := s.deps.Store.SaveFinal(snap); err != nil {
		s.logger.Error("final snapshot save failed", "id", rec.ID, "error", err)
	}
}

func (s *Supervisor) entry(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.registry[id]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %s", id)
	}
	return e, nil
}

// broadcast pushes the current registry snapshot to every watcher.
func (s *Supervisor) broadcast() {
	snapshot := s.List()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
