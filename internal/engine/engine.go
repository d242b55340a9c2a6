// Package engine dispatches signal evaluation to pluggable evaluators.
// The dispatcher is stateless; each evaluator threads its own opaque
// per-strategy state between calls. Calls for one strategy are serial
// (the runner guarantees it); each call is bounded by a timeout.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stratequeue/pkg/types"
)

// DefaultEvalTimeout bounds a single evaluator call.
const DefaultEvalTimeout = 5 * time.Second

// Evaluator computes a signal from a window of bars. state is opaque
// per-strategy evaluator state threaded between calls; the first call
// receives nil.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, window []types.Bar, params map[string]any, state any) (types.Signal, any, error)
}

// Availability describes whether a registered engine can be used.
type Availability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Factory builds a fresh evaluator instance for one strategy deployment.
// It returns an error when the engine is registered but unusable (for the
// availability report).
type Factory func() (Evaluator, error)

// Registry resolves engine names to evaluator factories. Registration
// happens at construction; lookups are concurrent-safe.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in evaluators.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("sma-cross", func() (Evaluator, error) { return newSMACross(), nil })
	r.Register("rsi", func() (Evaluator, error) { return newRSI(), nil })
	return r
}

// Register adds an engine under name, replacing any previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New instantiates an evaluator for the named engine.
func (r *Registry) New(name string) (Evaluator, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", name)
	}
	return f()
}

// Has reports whether an engine name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List reports every registered engine and whether it can currently be
// instantiated, sorted by name.
func (r *Registry) List() []Availability {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Availability, 0, len(names))
	for _, name := range names {
		av := Availability{Name: name, Available: true}
		if _, err := r.New(name); err != nil {
			av.Available = false
			av.Reason = err.Error()
		}
		out = append(out, av)
	}
	return out
}

// evalResult carries one evaluator call's outcome across the timeout select.
type evalResult struct {
	signal types.Signal
	state  any
	err    error
}

// Evaluate runs one evaluator call bounded by timeout. On timeout the
// evaluator goroutine is cancelled via ctx and the call reports an error;
// the caller keeps its previous state.
func Evaluate(ctx context.Context, ev Evaluator, window []types.Bar, params map[string]any, state any, timeout time.Duration) (types.Signal, any, error) {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan evalResult, 1)
	go func() {
		sig, next, err := ev.Evaluate(ctx, window, params, state)
		resCh <- evalResult{signal: sig, state: next, err: err}
	}()

	select {
	case <-ctx.Done():
		return types.Signal{}, state, fmt.Errorf("evaluator %s: %w", ev.Name(), ctx.Err())
	case res := <-resCh:
		if res.err != nil {
			return types.Signal{}, state, fmt.Errorf("evaluator %s: %w", ev.Name(), res.err)
		}
		if err := res.signal.Validate(); err != nil {
			return types.Signal{}, state, fmt.Errorf("evaluator %s returned invalid signal: %w", ev.Name(), err)
		}
		return res.signal, res.state, nil
	}
}
