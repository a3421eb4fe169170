// Package strategy defines the pluggable Strategy interface (spec §4.1/§9:
// "Strategies implement one interface: analyze(dataset) -> Option<Signal>")
// and a name-keyed registry of the constructed strategies. The numeric
// content of any individual strategy
// is out of scope (spec §1); Registry and the interface are the core's only
// concern here, plus one concrete sample implementation to exercise the
// interface end to end.
package strategy

import (
	"fmt"
	"sync"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// Dataset is the merged historical+live candle sequence DataAssembler hands
// to a strategy (spec §4.5); strategies must treat it as read-only.
type Dataset struct {
	Symbol    string
	Timeframe clock.Timeframe
	Candles   []models.Candle // ascending bucket_start, at least MinPeriods long
}

// Recommendation is what a Strategy returns for one analyze call. A nil
// *Recommendation, or one with Action == models.ActionHold, means "no
// signal" — callers must not persist it (spec §3).
type Recommendation struct {
	Action          models.Action
	UnderlyingPrice float64
	TargetPrice     float64
	StopLossPrice   float64
	Confidence      float64
	ExpectedMovePct float64
	Metadata        map[string]string
}

// Strategy is a pure function from a merged dataset to an optional signal
// recommendation. Implementations must not mutate Dataset. The Runner's
// analyze budget (spec §5: default 1s) is a context deadline on dataset
// assembly and signal submission; Analyze receives no context, so the
// budget does not interrupt a slow Analyze call.
type Strategy interface {
	Name() string
	Analyze(ds Dataset) (*Recommendation, error)
}

// Registry holds the constructed strategies keyed by Name(). It does not map
// strategies to symbols or asset classes; Runners receive their strategies
// as StrategyBindings instead. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy under its Name().
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get looks up a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q", name)
	}
	return s, nil
}

// Names returns every registered strategy name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		out = append(out, name)
	}
	return out
}
