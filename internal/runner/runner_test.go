package runner

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/aggregator"
	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/dataassembler"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/historicalcache"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/signalmanager"
	"github.com/kiteflow/optionsrt/internal/store"
	"github.com/kiteflow/optionsrt/internal/strategy"
)

func TestQuoteFetcher_MapsQuotesToTicks(t *testing.T) {
	sim := broker.NewSimulatedClient()
	sim.SetQuotes(map[string]broker.Quote{
		"NIFTY": {Symbol: "NIFTY", LTP: 22000, VolumeCum: 1000, Bid: 21999, Ask: 22001},
	})

	ticks, err := QuoteFetcher{}.Fetch(context.Background(), sim, []string{"NIFTY", "MISSING"})
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	require.Equal(t, 22000.0, ticks["NIFTY"].LastPrice)
	require.True(t, ticks["NIFTY"].HasVolCum)
}

func TestOHLCFetcher_MapsBarsToTicks(t *testing.T) {
	sim := broker.NewSimulatedClient()
	sim.SetQuotes(map[string]broker.Quote{"RELIANCE": {Symbol: "RELIANCE", LTP: 2900}})

	ticks, err := OHLCFetcher{}.Fetch(context.Background(), sim, []string{"RELIANCE"})
	require.NoError(t, err)
	require.Equal(t, 2900.0, ticks["RELIANCE"].LastPrice)
}

func TestStrategyBinding_AppliesTo(t *testing.T) {
	all := StrategyBinding{}
	require.True(t, all.appliesTo("ANYTHING"))

	scoped := StrategyBinding{Symbols: []string{"NIFTY", "BANKNIFTY"}}
	require.True(t, scoped.appliesTo("BANKNIFTY"))
	require.False(t, scoped.appliesTo("RELIANCE"))
}

type countingStrategy struct {
	name  string
	calls *int32
}

func (s *countingStrategy) Name() string { return s.name }
func (s *countingStrategy) Analyze(strategy.Dataset) (*strategy.Recommendation, error) {
	atomic.AddInt32(s.calls, 1)
	return &strategy.Recommendation{Action: models.ActionHold}, nil
}

func newTestRunner(t *testing.T, bindings []StrategyBinding, maxInFlight int64) *Runner {
	t.Helper()
	ck := clock.New(nil)
	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	logger := log.New(io.Discard, "", 0)
	bus := eventbus.New(logger)
	sim := broker.NewSimulatedClient()
	hc := historicalcache.New(ck, st, sim, logger, time.Minute)
	agg := aggregator.New(ck, st, bus, logger)
	asm := dataassembler.New(hc, agg)
	sm := signalmanager.New(ck, st, bus, nil)

	cfg := Config{
		AssetClass:  "index",
		Symbols:     []string{"NIFTY"},
		Period:      time.Second,
		Timeframe:   clock.TF5Min,
		Strategies:  bindings,
		MaxInFlight: maxInFlight,
	}
	return New(cfg, ck, sim, QuoteFetcher{}, nil, agg, asm, st, sm, nil, logger)
}

// TestRunner_ScheduleAnalysisDisplacesQueuedWork exercises spec §4.6's
// backpressure rule: newer work for the same (strategy, symbol) displaces
// queued older work rather than waiting behind it.
func TestRunner_ScheduleAnalysisDisplacesQueuedWork(t *testing.T) {
	var calls int32
	strat := &countingStrategy{name: "momentum", calls: &calls}
	binding := StrategyBinding{Strategy: strat, Config: dataassembler.Config{Timeframe: clock.TF5Min, MinPeriods: 0}}

	r := newTestRunner(t, []StrategyBinding{binding}, 1)

	// Saturate the single worker slot so the first scheduled analysis queues
	// rather than running immediately.
	require.NoError(t, r.sem.Acquire(context.Background(), 1))

	r.scheduleAnalysis(context.Background(), "NIFTY") // queues, blocked on the held slot
	time.Sleep(20 * time.Millisecond)
	r.scheduleAnalysis(context.Background(), "NIFTY") // displaces the first

	r.sem.Release(1) // free the slot; only the displacing (second) request should run

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "the displaced analysis must never call Analyze")
}

func TestRunner_ScheduleAnalysisSkipsNonApplicableBinding(t *testing.T) {
	var calls int32
	strat := &countingStrategy{name: "scoped", calls: &calls}
	binding := StrategyBinding{
		Strategy: strat,
		Config:   dataassembler.Config{Timeframe: clock.TF5Min, MinPeriods: 0},
		Symbols:  []string{"BANKNIFTY"},
	}
	r := newTestRunner(t, []StrategyBinding{binding}, 2)

	r.scheduleAnalysis(context.Background(), "NIFTY")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

// TestRunner_BackfillNoopsWithoutError covers both the market-closed
// short-circuit and the market-open path against a SimulatedClient that
// returns no history, without depending on a fixed wall-clock instant.
func TestRunner_BackfillNoopsWithoutError(t *testing.T) {
	r := newTestRunner(t, nil, 1)
	require.NoError(t, r.backfill(context.Background()))
}
