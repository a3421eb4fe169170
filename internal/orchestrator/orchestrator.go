// Package orchestrator implements Orchestrator (spec §4.12): constructs
// every component from a validated Config, runs the startup sequence, owns
// the root cancellation context, and drives graceful shutdown. The
// wiring-it-all-up-in-one-place shape and the startup-reconciliation-then-
// main-loop structure are grounded on the teacher's Bot struct and
// run()/Run() pair in cmd/bot/main.go, generalized from one hardcoded
// SPY-strangle pipeline to the Runner/Executor/PositionMonitor graph of
// spec §4. Supervised loops use golang.org/x/sync/errgroup in place of the
// teacher's single select{} loop, since this runtime supervises several
// concurrent loops (one per asset-class Runner, plus PositionMonitor)
// instead of one.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kiteflow/optionsrt/internal/aggregator"
	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/config"
	"github.com/kiteflow/optionsrt/internal/dataassembler"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/executor"
	"github.com/kiteflow/optionsrt/internal/historicalcache"
	"github.com/kiteflow/optionsrt/internal/metrics"
	"github.com/kiteflow/optionsrt/internal/positionmonitor"
	"github.com/kiteflow/optionsrt/internal/runner"
	"github.com/kiteflow/optionsrt/internal/signalmanager"
	"github.com/kiteflow/optionsrt/internal/store"
	"github.com/kiteflow/optionsrt/internal/strategy"
	"github.com/kiteflow/optionsrt/internal/strikeselector"
)

// GracePeriod bounds how long Start, once its context is cancelled (for
// example by Stop), waits for the supervised loops to return before closing
// the Store anyway (spec §4.12). Stop itself does not wait.
const GracePeriod = 10 * time.Second

// Orchestrator owns the full component graph and its lifecycle.
type Orchestrator struct {
	cfg    *config.Config
	clock  *clock.Clock
	store  store.Store
	broker broker.Client
	bus    *eventbus.Bus
	reg    *metrics.Registry

	aggregator  *aggregator.Aggregator
	cache       *historicalcache.Cache
	assembler   *dataassembler.Assembler
	strategies  *strategy.Registry
	bindings    []strategyBinding
	selector    *strikeselector.Selector
	signals     *signalmanager.Manager
	exec        *executor.Executor
	monitor     *positionmonitor.Monitor
	reconciler  *Reconciler
	runners     []*runner.Runner

	logger    *logrus.Logger
	stdLogger *log.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	execSub  *eventbus.Subscription
	eg       *errgroup.Group
	egCtx    context.Context
	stopOnce sync.Once
}

// New constructs every component from cfg. bc is the already-constructed
// BrokerClient (a CircuitBreakerClient wrapping a real or simulated
// implementation) since broker credential handling lives outside this
// package. reg may be nil (a fresh metrics.Registry backed by a private
// prometheus.Registry is used); callers that need bc's circuit breaker to
// share the same counters (so CircuitBreakerOpenTotal actually increments)
// build reg first and pass it to both broker.NewCircuitBreakerClient and
// here.
func New(cfg *config.Config, bc broker.Client, reg *metrics.Registry, logger *logrus.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reg == nil {
		reg = metrics.New(prometheus.NewRegistry())
	}
	stdLogger := log.New(logger.Out, "", 0)

	holidays, err := cfg.HolidayDates()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: parsing holidays: %w", err)
	}
	ck := clock.New(holidays)

	st, err := newStore(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: connecting store: %w", err)
	}

	bus := eventbus.New(stdLogger)

	agg := aggregator.New(ck, st, bus, stdLogger)
	cache := historicalcache.New(ck, st, bc, stdLogger, time.Duration(cfg.Cache.RefreshTTLSeconds)*time.Second)
	assembler := dataassembler.New(cache, agg)

	registry, bindings, err := buildStrategies(cfg)
	if err != nil {
		return nil, err
	}

	sel := strikeselector.New(bc, ck, strikeselector.Config{
		Mode:            strikeselector.StrikeMode(cfg.Options.StrikeMode),
		MinOI:           cfg.Options.MinOI,
		MinVolume:       cfg.Options.MinVolume,
		MaxSpreadPct:    cfg.Options.MaxSpreadPct,
		MinPremium:      cfg.Options.MinPremium,
		MaxPremium:      cfg.Options.MaxPremium,
		ExpiryCutoffMin: cfg.Options.ExpiryCutoffMin,
		TickSize:        0.05,
	})

	signals := signalmanager.New(ck, st, bus, reg)

	exec := executor.New(executor.Config{
		Mode:                   executor.Mode(cfg.Mode),
		AllowedSymbols:         cfg.Options.AllowedSymbols,
		SignalMaxAge:           cfg.Options.SignalMaxAge,
		MaxConcurrentPositions: cfg.Options.MaxConcurrentPositions,
		StopLossPct:            cfg.Options.StopLossPct,
		TargetPct:              cfg.Options.TargetPct,
		RiskPct:                cfg.Options.RiskPct,
		Capital:                cfg.Options.Capital,
		MaxLotsPerTrade:        cfg.Options.MaxLotsPerTrade,
		MaxPositionPct:         cfg.Options.MaxPositionPct,
	}, ck, st, bus, sel, bc, signals, reg, logger)

	monitor := positionmonitor.New(positionmonitor.Config{
		ExpiryCutoff:    time.Duration(cfg.Options.ExpiryCutoffMin) * time.Minute,
		TrailTriggerPct: cfg.Options.TrailTriggerPct,
	}, ck, st, bc, bus, signals, reg, logger)

	runners := buildRunners(cfg, ck, bc, agg, assembler, st, signals, reg, stdLogger, bindings)
	reconciler := NewReconciler(bc, st, ck, logger)

	return &Orchestrator{
		cfg: cfg, clock: ck, store: st, broker: bc, bus: bus, reg: reg,
		aggregator: agg, cache: cache, assembler: assembler, strategies: registry, bindings: bindings,
		selector: sel, signals: signals, exec: exec, monitor: monitor, reconciler: reconciler, runners: runners,
		logger: logger, stdLogger: stdLogger,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.DSN)
	default:
		return store.NewJSONStore(cfg.Store.Path)
	}
}

// strategyBinding pairs a runner.StrategyBinding with the asset classes it
// applies to, so buildRunners can hand each Runner only the bindings
// relevant to its asset class.
type strategyBinding struct {
	runner.StrategyBinding
	assetClasses []string // empty means "every asset class"
}

func (b strategyBinding) appliesToClass(class string) bool {
	if len(b.assetClasses) == 0 {
		return true
	}
	for _, c := range b.assetClasses {
		if c == class {
			return true
		}
	}
	return false
}

// buildStrategies constructs the Strategy registry from cfg.Strategies
// (spec §9) plus the per-strategy DataAssembler config Runners need to bind
// each strategy to the symbols and asset classes it applies to.
func buildStrategies(cfg *config.Config) (*strategy.Registry, []strategyBinding, error) {
	registry := strategy.NewRegistry()
	var bindings []strategyBinding

	for _, name := range cfg.StrategyNames() {
		sc := cfg.Strategies[name]
		s, err := instantiateStrategy(name, sc)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(s)
		bindings = append(bindings, strategyBinding{
			StrategyBinding: runner.StrategyBinding{
				Strategy: s,
				Symbols:  sc.Symbols,
				Config: dataassembler.Config{
					Timeframe:         clock.Timeframe(sc.Timeframe),
					LookbackPeriods:   sc.LookbackPeriods,
					MinPeriods:        sc.MinPeriods,
					LiveTail:          5,
					IncludeInProgress: sc.IncludeInProgress,
				},
			},
			assetClasses: sc.SupportedAssetClasses,
		})
	}
	return registry, bindings, nil
}

// instantiateStrategy maps a configured strategy name onto a concrete
// Strategy implementation. Only "momentum" exists today (spec §1 treats
// strategy numerics as out of scope); an unknown name makes New return an
// error rather than silently registering nothing.
func instantiateStrategy(name string, sc config.StrategyConfig) (strategy.Strategy, error) {
	switch name {
	case "momentum":
		fast := intParam(sc.Parameters, "fast_period", 5)
		slow := intParam(sc.Parameters, "slow_period", 20)
		target := floatParam(sc.Parameters, "target_pct", 0.01)
		stop := floatParam(sc.Parameters, "stop_pct", 0.01)
		return strategy.NewMomentum(fast, slow, target, stop), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown strategy %q in config", name)
	}
}

func intParam(params map[string]string, key string, def int) int {
	if v, ok := params[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatParam(params map[string]string, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// buildRunners constructs one Runner per configured asset class (spec
// §4.6/§6), wiring every strategy binding whose asset class list includes
// (or omits, meaning "all") that class.
func buildRunners(cfg *config.Config, ck *clock.Clock, bc broker.Client, agg *aggregator.Aggregator,
	asm *dataassembler.Assembler, st store.Store, sm *signalmanager.Manager, reg *metrics.Registry,
	logger *log.Logger, bindings []strategyBinding) []*runner.Runner {

	type classSpec struct {
		name      string
		symbols   []string
		period    time.Duration
		fetcher   runner.Fetcher
		timeframe clock.Timeframe
	}
	classes := []classSpec{
		{"index", cfg.Symbols.Indices, time.Duration(cfg.Runners.Index.IntervalSeconds) * time.Second, runner.QuoteFetcher{}, clock.TF1Min},
		{"equity", cfg.Symbols.Equities, time.Duration(cfg.Runners.Equity.IntervalSeconds) * time.Second, runner.QuoteFetcher{}, clock.TF1Min},
		{"options", cfg.Symbols.Options, time.Duration(cfg.Runners.Options.IntervalSeconds) * time.Second, runner.QuoteFetcher{}, clock.TF1Min},
		{"futures", cfg.Symbols.Futures, time.Duration(cfg.Runners.Futures.IntervalSeconds) * time.Second, runner.OHLCFetcher{}, clock.TF1Min},
		{"commodity", cfg.Symbols.Commodities, time.Duration(cfg.Runners.Commodity.IntervalSeconds) * time.Second, runner.OHLCFetcher{}, clock.TF1Min},
	}

	var runners []*runner.Runner
	for _, c := range classes {
		if len(c.symbols) == 0 {
			continue
		}
		var classBindings []runner.StrategyBinding
		for _, b := range bindings {
			if b.appliesToClass(c.name) {
				classBindings = append(classBindings, b.StrategyBinding)
			}
		}
		r := runner.New(runner.Config{
			AssetClass:  c.name,
			Symbols:     c.symbols,
			Period:      c.period,
			Timeframe:   c.timeframe,
			Strategies:  classBindings,
			MaxInFlight: 4,
		}, ck, bc, c.fetcher, runner.NoopEnricher{}, agg, asm, st, sm, reg, logger)
		runners = append(runners, r)
	}
	return runners
}

// Start runs the full startup sequence of spec §4.12 and then blocks,
// supervising every Runner and PositionMonitor loop, until ctx is cancelled
// or a supervised loop returns a non-context-cancellation error.
func (o *Orchestrator) Start(ctx context.Context) error {
	rootCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	// Step 2: daily_intraday_reset.
	if err := o.store.DailyIntradayReset(rootCtx, o.clock.SessionStart(o.clock.Now())); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: daily intraday reset: %w", err)
	}

	// Step 3: authenticate broker, fail fast.
	if err := o.broker.Authenticate(rootCtx); err != nil {
		cancel()
		return fmt.Errorf("orchestrator: broker authentication failed: %w", err)
	}

	// Step 6 (extended): reconcile Store's OPEN positions against the
	// broker's reported holdings before anything else touches position
	// state, so PositionMonitor's first scan and Executor's concurrency
	// gate both see broker-accurate data.
	o.reconciler.Reconcile(rootCtx)

	// Step 4: warm HistoricalCache for every (symbol, timeframe) a Runner's
	// strategy bindings need, so the first analysis pass isn't a cold miss.
	o.warmCache(rootCtx)

	// Steps 5/6: Runners perform their own intraday backfill at the start of
	// Run(); starting them here satisfies both steps at once.
	eg, egCtx := errgroup.WithContext(rootCtx)
	o.mu.Lock()
	o.eg, o.egCtx = eg, egCtx
	o.mu.Unlock()

	for _, r := range o.runners {
		r := r
		eg.Go(func() error { return r.Run(egCtx) })
	}
	eg.Go(func() error { return o.monitor.Run(egCtx) })

	o.mu.Lock()
	o.execSub = o.exec.Subscribe(rootCtx)
	o.mu.Unlock()

	o.logger.WithField("runners", len(o.runners)).Info("orchestrator: startup sequence complete, supervising loops")

	<-rootCtx.Done()
	return o.drain(eg)
}

func (o *Orchestrator) warmCache(ctx context.Context) {
	seen := make(map[string]bool)
	for _, b := range o.bindings {
		symbols := b.Symbols
		if len(symbols) == 0 {
			symbols = o.cfg.Symbols.Indices
		}
		for _, sym := range symbols {
			key := sym + "|" + string(b.Config.Timeframe)
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, err := o.cache.Get(ctx, sym, b.Config.Timeframe, b.Config.LookbackPeriods); err != nil {
				o.logger.WithFields(logrus.Fields{"symbol": sym, "timeframe": b.Config.Timeframe}).
					WithError(err).Warn("orchestrator: could not warm historical cache")
			}
		}
	}
}

// Stop requests graceful shutdown (spec §4.12); safe to call multiple
// times and from any goroutine (e.g. a SIGTERM handler).
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		cancel := o.cancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// drain implements the stop-Runners/drain-EventBus/grace-period/close-Store
// sequence of spec §4.12.
func (o *Orchestrator) drain(eg *errgroup.Group) error {
	o.mu.Lock()
	sub := o.execSub
	o.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}

	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(GracePeriod):
		o.logger.Warn("orchestrator: grace period elapsed waiting for supervised loops, forcing shutdown")
	}

	if err := o.store.Close(); err != nil {
		o.logger.WithError(err).Error("orchestrator: closing store failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("orchestrator: supervised loop failed: %w", runErr)
	}
	return nil
}

// Store exposes the constructed Store for callers needing read access
// outside the orchestrated lifecycle (e.g. the status API).
func (o *Orchestrator) Store() store.Store { return o.store }

// Metrics exposes the constructed Registry for the status API / metrics endpoint.
func (o *Orchestrator) Metrics() *metrics.Registry { return o.reg }

// EventBus exposes the constructed Bus for the status API to subscribe for
// live counts without reaching into internals.
func (o *Orchestrator) EventBus() *eventbus.Bus { return o.bus }

// Runners exposes the constructed per-asset-class Runners for the status
// API's per-loop health report (spec §7).
func (o *Orchestrator) Runners() []*runner.Runner { return o.runners }

// PositionMonitor exposes the constructed Monitor for the status API's
// per-loop health report (spec §7).
func (o *Orchestrator) PositionMonitor() *positionmonitor.Monitor { return o.monitor }

// Clock exposes the constructed Clock for the status API / CLI surface.
func (o *Orchestrator) Clock() *clock.Clock { return o.clock }
