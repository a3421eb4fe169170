// Package runner implements Runners (spec §4.6): periodic per-asset-class
// pollers that fetch a batch quote/OHLC, fold it into the Aggregator and
// Store, and invoke the strategies registered for their asset class. The
// source's runner-base-plus-subclass-per-asset-type hierarchy is flattened
// here into one Runner type configured with an injected Fetcher (the
// polymorphic fetch call) and Enricher (asset-specific tagging) capability,
// per spec §9's "dynamic dispatch → capability interfaces" redesign note.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kiteflow/optionsrt/internal/aggregator"
	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/dataassembler"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/metrics"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/signalmanager"
	"github.com/kiteflow/optionsrt/internal/store"
	"github.com/kiteflow/optionsrt/internal/strategy"
)

// Fetcher retrieves one round-trip's worth of market data for a symbol set
// and turns it into ticks (spec §4.6 step 2). The orchestrator wires
// QuoteFetcher into the Index/Equity/Options runners and OHLCFetcher into
// the Futures/Commodity runners, whose vendor feed is bar-shaped.
type Fetcher interface {
	Fetch(ctx context.Context, bc broker.Client, symbols []string) (map[string]models.Tick, error)
}

// Enricher tags a tick with asset-class-specific metadata before it reaches
// the Aggregator/Store (spec §4.6 step 3). The zero value (NoopEnricher)
// leaves ticks untouched.
type Enricher interface {
	Enrich(ctx context.Context, tick *models.Tick, symbol string)
}

// NoopEnricher is the default Enricher for asset classes with no extra tagging.
type NoopEnricher struct{}

// Enrich implements Enricher.
func (NoopEnricher) Enrich(context.Context, *models.Tick, string) {}

// QuoteFetcher fetches via BrokerClient.Quote.
type QuoteFetcher struct{}

// Fetch implements Fetcher.
func (QuoteFetcher) Fetch(ctx context.Context, bc broker.Client, symbols []string) (map[string]models.Tick, error) {
	quotes, err := bc.Quote(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Tick, len(quotes))
	for sym, q := range quotes {
		out[sym] = models.Tick{Symbol: sym, LastPrice: q.LTP, VolumeCum: q.VolumeCum, HasVolCum: true, Bid: q.Bid, Ask: q.Ask}
	}
	return out, nil
}

// OHLCFetcher fetches via BrokerClient.OHLC, for feeds shaped as a
// current-day bar rather than a bare LTP.
type OHLCFetcher struct{}

// Fetch implements Fetcher.
func (OHLCFetcher) Fetch(ctx context.Context, bc broker.Client, symbols []string) (map[string]models.Tick, error) {
	bars, err := bc.OHLC(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Tick, len(bars))
	for sym, b := range bars {
		out[sym] = models.Tick{Symbol: sym, LastPrice: b.LastPrice, VolumeCum: b.VolumeCum, HasVolCum: true}
	}
	return out, nil
}

// StrategyBinding pairs a registered Strategy with the DataAssembler
// configuration it should be analyzed with, and an optional symbol subset
// within the Runner (empty means "every symbol this Runner polls").
type StrategyBinding struct {
	Strategy strategy.Strategy
	Config   dataassembler.Config
	Symbols  []string
}

func (b StrategyBinding) appliesTo(symbol string) bool {
	if len(b.Symbols) == 0 {
		return true
	}
	for _, s := range b.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Config configures one Runner instance (spec §4.6/§6).
type Config struct {
	AssetClass     string
	Symbols        []string
	Period         time.Duration
	Timeframe      clock.Timeframe // base candle resolution this Runner feeds
	Strategies     []StrategyBinding
	MaxInFlight    int64
	AnalyzeTimeout time.Duration
}

type pendingKey struct {
	Strategy string
	Symbol   string
}

type pendingEntry struct {
	cancel context.CancelFunc
}

// Runner is one asset class's periodic polling loop.
type Runner struct {
	cfg        Config
	timeframes []clock.Timeframe

	clock      *clock.Clock
	broker     broker.Client
	fetcher    Fetcher
	enricher   Enricher
	aggregator *aggregator.Aggregator
	assembler  *dataassembler.Assembler
	store      store.Store
	signals    *signalmanager.Manager
	metrics    *metrics.Registry
	logger     *log.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry

	lastIteration atomic.Int64 // unix nanos, read by the status API (spec §7 per-loop health)
}

// New constructs a Runner. fetcher/enricher may be nil in which case they
// default to QuoteFetcher / NoopEnricher. metrics may be nil in tests.
func New(
	cfg Config,
	ck *clock.Clock,
	bc broker.Client,
	fetcher Fetcher,
	enricher Enricher,
	agg *aggregator.Aggregator,
	asm *dataassembler.Assembler,
	st store.Store,
	sm *signalmanager.Manager,
	m *metrics.Registry,
	logger *log.Logger,
) *Runner {
	if fetcher == nil {
		fetcher = QuoteFetcher{}
	}
	if enricher == nil {
		enricher = NoopEnricher{}
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 4
	}

	tfSet := map[clock.Timeframe]struct{}{cfg.Timeframe: {}}
	for _, b := range cfg.Strategies {
		tfSet[b.Config.Timeframe] = struct{}{}
	}
	tfs := make([]clock.Timeframe, 0, len(tfSet))
	for tf := range tfSet {
		if tf != "" {
			tfs = append(tfs, tf)
		}
	}

	return &Runner{
		cfg:        cfg,
		timeframes: tfs,
		clock:      ck,
		broker:     bc,
		fetcher:    fetcher,
		enricher:   enricher,
		aggregator: agg,
		assembler:  asm,
		store:      st,
		signals:    sm,
		metrics:    m,
		logger:     logger,
		sem:        semaphore.NewWeighted(maxInFlight),
		pending:    make(map[pendingKey]*pendingEntry),
	}
}

// Run blocks, polling every cfg.Period until ctx is cancelled. It performs
// the intraday backfill once at startup (spec §4.6 "Startup behavior")
// before entering the periodic loop.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.backfill(ctx); err != nil {
		r.logger.Printf("runner[%s]: intraday backfill failed: %v", r.cfg.AssetClass, err)
	}

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// backfill implements spec §4.6's startup behavior: if the market has
// already been open for at least one period when the Runner starts, pull
// 1-minute history from session open to now so the real-time table does not
// begin mid-session empty.
func (r *Runner) backfill(ctx context.Context) error {
	now := r.clock.Now()
	if !r.clock.IsMarketOpen(now) {
		return nil
	}
	from := r.clock.SessionStart(now)
	if now.Sub(from) < r.cfg.Period {
		return nil
	}
	for _, sym := range r.cfg.Symbols {
		candles, err := r.broker.HistoricalData(ctx, sym, clock.TF1Min, from, now)
		if err != nil {
			return fmt.Errorf("historical_data(%s): %w", sym, err)
		}
		if len(candles) == 0 {
			continue
		}
		if err := r.store.BulkUpsertCandles(ctx, candles); err != nil {
			return fmt.Errorf("bulk_upsert_candles(%s): %w", sym, err)
		}
	}
	return nil
}

// AssetClass returns the asset class this Runner polls, for status reporting.
func (r *Runner) AssetClass() string { return r.cfg.AssetClass }

// LastIteration returns the wall-clock time of this Runner's last completed
// tick (zero if it has not ticked yet), for the CLI `status` command's
// per-loop health report (spec §7).
func (r *Runner) LastIteration() time.Time {
	ns := r.lastIteration.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *Runner) tick(ctx context.Context) {
	start := r.clock.Now()
	defer func() {
		r.lastIteration.Store(start.UnixNano())
		if r.metrics != nil {
			r.metrics.RunnerIterationDuration.WithLabelValues(r.cfg.AssetClass).Observe(time.Since(start).Seconds())
		}
	}()

	if !r.clock.IsMarketOpen(start) || len(r.cfg.Symbols) == 0 {
		return
	}

	ticks, err := r.fetcher.Fetch(ctx, r.broker, r.cfg.Symbols)
	if err != nil {
		r.logger.Printf("runner[%s]: fetch failed: %v", r.cfg.AssetClass, err)
		return
	}

	for _, sym := range r.cfg.Symbols {
		t, ok := ticks[sym]
		if !ok {
			continue
		}
		t.Symbol = sym
		t.TS = start
		r.enricher.Enrich(ctx, &t, sym)

		for _, tf := range r.timeframes {
			r.aggregator.OnTick(ctx, t, tf)
		}

		r.scheduleAnalysis(ctx, sym)
	}
}

// scheduleAnalysis launches (or re-launches) strategy analysis for every
// binding applicable to symbol. Backpressure: if a prior analysis for the
// same (strategy, symbol) is still queued waiting on a worker slot, it is
// cancelled in favor of this fresher request (spec §4.6: "the freshest
// dataset wins; stale analysis is worthless").
func (r *Runner) scheduleAnalysis(ctx context.Context, symbol string) {
	for _, b := range r.cfg.Strategies {
		if !b.appliesTo(symbol) {
			continue
		}
		key := pendingKey{Strategy: b.Strategy.Name(), Symbol: symbol}

		workCtx, cancel := context.WithCancel(ctx)
		entry := &pendingEntry{cancel: cancel}

		r.mu.Lock()
		if old, ok := r.pending[key]; ok {
			old.cancel()
		}
		r.pending[key] = entry
		r.mu.Unlock()

		go r.analyze(workCtx, entry, key, b, symbol)
	}
}

func (r *Runner) analyze(ctx context.Context, entry *pendingEntry, key pendingKey, b StrategyBinding, symbol string) {
	defer entry.cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return // displaced while queued, or Runner shutting down
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	if r.pending[key] == entry {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	budget := r.cfg.AnalyzeTimeout
	if budget <= 0 {
		budget = time.Second
	}
	actx, acancel := context.WithTimeout(ctx, budget)
	defer acancel()

	ds, err := r.assembler.DatasetForStrategy(actx, symbol, b.Config)
	if err != nil {
		if errors.Is(err, errs.ErrDataUnavailable) && r.metrics != nil {
			r.metrics.DataUnavailableTotal.WithLabelValues(symbol).Inc()
		}
		return
	}

	rec, err := b.Strategy.Analyze(strategy.Dataset{Symbol: symbol, Timeframe: b.Config.Timeframe, Candles: ds})
	if err != nil {
		r.logger.Printf("runner[%s]: strategy %s analyze error for %s: %v", r.cfg.AssetClass, b.Strategy.Name(), symbol, err)
		return
	}
	if rec == nil || rec.Action == models.ActionHold {
		return
	}

	sig := models.Signal{
		Symbol:          symbol,
		AssetClass:      r.cfg.AssetClass,
		Strategy:        b.Strategy.Name(),
		Action:          rec.Action,
		UnderlyingPrice: rec.UnderlyingPrice,
		TargetPrice:     rec.TargetPrice,
		StopLossPrice:   rec.StopLossPrice,
		Confidence:      rec.Confidence,
		ExpectedMovePct: rec.ExpectedMovePct,
		Timeframe:       b.Config.Timeframe,
		Metadata:        rec.Metadata,
	}
	if len(ds) > 0 {
		sig.BucketStart = ds[len(ds)-1].BucketStart
	}

	if _, err := r.signals.Submit(actx, sig); err != nil && !errors.Is(err, errs.ErrDuplicateSignal) {
		r.logger.Printf("runner[%s]: signal submit failed for %s/%s: %v", r.cfg.AssetClass, b.Strategy.Name(), symbol, err)
	}
}
