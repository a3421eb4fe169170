// Package dataassembler implements DataAssembler (spec §4.5): merges
// HistoricalCache's tail with the Aggregator's live finalized (and optional
// in-progress) candles into the dataset a Strategy analyzes, failing loudly
// with DataUnavailable rather than silently degrading — the explicit
// rejection of the source's raw-tick fallback anti-pattern called out in
// spec §9.
package dataassembler

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kiteflow/optionsrt/internal/aggregator"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/historicalcache"
	"github.com/kiteflow/optionsrt/internal/models"
)

// Config is the subset of a strategy's configuration DataAssembler needs.
type Config struct {
	Timeframe         clock.Timeframe
	LookbackPeriods   int
	MinPeriods        int
	IncludeInProgress bool
	LiveTail          int // how many of Aggregator's recent finalized candles to consider "live"
}

// Assembler builds merged datasets for strategy invocation.
type Assembler struct {
	cache      *historicalcache.Cache
	aggregator *aggregator.Aggregator
}

// New constructs an Assembler.
func New(cache *historicalcache.Cache, agg *aggregator.Aggregator) *Assembler {
	return &Assembler{cache: cache, aggregator: agg}
}

// DatasetForStrategy returns the merged, validated candle sequence for
// symbol under cfg, or errs.ErrDataUnavailable if quality gates fail (spec
// §4.5). The strategy must not be invoked when this returns an error.
func (a *Assembler) DatasetForStrategy(ctx context.Context, symbol string, cfg Config) ([]models.Candle, error) {
	liveTail := cfg.LiveTail
	if liveTail <= 0 {
		liveTail = cfg.MinPeriods
	}

	hist, err := a.cache.Get(ctx, symbol, cfg.Timeframe, cfg.LookbackPeriods)
	if err != nil {
		return nil, fmt.Errorf("%w: historical cache error for %s: %v", errs.ErrDataUnavailable, symbol, err)
	}

	key := models.CandleKey{Symbol: symbol, Timeframe: cfg.Timeframe}
	live := a.aggregator.RecentFinalized(key, liveTail)
	if cfg.IncludeInProgress {
		if cur, ok := a.aggregator.CurrentCandle(key); ok {
			live = append(live, cur)
		}
	}

	merged := mergeByBucket(hist, live)

	if len(merged) < cfg.MinPeriods {
		return nil, fmt.Errorf("%w: %s/%s has %d candles, need %d", errs.ErrDataUnavailable, symbol, cfg.Timeframe, len(merged), cfg.MinPeriods)
	}
	if !gapsWithinTolerance(merged, cfg.Timeframe) {
		return nil, fmt.Errorf("%w: %s/%s median inter-bucket gap outside ±10%% of timeframe", errs.ErrDataUnavailable, symbol, cfg.Timeframe)
	}

	return merged, nil
}

// mergeByBucket deduplicates on bucket_start, with live overriding hist for
// overlapping buckets (live is fresher — spec §4.5 step 3), and returns the
// result sorted ascending.
func mergeByBucket(hist, live []models.Candle) []models.Candle {
	byBucket := make(map[int64]models.Candle, len(hist)+len(live))
	for _, c := range hist {
		byBucket[c.BucketStart.Unix()] = c
	}
	for _, c := range live {
		byBucket[c.BucketStart.Unix()] = c
	}
	out := make([]models.Candle, 0, len(byBucket))
	for _, c := range byBucket {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

// gapsWithinTolerance checks the median inter-bucket gap is within ±10% of
// the nominal timeframe duration (spec §4.5 step 4), guarding against a
// finer-grained stream silently substituting for a coarser one.
func gapsWithinTolerance(candles []models.Candle, tf clock.Timeframe) bool {
	if len(candles) < 2 {
		return true
	}
	gaps := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		gaps = append(gaps, candles[i].BucketStart.Sub(candles[i-1].BucketStart).Seconds())
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}
	nominal := tf.Duration().Seconds()
	if nominal <= 0 {
		return true
	}
	return math.Abs(median-nominal)/nominal <= 0.10
}
