// Package aggregator implements CandleAggregator (spec §4.3): folds ticks
// into per-(symbol,timeframe) in-progress candles, finalizes them on bucket
// boundaries, and retains a bounded ring of finalized candles for fast
// readers. Ownership follows spec §5: one writer per key (the Runner for
// that symbol); readers take a copy-on-read snapshot, grounded on the
// teacher's single-writer position-state discipline in cmd/bot/main.go
// generalized to many independent keys instead of one.
package aggregator

import (
	"context"
	"log"
	"sync"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/store"
)

// MaxRingSize bounds the finalized-candle ring kept per key (spec §3).
const MaxRingSize = 2000

type keyState struct {
	mu          sync.RWMutex
	inProgress  *models.Candle
	ring        []models.Candle // oldest first, capped at MaxRingSize

	lastCumVolume     float64 // last observed tick.VolumeCum, for delta accumulation
	haveLastCumVolume bool
}

// cumVolumeDelta returns the traded-volume contribution of tick, converting
// a broker's cumulative day volume into a per-tick delta (spec §4.3 step 5:
// "use tick-delta if broker returns cumulative day volume"). Must be called
// with ks.mu held. The first observation for a key has no prior baseline
// and contributes zero; a negative delta (day counter reset, broker
// restart) is clamped to zero rather than going negative (spec §3: "volume
// ≥ 0").
func (ks *keyState) cumVolumeDelta(tick models.Tick) float64 {
	if !tick.HasVolCum {
		return 1 // one tick, no last-traded-quantity field on models.Tick to add instead
	}
	if !ks.haveLastCumVolume {
		ks.haveLastCumVolume = true
		ks.lastCumVolume = tick.VolumeCum
		return 0
	}
	delta := tick.VolumeCum - ks.lastCumVolume
	ks.lastCumVolume = tick.VolumeCum
	if delta < 0 {
		delta = 0
	}
	return delta
}

// Aggregator owns per-(symbol,timeframe) candle state.
type Aggregator struct {
	clock  *clock.Clock
	store  store.Store
	bus    *eventbus.Bus
	logger *log.Logger

	mu     sync.Mutex
	states map[models.CandleKey]*keyState
}

// New constructs an Aggregator. bus may be nil in tests that do not need
// CandleClosed propagation.
func New(ck *clock.Clock, st store.Store, bus *eventbus.Bus, logger *log.Logger) *Aggregator {
	return &Aggregator{
		clock:  ck,
		store:  st,
		bus:    bus,
		logger: logger,
		states: make(map[models.CandleKey]*keyState),
	}
}

func (a *Aggregator) stateFor(key models.CandleKey) *keyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks, ok := a.states[key]
	if !ok {
		ks = &keyState{}
		a.states[key] = ks
	}
	return ks
}

// OnTick folds one tick into the in-progress candle for (tick.Symbol, tf).
// Never raises to the caller (spec §4.3): a Store failure during finalize is
// logged and the tick is still accepted into memory.
func (a *Aggregator) OnTick(ctx context.Context, tick models.Tick, tf clock.Timeframe) {
	if !a.clock.IsMarketOpen(tick.TS) {
		return
	}
	key := models.CandleKey{Symbol: tick.Symbol, Timeframe: tf}
	ks := a.stateFor(key)
	bucket := a.clock.AlignToBucket(tick.TS, tf)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	volDelta := ks.cumVolumeDelta(tick)

	if ks.inProgress == nil {
		ks.inProgress = &models.Candle{
			Symbol: tick.Symbol, Timeframe: tf, BucketStart: bucket,
			Open: tick.LastPrice, High: tick.LastPrice, Low: tick.LastPrice, Close: tick.LastPrice,
			Volume: volDelta,
		}
		return
	}

	if bucket.After(ks.inProgress.BucketStart) {
		a.finalizeLocked(ctx, ks)
		ks.inProgress = &models.Candle{
			Symbol: tick.Symbol, Timeframe: tf, BucketStart: bucket,
			Open: tick.LastPrice, High: tick.LastPrice, Low: tick.LastPrice, Close: tick.LastPrice,
			Volume: volDelta,
		}
		return
	}

	c := ks.inProgress
	if tick.LastPrice > c.High {
		c.High = tick.LastPrice
	}
	if tick.LastPrice < c.Low {
		c.Low = tick.LastPrice
	}
	c.Close = tick.LastPrice
	c.Volume += volDelta
}

// finalizeLocked must be called with ks.mu held, and only transitions the
// currently in-progress candle — callers are responsible for replacing
// ks.inProgress afterward.
func (a *Aggregator) finalizeLocked(ctx context.Context, ks *keyState) {
	if ks.inProgress == nil {
		return
	}
	c := *ks.inProgress
	c.Finalized = true

	if err := a.store.UpsertCandle(ctx, c); err != nil {
		a.logger.Printf("aggregator: failed to persist finalized candle %s/%s@%v: %v (retained in memory)",
			c.Symbol, c.Timeframe, c.BucketStart, err)
	}

	ks.ring = append(ks.ring, c)
	if len(ks.ring) > MaxRingSize {
		ks.ring = ks.ring[len(ks.ring)-MaxRingSize:]
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type: eventbus.CandleClosed,
			Payload: CandleClosedPayload{
				Symbol: c.Symbol, Timeframe: c.Timeframe, Candle: c,
			},
		})
	}
}

// FinalizeIfStale force-finalizes the in-progress candle for key if it is
// now finalized per the clock (used by Runners at the top of their loop so a
// long idle gap between ticks does not leave a stale candle open forever).
func (a *Aggregator) FinalizeIfStale(ctx context.Context, key models.CandleKey) {
	ks := a.stateFor(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.inProgress == nil {
		return
	}
	if a.clock.IsFinalized(a.clock.Now(), ks.inProgress.BucketStart, key.Timeframe) {
		a.finalizeLocked(ctx, ks)
		ks.inProgress = nil
	}
}

// CurrentCandle returns a read-only snapshot of the in-progress candle, if any.
func (a *Aggregator) CurrentCandle(key models.CandleKey) (models.Candle, bool) {
	ks := a.stateFor(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.inProgress == nil {
		return models.Candle{}, false
	}
	return *ks.inProgress, true
}

// RecentFinalized returns up to n most-recent finalized candles for key,
// oldest first.
func (a *Aggregator) RecentFinalized(key models.CandleKey, n int) []models.Candle {
	ks := a.stateFor(key)
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if n <= 0 || len(ks.ring) == 0 {
		return nil
	}
	if n > len(ks.ring) {
		n = len(ks.ring)
	}
	out := make([]models.Candle, n)
	copy(out, ks.ring[len(ks.ring)-n:])
	return out
}

// CandleClosedPayload is the complete payload carried by a CandleClosed event.
type CandleClosedPayload struct {
	Symbol    string
	Timeframe clock.Timeframe
	Candle    models.Candle
}
