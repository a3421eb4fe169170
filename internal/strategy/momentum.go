package strategy

import (
	"fmt"

	"github.com/kiteflow/optionsrt/internal/models"
)

// Momentum is a sample Strategy: a fast/slow simple-moving-average
// crossover, the same family of entry idea as the teacher's
// CheckEntryConditions IV/credit gate but over price instead of IV — it
// exists to exercise the Strategy interface end to end, not to be a
// production-grade signal generator (spec §1 explicitly treats strategy
// numerics as out of scope).
type Momentum struct {
	fastPeriod, slowPeriod int
	targetPct, stopPct     float64
}

// NewMomentum constructs a Momentum strategy. targetPct/stopPct are
// fractional offsets applied to the current close to derive target/stop
// prices (e.g. 0.01 = 1%).
func NewMomentum(fastPeriod, slowPeriod int, targetPct, stopPct float64) *Momentum {
	return &Momentum{fastPeriod: fastPeriod, slowPeriod: slowPeriod, targetPct: targetPct, stopPct: stopPct}
}

// Name implements Strategy.
func (m *Momentum) Name() string { return "momentum" }

// Analyze implements Strategy: a BUY when the fast SMA crosses above the
// slow SMA on the latest bar, a SELL on the reverse crossover, HOLD
// otherwise.
func (m *Momentum) Analyze(ds Dataset) (*Recommendation, error) {
	n := len(ds.Candles)
	if n < m.slowPeriod+1 {
		return nil, fmt.Errorf("momentum: need at least %d candles, got %d", m.slowPeriod+1, n)
	}

	fastNow := sma(ds.Candles, n-1, m.fastPeriod)
	slowNow := sma(ds.Candles, n-1, m.slowPeriod)
	fastPrev := sma(ds.Candles, n-2, m.fastPeriod)
	slowPrev := sma(ds.Candles, n-2, m.slowPeriod)

	close := ds.Candles[n-1].Close

	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		return &Recommendation{
			Action:          models.ActionBuy,
			UnderlyingPrice: close,
			TargetPrice:     close * (1 + m.targetPct),
			StopLossPrice:   close * (1 - m.stopPct),
			Confidence:      crossoverStrength(fastNow, slowNow),
			ExpectedMovePct: m.targetPct * 100,
		}, nil
	case fastPrev >= slowPrev && fastNow < slowNow:
		return &Recommendation{
			Action:          models.ActionSell,
			UnderlyingPrice: close,
			TargetPrice:     close * (1 - m.targetPct),
			StopLossPrice:   close * (1 + m.stopPct),
			Confidence:      crossoverStrength(fastNow, slowNow),
			ExpectedMovePct: m.targetPct * 100,
		}, nil
	default:
		return &Recommendation{Action: models.ActionHold}, nil
	}
}

// sma computes the simple moving average of `period` candles ending at
// index `end` (inclusive).
func sma(candles []models.Candle, end, period int) float64 {
	start := end - period + 1
	if start < 0 {
		start = 0
	}
	var sum float64
	count := 0
	for i := start; i <= end; i++ {
		sum += candles[i].Close
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func crossoverStrength(fast, slow float64) float64 {
	if slow == 0 {
		return 0.5
	}
	diff := (fast - slow) / slow
	if diff < 0 {
		diff = -diff
	}
	conf := 0.5 + diff*10
	if conf > 1 {
		conf = 1
	}
	return conf
}
