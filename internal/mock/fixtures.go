// Package mock is a fixture library shared by every package's tests,
// generalized from the teacher's internal/mock/mock_data.go DataProvider
// (SPY-only, strangle-only) into builders for the new domain's candles,
// signals, positions, and option chains.
package mock

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// Fixtures generates deterministic test data off a seeded RNG, matching the
// teacher's NewDeterministicDataProvider idiom for stable test output.
type Fixtures struct {
	rng *rand.Rand
}

// New constructs a Fixtures generator with the given deterministic seed.
func New(seed int64) *Fixtures {
	return &Fixtures{rng: rand.New(rand.NewSource(seed))}
}

// Candles builds n consecutive finalized candles for symbol/timeframe
// starting at `from`, with a small random walk on price.
func (f *Fixtures) Candles(symbol string, tf clock.Timeframe, from time.Time, n int, startPrice float64) []models.Candle {
	out := make([]models.Candle, 0, n)
	price := startPrice
	bucket := from
	for i := 0; i < n; i++ {
		open := price
		delta := (f.rng.Float64() - 0.5) * price * 0.004
		close := open + delta
		high := open
		if close > high {
			high = close
		}
		low := open
		if close < low {
			low = close
		}
		high += f.rng.Float64() * price * 0.001
		low -= f.rng.Float64() * price * 0.001
		out = append(out, models.Candle{
			Symbol:      symbol,
			Timeframe:   tf,
			BucketStart: bucket,
			Open:        open,
			High:        high,
			Low:         low,
			Close:       close,
			Volume:      float64(1000 + f.rng.Intn(5000)),
			Trades:      int64(10 + f.rng.Intn(100)),
			VWAP:        (open + close) / 2,
			Finalized:   true,
		})
		price = close
		bucket = bucket.Add(tf.Duration())
	}
	return out
}

// Signal builds a BUY or SELL signal consistent with Signal.Validate's
// invariants for the given action.
func (f *Fixtures) Signal(strategy, symbol string, action models.Action, underlying float64, tf clock.Timeframe, bucket time.Time) models.Signal {
	var target, stop float64
	switch action {
	case models.ActionSell:
		target = underlying * 0.98
		stop = underlying * 1.02
	default:
		action = models.ActionBuy
		target = underlying * 1.02
		stop = underlying * 0.98
	}
	return models.Signal{
		SignalID:        fmt.Sprintf("sig_fixture_%d", f.rng.Int63()),
		CreatedAt:       bucket,
		Symbol:          symbol,
		AssetClass:      "index",
		Strategy:        strategy,
		Action:          action,
		UnderlyingPrice: underlying,
		TargetPrice:     target,
		StopLossPrice:   stop,
		Confidence:      0.5 + f.rng.Float64()*0.5,
		ExpectedMovePct: 0.5 + f.rng.Float64(),
		Timeframe:       tf,
		BucketStart:     bucket,
		Status:          models.SignalNew,
	}
}

// OptionChain builds a symmetric CE/PE chain around spot, spaced by strikeGap,
// with `width` strikes on either side, all reasonably liquid.
func (f *Fixtures) OptionChain(underlying string, spot float64, expiry time.Time, strikeGap float64, width int, lotSize int) []models.OptionContract {
	var out []models.OptionContract
	base := float64(int(spot/strikeGap)) * strikeGap
	for i := -width; i <= width; i++ {
		strike := base + float64(i)*strikeGap
		distance := strike - spot
		for _, ot := range []models.OptionType{models.OptionCall, models.OptionPut} {
			intrinsic := distance
			if ot == models.OptionPut {
				intrinsic = -distance
			}
			if intrinsic < 0 {
				intrinsic = 0
			}
			premium := intrinsic + 20 + f.rng.Float64()*30
			out = append(out, models.OptionContract{
				TradingSymbol: fmt.Sprintf("%s%s%d%s", underlying, expiry.Format("02Jan"), int(strike), ot),
				Token:         fmt.Sprintf("tok_%d_%s", int(strike), ot),
				Underlying:    underlying,
				Strike:        strike,
				OptionType:    ot,
				Expiry:        expiry,
				LotSize:       lotSize,
				LTP:           premium,
				Bid:           premium - 0.5,
				Ask:           premium + 0.5,
				Volume:        float64(5000 + f.rng.Intn(20000)),
				OI:            float64(10000 + f.rng.Intn(50000)),
				IV:            0.12 + f.rng.Float64()*0.1,
				Delta:         deltaFor(ot, distance, spot),
				HasGreeks:     true,
				SnapshotTS:    time.Now(),
			})
		}
	}
	return out
}

func deltaFor(ot models.OptionType, distance, spot float64) float64 {
	proximity := 1 - (absF(distance) / spot)
	if proximity < 0 {
		proximity = 0
	}
	d := 0.5 * proximity
	if ot == models.OptionPut {
		return -d
	}
	return d
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SeedBroker loads quotes and an option chain into a SimulatedClient.
func (f *Fixtures) SeedBroker(sim *broker.SimulatedClient, underlying string, spot float64, expiry time.Time) {
	sim.SetQuotes(map[string]broker.Quote{
		underlying: {Symbol: underlying, LTP: spot, VolumeCum: 1_000_000},
	})
	chain := f.OptionChain(underlying, spot, expiry, 50, 10, 50)
	sim.SetOptionChain(underlying, chain)
	quotes := map[string]broker.Quote{underlying: {Symbol: underlying, LTP: spot, VolumeCum: 1_000_000}}
	for _, c := range chain {
		quotes[c.TradingSymbol] = broker.Quote{Symbol: c.TradingSymbol, LTP: c.LTP, Bid: c.Bid, Ask: c.Ask, OI: c.OI}
	}
	sim.SetQuotes(quotes)
}
