package models

import (
	"fmt"
	"time"

	"github.com/kiteflow/optionsrt/internal/clock"
)

// Tick is an ephemeral quote observation; it is never persisted directly
// (spec §3) — the Aggregator folds it into Candles, which are.
type Tick struct {
	Symbol    string
	TS        time.Time
	LastPrice float64
	VolumeCum float64 // cumulative day volume, if the broker provides it
	HasVolCum bool
	Bid, Ask  float64
	// Metadata carries per-asset-class enrichment (index sector, option
	// greeks snapshot, ...) attached by a Runner's Enricher before the tick
	// reaches the Aggregator/Store.
	Metadata map[string]string
}

// Candle is the unit of time series data (spec §3).
type Candle struct {
	Symbol      string          `json:"symbol"`
	Timeframe   clock.Timeframe `json:"timeframe"`
	BucketStart time.Time       `json:"bucket_start"`
	Open        float64         `json:"open"`
	High        float64         `json:"high"`
	Low         float64         `json:"low"`
	Close       float64         `json:"close"`
	Volume      float64         `json:"volume"`
	Trades      int64           `json:"trades,omitempty"`
	VWAP        float64         `json:"vwap,omitempty"`
	Finalized   bool            `json:"finalized"`
}

// Validate checks the candle invariants from spec §3/§8.
func (c *Candle) Validate(ck *clock.Clock) error {
	aligned := ck.AlignToBucket(c.BucketStart, c.Timeframe)
	if !aligned.Equal(c.BucketStart) {
		return fmt.Errorf("candle %s/%s bucket_start %v not aligned to timeframe (expected %v)",
			c.Symbol, c.Timeframe, c.BucketStart, aligned)
	}
	lo, hi := c.Low, c.High
	if lo > c.Open || lo > c.Close || hi < c.Open || hi < c.Close {
		return fmt.Errorf("candle %s/%s violates low<=open,close<=high: low=%.4f open=%.4f close=%.4f high=%.4f",
			c.Symbol, c.Timeframe, lo, c.Open, c.Close, hi)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s/%s has negative volume %.4f", c.Symbol, c.Timeframe, c.Volume)
	}
	return nil
}

// Key identifies the (symbol, timeframe) series this candle belongs to.
type CandleKey struct {
	Symbol    string
	Timeframe clock.Timeframe
}

func (c Candle) Key() CandleKey {
	return CandleKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}
