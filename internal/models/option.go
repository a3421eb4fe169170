package models

import "time"

// OptionContract is one strike/expiry/type combination in an option chain
// snapshot (spec §3/§4.9). StrikeSelector and the Executor both consume
// these; PositionMonitor reads them back for mark-to-market refreshes.
type OptionContract struct {
	TradingSymbol string    `json:"tradingsymbol"`
	Token         string    `json:"token"`
	Underlying    string    `json:"underlying"`
	Strike        float64   `json:"strike"`
	OptionType    OptionType `json:"option_type"`
	Expiry        time.Time `json:"expiry"`
	LotSize       int       `json:"lot_size"`
	LTP           float64   `json:"ltp"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Volume        float64   `json:"volume"`
	OI            float64   `json:"oi"`
	IV            float64   `json:"iv,omitempty"`
	Delta         float64   `json:"delta,omitempty"`
	HasGreeks     bool      `json:"-"`
	SnapshotTS    time.Time `json:"snapshot_ts"`
}

// Spread returns the absolute bid/ask spread, used by the liquidity and
// spread-tightness scoring dimensions in StrikeSelector.
func (o *OptionContract) Spread() float64 {
	if o.Ask <= 0 || o.Bid <= 0 {
		return 0
	}
	return o.Ask - o.Bid
}

// SpreadPct returns the spread as a fraction of mid price, 0 if unpriced.
func (o *OptionContract) SpreadPct() float64 {
	mid := (o.Bid + o.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return o.Spread() / mid
}

// DistanceFromStrike returns |underlying - strike|.
func (o *OptionContract) DistanceFromStrike(underlying float64) float64 {
	d := underlying - o.Strike
	if d < 0 {
		return -d
	}
	return d
}

// OptionChainKey identifies one (underlying, expiry) option chain.
type OptionChainKey struct {
	Underlying string
	Expiry     time.Time
}
