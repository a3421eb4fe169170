// Package strikeselector implements StrikeSelector (spec §4.9): resolves a
// signal to a concrete option contract via expiry/liquidity filters and a
// weighted score. The filter-then-score shape, and the
// closest-to-target-delta idea in particular, is adapted from the teacher's
// strangle.go findStrikeByDelta/findTargetExpiration — generalized from
// picking two legs at a fixed delta to scoring a single-leg candidate set
// against a multi-factor objective.
package strikeselector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/util"
)

// StrikeMode controls how far out of the money the target strike sits.
type StrikeMode string

// Strike modes from spec §4.9 step 4.
const (
	Conservative StrikeMode = "CONSERVATIVE"
	Balanced     StrikeMode = "BALANCED"
	Aggressive   StrikeMode = "AGGRESSIVE"
)

// Config is the subset of options configuration StrikeSelector consumes.
type Config struct {
	Mode             StrikeMode
	MinOI            float64
	MinVolume        float64
	MaxSpreadPct     float64
	MinPremium       float64
	MaxPremium       float64
	ExpiryCutoffMin  int
	TickSize         float64
}

// Selector resolves signals to concrete contracts.
type Selector struct {
	broker broker.Client
	clock  *clock.Clock
	cfg    Config
}

// New constructs a Selector. Every time comparison routes through ck (spec
// §4.1) — the selector never calls time.Now() directly.
func New(bc broker.Client, ck *clock.Clock, cfg Config) *Selector {
	return &Selector{broker: bc, clock: ck, cfg: cfg}
}

// Select implements spec §4.9. action is the signal's Action (BUY maps to
// CE, SELL maps to PE — the system only ever buys options, long-premium,
// per spec §3 Position invariants).
func (s *Selector) Select(ctx context.Context, symbol string, action models.Action, underlyingPrice, expectedMovePct float64) (*models.OptionContract, error) {
	chain, err := s.broker.OptionChain(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("strikeselector: fetching option chain for %s: %w", symbol, err)
	}

	wantType := models.OptionCall
	if action == models.ActionSell {
		wantType = models.OptionPut
	}

	now := s.clock.InIST(s.clock.Now())
	candidates := make([]models.OptionContract, 0, len(chain))
	for _, c := range chain {
		if c.OptionType != wantType {
			continue
		}
		if !s.expiryOK(c.Expiry, now) {
			continue
		}
		if !s.liquidityOK(c) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates passed expiry/liquidity filters for %s", errs.ErrNoSuitableStrike, symbol)
	}

	targetStrike := s.targetStrike(underlyingPrice, expectedMovePct)
	if wantType == models.OptionPut {
		// targetStrike offsets upward (OTM for a call); mirror it below the
		// underlying so a put's target is out of the money too.
		targetStrike = 2*underlyingPrice - targetStrike
	}
	withinBand := candidates[:0]
	for _, c := range candidates {
		if math.Abs(c.Strike-targetStrike)/targetStrike <= 0.10 {
			withinBand = append(withinBand, c)
		}
	}
	if len(withinBand) == 0 {
		return nil, fmt.Errorf("%w: no strikes within 10%% of target %.2f for %s", errs.ErrNoSuitableStrike, targetStrike, symbol)
	}

	sort.SliceStable(withinBand, func(i, j int) bool {
		si, sj := s.score(withinBand[i], targetStrike), s.score(withinBand[j], targetStrike)
		if si != sj {
			return si > sj
		}
		if !withinBand[i].Expiry.Equal(withinBand[j].Expiry) {
			return withinBand[i].Expiry.Before(withinBand[j].Expiry)
		}
		return spread(withinBand[i]) < spread(withinBand[j])
	})

	best := withinBand[0]
	if s.cfg.TickSize > 0 {
		best.LTP = util.RoundToTick(best.LTP, s.cfg.TickSize)
	}
	return &best, nil
}

func (s *Selector) expiryOK(expiry, now time.Time) bool {
	today := now.Truncate(24 * time.Hour)
	expiryDay := expiry.Truncate(24 * time.Hour)
	if !expiryDay.After(today) {
		return false
	}
	dte := int(expiryDay.Sub(today).Hours() / 24)
	return dte >= 2 && dte <= 30
}

func (s *Selector) liquidityOK(c models.OptionContract) bool {
	if c.OI < s.cfg.MinOI || c.Volume < s.cfg.MinVolume {
		return false
	}
	if c.LTP < s.cfg.MinPremium || c.LTP > s.cfg.MaxPremium {
		return false
	}
	sp := c.SpreadPct()
	if s.cfg.MaxSpreadPct > 0 && sp > s.cfg.MaxSpreadPct {
		return false
	}
	return true
}

// targetStrike implements spec §4.9 step 4.
func (s *Selector) targetStrike(underlyingPrice, expectedMovePct float64) float64 {
	switch s.cfg.Mode {
	case Conservative:
		return underlyingPrice
	case Aggressive:
		return underlyingPrice * 1.02
	default: // Balanced
		if expectedMovePct < 1.5 {
			return underlyingPrice
		}
		return underlyingPrice * 1.01
	}
}

// score implements the weighted objective of spec §4.9 step 6.
func (s *Selector) score(c models.OptionContract, targetStrike float64) float64 {
	liquidity := normalizedLiquidity(c)
	deltaProximity := 1 - math.Min(1, math.Abs(math.Abs(c.Delta)-0.5)/0.5)
	ivRank := 1 - math.Min(1, c.IV/1.0) // lower IV scores higher; IV expressed as a fraction
	distanceToTarget := 1 - math.Min(1, math.Abs(c.Strike-targetStrike)/math.Max(targetStrike, 1))
	spreadTightness := 1 - math.Min(1, c.SpreadPct()/math.Max(s.cfg.MaxSpreadPct, 0.01))

	return 0.30*liquidity + 0.20*deltaProximity + 0.15*ivRank + 0.25*distanceToTarget + 0.10*spreadTightness
}

func normalizedLiquidity(c models.OptionContract) float64 {
	const liquidityScale = 100000.0
	oiScore := math.Min(1, c.OI/liquidityScale)
	volScore := math.Min(1, c.Volume/liquidityScale)
	return (oiScore + volScore) / 2
}

func spread(c models.OptionContract) float64 {
	return c.Spread()
}
