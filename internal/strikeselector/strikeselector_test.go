package strikeselector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/mock"
	"github.com/kiteflow/optionsrt/internal/models"
)

func defaultConfig() Config {
	return Config{
		Mode:            Balanced,
		MinOI:           1000,
		MinVolume:       100,
		MaxSpreadPct:    0.05,
		MinPremium:      5,
		MaxPremium:      500,
		ExpiryCutoffMin: 60,
		TickSize:        0.05,
	}
}

func seededBroker(t *testing.T, underlying string, spot float64, expiryDTE int) *broker.SimulatedClient {
	t.Helper()
	sim := broker.NewSimulatedClient()
	expiry := time.Now().AddDate(0, 0, expiryDTE)
	f := mock.New(42)
	chain := f.OptionChain(underlying, spot, expiry, 50, 10, 50)
	sim.SetOptionChain(underlying, chain)
	return sim
}

func TestSelector_SelectsCallForBuyAction(t *testing.T) {
	sim := seededBroker(t, "NIFTY", 22000, 10)
	sel := New(sim, clock.New(nil), defaultConfig())

	contract, err := sel.Select(context.Background(), "NIFTY", models.ActionBuy, 22000, 1.0)
	require.NoError(t, err)
	require.Equal(t, models.OptionCall, contract.OptionType)
}

func TestSelector_SelectsPutForSellAction(t *testing.T) {
	sim := seededBroker(t, "NIFTY", 22000, 10)
	sel := New(sim, clock.New(nil), defaultConfig())

	contract, err := sel.Select(context.Background(), "NIFTY", models.ActionSell, 22000, 1.0)
	require.NoError(t, err)
	require.Equal(t, models.OptionPut, contract.OptionType)
}

func TestSelector_NoSuitableStrikeWhenExpiryTooNear(t *testing.T) {
	sim := seededBroker(t, "NIFTY", 22000, 1) // 1 DTE, below the 2-day floor
	sel := New(sim, clock.New(nil), defaultConfig())

	_, err := sel.Select(context.Background(), "NIFTY", models.ActionBuy, 22000, 1.0)
	require.Error(t, err)
}

func TestSelector_NoSuitableStrikeWhenLiquidityFilterExcludesEverything(t *testing.T) {
	sim := seededBroker(t, "NIFTY", 22000, 10)
	cfg := defaultConfig()
	cfg.MinOI = 10_000_000 // impossibly high

	sel := New(sim, clock.New(nil), cfg)
	_, err := sel.Select(context.Background(), "NIFTY", models.ActionBuy, 22000, 1.0)
	require.Error(t, err)
}

func TestSelector_ConservativeModeTargetsATM(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mode = Conservative
	sel := New(broker.NewSimulatedClient(), clock.New(nil), cfg)

	require.Equal(t, 22000.0, sel.targetStrike(22000, 5))
}

func TestSelector_AggressiveModeTargets2PctOTM(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mode = Aggressive
	sel := New(broker.NewSimulatedClient(), clock.New(nil), cfg)

	require.InDelta(t, 22440.0, sel.targetStrike(22000, 5), 0.01)
}

func TestSelector_BalancedModeSwitchesOnExpectedMove(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mode = Balanced
	sel := New(broker.NewSimulatedClient(), clock.New(nil), cfg)

	require.Equal(t, 22000.0, sel.targetStrike(22000, 1.0))
	require.InDelta(t, 22220.0, sel.targetStrike(22000, 2.0), 0.01)
}

func TestSelector_TickRoundsSelectedPremium(t *testing.T) {
	sim := seededBroker(t, "NIFTY", 22000, 10)
	cfg := defaultConfig()
	cfg.TickSize = 0.5
	sel := New(sim, clock.New(nil), cfg)

	contract, err := sel.Select(context.Background(), "NIFTY", models.ActionBuy, 22000, 1.0)
	require.NoError(t, err)
	remainder := contract.LTP / cfg.TickSize
	require.InDelta(t, remainder, float64(int64(remainder+0.5)), 1e-6)
}
