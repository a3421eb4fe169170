package orchestrator

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/config"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Mode: config.ModePaper,
		Symbols: config.SymbolsConfig{
			Indices: []string{"NIFTY"},
		},
		Runners: config.RunnersConfig{
			Index: config.RunnerConfig{IntervalSeconds: 1},
		},
		Strategies: map[string]config.StrategyConfig{
			"momentum": {
				Enabled: true, Symbols: []string{"NIFTY"}, Timeframe: "1m",
				LookbackPeriods: 30, MinPeriods: 20,
				Parameters: map[string]string{"fast_period": "5", "slow_period": "20"},
			},
		},
		Options: config.OptionsConfig{
			MaxConcurrentPositions: 5, RiskPct: 0.01, MaxPositionPct: 0.2,
			StopLossPct: 0.3, TargetPct: 0.6, MaxLotsPerTrade: 10,
			MinOI: 0, MinVolume: 0, MaxSpreadPct: 1, MinPremium: 0, MaxPremium: 1_000_000,
			StrikeMode: config.StrikeBalanced, ExpiryCutoffMin: 60, Capital: 1_000_000,
			AllowedSymbols: []string{"NIFTY"}, SignalMaxAge: time.Hour,
		},
		Market: config.MarketConfig{Timezone: "Asia/Kolkata"},
		Cache:  config.CacheConfig{RefreshTTLSeconds: 300},
		Store:  config.StoreConfig{Backend: "json", Path: filepath.Join(t.TempDir(), "store.json")},
	}
	return cfg
}

func TestNew_ConstructsFullComponentGraphWithoutError(t *testing.T) {
	cfg := testConfig(t)
	bc := broker.NewSimulatedClient()

	orch, err := New(cfg, bc, nil, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, orch.Store())
	require.NotNil(t, orch.Metrics())
	require.NotNil(t, orch.EventBus())
	require.Len(t, orch.runners, 1, "one runner for the single configured asset class")
}

func TestNew_RejectsUnknownStrategyName(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies["not_a_real_strategy"] = config.StrategyConfig{Enabled: true}

	_, err := New(cfg, broker.NewSimulatedClient(), nil, quietLogger())
	require.Error(t, err)
}

func TestStartStop_GracefullyShutsDownWithinGracePeriod(t *testing.T) {
	cfg := testConfig(t)
	bc := broker.NewSimulatedClient()
	bc.SetQuotes(map[string]broker.Quote{"NIFTY": {Symbol: "NIFTY", LTP: 22000}})

	orch, err := New(cfg, bc, nil, quietLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	orch.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(GracePeriod + 2*time.Second):
		t.Fatal("orchestrator did not shut down within the grace period")
	}
}

func TestStop_IsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	orch, err := New(cfg, broker.NewSimulatedClient(), nil, quietLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	require.NotPanics(t, func() {
		orch.Stop()
		orch.Stop()
	})

	select {
	case <-errCh:
	case <-time.After(GracePeriod + 2*time.Second):
		t.Fatal("orchestrator did not shut down after duplicate Stop calls")
	}
}

func TestStart_FailsFastWhenBrokerAuthenticationFails(t *testing.T) {
	cfg := testConfig(t)
	orch, err := New(cfg, &refusingAuthBroker{SimulatedClient: broker.NewSimulatedClient()}, nil, quietLogger())
	require.NoError(t, err)

	err = orch.Start(context.Background())
	require.Error(t, err)
}

type refusingAuthBroker struct {
	*broker.SimulatedClient
}

func (r *refusingAuthBroker) Authenticate(ctx context.Context) error {
	return errors.New("simulated broker refused authentication")
}
