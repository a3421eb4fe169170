package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// storeFactories lets the contract tests below run against every Store
// implementation that is available in the current environment. PostgresStore
// only joins the table if DATABASE_URL is set, matching the teacher's own
// discipline of skipping container-backed integration tests when no external
// dependency is reachable.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	factories := map[string]func() Store{
		"json": func() Store {
			s, err := NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		factories["postgres"] = func() Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			require.NoError(t, err)
			return s
		}
	}
	return factories
}

func sampleCandle(bucket time.Time) models.Candle {
	return models.Candle{
		Symbol:      "NIFTY",
		Timeframe:   clock.TF5Min,
		BucketStart: bucket,
		Open:        100, High: 105, Low: 99, Close: 103,
		Volume: 1000, Trades: 12, VWAP: 102.4, Finalized: true,
	}
}

func sampleSignal(bucket time.Time) models.Signal {
	return models.Signal{
		SignalID:        "sig_test_1",
		CreatedAt:       bucket,
		Symbol:          "NIFTY",
		AssetClass:      "index",
		Strategy:        "momentum",
		Action:          models.ActionBuy,
		UnderlyingPrice: 23500,
		TargetPrice:     23600,
		StopLossPrice:   23450,
		Confidence:      0.7,
		ExpectedMovePct: 0.4,
		Timeframe:       clock.TF5Min,
		BucketStart:     bucket,
		Status:          models.SignalNew,
	}
}

func samplePosition(now time.Time) models.Position {
	return models.Position{
		PositionID:       "pos_test_1",
		SignalID:         "sig_test_1",
		Mode:             models.ModePaper,
		OptionSymbol:     "NIFTY24JUN23500CE",
		Underlying:       "NIFTY",
		Strike:           23500,
		OptionType:       models.OptionCall,
		Expiry:           now.AddDate(0, 0, 7),
		EntryTS:          now,
		EntryPremium:     120,
		Quantity:         50,
		LotSize:          50,
		StopLossPremium:  80,
		TargetPremium:    180,
		Status:           models.PositionOpen,
		CurrentPremium:   120,
		UpdatedAt:        now,
		ManagementPhase:  models.PhaseNormal,
	}
}

func TestStore_CandleRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			bucket := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

			require.NoError(t, s.UpsertCandle(ctx, sampleCandle(bucket)))
			require.NoError(t, s.UpsertCandle(ctx, sampleCandle(bucket.Add(5*time.Minute))))

			got, err := s.LastNCandles(ctx, "NIFTY", clock.TF5Min, 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.True(t, got[0].BucketStart.Before(got[1].BucketStart))

			ranged, err := s.Candles(ctx, "NIFTY", clock.TF5Min, bucket, bucket)
			require.NoError(t, err)
			require.Len(t, ranged, 1)
		})
	}
}

func TestStore_BulkUpsertCandlesIsIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			bucket := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
			c := sampleCandle(bucket)

			require.NoError(t, s.BulkUpsertCandles(ctx, []models.Candle{c, c}))
			got, err := s.LastNCandles(ctx, "NIFTY", clock.TF5Min, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)

			c.Close = 999
			require.NoError(t, s.UpsertCandle(ctx, c))
			got, err = s.LastNCandles(ctx, "NIFTY", clock.TF5Min, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, 999.0, got[0].Close)
		})
	}
}

func TestStore_SignalInsertRejectsDuplicateID(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			bucket := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
			sig := sampleSignal(bucket)

			require.NoError(t, s.InsertSignal(ctx, sig))
			err := s.InsertSignal(ctx, sig)
			require.Error(t, err)
		})
	}
}

func TestStore_SignalByFingerprintAndStatusUpdate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			bucket := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
			sig := sampleSignal(bucket)
			require.NoError(t, s.InsertSignal(ctx, sig))

			fp := models.Fingerprint{
				Strategy: sig.Strategy, Symbol: sig.Symbol, Action: sig.Action,
				Timeframe: sig.Timeframe, BucketStart: sig.BucketStart,
			}
			found, err := s.SignalByFingerprint(ctx, fp)
			require.NoError(t, err)
			require.NotNil(t, found)
			require.Equal(t, sig.SignalID, found.SignalID)

			require.NoError(t, s.UpdateSignalStatus(ctx, sig.SignalID, models.SignalRejected, "stale"))
			since, err := s.SignalsSince(ctx, sig.Strategy, sig.Symbol, bucket.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, since, 1)
			require.Equal(t, models.SignalRejected, since[0].Status)
			require.Equal(t, "stale", since[0].RejectReason)
		})
	}
}

func TestStore_PositionLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			now := time.Date(2026, 7, 31, 9, 20, 0, 0, time.UTC)
			sig := sampleSignal(now)
			require.NoError(t, s.InsertSignal(ctx, sig))

			p := samplePosition(now)
			require.NoError(t, s.InsertPosition(ctx, p))

			open, err := s.OpenPositions(ctx)
			require.NoError(t, err)
			require.Len(t, open, 1)

			byLink, err := s.PositionBySignal(ctx, sig.SignalID)
			require.NoError(t, err)
			require.NotNil(t, byLink)
			require.Equal(t, p.PositionID, byLink.PositionID)

			p.Close(now.Add(time.Hour), 180, models.ExitTarget)
			p.UpdatedAt = now.Add(time.Hour)
			require.NoError(t, s.UpdatePosition(ctx, p))

			open, err = s.OpenPositions(ctx)
			require.NoError(t, err)
			require.Len(t, open, 0)
		})
	}
}

func TestStore_RecentSignalsAndPositionsSpanAllStrategiesAndSymbols(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			now := time.Date(2026, 7, 31, 9, 20, 0, 0, time.UTC)

			sig1 := sampleSignal(now)
			sig2 := sampleSignal(now.Add(time.Minute))
			sig2.SignalID = "sig_test_2"
			sig2.Strategy = "breakout"
			sig2.Symbol = "BANKNIFTY"
			require.NoError(t, s.InsertSignal(ctx, sig1))
			require.NoError(t, s.InsertSignal(ctx, sig2))

			recent, err := s.RecentSignals(ctx, now.Add(-time.Hour), 0)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			require.Equal(t, sig2.SignalID, recent[0].SignalID) // newest first

			limited, err := s.RecentSignals(ctx, now.Add(-time.Hour), 1)
			require.NoError(t, err)
			require.Len(t, limited, 1)

			p := samplePosition(now)
			require.NoError(t, s.InsertPosition(ctx, p))

			recentPos, err := s.RecentPositions(ctx, now.Add(-time.Hour), 0)
			require.NoError(t, err)
			require.Len(t, recentPos, 1)
			require.Equal(t, p.PositionID, recentPos[0].PositionID)
		})
	}
}

func TestStore_OptionChainFilterByExpiry(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			now := time.Date(2026, 7, 31, 9, 20, 0, 0, time.UTC)
			near := now.AddDate(0, 0, 7)
			far := now.AddDate(0, 0, 14)

			require.NoError(t, s.UpsertOptionSnapshot(ctx, models.OptionContract{
				Underlying: "NIFTY", Expiry: near, Strike: 23500, OptionType: models.OptionCall,
				TradingSymbol: "NIFTY-NEAR-CE", LotSize: 50, LTP: 120, SnapshotTS: now,
			}))
			require.NoError(t, s.UpsertOptionSnapshot(ctx, models.OptionContract{
				Underlying: "NIFTY", Expiry: far, Strike: 23500, OptionType: models.OptionCall,
				TradingSymbol: "NIFTY-FAR-CE", LotSize: 50, LTP: 150, SnapshotTS: now,
			}))

			all, err := s.OptionChain(ctx, "NIFTY", nil)
			require.NoError(t, err)
			require.Len(t, all, 2)

			filtered, err := s.OptionChain(ctx, "NIFTY", &near)
			require.NoError(t, err)
			require.Len(t, filtered, 1)
			require.Equal(t, "NIFTY-NEAR-CE", filtered[0].TradingSymbol)
		})
	}
}

func TestStore_DailyIntradayResetOnlyTouches1Min(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			defer s.Close()
			ctx := context.Background()
			old := time.Date(2026, 7, 30, 9, 15, 0, 0, time.UTC)
			fresh := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

			oneMin := sampleCandle(old)
			oneMin.Timeframe = clock.TF1Min
			require.NoError(t, s.UpsertCandle(ctx, oneMin))
			fiveMin := sampleCandle(old)
			require.NoError(t, s.UpsertCandle(ctx, fiveMin))

			require.NoError(t, s.DailyIntradayReset(ctx, fresh))

			got1m, err := s.LastNCandles(ctx, "NIFTY", clock.TF1Min, 10)
			require.NoError(t, err)
			require.Len(t, got1m, 0)

			got5m, err := s.LastNCandles(ctx, "NIFTY", clock.TF5Min, 10)
			require.NoError(t, err)
			require.Len(t, got5m, 1)
		})
	}
}
