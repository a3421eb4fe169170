package historicalcache

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/mock"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/store"
)

func TestCache_GetReturnsStoredTail(t *testing.T) {
	ck := clock.New(nil)
	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	sim := broker.NewSimulatedClient()
	logger := log.New(io.Discard, "", 0)

	f := mock.New(1)
	bucket := ck.AlignToBucket(ck.Now(), clock.TF5Min).Add(-20 * 5 * time.Minute)
	candles := f.Candles("NIFTY", clock.TF5Min, bucket, 20, 22000)
	require.NoError(t, st.BulkUpsertCandles(context.Background(), candles))

	c := New(ck, st, sim, logger, time.Minute)
	got, err := c.Get(context.Background(), "NIFTY", clock.TF5Min, 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, candles[len(candles)-5].BucketStart, got[0].BucketStart)
}

func TestCache_ConcurrentGetsCoalesceIntoOneRefresh(t *testing.T) {
	ck := clock.New(nil)
	st, err := store.NewJSONStore(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	counting := &countingBroker{SimulatedClient: broker.NewSimulatedClient()}
	logger := log.New(io.Discard, "", 0)

	c := New(ck, st, counting, logger, time.Minute)

	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _ = c.Get(context.Background(), "NIFTY", clock.TF5Min, 10)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	require.LessOrEqual(t, atomic.LoadInt32(&counting.calls), int32(1), "singleflight should coalesce concurrent refreshes for the same key")
}

// countingBroker wraps SimulatedClient to count HistoricalData invocations.
type countingBroker struct {
	*broker.SimulatedClient
	calls int32
}

func (c *countingBroker) HistoricalData(ctx context.Context, symbol string, tf clock.Timeframe, from, to time.Time) ([]models.Candle, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.SimulatedClient.HistoricalData(ctx, symbol, tf, from, to)
}
