// Package historicalcache implements HistoricalCache (spec §4.4): a
// per-(symbol,timeframe) cached tail of finalized candles from Store, with
// refresh-on-staleness and gap-fill via BrokerClient. The single-flight
// refresh discipline (spec §5: "one refresh at a time per key; concurrent
// get calls for the same key during a refresh share the in-flight result")
// is grounded on the teacher's calendarMu-guarded month/year cache in
// cmd/bot/main.go, generalized from a hand-rolled mutex-guarded cache into
// golang.org/x/sync/singleflight so concurrent callers coalesce for free.
package historicalcache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/store"
)

// DefaultRefreshTTL is the staleness window before a key's tail is re-pulled
// from Store (spec §4.4).
const DefaultRefreshTTL = 5 * time.Minute

type cacheEntry struct {
	frame       []models.Candle
	lastRefresh time.Time
	lastBucket  time.Time
}

// Cache is the HistoricalCache component.
type Cache struct {
	clock      *clock.Clock
	store      store.Store
	broker     broker.Client
	logger     *log.Logger
	refreshTTL time.Duration

	sf singleflight.Group

	mu      sync.RWMutex
	entries map[models.CandleKey]*cacheEntry
}

// New constructs a Cache. refreshTTL of zero selects DefaultRefreshTTL.
func New(ck *clock.Clock, st store.Store, bc broker.Client, logger *log.Logger, refreshTTL time.Duration) *Cache {
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Cache{
		clock:      ck,
		store:      st,
		broker:     bc,
		logger:     logger,
		refreshTTL: refreshTTL,
		entries:    make(map[models.CandleKey]*cacheEntry),
	}
}

// Get returns the most recent `periods` finalized candles for (symbol, tf),
// refreshing from Store (and, if the tail is stale, from BrokerClient) as
// needed (spec §4.4).
func (c *Cache) Get(ctx context.Context, symbol string, tf clock.Timeframe, periods int) ([]models.Candle, error) {
	key := models.CandleKey{Symbol: symbol, Timeframe: tf}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	needsRefresh := !ok || c.clock.Now().Sub(entry.lastRefresh) > c.refreshTTL
	if needsRefresh {
		if _, err, _ := c.sf.Do(sfKey(key), func() (interface{}, error) {
			return nil, c.refresh(ctx, key, periods)
		}); err != nil {
			return nil, fmt.Errorf("historicalcache: refreshing %s/%s: %w", symbol, tf, err)
		}
	}

	c.mu.RLock()
	entry, ok = c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	frame := entry.frame
	if len(frame) > periods {
		frame = frame[len(frame)-periods:]
	}
	out := make([]models.Candle, len(frame))
	copy(out, frame)
	return out, nil
}

func sfKey(key models.CandleKey) string {
	return fmt.Sprintf("%s|%s", key.Symbol, key.Timeframe)
}

func (c *Cache) refresh(ctx context.Context, key models.CandleKey, periods int) error {
	want := periods * 2
	if want < periods {
		want = periods
	}

	frame, err := c.store.LastNCandles(ctx, key.Symbol, key.Timeframe, want)
	if err != nil {
		return fmt.Errorf("querying store: %w", err)
	}

	now := c.clock.Now()
	var lastBucket time.Time
	if len(frame) > 0 {
		lastBucket = frame[len(frame)-1].BucketStart
	}

	if lastBucket.IsZero() || now.Sub(lastBucket) > c.refreshTTL {
		from := lastBucket
		if from.IsZero() {
			from, _ = c.clock.TodaySessionBounds()
		}
		candles, err := c.broker.HistoricalData(ctx, key.Symbol, key.Timeframe, from, now)
		if err != nil {
			c.logger.Printf("historicalcache: broker historical_data failed for %s/%s: %v (serving stale tail)", key.Symbol, key.Timeframe, err)
		} else if len(candles) > 0 {
			if err := c.store.BulkUpsertCandles(ctx, candles); err != nil {
				c.logger.Printf("historicalcache: bulk upsert failed for %s/%s: %v", key.Symbol, key.Timeframe, err)
			}
			frame, err = c.store.LastNCandles(ctx, key.Symbol, key.Timeframe, want)
			if err != nil {
				return fmt.Errorf("re-reading store after gap fetch: %w", err)
			}
			if len(frame) > 0 {
				lastBucket = frame[len(frame)-1].BucketStart
			}
		}
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{frame: frame, lastRefresh: now, lastBucket: lastBucket}
	c.mu.Unlock()
	return nil
}
