package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// jsonDocument is the on-disk shape, serialized as a whole on every mutating
// call — the same atomic temp-file-plus-rename discipline as the teacher's
// JSONStorage.save, just over a richer schema (candles/signals/positions/
// option snapshots instead of one strangle position list).
type jsonDocument struct {
	Candles   map[string]models.Candle         `json:"candles"` // key: candleDocKey
	Signals   map[string]models.Signal         `json:"signals"`
	Positions map[string]models.Position       `json:"positions"`
	Options   map[string]models.OptionContract `json:"options"` // key: optionDocKey
}

// JSONStore is a single-file JSON-backed Store, adapted from the teacher's
// JSONStorage atomic-write pattern. Suitable for development, tests, and
// single-instance deployments; not intended for concurrent multi-process
// access (the Postgres backend covers that case).
type JSONStore struct {
	path string
	mu   sync.RWMutex
	doc  jsonDocument
}

// NewJSONStore opens (or creates) the JSON store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{
		path: path,
		doc: jsonDocument{
			Candles:   make(map[string]models.Candle),
			Signals:   make(map[string]models.Signal),
			Positions: make(map[string]models.Position),
			Options:   make(map[string]models.OptionContract),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path) // #nosec G304 -- operator-configured store path
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading store file %q: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing store file %q: %w", s.path, err)
	}
	if doc.Candles == nil {
		doc.Candles = make(map[string]models.Candle)
	}
	if doc.Signals == nil {
		doc.Signals = make(map[string]models.Signal)
	}
	if doc.Positions == nil {
		doc.Positions = make(map[string]models.Position)
	}
	if doc.Options == nil {
		doc.Options = make(map[string]models.OptionContract)
	}
	s.doc = doc
	return nil
}

// save writes the document atomically: write to a temp file in the same
// directory, fsync, then rename over the target path.
func (s *JSONStore) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store dir %q: %w", dir, err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp store file into place: %w", err)
	}
	return nil
}

func candleDocKey(symbol string, tf clock.Timeframe, bucket time.Time) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, bucket.Unix())
}

func optionDocKey(c models.OptionContract) string {
	return fmt.Sprintf("%s|%s|%.2f|%s", c.Underlying, c.Expiry.Format("2006-01-02"), c.Strike, c.OptionType)
}

func (s *JSONStore) UpsertCandle(_ context.Context, c models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Candles[candleDocKey(c.Symbol, c.Timeframe, c.BucketStart)] = c
	return s.save()
}

func (s *JSONStore) BulkUpsertCandles(_ context.Context, candles []models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candles {
		s.doc.Candles[candleDocKey(c.Symbol, c.Timeframe, c.BucketStart)] = c
	}
	return s.save()
}

func (s *JSONStore) Candles(_ context.Context, symbol string, tf clock.Timeframe, from, to time.Time) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Candle
	for _, c := range s.doc.Candles {
		if c.Symbol != symbol || c.Timeframe != tf {
			continue
		}
		if c.BucketStart.Before(from) || c.BucketStart.After(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

func (s *JSONStore) LastNCandles(_ context.Context, symbol string, tf clock.Timeframe, n int) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Candle
	for _, c := range s.doc.Candles {
		if c.Symbol == symbol && c.Timeframe == tf {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (s *JSONStore) InsertSignal(_ context.Context, sig models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.doc.Signals[sig.SignalID]; exists {
		return &DuplicateSignalError{SignalID: sig.SignalID}
	}
	s.doc.Signals[sig.SignalID] = sig
	return s.save()
}

func (s *JSONStore) UpdateSignalStatus(_ context.Context, signalID string, status models.SignalStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.doc.Signals[signalID]
	if !ok {
		return fmt.Errorf("update_signal_status: unknown signal %q", signalID)
	}
	sig.Status = status
	if reason != "" {
		sig.RejectReason = reason
	}
	s.doc.Signals[signalID] = sig
	return s.save()
}

func (s *JSONStore) SignalsSince(_ context.Context, strategy, symbol string, since time.Time) ([]models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Signal
	for _, sig := range s.doc.Signals {
		if sig.Strategy != strategy || sig.Symbol != symbol {
			continue
		}
		if sig.CreatedAt.Before(since) {
			continue
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *JSONStore) RecentSignals(_ context.Context, since time.Time, limit int) ([]models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Signal
	for _, sig := range s.doc.Signals {
		if sig.CreatedAt.Before(since) {
			continue
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONStore) SignalByFingerprint(_ context.Context, fp models.Fingerprint) (*models.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sig := range s.doc.Signals {
		if sig.Strategy == fp.Strategy && sig.Symbol == fp.Symbol && sig.Action == fp.Action &&
			sig.Timeframe == fp.Timeframe && sig.BucketStart.Equal(fp.BucketStart) {
			cp := sig
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *JSONStore) InsertPosition(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doc.Positions {
		if existing.SignalID == p.SignalID {
			return fmt.Errorf("insert_position: signal %q already has position %q", p.SignalID, existing.PositionID)
		}
	}
	s.doc.Positions[p.PositionID] = p
	return s.save()
}

func (s *JSONStore) UpdatePosition(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.doc.Positions[p.PositionID]; ok && !p.UpdatedAt.After(existing.UpdatedAt) {
		p.UpdatedAt = existing.UpdatedAt.Add(time.Nanosecond)
	}
	s.doc.Positions[p.PositionID] = p
	return s.save()
}

func (s *JSONStore) OpenPositions(_ context.Context) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.doc.Positions {
		if p.Status == models.PositionOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTS.Before(out[j].EntryTS) })
	return out, nil
}

func (s *JSONStore) RecentPositions(_ context.Context, since time.Time, limit int) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.doc.Positions {
		if p.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONStore) PositionBySignal(_ context.Context, signalID string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.doc.Positions {
		if p.SignalID == signalID {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *JSONStore) UpsertOptionSnapshot(_ context.Context, c models.OptionContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Options[optionDocKey(c)] = c
	return s.save()
}

func (s *JSONStore) OptionChain(_ context.Context, underlying string, expiry *time.Time) ([]models.OptionContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OptionContract
	for _, c := range s.doc.Options {
		if c.Underlying != underlying {
			continue
		}
		if expiry != nil && !c.Expiry.Equal(*expiry) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out, nil
}

// DailyIntradayReset deletes candle rows for the 1m timeframe older than
// `before` — the real-time table the spec refers to — leaving higher
// timeframes and historical data untouched.
func (s *JSONStore) DailyIntradayReset(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.doc.Candles {
		if c.Timeframe == clock.TF1Min && c.BucketStart.Before(before) {
			delete(s.doc.Candles, k)
		}
	}
	return s.save()
}

func (s *JSONStore) Close() error {
	return nil
}

var _ Store = (*JSONStore)(nil)
