// Package store defines the typed persistence contract (spec §4.2) and two
// implementations: a JSON file store adapted from the teacher's atomic
// temp-file-plus-rename JSONStorage, and a Postgres-backed store grounded
// on jackc/pgx for production deployments.
package store

import (
	"context"
	"time"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/models"
)

// Store is the typed persistence contract every other component depends
// on. All mutations are at-least-once durable before returning; writes are
// idempotent by primary key (spec §4.2).
type Store interface {
	UpsertCandle(ctx context.Context, c models.Candle) error
	BulkUpsertCandles(ctx context.Context, candles []models.Candle) error
	Candles(ctx context.Context, symbol string, tf clock.Timeframe, from, to time.Time) ([]models.Candle, error)
	LastNCandles(ctx context.Context, symbol string, tf clock.Timeframe, n int) ([]models.Candle, error)

	InsertSignal(ctx context.Context, s models.Signal) error
	UpdateSignalStatus(ctx context.Context, signalID string, status models.SignalStatus, reason string) error
	SignalsSince(ctx context.Context, strategy, symbol string, since time.Time) ([]models.Signal, error)
	SignalByFingerprint(ctx context.Context, fp models.Fingerprint) (*models.Signal, error)
	// RecentSignals returns every signal created at or after since, across
	// all strategies/symbols, newest first, capped at limit (0 means
	// unbounded). Used by the CLI/status-API surface of spec §6, not by any
	// core pipeline component.
	RecentSignals(ctx context.Context, since time.Time, limit int) ([]models.Signal, error)

	InsertPosition(ctx context.Context, p models.Position) error
	UpdatePosition(ctx context.Context, p models.Position) error
	OpenPositions(ctx context.Context) ([]models.Position, error)
	PositionBySignal(ctx context.Context, signalID string) (*models.Position, error)
	// RecentPositions returns every position (open or closed) updated at or
	// after since, newest first, capped at limit (0 means unbounded). Used
	// by the CLI/status-API surface of spec §6.
	RecentPositions(ctx context.Context, since time.Time, limit int) ([]models.Position, error)

	UpsertOptionSnapshot(ctx context.Context, c models.OptionContract) error
	OptionChain(ctx context.Context, underlying string, expiry *time.Time) ([]models.OptionContract, error)

	DailyIntradayReset(ctx context.Context, before time.Time) error

	Close() error
}

// DuplicateSignalError is returned by InsertSignal when signal_id already
// exists; PostgresStore also returns it when a signal that is neither
// REJECTED nor EXPIRED already holds the same fingerprint (spec §4.2/§4.8).
// JSONStore checks signal_id only. It unwraps to errs.ErrDuplicateSignal.
type DuplicateSignalError struct {
	SignalID    string
	Fingerprint models.Fingerprint
}

func (e *DuplicateSignalError) Error() string {
	return "duplicate signal: " + e.SignalID
}

func (e *DuplicateSignalError) Unwrap() error {
	return errs.ErrDuplicateSignal
}
