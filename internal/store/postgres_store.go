package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
)

// PostgresStore is the production persistence backend, grounded on the
// pgx-native pool (rather than database/sql+stdlib) so connection reuse and
// statement caching are explicit and tunable — the schema follows the
// sketch in spec §6.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs embedded schema migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS candles (
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	open DOUBLE PRECISION NOT NULL,
	high DOUBLE PRECISION NOT NULL,
	low DOUBLE PRECISION NOT NULL,
	close DOUBLE PRECISION NOT NULL,
	volume DOUBLE PRECISION NOT NULL,
	trades BIGINT NOT NULL DEFAULT 0,
	vwap DOUBLE PRECISION NOT NULL DEFAULT 0,
	finalized BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (symbol, timeframe, bucket_start)
);
CREATE INDEX IF NOT EXISTS candles_lookup ON candles (symbol, timeframe, bucket_start);

CREATE TABLE IF NOT EXISTS signals (
	signal_id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	symbol TEXT NOT NULL,
	asset_class TEXT NOT NULL,
	strategy TEXT NOT NULL,
	action TEXT NOT NULL,
	underlying_price DOUBLE PRECISION NOT NULL,
	target_price DOUBLE PRECISION NOT NULL,
	stop_loss_price DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	expected_move_pct DOUBLE PRECISION NOT NULL,
	timeframe TEXT NOT NULL,
	bucket_start TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	reject_reason TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS signals_fingerprint ON signals (strategy, symbol, action, timeframe, bucket_start)
	WHERE status NOT IN ('REJECTED', 'EXPIRED');

CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL UNIQUE,
	mode TEXT NOT NULL,
	option_symbol TEXT NOT NULL,
	underlying TEXT NOT NULL,
	strike DOUBLE PRECISION NOT NULL,
	option_type TEXT NOT NULL,
	expiry TIMESTAMPTZ NOT NULL,
	entry_ts TIMESTAMPTZ NOT NULL,
	entry_premium DOUBLE PRECISION NOT NULL,
	quantity INT NOT NULL,
	lot_size INT NOT NULL,
	stop_loss_premium DOUBLE PRECISION NOT NULL,
	target_premium DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	current_premium DOUBLE PRECISION NOT NULL DEFAULT 0,
	unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	exit_ts TIMESTAMPTZ,
	exit_premium DOUBLE PRECISION NOT NULL DEFAULT 0,
	exit_reason TEXT NOT NULL DEFAULT '',
	realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	warning_flag BOOLEAN NOT NULL DEFAULT false,
	warning_reason TEXT NOT NULL DEFAULT '',
	management_phase TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS positions_status ON positions (status);

CREATE TABLE IF NOT EXISTS option_snapshots (
	underlying TEXT NOT NULL,
	expiry TIMESTAMPTZ NOT NULL,
	strike DOUBLE PRECISION NOT NULL,
	option_type TEXT NOT NULL,
	tradingsymbol TEXT NOT NULL,
	token TEXT NOT NULL,
	lot_size INT NOT NULL,
	ltp DOUBLE PRECISION NOT NULL,
	bid DOUBLE PRECISION NOT NULL,
	ask DOUBLE PRECISION NOT NULL,
	volume DOUBLE PRECISION NOT NULL,
	oi DOUBLE PRECISION NOT NULL,
	iv DOUBLE PRECISION NOT NULL DEFAULT 0,
	delta DOUBLE PRECISION NOT NULL DEFAULT 0,
	snapshot_ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (underlying, expiry, strike, option_type, snapshot_ts)
);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("running schema migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertCandle(ctx context.Context, c models.Candle) error {
	return s.BulkUpsertCandles(ctx, []models.Candle{c})
}

func (s *PostgresStore) BulkUpsertCandles(ctx context.Context, candles []models.Candle) error {
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO candles (symbol, timeframe, bucket_start, open, high, low, close, volume, trades, vwap, finalized)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (symbol, timeframe, bucket_start) DO UPDATE SET
				open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close,
				volume=EXCLUDED.volume, trades=EXCLUDED.trades, vwap=EXCLUDED.vwap, finalized=EXCLUDED.finalized
		`, c.Symbol, string(c.Timeframe), c.BucketStart, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades, c.VWAP, c.Finalized)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("bulk upserting candles: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Candles(ctx context.Context, symbol string, tf clock.Timeframe, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, timeframe, bucket_start, open, high, low, close, volume, trades, vwap, finalized
		FROM candles WHERE symbol=$1 AND timeframe=$2 AND bucket_start BETWEEN $3 AND $4
		ORDER BY bucket_start ASC`, symbol, string(tf), from, to)
	if err != nil {
		return nil, fmt.Errorf("querying candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func (s *PostgresStore) LastNCandles(ctx context.Context, symbol string, tf clock.Timeframe, n int) ([]models.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, timeframe, bucket_start, open, high, low, close, volume, trades, vwap, finalized
		FROM candles WHERE symbol=$1 AND timeframe=$2
		ORDER BY bucket_start DESC LIMIT $3`, symbol, string(tf), n)
	if err != nil {
		return nil, fmt.Errorf("querying last n candles: %w", err)
	}
	defer rows.Close()
	out, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanCandles(rows pgx.Rows) ([]models.Candle, error) {
	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		var tf string
		if err := rows.Scan(&c.Symbol, &tf, &c.BucketStart, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades, &c.VWAP, &c.Finalized); err != nil {
			return nil, fmt.Errorf("scanning candle row: %w", err)
		}
		c.Timeframe = clock.Timeframe(tf)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertSignal(ctx context.Context, sig models.Signal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signals (signal_id, created_at, symbol, asset_class, strategy, action, underlying_price,
			target_price, stop_loss_price, confidence, expected_move_pct, timeframe, bucket_start, status, reject_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sig.SignalID, sig.CreatedAt, sig.Symbol, sig.AssetClass, sig.Strategy, string(sig.Action),
		sig.UnderlyingPrice, sig.TargetPrice, sig.StopLossPrice, sig.Confidence, sig.ExpectedMovePct,
		string(sig.Timeframe), sig.BucketStart, string(sig.Status), sig.RejectReason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return &DuplicateSignalError{SignalID: sig.SignalID}
		}
		return fmt.Errorf("inserting signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSignalStatus(ctx context.Context, signalID string, status models.SignalStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE signals SET status=$2, reject_reason=$3 WHERE signal_id=$1`, signalID, string(status), reason)
	if err != nil {
		return fmt.Errorf("updating signal status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update_signal_status: unknown signal %q", signalID)
	}
	return nil
}

func (s *PostgresStore) SignalsSince(ctx context.Context, strategy, symbol string, since time.Time) ([]models.Signal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT signal_id, created_at, symbol, asset_class, strategy, action, underlying_price, target_price,
			stop_loss_price, confidence, expected_move_pct, timeframe, bucket_start, status, reject_reason
		FROM signals WHERE strategy=$1 AND symbol=$2 AND created_at >= $3 ORDER BY created_at ASC`,
		strategy, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("querying signals_since: %w", err)
	}
	defer rows.Close()
	var out []models.Signal
	for rows.Next() {
		var sig models.Signal
		var action, tf, status string
		if err := rows.Scan(&sig.SignalID, &sig.CreatedAt, &sig.Symbol, &sig.AssetClass, &sig.Strategy, &action,
			&sig.UnderlyingPrice, &sig.TargetPrice, &sig.StopLossPrice, &sig.Confidence, &sig.ExpectedMovePct,
			&tf, &sig.BucketStart, &status, &sig.RejectReason); err != nil {
			return nil, fmt.Errorf("scanning signal row: %w", err)
		}
		sig.Action = models.Action(action)
		sig.Timeframe = clock.Timeframe(tf)
		sig.Status = models.SignalStatus(status)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentSignals(ctx context.Context, since time.Time, limit int) ([]models.Signal, error) {
	q := `
		SELECT signal_id, created_at, symbol, asset_class, strategy, action, underlying_price, target_price,
			stop_loss_price, confidence, expected_move_pct, timeframe, bucket_start, status, reject_reason
		FROM signals WHERE created_at >= $1 ORDER BY created_at DESC`
	args := []interface{}{since}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent signals: %w", err)
	}
	defer rows.Close()
	var out []models.Signal
	for rows.Next() {
		var sig models.Signal
		var action, tf, status string
		if err := rows.Scan(&sig.SignalID, &sig.CreatedAt, &sig.Symbol, &sig.AssetClass, &sig.Strategy, &action,
			&sig.UnderlyingPrice, &sig.TargetPrice, &sig.StopLossPrice, &sig.Confidence, &sig.ExpectedMovePct,
			&tf, &sig.BucketStart, &status, &sig.RejectReason); err != nil {
			return nil, fmt.Errorf("scanning signal row: %w", err)
		}
		sig.Action = models.Action(action)
		sig.Timeframe = clock.Timeframe(tf)
		sig.Status = models.SignalStatus(status)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SignalByFingerprint(ctx context.Context, fp models.Fingerprint) (*models.Signal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT signal_id, created_at, symbol, asset_class, strategy, action, underlying_price, target_price,
			stop_loss_price, confidence, expected_move_pct, timeframe, bucket_start, status, reject_reason
		FROM signals WHERE strategy=$1 AND symbol=$2 AND action=$3 AND timeframe=$4 AND bucket_start=$5`,
		fp.Strategy, fp.Symbol, string(fp.Action), string(fp.Timeframe), fp.BucketStart)
	var sig models.Signal
	var action, tf, status string
	if err := row.Scan(&sig.SignalID, &sig.CreatedAt, &sig.Symbol, &sig.AssetClass, &sig.Strategy, &action,
		&sig.UnderlyingPrice, &sig.TargetPrice, &sig.StopLossPrice, &sig.Confidence, &sig.ExpectedMovePct,
		&tf, &sig.BucketStart, &status, &sig.RejectReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying signal by fingerprint: %w", err)
	}
	sig.Action = models.Action(action)
	sig.Timeframe = clock.Timeframe(tf)
	sig.Status = models.SignalStatus(status)
	return &sig, nil
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p models.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (position_id, signal_id, mode, option_symbol, underlying, strike, option_type,
			expiry, entry_ts, entry_premium, quantity, lot_size, stop_loss_premium, target_premium, status,
			current_premium, unrealized_pnl, updated_at, management_phase, warning_flag, warning_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		p.PositionID, p.SignalID, string(p.Mode), p.OptionSymbol, p.Underlying, p.Strike, string(p.OptionType),
		p.Expiry, p.EntryTS, p.EntryPremium, p.Quantity, p.LotSize, p.StopLossPremium, p.TargetPremium,
		string(p.Status), p.CurrentPremium, p.UnrealizedPnL, p.UpdatedAt, string(p.ManagementPhase),
		p.WarningFlag, p.WarningReason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert_position: signal %q already has a position: %w", p.SignalID, err)
		}
		return fmt.Errorf("inserting position: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p models.Position) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE positions SET current_premium=$2, unrealized_pnl=$3, status=$4, exit_ts=$5, exit_premium=$6,
			exit_reason=$7, realized_pnl=$8, updated_at=GREATEST($9, updated_at + interval '1 microsecond'),
			warning_flag=$10, warning_reason=$11, management_phase=$12, stop_loss_premium=$13
		WHERE position_id=$1`,
		p.PositionID, p.CurrentPremium, p.UnrealizedPnL, string(p.Status), nullableTime(p.ExitTS), p.ExitPremium,
		string(p.ExitReason), p.RealizedPnL, p.UpdatedAt, p.WarningFlag, p.WarningReason, string(p.ManagementPhase),
		p.StopLossPremium)
	if err != nil {
		return fmt.Errorf("updating position: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *PostgresStore) scanPositions(rows pgx.Rows) ([]models.Position, error) {
	var out []models.Position
	for rows.Next() {
		var p models.Position
		var mode, otype, status, reason, phase string
		var exitTS *time.Time
		if err := rows.Scan(&p.PositionID, &p.SignalID, &mode, &p.OptionSymbol, &p.Underlying, &p.Strike, &otype,
			&p.Expiry, &p.EntryTS, &p.EntryPremium, &p.Quantity, &p.LotSize, &p.StopLossPremium, &p.TargetPremium,
			&status, &p.CurrentPremium, &p.UnrealizedPnL, &exitTS, &p.ExitPremium, &reason, &p.RealizedPnL,
			&p.UpdatedAt, &p.WarningFlag, &p.WarningReason, &phase); err != nil {
			return nil, fmt.Errorf("scanning position row: %w", err)
		}
		p.Mode = models.Mode(mode)
		p.OptionType = models.OptionType(otype)
		p.Status = models.PositionStatus(status)
		p.ExitReason = models.ExitReason(reason)
		p.ManagementPhase = models.ManagementPhase(phase)
		if exitTS != nil {
			p.ExitTS = *exitTS
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const positionColumns = `position_id, signal_id, mode, option_symbol, underlying, strike, option_type, expiry,
	entry_ts, entry_premium, quantity, lot_size, stop_loss_premium, target_premium, status, current_premium,
	unrealized_pnl, exit_ts, exit_premium, exit_reason, realized_pnl, updated_at, warning_flag, warning_reason,
	management_phase`

func (s *PostgresStore) OpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE status='OPEN' ORDER BY entry_ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying open positions: %w", err)
	}
	defer rows.Close()
	return s.scanPositions(rows)
}

func (s *PostgresStore) PositionBySignal(ctx context.Context, signalID string) (*models.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE signal_id=$1`, signalID)
	if err != nil {
		return nil, fmt.Errorf("querying position by signal: %w", err)
	}
	defer rows.Close()
	out, err := s.scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *PostgresStore) RecentPositions(ctx context.Context, since time.Time, limit int) ([]models.Position, error) {
	q := `SELECT ` + positionColumns + ` FROM positions WHERE updated_at >= $1 ORDER BY updated_at DESC`
	args := []interface{}{since}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent positions: %w", err)
	}
	defer rows.Close()
	return s.scanPositions(rows)
}

func (s *PostgresStore) UpsertOptionSnapshot(ctx context.Context, c models.OptionContract) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO option_snapshots (underlying, expiry, strike, option_type, tradingsymbol, token, lot_size,
			ltp, bid, ask, volume, oi, iv, delta, snapshot_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (underlying, expiry, strike, option_type, snapshot_ts) DO UPDATE SET
			ltp=EXCLUDED.ltp, bid=EXCLUDED.bid, ask=EXCLUDED.ask, volume=EXCLUDED.volume, oi=EXCLUDED.oi,
			iv=EXCLUDED.iv, delta=EXCLUDED.delta`,
		c.Underlying, c.Expiry, c.Strike, string(c.OptionType), c.TradingSymbol, c.Token, c.LotSize,
		c.LTP, c.Bid, c.Ask, c.Volume, c.OI, c.IV, c.Delta, c.SnapshotTS)
	if err != nil {
		return fmt.Errorf("upserting option snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) OptionChain(ctx context.Context, underlying string, expiry *time.Time) ([]models.OptionContract, error) {
	var rows pgx.Rows
	var err error
	if expiry != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT underlying, expiry, strike, option_type, tradingsymbol, token, lot_size, ltp, bid, ask, volume, oi, iv, delta, snapshot_ts
			FROM (SELECT DISTINCT ON (strike, option_type) * FROM option_snapshots WHERE underlying=$1 AND expiry=$2 ORDER BY strike, option_type, snapshot_ts DESC) s
			ORDER BY strike`, underlying, *expiry)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT underlying, expiry, strike, option_type, tradingsymbol, token, lot_size, ltp, bid, ask, volume, oi, iv, delta, snapshot_ts
			FROM (SELECT DISTINCT ON (expiry, strike, option_type) * FROM option_snapshots WHERE underlying=$1 ORDER BY expiry, strike, option_type, snapshot_ts DESC) s
			ORDER BY expiry, strike`, underlying)
	}
	if err != nil {
		return nil, fmt.Errorf("querying option chain: %w", err)
	}
	defer rows.Close()
	var out []models.OptionContract
	for rows.Next() {
		var c models.OptionContract
		var otype string
		if err := rows.Scan(&c.Underlying, &c.Expiry, &c.Strike, &otype, &c.TradingSymbol, &c.Token, &c.LotSize,
			&c.LTP, &c.Bid, &c.Ask, &c.Volume, &c.OI, &c.IV, &c.Delta, &c.SnapshotTS); err != nil {
			return nil, fmt.Errorf("scanning option chain row: %w", err)
		}
		c.OptionType = models.OptionType(otype)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DailyIntradayReset(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM candles WHERE timeframe='1m' AND bucket_start < $1`, before)
	if err != nil {
		return fmt.Errorf("daily intraday reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
