// Package errs defines the closed error taxonomy shared by every core component.
//
// Each sentinel corresponds to an error "kind" in spec §7: callers use errors.Is
// to classify a failure and decide whether to retry, surface it as an event, or
// treat it as fatal. Wrapping with fmt.Errorf("...: %w", err) keeps the sentinel
// matchable while preserving context, exactly as the teacher's storage/retry
// packages do.
package errs

import "errors"

var (
	// ErrTransientExternal marks a broker/network failure worth retrying with backoff.
	ErrTransientExternal = errors.New("transient external error")
	// ErrAuthExpired means the broker session needs operator re-authentication.
	ErrAuthExpired = errors.New("broker authentication expired")
	// ErrDataUnavailable means DataAssembler could not build a dataset meeting
	// the strategy's minimum quality bar; the strategy must not be invoked.
	ErrDataUnavailable = errors.New("data unavailable for strategy")
	// ErrDuplicateSignal means a non-terminal or EXECUTED signal with the same
	// fingerprint already exists this session.
	ErrDuplicateSignal = errors.New("duplicate signal")
	// ErrValidationFailure means a signal or config value violated an invariant.
	ErrValidationFailure = errors.New("validation failure")
	// ErrIdempotencyHit means the operation was already completed (e.g. a
	// position already exists for this signal); the caller should no-op.
	ErrIdempotencyHit = errors.New("idempotency hit")
	// ErrFatal marks an unrecoverable condition (store unreachable, corrupt
	// schema, invariant violated) that should trigger graceful shutdown.
	ErrFatal = errors.New("fatal error")
	// ErrNoSuitableStrike means StrikeSelector's filters eliminated every
	// candidate contract.
	ErrNoSuitableStrike = errors.New("no suitable strike")
	// ErrMarketClosed means an operation was attempted outside market hours.
	ErrMarketClosed = errors.New("market closed")
	// ErrNaiveTimestamp means a caller passed a timestamp without IST zone
	// information into a boundary API that requires one.
	ErrNaiveTimestamp = errors.New("naive timestamp not permitted")
)
