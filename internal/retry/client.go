// Package retry implements the exponential-backoff-with-jitter retry policy
// used around broker order operations, generalizing the teacher's
// ClosePositionWithRetry into an operation-agnostic Retrier so Executor's
// order placement and PositionMonitor's exit orders share one policy.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/kiteflow/optionsrt/internal/errs"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig matches the teacher's defaults.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Retrier executes an operation with exponential backoff and jitter,
// retrying only errors classified as transient (spec §7 TransientExternal).
type Retrier struct {
	logger *log.Logger
	config Config
}

// New constructs a Retrier, defaulting and sanitizing the supplied config.
func New(logger *log.Logger, config ...Config) *Retrier {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Retrier{logger: logger, config: cfg}
}

// Do runs fn, retrying while IsTransient(err) reports true, up to
// MaxRetries, with exponential backoff plus jitter. opName is used only for
// log lines.
func (r *Retrier) Do(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out after %v: %w", opName, r.config.Timeout, opCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", opName, ctx.Err())
		}

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Printf("%s attempt %d/%d failed: %v", opName, attempt+1, r.config.MaxRetries+1, err)

		if !IsTransient(err) || attempt >= r.config.MaxRetries {
			break
		}
		r.logger.Printf("%s: transient error, retrying in %v", opName, backoff)
		select {
		case <-time.After(backoff):
			backoff = r.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", opName, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", opName, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", opName, r.config.MaxRetries+1, lastErr)
}

func (r *Retrier) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.config.MaxBackoff {
		backoff = r.config.MaxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// transientPatterns mirrors the teacher's isTransientError substring list.
var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}

// IsTransient classifies err as retryable: either tagged with
// errs.ErrTransientExternal via errors.Is, or matching a known substring
// pattern from a vendor SDK error the core never gets to type directly.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errs.ErrTransientExternal) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
