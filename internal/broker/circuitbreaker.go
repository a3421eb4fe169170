package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/models"
)

// CircuitBreakerClient wraps a Client so repeated TransientExternal/
// AuthExpired failures trip a gobreaker circuit, halting further calls
// until the cooldown elapses. This generalizes the
// NewCircuitBreakerBroker the teacher's main.go references but never
// defines.
type CircuitBreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

// NewCircuitBreakerClient wraps inner with a named gobreaker circuit. It
// opens after 5 consecutive failures and stays open for 30s before probing
// again (half-open), matching the retry package's own backoff ceiling.
// openTotal, if non-nil, is incremented (labeled by name) every time the
// circuit transitions into the open state; pass nil to skip instrumentation.
func NewCircuitBreakerClient(name string, inner Client, openTotal *prometheus.CounterVec, logger *log.Logger) *CircuitBreakerClient {
	if logger == nil {
		logger = log.Default()
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("broker circuit %q: %s -> %s", name, from, to)
			if to == gobreaker.StateOpen && openTotal != nil {
				openTotal.WithLabelValues(name).Inc()
			}
		},
	}
	return &CircuitBreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

func wrap[T any](cb *CircuitBreakerClient, fn func() (T, error)) (T, error) {
	res, err := cb.breaker.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && !isBreakerCountable(err) {
			// Validation-type errors shouldn't trip the breaker; report them
			// as a "success" to gobreaker's bookkeeping while still
			// propagating the error to the caller below.
			return v, nil
		}
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		return zero, err
	}
	return res.(T), nil
}

func isBreakerCountable(err error) bool {
	return errors.Is(err, errs.ErrTransientExternal) || errors.Is(err, errs.ErrAuthExpired)
}

func (cb *CircuitBreakerClient) Quote(ctx context.Context, symbols []string) (map[string]Quote, error) {
	return wrap(cb, func() (map[string]Quote, error) { return cb.inner.Quote(ctx, symbols) })
}

func (cb *CircuitBreakerClient) OHLC(ctx context.Context, symbols []string) (map[string]OHLC, error) {
	return wrap(cb, func() (map[string]OHLC, error) { return cb.inner.OHLC(ctx, symbols) })
}

func (cb *CircuitBreakerClient) HistoricalData(ctx context.Context, symbol string, tf clock.Timeframe, from, to time.Time) ([]models.Candle, error) {
	return wrap(cb, func() ([]models.Candle, error) { return cb.inner.HistoricalData(ctx, symbol, tf, from, to) })
}

func (cb *CircuitBreakerClient) OptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error) {
	return wrap(cb, func() ([]models.OptionContract, error) { return cb.inner.OptionChain(ctx, underlying) })
}

func (cb *CircuitBreakerClient) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	return wrap(cb, func() (string, error) { return cb.inner.PlaceOrder(ctx, spec) })
}

func (cb *CircuitBreakerClient) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	return wrap(cb, func() (OrderStatus, error) { return cb.inner.OrderStatus(ctx, orderID) })
}

func (cb *CircuitBreakerClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := wrap(cb, func() (struct{}, error) { return struct{}{}, cb.inner.CancelOrder(ctx, orderID) })
	return err
}

func (cb *CircuitBreakerClient) AvailableMargin(ctx context.Context) (float64, error) {
	return wrap(cb, func() (float64, error) { return cb.inner.AvailableMargin(ctx) })
}

func (cb *CircuitBreakerClient) Authenticate(ctx context.Context) error {
	_, err := wrap(cb, func() (struct{}, error) { return struct{}{}, cb.inner.Authenticate(ctx) })
	return err
}

func (cb *CircuitBreakerClient) SessionValid(ctx context.Context) bool {
	return cb.inner.SessionValid(ctx)
}

func (cb *CircuitBreakerClient) Positions(ctx context.Context) ([]BrokerPosition, error) {
	return wrap(cb, func() ([]BrokerPosition, error) { return cb.inner.Positions(ctx) })
}

// State exposes the breaker's current state for the status API.
func (cb *CircuitBreakerClient) State() string {
	return cb.breaker.State().String()
}

var _ Client = (*CircuitBreakerClient)(nil)

// ErrCircuitOpen is returned, wrapping gobreaker.ErrOpenState or
// gobreaker.ErrTooManyRequests, when the circuit rejects a call; it wraps
// errs.ErrTransientExternal, so callers classify it as TransientExternal.
var ErrCircuitOpen = fmt.Errorf("broker circuit open: %w", errs.ErrTransientExternal)
