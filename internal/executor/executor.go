// Package executor implements Executor (spec §4.10): the SignalGenerated
// handler that turns a persisted Signal into a concrete order or paper
// position. The idempotency-check-then-validation-gate-then-dispatch shape
// is grounded on the teacher's checkAndExecuteSignals/executeStrangle flow in
// internal/broker/strangle.go, generalized from a single hardcoded strangle
// leg pair to mode-dispatched single-leg sizing driven by config.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/metrics"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/signalmanager"
	"github.com/kiteflow/optionsrt/internal/store"
	"github.com/kiteflow/optionsrt/internal/strikeselector"
)

// Mode is the Executor's dispatch mode (spec §4.10 step 7 / spec §6).
type Mode string

// Dispatch modes.
const (
	ModeLogOnly Mode = "LOG_ONLY"
	ModePaper   Mode = "PAPER"
	ModeLive    Mode = "LIVE"
)

// Config drives the validation gate and sizing math (spec §4.10 steps 2/5/6).
type Config struct {
	Mode                   Mode
	AllowedSymbols         []string
	SignalMaxAge           time.Duration
	MaxConcurrentPositions int
	StopLossPct            float64
	TargetPct              float64
	RiskPct                float64
	Capital                float64
	MaxLotsPerTrade        int
	MaxPositionPct         float64
	OrderPollInterval      time.Duration
	OrderTimeout           time.Duration
}

// Executor subscribes to SignalGenerated and turns accepted signals into
// positions (PAPER/LIVE) or a LOG_ONLY audit trail entry.
type Executor struct {
	cfg      Config
	clock    *clock.Clock
	store    store.Store
	bus      *eventbus.Bus
	selector *strikeselector.Selector
	broker   broker.Client
	signals  *signalmanager.Manager
	metrics  *metrics.Registry
	logger   *logrus.Logger
}

// New constructs an Executor. metrics and logger may be nil; a nil logger
// defaults to logrus.StandardLogger().
func New(cfg Config, ck *clock.Clock, st store.Store, bus *eventbus.Bus, sel *strikeselector.Selector,
	bc broker.Client, sm *signalmanager.Manager, m *metrics.Registry, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.OrderPollInterval <= 0 {
		cfg.OrderPollInterval = 500 * time.Millisecond
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	return &Executor{cfg: cfg, clock: ck, store: st, bus: bus, selector: sel, broker: bc, signals: sm, metrics: m, logger: logger}
}

// Subscribe registers the Executor's handler against bus for SignalGenerated
// events. Returns the Subscription so Orchestrator can Cancel it on shutdown.
func (e *Executor) Subscribe(ctx context.Context) *eventbus.Subscription {
	return e.bus.Subscribe(ctx, eventbus.SignalGenerated, e.handle, nil)
}

// handle is the SignalGenerated handler (spec §4.10). Any error here is
// logged and translated to a FAILED signal status; it must never panic the
// dispatch goroutine or propagate to other subscriptions.
func (e *Executor) handle(ctx context.Context, ev eventbus.Event) {
	sig, ok := ev.Payload.(models.Signal)
	if !ok {
		e.logger.WithField("payload_type", fmt.Sprintf("%T", ev.Payload)).Error("executor: SignalGenerated payload is not a models.Signal")
		return
	}

	if err := e.process(ctx, sig); err != nil {
		e.logger.WithFields(logrus.Fields{
			"signal_id": sig.SignalID,
			"symbol":    sig.Symbol,
			"strategy":  sig.Strategy,
		}).WithError(err).Error("executor: signal processing failed")
		if uerr := e.signals.Update(ctx, sig.SignalID, models.SignalProcessing, models.SignalFailed, err.Error()); uerr != nil {
			// The signal may still be NEW if it failed before the PROCESSING
			// mark landed; best-effort only, nothing else to do here.
			e.logger.WithField("signal_id", sig.SignalID).WithError(uerr).Warn("executor: could not mark FAILED")
		}
	}
}

func (e *Executor) process(ctx context.Context, sig models.Signal) error {
	// Step 1: idempotency. Also what makes restart-recovery of in-flight
	// PROCESSING signals safe (spec §4.12).
	existing, err := e.store.PositionBySignal(ctx, sig.SignalID)
	if err != nil {
		return fmt.Errorf("checking existing position: %w", err)
	}
	if existing != nil {
		return nil
	}

	// Step 2: validation gate.
	if reason := e.validate(ctx, sig); reason != "" {
		if e.metrics != nil {
			e.metrics.SignalsRejectedTotal.WithLabelValues(reason).Inc()
		}
		return e.signals.Update(ctx, sig.SignalID, models.SignalNew, models.SignalRejected, reason)
	}

	// Step 3: mark PROCESSING.
	if err := e.signals.Update(ctx, sig.SignalID, models.SignalNew, models.SignalProcessing, ""); err != nil {
		return fmt.Errorf("marking PROCESSING: %w", err)
	}

	// Step 4: strike selection.
	contract, err := e.selector.Select(ctx, sig.Symbol, sig.Action, sig.UnderlyingPrice, sig.ExpectedMovePct)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, errs.ErrNoSuitableStrike) {
			reason = "no_suitable_strike"
		}
		return e.signals.Update(ctx, sig.SignalID, models.SignalProcessing, models.SignalRejected, reason)
	}

	// Step 5: exits.
	stopLoss := contract.LTP * (1 - e.cfg.StopLossPct)
	target := contract.LTP * (1 + e.cfg.TargetPct)

	// Step 6: size.
	lots, quantity := e.size(contract.LTP, stopLoss, contract.LotSize)
	if lots <= 0 {
		return e.signals.Update(ctx, sig.SignalID, models.SignalProcessing, models.SignalRejected, "sizing produced zero lots")
	}

	// Step 7: dispatch by mode.
	switch e.cfg.Mode {
	case ModeLogOnly:
		return e.dispatchLogOnly(ctx, sig, *contract, stopLoss, target, quantity)
	case ModePaper:
		return e.dispatchPaper(ctx, sig, *contract, stopLoss, target, quantity, contract.LotSize)
	case ModeLive:
		return e.dispatchLive(ctx, sig, *contract, stopLoss, target, quantity, contract.LotSize)
	default:
		return fmt.Errorf("executor: unknown mode %q", e.cfg.Mode)
	}
}

// validate implements spec §4.10 step 2, returning a non-empty rejection
// reason string or "" if the signal passes every check.
func (e *Executor) validate(ctx context.Context, sig models.Signal) string {
	if !e.symbolAllowed(sig.Symbol) {
		return fmt.Sprintf("symbol %s not on options-tradeable allow-list", sig.Symbol)
	}
	maxAge := e.cfg.SignalMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if e.clock.Now().Sub(sig.CreatedAt) > maxAge {
		return "signal age exceeds max age"
	}
	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Sprintf("could not read open positions: %v", err)
	}
	if e.cfg.MaxConcurrentPositions > 0 && len(open) >= e.cfg.MaxConcurrentPositions {
		return "max_concurrent_positions reached"
	}
	return ""
}

func (e *Executor) symbolAllowed(symbol string) bool {
	if len(e.cfg.AllowedSymbols) == 0 {
		return true
	}
	for _, s := range e.cfg.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// size implements spec §4.10 step 6.
func (e *Executor) size(ltp, stopLoss float64, lotSize int) (lots, quantity int) {
	if lotSize <= 0 {
		return 0, 0
	}
	riskPerTrade := e.cfg.Capital * e.cfg.RiskPct
	perLotRisk := (ltp - stopLoss) * float64(lotSize)
	if perLotRisk <= 0 {
		return 0, 0
	}
	lots = int(math.Floor(riskPerTrade / perLotRisk))
	if lots < 1 {
		lots = 1
	}
	if e.cfg.MaxLotsPerTrade > 0 && lots > e.cfg.MaxLotsPerTrade {
		lots = e.cfg.MaxLotsPerTrade
	}
	if e.cfg.MaxPositionPct > 0 {
		maxNotional := e.cfg.Capital * e.cfg.MaxPositionPct
		for lots > 1 && float64(lots*lotSize)*ltp > maxNotional {
			lots--
		}
	}
	return lots, lots * lotSize
}

func (e *Executor) dispatchLogOnly(ctx context.Context, sig models.Signal, contract models.OptionContract, stopLoss, target float64, quantity int) error {
	simulatedOrderID := "LOG_" + uuid.NewString()
	e.logger.WithFields(logrus.Fields{
		"signal_id":         sig.SignalID,
		"symbol":            sig.Symbol,
		"option_symbol":     contract.TradingSymbol,
		"option_type":       contract.OptionType,
		"strike":            contract.Strike,
		"quantity":          quantity,
		"entry_premium":     contract.LTP,
		"stop_loss_premium": stopLoss,
		"target_premium":    target,
		"simulated_order":   simulatedOrderID,
	}).Info("executor: LOG_ONLY dispatch")
	return e.signals.Update(ctx, sig.SignalID, models.SignalProcessing, models.SignalExecuted, "mode=LOG_ONLY")
}

func (e *Executor) dispatchPaper(ctx context.Context, sig models.Signal, contract models.OptionContract, stopLoss, target float64, quantity, lotSize int) error {
	pos := e.buildPosition(sig, contract, stopLoss, target, quantity, lotSize, models.ModePaper, contract.LTP)
	return e.openPosition(ctx, sig, pos)
}

func (e *Executor) dispatchLive(ctx context.Context, sig models.Signal, contract models.OptionContract, stopLoss, target float64, quantity, lotSize int) error {
	required := contract.LTP * float64(quantity)
	available, err := e.broker.AvailableMargin(ctx)
	if err != nil {
		return e.orderRejected(ctx, sig, fmt.Sprintf("could not check available margin: %v", err))
	}
	if available < required {
		return e.orderRejected(ctx, sig, fmt.Sprintf("insufficient margin: have %.2f need %.2f", available, required))
	}
	if !e.clock.IsMarketOpen(e.clock.Now()) {
		return e.orderRejected(ctx, sig, "market closed")
	}

	clientOrderID := broker.NewClientOrderID("EXC_"+sig.SignalID,
		contract.TradingSymbol, string(sig.Action), fmt.Sprintf("%d", quantity), fmt.Sprintf("%.4f", contract.LTP))

	orderID, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Symbol:        contract.TradingSymbol,
		Side:          broker.SideBuy,
		Quantity:      quantity,
		LimitPrice:    contract.LTP,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return e.orderRejected(ctx, sig, fmt.Sprintf("place order: %v", err))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.OrderPlaced, Payload: orderID})

	status, err := e.pollOrder(ctx, orderID)
	if err != nil {
		return e.orderRejected(ctx, sig, fmt.Sprintf("polling order status: %v", err))
	}

	switch status.Status {
	case broker.OrderComplete:
		pos := e.buildPosition(sig, contract, stopLoss, target, status.FilledQty, lotSize, models.ModeLive, status.FillAvgPrice)
		return e.openPosition(ctx, sig, pos)
	case broker.OrderRejected:
		return e.orderRejected(ctx, sig, "broker rejected order: "+status.Reason)
	default:
		return e.orderRejected(ctx, sig, "order timed out before COMPLETE, status="+string(status.Status))
	}
}

// pollOrder implements spec §4.10 step 7's "poll until COMPLETE, timeout, or
// REJECTED" loop.
func (e *Executor) pollOrder(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	deadline := time.Now().Add(e.cfg.OrderTimeout)
	ticker := time.NewTicker(e.cfg.OrderPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.broker.OrderStatus(ctx, orderID)
		if err != nil {
			return broker.OrderStatus{}, err
		}
		if status.Status == broker.OrderComplete || status.Status == broker.OrderRejected {
			return status, nil
		}
		if time.Now().After(deadline) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return broker.OrderStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) orderRejected(ctx context.Context, sig models.Signal, reason string) error {
	e.bus.Publish(eventbus.Event{Type: eventbus.OrderRejected, Payload: signalmanager.SignalStatusChange{SignalID: sig.SignalID, Reason: reason}})
	return e.signals.Update(ctx, sig.SignalID, models.SignalProcessing, models.SignalFailed, reason)
}

func (e *Executor) buildPosition(sig models.Signal, contract models.OptionContract, stopLoss, target float64, quantity, lotSize int, mode models.Mode, entryPremium float64) models.Position {
	now := e.clock.Now()
	return models.Position{
		PositionID:        "pos_" + uuid.NewString(),
		SignalID:          sig.SignalID,
		Mode:              mode,
		OptionSymbol:      contract.TradingSymbol,
		Underlying:        sig.Symbol,
		Strike:            contract.Strike,
		OptionType:        contract.OptionType,
		Expiry:            contract.Expiry,
		EntryTS:           now,
		EntryPremium:      entryPremium,
		Quantity:          quantity,
		LotSize:           lotSize,
		StopLossPremium:   stopLoss,
		TargetPremium:     target,
		Status:            models.PositionOpen,
		CurrentPremium:    entryPremium,
		UpdatedAt:         now,
		ManagementPhase:   models.PhaseNormal,
		ClientOrderPrefix: "EXC_" + sig.SignalID,
	}
}

func (e *Executor) openPosition(ctx context.Context, sig models.Signal, pos models.Position) error {
	if err := pos.Validate(); err != nil {
		return e.orderRejected(ctx, sig, fmt.Sprintf("position failed validation: %v", err))
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("persisting position: %w", err)
	}
	if e.metrics != nil {
		e.metrics.PositionsOpenedTotal.WithLabelValues(string(pos.Mode)).Inc()
		e.metrics.OpenPositionsGauge.Inc()
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.PositionOpened, Payload: pos})
	return e.signals.Update(ctx, sig.SignalID, models.SignalProcessing, models.SignalExecuted, "")
}
