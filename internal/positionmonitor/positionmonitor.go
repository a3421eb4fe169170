// Package positionmonitor implements PositionMonitor (spec §4.11): the
// single periodic loop that batch-refreshes open position premiums, decides
// exits, and closes positions PAPER-instantly or via a LIVE sell order. The
// batch-quote-then-per-position-decide shape and the retry-once-then-warn
// partial-exit-failure handling are grounded on the teacher's
// monitorPositions/ClosePositionWithRetry flow in internal/broker/strangle.go
// and internal/broker/client.go, generalized from the teacher's fixed
// two-leg strangle exit rules to the single-leg STOP_LOSS/TARGET/
// EXPIRY_APPROACHING/trailing-stop rules of spec §4.11.
package positionmonitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/metrics"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/retry"
	"github.com/kiteflow/optionsrt/internal/signalmanager"
	"github.com/kiteflow/optionsrt/internal/store"
)

// Config tunes PositionMonitor's exit thresholds (spec §4.11/§6).
type Config struct {
	Period          time.Duration
	ExpiryCutoff    time.Duration
	TrailTriggerPct float64 // 0 disables trailing stop adjustment
	WatchBandPct    float64 // fraction of (entry-stop) distance that enters PhaseWatch
	MaxAlertAge     time.Duration
}

// Monitor is the PositionMonitor component.
type Monitor struct {
	cfg     Config
	clock   *clock.Clock
	store   store.Store
	broker  broker.Client
	bus     *eventbus.Bus
	signals *signalmanager.Manager
	metrics *metrics.Registry
	logger  *logrus.Logger
	retrier *retry.Retrier

	mu     sync.Mutex
	phases map[string]*models.PhaseMachine

	lastIteration atomic.Int64 // unix nanos, read by the status API (spec §7 per-loop health)
}

// LastIteration returns the wall-clock time of this Monitor's last completed
// scan (zero if it has not scanned yet), for the CLI `status` command's
// per-loop health report (spec §7).
func (m *Monitor) LastIteration() time.Time {
	ns := m.lastIteration.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// New constructs a Monitor. metrics/logger may be nil.
func New(cfg Config, ck *clock.Clock, st store.Store, bc broker.Client, bus *eventbus.Bus,
	sm *signalmanager.Manager, m *metrics.Registry, logger *logrus.Logger) *Monitor {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Second
	}
	if cfg.ExpiryCutoff <= 0 {
		cfg.ExpiryCutoff = 60 * time.Minute
	}
	if cfg.WatchBandPct <= 0 {
		cfg.WatchBandPct = 0.5
	}
	if cfg.MaxAlertAge <= 0 {
		cfg.MaxAlertAge = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		cfg: cfg, clock: ck, store: st, broker: bc, bus: bus, signals: sm, metrics: m, logger: logger,
		retrier: retry.New(nil, retry.Config{MaxRetries: 1, InitialBackoff: 200 * time.Millisecond, MaxBackoff: time.Second, Timeout: 5 * time.Second}),
		phases:  make(map[string]*models.PhaseMachine),
	}
}

// Run drives the periodic scan loop until ctx is cancelled (spec §4.12
// "supervised loops").
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan implements one full spec §4.11 iteration.
func (m *Monitor) scan(ctx context.Context) {
	defer m.lastIteration.Store(m.clock.Now().UnixNano())

	positions, err := m.store.OpenPositions(ctx)
	if err != nil {
		m.logger.WithError(err).Error("positionmonitor: reading open positions failed")
		return
	}
	if len(positions) == 0 {
		return
	}
	if m.metrics != nil {
		m.metrics.OpenPositionsGauge.Set(float64(len(positions)))
	}

	symbols := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !seen[p.OptionSymbol] {
			seen[p.OptionSymbol] = true
			symbols = append(symbols, p.OptionSymbol)
		}
	}

	quotes, err := m.broker.Quote(ctx, symbols)
	if err != nil {
		m.logger.WithError(err).Error("positionmonitor: batch quote failed")
		return
	}

	now := m.clock.Now()
	for _, pos := range positions {
		q, ok := quotes[pos.OptionSymbol]
		if !ok {
			continue
		}
		m.evaluate(ctx, pos, q.LTP, now)
	}
}

func (m *Monitor) evaluate(ctx context.Context, pos models.Position, current float64, now time.Time) {
	pos.UpdateMark(now, current)
	m.applyTrailingStop(&pos, current)

	reason, ok := m.exitReason(pos, current, now)
	phase := m.phaseFor(pos.PositionID)

	if !ok {
		m.trackPhase(phase, pos, current)
		if err := m.store.UpdatePosition(ctx, pos); err != nil {
			m.logger.WithError(err).WithField("position_id", pos.PositionID).Error("positionmonitor: persisting mark failed")
			return
		}
		m.bus.Publish(eventbus.Event{Type: eventbus.PositionUpdated, Payload: pos})
		return
	}

	m.close(ctx, pos, current, reason)
}

// exitReason implements spec §4.11 step 3's decision ladder.
func (m *Monitor) exitReason(pos models.Position, current float64, now time.Time) (models.ExitReason, bool) {
	if current <= pos.StopLossPremium {
		return models.ExitStopLoss, true
	}
	if current >= pos.TargetPremium {
		return models.ExitTarget, true
	}
	if !pos.Expiry.IsZero() && pos.Expiry.Sub(now) <= m.cfg.ExpiryCutoff {
		return models.ExitExpiryApproaching, true
	}
	return "", false
}

// applyTrailingStop implements the optional ratchet of spec §4.11 step 3:
// once current >= entry*(1+trail_trigger_pct), raise stop_loss_premium to
// lock in half of the run-up. The ratchet only ever moves stop-loss up.
func (m *Monitor) applyTrailingStop(pos *models.Position, current float64) {
	if m.cfg.TrailTriggerPct <= 0 {
		return
	}
	trigger := pos.EntryPremium * (1 + m.cfg.TrailTriggerPct)
	if current < trigger {
		return
	}
	runUp := current - pos.EntryPremium
	newStop := pos.EntryPremium + runUp/2
	if newStop > pos.StopLossPremium {
		pos.StopLossPremium = newStop
	}
}

func (m *Monitor) phaseFor(positionID string) *models.PhaseMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.phases[positionID]
	if !ok {
		pm = models.NewPhaseMachine()
		m.phases[positionID] = pm
	}
	return pm
}

// trackPhase advances a position's ManagementPhase based on how close
// current premium sits to stop_loss_premium, an enrichment supplementing
// the exit-reason ladder (spec §4.11 decision is unaffected by this).
func (m *Monitor) trackPhase(pm *models.PhaseMachine, pos models.Position, current float64) {
	band := pos.EntryPremium - pos.StopLossPremium
	if band <= 0 {
		return
	}
	distanceFrac := (current - pos.StopLossPremium) / band

	switch pm.Current() {
	case models.PhaseNormal:
		if distanceFrac <= m.cfg.WatchBandPct {
			_ = pm.Transition(models.PhaseWatch, "premium_approaching_stop")
		}
	case models.PhaseWatch:
		if distanceFrac <= 0 {
			_ = pm.Transition(models.PhaseAlert, "premium_breached_stop")
		} else if distanceFrac > m.cfg.WatchBandPct {
			_ = pm.Transition(models.PhaseNormal, "premium_recovered")
		}
	case models.PhaseAlert:
		if distanceFrac > m.cfg.WatchBandPct {
			_ = pm.Transition(models.PhaseNormal, "premium_recovered")
		} else if distanceFrac > 0 {
			_ = pm.Transition(models.PhaseWatch, "partial_recovery")
		}
	default:
		_ = pm.Transition(models.PhaseNormal, "start_management")
	}
}

// close implements spec §4.11 step 3's close branch for both modes.
func (m *Monitor) close(ctx context.Context, pos models.Position, current float64, reason models.ExitReason) {
	switch pos.Mode {
	case models.ModePaper:
		m.finalizeClose(ctx, pos, current, reason)
	case models.ModeLive:
		m.closeLive(ctx, pos, current, reason)
	}
}

func (m *Monitor) finalizeClose(ctx context.Context, pos models.Position, exitPremium float64, reason models.ExitReason) {
	pos.Close(m.clock.Now(), exitPremium, reason)
	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		m.logger.WithError(err).WithField("position_id", pos.PositionID).Error("positionmonitor: persisting close failed")
		return
	}
	m.mu.Lock()
	delete(m.phases, pos.PositionID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PositionsClosedTotal.WithLabelValues(string(reason)).Inc()
		m.metrics.OpenPositionsGauge.Dec()
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.PositionClosed, Payload: pos})
	m.signals.Finish(pos.SignalID, reason == models.ExitTarget, string(reason))
}

// closeLive places a SELL LIMIT at current, retrying once on failure before
// surfacing a PartialExitFailure (spec §4.11 step 3 LIVE branch) — the single
// most dangerous state in the system, so it is never silently swallowed.
func (m *Monitor) closeLive(ctx context.Context, pos models.Position, current float64, reason models.ExitReason) {
	var status broker.OrderStatus
	err := m.retrier.Do(ctx, "close_position", func(opCtx context.Context) error {
		clientOrderID := broker.NewClientOrderID(pos.ClientOrderPrefix+"_exit",
			pos.OptionSymbol, string(reason), fmt.Sprintf("%d", pos.Quantity), fmt.Sprintf("%.4f", current))
		orderID, perr := m.broker.PlaceOrder(opCtx, broker.OrderSpec{
			Symbol: pos.OptionSymbol, Side: broker.SideSell, Quantity: pos.Quantity,
			LimitPrice: current, ClientOrderID: clientOrderID,
		})
		// Every exit failure is tagged transient so the retrier retries it
		// once, whatever its kind.
		if perr != nil {
			return fmt.Errorf("%w: %w", errs.ErrTransientExternal, perr)
		}
		status, perr = m.broker.OrderStatus(opCtx, orderID)
		if perr != nil {
			return fmt.Errorf("%w: %w", errs.ErrTransientExternal, perr)
		}
		if status.Status != broker.OrderComplete {
			return fmt.Errorf("%w: exit order not filled, status=%s", errs.ErrTransientExternal, status.Status)
		}
		return nil
	})

	if err == nil {
		m.finalizeClose(ctx, pos, status.FillAvgPrice, reason)
		return
	}

	pos.WarningFlag = true
	pos.WarningReason = fmt.Sprintf("partial exit failure (%s): %v", reason, err)
	pos.UpdatedAt = m.clock.Now()
	if uerr := m.store.UpdatePosition(ctx, pos); uerr != nil {
		m.logger.WithError(uerr).WithField("position_id", pos.PositionID).Error("positionmonitor: persisting warning flag failed")
	}
	if m.metrics != nil {
		m.metrics.PartialExitFailureTotal.WithLabelValues(pos.Underlying).Inc()
	}
	m.logger.WithFields(logrus.Fields{
		"position_id": pos.PositionID, "option_symbol": pos.OptionSymbol, "exit_reason": reason,
	}).WithError(err).Error("positionmonitor: LIVE exit order failed after retry, position left OPEN with warning_flag")
}
