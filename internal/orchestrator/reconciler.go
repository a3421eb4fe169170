package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kiteflow/optionsrt/internal/broker"
	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/store"
)

// positionsFetchTimeout bounds how long startup reconciliation waits on the
// broker before giving up and leaving Store's state untouched.
const positionsFetchTimeout = 8 * time.Second

// Reconciler compares Store's OPEN positions against the broker's reported
// holdings at startup (spec §4.12 step 6, extended). It generalizes the
// teacher's ReconcilePositions (cmd/bot/reconciler.go) from a fixed two-leg
// strangle match down to this runtime's single-leg Position model: a stored
// OPEN position the broker no longer holds is closed as a manual close, and
// a broker holding Store never recorded (a fill that landed after a crash or
// a timed-out order that actually went through) is recovered as a new
// warning-flagged position.
type Reconciler struct {
	broker broker.Client
	store  store.Store
	clock  *clock.Clock
	logger *logrus.Logger
}

// NewReconciler constructs a Reconciler. logger may be nil.
func NewReconciler(bc broker.Client, st store.Store, ck *clock.Clock, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{broker: bc, store: st, clock: ck, logger: logger}
}

// Reconcile runs once, at startup. A broker or store read failure is logged
// and treated as a no-op rather than blocking startup: the next
// PositionMonitor scan still re-marks whatever Store already holds.
func (r *Reconciler) Reconcile(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, positionsFetchTimeout)
	defer cancel()

	brokerPositions, err := r.broker.Positions(fetchCtx)
	if err != nil {
		r.logger.WithError(err).Warn("orchestrator: startup reconciliation could not fetch broker positions, skipping")
		return
	}

	stored, err := r.store.OpenPositions(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("orchestrator: startup reconciliation could not read stored positions, skipping")
		return
	}

	r.logger.WithFields(logrus.Fields{"stored": len(stored), "broker": len(brokerPositions)}).
		Info("orchestrator: running startup reconciliation")

	brokerQty := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerQty[bp.TradingSymbol] += bp.Quantity
	}

	tracked := make(map[string]bool, len(stored))
	for _, pos := range stored {
		tracked[pos.OptionSymbol] = true
		if absInt(brokerQty[pos.OptionSymbol]) >= pos.Quantity {
			continue
		}
		r.closeManually(ctx, pos)
	}

	for symbol, qty := range brokerQty {
		if tracked[symbol] || qty <= 0 {
			continue
		}
		r.recoverUntracked(ctx, symbol, qty)
	}
}

// closeManually handles a stored OPEN position the broker no longer holds
// (spec §4.12 step 6 extended, case 1: manual close outside the runtime).
// The realized P&L is unknowable from the broker's position snapshot alone,
// so it is closed flat at entry premium rather than an optimistic guess.
func (r *Reconciler) closeManually(ctx context.Context, pos models.Position) {
	r.logger.WithFields(logrus.Fields{"position_id": pos.PositionID, "option_symbol": pos.OptionSymbol}).
		Warn("orchestrator: position no longer held by broker, closing as manual close")
	pos.Close(r.clock.Now(), pos.EntryPremium, models.ExitManual)
	if err := r.store.UpdatePosition(ctx, pos); err != nil {
		r.logger.WithError(err).WithField("position_id", pos.PositionID).Error("orchestrator: failed to persist reconciled close")
	}
}

// recoverUntracked handles a broker holding Store never recorded (spec
// §4.12 step 6 extended, case 2: untracked-position recovery). Entry/stop/
// target are synthetic placeholders derived from the current quote, since
// the true entry details are unknowable; the recovered position carries
// warning_flag so an operator notices and can correct it.
func (r *Reconciler) recoverUntracked(ctx context.Context, symbol string, quantity int) {
	quotes, err := r.broker.Quote(ctx, []string{symbol})
	if err != nil {
		r.logger.WithError(err).WithField("option_symbol", symbol).Warn("orchestrator: could not quote untracked broker position for recovery")
		return
	}
	q, ok := quotes[symbol]
	if !ok || q.LTP <= 0 {
		r.logger.WithField("option_symbol", symbol).Warn("orchestrator: no quote available for untracked broker position, cannot recover")
		return
	}

	now := r.clock.Now()
	ltp := q.LTP
	pos := models.Position{
		PositionID:        "recovered_" + uuid.NewString(),
		SignalID:          "recovered_" + uuid.NewString(),
		Mode:              models.ModeLive,
		OptionSymbol:      symbol,
		EntryTS:           now,
		EntryPremium:      ltp,
		Quantity:          quantity,
		LotSize:           quantity,
		StopLossPremium:   ltp * 0.5,
		TargetPremium:     ltp * 1.5,
		Status:            models.PositionOpen,
		CurrentPremium:    ltp,
		UpdatedAt:         now,
		ManagementPhase:   models.PhaseNormal,
		ClientOrderPrefix: "RECOVERED_" + symbol,
		WarningFlag:       true,
		WarningReason:     "recovered at startup: untracked broker position, entry/stop/target are synthetic placeholders",
	}
	if err := pos.Validate(); err != nil {
		r.logger.WithError(err).WithField("option_symbol", symbol).Error("orchestrator: recovered position failed validation, not persisted")
		return
	}
	if err := r.store.InsertPosition(ctx, pos); err != nil {
		r.logger.WithError(err).WithField("option_symbol", symbol).Error("orchestrator: failed to persist recovered position")
		return
	}
	r.logger.WithFields(logrus.Fields{"option_symbol": symbol, "quantity": quantity}).
		Warn("orchestrator: recovered untracked broker position at startup")
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
