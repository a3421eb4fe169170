// Package signalmanager implements SignalManager (spec §4.8): canonicalizes
// strategy recommendations into persisted, deduplicated Signals and
// publishes their lifecycle on the EventBus. The fingerprint-based dedup
// check is the idempotency discipline spec §3 requires; the monotonic
// status-transition enforcement reuses models.CanTransition, grounded on
// the teacher's transitionLookup idiom (internal/models/state_machine.go).
package signalmanager

import (
	"context"
	"fmt"

	"github.com/kiteflow/optionsrt/internal/clock"
	"github.com/kiteflow/optionsrt/internal/errs"
	"github.com/kiteflow/optionsrt/internal/eventbus"
	"github.com/kiteflow/optionsrt/internal/metrics"
	"github.com/kiteflow/optionsrt/internal/models"
	"github.com/kiteflow/optionsrt/internal/store"
)

// Manager is the SignalManager component.
type Manager struct {
	clock   *clock.Clock
	store   store.Store
	bus     *eventbus.Bus
	metrics *metrics.Registry
}

// New constructs a Manager. metrics may be nil in tests that don't assert on counters.
func New(ck *clock.Clock, st store.Store, bus *eventbus.Bus, m *metrics.Registry) *Manager {
	return &Manager{clock: ck, store: st, bus: bus, metrics: m}
}

// Submit implements spec §4.8 submit(). raw must already carry the fields a
// strategy computed (action, prices, confidence, ...); Submit fills in
// signal_id, timestamps, status, and performs validation/dedup/persist/publish.
func (m *Manager) Submit(ctx context.Context, raw models.Signal) (*models.Signal, error) {
	sig := raw
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = m.clock.Now()
	}
	sig.CreatedAt = m.clock.InIST(sig.CreatedAt)
	sig.Status = models.SignalNew

	if sig.Action == models.ActionHold {
		return nil, fmt.Errorf("%w: HOLD must not be submitted", errs.ErrValidationFailure)
	}
	sig.AssignID(m.clock)
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	fp := sig.Fingerprint(m.clock)
	sessionStart := m.clock.SessionStart(sig.CreatedAt)
	since, err := m.store.SignalsSince(ctx, sig.Strategy, sig.Symbol, sessionStart)
	if err != nil {
		return nil, fmt.Errorf("signalmanager: checking dedup history: %w", err)
	}
	for _, existing := range since {
		if existing.Action != fp.Action || existing.Timeframe != fp.Timeframe || !existing.BucketStart.Equal(fp.BucketStart) {
			continue
		}
		if existing.Status == models.SignalExpired || existing.Status == models.SignalRejected {
			continue
		}
		if m.metrics != nil {
			m.metrics.DuplicateSignalTotal.WithLabelValues(sig.Strategy, sig.Symbol).Inc()
		}
		return nil, fmt.Errorf("%w: signal %s duplicates %s", errs.ErrDuplicateSignal, sig.SignalID, existing.SignalID)
	}

	if err := m.store.InsertSignal(ctx, sig); err != nil {
		return nil, fmt.Errorf("signalmanager: persisting signal: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SignalsGeneratedTotal.WithLabelValues(sig.Strategy, sig.Symbol, string(sig.Action)).Inc()
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.SignalGenerated, Payload: sig})

	return &sig, nil
}

// Update implements spec §4.8 update(): enforces a monotonic status
// transition and publishes the corresponding lifecycle event.
func (m *Manager) Update(ctx context.Context, signalID string, from, to models.SignalStatus, reason string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: illegal signal transition %s -> %s", errs.ErrValidationFailure, from, to)
	}
	if err := m.store.UpdateSignalStatus(ctx, signalID, to, reason); err != nil {
		return fmt.Errorf("signalmanager: updating status: %w", err)
	}

	var evType eventbus.Type
	switch to {
	case models.SignalProcessing:
		evType = eventbus.SignalActivated
	case models.SignalRejected, models.SignalFailed, models.SignalExpired:
		evType = eventbus.SignalStopped
	default:
		return nil
	}
	m.bus.Publish(eventbus.Event{Type: evType, Payload: SignalStatusChange{SignalID: signalID, Status: to, Reason: reason}})
	return nil
}

// Finish publishes the terminal disposition of a signal whose position has
// just closed (spec §4.11: "SignalManager.update(signal_id, COMPLETED or
// STOPPED)"). The persisted Signal.Status stays EXECUTED — COMPLETED/STOPPED
// are EventBus-only lifecycle events describing how the resulting position's
// life ended, not an additional stored status (spec §3 defines the closed
// set of stored statuses and does not include them).
func (m *Manager) Finish(signalID string, completed bool, reason string) {
	evType := eventbus.SignalStopped
	if completed {
		evType = eventbus.SignalCompleted
	}
	m.bus.Publish(eventbus.Event{Type: evType, Payload: SignalStatusChange{SignalID: signalID, Status: models.SignalExecuted, Reason: reason}})
}

// SignalStatusChange is the payload carried by Signal lifecycle events other
// than SignalGenerated (which carries the full Signal).
type SignalStatusChange struct {
	SignalID string
	Status   models.SignalStatus
	Reason   string
}
