package models

import (
	"fmt"
	"time"
)

// ManagementPhase is a supplemented enrichment carried over from the
// teacher's football-system phase tracking (see SPEC_FULL.md). A single
// long-option position doesn't have two contested strikes the way a
// strangle does, so the four downs collapse to three phases: Normal, Watch
// (price approaching the stop-loss premium) and Alert (price at or past the
// stop-loss premium). It is read-only
// context a strategy or operator may use to gauge how contested a position
// has become; it never substitutes for Position.Status and is never
// required to be set.
type ManagementPhase string

// Management phases. Zero value means "not tracked".
const (
	PhaseNone   ManagementPhase = ""
	PhaseNormal ManagementPhase = "normal"
	PhaseWatch  ManagementPhase = "watch"
	PhaseAlert  ManagementPhase = "alert"
)

// phaseTransition defines one allowed (from, to) edge, keyed by a named
// condition for readability in logs and tests.
type phaseTransition struct {
	From      ManagementPhase
	To        ManagementPhase
	Condition string
}

// validPhaseTransitions enumerates every legal edge. Unlike the signal and
// position lifecycles, phase transitions can run backwards (Watch ->
// Normal on recovery) since they describe a continuously monitored
// distance, not a one-way lifecycle.
var validPhaseTransitions = []phaseTransition{
	{PhaseNone, PhaseNormal, "start_management"},
	{PhaseNormal, PhaseWatch, "premium_approaching_stop"},
	{PhaseWatch, PhaseAlert, "premium_breached_stop"},
	{PhaseWatch, PhaseNormal, "premium_recovered"},
	{PhaseAlert, PhaseNormal, "premium_recovered"},
	{PhaseAlert, PhaseWatch, "partial_recovery"},
}

var phaseTransitionLookup map[ManagementPhase]map[ManagementPhase]map[string]bool

func init() {
	phaseTransitionLookup = make(map[ManagementPhase]map[ManagementPhase]map[string]bool)
	for _, t := range validPhaseTransitions {
		if phaseTransitionLookup[t.From] == nil {
			phaseTransitionLookup[t.From] = make(map[ManagementPhase]map[string]bool)
		}
		if phaseTransitionLookup[t.From][t.To] == nil {
			phaseTransitionLookup[t.From][t.To] = make(map[string]bool)
		}
		phaseTransitionLookup[t.From][t.To][t.Condition] = true
	}
}

// PhaseMachine tracks a position's ManagementPhase over its open lifetime.
// It is owned by PositionMonitor, one instance per open position, and never
// persisted on its own — only the resulting ManagementPhase value is
// written back onto the Position record.
type PhaseMachine struct {
	current        ManagementPhase
	previous       ManagementPhase
	transitionedAt time.Time
	alertSince     time.Time
	transitions    map[ManagementPhase]int
}

// NewPhaseMachine starts a phase machine in PhaseNormal, mirroring the
// teacher's NewStateMachineFromState convenience constructor.
func NewPhaseMachine() *PhaseMachine {
	now := time.Now().UTC()
	return &PhaseMachine{
		current:        PhaseNormal,
		previous:       PhaseNormal,
		transitionedAt: now,
		transitions:    map[ManagementPhase]int{PhaseNormal: 1},
	}
}

// Current returns the phase the machine currently occupies.
func (pm *PhaseMachine) Current() ManagementPhase { return pm.current }

// Previous returns the phase the machine occupied before its last transition.
func (pm *PhaseMachine) Previous() ManagementPhase { return pm.previous }

func (pm *PhaseMachine) isDefined(to ManagementPhase, condition string) bool {
	toMap, ok := phaseTransitionLookup[pm.current]
	if !ok {
		return false
	}
	conds, ok := toMap[to]
	if !ok {
		return false
	}
	return conds[condition]
}

// Transition moves the machine to `to` under the named condition, returning
// an error if that edge isn't in validPhaseTransitions.
func (pm *PhaseMachine) Transition(to ManagementPhase, condition string) error {
	if !pm.isDefined(to, condition) {
		return fmt.Errorf("invalid phase transition from %s to %s on %q", pm.current, to, condition)
	}
	now := time.Now().UTC()
	pm.previous = pm.current
	pm.current = to
	pm.transitionedAt = now
	pm.transitions[to]++
	if to == PhaseAlert {
		pm.alertSince = now
	}
	return nil
}

// TransitionCount reports how many times the machine has entered `phase`.
func (pm *PhaseMachine) TransitionCount(phase ManagementPhase) int {
	return pm.transitions[phase]
}

// ShouldEmergencyExit reports whether a position stuck in PhaseAlert for
// longer than maxAlertAge should be force-closed regardless of premium,
// generalizing the teacher's Fourth Down time-box (ShouldEmergencyExit in
// the original state_machine.go) to a single configurable duration since
// there is no per-strategy adjustment ladder left to exhaust.
func (pm *PhaseMachine) ShouldEmergencyExit(now time.Time, maxAlertAge time.Duration) (bool, string) {
	if pm.current != PhaseAlert || pm.alertSince.IsZero() {
		return false, ""
	}
	if now.Sub(pm.alertSince) >= maxAlertAge {
		return true, fmt.Sprintf("emergency exit: alert phase held for %s (limit %s)", now.Sub(pm.alertSince), maxAlertAge)
	}
	return false, ""
}

// Copy returns a deep copy, used when snapshotting monitor state for status
// reporting without racing the live machine.
func (pm *PhaseMachine) Copy() *PhaseMachine {
	if pm == nil {
		return nil
	}
	out := &PhaseMachine{
		current:        pm.current,
		previous:       pm.previous,
		transitionedAt: pm.transitionedAt,
		alertSince:     pm.alertSince,
		transitions:    make(map[ManagementPhase]int, len(pm.transitions)),
	}
	for k, v := range pm.transitions {
		out.transitions[k] = v
	}
	return out
}
