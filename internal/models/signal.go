package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiteflow/optionsrt/internal/clock"
)

// Action is the directional call a strategy makes.
type Action string

// Actions a strategy may emit (spec §3).
const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// SignalStatus is the lifecycle state of a Signal (spec §3).
type SignalStatus string

// Signal lifecycle states. Transitions are monotonic:
// NEW -> PROCESSING -> {EXECUTED | REJECTED | FAILED | EXPIRED}.
const (
	SignalNew        SignalStatus = "NEW"
	SignalProcessing SignalStatus = "PROCESSING"
	SignalExecuted   SignalStatus = "EXECUTED"
	SignalRejected   SignalStatus = "REJECTED"
	SignalFailed     SignalStatus = "FAILED"
	SignalExpired    SignalStatus = "EXPIRED"
)

// signalTransitions enumerates every legal (from, to) pair, mirroring the
// teacher's transitionLookup idiom in internal/models/state_machine.go.
var signalTransitions = map[SignalStatus]map[SignalStatus]bool{
	SignalNew: {
		SignalProcessing: true,
		SignalRejected:   true,
		SignalExpired:    true,
	},
	SignalProcessing: {
		SignalExecuted: true,
		SignalRejected: true,
		SignalFailed:   true,
		SignalExpired:  true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal signal
// lifecycle transition.
func CanTransition(from, to SignalStatus) bool {
	return signalTransitions[from][to]
}

// Signal is a strategy's trading recommendation (spec §3).
type Signal struct {
	SignalID          string            `json:"signal_id"`
	CreatedAt         time.Time         `json:"created_at"`
	Symbol            string            `json:"symbol"`
	AssetClass        string            `json:"asset_class"`
	Strategy          string            `json:"strategy"`
	Action            Action            `json:"action"`
	UnderlyingPrice   float64           `json:"underlying_price"`
	TargetPrice       float64           `json:"target_price"`
	StopLossPrice     float64           `json:"stop_loss_price"`
	Confidence        float64           `json:"confidence"`
	ExpectedMovePct   float64           `json:"expected_move_pct"`
	Timeframe         clock.Timeframe   `json:"timeframe"`
	BucketStart       time.Time         `json:"bucket_start"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Status            SignalStatus      `json:"status"`
	RejectReason      string            `json:"reject_reason,omitempty"`
}

// Fingerprint is the idempotency key of spec §3:
// (strategy, symbol, action, timeframe, session_date, bucket_start).
type Fingerprint struct {
	Strategy    string
	Symbol      string
	Action      Action
	Timeframe   clock.Timeframe
	SessionDate string
	BucketStart time.Time
}

// String renders a stable textual form used as the fingerprint hash input.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d", f.Strategy, f.Symbol, f.Action, f.Timeframe, f.SessionDate, f.BucketStart.Unix())
}

// Fingerprint computes this signal's idempotency key.
func (s *Signal) Fingerprint(ck *clock.Clock) Fingerprint {
	sessionDate := ck.SessionStart(s.CreatedAt).Format("2006-01-02")
	return Fingerprint{
		Strategy:    s.Strategy,
		Symbol:      s.Symbol,
		Action:      s.Action,
		Timeframe:   s.Timeframe,
		SessionDate: sessionDate,
		BucketStart: s.BucketStart,
	}
}

// AssignID sets SignalID to a stable hash of the fingerprint plus a short
// uuid suffix (spec §3), unless already set.
func (s *Signal) AssignID(ck *clock.Clock) {
	if s.SignalID != "" {
		return
	}
	sum := sha256.Sum256([]byte(s.Fingerprint(ck).String()))
	stable := hex.EncodeToString(sum[:])[:12]
	s.SignalID = fmt.Sprintf("sig_%s_%s", stable, uuid.NewString()[:8])
}

// Validate enforces the invariants of spec §3. HOLD signals are rejected
// here too — SignalManager.submit must never attempt to persist one.
func (s *Signal) Validate() error {
	if s.Action == ActionHold {
		return fmt.Errorf("%w: HOLD signals must not be persisted", errValidation)
	}
	switch s.Action {
	case ActionBuy:
		if !(s.TargetPrice > s.UnderlyingPrice && s.UnderlyingPrice > s.StopLossPrice) {
			return fmt.Errorf("%w: BUY requires target > underlying > stop_loss (got %.4f/%.4f/%.4f)",
				errValidation, s.TargetPrice, s.UnderlyingPrice, s.StopLossPrice)
		}
	case ActionSell:
		if !(s.TargetPrice < s.UnderlyingPrice && s.UnderlyingPrice < s.StopLossPrice) {
			return fmt.Errorf("%w: SELL requires target < underlying < stop_loss (got %.4f/%.4f/%.4f)",
				errValidation, s.TargetPrice, s.UnderlyingPrice, s.StopLossPrice)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", errValidation, s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.4f out of [0,1]", errValidation, s.Confidence)
	}
	return nil
}
