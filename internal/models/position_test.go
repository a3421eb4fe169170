package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validPosition() Position {
	entry := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	return Position{
		PositionID:      "pos_abc123",
		SignalID:        "sig_def456",
		Mode:            ModePaper,
		OptionSymbol:    "NIFTY24JUN23500CE",
		Underlying:      "NIFTY",
		Strike:          23500,
		OptionType:      OptionCall,
		Expiry:          entry.AddDate(0, 0, 7),
		EntryTS:         entry,
		EntryPremium:    120,
		Quantity:        50,
		LotSize:         25,
		StopLossPremium: 90,
		TargetPremium:   180,
		Status:          PositionOpen,
		UpdatedAt:       entry,
	}
}

func TestPosition_Validate_OK(t *testing.T) {
	p := validPosition()
	require.NoError(t, p.Validate())
}

func TestPosition_Validate_QuantityNotMultipleOfLot(t *testing.T) {
	p := validPosition()
	p.Quantity = 40
	require.ErrorIs(t, p.Validate(), errValidation)
}

func TestPosition_Validate_PremiumOrdering(t *testing.T) {
	p := validPosition()
	p.StopLossPremium = 150 // now stop_loss > entry
	require.ErrorIs(t, p.Validate(), errValidation)
}

func TestPosition_Close_FillsExitFieldsAndPnL(t *testing.T) {
	p := validPosition()
	now := p.EntryTS.Add(2 * time.Hour)
	p.Close(now, 180, ExitTarget)

	require.Equal(t, PositionClosed, p.Status)
	require.Equal(t, ExitTarget, p.ExitReason)
	require.True(t, p.ExitTS.Equal(now))
	require.InDelta(t, (180.0-120.0)*50, p.RealizedPnL, 1e-6)
	require.NoError(t, p.Validate())
}

func TestPosition_Validate_ClosedMissingExitFields(t *testing.T) {
	p := validPosition()
	p.Status = PositionClosed
	require.ErrorIs(t, p.Validate(), errValidation)
}

func TestPosition_Validate_ClosedPnLMismatch(t *testing.T) {
	p := validPosition()
	p.Status = PositionClosed
	p.ExitTS = p.EntryTS.Add(time.Hour)
	p.ExitPremium = 180
	p.ExitReason = ExitTarget
	p.RealizedPnL = 999 // wrong on purpose
	require.ErrorIs(t, p.Validate(), errValidation)
}

func TestPosition_UpdateMark(t *testing.T) {
	p := validPosition()
	now := p.EntryTS.Add(time.Hour)
	p.UpdateMark(now, 140)
	require.Equal(t, 140.0, p.CurrentPremium)
	require.InDelta(t, (140.0-120.0)*50, p.UnrealizedPnL, 1e-6)
	require.True(t, p.IsOpen())
}
