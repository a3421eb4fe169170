package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPhaseMachine_NewStartsNormal(t *testing.T) {
	pm := NewPhaseMachine()
	require.Equal(t, PhaseNormal, pm.Current())
	require.Equal(t, 1, pm.TransitionCount(PhaseNormal))
}

func TestPhaseMachine_ValidProgression(t *testing.T) {
	pm := NewPhaseMachine()
	require.NoError(t, pm.Transition(PhaseWatch, "premium_approaching_stop"))
	require.Equal(t, PhaseWatch, pm.Current())
	require.Equal(t, PhaseNormal, pm.Previous())

	require.NoError(t, pm.Transition(PhaseAlert, "premium_breached_stop"))
	require.Equal(t, PhaseAlert, pm.Current())
}

func TestPhaseMachine_Recovery(t *testing.T) {
	pm := NewPhaseMachine()
	require.NoError(t, pm.Transition(PhaseWatch, "premium_approaching_stop"))
	require.NoError(t, pm.Transition(PhaseNormal, "premium_recovered"))
	require.Equal(t, PhaseNormal, pm.Current())
}

func TestPhaseMachine_RejectsUndefinedTransition(t *testing.T) {
	pm := NewPhaseMachine()
	err := pm.Transition(PhaseAlert, "premium_breached_stop")
	require.Error(t, err)
	require.Equal(t, PhaseNormal, pm.Current(), "failed transition must not mutate state")
}

func TestPhaseMachine_RejectsWrongCondition(t *testing.T) {
	pm := NewPhaseMachine()
	err := pm.Transition(PhaseWatch, "not_a_real_condition")
	require.Error(t, err)
}

func TestPhaseMachine_ShouldEmergencyExit(t *testing.T) {
	pm := NewPhaseMachine()
	require.NoError(t, pm.Transition(PhaseWatch, "premium_approaching_stop"))
	require.NoError(t, pm.Transition(PhaseAlert, "premium_breached_stop"))

	now := time.Now().UTC()
	exit, reason := pm.ShouldEmergencyExit(now, time.Hour)
	require.False(t, exit)
	require.Empty(t, reason)

	later := now.Add(2 * time.Hour)
	exit, reason = pm.ShouldEmergencyExit(later, time.Hour)
	require.True(t, exit)
	require.Contains(t, reason, "emergency exit")
}

func TestPhaseMachine_ShouldEmergencyExit_NotInAlert(t *testing.T) {
	pm := NewPhaseMachine()
	exit, _ := pm.ShouldEmergencyExit(time.Now().UTC().Add(10*time.Hour), time.Hour)
	require.False(t, exit)
}

func TestPhaseMachine_Copy(t *testing.T) {
	pm := NewPhaseMachine()
	require.NoError(t, pm.Transition(PhaseWatch, "premium_approaching_stop"))

	cp := pm.Copy()
	require.Equal(t, pm.Current(), cp.Current())

	require.NoError(t, pm.Transition(PhaseAlert, "premium_breached_stop"))
	require.NotEqual(t, pm.Current(), cp.Current(), "copy must not alias the original")
}

func TestPhaseMachine_CopyNil(t *testing.T) {
	var pm *PhaseMachine
	require.Nil(t, pm.Copy())
}
