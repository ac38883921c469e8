package dialogdriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateContextHealth_Unavailable(t *testing.T) {
	snap := EvaluateContextHealth(1000, ModelLimits{})
	assert.False(t, snap.Available)
}

func TestEvaluateContextHealth_Levels(t *testing.T) {
	limits := ModelLimits{ContextLength: 1000, OptimalMaxTokens: 500, CriticalMaxTokens: 900}

	healthy := EvaluateContextHealth(100, limits)
	assert.Equal(t, HealthHealthy, healthy.Level)

	caution := EvaluateContextHealth(600, limits)
	assert.Equal(t, HealthCaution, caution.Level)

	critical := EvaluateContextHealth(950, limits)
	assert.Equal(t, HealthCritical, critical.Level)
}

func TestRemediateContextHealth_HealthyResetsFSM(t *testing.T) {
	dlg := NewRootDialog("r1", "alice", 3)
	dlg.health = contextHealthFSM{lastSeenLevel: HealthCritical, criticalCountdownInitialized: true, criticalCountdownRemaining: 2}

	snap := ContextHealthSnapshot{Available: true, Level: HealthHealthy}
	res := RemediateContextHealth(dlg, snap, ModelLimits{}, false)

	assert.Equal(t, RemediationProceed, res.Action)
	assert.Equal(t, HealthHealthy, dlg.health.lastSeenLevel)
	assert.False(t, dlg.health.criticalCountdownInitialized)
}

func TestRemediateContextHealth_CautionInjectsOnceThenCadence(t *testing.T) {
	dlg := NewRootDialog("r1", "alice", 3)
	limits := ModelLimits{ContextLength: 1000, CautionRemediationCadenceGenerations: 3}
	snap := ContextHealthSnapshot{Available: true, Level: HealthCaution}

	dlg.ActiveGenSeq = 1
	res := RemediateContextHealth(dlg, snap, limits, false)
	require.NotEmpty(t, res.InjectGuide, "first caution observation must inject a guide")
	assert.True(t, res.AsUserPrompt)

	dlg.ActiveGenSeq = 2
	res = RemediateContextHealth(dlg, snap, limits, false)
	assert.Empty(t, res.InjectGuide, "within cadence window, no repeat injection")

	dlg.ActiveGenSeq = 4
	res = RemediateContextHealth(dlg, snap, limits, false)
	assert.NotEmpty(t, res.InjectGuide, "cadence elapsed, guide injected again")
}

func TestRemediateContextHealth_CriticalCountdownForcesNewCourse(t *testing.T) {
	dlg := NewRootDialog("r1", "alice", 3)
	limits := ModelLimits{ContextLength: 1000}
	snap := ContextHealthSnapshot{Available: true, Level: HealthCritical}

	var last RemediationResult
	for i := 0; i < criticalCountdownGenerations; i++ {
		last = RemediateContextHealth(dlg, snap, limits, false)
		if last.Action == RemediationContinueNewCourse {
			break
		}
		assert.Equal(t, RemediationProceed, last.Action)
	}
	assert.Equal(t, RemediationContinueNewCourse, last.Action, "critical countdown must eventually force a new course")
}

func TestRemediateContextHealth_Unavailable(t *testing.T) {
	dlg := NewRootDialog("r1", "alice", 3)
	res := RemediateContextHealth(dlg, ContextHealthSnapshot{Available: false}, ModelLimits{}, false)
	assert.Equal(t, RemediationProceed, res.Action)
	assert.Empty(t, res.InjectGuide)
}
