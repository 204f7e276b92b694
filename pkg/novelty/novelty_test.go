package novelty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darylkang/arbiter/pkg/cluster"
	"github.com/darylkang/arbiter/pkg/config"
)

func newMonitor(stopMode config.StopMode, patience int) *Monitor {
	model := cluster.New(0.9, 8, config.CentroidIncrementalMean)
	policy := config.StopPolicy{NoveltyEpsilon: 0.1, SimilarityThreshold: 0.85, Patience: patience}
	return New(model, stopMode, policy, config.KMinCountRuleEligible, 0, nil)
}

func TestDrainBatchFirstBatchHasNoJSDivergence(t *testing.T) {
	m := newMonitor(config.StopModeAdvisor, 2)
	m.BufferSuccess(0, []float32{1, 0, 0, 0})
	m.BufferSuccess(1, []float32{0, 1, 0, 0})

	r := m.DrainBatch(1)
	assert.Nil(t, r.JSDivergence)
	assert.Equal(t, 2, r.KAttempted)
	assert.Equal(t, 2, r.KEligible)
	require.NotNil(t, r.NoveltyRate)
	assert.Equal(t, 1.0, *r.NoveltyRate) // both new clusters
}

func TestDrainBatchSkippedTrialsCountTowardAttemptedNotEligible(t *testing.T) {
	m := newMonitor(config.StopModeAdvisor, 2)
	m.BufferSuccess(0, []float32{1, 0})
	m.BufferSkipped(1)

	r := m.DrainBatch(1)
	assert.Equal(t, 2, r.KAttempted)
	assert.Equal(t, 1, r.KEligible)
}

func TestDrainBatchAssignmentsSortedByTrialID(t *testing.T) {
	m := newMonitor(config.StopModeAdvisor, 2)
	m.BufferSuccess(5, []float32{0, 1})
	m.BufferSuccess(1, []float32{1, 0})
	m.BufferSuccess(3, []float32{1, 0})

	r := m.DrainBatch(1)
	require.Len(t, r.Assignments, 3)
	assert.Equal(t, uint32(1), r.Assignments[0].TrialID)
	assert.Equal(t, uint32(3), r.Assignments[1].TrialID)
	assert.Equal(t, uint32(5), r.Assignments[2].TrialID)
}

func TestShouldStopRequiresEnforcerMode(t *testing.T) {
	m := newMonitor(config.StopModeAdvisor, 1)
	// Converge a single cluster repeatedly so meets_thresholds holds.
	for i := uint32(0); i < 5; i++ {
		m.BufferSuccess(i, []float32{1, 0, 0, 0})
		r := m.DrainBatch(int(i))
		if i > 0 {
			assert.True(t, r.WouldStop || !r.MeetsThresholds)
		}
		assert.False(t, r.ShouldStop) // advisor never stops
	}
	assert.False(t, m.GetShouldStop())
}

func TestShouldStopTrueUnderEnforcerAfterPatience(t *testing.T) {
	m := newMonitor(config.StopModeEnforcer, 2)
	var last BatchResult
	for i := uint32(0); i < 5; i++ {
		m.BufferSuccess(i, []float32{1, 0, 0, 0})
		last = m.DrainBatch(int(i))
	}
	assert.True(t, last.ShouldStop)
	assert.True(t, m.GetShouldStop())
}

func TestDisabledModeNeverStops(t *testing.T) {
	m := newMonitor(config.StopModeDisabled, 1)
	var last BatchResult
	for i := uint32(0); i < 5; i++ {
		m.BufferSuccess(i, []float32{1, 0, 0, 0})
		last = m.DrainBatch(int(i))
	}
	assert.False(t, last.ShouldStop)
}
