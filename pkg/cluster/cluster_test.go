package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darylkang/arbiter/pkg/config"
)

func TestFirstAssignmentCreatesExemplarCluster(t *testing.T) {
	m := New(0.9, 4, config.CentroidIncrementalMean)
	a, err := m.Assign(0, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ClusterID)
	assert.True(t, a.IsExemplar)
	assert.Equal(t, 1.0, a.Similarity)
}

func TestSimilarVectorJoinsExistingCluster(t *testing.T) {
	m := New(0.9, 4, config.CentroidIncrementalMean)
	_, err := m.Assign(0, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)

	a, err := m.Assign(1, []float32{0.99, 0.01, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ClusterID)
	assert.False(t, a.IsExemplar)
	assert.False(t, a.Forced)
	assert.Greater(t, a.Similarity, 0.9)
}

func TestDissimilarVectorCreatesNewCluster(t *testing.T) {
	m := New(0.9, 4, config.CentroidIncrementalMean)
	_, err := m.Assign(0, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)

	a, err := m.Assign(1, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, a.ClusterID)
	assert.True(t, a.IsExemplar)
}

func TestClusterLimitForcesAssignment(t *testing.T) {
	m := New(0.99, 1, config.CentroidIncrementalMean)
	_, err := m.Assign(0, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)

	a, err := m.Assign(1, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ClusterID)
	assert.True(t, a.Forced)

	_, _, _, forced := m.Snapshot()
	assert.Equal(t, 1, forced)
}

func TestTieBreaksToLowerClusterID(t *testing.T) {
	m := New(0.5, 8, config.CentroidFixedLeader)
	_, err := m.Assign(0, []float32{1, 0}, 1)
	require.NoError(t, err)
	_, err = m.Assign(1, []float32{0, 1}, 1)
	require.NoError(t, err)

	// Equidistant from both exemplars.
	a, err := m.Assign(2, []float32{0.70710678, 0.70710678}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ClusterID)
}

func TestFixedLeaderCentroidNeverMoves(t *testing.T) {
	m := New(0.5, 4, config.CentroidFixedLeader)
	_, err := m.Assign(0, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	_, err = m.Assign(1, []float32{0.6, 0.8, 0, 0}, 1)
	require.NoError(t, err)

	dist, _, _, _ := m.Snapshot()
	assert.Equal(t, []int{2}, dist)
	assert.Equal(t, []float64{1, 0, 0, 0}, m.clusters[0].Centroid)
}

func TestIncrementalMeanCentroidMoves(t *testing.T) {
	m := New(0.5, 4, config.CentroidIncrementalMean)
	_, err := m.Assign(0, []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	a1, err := m.Assign(1, []float32{0.6, 0.8, 0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, a1.ClusterID)

	a2, err := m.Assign(2, []float32{0.6, 0.8, 0, 0}, 1)
	require.NoError(t, err)
	// After the mean shifted toward (0.6,0.8), similarity to an identical
	// repeat vector should be higher than the first non-exemplar's was.
	assert.GreaterOrEqual(t, a2.Similarity, a1.Similarity)
}

func TestZeroClusterLimitFailsOnFirstAssignment(t *testing.T) {
	m := New(0.9, 0, config.CentroidIncrementalMean)
	_, err := m.Assign(0, []float32{1, 0}, 1)
	assert.Error(t, err)
}
