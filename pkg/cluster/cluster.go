// Package cluster implements the online leader clustering model that
// groups trial embeddings into clusters as they arrive, one batch at a
// time. Cosine similarity is computed with
// gonum.org/v1/gonum/floats rather than hand-rolled dot products, the one
// numerical library present across the retrieved corpus's manifests.
package cluster

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/darylkang/arbiter/pkg/config"
)

// Cluster is one discovered cluster's state.
type Cluster struct {
	ClusterID         int
	ExemplarTrialID   uint32
	MemberCount       int
	DiscoveredAtBatch int
	Centroid          []float64
	Norm              float64
}

// Assignment is the result of assigning one trial's embedding to a cluster.
type Assignment struct {
	ClusterID  int
	Similarity float64
	IsExemplar bool
	Forced     bool
}

// Model owns the ordered cluster list and run-wide assignment totals. It is
// the monitor's exclusive state — no other component mutates it.
type Model struct {
	mu sync.Mutex

	tau          float64
	clusterLimit int
	updateRule   config.CentroidUpdateRule

	clusters []*Cluster

	totalAssigned     int
	totalExcluded     int
	forcedAssignments int
}

// New creates an empty clustering model.
func New(tau float64, clusterLimit int, updateRule config.CentroidUpdateRule) *Model {
	return &Model{tau: tau, clusterLimit: clusterLimit, updateRule: updateRule}
}

// Assign clusters one trial's embedding.
func (m *Model) Assign(trialID uint32, vector []float32, batchNumber int) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := toFloat64(vector)
	norm := floats.Norm(v, 2)

	if len(m.clusters) == 0 {
		if m.clusterLimit < 1 {
			return Assignment{}, fmt.Errorf("cluster: cluster_limit=%d does not allow any clusters", m.clusterLimit)
		}
		m.clusters = append(m.clusters, &Cluster{
			ClusterID:         0,
			ExemplarTrialID:   trialID,
			MemberCount:       1,
			DiscoveredAtBatch: batchNumber,
			Centroid:          v,
			Norm:              norm,
		})
		m.totalAssigned++
		return Assignment{ClusterID: 0, Similarity: 1, IsExemplar: true}, nil
	}

	bestIdx := 0
	bestSim := cosineSimilarity(v, norm, m.clusters[0].Centroid, m.clusters[0].Norm)
	for i := 1; i < len(m.clusters); i++ {
		sim := cosineSimilarity(v, norm, m.clusters[i].Centroid, m.clusters[i].Norm)
		if sim > bestSim {
			bestSim = sim
			bestIdx = i
		}
	}

	if bestSim < m.tau {
		if len(m.clusters) < m.clusterLimit {
			cl := &Cluster{
				ClusterID:         len(m.clusters),
				ExemplarTrialID:   trialID,
				MemberCount:       1,
				DiscoveredAtBatch: batchNumber,
				Centroid:          v,
				Norm:              norm,
			}
			m.clusters = append(m.clusters, cl)
			m.totalAssigned++
			return Assignment{ClusterID: cl.ClusterID, Similarity: 1, IsExemplar: true}, nil
		}

		// Force-assign to the best cluster found so far.
		cl := m.clusters[bestIdx]
		m.updateCentroid(cl, v)
		m.totalAssigned++
		m.forcedAssignments++
		return Assignment{ClusterID: cl.ClusterID, Similarity: bestSim, Forced: true}, nil
	}

	cl := m.clusters[bestIdx]
	m.updateCentroid(cl, v)
	m.totalAssigned++
	return Assignment{ClusterID: cl.ClusterID, Similarity: bestSim}, nil
}

// updateCentroid applies the configured centroid update rule. fixed_leader
// leaves the centroid as the exemplar vector; incremental_mean folds v into
// a running mean.
func (m *Model) updateCentroid(cl *Cluster, v []float64) {
	cl.MemberCount++
	switch m.updateRule {
	case config.CentroidFixedLeader:
		// Centroid stays the exemplar vector; only counts change.
	case config.CentroidIncrementalMean:
		n := float64(cl.MemberCount)
		for i := range cl.Centroid {
			cl.Centroid[i] = ((n-1)*cl.Centroid[i] + v[i]) / n
		}
		cl.Norm = floats.Norm(cl.Centroid, 2)
	}
}

// ExcludeTrial records a trial that was never offered to the clusterer
// (e.g. the embedding call was skipped).
func (m *Model) ExcludeTrial() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalExcluded++
}

// Snapshot returns the current cluster distribution (member counts, in
// cluster-id order) and run totals, for the clusters.state event and the
// novelty monitor's distribution comparisons.
func (m *Model) Snapshot() (distribution []int, totalAssigned, totalExcluded, forcedAssignments int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dist := make([]int, len(m.clusters))
	for i, cl := range m.clusters {
		dist[i] = cl.MemberCount
	}
	return dist, m.totalAssigned, m.totalExcluded, m.forcedAssignments
}

// ClusterCount returns the number of discovered clusters.
func (m *Model) ClusterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clusters)
}

func cosineSimilarity(a []float64, normA float64, b []float64, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	return clamp(floats.Dot(a, b) / (normA * normB))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// clamp guards against floating-point drift pushing a cosine similarity
// fractionally outside [-1, 1].
func clamp(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
