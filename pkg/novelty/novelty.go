// Package novelty implements the novelty monitor: it owns the clustering
// model and the convergence stop state machine driven by each batch's
// embedding results. Jensen-Shannon divergence and mean
// similarity use gonum.org/v1/gonum/stat, the same numerical dependency
// pkg/cluster draws on.
package novelty

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/darylkang/arbiter/pkg/cluster"
	"github.com/darylkang/arbiter/pkg/config"
)

type bufferedEmbedding struct {
	trialID uint32
	success bool
	vector  []float32
}

// AssignmentRecord is one trial's clustering outcome within a drained batch.
type AssignmentRecord struct {
	TrialID    uint32
	ClusterID  int
	Similarity float64
	IsExemplar bool
	Forced     bool
}

// BatchResult is the convergence record for one drained batch.
type BatchResult struct {
	BatchNumber         int
	KAttempted          int
	KEligible           int
	NoveltyRate         *float64
	MeanMaxSim          *float64
	ClusterCount        int
	ClusterDistribution []int
	JSDivergence        *float64
	LowNoveltyStreak    uint32
	MeetsThresholds     bool
	WouldStop           bool
	ShouldStop          bool
	Assignments         []AssignmentRecord
}

// Monitor owns the clustering model and convergence state. It never
// throws: assignment failures surface through onWarning instead of an
// error return, so a bad embedding never aborts a run.
type Monitor struct {
	mu sync.Mutex

	model         *cluster.Model
	stopMode      config.StopMode
	policy        config.StopPolicy
	kMinCountRule config.KMinCountRule
	kMin          int
	onWarning     func(message string, ctx map[string]interface{})

	buffer []bufferedEmbedding

	lowNoveltyStreak uint32
	prevDistribution []float64
	kAttemptedTotal  int
	kEligibleTotal   int
	lastShouldStop   bool
}

// New creates a novelty monitor wrapping model.
func New(model *cluster.Model, stopMode config.StopMode, policy config.StopPolicy, kMinCountRule config.KMinCountRule, kMin int, onWarning func(message string, ctx map[string]interface{})) *Monitor {
	return &Monitor{
		model:         model,
		stopMode:      stopMode,
		policy:        policy,
		kMinCountRule: kMinCountRule,
		kMin:          kMin,
		onWarning:     onWarning,
	}
}

// BufferSuccess records a successfully embedded trial, pending the next
// drain.
func (m *Monitor) BufferSuccess(trialID uint32, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, bufferedEmbedding{trialID: trialID, success: true, vector: vector})
}

// BufferSkipped records a trial whose embedding was skipped (contract
// exclusion, empty text, or trial failure) — it still counts toward
// k_attempted but never k_eligible.
func (m *Monitor) BufferSkipped(trialID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, bufferedEmbedding{trialID: trialID, success: false})
}

// DrainBatch drains the buffer sorted by trial_id, assigns each successful
// embedding via the cluster model, and computes the batch's convergence
// metrics and stop state.
func (m *Monitor) DrainBatch(batchNumber int) BatchResult {
	m.mu.Lock()
	buf := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	sort.Slice(buf, func(i, j int) bool { return buf[i].trialID < buf[j].trialID })

	var assignments []AssignmentRecord
	var sims []float64
	kAttempted := len(buf)
	kEligible := 0
	newClusters := 0

	for _, e := range buf {
		if !e.success {
			m.model.ExcludeTrial()
			continue
		}
		kEligible++

		a, err := m.model.Assign(e.trialID, e.vector, batchNumber)
		if err != nil {
			if m.onWarning != nil {
				m.onWarning("cluster assignment failed", map[string]interface{}{
					"trial_id": e.trialID, "error": err.Error(),
				})
			}
			continue
		}

		assignments = append(assignments, AssignmentRecord{
			TrialID: e.trialID, ClusterID: a.ClusterID,
			Similarity: a.Similarity, IsExemplar: a.IsExemplar, Forced: a.Forced,
		})
		if a.IsExemplar {
			newClusters++
		} else {
			sims = append(sims, a.Similarity)
		}
	}

	m.mu.Lock()
	m.kAttemptedTotal += kAttempted
	m.kEligibleTotal += kEligible
	m.mu.Unlock()

	dist, _, _, _ := m.model.Snapshot()

	var noveltyRate, meanMaxSim *float64
	if kEligible > 0 {
		nr := float64(newClusters) / float64(kEligible)
		noveltyRate = &nr
	}
	if len(sims) > 0 {
		mm := stat.Mean(sims, nil)
		meanMaxSim = &mm
	}

	normalized := normalize(dist)
	var jsDiv *float64
	if m.prevDistribution != nil {
		d := jensenShannon(m.prevDistribution, normalized)
		jsDiv = &d
	}
	m.prevDistribution = normalized

	meetsThresholds := false
	if kEligible >= 1 && noveltyRate != nil && meanMaxSim != nil {
		kForRule := m.kEligibleTotal
		if m.kMinCountRule == config.KMinCountRuleAttempted {
			kForRule = m.kAttemptedTotal
		}
		meetsThresholds = kForRule >= m.kMin &&
			*noveltyRate <= m.policy.NoveltyEpsilon &&
			*meanMaxSim >= m.policy.SimilarityThreshold
	}

	if meetsThresholds {
		m.lowNoveltyStreak++
	} else {
		m.lowNoveltyStreak = 0
	}

	wouldStop := m.lowNoveltyStreak >= uint32(m.policy.Patience)
	shouldStop := wouldStop && m.stopMode == config.StopModeEnforcer

	m.mu.Lock()
	m.lastShouldStop = shouldStop
	m.mu.Unlock()

	return BatchResult{
		BatchNumber:         batchNumber,
		KAttempted:          kAttempted,
		KEligible:           kEligible,
		NoveltyRate:         noveltyRate,
		MeanMaxSim:          meanMaxSim,
		ClusterCount:        len(dist),
		ClusterDistribution: dist,
		JSDivergence:        jsDiv,
		LowNoveltyStreak:    m.lowNoveltyStreak,
		MeetsThresholds:     meetsThresholds,
		WouldStop:           wouldStop,
		ShouldStop:          shouldStop,
		Assignments:         assignments,
	}
}

// GetShouldStop is the probe the run orchestrator consults between batches
// — it returns the should_stop computed by the most
// recent DrainBatch without re-running any clustering.
func (m *Monitor) GetShouldStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastShouldStop
}

func normalize(counts []int) []float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	out := make([]float64, len(counts))
	if total == 0 {
		return out
	}
	for i, c := range counts {
		out[i] = float64(c) / float64(total)
	}
	return out
}

// jensenShannon computes the Jensen-Shannon divergence between two
// (possibly differently-sized, since new clusters may have appeared since
// the previous batch) normalized distributions, padding the shorter one
// with zeros.
func jensenShannon(p, q []float64) float64 {
	n := len(p)
	if len(q) > n {
		n = len(q)
	}
	pp := padTo(p, n)
	qq := padTo(q, n)
	mid := make([]float64, n)
	for i := range mid {
		mid[i] = 0.5 * (pp[i] + qq[i])
	}
	return 0.5*stat.KullbackLeibler(pp, mid) + 0.5*stat.KullbackLeibler(qq, mid)
}

func padTo(v []float64, n int) []float64 {
	if len(v) == n {
		return v
	}
	out := make([]float64, n)
	copy(out, v)
	return out
}
