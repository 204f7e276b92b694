package plan

import (
	"testing"

	"github.com/darylkang/arbiter/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEmbeddingModel(m config.Measurement) config.Measurement {
	m.EmbeddingModelSlug = "text-embedding-test"
	return m
}

func baseConfig() *config.Resolved {
	return &config.Resolved{
		QuestionText: "q",
		QuestionID:   "q-1",
		Sampling: config.Sampling{
			Models:    []config.WeightedEntry{{ID: "model-a", Weight: 1}, {ID: "model-b", Weight: 2}},
			Personas:  []config.WeightedEntry{{ID: "persona-a", Weight: 1}, {ID: "persona-b", Weight: 1}, {ID: "persona-c", Weight: 1}},
			Protocols: []config.WeightedEntry{{ID: "independent", Weight: 1}},
			Temperature: &config.Range{Min: 0, Max: 1},
			MaxTokens:   &config.Range{Min: 100, Max: 200},
		},
		Protocol: config.Protocol{
			Kind:     config.ProtocolIndependent,
			Timeouts: config.Timeouts{PerCallTimeoutMS: 30000},
		},
		Execution:   config.DefaultExecution(),
		Measurement: withEmbeddingModel(config.DefaultMeasurement()),
		Run:         config.Run{RunID: "run-1", Seed: "seed-xyz"},
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	cfg := baseConfig()
	cfg.Execution.KMax = 10

	p1, err := Build(cfg)
	require.NoError(t, err)
	p2, err := Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, p1.PlanSHA256, p2.PlanSHA256)
	assert.Equal(t, p1.Entries, p2.Entries)
}

func TestBuildDifferentSeedsDiverge(t *testing.T) {
	cfg1 := baseConfig()
	cfg1.Execution.KMax = 10
	cfg2 := baseConfig()
	cfg2.Execution.KMax = 10
	cfg2.Run.Seed = "different-seed"

	p1, err := Build(cfg1)
	require.NoError(t, err)
	p2, err := Build(cfg2)
	require.NoError(t, err)

	assert.NotEqual(t, p1.PlanSHA256, p2.PlanSHA256)
}

func TestBuildProducesDenseTrialIDs(t *testing.T) {
	cfg := baseConfig()
	cfg.Execution.KMax = 5

	p, err := Build(cfg)
	require.NoError(t, err)
	require.Len(t, p.Entries, 5)
	for i, e := range p.Entries {
		assert.Equal(t, uint32(i), e.TrialID)
	}
}

func TestBuildKMaxZeroProducesEmptyPlan(t *testing.T) {
	cfg := baseConfig()
	cfg.Execution.KMax = 0

	p, err := Build(cfg)
	require.NoError(t, err)
	assert.Empty(t, p.Entries)
	assert.NotEmpty(t, p.PlanSHA256)
}

func TestBuildDebateV1AssignsDistinctRoles(t *testing.T) {
	cfg := baseConfig()
	cfg.Execution.KMax = 8
	cfg.Protocol = config.Protocol{
		Kind:         config.ProtocolDebateV1,
		Participants: 2,
		Rounds:       2,
		Timeouts:     config.Timeouts{PerCallTimeoutMS: 30000},
	}

	p, err := Build(cfg)
	require.NoError(t, err)
	for _, e := range p.Entries {
		require.NotNil(t, e.RoleAssignments)
		assert.NotEqual(t, e.RoleAssignments.Proposer, e.RoleAssignments.Critic)
	}
}

func TestBuildDebateV1PersonaDrawRespectsWeights(t *testing.T) {
	cfg := baseConfig()
	cfg.Execution.KMax = 400
	cfg.Sampling.Personas = []config.WeightedEntry{
		{ID: "persona-heavy", Weight: 97},
		{ID: "persona-light-a", Weight: 1},
		{ID: "persona-light-b", Weight: 1},
		{ID: "persona-light-c", Weight: 1},
	}
	cfg.Protocol = config.Protocol{
		Kind:         config.ProtocolDebateV1,
		Participants: 2,
		Rounds:       2,
		Timeouts:     config.Timeouts{PerCallTimeoutMS: 30000},
	}

	p, err := Build(cfg)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, e := range p.Entries {
		require.NotNil(t, e.RoleAssignments)
		assert.NotEqual(t, e.RoleAssignments.Proposer, e.RoleAssignments.Critic)
		counts[e.RoleAssignments.Proposer]++
		counts[e.RoleAssignments.Critic]++
	}

	// persona-heavy carries 97/100 of the weight, so it fills one of the two
	// role slots in nearly every one of the 400 trials (about 400 of 800
	// slots; roles are distinct, so never more), leaving the three light
	// personas about 133 slots each. It therefore leads every light persona
	// by more than 2x, which a uniform draw over distinct personas (about
	// 200 slots each) could never produce.
	for _, light := range []string{"persona-light-a", "persona-light-b", "persona-light-c"} {
		assert.Greater(t, counts["persona-heavy"], counts[light]*2,
			"expected heavy-weighted persona to be drawn far more often than %s", light)
	}
}

func TestBuildDecodeParamsWithinRange(t *testing.T) {
	cfg := baseConfig()
	cfg.Execution.KMax = 20

	p, err := Build(cfg)
	require.NoError(t, err)
	for _, e := range p.Entries {
		require.NotNil(t, e.AssignedConfig.Decode.Temperature)
		temp := *e.AssignedConfig.Decode.Temperature
		assert.GreaterOrEqual(t, temp, 0.0)
		assert.Less(t, temp, 1.0+1e-9)

		require.NotNil(t, e.AssignedConfig.Decode.MaxTokens)
		tok := *e.AssignedConfig.Decode.MaxTokens
		assert.GreaterOrEqual(t, tok, 100)
		assert.LessOrEqual(t, tok, 200)
	}
}
