// Package plan expands a resolved run configuration into the deterministic,
// seed-derived trial plan.
package plan

import (
	"fmt"
	"sort"

	"github.com/darylkang/arbiter/pkg/canon"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/rng"
)

// DecodeParams are the sampled decode parameters for a single trial.
type DecodeParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Seed        uint32   `json:"seed"`
}

// AssignedConfig is the participant configuration drawn for a trial.
type AssignedConfig struct {
	Model      string       `json:"model"`
	PersonaID  string       `json:"persona_id"`
	ProtocolID string       `json:"protocol_id"`
	Decode     DecodeParams `json:"decode"`
}

// RoleAssignments names the debate_v1 turn roles by persona id.
type RoleAssignments struct {
	Proposer string `json:"proposer"`
	Critic   string `json:"critic"`
}

// Entry is one planned trial.
type Entry struct {
	TrialID        uint32            `json:"trial_id"`
	Protocol       config.ProtocolKind `json:"protocol"`
	AssignedConfig AssignedConfig    `json:"assigned_config"`
	RoleAssignments *RoleAssignments `json:"role_assignments,omitempty"`
}

// Plan is the ordered trial sequence plus its content hash.
type Plan struct {
	Entries    []Entry `json:"entries"`
	PlanSHA256 string  `json:"plan_sha256"`
}

// Build expands cfg into an ordered trial plan. The plan is a pure function
// of (cfg, cfg.Run.Seed): replaying Build with identical inputs produces a
// byte-identical plan.
func Build(cfg *config.Resolved) (*Plan, error) {
	if cfg == nil {
		return nil, fmt.Errorf("plan: resolved config is nil")
	}

	entries := make([]Entry, 0, cfg.Execution.KMax)
	for trialID := uint32(0); trialID < uint32(cfg.Execution.KMax); trialID++ {
		entry, err := buildEntry(cfg, trialID)
		if err != nil {
			return nil, fmt.Errorf("plan: trial %d: %w", trialID, err)
		}
		entries = append(entries, entry)
	}

	hash, err := canon.SHA256(entries)
	if err != nil {
		return nil, fmt.Errorf("plan: hashing plan: %w", err)
	}

	return &Plan{Entries: entries, PlanSHA256: hash}, nil
}

func buildEntry(cfg *config.Resolved, trialID uint32) (Entry, error) {
	planStream := rng.NewStream(cfg.Run.Seed, rng.StreamPlan, trialID)

	models := sortedByID(cfg.Sampling.Models)
	personas := sortedByID(cfg.Sampling.Personas)
	protocols := sortedByID(cfg.Sampling.Protocols)

	modelIdx := planStream.WeightedIndex(weights(models))
	protocolIdx := planStream.WeightedIndex(weights(protocols))

	var personaID string
	var roles *RoleAssignments
	protocolKind := cfg.Protocol.Kind

	if protocolKind == config.ProtocolDebateV1 {
		n := cfg.Protocol.Participants
		if n > len(personas) {
			return Entry{}, fmt.Errorf("participants=%d exceeds personas=%d", n, len(personas))
		}
		chosen := planStream.WeightedSampleWithoutReplacement(weights(personas), n)
		personaID = personas[chosen[0]].ID
		roles = &RoleAssignments{
			Proposer: personas[chosen[0]].ID,
			Critic:   personas[chosen[1%len(chosen)]].ID,
		}
	} else {
		personaIdx := planStream.WeightedIndex(weights(personas))
		personaID = personas[personaIdx].ID
	}

	decodeStream := rng.NewStream(cfg.Run.Seed, rng.StreamDecode, trialID)
	decode := DecodeParams{Seed: trialID}

	if r := cfg.Sampling.Temperature; r != nil {
		v := decodeStream.FloatRange(r.Min, r.Max)
		decode.Temperature = &v
	}
	if r := cfg.Sampling.TopP; r != nil {
		v := decodeStream.FloatRange(r.Min, r.Max)
		decode.TopP = &v
	}
	if r := cfg.Sampling.MaxTokens; r != nil {
		v := decodeStream.IntRange(int(r.Min), int(r.Max))
		decode.MaxTokens = &v
	}

	return Entry{
		TrialID:  trialID,
		Protocol: protocolKind,
		AssignedConfig: AssignedConfig{
			Model:      models[modelIdx].ID,
			PersonaID:  personaID,
			ProtocolID: protocols[protocolIdx].ID,
			Decode:     decode,
		},
		RoleAssignments: roles,
	}, nil
}

// sortedByID returns a copy of entries sorted ascending by ID, so weighted
// draws have a stable index space independent of config file ordering.
func sortedByID(entries []config.WeightedEntry) []config.WeightedEntry {
	sorted := make([]config.WeightedEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

func weights(entries []config.WeightedEntry) []float64 {
	w := make([]float64, len(entries))
	for i, e := range entries {
		w[i] = e.Weight
	}
	return w
}
