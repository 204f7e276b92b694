package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// structValidator is the shared go-playground/validator instance used for
// field-level tag validation before the domain-specific checks run.
var structValidator = validator.New()

// Validator validates a resolved run configuration comprehensively, in
// dependency order, failing fast on the first violation — sampling before
// protocol before execution before measurement.
type Validator struct {
	cfg *Resolved
}

// NewValidator creates a validator for the given resolved configuration.
func NewValidator(cfg *Resolved) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation: struct tags first, then
// sampling, protocol, execution, measurement, in that order, since each
// later section's checks assume the earlier ones already hold.
func (v *Validator) ValidateAll() error {
	if v.cfg == nil {
		return fmt.Errorf("config validation failed: resolved config is nil")
	}

	if err := structValidator.Struct(v.cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := v.validateSampling(); err != nil {
		return fmt.Errorf("sampling validation failed: %w", err)
	}
	if err := v.validateProtocol(); err != nil {
		return fmt.Errorf("protocol validation failed: %w", err)
	}
	if err := v.validateExecution(); err != nil {
		return fmt.Errorf("execution validation failed: %w", err)
	}
	if err := v.validateMeasurement(); err != nil {
		return fmt.Errorf("measurement validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateSampling() error {
	s := v.cfg.Sampling
	if r := s.Temperature; r != nil && r.Min > r.Max {
		return fmt.Errorf("temperature range min=%v must be <= max=%v", r.Min, r.Max)
	}
	if r := s.TopP; r != nil && r.Min > r.Max {
		return fmt.Errorf("top_p range min=%v must be <= max=%v", r.Min, r.Max)
	}
	if r := s.MaxTokens; r != nil && r.Min > r.Max {
		return fmt.Errorf("max_tokens range min=%v must be <= max=%v", r.Min, r.Max)
	}
	return nil
}

func (v *Validator) validateProtocol() error {
	p := v.cfg.Protocol
	if !p.Kind.IsValid() {
		return fmt.Errorf("unknown protocol kind %q", p.Kind)
	}
	if p.Kind == ProtocolDebateV1 {
		if p.Participants < 2 {
			return fmt.Errorf("debate_v1 requires participants >= 2, got %d", p.Participants)
		}
		if p.Participants > len(v.cfg.Sampling.Personas) {
			return fmt.Errorf("debate_v1 participants=%d exceeds available personas=%d",
				p.Participants, len(v.cfg.Sampling.Personas))
		}
		if p.Rounds < 1 {
			return fmt.Errorf("debate_v1 requires rounds >= 1, got %d", p.Rounds)
		}
	}
	if c := p.Contract; c != nil {
		if len(c.Schema) == 0 {
			return fmt.Errorf("decision contract %q has an empty schema", c.ID)
		}
	}
	return nil
}

func (v *Validator) validateExecution() error {
	e := v.cfg.Execution
	if !e.KMinCountRule.IsValid() {
		return fmt.Errorf("unknown k_min_count_rule %q", e.KMinCountRule)
	}
	if !e.StopMode.IsValid() {
		return fmt.Errorf("unknown stop_mode %q", e.StopMode)
	}
	if e.KMin > e.KMax && e.KMax > 0 {
		return fmt.Errorf("k_min=%d must be <= k_max=%d", e.KMin, e.KMax)
	}
	if e.StopPolicy.Patience < 1 {
		return fmt.Errorf("stop_policy.patience must be >= 1, got %d", e.StopPolicy.Patience)
	}
	return nil
}

func (v *Validator) validateMeasurement() error {
	m := v.cfg.Measurement
	if !m.EmbedTextStrategy.IsValid() && m.EmbedTextStrategy != "" {
		return fmt.Errorf("unknown embed_text_strategy %q", m.EmbedTextStrategy)
	}
	if !m.ContractFailurePolicy.IsValid() {
		return fmt.Errorf("unknown contract_failure_policy %q", m.ContractFailurePolicy)
	}
	if m.Clustering.Enabled {
		if !m.Clustering.CentroidUpdateRule.IsValid() {
			return fmt.Errorf("unknown centroid_update_rule %q", m.Clustering.CentroidUpdateRule)
		}
		if !m.Clustering.StopMode.IsValid() {
			return fmt.Errorf("unknown clustering stop_mode %q", m.Clustering.StopMode)
		}
	}
	return nil
}
