// Package config defines the resolved run configuration — the immutable
// input to the planner and orchestrator — and its validation. Loading and
// merging configuration from JSON-schema-backed source files is outside the
// core's scope; this package only models and validates the
// already-resolved shape.
package config

// StopMode controls how the novelty monitor's convergence signal affects
// the orchestrator.
type StopMode string

// Stop mode values.
const (
	StopModeAdvisor  StopMode = "advisor"
	StopModeEnforcer StopMode = "enforcer"
	StopModeDisabled StopMode = "disabled"
)

// IsValid reports whether m is a recognized stop mode.
func (m StopMode) IsValid() bool {
	switch m {
	case StopModeAdvisor, StopModeEnforcer, StopModeDisabled:
		return true
	default:
		return false
	}
}

// KMinCountRule selects which trial count k_min is compared against.
type KMinCountRule string

// k_min count rule values.
const (
	KMinCountRuleEligible  KMinCountRule = "k_eligible"
	KMinCountRuleAttempted KMinCountRule = "k_attempted"
)

// IsValid reports whether r is a recognized rule.
func (r KMinCountRule) IsValid() bool {
	return r == KMinCountRuleEligible || r == KMinCountRuleAttempted
}

// ProtocolKind distinguishes single-turn from multi-turn debate protocols.
type ProtocolKind string

// Protocol kind values.
const (
	ProtocolIndependent ProtocolKind = "independent"
	ProtocolDebateV1    ProtocolKind = "debate_v1"
)

// IsValid reports whether k is a recognized protocol kind.
func (k ProtocolKind) IsValid() bool {
	return k == ProtocolIndependent || k == ProtocolDebateV1
}

// EmbedTextStrategy selects which parsed field feeds the embedding call.
type EmbedTextStrategy string

// Embed-text strategy values.
const (
	EmbedTextOutcomeOnly  EmbedTextStrategy = "outcome_only"
	EmbedTextOutcomeOrRaw EmbedTextStrategy = "outcome_or_raw"
)

// IsValid reports whether s is a recognized strategy.
func (s EmbedTextStrategy) IsValid() bool {
	return s == EmbedTextOutcomeOnly || s == EmbedTextOutcomeOrRaw
}

// CentroidUpdateRule selects how a cluster's centroid evolves on assignment.
type CentroidUpdateRule string

// Centroid update rule values.
const (
	CentroidFixedLeader    CentroidUpdateRule = "fixed_leader"
	CentroidIncrementalMean CentroidUpdateRule = "incremental_mean"
)

// IsValid reports whether r is a recognized rule.
func (r CentroidUpdateRule) IsValid() bool {
	return r == CentroidFixedLeader || r == CentroidIncrementalMean
}

// ContractFailurePolicy controls the run's reaction to parse failures when
// a decision contract is configured.
type ContractFailurePolicy string

// Contract-failure policy values.
const (
	ContractFailureWarn    ContractFailurePolicy = "warn"
	ContractFailureExclude ContractFailurePolicy = "exclude"
	ContractFailureFail    ContractFailurePolicy = "fail"
)

// IsValid reports whether p is a recognized policy.
func (p ContractFailurePolicy) IsValid() bool {
	switch p {
	case ContractFailureWarn, ContractFailureExclude, ContractFailureFail:
		return true
	default:
		return false
	}
}

// WeightedEntry is one entry in a weighted sampling list: models, personas,
// and protocols are all drawn this way.
type WeightedEntry struct {
	ID     string  `json:"id" validate:"required"`
	Weight float64 `json:"weight" validate:"gt=0"`
}

// Range is an inclusive [Min, Max] bound for a decode parameter. A nil
// Range means the parameter is not sampled for this run.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Sampling declares the weighted lists and decode-parameter ranges the
// planner draws from for every trial.
type Sampling struct {
	Models      []WeightedEntry `json:"models" validate:"required,min=1,dive"`
	Personas    []WeightedEntry `json:"personas" validate:"required,min=1,dive"`
	Protocols   []WeightedEntry `json:"protocols" validate:"required,min=1,dive"`
	Instruments []string        `json:"instruments,omitempty"`

	Temperature *Range `json:"temperature,omitempty"`
	TopP        *Range `json:"top_p,omitempty"`
	MaxTokens   *Range `json:"max_tokens,omitempty"`
}

// DecisionContract, when set, asks the model to respond with structured
// JSON matching Schema and drives parsing/embed-text selection.
type DecisionContract struct {
	ID               string                 `json:"id" validate:"required"`
	SHA256           string                 `json:"sha256" validate:"required,len=64,hexadecimal"`
	Schema           map[string]interface{} `json:"schema" validate:"required"`
	EmbedTextSource  string                 `json:"embed_text_source,omitempty"`
	RationaleMaxChars int                   `json:"rationale_max_chars,omitempty"`
}

// Timeouts bounds per-call network waits.
type Timeouts struct {
	PerCallTimeoutMS int `json:"per_call_timeout_ms" validate:"gt=0"`
}

// Protocol declares the conversational shape of a trial.
type Protocol struct {
	Kind        ProtocolKind `json:"kind" validate:"required"`
	Participants int         `json:"participants,omitempty" validate:"omitempty,min=2"`
	Rounds       int         `json:"rounds,omitempty" validate:"omitempty,min=1"`
	Contract     *DecisionContract `json:"decision_contract,omitempty"`
	Timeouts     Timeouts     `json:"timeouts"`
}

// RetryPolicy controls the live executor's retry/backoff behavior for
// transient upstream errors.
type RetryPolicy struct {
	MaxRetries int `json:"max_retries" validate:"gte=0"`
	BackoffMS  int `json:"backoff_ms" validate:"gte=0"`
	Exponential bool `json:"exponential"`
}

// Execution bounds the run's scale and concurrency.
type Execution struct {
	KMax          int           `json:"k_max" validate:"gte=0"`
	BatchSize     int           `json:"batch_size" validate:"gt=0"`
	Workers       int           `json:"workers" validate:"gt=0"`
	KMin          int           `json:"k_min" validate:"gte=0"`
	KMinCountRule KMinCountRule `json:"k_min_count_rule"`
	StopMode      StopMode      `json:"stop_mode"`
	StopPolicy    StopPolicy    `json:"stop_policy"`
	RetryPolicy   RetryPolicy   `json:"retry_policy"`
}

// StopPolicy parameterizes the novelty monitor's convergence thresholds.
type StopPolicy struct {
	NoveltyEpsilon      float64 `json:"novelty_epsilon" validate:"gte=0"`
	SimilarityThreshold float64 `json:"similarity_threshold" validate:"gte=0,lte=1"`
	Patience            int     `json:"patience" validate:"gte=1"`
}

// Clustering configures the online leader clustering model.
type Clustering struct {
	Enabled            bool               `json:"enabled"`
	Tau                float64            `json:"tau" validate:"gte=0,lte=1"`
	CentroidUpdateRule CentroidUpdateRule `json:"centroid_update_rule"`
	ClusterLimit       int                `json:"cluster_limit" validate:"gte=1"`
	StopMode           StopMode           `json:"stop_mode"`
}

// Measurement configures embedding generation.
type Measurement struct {
	EmbeddingModelSlug   string            `json:"embedding_model_slug" validate:"required"`
	EmbedTextStrategy    EmbedTextStrategy `json:"embed_text_strategy"`
	EmbeddingMaxChars    int               `json:"embedding_max_chars" validate:"gt=0"`
	Clustering           Clustering        `json:"clustering"`
	ContractFailurePolicy ContractFailurePolicy `json:"contract_failure_policy"`
}

// Run carries run identity.
type Run struct {
	RunID string `json:"run_id" validate:"required"`
	Seed  string `json:"seed" validate:"required"`
}

// Resolved is the fully-resolved, immutable run configuration — the
// planner and orchestrator's sole input.
type Resolved struct {
	QuestionText string      `json:"question_text" validate:"required"`
	QuestionID   string      `json:"question_id" validate:"required"`
	Sampling     Sampling    `json:"sampling"`
	Protocol     Protocol    `json:"protocol"`
	Execution    Execution   `json:"execution"`
	Measurement  Measurement `json:"measurement"`
	Run          Run         `json:"run"`
}
