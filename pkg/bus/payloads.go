package bus

// Payload types are plain structs, one per event kind, carried in
// Event.Payload and type-asserted by subscribers on dispatch.

// RunStartedPayload accompanies KindRunStarted.
type RunStartedPayload struct {
	RunID          string
	PlanSHA256     string
	ConfigSHA256   string
	CatalogSHA256  string
	PromptManifestSHA256 string
	KPlanned       int
	Debug          bool
	ResolvedConfig interface{}
}

// RunCompletedPayload accompanies KindRunCompleted.
type RunCompletedPayload struct {
	RunID      string
	StopReason string
	Incomplete bool
}

// RunFailedPayload accompanies KindRunFailed.
type RunFailedPayload struct {
	RunID     string
	Message   string
	ErrorCode string
}

// BatchStartedPayload accompanies KindBatchStarted.
type BatchStartedPayload struct {
	BatchNumber int
	TrialIDs    []uint32
}

// BatchCompletedPayload accompanies KindBatchCompleted.
type BatchCompletedPayload struct {
	BatchNumber       int
	ElapsedMS         int64
	CompletedTrialIDs []uint32
}

// WorkerStatusPayload accompanies KindWorkerStatus.
type WorkerStatusPayload struct {
	WorkerID int
	Status   string // "busy" or "idle"
}

// TrialPlannedPayload accompanies KindTrialPlanned.
type TrialPlannedPayload struct {
	TrialID    uint32
	Model      string
	PersonaID  string
	ProtocolID string
}

// TrialCompletedPayload accompanies KindTrialCompleted.
type TrialCompletedPayload struct {
	TrialID         uint32
	Status          string // success, error, timeout_exhausted, model_unavailable
	ElapsedMS       int64
	RequestedModel  string
	ActualModel     string
	PromptTokens    int
	CompletionTokens int
	TotalTokens     int
	CostUSD         *float64
}

// ParsedOutputPayload accompanies KindParsedOutput.
type ParsedOutputPayload struct {
	TrialID            uint32      `json:"trial_id"`
	ParseStatus        string      `json:"parse_status"` // success, fallback, failed
	ExtractionMethod   string      `json:"extraction_method"` // fenced, unfenced, raw
	Decision           interface{} `json:"outcome,omitempty"`
	Rationale          string      `json:"rationale,omitempty"`
	Confidence         *float64    `json:"confidence,omitempty"`
	EmbedTextSource    string      `json:"embed_text_source,omitempty"`
	EmbedText          string      `json:"embed_text,omitempty"`
	RationaleTruncated bool        `json:"rationale_truncated,omitempty"`
	ParserVersion      string      `json:"parser_version"`
	ParseError         string      `json:"parse_error,omitempty"`
	RawContent         string      `json:"raw_content,omitempty"`
}

// EmbeddingRecordedPayload accompanies KindEmbeddingRecorded.
type EmbeddingRecordedPayload struct {
	TrialID                uint32  `json:"trial_id"`
	Status                 string  `json:"embedding_status"` // success, skipped
	SkipReason             string  `json:"skip_reason,omitempty"` // contract_parse_excluded, empty_embed_text, trial_not_success, embedding_call_failed
	Dimensions             int     `json:"dimensions,omitempty"`
	VectorBase64           string  `json:"vector_b64,omitempty"`
	EmbedTextSHA256        string  `json:"embed_text_sha256,omitempty"`
	EmbedTextTruncated     bool    `json:"embed_text_truncated"`
	EmbedTextOriginalChars int     `json:"embed_text_original_chars"`
	EmbedTextFinalChars    int     `json:"embed_text_final_chars"`
	TruncationReason       string  `json:"truncation_reason,omitempty"`
	Dtype                  string  `json:"dtype"`
	Encoding               string  `json:"encoding"`
	GenerationID           string  `json:"generation_id,omitempty"`
	ActualModel            string  `json:"actual_model,omitempty"`
	Conflicting            bool    `json:"conflicting,omitempty"`
}

// EmbeddingsFinalizedPayload accompanies KindEmbeddingsFinalized.
type EmbeddingsFinalizedPayload struct {
	Status            string // arrow_generated, jsonl_fallback, not_generated
	PrimaryFormat     string // arrow, jsonl
	RequestedModel    string
	ActualModel       string
	GenerationIDs     []string
	Normalization     string
	Dimensions        int
	RecordCount       int
	SkippedCount      int
	DebugJSONLPresent bool
	Error             string
}

// ClusterAssignedPayload accompanies KindClusterAssigned.
type ClusterAssignedPayload struct {
	TrialID     uint32
	ClusterID   int
	Similarity  float64
	IsExemplar  bool
	Forced      bool
	BatchNumber int
}

// ClustersStatePayload accompanies KindClustersState.
type ClustersStatePayload struct {
	ClusterCount      int
	TotalAssigned     int
	TotalExcluded     int
	ForcedAssignments int
}

// StopState is the convergence record's nested stop-policy evaluation:
// the configured stop mode and what it would/does decide this batch.
type StopState struct {
	Mode       string `json:"mode"`
	WouldStop  bool   `json:"would_stop"`
	ShouldStop bool   `json:"should_stop"`
}

// ConvergenceRecordPayload accompanies KindConvergenceRecord.
type ConvergenceRecordPayload struct {
	BatchNumber      int       `json:"batch_number"`
	KAttempted       int       `json:"k_attempted"`
	KEligible        int       `json:"k_eligible"`
	NoveltyRate      *float64  `json:"novelty_rate,omitempty"`
	MeanMaxSim       *float64  `json:"mean_max_sim_to_prior,omitempty"`
	ClusterCount     *int      `json:"cluster_count,omitempty"`
	ClusterDist      []int     `json:"cluster_distribution,omitempty"`
	JSDivergence     *float64  `json:"js_divergence,omitempty"`
	MeetsThresholds  bool      `json:"meets_thresholds"`
	LowNoveltyStreak int       `json:"low_novelty_streak"`
	Stop             StopState `json:"stop"`
}

// ArtifactWrittenPayload accompanies KindArtifactWritten.
type ArtifactWrittenPayload struct {
	Path string
	Kind string // jsonl, json, arrow
}

// WarningRaisedPayload accompanies KindWarningRaised.
type WarningRaisedPayload struct {
	Message string
	Context map[string]interface{}
}
