package artifact

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/config"
)

// SchemaVersion and ArbiterVersion are stamped into every manifest, so a
// downstream reader (report/verify) can tell which artifact shape it's
// looking at without inspecting field presence.
const (
	SchemaVersion  = "1"
	ArbiterVersion = "0.1.0"
)

// UsageTotals accumulates token (and optional cost) usage.
type UsageTotals struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	CostUSD          *float64 `json:"cost_usd,omitempty"`
}

func (u *UsageTotals) add(prompt, completion, total int, cost *float64) {
	u.PromptTokens += prompt
	u.CompletionTokens += completion
	u.TotalTokens += total
	if cost != nil {
		if u.CostUSD == nil {
			v := 0.0
			u.CostUSD = &v
		}
		*u.CostUSD += *cost
	}
}

// ArtifactEntry is one file the manifest records. Per-file content hashing
// is not part of the manifest's hash set: the four named content hashes
// (config, plan, catalog, prompt manifest) are run-level digests, not a
// hash per artifact entry, so entries carry only path and kind.
type ArtifactEntry struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// StopPolicySnapshot carries the run's convergence-stop configuration into
// the manifest, so stop_reason can be interpreted without cross-referencing
// config.source.json.
type StopPolicySnapshot struct {
	StopMode            string  `json:"stop_mode"`
	KMin                int     `json:"k_min"`
	KMinCountRule       string  `json:"k_min_count_rule"`
	NoveltyEpsilon      float64 `json:"novelty_epsilon"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	Patience            int     `json:"patience"`
	ClusteringEnabled   bool    `json:"clustering_enabled"`
}

// ContractFailurePolicySnapshot carries the run's contract-failure policy
// and the observed parse-failure counts that policy acted on.
type ContractFailurePolicySnapshot struct {
	Policy        string `json:"policy"`
	FallbackCount int    `json:"fallback_count"`
	FailedCount   int    `json:"failed_count"`
}

// Manifest is the run's final summary, written atomically on completion or
// failure. The four content
// hashes are computed upstream (by whatever resolves config and derives the
// plan) and simply carried through from run.started to this file.
type Manifest struct {
	SchemaVersion        string                         `json:"schema_version"`
	ArbiterVersion       string                         `json:"arbiter_version"`
	RunID                string                         `json:"run_id"`
	StartedAt            time.Time                      `json:"started_at"`
	CompletedAt          time.Time                      `json:"completed_at"`
	PlanSHA256           string                         `json:"plan_sha256"`
	ConfigSHA256         string                         `json:"config_sha256"`
	CatalogSHA256        string                         `json:"catalog_sha256"`
	PromptManifestSHA256 string                         `json:"prompt_manifest_sha256"`
	KPlanned             int                            `json:"k_planned"`
	KAttempted           int                            `json:"k_attempted"`
	KEligible            int                            `json:"k_eligible"`
	KCompleted           int                            `json:"k_completed"`
	StopReason           string                         `json:"stop_reason"`
	Incomplete           bool                           `json:"incomplete"`
	StopPolicy           StopPolicySnapshot             `json:"stop_policy"`
	Usage                UsageTotals                    `json:"usage"`
	UsageByModel         map[string]*UsageTotals        `json:"usage_by_model"`
	Artifacts            []ArtifactEntry                `json:"artifacts"`
	ContractFailurePolicy ContractFailurePolicySnapshot `json:"contract_failure_policy"`
	ContractFailureNote  string                         `json:"contract_failure_note,omitempty"`
	FailureMessage       string                         `json:"failure_message,omitempty"`
	FailureErrorCode     string                         `json:"failure_error_code,omitempty"`
}

// trialRecord accumulates one trial's three events (trial.completed,
// parsed.output, embedding.recorded) into the joined line trials.jsonl
// writes. The plan's own assigned_config/protocol fields live in
// trial_plan.jsonl, keyed by the same trial_id — callers join the two
// files rather than the writer duplicating plan data into every line.
// parsedSummary is the trial record's nested "parsed" object.
type parsedSummary struct {
	Status     string      `json:"status"`
	Decision   interface{} `json:"decision,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
	RawContent string      `json:"raw_content,omitempty"`
}

// embeddingSummary is the trial record's nested "embedding" object.
type embeddingSummary struct {
	Status       string `json:"status"`
	SkipReason   string `json:"skip_reason,omitempty"`
	Dimensions   int    `json:"dimensions,omitempty"`
	VectorBase64 string `json:"vector_b64,omitempty"`
	GenerationID string `json:"generation_id,omitempty"`
	ActualModel  string `json:"actual_model,omitempty"`
	Conflicting  bool   `json:"conflicting,omitempty"`
}

type trialRecord struct {
	TrialID        uint32            `json:"trial_id"`
	Status         string            `json:"status"`
	ElapsedMS      int64             `json:"elapsed_ms"`
	RequestedModel string            `json:"requested_model_slug"`
	ActualModel    string            `json:"actual_model,omitempty"`
	Usage          UsageTotals       `json:"usage"`
	Parsed         *parsedSummary    `json:"parsed,omitempty"`
	Embedding      *embeddingSummary `json:"embedding,omitempty"`
}

// Writer subscribes to the run's event bus and streams/atomically writes
// every artifact the run directory carries.
type Writer struct {
	dir                   string
	bus                   *bus.Bus
	contractFailurePolicy config.ContractFailurePolicy
	clusteringEnabled     bool

	planJSONL       *JSONLWriter
	trialsJSONL     *JSONLWriter
	monitoringJSONL *JSONLWriter
	embeddingsJSONL *JSONLWriter
	assignmentsJSONL *JSONLWriter

	unsubscribe []func()

	mu                   sync.Mutex
	pending              map[uint32]*trialRecord
	completedTrialIDs    []uint32
	manifest             Manifest
	eligibleCount        int
	parseFallbackCount   int
	parseFailedCount     int
	embeddingsFinalized  *bus.EmbeddingsFinalizedPayload
}

// New creates a Writer rooted at dir, opens its JSONL streams, and installs
// its bus subscriptions. Call Close to release the JSONL file handles
// after the final manifest write (see Close).
func New(dir string, b *bus.Bus, clusteringEnabled bool, contractFailurePolicy config.ContractFailurePolicy) (*Writer, error) {
	planJSONL, err := NewJSONLWriter(filepath.Join(dir, "trial_plan.jsonl"))
	if err != nil {
		return nil, err
	}
	trialsJSONL, err := NewJSONLWriter(filepath.Join(dir, "trials.jsonl"))
	if err != nil {
		return nil, err
	}
	monitoringJSONL, err := NewJSONLWriter(filepath.Join(dir, "monitoring.jsonl"))
	if err != nil {
		return nil, err
	}
	embeddingsJSONL, err := NewJSONLWriter(filepath.Join(dir, "debug", "embeddings.jsonl"))
	if err != nil {
		return nil, err
	}

	w := &Writer{
		dir: dir, bus: b, contractFailurePolicy: contractFailurePolicy, clusteringEnabled: clusteringEnabled,
		planJSONL: planJSONL, trialsJSONL: trialsJSONL, monitoringJSONL: monitoringJSONL, embeddingsJSONL: embeddingsJSONL,
		pending: map[uint32]*trialRecord{},
		manifest: Manifest{UsageByModel: map[string]*UsageTotals{}},
	}

	if clusteringEnabled {
		assignmentsJSONL, err := NewJSONLWriter(filepath.Join(dir, "groups", "assignments.jsonl"))
		if err != nil {
			return nil, err
		}
		w.assignmentsJSONL = assignmentsJSONL
	}

	w.install()
	return w, nil
}

func (w *Writer) install() {
	sub := func(kind bus.Kind, handle func(bus.Event) error) {
		w.unsubscribe = append(w.unsubscribe, w.bus.SubscribeSafe(kind, handle, w.onHandlerError))
	}
	sub(bus.KindRunStarted, w.onRunStarted)
	sub(bus.KindRunCompleted, w.onRunCompleted)
	sub(bus.KindRunFailed, w.onRunFailed)
	sub(bus.KindTrialPlanned, w.onTrialPlanned)
	sub(bus.KindTrialCompleted, w.onTrialCompleted)
	sub(bus.KindParsedOutput, w.onParsedOutput)
	sub(bus.KindEmbeddingRecorded, w.onEmbeddingRecorded)
	sub(bus.KindEmbeddingsFinalized, w.onEmbeddingsFinalized)
	sub(bus.KindConvergenceRecord, w.onConvergenceRecord)
	if w.clusteringEnabled {
		sub(bus.KindClusterAssigned, w.onClusterAssigned)
		sub(bus.KindClustersState, w.onClustersState)
	}
}

// onHandlerError runs from inside Publish's own sync-dispatch loop (it is
// SubscribeSafe's error callback), so it cannot call Publish directly —
// Publish's lock is not reentrant. Publishing the resulting warning.raised
// from a fresh goroutine breaks that recursion.
func (w *Writer) onHandlerError(e bus.Event, err error) {
	go w.bus.Publish(bus.KindWarningRaised, bus.WarningRaisedPayload{
		Message: fmt.Sprintf("artifact writer: handling %s: %v", e.Kind, err),
		Context: map[string]interface{}{"kind": string(e.Kind), "sequence": e.Sequence},
	})
}

func (w *Writer) onRunStarted(e bus.Event) error {
	p, ok := e.Payload.(bus.RunStartedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for run.started")
	}
	w.mu.Lock()
	w.manifest.SchemaVersion = SchemaVersion
	w.manifest.ArbiterVersion = ArbiterVersion
	w.manifest.RunID = p.RunID
	w.manifest.StartedAt = time.Now()
	w.manifest.PlanSHA256 = p.PlanSHA256
	w.manifest.ConfigSHA256 = p.ConfigSHA256
	w.manifest.CatalogSHA256 = p.CatalogSHA256
	w.manifest.PromptManifestSHA256 = p.PromptManifestSHA256
	w.manifest.KPlanned = p.KPlanned
	w.manifest.ContractFailurePolicy.Policy = string(w.contractFailurePolicy)
	if cfg, ok := p.ResolvedConfig.(*config.Resolved); ok {
		w.manifest.StopPolicy = StopPolicySnapshot{
			StopMode:            string(cfg.Execution.StopMode),
			KMin:                cfg.Execution.KMin,
			KMinCountRule:       string(cfg.Execution.KMinCountRule),
			NoveltyEpsilon:      cfg.Execution.StopPolicy.NoveltyEpsilon,
			SimilarityThreshold: cfg.Execution.StopPolicy.SimilarityThreshold,
			Patience:            cfg.Execution.StopPolicy.Patience,
			ClusteringEnabled:   cfg.Measurement.Clustering.Enabled,
		}
	}
	w.mu.Unlock()

	if err := WriteJSONAtomic(filepath.Join(w.dir, "config.resolved.json"), p.ResolvedConfig); err != nil {
		return err
	}
	return WriteJSONAtomic(filepath.Join(w.dir, "config.source.json"), p.ResolvedConfig)
}

func (w *Writer) onTrialPlanned(e bus.Event) error {
	p, ok := e.Payload.(bus.TrialPlannedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for trial.planned")
	}
	return w.planJSONL.WriteLine(p)
}

func (w *Writer) onTrialCompleted(e bus.Event) error {
	p, ok := e.Payload.(bus.TrialCompletedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for trial.completed")
	}
	w.mu.Lock()
	rec := w.recordFor(p.TrialID)
	rec.Status = p.Status
	rec.ElapsedMS = p.ElapsedMS
	rec.RequestedModel = p.RequestedModel
	rec.ActualModel = p.ActualModel
	rec.Usage = UsageTotals{PromptTokens: p.PromptTokens, CompletionTokens: p.CompletionTokens, TotalTokens: p.TotalTokens, CostUSD: p.CostUSD}

	modelKey := p.ActualModel
	if modelKey == "" {
		modelKey = p.RequestedModel
	}
	w.manifest.Usage.add(p.PromptTokens, p.CompletionTokens, p.TotalTokens, p.CostUSD)
	perModel, ok := w.manifest.UsageByModel[modelKey]
	if !ok {
		perModel = &UsageTotals{}
		w.manifest.UsageByModel[modelKey] = perModel
	}
	perModel.add(p.PromptTokens, p.CompletionTokens, p.TotalTokens, p.CostUSD)
	w.completedTrialIDs = append(w.completedTrialIDs, p.TrialID)
	w.mu.Unlock()
	return nil
}

func (w *Writer) onParsedOutput(e bus.Event) error {
	p, ok := e.Payload.(bus.ParsedOutputPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for parsed.output")
	}
	w.mu.Lock()
	rec := w.recordFor(p.TrialID)
	rec.Parsed = &parsedSummary{Status: p.ParseStatus, Decision: p.Decision, Rationale: p.Rationale, RawContent: p.RawContent}
	switch p.ParseStatus {
	case "fallback":
		w.parseFallbackCount++
	case "failed":
		w.parseFailedCount++
	}
	w.mu.Unlock()
	return nil
}

func (w *Writer) onEmbeddingRecorded(e bus.Event) error {
	p, ok := e.Payload.(bus.EmbeddingRecordedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for embedding.recorded")
	}
	if err := w.embeddingsJSONL.WriteLine(p); err != nil {
		return err
	}

	w.mu.Lock()
	rec := w.recordFor(p.TrialID)
	rec.Embedding = &embeddingSummary{
		Status: p.Status, SkipReason: p.SkipReason, Dimensions: p.Dimensions,
		VectorBase64: p.VectorBase64, GenerationID: p.GenerationID, ActualModel: p.ActualModel, Conflicting: p.Conflicting,
	}
	if p.Status == "success" {
		w.eligibleCount++
	}
	complete := rec
	delete(w.pending, p.TrialID)
	w.mu.Unlock()

	return w.trialsJSONL.WriteLine(complete)
}

func (w *Writer) onConvergenceRecord(e bus.Event) error {
	p, ok := e.Payload.(bus.ConvergenceRecordPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for convergence.record")
	}
	return w.monitoringJSONL.WriteLine(p)
}

func (w *Writer) onClusterAssigned(e bus.Event) error {
	p, ok := e.Payload.(bus.ClusterAssignedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for cluster.assigned")
	}
	if w.assignmentsJSONL == nil {
		return nil
	}
	return w.assignmentsJSONL.WriteLine(p)
}

func (w *Writer) onClustersState(e bus.Event) error {
	p, ok := e.Payload.(bus.ClustersStatePayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for clusters.state")
	}
	return WriteJSONAtomic(filepath.Join(w.dir, "groups", "state.json"), p)
}

func (w *Writer) onEmbeddingsFinalized(e bus.Event) error {
	p, ok := e.Payload.(bus.EmbeddingsFinalizedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for embeddings.finalized")
	}
	w.mu.Lock()
	w.embeddingsFinalized = &p
	w.mu.Unlock()
	return WriteJSONAtomic(filepath.Join(w.dir, "embeddings.provenance.json"), p)
}

func (w *Writer) onRunCompleted(e bus.Event) error {
	p, ok := e.Payload.(bus.RunCompletedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for run.completed")
	}
	return w.finalizeManifest(p.StopReason, p.Incomplete, "", "")
}

func (w *Writer) onRunFailed(e bus.Event) error {
	p, ok := e.Payload.(bus.RunFailedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type for run.failed")
	}
	return w.finalizeManifest("error", true, p.Message, p.ErrorCode)
}

// finalizeManifest applies the contract-failure policy, fills counts, and
// writes manifest.json atomically.
func (w *Writer) finalizeManifest(stopReason string, incomplete bool, failureMessage, failureErrorCode string) error {
	w.mu.Lock()
	w.manifest.CompletedAt = time.Now()
	w.manifest.StopReason = stopReason
	w.manifest.Incomplete = incomplete
	w.manifest.FailureMessage = failureMessage
	w.manifest.FailureErrorCode = failureErrorCode
	w.manifest.KCompleted = len(w.completedTrialIDs)
	w.manifest.KAttempted = len(w.completedTrialIDs)
	w.manifest.KEligible = w.eligibleCount
	w.manifest.ContractFailurePolicy.FallbackCount = w.parseFallbackCount
	w.manifest.ContractFailurePolicy.FailedCount = w.parseFailedCount

	if w.contractFailurePolicy == config.ContractFailureFail && (w.parseFallbackCount > 0 || w.parseFailedCount > 0) {
		w.manifest.StopReason = "error"
		w.manifest.Incomplete = true
		w.manifest.ContractFailureNote = fmt.Sprintf("Contract parse failures: fallback=%d, failed=%d", w.parseFallbackCount, w.parseFailedCount)
	}

	artifacts := []ArtifactEntry{
		{Path: "trial_plan.jsonl", Kind: "jsonl"},
		{Path: "trials.jsonl", Kind: "jsonl"},
		{Path: "monitoring.jsonl", Kind: "jsonl"},
		{Path: "config.resolved.json", Kind: "json"},
		{Path: "config.source.json", Kind: "json"},
		{Path: "embeddings.provenance.json", Kind: "json"},
	}
	if w.clusteringEnabled {
		artifacts = append(artifacts,
			ArtifactEntry{Path: "groups/assignments.jsonl", Kind: "jsonl"},
			ArtifactEntry{Path: "groups/state.json", Kind: "json"},
		)
	}
	if w.embeddingsFinalized != nil {
		if w.embeddingsFinalized.Status == "arrow_generated" {
			artifacts = append(artifacts, ArtifactEntry{Path: "embeddings.arrow", Kind: "arrow"})
		}
		if w.embeddingsFinalized.DebugJSONLPresent {
			artifacts = append(artifacts, ArtifactEntry{Path: "debug/embeddings.jsonl", Kind: "jsonl"})
		}
	}
	w.manifest.Artifacts = artifacts
	manifest := w.manifest
	w.mu.Unlock()

	return WriteJSONAtomic(filepath.Join(w.dir, "manifest.json"), manifest)
}

// recordFor returns trial_id's accumulating record, creating it if absent.
// Callers must hold w.mu.
func (w *Writer) recordFor(trialID uint32) *trialRecord {
	rec, ok := w.pending[trialID]
	if !ok {
		rec = &trialRecord{TrialID: trialID}
		w.pending[trialID] = rec
	}
	return rec
}

// CompletedTrialIDs returns the sorted list of trial ids the writer has
// recorded trial.completed for, for the orchestrator's batch.completed
// payload.
func (w *Writer) CompletedTrialIDs() []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]uint32(nil), w.completedTrialIDs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseEmbeddingsJSONL closes only the debug/embeddings.jsonl stream, so
// the embedding finalizer can safely read a fully-flushed file while the
// writer keeps listening for run.completed/run.failed to write the final
// manifest. The full Close, which unsubscribes everything, happens afterward.
func (w *Writer) CloseEmbeddingsJSONL() error {
	if w.embeddingsJSONL == nil {
		return nil
	}
	return w.embeddingsJSONL.Close()
}

// Close releases every remaining JSONL writer's file handle and
// unsubscribes from the bus. Call this only after run.completed/run.failed
// has been published and flushed, since finalizeManifest runs from that
// event's handler.
func (w *Writer) Close() error {
	for _, unsub := range w.unsubscribe {
		unsub()
	}
	var firstErr error
	for _, jw := range []*JSONLWriter{w.planJSONL, w.trialsJSONL, w.monitoringJSONL, w.embeddingsJSONL, w.assignmentsJSONL} {
		if jw == nil {
			continue
		}
		if err := jw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
