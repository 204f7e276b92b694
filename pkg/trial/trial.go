// Package trial implements the per-trial execution pipeline: building
// messages, calling the completion and embedding APIs (or synthesizing
// deterministic mock output), parsing structured decisions, and deciding
// whether to embed. Both Mock and Live satisfy Executor so
// the batch executor and run orchestrator never distinguish them.
package trial

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/darylkang/arbiter/pkg/bus"
	"github.com/darylkang/arbiter/pkg/config"
	"github.com/darylkang/arbiter/pkg/contract"
	"github.com/darylkang/arbiter/pkg/llmapi"
	"github.com/darylkang/arbiter/pkg/plan"
	"github.com/darylkang/arbiter/pkg/rng"
	"github.com/darylkang/arbiter/pkg/vecio"
)

// Registry resolves the text bodies a participant variant id names. The
// resolved config carries weighted lists of ids; where their
// text actually lives is outside the core's scope (config loading), so
// callers build and inject one of these alongside the resolved config.
type Registry struct {
	PersonaText    map[string]string
	ProtocolText   map[string]string
	InstrumentText map[string]string
}

func (r Registry) persona(id string) string  { return r.PersonaText[id] }
func (r Registry) protocol(id string) string { return r.ProtocolText[id] }

// Outcome is the result of one trial's execution.
type Outcome struct {
	TrialID        uint32
	Status         string // success, error, timeout_exhausted, model_unavailable
	ElapsedMS      int64
	ParseStatus    contract.ParseStatus
	ExtractionMethod contract.ExtractionMethod
	ParserVersion  string
	ParseError     string
	Decision       map[string]interface{}
	Rationale      string
	RationaleTruncated bool
	Confidence     *float64
	RawContent     string
	EmbedTextSource string
	EmbedText      string
	GenerationID   string
	ActualModel    string
	RequestedModel string
	Usage          llmapi.Usage
	Embedding      EmbeddingOutcome
}

// EmbeddingOutcome is the trial's embedding decision and result.
type EmbeddingOutcome struct {
	Status                 string // success, skipped
	SkipReason             string // contract_parse_excluded, empty_embed_text, trial_not_success, embedding_call_failed
	Dimensions             int
	VectorBase64           string
	Vector                 []float32
	EmbedTextSHA256        string
	EmbedTextTruncated     bool
	EmbedTextOriginalChars int
	EmbedTextFinalChars    int
	TruncationReason       string
	GenerationID           string
	ActualModel            string
	Conflicting            bool
}

// Executor is the contract both Mock and Live satisfy.
type Executor interface {
	Execute(ctx context.Context, entry plan.Entry) (Outcome, error)
}

// RunState is the cross-trial state a single run's executors share:
// the run's established embedding dimensionality (mismatches are fatal)
// and the embedding API's actual model, which must stay consistent across
// calls.
type RunState struct {
	mu sync.Mutex

	dimensionsSet bool
	dimensions    int

	actualModelSet         bool
	actualModel            string
	actualModelConflicting bool
}

// NewRunState creates empty cross-trial state for one run.
func NewRunState() *RunState {
	return &RunState{}
}

// CheckDimensions enforces uniform embedding dimensions across the run.
func (s *RunState) CheckDimensions(d int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dimensionsSet {
		s.dimensions = d
		s.dimensionsSet = true
		return nil
	}
	if s.dimensions != d {
		return fmt.Errorf("trial: embedding dimensions mismatch: got %d, run established %d", d, s.dimensions)
	}
	return nil
}

// RecordActualModel folds one call's reported actual model into the run's
// tracked value; on conflict with a previously-seen different value, it
// clears the tracked value and marks the run conflicting from then on.
func (s *RunState) RecordActualModel(actual string) (effective string, conflicting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if actual == "" {
		return s.actualModel, s.actualModelConflicting
	}
	if !s.actualModelSet {
		s.actualModel = actual
		s.actualModelSet = true
		return actual, false
	}
	if s.actualModel != actual {
		s.actualModelConflicting = true
		s.actualModel = ""
		return "", true
	}
	return s.actualModel, s.actualModelConflicting
}

// --- shared pipeline helpers (used by both Mock and Live) ---

func normalizeEmbedText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(s, " \t\n\r")
}

func truncateEmbedText(s string, maxChars int) (result string, truncated bool, reason string) {
	if maxChars <= 0 {
		return s, false, ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s, false, ""
	}
	return string(runes[:maxChars]), true, "max_chars_exceeded"
}

// embedTextAccounting is the normalize/truncate bookkeeping every embedding
// record carries, computed once and shared by both text selection and the
// final embedding call.
type embedTextAccounting struct {
	Text             string
	OriginalChars    int
	FinalChars       int
	Truncated        bool
	TruncationReason string
	SHA256           string
}

// prepareEmbedText normalizes raw per the normalize/truncate steps both
// executors apply before embedding, recording the accounting the embedding
// record's debug form requires.
func prepareEmbedText(raw string, maxChars int) embedTextAccounting {
	normalized := normalizeEmbedText(raw)
	final, truncated, reason := truncateEmbedText(normalized, maxChars)
	return embedTextAccounting{
		Text:             final,
		OriginalChars:    len([]rune(normalized)),
		FinalChars:       len([]rune(final)),
		Truncated:        truncated,
		TruncationReason: reason,
		SHA256:           embedTextSHA256(final),
	}
}

func embedTextSHA256(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// selectEmbedText picks the text to embed per embed_text_strategy and the
// contract's configured embed_text_source, with fallback chain
// decision → rationale → raw_content.
func selectEmbedText(strategy config.EmbedTextStrategy, source string, decision map[string]interface{}, rationale, rawContent string) string {
	if source != "" {
		if v, ok := decision[source]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}

	if d := decisionText(decision); d != "" {
		return d
	}
	if rationale != "" {
		return rationale
	}
	if strategy == config.EmbedTextOutcomeOrRaw {
		return rawContent
	}
	return ""
}

func decisionText(decision map[string]interface{}) string {
	if decision == nil {
		return ""
	}
	if v, ok := decision["decision"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// confidenceOf extracts an optional numeric confidence field from a parsed
// decision, if one is present and numeric.
func confidenceOf(decision map[string]interface{}) *float64 {
	if decision == nil {
		return nil
	}
	v, ok := decision["confidence"]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func deriveStatus(timedOut bool, err error) string {
	if timedOut {
		return "timeout_exhausted"
	}
	if err != nil {
		if errors.Is(err, llmapi.ErrModelUnavailable) {
			return "model_unavailable"
		}
		return "error"
	}
	return "success"
}

func decideEmbedding(parseStatus contract.ParseStatus, hasContract bool, contractPolicy config.ContractFailurePolicy, trialSucceeded bool, embedText string) (skip bool, reason string) {
	if !trialSucceeded {
		return true, "trial_not_success"
	}
	if hasContract && parseStatus != contract.ParseSuccess && contractPolicy == config.ContractFailureExclude {
		return true, "contract_parse_excluded"
	}
	if embedText == "" {
		return true, "empty_embed_text"
	}
	return false, ""
}

// publishTrialEvents emits the trial's three events (trial.completed,
// parsed.output, embedding.recorded) from its accumulated Outcome.
func publishTrialEvents(b *bus.Bus, out Outcome) {
	if b == nil {
		return
	}
	b.Publish(bus.KindTrialCompleted, bus.TrialCompletedPayload{
		TrialID: out.TrialID, Status: out.Status, ElapsedMS: out.ElapsedMS,
		RequestedModel: out.RequestedModel, ActualModel: out.ActualModel,
		PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens: out.Usage.TotalTokens, CostUSD: out.Usage.CostUSD,
	})
	b.Publish(bus.KindParsedOutput, bus.ParsedOutputPayload{
		TrialID: out.TrialID, ParseStatus: string(out.ParseStatus), ExtractionMethod: string(out.ExtractionMethod),
		Decision: out.Decision, Rationale: out.Rationale, Confidence: out.Confidence,
		EmbedTextSource: out.EmbedTextSource, EmbedText: out.EmbedText, RationaleTruncated: out.RationaleTruncated,
		ParserVersion: out.ParserVersion, ParseError: out.ParseError, RawContent: out.RawContent,
	})
	emb := out.Embedding
	b.Publish(bus.KindEmbeddingRecorded, bus.EmbeddingRecordedPayload{
		TrialID: out.TrialID, Status: emb.Status, SkipReason: emb.SkipReason, Dimensions: emb.Dimensions,
		VectorBase64: emb.VectorBase64, EmbedTextSHA256: emb.EmbedTextSHA256, EmbedTextTruncated: emb.EmbedTextTruncated,
		EmbedTextOriginalChars: emb.EmbedTextOriginalChars, EmbedTextFinalChars: emb.EmbedTextFinalChars,
		TruncationReason: emb.TruncationReason, Dtype: vecio.Dtype, Encoding: vecio.Encoding,
		GenerationID: emb.GenerationID, ActualModel: emb.ActualModel, Conflicting: emb.Conflicting,
	})
}

// deterministicEmbeddingVector draws a synthetic embedding vector from the
// run's seeded embedding stream.
func deterministicEmbeddingVector(seed string, trialID uint32, dimensions int) []float32 {
	stream := rng.NewStream(seed, rng.StreamEmbedding, trialID)
	v := make([]float32, dimensions)
	for i := range v {
		v[i] = float32(stream.FloatRange(-1, 1))
	}
	return v
}

func toEmbeddingOutcome(vector []float32, acc embedTextAccounting, generationID, actualModel string, conflicting bool) EmbeddingOutcome {
	return EmbeddingOutcome{
		Status:                 "success",
		Dimensions:             len(vector),
		VectorBase64:           vecio.EncodeVector(vector),
		Vector:                 vector,
		EmbedTextSHA256:        acc.SHA256,
		EmbedTextTruncated:     acc.Truncated,
		EmbedTextOriginalChars: acc.OriginalChars,
		EmbedTextFinalChars:    acc.FinalChars,
		TruncationReason:       acc.TruncationReason,
		GenerationID:           generationID,
		ActualModel:            actualModel,
		Conflicting:            conflicting,
	}
}

